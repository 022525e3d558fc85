package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// reservedUserKeys are first-class columns stripped from rawPayload.
var reservedUserKeys = []string{"id", "userName", "externalId", "active"}

// Users is the User resource service.
type Users struct {
	store   *store.Store
	log     *logging.Logger
	baseURL string
}

// NewUsers creates the User service.
func NewUsers(st *store.Store, log *logging.Logger, baseURL string) *Users {
	return &Users{store: st, log: log, baseURL: baseURL}
}

// Create validates and persists a new user, assigning its scimId.
func (s *Users) Create(ctx context.Context, ep *endpoint.Endpoint, doc scim.Document) (scim.Document, error) {
	if err := requireSchema(doc, scim.SchemaUser); err != nil {
		return nil, err
	}
	userName := doc.GetString("userName")
	if userName == "" {
		return nil, scim.ErrInvalidValue("userName is required")
	}
	stripClientManaged(doc)
	scim.CoerceBooleans(doc)

	if err := s.checkUniqueness(ctx, ep.ID, userName, externalIDPtr(doc), ""); err != nil {
		return nil, err
	}

	active := true
	if v, ok := doc.GetBool("active"); ok {
		active = v
	}
	payload, err := marshalPayload(doc, reservedUserKeys)
	if err != nil {
		return nil, err
	}
	rec := &store.User{
		ScimID:     uuid.NewString(),
		EndpointID: ep.ID,
		ExternalID: nullableString(doc.GetString("externalId")),
		UserName:   userName,
		Active:     active,
		RawPayload: payload,
	}
	if err := s.store.InsertUser(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, scim.ErrUniqueness("userName or externalId already exists")
		}
		return nil, err
	}
	s.log.Info(ctx, logging.CategoryUser, "user created", map[string]any{
		"scimId": rec.ScimID, "userName": userName,
	})
	return s.assemble(ep, rec), nil
}

// Get fetches one user as a wire document.
func (s *Users) Get(ctx context.Context, ep *endpoint.Endpoint, scimID string) (scim.Document, error) {
	rec, err := s.find(ctx, ep.ID, scimID)
	if err != nil {
		return nil, err
	}
	return s.assemble(ep, rec), nil
}

// List applies the filter with storage pushdown where possible and returns
// the paginated envelope.
func (s *Users) List(ctx context.Context, ep *endpoint.Endpoint, params scim.QueryParams) (*scim.ListResponse, error) {
	expr, hint, err := parseFilterParams(params.Filter)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListUsers(ctx, ep.ID, hint)
	if err != nil {
		return nil, err
	}
	matched := make([]scim.Document, 0, len(recs))
	for i := range recs {
		doc := s.assemble(ep, &recs[i])
		if expr == nil || expr.Matches(doc) {
			matched = append(matched, doc)
		}
	}
	page := scim.Paginate(matched, params.StartIndex, params.PageSize())
	return scim.NewListResponse(len(matched), params.StartIndex, page), nil
}

// Replace is a full PUT replacement of the resource.
func (s *Users) Replace(ctx context.Context, ep *endpoint.Endpoint, scimID string, doc scim.Document) (scim.Document, error) {
	if err := requireSchema(doc, scim.SchemaUser); err != nil {
		return nil, err
	}
	userName := doc.GetString("userName")
	if userName == "" {
		return nil, scim.ErrInvalidValue("userName is required")
	}
	rec, err := s.find(ctx, ep.ID, scimID)
	if err != nil {
		return nil, err
	}
	stripClientManaged(doc)
	scim.CoerceBooleans(doc)

	if err := s.checkUniqueness(ctx, ep.ID, userName, externalIDPtr(doc), scimID); err != nil {
		return nil, err
	}
	return s.persist(ctx, ep, rec, doc, userName)
}

// Patch applies PATCH operations to the assembled resource and persists
// the result.
func (s *Users) Patch(ctx context.Context, ep *endpoint.Endpoint, scimID string, patch *scim.PatchOp) (scim.Document, error) {
	rec, err := s.find(ctx, ep.ID, scimID)
	if err != nil {
		return nil, err
	}
	doc := s.assemble(ep, rec)
	doc.Delete("meta")
	doc.Delete("id")

	if err := scim.Apply(doc, patch, ep.PatchSettings()); err != nil {
		return nil, err
	}
	userName := doc.GetString("userName")
	if userName == "" {
		return nil, scim.ErrInvalidValue("userName cannot be removed")
	}
	if err := s.checkUniqueness(ctx, ep.ID, userName, externalIDPtr(doc), scimID); err != nil {
		return nil, err
	}
	s.log.Debug(ctx, logging.CategoryPatch, "user patch applied", map[string]any{
		"scimId": scimID, "operations": len(patch.Operations),
	})
	return s.persist(ctx, ep, rec, doc, userName)
}

// Delete hard-deletes the user.
func (s *Users) Delete(ctx context.Context, ep *endpoint.Endpoint, scimID string) error {
	if err := s.store.DeleteUser(ctx, ep.ID, scimID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scim.ErrNotFound("User", scimID)
		}
		return err
	}
	s.log.Info(ctx, logging.CategoryUser, "user deleted", map[string]any{"scimId": scimID})
	return nil
}

func (s *Users) find(ctx context.Context, endpointID, scimID string) (*store.User, error) {
	rec, err := s.store.GetUser(ctx, endpointID, scimID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("User", scimID)
		}
		return nil, err
	}
	return rec, nil
}

func (s *Users) checkUniqueness(ctx context.Context, endpointID, userName string, externalID *string, excludeScimID string) error {
	hit, err := s.store.FindUserConflict(ctx, endpointID, userName, externalID, excludeScimID)
	if err != nil {
		return err
	}
	if hit != nil {
		return scim.ErrUniqueness("userName or externalId already exists")
	}
	return nil
}

// persist writes the mutated document back over the stored row and returns
// the canonical resource.
func (s *Users) persist(ctx context.Context, ep *endpoint.Endpoint, rec *store.User, doc scim.Document, userName string) (scim.Document, error) {
	active := rec.Active
	if v, ok := doc.GetBool("active"); ok {
		active = v
	}
	payload, err := marshalPayload(doc, reservedUserKeys)
	if err != nil {
		return nil, err
	}
	rec.UserName = userName
	rec.ExternalID = nullableString(doc.GetString("externalId"))
	rec.Active = active
	rec.RawPayload = payload
	if err := s.store.UpdateUser(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, scim.ErrUniqueness("userName or externalId already exists")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("User", rec.ScimID)
		}
		return nil, err
	}
	return s.assemble(ep, rec), nil
}

// assemble builds the wire document: first-class columns over rawPayload,
// booleans coerced, meta synthesized. meta.version is the weak ETag of
// updatedAt.
func (s *Users) assemble(ep *endpoint.Endpoint, rec *store.User) scim.Document {
	doc := parsePayload(rec.RawPayload)
	scim.CoerceBooleans(doc)
	if !doc.Has("schemas") {
		doc.Set("schemas", []any{scim.SchemaUser})
	}
	doc.Set("id", rec.ScimID)
	doc.Set("userName", rec.UserName)
	if rec.ExternalID.Valid {
		doc.Set("externalId", rec.ExternalID.String)
	} else {
		doc.Delete("externalId")
	}
	doc.Set("active", rec.Active)
	doc.Set("meta", scim.BuildMeta("User",
		routeBase(s.baseURL, ep)+"/Users/"+rec.ScimID,
		rec.CreatedTime(), rec.UpdatedTime()))
	return doc
}
