package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// reservedGroupKeys are first-class columns and the materialized membership
// set, both stripped from rawPayload.
var reservedGroupKeys = []string{"id", "displayName", "externalId", "members"}

// Groups is the Group resource service.
type Groups struct {
	store   *store.Store
	log     *logging.Logger
	baseURL string
}

// NewGroups creates the Group service.
func NewGroups(st *store.Store, log *logging.Logger, baseURL string) *Groups {
	return &Groups{store: st, log: log, baseURL: baseURL}
}

// Create validates and persists a new group with its membership set.
func (s *Groups) Create(ctx context.Context, ep *endpoint.Endpoint, doc scim.Document) (scim.Document, error) {
	if err := requireSchema(doc, scim.SchemaGroup); err != nil {
		return nil, err
	}
	displayName := doc.GetString("displayName")
	if displayName == "" {
		return nil, scim.ErrInvalidValue("displayName is required")
	}
	stripClientManaged(doc)
	scim.CoerceBooleans(doc)

	if err := s.checkUniqueness(ctx, ep.ID, displayName, externalIDPtr(doc), ""); err != nil {
		return nil, err
	}

	// Member lookups run before any write so the transaction only writes.
	members, err := s.resolveMembers(ctx, ep.ID, doc)
	if err != nil {
		return nil, err
	}
	payload, err := marshalPayload(doc, reservedGroupKeys)
	if err != nil {
		return nil, err
	}
	rec := &store.Group{
		ScimID:      uuid.NewString(),
		EndpointID:  ep.ID,
		ExternalID:  nullableString(doc.GetString("externalId")),
		DisplayName: displayName,
		RawPayload:  payload,
	}
	if err := s.store.InsertGroup(ctx, rec, members); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, scim.ErrUniqueness("displayName or externalId already exists")
		}
		return nil, err
	}
	s.log.Info(ctx, logging.CategoryGroup, "group created", map[string]any{
		"scimId": rec.ScimID, "displayName": displayName, "members": len(members),
	})
	return s.assembleWithMembers(ctx, ep, rec)
}

// Get fetches one group with its materialized membership.
func (s *Groups) Get(ctx context.Context, ep *endpoint.Endpoint, scimID string) (scim.Document, error) {
	rec, err := s.find(ctx, ep.ID, scimID)
	if err != nil {
		return nil, err
	}
	return s.assembleWithMembers(ctx, ep, rec)
}

// List applies the filter with storage pushdown where possible. Membership
// for the whole candidate set loads in one query.
func (s *Groups) List(ctx context.Context, ep *endpoint.Endpoint, params scim.QueryParams) (*scim.ListResponse, error) {
	expr, hint, err := parseFilterParams(params.Filter)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListGroups(ctx, ep.ID, hint)
	if err != nil {
		return nil, err
	}
	groupIDs := make([]int64, len(recs))
	for i := range recs {
		groupIDs[i] = recs[i].ID
	}
	memberSets, err := s.store.MembersForGroups(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	matched := make([]scim.Document, 0, len(recs))
	for i := range recs {
		doc := s.assemble(ep, &recs[i], memberSets[recs[i].ID])
		if expr == nil || expr.Matches(doc) {
			matched = append(matched, doc)
		}
	}
	page := scim.Paginate(matched, params.StartIndex, params.PageSize())
	return scim.NewListResponse(len(matched), params.StartIndex, page), nil
}

// Replace is a full PUT replacement including the membership set.
func (s *Groups) Replace(ctx context.Context, ep *endpoint.Endpoint, scimID string, doc scim.Document) (scim.Document, error) {
	if err := requireSchema(doc, scim.SchemaGroup); err != nil {
		return nil, err
	}
	displayName := doc.GetString("displayName")
	if displayName == "" {
		return nil, scim.ErrInvalidValue("displayName is required")
	}
	rec, err := s.find(ctx, ep.ID, scimID)
	if err != nil {
		return nil, err
	}
	stripClientManaged(doc)
	scim.CoerceBooleans(doc)
	if err := s.checkUniqueness(ctx, ep.ID, displayName, externalIDPtr(doc), scimID); err != nil {
		return nil, err
	}
	return s.persist(ctx, ep, rec, doc, displayName)
}

// Patch applies PATCH operations to the assembled group. Multi-member gates
// are validated before anything is written; the whole membership set is
// replaced transactionally. Returns the canonical resource (200, not 204).
func (s *Groups) Patch(ctx context.Context, ep *endpoint.Endpoint, scimID string, patch *scim.PatchOp) (scim.Document, error) {
	settings := ep.PatchSettings()
	if err := scim.ValidateGroupMemberOps(patch, settings); err != nil {
		return nil, err
	}
	rec, err := s.find(ctx, ep.ID, scimID)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.GetMembers(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	doc := s.assemble(ep, rec, stored)
	appendUnresolvedMembers(doc, stored)
	doc.Delete("meta")
	doc.Delete("id")

	if err := scim.Apply(doc, patch, settings); err != nil {
		return nil, err
	}
	displayName := doc.GetString("displayName")
	if displayName == "" {
		return nil, scim.ErrInvalidValue("displayName cannot be removed")
	}
	if err := s.checkUniqueness(ctx, ep.ID, displayName, externalIDPtr(doc), scimID); err != nil {
		return nil, err
	}
	s.log.Debug(ctx, logging.CategoryPatch, "group patch applied", map[string]any{
		"scimId": scimID, "operations": len(patch.Operations),
	})
	return s.persist(ctx, ep, rec, doc, displayName)
}

// Delete removes the group and its memberships.
func (s *Groups) Delete(ctx context.Context, ep *endpoint.Endpoint, scimID string) error {
	if err := s.store.DeleteGroup(ctx, ep.ID, scimID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scim.ErrNotFound("Group", scimID)
		}
		return err
	}
	s.log.Info(ctx, logging.CategoryGroup, "group deleted", map[string]any{"scimId": scimID})
	return nil
}

func (s *Groups) find(ctx context.Context, endpointID, scimID string) (*store.Group, error) {
	rec, err := s.store.GetGroup(ctx, endpointID, scimID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("Group", scimID)
		}
		return nil, err
	}
	return rec, nil
}

func (s *Groups) checkUniqueness(ctx context.Context, endpointID, displayName string, externalID *string, excludeScimID string) error {
	hit, err := s.store.FindGroupConflict(ctx, endpointID, displayName, externalID, excludeScimID)
	if err != nil {
		return err
	}
	if hit != nil {
		return scim.ErrUniqueness("displayName or externalId already exists")
	}
	return nil
}

// persist replaces the group row and its whole membership set. Member
// resolution happens here, before the write transaction opens.
func (s *Groups) persist(ctx context.Context, ep *endpoint.Endpoint, rec *store.Group, doc scim.Document, displayName string) (scim.Document, error) {
	members, err := s.resolveMembers(ctx, ep.ID, doc)
	if err != nil {
		return nil, err
	}
	payload, err := marshalPayload(doc, reservedGroupKeys)
	if err != nil {
		return nil, err
	}
	rec.DisplayName = displayName
	rec.ExternalID = nullableString(doc.GetString("externalId"))
	rec.RawPayload = payload
	if err := s.store.UpdateGroupWithMembers(ctx, rec, members); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return nil, scim.ErrUniqueness("displayName or externalId already exists")
		case errors.Is(err, store.ErrNotFound):
			return nil, scim.ErrNotFound("Group", rec.ScimID)
		case errors.Is(err, store.ErrTxTimeout):
			return nil, scim.ErrInternal("group write transaction timed out")
		}
		return nil, err
	}
	return s.assembleWithMembers(ctx, ep, rec)
}

// resolveMembers turns the document's members array into membership rows.
// Duplicate values collapse to one entry. Values resolving to users of the
// same endpoint materialize with member_id set; anything else is kept by
// opaque value only.
func (s *Groups) resolveMembers(ctx context.Context, endpointID string, doc scim.Document) ([]store.Member, error) {
	raw, ok := doc.Get("members")
	if !ok {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, scim.ErrInvalidValue("members must be an array")
	}

	seen := make(map[string]bool, len(arr))
	entries := make([]store.Member, 0, len(arr))
	values := make([]string, 0, len(arr))
	for _, elem := range arr {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, scim.ErrInvalidValue("members entries must be objects")
		}
		entry := scim.Document(m)
		value := entry.GetString("value")
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		entries = append(entries, store.Member{
			Value:   value,
			Display: entry.GetString("display"),
			Type:    entry.GetString("type"),
		})
		values = append(values, value)
	}

	resolved, err := s.store.GetUsersByScimIDs(ctx, endpointID, values)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if u, ok := resolved[entries[i].Value]; ok {
			entries[i].MemberID = sql.NullInt64{Int64: u.ID, Valid: true}
			if entries[i].Display == "" {
				entries[i].Display = u.UserName
			}
			if entries[i].Type == "" {
				entries[i].Type = "User"
			}
		}
	}
	return entries, nil
}

// appendUnresolvedMembers adds memberships stored by raw value only to the
// working document, so patch operations can target them and untargeted
// operations carry them through to the rewritten membership set. They stay
// out of the served members array.
func appendUnresolvedMembers(doc scim.Document, members []store.Member) {
	raw, _ := doc.Get("members")
	arr, _ := raw.([]any)
	for _, m := range members {
		if m.MemberID.Valid {
			continue
		}
		entry := map[string]any{"value": m.Value}
		if m.Display != "" {
			entry["display"] = m.Display
		}
		if m.Type != "" {
			entry["type"] = m.Type
		}
		arr = append(arr, entry)
	}
	doc.Set("members", arr)
}

func (s *Groups) assembleWithMembers(ctx context.Context, ep *endpoint.Endpoint, rec *store.Group) (scim.Document, error) {
	members, err := s.store.GetMembers(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return s.assemble(ep, rec, members), nil
}

// assemble builds the wire document. Only resolved memberships materialize
// in the members array; unresolved rows exist in storage but are not
// served as members of this endpoint.
func (s *Groups) assemble(ep *endpoint.Endpoint, rec *store.Group, members []store.Member) scim.Document {
	doc := parsePayload(rec.RawPayload)
	scim.CoerceBooleans(doc)
	if !doc.Has("schemas") {
		doc.Set("schemas", []any{scim.SchemaGroup})
	}
	doc.Set("id", rec.ScimID)
	doc.Set("displayName", rec.DisplayName)
	if rec.ExternalID.Valid {
		doc.Set("externalId", rec.ExternalID.String)
	} else {
		doc.Delete("externalId")
	}

	base := routeBase(s.baseURL, ep)
	materialized := make([]any, 0, len(members))
	for _, m := range members {
		if !m.MemberID.Valid {
			continue
		}
		entry := map[string]any{
			"value": m.Value,
			"$ref":  base + "/Users/" + m.Value,
		}
		if m.Display != "" {
			entry["display"] = m.Display
		}
		if m.Type != "" {
			entry["type"] = m.Type
		}
		materialized = append(materialized, entry)
	}
	doc.Set("members", materialized)

	doc.Set("meta", scim.BuildMeta("Group",
		base+"/Groups/"+rec.ScimID,
		rec.CreatedTime(), rec.UpdatedTime()))
	return doc
}
