// Package endpoint manages tenants and their behavior flags.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/store"
)

// Behavior flag keys recognized in an endpoint's config map. Unknown keys
// are preserved untouched for forward compatibility.
const (
	FlagVerbosePatch       = "VerbosePatchSupported"
	FlagMultiAddMembers    = "MultiOpPatchRequestAddMultipleMembersToGroup"
	FlagMultiRemoveMembers = "MultiOpPatchRequestRemoveMultipleMembersFromGroup"
	FlagRemoveAllMembers   = "PatchOpAllowRemoveAllMembers"
)

// DefaultEndpointName is the tenant behind the unscoped /scim/v2 routes.
const DefaultEndpointName = "default"

// Endpoint is a tenant with its parsed configuration.
type Endpoint struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName,omitempty"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config"`
	Active      bool           `json:"active"`
	CreatedAt   string         `json:"createdAt"`
	UpdatedAt   string         `json:"updatedAt"`
}

// PatchSettings derives the PATCH behavior gates from the config flags.
// Flag values may be booleans or the strings "True"/"False" in any case.
func (e *Endpoint) PatchSettings() scim.PatchSettings {
	settings := scim.DefaultPatchSettings()
	if v, ok := flagBool(e.Config, FlagVerbosePatch); ok {
		settings.VerbosePatch = v
	}
	if v, ok := flagBool(e.Config, FlagMultiAddMembers); ok {
		settings.AllowMultiAddMembers = v
	}
	if v, ok := flagBool(e.Config, FlagMultiRemoveMembers); ok {
		settings.AllowMultiRemoveMembers = v
	}
	if v, ok := flagBool(e.Config, FlagRemoveAllMembers); ok {
		settings.AllowRemoveAllMembers = v
	}
	return settings
}

func flagBool(config map[string]any, key string) (bool, bool) {
	for k, v := range config {
		if strings.EqualFold(k, key) {
			return scim.CoerceBool(v)
		}
	}
	return false, false
}

// Stats are the ownership counts exposed by the admin API.
type Stats struct {
	Users  int `json:"users"`
	Groups int `json:"groups"`
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Service is the tenant lifecycle service.
type Service struct {
	store *store.Store
	log   *logging.Logger
}

// NewService creates the tenant service.
func NewService(st *store.Store, log *logging.Logger) *Service {
	return &Service{store: st, log: log}
}

// CreateParams are the admin-supplied tenant attributes.
type CreateParams struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Description string         `json:"description"`
	Config      map[string]any `json:"config"`
	Active      *bool          `json:"active"`
}

// Create provisions a new tenant. The name must be URL-safe and unique
// process-wide.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Endpoint, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" || !nameRe.MatchString(name) {
		return nil, scim.ErrInvalidValue("endpoint name must be non-empty and URL-safe")
	}
	cfg := params.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, scim.ErrInvalidValue("endpoint config is not serializable")
	}

	rec := &store.Endpoint{
		ID:          uuid.NewString(),
		Name:        name,
		DisplayName: params.DisplayName,
		Description: params.Description,
		Config:      string(configJSON),
		Active:      true,
	}
	if params.Active != nil {
		rec.Active = *params.Active
	}
	if err := s.store.CreateEndpoint(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, scim.NewError(http.StatusConflict, "endpoint name already exists: "+name, scim.TypeUniqueness)
		}
		return nil, err
	}
	s.log.Info(ctx, logging.CategoryEndpoint, "endpoint created", map[string]any{
		"endpointId": rec.ID, "name": rec.Name,
	})
	return fromRecord(rec), nil
}

// Get fetches a tenant by id.
func (s *Service) Get(ctx context.Context, id string) (*Endpoint, error) {
	rec, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("Endpoint", id)
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

// GetByName fetches a tenant by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (*Endpoint, error) {
	rec, err := s.store.GetEndpointByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("Endpoint", name)
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

// List returns every tenant.
func (s *Service) List(ctx context.Context) ([]*Endpoint, error) {
	recs, err := s.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Endpoint, len(recs))
	for i := range recs {
		out[i] = fromRecord(&recs[i])
	}
	return out, nil
}

// UpdateParams is a partial tenant update; nil fields are left alone.
// Config, when present, replaces the whole map.
type UpdateParams struct {
	Name        *string         `json:"name"`
	DisplayName *string         `json:"displayName"`
	Description *string         `json:"description"`
	Config      *map[string]any `json:"config"`
	Active      *bool           `json:"active"`
}

// Update applies a partial update to a tenant.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*Endpoint, error) {
	rec, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, scim.ErrNotFound("Endpoint", id)
		}
		return nil, err
	}

	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" || !nameRe.MatchString(name) {
			return nil, scim.ErrInvalidValue("endpoint name must be non-empty and URL-safe")
		}
		rec.Name = name
	}
	if params.DisplayName != nil {
		rec.DisplayName = *params.DisplayName
	}
	if params.Description != nil {
		rec.Description = *params.Description
	}
	if params.Config != nil {
		configJSON, err := json.Marshal(*params.Config)
		if err != nil {
			return nil, scim.ErrInvalidValue("endpoint config is not serializable")
		}
		rec.Config = string(configJSON)
	}
	if params.Active != nil {
		rec.Active = *params.Active
	}

	if err := s.store.UpdateEndpoint(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, scim.NewError(http.StatusConflict, "endpoint name already exists: "+rec.Name, scim.TypeUniqueness)
		}
		return nil, err
	}
	s.log.Info(ctx, logging.CategoryEndpoint, "endpoint updated", map[string]any{
		"endpointId": rec.ID, "name": rec.Name,
	})
	return fromRecord(rec), nil
}

// Delete removes a tenant and cascades to everything it owns.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteEndpoint(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scim.ErrNotFound("Endpoint", id)
		}
		return err
	}
	s.log.Warn(ctx, logging.CategoryEndpoint, "endpoint deleted with all owned resources", map[string]any{
		"endpointId": id,
	})
	return nil
}

// Stats reports the resources a tenant owns.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rec, err := s.store.GetEndpointStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Stats{Users: rec.Users, Groups: rec.Groups}, nil
}

// RunWithContext installs the endpoint scope on the context and runs fn,
// so every downstream log entry carries the tenant id.
func (s *Service) RunWithContext(ctx context.Context, endpointID string, fn func(ctx context.Context) error) error {
	return fn(logging.WithEndpointID(ctx, endpointID))
}

// EnsureDefault creates the default tenant if it does not exist yet and
// returns it.
func (s *Service) EnsureDefault(ctx context.Context) (*Endpoint, error) {
	ep, err := s.GetByName(ctx, DefaultEndpointName)
	if err == nil {
		return ep, nil
	}
	var se *scim.Error
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		return nil, err
	}
	return s.Create(ctx, CreateParams{
		Name:        DefaultEndpointName,
		DisplayName: "Default Endpoint",
		Description: "Implicit tenant behind the unscoped SCIM routes",
	})
}

func fromRecord(rec *store.Endpoint) *Endpoint {
	config := map[string]any{}
	_ = json.Unmarshal([]byte(rec.Config), &config)
	return &Endpoint{
		ID:          rec.ID,
		Name:        rec.Name,
		DisplayName: rec.DisplayName,
		Description: rec.Description,
		Config:      config,
		Active:      rec.Active,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}
