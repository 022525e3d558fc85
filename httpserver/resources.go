package httpserver

import (
	"net/http"
	"strings"

	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/scim"
)

// docVersion reads the weak ETag off an assembled resource.
func docVersion(doc scim.Document) string {
	meta, ok := doc["meta"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := meta["version"].(string)
	return v
}

// docLocation reads meta.location off an assembled resource.
func docLocation(doc scim.Document) string {
	meta, ok := doc["meta"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := meta["location"].(string)
	return v
}

// writeResource writes a single resource with ETag and projection applied.
func writeResource(w http.ResponseWriter, status int, doc scim.Document, params scim.QueryParams) {
	if v := docVersion(doc); v != "" {
		w.Header().Set("ETag", v)
	}
	proj := scim.NewProjection(params.Attributes, params.ExcludedAttr)
	if !proj.Empty() {
		doc = proj.Apply(doc)
	}
	scim.WriteJSON(w, status, doc)
}

// writeList writes a ListResponse with projection applied per resource.
func writeList(w http.ResponseWriter, lr *scim.ListResponse, params scim.QueryParams) {
	proj := scim.NewProjection(params.Attributes, params.ExcludedAttr)
	if !proj.Empty() {
		lr.Resources = proj.ApplyAll(lr.Resources)
	}
	scim.WriteJSON(w, http.StatusOK, lr)
}

func readPatch(r *http.Request) (*scim.PatchOp, error) {
	var patch scim.PatchOp
	if err := scim.ReadJSON(r, &patch); err != nil {
		return nil, err
	}
	declared := false
	for _, urn := range patch.Schemas {
		if strings.EqualFold(urn, scim.SchemaPatchOp) {
			declared = true
			break
		}
	}
	if !declared {
		return nil, scim.ErrInvalidSyntax("request body must declare schema " + scim.SchemaPatchOp)
	}
	if len(patch.Operations) == 0 {
		return nil, scim.ErrInvalidValue("Operations must contain at least one operation")
	}
	return &patch, nil
}

func readSearch(r *http.Request) (scim.QueryParams, error) {
	var req scim.SearchRequest
	if err := scim.ReadJSON(r, &req); err != nil {
		return scim.QueryParams{}, err
	}
	return scim.QueryParamsFromSearch(&req), nil
}

// Users.

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	params, err := scim.ParseQueryParams(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	lr, err := s.users.List(r.Context(), ep, params)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeList(w, lr, params)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	params, err := readSearch(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	lr, err := s.users.List(r.Context(), ep, params)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeList(w, lr, params)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	var doc scim.Document
	if err := scim.ReadJSON(r, &doc); err != nil {
		scim.WriteError(w, err)
		return
	}
	created, err := s.users.Create(r.Context(), ep, doc)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	if loc := docLocation(created); loc != "" {
		w.Header().Set("Location", loc)
	}
	writeResource(w, http.StatusCreated, created, scim.QueryParams{})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	params, err := scim.ParseQueryParams(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	doc, err := s.users.Get(r.Context(), ep, r.PathValue("id"))
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	if v := docVersion(doc); scim.NotModified(r, v) {
		w.Header().Set("ETag", v)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeResource(w, http.StatusOK, doc, params)
}

func (s *Server) handleReplaceUser(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	var doc scim.Document
	if err := scim.ReadJSON(r, &doc); err != nil {
		scim.WriteError(w, err)
		return
	}
	updated, err := s.users.Replace(r.Context(), ep, r.PathValue("id"), doc)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated, scim.QueryParams{})
}

func (s *Server) handlePatchUser(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	patch, err := readPatch(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	updated, err := s.users.Patch(r.Context(), ep, r.PathValue("id"), patch)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated, scim.QueryParams{})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	if err := s.users.Delete(r.Context(), ep, r.PathValue("id")); err != nil {
		scim.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Groups.

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	params, err := scim.ParseQueryParams(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	lr, err := s.groups.List(r.Context(), ep, params)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeList(w, lr, params)
}

func (s *Server) handleSearchGroups(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	params, err := readSearch(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	lr, err := s.groups.List(r.Context(), ep, params)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeList(w, lr, params)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	var doc scim.Document
	if err := scim.ReadJSON(r, &doc); err != nil {
		scim.WriteError(w, err)
		return
	}
	created, err := s.groups.Create(r.Context(), ep, doc)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	if loc := docLocation(created); loc != "" {
		w.Header().Set("Location", loc)
	}
	writeResource(w, http.StatusCreated, created, scim.QueryParams{})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	params, err := scim.ParseQueryParams(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	doc, err := s.groups.Get(r.Context(), ep, r.PathValue("id"))
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	if v := docVersion(doc); scim.NotModified(r, v) {
		w.Header().Set("ETag", v)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeResource(w, http.StatusOK, doc, params)
}

func (s *Server) handleReplaceGroup(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	var doc scim.Document
	if err := scim.ReadJSON(r, &doc); err != nil {
		scim.WriteError(w, err)
		return
	}
	updated, err := s.groups.Replace(r.Context(), ep, r.PathValue("id"), doc)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated, scim.QueryParams{})
}

func (s *Server) handlePatchGroup(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	patch, err := readPatch(r)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	updated, err := s.groups.Patch(r.Context(), ep, r.PathValue("id"), patch)
	if err != nil {
		scim.WriteError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated, scim.QueryParams{})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	if err := s.groups.Delete(r.Context(), ep, r.PathValue("id")); err != nil {
		scim.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Discovery.

// discoveryList is the list envelope for schema and resource-type
// documents, which are typed structs rather than Documents.
type discoveryList struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	Resources    []any    `json:"Resources"`
}

func newDiscoveryList(resources []any) discoveryList {
	return discoveryList{
		Schemas:      []string{scim.SchemaListResponse},
		TotalResults: len(resources),
		Resources:    resources,
	}
}

func (s *Server) handleServiceProviderConfig(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	s.log.Trace(r.Context(), logging.CategoryDiscovery, "ServiceProviderConfig served", nil)
	scim.WriteJSON(w, http.StatusOK, scim.GetServiceProviderConfig())
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	s.log.Trace(r.Context(), logging.CategoryDiscovery, "Schemas served", nil)
	scim.WriteJSON(w, http.StatusOK, newDiscoveryList([]any{
		scim.GetUserSchema(),
		scim.GetEnterpriseUserSchema(),
		scim.GetGroupSchema(),
	}))
}

func (s *Server) handleResourceTypes(w http.ResponseWriter, r *http.Request, ep *endpoint.Endpoint) {
	s.log.Trace(r.Context(), logging.CategoryDiscovery, "ResourceTypes served", nil)
	types := scim.GetResourceTypes()
	resources := make([]any, len(types))
	for i := range types {
		resources[i] = types[i]
	}
	scim.WriteJSON(w, http.StatusOK, newDiscoveryList(resources))
}
