// Package service implements the SCIM resource state machines for Users
// and Groups: validation, uniqueness, persistence mapping, and assembly of
// wire documents from stored rows.
package service

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/scim"
)

// routeBase returns the URL prefix resources of this tenant live under.
// The default tenant answers on the unscoped route.
func routeBase(baseURL string, ep *endpoint.Endpoint) string {
	if ep.Name == endpoint.DefaultEndpointName {
		return baseURL + "/scim/v2"
	}
	return baseURL + "/scim/endpoints/" + ep.ID
}

// parseFilterParams turns the filter string into a predicate and a
// storage hint. An empty filter matches everything.
func parseFilterParams(filter string) (scim.Expr, *scim.Pushdown, error) {
	if strings.TrimSpace(filter) == "" {
		return nil, nil, nil
	}
	expr, err := scim.ParseFilter(filter)
	if err != nil {
		return nil, nil, err
	}
	return expr, scim.ExtractPushdown(expr), nil
}

// nullableString maps an optional attribute onto a nullable column.
func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// externalIDPtr adapts a document's externalId for conflict queries.
func externalIDPtr(doc scim.Document) *string {
	if s := doc.GetString("externalId"); s != "" {
		return &s
	}
	return nil
}

// marshalPayload serializes the residual attributes of a document after
// the reserved keys are stripped. The stored payload never carries the
// first-class columns, so the two cannot drift.
func marshalPayload(doc scim.Document, reserved []string) (string, error) {
	stripped := doc.Clone()
	for _, key := range reserved {
		stripped.Delete(key)
	}
	stripped.Delete("meta")
	data, err := json.Marshal(map[string]any(stripped))
	if err != nil {
		return "", scim.ErrInvalidValue("resource payload is not serializable")
	}
	return string(data), nil
}

// parsePayload decodes a stored rawPayload column.
func parsePayload(raw string) scim.Document {
	doc := scim.Document{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &doc)
	}
	return doc
}

// requireSchema checks the document declares the given core schema URN,
// case-insensitively.
func requireSchema(doc scim.Document, urn string) error {
	if !doc.HasSchema(urn) {
		return scim.ErrInvalidSyntax("request body must declare schema " + urn)
	}
	return nil
}

// stripClientManaged removes attributes the server owns. A client-supplied
// id must never persist or echo back.
func stripClientManaged(doc scim.Document) {
	doc.Delete("id")
	doc.Delete("meta")
}
