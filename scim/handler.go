package scim

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// WriteJSON writes a SCIM response body with the SCIM media type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes any error as an RFC 7644 Error document. Non-SCIM errors
// become opaque 500s so internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var se *Error
	if !errors.As(err, &se) {
		se = ErrInternal("internal server error")
	}
	WriteJSON(w, se.Status, &ErrorResponse{
		Schemas:  []string{SchemaError},
		Status:   strconv.Itoa(se.Status),
		Detail:   se.Detail,
		ScimType: se.ScimType,
	})
}

// ReadJSON decodes a request body, preserving number fidelity for filter
// comparisons. Returns invalidSyntax on malformed JSON.
func ReadJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return ErrInvalidSyntax("request body is not valid JSON")
	}
	return nil
}

// ParseQueryParams extracts and normalizes the list-operation parameters.
// startIndex below 1 is clamped to 1, negative count to 0.
func ParseQueryParams(r *http.Request) (QueryParams, error) {
	q := r.URL.Query()
	params := QueryParams{
		Filter:     q.Get("filter"),
		StartIndex: 1,
		SortBy:     q.Get("sortBy"),
		SortOrder:  q.Get("sortOrder"),
	}
	if raw := q.Get("attributes"); raw != "" {
		params.Attributes = splitAttrList(raw)
	}
	if raw := q.Get("excludedAttributes"); raw != "" {
		params.ExcludedAttr = splitAttrList(raw)
	}
	if raw := q.Get("startIndex"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return params, ErrInvalidValue("startIndex must be an integer")
		}
		if n < 1 {
			n = 1
		}
		params.StartIndex = n
	}
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return params, ErrInvalidValue("count must be an integer")
		}
		if n < 0 {
			n = 0
		}
		params.Count = n
		params.CountSet = true
	}
	return params, nil
}

// QueryParamsFromSearch maps a POST /.search body onto the same normalized
// parameters as the GET form.
func QueryParamsFromSearch(req *SearchRequest) QueryParams {
	params := QueryParams{
		Filter:       req.Filter,
		Attributes:   req.Attributes,
		ExcludedAttr: req.ExcludedAttributes,
		StartIndex:   req.StartIndex,
		SortBy:       req.SortBy,
		SortOrder:    req.SortOrder,
	}
	if params.StartIndex < 1 {
		params.StartIndex = 1
	}
	if req.Count != 0 {
		params.Count = max(req.Count, 0)
		params.CountSet = true
	}
	return params
}

func splitAttrList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
