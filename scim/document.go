package scim

import (
	"encoding/json"
	"strings"
)

// Document is a SCIM resource body as an open JSON object. SCIM attribute
// names are case-insensitive (RFC 7643 Section 2.1), so all lookups and
// deletions match keys without regard to case while preserving the stored
// spelling on write.
type Document map[string]any

// ParseDocument decodes a JSON object into a Document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ErrInvalidSyntax("invalid JSON: " + err.Error())
	}
	return doc, nil
}

// Get returns the value for the attribute name, matched case-insensitively.
func (d Document) Get(name string) (any, bool) {
	if v, ok := d[name]; ok {
		return v, true
	}
	for k, v := range d {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// GetString returns the attribute as a string, or "" if absent or not a string.
func (d Document) GetString(name string) string {
	v, ok := d.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetBool returns the attribute as a bool, coercing the string forms
// "True"/"False" (any case) that Entra emits. The second result reports
// whether the attribute was present and coercible.
func (d Document) GetBool(name string) (bool, bool) {
	v, ok := d.Get(name)
	if !ok {
		return false, false
	}
	return CoerceBool(v)
}

// Set stores the value under name, replacing any existing key that matches
// case-insensitively so a document never holds two spellings of one attribute.
func (d Document) Set(name string, value any) {
	for k := range d {
		if strings.EqualFold(k, name) {
			delete(d, k)
		}
	}
	d[name] = value
}

// Delete removes the attribute, matched case-insensitively. It reports
// whether anything was removed.
func (d Document) Delete(name string) bool {
	removed := false
	for k := range d {
		if strings.EqualFold(k, name) {
			delete(d, k)
			removed = true
		}
	}
	return removed
}

// Has reports whether the attribute is present, matched case-insensitively.
func (d Document) Has(name string) bool {
	_, ok := d.Get(name)
	return ok
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case Document:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}

// Schemas returns the schemas attribute as a string slice.
func (d Document) Schemas() []string {
	v, ok := d.Get("schemas")
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HasSchema reports whether the document declares the schema URN,
// compared case-insensitively.
func (d Document) HasSchema(urn string) bool {
	for _, s := range d.Schemas() {
		if strings.EqualFold(s, urn) {
			return true
		}
	}
	return false
}

// CoerceBool interprets a value as a boolean. Entra sends boolean attributes
// as the strings "True" and "False" in some payloads, so those are accepted
// in any case.
func CoerceBool(v any) (value bool, ok bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(val) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// CoerceBooleans walks the value tree and replaces every "True"/"False"
// string (any case) with the real boolean. Applied on ingest and before
// serialization so stored and returned payloads agree.
func CoerceBooleans(v any) any {
	switch val := v.(type) {
	case string:
		switch strings.ToLower(val) {
		case "true":
			return true
		case "false":
			return false
		}
		return val
	case map[string]any:
		for k, e := range val {
			val[k] = CoerceBooleans(e)
		}
		return val
	case Document:
		for k, e := range val {
			val[k] = CoerceBooleans(e)
		}
		return val
	case []any:
		for i, e := range val {
			val[i] = CoerceBooleans(e)
		}
		return val
	default:
		return val
	}
}

// navigate returns the value at a dotted path inside the document,
// matching each step case-insensitively.
func (d Document) navigate(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(d)
	for _, part := range parts {
		m, ok := asObject(current)
		if !ok {
			return nil, false
		}
		found := false
		for k, v := range m {
			if strings.EqualFold(k, part) {
				current = v
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return current, true
}

func asObject(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case Document:
		return val, true
	default:
		return nil, false
	}
}
