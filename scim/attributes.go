package scim

import (
	"strings"
)

// Projection applies the attributes / excludedAttributes query parameters to
// serialized resources. id, schemas, and meta are always returned. When a
// key appears in both lists, the exclusion wins.
type Projection struct {
	attributes  map[string]bool
	excluded    map[string]bool
	subIncludes map[string][]string
	subExcludes map[string][]string
	includeAll  bool
}

// NewProjection builds a projection from the raw parameter lists.
func NewProjection(attributes, excluded []string) *Projection {
	p := &Projection{
		attributes:  make(map[string]bool),
		excluded:    make(map[string]bool),
		subIncludes: make(map[string][]string),
		subExcludes: make(map[string][]string),
		includeAll:  len(attributes) == 0,
	}
	for _, attr := range attributes {
		lower := strings.ToLower(strings.TrimSpace(attr))
		if lower == "" {
			continue
		}
		p.attributes[lower] = true
		if parent, sub, ok := strings.Cut(lower, "."); ok {
			p.subIncludes[parent] = append(p.subIncludes[parent], sub)
		}
	}
	for _, attr := range excluded {
		lower := strings.ToLower(strings.TrimSpace(attr))
		if lower == "" {
			continue
		}
		p.excluded[lower] = true
		if parent, sub, ok := strings.Cut(lower, "."); ok {
			p.subExcludes[parent] = append(p.subExcludes[parent], sub)
		}
	}
	return p
}

// Empty reports whether the projection changes nothing.
func (p *Projection) Empty() bool {
	return p.includeAll && len(p.excluded) == 0
}

// alwaysReturned attributes survive any projection (RFC 7643 "returned:
// always" for the common set).
func alwaysReturned(lower string) bool {
	switch lower {
	case "id", "schemas", "meta":
		return true
	}
	return false
}

// Apply projects a single resource document.
func (p *Projection) Apply(doc Document) Document {
	if p.Empty() {
		return doc
	}
	out := make(Document, len(doc))
	for key, value := range doc {
		lower := strings.ToLower(key)
		if alwaysReturned(lower) {
			out[key] = value
			continue
		}
		if p.excluded[lower] {
			continue
		}
		if !p.includeAll {
			if p.attributes[lower] {
				out[key] = p.applySubExcludes(lower, value)
			} else if subs, ok := p.subIncludes[lower]; ok {
				if kept := filterSubAttributes(value, subs); kept != nil {
					out[key] = kept
				}
			}
			continue
		}
		if subs, ok := p.subExcludes[lower]; ok {
			if kept := excludeSubAttributes(value, subs); kept != nil {
				out[key] = kept
			}
			continue
		}
		out[key] = value
	}
	return out
}

// applySubExcludes handles an included parent whose sub-attributes are
// individually excluded (exclusion wins on overlap).
func (p *Projection) applySubExcludes(lower string, value any) any {
	if subs, ok := p.subExcludes[lower]; ok {
		return excludeSubAttributes(value, subs)
	}
	return value
}

// ApplyAll projects a list of resources.
func (p *Projection) ApplyAll(docs []Document) []Document {
	if p.Empty() {
		return docs
	}
	out := make([]Document, len(docs))
	for i, doc := range docs {
		out[i] = p.Apply(doc)
	}
	return out
}

// filterSubAttributes keeps only the requested sub-attributes of a complex
// or multi-valued value, recursing for dotted requests.
func filterSubAttributes(value any, subs []string) any {
	children := groupByChild(subs)

	if arr, ok := value.([]any); ok {
		kept := make([]any, 0, len(arr))
		for _, item := range arr {
			if m, ok := asObject(item); ok {
				if filtered := filterObject(m, children); len(filtered) > 0 {
					kept = append(kept, filtered)
				}
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return kept
	}
	if m, ok := asObject(value); ok {
		if filtered := filterObject(m, children); len(filtered) > 0 {
			return filtered
		}
		return nil
	}
	return value
}

func filterObject(m map[string]any, children map[string][]string) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		rest, ok := children[strings.ToLower(k)]
		if !ok {
			continue
		}
		if len(rest) == 0 {
			out[k] = v
		} else if filtered := filterSubAttributes(v, rest); filtered != nil {
			out[k] = filtered
		}
	}
	return out
}

// excludeSubAttributes drops the named sub-attributes, recursing for dotted
// exclusions.
func excludeSubAttributes(value any, subs []string) any {
	children := groupByChild(subs)

	if arr, ok := value.([]any); ok {
		kept := make([]any, 0, len(arr))
		for _, item := range arr {
			if m, ok := asObject(item); ok {
				if pruned := excludeFromObject(m, children); len(pruned) > 0 {
					kept = append(kept, pruned)
				}
			} else {
				kept = append(kept, item)
			}
		}
		return kept
	}
	if m, ok := asObject(value); ok {
		return excludeFromObject(m, children)
	}
	return value
}

func excludeFromObject(m map[string]any, children map[string][]string) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		rest, excluded := children[strings.ToLower(k)]
		if !excluded {
			out[k] = v
			continue
		}
		if len(rest) == 0 {
			continue
		}
		if pruned := excludeSubAttributes(v, rest); pruned != nil {
			out[k] = pruned
		}
	}
	return out
}

// groupByChild splits ["type", "street.postalCode"] into
// {"type": [], "street": ["postalCode"]}.
func groupByChild(subs []string) map[string][]string {
	out := make(map[string][]string, len(subs))
	for _, sub := range subs {
		if parent, rest, ok := strings.Cut(sub, "."); ok {
			key := strings.ToLower(parent)
			out[key] = append(out[key], rest)
		} else {
			out[strings.ToLower(sub)] = []string{}
		}
	}
	return out
}
