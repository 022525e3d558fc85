package scim

import (
	"fmt"
	"reflect"
	"strings"
)

// PatchSettings are the per-endpoint behavior gates applied while resolving
// PATCH operations. The zero value is NOT the default configuration; use
// DefaultPatchSettings.
type PatchSettings struct {
	// VerbosePatch enables dot-notation path resolution
	// (name.givenName). When off, dotted paths are stored verbatim as
	// flat keys, matching Entra's wire behavior.
	VerbosePatch bool
	// AllowMultiAddMembers permits a single add op to carry more than
	// one group member.
	AllowMultiAddMembers bool
	// AllowMultiRemoveMembers permits a single remove op to carry more
	// than one group member.
	AllowMultiRemoveMembers bool
	// AllowRemoveAllMembers permits `remove path=members` to clear the
	// whole membership set.
	AllowRemoveAllMembers bool
}

// DefaultPatchSettings returns the gate defaults for endpoints with no
// explicit configuration.
func DefaultPatchSettings() PatchSettings {
	return PatchSettings{AllowRemoveAllMembers: true}
}

// PathKind discriminates the supported PATCH path shapes.
type PathKind int

const (
	// PathSimple is a bare attribute name: active, userName, nickName.
	PathSimple PathKind = iota
	// PathDot is a dotted sub-attribute: name.givenName.
	PathDot
	// PathExtURN navigates into an extension namespace:
	// urn:...:enterprise:2.0:User:manager.
	PathExtURN
	// PathValue is a valuePath: emails[type eq "work"].value.
	PathValue
)

// Path is a parsed PATCH path.
type Path struct {
	Kind PathKind
	// URN is the extension namespace for PathExtURN.
	URN string
	// Attr is the targeted attribute: the whole path for PathSimple, the
	// first segment for PathDot, the namespace-relative attribute for
	// PathExtURN, the multi-valued attribute for PathValue.
	Attr string
	// Sub is the remainder after Attr for PathDot/PathExtURN (may itself
	// be dotted), or the sub-attribute after the bracket for PathValue.
	Sub string
	// Filter selects elements of the multi-valued attribute for PathValue.
	Filter Expr
	// Raw is the original path text.
	Raw string
}

// ParsePath parses a SCIM PATCH path into its shape.
func ParsePath(raw string) (*Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidPath("empty path")
	}

	if open := strings.Index(raw, "["); open >= 0 {
		closeIdx := strings.LastIndex(raw, "]")
		if closeIdx < open {
			return nil, ErrInvalidPath(fmt.Sprintf("unbalanced brackets in path %q", raw))
		}
		attr := raw[:open]
		if attr == "" {
			return nil, ErrInvalidPath(fmt.Sprintf("missing attribute in path %q", raw))
		}
		inner, err := ParseFilter(raw[open+1 : closeIdx])
		if err != nil {
			return nil, ErrInvalidPath(fmt.Sprintf("invalid valuePath filter in %q", raw))
		}
		sub := strings.TrimPrefix(raw[closeIdx+1:], ".")
		return &Path{Kind: PathValue, Attr: attr, Sub: sub, Filter: inner, Raw: raw}, nil
	}

	if urn, attr, ok := splitExtensionURN(raw); ok {
		p := &Path{Kind: PathExtURN, URN: urn, Attr: attr, Raw: raw}
		if dot := strings.Index(attr, "."); dot >= 0 {
			p.Attr, p.Sub = attr[:dot], attr[dot+1:]
		}
		return p, nil
	}

	if dot := strings.Index(raw, "."); dot >= 0 {
		return &Path{Kind: PathDot, Attr: raw[:dot], Sub: raw[dot+1:], Raw: raw}, nil
	}

	return &Path{Kind: PathSimple, Attr: raw, Raw: raw}, nil
}

// splitExtensionURN splits "urn:...:2.0:User:manager" into the namespace and
// the attribute after its final colon. SCIM URNs embed dots ("2.0"), so only
// paths starting with "urn:" qualify.
func splitExtensionURN(raw string) (urn, attr string, ok bool) {
	if !strings.HasPrefix(strings.ToLower(raw), "urn:") {
		return "", "", false
	}
	last := strings.LastIndex(raw, ":")
	if last <= 3 || last == len(raw)-1 {
		return "", "", false
	}
	return raw[:last], raw[last+1:], true
}

// Apply applies the PATCH operations to the document in order; later
// operations see earlier effects. Boolean-looking strings in operand values
// are coerced before application.
func Apply(doc Document, patch *PatchOp, settings PatchSettings) error {
	if len(patch.Operations) == 0 {
		return ErrInvalidValue("PATCH request has no operations")
	}
	for _, op := range patch.Operations {
		if err := applyOperation(doc, op, settings); err != nil {
			return err
		}
	}
	return nil
}

func applyOperation(doc Document, op PatchOperation, settings PatchSettings) error {
	value := CoerceBooleans(cloneValue(op.Value))
	switch strings.ToLower(strings.TrimSpace(op.Op)) {
	case "add":
		return applySet(doc, op.Path, value, settings, false)
	case "replace":
		return applySet(doc, op.Path, value, settings, true)
	case "remove":
		return applyRemove(doc, op.Path, settings)
	default:
		return ErrInvalidValue(fmt.Sprintf("invalid operation: %s", op.Op))
	}
}

// appendMultiValued merges an add operand into an existing multi-valued
// attribute. Reports false when neither side is an array, in which case the
// caller falls back to a plain set. Elements already present, compared by
// their "value" sub-attribute for complex members, are not duplicated.
func appendMultiValued(existing, value any) ([]any, bool) {
	arr, existingIsArr := existing.([]any)
	incoming, incomingIsArr := value.([]any)
	if !existingIsArr && !incomingIsArr {
		return nil, false
	}
	if !existingIsArr {
		arr = nil
	}
	if !incomingIsArr {
		incoming = []any{value}
	}
	merged := arr
	for _, elem := range incoming {
		if containsElement(merged, elem) {
			continue
		}
		merged = append(merged, elem)
	}
	return merged, true
}

func containsElement(arr []any, elem any) bool {
	for _, have := range arr {
		if sameElement(have, elem) {
			return true
		}
	}
	return false
}

// sameElement compares two array elements: complex values by their "value"
// sub-attribute when both carry one, otherwise by deep equality.
func sameElement(a, b any) bool {
	am, aObj := asObject(a)
	bm, bObj := asObject(b)
	if aObj && bObj {
		av, aok := Document(am).Get("value")
		bv, bok := Document(bm).Get("value")
		if aok && bok {
			return equalValues(av, bv)
		}
		return reflect.DeepEqual(am, bm)
	}
	return equalValues(a, b)
}

// applySet handles add and replace; the two differ only in valuePath
// semantics (add may create the element, replace requires a target).
func applySet(doc Document, rawPath string, value any, settings PatchSettings, replace bool) error {
	if rawPath == "" {
		obj, ok := asObject(value)
		if !ok {
			return ErrInvalidValue("value must be an object when no path is given")
		}
		mergeIntoRoot(doc, obj, replace)
		return nil
	}

	path, err := ParsePath(rawPath)
	if err != nil {
		return err
	}

	switch path.Kind {
	case PathSimple:
		// Replace of a complex value with {"value": ""} nulls the
		// attribute (RFC 7644 Section 3.5.2.3 empty-string form).
		if replace && isNullingObject(value) {
			doc.Delete(path.Attr)
			return nil
		}
		// Add on a multi-valued attribute appends (RFC 7644 Section
		// 3.5.2.1); only replace overwrites the whole array.
		if !replace {
			existing, _ := doc.Get(path.Attr)
			if merged, ok := appendMultiValued(existing, value); ok {
				doc.Set(path.Attr, merged)
				return nil
			}
		}
		doc.Set(path.Attr, value)
		return nil

	case PathDot:
		if !settings.VerbosePatch {
			// Entra compatibility: without verbose patch support the
			// dotted path is kept as a flat key.
			doc.Set(path.Raw, value)
			return nil
		}
		setNested(doc, append([]string{path.Attr}, strings.Split(path.Sub, ".")...), value)
		return nil

	case PathExtURN:
		keys := []string{path.URN, path.Attr}
		if path.Sub != "" {
			keys = append(keys, strings.Split(path.Sub, ".")...)
		}
		setNested(doc, keys, value)
		return nil

	case PathValue:
		return applyValuePathSet(doc, path, value, replace)
	}
	return ErrInvalidPath(fmt.Sprintf("unsupported path %q", rawPath))
}

func applyRemove(doc Document, rawPath string, settings PatchSettings) error {
	if rawPath == "" {
		return ErrNoTarget("path is required for remove operation")
	}
	path, err := ParsePath(rawPath)
	if err != nil {
		return err
	}

	switch path.Kind {
	case PathSimple:
		if strings.EqualFold(path.Attr, "members") && !settings.AllowRemoveAllMembers {
			return ErrInvalidValue("removing all members is not allowed for this endpoint")
		}
		doc.Delete(path.Attr)
		return nil

	case PathDot:
		if !settings.VerbosePatch {
			doc.Delete(path.Raw)
			return nil
		}
		removeNested(doc, append([]string{path.Attr}, strings.Split(path.Sub, ".")...))
		return nil

	case PathExtURN:
		keys := []string{path.URN, path.Attr}
		if path.Sub != "" {
			keys = append(keys, strings.Split(path.Sub, ".")...)
		}
		removeNested(doc, keys)
		return nil

	case PathValue:
		return applyValuePathRemove(doc, path)
	}
	return ErrInvalidPath(fmt.Sprintf("unsupported path %q", rawPath))
}

// mergeIntoRoot merges an operand object into the resource, routing dotted
// and extension-URN keys to nested objects and stripping server-managed
// attributes that clients must not set. For add, array values append to an
// existing multi-valued attribute instead of overwriting it.
func mergeIntoRoot(doc Document, obj map[string]any, replace bool) {
	for key, val := range obj {
		if isServerManaged(key) {
			continue
		}
		if urn, attr, ok := splitExtensionURN(key); ok {
			setNested(doc, append([]string{urn}, strings.Split(attr, ".")...), val)
			continue
		}
		if strings.Contains(key, ".") {
			setNested(doc, strings.Split(key, "."), val)
			continue
		}
		if !replace {
			existing, _ := doc.Get(key)
			if merged, ok := appendMultiValued(existing, val); ok {
				doc.Set(key, merged)
				continue
			}
		}
		doc.Set(key, val)
	}
}

// isServerManaged reports attributes the server owns; client-supplied values
// for them are stripped, never echoed.
func isServerManaged(key string) bool {
	switch strings.ToLower(key) {
	case "id", "meta":
		return true
	}
	return false
}

// setNested writes a value at a key chain, creating intermediate objects.
// Each step matches existing keys case-insensitively.
func setNested(doc Document, keys []string, value any) {
	current := doc
	for i, key := range keys {
		if i == len(keys)-1 {
			current.Set(key, value)
			return
		}
		next, ok := current.Get(key)
		obj, isObj := asObject(next)
		if !ok || !isObj {
			obj = map[string]any{}
			current.Set(key, obj)
		}
		current = Document(obj)
	}
}

func removeNested(doc Document, keys []string) {
	current := doc
	for i, key := range keys {
		if i == len(keys)-1 {
			current.Delete(key)
			return
		}
		next, ok := current.Get(key)
		obj, isObj := asObject(next)
		if !ok || !isObj {
			return
		}
		current = Document(obj)
	}
}

// applyValuePathSet updates elements of a multi-valued attribute selected by
// the valuePath filter. replace requires a matching element; add creates the
// array and a synthesized element when nothing matches.
func applyValuePathSet(doc Document, path *Path, value any, replace bool) error {
	raw, ok := doc.Get(path.Attr)
	arr, isArr := raw.([]any)
	if !ok || !isArr {
		if replace {
			return ErrNoTarget(fmt.Sprintf("no value at path %q", path.Raw))
		}
		arr = []any{}
	}

	matched := false
	for _, elem := range arr {
		m, isObj := asObject(elem)
		if !isObj || !path.Filter.Matches(Document(m)) {
			continue
		}
		matched = true
		if path.Sub == "" {
			obj, isObj := asObject(value)
			if !isObj {
				return ErrInvalidValue(fmt.Sprintf("value for path %q must be an object", path.Raw))
			}
			for k, v := range obj {
				Document(m).Set(k, v)
			}
		} else {
			setNested(Document(m), strings.Split(path.Sub, "."), value)
		}
	}

	if !matched {
		if replace {
			return ErrNoTarget(fmt.Sprintf("no value matches filter at path %q", path.Raw))
		}
		elem := elementFromFilter(path.Filter)
		if path.Sub != "" {
			setNested(elem, strings.Split(path.Sub, "."), value)
		} else if obj, isObj := asObject(value); isObj {
			for k, v := range obj {
				elem.Set(k, v)
			}
		} else {
			elem.Set("value", value)
		}
		arr = append(arr, map[string]any(elem))
	}

	doc.Set(path.Attr, arr)
	return nil
}

func applyValuePathRemove(doc Document, path *Path) error {
	raw, ok := doc.Get(path.Attr)
	arr, isArr := raw.([]any)
	if !ok || !isArr {
		return nil
	}

	if path.Sub != "" {
		for _, elem := range arr {
			if m, isObj := asObject(elem); isObj && path.Filter.Matches(Document(m)) {
				removeNested(Document(m), strings.Split(path.Sub, "."))
			}
		}
		doc.Set(path.Attr, arr)
		return nil
	}

	kept := make([]any, 0, len(arr))
	for _, elem := range arr {
		if m, isObj := asObject(elem); isObj && path.Filter.Matches(Document(m)) {
			continue
		}
		kept = append(kept, elem)
	}
	doc.Set(path.Attr, kept)
	return nil
}

// elementFromFilter synthesizes an array element from the equality
// predicates of a valuePath filter, so `add emails[type eq "work"].value`
// creates {"type":"work","value":...} when no element matches.
func elementFromFilter(expr Expr) Document {
	elem := Document{}
	collectEqPreds(expr, elem)
	return elem
}

func collectEqPreds(expr Expr, into Document) {
	switch e := expr.(type) {
	case *Pred:
		if e.Op == "eq" && e.Path.Sub == "" && e.Path.ValueFilter == nil {
			into.Set(e.Path.Name, e.Value)
		}
	case *AndExpr:
		collectEqPreds(e.Left, into)
		collectEqPreds(e.Right, into)
	}
}

// isNullingObject reports the {"value": ""} form that nulls an attribute.
func isNullingObject(v any) bool {
	obj, ok := asObject(v)
	if !ok || len(obj) != 1 {
		return false
	}
	for k, val := range obj {
		if strings.EqualFold(k, "value") {
			s, isStr := val.(string)
			return isStr && s == ""
		}
	}
	return false
}

// ValidateGroupMemberOps enforces the multi-member gates before any write
// transaction opens: an add or remove on members carrying more than one
// entry is rejected unless the endpoint allows it.
func ValidateGroupMemberOps(patch *PatchOp, settings PatchSettings) error {
	for _, op := range patch.Operations {
		if !targetsMembers(op.Path) {
			continue
		}
		n := memberOperandCount(op.Value)
		switch strings.ToLower(strings.TrimSpace(op.Op)) {
		case "add":
			if n > 1 && !settings.AllowMultiAddMembers {
				return ErrInvalidValue("adding multiple members in one operation is not allowed for this endpoint")
			}
		case "remove":
			if n > 1 && !settings.AllowMultiRemoveMembers {
				return ErrInvalidValue("removing multiple members in one operation is not allowed for this endpoint")
			}
		}
	}
	return nil
}

func targetsMembers(path string) bool {
	p := strings.ToLower(strings.TrimSpace(path))
	return p == "members" || strings.HasPrefix(p, "members[")
}

func memberOperandCount(value any) int {
	arr, ok := value.([]any)
	if !ok {
		if value == nil {
			return 0
		}
		return 1
	}
	return len(arr)
}
