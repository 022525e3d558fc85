package scim

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed SCIM filter expression evaluated against a resource
// document. Composite nodes short-circuit left to right.
type Expr interface {
	Matches(doc Document) bool
}

// AttrPath identifies the attribute a predicate targets:
// a plain name ("userName"), a dotted sub-attribute ("name.givenName"),
// or a valuePath selection ("emails[type eq \"work\"].value").
type AttrPath struct {
	Name        string
	Sub         string
	ValueFilter Expr
}

func (p AttrPath) String() string {
	s := p.Name
	if p.ValueFilter != nil {
		s += "[...]"
	}
	if p.Sub != "" {
		s += "." + p.Sub
	}
	return s
}

// Pred is an attribute comparison (eq, ne, co, sw, ew, gt, ge, lt, le, pr).
type Pred struct {
	Path  AttrPath
	Op    string
	Value any
}

// NotExpr negates its operand. It binds tighter than and/or.
type NotExpr struct {
	Expr Expr
}

// AndExpr is a short-circuit conjunction.
type AndExpr struct {
	Left, Right Expr
}

// OrExpr is a short-circuit disjunction.
type OrExpr struct {
	Left, Right Expr
}

// ValuePathExpr is a bare valuePath used as a boolean term:
// emails[type eq "work" and value co "@acme.com"].
type ValuePathExpr struct {
	Attr  string
	Inner Expr
}

// Pushdown is a storage hint extracted from a filter: a single equality on
// an indexed column. Anything the hint cannot express is left to the
// in-memory predicate.
type Pushdown struct {
	// Attr is the canonical attribute name: userName, externalId, id,
	// or displayName.
	Attr  string
	Value string
}

// ExtractPushdown returns a storage hint when the whole filter is one
// equality predicate on a pushdown-safe attribute, else nil.
func ExtractPushdown(e Expr) *Pushdown {
	pred, ok := e.(*Pred)
	if !ok || pred.Op != "eq" {
		return nil
	}
	if pred.Path.Sub != "" || pred.Path.ValueFilter != nil {
		return nil
	}
	val, ok := pred.Value.(string)
	if !ok {
		return nil
	}
	for _, attr := range []string{"userName", "externalId", "id", "displayName"} {
		if strings.EqualFold(pred.Path.Name, attr) {
			return &Pushdown{Attr: attr, Value: val}
		}
	}
	return nil
}

// ParseFilter parses a SCIM filter expression (RFC 7644 Section 3.4.2.2).
// A syntactically invalid filter yields a 400 invalidFilter error.
func ParseFilter(filter string) (Expr, error) {
	p := &filterParser{input: strings.TrimSpace(filter)}
	if p.input == "" {
		return nil, ErrInvalidFilter("empty filter")
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, ErrInvalidFilter(err.Error())
	}
	p.skipWhitespace()
	if p.pos < len(p.input) {
		return nil, ErrInvalidFilter(fmt.Sprintf("unexpected input at position %d", p.pos))
	}
	return expr, nil
}

type filterParser struct {
	input string
	pos   int
}

func (p *filterParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if !p.matchKeyword("or") {
			break
		}
		p.pos += 2
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if !p.matchKeyword("and") {
			break
		}
		p.pos += 3
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *filterParser) parseNot() (Expr, error) {
	p.skipWhitespace()
	if p.matchKeyword("not") {
		p.pos += 3
		inner, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (Expr, error) {
	p.skipWhitespace()
	if p.peek() == '(' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("expected ')' at position %d", p.pos)
		}
		p.pos++
		return inner, nil
	}
	return p.parsePredicate()
}

func (p *filterParser) parsePredicate() (Expr, error) {
	p.skipWhitespace()
	name := p.parseAttrName()
	if name == "" {
		return nil, fmt.Errorf("expected attribute at position %d", p.pos)
	}

	path := AttrPath{Name: name}
	if p.peek() == '[' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if p.peek() != ']' {
			return nil, fmt.Errorf("expected ']' at position %d", p.pos)
		}
		p.pos++
		path.ValueFilter = inner
		if p.peek() == '.' {
			p.pos++
			path.Sub = p.parseAttrName()
			if path.Sub == "" {
				return nil, fmt.Errorf("expected sub-attribute at position %d", p.pos)
			}
		} else {
			// A bare valuePath is a boolean term on its own.
			p.skipWhitespace()
			if p.pos >= len(p.input) || !p.atOperator() {
				return &ValuePathExpr{Attr: name, Inner: inner}, nil
			}
		}
	} else if p.peek() == '.' {
		p.pos++
		path.Sub = p.parseAttrName()
		if path.Sub == "" {
			return nil, fmt.Errorf("expected sub-attribute at position %d", p.pos)
		}
	}

	p.skipWhitespace()
	op := p.parseOperator()
	if op == "" {
		return nil, fmt.Errorf("expected operator at position %d", p.pos)
	}

	pred := &Pred{Path: path, Op: op}
	if op != "pr" {
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		pred.Value = value
	}
	return pred, nil
}

// parseAttrName consumes an attribute name, including extension URN
// prefixes (colons and dashes are legal there).
func (p *filterParser) parseAttrName() string {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if isAlphaNumeric(ch) || ch == ':' || ch == '-' || ch == '$' {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

func (p *filterParser) atOperator() bool {
	for _, op := range []string{"eq", "ne", "co", "sw", "ew", "pr", "gt", "ge", "lt", "le"} {
		if p.matchKeyword(op) {
			return true
		}
	}
	return false
}

func (p *filterParser) parseOperator() string {
	p.skipWhitespace()
	for _, op := range []string{"eq", "ne", "co", "sw", "ew", "pr", "gt", "ge", "lt", "le"} {
		if p.matchKeyword(op) {
			p.pos += len(op)
			return op
		}
	}
	return ""
}

func (p *filterParser) parseValue() (any, error) {
	p.skipWhitespace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expected value at position %d", p.pos)
	}

	if p.peek() == '"' {
		p.pos++
		var sb strings.Builder
		for p.pos < len(p.input) && p.input[p.pos] != '"' {
			if p.input[p.pos] == '\\' && p.pos+1 < len(p.input) {
				p.pos++
			}
			sb.WriteByte(p.input[p.pos])
			p.pos++
		}
		if p.pos >= len(p.input) {
			return nil, fmt.Errorf("unterminated string at position %d", p.pos)
		}
		p.pos++
		return sb.String(), nil
	}

	if p.matchKeyword("true") {
		p.pos += 4
		return true, nil
	}
	if p.matchKeyword("false") {
		p.pos += 5
		return false, nil
	}
	if p.matchKeyword("null") {
		p.pos += 4
		return nil, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.' || p.input[p.pos] == '-') {
		p.pos++
	}
	if p.pos > start {
		return strconv.ParseFloat(p.input[start:p.pos], 64)
	}
	return nil, fmt.Errorf("invalid value at position %d", p.pos)
}

func (p *filterParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *filterParser) skipWhitespace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

// matchKeyword reports whether the keyword appears at the cursor,
// case-insensitively and not as a prefix of a longer word.
func (p *filterParser) matchKeyword(keyword string) bool {
	if p.pos+len(keyword) > len(p.input) {
		return false
	}
	if !strings.EqualFold(p.input[p.pos:p.pos+len(keyword)], keyword) {
		return false
	}
	if p.pos+len(keyword) < len(p.input) && isAlphaNumeric(p.input[p.pos+len(keyword)]) {
		return false
	}
	return true
}

func isAlphaNumeric(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_' || ch == '.'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// Matches evaluates the predicate: the path is resolved to its candidate
// values (a multi-valued attribute contributes every matching element) and
// the comparison holds if any candidate satisfies it.
func (pr *Pred) Matches(doc Document) bool {
	candidates := resolvePath(doc, pr.Path)
	if pr.Op == "pr" {
		for _, c := range candidates {
			if !isEmptyValue(c) {
				return true
			}
		}
		return false
	}
	for _, c := range candidates {
		if compare(c, pr.Op, pr.Value) {
			return true
		}
	}
	return false
}

func (n *NotExpr) Matches(doc Document) bool {
	return !n.Expr.Matches(doc)
}

func (a *AndExpr) Matches(doc Document) bool {
	return a.Left.Matches(doc) && a.Right.Matches(doc)
}

func (o *OrExpr) Matches(doc Document) bool {
	return o.Left.Matches(doc) || o.Right.Matches(doc)
}

func (v *ValuePathExpr) Matches(doc Document) bool {
	raw, ok := doc.navigate(v.Attr)
	if !ok {
		return false
	}
	arr, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, elem := range arr {
		if m, ok := asObject(elem); ok && v.Inner.Matches(Document(m)) {
			return true
		}
	}
	return false
}

// resolvePath collects the values the path points at within the document.
func resolvePath(doc Document, path AttrPath) []any {
	raw, ok := doc.navigate(pathKey(path))
	if !ok {
		return nil
	}

	if path.ValueFilter != nil {
		arr, ok := raw.([]any)
		if !ok {
			return nil
		}
		var out []any
		for _, elem := range arr {
			m, ok := asObject(elem)
			if !ok || !path.ValueFilter.Matches(Document(m)) {
				continue
			}
			if path.Sub == "" {
				out = append(out, elem)
				continue
			}
			if v, ok := Document(m).Get(path.Sub); ok {
				out = append(out, v)
			}
		}
		return out
	}

	// A plain multi-valued attribute contributes each element; complex
	// elements additionally contribute their "value" sub-attribute so
	// `emails co "@x"` behaves the way Entra expects.
	if arr, ok := raw.([]any); ok {
		var out []any
		for _, elem := range arr {
			if m, ok := asObject(elem); ok {
				if v, ok := Document(m).Get("value"); ok {
					out = append(out, v)
					continue
				}
			}
			out = append(out, elem)
		}
		return out
	}
	return []any{raw}
}

// pathKey flattens Name(.Sub) for dotted navigation when there is no
// valuePath component.
func pathKey(path AttrPath) string {
	if path.ValueFilter == nil && path.Sub != "" {
		return path.Name + "." + path.Sub
	}
	return path.Name
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// compare applies a SCIM comparison. String equality and substring checks
// fold case (attributes default to caseExact=false per RFC 7643), which
// also keeps the in-memory predicate consistent with the lowercased-column
// storage pushdown. Ordered operators handle ISO-8601 datetimes, numbers,
// and strings.
func compare(have any, op string, want any) bool {
	switch op {
	case "eq":
		return equalValues(have, want)
	case "ne":
		return !equalValues(have, want)
	case "co":
		hs, ws, ok := bothStrings(have, want)
		return ok && strings.Contains(strings.ToLower(hs), strings.ToLower(ws))
	case "sw":
		hs, ws, ok := bothStrings(have, want)
		return ok && strings.HasPrefix(strings.ToLower(hs), strings.ToLower(ws))
	case "ew":
		hs, ws, ok := bothStrings(have, want)
		return ok && strings.HasSuffix(strings.ToLower(hs), strings.ToLower(ws))
	case "gt":
		return orderedCompare(have, want, func(c int) bool { return c > 0 })
	case "ge":
		return orderedCompare(have, want, func(c int) bool { return c >= 0 })
	case "lt":
		return orderedCompare(have, want, func(c int) bool { return c < 0 })
	case "le":
		return orderedCompare(have, want, func(c int) bool { return c <= 0 })
	}
	return false
}

func equalValues(have, want any) bool {
	if have == nil || want == nil {
		return have == nil && want == nil
	}
	if hs, ws, ok := bothStrings(have, want); ok {
		return strings.EqualFold(hs, ws)
	}
	hb, hok := CoerceBool(have)
	wb, wok := CoerceBool(want)
	if hok && wok {
		return hb == wb
	}
	hn, hok := toNumber(have)
	wn, wok := toNumber(want)
	if hok && wok {
		return hn == wn
	}
	return false
}

func orderedCompare(have, want any, accept func(int) bool) bool {
	if ht, wt, ok := bothTimes(have, want); ok {
		return accept(ht.Compare(wt))
	}
	hn, hok := toNumber(have)
	wn, wok := toNumber(want)
	if hok && wok {
		switch {
		case hn < wn:
			return accept(-1)
		case hn > wn:
			return accept(1)
		default:
			return accept(0)
		}
	}
	if hs, ws, ok := bothStrings(have, want); ok {
		return accept(strings.Compare(hs, ws))
	}
	return false
}

func bothStrings(a, b any) (string, string, bool) {
	as, aok := a.(string)
	bs, bok := b.(string)
	return as, bs, aok && bok
}

func bothTimes(a, b any) (time.Time, time.Time, bool) {
	at, aok := toTime(a)
	bt, bok := toTime(b)
	return at, bt, aok && bok
}

func toTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
