package scim

import (
	"errors"
	"testing"
)

func userDoc() Document {
	return Document{
		"schemas":    []any{SchemaUser},
		"id":         "2819c223-7f76-453a-919d-413861904646",
		"userName":   "bjensen@example.com",
		"externalId": "bjensen",
		"active":     true,
		"name": map[string]any{
			"givenName":  "Barbara",
			"familyName": "Jensen",
		},
		"emails": []any{
			map[string]any{"value": "bjensen@example.com", "type": "work", "primary": true},
			map[string]any{"value": "babs@home.example", "type": "home"},
		},
		"meta": map[string]any{
			"lastModified": "2024-03-01T10:00:00.000Z",
		},
	}
}

func TestParseFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"eq match", `userName eq "bjensen@example.com"`, true},
		{"eq case-insensitive value", `userName eq "BJENSEN@example.com"`, true},
		{"eq case-insensitive attribute", `USERNAME eq "bjensen@example.com"`, true},
		{"eq no match", `userName eq "other@example.com"`, false},
		{"ne", `userName ne "other@example.com"`, true},
		{"co", `userName co "jensen"`, true},
		{"sw", `userName sw "bjensen"`, true},
		{"sw no match", `userName sw "jensen"`, false},
		{"ew", `userName ew "example.com"`, true},
		{"pr present", `externalId pr`, true},
		{"pr absent", `nickName pr`, false},
		{"bool eq", `active eq true`, true},
		{"bool eq false", `active eq false`, false},
		{"sub-attribute", `name.givenName eq "Barbara"`, true},
		{"sub-attribute no match", `name.givenName eq "Carol"`, false},
		{"and both", `userName sw "bjensen" and active eq true`, true},
		{"and one", `userName sw "bjensen" and active eq false`, false},
		{"or", `userName eq "nobody" or externalId eq "bjensen"`, true},
		{"not", `not (active eq false)`, true},
		{"parens precedence", `(userName eq "nobody" or externalId eq "bjensen") and active eq true`, true},
		{"multi-valued co via value", `emails co "@home.example"`, true},
		{"valuePath sub-attribute", `emails[type eq "work"].value co "bjensen"`, true},
		{"valuePath no element", `emails[type eq "other"].value pr`, false},
		{"bare valuePath", `emails[type eq "home" and value co "babs"]`, true},
		{"datetime gt", `meta.lastModified gt "2024-01-01T00:00:00Z"`, true},
		{"datetime lt", `meta.lastModified lt "2024-01-01T00:00:00Z"`, false},
		{"datetime ge equal", `meta.lastModified ge "2024-03-01T10:00:00.000Z"`, true},
	}

	doc := userDoc()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ParseFilter(tt.filter)
			if err != nil {
				t.Fatalf("ParseFilter(%q) error: %v", tt.filter, err)
			}
			if got := expr.Matches(doc); got != tt.want {
				t.Errorf("filter %q matched %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	tests := []struct {
		name   string
		filter string
	}{
		{"empty", ""},
		{"missing operator", `userName`},
		{"unterminated string", `userName eq "bjensen`},
		{"unbalanced paren", `(userName eq "x"`},
		{"unbalanced bracket", `emails[type eq "work"`},
		{"trailing garbage", `userName eq "x" bogus`},
		{"bad operator", `userName zz "x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilter(tt.filter)
			if err == nil {
				t.Fatalf("ParseFilter(%q) succeeded, want error", tt.filter)
			}
			var se *Error
			if !errors.As(err, &se) {
				t.Fatalf("ParseFilter(%q) returned %T, want *Error", tt.filter, err)
			}
			if se.ScimType != TypeInvalidFilter {
				t.Errorf("scimType = %q, want %q", se.ScimType, TypeInvalidFilter)
			}
			if se.Status != 400 {
				t.Errorf("status = %d, want 400", se.Status)
			}
		})
	}
}

func TestExtractPushdown(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		wantAttr string
		wantVal  string
	}{
		{"userName eq", `userName eq "bjensen@example.com"`, "userName", "bjensen@example.com"},
		{"externalId eq", `externalId eq "e-1"`, "externalId", "e-1"},
		{"displayName eq", `displayName eq "Engineering"`, "displayName", "Engineering"},
		{"id eq", `id eq "abc"`, "id", "abc"},
		{"case-insensitive attr", `USERNAME eq "x"`, "userName", "x"},
		{"co not pushable", `userName co "x"`, "", ""},
		{"and not pushable", `userName eq "x" and active eq true`, "", ""},
		{"non-indexed attr", `nickName eq "x"`, "", ""},
		{"sub-attr not pushable", `name.givenName eq "x"`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ParseFilter(tt.filter)
			if err != nil {
				t.Fatalf("ParseFilter error: %v", err)
			}
			pd := ExtractPushdown(expr)
			if tt.wantAttr == "" {
				if pd != nil {
					t.Fatalf("got pushdown %+v, want none", pd)
				}
				return
			}
			if pd == nil {
				t.Fatal("got no pushdown, want one")
			}
			if pd.Attr != tt.wantAttr || pd.Value != tt.wantVal {
				t.Errorf("pushdown = %+v, want {%s %s}", pd, tt.wantAttr, tt.wantVal)
			}
		})
	}
}

// Pushdown and in-memory evaluation must agree so a storage hint never
// changes the result set, only the candidate set.
func TestPushdownConsistency(t *testing.T) {
	docs := []Document{
		{"userName": "alice@example.com"},
		{"userName": "ALICE@example.com"},
		{"userName": "bob@example.com"},
	}
	expr, err := ParseFilter(`userName eq "alice@example.com"`)
	if err != nil {
		t.Fatal(err)
	}
	matched := 0
	for _, doc := range docs {
		if expr.Matches(doc) {
			matched++
		}
	}
	// Case folding means both alice spellings match, like a lookup on a
	// lowercased column would.
	if matched != 2 {
		t.Errorf("matched %d docs, want 2", matched)
	}
}
