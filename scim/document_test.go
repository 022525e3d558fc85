package scim

import (
	"reflect"
	"testing"
)

func TestDocumentCaseInsensitive(t *testing.T) {
	doc := Document{"userName": "babs"}

	if got := doc.GetString("USERNAME"); got != "babs" {
		t.Errorf("GetString(USERNAME) = %q", got)
	}
	if !doc.Has("username") {
		t.Error("Has(username) = false")
	}

	doc.Set("UserName", "new")
	if len(doc) != 1 {
		t.Errorf("Set left two spellings: %v", doc)
	}
	if got := doc.GetString("userName"); got != "new" {
		t.Errorf("after Set, userName = %q", got)
	}

	if !doc.Delete("USERNAME") {
		t.Error("Delete(USERNAME) = false")
	}
	if len(doc) != 0 {
		t.Errorf("doc not empty after delete: %v", doc)
	}
}

func TestCoerceBool(t *testing.T) {
	tests := []struct {
		in     any
		want   bool
		wantOK bool
	}{
		{true, true, true},
		{false, false, true},
		{"True", true, true},
		{"FALSE", false, true},
		{"true", true, true},
		{"yes", false, false},
		{1, false, false},
		{nil, false, false},
	}
	for _, tt := range tests {
		got, ok := CoerceBool(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("CoerceBool(%v) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestCoerceBooleansRecursive(t *testing.T) {
	in := map[string]any{
		"active": "True",
		"name":   map[string]any{"formatted": "x", "primary": "False"},
		"emails": []any{
			map[string]any{"primary": "true", "value": "a@b"},
		},
		"title": "Falsehood Dept",
	}
	out := CoerceBooleans(in).(map[string]any)

	if out["active"] != true {
		t.Errorf("active = %v", out["active"])
	}
	if out["name"].(map[string]any)["primary"] != false {
		t.Errorf("nested primary = %v", out["name"])
	}
	if out["emails"].([]any)[0].(map[string]any)["primary"] != true {
		t.Errorf("array element primary = %v", out["emails"])
	}
	// Only exact true/false strings coerce.
	if out["title"] != "Falsehood Dept" {
		t.Errorf("title = %v", out["title"])
	}
}

func TestDocumentClone(t *testing.T) {
	doc := Document{
		"name":   map[string]any{"givenName": "Barbara"},
		"emails": []any{map[string]any{"value": "a@b"}},
	}
	clone := doc.Clone()
	clone["name"].(map[string]any)["givenName"] = "Changed"
	clone["emails"].([]any)[0].(map[string]any)["value"] = "x@y"

	if doc["name"].(map[string]any)["givenName"] != "Barbara" {
		t.Error("clone shares nested map with original")
	}
	if doc["emails"].([]any)[0].(map[string]any)["value"] != "a@b" {
		t.Error("clone shares array element with original")
	}
}

func TestDocumentSchemas(t *testing.T) {
	doc := Document{"schemas": []any{SchemaUser, SchemaEnterprise}}
	want := []string{SchemaUser, SchemaEnterprise}
	if got := doc.Schemas(); !reflect.DeepEqual(got, want) {
		t.Errorf("Schemas() = %v", got)
	}
	if !doc.HasSchema("URN:ietf:params:scim:schemas:core:2.0:user") {
		t.Error("HasSchema should compare case-insensitively")
	}
	if doc.HasSchema(SchemaGroup) {
		t.Error("HasSchema(group) = true")
	}
}

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"userName":"babs","active":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.GetString("userName") != "babs" {
		t.Errorf("userName = %q", doc.GetString("userName"))
	}
	if _, err := ParseDocument([]byte(`{`)); err == nil {
		t.Error("malformed JSON should fail")
	}
}
