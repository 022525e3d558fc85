package scim

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind PathKind
		wantAttr string
		wantSub  string
		wantURN  string
		wantErr  bool
	}{
		{name: "simple", raw: "active", wantKind: PathSimple, wantAttr: "active"},
		{name: "dotted", raw: "name.givenName", wantKind: PathDot, wantAttr: "name", wantSub: "givenName"},
		{name: "extension urn", raw: SchemaEnterprise + ":manager", wantKind: PathExtURN, wantURN: SchemaEnterprise, wantAttr: "manager"},
		{name: "extension urn dotted", raw: SchemaEnterprise + ":manager.value", wantKind: PathExtURN, wantURN: SchemaEnterprise, wantAttr: "manager", wantSub: "value"},
		{name: "valuePath", raw: `emails[type eq "work"].value`, wantKind: PathValue, wantAttr: "emails", wantSub: "value"},
		{name: "valuePath bare", raw: `members[value eq "abc"]`, wantKind: PathValue, wantAttr: "members"},
		{name: "empty", raw: "", wantErr: true},
		{name: "unbalanced bracket", raw: "emails[type eq", wantErr: true},
		{name: "missing attr before bracket", raw: `[type eq "work"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePath(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePath(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q) error: %v", tt.raw, err)
			}
			if p.Kind != tt.wantKind {
				t.Errorf("kind = %d, want %d", p.Kind, tt.wantKind)
			}
			if p.Attr != tt.wantAttr {
				t.Errorf("attr = %q, want %q", p.Attr, tt.wantAttr)
			}
			if p.Sub != tt.wantSub {
				t.Errorf("sub = %q, want %q", p.Sub, tt.wantSub)
			}
			if p.URN != tt.wantURN {
				t.Errorf("urn = %q, want %q", p.URN, tt.wantURN)
			}
		})
	}
}

func TestApplyReplaceSimple(t *testing.T) {
	doc := Document{"userName": "old", "active": true}
	patch := &PatchOp{
		Schemas: []string{SchemaPatchOp},
		Operations: []PatchOperation{
			{Op: "Replace", Path: "active", Value: "False"},
			{Op: "replace", Path: "userName", Value: "new@example.com"},
		},
	}
	if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
		t.Fatal(err)
	}
	// "False" coerces to a real boolean, op name is case-insensitive.
	if v, _ := doc.Get("active"); v != false {
		t.Errorf("active = %v, want false", v)
	}
	if doc.GetString("userName") != "new@example.com" {
		t.Errorf("userName = %q", doc.GetString("userName"))
	}
}

func TestApplyNoPathMerge(t *testing.T) {
	doc := Document{"userName": "u", "active": true}
	patch := &PatchOp{Operations: []PatchOperation{{
		Op: "replace",
		Value: map[string]any{
			"id":               "client-supplied",
			"displayName":      "Babs",
			"name.givenName":   "Barbara",
			SchemaEnterprise + ":department": "Tooling",
		},
	}}}
	if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
		t.Fatal(err)
	}
	if doc.Has("id") {
		t.Error("client-supplied id was not stripped")
	}
	if doc.GetString("displayName") != "Babs" {
		t.Errorf("displayName = %q", doc.GetString("displayName"))
	}
	name, ok := doc.Get("name")
	if !ok {
		t.Fatal("dotted key was not routed into name object")
	}
	if m, _ := name.(map[string]any); m["givenName"] != "Barbara" {
		t.Errorf("name = %v", name)
	}
	ext, ok := doc.Get(SchemaEnterprise)
	if !ok {
		t.Fatal("extension URN key was not routed into extension object")
	}
	if m, _ := ext.(map[string]any); m["department"] != "Tooling" {
		t.Errorf("extension = %v", ext)
	}
}

func TestApplyDottedPathVerboseGate(t *testing.T) {
	t.Run("verbose off keeps flat key", func(t *testing.T) {
		doc := Document{}
		patch := &PatchOp{Operations: []PatchOperation{{Op: "add", Path: "name.givenName", Value: "Barbara"}}}
		if err := Apply(doc, patch, PatchSettings{}); err != nil {
			t.Fatal(err)
		}
		if _, ok := doc["name.givenName"]; !ok {
			t.Errorf("doc = %v, want flat key name.givenName", doc)
		}
	})
	t.Run("verbose on nests", func(t *testing.T) {
		doc := Document{}
		patch := &PatchOp{Operations: []PatchOperation{{Op: "add", Path: "name.givenName", Value: "Barbara"}}}
		if err := Apply(doc, patch, PatchSettings{VerbosePatch: true}); err != nil {
			t.Fatal(err)
		}
		name, ok := doc.Get("name")
		if !ok {
			t.Fatalf("doc = %v, want nested name object", doc)
		}
		if m, _ := name.(map[string]any); m["givenName"] != "Barbara" {
			t.Errorf("name = %v", name)
		}
	})
}

func TestApplyAddAppendsMultiValued(t *testing.T) {
	newDoc := func() Document {
		return Document{"members": []any{map[string]any{"value": "u1"}}}
	}

	t.Run("add path appends to existing array", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "add", Path: "members", Value: []any{map[string]any{"value": "u2"}},
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		arr := doc["members"].([]any)
		if len(arr) != 2 {
			t.Fatalf("len(members) = %d, want 2: %v", len(arr), arr)
		}
		if arr[0].(map[string]any)["value"] != "u1" || arr[1].(map[string]any)["value"] != "u2" {
			t.Errorf("members = %v", arr)
		}
	})

	t.Run("sequential single-member adds accumulate", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{
			{Op: "add", Path: "members", Value: []any{map[string]any{"value": "u2"}}},
			{Op: "add", Path: "members", Value: []any{map[string]any{"value": "u3"}}},
		}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		if arr := doc["members"].([]any); len(arr) != 3 {
			t.Fatalf("len(members) = %d, want 3: %v", len(arr), arr)
		}
	})

	t.Run("duplicate value is not appended twice", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "add", Path: "members", Value: []any{map[string]any{"value": "u1"}},
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		if arr := doc["members"].([]any); len(arr) != 1 {
			t.Fatalf("len(members) = %d, want 1: %v", len(arr), arr)
		}
	})

	t.Run("no-path add with array value appends", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "add", Value: map[string]any{"members": []any{map[string]any{"value": "u2"}}},
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		if arr := doc["members"].([]any); len(arr) != 2 {
			t.Fatalf("len(members) = %d, want 2: %v", len(arr), arr)
		}
	})

	t.Run("add to absent attribute creates array", func(t *testing.T) {
		doc := Document{}
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "add", Path: "emails", Value: []any{map[string]any{"value": "w@example.com"}},
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		if arr := doc["emails"].([]any); len(arr) != 1 {
			t.Fatalf("emails = %v", arr)
		}
	})

	t.Run("replace overwrites whole array", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "replace", Path: "members", Value: []any{map[string]any{"value": "u2"}},
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		arr := doc["members"].([]any)
		if len(arr) != 1 || arr[0].(map[string]any)["value"] != "u2" {
			t.Errorf("members = %v, want only u2", arr)
		}
	})
}

func TestApplyNullingObject(t *testing.T) {
	doc := Document{"displayName": "Babs"}
	patch := &PatchOp{Operations: []PatchOperation{{
		Op: "replace", Path: "displayName", Value: map[string]any{"value": ""},
	}}}
	if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
		t.Fatal(err)
	}
	if doc.Has("displayName") {
		t.Errorf("displayName survived nulling: %v", doc)
	}
}

func TestApplyValuePath(t *testing.T) {
	newDoc := func() Document {
		return Document{
			"emails": []any{
				map[string]any{"type": "work", "value": "w@example.com"},
				map[string]any{"type": "home", "value": "h@example.com"},
			},
		}
	}

	t.Run("replace sub-attribute of matching element", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "replace", Path: `emails[type eq "work"].value`, Value: "new@example.com",
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		arr := doc["emails"].([]any)
		if arr[0].(map[string]any)["value"] != "new@example.com" {
			t.Errorf("emails = %v", arr)
		}
		if arr[1].(map[string]any)["value"] != "h@example.com" {
			t.Errorf("untargeted element changed: %v", arr)
		}
	})

	t.Run("replace with no match is noTarget", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "replace", Path: `emails[type eq "other"].value`, Value: "x",
		}}}
		err := Apply(doc, patch, DefaultPatchSettings())
		var se *Error
		if !errors.As(err, &se) || se.ScimType != TypeNoTarget || se.Status != 400 {
			t.Fatalf("err = %v, want 400 noTarget", err)
		}
	})

	t.Run("add with no match synthesizes element", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "add", Path: `emails[type eq "other"].value`, Value: "o@example.com",
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		arr := doc["emails"].([]any)
		if len(arr) != 3 {
			t.Fatalf("len(emails) = %d, want 3", len(arr))
		}
		added := arr[2].(map[string]any)
		if added["type"] != "other" || added["value"] != "o@example.com" {
			t.Errorf("added element = %v", added)
		}
	})

	t.Run("remove matching elements", func(t *testing.T) {
		doc := newDoc()
		patch := &PatchOp{Operations: []PatchOperation{{
			Op: "remove", Path: `emails[type eq "home"]`,
		}}}
		if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		arr := doc["emails"].([]any)
		if len(arr) != 1 {
			t.Fatalf("len(emails) = %d, want 1", len(arr))
		}
	})
}

func TestApplyRemoveRules(t *testing.T) {
	t.Run("remove without path", func(t *testing.T) {
		doc := Document{"x": 1}
		err := Apply(doc, &PatchOp{Operations: []PatchOperation{{Op: "remove"}}}, DefaultPatchSettings())
		var se *Error
		if !errors.As(err, &se) || se.ScimType != TypeNoTarget {
			t.Fatalf("err = %v, want noTarget", err)
		}
	})
	t.Run("remove all members allowed", func(t *testing.T) {
		doc := Document{"members": []any{map[string]any{"value": "a"}}}
		if err := Apply(doc, &PatchOp{Operations: []PatchOperation{{Op: "remove", Path: "members"}}}, DefaultPatchSettings()); err != nil {
			t.Fatal(err)
		}
		if doc.Has("members") {
			t.Errorf("members survived: %v", doc)
		}
	})
	t.Run("remove all members gated off", func(t *testing.T) {
		doc := Document{"members": []any{map[string]any{"value": "a"}}}
		settings := DefaultPatchSettings()
		settings.AllowRemoveAllMembers = false
		err := Apply(doc, &PatchOp{Operations: []PatchOperation{{Op: "remove", Path: "members"}}}, settings)
		var se *Error
		if !errors.As(err, &se) || se.ScimType != TypeInvalidValue {
			t.Fatalf("err = %v, want invalidValue", err)
		}
	})
}

func TestApplyInvalidOp(t *testing.T) {
	doc := Document{}
	err := Apply(doc, &PatchOp{Operations: []PatchOperation{{Op: "move", Path: "x", Value: 1}}}, DefaultPatchSettings())
	var se *Error
	if !errors.As(err, &se) || se.ScimType != TypeInvalidValue {
		t.Fatalf("err = %v, want invalidValue", err)
	}
}

func TestApplyNoOperations(t *testing.T) {
	err := Apply(Document{}, &PatchOp{}, DefaultPatchSettings())
	if err == nil {
		t.Fatal("want error for empty Operations")
	}
}

func TestValidateGroupMemberOps(t *testing.T) {
	multiAdd := &PatchOp{Operations: []PatchOperation{{
		Op: "add", Path: "members",
		Value: []any{map[string]any{"value": "a"}, map[string]any{"value": "b"}},
	}}}
	multiRemove := &PatchOp{Operations: []PatchOperation{{
		Op: "remove", Path: "members",
		Value: []any{map[string]any{"value": "a"}, map[string]any{"value": "b"}},
	}}}
	singleAdd := &PatchOp{Operations: []PatchOperation{{
		Op: "add", Path: "members",
		Value: []any{map[string]any{"value": "a"}},
	}}}

	tests := []struct {
		name     string
		patch    *PatchOp
		settings PatchSettings
		wantErr  bool
	}{
		{"multi add blocked", multiAdd, PatchSettings{}, true},
		{"multi add allowed", multiAdd, PatchSettings{AllowMultiAddMembers: true}, false},
		{"multi remove blocked", multiRemove, PatchSettings{}, true},
		{"multi remove allowed", multiRemove, PatchSettings{AllowMultiRemoveMembers: true}, false},
		{"single add always fine", singleAdd, PatchSettings{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGroupMemberOps(tt.patch, tt.settings)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyOperationOrder(t *testing.T) {
	// Later operations see earlier effects.
	doc := Document{}
	patch := &PatchOp{Operations: []PatchOperation{
		{Op: "add", Path: "displayName", Value: "first"},
		{Op: "replace", Path: "displayName", Value: "second"},
		{Op: "remove", Path: "displayName"},
		{Op: "add", Path: "displayName", Value: "final"},
	}}
	if err := Apply(doc, patch, DefaultPatchSettings()); err != nil {
		t.Fatal(err)
	}
	if doc.GetString("displayName") != "final" {
		t.Errorf("displayName = %q, want final", doc.GetString("displayName"))
	}
}
