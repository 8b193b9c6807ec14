package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidate_RequiredString(t *testing.T) {
	s := New("create-x", Required("name", TypeString))

	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"valid", `{"name": "a"}`, ""},
		{"missing", `{}`, "name: is required"},
		{"null payload", `null`, "name: is required"},
		{"empty payload", ``, "name: is required"},
		{"wrong type", `{"name": 5}`, "name: must be a string"},
		{"explicit null", `{"name": null}`, "name: must not be null"},
		{"not an object", `[1, 2]`, "payload must be an object"},
		{"broken json", `{"name": `, "payload is not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(json.RawMessage(tt.payload))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Schema != "create-x" {
				t.Errorf("expected *ValidationError for create-x, got %T", err)
			}
		})
	}
}

func TestValidate_Types(t *testing.T) {
	s := New("types",
		Optional("n", TypeNumber),
		Optional("i", TypeInteger),
		Optional("b", TypeBoolean),
		Optional("o", TypeObject),
		Optional("a", TypeArray),
		Optional("j", TypeJSON),
		Optional("untyped", ""),
	)

	if err := s.Validate(json.RawMessage(`{"n": 1.5, "i": 3, "b": false, "o": {}, "a": [], "j": "anything", "untyped": [1]}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	err := s.Validate(json.RawMessage(`{"n": "1", "i": 1.5, "b": "true", "o": [], "a": {}}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Issues) != 5 {
		t.Errorf("got %d issues, want 5: %v", len(verr.Issues), verr)
	}
	// issues follow declaration order
	if verr.Issues[0].Field != "n" || verr.Issues[4].Field != "a" {
		t.Errorf("unexpected issue order: %v", verr.Issues)
	}
}

func TestValidate_OptionalNull(t *testing.T) {
	s := New("x", Optional("note", TypeString), Field{Name: "parent", Type: TypeString, Required: true, Nullable: true})
	if err := s.Validate(json.RawMessage(`{"note": null, "parent": null}`)); err != nil {
		t.Errorf("nulls allowed here: %v", err)
	}
}

func TestValidate_NestedPath(t *testing.T) {
	s := New("address", Required("address.city", TypeString))
	if err := s.Validate(json.RawMessage(`{"address": {"city": "Pune"}}`)); err != nil {
		t.Errorf("nested field rejected: %v", err)
	}
	if err := s.Validate(json.RawMessage(`{"address": {}}`)); err == nil {
		t.Error("missing nested field accepted")
	}
}

func TestValidate_Bounds(t *testing.T) {
	s := New("bounds",
		Field{Name: "code", Type: TypeString, MinLength: 2, MaxLength: 4},
		Field{Name: "tags", Type: TypeArray, MaxLength: 2},
		Field{Name: "color", Type: TypeString, Enum: []string{"red", "blue"}},
	)

	tests := []struct {
		payload string
		wantErr string
	}{
		{`{"code": "ab", "tags": ["x"], "color": "red"}`, ""},
		{`{"code": "héé"}`, ""},
		{`{"code": "a"}`, "at least 2"},
		{`{"code": "abcde"}`, "at most 4"},
		{`{"tags": [1, 2, 3]}`, "at most 2"},
		{`{"color": "green"}`, "must be one of red, blue"},
	}
	for _, tt := range tests {
		err := s.Validate(json.RawMessage(tt.payload))
		if tt.wantErr == "" && err != nil {
			t.Errorf("%s: unexpected error %v", tt.payload, err)
		}
		if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
			t.Errorf("%s: err = %v, want %q", tt.payload, err, tt.wantErr)
		}
	}
}

func TestValidate_Strict(t *testing.T) {
	s := New("strict", Required("name", TypeString), Optional("meta.owner", TypeString))
	s.Strict = true

	if err := s.Validate(json.RawMessage(`{"name": "a", "meta": {"owner": "b"}}`)); err != nil {
		t.Errorf("declared fields rejected: %v", err)
	}
	err := s.Validate(json.RawMessage(`{"name": "a", "admin": true}`))
	if err == nil || !strings.Contains(err.Error(), "admin: is not allowed") {
		t.Errorf("err = %v", err)
	}
}

func TestParseAndCheck(t *testing.T) {
	s, err := Parse([]byte(`{"name": "create-x", "fields": [{"name": "name", "type": "string", "required": true}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(s.Fields) != 1 || !s.Fields[0].Required {
		t.Errorf("unexpected schema: %+v", s)
	}

	bad := []string{
		`{"fields": [{"name": ""}]}`,
		`{"fields": [{"name": "a"}, {"name": "a"}]}`,
		`{"fields": [{"name": "a", "type": "date"}]}`,
		`{"fields": [{"name": "a", "min_length": 5, "max_length": 2}]}`,
		`{"fields": `,
	}
	for _, in := range bad {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%s) should fail", in)
		}
	}
}
