// Package schema validates request payloads against declared field schemas.
//
// A Schema lists the fields a payload may carry, with a type hint and whether
// each is required. Field names are gjson paths, so "address.city" reaches
// into nested objects.
//
//	s := schema.New("create-widget",
//	    schema.Required("name", schema.TypeString),
//	    schema.Optional("tags", schema.TypeArray),
//	)
//	if err := s.Validate(payload); err != nil { ... }
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Type is a field type hint.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeJSON    Type = "json" // any JSON value
)

func (t Type) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray, TypeJSON:
		return true
	}
	return false
}

// Field describes one payload field.
type Field struct {
	// Name is the field path.
	Name string `json:"name"`

	// Type hint; empty means TypeJSON.
	Type Type `json:"type,omitempty"`

	// Required indicates the field must be present.
	Required bool `json:"required"`

	// Nullable allows an explicit null for a required field.
	Nullable bool `json:"nullable,omitempty"`

	// MinLength and MaxLength bound string length in runes, or array length.
	// Zero means unbounded.
	MinLength int `json:"min_length,omitempty"`
	MaxLength int `json:"max_length,omitempty"`

	// Enum restricts a string field to the listed values.
	Enum []string `json:"enum,omitempty"`

	// Description is human-readable explanation.
	Description string `json:"description,omitempty"`
}

// Required declares a required field.
func Required(name string, t Type) Field {
	return Field{Name: name, Type: t, Required: true}
}

// Optional declares an optional field.
func Optional(name string, t Type) Field {
	return Field{Name: name, Type: t}
}

// Schema is a payload contract.
type Schema struct {
	// Name identifies the schema in error messages.
	Name string `json:"name,omitempty"`

	// Fields lists the declared fields.
	Fields []Field `json:"fields"`

	// Strict rejects top-level fields that are not declared.
	Strict bool `json:"strict,omitempty"`
}

// New creates a schema with the given fields.
func New(name string, fields ...Field) *Schema {
	return &Schema{Name: name, Fields: fields}
}

// Parse decodes a schema from JSON and checks it.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Check reports definition errors in the schema itself.
func (s *Schema) Check() error {
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field %d has no name", s.Name, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: field %q declared twice", s.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Type != "" && !f.Type.valid() {
			return fmt.Errorf("schema %s: field %q has unknown type %q", s.Name, f.Name, f.Type)
		}
		if f.MinLength < 0 || f.MaxLength < 0 || (f.MaxLength > 0 && f.MinLength > f.MaxLength) {
			return fmt.Errorf("schema %s: field %q has invalid length bounds", s.Name, f.Name)
		}
	}
	return nil
}

// Issue is one validation failure.
type Issue struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Reason
	}
	return i.Field + ": " + i.Reason
}

// ValidationError lists every issue found in a payload.
type ValidationError struct {
	Schema string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return strings.Join(parts, "; ")
}

// Validate checks payload against the schema. A nil or JSON-null payload is
// treated as an empty object.
func (s *Schema) Validate(payload json.RawMessage) error {
	var issues []Issue
	add := func(field, format string, args ...interface{}) {
		issues = append(issues, Issue{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	raw := strings.TrimSpace(string(payload))
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	if !gjson.Valid(raw) {
		return &ValidationError{Schema: s.Name, Issues: []Issue{{Reason: "payload is not valid JSON"}}}
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return &ValidationError{Schema: s.Name, Issues: []Issue{{Reason: "payload must be an object"}}}
	}

	for _, f := range s.Fields {
		v := root.Get(escapePath(f.Name))
		if !v.Exists() {
			if f.Required {
				add(f.Name, "is required")
			}
			continue
		}
		if v.Type == gjson.Null {
			if f.Required && !f.Nullable {
				add(f.Name, "must not be null")
			}
			continue
		}
		if reason := checkType(f.Type, v); reason != "" {
			add(f.Name, "%s", reason)
			continue
		}
		if reason := checkBounds(f, v); reason != "" {
			add(f.Name, "%s", reason)
		}
	}

	if s.Strict {
		declared := make(map[string]bool, len(s.Fields))
		for _, f := range s.Fields {
			declared[strings.SplitN(f.Name, ".", 2)[0]] = true
		}
		root.ForEach(func(key, _ gjson.Result) bool {
			if !declared[key.String()] {
				add(key.String(), "is not allowed")
			}
			return true
		})
	}

	if len(issues) > 0 {
		return &ValidationError{Schema: s.Name, Issues: issues}
	}
	return nil
}

func checkType(t Type, v gjson.Result) string {
	switch t {
	case TypeString:
		if v.Type != gjson.String {
			return "must be a string"
		}
	case TypeNumber:
		if v.Type != gjson.Number {
			return "must be a number"
		}
	case TypeInteger:
		if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) {
			return "must be an integer"
		}
	case TypeBoolean:
		if v.Type != gjson.True && v.Type != gjson.False {
			return "must be a boolean"
		}
	case TypeObject:
		if !v.IsObject() {
			return "must be an object"
		}
	case TypeArray:
		if !v.IsArray() {
			return "must be an array"
		}
	}
	return ""
}

func checkBounds(f Field, v gjson.Result) string {
	var n int
	switch {
	case v.Type == gjson.String:
		n = utf8.RuneCountInString(v.Str)
	case v.IsArray():
		n = len(v.Array())
	default:
		return ""
	}
	if f.MinLength > 0 && n < f.MinLength {
		return fmt.Sprintf("length must be at least %d", f.MinLength)
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		return fmt.Sprintf("length must be at most %d", f.MaxLength)
	}
	if len(f.Enum) > 0 && v.Type == gjson.String {
		for _, e := range f.Enum {
			if v.Str == e {
				return ""
			}
		}
		return "must be one of " + strings.Join(f.Enum, ", ")
	}
	return ""
}

// escapePath escapes gjson metacharacters other than the '.' separator.
func escapePath(name string) string {
	const special = `*?|#@!\`
	if !strings.ContainsAny(name, special) {
		return name
	}
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
