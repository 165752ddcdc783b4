// Package schemas embeds the JSON Schemas for the outbound telemetry messages
// and validates documents against them. The schemas are closed: every
// property is required and no others are allowed.
package schemas

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed *.schema.json
var files embed.FS

// Kind names one of the embedded schemas.
type Kind string

const (
	FileSummary      Kind = "file_summary"
	DetectionRecord  Kind = "detection_record"
	DownstreamNotice Kind = "downstream_notice"
)

// Kinds lists every embedded schema.
var Kinds = []Kind{FileSummary, DetectionRecord, DownstreamNotice}

// ValidationError represents a schema validation error with field paths.
type ValidationError struct {
	Kind   Kind
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field.
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "schemas: %s validation failed:", ve.Kind)
	for i, err := range ve.Errors {
		fmt.Fprintf(&sb, " %d. %s: %s;", i+1, err.Field, err.Message)
	}
	return strings.TrimSuffix(sb.String(), ";")
}

var (
	loadOnce sync.Once
	compiled map[Kind]*gojsonschema.Schema
	loadErr  error
)

func load() (map[Kind]*gojsonschema.Schema, error) {
	loadOnce.Do(func() {
		compiled = make(map[Kind]*gojsonschema.Schema, len(Kinds))
		for _, k := range Kinds {
			raw, err := files.ReadFile(string(k) + ".schema.json")
			if err != nil {
				loadErr = fmt.Errorf("schemas: read %s: %w", k, err)
				return
			}
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
			if err != nil {
				loadErr = fmt.Errorf("schemas: compile %s: %w", k, err)
				return
			}
			compiled[k] = s
		}
	})
	return compiled, loadErr
}

// Raw returns the schema document for k.
func Raw(k Kind) ([]byte, error) {
	return files.ReadFile(string(k) + ".schema.json")
}

// Validate checks doc, a JSON document, against the schema for k. A
// document that does not conform returns a *ValidationError.
func Validate(k Kind, doc []byte) error {
	all, err := load()
	if err != nil {
		return err
	}
	s, ok := all[k]
	if !ok {
		return fmt.Errorf("schemas: unknown kind %q", k)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schemas: load %s document: %w", k, err)
	}
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Kind:   k,
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}

// Keys returns the property names the schema for k requires, in schema order.
func Keys(k Kind) ([]string, error) {
	raw, err := Raw(k)
	if err != nil {
		return nil, fmt.Errorf("schemas: read %s: %w", k, err)
	}
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schemas: parse %s: %w", k, err)
	}
	return doc.Required, nil
}
