// Package validator provides JSON schema validation for workflow configuration
// files and stored plans.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates configuration documents and plans.
type Validator struct {
	configSchema *jsonschema.Schema
	planSchema   *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err folds the result into a single error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("config.json", strings.NewReader(configSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	if err := compiler.AddResource("plan.json", strings.NewReader(planSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}

	configSchema, err := compiler.Compile("config.json")
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	planSchema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Validator{configSchema: configSchema, planSchema: planSchema}, nil
}

// ValidateConfig validates a decoded configuration document. Documents
// decoded from YAML or TOML are normalised through JSON first.
func (v *Validator) ValidateConfig(doc interface{}) *ValidationResult {
	return v.validateAny(v.configSchema, doc)
}

// ValidateConfigJSON validates a JSON-encoded configuration document.
func (v *Validator) ValidateConfigJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.configSchema, data)
}

// ValidatePlan validates a decoded plan.
func (v *Validator) ValidatePlan(plan interface{}) *ValidationResult {
	return v.validateAny(v.planSchema, plan)
}

// ValidatePlanJSON validates a JSON-encoded plan.
func (v *Validator) ValidatePlanJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.planSchema, data)
}

func (v *Validator) validateAny(schema *jsonschema.Schema, doc interface{}) *ValidationResult {
	data, err := json.Marshal(doc)
	if err != nil {
		return invalid("$", fmt.Sprintf("not representable as JSON: %v", err))
	}
	return v.validateJSON(schema, data)
}

func (v *Validator) validateJSON(schema *jsonschema.Schema, data []byte) *ValidationResult {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return invalid("$", fmt.Sprintf("invalid JSON: %v", err))
	}
	return v.validate(schema, doc)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		result.Errors = leafErrors(verr)
	}
	if len(result.Errors) == 0 {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

func invalid(path, msg string) *ValidationResult {
	return &ValidationResult{Errors: []ValidationError{{Path: path, Message: msg}}}
}

// leafErrors flattens the error tree to the most specific causes, which are
// the ones that name a field. Output is sorted by path.
func leafErrors(verr *jsonschema.ValidationError) []ValidationError {
	var out []ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, ValidationError{Path: pointer(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// pointer renders a JSON pointer as a dotted path.
func pointer(loc string) string {
	loc = strings.TrimPrefix(loc, "/")
	if loc == "" {
		return "$"
	}
	return strings.ReplaceAll(loc, "/", ".")
}
