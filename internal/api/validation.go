package api

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schema/workflow.json
var workflowSchemaJSON []byte

const workflowSchemaURL = "https://promptline.dev/schemas/workflow.json"

var printer = message.NewPrinter(language.English)

// ValidationError — тело запроса не прошло проверку схемы.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0]
	}
	return fmt.Sprintf("validation failed with %d errors", len(e.Violations))
}

// Validator проверяет тела запросов по JSON Schema (draft 2020-12).
// Безопасен для конкурентного использования.
type Validator struct {
	create *jsonschema.Schema
	update *jsonschema.Schema
}

// NewValidator компилирует встроенную схему workflow.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	create, err := c.Compile(workflowSchemaURL + "#/$defs/create")
	if err != nil {
		return nil, fmt.Errorf("compile create schema: %w", err)
	}
	update, err := c.Compile(workflowSchemaURL + "#/$defs/update")
	if err != nil {
		return nil, fmt.Errorf("compile update schema: %w", err)
	}
	return &Validator{create: create, update: update}, nil
}

// ValidateCreate проверяет тело POST /api/v1/workflows.
func (v *Validator) ValidateCreate(body []byte) error {
	return validate(v.create, body)
}

// ValidateUpdate проверяет тело PUT /api/v1/workflows/{id}.
func (v *Validator) ValidateUpdate(body []byte) error {
	return validate(v.update, body)
}

func validate(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &ValidationError{Violations: []string{"/: request body is not valid JSON"}}
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Violations: []string{err.Error()}}
	}
	return &ValidationError{Violations: collectViolations(verr)}
}

// collectViolations собирает листовые ошибки дерева в вид "/steps/0/order: ...".
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.ErrorKind.LocalizedString(printer))}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
