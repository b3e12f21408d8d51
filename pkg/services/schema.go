package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

const submissionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["steps"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "workflowName": {"type": "string"},
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["url"],
        "additionalProperties": false,
        "properties": {
          "stepId": {"type": "string"},
          "url": {"type": "string", "minLength": 1},
          "method": {"type": "string"},
          "headers": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          },
          "body": {}
        }
      }
    }
  }
}`

// payloadValidator checks raw submissions against the JSON schema.
type payloadValidator struct {
	schema *gojsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(submissionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile submission schema: %w", err)
	}

	return &payloadValidator{schema: schema}, nil
}

func (v *payloadValidator) validate(raw []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return NewValidationError("Submit", "invalid_payload", "payload is not valid JSON", fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return NewValidationError("Submit", "invalid_workflow", strings.Join(details, "; "), ErrInvalidWorkflow)
}

// describeValidation flattens validator errors into a single message.
func describeValidation(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}

	details := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, fmt.Sprintf("%s: failed on '%s'", fe.Namespace(), fe.Tag()))
	}

	return strings.Join(details, "; ")
}
