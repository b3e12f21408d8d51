// Package models defines the core domain models for HTTP workflow execution.
package models

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultWorkflowName = "Unnamed Workflow"
	DefaultStepMethod   = http.MethodGet
)

// WorkflowDefinition is an ordered list of HTTP calls. It is immutable once submitted.
type WorkflowDefinition struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Steps       []StepSpec `json:"steps"                 validate:"required,min=1,dive"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// StepSpec describes a single HTTP call of a workflow.
type StepSpec struct {
	StepID  string            `json:"stepId"`
	URL     string            `json:"url"               validate:"required,http_url"`
	Method  string            `json:"method"            validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// HasBody reports whether the step carries a JSON body to send.
func (s StepSpec) HasBody() bool {
	trimmed := strings.TrimSpace(string(s.Body))

	return trimmed != "" && trimmed != "null"
}

// Normalize fills defaults for a step at the given zero-based position.
func (s *StepSpec) Normalize(index int) {
	if s.StepID == "" {
		s.StepID = "step-" + strconv.Itoa(index+1)
	}

	if s.Method == "" {
		s.Method = DefaultStepMethod
	}

	s.Method = strings.ToUpper(s.Method)

	if s.Headers == nil {
		s.Headers = make(map[string]string)
	}
}

// Normalize fills defaults for the definition and all of its steps.
func (w *WorkflowDefinition) Normalize() {
	if strings.TrimSpace(w.Name) == "" {
		w.Name = DefaultWorkflowName
	}

	for i := range w.Steps {
		w.Steps[i].Normalize(i)
	}
}

// SameSteps reports whether both definitions run the same steps. Step bodies are
// compared as JSON values, so key order and whitespace do not matter.
func (w *WorkflowDefinition) SameSteps(other *WorkflowDefinition) bool {
	a, errA := stepsValue(w.Steps)
	b, errB := stepsValue(other.Steps)

	return errA == nil && errB == nil && reflect.DeepEqual(a, b)
}

func stepsValue(steps []StepSpec) (any, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, err
	}

	var value any

	err = json.Unmarshal(data, &value)

	return value, err
}
