// Package httprequest performs the HTTP call of a single workflow step.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

const (
	defaultTimeoutSeconds = 30
	// maxResponseBytes bounds how much of a response body is kept as step data.
	maxResponseBytes = 1 << 20
)

var (
	// ErrHTTPStatus is returned when the server answers with a non-2xx status.
	ErrHTTPStatus = errors.New("non-success HTTP status")
	// ErrRequestTimeout is returned when the call exceeds its timeout.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestFailed is returned for transport errors.
	ErrRequestFailed = errors.New("http request failed")
	// ErrResponseBody is returned when a response body cannot be read in full.
	ErrResponseBody = errors.New("failed to read response body")
)

// StepError describes why a step failed. It is recorded as data and never aborts a job.
type StepError struct {
	StepID     string
	StatusCode int
	Err        error
}

func (e *StepError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("step %s: HTTP %d %s", e.StepID, e.StatusCode, http.StatusText(e.StatusCode))
	}

	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Action performs the HTTP call described by a step.
type Action struct {
	Step    models.StepSpec
	Timeout time.Duration
	Client  *http.Client
}

// NewAction creates an action for step. A zero timeout means the default of 30 seconds.
func NewAction(step models.StepSpec, timeout time.Duration, client *http.Client) *Action {
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &Action{
		Step:    step,
		Timeout: timeout,
		Client:  client,
	}
}

// Execute issues the request and classifies the response. It always returns a
// result; failures are reported through the result's outcome and error.
func (a *Action) Execute(ctx context.Context, logger *slog.Logger) models.StepResult {
	logger = logger.With("module", "http_request_action", "step_id", a.Step.StepID)

	start := time.Now()
	result := models.StepResult{StepID: a.Step.StepID}

	data, statusCode, err := a.do(ctx, logger)

	result.DurationMs = time.Since(start).Milliseconds()
	result.Data = data

	if statusCode != 0 {
		result.StatusCode = &statusCode
	}

	if err != nil {
		result.Outcome = models.StepOutcomeFailed
		result.Error = err.Error()

		logger.WarnContext(ctx, "Step failed", "status_code", statusCode, "error", err, "duration_ms", result.DurationMs)

		return result
	}

	result.Outcome = models.StepOutcomeSuccess

	logger.InfoContext(ctx, "Step completed", "status_code", statusCode, "duration_ms", result.DurationMs)

	return result
}

func (a *Action) do(ctx context.Context, logger *slog.Logger) (json.RawMessage, int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	req, err := a.buildRequest(ctx)
	if err != nil {
		return nil, 0, &StepError{StepID: a.Step.StepID, Err: err}
	}

	logger.DebugContext(ctx, "Creating HTTP request", "method", req.Method, "url", req.URL.String())

	resp, err := a.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, &StepError{StepID: a.Step.StepID, Err: fmt.Errorf("%w after %s", ErrRequestTimeout, a.Timeout)}
		}

		return nil, 0, &StepError{StepID: a.Step.StepID, Err: fmt.Errorf("%w: %w", ErrRequestFailed, err)}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, readErr := readBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, resp.StatusCode, &StepError{StepID: a.Step.StepID, StatusCode: resp.StatusCode, Err: ErrHTTPStatus}
	}

	if readErr != nil {
		if errors.Is(readErr, context.DeadlineExceeded) {
			readErr = fmt.Errorf("%w after %s", ErrRequestTimeout, a.Timeout)
		}

		return nil, resp.StatusCode, &StepError{StepID: a.Step.StepID, Err: fmt.Errorf("%w: %w", ErrResponseBody, readErr)}
	}

	return data, resp.StatusCode, nil
}

func (a *Action) buildRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader

	if a.Step.HasBody() {
		body = bytes.NewReader(a.Step.Body)
	}

	method := strings.ToUpper(a.Step.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, a.Step.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for key, value := range a.Step.Headers {
		req.Header.Set(key, value)
	}

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// readBody returns the body as JSON when it parses, otherwise as a JSON string.
func readBody(r io.Reader) (json.RawMessage, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(bodyBytes)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}

	encoded, err := json.Marshal(string(bodyBytes))
	if err != nil {
		return nil, err
	}

	return encoded, nil
}
