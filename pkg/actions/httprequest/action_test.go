package httprequest_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/actions/httprequest"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewAction_Defaults(t *testing.T) {
	t.Parallel()

	action := httprequest.NewAction(models.StepSpec{StepID: "s"}, 0, nil)

	assert.Equal(t, 30*time.Second, action.Timeout)
	assert.Same(t, http.DefaultClient, action.Client)
}

func TestAction_Execute(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":1,"title":"delectus"}`))
		case "/text":
			_, _ = w.Write([]byte("plain text"))
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		case "/boom":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)

	tests := []struct {
		name       string
		path       string
		outcome    models.StepOutcome
		statusCode int
		data       string
	}{
		{"json body", "/json", models.StepOutcomeSuccess, 200, `{"id":1,"title":"delectus"}`},
		{"text body", "/text", models.StepOutcomeSuccess, 200, `"plain text"`},
		{"no content", "/empty", models.StepOutcomeSuccess, 204, ""},
		{"not found", "/missing", models.StepOutcomeFailed, 404, `{"error":"not found"}`},
		{"server error", "/boom", models.StepOutcomeFailed, 500, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			action := httprequest.NewAction(models.StepSpec{StepID: "s1", URL: server.URL + tt.path, Method: "GET"}, time.Second, nil)
			result := action.Execute(context.Background(), testLogger())

			assert.Equal(t, "s1", result.StepID)
			assert.Equal(t, tt.outcome, result.Outcome)
			require.NotNil(t, result.StatusCode)
			assert.Equal(t, tt.statusCode, *result.StatusCode)
			assert.Equal(t, tt.data, string(result.Data))

			if tt.outcome == models.StepOutcomeFailed {
				assert.Contains(t, result.Error, "HTTP")
			} else {
				assert.Empty(t, result.Error)
			}
		})
	}
}

func TestAction_Execute_SendsHeadersAndJSONBody(t *testing.T) {
	t.Parallel()

	var (
		gotMethod      string
		gotContentType string
		gotAuth        string
		gotBody        map[string]any
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)

	step := models.StepSpec{
		StepID:  "create",
		URL:     server.URL,
		Method:  "POST",
		Headers: map[string]string{"Authorization": "Bearer abc"},
		Body:    json.RawMessage(`{"title":"foo","userId":1}`),
	}

	result := httprequest.NewAction(step, time.Second, nil).Execute(context.Background(), testLogger())

	assert.Equal(t, models.StepOutcomeSuccess, result.Outcome)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "foo", gotBody["title"])
}

func TestAction_Execute_KeepsExplicitContentType(t *testing.T) {
	t.Parallel()

	var gotContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
	}))
	t.Cleanup(server.Close)

	step := models.StepSpec{
		StepID:  "s",
		URL:     server.URL,
		Method:  "PUT",
		Headers: map[string]string{"Content-Type": "application/vnd.api+json"},
		Body:    json.RawMessage(`{}`),
	}

	httprequest.NewAction(step, time.Second, nil).Execute(context.Background(), testLogger())
	assert.Equal(t, "application/vnd.api+json", gotContentType)
}

func TestAction_Execute_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	action := httprequest.NewAction(models.StepSpec{StepID: "slow", URL: server.URL, Method: "GET"}, 50*time.Millisecond, nil)
	result := action.Execute(context.Background(), testLogger())

	assert.Equal(t, models.StepOutcomeFailed, result.Outcome)
	assert.Nil(t, result.StatusCode)
	assert.Contains(t, result.Error, "timed out")
}

func TestAction_Execute_TransportError(t *testing.T) {
	t.Parallel()

	action := httprequest.NewAction(models.StepSpec{StepID: "down", URL: "http://127.0.0.1:1/unreachable", Method: "GET"}, time.Second, nil)
	result := action.Execute(context.Background(), testLogger())

	assert.Equal(t, models.StepOutcomeFailed, result.Outcome)
	assert.Nil(t, result.StatusCode)
	assert.Contains(t, result.Error, "http request failed")
}

func TestAction_Execute_UnreadableBody(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/truncated":
			w.Header().Set("Content-Length", "64")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id":`))
		case "/stalled":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id":`))
			w.(http.Flusher).Flush()

			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	tests := []struct {
		name  string
		path  string
		error string
	}{
		{"truncated body", "/truncated", "failed to read response body"},
		{"body stalls past timeout", "/stalled", "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			action := httprequest.NewAction(models.StepSpec{StepID: "read", URL: server.URL + tt.path, Method: "GET"}, 200*time.Millisecond, nil)
			result := action.Execute(context.Background(), testLogger())

			assert.Equal(t, models.StepOutcomeFailed, result.Outcome)
			require.NotNil(t, result.StatusCode)
			assert.Equal(t, http.StatusOK, *result.StatusCode)
			assert.Contains(t, result.Error, tt.error)
			assert.Empty(t, result.Data)
		})
	}
}
