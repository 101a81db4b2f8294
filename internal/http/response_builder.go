package http

import (
	"encoding/json"
	"net/http"
	"time"

	"fintraq/internal/worker"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value to be encoded as the response body.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}

	payload := []byte("{}")
	if b.body != nil {
		var err error
		payload, err = json.Marshal(b.body)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"failed to encode response"}`))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(append(payload, '\n'))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	NewJSONResponse().Status(status).Body(errorResponse{Error: message}).Write(w)
}

type captureResponse struct {
	LocalID int64 `json:"local_id"`
}

type reportResponse struct {
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	Listed     int       `json:"listed"`
	Attempted  int       `json:"attempted"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    bool      `json:"skipped,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

func newReportResponse(rep worker.Report, at time.Time) reportResponse {
	resp := reportResponse{
		Outcome:    rep.Outcome.String(),
		ExitCode:   rep.Outcome.ExitCode(),
		Listed:     rep.Listed,
		Attempted:  rep.Attempted,
		Sent:       rep.Sent,
		Failed:     rep.Failed,
		Skipped:    rep.Skipped,
		DurationMs: rep.Duration.Milliseconds(),
		At:         at.UTC(),
	}
	if rep.Err != nil {
		resp.Error = rep.Err.Error()
	}
	return resp
}

type statsResponse struct {
	Pending  int64           `json:"pending"`
	Sent     int64           `json:"sent"`
	Failed   int64           `json:"failed"`
	Archived int64           `json:"archived"`
	LastRun  *reportResponse `json:"last_run,omitempty"`
}
