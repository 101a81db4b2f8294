package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// captureRequest is the body of POST /v1/messages.
type captureRequest struct {
	Originator string `json:"originator"`
	RawText    string `json:"raw_text"`
	// CapturedAt is milliseconds since the epoch; zero means now.
	CapturedAt int64 `json:"captured_at"`
}

func (c captureRequest) capturedAt() time.Time {
	if c.CapturedAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.CapturedAt)
}

var errEmptyBody = errors.New("request body is empty")

// parseCaptureRequest decodes a single JSON object of at most limit bytes.
// The originator is sanitized; the message text is kept byte for byte.
func parseCaptureRequest(w http.ResponseWriter, r *http.Request, limit int64) (captureRequest, error) {
	var req captureRequest
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return req, fmt.Errorf("unsupported content type %q", ct)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return req, errEmptyBody
		case errors.As(err, &tooLarge):
			return req, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		default:
			return req, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if dec.More() {
		return req, errors.New("request body must contain a single JSON object")
	}
	if req.CapturedAt < 0 {
		return req, errors.New("captured_at must not be negative")
	}

	req.Originator = sanitizeInput(req.Originator)
	return req, nil
}

// sanitizeInput removes control characters other than tab and newlines and
// trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
