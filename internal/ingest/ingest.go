// Package ingest defines the contract with the remote categorization
// service and the HTTP client that speaks it.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind classifies the result of one submission.
type Kind int

const (
	KindAccepted Kind = iota
	KindRejected
	KindServerError
	KindTransport
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindRejected:
		return "rejected"
	case KindServerError:
		return "server_error"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Request is the wire body for one captured record.
type Request struct {
	Originator         string              `json:"originator"`
	RawText            string              `json:"raw_text"`
	CapturedAt         int64               `json:"captured_at"`
	SourceTag          string              `json:"source_tag"`
	IdempotencyKey     string              `json:"idempotency_key"`
	PreExtractedAmount decimal.NullDecimal `json:"pre_extracted_amount"`
}

// Result is the explicit outcome of a submission. RemoteRef is set only
// when Kind is KindAccepted.
type Result struct {
	Kind       Kind
	RemoteRef  string
	StatusCode int
	Duplicate  bool
	Err        error
	Body       string // truncated response body for malformed/rejected diagnostics
}

func (r Result) Accepted() bool {
	return r.Kind == KindAccepted && r.RemoteRef != ""
}

// Reason is a short human-readable failure description stored on the record.
func (r Result) Reason() string {
	var b strings.Builder
	b.WriteString(r.Kind.String())
	if r.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", r.StatusCode)
	}
	if r.Err != nil {
		b.WriteString(": ")
		b.WriteString(r.Err.Error())
	}
	return b.String()
}

// Client submits one record to the remote service.
type Client interface {
	Submit(ctx context.Context, req Request) Result
}

var (
	ErrNoToken   = errors.New("no ingestion credential available")
	ErrMalformed = errors.New("malformed ingestion response")
)

// RemoteID accepts the server id as either a JSON string or number.
type RemoteID string

func (id *RemoteID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = RemoteID(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id %s is not an integer: %w", n, err)
	}
	*id = RemoteID(n.String())
	return nil
}

// Response is schema v1 of the ingestion acknowledgment.
type Response struct {
	ID      RemoteID `json:"id"`
	Message string   `json:"message,omitempty"`
}

// DecodeResponse validates an acknowledgment body. Anything without a
// usable id is ErrMalformed.
func DecodeResponse(body []byte) (Response, error) {
	var resp Response
	if len(strings.TrimSpace(string(body))) == 0 {
		return resp, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if resp.ID == "" {
		return resp, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	return resp, nil
}
