package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"fintraq/internal/log"
)

const (
	ingestPath       = "/v2/ingestion/raw-sms"
	maxResponseBytes = 1 << 20
	maxBodySnippet   = 512

	DefaultTimeout = 25 * time.Second
)

// HTTPClient submits records to the ingestion endpoint with a bearer token
// taken from an oauth2.TokenSource.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	logger     *log.Logger
}

type HTTPOption func(*HTTPClient)

// WithTimeout bounds each submission, including reading the response.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithUserAgent(ua string) HTTPOption {
	return func(c *HTTPClient) { c.userAgent = ua }
}

func WithLogger(l *log.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// WithBaseHTTPClient sets the transport the oauth2 client wraps.
func WithBaseHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

func NewHTTPClient(baseURL string, ts oauth2.TokenSource, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ingest base url %q", baseURL)
	}
	if ts == nil {
		return nil, errors.New("nil token source")
	}

	c := &HTTPClient{
		endpoint:   strings.TrimRight(u.String(), "/") + ingestPath,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		userAgent:  "fintraq/1",
		logger:     log.New(log.DefaultConfig()).WithComponent(log.ComponentIngest),
	}
	for _, opt := range opts {
		opt(c)
	}

	// oauth2.NewClient injects the Authorization header on every request
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	c.httpClient = oauth2.NewClient(ctx, ts)
	return c, nil
}

// Submit sends one record. It never returns an error value: every failure
// is folded into the Result kind.
func (c *HTTPClient) Submit(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Result{Kind: KindRejected, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: KindRejected, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "Ingestion request failed",
			log.FieldResultKind, KindTransport.String(),
			log.FieldErrorType, transportErrorType(err),
			log.FieldError, err)
		return Result{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Kind: KindTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	res := Classify(resp.StatusCode, raw)
	c.logger.DebugContext(ctx, "Ingestion response",
		log.FieldStatusCode, resp.StatusCode,
		log.FieldResultKind, res.Kind.String(),
		log.FieldDuration, time.Since(start).Milliseconds())
	if res.Kind == KindMalformed {
		c.logger.WarnContext(ctx, "Malformed ingestion response",
			log.FieldStatusCode, resp.StatusCode,
			"body", res.Body,
			log.FieldError, res.Err)
	}
	return res
}

// Classify maps an HTTP status and body onto a Result.
func Classify(status int, body []byte) Result {
	switch {
	case status >= 200 && status < 300, status == http.StatusConflict:
		ack, err := DecodeResponse(body)
		if err != nil {
			if status == http.StatusConflict {
				return Result{Kind: KindRejected, StatusCode: status, Err: err, Body: snippet(body)}
			}
			return Result{Kind: KindMalformed, StatusCode: status, Err: err, Body: snippet(body)}
		}
		return Result{
			Kind:       KindAccepted,
			RemoteRef:  string(ack.ID),
			StatusCode: status,
			Duplicate:  status == http.StatusConflict,
		}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Result{Kind: KindServerError, StatusCode: status, Body: snippet(body)}
	default:
		return Result{Kind: KindRejected, StatusCode: status, Body: snippet(body)}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodySnippet {
		return s[:maxBodySnippet] + "..."
	}
	return s
}

func transportErrorType(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return log.ErrorTypeTimeout
	}
	if errors.Is(err, ErrNoToken) {
		return log.ErrorTypeAuth
	}
	return log.ErrorTypeNetwork
}
