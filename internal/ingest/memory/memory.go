package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"fintraq/internal/ingest"
)

// Store is an in-process ingestion sink for local runs and tests.
type Store struct {
	mu     sync.Mutex
	items  []ingest.Request
	byKey  map[string]string
	script []ingest.Result
}

var _ ingest.Client = (*Store)(nil)

func New() *Store {
	return &Store{byKey: map[string]string{}}
}

// FailNext queues results returned by the next submissions, in order,
// before normal acceptance resumes.
func (s *Store) FailNext(results ...ingest.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, results...)
}

// Submit stores the request and returns a synthetic reference. A repeated
// idempotency key returns the first reference.
func (s *Store) Submit(ctx context.Context, req ingest.Request) ingest.Result {
	if err := ctx.Err(); err != nil {
		return ingest.Result{Kind: ingest.KindTransport, Err: err}
	}
	if strings.TrimSpace(req.RawText) == "" {
		return ingest.Result{Kind: ingest.KindRejected, StatusCode: 422, Err: errors.New("raw_text is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) > 0 {
		res := s.script[0]
		s.script = s.script[1:]
		return res
	}
	if req.IdempotencyKey != "" {
		if ref, ok := s.byKey[req.IdempotencyKey]; ok {
			return ingest.Result{Kind: ingest.KindAccepted, RemoteRef: ref, Duplicate: true}
		}
	}
	s.items = append(s.items, req)
	ref := fmt.Sprintf("mem:%d", len(s.items))
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = ref
	}
	return ingest.Result{Kind: ingest.KindAccepted, RemoteRef: ref}
}

// Items returns a copy of every accepted request.
func (s *Store) Items() []ingest.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.Request(nil), s.items...)
}
