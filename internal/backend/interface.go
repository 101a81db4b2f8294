package backend

import (
	"context"

	"golang.org/x/oauth2"

	"fintraq/internal/ingest"
)

// Connectivity reports whether the sink is reachable right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult is an ingestion sink and what the sync worker needs to gate
// on it. TokenSource is nil for sinks that authenticate themselves.
type BackendResult struct {
	Client       ingest.Client
	TokenSource  oauth2.TokenSource
	Connectivity Connectivity
	Cleanup      CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}
