package backend

import (
	"context"
	"fmt"
	"net"

	goption "google.golang.org/api/option"

	"fintraq/internal/cache"
	"fintraq/internal/ingest"
	"fintraq/internal/ingest/google"
	"fintraq/internal/ingest/memory"
	"fintraq/internal/log"
	"fintraq/internal/netcheck"
)

const sheetsEndpoint = "sheets.googleapis.com:443"

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger     *log.Logger
	caches     *cache.Manager
	sheetsOpts []goption.ClientOption
}

type FactoryOption func(*DefaultFactory)

// WithCacheManager registers sink caches for periodic cleanup.
func WithCacheManager(m *cache.Manager) FactoryOption {
	return func(f *DefaultFactory) { f.caches = m }
}

// WithSheetsOptions overrides how the Sheets service is built.
func WithSheetsOptions(opts ...goption.ClientOption) FactoryOption {
	return func(f *DefaultFactory) { f.sheetsOpts = opts }
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger, opts ...FactoryOption) *DefaultFactory {
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentBackend)
	}
	f := &DefaultFactory{logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ Factory = (*DefaultFactory)(nil)

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case HTTPBackend:
		return f.createHTTPBackend(config)
	case SheetsBackend:
		return f.createSheetsBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createHTTPBackend(config Config) (*BackendResult, error) {
	ts := ingest.StaticToken(config.Token)
	source := "env"
	switch {
	case config.TokenFile != "":
		ts = ingest.FileToken(config.TokenFile)
		source = "file"
	case config.Token == "":
		source = "none"
	}

	opts := []ingest.HTTPOption{
		ingest.WithLogger(f.logger.WithComponent(log.ComponentIngest)),
	}
	if config.RequestTimeout > 0 {
		opts = append(opts, ingest.WithTimeout(config.RequestTimeout))
	}
	if config.UserAgent != "" {
		opts = append(opts, ingest.WithUserAgent(config.UserAgent))
	}
	client, err := ingest.NewHTTPClient(config.BaseURL, ts, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ingestion client: %w", err)
	}

	probe, err := f.connectivity(config, func() (*netcheck.Checker, error) {
		return netcheck.FromURL(config.BaseURL, 0)
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("Initialized HTTP ingestion backend",
		"base_url", config.BaseURL,
		"token_source", source,
		"token", log.MaskToken(config.Token))

	if source == "none" {
		f.logger.Warn("No ingestion token configured, sync passes will be deferred",
			log.FieldErrorType, log.ErrorTypeAuth)
	}

	return &BackendResult{
		Client:       client,
		TokenSource:  ts,
		Connectivity: probe,
	}, nil
}

func (f *DefaultFactory) createSheetsBackend(ctx context.Context, config Config) (*BackendResult, error) {
	cli, err := google.New(ctx, google.Config{
		SpreadsheetID:   config.GoogleSpreadsheetID,
		SheetName:       config.GoogleSheetName,
		CredentialsFile: config.GoogleCredentialsFile,
		CredentialsJSON: config.GoogleCredentialsJSON,
	}, f.logger.WithComponent(log.ComponentSheets), f.sheetsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}

	if f.caches != nil {
		f.caches.Register(cli.KeyCache())
	}

	probe, err := f.connectivity(config, func() (*netcheck.Checker, error) {
		return netcheck.New(sheetsEndpoint, 0), nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("Initialized Google Sheets backend",
		"spreadsheet_id", config.GoogleSpreadsheetID)

	return &BackendResult{
		Client:       cli,
		Connectivity: probe,
	}, nil
}

func (f *DefaultFactory) createMemoryBackend() (*BackendResult, error) {
	f.logger.Info("Initialized memory backend; submissions are not persisted")
	return &BackendResult{
		Client:       memory.New(),
		Connectivity: netcheck.Always(true),
	}, nil
}

func (f *DefaultFactory) connectivity(config Config, derive func() (*netcheck.Checker, error)) (Connectivity, error) {
	if config.ConnectivityProbe != "" {
		if _, _, err := net.SplitHostPort(config.ConnectivityProbe); err != nil {
			return nil, fmt.Errorf("invalid connectivity probe %q: %w", config.ConnectivityProbe, err)
		}
		return netcheck.New(config.ConnectivityProbe, 0), nil
	}
	c, err := derive()
	if err != nil {
		return nil, fmt.Errorf("derive connectivity probe: %w", err)
	}
	return c, nil
}
