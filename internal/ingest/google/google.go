package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"fintraq/internal/cache"
	"fintraq/internal/ingest"
	"fintraq/internal/log"
)

const (
	DefaultSheetName = "Captured"
	keyCacheSize     = 4096
	keyCacheTTL      = time.Hour
)

// Client appends one row per record to a spreadsheet. Column A holds the
// idempotency key so a resubmission finds the row it already wrote.
type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheet         string
	keys          *cache.LRUCache[string]
	logger        *log.Logger

	// appends are read-then-write; serialize them within the process
	mu sync.Mutex
}

var _ ingest.Client = (*Client)(nil)

// Config selects the target spreadsheet and how to authenticate.
type Config struct {
	SpreadsheetID string
	SheetName     string
	// CredentialsJSON or CredentialsFile carry a service account key.
	CredentialsJSON string
	CredentialsFile string
}

// New builds a client. Extra options are passed to the Sheets service,
// which is how tests point it at a fake endpoint.
func New(ctx context.Context, cfg Config, logger *log.Logger, opts ...goption.ClientOption) (*Client, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	if cfg.SheetName == "" {
		cfg.SheetName = DefaultSheetName
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentSheets)
	}

	if len(opts) == 0 {
		credentialsJSON, err := readCredentials(cfg)
		if err != nil {
			return nil, err
		}
		opts = []goption.ClientOption{
			goption.WithCredentialsJSON(credentialsJSON),
			goption.WithScopes(gsheet.SpreadsheetsScope),
		}
	}

	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	logger.InfoContext(ctx, "Google Sheets sink ready",
		"spreadsheet_id", cfg.SpreadsheetID,
		"sheet", cfg.SheetName)

	return &Client{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		sheet:         cfg.SheetName,
		keys:          cache.NewLRUCache[string](keyCacheSize, keyCacheTTL),
		logger:        logger,
	}, nil
}

func readCredentials(cfg Config) ([]byte, error) {
	switch {
	case cfg.CredentialsJSON != "":
		return []byte(cfg.CredentialsJSON), nil
	case cfg.CredentialsFile != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// KeyCache exposes the key index so a cache.Manager can sweep it.
func (c *Client) KeyCache() *cache.LRUCache[string] {
	return c.keys
}

func (c *Client) Submit(ctx context.Context, req ingest.Request) ingest.Result {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return ingest.Result{Kind: ingest.KindRejected, Err: errors.New("idempotency key required for sheets sink")}
	}
	if ref, ok := c.keys.Get(req.IdempotencyKey); ok {
		return ingest.Result{Kind: ingest.KindAccepted, RemoteRef: ref, Duplicate: true}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rng := fmt.Sprintf("%s!A:A", c.sheet)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return classify(fmt.Errorf("read keys from %s: %w", c.sheet, err))
	}

	for i, row := range resp.Values {
		if len(row) > 0 && strings.TrimSpace(fmt.Sprint(row[0])) == req.IdempotencyKey {
			ref := rowRef(c.sheet, i+1)
			c.keys.Set(req.IdempotencyKey, ref)
			c.logger.InfoContext(ctx, "Record already present in sheet", "ref", ref)
			return ingest.Result{Kind: ingest.KindAccepted, RemoteRef: ref, Duplicate: true}
		}
	}

	nextRow := len(resp.Values) + 1
	dataRange := fmt.Sprintf("%s!A%d:F%d", c.sheet, nextRow, nextRow)
	amount := ""
	if req.PreExtractedAmount.Valid {
		amount = req.PreExtractedAmount.Decimal.String()
	}
	vr := &gsheet.ValueRange{Values: [][]any{{
		req.IdempotencyKey,
		time.UnixMilli(req.CapturedAt).UTC().Format(time.RFC3339),
		req.Originator,
		req.RawText,
		amount,
		req.SourceTag,
	}}}

	// RAW keeps message text from being interpreted as formulas
	upd, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, dataRange, vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return classify(fmt.Errorf("write row %d in %s: %w", nextRow, c.sheet, err))
	}

	ref := rowRef(c.sheet, nextRow)
	if upd != nil && upd.UpdatedRange != "" {
		if n, ok := rowFromRange(upd.UpdatedRange); ok {
			ref = rowRef(c.sheet, n)
		}
	}
	c.keys.Set(req.IdempotencyKey, ref)
	return ingest.Result{Kind: ingest.KindAccepted, RemoteRef: ref, StatusCode: http.StatusOK}
}

func rowRef(sheet string, row int) string {
	return fmt.Sprintf("%s!A%d", sheet, row)
}

var rangeRowRe = regexp.MustCompile(`![A-Z]+(\d+)`)

func rowFromRange(rng string) (int, bool) {
	m := rangeRowRe.FindStringSubmatch(rng)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil && n > 0
}

// classify maps Sheets API failures onto ingestion result kinds.
func classify(err error) ingest.Result {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusRequestTimeout, gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return ingest.Result{Kind: ingest.KindServerError, StatusCode: gerr.Code, Err: err}
		default:
			return ingest.Result{Kind: ingest.KindRejected, StatusCode: gerr.Code, Err: err}
		}
	}
	return ingest.Result{Kind: ingest.KindTransport, Err: err}
}
