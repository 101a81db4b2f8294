package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"fintraq/internal/amqp"
	"fintraq/internal/core"
	"fintraq/internal/extract"
	"fintraq/internal/ingest"
	"fintraq/internal/log"
)

const (
	DefaultBatchSize      = 50
	DefaultRequestTimeout = 25 * time.Second
)

// Queue is the part of the durable store the worker mutates. ListDue must
// only return records whose backoff has elapsed at now, so records still
// waiting never crowd due ones out of a batch.
type Queue interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]core.CapturedRecord, error)
	MarkSent(ctx context.Context, localID int64, remoteRef string) error
	MarkFailed(ctx context.Context, localID int64, reason string, retryAt time.Time) error
}

// Connectivity reports whether the network is usable right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}

type SyncWorkerConfig struct {
	DeviceID       string
	SourceTag      string
	BatchSize      int
	Concurrency    int
	RequestTimeout time.Duration
	Backoff        Backoff
}

func DefaultSyncWorkerConfig() SyncWorkerConfig {
	return SyncWorkerConfig{
		SourceTag:      "ANDROID_SMS_LISTENER",
		BatchSize:      DefaultBatchSize,
		Concurrency:    1,
		RequestTimeout: DefaultRequestTimeout,
		Backoff:        DefaultBackoff(),
	}
}

// Report summarizes one RunSync invocation.
type Report struct {
	Outcome   core.Outcome
	Listed    int
	Attempted int
	Sent      int
	Failed    int
	Skipped   bool
	Err       error
	Duration  time.Duration
}

// SyncWorker drains retryable records to the remote ingestion service.
type SyncWorker struct {
	queue  Queue
	client ingest.Client
	tokens oauth2.TokenSource
	net    Connectivity
	config SyncWorkerConfig
	logger *log.Logger
	now    func() time.Time

	// held for the whole run; overlapping runs are skipped, not queued
	running sync.Mutex
}

type Option func(*SyncWorker)

// WithTokenSource gates runs on a usable credential. Without one the gate
// is skipped, which is what sinks that authenticate on their own want.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(w *SyncWorker) { w.tokens = ts }
}

func WithConnectivity(c Connectivity) Option {
	return func(w *SyncWorker) { w.net = c }
}

func WithLogger(l *log.Logger) Option {
	return func(w *SyncWorker) { w.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(w *SyncWorker) { w.now = now }
}

func NewSyncWorker(queue Queue, client ingest.Client, config SyncWorkerConfig, opts ...Option) *SyncWorker {
	def := DefaultSyncWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.Backoff.Base <= 0 {
		config.Backoff = def.Backoff
	}
	if config.SourceTag == "" {
		config.SourceTag = def.SourceTag
	}

	w := &SyncWorker{
		queue:  queue,
		client: client,
		config: config,
		logger: log.New(log.DefaultConfig()).WithComponent(log.ComponentWorker),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunSync performs one drain pass. It is safe to call from several
// goroutines; a call that overlaps a running pass returns immediately.
func (w *SyncWorker) RunSync(ctx context.Context) Report {
	if !w.running.TryLock() {
		w.logger.DebugContext(ctx, "Sync already in progress, skipping")
		return Report{Outcome: core.OutcomeSuccess, Skipped: true}
	}
	defer w.running.Unlock()

	start := w.now()
	rep := w.run(ctx)
	rep.Duration = w.now().Sub(start)

	args := []any{
		log.FieldOutcome, rep.Outcome.String(),
		"listed", rep.Listed,
		"attempted", rep.Attempted,
		"sent", rep.Sent,
		"failed", rep.Failed,
		log.FieldDuration, rep.Duration.Milliseconds(),
	}
	switch {
	case rep.Err != nil:
		w.logger.ErrorContext(ctx, "Sync run finished with error", append(args, log.FieldError, rep.Err)...)
	case rep.Listed > 0:
		w.logger.InfoContext(ctx, "Sync run finished", args...)
	default:
		w.logger.DebugContext(ctx, "Sync run finished", args...)
	}
	return rep
}

func (w *SyncWorker) run(ctx context.Context) Report {
	var rep Report

	now := w.now()
	records, err := w.queue.ListDue(ctx, now, w.config.BatchSize)
	if err != nil {
		rep.Err = fmt.Errorf("list due: %w", err)
		rep.Outcome = core.OutcomeRetryLater
		if errors.Is(err, core.ErrCorrupt) {
			rep.Outcome = core.OutcomePermanentFailure
		}
		return rep
	}
	rep.Listed = len(records)
	if len(records) == 0 {
		rep.Outcome = core.OutcomeSuccess
		return rep
	}

	if w.net != nil && !w.net.Online(ctx) {
		w.logger.InfoContext(ctx, "Offline, deferring sync", "pending", len(records))
		rep.Outcome = core.OutcomeRetryLater
		return rep
	}
	if w.tokens != nil && !ingest.HasToken(w.tokens) {
		w.logger.WarnContext(ctx, "No ingestion credential, deferring sync",
			log.FieldErrorType, log.ErrorTypeAuth,
			"pending", len(records))
		rep.Outcome = core.OutcomeRetryLater
		return rep
	}

	var attempted, sent, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, ok := w.attempt(ctx, rec)
			if !ok {
				return nil
			}
			attempted.Add(1)
			if res.Accepted() {
				if err := w.markSent(ctx, rec, res); err != nil {
					return err
				}
				sent.Add(1)
				return nil
			}
			if err := w.markFailed(ctx, rec, res, now); err != nil {
				return err
			}
			failed.Add(1)
			return nil
		})
	}
	err = g.Wait()

	rep.Attempted = int(attempted.Load())
	rep.Sent = int(sent.Load())
	rep.Failed = int(failed.Load())

	switch {
	case err != nil:
		rep.Err = err
		rep.Outcome = core.OutcomeRetryLater
		if errors.Is(err, core.ErrCorrupt) {
			rep.Outcome = core.OutcomePermanentFailure
		}
	case ctx.Err() != nil:
		rep.Err = ctx.Err()
		rep.Outcome = core.OutcomeRetryLater
	default:
		rep.Outcome = core.OutcomeSuccess
	}
	return rep
}

// attempt submits one record. ok is false when the run was cancelled
// before the outcome became known; the record then keeps its status.
func (w *SyncWorker) attempt(ctx context.Context, rec core.CapturedRecord) (ingest.Result, bool) {
	if ctx.Err() != nil {
		return ingest.Result{}, false
	}

	amount := rec.ExtractedAmount
	if !amount.Valid {
		amount = extract.Fields(rec.RawText).Amount
	}
	req := ingest.Request{
		Originator:         rec.Originator,
		RawText:            rec.RawText,
		CapturedAt:         rec.CapturedAt.UnixMilli(),
		SourceTag:          w.config.SourceTag,
		IdempotencyKey:     IdempotencyKey(w.config.DeviceID, rec),
		PreExtractedAmount: amount,
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.config.RequestTimeout)
	res := w.client.Submit(reqCtx, req)
	cancel()

	if res.Kind == ingest.KindAccepted && res.RemoteRef == "" {
		res = ingest.Result{Kind: ingest.KindMalformed, StatusCode: res.StatusCode, Err: ingest.ErrMalformed}
	}
	if !res.Accepted() && res.Kind == ingest.KindTransport && ctx.Err() != nil {
		return res, false
	}
	return res, true
}

func (w *SyncWorker) markSent(ctx context.Context, rec core.CapturedRecord, res ingest.Result) error {
	// the remote side already has it; record that even if the run is being cancelled
	err := w.queue.MarkSent(context.WithoutCancel(ctx), rec.LocalID, res.RemoteRef)
	if errors.Is(err, core.ErrAlreadySent) {
		w.logger.WarnContext(ctx, "Record was already sent", log.FieldLocalID, rec.LocalID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark record %d sent: %w", rec.LocalID, err)
	}
	if res.Duplicate {
		w.logger.InfoContext(ctx, "Remote reported duplicate, kept existing reference",
			log.FieldLocalID, rec.LocalID,
			log.FieldRemoteRef, res.RemoteRef)
	}
	return nil
}

func (w *SyncWorker) markFailed(ctx context.Context, rec core.CapturedRecord, res ingest.Result, now time.Time) error {
	attempts := rec.Attempts + 1
	retryAt := now.Add(w.config.Backoff.Delay(attempts))

	level := w.logger.WarnContext
	if res.Kind == ingest.KindTransport || res.Kind == ingest.KindServerError {
		level = w.logger.InfoContext
	}
	level(ctx, "Record submission failed",
		log.FieldLocalID, rec.LocalID,
		log.FieldResultKind, res.Kind.String(),
		log.FieldStatusCode, res.StatusCode,
		log.FieldAttempts, attempts,
		log.FieldRetryAt, retryAt,
		log.FieldError, res.Err)

	err := w.queue.MarkFailed(context.WithoutCancel(ctx), rec.LocalID, res.Reason(), retryAt)
	if errors.Is(err, core.ErrAlreadySent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark record %d failed: %w", rec.LocalID, err)
	}
	return nil
}

// HandleSyncRequest runs a pass in response to an AMQP sync request.
// Failures are left to the periodic pass, so the message is always acked.
func (w *SyncWorker) HandleSyncRequest(ctx context.Context, msg *amqp.SyncRequestMessage) error {
	w.logger.DebugContext(ctx, "Sync requested",
		log.FieldLocalID, msg.LocalID,
		"reason", msg.Reason)
	rep := w.RunSync(ctx)
	if rep.Outcome == core.OutcomePermanentFailure {
		w.logger.ErrorContext(ctx, "Local queue unusable", log.FieldError, rep.Err)
	}
	return nil
}
