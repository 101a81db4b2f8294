// Package capture is the synchronous entry point for newly delivered
// messages: extract, store, then nudge the sync side without waiting.
package capture

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fintraq/internal/core"
	"fintraq/internal/extract"
	"fintraq/internal/log"
)

// Store is the durable queue as seen by the capture path.
type Store interface {
	Append(ctx context.Context, msg core.Message, amount decimal.NullDecimal) (int64, error)
}

// Trigger schedules a sync. Implementations must return immediately.
type Trigger interface {
	Trigger(localID int64)
}

// TriggerFunc adapts a plain function to Trigger.
type TriggerFunc func(localID int64)

func (f TriggerFunc) Trigger(localID int64) { f(localID) }

// Triggers fans one capture out to several triggers.
type Triggers []Trigger

func (ts Triggers) Trigger(localID int64) {
	for _, t := range ts {
		if t != nil {
			t.Trigger(localID)
		}
	}
}

// Intake stores each delivered message exactly once.
type Intake struct {
	store   Store
	trigger Trigger
	logger  *log.Logger
	sl      *log.StructuredLogger
	now     func() time.Time
}

type Option func(*Intake)

// WithClock overrides the clock used when a message carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(i *Intake) { i.now = now }
}

// WithLogger sets the intake logger.
func WithLogger(l *log.Logger) Option {
	return func(i *Intake) { i.logger = l }
}

func NewIntake(store Store, trigger Trigger, opts ...Option) *Intake {
	i := &Intake{
		store:   store,
		trigger: trigger,
		logger:  log.New(log.DefaultConfig()).WithComponent(log.ComponentCapture),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.sl = log.NewStructuredLogger(i.logger)
	return i
}

// OnMessageReceived extracts the amount, appends one PENDING record and
// fires the trigger. Every call stores exactly one record, even when the
// body is empty. It does no network I/O. When it returns a
// *core.PersistenceError the message was not stored and the delivery
// source has to redeliver it.
func (i *Intake) OnMessageReceived(ctx context.Context, originator, rawText string, capturedAt time.Time) (int64, error) {
	if capturedAt.IsZero() {
		capturedAt = i.now()
	}
	msg := core.Message{
		Originator: originator,
		RawText:    rawText,
		CapturedAt: capturedAt,
	}
	if msg.Blank() {
		i.logger.WarnContext(ctx, "Capturing message with empty body", log.FieldOriginator, originator)
	}

	fields := extract.Fields(rawText)

	id, err := i.store.Append(ctx, msg, fields.Amount)
	if err != nil {
		i.sl.LogError(ctx, "Failed to store captured message", err, log.OpCapture,
			log.NewFields().
				WithErrorType(log.ErrorTypeDatabase).
				With(log.FieldOriginator, originator).
				With(log.FieldDataLossRisk, true))
		if core.IsPersistence(err) {
			return 0, err
		}
		return 0, &core.PersistenceError{Op: "append", Err: err}
	}

	i.sl.LogRecordCaptured(ctx, id, originator, fields.Amount.Valid)

	if i.trigger != nil {
		i.trigger.Trigger(id)
	}
	return id, nil
}
