package capture

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintraq/internal/core"
	"fintraq/internal/log"
	"fintraq/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	msgs    []core.Message
	amounts []decimal.NullDecimal
	err     error
}

func (f *fakeStore) Append(ctx context.Context, msg core.Message, amount decimal.NullDecimal) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.msgs = append(f.msgs, msg)
	f.amounts = append(f.amounts, amount)
	return int64(len(f.msgs)), nil
}

type recordingTrigger struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingTrigger) Trigger(id int64) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func newIntake(store Store, trig Trigger, now time.Time) *Intake {
	return NewIntake(store, trig,
		WithClock(func() time.Time { return now }),
		WithLogger(log.Discard(log.ComponentCapture)))
}

func TestOnMessageReceived(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	store := &fakeStore{}
	trig := &recordingTrigger{}
	in := newIntake(store, trig, now)

	captured := now.Add(-time.Minute)
	id, err := in.OnMessageReceived(context.Background(), "VK-HDFCBK", "Rs 1,234.50 debited", captured)
	if err != nil {
		t.Fatalf("OnMessageReceived: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	if len(store.msgs) != 1 {
		t.Fatalf("stored %d records, want 1", len(store.msgs))
	}
	if !store.msgs[0].CapturedAt.Equal(captured) {
		t.Fatalf("capturedAt = %v, want %v", store.msgs[0].CapturedAt, captured)
	}
	if !store.amounts[0].Valid || !store.amounts[0].Decimal.Equal(decimal.RequireFromString("1234.50")) {
		t.Fatalf("amount = %+v", store.amounts[0])
	}
	if len(trig.ids) != 1 || trig.ids[0] != id {
		t.Fatalf("trigger ids = %v", trig.ids)
	}
}

func TestOnMessageReceivedDefaults(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	store := &fakeStore{}
	in := newIntake(store, nil, now)

	if _, err := in.OnMessageReceived(context.Background(), "", "Your OTP is 4521", time.Time{}); err != nil {
		t.Fatalf("OnMessageReceived: %v", err)
	}
	if !store.msgs[0].CapturedAt.Equal(now) {
		t.Fatalf("zero capturedAt must default to clock, got %v", store.msgs[0].CapturedAt)
	}
	if store.amounts[0].Valid {
		t.Fatalf("no amount expected, got %s", store.amounts[0].Decimal)
	}
}

func TestOnMessageReceivedStoresEmptyBodies(t *testing.T) {
	store := &fakeStore{}
	trig := &recordingTrigger{}
	in := newIntake(store, trig, time.Now())

	for _, text := range []string{"", "  \n"} {
		if _, err := in.OnMessageReceived(context.Background(), "X", text, time.Now()); err != nil {
			t.Fatalf("OnMessageReceived(%q): %v", text, err)
		}
	}
	if len(store.msgs) != 2 || len(trig.ids) != 2 {
		t.Fatalf("stored %d, triggered %d; want 2 and 2", len(store.msgs), len(trig.ids))
	}
	if store.msgs[1].RawText != "  \n" {
		t.Fatalf("body must be stored verbatim, got %q", store.msgs[1].RawText)
	}
	if store.amounts[0].Valid || store.amounts[1].Valid {
		t.Fatalf("empty bodies carry no amount")
	}
}

func TestOnMessageReceivedPersistenceFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("disk I/O error")}
	trig := &recordingTrigger{}
	in := newIntake(store, trig, time.Now())

	_, err := in.OnMessageReceived(context.Background(), "X", "Rs 5 debited", time.Now())
	if !core.IsPersistence(err) {
		t.Fatalf("err = %v, want persistence error", err)
	}
	if len(trig.ids) != 0 {
		t.Fatalf("trigger must not fire when nothing was stored")
	}
}

func TestTriggersFanOut(t *testing.T) {
	a, b := &recordingTrigger{}, &recordingTrigger{}
	var fn []int64
	ts := Triggers{a, nil, b, TriggerFunc(func(id int64) { fn = append(fn, id) })}
	ts.Trigger(7)
	if len(a.ids) != 1 || len(b.ids) != 1 || len(fn) != 1 || fn[0] != 7 {
		t.Fatalf("fan-out incomplete: a=%v b=%v fn=%v", a.ids, b.ids, fn)
	}
}

func TestOneRecordPerInvocation(t *testing.T) {
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()

	in := newIntake(repo, nil, time.Now())
	ctx := context.Background()
	texts := []string{"Rs 1,234.50 debited", "", "INR 500 credited", "   ", "Your OTP is 4521"}
	ids := map[int64]bool{}
	for _, text := range texts {
		id, err := in.OnMessageReceived(ctx, "BANK", text, time.Time{})
		if err != nil {
			t.Fatalf("capture %q: %v", text, err)
		}
		ids[id] = true
	}
	if len(ids) != len(texts) {
		t.Fatalf("ids not distinct: %v", ids)
	}

	recs, err := repo.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != len(texts) {
		t.Fatalf("stored %d records, want %d", len(recs), len(texts))
	}
	for i, r := range recs {
		if r.Status != core.StatusPending {
			t.Fatalf("record %d status %s", r.LocalID, r.Status)
		}
		if r.RawText != texts[i] {
			t.Fatalf("record %d text = %q, want %q", r.LocalID, r.RawText, texts[i])
		}
	}
}
