package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintraq/internal/core"
)

func newTestRepo(t *testing.T) (*SQLiteRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	repo, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

func msgAt(text string, at time.Time) core.Message {
	return core.Message{Originator: "VK-HDFCBK", RawText: text, CapturedAt: at}
}

func noAmount() decimal.NullDecimal { return decimal.NullDecimal{} }

func TestAppendAndListPendingOrder(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	// inserted out of capture order on purpose
	idLate, err := repo.Append(ctx, msgAt("late", base.Add(2*time.Minute)), noAmount())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	idEarly, err := repo.Append(ctx, msgAt("early", base), noAmount())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	idTie, err := repo.Append(ctx, msgAt("tie", base), noAmount())
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	recs, err := repo.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []int64{}
	for _, r := range recs {
		got = append(got, r.LocalID)
		if r.Status != core.StatusPending {
			t.Fatalf("record %d status %s, want PENDING", r.LocalID, r.Status)
		}
		if r.RemoteRef != nil {
			t.Fatalf("record %d has remote ref before send", r.LocalID)
		}
	}
	want := []int64{idEarly, idTie, idLate}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if !recs[0].CapturedAt.Equal(base) {
		t.Fatalf("capturedAt = %v, want %v", recs[0].CapturedAt, base)
	}
}

func TestListPendingLimitAndIdempotence(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		if _, err := repo.Append(ctx, msgAt(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)), noAmount()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first, err := repo.ListPending(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("len = %d, want 3", len(first))
	}
	second, err := repo.ListPending(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := range first {
		if first[i].LocalID != second[i].LocalID || first[i].Status != second[i].Status {
			t.Fatalf("listing changed state: %+v vs %+v", first[i], second[i])
		}
	}
	all, err := repo.ListPending(ctx, -1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
}

func TestExtractedAmountRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	withAmt, err := repo.Append(ctx, msgAt("Rs 1,234.50 debited", time.Now()),
		decimal.NullDecimal{Decimal: decimal.RequireFromString("1234.50"), Valid: true})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	zero, err := repo.Append(ctx, msgAt("Rs 0 debited", time.Now()),
		decimal.NullDecimal{Decimal: decimal.Zero, Valid: true})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	none, err := repo.Append(ctx, msgAt("Your OTP is 4521", time.Now()), noAmount())
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	rec, _ := repo.Get(ctx, withAmt)
	if !rec.ExtractedAmount.Valid || !rec.ExtractedAmount.Decimal.Equal(decimal.RequireFromString("1234.5")) {
		t.Fatalf("amount = %+v", rec.ExtractedAmount)
	}
	rec, _ = repo.Get(ctx, zero)
	if !rec.ExtractedAmount.Valid || !rec.ExtractedAmount.Decimal.IsZero() {
		t.Fatalf("zero amount must be present, got %+v", rec.ExtractedAmount)
	}
	rec, _ = repo.Get(ctx, none)
	if rec.ExtractedAmount.Valid {
		t.Fatalf("missing amount must stay absent, got %s", rec.ExtractedAmount.Decimal)
	}
}

func TestMarkSent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	id, err := repo.Append(ctx, msgAt("Rs 10 debited", time.Now()), noAmount())
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := repo.MarkSent(ctx, id, "  "); !errors.Is(err, core.ErrEmptyRemoteRef) {
		t.Fatalf("empty ref: got %v", err)
	}
	if err := repo.MarkSent(ctx, 9999, "srv-1"); !errors.Is(err, core.ErrRecordNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}
	if err := repo.MarkSent(ctx, id, "srv-1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	rec, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != core.StatusSent || rec.RemoteRef == nil || *rec.RemoteRef != "srv-1" {
		t.Fatalf("unexpected record after send: %+v", rec)
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	if err := repo.MarkSent(ctx, id, "srv-2"); !errors.Is(err, core.ErrAlreadySent) {
		t.Fatalf("second send: got %v", err)
	}
	if err := repo.MarkFailed(ctx, id, "late failure", time.Time{}); !errors.Is(err, core.ErrAlreadySent) {
		t.Fatalf("downgrade: got %v", err)
	}
	rec, _ = repo.Get(ctx, id)
	if *rec.RemoteRef != "srv-1" {
		t.Fatalf("remote ref overwritten: %s", *rec.RemoteRef)
	}

	pending, _ := repo.ListPending(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("sent record still listed: %+v", pending)
	}
}

func TestMarkFailedKeepsRecordRetryable(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	repo.now = func() time.Time { return now }

	id, err := repo.Append(ctx, msgAt("Rs 10 debited", now), noAmount())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	retryAt := now.Add(30 * time.Second)
	for i := 0; i < 2; i++ {
		if err := repo.MarkFailed(ctx, id, "http 503", retryAt); err != nil {
			t.Fatalf("mark failed #%d: %v", i, err)
		}
	}
	if err := repo.MarkFailed(ctx, 4242, "x", retryAt); !errors.Is(err, core.ErrRecordNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}

	recs, err := repo.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != core.StatusFailed || rec.Attempts != 2 || rec.LastError != "http 503" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.NextAttemptAt.Equal(retryAt) || !rec.LastAttemptAt.Equal(now) {
		t.Fatalf("backoff bookkeeping: next=%v last=%v", rec.NextAttemptAt, rec.LastAttemptAt)
	}
	if rec.Due(now) {
		t.Fatalf("record must not be due before retryAt")
	}

	n, err := repo.ResetBackoff(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset backoff: n=%d err=%v", n, err)
	}
	rec, _ = repo.Get(ctx, id)
	if !rec.Due(now) {
		t.Fatalf("record must be due after reset")
	}

	// FAILED -> SENT only through a new confirmed attempt
	if err := repo.MarkSent(ctx, id, "srv-9"); err != nil {
		t.Fatalf("mark sent after failure: %v", err)
	}
	rec, _ = repo.Get(ctx, id)
	if rec.LastError != "" || !rec.NextAttemptAt.IsZero() || rec.Attempts != 3 {
		t.Fatalf("send must clear failure bookkeeping: %+v", rec)
	}
}

func TestConcurrentAppendsGetDistinctIDs(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	const n = 50
	ids := make(chan int64, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := repo.Append(ctx, msgAt(fmt.Sprintf("msg %d", i), time.Now()), noAmount())
			if err != nil {
				errs <- err
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
	seen := map[int64]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d ids, want %d", len(seen), n)
	}
	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != n {
		t.Fatalf("pending = %d, want %d", stats.Pending, n)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	repo, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, _ := repo.Append(ctx, msgAt("one", time.Now()), noAmount())
	second, _ := repo.Append(ctx, msgAt("two", time.Now()), noAmount())
	if err := repo.MarkSent(ctx, second, "srv-2"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	repo.Close()

	repo, err = NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()

	pending, err := repo.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].LocalID != first || pending[0].RawText != "one" {
		t.Fatalf("unexpected pending after reopen: %+v", pending)
	}
	third, _ := repo.Append(ctx, msgAt("three", time.Now()), noAmount())
	if third <= second {
		t.Fatalf("id reused after restart: %d <= %d", third, second)
	}

	v, dirty, err := SchemaVersion(DSN(path))
	if err != nil || dirty || v != 2 {
		t.Fatalf("schema version = %d dirty=%v err=%v", v, dirty, err)
	}
}

func TestSchemaGuardsRecordInvariants(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	id, _ := repo.Append(ctx, msgAt("original body", time.Now()), noAmount())

	if _, err := repo.db.ExecContext(ctx, `UPDATE captured_records SET raw_text = 'edited' WHERE local_id = ?`, id); err == nil {
		t.Fatalf("raw_text update must be rejected")
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE captured_records SET captured_at = 1 WHERE local_id = ?`, id); err == nil {
		t.Fatalf("captured_at update must be rejected")
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE captured_records SET status = 'SENT' WHERE local_id = ?`, id); err == nil {
		t.Fatalf("SENT without remote_ref must be rejected")
	}
	if err := repo.MarkSent(ctx, id, "srv-1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE captured_records SET status = 'PENDING', remote_ref = NULL WHERE local_id = ?`, id); err == nil {
		t.Fatalf("leaving SENT must be rejected")
	}
	rec, _ := repo.Get(ctx, id)
	if rec.RawText != "original body" || rec.Status != core.StatusSent {
		t.Fatalf("record mutated: %+v", rec)
	}
}

func TestArchiveSent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	old := now.Add(-100 * 24 * time.Hour)

	oldSent, _ := repo.Append(ctx, msgAt("old sent", old), noAmount())
	oldPending, _ := repo.Append(ctx, msgAt("old pending", old), noAmount())
	newSent, _ := repo.Append(ctx, msgAt("new sent", now), noAmount())
	if err := repo.MarkSent(ctx, oldSent, "a"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkSent(ctx, newSent, "b"); err != nil {
		t.Fatal(err)
	}

	moved, err := repo.ArchiveSent(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	if _, err := repo.Get(ctx, oldSent); !errors.Is(err, core.ErrRecordNotFound) {
		t.Fatalf("archived record still live: %v", err)
	}
	if _, err := repo.Get(ctx, oldPending); err != nil {
		t.Fatalf("pending record must never be archived: %v", err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := core.QueueStats{Pending: 1, Sent: 1, Archived: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	// archiving the highest id must not free it for reuse
	if _, err := repo.ArchiveSent(ctx, now.Add(time.Hour)); err != nil {
		t.Fatalf("archive: %v", err)
	}
	next, _ := repo.Append(ctx, msgAt("after archive", now), noAmount())
	if next <= newSent {
		t.Fatalf("id reused: %d <= %d", next, newSent)
	}
}

func TestOpenRejectsGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	junk := make([]byte, 8192)
	for i := range junk {
		junk[i] = byte(i*7 + 3)
	}
	if err := os.WriteFile(path, junk, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSQLiteRepository(path); err == nil {
		t.Fatalf("expected error opening a non-database file")
	}
}

func TestPersistErr(t *testing.T) {
	err := persistErr("append", errors.New("disk I/O error"))
	if !core.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %T", err)
	}
	if errors.Is(err, core.ErrCorrupt) {
		t.Fatalf("plain error must not look corrupt")
	}
}

func TestListDueSkipsBackedOffRecords(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := repo.Append(ctx, msgAt(fmt.Sprintf("Rs %d debited", i), now.Add(time.Duration(i)*time.Second)), noAmount())
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}
	// the two oldest are waiting out a backoff, the third is due exactly now
	for _, id := range ids[:2] {
		if err := repo.MarkFailed(ctx, id, "http 400", now.Add(time.Minute)); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
	if err := repo.MarkFailed(ctx, ids[2], "http 503", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	due, err := repo.ListDue(ctx, now, 2)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].LocalID != ids[2] || due[1].LocalID != ids[3] {
		t.Fatalf("due = %+v, want ids %v", due, ids[2:])
	}

	all, err := repo.ListDue(ctx, now.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(all) != 4 || all[0].LocalID != ids[0] {
		t.Fatalf("after backoff = %d records", len(all))
	}

	pending, err := repo.ListPending(ctx, 0)
	if err != nil || len(pending) != 4 {
		t.Fatalf("ListPending must stay unfiltered: %d records, err %v", len(pending), err)
	}
}
