package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"fintraq/internal/core"
)

const busyTimeout = 5 * time.Second

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
}

// DSN builds the modernc connection string. The pragmas run on every new
// pool connection: WAL with synchronous=FULL makes each committed append
// survive power loss.
func DSN(dbPath string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate",
		dbPath, busyTimeout.Milliseconds())
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	if err := RunMigrations(dsn); err != nil {
		return nil, persistErr("migrate", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, persistErr("ping", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		now:     time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return persistErr("ping", err)
	}
	return nil
}

// Append stores one captured message as PENDING in a single INSERT.
func (r *SQLiteRepository) Append(ctx context.Context, msg core.Message, amount decimal.NullDecimal) (int64, error) {
	var extracted sql.NullString
	if amount.Valid {
		extracted = sql.NullString{String: amount.Decimal.String(), Valid: true}
	}
	id, err := r.queries.InsertCapturedRecord(ctx, InsertCapturedRecordParams{
		Originator:      msg.Originator,
		RawText:         msg.RawText,
		CapturedAt:      msg.CapturedAt.UnixMilli(),
		ExtractedAmount: extracted,
	})
	if err != nil {
		return 0, persistErr("append", err)
	}

	slog.DebugContext(ctx, "Captured record stored",
		"local_id", id,
		"originator", msg.Originator,
		"has_amount", amount.Valid)

	return id, nil
}

// ListPending returns PENDING and FAILED records in capture order.
// limit <= 0 returns every retryable record.
func (r *SQLiteRepository) ListPending(ctx context.Context, limit int) ([]core.CapturedRecord, error) {
	n := int64(limit)
	if limit <= 0 {
		n = -1
	}
	rows, err := r.queries.ListPending(ctx, n)
	if err != nil {
		return nil, persistErr("list pending", err)
	}
	return toRecords(rows, "list pending")
}

// ListDue returns retryable records whose backoff has elapsed at now, in
// capture order. Records still backing off never take a slot in the batch.
func (r *SQLiteRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]core.CapturedRecord, error) {
	params := ListDueParams{Now: now.UnixMilli(), Limit: int64(limit)}
	if limit <= 0 {
		params.Limit = -1
	}
	rows, err := r.queries.ListDue(ctx, params)
	if err != nil {
		return nil, persistErr("list due", err)
	}
	return toRecords(rows, "list due")
}

func toRecords(rows []CapturedRecordRow, op string) ([]core.CapturedRecord, error) {
	out := make([]core.CapturedRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, localID int64) (core.CapturedRecord, error) {
	row, err := r.queries.GetCapturedRecord(ctx, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CapturedRecord{}, fmt.Errorf("get record %d: %w", localID, core.ErrRecordNotFound)
	}
	if err != nil {
		return core.CapturedRecord{}, persistErr("get", err)
	}
	rec, err := toRecord(row)
	if err != nil {
		return core.CapturedRecord{}, persistErr("get", err)
	}
	return rec, nil
}

// MarkSent records the remote acknowledgment. It is the only way into SENT.
func (r *SQLiteRepository) MarkSent(ctx context.Context, localID int64, remoteRef string) error {
	if strings.TrimSpace(remoteRef) == "" {
		return fmt.Errorf("mark record %d sent: %w", localID, core.ErrEmptyRemoteRef)
	}

	err := r.withTx(ctx, func(q *Queries) error {
		n, err := q.MarkSent(ctx, MarkSentParams{
			RemoteRef:     remoteRef,
			LastAttemptAt: r.now().UnixMilli(),
			LocalID:       localID,
		})
		if err != nil {
			return persistErr("mark sent", err)
		}
		if n == 1 {
			return nil
		}
		return r.explainNoUpdate(ctx, q, localID, "mark sent")
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Record marked as sent", "local_id", localID, "remote_ref", remoteRef)
	return nil
}

// MarkFailed records a failed attempt and when the record may be retried.
// A zero retryAt makes the record immediately due.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, localID int64, reason string, retryAt time.Time) error {
	params := MarkFailedParams{
		LastError:     sql.NullString{String: reason, Valid: reason != ""},
		LastAttemptAt: r.now().UnixMilli(),
		LocalID:       localID,
	}
	if !retryAt.IsZero() {
		params.NextAttemptAt = sql.NullInt64{Int64: retryAt.UnixMilli(), Valid: true}
	}

	err := r.withTx(ctx, func(q *Queries) error {
		n, err := q.MarkFailed(ctx, params)
		if err != nil {
			return persistErr("mark failed", err)
		}
		if n == 1 {
			return nil
		}
		return r.explainNoUpdate(ctx, q, localID, "mark failed")
	})
	if err != nil {
		return err
	}

	slog.WarnContext(ctx, "Record marked as failed",
		"local_id", localID,
		"reason", reason,
		"retry_at", retryAt)
	return nil
}

// explainNoUpdate turns a zero-row status update into the matching sentinel.
func (r *SQLiteRepository) explainNoUpdate(ctx context.Context, q *Queries, localID int64, op string) error {
	row, err := q.GetCapturedRecord(ctx, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", op, localID, core.ErrRecordNotFound)
	}
	if err != nil {
		return persistErr(op, err)
	}
	if core.Status(row.Status) == core.StatusSent {
		return fmt.Errorf("%s %d: %w", op, localID, core.ErrAlreadySent)
	}
	return persistErr(op, fmt.Errorf("record %d in status %s was not updated", localID, row.Status))
}

// ResetBackoff clears nextAttemptAt on every FAILED record.
func (r *SQLiteRepository) ResetBackoff(ctx context.Context) (int64, error) {
	n, err := r.queries.ResetBackoff(ctx)
	if err != nil {
		return 0, persistErr("reset backoff", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "Backoff cleared for failed records", "count", n)
	}
	return n, nil
}

func (r *SQLiteRepository) Stats(ctx context.Context) (core.QueueStats, error) {
	var stats core.QueueStats
	rows, err := r.queries.CountByStatus(ctx)
	if err != nil {
		return stats, persistErr("stats", err)
	}
	for _, row := range rows {
		switch core.Status(row.Status) {
		case core.StatusPending:
			stats.Pending = row.Count
		case core.StatusSent:
			stats.Sent = row.Count
		case core.StatusFailed:
			stats.Failed = row.Count
		}
	}
	stats.Archived, err = r.queries.CountArchived(ctx)
	if err != nil {
		return stats, persistErr("stats", err)
	}
	return stats, nil
}

// ArchiveSent moves SENT records captured before the cutoff into the
// archive table. Retryable records are never touched.
func (r *SQLiteRepository) ArchiveSent(ctx context.Context, before time.Time) (int64, error) {
	var moved int64
	err := r.withTx(ctx, func(q *Queries) error {
		copied, err := q.CopySentToArchive(ctx, CopySentToArchiveParams{
			ArchivedAt: r.now().UnixMilli(),
			Before:     before.UnixMilli(),
		})
		if err != nil {
			return persistErr("archive", err)
		}
		deleted, err := q.DeleteSentBefore(ctx, before.UnixMilli())
		if err != nil {
			return persistErr("archive", err)
		}
		if copied != deleted {
			return persistErr("archive", fmt.Errorf("copied %d rows but deleted %d", copied, deleted))
		}
		moved = deleted
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		slog.InfoContext(ctx, "Sent records archived", "count", moved, "before", before)
	}
	return moved, nil
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin tx", err)
	}
	if err := fn(r.queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit", err)
	}
	return nil
}

func toRecord(row CapturedRecordRow) (core.CapturedRecord, error) {
	rec := core.CapturedRecord{
		LocalID:    row.LocalID,
		Originator: row.Originator,
		RawText:    row.RawText,
		CapturedAt: time.UnixMilli(row.CapturedAt),
		Status:     core.Status(row.Status),
		Attempts:   row.Attempts,
		LastError:  row.LastError.String,
	}
	if !rec.Status.IsValid() {
		return rec, fmt.Errorf("record %d has unknown status %q", row.LocalID, row.Status)
	}
	if row.RemoteRef.Valid {
		ref := row.RemoteRef.String
		rec.RemoteRef = &ref
	}
	if row.ExtractedAmount.Valid {
		d, err := decimal.NewFromString(row.ExtractedAmount.String)
		if err != nil {
			return rec, fmt.Errorf("record %d amount %q: %w", row.LocalID, row.ExtractedAmount.String, err)
		}
		rec.ExtractedAmount = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if row.LastAttemptAt.Valid {
		rec.LastAttemptAt = time.UnixMilli(row.LastAttemptAt.Int64)
	}
	if row.NextAttemptAt.Valid {
		rec.NextAttemptAt = time.UnixMilli(row.NextAttemptAt.Int64)
	}
	return rec, nil
}

// persistErr wraps a driver error so callers can tell local storage
// failures apart and detect an unusable database file.
func persistErr(op string, err error) error {
	if isCorrupt(err) {
		err = fmt.Errorf("%w: %w", core.ErrCorrupt, err)
	}
	return &core.PersistenceError{Op: op, Err: err}
}

func isCorrupt(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	default:
		return false
	}
}
