package storage

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// CapturedRecordRow mirrors one row of captured_records.
type CapturedRecordRow struct {
	LocalID         int64
	Originator      string
	RawText         string
	CapturedAt      int64
	Status          string
	RemoteRef       sql.NullString
	ExtractedAmount sql.NullString
	Attempts        int64
	LastError       sql.NullString
	LastAttemptAt   sql.NullInt64
	NextAttemptAt   sql.NullInt64
}

const recordColumns = `local_id, originator, raw_text, captured_at, status, remote_ref,
       extracted_amount, attempts, last_error, last_attempt_at, next_attempt_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (CapturedRecordRow, error) {
	var i CapturedRecordRow
	err := s.Scan(
		&i.LocalID,
		&i.Originator,
		&i.RawText,
		&i.CapturedAt,
		&i.Status,
		&i.RemoteRef,
		&i.ExtractedAmount,
		&i.Attempts,
		&i.LastError,
		&i.LastAttemptAt,
		&i.NextAttemptAt,
	)
	return i, err
}

const insertCapturedRecord = `
INSERT INTO captured_records (originator, raw_text, captured_at, status, extracted_amount)
VALUES (?, ?, ?, 'PENDING', ?)
RETURNING local_id
`

type InsertCapturedRecordParams struct {
	Originator      string
	RawText         string
	CapturedAt      int64
	ExtractedAmount sql.NullString
}

func (q *Queries) InsertCapturedRecord(ctx context.Context, arg InsertCapturedRecordParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, insertCapturedRecord,
		arg.Originator,
		arg.RawText,
		arg.CapturedAt,
		arg.ExtractedAmount,
	)
	var localID int64
	err := row.Scan(&localID)
	return localID, err
}

const getCapturedRecord = `
SELECT ` + recordColumns + `
FROM captured_records
WHERE local_id = ?
`

func (q *Queries) GetCapturedRecord(ctx context.Context, localID int64) (CapturedRecordRow, error) {
	return scanRecord(q.db.QueryRowContext(ctx, getCapturedRecord, localID))
}

const listPending = `
SELECT ` + recordColumns + `
FROM captured_records
WHERE status IN ('PENDING', 'FAILED')
ORDER BY captured_at ASC, local_id ASC
LIMIT ?
`

// ListPending returns retryable rows in capture order. A negative limit
// means no limit in SQLite.
func (q *Queries) ListPending(ctx context.Context, limit int64) ([]CapturedRecordRow, error) {
	rows, err := q.db.QueryContext(ctx, listPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CapturedRecordRow
	for rows.Next() {
		i, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listDue = `
SELECT ` + recordColumns + `
FROM captured_records
WHERE status IN ('PENDING', 'FAILED')
  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY captured_at ASC, local_id ASC
LIMIT ?
`

type ListDueParams struct {
	Now   int64
	Limit int64
}

// ListDue is ListPending restricted to rows whose backoff has elapsed.
func (q *Queries) ListDue(ctx context.Context, arg ListDueParams) ([]CapturedRecordRow, error) {
	rows, err := q.db.QueryContext(ctx, listDue, arg.Now, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CapturedRecordRow
	for rows.Next() {
		i, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const markSent = `
UPDATE captured_records
SET status = 'SENT',
    remote_ref = ?,
    attempts = attempts + 1,
    last_error = NULL,
    last_attempt_at = ?,
    next_attempt_at = NULL
WHERE local_id = ? AND status IN ('PENDING', 'FAILED')
`

type MarkSentParams struct {
	RemoteRef     string
	LastAttemptAt int64
	LocalID       int64
}

func (q *Queries) MarkSent(ctx context.Context, arg MarkSentParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markSent, arg.RemoteRef, arg.LastAttemptAt, arg.LocalID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markFailed = `
UPDATE captured_records
SET status = 'FAILED',
    attempts = attempts + 1,
    last_error = ?,
    last_attempt_at = ?,
    next_attempt_at = ?
WHERE local_id = ? AND status IN ('PENDING', 'FAILED')
`

type MarkFailedParams struct {
	LastError     sql.NullString
	LastAttemptAt int64
	NextAttemptAt sql.NullInt64
	LocalID       int64
}

func (q *Queries) MarkFailed(ctx context.Context, arg MarkFailedParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markFailed,
		arg.LastError,
		arg.LastAttemptAt,
		arg.NextAttemptAt,
		arg.LocalID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const resetBackoff = `
UPDATE captured_records
SET next_attempt_at = NULL
WHERE status = 'FAILED' AND next_attempt_at IS NOT NULL
`

func (q *Queries) ResetBackoff(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, resetBackoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const countByStatus = `
SELECT status, COUNT(*) FROM captured_records GROUP BY status
`

type CountByStatusRow struct {
	Status string
	Count  int64
}

func (q *Queries) CountByStatus(ctx context.Context) ([]CountByStatusRow, error) {
	rows, err := q.db.QueryContext(ctx, countByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountByStatusRow
	for rows.Next() {
		var i CountByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countArchived = `SELECT COUNT(*) FROM captured_records_archive`

func (q *Queries) CountArchived(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countArchived).Scan(&n)
	return n, err
}

const copySentToArchive = `
INSERT INTO captured_records_archive
    (local_id, originator, raw_text, captured_at, remote_ref, extracted_amount,
     attempts, last_attempt_at, archived_at)
SELECT local_id, originator, raw_text, captured_at, remote_ref, extracted_amount,
       attempts, last_attempt_at, ?
FROM captured_records
WHERE status = 'SENT' AND captured_at < ?
`

type CopySentToArchiveParams struct {
	ArchivedAt int64
	Before     int64
}

func (q *Queries) CopySentToArchive(ctx context.Context, arg CopySentToArchiveParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, copySentToArchive, arg.ArchivedAt, arg.Before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteSentBefore = `
DELETE FROM captured_records
WHERE status = 'SENT' AND captured_at < ?
`

func (q *Queries) DeleteSentBefore(ctx context.Context, before int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteSentBefore, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
