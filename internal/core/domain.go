package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

type (
	// Status is the lifecycle state of a captured record.
	Status string

	// Message is what the delivery source hands to the capture path.
	Message struct {
		Originator string
		RawText    string
		CapturedAt time.Time
	}

	// CapturedRecord is one durably stored message and its sync bookkeeping.
	CapturedRecord struct {
		LocalID         int64
		Originator      string
		RawText         string
		CapturedAt      time.Time
		Status          Status
		RemoteRef       *string
		ExtractedAmount decimal.NullDecimal

		Attempts      int64
		LastError     string
		LastAttemptAt time.Time
		NextAttemptAt time.Time
	}

	// QueueStats counts records per status.
	QueueStats struct {
		Pending  int64
		Sent     int64
		Failed   int64
		Archived int64
	}
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrAlreadySent    = errors.New("record already sent")
	ErrEmptyRemoteRef = errors.New("empty remote reference")
	ErrCorrupt        = errors.New("local store is corrupt")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// PersistenceError reports that a local write or read could not be completed.
// On the capture path it means the message was not stored.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("local persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsValid returns true if s is one of the known statuses
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	default:
		return false
	}
}

// Retryable reports whether a record in this status is eligible for another sync attempt.
func (s Status) Retryable() bool {
	return s == StatusPending || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// Blank reports whether the message body holds only whitespace. Blank
// messages are still captured.
func (m Message) Blank() bool {
	return strings.TrimSpace(m.RawText) == ""
}

// Due reports whether the record may be attempted at now.
func (r CapturedRecord) Due(now time.Time) bool {
	if !r.Status.Retryable() {
		return false
	}
	return r.NextAttemptAt.IsZero() || !r.NextAttemptAt.After(now)
}

// HasRemoteRef reports whether the remote service acknowledged the record.
func (r CapturedRecord) HasRemoteRef() bool {
	return r.RemoteRef != nil && *r.RemoteRef != ""
}

// Validate checks the remoteRef/status pairing.
func (r CapturedRecord) Validate() error {
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if (r.Status == StatusSent) != r.HasRemoteRef() {
		return fmt.Errorf("record %d: remote ref must be set iff status is SENT (status=%s)", r.LocalID, r.Status)
	}
	return nil
}
