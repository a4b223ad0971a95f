package agenda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound    = errors.New("event not found")
	ErrConflict    = errors.New("event was changed by someone else")
	ErrUnavailable = errors.New("event store unavailable")
)

type ErrorKind string

const (
	ErrorNotFound    ErrorKind = "not_found"
	ErrorConflict    ErrorKind = "conflict"
	ErrorUnavailable ErrorKind = "unavailable"
	ErrorPersistence ErrorKind = "persistence"
)

// StoreError is the only error type returned by Store methods.
type StoreError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == ErrorNotFound
	case ErrConflict:
		return e.Kind == ErrorConflict
	case ErrUnavailable:
		return e.Kind == ErrorUnavailable
	}
	return false
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Kind: kindOf(err), Err: err}
}

func kindOf(err error) ErrorKind {
	var connErr *pgconn.ConnectError
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrorNotFound
	case errors.Is(err, ErrConflict):
		return ErrorConflict
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &connErr):
		return ErrorUnavailable
	default:
		return ErrorPersistence
	}
}

type RejectionReason string

const (
	RejectNoteNotFinalized     RejectionReason = "note_not_finalized"
	RejectReopenReasonRequired RejectionReason = "reopen_reason_required"
	RejectInvalidTransition    RejectionReason = "invalid_transition"
)

// RejectionError is a precondition violation. It is always returned before
// anything is written.
type RejectionError struct {
	Reason  RejectionReason
	Message string
}

func (e *RejectionError) Error() string { return e.Message }

func reject(reason RejectionReason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ValidationError lists per-field problems in an edit form.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid event: " + strings.Join(parts, "; ")
}
