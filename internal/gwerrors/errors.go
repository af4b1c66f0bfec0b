// Package gwerrors defines the gateway's error taxonomy: a small set of
// sentinel kinds plus an HTTP-facing envelope that never leaks raw error
// text or stack traces to a client.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy's error classes.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindAllBusy             Kind = "all_busy"
	KindTuneFailed          Kind = "tune_failed"
	KindCaptureFailed       Kind = "capture_failed"
	KindControlDisconnected Kind = "control_disconnected"
	KindFatal               Kind = "fatal"
)

// Sentinels tested with errors.Is; wrap with fmt.Errorf("...: %w", ErrX) for context.
var (
	ErrNotFound            = errors.New("channel not found")
	ErrAllBusy             = errors.New("all tuners busy")
	ErrTuneFailed          = errors.New("tune failed")
	ErrCaptureFailed       = errors.New("capture failed")
	ErrControlDisconnected = errors.New("control plane disconnected")
)

// kindOf maps a sentinel to its taxonomy Kind and default HTTP status.
func kindOf(err error) (Kind, int) {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound, http.StatusNotFound
	case errors.Is(err, ErrAllBusy):
		return KindAllBusy, http.StatusServiceUnavailable
	case errors.Is(err, ErrTuneFailed):
		return KindTuneFailed, http.StatusBadGateway
	case errors.Is(err, ErrCaptureFailed):
		return KindCaptureFailed, http.StatusBadGateway
	case errors.Is(err, ErrControlDisconnected):
		return KindControlDisconnected, http.StatusBadGateway
	default:
		return KindFatal, http.StatusInternalServerError
	}
}

// Envelope is the stable JSON shape written for any user-visible failure.
type Envelope struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Classify turns any error into its HTTP status and envelope, never
// including the underlying error's full text beyond a short message.
func Classify(err error) (int, Envelope) {
	kind, status := kindOf(err)
	msg := string(kind)
	switch kind {
	case KindNotFound:
		msg = "channel not found"
	case KindAllBusy:
		msg = "all tuners busy, retry shortly"
	case KindTuneFailed:
		msg = "tune failed"
	case KindCaptureFailed:
		msg = "capture pipeline failed"
	case KindControlDisconnected:
		msg = "control plane disconnected"
	default:
		msg = "internal error"
	}
	return status, Envelope{Kind: kind, Message: msg}
}

// Fatalf builds a KindFatal error for startup failures (§7).
func Fatalf(format string, args ...any) error {
	return fmt.Errorf("fatal: "+format, args...)
}
