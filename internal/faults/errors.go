package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid state")
	ErrNotFound           = errors.New("not found")
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")
	ErrTransient          = errors.New("transient failure")
	ErrTimeout            = errors.New("timeout")
	ErrFatal              = errors.New("fatal failure")
	ErrRateLimited        = errors.New("rate limited")
	ErrConfiguration      = errors.New("configuration error")
)

// Kind is a stable, log-friendly name for a marker.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindInvalidState       Kind = "invalid_state"
	KindNotFound           Kind = "not_found"
	KindCheckpointMismatch Kind = "checkpoint_mismatch"
	KindTransient          Kind = "transient"
	KindTimeout            Kind = "timeout"
	KindFatal              Kind = "fatal"
	KindRateLimited        Kind = "rate_limited"
	KindConfiguration      Kind = "configuration"
	KindUnknown            Kind = "unknown"
)

var markerKinds = []struct {
	marker error
	kind   Kind
	hint   string
}{
	{ErrInvalidInput, KindInvalidInput, "fix the request payload and retry"},
	{ErrInvalidState, KindInvalidState, "check the run status before retrying the operation"},
	{ErrNotFound, KindNotFound, "verify the pipeline id"},
	{ErrCheckpointMismatch, KindCheckpointMismatch, "the stage registry changed since the checkpoint was written; start a new run"},
	{ErrTimeout, KindTimeout, "the agent or service did not answer in time; check its health"},
	{ErrTransient, KindTransient, "the operation may succeed when retried"},
	{ErrFatal, KindFatal, "inspect the agent output; resume once the cause is fixed"},
	{ErrRateLimited, KindRateLimited, "slow down trigger requests"},
	{ErrConfiguration, KindConfiguration, "check the configuration file"},
}

// Error is a classified failure carrying component and operation context.
type Error struct {
	Marker    error
	Component string
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Component, e.Operation, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Marker, detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Marker, detail)
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Marker, e.Cause}
	}
	return []error{e.Marker}
}

// Wrap tags err with marker and the component/operation that produced it.
// A nil marker is treated as ErrTransient.
func Wrap(marker error, component, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{
		Marker:    marker,
		Component: strings.TrimSpace(component),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// Detail is the structured view of a classified error used in log fields.
type Detail struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts classification fields from err.
func Details(err error) Detail {
	if err == nil {
		return Detail{}
	}
	detail := Detail{Kind: KindOf(err), Hint: HintFor(err)}
	var classified *Error
	if errors.As(err, &classified) {
		detail.Component = classified.Component
		detail.Operation = classified.Operation
		detail.Message = classified.Message
		detail.Cause = classified.Cause
	}
	if detail.Message == "" {
		detail.Message = err.Error()
	}
	return detail
}

// KindOf returns the kind of the first marker matched by err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	for _, entry := range markerKinds {
		if errors.Is(err, entry.marker) {
			return entry.kind
		}
	}
	return KindUnknown
}

// HintFor returns an operator-facing next step for err.
func HintFor(err error) string {
	for _, entry := range markerKinds {
		if errors.Is(err, entry.marker) {
			return entry.hint
		}
	}
	return "check logs for details"
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "operation failed"
	}
	return strings.Join(parts, ": ")
}
