// Package errs provides structured error types and helpers for gridfeed services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a feed-layer error category.
type Code string

const (
	// CodeConnection indicates a transport handshake or dial failure.
	CodeConnection Code = "connection"
	// CodeProtocol indicates an unparseable or malformed frame.
	CodeProtocol Code = "protocol"
	// CodeSend indicates a publish attempted while not connected.
	CodeSend Code = "send"
	// CodeDuplicateProvider indicates a provider id collision on creation.
	CodeDuplicateProvider Code = "duplicate_provider"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is shut down or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the gridfeed stack.
type E struct {
	Source   string
	Code     Code
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source component and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:   strings.TrimSpace(source),
		Code:     code,
		Message:  "",
		Metadata: nil,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether the target is an *E carrying the same code.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// IsCode reports whether err (or anything it wraps, including joined errors)
// carries the given code. errors.Is walks every branch of a joined tree and
// defers to (*E).Is for the code comparison.
func IsCode(err error, code Code) bool {
	return errors.Is(err, &E{Code: code})
}
