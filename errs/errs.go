// Package errs provides the structured error envelope shared by the stream engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a stream error category.
type Code string

const (
	// CodeUnknownChannel marks a data frame whose channel id is not registered.
	CodeUnknownChannel Code = "unknown_channel"
	// CodeDuplicateChannel marks a channel id already bound to another subscription.
	CodeDuplicateChannel Code = "duplicate_channel"
	// CodeSubscribeTimeout marks a subscribe request that was never acknowledged.
	CodeSubscribeTimeout Code = "subscribe_timeout"
	// CodeUnsubscribeTimeout marks an unsubscribe request that was never acknowledged.
	CodeUnsubscribeTimeout Code = "unsubscribe_timeout"
	// CodeSubscribeRejected marks a venue error frame answering a pending request.
	CodeSubscribeRejected Code = "subscribe_rejected"
	// CodeMalformedFrame marks an inbound frame of unrecognised shape.
	CodeMalformedFrame Code = "malformed_frame"
	// CodeAlreadySubscribing marks a subscribe issued while one is active or pending.
	CodeAlreadySubscribing Code = "already_subscribing"
	// CodeNotSubscribed marks an unsubscribe issued outside the active state.
	CodeNotSubscribed Code = "not_subscribed"
	// CodeConnectionLost marks requests abandoned because the connection dropped.
	CodeConnectionLost Code = "connection_lost"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
)

// CanonicalCode groups codes by how the engine reacts to them.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalWarning marks conditions that drop a frame and keep going.
	CanonicalWarning CanonicalCode = "warning"
	// CanonicalProtocol marks venue behaviour inconsistent with the protocol.
	CanonicalProtocol CanonicalCode = "protocol"
	// CanonicalCaller marks failures surfaced to the caller of subscribe/unsubscribe.
	CanonicalCaller CanonicalCode = "caller"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
)

var (
	// ErrUnknownChannel matches any envelope carrying CodeUnknownChannel.
	ErrUnknownChannel = &E{Code: CodeUnknownChannel}
	// ErrDuplicateChannel matches any envelope carrying CodeDuplicateChannel.
	ErrDuplicateChannel = &E{Code: CodeDuplicateChannel}
	// ErrSubscribeTimeout matches any envelope carrying CodeSubscribeTimeout.
	ErrSubscribeTimeout = &E{Code: CodeSubscribeTimeout}
	// ErrUnsubscribeTimeout matches any envelope carrying CodeUnsubscribeTimeout.
	ErrUnsubscribeTimeout = &E{Code: CodeUnsubscribeTimeout}
	// ErrSubscribeRejected matches any envelope carrying CodeSubscribeRejected.
	ErrSubscribeRejected = &E{Code: CodeSubscribeRejected}
	// ErrMalformedFrame matches any envelope carrying CodeMalformedFrame.
	ErrMalformedFrame = &E{Code: CodeMalformedFrame}
	// ErrAlreadySubscribing matches any envelope carrying CodeAlreadySubscribing.
	ErrAlreadySubscribing = &E{Code: CodeAlreadySubscribing}
	// ErrNotSubscribed matches any envelope carrying CodeNotSubscribed.
	ErrNotSubscribed = &E{Code: CodeNotSubscribed}
	// ErrConnectionLost matches any envelope carrying CodeConnectionLost.
	ErrConnectionLost = &E{Code: CodeConnectionLost}
)

// E captures structured error information produced across the engine.
type E struct {
	Exchange      string
	Code          Code
	RawCode       string
	RawMsg        string
	Message       string
	Canonical     CanonicalCode
	VenueMetadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:      strings.TrimSpace(exchange),
		Code:          code,
		RawCode:       "",
		RawMsg:        "",
		Message:       "",
		Canonical:     defaultCanonical(code),
		VenueMetadata: nil,
		cause:         nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func defaultCanonical(code Code) CanonicalCode {
	switch code {
	case CodeUnknownChannel, CodeMalformedFrame:
		return CanonicalWarning
	case CodeDuplicateChannel:
		return CanonicalProtocol
	case CodeSubscribeTimeout, CodeUnsubscribeTimeout, CodeSubscribeRejected,
		CodeAlreadySubscribing, CodeNotSubscribed, CodeConnectionLost:
		return CanonicalCaller
	default:
		return CanonicalUnknown
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode overrides the canonical category derived from the code.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code != "" && e.Code == t.Code
}

// Warning reports whether err is an envelope classified as a non-fatal warning.
func Warning(err error) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Canonical == CanonicalWarning
}
