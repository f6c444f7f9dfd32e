// Package rpcerr defines the tagged error taxonomy that crosses the wire in
// a ResponseEnvelope's failure case and is reconstituted as a typed Go error
// on the calling side.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind names one of the error categories a remote call can fail with. It is
// the tag half of the on-wire (kind, message, underlying) triple.
type Kind string

const (
	ActorNotFound   Kind = "actor_not_found"
	MethodNotFound  Kind = "method_not_found"
	InvalidEnvelope Kind = "invalid_envelope"
	ExecutionFailed Kind = "execution_failed"
	Timeout         Kind = "timeout"
	TransportFailed Kind = "transport_failed"
	Disconnected    Kind = "disconnected"
	Cancelled       Kind = "cancelled"
)

// Error is the typed, wire-roundtrippable error every remote_call either
// returns or fails with. Message is human-readable; Underlying, when
// present, carries a causing error's text (never a live error value, since
// it must survive JSON).
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Underlying string `json:"underlying,omitempty"`
}

func (e *Error) Error() string {
	if e.Underlying != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, underlying error) *Error {
	e := &Error{Kind: kind, Message: message}
	if underlying != nil {
		e.Underlying = underlying.Error()
	}
	return e
}

func ActorNotFoundf(actorID string) *Error {
	return New(ActorNotFound, "no local actor "+actorID)
}

func MethodNotFoundf(target string) *Error {
	return New(MethodNotFound, "no method "+target)
}

func InvalidEnvelopef(reason string) *Error {
	return New(InvalidEnvelope, reason)
}

func TransportFailedf(reason string) *Error {
	return New(TransportFailed, reason)
}

var (
	ErrTimeout      = New(Timeout, "rpc timed out waiting for response")
	ErrDisconnected = New(Disconnected, "peer disconnected mid-call")
	ErrCancelled    = New(Cancelled, "runtime shutting down")
)

// As reports whether err (or something it wraps) is an *Error, mirroring the
// standard errors.As contract so callers can pull the Kind back out.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
