// Package codec defines the two wire records the core core passes between a
// central and a peripheral — InvocationEnvelope and ResponseEnvelope — and
// the canonical JSON encoding both endpoints agree on. The encoding is
// pluggable in principle (spec says so); this is the one concrete default.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/1amageek/bleu/rpcerr"
)

// InvocationEnvelope is the immutable record carried from caller to callee.
type InvocationEnvelope struct {
	CallID      string            `json:"call_id"`
	RecipientID string            `json:"recipient_id"`
	SenderID    string            `json:"sender_id,omitempty"`
	Target      string            `json:"target"`
	Arguments   []byte            `json:"arguments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ResultKind tags which of the three ResponseEnvelope outcomes is present.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultVoid    ResultKind = "void"
	ResultFailure ResultKind = "failure"
	// ResultAck carries no value; it tells the caller a handler is still
	// running and its deadline should be pushed out rather than expiring.
	ResultAck ResultKind = "ack"
)

// ResponseEnvelope is the immutable record carried from callee back to
// caller. Result is exactly one of success/void/failure, or an ack that
// carries no result; the Kind field disambiguates at decode time since JSON
// has no native sum type.
type ResponseEnvelope struct {
	CallID string        `json:"call_id"`
	Kind   ResultKind    `json:"kind"`
	Value  []byte        `json:"value,omitempty"`
	Err    *rpcerr.Error `json:"error,omitempty"`
}

func Success(callID string, value []byte) ResponseEnvelope {
	return ResponseEnvelope{CallID: callID, Kind: ResultSuccess, Value: value}
}

func Void(callID string) ResponseEnvelope {
	return ResponseEnvelope{CallID: callID, Kind: ResultVoid}
}

func Failure(callID string, err *rpcerr.Error) ResponseEnvelope {
	return ResponseEnvelope{CallID: callID, Kind: ResultFailure, Err: err}
}

func Ack(callID string) ResponseEnvelope {
	return ResponseEnvelope{CallID: callID, Kind: ResultAck}
}

// AsError reconstitutes the typed failure, or nil when this response carried
// a value (or void).
func (r ResponseEnvelope) AsError() error {
	if r.Kind != ResultFailure {
		return nil
	}
	if r.Err == nil {
		return rpcerr.New(rpcerr.ExecutionFailed, "unspecified failure")
	}
	return r.Err
}

// EncodeInvocation/DecodeInvocation and EncodeResponse/DecodeResponse are the
// canonical codec. A user who wants a more compact wire format replaces these
// four functions and also bleu's inbound routing, which reads the JSON "kind"
// field of a reassembled blob directly to tell responses from invocations.
func EncodeInvocation(e InvocationEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeInvocation(b []byte) (InvocationEnvelope, error) {
	var e InvocationEnvelope
	if err := json.Unmarshal(b, &e); err != nil {
		return InvocationEnvelope{}, fmt.Errorf("decode invocation envelope: %w", err)
	}
	return e, nil
}

func EncodeResponse(r ResponseEnvelope) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeResponse(b []byte) (ResponseEnvelope, error) {
	var r ResponseEnvelope
	if err := json.Unmarshal(b, &r); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("decode response envelope: %w", err)
	}
	return r, nil
}
