// Package link defines the link surface — the external collaborator the
// core consumes but never implements. A real implementation talks to the
// platform's BLE stack; this package only describes the contract: a
// characteristic-addressed byte transport with asynchronous inbound events.
package link

import "context"

// ErrorKind classifies why a Send failed.
type ErrorKind string

const (
	ErrDisconnected          ErrorKind = "disconnected"
	ErrBluetoothUnavailable  ErrorKind = "bluetooth_unavailable"
	ErrCharacteristicMissing ErrorKind = "characteristic_not_found"
	ErrBluetoothPoweredOff   ErrorKind = "bluetooth_powered_off"
	ErrQuotaExceeded         ErrorKind = "quota_exceeded"
	ErrConnectionFailed      ErrorKind = "connection_failed"
	ErrUnknown               ErrorKind = "unknown"
)

// Error is the typed error a Link.Send returns.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Permanent reports whether this class of error should abort a retry loop
// outright rather than being retried.
func (e *Error) Permanent() bool {
	switch e.Kind {
	case ErrDisconnected, ErrCharacteristicMissing, ErrBluetoothPoweredOff, ErrBluetoothUnavailable:
		return true
	default:
		return false
	}
}

// EventKind tags which variant of Event is populated.
type EventKind string

const (
	EventBytesReceived    EventKind = "bytes_received"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventWriteRequest     EventKind = "write_request_received"
)

// Event is the union of everything a Link can report asynchronously.
type Event struct {
	Kind      EventKind
	PeerID    string
	CharID    string
	ServiceID string
	Bytes     []byte
	Reason    string
}

// Link is the consumed interface between the core and a concrete BLE
// attribute-protocol driver. It distinguishes central-side (acknowledged
// write) and peripheral-side (notification) transports only insofar as the
// caller picks which CharID to address; the interface itself is symmetric.
type Link interface {
	// Send transmits bytes to peerID's charID. The returned bool reports
	// acceptance by the local transmit stack, not end-to-end delivery.
	Send(ctx context.Context, peerID, charID string, payload []byte) (bool, error)

	// Events returns the single stream of inbound events for this link
	// instance. Implementations must not fan this out to more than one
	// subscriber; the core reads it exactly once per runtime instance, so
	// inbound dispatch always uses the instance that registered the actor.
	Events() <-chan Event

	// MTU reports the negotiated maximum write length for peerID.
	MTU(peerID string) int

	// Acknowledged reports whether sends to peerID are delivered via a
	// link-layer acknowledgment (e.g. a GATT indication) rather than an
	// unacknowledged notification. When true, rpc/dispatch/reliability may
	// skip its own application-level retry loop.
	Acknowledged(peerID string) bool

	// Close releases the link's resources and stops the Events stream.
	Close() error
}
