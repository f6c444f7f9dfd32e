package bleu

import (
	uuid "github.com/satori/go.uuid"

	"github.com/1amageek/bleu/rpc/registry"
)

// NewActorID mints a fresh 128-bit actor identity, text-encoded.
func NewActorID() string {
	return uuid.NewV4().String()
}

// ActorRef names one actor, local or remote, without ever holding an edge
// back into the registry — a ref is nothing but an id; the ActorSystem it is
// passed to decides whether the actor it names is local or proxied.
type ActorRef struct {
	ID string
}

// MethodTableBuilder collects (method_identifier, handler) pairs at actor
// construction time. The method identifier is opaque — callers must use
// exactly the string their platform's call site produces; this type never
// interprets it.
type MethodTableBuilder struct {
	table registry.Table
}

func NewMethodTableBuilder() *MethodTableBuilder {
	return &MethodTableBuilder{table: make(registry.Table)}
}

// Handle registers handler under the opaque method identifier.
func (b *MethodTableBuilder) Handle(methodIdentifier string, handler registry.Handler) *MethodTableBuilder {
	b.table[methodIdentifier] = handler
	return b
}

// Build returns the finished table, ready for ActorSystem.Register.
func (b *MethodTableBuilder) Build() registry.Table {
	return b.table
}

// Success, Void, and Failure build a registry.Outcome, matching the three
// shapes a ResponseEnvelope can take.
func Success(bytes []byte) registry.Outcome { return registry.Outcome{SuccessBytes: bytes} }
func Void() registry.Outcome                { return registry.Outcome{Void: true} }
func Failure(err error) registry.Outcome    { return registry.Outcome{Err: err} }
