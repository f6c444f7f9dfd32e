// Package dispatch is the single entry point for an outbound remote call.
// It decides same-process vs cross-process execution, assembles envelopes,
// and converts results back to typed bytes, leaving the concrete
// argument/return encoding to the caller.
package dispatch

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/op/go-logging"

	"github.com/1amageek/bleu/codec"
	"github.com/1amageek/bleu/rpc/dispatch/reliability"
	"github.com/1amageek/bleu/rpc/fragment"
	"github.com/1amageek/bleu/rpc/link"
	"github.com/1amageek/bleu/rpc/registry"
	"github.com/1amageek/bleu/rpc/rpcstate"
	"github.com/1amageek/bleu/rpcerr"
)

// ProxyResolver resolves a remote actor id to the peer id hosting it and the
// RPC characteristic to address, or ok=false when the id is neither local
// nor has a known proxy.
type ProxyResolver interface {
	ResolvePeer(actorID string) (peerID, charID string, ok bool)
}

// Params bundles everything a Dispatcher needs: link, state, registry, and
// timeouts are all injected rather than reached for globally, so more than
// one Dispatcher can run in the same process without sharing state.
type Params struct {
	Registry   *registry.Registry
	State      *rpcstate.Machine
	Reassembly *fragment.Reassembler
	Link       link.Link
	Proxies    ProxyResolver
	RPCTimeout time.Duration
	Retry      reliability.Options
	// Log, if non-nil, receives a warning for each inbound packet rejected
	// for a structurally invalid seq/total pair. Packets failing checksum
	// verification are dropped silently regardless, since a bad checksum is
	// the ordinary signature of noise rather than a protocol violation.
	Log *logging.Logger
}

// Dispatcher is the implementation behind bleu.ActorSystem.RemoteCall.
type Dispatcher struct {
	p Params
}

func New(p Params) *Dispatcher {
	if p.RPCTimeout == 0 {
		p.RPCTimeout = 10 * time.Second
	}
	return &Dispatcher{p: p}
}

// Call resolves recipientID to either a locally hosted actor or a remote
// proxy and invokes target on it, returning the raw result bytes, whether
// the method was void, or an error. args is already encoded by the caller;
// this package never inspects its contents. localExecute, when non-nil,
// overrides the registry's own handler for a same-process call — callers
// that don't need that hook pass nil.
func (d *Dispatcher) Call(ctx context.Context, recipientID, senderID, target string, args []byte, localExecute registry.Handler) ([]byte, bool, error) {
	callID := uuid.NewV4().String()

	envelope := codec.InvocationEnvelope{
		CallID:      callID,
		RecipientID: recipientID,
		SenderID:    senderID,
		Target:      target,
		Arguments:   args,
	}

	if actor, table, ok := d.p.Registry.Find(recipientID); ok {
		return d.callSameProcess(actor, table, envelope, localExecute)
	}

	peerID, charID, ok := d.p.Proxies.ResolvePeer(recipientID)
	if !ok {
		return nil, false, rpcerr.ActorNotFoundf(recipientID)
	}
	return d.callCrossProcess(ctx, peerID, charID, envelope)
}

// callSameProcess bypasses the link entirely: no fragmentation and no
// timeout is armed, since there is no wire round trip to time out. Ack has
// nothing to extend here, so the handler's context gives it a no-op.
func (d *Dispatcher) callSameProcess(actor interface{}, table registry.Table, envelope codec.InvocationEnvelope, localExecute registry.Handler) ([]byte, bool, error) {
	handler, ok := table[envelope.Target]
	if !ok {
		return nil, false, rpcerr.MethodNotFoundf(envelope.Target)
	}
	if localExecute != nil {
		handler = localExecute
	}

	outcome := handler(registry.HandlerContext{Ack: func() {}}, envelope.Arguments)

	if outcome.Err != nil {
		return nil, false, outcome.Err
	}
	if outcome.Void {
		return nil, true, nil
	}
	return outcome.SuccessBytes, false, nil
}

// callCrossProcess encodes, registers a pending call, fragments, transmits,
// and awaits the response.
func (d *Dispatcher) callCrossProcess(ctx context.Context, peerID, charID string, envelope codec.InvocationEnvelope) ([]byte, bool, error) {
	body, err := codec.EncodeInvocation(envelope)
	if err != nil {
		return nil, false, rpcerr.InvalidEnvelopef(err.Error())
	}

	mtu := d.p.Link.MTU(peerID)
	packets, err := fragment.Fragment(body, mtu)
	if err != nil {
		return nil, false, rpcerr.TransportFailedf("mtu too small")
	}

	await := d.p.State.Register(envelope.CallID, peerID, d.p.RPCTimeout)

	for _, pkt := range packets {
		if _, sendErr := d.p.Link.Send(ctx, peerID, charID, fragment.Pack(pkt)); sendErr != nil {
			d.p.State.CancelAllFor(peerID, rpcerr.TransportFailedf(sendErr.Error()))
			return nil, false, rpcerr.Wrap(rpcerr.TransportFailed, "failed to transmit invocation", sendErr)
		}
	}

	select {
	case resp := <-await:
		if err := resp.AsError(); err != nil {
			return nil, false, err
		}
		if resp.Kind == codec.ResultVoid {
			return nil, true, nil
		}
		return resp.Value, false, nil
	case <-ctx.Done():
		return nil, false, pkgerrors.Wrap(ctx.Err(), "remote_call context done")
	}
}

// HandleInboundPacket feeds one inbound packet toward reassembly. Once a
// stream completes, the caller decides (from the decoded envelope's shape)
// whether it is an InvocationEnvelope (peripheral-side) or a
// ResponseEnvelope (central-side) and routes it accordingly — this package
// only owns the mechanical reassembly step plus response correlation.
func (d *Dispatcher) HandleInboundPacket(peerID string, raw []byte) ([]byte, bool, error) {
	pkt, err := fragment.Unpack(raw)
	if err != nil {
		if errors.Is(err, fragment.ErrInvalidSeqTotal) && d.p.Log != nil {
			d.p.Log.Warningf("discarding packet from peer %s: %v", peerID, err)
		}
		return nil, false, nil // malformed packets are discarded, not surfaced
	}
	blob, complete := d.p.Reassembly.Ingest(peerID, pkt)
	if !complete {
		return nil, false, nil
	}
	return blob, true, nil
}

// DeliverResponse routes a fully reassembled ResponseEnvelope to the state
// machine. An ack envelope extends its call's deadline instead of
// completing it. Duplicate or late responses are dropped silently by
// Complete.
func (d *Dispatcher) DeliverResponse(blob []byte) error {
	resp, err := codec.DecodeResponse(blob)
	if err != nil {
		return nil // unparseable inbound bytes are not our protocol
	}
	if resp.Kind == codec.ResultAck {
		d.p.State.Extend(resp.CallID, d.p.RPCTimeout)
		return nil
	}
	d.p.State.Complete(resp)
	return nil
}

// Disconnect cancels every outstanding call to peerID and drops its
// reassembly state.
func (d *Dispatcher) Disconnect(peerID string) {
	d.p.State.CancelAllFor(peerID, rpcerr.ErrDisconnected)
	d.p.Reassembly.DropPeer(peerID)
}

// Shutdown cancels everything outstanding.
func (d *Dispatcher) Shutdown() {
	d.p.State.CancelAll(rpcerr.ErrCancelled)
}
