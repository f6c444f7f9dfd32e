package bleu

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/1amageek/bleu/codec"
	"github.com/1amageek/bleu/rpc/dispatch/reliability"
	"github.com/1amageek/bleu/rpc/registry"
	"github.com/1amageek/bleu/rpcerr"
)

// envelopeKind peeks at just enough of a decoded JSON blob to tell an
// InvocationEnvelope from a ResponseEnvelope without committing to either
// shape. A ResponseEnvelope always carries a non-empty "kind"; an
// InvocationEnvelope never does, since codec.ResultKind has no member an
// invocation would ever set.
type envelopeKind struct {
	Kind string `json:"kind"`
}

// handleInboundPacket feeds one inbound link packet through reassembly and,
// once its stream completes, routes the resulting envelope to whichever
// side of the protocol it belongs to. Malformed packets and unparseable
// reassembled blobs are discarded silently — a stray write to this
// characteristic from something that isn't speaking this protocol must
// never be allowed to wedge the runtime.
func (s *ActorSystem) handleInboundPacket(peerID, charID string, raw []byte) {
	blob, complete, err := s.disp.HandleInboundPacket(peerID, raw)
	if err != nil || !complete {
		return
	}

	var peek envelopeKind
	if json.Unmarshal(blob, &peek) != nil {
		return
	}
	if peek.Kind != "" {
		s.disp.DeliverResponse(blob)
		return
	}
	s.handleInboundInvocation(peerID, charID, blob)
}

// handleInboundInvocation decodes an invocation, resolves the recipient in
// the local registry, looks up its handler for target, invokes it, wraps
// the outcome as a ResponseEnvelope, and sends it back through the
// reliability layer. A blob that does not decode as an invocation is dropped
// silently; every failure after a successful decode becomes a failure
// ResponseEnvelope rather than a dropped packet, so the caller isn't left
// waiting out its own rpc_timeout to find out.
func (s *ActorSystem) handleInboundInvocation(peerID, charID string, blob []byte) {
	inv, err := codec.DecodeInvocation(blob)
	if err != nil {
		return
	}

	response := s.executeInvocation(peerID, charID, inv)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
	defer cancel()

	mtu := s.link.MTU(peerID)
	if mtu <= 0 {
		mtu = s.cfg.DefaultWriteLen
	}
	if err := reliability.SendResponse(ctx, s.link, s.cfg.retryOptions(), peerID, charID, inv.CallID, response, mtu); err != nil {
		s.log.Warningf("failed to deliver response for call %s to peer %s: %v", inv.CallID, peerID, err)
	}
}

// sendAck transmits a single best-effort ack envelope for callID, letting
// the caller's state machine extend its own deadline. It never returns an
// error to the handler that requested it; a lost ack just means the call
// times out normally.
func (s *ActorSystem) sendAck(peerID, charID, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
	defer cancel()
	mtu := s.link.MTU(peerID)
	if mtu <= 0 {
		mtu = s.cfg.DefaultWriteLen
	}
	if err := reliability.SendResponse(ctx, s.link, s.cfg.retryOptions(), peerID, charID, callID, codec.Ack(callID), mtu); err != nil {
		s.log.Warningf("failed to deliver ack for call %s to peer %s: %v", callID, peerID, err)
	}
}

// executeInvocation resolves and runs the handler, translating every
// failure mode — actor not found, method not found, handler error — into
// the matching rpcerr.Kind. The handler's Ack is wired to send a real ack
// envelope back to peerID/charID, once, if the handler calls it.
func (s *ActorSystem) executeInvocation(peerID, charID string, inv codec.InvocationEnvelope) codec.ResponseEnvelope {
	if inv.RecipientID == "" {
		return codec.Failure(inv.CallID, rpcerr.InvalidEnvelopef("missing recipient_id"))
	}

	_, table, ok := s.reg.Find(inv.RecipientID)
	if !ok {
		return codec.Failure(inv.CallID, rpcerr.ActorNotFoundf(inv.RecipientID))
	}

	handler, ok := table[inv.Target]
	if !ok {
		return codec.Failure(inv.CallID, rpcerr.MethodNotFoundf(inv.Target))
	}

	var ackOnce sync.Once
	hc := registry.HandlerContext{
		Ack: func() {
			ackOnce.Do(func() { go s.sendAck(peerID, charID, inv.CallID) })
		},
	}

	outcome := handler(hc, inv.Arguments)
	if outcome.Err != nil {
		if rerr, ok := rpcerr.As(outcome.Err); ok {
			return codec.Failure(inv.CallID, rerr)
		}
		return codec.Failure(inv.CallID, rpcerr.Wrap(rpcerr.ExecutionFailed, "handler failed", outcome.Err))
	}
	if outcome.Void {
		return codec.Void(inv.CallID)
	}
	return codec.Success(inv.CallID, outcome.SuccessBytes)
}
