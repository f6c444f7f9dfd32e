package bleu

import (
	"context"
	"fmt"
	"sync"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/1amageek/bleu/rpc/dispatch"
	"github.com/1amageek/bleu/rpc/fragment"
	"github.com/1amageek/bleu/rpc/link"
	"github.com/1amageek/bleu/rpc/registry"
	"github.com/1amageek/bleu/rpc/rpcstate"
	"github.com/1amageek/bleu/rpcerr"
)

// ActorSystem is one runtime instance: one registry, one RPC state machine,
// one reassembler, one dispatcher, and exactly one goroutine draining the
// underlying Link's event stream. Nothing here is package-level — two
// ActorSystems can share a process without seeing any of each other's
// state.
type ActorSystem struct {
	cfg     Config
	log     *logging.Logger
	link    link.Link
	proxies *proxyManager
	reg     *registry.Registry
	state   *rpcstate.Machine
	reasm   *fragment.Reassembler
	disp    *dispatch.Dispatcher

	defaultCharID string

	mu       sync.Mutex
	shutdown bool
	done     chan struct{}
}

// NewActorSystem wires every layer together — fragment codec first (no
// dependencies), then the external Link, then registry/state, then the
// dispatcher composing all of them — and starts the single inbound event
// pump. defaultCharID is the RPC characteristic this system both listens on
// and addresses outbound packets to; a runtime that speaks more than one
// characteristic can run one ActorSystem per characteristic.
func NewActorSystem(l link.Link, cfg Config, log *logging.Logger, defaultCharID string) *ActorSystem {
	if log == nil {
		log = logging.MustGetLogger("bleu")
	}

	s := &ActorSystem{
		cfg:           cfg,
		log:           log,
		link:          l,
		proxies:       newProxyManager(),
		reg:           registry.New(),
		reasm:         fragment.NewReassembler(cfg.ReassemblyTimeout, cfg.CleanupInterval),
		defaultCharID: defaultCharID,
		done:          make(chan struct{}),
	}

	s.state = rpcstate.New(func(callID, peerID string) {
		s.log.Debugf("rpc call %s to peer %s timed out", callID, peerID)
		// The response stream for this call, if one was ever opened, is
		// derived from callID (see reliability.responseStreamID); drop it
		// now rather than leaving it for the reassembly age sweep.
		if streamID, err := uuid.FromString(callID); err == nil {
			s.reasm.Drop(peerID, streamID)
		}
	})

	s.disp = dispatch.New(dispatch.Params{
		Registry:   s.reg,
		State:      s.state,
		Reassembly: s.reasm,
		Link:       l,
		Proxies:    s.proxies,
		RPCTimeout: cfg.RPCTimeout,
		Retry:      cfg.retryOptions(),
		Log:        log,
	})

	go recoverToLog(s.log, s.pumpEvents)
	return s
}

// Register hosts actor locally under actorID with the given method table
// and returns a ref usable in RemoteCall and same-process calls alike.
func (s *ActorSystem) Register(actorID string, actor interface{}, table registry.Table) ActorRef {
	s.reg.Register(actorID, actor, table)
	return ActorRef{ID: actorID}
}

// Unregister stops hosting actorID locally. It does not cancel any
// cross-process call already in flight toward it; that is left to the
// application.
func (s *ActorSystem) Unregister(actorID string) {
	s.reg.Unregister(actorID)
}

// BindRemote records that actorID is reachable via peerID's charID. This is
// the wiring step a discovery/advertising façade performs once it has
// resolved a proxy for a remote actor.
func (s *ActorSystem) BindRemote(actorID, peerID, charID string) ActorRef {
	s.proxies.Bind(actorID, peerID, charID)
	return ActorRef{ID: actorID}
}

// RemoteCall performs a remote call end to end: a same-process recipient is
// invoked directly with no fragmentation or timeout; anything else is
// routed through whatever proxy BindRemote registered for its peer,
// fragmented to the peer's negotiated MTU, and awaited under
// cfg.RPCTimeout. encoder is the sole seam for argument/result typing; a
// mismatch between the encoder's claimed recipient and ref.ID fails closed
// with invalid_envelope rather than silently addressing the wrong actor.
func (s *ActorSystem) RemoteCall(ctx context.Context, senderID string, ref ActorRef, target string, encoder Encoder) ([]byte, bool, error) {
	encoder.RecordTarget(target)
	recipientID, args, err := encoder.Encode()
	if err != nil {
		return nil, false, rpcerr.InvalidEnvelopef(err.Error())
	}
	if recipientID != ref.ID {
		return nil, false, rpcerr.InvalidEnvelopef(fmt.Sprintf(
			"encoder produced recipient_id %q but actor_ref.id is %q", recipientID, ref.ID))
	}
	return s.disp.Call(ctx, ref.ID, senderID, target, args, nil)
}

// Disconnect tears down everything addressed to peerID: outstanding calls
// fail with disconnected, in-flight reassembly toward it is dropped, and
// any proxy routes through it are removed.
func (s *ActorSystem) Disconnect(peerID string) {
	s.disp.Disconnect(peerID)
	s.proxies.UnbindPeer(peerID)
}

// Shutdown cancels every outstanding call, stops the reassembly sweep, and
// stops the inbound event pump. It does not close the underlying Link; the
// caller constructed it and owns its lifetime. Safe to call more than once.
func (s *ActorSystem) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.disp.Shutdown()
	s.reasm.Close()
	close(s.done)
}

// pumpEvents is the single goroutine reading the Link's event stream. Having
// exactly one reader, owned by this ActorSystem alone, is what guarantees
// inbound dispatch always uses the instance that registered the actor.
func (s *ActorSystem) pumpEvents() {
	for {
		select {
		case ev, ok := <-s.link.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-s.done:
			return
		}
	}
}

func (s *ActorSystem) handleEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventPeerDisconnected:
		s.Disconnect(ev.PeerID)
	case link.EventBytesReceived, link.EventWriteRequest:
		charID := ev.CharID
		if charID == "" {
			charID = s.defaultCharID
		}
		go recoverToLog(s.log, func() { s.handleInboundPacket(ev.PeerID, charID, ev.Bytes) })
	}
}
