// Package rpcstate is the RPC state machine: the per-instance registry of
// in-flight outbound calls, correlated by call-id, with per-peer bulk
// cancellation and timeout scheduling. Each pending call is backed by an
// LRU-cache-backed de-dup window and a buffered callback channel, guarded by
// one mutex, so a late or duplicate response for a call this instance no
// longer tracks can be recognized and dropped instead of mishandled.
package rpcstate

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/1amageek/bleu/codec"
	"github.com/1amageek/bleu/rpcerr"
)

// pending is one outstanding outbound call.
type pending struct {
	callID   string
	peerID   string
	await    chan codec.ResponseEnvelope
	timer    *time.Timer
	once     sync.Once // guards the single atomic take: only one of a real response, a timeout, or a cancellation may ever complete this call
	deadline time.Time  // when timer is due to fire; Extend moves it later
	extended bool       // Extend has already fired once for this call
}

func (p *pending) complete(resp codec.ResponseEnvelope) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.await <- resp
		close(p.await)
	})
}

func (p *pending) completeErr(err *rpcerr.Error) {
	p.complete(codec.Failure(p.callID, err))
}

// dedupWindow bounds how many recently-completed call ids are remembered so
// a duplicate or late response can be recognized and silently dropped
// without the set growing forever.
const dedupWindow = 4096

// Machine owns the pending-call registry, the per-peer index, and the
// recently-completed de-dup set. Exactly one of these exists per runtime
// instance; none of its state is package-level.
type Machine struct {
	mu        sync.Mutex
	pending   map[string]*pending    // call_id -> pending
	byPeer    map[string]map[string]struct{} // peer_id -> set<call_id>
	completed *lru.Cache                     // call_id -> struct{}, recently completed/dropped
	onTimeout func(callID, peerID string)    // hook so the reassembly buffer can be purged
}

// New builds an empty Machine. onTimeout, if non-nil, is invoked whenever a
// call times out, so callers can purge any reassembly buffer that would have
// carried the response.
func New(onTimeout func(callID, peerID string)) *Machine {
	return &Machine{
		pending:   make(map[string]*pending),
		byPeer:    make(map[string]map[string]struct{}),
		completed: lru.New(dedupWindow),
		onTimeout: onTimeout,
	}
}

// Register creates a pending-call record for callID addressed to peerID and
// arms a timeout for timeout. It returns a channel that receives exactly one
// ResponseEnvelope: a real response, a synthesized timeout failure, or a
// synthesized cancellation/disconnection failure from CancelAllFor.
func (m *Machine) Register(callID, peerID string, timeout time.Duration) <-chan codec.ResponseEnvelope {
	p := &pending{
		callID:   callID,
		peerID:   peerID,
		await:    make(chan codec.ResponseEnvelope, 1),
		deadline: time.Now().Add(timeout),
	}

	m.mu.Lock()
	m.pending[callID] = p
	if m.byPeer[peerID] == nil {
		m.byPeer[peerID] = make(map[string]struct{})
	}
	m.byPeer[peerID][callID] = struct{}{}
	m.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		m.reap(callID)
		p.completeErr(rpcerr.ErrTimeout)
		if m.onTimeout != nil {
			m.onTimeout(callID, peerID)
		}
	})

	return p.await
}

// reap removes callID from both indexes without completing its awaiter;
// callers complete it themselves so the single-take semantics stay in one
// place (pending.complete).
func (m *Machine) reap(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[callID]
	if !ok {
		return
	}
	delete(m.pending, callID)
	if set, ok := m.byPeer[p.peerID]; ok {
		delete(set, callID)
		if len(set) == 0 {
			delete(m.byPeer, p.peerID)
		}
	}
	m.completed.Add(callID, struct{}{})
}

// Extend pushes callID's deadline out by another by, provided callID is
// still pending and has not already been extended once. It reports whether
// the deadline was actually pushed out; a false return means the call had
// already completed, already used its one extension, or the timer had
// already fired and is racing Extend to completion. A handler signals this
// through an Ack on its invocation context while it keeps working past what
// would otherwise be its caller's timeout.
func (m *Machine) Extend(callID string, by time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[callID]
	if !ok || p.extended || p.timer == nil {
		return false
	}
	p.extended = true
	p.deadline = p.deadline.Add(by)
	return p.timer.Reset(time.Until(p.deadline))
}

// Complete delivers response to its matching pending call, if any. A
// response for a call-id that is absent — already completed, timed out, or
// never registered — is dropped silently.
func (m *Machine) Complete(response codec.ResponseEnvelope) {
	m.mu.Lock()
	p, ok := m.pending[response.CallID]
	if ok {
		delete(m.pending, response.CallID)
		if set, ok := m.byPeer[p.peerID]; ok {
			delete(set, response.CallID)
			if len(set) == 0 {
				delete(m.byPeer, p.peerID)
			}
		}
		m.completed.Add(response.CallID, struct{}{})
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	p.complete(response)
}

// CancelAllFor completes every awaiter currently registered against peerID
// with err, and clears their records. Used for both disconnect and runtime
// shutdown.
func (m *Machine) CancelAllFor(peerID string, err *rpcerr.Error) {
	m.mu.Lock()
	ids := m.byPeer[peerID]
	victims := make([]*pending, 0, len(ids))
	for callID := range ids {
		if p, ok := m.pending[callID]; ok {
			victims = append(victims, p)
			delete(m.pending, callID)
		}
		m.completed.Add(callID, struct{}{})
	}
	delete(m.byPeer, peerID)
	m.mu.Unlock()

	for _, p := range victims {
		p.completeErr(err)
	}
}

// CancelAll completes every outstanding call in the Machine with err,
// regardless of peer. Used when the runtime itself is shutting down.
func (m *Machine) CancelAll(err *rpcerr.Error) {
	m.mu.Lock()
	victims := make([]*pending, 0, len(m.pending))
	for callID, p := range m.pending {
		victims = append(victims, p)
		m.completed.Add(callID, struct{}{})
	}
	m.pending = make(map[string]*pending)
	m.byPeer = make(map[string]map[string]struct{})
	m.mu.Unlock()

	for _, p := range victims {
		p.completeErr(err)
	}
}

// WasRecentlyCompleted reports whether callID was completed, timed out, or
// cancelled recently — used to distinguish a genuine duplicate response from
// an envelope for a call-id this Machine never heard of at all.
func (m *Machine) WasRecentlyCompleted(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completed.Get(callID)
	return ok
}

// Outstanding reports the number of in-flight calls, for tests and metrics.
func (m *Machine) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
