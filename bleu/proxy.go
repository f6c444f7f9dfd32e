package bleu

import (
	"encoding/json"
	"fmt"
	"sync"
)

// route is where a remote actor_id currently lives: which peer, and which
// characteristic on that peer carries the RPC protocol.
type route struct {
	peerID string
	charID string
}

// proxyManager resolves a remote actor id to the peer/characteristic a
// cross-process call should address. It holds no edge back into the
// instance registry — a proxy is nothing but this lookup plus a dispatcher
// reference.
type proxyManager struct {
	mu     sync.RWMutex
	routes map[string]route
}

func newProxyManager() *proxyManager {
	return &proxyManager{routes: make(map[string]route)}
}

// Bind records that actorID is reachable via peerID's charID. Called once a
// proxy has been resolved by the (out-of-scope) discovery/advertising
// façade and handed to this runtime.
func (pm *proxyManager) Bind(actorID, peerID, charID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.routes[actorID] = route{peerID: peerID, charID: charID}
}

// Unbind removes actorID's route, e.g. once its hosting peer disconnects.
func (pm *proxyManager) Unbind(actorID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.routes, actorID)
}

// UnbindPeer removes every route pointing at peerID.
func (pm *proxyManager) UnbindPeer(peerID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for id, r := range pm.routes {
		if r.peerID == peerID {
			delete(pm.routes, id)
		}
	}
}

// ResolvePeer implements dispatch.ProxyResolver.
func (pm *proxyManager) ResolvePeer(actorID string) (peerID, charID string, ok bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	r, ok := pm.routes[actorID]
	return r.peerID, r.charID, ok
}

// Encoder is the pluggable step that turns a target method identifier (plus
// whatever typed arguments the caller closed over) into the bytes carried
// as InvocationEnvelope.Arguments. The core does not mandate a specific byte
// encoding for envelopes; both endpoints must agree on one. The default
// JSONEncoder below is provided for convenience.
type Encoder interface {
	// RecordTarget is called once, before Encode, so encoders that need to
	// know the target ahead of encoding (e.g. to pick a schema) can record
	// it. Most encoders can ignore it.
	RecordTarget(target string)
	// Encode produces the argument bytes and the recipient id the encoder
	// believes it is addressing. A well-behaved encoder's recipientID
	// always equals the id it was constructed for; RemoteCall rejects a
	// mismatch with invalid_envelope.
	Encode() (recipientID string, args []byte, err error)
}

// JSONEncoder is the default Encoder: it marshals Args as JSON and always
// reports the recipient id it was built with.
type JSONEncoder struct {
	RecipientID string
	Args        interface{}
}

func (e *JSONEncoder) RecordTarget(string) {}

func (e *JSONEncoder) Encode() (string, []byte, error) {
	if e.Args == nil {
		return e.RecipientID, nil, nil
	}
	b, err := json.Marshal(e.Args)
	if err != nil {
		return "", nil, fmt.Errorf("bleu: encode arguments: %w", err)
	}
	return e.RecipientID, b, nil
}
