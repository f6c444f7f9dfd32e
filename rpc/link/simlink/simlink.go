// Package simlink is an in-memory, scripted link.Link used by every test in
// this repository in place of a real radio: a peer link with programmable
// loss and disconnects, driven by an injector function rather than an
// actual BLE stack.
package simlink

import (
	"context"
	"errors"
	"sync"

	"github.com/1amageek/bleu/rpc/link"
)

// Injector decides what happens to the attempt'th Send on a characteristic
// of this link end, whatever packet it carries. Returning nil lets it through; returning a *link.Error fails the
// send with that classification; any other error is treated as unknown.
type Injector func(attempt int, payload []byte) error

// Link is one end of a simulated point-to-point BLE connection.
type Link struct {
	mu           sync.Mutex
	selfID       string
	peerID       string
	mtu          int
	acknowledged bool
	events       chan link.Event
	peer         *Link
	injector     Injector
	attempts     map[string]int // charID -> number of Send calls so far; never reset
	closed       bool
}

// NewPair builds two ends of a simulated link, as if selfID and peerID had
// just connected over BLE with the given negotiated MTU.
func NewPair(selfID, peerID string, mtu int) (a, b *Link) {
	a = &Link{selfID: selfID, peerID: peerID, mtu: mtu, events: make(chan link.Event, 256), attempts: map[string]int{}}
	b = &Link{selfID: peerID, peerID: selfID, mtu: mtu, events: make(chan link.Event, 256), attempts: map[string]int{}}
	a.peer = b
	b.peer = a
	return a, b
}

// SetInjector installs a per-send failure script. Attempt numbers are kept
// per characteristic on this Link, monotonically increasing across every Send
// call to that characteristic (callers that
// want per-packet attempt numbers should key their injector logic off the
// payload itself, since this link does not parse packets).
func (l *Link) SetInjector(f Injector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.injector = f
}

// SetAcknowledged controls whether Acknowledged(peerID) reports true, i.e.
// whether this end of the link claims indication-style delivery.
func (l *Link) SetAcknowledged(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acknowledged = v
}

func (l *Link) Send(ctx context.Context, peerID, charID string, payload []byte) (bool, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, link.NewError(link.ErrDisconnected, errors.New("link closed"))
	}
	if peerID != l.peerID {
		l.mu.Unlock()
		return false, link.NewError(link.ErrCharacteristicMissing, errors.New("unknown peer "+peerID))
	}
	l.attempts[charID]++
	attempt := l.attempts[charID]
	injector := l.injector
	peer := l.peer
	l.mu.Unlock()

	if injector != nil {
		if err := injector(attempt, payload); err != nil {
			var lerr *link.Error
			if errors.As(err, &lerr) {
				return false, lerr
			}
			return false, link.NewError(link.ErrUnknown, err)
		}
	}

	peer.deliver(l.selfID, charID, payload)
	return true, nil
}

func (l *Link) deliver(fromPeer, charID string, payload []byte) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.events <- link.Event{Kind: link.EventBytesReceived, PeerID: fromPeer, CharID: charID, Bytes: payload}
}

func (l *Link) Events() <-chan link.Event { return l.events }

func (l *Link) MTU(peerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

func (l *Link) Acknowledged(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acknowledged
}

// Disconnect simulates peerID vanishing: it delivers a single
// peer_disconnected event to this end and marks the link closed so further
// sends fail with ErrDisconnected.
func (l *Link) Disconnect(reason string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.events <- link.Event{Kind: link.EventPeerDisconnected, PeerID: l.peerID, Reason: reason}
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.events)
	return nil
}
