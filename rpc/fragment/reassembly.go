package fragment

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// buffer is the per-stream reassembly state: the expected packet count, the
// payloads received so far keyed by seq, and when the first packet arrived
// (for the age sweep).
type buffer struct {
	total     uint16
	payloads  map[uint16][]byte
	startTime time.Time
}

func (b *buffer) complete() bool {
	return uint16(len(b.payloads)) == b.total
}

// key namespaces a stream by the peer it arrived from, since stream ids are
// only unique within one peer's traffic.
type key struct {
	peerID   string
	streamID uuid.UUID
}

// Reassembler owns every in-flight inbound stream across all peers. It never
// exposes a buffer's contents until it is complete, per the core's
// invariant, and it ages out abandoned streams on a timer so a peer that
// stops mid-stream can't leak memory forever.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[key]*buffer
	timeout time.Duration

	stop chan struct{}
	once sync.Once
}

// NewReassembler starts a Reassembler whose buffers are dropped once they
// are older than reassemblyTimeout; the sweep itself runs every
// cleanupInterval. A non-positive cleanupInterval starts no sweep at all, so
// buffers then leave only by completion, Drop, or DropPeer.
func NewReassembler(reassemblyTimeout, cleanupInterval time.Duration) *Reassembler {
	r := &Reassembler{
		buffers: make(map[key]*buffer),
		timeout: reassemblyTimeout,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go r.sweepLoop(cleanupInterval)
	}
	return r
}

// Ingest stores packet's payload for its stream, discarding it silently if
// the checksum is bad or the header is otherwise invalid. It returns the
// assembled blob once every index in [0, total) has arrived.
func (r *Reassembler) Ingest(peerID string, p Packet) ([]byte, bool) {
	if p.Total == 0 || p.Seq >= p.Total || !Verify(p) {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{peerID: peerID, streamID: p.StreamID}
	b, ok := r.buffers[k]
	if !ok {
		b = &buffer{total: p.Total, payloads: make(map[uint16][]byte), startTime: time.Now()}
		r.buffers[k] = b
	}
	b.payloads[p.Seq] = p.Payload

	if !b.complete() {
		return nil, false
	}
	blob := Reassemble(b.payloads, b.total)
	delete(r.buffers, k)
	return blob, true
}

// Drop discards the reassembly buffer (if any) for a given peer+stream. The
// RPC state machine calls this on timeout/cancellation so a response stream
// that will never complete doesn't linger until the sweep gets to it.
func (r *Reassembler) Drop(peerID string, streamID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, key{peerID: peerID, streamID: streamID})
}

// DropPeer discards every buffer associated with peerID, used on disconnect.
func (r *Reassembler) DropPeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.buffers {
		if k.peerID == peerID {
			delete(r.buffers, k)
		}
	}
}

func (r *Reassembler) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Reassembler) sweep() {
	cutoff := time.Now().Add(-r.timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, b := range r.buffers {
		if b.startTime.Before(cutoff) {
			delete(r.buffers, k)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (r *Reassembler) Close() {
	r.once.Do(func() { close(r.stop) })
}
