package fragment

import (
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// Fragment splits blob into a fresh stream of packets sized to fit mtu. It
// fails only when the header itself wouldn't fit.
func Fragment(blob []byte, mtu int) ([]Packet, error) {
	return FragmentWithID(blob, mtu, uuid.NewV4())
}

// FragmentWithID is Fragment with a caller-chosen stream id. Used on the
// response path so the stream carrying a call's answer is identified by the
// call it answers, rather than an id unrelated to it.
func FragmentWithID(blob []byte, mtu int, streamID uuid.UUID) ([]Packet, error) {
	if mtu <= HeaderSize {
		return nil, fmt.Errorf("fragment: mtu %d too small for %d-byte header", mtu, HeaderSize)
	}
	cap := mtu - HeaderSize
	total := (len(blob) + cap - 1) / cap
	if total == 0 {
		total = 1 // an empty blob still produces one (empty-payload) packet
	}

	packets := make([]Packet, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * cap
		end := start + cap
		if end > len(blob) {
			end = len(blob)
		}
		payload := blob[start:end]
		p := Packet{
			StreamID: streamID,
			Seq:      uint16(seq),
			Total:    uint16(total),
			Payload:  payload,
		}
		p.Checksum = computeChecksum(p.StreamID, p.Seq, p.Total, p.Payload)
		packets = append(packets, p)
	}
	return packets, nil
}

// Reassemble concatenates packets in seq order, ignoring arrival order. It
// assumes the caller already confirmed completeness (see Reassembler).
func Reassemble(packets map[uint16][]byte, total uint16) []byte {
	out := make([]byte, 0)
	for seq := uint16(0); seq < total; seq++ {
		out = append(out, packets[seq]...)
	}
	return out
}
