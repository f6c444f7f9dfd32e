// Package fragment adapts variable-length envelope bytes to the fixed write
// length a BLE characteristic will accept, and reassembles them on the other
// side. It is the lowest-level piece of the core: it never suspends, never
// touches the link, and knows nothing about calls or actors.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	uuid "github.com/satori/go.uuid"
)

// ErrInvalidSeqTotal identifies an Unpack failure caused specifically by a
// structurally invalid seq/total pair (total zero, or seq >= total), as
// opposed to a truncated header or a malformed stream id. Callers that want
// to log this rejection distinctly from other malformed input check for it
// with errors.Is.
var ErrInvalidSeqTotal = errors.New("fragment: invalid seq/total")

// HeaderSize is the fixed 24-byte header every packet carries ahead of its
// payload.
//
// Wire layout (offsets in square brackets):
//
//  1. [0:16]  StreamID   - 128-bit id shared by every packet of one message.
//  2. [16:18] Seq        - zero-based packet index, big-endian uint16.
//  3. [18:20] Total      - packet count of the stream, big-endian uint16.
//  4. [20:24] Checksum   - CRC-32 (IEEE) over the header with this field
//     zeroed, concatenated with Payload, big-endian uint32.
//  5. [24:]   Payload    - up to MTU-HeaderSize bytes.
const HeaderSize = 24

// Packet is a single fixed-header framing unit carrying a slice of one
// envelope.
type Packet struct {
	StreamID uuid.UUID
	Seq      uint16
	Total    uint16
	Checksum uint32
	Payload  []byte
}

// Pack renders p in the deterministic binary layout documented on HeaderSize.
func Pack(p Packet) []byte {
	out := make([]byte, HeaderSize+len(p.Payload))
	copy(out[0:16], p.StreamID.Bytes())
	binary.BigEndian.PutUint16(out[16:18], p.Seq)
	binary.BigEndian.PutUint16(out[18:20], p.Total)
	binary.BigEndian.PutUint32(out[20:24], p.Checksum)
	copy(out[HeaderSize:], p.Payload)
	return out
}

// Unpack parses the deterministic binary layout documented on HeaderSize.
// It rejects undersized or structurally malformed input but does not
// validate the checksum; callers that need checksum validation use Verify.
func Unpack(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, fmt.Errorf("fragment: packet too short: %d bytes", len(raw))
	}
	id, err := uuid.FromBytes(raw[0:16])
	if err != nil {
		return Packet{}, fmt.Errorf("fragment: malformed stream id: %w", err)
	}
	p := Packet{
		StreamID: id,
		Seq:      binary.BigEndian.Uint16(raw[16:18]),
		Total:    binary.BigEndian.Uint16(raw[18:20]),
		Checksum: binary.BigEndian.Uint32(raw[20:24]),
		Payload:  append([]byte(nil), raw[HeaderSize:]...),
	}
	if p.Total == 0 || p.Seq >= p.Total {
		return Packet{}, fmt.Errorf("%w: %d/%d", ErrInvalidSeqTotal, p.Seq, p.Total)
	}
	return p, nil
}

// computeChecksum is CRC-32 (IEEE) over the header with the checksum field
// zeroed, concatenated with the payload, exactly as the wire format requires.
func computeChecksum(streamID uuid.UUID, seq, total uint16, payload []byte) uint32 {
	header := make([]byte, HeaderSize)
	copy(header[0:16], streamID.Bytes())
	binary.BigEndian.PutUint16(header[16:18], seq)
	binary.BigEndian.PutUint16(header[18:20], total)
	// checksum field [20:24] stays zeroed.
	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(payload)
	return crc.Sum32()
}

// Verify reports whether p's checksum matches its header and payload.
func Verify(p Packet) bool {
	return p.Checksum == computeChecksum(p.StreamID, p.Seq, p.Total, p.Payload)
}
