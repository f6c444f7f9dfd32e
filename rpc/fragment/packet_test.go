package fragment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	payload := []byte("hello bleu")
	packets, err := Fragment(payload, 64)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}
	raw := Pack(packets[0])
	got, err := Unpack(raw)
	if err != nil {
		t.Fatal(err)
	}
	got.Checksum = computeChecksum(got.StreamID, got.Seq, got.Total, got.Payload)
	if diff := cmp.Diff(packets[0], got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFragmentRejectsSmallMTU(t *testing.T) {
	if _, err := Fragment([]byte("x"), HeaderSize); err == nil {
		t.Fatal("expected error for mtu == header size")
	}
}

func TestFragmentReassembleRoundTrip(t *testing.T) {
	blob := make([]byte, 5000)
	rand.New(rand.NewSource(1)).Read(blob)

	packets, err := Fragment(blob, 185)
	if err != nil {
		t.Fatal(err)
	}

	r := NewReassembler(0, 0)
	defer r.Close()

	// feed packets in a shuffled order to prove reassembly is index-driven.
	order := rand.New(rand.NewSource(2)).Perm(len(packets))
	var out []byte
	var ok bool
	for _, idx := range order {
		out, ok = r.Ingest("peerA", packets[idx])
		if ok {
			break
		}
	}
	if !ok {
		t.Fatal("reassembly never completed")
	}
	if !bytes.Equal(out, blob) {
		t.Fatal("reassembled blob does not match original")
	}
}

func TestIngestDiscardsCorruptChecksum(t *testing.T) {
	packets, err := Fragment([]byte("abcdefgh"), HeaderSize+4)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) < 2 {
		t.Fatalf("expected multiple packets, got %d", len(packets))
	}

	r := NewReassembler(0, 0)
	defer r.Close()

	good := packets[0]
	if _, ok := r.Ingest("peerA", good); ok {
		t.Fatal("single packet of a multi-packet stream should not complete")
	}

	corrupt := packets[1]
	corrupt.Checksum ^= 0xFFFFFFFF
	if _, ok := r.Ingest("peerA", corrupt); ok {
		t.Fatal("corrupt packet must not complete a stream")
	}

	// the good packet's state must survive the corrupt one being dropped.
	out, ok := r.Ingest("peerA", packets[1])
	if !ok {
		t.Fatal("resending the valid packet should complete the stream")
	}
	if string(out) != "abcdefgh" {
		t.Fatalf("unexpected reassembled blob: %q", out)
	}
}

func TestDropPeerClearsAllStreams(t *testing.T) {
	r := NewReassembler(0, 0)
	defer r.Close()

	packets, err := Fragment([]byte("0123456789"), HeaderSize+4)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) < 2 {
		t.Fatalf("expected multiple packets, got %d", len(packets))
	}
	r.Ingest("peerA", packets[0])
	r.DropPeer("peerA")
	if _, ok := r.Ingest("peerA", packets[1]); ok {
		t.Fatal("stream should have been dropped with its peer")
	}
}
