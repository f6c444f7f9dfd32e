// Package reliability implements the response reliability layer: classified
// retry with exponential backoff for each fragment of a ResponseEnvelope,
// and a best-effort failure-response fallback when retries are exhausted or
// a permanent error is hit.
package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	uuid "github.com/satori/go.uuid"

	"github.com/1amageek/bleu/codec"
	"github.com/1amageek/bleu/rpc/fragment"
	"github.com/1amageek/bleu/rpc/link"
	"github.com/1amageek/bleu/rpcerr"
)

// Sender is the minimal link capability SendResponse needs: transmit one
// packet to one peer's characteristic, and report whether sends to that peer
// are acknowledged by the link layer.
type Sender interface {
	Send(ctx context.Context, peerID, charID string, payload []byte) (bool, error)
	Acknowledged(peerID string) bool
}

// Options tunes the retry schedule and pacing.
type Options struct {
	MaxRetries  int
	BaseDelay   time.Duration
	PacingDelay time.Duration
}

// DefaultOptions returns a conservative retry schedule suitable for an
// unacknowledged BLE notification medium.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  3,
		BaseDelay:   50 * time.Millisecond,
		PacingDelay: 10 * time.Millisecond,
	}
}

// classify maps a link.Error's Kind to a backoff decision: permanent errors
// short-circuit the retry loop; everything else, including an
// unrecognized error, is retried.
func classify(err error) error {
	if lerr, ok := err.(*link.Error); ok && lerr.Permanent() {
		return backoff.Permanent(err)
	}
	return err
}

// responseStreamID derives the reassembly stream id a response (or an ack)
// for callID is fragmented under. Deriving it from callID, rather than
// minting an unrelated random id, lets the caller drop exactly the
// reassembly buffer tied to a call once that call times out or is
// cancelled, without the two endpoints having to exchange a separate
// stream-id mapping first.
func responseStreamID(callID string) uuid.UUID {
	if id, err := uuid.FromString(callID); err == nil {
		return id
	}
	return uuid.NewV4()
}

// SendResponse fragments value and transmits it to peerID's charID,
// retrying each packet per Options before giving up. On irrecoverable
// failure it makes one best-effort attempt to deliver a failure
// ResponseEnvelope instead, so the caller fails fast rather than waiting
// out its own RPC timeout. An ack envelope gets no such fallback: a failed
// ack leaves the call open.
func SendResponse(ctx context.Context, sender Sender, opts Options, peerID, charID string, callID string, response codec.ResponseEnvelope, mtu int) error {
	body, err := codec.EncodeResponse(response)
	if err != nil {
		return err
	}

	fail := func(cause *rpcerr.Error) error {
		if response.Kind == codec.ResultAck {
			return cause
		}
		return sendFailureFallback(ctx, sender, charID, callID, cause, peerID)
	}

	packets, err := fragment.FragmentWithID(body, mtu, responseStreamID(callID))
	if err != nil {
		return fail(rpcerr.TransportFailedf("mtu too small"))
	}

	acknowledged := sender.Acknowledged(peerID)

	for i, p := range packets {
		raw := fragment.Pack(p)
		sendErr := sendOnePacket(ctx, sender, opts, acknowledged, peerID, charID, raw)
		if sendErr != nil {
			return fail(rpcerr.Wrap(rpcerr.TransportFailed, "response delivery failed", sendErr))
		}
		if i != len(packets)-1 && opts.PacingDelay > 0 {
			select {
			case <-time.After(opts.PacingDelay):
			case <-ctx.Done():
				return fail(rpcerr.Wrap(rpcerr.Cancelled, "send aborted", ctx.Err()))
			}
		}
	}
	return nil
}

// sendOnePacket runs the classified-retry loop for a single packet. When the
// link has already told us delivery is acknowledged (an indication rather
// than a bare notification), we skip our own retry loop entirely — the
// link layer already guarantees delivery or reports failure immediately.
func sendOnePacket(ctx context.Context, sender Sender, opts Options, acknowledged bool, peerID, charID string, raw []byte) error {
	if acknowledged {
		_, err := sender.Send(ctx, peerID, charID, raw)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by MaxRetries below, not by elapsed wall time
	var retrying backoff.BackOff = backoff.WithMaxRetries(b, uint64(opts.MaxRetries))
	retrying = backoff.WithContext(retrying, ctx)

	return backoff.Retry(func() error {
		_, err := sender.Send(ctx, peerID, charID, raw)
		if err != nil {
			return classify(err)
		}
		return nil
	}, retrying)
}

// sendFailureFallback makes a single, unretried attempt to deliver a
// failure ResponseEnvelope, so the caller fails fast instead of waiting for
// its own rpc_timeout.
func sendFailureFallback(ctx context.Context, sender Sender, charID, callID string, cause *rpcerr.Error, peerID string) error {
	envelope := codec.Failure(callID, cause)
	body, err := codec.EncodeResponse(envelope)
	if err != nil {
		return cause
	}
	packets, err := fragment.FragmentWithID(body, fragment.HeaderSize+len(body)+1, responseStreamID(callID))
	if err != nil || len(packets) == 0 {
		return cause
	}
	sender.Send(ctx, peerID, charID, fragment.Pack(packets[0]))
	return cause
}
