package bleu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/1amageek/bleu/codec"
	"github.com/1amageek/bleu/rpc/fragment"
	"github.com/1amageek/bleu/rpc/link"
	"github.com/1amageek/bleu/rpc/link/simlink"
	"github.com/1amageek/bleu/rpc/registry"
	"github.com/1amageek/bleu/rpcerr"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RPCTimeout = 2 * time.Second
	cfg.ReassemblyTimeout = 2 * time.Second
	cfg.CleanupInterval = time.Second
	return cfg
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func mustUnmarshal(t *testing.T, b []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("unmarshal %q: %v", b, err)
	}
}

func newConnectedPairWithLinks(t *testing.T) (central, peripheral *ActorSystem, a, b *simlink.Link) {
	t.Helper()
	a, b = simlink.NewPair("central", "peripheral", 512)
	central = NewActorSystem(a, testConfig(), nil, "rpc")
	peripheral = NewActorSystem(b, testConfig(), nil, "rpc")
	return central, peripheral, a, b
}

func newConnectedPair(t *testing.T) (central, peripheral *ActorSystem) {
	t.Helper()
	central, peripheral, _, _ = newConnectedPairWithLinks(t)
	return central, peripheral
}

func TestRemoteCallSameProcess(t *testing.T) {
	a, _ := simlink.NewPair("solo", "nobody", 512)
	sys := NewActorSystem(a, testConfig(), nil, "rpc")
	defer sys.Shutdown()

	actorID := NewActorID()
	table := NewMethodTableBuilder().
		Handle("greet", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			var name string
			mustUnmarshal(t, args, &name)
			return Success(mustMarshal(t, "hello "+name))
		}).
		Build()
	ref := sys.Register(actorID, nil, table)

	value, void, err := sys.RemoteCall(context.Background(), "caller", ref, "greet", &JSONEncoder{RecipientID: actorID, Args: "world"})
	if err != nil {
		t.Fatalf("RemoteCall: %v", err)
	}
	if void {
		t.Fatalf("expected a value, got void")
	}
	var got string
	mustUnmarshal(t, value, &got)
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestRemoteCallCrossProcessRoundTrip(t *testing.T) {
	central, peripheral := newConnectedPair(t)
	defer central.Shutdown()
	defer peripheral.Shutdown()

	actorID := NewActorID()
	table := NewMethodTableBuilder().
		Handle("double", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			var n int
			mustUnmarshal(t, args, &n)
			return Success(mustMarshal(t, n*2))
		}).
		Build()
	peripheral.Register(actorID, nil, table)
	central.BindRemote(actorID, "peripheral", "rpc")

	value, void, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: actorID}, "double", &JSONEncoder{RecipientID: actorID, Args: 21})
	if err != nil {
		t.Fatalf("RemoteCall: %v", err)
	}
	if void {
		t.Fatalf("expected a value, got void")
	}
	var got int
	mustUnmarshal(t, value, &got)
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRemoteCallCrossProcessVoid(t *testing.T) {
	central, peripheral := newConnectedPair(t)
	defer central.Shutdown()
	defer peripheral.Shutdown()

	actorID := NewActorID()
	var seen string
	var mu sync.Mutex
	table := NewMethodTableBuilder().
		Handle("notify", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			mu.Lock()
			mustUnmarshal(t, args, &seen)
			mu.Unlock()
			return Void()
		}).
		Build()
	peripheral.Register(actorID, nil, table)
	central.BindRemote(actorID, "peripheral", "rpc")

	_, void, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: actorID}, "notify", &JSONEncoder{RecipientID: actorID, Args: "ping"})
	if err != nil {
		t.Fatalf("RemoteCall: %v", err)
	}
	if !void {
		t.Fatalf("expected void result")
	}
	mu.Lock()
	defer mu.Unlock()
	if seen != "ping" {
		t.Fatalf("handler saw %q", seen)
	}
}

func TestRemoteCallActorNotFound(t *testing.T) {
	central, _ := newConnectedPair(t)
	defer central.Shutdown()

	_, _, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: "nobody"}, "anything", &JSONEncoder{RecipientID: "nobody"})
	rerr, ok := rpcerr.As(err)
	if !ok || rerr.Kind != rpcerr.ActorNotFound {
		t.Fatalf("expected actor_not_found, got %v", err)
	}
}

func TestRemoteCallInvalidEnvelopeOnMismatchedRecipient(t *testing.T) {
	a, _ := simlink.NewPair("solo", "nobody", 512)
	sys := NewActorSystem(a, testConfig(), nil, "rpc")
	defer sys.Shutdown()

	ref := sys.Register(NewActorID(), nil, NewMethodTableBuilder().Build())
	encoder := &JSONEncoder{RecipientID: "someone-else"}

	_, _, err := sys.RemoteCall(context.Background(), "caller", ref, "whatever", encoder)
	rerr, ok := rpcerr.As(err)
	if !ok || rerr.Kind != rpcerr.InvalidEnvelope {
		t.Fatalf("expected invalid_envelope, got %v", err)
	}
}

// TestMultiPacketResponseSurvivesLoss fragments a large response across
// several packets and fails the first attempt of each one, confirming the
// reliability layer's retry loop recovers every fragment.
func TestMultiPacketResponseSurvivesLoss(t *testing.T) {
	central, peripheral, _, b := newConnectedPairWithLinks(t)
	defer central.Shutdown()
	defer peripheral.Shutdown()

	// simlink's attempt counter is shared by every send on a characteristic,
	// not per-packet, so
	// failing every odd-numbered send deterministically loses each
	// packet's first try and lets its first retry through.
	b.SetInjector(func(attempt int, payload []byte) error {
		if attempt%2 == 1 {
			return link.NewError(link.ErrConnectionFailed, errors.New("simulated loss"))
		}
		return nil
	})

	actorID := NewActorID()
	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte(i % 256)
	}
	table := NewMethodTableBuilder().
		Handle("blob", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			return Success(big)
		}).
		Build()
	peripheral.Register(actorID, nil, table)
	central.BindRemote(actorID, "peripheral", "rpc")

	value, _, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: actorID}, "blob", &JSONEncoder{RecipientID: actorID})
	if err != nil {
		t.Fatalf("RemoteCall: %v", err)
	}
	if len(value) != len(big) {
		t.Fatalf("got %d bytes, want %d", len(value), len(big))
	}
}

// TestDisconnectCancelsConcurrentCalls starts two concurrent cross-process
// calls to the same peer, then severs the link; both must fail with
// disconnected rather than hang out to their rpc_timeout.
func TestDisconnectCancelsConcurrentCalls(t *testing.T) {
	central, peripheral, a, _ := newConnectedPairWithLinks(t)
	defer central.Shutdown()
	defer peripheral.Shutdown()

	actorID1 := NewActorID()
	actorID2 := NewActorID()
	block := make(chan struct{})
	slowTable := NewMethodTableBuilder().
		Handle("wait", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			<-block
			return Void()
		}).
		Build()
	peripheral.Register(actorID1, nil, slowTable)
	peripheral.Register(actorID2, nil, slowTable)
	central.BindRemote(actorID1, "peripheral", "rpc")
	central.BindRemote(actorID2, "peripheral", "rpc")
	defer close(block)

	errs := make(chan error, 2)
	for _, id := range []string{actorID1, actorID2} {
		go func(id string) {
			_, _, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: id}, "wait", &JSONEncoder{RecipientID: id})
			errs <- err
		}(id)
	}

	time.Sleep(50 * time.Millisecond)
	a.Disconnect("simulated radio loss")

	for i := 0; i < 2; i++ {
		err := <-errs
		rerr, ok := rpcerr.As(err)
		if !ok || rerr.Kind != rpcerr.Disconnected {
			t.Fatalf("expected disconnected, got %v", err)
		}
	}
}

// TestTimeoutOnSilentPeerDiscardsLateResponse exercises a peer that never
// answers: the call must fail with timeout, and a response that arrives
// after the timeout has already fired must be dropped without panicking.
func TestTimeoutOnSilentPeerDiscardsLateResponse(t *testing.T) {
	cfg := testConfig()
	cfg.RPCTimeout = 60 * time.Millisecond
	a, b := simlink.NewPair("central", "peripheral", 512)
	central := NewActorSystem(a, cfg, nil, "rpc")
	defer central.Shutdown()
	defer b.Close()

	actorID := NewActorID()
	central.BindRemote(actorID, "peripheral", "rpc")

	_, _, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: actorID}, "ghost", &JSONEncoder{RecipientID: actorID})
	rerr, ok := rpcerr.As(err)
	if !ok || rerr.Kind != rpcerr.Timeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	// A very late response for the call-id the state machine has already
	// reaped must not panic and must have no observable effect. The call-id
	// is read back from the invocation packet the silent peer received.
	ev := <-b.Events()
	pkt, err := fragment.Unpack(ev.Bytes)
	if err != nil {
		t.Fatalf("unpack invocation packet: %v", err)
	}
	inv, err := codec.DecodeInvocation(pkt.Payload)
	if err != nil {
		t.Fatalf("decode invocation: %v", err)
	}
	central.disp.DeliverResponse(mustMarshal(t, map[string]string{"call_id": inv.CallID, "kind": "void"}))
}

// TestFailureFallbackDeliversWhenSendsKeepFailing configures the
// peripheral's outbound link so every retried attempt at the real response
// fails, but lets the single best-effort failure-fallback packet through —
// the central side should see a transport_failed error instead of timing
// out.
func TestFailureFallbackDeliversWhenSendsKeepFailing(t *testing.T) {
	central, peripheral, _, b := newConnectedPairWithLinks(t)
	defer central.Shutdown()
	defer peripheral.Shutdown()

	opts := DefaultConfig().retryOptions()
	primaryAttempts := opts.MaxRetries + 1
	b.SetInjector(func(attempt int, payload []byte) error {
		if attempt <= primaryAttempts {
			return link.NewError(link.ErrConnectionFailed, errors.New("permanently unreachable"))
		}
		return nil
	})

	actorID := NewActorID()
	table := NewMethodTableBuilder().
		Handle("ping", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			return Success(mustMarshal(t, "pong"))
		}).
		Build()
	peripheral.Register(actorID, nil, table)
	central.BindRemote(actorID, "peripheral", "rpc")

	_, _, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: actorID}, "ping", &JSONEncoder{RecipientID: actorID})
	rerr, ok := rpcerr.As(err)
	if !ok || rerr.Kind != rpcerr.TransportFailed {
		t.Fatalf("expected transport_failed fallback, got %v", err)
	}
}

// TestConcurrentRemoteCallsCompleteIndependently fires N concurrent
// cross-process calls to the same peer and confirms every caller gets back
// exactly the response matching its own argument, never another caller's.
func TestConcurrentRemoteCallsCompleteIndependently(t *testing.T) {
	central, peripheral := newConnectedPair(t)
	defer central.Shutdown()
	defer peripheral.Shutdown()

	actorID := NewActorID()
	table := NewMethodTableBuilder().
		Handle("square", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			var n int
			mustUnmarshal(t, args, &n)
			return Success(mustMarshal(t, n*n))
		}).
		Build()
	peripheral.Register(actorID, nil, table)
	central.BindRemote(actorID, "peripheral", "rpc")

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			value, _, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: actorID}, "square", &JSONEncoder{RecipientID: actorID, Args: i})
			if err != nil {
				errs <- err
				return
			}
			var got int
			mustUnmarshal(t, value, &got)
			if got != i*i {
				errs <- fmt.Errorf("call %d: got %d, want %d", i, got, i*i)
				return
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

// TestReentrantRemoteCallFromHandlerDoesNotDeadlock has a peripheral-side
// handler issue its own remote_call back to the central that invoked it,
// before returning its own result. Both calls must complete without
// deadlocking on either side's state machine.
func TestReentrantRemoteCallFromHandlerDoesNotDeadlock(t *testing.T) {
	central, peripheral := newConnectedPair(t)
	defer central.Shutdown()
	defer peripheral.Shutdown()

	callbackID := NewActorID()
	callbackTable := NewMethodTableBuilder().
		Handle("ping", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			return Success(mustMarshal(t, "pong"))
		}).
		Build()
	central.Register(callbackID, nil, callbackTable)
	peripheral.BindRemote(callbackID, "central", "rpc")

	workID := NewActorID()
	workTable := NewMethodTableBuilder().
		Handle("work", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			value, _, err := peripheral.RemoteCall(context.Background(), "peripheral", ActorRef{ID: callbackID}, "ping", &JSONEncoder{RecipientID: callbackID})
			if err != nil {
				return Failure(err)
			}
			var got string
			mustUnmarshal(t, value, &got)
			return Success(mustMarshal(t, "work saw "+got))
		}).
		Build()
	peripheral.Register(workID, nil, workTable)
	central.BindRemote(workID, "peripheral", "rpc")

	done := make(chan struct{})
	var value []byte
	var err error
	go func() {
		value, _, err = central.RemoteCall(context.Background(), "central", ActorRef{ID: workID}, "work", &JSONEncoder{RecipientID: workID})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("re-entrant call deadlocked")
	}

	if err != nil {
		t.Fatalf("RemoteCall: %v", err)
	}
	var got string
	mustUnmarshal(t, value, &got)
	if got != "work saw pong" {
		t.Fatalf("got %q", got)
	}
}

// TestAckExtendsDeadlineForLongRunningHandler configures an rpc_timeout
// shorter than a handler's own run time; the handler acks once partway
// through, and the call must still succeed instead of timing out.
func TestAckExtendsDeadlineForLongRunningHandler(t *testing.T) {
	cfg := testConfig()
	cfg.RPCTimeout = 80 * time.Millisecond
	a, b := simlink.NewPair("central", "peripheral", 512)
	central := NewActorSystem(a, cfg, nil, "rpc")
	peripheral := NewActorSystem(b, cfg, nil, "rpc")
	defer central.Shutdown()
	defer peripheral.Shutdown()

	actorID := NewActorID()
	table := NewMethodTableBuilder().
		Handle("slow", func(hc registry.HandlerContext, args []byte) registry.Outcome {
			time.Sleep(40 * time.Millisecond)
			hc.Ack()
			time.Sleep(80 * time.Millisecond)
			return Success(mustMarshal(t, "done"))
		}).
		Build()
	peripheral.Register(actorID, nil, table)
	central.BindRemote(actorID, "peripheral", "rpc")

	value, _, err := central.RemoteCall(context.Background(), "central", ActorRef{ID: actorID}, "slow", &JSONEncoder{RecipientID: actorID})
	if err != nil {
		t.Fatalf("RemoteCall: %v", err)
	}
	var got string
	mustUnmarshal(t, value, &got)
	if got != "done" {
		t.Fatalf("got %q", got)
	}
}
