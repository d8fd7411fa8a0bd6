package bus

import (
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fsmbus/internal/codec"
	"github.com/librescoot/fsmbus/internal/testutil"
)

const (
	waitFor = time.Second
	quiet   = 50 * time.Millisecond
)

func collect(t *testing.T, ep Endpoint) <-chan Envelope {
	t.Helper()
	ch := make(chan Envelope, 16)
	ep.Listen(func(env Envelope) { ch <- env })
	return ch
}

func connect(t *testing.T, a, b *Relay) {
	t.Helper()
	pa, pb := Pipe()
	_, err := a.Attach(pa)
	require.NoError(t, err)
	_, err = b.Attach(pb)
	require.NoError(t, err)
}

func payload(t *testing.T, v any) []byte {
	t.Helper()
	data, err := codec.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNewSelectsImplementation(t *testing.T) {
	relay := New()
	defer relay.Close()
	require.IsType(t, &Relay{}, relay)

	native := New(WithNativeBroadcast(NewHub()))
	defer native.Close()
	require.IsType(t, &Native{}, native)
}

func testLocalBroadcast(t *testing.T, b Bus) {
	a, err := b.Get("news")
	require.NoError(t, err)
	c, err := b.Get("news")
	require.NoError(t, err)
	other, err := b.Get("other")
	require.NoError(t, err)

	fromA := collect(t, a)
	fromC := collect(t, c)
	fromOther := collect(t, other)

	require.NoError(t, a.Send(payload(t, "hello")))

	env := testutil.RequireReceive(t, fromC, waitFor, "peer endpoint should receive")
	require.Equal(t, "news", env.Channel)
	require.NotEmpty(t, env.UUID)

	var got string
	require.NoError(t, codec.Unmarshal(env.Payload, &got))
	require.Equal(t, "hello", got)

	testutil.RequireNoReceive(t, fromA, quiet, "sender must not see its own message")
	testutil.RequireNoReceive(t, fromC, quiet, "message must be delivered once")
	testutil.RequireNoReceive(t, fromOther, quiet, "other channels must not receive")
}

func TestRelayLocalBroadcast(t *testing.T) {
	r := NewRelay()
	defer r.Close()
	testLocalBroadcast(t, r)
}

func TestNativeLocalBroadcast(t *testing.T) {
	n := NewNative(NewHub())
	defer n.Close()
	testLocalBroadcast(t, n)
}

func TestNativeAcrossContexts(t *testing.T) {
	hub := NewHub()
	ui := NewNative(hub)
	defer ui.Close()
	worker := NewNative(hub)
	defer worker.Close()

	uiEp, err := ui.Get("state")
	require.NoError(t, err)
	workerEp, err := worker.Get("state")
	require.NoError(t, err)

	got := collect(t, uiEp)
	require.NoError(t, workerEp.Send(payload(t, 1)))
	testutil.RequireReceive(t, got, waitFor, "ui should receive worker message")

	// Closing a context removes its endpoints from the hub
	require.NoError(t, ui.Close())
	require.NoError(t, workerEp.Send(payload(t, 2)))
	testutil.RequireNoReceive(t, got, quiet)

	_, err = ui.Get("state")
	require.ErrorIs(t, err, ErrClosed)
}

func TestRelayOverPipe(t *testing.T) {
	a, b := NewRelay(), NewRelay()
	defer a.Close()
	defer b.Close()
	connect(t, a, b)

	epA, err := a.Get("ch")
	require.NoError(t, err)
	epB, err := b.Get("ch")
	require.NoError(t, err)

	fromA := collect(t, epA)
	fromB := collect(t, epB)

	require.NoError(t, epA.Send(payload(t, "ping")))
	testutil.RequireReceive(t, fromB, waitFor, "remote endpoint should receive")

	require.NoError(t, epB.Send(payload(t, "pong")))
	testutil.RequireReceive(t, fromA, waitFor, "reply should travel back")

	testutil.RequireNoReceive(t, fromA, quiet, "no echo of own message")
	testutil.RequireNoReceive(t, fromB, quiet, "no echo of own message")
}

func TestDedupAcrossTwoPaths(t *testing.T) {
	// Triangle: every message reaches each relay on two paths.
	r1, r2, r3 := NewRelay(), NewRelay(), NewRelay()
	defer r1.Close()
	defer r2.Close()
	defer r3.Close()
	connect(t, r1, r2)
	connect(t, r1, r3)
	connect(t, r2, r3)

	var counts [3]atomic.Int32
	for i, r := range []*Relay{r1, r2, r3} {
		ep, err := r.Get("ch")
		require.NoError(t, err)
		ep.Listen(func(Envelope) { counts[i].Add(1) })
	}

	sender, err := r1.Get("ch")
	require.NoError(t, err)
	require.NoError(t, sender.Send(payload(t, "once")))

	require.Eventually(t, func() bool {
		return counts[1].Load() >= 1 && counts[2].Load() >= 1
	}, waitFor, time.Millisecond)
	time.Sleep(quiet)

	for i := range counts {
		require.Equal(t, int32(1), counts[i].Load(), "relay %d listener", i+1)
	}
}

func TestHubForwarding(t *testing.T) {
	// Star: hub relays between two spokes that are not connected directly.
	hub, left, right := NewRelay(), NewRelay(), NewRelay()
	defer hub.Close()
	defer left.Close()
	defer right.Close()
	connect(t, hub, left)
	connect(t, hub, right)

	hubEp, err := hub.Get("ch")
	require.NoError(t, err)
	leftEp, err := left.Get("ch")
	require.NoError(t, err)
	rightEp, err := right.Get("ch")
	require.NoError(t, err)

	atHub := collect(t, hubEp)
	atLeft := collect(t, leftEp)
	atRight := collect(t, rightEp)

	require.NoError(t, leftEp.Send(payload(t, "x")))

	testutil.RequireReceive(t, atHub, waitFor, "hub local listener")
	testutil.RequireReceive(t, atRight, waitFor, "forwarded to other spoke")
	testutil.RequireNoReceive(t, atLeft, quiet, "not echoed to the source")
	testutil.RequireNoReceive(t, atHub, quiet, "delivered once at hub")
	testutil.RequireNoReceive(t, atRight, quiet, "delivered once at spoke")
}

func TestMalformedEnvelopesDropped(t *testing.T) {
	r := NewRelay()
	defer r.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	_, err := r.Attach(NewStreamPort(local, local, local))
	require.NoError(t, err)

	ep, err := r.Get("ch")
	require.NoError(t, err)
	got := collect(t, ep)

	enc := codec.NewEncoder(remote)
	require.NoError(t, enc.Encode(42))
	require.NoError(t, enc.Encode(Envelope{Channel: "ch", Payload: payload(t, "no uuid")}))
	require.NoError(t, enc.Encode(Envelope{UUID: "u-1", Payload: payload(t, "no channel")}))
	require.NoError(t, enc.Encode(Envelope{UUID: "u-2", Channel: "ch", Payload: payload(t, "ok")}))

	env := testutil.RequireReceive(t, got, waitFor, "valid envelope after malformed ones")
	require.Equal(t, "u-2", env.UUID)
	testutil.RequireNoReceive(t, got, quiet)
}

func TestDuplicateInboundDropped(t *testing.T) {
	r := NewRelay()
	defer r.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	_, err := r.Attach(NewStreamPort(local, local, local))
	require.NoError(t, err)

	ep, err := r.Get("ch")
	require.NoError(t, err)
	got := collect(t, ep)

	enc := codec.NewEncoder(remote)
	env := Envelope{UUID: "same", Channel: "ch", Payload: payload(t, 1)}
	require.NoError(t, enc.Encode(env))
	require.NoError(t, enc.Encode(env))

	testutil.RequireReceive(t, got, waitFor)
	testutil.RequireNoReceive(t, got, quiet, "replayed uuid must be dropped")
}

func TestDetachOnPeerClose(t *testing.T) {
	r := NewRelay()
	defer r.Close()

	local, remote := Pipe()
	detached, err := r.Attach(local)
	require.NoError(t, err)

	require.NoError(t, remote.Close())
	testutil.RequireClosed(t, detached, waitFor, "port should detach after peer closes")
}

func TestListenCancelAndClose(t *testing.T) {
	r := NewRelay()
	defer r.Close()

	a, err := r.Get("ch")
	require.NoError(t, err)
	b, err := r.Get("ch")
	require.NoError(t, err)

	got := make(chan Envelope, 4)
	cancel := b.Listen(func(env Envelope) { got <- env })

	require.NoError(t, a.Send(payload(t, 1)))
	testutil.RequireReceive(t, got, waitFor)

	cancel()
	require.NoError(t, a.Send(payload(t, 2)))
	testutil.RequireNoReceive(t, got, quiet)

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send(payload(t, 3)), ErrClosed)
}

func TestTypedChannel(t *testing.T) {
	r := NewRelay()
	defer r.Close()

	ints, err := Open[int](r, "numbers")
	require.NoError(t, err)
	raw, err := r.Get("numbers")
	require.NoError(t, err)
	sender, err := Open[int](r, "numbers")
	require.NoError(t, err)

	got := make(chan int, 4)
	ints.Listen(func(v int) { got <- v })

	require.NoError(t, raw.Send(payload(t, "not a number")))
	require.NoError(t, sender.Send(7))

	require.Equal(t, 7, testutil.RequireReceive(t, got, waitFor))
	testutil.RequireNoReceive(t, got, quiet, "undecodable payload must be dropped")
	require.Equal(t, "numbers", ints.Name())
}

func TestChannelLogsThroughBusLogger(t *testing.T) {
	var logs testutil.LogBuffer
	r := NewRelay(WithLogger(logs.Logger().With("side", "worker")))
	defer r.Close()
	require.Same(t, r.logger, r.Logger())

	ints, err := Open[int](r, "numbers")
	require.NoError(t, err)
	raw, err := r.Get("numbers")
	require.NoError(t, err)

	ints.Listen(func(int) {})
	require.NoError(t, raw.Send(payload(t, "not a number")))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "dropping undecodable payload")
	}, waitFor, 5*time.Millisecond)
	require.Contains(t, logs.String(), "side=worker")
}
