package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fsmbus"
	"github.com/librescoot/fsmbus/bus"
	"github.com/librescoot/fsmbus/internal/testutil"
	"github.com/librescoot/fsmbus/rpc"
)

type page string

const (
	home     page = "home"
	list     page = "list"
	detail   page = "detail"
	loading  page = "loading"
	trNext        = fsmbus.Named("next")
	trBroken      = fsmbus.Named("broken")
)

type view struct {
	Visits int    `cbor:"visits"`
	Item   string `cbor:"item"`
}

type open struct {
	Item string `cbor:"item"`
}

func (open) TriggerKey() fsmbus.TriggerKey { return "open" }

type machine = fsmbus.Machine[page, view]

func newMachine(t *testing.T) *machine {
	t.Helper()
	m := fsmbus.New[page, view](home, view{})
	m.AddTransition(fsmbus.From(home), trNext.TriggerKey(), fsmbus.To(list))
	m.AddTransition(fsmbus.From(list), fsmbus.KeyOf[open](), fsmbus.To(loading),
		fsmbus.WithEffects(func(ctx context.Context, m *machine, t fsmbus.Trigger) error {
			v := m.Value()
			v.Item = t.(open).Item
			v.Visits++
			m.SetValue(v)
			return nil
		}),
	)
	m.AddTransition(fsmbus.From(loading), fsmbus.NoTriggerKey, fsmbus.To(detail))
	m.AddTransition(fsmbus.AnyNode[page](), trBroken.TriggerKey(), fsmbus.To(home))
	m.AddTransition(fsmbus.AnyNode[page](), trBroken.TriggerKey(), fsmbus.To(list))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { m.Stop() })
	return m
}

func registry() *Registry {
	return Register[open](NewRegistry()).Named(trNext.TriggerKey(), trBroken.TriggerKey())
}

// linked returns two relays joined by an in-memory pipe, standing in for a
// UI context and a worker context.
func linked(t *testing.T) (ui, worker *bus.Relay) {
	t.Helper()
	ui, worker = bus.NewRelay(), bus.NewRelay()
	t.Cleanup(func() { ui.Close() })
	t.Cleanup(func() { worker.Close() })

	pa, pb := bus.Pipe()
	_, err := ui.Attach(pa)
	require.NoError(t, err)
	_, err = worker.Attach(pb)
	require.NoError(t, err)
	return ui, worker
}

func TestRemoteControl(t *testing.T) {
	ui, worker := linked(t)
	m := newMachine(t)

	host, err := Expose(m, worker, registry())
	require.NoError(t, err)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, err := Connect[page, view](ctx, ui)
	require.NoError(t, err)
	defer remote.Close()

	changes := make(chan fsmbus.Snapshot[page, view], 16)
	remote.OnChange(func(s fsmbus.Snapshot[page, view]) { changes <- s })

	require.NoError(t, remote.EmitTrigger(ctx, trNext))
	require.Equal(t, list, testutil.RequireReceive(t, changes, time.Second).Node)

	require.NoError(t, remote.EmitTrigger(ctx, open{Item: "t3_abc"}))

	// SetValue inside the effect, then the transition, then the cascade
	require.Equal(t, list, testutil.RequireReceive(t, changes, time.Second).Node)
	require.Equal(t, loading, testutil.RequireReceive(t, changes, time.Second).Node)
	last := testutil.RequireReceive(t, changes, time.Second)
	require.Equal(t, detail, last.Node)
	require.Equal(t, "t3_abc", last.Value.Item)

	snap, err := remote.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, detail, snap.Node)
	require.Equal(t, view{Visits: 1, Item: "t3_abc"}, snap.Value)
	require.Equal(t, m.Snapshot(), snap)
}

func TestRemoteErrors(t *testing.T) {
	ui, worker := linked(t)
	m := newMachine(t)

	host, err := Expose(m, worker, registry(), WithName("viewer"))
	require.NoError(t, err)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, err := Connect[page, view](ctx, ui, WithName("viewer"))
	require.NoError(t, err)
	defer remote.Close()

	var remoteErr *rpc.RemoteError

	err = remote.EmitTrigger(ctx, trBroken)
	require.ErrorAs(t, err, &remoteErr)
	require.Contains(t, remoteErr.Message, fsmbus.ErrAmbiguousTransition.Error())

	err = remote.EmitTrigger(ctx, fsmbus.Named("unregistered"))
	require.ErrorAs(t, err, &remoteErr)
	require.Contains(t, remoteErr.Message, ErrUnknownTrigger.Error())

	require.Equal(t, home, m.Node())
}

func TestConnectTimesOutWithoutHost(t *testing.T) {
	ui := bus.NewRelay()
	defer ui.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Connect[page, view](ctx, ui)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestNativeContexts(t *testing.T) {
	hub := bus.NewHub()
	ui, worker := bus.NewNative(hub), bus.NewNative(hub)
	defer ui.Close()
	defer worker.Close()

	m := newMachine(t)
	host, err := Expose(m, worker, registry())
	require.NoError(t, err)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, err := Connect[page, view](ctx, ui)
	require.NoError(t, err)
	defer remote.Close()

	require.NoError(t, remote.EmitTrigger(ctx, trNext))
	snap, err := remote.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, list, snap.Node)
}

func TestRegistry(t *testing.T) {
	reg := registry()
	require.True(t, reg.Has("open"))
	require.True(t, reg.Has("next"))
	require.False(t, reg.Has("other"))

	w, err := encodeTrigger(open{Item: "x"})
	require.NoError(t, err)
	got, err := reg.decode(w)
	require.NoError(t, err)
	require.Equal(t, open{Item: "x"}, got)

	w, err = encodeTrigger(trNext)
	require.NoError(t, err)
	require.Empty(t, w.Payload)
	got, err = reg.decode(w)
	require.NoError(t, err)
	require.Equal(t, trNext, got)

	_, err = reg.decode(wireTrigger{Key: "other"})
	require.ErrorIs(t, err, ErrUnknownTrigger)
}
