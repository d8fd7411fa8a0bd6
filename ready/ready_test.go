package ready

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fsmbus/bus"
	"github.com/librescoot/fsmbus/internal/testutil"
)

func wait(b bus.Bus, name string, timeout time.Duration) <-chan error {
	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		errs <- WaitFor(ctx, b, name)
	}()
	return errs
}

func TestLateJoin(t *testing.T) {
	b := bus.NewRelay()
	defer b.Close()

	a, err := Signal(b, "db")
	require.NoError(t, err)
	defer a.Close()

	err = testutil.RequireReceive(t, wait(b, "db", time.Second), 2*time.Second)
	require.NoError(t, err)
}

func TestWaitBeforeSignal(t *testing.T) {
	b := bus.NewRelay()
	defer b.Close()

	errs := wait(b, "db", time.Second)
	time.Sleep(20 * time.Millisecond)

	a, err := Signal(b, "db")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, testutil.RequireReceive(t, errs, 2*time.Second))
}

func TestAcrossContexts(t *testing.T) {
	hub := bus.NewHub()
	ui, worker := bus.NewNative(hub), bus.NewNative(hub)
	defer ui.Close()
	defer worker.Close()

	a, err := Signal(worker, "worker")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, testutil.RequireReceive(t, wait(ui, "worker", time.Second), 2*time.Second))
}

func TestAcrossRelays(t *testing.T) {
	ui, worker := bus.NewRelay(), bus.NewRelay()
	defer ui.Close()
	defer worker.Close()

	pa, pb := bus.Pipe()
	_, err := ui.Attach(pa)
	require.NoError(t, err)
	_, err = worker.Attach(pb)
	require.NoError(t, err)

	errs := wait(ui, "worker", time.Second)
	time.Sleep(20 * time.Millisecond)

	a, err := Signal(worker, "worker")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, testutil.RequireReceive(t, errs, 2*time.Second))
}

func TestWaitTimesOut(t *testing.T) {
	b := bus.NewRelay()
	defer b.Close()

	err := testutil.RequireReceive(t, wait(b, "missing", 20*time.Millisecond), time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOtherServiceDoesNotCount(t *testing.T) {
	b := bus.NewRelay()
	defer b.Close()

	a, err := Signal(b, "cache")
	require.NoError(t, err)
	defer a.Close()

	err = testutil.RequireReceive(t, wait(b, "db", 30*time.Millisecond), time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageWireValues(t *testing.T) {
	require.Equal(t, Message(0), Query)
	require.Equal(t, Message(1), Announce)
	require.Equal(t, "ANNOUNCE", Announce.String())
}

func TestLoggerOption(t *testing.T) {
	var busLogs, readyLogs testutil.LogBuffer
	b := bus.NewRelay(bus.WithLogger(busLogs.Logger()))
	defer b.Close()

	a, err := Signal(b, "db", WithLogger(readyLogs.Logger()))
	require.NoError(t, err)
	defer a.Close()
	require.Contains(t, readyLogs.String(), "service ready")

	// Without the option the bus logger is used.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, WaitFor(ctx, b, "db"))
	require.Contains(t, busLogs.String(), "service is ready")
	require.NotContains(t, busLogs.String(), `msg="service ready"`)
}
