package bus

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/fsmbus/internal/codec"
)

const helperEnv = "FSMBUS_HELPER_PROCESS"

// TestHelperProcess is the worker side of TestSpawnWorker. It answers every
// "ping" with "pong:<payload>" until its parent closes stdin.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	relay := NewRelay()
	detached, err := relay.Attach(ParentPort())
	if err != nil {
		os.Exit(2)
	}
	ping, err := relay.Get("ping")
	if err != nil {
		os.Exit(2)
	}
	pong, err := relay.Get("pong")
	if err != nil {
		os.Exit(2)
	}
	ping.Listen(func(env Envelope) {
		var s string
		if err := codec.Unmarshal(env.Payload, &s); err != nil {
			return
		}
		data, _ := codec.Marshal("pong:" + s)
		pong.Send(data)
	})

	<-detached
	relay.Close()
	os.Exit(0)
}

func TestSpawnWorker(t *testing.T) {
	relay := NewRelay()
	defer relay.Close()

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	w, err := SpawnWorker(relay, cmd)
	require.NoError(t, err)
	require.Positive(t, w.Pid())

	ping, err := relay.Get("ping")
	require.NoError(t, err)
	pong, err := relay.Get("pong")
	require.NoError(t, err)
	replies := collect(t, pong)

	// The worker may not be listening yet; keep pinging until it answers.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	var reply Envelope
wait:
	for {
		require.NoError(t, ping.Send(payload(t, "hello")))
		select {
		case reply = <-replies:
			break wait
		case <-tick.C:
		case <-deadline:
			t.Fatal("worker never answered")
		}
	}

	var got string
	require.NoError(t, codec.Unmarshal(reply.Payload, &got))
	require.Equal(t, "pong:hello", got)
	require.Equal(t, "pong", reply.Channel)

	require.NoError(t, w.Close())
}
