package bus

import (
	"fmt"
	"os"
	"os/exec"
)

// Worker is a child process attached to a Relay through its stdio. The
// child talks to the parent with ParentPort.
type Worker struct {
	cmd      *exec.Cmd
	port     *StreamPort
	relay    *Relay
	detached <-chan struct{}
}

// SpawnWorker starts cmd and attaches its stdin and stdout as a backchannel
// of relay. Messages the worker sends reach the relay's local listeners and
// every other port; local sends reach the worker. Use exec.CommandContext to
// tie the child's lifetime to a context.
func SpawnWorker(relay *Relay, cmd *exec.Cmd) (*Worker, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	port := NewStreamPort(stdout, stdin, stdin)
	detached, err := relay.Attach(port)
	if err != nil {
		port.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("attach worker: %w", err)
	}

	relay.logger.Debug("worker spawned", "path", cmd.Path, "pid", cmd.Process.Pid)
	return &Worker{cmd: cmd, port: port, relay: relay, detached: detached}, nil
}

// Pid returns the worker's process id.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// Wait blocks until the worker's output has been fully relayed and the
// process has exited.
func (w *Worker) Wait() error {
	<-w.detached
	return w.cmd.Wait()
}

// Close detaches the worker, which closes its stdin, and waits for it to
// exit.
func (w *Worker) Close() error {
	w.relay.Detach(w.port)
	return w.Wait()
}
