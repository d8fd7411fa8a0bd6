package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/librescoot/fsmbus/internal/codec"
	"github.com/librescoot/fsmbus/internal/queue"
)

// Port is a backchannel to another context.
type Port interface {
	// Post queues env for the other side. It must not block.
	Post(env Envelope) error
	// Receive blocks until the next envelope arrives. It returns an error
	// wrapping ErrMalformed for an envelope that should be skipped, and any
	// other error once the port is unusable.
	Receive() (Envelope, error)
	Close() error
}

// StreamPort is a Port carrying a CBOR sequence of envelopes over a byte
// stream. Posted envelopes go through an unbounded outbox drained by a
// writer goroutine, so a slow or blocked peer never stalls the relay.
type StreamPort struct {
	dec     *codec.Decoder
	enc     *codec.Encoder
	outbox  *queue.Queue[Envelope]
	closers []io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewStreamPort reads envelopes from r and writes them to w. The closers
// are closed with the port.
func NewStreamPort(r io.Reader, w io.Writer, closers ...io.Closer) *StreamPort {
	ctx, cancel := context.WithCancel(context.Background())
	p := &StreamPort{
		dec:     codec.NewDecoder(r),
		enc:     codec.NewEncoder(w),
		outbox:  queue.New[Envelope](),
		closers: closers,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *StreamPort) writeLoop() {
	defer close(p.done)
	for {
		env, err := p.outbox.Pop(p.ctx)
		if err != nil {
			return
		}
		if err := p.enc.Encode(env); err != nil {
			p.fail(fmt.Errorf("write envelope: %w", err))
			return
		}
	}
}

func (p *StreamPort) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.Close()
}

// Post queues env for writing.
func (p *StreamPort) Post(env Envelope) error {
	if !p.outbox.Push(env) {
		return ErrClosed
	}
	return nil
}

// Receive reads the next envelope.
func (p *StreamPort) Receive() (Envelope, error) {
	var raw codec.RawMessage
	if err := p.dec.Decode(&raw); err != nil {
		if p.ctx.Err() != nil {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, fmt.Errorf("read envelope: %w", err)
	}

	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.valid() {
		return Envelope{}, fmt.Errorf("%w: missing uuid or channel", ErrMalformed)
	}
	return env, nil
}

// Close stops the writer and closes the underlying streams.
func (p *StreamPort) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		p.outbox.Close()
		p.cancel()
		for _, c := range p.closers {
			if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Err returns the write error that closed the port, if any.
func (p *StreamPort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Pipe returns two connected in-memory ports.
func Pipe() (*StreamPort, *StreamPort) {
	a, b := net.Pipe()
	return NewStreamPort(a, a, a), NewStreamPort(b, b, b)
}

// ParentPort is the backchannel of a worker process to the process that
// spawned it: envelopes arrive on stdin and leave on stdout. Closing the
// port closes stdin.
func ParentPort() *StreamPort {
	return NewStreamPort(os.Stdin, os.Stdout, os.Stdin)
}
