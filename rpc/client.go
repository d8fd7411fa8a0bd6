package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/librescoot/fsmbus/bus"
)

// Client issues requests for one name. It is safe for concurrent use; any
// number of requests may be in flight at once.
type Client[Req, Resp any] struct {
	name      string
	requests  *bus.Channel[request[Req]]
	responses *bus.Channel[response[Resp]]
	unlisten  func()
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	counter uint64
	pending map[uint64]chan response[Resp]
	closed  bool
	done    chan struct{}
}

// Dial returns a client for name. It does not wait for a server.
func Dial[Req, Resp any](b bus.Bus, name string, opts ...Option) (*Client[Req, Resp], error) {
	o := buildOptions(opts)

	requests, err := bus.Open[request[Req]](b, RequestChannel(name))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}
	responses, err := bus.Open[response[Resp]](b, ResponseChannel(name))
	if err != nil {
		requests.Close()
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}

	c := &Client[Req, Resp]{
		name:      name,
		requests:  requests,
		responses: responses,
		timeout:   o.timeout,
		logger:    o.logger,
		// Responses are broadcast to every client on the name, so counters
		// start at a random point to keep clients in different contexts
		// from claiming each other's responses.
		counter: rand.Uint64(),
		pending: make(map[uint64]chan response[Resp]),
		done:    make(chan struct{}),
	}
	c.unlisten = responses.Listen(c.receive)
	return c, nil
}

func (c *Client[Req, Resp]) receive(resp response[Resp]) {
	c.mu.Lock()
	ch, ok := c.pending[resp.Counter]
	delete(c.pending, resp.Counter)
	c.mu.Unlock()

	if !ok {
		// Someone else's call, or a duplicate for one already answered
		return
	}
	ch <- resp
}

// SendRequest broadcasts req and waits for the matching response. It fails
// with ErrNoResponder when the client's timeout elapses first, with the
// context's error when ctx is done, and with a *RemoteError when the
// handler failed.
func (c *Client[Req, Resp]) SendRequest(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	c.counter++
	counter := c.counter
	ch := make(chan response[Resp], 1)
	c.pending[counter] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, counter)
		c.mu.Unlock()
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, ErrNoResponder)
		defer cancel()
	}

	if err := c.requests.Send(request[Req]{Counter: counter, Value: req}); err != nil {
		return zero, fmt.Errorf("rpc %s: send request: %w", c.name, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return zero, &RemoteError{Name: c.name, Message: resp.Error}
		}
		return resp.Value, nil
	case <-c.done:
		return zero, ErrClosed
	case <-ctx.Done():
		err := context.Cause(ctx)
		if errors.Is(err, ErrNoResponder) {
			c.logger.Debug("rpc request timed out", "name", c.name, "counter", counter, "timeout", c.timeout)
			return zero, fmt.Errorf("rpc %s: %w after %v", c.name, ErrNoResponder, c.timeout)
		}
		return zero, err
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Client[Req, Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops listening for responses. Calls in flight fail with ErrClosed.
func (c *Client[Req, Resp]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.unlisten()
	return errors.Join(c.requests.Close(), c.responses.Close())
}
