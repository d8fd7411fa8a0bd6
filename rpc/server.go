package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/librescoot/fsmbus/bus"
	"github.com/librescoot/fsmbus/internal/queue"
)

// Handler answers one request.
type Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Server answers requests for one name until closed.
type Server[Req, Resp any] struct {
	name      string
	handler   Handler[Req, Resp]
	requests  *bus.Channel[request[Req]]
	responses *bus.Channel[response[Resp]]
	unlisten  func()
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	serial *queue.Queue[request[Req]]
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Register starts answering requests for name with handler. Running more
// than one server per name makes every request produce several responses;
// clients keep the first.
func Register[Req, Resp any](b bus.Bus, name string, handler func(ctx context.Context, req Req) (Resp, error), opts ...Option) (*Server[Req, Resp], error) {
	o := buildOptions(opts)

	requests, err := bus.Open[request[Req]](b, RequestChannel(name))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	responses, err := bus.Open[response[Resp]](b, ResponseChannel(name))
	if err != nil {
		requests.Close()
		return nil, fmt.Errorf("register %s: %w", name, err)
	}

	s := &Server[Req, Resp]{
		name:      name,
		handler:   handler,
		requests:  requests,
		responses: responses,
		logger:    o.logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if o.serial {
		s.serial = queue.New[request[Req]]()
		s.wg.Add(1)
		go s.serialLoop()
	}
	s.unlisten = requests.Listen(s.receive)

	s.logger.Debug("rpc handler registered", "name", name, "serial", o.serial)
	return s, nil
}

func (s *Server[Req, Resp]) receive(req request[Req]) {
	if s.serial != nil {
		s.serial.Push(req)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.handle(req)
	}()
}

func (s *Server[Req, Resp]) serialLoop() {
	defer s.wg.Done()
	for {
		req, err := s.serial.Pop(s.ctx)
		if err != nil {
			return
		}
		s.handle(req)
	}
}

func (s *Server[Req, Resp]) handle(req request[Req]) {
	resp := response[Resp]{Counter: req.Counter}

	value, err := s.handler(s.ctx, req.Value)
	if err != nil {
		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			return
		}
		s.logger.Debug("rpc handler failed", "name", s.name, "counter", req.Counter, "error", err)
		resp.Error = err.Error()
	} else {
		resp.Value = value
	}

	if err := s.responses.Send(resp); err != nil {
		s.logger.Warn("rpc response not sent", "name", s.name, "counter", req.Counter, "error", err)
	}
}

// Close stops accepting requests and waits for running handlers.
func (s *Server[Req, Resp]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.unlisten()
	if s.serial != nil {
		s.serial.Close()
	}
	s.cancel()
	s.wg.Wait()

	return errors.Join(s.requests.Close(), s.responses.Close())
}
