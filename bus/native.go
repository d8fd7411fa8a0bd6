package bus

import (
	"log/slog"
	"sync"
)

// Hub is the process-wide native broadcast primitive. Every Native bus
// built on the same Hub shares its channels; a message reaches every
// endpoint on the name except the one it was sent from.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]*nativeEndpoint
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*nativeEndpoint)}
}

func (h *Hub) join(ep *nativeEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[ep.name] = append(h.subs[ep.name], ep)
}

func (h *Hub) leave(ep *nativeEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	eps := h.subs[ep.name]
	for i, e := range eps {
		if e == ep {
			h.subs[ep.name] = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	if len(h.subs[ep.name]) == 0 {
		delete(h.subs, ep.name)
	}
}

func (h *Hub) broadcast(from *nativeEndpoint, env Envelope) {
	h.mu.RLock()
	eps := append([]*nativeEndpoint(nil), h.subs[env.Channel]...)
	h.mu.RUnlock()

	for _, ep := range eps {
		if ep != from {
			ep.listeners.call(env)
		}
	}
}

// Native is a Bus backed by a Hub.
type Native struct {
	hub    *Hub
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[*nativeEndpoint]struct{}
	closed    bool
}

// NewNative returns a bus context on hub.
func NewNative(hub *Hub, opts ...Option) *Native {
	o := buildOptions(append(opts, WithNativeBroadcast(hub)))
	return newNative(o)
}

func newNative(o options) *Native {
	return &Native{
		hub:       o.hub,
		logger:    o.logger,
		endpoints: make(map[*nativeEndpoint]struct{}),
	}
}

// Logger returns the bus logger.
func (n *Native) Logger() *slog.Logger { return n.logger }

// Get opens an endpoint on name.
func (n *Native) Get(name string) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}

	ep := &nativeEndpoint{bus: n, name: name}
	n.endpoints[ep] = struct{}{}
	n.hub.join(ep)
	n.logger.Debug("native endpoint opened", "channel", name)
	return ep, nil
}

// Close closes every endpoint opened through n.
func (n *Native) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	eps := make([]*nativeEndpoint, 0, len(n.endpoints))
	for ep := range n.endpoints {
		eps = append(eps, ep)
	}
	n.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
	return nil
}

type nativeEndpoint struct {
	bus       *Native
	name      string
	listeners listeners

	mu     sync.Mutex
	closed bool
}

func (e *nativeEndpoint) Name() string { return e.name }

func (e *nativeEndpoint) Send(payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	env := NewEnvelope(e.name, payload)
	e.bus.logger.Debug("native send", "channel", e.name, "uuid", env.UUID)
	e.bus.hub.broadcast(e, env)
	return nil
}

func (e *nativeEndpoint) Listen(fn func(Envelope)) func() {
	return e.listeners.add(fn)
}

func (e *nativeEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.bus.hub.leave(e)
	e.listeners.clear()

	e.bus.mu.Lock()
	delete(e.bus.endpoints, e)
	e.bus.mu.Unlock()
	return nil
}
