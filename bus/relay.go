package bus

import (
	"errors"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Relay is a Bus that forwards envelopes between local endpoints and any
// number of attached backchannel ports. A process-wide cache of seen UUIDs
// makes every envelope reach each local endpoint at most once and get
// forwarded at most once, however many paths it arrives on.
type Relay struct {
	logger    *slog.Logger
	cacheSize int
	seen      *lru.Cache[string, struct{}]

	mu        sync.RWMutex
	endpoints map[string][]*relayEndpoint
	ports     map[Port]*attachment
	closed    bool
	wg        sync.WaitGroup
}

type attachment struct {
	port Port
	done chan struct{}
}

// NewRelay returns a relay bus with no ports attached.
func NewRelay(opts ...Option) *Relay {
	return newRelay(buildOptions(opts))
}

func newRelay(o options) *Relay {
	seen, err := lru.New[string, struct{}](o.seenCacheSize)
	if err != nil {
		// Only possible for a non-positive size, which buildOptions rules out
		panic("bus: " + err.Error())
	}
	return &Relay{
		logger:    o.logger,
		cacheSize: o.seenCacheSize,
		seen:      seen,
		endpoints: make(map[string][]*relayEndpoint),
		ports:     make(map[Port]*attachment),
	}
}

// Logger returns the bus logger.
func (r *Relay) Logger() *slog.Logger { return r.logger }

// Get opens an endpoint on name.
func (r *Relay) Get(name string) (Endpoint, error) {
	sent, err := lru.New[string, struct{}](r.cacheSize)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	ep := &relayEndpoint{relay: r, name: name, sent: sent}
	r.endpoints[name] = append(r.endpoints[name], ep)
	r.logger.Debug("relay endpoint opened", "channel", name)
	return ep, nil
}

// Attach registers p as a backchannel and starts reading from it. Messages
// sent locally are posted to p; messages read from p are delivered locally
// and forwarded to every other port. The returned channel is closed once p
// has been detached, either through Detach, Close, or a read error.
func (r *Relay) Attach(p Port) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.ports[p]; ok {
		return a.done, nil
	}

	a := &attachment{port: p, done: make(chan struct{})}
	r.ports[p] = a
	r.wg.Add(1)
	go r.readLoop(a)

	r.logger.Debug("port attached", "ports", len(r.ports))
	return a.done, nil
}

// Detach closes p and stops relaying through it.
func (r *Relay) Detach(p Port) {
	r.mu.Lock()
	_, ok := r.ports[p]
	r.mu.Unlock()
	if ok {
		// The read loop observes the closed port and removes it.
		p.Close()
	}
}

// Close detaches every port and closes every endpoint.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var ports []Port
	for p := range r.ports {
		ports = append(ports, p)
	}
	var eps []*relayEndpoint
	for _, list := range r.endpoints {
		eps = append(eps, list...)
	}
	r.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
	r.wg.Wait()

	for _, ep := range eps {
		ep.Close()
	}
	return nil
}

func (r *Relay) readLoop(a *attachment) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.ports, a.port)
		r.mu.Unlock()
		close(a.done)
		r.logger.Debug("port detached")
	}()

	for {
		env, err := a.port.Receive()
		if errors.Is(err, ErrMalformed) {
			r.logger.Debug("dropping malformed envelope", "error", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				r.logger.Debug("port read failed", "error", err)
			}
			a.port.Close()
			return
		}
		r.inbound(a.port, env)
	}
}

// inbound handles an envelope read from port src.
func (r *Relay) inbound(src Port, env Envelope) {
	if ok, _ := r.seen.ContainsOrAdd(env.UUID, struct{}{}); ok {
		r.logger.Debug("dropping duplicate envelope", "channel", env.Channel, "uuid", env.UUID)
		return
	}
	r.deliverLocal(env)
	r.forward(src, env)
}

func (r *Relay) deliverLocal(env Envelope) {
	r.mu.RLock()
	eps := append([]*relayEndpoint(nil), r.endpoints[env.Channel]...)
	r.mu.RUnlock()

	for _, ep := range eps {
		ep.deliver(env)
	}
}

// forward posts env to every port except src. Posting never blocks.
func (r *Relay) forward(src Port, env Envelope) {
	r.mu.RLock()
	ports := make([]Port, 0, len(r.ports))
	for p := range r.ports {
		if p != src {
			ports = append(ports, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range ports {
		if err := p.Post(env); err != nil {
			r.logger.Debug("port post failed", "channel", env.Channel, "error", err)
		}
	}
}

func (r *Relay) remove(ep *relayEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.endpoints[ep.name]
	for i, e := range eps {
		if e == ep {
			r.endpoints[ep.name] = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	if len(r.endpoints[ep.name]) == 0 {
		delete(r.endpoints, ep.name)
	}
}

type relayEndpoint struct {
	relay     *Relay
	name      string
	sent      *lru.Cache[string, struct{}] // UUIDs sent through this endpoint
	listeners listeners

	mu     sync.Mutex
	closed bool
}

func (e *relayEndpoint) Name() string { return e.name }

func (e *relayEndpoint) Send(payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	env := NewEnvelope(e.name, payload)
	e.sent.Add(env.UUID, struct{}{})
	e.relay.seen.Add(env.UUID, struct{}{})

	e.relay.logger.Debug("relay send", "channel", e.name, "uuid", env.UUID)
	e.relay.deliverLocal(env)
	e.relay.forward(nil, env)
	return nil
}

func (e *relayEndpoint) deliver(env Envelope) {
	if e.sent.Contains(env.UUID) {
		return
	}
	e.listeners.call(env)
}

func (e *relayEndpoint) Listen(fn func(Envelope)) func() {
	return e.listeners.add(fn)
}

func (e *relayEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.relay.remove(e)
	e.listeners.clear()
	return nil
}
