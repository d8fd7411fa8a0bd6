// Package bus delivers payloads to every listener of a named channel, in
// this process and in every process reachable through relayed ports.
//
// Two implementations share the [Bus] interface. [Native] sits on a [Hub],
// the in-process broadcast primitive shared by all contexts of one process.
// [Relay] forwards envelopes between backchannel [Port]s and suppresses
// duplicates by envelope UUID, so star and chain topologies deliver each
// message exactly once per endpoint. [New] picks one based on the options.
package bus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/librescoot/fsmbus/internal/codec"
)

var (
	// ErrClosed is returned when using a closed bus, endpoint or port.
	ErrClosed = errors.New("bus: closed")
	// ErrMalformed is returned by Port.Receive for an envelope that
	// decoded but is unusable. Callers skip it and keep reading.
	ErrMalformed = errors.New("bus: malformed envelope")
)

// DefaultSeenCacheSize is the number of envelope UUIDs remembered for
// duplicate suppression.
const DefaultSeenCacheSize = 4096

// Logger is the default logger used when none is provided
var Logger = slog.Default()

// Envelope is the unit of delivery.
type Envelope struct {
	UUID    string           `cbor:"uuid"`
	Channel string           `cbor:"channel"`
	Payload codec.RawMessage `cbor:"payload"`
}

func (e Envelope) valid() bool {
	return e.UUID != "" && e.Channel != ""
}

// NewEnvelope wraps payload with a fresh UUID.
func NewEnvelope(channel string, payload []byte) Envelope {
	return Envelope{UUID: uuid.NewString(), Channel: channel, Payload: payload}
}

// Endpoint is a handle on one named channel. Listeners of an endpoint never
// see messages sent through that same endpoint; other endpoints on the same
// name do.
type Endpoint interface {
	Name() string
	// Send broadcasts a CBOR-encoded payload.
	Send(payload []byte) error
	// Listen registers fn for every distinct message on the channel until
	// the returned cancel function or Close is called.
	Listen(fn func(Envelope)) (cancel func())
	Close() error
}

// Bus hands out endpoints by channel name.
type Bus interface {
	Get(name string) (Endpoint, error)
	// Logger returns the logger the bus was configured with.
	Logger() *slog.Logger
	Close() error
}

type options struct {
	hub           *Hub
	seenCacheSize int
	logger        *slog.Logger
}

// Option configures New, NewRelay and NewNative.
type Option func(*options)

// WithNativeBroadcast selects the native implementation on hub.
func WithNativeBroadcast(hub *Hub) Option {
	return func(o *options) {
		o.hub = hub
	}
}

// WithSeenCacheSize sets the size of the duplicate-suppression caches.
func WithSeenCacheSize(n int) Option {
	return func(o *options) {
		o.seenCacheSize = n
	}
}

// WithLogger sets the logger for the bus
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{seenCacheSize: DefaultSeenCacheSize, logger: Logger}
	for _, opt := range opts {
		opt(&o)
	}
	if o.seenCacheSize <= 0 {
		o.seenCacheSize = DefaultSeenCacheSize
	}
	return o
}

// New returns a Native bus if WithNativeBroadcast was given and a Relay
// otherwise.
func New(opts ...Option) Bus {
	o := buildOptions(opts)
	if o.hub != nil {
		return newNative(o)
	}
	return newRelay(o)
}

// listeners is an ordered, removable set of callbacks.
type listeners struct {
	mu   sync.Mutex
	next uint64
	fns  []listenerEntry
}

type listenerEntry struct {
	id uint64
	fn func(Envelope)
}

func (l *listeners) add(fn func(Envelope)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.fns = append(l.fns, listenerEntry{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.fns {
			if e.id == id {
				l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners) clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}

// call invokes every listener without holding the lock.
func (l *listeners) call(env Envelope) {
	l.mu.Lock()
	fns := append([]listenerEntry(nil), l.fns...)
	l.mu.Unlock()
	for _, e := range fns {
		e.fn(env)
	}
}
