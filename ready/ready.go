// Package ready lets any context ask whether a named service is up,
// regardless of which side started first.
//
// The channel named after the service carries one of two messages. A
// waiter listens for Announce and then sends Query; a signalled service
// answers every Query with Announce, so a waiter that arrives late still
// hears about it.
package ready

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/librescoot/fsmbus/bus"
)

// Message is sent on a service's readiness channel.
type Message uint8

const (
	Query Message = iota
	Announce
)

func (m Message) String() string {
	switch m {
	case Query:
		return "QUERY"
	case Announce:
		return "ANNOUNCE"
	default:
		return fmt.Sprintf("Message(%d)", uint8(m))
	}
}

// Logger is used when neither WithLogger nor the bus provides one
var Logger = slog.Default()

type options struct {
	logger *slog.Logger
}

// Option configures Signal and WaitFor.
type Option func(*options)

// WithLogger sets the logger. Without it the bus logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(b bus.Bus, opts []Option) options {
	o := options{logger: b.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger
	}
	return o
}

// Announcer keeps answering queries for a ready service until closed.
type Announcer struct {
	name     string
	ch       *bus.Channel[Message]
	unlisten func()
}

// Signal marks name as ready: it announces once immediately and then
// answers every query.
func Signal(b bus.Bus, name string, opts ...Option) (*Announcer, error) {
	o := buildOptions(b, opts)
	ch, err := bus.Open[Message](b, name)
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", name, err)
	}

	a := &Announcer{name: name, ch: ch}
	a.unlisten = ch.Listen(func(m Message) {
		if m != Query {
			return
		}
		o.logger.Debug("answering readiness query", "service", name)
		if err := ch.Send(Announce); err != nil {
			o.logger.Warn("readiness announce failed", "service", name, "error", err)
		}
	})

	if err := ch.Send(Announce); err != nil {
		a.Close()
		return nil, fmt.Errorf("signal %s: %w", name, err)
	}
	o.logger.Debug("service ready", "service", name)
	return a, nil
}

// Close stops answering queries. Waiters that already saw an announce are
// unaffected.
func (a *Announcer) Close() error {
	a.unlisten()
	return a.ch.Close()
}

// WaitFor blocks until name has been signalled or ctx is done.
func WaitFor(ctx context.Context, b bus.Bus, name string, opts ...Option) error {
	o := buildOptions(b, opts)
	ch, err := bus.Open[Message](b, name)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", name, err)
	}
	defer ch.Close()

	announced := make(chan struct{})
	var once sync.Once
	unlisten := ch.Listen(func(m Message) {
		if m == Announce {
			once.Do(func() { close(announced) })
		}
	})
	defer unlisten()

	if err := ch.Send(Query); err != nil {
		return fmt.Errorf("wait for %s: %w", name, err)
	}

	select {
	case <-announced:
		o.logger.Debug("service is ready", "service", name)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", name, ctx.Err())
	}
}
