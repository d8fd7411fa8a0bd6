package bus

import (
	"fmt"
	"log/slog"

	"github.com/librescoot/fsmbus/internal/codec"
)

// Channel is a typed view of an Endpoint. Payloads are CBOR-encoded T.
type Channel[T any] struct {
	ep     Endpoint
	logger *slog.Logger
}

// Open returns a typed channel on a fresh endpoint of b.
func Open[T any](b Bus, name string) (*Channel[T], error) {
	ep, err := b.Get(name)
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", name, err)
	}
	return &Channel[T]{ep: ep, logger: b.Logger()}, nil
}

// Name returns the channel name.
func (c *Channel[T]) Name() string { return c.ep.Name() }

// Send encodes v and broadcasts it.
func (c *Channel[T]) Send(v T) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", c.ep.Name(), err)
	}
	return c.ep.Send(data)
}

// Listen calls fn with every decoded message. Payloads that do not decode
// into T are dropped.
func (c *Channel[T]) Listen(fn func(T)) (cancel func()) {
	return c.ep.Listen(func(env Envelope) {
		var v T
		if err := codec.Unmarshal(env.Payload, &v); err != nil {
			c.logger.Debug("dropping undecodable payload",
				"channel", env.Channel, "uuid", env.UUID,
				"payload", codec.Diagnose(env.Payload), "error", err)
			return
		}
		fn(v)
	})
}

// Close closes the underlying endpoint.
func (c *Channel[T]) Close() error {
	return c.ep.Close()
}
