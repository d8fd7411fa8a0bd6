// Package rpc turns one-way broadcast channels into correlated calls.
//
// A request for name travels on "request.<name>" as {counter, value}; the
// registered handler's result travels back on "response.<name>" with the
// same counter. Clients match responses to pending calls by counter alone.
package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNoResponder is returned when no response arrives within the
	// client's timeout.
	ErrNoResponder = errors.New("rpc: no responder")
	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("rpc: client closed")
)

// DefaultTimeout bounds SendRequest unless WithTimeout says otherwise.
const DefaultTimeout = 30 * time.Second

// Logger is the default logger used when none is provided
var Logger = slog.Default()

// RemoteError is a handler failure reported by the responder.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: remote error: %s", e.Name, e.Message)
}

// RequestChannel returns the channel carrying requests for name.
func RequestChannel(name string) string { return "request." + name }

// ResponseChannel returns the channel carrying responses for name.
func ResponseChannel(name string) string { return "response." + name }

type request[T any] struct {
	Counter uint64 `cbor:"counter"`
	Value   T      `cbor:"value"`
}

type response[T any] struct {
	Counter uint64 `cbor:"counter"`
	Value   T      `cbor:"value"`
	Error   string `cbor:"error,omitempty"`
}

type options struct {
	timeout time.Duration
	serial  bool
	logger  *slog.Logger
}

// Option configures Register and Dial.
type Option func(*options)

// WithTimeout sets how long SendRequest waits for a response. Zero waits
// until the caller's context is done.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithSerial makes a server handle requests one at a time in arrival order.
// By default each request is handled in its own goroutine.
func WithSerial() Option {
	return func(o *options) {
		o.serial = true
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultTimeout, logger: Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
