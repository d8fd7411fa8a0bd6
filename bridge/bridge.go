// Package bridge exposes a running fsmbus.Machine over a bus so that other
// contexts can emit triggers, read snapshots and follow changes.
//
// For a bridge named "fsm" the host answers the RPCs "fsm.emitTrigger"
// and "fsm.getSnapshot", broadcasts every change on "fsm.change" and
// signals readiness on "fsm.ready". Node and value types must be CBOR
// encodable.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/librescoot/fsmbus"
	"github.com/librescoot/fsmbus/bus"
	"github.com/librescoot/fsmbus/ready"
	"github.com/librescoot/fsmbus/rpc"
)

// DefaultName is the channel prefix used without WithName.
const DefaultName = "fsm"

// Logger is the default logger used when none is provided
var Logger = slog.Default()

type options struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures Expose and Connect.
type Option func(*options)

// WithName sets the channel prefix.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithTimeout sets the RPC timeout used by a Remote.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{name: DefaultName, timeout: rpc.DefaultTimeout, logger: Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func emitName(prefix string) string     { return prefix + ".emitTrigger" }
func snapshotName(prefix string) string { return prefix + ".getSnapshot" }
func changeName(prefix string) string   { return prefix + ".change" }
func readyName(prefix string) string    { return prefix + ".ready" }

type empty struct{}

// Host serves one machine on a bus.
type Host[N comparable, V any] struct {
	name      string
	emit      *rpc.Server[wireTrigger, empty]
	snapshot  *rpc.Server[empty, fsmbus.Snapshot[N, V]]
	changes   *bus.Channel[fsmbus.Snapshot[N, V]]
	unlisten  func()
	announcer *ready.Announcer
}

// Expose serves m on b. Remote triggers are accepted only for keys known to
// reg and are processed in arrival order; each emit call returns once the
// trigger and its NoTrigger cascade have been processed.
func Expose[N comparable, V any](m *fsmbus.Machine[N, V], b bus.Bus, reg *Registry, opts ...Option) (*Host[N, V], error) {
	o := buildOptions(opts)
	h := &Host[N, V]{name: o.name}

	var err error
	h.emit, err = rpc.Register(b, emitName(o.name), func(ctx context.Context, w wireTrigger) (empty, error) {
		t, err := reg.decode(w)
		if err != nil {
			o.logger.Warn("rejecting remote trigger", "bridge", o.name, "trigger", w.Key, "error", err)
			return empty{}, err
		}
		return empty{}, m.EmitTriggerSync(ctx, t)
	}, rpc.WithSerial(), rpc.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("expose %s: %w", o.name, err)
	}

	h.snapshot, err = rpc.Register(b, snapshotName(o.name), func(context.Context, empty) (fsmbus.Snapshot[N, V], error) {
		return m.Snapshot(), nil
	}, rpc.WithLogger(o.logger))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("expose %s: %w", o.name, err)
	}

	h.changes, err = bus.Open[fsmbus.Snapshot[N, V]](b, changeName(o.name))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("expose %s: %w", o.name, err)
	}
	h.unlisten = m.AddChangeListener(func(node N, value V) {
		if err := h.changes.Send(fsmbus.Snapshot[N, V]{Node: node, Value: value}); err != nil {
			o.logger.Warn("change broadcast failed", "bridge", o.name, "error", err)
		}
	})

	h.announcer, err = ready.Signal(b, readyName(o.name), ready.WithLogger(o.logger))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("expose %s: %w", o.name, err)
	}

	o.logger.Debug("machine exposed", "bridge", o.name)
	return h, nil
}

// Close stops serving. The machine keeps running.
func (h *Host[N, V]) Close() error {
	var errs []error
	if h.announcer != nil {
		errs = append(errs, h.announcer.Close())
	}
	if h.unlisten != nil {
		h.unlisten()
	}
	if h.changes != nil {
		errs = append(errs, h.changes.Close())
	}
	if h.snapshot != nil {
		errs = append(errs, h.snapshot.Close())
	}
	if h.emit != nil {
		errs = append(errs, h.emit.Close())
	}
	return errors.Join(errs...)
}

// Remote controls a machine exposed in another context.
type Remote[N comparable, V any] struct {
	name     string
	emit     *rpc.Client[wireTrigger, empty]
	snapshot *rpc.Client[empty, fsmbus.Snapshot[N, V]]
	changes  *bus.Channel[fsmbus.Snapshot[N, V]]
}

// Connect waits until a host is ready on b and returns a handle to it.
func Connect[N comparable, V any](ctx context.Context, b bus.Bus, opts ...Option) (*Remote[N, V], error) {
	o := buildOptions(opts)

	if err := ready.WaitFor(ctx, b, readyName(o.name), ready.WithLogger(o.logger)); err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.name, err)
	}

	r := &Remote[N, V]{name: o.name}
	var err error
	rpcOpts := []rpc.Option{rpc.WithTimeout(o.timeout), rpc.WithLogger(o.logger)}
	if r.emit, err = rpc.Dial[wireTrigger, empty](b, emitName(o.name), rpcOpts...); err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.name, err)
	}
	if r.snapshot, err = rpc.Dial[empty, fsmbus.Snapshot[N, V]](b, snapshotName(o.name), rpcOpts...); err != nil {
		r.Close()
		return nil, fmt.Errorf("connect %s: %w", o.name, err)
	}
	if r.changes, err = bus.Open[fsmbus.Snapshot[N, V]](b, changeName(o.name)); err != nil {
		r.Close()
		return nil, fmt.Errorf("connect %s: %w", o.name, err)
	}

	o.logger.Debug("connected to machine", "bridge", o.name)
	return r, nil
}

// EmitTrigger sends t to the host machine and waits until it has been
// processed. Processing errors such as an ambiguous transition come back
// as *rpc.RemoteError.
func (r *Remote[N, V]) EmitTrigger(ctx context.Context, t fsmbus.Trigger) error {
	w, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	_, err = r.emit.SendRequest(ctx, w)
	return err
}

// Snapshot fetches the host machine's current node and value.
func (r *Remote[N, V]) Snapshot(ctx context.Context) (fsmbus.Snapshot[N, V], error) {
	return r.snapshot.SendRequest(ctx, empty{})
}

// OnChange calls fn for every change of the host machine.
func (r *Remote[N, V]) OnChange(fn func(fsmbus.Snapshot[N, V])) (cancel func()) {
	return r.changes.Listen(fn)
}

// Close releases the remote's endpoints.
func (r *Remote[N, V]) Close() error {
	var errs []error
	if r.changes != nil {
		errs = append(errs, r.changes.Close())
	}
	if r.snapshot != nil {
		errs = append(errs, r.snapshot.Close())
	}
	if r.emit != nil {
		errs = append(errs, r.emit.Close())
	}
	return errors.Join(errs...)
}
