package fsmbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/librescoot/fsmbus/internal/queue"
)

var (
	// ErrAmbiguousTransition is returned when more than one transition
	// passes its guards for the same node and trigger.
	ErrAmbiguousTransition = errors.New("ambiguous transition")
	// ErrCascadeLimit is returned when NoTrigger transitions keep firing
	// past the configured limit.
	ErrCascadeLimit = errors.New("NoTrigger cascade limit exceeded")
	// ErrStopped is returned to synchronous emitters once the machine stops.
	ErrStopped = errors.New("machine stopped")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("machine already started")
)

// Machine is the runtime FSM instance
type Machine[N comparable, V any] struct {
	mu    sync.RWMutex
	node  N
	value V

	// transitions keyed by origin node, plus those registered for AnyNode
	transitions map[N][]*Transition[N, V]
	anyNode     []*Transition[N, V]

	listenerMu   sync.Mutex
	listeners    []listener[N, V]
	nextListener uint64

	triggers *queue.Queue[pending]
	timers   map[string]*timerEntry[N]
	timerMu  sync.Mutex

	logger     *slog.Logger
	onError    func(error)
	maxCascade int

	startMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type listener[N comparable, V any] struct {
	id uint64
	fn func(N, V)
}

type pending struct {
	trigger Trigger
	done    chan error // nil for asynchronous emits
}

type options struct {
	logger     *slog.Logger
	onError    func(error)
	maxCascade int
}

// Option is a functional option for configuring a Machine
type Option func(*options)

// WithLogger sets the logger for the machine
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorHandler sets the callback receiving errors from asynchronously
// emitted triggers. The default logs them at Error level.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// WithMaxCascade bounds the number of NoTrigger steps following one trigger
func WithMaxCascade(n int) Option {
	return func(o *options) {
		o.maxCascade = n
	}
}

// New creates a machine in node initial carrying value. Transitions are
// added with AddTransition; processing begins with Start.
func New[N comparable, V any](initial N, value V, opts ...Option) *Machine[N, V] {
	o := options{logger: Logger, maxCascade: DefaultMaxCascade}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Machine[N, V]{
		node:        initial,
		value:       value,
		transitions: make(map[N][]*Transition[N, V]),
		triggers:    queue.New[pending](),
		timers:      make(map[string]*timerEntry[N]),
		logger:      o.logger,
		onError:     o.onError,
		maxCascade:  o.maxCascade,
		done:        make(chan struct{}),
	}
	if m.onError == nil {
		m.onError = func(err error) {
			m.logger.Error("trigger processing failed", "error", err)
		}
	}
	return m
}

// AddTransition registers a transition. Several transitions may share an
// origin and trigger; if more than one passes its guards at runtime the
// trigger fails with ErrAmbiguousTransition.
func (m *Machine[N, V]) AddTransition(from Origin[N], key TriggerKey, to Target[N], opts ...TransitionOption[N, V]) {
	m.addTransition(newTransition(from, key, to, opts))
}

func (m *Machine[N, V]) addTransition(t *Transition[N, V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.From.Any {
		m.anyNode = append(m.anyNode, t)
	} else {
		m.transitions[t.From.Node] = append(m.transitions[t.From.Node], t)
	}
}

// Validate reports origin/trigger pairs that are ambiguous regardless of
// guards.
func (m *Machine[N, V]) Validate() error {
	return validateTransitions(m.Transitions())
}

// Start begins processing triggers. The machine first evaluates NoTrigger
// in its initial node, so entry transitions fire without external input.
func (m *Machine[N, V]) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.ctx != nil {
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	m.logger.Debug("starting machine", "node", m.node)
	m.mu.RUnlock()

	go m.triggerLoop()
	return nil
}

// Stop gracefully shuts down the machine
func (m *Machine[N, V]) Stop() error {
	m.startMu.Lock()
	cancel := m.cancel
	m.startMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.StopAllTimers()
	return nil
}

// Done is closed when the processing loop has exited.
func (m *Machine[N, V]) Done() <-chan struct{} {
	return m.done
}

// EmitTrigger queues t for processing and returns immediately. Triggers are
// processed one at a time in the order they were emitted.
func (m *Machine[N, V]) EmitTrigger(t Trigger) {
	if !m.triggers.Push(pending{trigger: t}) {
		m.logger.Warn("machine stopped, dropping trigger", "trigger", t.TriggerKey())
	}
}

// EmitTriggerSync queues t and waits until it and its NoTrigger cascade
// have been processed, returning the processing error.
func (m *Machine[N, V]) EmitTriggerSync(ctx context.Context, t Trigger) error {
	done := make(chan error, 1)
	if !m.triggers.Push(pending{trigger: t, done: done}) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Node returns the current node
func (m *Machine[N, V]) Node() N {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.node
}

// Value returns the current value
func (m *Machine[N, V]) Value() V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value
}

// Snapshot returns the node and value as of the last applied transition.
func (m *Machine[N, V]) Snapshot() Snapshot[N, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot[N, V]{Node: m.node, Value: m.value}
}

// SetValue replaces the value and notifies change listeners.
func (m *Machine[N, V]) SetValue(v V) {
	m.mu.Lock()
	m.value = v
	node := m.node
	m.mu.Unlock()

	m.notify(node, v)
}

// UpdateValue replaces the value with fn applied to it and notifies change
// listeners. fn runs with the machine locked, so concurrent effects can
// update the value without losing writes; it must not call back into m.
func (m *Machine[N, V]) UpdateValue(fn func(V) V) V {
	m.mu.Lock()
	v := fn(m.value)
	m.value = v
	node := m.node
	m.mu.Unlock()

	m.notify(node, v)
	return v
}

// AddChangeListener registers fn to be called with the node and value after
// every applied transition and every SetValue or UpdateValue. The returned
// function removes the listener.
func (m *Machine[N, V]) AddChangeListener(fn func(node N, value V)) (remove func()) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listener[N, V]{id: id, fn: fn})

	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// AvailableTransitions returns the transitions that can fire from node:
// AnyNode transitions first, then those registered for node.
func (m *Machine[N, V]) AvailableTransitions(node N) []*Transition[N, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available(node)
}

func (m *Machine[N, V]) available(node N) []*Transition[N, V] {
	out := make([]*Transition[N, V], 0, len(m.anyNode)+len(m.transitions[node]))
	out = append(out, m.anyNode...)
	return append(out, m.transitions[node]...)
}

// Transitions returns every registered transition.
func (m *Machine[N, V]) Transitions() []*Transition[N, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]*Transition[N, V](nil), m.anyNode...)
	for _, ts := range m.transitions {
		out = append(out, ts...)
	}
	return out
}

func (m *Machine[N, V]) notify(node N, value V) {
	m.listenerMu.Lock()
	ls := append([]listener[N, V](nil), m.listeners...)
	m.listenerMu.Unlock()

	for _, l := range ls {
		l.fn(node, value)
	}
}

// triggerLoop processes queued triggers until the machine is stopped
func (m *Machine[N, V]) triggerLoop() {
	defer close(m.done)
	defer m.triggers.Close()

	if err := m.process(NoTrigger{}); err != nil {
		m.onError(err)
	}

	for {
		p, err := m.triggers.Pop(m.ctx)
		if err != nil {
			return
		}

		err = m.process(p.trigger)
		if p.done != nil {
			p.done <- err
		} else if err != nil {
			m.onError(err)
		}
	}
}

// process handles one trigger and then NoTrigger until nothing fires
func (m *Machine[N, V]) process(t Trigger) error {
	applied, err := m.step(t)
	if err != nil || !applied {
		return err
	}

	for i := 0; ; i++ {
		if i >= m.maxCascade {
			return fmt.Errorf("%w: %d steps after %s", ErrCascadeLimit, m.maxCascade, t.TriggerKey())
		}
		applied, err = m.step(NoTrigger{})
		if err != nil || !applied {
			return err
		}
	}
}

// step evaluates a single trigger against the current node and reports
// whether a transition was applied.
func (m *Machine[N, V]) step(t Trigger) (bool, error) {
	key := t.TriggerKey()

	m.mu.RLock()
	from := m.node
	var eligible []*Transition[N, V]
	for _, tr := range m.available(from) {
		if tr.matches(key) {
			eligible = append(eligible, tr)
		}
	}
	m.mu.RUnlock()

	if key != NoTriggerKey {
		m.logger.Debug("processing trigger", "trigger", key, "node", from)
	}

	if len(eligible) == 0 {
		if key != NoTriggerKey {
			m.logger.Warn("no transitions for trigger", "trigger", key, "node", from)
		}
		return false, nil
	}

	// Guards run without the lock held so they may read the machine.
	var valid []*Transition[N, V]
	for _, tr := range eligible {
		if tr.allowed(m, t) {
			valid = append(valid, tr)
		} else {
			m.logger.Debug("guard rejected transition", "trigger", key, "from", from, "to", tr.To)
		}
	}

	switch len(valid) {
	case 0:
		m.logger.Debug("all guards rejected", "trigger", key, "node", from)
		return false, nil
	case 1:
	default:
		return false, fmt.Errorf("%w: %d transitions from %v on %s", ErrAmbiguousTransition, len(valid), from, key)
	}

	tr := valid[0]
	m.logger.Debug("executing transition", "trigger", key, "from", from, "to", tr.To)

	if err := m.runEffects(tr, t); err != nil {
		return false, fmt.Errorf("effect failed on %s from %v: %w", key, from, err)
	}

	m.mu.Lock()
	if !tr.To.Loopback {
		m.node = tr.To.Node
	}
	node, value := m.node, m.value
	m.mu.Unlock()

	if node != from {
		m.cleanupTimersForNode(node)
	}
	m.notify(node, value)
	return true, nil
}

func (m *Machine[N, V]) runEffects(tr *Transition[N, V], t Trigger) error {
	if len(tr.Effects) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(m.ctx)
	for _, effect := range tr.Effects {
		g.Go(func() error {
			return effect(ctx, m, t)
		})
	}
	return g.Wait()
}
