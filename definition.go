package fsmbus

import (
	"errors"
	"fmt"
)

// Definition holds the FSM structure before building a Machine
type Definition[N comparable, V any] struct {
	transitions []*Transition[N, V]
	initial     N
	hasInitial  bool
}

// NewDefinition creates a new FSM definition builder
func NewDefinition[N comparable, V any]() *Definition[N, V] {
	return &Definition[N, V]{}
}

// Transition adds a transition to the definition
func (d *Definition[N, V]) Transition(from Origin[N], key TriggerKey, to Target[N], opts ...TransitionOption[N, V]) *Definition[N, V] {
	d.transitions = append(d.transitions, newTransition(from, key, to, opts))
	return d
}

// On adds a transition between two concrete nodes
func (d *Definition[N, V]) On(from N, key TriggerKey, to N, opts ...TransitionOption[N, V]) *Definition[N, V] {
	return d.Transition(From(from), key, To(to), opts...)
}

// Initial sets the node the machine starts in
func (d *Definition[N, V]) Initial(n N) *Definition[N, V] {
	d.initial = n
	d.hasInitial = true
	return d
}

// Validate checks the definition for errors
func (d *Definition[N, V]) Validate() error {
	if !d.hasInitial {
		return errors.New("no initial node defined")
	}
	return validateTransitions(d.transitions)
}

// Build creates a Machine from the definition
func (d *Definition[N, V]) Build(value V, opts ...Option) (*Machine[N, V], error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}

	m := New[N, V](d.initial, value, opts...)
	for _, t := range d.transitions {
		m.addTransition(t)
	}
	return m, nil
}

func newTransition[N comparable, V any](from Origin[N], key TriggerKey, to Target[N], opts []TransitionOption[N, V]) *Transition[N, V] {
	t := &Transition[N, V]{From: from, Trigger: key, To: to}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// validateTransitions reports every origin/trigger pair that has more than
// one unguarded transition. Such pairs are always ambiguous at runtime.
// Guarded duplicates may still collide, which is detected when processing.
func validateTransitions[N comparable, V any](transitions []*Transition[N, V]) error {
	type pair struct {
		from Origin[N]
		key  TriggerKey
	}
	counts := make(map[pair]int)
	var order []pair

	for _, t := range transitions {
		if t.Trigger == "" {
			return fmt.Errorf("transition from %s to %s has an empty trigger", t.From, t.To)
		}
		if len(t.Guards) > 0 {
			continue
		}
		p := pair{t.From, t.Trigger}
		if counts[p] == 0 {
			order = append(order, p)
		}
		counts[p]++
	}

	var errs []error
	for _, p := range order {
		if counts[p] > 1 {
			errs = append(errs, fmt.Errorf("%w: %d unguarded transitions from %s on %s",
				ErrAmbiguousTransition, counts[p], p.from, p.key))
		}
	}
	return errors.Join(errs...)
}
