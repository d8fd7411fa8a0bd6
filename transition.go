package fsmbus

import "context"

// Guard must return true for its transition to be taken. Guards run in the
// machine's processing goroutine and must not block.
type Guard[N comparable, V any] func(m *Machine[N, V], t Trigger) bool

// Effect runs when its transition is taken. All effects of a transition run
// concurrently; the machine waits for every one before changing node.
type Effect[N comparable, V any] func(ctx context.Context, m *Machine[N, V], t Trigger) error

// Transition defines a state change rule
type Transition[N comparable, V any] struct {
	From    Origin[N]
	Trigger TriggerKey // or AnyTrigger
	To      Target[N]
	Guards  []Guard[N, V]
	Effects []Effect[N, V]
}

// matches reports whether the transition is eligible for key.
func (t *Transition[N, V]) matches(key TriggerKey) bool {
	return t.Trigger == AnyTrigger || t.Trigger == key
}

func (t *Transition[N, V]) allowed(m *Machine[N, V], trig Trigger) bool {
	for _, g := range t.Guards {
		if !g(m, trig) {
			return false
		}
	}
	return true
}

// TransitionOption is a functional option for configuring a Transition
type TransitionOption[N comparable, V any] func(*Transition[N, V])

// WithGuards adds guards that must ALL pass (AND logic), evaluated in order
func WithGuards[N comparable, V any](guards ...func(*Machine[N, V], Trigger) bool) TransitionOption[N, V] {
	return func(t *Transition[N, V]) {
		for _, g := range guards {
			t.Guards = append(t.Guards, g)
		}
	}
}

// WithEffects adds effects to execute when the transition is taken
func WithEffects[N comparable, V any](effects ...func(context.Context, *Machine[N, V], Trigger) error) TransitionOption[N, V] {
	return func(t *Transition[N, V]) {
		for _, e := range effects {
			t.Effects = append(t.Effects, e)
		}
	}
}

// Not negates a guard.
func Not[N comparable, V any](g func(*Machine[N, V], Trigger) bool) func(*Machine[N, V], Trigger) bool {
	return func(m *Machine[N, V], t Trigger) bool {
		return !g(m, t)
	}
}
