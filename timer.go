package fsmbus

import (
	"time"
)

// TimerScope defines when a timer is automatically cancelled
type TimerScope int

const (
	// TimerScopeGlobal - timer lives until explicitly stopped or the machine stops
	TimerScopeGlobal TimerScope = iota
	// TimerScopeNode - timer auto-cancelled when the machine leaves the node it was started in
	TimerScopeNode
)

// timerEntry tracks a running timer
type timerEntry[N comparable] struct {
	timer    *time.Timer
	trigger  Trigger
	scope    TimerScope
	owner    N
	duration time.Duration
}

func (m *Machine[N, V]) startTimer(name string, d time.Duration, t Trigger, scope TimerScope) {
	owner := m.Node()

	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	// Cancel existing timer with same name
	if existing, ok := m.timers[name]; ok {
		existing.timer.Stop()
		delete(m.timers, name)
	}

	entry := &timerEntry[N]{
		trigger:  t,
		scope:    scope,
		owner:    owner,
		duration: d,
	}
	entry.timer = time.AfterFunc(d, func() {
		m.timerMu.Lock()
		// A restarted or stopped timer no longer owns the name
		if m.timers[name] != entry {
			m.timerMu.Unlock()
			return
		}
		delete(m.timers, name)
		m.timerMu.Unlock()

		m.logger.Debug("timer fired", "name", name, "trigger", t.TriggerKey())
		m.EmitTrigger(t)
	})
	m.timers[name] = entry

	m.logger.Debug("timer started", "name", name, "duration", d, "trigger", t.TriggerKey())
}

// StartTimer starts a named timer that emits t after d. A timer with the
// same name is replaced.
func (m *Machine[N, V]) StartTimer(name string, d time.Duration, t Trigger) {
	m.startTimer(name, d, t, TimerScopeGlobal)
}

// StartNodeTimer is like StartTimer, but the timer is cancelled as soon as
// the machine leaves the node it is in at the time of the call. Effects run
// before the node changes, so to time a node from its entry use a change
// listener.
func (m *Machine[N, V]) StartNodeTimer(name string, d time.Duration, t Trigger) {
	m.startTimer(name, d, t, TimerScopeNode)
}

// ResetTimer restarts a running timer with a new duration, keeping its
// trigger and scope.
func (m *Machine[N, V]) ResetTimer(name string, d time.Duration) {
	m.timerMu.Lock()
	entry, ok := m.timers[name]
	m.timerMu.Unlock()
	if !ok {
		return
	}
	m.startTimer(name, d, entry.trigger, entry.scope)
}

// StopTimer stops a timer by name
func (m *Machine[N, V]) StopTimer(name string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if entry, ok := m.timers[name]; ok {
		entry.timer.Stop()
		delete(m.timers, name)
		m.logger.Debug("timer stopped", "name", name)
	}
}

// StopAllTimers stops all running timers
func (m *Machine[N, V]) StopAllTimers() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	for name, entry := range m.timers {
		entry.timer.Stop()
		m.logger.Debug("timer stopped (cleanup)", "name", name)
	}
	m.timers = make(map[string]*timerEntry[N])
}

// TimerActive checks if a timer is running
func (m *Machine[N, V]) TimerActive(name string) bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	_, ok := m.timers[name]
	return ok
}

// cleanupTimersForNode cancels node-scoped timers not owned by current
func (m *Machine[N, V]) cleanupTimersForNode(current N) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	for name, entry := range m.timers {
		if entry.scope == TimerScopeNode && entry.owner != current {
			entry.timer.Stop()
			delete(m.timers, name)
			m.logger.Debug("timer cleaned up (node exit)", "name", name, "node", entry.owner)
		}
	}
}
