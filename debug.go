package fsmbus

import (
	"context"
	"log/slog"
	"time"
)

// Debug instruments every transition currently registered on m: each guard
// logs its verdict, each effect logs its start, duration and error, and a
// change listener logs every settle. Call it before Start; transitions added
// afterwards are not instrumented. The returned function removes the settle
// listener.
func Debug[N comparable, V any](m *Machine[N, V], logger *slog.Logger) (remove func()) {
	if logger == nil {
		logger = m.logger
	}

	m.mu.Lock()
	instrument := func(ts []*Transition[N, V]) {
		for _, tr := range ts {
			for i, g := range tr.Guards {
				tr.Guards[i] = debugGuard(logger, tr, i, g)
			}
			for i, e := range tr.Effects {
				tr.Effects[i] = debugEffect(logger, tr, i, e)
			}
		}
	}
	instrument(m.anyNode)
	for _, ts := range m.transitions {
		instrument(ts)
	}
	m.mu.Unlock()

	return m.AddChangeListener(func(node N, value V) {
		logger.Debug("fsm settled", "node", node, "value", value)
	})
}

func debugGuard[N comparable, V any](logger *slog.Logger, tr *Transition[N, V], idx int, g Guard[N, V]) Guard[N, V] {
	return func(m *Machine[N, V], t Trigger) bool {
		ok := g(m, t)
		logger.Debug("fsm guard",
			"from", tr.From, "to", tr.To, "trigger", t.TriggerKey(), "guard", idx, "result", ok)
		return ok
	}
}

func debugEffect[N comparable, V any](logger *slog.Logger, tr *Transition[N, V], idx int, e Effect[N, V]) Effect[N, V] {
	return func(ctx context.Context, m *Machine[N, V], t Trigger) error {
		logger.Debug("fsm effect start",
			"from", tr.From, "to", tr.To, "trigger", t.TriggerKey(), "effect", idx)
		start := time.Now()
		err := e(ctx, m, t)
		logger.Debug("fsm effect done",
			"from", tr.From, "to", tr.To, "trigger", t.TriggerKey(), "effect", idx,
			"took", time.Since(start), "error", err)
		return err
	}
}
