package main

import (
	"context"
	"fmt"
	"time"

	"github.com/librescoot/fsmbus"
	"github.com/librescoot/fsmbus/bridge"
)

type node string

const (
	nodeBooting node = "booting"
	nodeIdle    node = "idle"
	nodeLoading node = "loading"
	nodeShowing node = "showing"
)

const trRefresh = fsmbus.Named("refresh")

// Navigate asks the viewer to load a listing.
type Navigate struct {
	Path string `cbor:"path"`
}

func (Navigate) TriggerKey() fsmbus.TriggerKey { return "navigate" }

type viewState struct {
	Path      string   `cbor:"path"`
	Items     []string `cbor:"items"`
	Refreshes int      `cbor:"refreshes"`
}

type viewer = fsmbus.Machine[node, viewState]

const viewerName = "viewer"

func viewerTriggers() *bridge.Registry {
	return bridge.Register[Navigate](bridge.NewRegistry()).Named(trRefresh.TriggerKey())
}

// fetch pretends to load a listing for path.
func fetch(ctx context.Context, m *viewer, t fsmbus.Trigger) error {
	nav := t.(Navigate)
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	items := make([]string, 3)
	for i := range items {
		items[i] = fmt.Sprintf("%s/item-%d", nav.Path, i+1)
	}
	m.UpdateValue(func(v viewState) viewState {
		v.Path = nav.Path
		v.Items = items
		return v
	})
	return nil
}

func newViewer(opts ...fsmbus.Option) (*viewer, error) {
	return fsmbus.NewDefinition[node, viewState]().
		On(nodeBooting, fsmbus.NoTriggerKey, nodeIdle).
		On(nodeIdle, fsmbus.KeyOf[Navigate](), nodeLoading, fsmbus.WithEffects(fetch)).
		On(nodeShowing, fsmbus.KeyOf[Navigate](), nodeLoading, fsmbus.WithEffects(fetch)).
		On(nodeLoading, fsmbus.NoTriggerKey, nodeShowing).
		Transition(fsmbus.AnyNode[node](), trRefresh.TriggerKey(), fsmbus.Loopback[node](),
			fsmbus.WithEffects(func(ctx context.Context, m *viewer, _ fsmbus.Trigger) error {
				m.UpdateValue(func(v viewState) viewState {
					v.Refreshes++
					return v
				})
				return nil
			}),
		).
		Initial(nodeBooting).
		Build(viewState{}, opts...)
}
