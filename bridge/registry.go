package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/librescoot/fsmbus"
	"github.com/librescoot/fsmbus/internal/codec"
)

// ErrUnknownTrigger is returned when a remote emits a trigger key the host
// has not registered.
var ErrUnknownTrigger = errors.New("bridge: unknown trigger")

// wireTrigger is a trigger in transit.
type wireTrigger struct {
	Key     fsmbus.TriggerKey `cbor:"trigger"`
	Payload codec.RawMessage  `cbor:"payload,omitempty"`
}

func encodeTrigger(t fsmbus.Trigger) (wireTrigger, error) {
	w := wireTrigger{Key: t.TriggerKey()}
	if _, named := t.(fsmbus.Named); named {
		return w, nil
	}
	payload, err := codec.Marshal(t)
	if err != nil {
		return wireTrigger{}, fmt.Errorf("encode trigger %s: %w", w.Key, err)
	}
	w.Payload = payload
	return w, nil
}

// Registry maps trigger keys to the Go types a host accepts from remotes.
type Registry struct {
	mu       sync.RWMutex
	decoders map[fsmbus.TriggerKey]func(codec.RawMessage) (fsmbus.Trigger, error)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[fsmbus.TriggerKey]func(codec.RawMessage) (fsmbus.Trigger, error))}
}

// Register makes trigger type T acceptable from remotes. Its payload is
// decoded from CBOR into a T.
func Register[T fsmbus.Trigger](r *Registry) *Registry {
	key := fsmbus.KeyOf[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[key] = func(raw codec.RawMessage) (fsmbus.Trigger, error) {
		var t T
		if len(raw) == 0 {
			return t, nil
		}
		if err := codec.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode trigger %s: %w", key, err)
		}
		return t, nil
	}
	return r
}

// Named makes payload-less triggers acceptable from remotes.
func (r *Registry) Named(keys ...fsmbus.TriggerKey) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		r.decoders[key] = func(codec.RawMessage) (fsmbus.Trigger, error) {
			return fsmbus.Named(key), nil
		}
	}
	return r
}

// Has reports whether key is registered.
func (r *Registry) Has(key fsmbus.TriggerKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[key]
	return ok
}

func (r *Registry) decode(w wireTrigger) (fsmbus.Trigger, error) {
	r.mu.RLock()
	dec, ok := r.decoders[w.Key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, w.Key)
	}
	return dec(w.Payload)
}
