package fsmbus

// TriggerKey identifies a kind of trigger. Transitions are registered
// against keys; the trigger value itself carries the payload.
type TriggerKey string

// Trigger is implemented by every trigger type. A trigger type's zero value
// must report its key, so TriggerKey should use a value receiver and ignore
// the payload.
type Trigger interface {
	TriggerKey() TriggerKey
}

// Reserved trigger keys
const (
	// NoTriggerKey fires automatically each time the machine settles into
	// a node.
	NoTriggerKey TriggerKey = "NO_TRIGGER"
	// AnyTrigger matches every emitted trigger, including NoTrigger.
	AnyTrigger TriggerKey = "ANY_TRIGGER"
)

// NoTrigger is the trigger evaluated after each applied transition.
type NoTrigger struct{}

func (NoTrigger) TriggerKey() TriggerKey { return NoTriggerKey }

// Named is a trigger without payload.
type Named TriggerKey

func (n Named) TriggerKey() TriggerKey { return TriggerKey(n) }

// KeyOf returns the key reported by T's zero value.
func KeyOf[T Trigger]() TriggerKey {
	var t T
	return t.TriggerKey()
}
