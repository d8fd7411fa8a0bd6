package fsmbus

import (
	"fmt"
	"log/slog"
)

// Origin is the source side of a transition: a concrete node, or AnyNode.
type Origin[N comparable] struct {
	Node N
	Any  bool
}

// From returns an origin matching exactly n.
func From[N comparable](n N) Origin[N] {
	return Origin[N]{Node: n}
}

// AnyNode returns an origin that matches every node.
func AnyNode[N comparable]() Origin[N] {
	return Origin[N]{Any: true}
}

func (o Origin[N]) String() string {
	if o.Any {
		return "ANY_NODE"
	}
	return fmt.Sprint(o.Node)
}

// Target is the destination side of a transition: a concrete node, or
// Loopback to stay in the current node.
type Target[N comparable] struct {
	Node     N
	Loopback bool
}

// To returns a target moving the machine to n.
func To[N comparable](n N) Target[N] {
	return Target[N]{Node: n}
}

// Loopback returns a target that leaves the current node unchanged.
func Loopback[N comparable]() Target[N] {
	return Target[N]{Loopback: true}
}

func (t Target[N]) String() string {
	if t.Loopback {
		return "LOOPBACK"
	}
	return fmt.Sprint(t.Node)
}

// Snapshot is the machine's node and value at one instant. Value is the live
// value, not a copy.
type Snapshot[N comparable, V any] struct {
	Node  N `cbor:"node"`
	Value V `cbor:"value"`
}

// DefaultMaxCascade bounds the number of NoTrigger steps taken after a
// single trigger.
const DefaultMaxCascade = 1000

// Logger is the default logger used when none is provided
var Logger = slog.Default()
