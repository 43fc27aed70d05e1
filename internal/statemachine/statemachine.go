// Package statemachine implements the task and step finite state machines
// (C3): a tagged set of states plus a transition table keyed by
// (from_state, to_state), per DESIGN NOTES §9 — not inheritance-based
// subclassing. Every transition is recorded as an append-only row with
// exactly one most_recent = true row per entity (inv. 2); transitioning to
// the current state is an idempotent no-op that emits neither a row nor an
// event (§4.2).
package statemachine

import (
	"fmt"
)

// ErrGuardFailed is returned when a transition is not reachable from the
// entity's current state, or a guard condition (readiness, execution
// status) rejects it. The orchestrator's concurrent-invocation tolerance
// (§4.7) relies on two workers racing the same guarded transition: whichever
// insert lands first wins, the other observes ErrGuardFailed.
type ErrGuardFailed struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e *ErrGuardFailed) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s -> %s rejected: %s", e.Entity, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s: %s -> %s is not a valid transition", e.Entity, e.From, e.To)
}

// canReach is the shared table-lookup dispatcher both machines use (DESIGN
// NOTES §9). It only checks the table; the "idempotent same-state" rule and
// the guard checks are applied by each machine before or after calling it.
func canReach[S comparable](table map[S][]S, from, to S) bool {
	for _, candidate := range table[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
