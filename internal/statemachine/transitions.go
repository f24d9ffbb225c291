package statemachine

import "github.com/sneh-joshi/poplog/internal/types"

// transitions.go — lease state transition rules.
//
// State diagram:
//
//	PENDING ──(pop)──► INVISIBLE ──(ack)──────────────► ACKED
//	   ▲                  │  ▲
//	   └──(lease expires)─┘  └─(change invisible duration)
//	   │
//	   └──(pop with attempts exhausted)────────────────► DEAD
//
// Expiry is lazy: an INVISIBLE record whose InvisibleUntil has passed is
// reported as PENDING by State without any stored change.

// ValidTransition reports whether the transition from → to is a legal
// state change for a message.
//
// Apply enforces these rules structurally; the table is used by tests and
// by State consumers that want to assert on observed histories.
func ValidTransition(from, to types.Status) bool {
	switch from {
	case types.StatusPending:
		// PENDING → INVISIBLE via Pop; → DEAD when a Pop finds the delivery
		// budget spent.
		return to == types.StatusInvisible || to == types.StatusDead
	case types.StatusInvisible:
		// INVISIBLE can:
		//   → ACKED     — consumer acknowledged with the current token
		//   → INVISIBLE — ChangeInvisibleDuration with the current token
		//   → PENDING   — lease expired
		return to == types.StatusAcked || to == types.StatusInvisible || to == types.StatusPending
	case types.StatusAcked, types.StatusDead:
		// Terminal states are absorbing.
		return false
	}
	return false
}
