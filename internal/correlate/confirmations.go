package correlate

import "sync"

// Decision is the human's answer to a tool confirmation request. A
// correlation id moves from unknown to exactly one terminal decision.
type Decision string

const (
	DecisionUnknown     Decision = "unknown"
	DecisionAlwaysAllow Decision = "always_allow"
	DecisionAllowOnce   Decision = "allow_once"
	DecisionDeny        Decision = "deny"
)

// Valid reports whether d is a terminal decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAlwaysAllow, DecisionAllowOnce, DecisionDeny:
		return true
	}
	return false
}

// ConfirmationLedger records confirmation decisions for one conversation.
// It replaces what used to be ambient process-wide state: the ledger is
// created with the conversation and discarded with it.
type ConfirmationLedger struct {
	mu        sync.Mutex
	decisions map[string]Decision
}

// NewConfirmationLedger creates an empty ledger.
func NewConfirmationLedger() *ConfirmationLedger {
	return &ConfirmationLedger{decisions: make(map[string]Decision)}
}

// Decision returns the recorded decision for id, or DecisionUnknown.
func (l *ConfirmationLedger) Decision(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.decisions[id]; ok {
		return d
	}
	return DecisionUnknown
}

// Record stores the decision for id. Decisions are terminal: the first
// recorded decision wins and later calls report false.
func (l *ConfirmationLedger) Record(id string, d Decision) bool {
	if !d.Valid() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.decisions[id]; ok {
		return false
	}
	l.decisions[id] = d
	return true
}
