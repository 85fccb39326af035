package pendingdb

import "time"

// RecordVersion is the current on-disk schema version for PendingConfirmation.
const RecordVersion = 1

// State is the lifecycle state of a pending payment confirmation.
type State string

const (
	// StateCreated: the external redirect was initiated, no verification yet.
	StateCreated State = "created"
	// StateVerifying: at least one verification attempt has been made.
	StateVerifying State = "verifying"
	// StateConfirmed: the server confirmed the payment. Terminal.
	StateConfirmed State = "confirmed"
	// StateFailed: the server rejected the payment or retries were
	// exhausted. Terminal, but re-triggerable by explicit user action.
	StateFailed State = "failed"
)

// Terminal reports whether the state admits no further automatic transitions.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateVerifying, StateConfirmed, StateFailed:
		return true
	}
	return false
}

// ExternalRef identifies the externally-initiated payment. At least one of
// the two fields is required for verification.
type ExternalRef struct {
	OrderID string `json:"orderId,omitempty"`
	LinkID  string `json:"linkId,omitempty"`
}

// Empty reports whether the ref carries no identifying information.
func (r ExternalRef) Empty() bool {
	return r.OrderID == "" && r.LinkID == ""
}

// Key returns the coalescing/storage key for the ref.
func (r ExternalRef) Key() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.LinkID
}

// PendingConfirmation is the durable record of a not-yet-confirmed payment.
// It is the only engine state that must survive a page/process reload:
// created the instant the external redirect is initiated, deleted on
// confirmation or explicit user dismissal, resumed on next start otherwise.
type PendingConfirmation struct {
	Version     int         `json:"version"`
	ExternalRef ExternalRef `json:"externalRef"`
	PlanRef     string      `json:"planRef"`
	PaymentRef  string      `json:"paymentRef,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	Attempts    int         `json:"attempts"`
	State       State       `json:"state"`
}
