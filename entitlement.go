package clientsync

import "time"

// UnlimitedLimit is the sentinel limit value meaning no usage bound is
// enforced.
const UnlimitedLimit = -1

// PlanRef identifies a subscription plan from the server's catalog.
type PlanRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// EntitlementSnapshot is the last known view of the user's subscription and
// usage entitlement. It is server-authoritative; the only local mutation is
// an optimistic usage decrement (see entitlement.Store.ApplyDelta).
type EntitlementSnapshot struct {
	Entitled  bool       `json:"entitled"`
	Plan      *PlanRef   `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// PlanHint is the server's plan identifier when the full Plan record was
	// not included in the response. Used by the consistency repair pass to
	// look the plan up in the catalog.
	PlanHint string `json:"planHint,omitempty"`

	// Used and Limit track unit consumption. Limit == UnlimitedLimit means
	// unbounded.
	Used  int `json:"used"`
	Limit int `json:"limit"`

	// Warning is set when the snapshot was accepted despite failing the
	// entitled-implies-plan invariant and the repair pass could not fix it.
	// Callers may choose to render degraded UI.
	Warning bool `json:"warning,omitempty"`
}

// Remaining returns the number of units left, or UnlimitedLimit when the
// snapshot is unbounded.
func (s EntitlementSnapshot) Remaining() int {
	if s.Limit == UnlimitedLimit {
		return UnlimitedLimit
	}
	if r := s.Limit - s.Used; r > 0 {
		return r
	}
	return 0
}

// Consistent reports whether the snapshot satisfies the entitled-implies-plan
// invariant.
func (s EntitlementSnapshot) Consistent() bool {
	return !s.Entitled || s.Plan != nil
}
