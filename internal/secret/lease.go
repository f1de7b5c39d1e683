package secret

import "time"

// Lease is the bookkeeping record for a secret that Vault returned with a
// lease_id: it ties the secret to a time-bounded, possibly renewable grant
// that must be renewed (or re-fetched) before it expires.
type Lease struct {
	ID             string
	DurationSec    int
	Renewable      bool
	FirstSeenAt    time.Time
}

// RenewDeadline is the point at which the lease must be renewed:
// FirstSeenAt + duration * SafetyRatio.
func (l Lease) RenewDeadline() time.Time {
	return l.FirstSeenAt.Add(time.Duration(float64(l.DurationSec) * SafetyRatio * float64(time.Second)))
}

// SafetyRatio is applied to both token TTLs and lease durations to decide
// when a renewal must be attempted, per the spec's invariant that renewal
// happens before expiry rather than at it.
const SafetyRatio = 0.75
