package vault

import (
	"time"

	"github.com/gocardless/rconfd/internal/secret"
)

// Session is the client-side view of a Vault login: the token, its TTL and
// renewability, and the deadline by which it must be renewed or replaced.
type Session struct {
	Token          string
	TokenAccessor  string
	TokenTTLSec    int
	TokenRenewable bool
	FirstSeenAt    time.Time
}

// AuthDeadline is FirstSeenAt + ttl * SafetyRatio: the point before which
// the token must be renewed (or a fresh login performed), per the spec's
// invariant that renewal is attempted before expiry rather than at it.
func (s Session) AuthDeadline() time.Time {
	return s.FirstSeenAt.Add(time.Duration(float64(s.TokenTTLSec) * secret.SafetyRatio * float64(time.Second)))
}
