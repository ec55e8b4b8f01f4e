package authstate

import (
	"fmt"
	"time"
)

// Snapshot is the complete view of authentication state at a point in
// time. The manager hands out copies; mutating one never affects the
// manager.
//
// Invariants held at every commit:
//   - Authenticated implies AccessToken and User are present.
//   - User and Authenticated are cleared together, never independently.
//   - ExpiresAt is informative; the server stays the source of truth
//     for token validity.
type Snapshot struct {
	Status        Status
	Authenticated bool
	User          *User
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
}

func emptySnapshot() Snapshot {
	return Snapshot{Status: StatusUnauthenticated}
}

// Expired reports whether the access token lifetime has elapsed. A
// zero ExpiresAt means the lifetime is unknown and the token is
// treated as still usable.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Projection reduces the snapshot to what subscribers consume.
func (s Snapshot) Projection() State {
	return State{
		Authenticated: s.Authenticated,
		User:          s.User.clone(),
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.User = s.User.clone()
	return out
}

// checkInvariants guards the impossible combinations the status field
// would otherwise allow.
func (s Snapshot) checkInvariants() error {
	if s.Authenticated && s.AccessToken == "" {
		return detailed(ErrInvalidTransition, map[string]any{
			"reason": "authenticated snapshot without access token",
		})
	}
	if s.Authenticated && s.User == nil {
		return detailed(ErrInvalidTransition, map[string]any{
			"reason": "authenticated snapshot without user",
		})
	}
	if !s.Authenticated && (s.Status == StatusAuthenticatedFresh || s.Status == StatusAuthenticatedStale) {
		return detailed(ErrInvalidTransition, map[string]any{
			"reason": "authenticated status on unauthenticated snapshot",
		})
	}
	return nil
}

func (s Snapshot) String() string {
	user := "<nil>"
	if s.User != nil {
		user = s.User.Email
	}
	expires := "<unset>"
	if !s.ExpiresAt.IsZero() {
		expires = s.ExpiresAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("status=%s auth=%t user=%s expires=%s", s.Status, s.Authenticated, user, expires)
}
