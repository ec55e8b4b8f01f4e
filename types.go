package authstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Store is the persistent key-value adapter the manager writes session
// state through. Implementations must survive process restarts; the
// manager owns every auth-related key and other subsystems must not
// write them.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(keys ...string) error
}

// SessionClient issues session requests against the remote API. The
// manager consumes it as a black box; see APIClient for the default
// HTTP implementation.
type SessionClient interface {
	Login(ctx context.Context, email, password string) (*SessionPayload, error)
	Register(ctx context.Context, data RegisterData) (*SessionPayload, error)
	Refresh(ctx context.Context, refreshToken string) (*SessionPayload, error)
	Validate(ctx context.Context) (*ValidationResult, error)
	Logout(ctx context.Context) error
}

// SessionPayload is the parsed body of a successful login, register, or
// refresh response.
type SessionPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresIn is the token lifetime in seconds. Zero means the server
	// did not specify one.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
	User      *User `json:"user,omitempty"`
}

// ValidationResult is the parsed body of a validate-token response.
// The call is cookie-based so every field besides Valid is optional.
type ValidationResult struct {
	Valid       bool       `json:"valid"`
	User        *User      `json:"user,omitempty"`
	AccessToken string     `json:"accessToken,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// RegisterData carries the registration form. Extra fields are merged
// into the request body alongside the named ones.
type RegisterData struct {
	Email    string
	Password string
	Name     string
	Extra    map[string]any
}

// User holds the identity fields the manager cares about. Anything the
// server sends beyond them lands in Metadata and is carried opaquely.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Name         string         `json:"name,omitempty"`
	Subscription string         `json:"subscription,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UUID parses the user ID as a UUID for callers whose backend issues
// them. IDs are otherwise treated as opaque strings.
func (u *User) UUID() (uuid.UUID, error) {
	if u == nil {
		return uuid.Nil, ErrMalformedResponse
	}
	return uuid.Parse(u.ID)
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if len(u.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// sameIdentity reports whether two users refer to the same account,
// preferring IDs and falling back to email for legacy announcements
// that carry no ID.
func sameIdentity(a, b *User) bool {
	if a == nil || b == nil {
		return false
	}
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Email != "" && a.Email == b.Email
}

// State is the projection delivered to subscribers and bridge
// listeners on every material transition.
type State struct {
	Authenticated bool
	User          *User
}

func (s State) equal(other State) bool {
	if s.Authenticated != other.Authenticated {
		return false
	}
	if (s.User == nil) != (other.User == nil) {
		return false
	}
	if s.User == nil {
		return true
	}
	return s.User.ID == other.User.ID &&
		s.User.Email == other.User.Email &&
		s.User.Name == other.User.Name
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTHSTATE "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTHSTATE "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTHSTATE "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTHSTATE "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
