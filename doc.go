// Package authstate keeps a client application's authentication state
// reconciled across three sources of truth: locally persisted
// credentials, the server's session endpoints, and a live population
// of subscribers.
//
// Lifecycle:
//   - New restores the last persisted snapshot without touching the
//     network; Initialize then runs the reconciliation cascade: trust
//     an unexpired cached token, exchange a refresh token for a new
//     one, or fall back to asking the server whether a cookie session
//     exists.
//   - Every mutation flows through one commit point that validates the
//     transition table, persists before notifying, and broadcasts the
//     {authenticated, user} projection to subscribers in registration
//     order.
//   - Passive rechecks (refresh, validate) never fail the caller; they
//     degrade to the unauthenticated state so the UI always has a
//     definite answer. Explicit actions (login, register) surface
//     typed errors from the taxonomy in errors.go.
//
// Event bridge:
//   - Bridge rebroadcasts transitions process-wide for components that
//     never subscribe directly, and folds the two legacy signals
//     (external login/logout announcements) back into the manager so
//     old call sites and the manager never disagree.
package authstate
