package authstate

// Status identifies where the manager sits in the session lifecycle.
// Revalidating and Refreshing mark an authoritative recheck in flight;
// they never change what subscribers observe on their own.
type Status string

const (
	StatusUnauthenticated    Status = "unauthenticated"
	StatusAuthenticatedFresh Status = "authenticated_fresh"
	StatusAuthenticatedStale Status = "authenticated_stale"
	StatusRevalidating       Status = "revalidating"
	StatusRefreshing         Status = "refreshing"
)

var transitions = map[Status]map[Status]struct{}{
	StatusUnauthenticated: {
		StatusAuthenticatedFresh: {},
		StatusAuthenticatedStale: {},
		StatusRevalidating:       {},
		StatusRefreshing:         {},
	},
	StatusAuthenticatedFresh: {
		StatusAuthenticatedStale: {},
		StatusRevalidating:       {},
		StatusRefreshing:         {},
		StatusUnauthenticated:    {},
	},
	StatusAuthenticatedStale: {
		StatusAuthenticatedFresh: {},
		StatusRevalidating:       {},
		StatusRefreshing:         {},
		StatusUnauthenticated:    {},
	},
	StatusRevalidating: {
		StatusAuthenticatedFresh: {},
		StatusUnauthenticated:    {},
	},
	StatusRefreshing: {
		StatusAuthenticatedFresh: {},
		StatusRevalidating:       {},
		StatusUnauthenticated:    {},
	},
}

// canTransition reports whether the move is allowed. Staying in the
// current status is always a no-op, never an error.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if allowed, ok := transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}
