package authstate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTokenTTL is the access token lifetime assumed when the server
// omits expiresIn. Kept at one hour for compatibility with existing
// deployments.
const DefaultTokenTTL = time.Hour

const (
	flightRefresh  = "refresh"
	flightValidate = "validate"
)

// Option customizes manager construction.
type Option func(*Manager)

// WithStore sets the persistent store. Defaults to an in-memory store,
// which means sessions do not survive restarts; pass a durable store
// (e.g. boltstore) in real deployments.
func WithStore(store Store) Option {
	return func(m *Manager) {
		if store != nil {
			m.store = store
		}
	}
}

// WithLogger overrides the default stdout logger.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithBridge attaches an event bridge: transitions are rebroadcast
// through it and its inbound legacy signals fold into this manager.
func WithBridge(bridge *Bridge) Option {
	return func(m *Manager) {
		m.bridge = bridge
	}
}

// WithDefaultTokenTTL overrides the assumed token lifetime used when
// the server omits expiresIn.
func WithDefaultTokenTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithJWTExpiry enables reading the exp claim off JWT-shaped access
// tokens when the server omits expiresIn. Non-JWT tokens still fall
// back to the default lifetime.
func WithJWTExpiry() Option {
	return func(m *Manager) {
		m.jwtExpiry = true
	}
}

// Manager owns the session snapshot and is the single writer of the
// auth-related store keys. Construct one per process and share it by
// reference; all methods are safe for concurrent use.
type Manager struct {
	client     SessionClient
	store      Store
	registry   *registry
	bridge     *Bridge
	logger     Logger
	now        func() time.Time
	defaultTTL time.Duration
	jwtExpiry  bool

	flight singleflight.Group

	mu       sync.Mutex
	snapshot Snapshot
}

// New builds a manager and restores the persisted snapshot so pure
// reads work immediately. No network traffic happens until Initialize
// or one of the session operations is called.
func New(client SessionClient, opts ...Option) *Manager {
	m := &Manager{
		client:     client,
		store:      NewMemoryStore(),
		logger:     defLogger{},
		now:        time.Now,
		defaultTTL: DefaultTokenTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.registry = newRegistry(m.logger)

	snap, err := restoreSnapshot(m.store, m.now())
	if err != nil {
		m.logger.Warn("unable to restore persisted session: %v", err)
		snap = emptySnapshot()
	}
	m.snapshot = snap

	if m.bridge != nil {
		m.bridge.bind(m)
	}

	return m
}

// Initialize runs the initial reconciliation: trust an unexpired local
// token without a network call, refresh an expired one when a refresh
// token is cached, and otherwise ask the server whether a cookie-based
// session exists. Failures degrade to the unauthenticated state; they
// are never returned.
func (m *Manager) Initialize(ctx context.Context) State {
	m.mu.Lock()
	snap := m.snapshot.clone()
	m.mu.Unlock()

	switch {
	case snap.AccessToken != "" && !snap.Expired(m.now()):
		m.logger.Debug("trusting cached session for %s", snap.User.Email)
		return snap.Projection()
	case snap.AccessToken != "" && snap.RefreshToken != "":
		return m.RefreshToken(ctx)
	default:
		return m.ValidateWithServer(ctx)
	}
}

// Login posts credentials and, on success, commits the authenticated
// snapshot, persists it, and notifies subscribers. Failures are typed:
// ErrInvalidCredentials, ErrRateLimited, ErrMalformedResponse, or a
// RequestError wrapping the status.
func (m *Manager) Login(ctx context.Context, email, password string) (Snapshot, error) {
	payload, err := m.client.Login(ctx, email, password)
	if err != nil {
		m.logger.Warn("login failed: %v", err)
		return Snapshot{}, err
	}

	snap, err := m.adoptSession(payload, false)
	if err != nil {
		return Snapshot{}, err
	}

	m.logger.Info("login succeeded for %s", email)
	return snap, nil
}

// Register creates an account and establishes a session with the same
// contract as Login; conflicts surface as ErrEmailAlreadyRegistered
// and rejected payloads as ErrInvalidRegistrationData.
func (m *Manager) Register(ctx context.Context, data RegisterData) (Snapshot, error) {
	payload, err := m.client.Register(ctx, data)
	if err != nil {
		m.logger.Warn("registration failed: %v", err)
		return Snapshot{}, err
	}

	snap, err := m.adoptSession(payload, false)
	if err != nil {
		return Snapshot{}, err
	}

	m.logger.Info("registration succeeded for %s", data.Email)
	return snap, nil
}

// RefreshToken exchanges the cached refresh token for a new access
// token. With no refresh token cached it delegates straight to
// ValidateWithServer. A failed exchange clears auth and then tries
// validation as a last resort, since a cookie session can outlive a
// stale refresh token. Concurrent calls are coalesced into one round
// trip.
func (m *Manager) RefreshToken(ctx context.Context) State {
	state, _, _ := m.flight.Do(flightRefresh, func() (any, error) {
		return m.refresh(ctx), nil
	})
	return state.(State)
}

// ValidateWithServer asks the server whether the transport-level
// session is valid and adopts the result. Any failure clears local
// auth so the caller always ends up with a definite answer. Concurrent
// calls are coalesced into one round trip.
func (m *Manager) ValidateWithServer(ctx context.Context) State {
	state, _, _ := m.flight.Do(flightValidate, func() (any, error) {
		return m.validate(ctx), nil
	})
	return state.(State)
}

// Logout notifies the server (best effort) and clears local state
// regardless of the outcome.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.client.Logout(ctx); err != nil {
		m.logger.Warn("server logout notification failed: %v", err)
	}
	m.clearAuth()
}

// Subscribe registers s for future transitions after synchronously
// replaying the current state to it.
func (m *Manager) Subscribe(s Subscriber) {
	m.registry.subscribe(s, m.CurrentState())
}

// Unsubscribe removes s; unknown subscribers are ignored.
func (m *Manager) Unsubscribe(s Subscriber) {
	m.registry.unsubscribe(s)
}

// IsAuthenticated reports the last committed snapshot. Never triggers
// I/O.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Authenticated
}

// CurrentUser returns a copy of the authenticated user, or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.User.clone()
}

// AuthToken returns the cached access token, empty when
// unauthenticated. The token may be expired; expiry is informative
// only.
func (m *Manager) AuthToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.AccessToken
}

// CurrentStatus returns the lifecycle status of the last committed
// snapshot.
func (m *Manager) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Status
}

// CurrentState returns the subscriber projection of the snapshot.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Projection()
}

// CurrentSnapshot returns a copy of the full snapshot.
func (m *Manager) CurrentSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.clone()
}

func (m *Manager) refresh(ctx context.Context) State {
	m.mu.Lock()
	refreshToken := m.snapshot.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		return m.ValidateWithServer(ctx)
	}

	m.setStatus(StatusRefreshing)

	payload, err := m.client.Refresh(ctx, refreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed: %v", err)
		m.clearAuth()
		return m.ValidateWithServer(ctx)
	}

	snap, err := m.adoptSession(payload, true)
	if err != nil {
		m.logger.Warn("refresh response unusable: %v", err)
		m.clearAuth()
		return m.ValidateWithServer(ctx)
	}

	return snap.Projection()
}

func (m *Manager) validate(ctx context.Context) State {
	m.setStatus(StatusRevalidating)

	result, err := m.client.Validate(ctx)
	if err != nil {
		m.logger.Warn("session validation failed: %v", err)
		return m.clearAuth()
	}
	if !result.Valid {
		m.logger.Debug("no valid server session")
		return m.clearAuth()
	}

	m.mu.Lock()
	prev := m.snapshot.clone()
	m.mu.Unlock()

	token := result.AccessToken
	if token == "" {
		token = prev.AccessToken
	}
	user := result.User
	if user == nil {
		user = prev.User
	}
	if token == "" || user == nil {
		m.logger.Warn("server session valid but unusable, clearing local state")
		return m.clearAuth()
	}

	now := m.now()
	expires := now.Add(m.defaultTTL)
	if result.ExpiresAt != nil {
		expires = *result.ExpiresAt
	} else if m.jwtExpiry {
		if exp, ok := tokenExpiry(token); ok {
			expires = exp
		}
	}

	state, err := m.commit(Snapshot{
		Status:        StatusAuthenticatedFresh,
		Authenticated: true,
		User:          user.clone(),
		AccessToken:   token,
		RefreshToken:  prev.RefreshToken,
		ExpiresAt:     expires,
	})
	if err != nil {
		return m.clearAuth()
	}
	return state
}

// adoptSession commits a server-granted session. With retainExisting
// the current user and refresh token survive when the response omits
// them (the refresh contract).
func (m *Manager) adoptSession(payload *SessionPayload, retainExisting bool) (Snapshot, error) {
	if payload.AccessToken == "" {
		return Snapshot{}, detailed(ErrMalformedResponse, map[string]any{
			"reason": "missing access token",
		})
	}

	m.mu.Lock()
	prev := m.snapshot.clone()
	m.mu.Unlock()

	user := payload.User
	if user == nil && retainExisting {
		user = prev.User
	}
	if user == nil {
		return Snapshot{}, detailed(ErrMalformedResponse, map[string]any{
			"reason": "missing user",
		})
	}

	refreshToken := payload.RefreshToken
	if refreshToken == "" && retainExisting {
		refreshToken = prev.RefreshToken
	}

	next := Snapshot{
		Status:        StatusAuthenticatedFresh,
		Authenticated: true,
		User:          user.clone(),
		AccessToken:   payload.AccessToken,
		RefreshToken:  refreshToken,
		ExpiresAt:     m.sessionExpiry(payload),
	}

	if _, err := m.commit(next); err != nil {
		return Snapshot{}, err
	}
	return next.clone(), nil
}

func (m *Manager) sessionExpiry(payload *SessionPayload) time.Time {
	now := m.now()
	if payload.ExpiresIn > 0 {
		return now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	if m.jwtExpiry {
		if exp, ok := tokenExpiry(payload.AccessToken); ok {
			return exp
		}
	}
	return now.Add(m.defaultTTL)
}

// commit applies and persists a snapshot, then notifies. Subscribers
// only hear about committed, persisted state; a transition that does
// not change the projection is persisted silently. A refused snapshot
// leaves the current state untouched and is reported to the caller.
func (m *Manager) commit(next Snapshot) (State, error) {
	m.mu.Lock()

	if err := next.checkInvariants(); err != nil {
		m.logger.Error("refusing snapshot: %v", err)
		state := m.snapshot.Projection()
		m.mu.Unlock()
		return state, err
	}

	if !canTransition(m.snapshot.Status, next.Status) {
		m.logger.Error("refusing transition from %s to %s", m.snapshot.Status, next.Status)
		state := m.snapshot.Projection()
		from, to := m.snapshot.Status, next.Status
		m.mu.Unlock()
		return state, detailed(ErrInvalidTransition, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	}

	changed := !m.snapshot.Projection().equal(next.Projection())
	m.snapshot = next

	if err := persistSnapshot(m.store, next); err != nil {
		m.logger.Warn("unable to persist session state: %v", err)
	}

	state := next.Projection()
	m.mu.Unlock()

	if changed {
		m.broadcast(state)
	}
	return state, nil
}

// clearAuth resets to the unauthenticated snapshot and removes the
// persisted keys before anyone is notified. Idempotent: a second call
// changes nothing and triggers no notification cascade.
func (m *Manager) clearAuth() State {
	m.mu.Lock()

	if m.snapshot.Status == StatusUnauthenticated && !m.snapshot.Authenticated && m.snapshot.AccessToken == "" {
		m.mu.Unlock()
		return State{}
	}

	changed := m.snapshot.Authenticated || m.snapshot.User != nil
	m.snapshot = emptySnapshot()

	if err := clearPersisted(m.store); err != nil {
		m.logger.Warn("unable to clear persisted session state: %v", err)
	}

	m.mu.Unlock()

	if changed {
		m.broadcast(State{})
	}
	return State{}
}

// setStatus marks an in-flight recheck. Pure status moves are not
// persisted and not broadcast; the projection has not changed.
func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canTransition(m.snapshot.Status, status) {
		m.logger.Debug("skipping status move from %s to %s", m.snapshot.Status, status)
		return
	}
	m.snapshot.Status = status
}

func (m *Manager) broadcast(state State) {
	m.registry.notify(state)
	if m.bridge != nil {
		m.bridge.publish(Notification{
			State:      state,
			OccurredAt: m.now(),
		})
	}
}

// handleExternalLogin folds a legacy login announcement into the
// machine. Legacy call sites persist their token before announcing, so
// the store is consulted first; with nothing usable there the server
// gets the final word.
func (m *Manager) handleExternalLogin(signal LoginSignal) {
	user := signal.User
	if user == nil && signal.Email != "" {
		user = &User{Email: signal.Email, Name: signal.Name}
	}

	m.mu.Lock()
	if m.snapshot.Authenticated && sameIdentity(m.snapshot.User, user) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	token, ok, err := m.store.Get(KeyAuthToken)
	if err != nil {
		m.logger.Warn("unable to read persisted token for login signal: %v", err)
	}

	if ok && token != "" && user != nil {
		now := m.now()
		expires := now.Add(m.defaultTTL)
		if raw, found, _ := m.store.Get(KeyTokenExpires); found {
			if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
				expires = ts
			}
		}

		refreshToken := ""
		if cached, found, _ := m.store.Get(KeyRefreshToken); found {
			refreshToken = cached
		}

		status := StatusAuthenticatedFresh
		if now.After(expires) {
			status = StatusAuthenticatedStale
		}

		if _, err := m.commit(Snapshot{
			Status:        status,
			Authenticated: true,
			User:          user.clone(),
			AccessToken:   token,
			RefreshToken:  refreshToken,
			ExpiresAt:     expires,
		}); err == nil {
			return
		}
		// refused adoption, let the server settle it
	}

	m.ValidateWithServer(context.Background())
}

// handleExternalLogout folds a legacy logout announcement into the
// machine. Receiving it while already unauthenticated is a no-op.
func (m *Manager) handleExternalLogout() {
	m.clearAuth()
}
