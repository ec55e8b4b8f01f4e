package authstate_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	authstate "github.com/goliatone/go-authstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func testUser() *authstate.User {
	return &authstate.User{
		ID:    "7b8a1c52-9c1e-4f5a-a8d3-2f1f4a9b6c01",
		Email: "ada@example.com",
		Name:  "Ada",
	}
}

func seedStore(t *testing.T, store authstate.Store, token, refreshToken string, expires time.Time, user *authstate.User) {
	t.Helper()

	require.NoError(t, store.Set(authstate.KeyAuthToken, token))
	if refreshToken != "" {
		require.NoError(t, store.Set(authstate.KeyRefreshToken, refreshToken))
	}
	require.NoError(t, store.Set(authstate.KeyTokenExpires, expires.Format(time.RFC3339)))

	profile, err := json.Marshal(user)
	require.NoError(t, err)
	require.NoError(t, store.Set(authstate.KeyUserProfile, string(profile)))
	require.NoError(t, store.Set(authstate.KeyUserEmail, user.Email))
	require.NoError(t, store.Set(authstate.KeyUserName, user.Name))
}

func newManager(client authstate.SessionClient, opts ...authstate.Option) *authstate.Manager {
	base := []authstate.Option{
		authstate.WithLogger(noopLogger{}),
		authstate.WithClock(fixedClock(testTime)),
	}
	return authstate.New(client, append(base, opts...)...)
}

func TestInitializeEmptyStoreIssuesSingleValidate(t *testing.T) {
	client := &MockSessionClient{}
	client.On("Validate", mock.Anything).Return(&authstate.ValidationResult{Valid: false}, nil).Once()

	manager := newManager(client)
	assert.False(t, manager.IsAuthenticated())

	state := manager.Initialize(context.Background())
	assert.False(t, state.Authenticated)
	assert.Equal(t, authstate.StatusUnauthenticated, manager.CurrentStatus())

	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "Validate", 1)
	client.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestInitializeFreshPersistedTokenSkipsNetwork(t *testing.T) {
	store := authstate.NewMemoryStore()
	seedStore(t, store, "abc", "", testTime.Add(time.Hour), testUser())

	client := &MockSessionClient{}
	manager := newManager(client, authstate.WithStore(store))

	state := manager.Initialize(context.Background())
	assert.True(t, state.Authenticated)
	assert.Equal(t, "abc", manager.AuthToken())
	assert.Equal(t, authstate.StatusAuthenticatedFresh, manager.CurrentStatus())

	client.AssertNotCalled(t, "Validate", mock.Anything)
	client.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitializeExpiredTokenWithRefreshTokenRefreshesFirst(t *testing.T) {
	store := authstate.NewMemoryStore()
	seedStore(t, store, "stale", "rt-1", testTime.Add(-time.Minute), testUser())

	client := &MockSessionClient{}
	client.On("Refresh", mock.Anything, "rt-1").Return(&authstate.SessionPayload{
		AccessToken:  "renewed",
		RefreshToken: "rt-2",
		ExpiresIn:    3600,
	}, nil).Once()

	manager := newManager(client, authstate.WithStore(store))

	state := manager.Initialize(context.Background())
	require.True(t, state.Authenticated)
	assert.Equal(t, "renewed", manager.AuthToken())

	// the refresh response omitted the user, the cached one survives
	require.NotNil(t, state.User)
	assert.Equal(t, "ada@example.com", state.User.Email)

	rotated, found, err := store.Get(authstate.KeyRefreshToken)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "rt-2", rotated)

	client.AssertExpectations(t)
	client.AssertNotCalled(t, "Validate", mock.Anything)
}

func TestInitializeExpiredTokenWithoutRefreshTokenValidates(t *testing.T) {
	store := authstate.NewMemoryStore()
	seedStore(t, store, "stale", "", testTime.Add(-time.Minute), testUser())

	client := &MockSessionClient{}
	client.On("Validate", mock.Anything).Return(&authstate.ValidationResult{
		Valid:       true,
		User:        testUser(),
		AccessToken: "server-token",
	}, nil).Once()

	manager := newManager(client, authstate.WithStore(store))

	state := manager.Initialize(context.Background())
	assert.True(t, state.Authenticated)
	assert.Equal(t, "server-token", manager.AuthToken())

	client.AssertExpectations(t)
	client.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestLoginRoundTrip(t *testing.T) {
	store := authstate.NewMemoryStore()
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, "ada@example.com", "s3cret").Return(&authstate.SessionPayload{
		AccessToken: "tok-1",
		ExpiresIn:   3600,
		User:        testUser(),
	}, nil).Once()

	manager := newManager(client, authstate.WithStore(store))

	snap, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	assert.Equal(t, "tok-1", manager.AuthToken())
	assert.Equal(t, testTime.Add(time.Hour), snap.ExpiresAt)

	token, found, err := store.Get(authstate.KeyAuthToken)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-1", token)

	// a new manager over the same store restores an equivalent session
	rebuilt := newManager(&MockSessionClient{}, authstate.WithStore(store))
	assert.True(t, rebuilt.IsAuthenticated())
	assert.Equal(t, "tok-1", rebuilt.AuthToken())
	require.NotNil(t, rebuilt.CurrentUser())
	assert.Equal(t, testUser().ID, rebuilt.CurrentUser().ID)

	client.AssertExpectations(t)
}

func TestLoginFailureLeavesStateUntouched(t *testing.T) {
	store := authstate.NewMemoryStore()
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, "a@b.com", "bad").Return(nil, authstate.ErrInvalidCredentials).Once()

	manager := newManager(client, authstate.WithStore(store))

	_, err := manager.Login(context.Background(), "a@b.com", "bad")
	require.ErrorIs(t, err, authstate.ErrInvalidCredentials)
	assert.False(t, manager.IsAuthenticated())

	_, found, serr := store.Get(authstate.KeyAuthToken)
	require.NoError(t, serr)
	assert.False(t, found)
}

func TestLoginResponseWithoutTokenIsRejected(t *testing.T) {
	store := authstate.NewMemoryStore()
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, mock.Anything, mock.Anything).Return(&authstate.SessionPayload{
		User: testUser(),
	}, nil).Once()

	manager := newManager(client, authstate.WithStore(store))

	snap, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.ErrorIs(t, err, authstate.ErrMalformedResponse)
	assert.False(t, snap.Authenticated)
	assert.False(t, manager.IsAuthenticated())

	_, found, serr := store.Get(authstate.KeyAuthToken)
	require.NoError(t, serr)
	assert.False(t, found)
}

func TestRegisterEstablishesSession(t *testing.T) {
	client := &MockSessionClient{}
	data := authstate.RegisterData{Email: "ada@example.com", Password: "s3cret", Name: "Ada"}
	client.On("Register", mock.Anything, data).Return(&authstate.SessionPayload{
		AccessToken: "tok-reg",
		User:        testUser(),
	}, nil).Once()

	manager := newManager(client)

	snap, err := manager.Register(context.Background(), data)
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	assert.Equal(t, "tok-reg", manager.AuthToken())
	// no expiresIn in the response, the default lifetime applies
	assert.Equal(t, testTime.Add(authstate.DefaultTokenTTL), snap.ExpiresAt)

	client.AssertExpectations(t)
}

func TestClearAuthIsIdempotent(t *testing.T) {
	store := authstate.NewMemoryStore()
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, mock.Anything, mock.Anything).Return(&authstate.SessionPayload{
		AccessToken: "tok-1",
		User:        testUser(),
	}, nil).Once()
	client.On("Logout", mock.Anything).Return(nil).Twice()

	manager := newManager(client, authstate.WithStore(store))

	recorder := &recordingSubscriber{}
	manager.Subscribe(recorder)

	_, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)

	manager.Logout(context.Background())
	first := manager.CurrentSnapshot()
	notified := len(recorder.states)

	manager.Logout(context.Background())
	second := manager.CurrentSnapshot()

	assert.Equal(t, first, second)
	assert.Len(t, recorder.states, notified, "redundant clear must not notify again")

	_, found, err := store.Get(authstate.KeyAuthToken)
	require.NoError(t, err)
	assert.False(t, found)

	client.AssertExpectations(t)
}

func TestLogoutClearsLocallyEvenWhenServerFails(t *testing.T) {
	store := authstate.NewMemoryStore()
	seedStore(t, store, "abc", "", testTime.Add(time.Hour), testUser())

	client := &MockSessionClient{}
	client.On("Logout", mock.Anything).Return(authstate.ErrSessionRequestFailed).Once()

	manager := newManager(client, authstate.WithStore(store))
	require.True(t, manager.IsAuthenticated())

	manager.Logout(context.Background())
	assert.False(t, manager.IsAuthenticated())

	_, found, err := store.Get(authstate.KeyAuthToken)
	require.NoError(t, err)
	assert.False(t, found)

	client.AssertExpectations(t)
}

func TestRefreshTokenWithoutCachedTokenDelegatesToValidate(t *testing.T) {
	client := &MockSessionClient{}
	client.On("Validate", mock.Anything).Return(&authstate.ValidationResult{Valid: false}, nil).Once()

	manager := newManager(client)

	state := manager.RefreshToken(context.Background())
	assert.False(t, state.Authenticated)

	client.AssertNumberOfCalls(t, "Validate", 1)
	client.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestRefreshFailureFallsBackToValidate(t *testing.T) {
	store := authstate.NewMemoryStore()
	seedStore(t, store, "stale", "rt-dead", testTime.Add(-time.Minute), testUser())

	client := &MockSessionClient{}
	client.On("Refresh", mock.Anything, "rt-dead").Return(nil, authstate.ErrSessionRequestFailed).Once()
	client.On("Validate", mock.Anything).Return(&authstate.ValidationResult{
		Valid:       true,
		User:        testUser(),
		AccessToken: "cookie-token",
	}, nil).Once()

	manager := newManager(client, authstate.WithStore(store))

	state := manager.RefreshToken(context.Background())
	assert.True(t, state.Authenticated, "cookie session rescues a dead refresh token")
	assert.Equal(t, "cookie-token", manager.AuthToken())

	client.AssertExpectations(t)
}

func TestValidateFailureClearsAuth(t *testing.T) {
	store := authstate.NewMemoryStore()
	seedStore(t, store, "stale", "", testTime.Add(-time.Minute), testUser())

	client := &MockSessionClient{}
	client.On("Validate", mock.Anything).Return(nil, authstate.ErrSessionRequestFailed).Once()

	manager := newManager(client, authstate.WithStore(store))

	state := manager.ValidateWithServer(context.Background())
	assert.False(t, state.Authenticated)
	assert.False(t, manager.IsAuthenticated())

	_, found, err := store.Get(authstate.KeyAuthToken)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentRefreshCallsCoalesce(t *testing.T) {
	store := authstate.NewMemoryStore()
	seedStore(t, store, "stale", "rt-1", testTime.Add(-time.Minute), testUser())

	client := &MockSessionClient{}
	client.On("Refresh", mock.Anything, "rt-1").
		Run(func(mock.Arguments) { time.Sleep(50 * time.Millisecond) }).
		Return(&authstate.SessionPayload{AccessToken: "renewed", ExpiresIn: 3600}, nil).
		Once()

	manager := newManager(client, authstate.WithStore(store))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			manager.RefreshToken(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	client.AssertNumberOfCalls(t, "Refresh", 1)
	assert.Equal(t, "renewed", manager.AuthToken())
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, mock.Anything, mock.Anything).Return(&authstate.SessionPayload{
		AccessToken: "tok-1",
		User:        testUser(),
	}, nil).Once()

	manager := newManager(client)

	early := &recordingSubscriber{}
	manager.Subscribe(early)
	require.Len(t, early.states, 1)
	assert.False(t, early.states[0].Authenticated)

	_, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)

	late := &recordingSubscriber{}
	manager.Subscribe(late)
	require.Len(t, late.states, 1, "late subscriber gets the current state immediately")
	assert.True(t, late.states[0].Authenticated)
	require.NotNil(t, late.states[0].User)
	assert.Equal(t, "ada@example.com", late.states[0].User.Email)

	require.Len(t, early.states, 2)
	assert.True(t, early.states[1].Authenticated)
}

func TestStatePersistedBeforeSubscribersRun(t *testing.T) {
	store := authstate.NewMemoryStore()
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, mock.Anything, mock.Anything).Return(&authstate.SessionPayload{
		AccessToken: "tok-1",
		User:        testUser(),
	}, nil).Once()

	manager := newManager(client, authstate.WithStore(store))

	var sawPersisted bool
	manager.Subscribe(authstate.SubscriberFunc(func(state authstate.State) {
		if !state.Authenticated {
			return
		}
		token, found, err := store.Get(authstate.KeyAuthToken)
		sawPersisted = err == nil && found && token == "tok-1"
	}))

	_, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.True(t, sawPersisted, "subscriber must observe committed store state")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, mock.Anything, mock.Anything).Return(&authstate.SessionPayload{
		AccessToken: "tok-1",
		User:        testUser(),
	}, nil).Once()

	manager := newManager(client)

	recorder := &recordingSubscriber{}
	manager.Subscribe(recorder)
	manager.Unsubscribe(recorder)

	// unknown subscribers are ignored
	manager.Unsubscribe(&recordingSubscriber{})

	_, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)

	assert.Len(t, recorder.states, 1, "only the subscription replay was delivered")
}

func TestJWTExpiryInferenceWhenServerOmitsLifetime(t *testing.T) {
	exp := testTime.Add(42 * time.Minute)
	token := signedTestJWT(t, exp)

	client := &MockSessionClient{}
	client.On("Login", mock.Anything, mock.Anything, mock.Anything).Return(&authstate.SessionPayload{
		AccessToken: token,
		User:        testUser(),
	}, nil).Once()

	manager := newManager(client, authstate.WithJWTExpiry())

	snap, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, exp.Unix(), snap.ExpiresAt.Unix())
}

func TestOpaqueTokenFallsBackToDefaultLifetime(t *testing.T) {
	client := &MockSessionClient{}
	client.On("Login", mock.Anything, mock.Anything, mock.Anything).Return(&authstate.SessionPayload{
		AccessToken: "opaque-token",
		User:        testUser(),
	}, nil).Once()

	manager := newManager(client, authstate.WithJWTExpiry())

	snap, err := manager.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, testTime.Add(authstate.DefaultTokenTTL), snap.ExpiresAt)
}
