package authstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	authstate "github.com/goliatone/go-authstate"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func signedTestJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ada@example.com",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

// MockSessionClient implements authstate.SessionClient
type MockSessionClient struct {
	mock.Mock
}

func (m *MockSessionClient) Login(ctx context.Context, email, password string) (*authstate.SessionPayload, error) {
	args := m.Called(ctx, email, password)
	payload, _ := args.Get(0).(*authstate.SessionPayload)
	return payload, args.Error(1)
}

func (m *MockSessionClient) Register(ctx context.Context, data authstate.RegisterData) (*authstate.SessionPayload, error) {
	args := m.Called(ctx, data)
	payload, _ := args.Get(0).(*authstate.SessionPayload)
	return payload, args.Error(1)
}

func (m *MockSessionClient) Refresh(ctx context.Context, refreshToken string) (*authstate.SessionPayload, error) {
	args := m.Called(ctx, refreshToken)
	payload, _ := args.Get(0).(*authstate.SessionPayload)
	return payload, args.Error(1)
}

func (m *MockSessionClient) Validate(ctx context.Context) (*authstate.ValidationResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*authstate.ValidationResult)
	return result, args.Error(1)
}

func (m *MockSessionClient) Logout(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// recordingSubscriber collects every state it receives.
type recordingSubscriber struct {
	states []authstate.State
}

func (r *recordingSubscriber) AuthStateChanged(state authstate.State) {
	r.states = append(r.states, state)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
