package authstate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

const (
	defaultLoginPath    = "/api/login"
	defaultRegisterPath = "/api/register"
	defaultRefreshPath  = "/api/refresh-token"
	defaultValidatePath = "/api/validate-token"
	defaultLogoutPath   = "/api/logout"

	defaultRequestTimeout = 10 * time.Second
)

// ClientConfig holds APIClient configuration. BaseURL plus the default
// paths cover the common case; per-endpoint URLs override it when the
// API is split across hosts.
type ClientConfig struct {
	BaseURL string

	LoginURL    string
	RegisterURL string
	RefreshURL  string
	ValidateURL string
	LogoutURL   string

	// HTTPClient overrides the default client. The default carries a
	// cookie jar so cookie-based sessions survive across calls, and a
	// request timeout so a hung server resolves to a typed failure
	// instead of blocking forever.
	HTTPClient *http.Client

	Logger Logger
}

var _ SessionClient = (*APIClient)(nil)

// APIClient is the HTTP implementation of SessionClient.
type APIClient struct {
	config     ClientConfig
	httpClient *http.Client
	logger     Logger
}

// NewAPIClient builds a client from cfg, filling endpoint defaults off
// BaseURL.
func NewAPIClient(cfg ClientConfig) *APIClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.LoginURL == "" {
		cfg.LoginURL = base + defaultLoginPath
	}
	if cfg.RegisterURL == "" {
		cfg.RegisterURL = base + defaultRegisterPath
	}
	if cfg.RefreshURL == "" {
		cfg.RefreshURL = base + defaultRefreshPath
	}
	if cfg.ValidateURL == "" {
		cfg.ValidateURL = base + defaultValidatePath
	}
	if cfg.LogoutURL == "" {
		cfg.LogoutURL = base + defaultLogoutPath
	}

	client := cfg.HTTPClient
	if client == nil {
		jar, _ := cookiejar.New(nil)
		client = &http.Client{
			Timeout: defaultRequestTimeout,
			Jar:     jar,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = defLogger{}
	}

	return &APIClient{
		config:     cfg,
		httpClient: client,
		logger:     logger,
	}
}

// Login implements SessionClient.
func (c *APIClient) Login(ctx context.Context, email, password string) (*SessionPayload, error) {
	status, body, err := c.do(ctx, "login", http.MethodPost, c.config.LoginURL, map[string]any{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusUnauthorized:
		return nil, ErrInvalidCredentials
	case status == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case status < 200 || status > 299:
		return nil, requestError("login", status, nil)
	}

	return decodeSessionPayload("login", body)
}

// Register implements SessionClient.
func (c *APIClient) Register(ctx context.Context, data RegisterData) (*SessionPayload, error) {
	payload := map[string]any{
		"email":    data.Email,
		"password": data.Password,
		"name":     data.Name,
	}
	for k, v := range data.Extra {
		payload[k] = v
	}

	status, body, err := c.do(ctx, "register", http.MethodPost, c.config.RegisterURL, payload)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusConflict:
		return nil, ErrEmailAlreadyRegistered
	case status == http.StatusBadRequest:
		return nil, invalidRegistration(apiErrorMessage(body))
	case status == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case status < 200 || status > 299:
		return nil, requestError("register", status, nil)
	}

	return decodeSessionPayload("register", body)
}

// Refresh implements SessionClient.
func (c *APIClient) Refresh(ctx context.Context, refreshToken string) (*SessionPayload, error) {
	status, body, err := c.do(ctx, "refresh", http.MethodPost, c.config.RefreshURL, map[string]any{
		"refreshToken": refreshToken,
	})
	if err != nil {
		return nil, err
	}

	if status < 200 || status > 299 {
		return nil, requestError("refresh", status, nil)
	}

	return decodeSessionPayload("refresh", body)
}

// Validate implements SessionClient. The request carries no body; the
// server decides off the transport-level session (cookies).
func (c *APIClient) Validate(ctx context.Context) (*ValidationResult, error) {
	status, body, err := c.do(ctx, "validate", http.MethodGet, c.config.ValidateURL, nil)
	if err != nil {
		return nil, err
	}

	// a rejected session is an answer, not a failure
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &ValidationResult{Valid: false}, nil
	}

	if status < 200 || status > 299 {
		return nil, requestError("validate", status, nil)
	}

	result := &ValidationResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, detailed(ErrMalformedResponse, map[string]any{
			"operation": "validate",
		})
	}

	return result, nil
}

// Logout implements SessionClient. Best effort: callers clear local
// state regardless of the outcome.
func (c *APIClient) Logout(ctx context.Context) error {
	status, _, err := c.do(ctx, "logout", http.MethodPost, c.config.LogoutURL, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return requestError("logout", status, nil)
	}
	return nil
}

func (c *APIClient) do(ctx context.Context, operation, method, url string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, requestError(operation, 0, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, requestError(operation, 0, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("%s request transport error: %v", operation, err)
		return 0, nil, requestError(operation, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, requestError(operation, resp.StatusCode, err)
	}

	return resp.StatusCode, body, nil
}

func decodeSessionPayload(operation string, body []byte) (*SessionPayload, error) {
	payload := &SessionPayload{}
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, detailed(ErrMalformedResponse, map[string]any{
			"operation": operation,
		})
	}

	if payload.AccessToken == "" {
		return nil, detailed(ErrMalformedResponse, map[string]any{
			"operation": operation,
			"reason":    "missing access token",
		})
	}

	return payload, nil
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func apiErrorMessage(body []byte) string {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
	}
	return strings.TrimSpace(string(body))
}
