package paysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second

	// loginAttempts caps the transient-failure retries for Login. Only
	// network errors are retried; any response from the service, including
	// an error response, is final.
	loginAttempts    = 3
	loginBackoffBase = 500 * time.Millisecond
)

// SDKClient is a client for the VisagePay payment service. It provides the
// unauthenticated credential endpoints and creates authenticated Sessions.
type SDKClient struct {
	BaseURL    string
	HTTPClient *http.Client

	// Limiter throttles all outbound requests so a misbehaving caller or a
	// tight sync interval cannot hammer the service. Waits respect the
	// request context.
	Limiter *rate.Limiter
}

// NewSDKClient creates a new payment service client.
func NewSDKClient(baseURL string) *SDKClient {
	return &SDKClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
		},
		Limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Login authenticates the device with a face capture token and returns an
// authenticated Session. Transient network failures are retried with capped
// backoff; error responses from the service are returned as typed errors.
func (c *SDKClient) Login(ctx context.Context, deviceID, faceToken string) (*Session, error) {
	payload := map[string]string{
		"device_id":  deviceID,
		"face_token": faceToken,
	}

	var tokenResp *TokenResponse
	var err error
	for attempt := 0; attempt < loginAttempts; attempt++ {
		if attempt > 0 {
			backoff := loginBackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		tokenResp, err = c.requestTokens(ctx, "/v1/auth/login", payload)
		if err == nil {
			return newSession(c, tokenResp), nil
		}
		if !isNetworkError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("login failed after %d attempts: %w", loginAttempts, err)
}

// NewSessionFromTokens creates a Session from previously persisted
// credentials, e.g. restored from the local store after a restart. The
// session refreshes normally when the access credential expires.
func (c *SDKClient) NewSessionFromTokens(accessToken, refreshToken string) *Session {
	s := &Session{
		client:       c,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiresAt:    accessTokenExpiry(accessToken),
	}
	return s
}

// refreshGrant exchanges the refresh credential for a fresh access
// credential. This call is exempt from the session's retry logic; any error
// it returns is terminal for the current session.
func (c *SDKClient) refreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.requestTokens(ctx, "/v1/auth/refresh", map[string]string{
		"refresh_credential": refreshToken,
	})
}

func (c *SDKClient) requestTokens(ctx context.Context, path string, payload map[string]string) (*TokenResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	var tokenResp TokenResponse
	if err := decodeJSON(resp, &tokenResp, http.StatusOK); err != nil {
		return nil, err
	}
	return &tokenResp, nil
}

// url builds a complete URL by appending the path to the base URL.
func (c *SDKClient) url(path string) string {
	return c.BaseURL + path
}

// NetworkError wraps a transport-level failure (connection refused, timeout,
// DNS). It is distinct from every service-issued error so callers can decide
// which failures are retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func isNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
