package paysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// doAuthRequest performs an authenticated request. It attaches the current
// access credential and, when the service rejects that credential, performs
// the shared single-flight refresh and reissues the request exactly once.
// Every other error passes through unchanged.
//
// The body is supplied as bytes so the request can be rebuilt for the replay.
func (s *Session) doAuthRequest(
	ctx context.Context,
	method, path string,
	body []byte,
	headers map[string]string,
) (*http.Response, []byte, error) {
	resp, respBody, err := s.sendOnce(ctx, method, path, body, headers)
	if err != nil {
		return nil, nil, err
	}

	apiErr := parseAPIError(resp, respBody)
	var authErr *AuthError
	if apiErr == nil || !errors.As(apiErr, &authErr) {
		return resp, respBody, apiErr
	}

	// The access credential was rejected. Refresh once (shared with every
	// concurrent caller that hit the same failure) and replay.
	if err := s.refreshShared(ctx); err != nil {
		return nil, nil, err
	}

	resp, respBody, err = s.sendOnce(ctx, method, path, body, headers)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, parseAPIError(resp, respBody)
}

// sendOnce issues a single authenticated request and reads its body.
func (s *Session) sendOnce(
	ctx context.Context,
	method, path string,
	body []byte,
	headers map[string]string,
) (*http.Response, []byte, error) {
	token, err := s.getValidToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := s.client.Limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.client.url(path), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp, respBody, nil
}

// getJSON performs an authenticated GET and decodes the response into target.
func (s *Session) getJSON(ctx context.Context, path string, target any) error {
	resp, body, err := s.doAuthRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp, body)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// postJSON performs an authenticated POST with a JSON payload and expects
// the given success status. A nil payload sends an empty body.
func (s *Session) postJSON(ctx context.Context, path string, payload any, headers map[string]string, expectedStatus int) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	resp, respBody, err := s.doAuthRequest(ctx, http.MethodPost, path, body, headers)
	if err != nil {
		return err
	}
	if resp.StatusCode != expectedStatus {
		return unexpectedStatus(resp, respBody)
	}
	return nil
}

// unexpectedStatus covers responses whose status neither matched the
// expected success code nor classified as an error (e.g. an unanticipated
// 2xx variant).
func unexpectedStatus(resp *http.Response, body []byte) error {
	if err := parseAPIError(resp, body); err != nil {
		return err
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       "unexpected_status",
		Message:    http.StatusText(resp.StatusCode),
	}
}

// decodeJSON decodes a JSON response into target, returning a typed error
// when the status is unexpected.
func decodeJSON(resp *http.Response, target any, expectedStatus int) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != expectedStatus {
		return unexpectedStatus(resp, body)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
