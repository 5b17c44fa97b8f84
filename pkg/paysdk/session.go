package paysdk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryBuffer is subtracted from the access credential's expiry so the
// session refreshes slightly before the service would start rejecting it.
const expiryBuffer = 30 * time.Second

// Session is an authenticated session with single-flight credential refresh.
//
// Any number of requests may concurrently observe an expired access
// credential; exactly one refresh call is made and every request shares its
// outcome. On refresh failure the session is cleared and the OnExpired hook
// fires once, after which every method fails with ErrSessionClosed until a
// new session is created via login.
type Session struct {
	client *SDKClient

	// OnExpired, if set, is called exactly once when an unrecoverable
	// refresh failure destroys the session. Dependent state (a running sync
	// loop, persisted credentials) should unwind to an unauthenticated
	// state. Called from the goroutine that performed the failed refresh;
	// must not block.
	OnExpired func()

	// OnTokens, if set, is called with every newly issued credential pair
	// so the owner can mirror it to durable storage. Called while no
	// internal locks are held.
	OnTokens func(accessToken, refreshToken string)

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	refreshing   bool
	waiters      []chan error
	closed       bool
}

// ErrSessionClosed reports that the session was destroyed by logout or an
// unrecoverable refresh failure.
var ErrSessionClosed = errors.New("paysdk: session closed")

// newSession creates an authenticated session from a token response.
func newSession(client *SDKClient, tokenResp *TokenResponse) *Session {
	s := &Session{client: client}
	s.storeTokens(tokenResp)
	return s
}

// storeTokens records a freshly issued credential pair. The refresh
// credential is only replaced when the service rotated it.
func (s *Session) storeTokens(tokenResp *TokenResponse) {
	s.mu.Lock()
	s.accessToken = tokenResp.AccessToken
	if tokenResp.RefreshToken != "" {
		s.refreshToken = tokenResp.RefreshToken
	}
	if tokenResp.ExpiresIn > 0 {
		s.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - expiryBuffer)
	} else {
		s.expiresAt = accessTokenExpiry(tokenResp.AccessToken)
	}
	access, refresh := s.accessToken, s.refreshToken
	notify := s.OnTokens
	s.mu.Unlock()

	if notify != nil {
		notify(access, refresh)
	}
}

// AccessToken returns the current access credential without expiry checking.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// RefreshToken returns the current refresh credential.
func (s *Session) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// Close destroys the session without firing OnExpired. Used on logout.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.refreshToken = ""
	s.closed = true
}

// getValidToken returns an access credential believed to be valid,
// refreshing first when the known expiry has passed.
func (s *Session) getValidToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.expiresAt.IsZero() || time.Now().Before(s.expiresAt) {
		token := s.accessToken
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	if err := s.refreshShared(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	return s.accessToken, nil
}

// refreshShared coordinates the single-flight refresh. The first caller in
// becomes the leader and invokes the refresh endpoint; every concurrent
// caller waits for that one outcome. Waiters are not resumed in any
// particular order, but all of them see the same result.
func (s *Session) refreshShared(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if s.refreshing {
		ch := make(chan error, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.refreshing = true
	refreshToken := s.refreshToken
	s.mu.Unlock()

	var outcome error
	if refreshToken == "" {
		outcome = &AuthError{Message: "no refresh credential available"}
	} else {
		tokenResp, err := s.client.refreshGrant(ctx, refreshToken)
		if err != nil {
			outcome = err
		} else {
			s.storeTokens(tokenResp)
		}
	}

	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.refreshing = false
	var expired func()
	if outcome != nil {
		// Terminal: clear the session so no caller can proceed on a stale
		// credential.
		s.accessToken = ""
		s.refreshToken = ""
		if !s.closed {
			s.closed = true
			expired = s.OnExpired
		}
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
	}
	if expired != nil {
		expired()
	}
	return outcome
}

// accessTokenExpiry extracts the exp claim from a JWT access credential,
// minus the refresh buffer. Opaque credentials yield the zero time, which
// disables proactive refresh and leaves the 401-triggered path in charge.
func accessTokenExpiry(accessToken string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time.Add(-expiryBuffer)
}
