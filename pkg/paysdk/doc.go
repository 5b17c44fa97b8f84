/*
Package paysdk provides a client SDK for the VisagePay payment service.

# SDKClient vs Session

The package is organized around two main types:

  - SDKClient: performs unauthenticated operations (login, credential
    refresh) and creates authenticated Sessions
  - Session: performs authenticated operations with automatic, single-flight
    credential refresh

Create an SDKClient and log in to obtain a Session:

	client := paysdk.NewSDKClient("https://api.visagepay.example")
	session, err := client.Login(ctx, deviceID, faceToken)

Use the Session for protected operations:

	requests, err := session.ListPaymentRequests(ctx)
	rules, err := session.ListAutoPayRules(ctx)
	err = session.VerifyPIN(ctx, "0000")

# Single-flight refresh

When a protected call fails with an expired access credential, the session
refreshes it. Any number of calls may hit that failure concurrently; exactly
one of them performs the refresh while the rest wait for its outcome. Each
caller then reissues its own original request once with the fresh credential.
If the refresh fails the session is cleared, every waiting caller receives
the refresh error, and the OnExpired hook fires so owners of dependent state
(e.g. a running sync loop) can unwind to an unauthenticated state.

# Typed errors

Error responses are decoded once at the HTTP boundary into a closed set of
error types (AuthError, InvalidPINError, LockoutError, ValidationError,
RateLimitError, ServerFault, APIError). Downstream code branches with
errors.As instead of re-inspecting HTTP status codes.
*/
package paysdk
