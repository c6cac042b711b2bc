package auth

import "errors"

// Error messages double as UI copy, so they read as full sentences.
var (
	ErrClientIDRequired = errors.New("Client ID is required. Configure a client ID before signing in")
	ErrStateMismatch    = errors.New("authorization response state does not match the pending sign-in")
	ErrCallbackInvalid  = errors.New("authorization response is missing code or state")
	ErrNotAuthenticated = errors.New("not authenticated")
)
