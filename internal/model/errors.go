package model

import "errors"

// Registration and verification errors.
var (
	ErrNotInRegistry   = errors.New("not found in school registry")      // 400
	ErrConflict        = errors.New("identity already exists")           // 409
	ErrNotFound        = errors.New("identity not found")                // 404
	ErrAlreadyVerified = errors.New("identity already verified")         // 409
	ErrCodeExpired     = errors.New("verification code expired")         // 410
	ErrCodeMismatch    = errors.New("verification code mismatch")        // 400
	ErrDeliveryFailed  = errors.New("verification delivery failed")      // 502
	ErrNotVerified     = errors.New("identity not verified")             // 403
)

// Authentication and authorization errors.
var (
	ErrMissingToken       = errors.New("missing token")           // 401
	ErrInvalidToken       = errors.New("invalid token")           // 401
	ErrTokenExpired       = errors.New("token expired")           // 401
	ErrUnknownIdentity    = errors.New("unknown identity")        // 401
	ErrInvalidCredentials = errors.New("invalid credentials")     // 401
	ErrAccessDenied       = errors.New("access denied")           // 403
)

// Channel and message errors.
var (
	ErrChannelNotFound = errors.New("channel not found") // 404
	ErrInvalidPayload  = errors.New("invalid payload")   // 400
)
