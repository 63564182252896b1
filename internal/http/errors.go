package http

import (
	"errors"
	"net/http"

	"github.com/camarasama/instant-class-chat/internal/model"
)

// writeAccountError maps verification-lifecycle errors to responses. Login
// deliberately collapses its failure modes into invalid_credentials.
func writeAccountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotInRegistry):
		writeError(w, http.StatusForbidden, "not_in_registry")
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, "already_registered")
	case errors.Is(err, model.ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, "delivery_failed")
	case errors.Is(err, model.ErrAlreadyVerified):
		writeError(w, http.StatusConflict, "already_verified")
	case errors.Is(err, model.ErrCodeExpired):
		writeError(w, http.StatusGone, "code_expired")
	case errors.Is(err, model.ErrCodeMismatch):
		writeError(w, http.StatusBadRequest, "code_mismatch")
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrUnknownIdentity):
		writeError(w, http.StatusNotFound, "identity_not_found")
	case errors.Is(err, model.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

// writeAuthError maps middleware and socket-handshake failures. Expired
// tokens get their own code so clients re-login instead of retrying.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrMissingToken):
		writeError(w, http.StatusUnauthorized, "missing_token")
	case errors.Is(err, model.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired")
	case errors.Is(err, model.ErrNotVerified):
		writeError(w, http.StatusForbidden, "not_verified")
	case errors.Is(err, model.ErrUnknownIdentity), errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "unknown_identity")
	default:
		writeError(w, http.StatusUnauthorized, "invalid_token")
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "channel_not_found")
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, model.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}
