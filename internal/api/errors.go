package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/auth"
	"github.com/bilbercode/lykyn-sync/internal/presets"
	"github.com/bilbercode/lykyn-sync/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.WithError(err).Debug("failed to write response")
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Status: status, Message: message})
}

// statusFor maps a client error onto the HTTP status reported for it.
func statusFor(err error) int {
	var authErr *auth.AuthError
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotAuthenticated), errors.As(err, &authErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, presets.ErrUnknownPreset),
		errors.Is(err, presets.ErrUnknownAnimation),
		errors.Is(err, presets.ErrInvalidSetting):
		return http.StatusBadRequest
	}
	if status := session.StatusCode(err); status == http.StatusNotFound {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}
