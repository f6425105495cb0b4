package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/session"
)

const (
	PathCSRF     = "/api/auth/csrf"
	PathCallback = "/api/auth/callback/credentials"
	PathSession  = "/api/auth/session"
)

var (
	ErrNoCSRFToken        = errors.New("no csrf token")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoUserID           = errors.New("no user id")
)

// AuthError is a failed login. The session is unusable until Authenticate
// succeeds again; it is never retried internally.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "lykyn auth: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authErrorf(sentinel error, format string, args ...interface{}) *AuthError {
	return &AuthError{Err: fmt.Errorf("%w: "+format, append([]interface{}{sentinel}, args...)...)}
}

type Credentials struct {
	Email    string
	Password string
}

// Identity is the opaque user id returned by the session endpoint. It only
// authorizes the realtime channel.
type Identity string

// Manager drives the CSRF/cookie login handshake over a shared transport and
// remembers the resulting identity.
type Manager struct {
	sync.Mutex
	transport *session.Transport
	identity  Identity
}

func NewManager(transport *session.Transport) *Manager {
	return &Manager{transport: transport}
}

// Identity returns the identity of the last successful login.
func (a *Manager) Identity() (Identity, bool) {
	a.Lock()
	defer a.Unlock()
	return a.identity, a.identity != ""
}

// Clear forgets the identity. Cookies live in the transport and are dropped
// when it is closed.
func (a *Manager) Clear() {
	a.Lock()
	defer a.Unlock()
	a.identity = ""
}

// Authenticate logs in with creds. The three requests must run in order on the
// same cookie jar: csrf token, credential callback, session lookup.
func (a *Manager) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	a.Clear()

	token, err := a.csrfToken(ctx)
	if err != nil {
		return "", err
	}
	if err := a.submitCredentials(ctx, token, creds); err != nil {
		return "", err
	}
	identity, err := a.sessionUser(ctx)
	if err != nil {
		return "", err
	}

	a.Lock()
	if err := ctx.Err(); err != nil {
		a.Unlock()
		return "", err
	}
	a.identity = identity
	a.Unlock()
	log.WithField("user", identity).Debug("authenticated with lykyn")
	return identity, nil
}

func (a *Manager) csrfToken(ctx context.Context) (string, error) {
	res, err := a.transport.Get(ctx, PathCSRF, nil)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to get csrf token: %w", err)}
	}
	if res.Status != http.StatusOK {
		return "", authErrorf(ErrNoCSRFToken, "status %d", res.Status)
	}
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := res.DecodeJSON(&body); err != nil || body.CSRFToken == "" {
		return "", &AuthError{Err: ErrNoCSRFToken}
	}
	return body.CSRFToken, nil
}

func (a *Manager) submitCredentials(ctx context.Context, token string, creds Credentials) error {
	callbackURL := a.transport.BaseURL().String()
	res, err := a.transport.PostForm(ctx, PathCallback, url.Values{
		"csrfToken":   {token},
		"email":       {creds.Email},
		"password":    {creds.Password},
		"redirect":    {"false"},
		"json":        {"true"},
		"callbackUrl": {callbackURL},
	})
	if err != nil {
		return &AuthError{Err: fmt.Errorf("failed to submit credentials: %w", err)}
	}

	// The "error" checks are plain substring matches: a legitimate callback
	// url containing "error" is rejected too.
	switch res.Status {
	case http.StatusOK:
		var body struct {
			URL *string `json:"url"`
		}
		if err := res.DecodeJSON(&body); err != nil || body.URL == nil || strings.Contains(*body.URL, "error") {
			return &AuthError{Err: ErrInvalidCredentials}
		}
	case http.StatusMovedPermanently, http.StatusFound:
		if strings.Contains(res.Location, "error") {
			return &AuthError{Err: ErrInvalidCredentials}
		}
	default:
		return authErrorf(ErrInvalidCredentials, "status %d", res.Status)
	}
	return nil
}

func (a *Manager) sessionUser(ctx context.Context) (Identity, error) {
	res, err := a.transport.Get(ctx, PathSession, nil)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to get session: %w", err)}
	}
	if res.Status != http.StatusOK {
		return "", authErrorf(ErrNoUserID, "session status %d", res.Status)
	}
	var body struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := res.DecodeJSON(&body); err != nil || body.User.ID == "" {
		return "", &AuthError{Err: ErrNoUserID}
	}
	return Identity(body.User.ID), nil
}
