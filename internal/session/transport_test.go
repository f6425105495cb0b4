package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestTransport(t *testing.T, handler http.Handler) *Transport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr, err := NewTransport(srv.URL, "lykyn-sync-test")
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	return tr
}

func TestNewTransport_RejectsRelativeURL(t *testing.T) {
	if _, err := NewTransport("lykyn.app", "ua"); err == nil {
		t.Error("NewTransport() expected error for relative url")
	}
}

func TestGetJSON(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/device/d1/data" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("order"); got != "DESC" {
			t.Errorf("order = %q, want DESC", got)
		}
		if got := r.Header.Get("User-Agent"); got != "lykyn-sync-test" {
			t.Errorf("User-Agent = %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[1,2]}`))
	}))

	var out struct {
		Data []int `json:"data"`
	}
	err := tr.GetJSON(context.Background(), "/api/device/d1/data", url.Values{"order": {"DESC"}}, &out)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if len(out.Data) != 2 {
		t.Errorf("Data = %v, want 2 items", out.Data)
	}
}

func TestGetJSON_NonSuccessIsAPIError(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := tr.GetJSON(context.Background(), "/api/user/devices", nil, &struct{}{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GetJSON() error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want %d", apiErr.Status, http.StatusBadGateway)
	}
	if StatusCode(err) != http.StatusBadGateway {
		t.Errorf("StatusCode() = %d", StatusCode(err))
	}
}

func TestPostForm_DoesNotFollowRedirect(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm() error = %v", err)
			}
			if r.PostForm.Get("email") != "a@b.c" {
				t.Errorf("email = %q", r.PostForm.Get("email"))
			}
			http.SetCookie(w, &http.Cookie{Name: "session-token", Value: "xyz", Path: "/"})
			http.Redirect(w, r, "/landing", http.StatusFound)
		case "/landing":
			t.Error("redirect was followed")
		}
	}))

	res, err := tr.PostForm(context.Background(), "/login", url.Values{"email": {"a@b.c"}})
	if err != nil {
		t.Fatalf("PostForm() error = %v", err)
	}
	if res.Status != http.StatusFound {
		t.Errorf("Status = %d, want 302", res.Status)
	}
	if res.Location != "/landing" {
		t.Errorf("Location = %q, want /landing", res.Location)
	}
	if got := tr.CookieHeader(); got != "session-token=xyz" {
		t.Errorf("CookieHeader() = %q, want session-token=xyz", got)
	}
}

func TestClose_DropsCookies(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "1", Path: "/"})
	}))

	if _, err := tr.Get(context.Background(), "/", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !strings.Contains(tr.CookieHeader(), "sid=1") {
		t.Fatalf("expected cookie before close, got %q", tr.CookieHeader())
	}

	tr.Close()
	tr.Close()

	if got := tr.CookieHeader(); got != "" {
		t.Errorf("CookieHeader() after Close = %q, want empty", got)
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	err := NewAPIError(ErrNotConnected)
	if !errors.Is(err, ErrNotConnected) {
		t.Error("errors.Is(NewAPIError(ErrNotConnected), ErrNotConnected) = false")
	}
	if err.Error() != "lykyn api: not connected" {
		t.Errorf("Error() = %q", err.Error())
	}
}
