package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

// Response is the raw outcome of a request that callers inspect themselves,
// such as the login callback where a redirect is a valid answer.
type Response struct {
	Status   int
	Header   http.Header
	Location string
	Body     []byte
}

func (r *Response) DecodeJSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Transport owns the single cookie-bearing HTTP client used for every REST
// exchange with the service. The client is created on first use and again
// after Close.
type Transport struct {
	sync.Mutex

	base      *url.URL
	userAgent string
	rt        http.RoundTripper

	client *http.Client
}

type Option func(*Transport)

// WithRoundTripper replaces the HTTP transport, mainly for tests.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(t *Transport) {
		t.rt = rt
	}
}

func NewTransport(baseURL, userAgent string, opts ...Option) (*Transport, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url %s: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %s must be absolute", baseURL)
	}
	t := &Transport{
		base:      base,
		userAgent: userAgent,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// BaseURL returns a copy of the service origin.
func (t *Transport) BaseURL() *url.URL {
	u := *t.base
	return &u
}

func (t *Transport) UserAgent() string {
	return t.userAgent
}

// Client returns the shared HTTP client, creating it if needed.
func (t *Transport) Client() *http.Client {
	t.Lock()
	defer t.Unlock()
	if t.client == nil {
		// cookiejar.New only fails on a nil-safe option set
		jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		t.client = &http.Client{
			Jar:       jar,
			Transport: t.rt,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// form posts hand their redirect back to the caller
				if len(via) > 0 && via[0].Method == http.MethodPost {
					return http.ErrUseLastResponse
				}
				if len(via) >= 10 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		}
	}
	return t.client
}

func (t *Transport) resolve(path string, query url.Values) string {
	u := t.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (t *Transport) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*Response, error) {
	// a cancelled call must not bring a closed transport back
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, t.resolve(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := t.Client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s response: %w", method, path, err)
	}
	log.WithFields(log.Fields{"method": method, "path": path, "status": res.StatusCode}).Debug("lykyn request")

	return &Response{
		Status:   res.StatusCode,
		Header:   res.Header,
		Location: res.Header.Get("Location"),
		Body:     b,
	}, nil
}

// Get performs a GET and returns the response whatever its status.
func (t *Transport) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return t.do(ctx, http.MethodGet, path, query, nil, "")
}

// GetJSON fetches path and decodes the body into v. Any non-2xx status is an
// *APIError carrying the code; nothing is retried.
func (t *Transport) GetJSON(ctx context.Context, path string, query url.Values, v interface{}) error {
	res, err := t.Get(ctx, path, query)
	if err != nil {
		return &APIError{Message: "GET " + path, Err: err}
	}
	if res.Status < 200 || res.Status > 299 {
		return &APIError{Status: res.Status, Message: "GET " + path}
	}
	if v == nil {
		return nil
	}
	if err := res.DecodeJSON(v); err != nil {
		return &APIError{Status: res.Status, Message: "GET " + path, Err: err}
	}
	return nil
}

// PostForm submits a url-encoded form without following redirects.
func (t *Transport) PostForm(ctx context.Context, path string, form url.Values) (*Response, error) {
	return t.do(ctx, http.MethodPost, path, nil, bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
}

// Cookies returns the session cookies the jar holds for the service origin.
func (t *Transport) Cookies() []*http.Cookie {
	client := t.Client()
	if client.Jar == nil {
		return nil
	}
	return client.Jar.Cookies(t.base)
}

// CookieHeader renders Cookies as a Cookie request header value.
func (t *Transport) CookieHeader() string {
	cookies := t.Cookies()
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Close drops the cookie jar and idle connections. It is safe to call more
// than once; the next request starts a fresh, unauthenticated client.
func (t *Transport) Close() {
	t.Lock()
	defer t.Unlock()
	if t.client == nil {
		return
	}
	t.client.CloseIdleConnections()
	t.client = nil
}
