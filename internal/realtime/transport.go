package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"

	engineIOPath    = "/socket.io/"
	engineIOVersion = "4"

	handshakeTimeout = 10 * time.Second
	defaultLiveness  = 45 * time.Second
)

// transport moves raw engine.io packets. Read is only ever called from one
// goroutine; Write and Close may be called from any.
type transport interface {
	Read() (string, error)
	Write(packets ...string) error
	Close() error
}

type dialTarget struct {
	base   *url.URL
	header http.Header
	client *http.Client
}

// endpoint is the engine.io url for the given transport name.
func (d dialTarget) endpoint(name string) *url.URL {
	u := d.base.ResolveReference(&url.URL{Path: engineIOPath})
	q := url.Values{}
	q.Set("EIO", engineIOVersion)
	q.Set("transport", name)
	u.RawQuery = q.Encode()
	return u
}

// dialFunc opens a transport and completes the engine.io open exchange.
type dialFunc func(ctx context.Context, target dialTarget) (transport, handshake, error)

var dialers = map[string]dialFunc{
	TransportWebsocket: dialWebsocket,
	TransportPolling:   dialPolling,
}

// authHeader is the connection-time authorization the service expects.
func authHeader(token string) string {
	b, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}{Type: "user", Token: token})
	return string(b)
}

// link pumps packets from a transport into a channel so callers can wait on
// them together with timers and cancellation.
type link struct {
	transport
	name string
	hs   handshake

	packets chan string
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func newLink(t transport, name string, hs handshake) *link {
	l := &link{
		transport: t,
		name:      name,
		hs:        hs,
		packets:   make(chan string),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *link) pump() {
	for {
		p, err := l.Read()
		if err != nil {
			l.errs <- err
			return
		}
		select {
		case l.packets <- p:
		case <-l.done:
			return
		}
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.transport.Close()
	})
}
