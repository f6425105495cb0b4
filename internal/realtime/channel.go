package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/devices"
	"github.com/bilbercode/lykyn-sync/internal/session"
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

var (
	errChannelClosed = errors.New("channel closed")
	errServerClosed  = errors.New("server closed the connection")
	errPingTimeout   = errors.New("ping timeout")
	errNoTransports  = errors.New("no usable transports")
)

// Authorization supplies the credentials presented when the channel connects.
type Authorization interface {
	// Token returns the user identity, false when not authenticated.
	Token() (string, bool)
	CookieHeader() string
}

type Options struct {
	BaseURL    *url.URL
	UserAgent  string
	Transports []string
	Backoff    Backoff
	// HTTPClient is used by the polling transport; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Channel keeps a socket.io connection to the service alive and applies the
// frames it receives to the device cache.
type Channel struct {
	opts     Options
	authz    Authorization
	cache    *devices.Cache
	notifier *devices.Notifier

	mu      sync.Mutex
	state   State
	link    *link
	cancel  context.CancelFunc
	running bool
	closed  bool
	wg      sync.WaitGroup
}

func New(opts Options, authz Authorization, cache *devices.Cache, notifier *devices.Notifier) *Channel {
	if len(opts.Transports) == 0 {
		opts.Transports = []string{TransportWebsocket, TransportPolling}
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	return &Channel{
		opts:     opts,
		authz:    authz,
		cache:    cache,
		notifier: notifier,
	}
}

// Start launches the connection loop. The returned channel yields the outcome
// of the first connection attempt; the loop keeps retrying regardless until
// ctx is cancelled or Close is called.
func (c *Channel) Start(ctx context.Context) (<-chan error, error) {
	if _, ok := c.authz.Token(); !ok {
		return nil, session.NewAPIError(session.ErrNotAuthenticated)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, session.NewAPIError(errChannelClosed)
	}

	first := make(chan error, 1)
	if c.running {
		first <- nil
		return first, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.run(ctx, first)
	return first, nil
}

func (c *Channel) run(ctx context.Context, first chan<- error) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	attempt := 0
	for {
		c.setState(Connecting)
		l, err := c.connect(ctx)
		if err != nil {
			c.setState(Disconnected)
			report(err)
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to connect realtime channel")
		} else {
			attempt = 0
			c.setLink(l)
			c.setState(Connected)
			report(nil)
			log.WithField("transport", l.name).Info("realtime channel connected")

			if err := c.emit(EventGetOnlineDevices); err != nil {
				log.WithError(err).Warn("failed to request online devices")
			}
			err = c.serve(ctx, l)
			c.setLink(nil)
			l.close()
			c.dispatch(Frame{Kind: FrameClosed, Err: err})
			if ctx.Err() != nil {
				return
			}
		}

		delay := c.opts.Backoff.Delay(attempt)
		attempt++
		log.WithField("delay", delay).Info("reconnecting realtime channel")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		reconnectAttempts.Inc()
	}
}

func (c *Channel) connect(ctx context.Context) (*link, error) {
	token, ok := c.authz.Token()
	if !ok {
		return nil, session.NewAPIError(session.ErrNotAuthenticated)
	}
	header := http.Header{}
	header.Set("auth", authHeader(token))
	if cookie := c.authz.CookieHeader(); cookie != "" {
		header.Set("Cookie", cookie)
	}
	if c.opts.UserAgent != "" {
		header.Set("User-Agent", c.opts.UserAgent)
	}
	target := dialTarget{base: c.opts.BaseURL, header: header, client: c.opts.HTTPClient}

	errs := make([]error, 0, len(c.opts.Transports))
	for _, name := range c.opts.Transports {
		dial, ok := dialers[name]
		if !ok {
			log.WithField("transport", name).Warn("unknown realtime transport")
			continue
		}
		t, hs, err := dial(ctx, target)
		if err != nil {
			connectErrors.WithLabelValues(name).Inc()
			log.WithError(err).WithField("transport", name).Debug("realtime transport failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		l := newLink(t, name, hs)
		if err := c.join(ctx, l); err != nil {
			connectErrors.WithLabelValues(name).Inc()
			l.close()
			return nil, &session.APIError{Message: "failed to join realtime channel", Err: err}
		}
		return l, nil
	}
	if len(errs) == 0 {
		return nil, session.NewAPIError(errNoTransports)
	}
	return nil, &session.APIError{Message: "failed to connect realtime channel", Err: errors.Join(errs...)}
}

// join opens the default socket.io namespace on an established link.
func (c *Channel) join(ctx context.Context, l *link) error {
	if err := l.Write(packetConnect); err != nil {
		return err
	}
	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("timed out waiting for namespace connect")
		case err := <-l.errs:
			return err
		case p := <-l.packets:
			if len(p) == 0 {
				continue
			}
			switch p[0] {
			case eioPing:
				if err := l.Write(packetPong); err != nil {
					return err
				}
			case eioClose:
				return errServerClosed
			case eioMessage:
				sp, err := decodeSocketPacket(p[1:])
				if err != nil {
					return err
				}
				switch sp.Type {
				case sioConnect:
					return nil
				case sioConnectError:
					return fmt.Errorf("connect refused: %s", string(sp.Data))
				}
			}
		}
	}
}

func (c *Channel) serve(ctx context.Context, l *link) error {
	liveness := l.hs.liveness()
	timer := time.NewTimer(liveness)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-l.errs:
			return err
		case <-timer.C:
			return errPingTimeout
		case p := <-l.packets:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(liveness)
			if err := c.handlePacket(l, p); err != nil {
				return err
			}
		}
	}
}

func (c *Channel) handlePacket(l *link, p string) error {
	if len(p) == 0 {
		return nil
	}
	switch p[0] {
	case eioPing:
		return l.Write(packetPong)
	case eioClose:
		return errServerClosed
	case eioMessage:
	default:
		return nil
	}

	sp, err := decodeSocketPacket(p[1:])
	if err != nil {
		log.WithError(err).WithField("packet", truncate(p)).Warn("dropping realtime packet")
		return nil
	}
	switch sp.Type {
	case sioEvent:
		name, args, err := decodeEvent(sp.Data)
		if err != nil {
			log.WithError(err).Warn("dropping realtime event")
			return nil
		}
		c.dispatch(Frame{Kind: eventKinds[name], Event: name, Args: args})
	case sioDisconnect:
		return errServerClosed
	case sioConnectError:
		return fmt.Errorf("namespace error: %s", string(sp.Data))
	}
	return nil
}

func (c *Channel) emit(event string, args ...interface{}) error {
	c.mu.Lock()
	l, state := c.link, c.state
	c.mu.Unlock()
	if state != Connected || l == nil {
		return session.NewAPIError(session.ErrNotConnected)
	}
	pkt, err := encodeEvent(event, args...)
	if err != nil {
		return session.NewAPIError(err)
	}
	if err := l.Write(pkt); err != nil {
		return &session.APIError{Message: "failed to emit " + event, Err: err}
	}
	return nil
}

// SendUpdate asks the service to merge info into the device's settings. It
// fails immediately when the channel is not connected.
func (c *Channel) SendUpdate(ctx context.Context, deviceID string, info devices.Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.emit(EventUpdateDevice,
		map[string]interface{}{"info": info},
		map[string]string{"id": deviceID},
	)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == Connected
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	connectionState.Set(float64(s))
}

func (c *Channel) setLink(l *link) {
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
}

// Close stops the channel for good and waits for the connection loop to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, l := c.cancel, c.link
	c.mu.Unlock()

	if l != nil {
		_ = l.Write(packetDisconnect)
	}
	if cancel != nil {
		cancel()
	}
	if l != nil {
		l.close()
	}
	c.wg.Wait()
	c.setState(Disconnected)
	return nil
}
