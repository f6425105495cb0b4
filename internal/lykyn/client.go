// Package lykyn is the client for the Lykyn grow-kit service. A Client logs
// in, mirrors every device in a local cache kept current by the realtime
// channel, and writes settings back through that channel.
package lykyn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/auth"
	"github.com/bilbercode/lykyn-sync/internal/config"
	"github.com/bilbercode/lykyn-sync/internal/devices"
	"github.com/bilbercode/lykyn-sync/internal/presets"
	"github.com/bilbercode/lykyn-sync/internal/realtime"
	"github.com/bilbercode/lykyn-sync/internal/session"
)

const (
	PathDevices    = "/api/user/devices"
	PathDevice     = "/api/device/%s"
	PathDeviceData = "/api/device/%s/data"
	PathOnline     = "/api/device/online"

	DefaultHistoryLimit = 144
)

type Options struct {
	BaseURL     string
	UserAgent   string
	Credentials auth.Credentials

	// Transports is the realtime transport preference, websocket then
	// polling when empty.
	Transports []string
	Backoff    realtime.Backoff
	// NoRealtime keeps Setup on REST only.
	NoRealtime bool

	// RoundTripper replaces the HTTP transport of REST calls and of the
	// polling realtime transport.
	RoundTripper http.RoundTripper
}

// OptionsFromConfig maps the service, credential and realtime sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:     cfg.Service.BaseURL,
		UserAgent:   cfg.Service.UserAgent,
		Credentials: auth.Credentials{Email: cfg.Credentials.Email, Password: cfg.Credentials.Password},
		Transports:  cfg.Realtime.Transports,
		Backoff: realtime.Backoff{
			Initial: cfg.Realtime.InitialBackoff(),
			Max:     cfg.Realtime.MaxBackoff(),
		},
		NoRealtime: !cfg.Realtime.Enabled,
	}
}

// Client is the composition root: it owns the session, the cache, the
// notifier and the realtime channel. Hand the same *Client to every consumer.
type Client struct {
	opts      Options
	transport *session.Transport
	auth      *auth.Manager
	cache     *devices.Cache
	notifier  *devices.Notifier

	mu      sync.Mutex
	channel *realtime.Channel

	// life is cancelled by Close; every call runs under it
	life context.Context
	stop context.CancelFunc
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = config.DefaultBaseURL
	}
	var topts []session.Option
	if opts.RoundTripper != nil {
		topts = append(topts, session.WithRoundTripper(opts.RoundTripper))
	}
	transport, err := session.NewTransport(opts.BaseURL, opts.UserAgent, topts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:      opts,
		transport: transport,
		auth:      auth.NewManager(transport),
		cache:     devices.NewCache(),
		notifier:  devices.NewNotifier(),
	}, nil
}

// bind ties ctx to the lifetime of the client so Close aborts calls in
// flight. The returned func releases the derived context.
func (c *Client) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	if c.life == nil {
		c.life, c.stop = context.WithCancel(context.Background())
	}
	life := c.life
	c.mu.Unlock()

	bound, cancel := context.WithCancel(life)
	release := context.AfterFunc(ctx, cancel)
	return bound, func() {
		release()
		cancel()
	}
}

// commit applies a cache change unless the call was aborted by Close.
func (c *Client) commit(ctx context.Context, apply func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	apply()
	return nil
}

// Authenticate logs in with the credentials the client was built with.
func (c *Client) Authenticate(ctx context.Context) (auth.Identity, error) {
	ctx, done := c.bind(ctx)
	defer done()
	return c.auth.Authenticate(ctx, c.opts.Credentials)
}

// Identity returns the logged in user, false before Authenticate succeeds.
func (c *Client) Identity() (auth.Identity, bool) {
	return c.auth.Identity()
}

// GetDevices fetches every device of the account, replaces their cached
// records and notifies subscribers once.
func (c *Client) GetDevices(ctx context.Context) ([]devices.Device, error) {
	ctx, done := c.bind(ctx)
	defer done()

	var list []devices.Device
	if err := c.transport.GetJSON(ctx, PathDevices, nil, &list); err != nil {
		return nil, err
	}
	err := c.commit(ctx, func() {
		for _, d := range list {
			if d.ID == "" {
				log.WithField("name", d.Name).Warn("ignoring device without id")
				continue
			}
			c.cache.Upsert(d)
		}
	})
	if err != nil {
		return nil, err
	}
	c.notifier.Notify("")
	return list, nil
}

func (c *Client) GetDevice(ctx context.Context, id string) (devices.Device, error) {
	ctx, done := c.bind(ctx)
	defer done()

	var d devices.Device
	if err := c.transport.GetJSON(ctx, fmt.Sprintf(PathDevice, url.PathEscape(id)), nil, &d); err != nil {
		return devices.Device{}, err
	}
	if d.ID == "" {
		d.ID = id
	}
	if err := c.commit(ctx, func() { c.cache.Upsert(d) }); err != nil {
		return devices.Device{}, err
	}
	c.notifier.Notify(d.ID)
	return d, nil
}

// GetDeviceHistory returns the newest limit readings of a device exactly as
// the service sends them. A limit of zero or less asks for
// DefaultHistoryLimit.
func (c *Client) GetDeviceHistory(ctx context.Context, id string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	ctx, done := c.bind(ctx)
	defer done()

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order", "DESC")

	var res struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.transport.GetJSON(ctx, fmt.Sprintf(PathDeviceData, url.PathEscape(id)), query, &res); err != nil {
		return nil, err
	}
	if res.Data == nil {
		return []json.RawMessage{}, nil
	}
	return res.Data, nil
}

// GetOnlineDevices fetches the ids of the reachable devices and replaces the
// cached online set.
func (c *Client) GetOnlineDevices(ctx context.Context) ([]string, error) {
	ctx, done := c.bind(ctx)
	defer done()

	var res struct {
		Devices []string `json:"devices"`
	}
	if err := c.transport.GetJSON(ctx, PathOnline, nil, &res); err != nil {
		return nil, err
	}
	if res.Devices == nil {
		res.Devices = []string{}
	}
	if err := c.commit(ctx, func() { c.cache.SetOnline(res.Devices) }); err != nil {
		return nil, err
	}
	c.notifier.Notify("")
	return res.Devices, nil
}

// ConnectRealtime starts the realtime channel and waits for the first
// connection attempt. When that attempt fails the error is returned, but the
// channel keeps retrying in the background until Close.
func (c *Client) ConnectRealtime(ctx context.Context) error {
	if _, ok := c.auth.Identity(); !ok {
		return session.NewAPIError(session.ErrNotAuthenticated)
	}
	ctx, done := c.bind(ctx)
	defer done()

	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.channel == nil {
		c.channel = realtime.New(realtime.Options{
			BaseURL:    c.transport.BaseURL(),
			UserAgent:  c.opts.UserAgent,
			Transports: c.opts.Transports,
			Backoff:    c.opts.Backoff,
			HTTPClient: &http.Client{Transport: c.opts.RoundTripper},
		}, channelAuth{c}, c.cache, c.notifier)
	}
	ch, life := c.channel, c.life
	c.mu.Unlock()

	// the channel outlives this call and stops with the client
	first, err := ch.Start(life)
	if err != nil {
		return err
	}
	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) IsRealtimeConnected() bool {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	return ch != nil && ch.IsConnected()
}

// UpdateDeviceSetting merges partial into the cached info of the device and
// sends the merged info to the service. The cache itself only changes when
// the service echoes the update back.
func (c *Client) UpdateDeviceSetting(ctx context.Context, id string, partial devices.Info) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return session.NewAPIError(session.ErrNotConnected)
	}
	ctx, done := c.bind(ctx)
	defer done()

	var current devices.Info
	if d, ok := c.cache.Get(id); ok {
		current = d.Info
	}
	merged := devices.Merge(current, partial)
	if err := ch.SendUpdate(ctx, id, merged); err != nil {
		return err
	}
	log.WithFields(log.Fields{"device": id, "update": partial}).Debug("sent device update")
	return nil
}

// ApplyPreset selects a growth preset on a device.
func (c *Client) ApplyPreset(ctx context.Context, id, name string) error {
	update, err := presets.PresetUpdate(name)
	if err != nil {
		return err
	}
	return c.UpdateDeviceSetting(ctx, id, update)
}

// SetLightAnimation switches the light of a device to an animation.
func (c *Client) SetLightAnimation(ctx context.Context, id, animation string) error {
	update, err := presets.AnimationUpdate(animation)
	if err != nil {
		return err
	}
	return c.UpdateDeviceSetting(ctx, id, update)
}

// SetLight switches the light of a device on or off.
func (c *Client) SetLight(ctx context.Context, id string, on bool) error {
	if !on {
		return c.UpdateDeviceSetting(ctx, id, presets.LightOff())
	}
	var current devices.Info
	if d, ok := c.cache.Get(id); ok {
		current = d.Info
	}
	return c.UpdateDeviceSetting(ctx, id, presets.LightOn(current))
}

// Subscribe registers h for change notifications. The returned func removes it.
func (c *Client) Subscribe(h devices.Handler) func() {
	return c.notifier.Subscribe(h)
}

// Devices returns a copy of every cached device.
func (c *Client) Devices() map[string]devices.Device {
	return c.cache.All()
}

// DeviceIDs returns the ids of the cached devices in order.
func (c *Client) DeviceIDs() []string {
	return c.cache.IDs()
}

// Device returns a copy of one cached device.
func (c *Client) Device(id string) (devices.Device, bool) {
	return c.cache.Get(id)
}

func (c *Client) OnlineDeviceIDs() []string {
	return c.cache.Online()
}

func (c *Client) IsOnline(id string) bool {
	return c.cache.IsOnline(id)
}

// Setup performs the start up sequence of a long running client: login,
// device list, online set, then realtime. A realtime failure is tolerated and
// the client stays usable over REST; anything before it is returned.
func (c *Client) Setup(ctx context.Context) error {
	ctx, done := c.bind(ctx)
	defer done()

	if _, err := c.Authenticate(ctx); err != nil {
		return err
	}
	if _, err := c.GetDevices(ctx); err != nil {
		return fmt.Errorf("failed to fetch devices: %w", err)
	}
	if _, err := c.GetOnlineDevices(ctx); err != nil {
		return fmt.Errorf("failed to fetch online devices: %w", err)
	}
	if c.opts.NoRealtime {
		log.WithField("devices", c.cache.Len()).Info("lykyn client ready, realtime disabled")
		return nil
	}
	if err := c.ConnectRealtime(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("realtime unavailable, continuing over REST")
	}
	log.WithField("devices", c.cache.Len()).Info("lykyn client ready")
	return nil
}

// Close stops the realtime channel and forgets the session and every cached
// device. Calls in flight, Setup included, are aborted and commit nothing.
// It is safe to call at any time and more than once; a closed client can
// authenticate again.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stop != nil {
		c.stop()
	}
	c.life, c.stop = nil, nil
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	c.auth.Clear()
	c.transport.Close()
	c.cache.Reset()
	return err
}

// channelAuth hands the realtime channel the current identity and cookies.
type channelAuth struct {
	c *Client
}

func (a channelAuth) Token() (string, bool) {
	id, ok := a.c.auth.Identity()
	return string(id), ok
}

func (a channelAuth) CookieHeader() string {
	return a.c.transport.CookieHeader()
}
