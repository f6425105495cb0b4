package lykyn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bilbercode/lykyn-sync/internal/auth"
	"github.com/bilbercode/lykyn-sync/internal/devices"
	"github.com/bilbercode/lykyn-sync/internal/realtime"
	"github.com/bilbercode/lykyn-sync/internal/session"
)

// fakeService serves the REST endpoints and a websocket-only socket.io
// endpoint of the service.
type fakeService struct {
	loginLocation string
	devicesBody   string
	onlineStatus  int
	noRealtime    bool

	// csrfGate holds the CSRF request until closed
	csrfGate    chan struct{}
	csrfStarted chan struct{}

	mu           sync.Mutex
	historyQuery string
	received     []string
	socketCount  int
	socketHeader http.Header
}

func newFakeService() *fakeService {
	return &fakeService{
		devicesBody:  `[{"id":"d1","name":"Tent","info":{"light":false}}]`,
		onlineStatus: http.StatusOK,
	}
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case auth.PathCSRF:
		if f.csrfGate != nil {
			select {
			case f.csrfStarted <- struct{}{}:
			default:
			}
			select {
			case <-f.csrfGate:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(`{"csrfToken":"abc"}`))
	case auth.PathCallback:
		http.SetCookie(w, &http.Cookie{Name: "next-auth.session-token", Value: "sess", Path: "/"})
		if f.loginLocation != "" {
			w.Header().Set("Location", f.loginLocation)
			w.WriteHeader(http.StatusFound)
			return
		}
		_, _ = w.Write([]byte(`{"url":"https://svc/"}`))
	case auth.PathSession:
		_, _ = w.Write([]byte(`{"user":{"id":"u1"}}`))
	case PathDevices:
		_, _ = w.Write([]byte(f.devicesBody))
	case "/api/device/d1":
		_, _ = w.Write([]byte(`{"id":"d1","name":"Renamed","info":{"light":true}}`))
	case "/api/device/d1/data":
		f.mu.Lock()
		f.historyQuery = r.URL.RawQuery
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"data":[{"temp":21.4,"hum":88},{"temp":21.1}],"total":2}`))
	case PathOnline:
		if f.onlineStatus != http.StatusOK {
			w.WriteHeader(f.onlineStatus)
			return
		}
		_, _ = w.Write([]byte(`{"devices":["d1"]}`))
	case "/socket.io/":
		if f.noRealtime {
			http.NotFound(w, r)
			return
		}
		f.serveSocket(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeService) serveSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.socketCount++
	f.socketHeader = r.Header.Clone()
	f.mu.Unlock()

	open := `0{"sid":"s1","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(open)); err != nil {
		return
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, string(msg))
		f.mu.Unlock()
		if string(msg) == "40" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"x"}`))
		}
	}
}

func (f *fakeService) hasReceived(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.received {
		if r == p {
			return true
		}
	}
	return false
}

func (f *fakeService) sockets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socketCount
}

func newClient(t *testing.T, f *fakeService) *Client {
	t.Helper()
	return newClientWith(t, f, func(*Options) {})
}

func newClientWith(t *testing.T, f *fakeService, modify func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	opts := Options{
		BaseURL:     srv.URL,
		UserAgent:   "lykyn-sync-test",
		Credentials: auth.Credentials{Email: "grower@example.com", Password: "pw"},
		Transports:  []string{realtime.TransportWebsocket},
		Backoff:     realtime.Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond},
	}
	modify(&opts)
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// countingTripper records the path of every request it forwards.
type countingTripper struct {
	mu    sync.Mutex
	paths []string
}

func (c *countingTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.paths = append(c.paths, r.URL.Path)
	c.mu.Unlock()
	return http.DefaultTransport.RoundTrip(r)
}

func (c *countingTripper) saw(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.paths {
		if p == path {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RejectsRelativeBaseURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "lykyn.app"}); err == nil {
		t.Fatal("New() expected error for relative base url")
	}
}

func TestGetDevices_FillsCache(t *testing.T) {
	c := newClient(t, newFakeService())
	ctx := context.Background()

	if _, err := c.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	var notified []string
	c.Subscribe(func(id string) error {
		notified = append(notified, id)
		return nil
	})

	list, err := c.GetDevices(ctx)
	if err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "d1" {
		t.Fatalf("GetDevices() = %+v", list)
	}

	cached := c.Devices()
	if len(cached) != 1 {
		t.Fatalf("cache has %d devices, want 1", len(cached))
	}
	if light, ok := cached["d1"].Info.Bool("light"); !ok || light {
		t.Errorf("d1 light = %v (%v), want false", light, ok)
	}
	if len(notified) != 1 || notified[0] != "" {
		t.Errorf("notified = %q, want one global refresh", notified)
	}
}

func TestGetDevice_Upserts(t *testing.T) {
	c := newClient(t, newFakeService())
	ctx := context.Background()
	if _, err := c.GetDevices(ctx); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	d, err := c.GetDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d.Name != "Renamed" {
		t.Errorf("name = %q", d.Name)
	}
	cached, _ := c.Device("d1")
	if light, _ := cached.Info.Bool("light"); !light {
		t.Error("cached record not replaced")
	}

	_, err = c.GetDevice(ctx, "missing")
	if got := session.StatusCode(err); got != http.StatusNotFound {
		t.Errorf("GetDevice(missing) status = %d, want 404 (err %v)", got, err)
	}
}

func TestGetDeviceHistory_ReturnsDataVerbatim(t *testing.T) {
	f := newFakeService()
	c := newClient(t, f)

	data, err := c.GetDeviceHistory(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("GetDeviceHistory() error = %v", err)
	}
	if len(data) != 2 || string(data[0]) != `{"temp":21.4,"hum":88}` {
		t.Errorf("data = %s", data)
	}
	f.mu.Lock()
	query := f.historyQuery
	f.mu.Unlock()
	if query != fmt.Sprintf("limit=%d&order=DESC", DefaultHistoryLimit) {
		t.Errorf("query = %q", query)
	}
}

func TestGetOnlineDevices(t *testing.T) {
	c := newClient(t, newFakeService())
	ids, err := c.GetOnlineDevices(context.Background())
	if err != nil {
		t.Fatalf("GetOnlineDevices() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" || !c.IsOnline("d1") {
		t.Errorf("online = %v", c.OnlineDeviceIDs())
	}
}

func TestGetOnlineDevices_NonSuccessIsAPIError(t *testing.T) {
	f := newFakeService()
	f.onlineStatus = http.StatusInternalServerError
	c := newClient(t, f)

	_, err := c.GetOnlineDevices(context.Background())
	var apiErr *session.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("GetOnlineDevices() error = %v, want APIError 500", err)
	}
}

func TestConnectRealtime_RequiresAuthentication(t *testing.T) {
	f := newFakeService()
	c := newClient(t, f)
	if _, err := c.GetDevices(context.Background()); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}

	err := c.ConnectRealtime(context.Background())
	if !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("ConnectRealtime() error = %v, want ErrNotAuthenticated", err)
	}
	if f.sockets() != 0 {
		t.Error("socket opened without identity")
	}
}

func TestConnectRealtime_SendsIdentityAndCookies(t *testing.T) {
	f := newFakeService()
	c := newClient(t, f)
	ctx := context.Background()
	if _, err := c.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if err := c.ConnectRealtime(ctx); err != nil {
		t.Fatalf("ConnectRealtime() error = %v", err)
	}
	if !c.IsRealtimeConnected() {
		t.Fatal("not connected")
	}

	f.mu.Lock()
	header := f.socketHeader
	f.mu.Unlock()
	if got := header.Get("auth"); got != `{"type":"user","token":"u1"}` {
		t.Errorf("auth header = %q", got)
	}
	if !strings.Contains(header.Get("Cookie"), "next-auth.session-token=sess") {
		t.Errorf("cookie header = %q", header.Get("Cookie"))
	}
	waitFor(t, "getOnlineDevices", func() bool { return f.hasReceived(`42["getOnlineDevices"]`) })
}

func TestUpdateDeviceSetting_SendsMergedInfo(t *testing.T) {
	f := newFakeService()
	f.devicesBody = `[{"id":"d1","info":{"smart":{"airinOn":5,"airinOff":10}}}]`
	c := newClient(t, f)
	ctx := context.Background()

	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !c.IsRealtimeConnected() {
		t.Fatal("not connected after Setup")
	}

	err := c.UpdateDeviceSetting(ctx, "d1", devices.Info{"smart": map[string]interface{}{"airinOn": 7}})
	if err != nil {
		t.Fatalf("UpdateDeviceSetting() error = %v", err)
	}
	waitFor(t, "merged update", func() bool {
		return f.hasReceived(`42["updateDevice",{"info":{"smart":{"airinOff":10,"airinOn":7}}},{"id":"d1"}]`)
	})

	d, _ := c.Device("d1")
	if on, _ := d.Info.Sub("smart").Float("airinOn"); on != 5 {
		t.Errorf("cache changed before echo: airinOn = %v", on)
	}
}

func TestUpdateDeviceSetting_NotConnected(t *testing.T) {
	c := newClient(t, newFakeService())
	ctx := context.Background()
	if _, err := c.GetDevices(ctx); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	before := c.Devices()

	err := c.UpdateDeviceSetting(ctx, "d1", devices.Info{"light": true})
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("UpdateDeviceSetting() error = %v, want ErrNotConnected", err)
	}
	var apiErr *session.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("error %T is not an APIError", err)
	}
	after := c.Devices()
	if light, _ := after["d1"].Info.Bool("light"); light || len(after) != len(before) {
		t.Error("cache modified by rejected update")
	}
}

func TestApplyPreset(t *testing.T) {
	f := newFakeService()
	c := newClient(t, f)
	ctx := context.Background()
	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	if err := c.ApplyPreset(ctx, "d1", "Reishi"); err != nil {
		t.Fatalf("ApplyPreset() error = %v", err)
	}
	waitFor(t, "preset update", func() bool {
		return f.hasReceived(`42["updateDevice",{"info":{"light":false,"maxHum":88,"maxTemp":30,"minHum":84,"minTemp":24,"selectedMushroom":"Reishi"}},{"id":"d1"}]`)
	})

	if err := c.ApplyPreset(ctx, "d1", "Truffle"); err == nil {
		t.Error("ApplyPreset(Truffle) expected error")
	}
	if err := c.SetLightAnimation(ctx, "d1", "AURORA"); err != nil {
		t.Fatalf("SetLightAnimation() error = %v", err)
	}
	waitFor(t, "animation update", func() bool {
		return f.hasReceived(`42["updateDevice",{"info":{"light":false,"lightAnimation":"AURORA","lightMode":"ANIMATION"}},{"id":"d1"}]`)
	})
}

func TestSetup_InvalidCredentialsSkipsRealtime(t *testing.T) {
	f := newFakeService()
	f.loginLocation = "https://svc/api/auth/signin?error=CredentialsSignin"
	c := newClient(t, f)

	err := c.Setup(context.Background())
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Setup() error = %v, want AuthError", err)
	}
	if len(c.Devices()) != 0 {
		t.Error("devices fetched after failed login")
	}
	time.Sleep(20 * time.Millisecond)
	if f.sockets() != 0 {
		t.Error("realtime attempted after failed login")
	}
}

func TestSetup_ToleratesRealtimeFailure(t *testing.T) {
	f := newFakeService()
	f.noRealtime = true
	c := newClient(t, f)

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if c.IsRealtimeConnected() {
		t.Error("connected without realtime endpoint")
	}
	if _, ok := c.Device("d1"); !ok {
		t.Error("devices missing in REST-only mode")
	}
}

func TestClose_ResetsState(t *testing.T) {
	f := newFakeService()
	c := newClient(t, f)
	ctx := context.Background()
	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, ok := c.Identity(); ok {
		t.Error("identity kept after Close")
	}
	if len(c.Devices()) != 0 || len(c.OnlineDeviceIDs()) != 0 {
		t.Error("cache kept after Close")
	}
	if c.IsRealtimeConnected() {
		t.Error("realtime connected after Close")
	}
	if err := c.ConnectRealtime(ctx); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Errorf("ConnectRealtime() after Close error = %v", err)
	}

	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup() after Close error = %v", err)
	}
	if !c.IsRealtimeConnected() {
		t.Error("not reconnected after second Setup")
	}
}

func TestDeviceIDs_Sorted(t *testing.T) {
	f := newFakeService()
	f.devicesBody = `[{"id":"d2","name":"B"},{"id":"d1","name":"A"},{"id":"d3","name":"C"}]`
	c := newClient(t, f)
	if _, err := c.GetDevices(context.Background()); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	if got := strings.Join(c.DeviceIDs(), ","); got != "d1,d2,d3" {
		t.Errorf("DeviceIDs() = %s", got)
	}
}

func TestSetLight(t *testing.T) {
	f := newFakeService()
	c := newClient(t, f)
	ctx := context.Background()
	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	if err := c.SetLight(ctx, "d1", true); err != nil {
		t.Fatalf("SetLight(on) error = %v", err)
	}
	waitFor(t, "light on", func() bool {
		return f.hasReceived(`42["updateDevice",{"info":{"light":true,"lightAnimation":"RAINBOW","lightMode":"ANIMATION"}},{"id":"d1"}]`)
	})

	if err := c.SetLight(ctx, "d1", false); err != nil {
		t.Fatalf("SetLight(off) error = %v", err)
	}
	waitFor(t, "light off", func() bool {
		return f.hasReceived(`42["updateDevice",{"info":{"light":false,"lightMode":"OFF"}},{"id":"d1"}]`)
	})
}

func TestSetup_CloseDuringLogin(t *testing.T) {
	f := newFakeService()
	f.csrfGate = make(chan struct{})
	f.csrfStarted = make(chan struct{}, 1)
	c := newClient(t, f)

	errc := make(chan error, 1)
	go func() { errc <- c.Setup(context.Background()) }()

	select {
	case <-f.csrfStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("csrf request never arrived")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(f.csrfGate)

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Setup() succeeded after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Setup() did not return after Close")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Identity(); ok {
		t.Error("identity committed after Close")
	}
	if len(c.Devices()) != 0 {
		t.Error("devices cached after Close")
	}
	if c.IsRealtimeConnected() || f.sockets() != 0 {
		t.Error("realtime opened after Close")
	}

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() after Close error = %v", err)
	}
	if _, ok := c.Device("d1"); !ok {
		t.Error("devices missing after second Setup")
	}
}

func TestConnectRealtime_PollingUsesRoundTripper(t *testing.T) {
	f := newFakeService()
	rt := &countingTripper{}
	c := newClientWith(t, f, func(o *Options) {
		o.Transports = []string{realtime.TransportPolling}
		o.RoundTripper = rt
	})

	// the fake only speaks websocket, so polling fails and Setup carries on
	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !rt.saw(PathDevices) {
		t.Error("REST call bypassed the round tripper")
	}
	if !rt.saw("/socket.io/") {
		t.Error("polling handshake bypassed the round tripper")
	}
}
