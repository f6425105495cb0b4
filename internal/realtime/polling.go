package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// pollingTransport is engine.io HTTP long-polling: a GET blocks until the
// server has packets, a POST delivers ours.
type pollingTransport struct {
	client   *http.Client
	endpoint *url.URL
	header   http.Header

	ctx    context.Context
	cancel context.CancelFunc

	// the server rejects overlapping POSTs on one session
	writeMu sync.Mutex

	// read side only, owned by the Read caller
	buf []string
	seq uint64
}

func dialPolling(ctx context.Context, target dialTarget) (transport, handshake, error) {
	client := target.client
	if client == nil {
		client = http.DefaultClient
	}
	t := &pollingTransport{
		client:   client,
		endpoint: target.endpoint(TransportPolling),
		header:   target.header,
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	packets, err := t.poll(hctx)
	if err != nil {
		return nil, handshake{}, err
	}
	if len(packets) == 0 {
		return nil, handshake{}, fmt.Errorf("%w: empty open payload", errMalformedPacket)
	}
	hs, err := parseOpen(packets[0])
	if err != nil {
		return nil, handshake{}, err
	}

	q := t.endpoint.Query()
	q.Set("sid", hs.SID)
	t.endpoint.RawQuery = q.Encode()
	t.buf = packets[1:]
	// the long-poll outlives the dial context
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, hs, nil
}

func (t *pollingTransport) url() string {
	u := *t.endpoint
	q := u.Query()
	// cache buster
	q.Set("t", strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+strconv.FormatUint(atomic.AddUint64(&t.seq, 1), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *pollingTransport) request(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.url(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range t.header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	return req, nil
}

func (t *pollingTransport) poll(ctx context.Context) ([]string, error) {
	req, err := t.request(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll: %w", err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll failed: status %d", res.StatusCode)
	}
	return decodePayload(string(b)), nil
}

func (t *pollingTransport) Read() (string, error) {
	for len(t.buf) == 0 {
		packets, err := t.poll(t.ctx)
		if err != nil {
			return "", err
		}
		t.buf = packets
	}
	p := t.buf[0]
	t.buf = t.buf[1:]
	return p, nil
}

func (t *pollingTransport) Write(packets ...string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	req, err := t.request(t.ctx, http.MethodPost, strings.NewReader(strings.Join(packets, recordSeparator)))
	if err != nil {
		return fmt.Errorf("failed to build post request: %w", err)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post packets: %w", err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("post failed: status %d", res.StatusCode)
	}
	return nil
}

func (t *pollingTransport) Close() error {
	t.cancel()
	return nil
}
