package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type websocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func dialWebsocket(ctx context.Context, target dialTarget) (transport, handshake, error) {
	u := target.endpoint(TransportWebsocket)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, res, err := dialer.DialContext(ctx, u.String(), target.header)
	if err != nil {
		if res != nil {
			return nil, handshake{}, fmt.Errorf("failed to dial %s: status %d: %w", u.Host, res.StatusCode, err)
		}
		return nil, handshake{}, fmt.Errorf("failed to dial %s: %w", u.Host, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, handshake{}, fmt.Errorf("failed to read open packet: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	hs, err := parseOpen(string(msg))
	if err != nil {
		_ = conn.Close()
		return nil, handshake{}, err
	}
	return &websocketTransport{conn: conn}, hs, nil
}

func (w *websocketTransport) Read() (string, error) {
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(msg), nil
}

func (w *websocketTransport) Write(packets ...string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	for _, p := range packets {
		if err := w.conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
			return fmt.Errorf("failed to write packet: %w", err)
		}
	}
	return nil
}

func (w *websocketTransport) Close() error {
	return w.conn.Close()
}
