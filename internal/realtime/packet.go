package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// engine.io v4 packet types
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// socket.io v5 packet types, carried inside engine.io messages
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
	sioBinaryEvent  = '5'
	sioBinaryAck    = '6'
)

// recordSeparator splits packets in a polling payload.
const recordSeparator = "\x1e"

const (
	packetPong       = string(eioPong)
	packetConnect    = string(eioMessage) + string(sioConnect)
	packetDisconnect = string(eioMessage) + string(sioDisconnect)
)

var errMalformedPacket = errors.New("malformed packet")

type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// liveness is how long the server may stay silent before the link is
// considered dead.
func (h handshake) liveness() time.Duration {
	d := time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
	if d <= 0 {
		return defaultLiveness
	}
	return d
}

func parseOpen(pkt string) (handshake, error) {
	var hs handshake
	if len(pkt) == 0 || pkt[0] != eioOpen {
		return hs, fmt.Errorf("%w: expected open packet, got %q", errMalformedPacket, truncate(pkt))
	}
	if err := json.Unmarshal([]byte(pkt[1:]), &hs); err != nil {
		return hs, fmt.Errorf("failed to decode open packet: %w", err)
	}
	if hs.SID == "" {
		return hs, fmt.Errorf("%w: open packet without sid", errMalformedPacket)
	}
	return hs, nil
}

type socketPacket struct {
	Type      byte
	Namespace string
	AckID     int
	HasAck    bool
	Data      json.RawMessage
}

// decodeSocketPacket parses the payload of an engine.io message:
// <type>[/<namespace>,][<ack id>][<json>]
func decodeSocketPacket(s string) (socketPacket, error) {
	var p socketPacket
	if len(s) == 0 {
		return p, errMalformedPacket
	}
	p.Type = s[0]
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:i]
		rest = rest[i+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(rest[:i])
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", errMalformedPacket, err)
		}
		p.AckID, p.HasAck = id, true
		rest = rest[i:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, fmt.Errorf("%w: invalid json data", errMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// decodeEvent splits an event packet's data into its name and arguments.
func decodeEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return "", nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if len(items) == 0 {
		return "", nil, fmt.Errorf("%w: empty event", errMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return "", nil, fmt.Errorf("failed to decode event name: %w", err)
	}
	return name, items[1:], nil
}

// encodeEvent renders an event for the default namespace.
func encodeEvent(name string, args ...interface{}) (string, error) {
	items := make([]interface{}, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s: %w", name, err)
	}
	return string(eioMessage) + string(sioEvent) + string(b), nil
}

func decodePayload(body string) []string {
	parts := strings.Split(body, recordSeparator)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
