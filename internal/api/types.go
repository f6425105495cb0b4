package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bilbercode/lykyn-sync/internal/devices"
)

// Client is the part of the lykyn client the API serves.
type Client interface {
	Devices() map[string]devices.Device
	Device(id string) (devices.Device, bool)
	OnlineDeviceIDs() []string
	IsOnline(id string) bool
	IsRealtimeConnected() bool
	GetDeviceHistory(ctx context.Context, id string, limit int) ([]json.RawMessage, error)
	UpdateDeviceSetting(ctx context.Context, id string, partial devices.Info) error
	ApplyPreset(ctx context.Context, id, name string) error
	SetLight(ctx context.Context, id string, on bool) error
	SetLightAnimation(ctx context.Context, id, animation string) error
}

type LykynAPI interface {
	http.Handler
	SetClient(client Client)
	Start(ctx context.Context, addr string) error
}

// Device is the API view of a cached device.
type Device struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Online          bool         `json:"online"`
	FirmwareVersion string       `json:"firmwareVersion,omitempty"`
	Info            devices.Info `json:"info"`
}

type Devices struct {
	Devices []Device `json:"devices"`
}

type Online struct {
	Devices  []string `json:"devices"`
	Realtime bool     `json:"realtime"`
}

type History struct {
	Data []json.RawMessage `json:"data"`
}

// Light is the body of a light request. Animation, when set, wins over On.
type Light struct {
	On        *bool  `json:"on,omitempty"`
	Animation string `json:"animation,omitempty"`
}

type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}
