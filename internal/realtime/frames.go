package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/devices"
)

// FrameKind identifies an inbound frame the channel acts on.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameOnlineDevices
	FrameDeviceUpdated
	FrameSensorUpdate
	FrameDeviceDeleted
	FrameClosed
)

func (k FrameKind) String() string {
	switch k {
	case FrameOnlineDevices:
		return "online_devices"
	case FrameDeviceUpdated:
		return "device_updated"
	case FrameSensorUpdate:
		return "sensor_update"
	case FrameDeviceDeleted:
		return "device_deleted"
	case FrameClosed:
		return "closed"
	}
	return "unknown"
}

// service event names
const (
	EventOnlineDevices    = "onlineDevices"
	EventUpdateDevice     = "updateDevice"
	EventRealtimeUpdates  = "realtimeDeviceUpdates"
	EventDeleteDevice     = "deleteDevice"
	EventGetOnlineDevices = "getOnlineDevices"
)

var eventKinds = map[string]FrameKind{
	EventOnlineDevices:   FrameOnlineDevices,
	EventUpdateDevice:    FrameDeviceUpdated,
	EventRealtimeUpdates: FrameSensorUpdate,
	EventDeleteDevice:    FrameDeviceDeleted,
}

// Frame is one decoded inbound event.
type Frame struct {
	Kind  FrameKind
	Event string
	Args  []json.RawMessage
	Err   error
}

type frameHandler func(c *Channel, f Frame) error

var frameHandlers = map[FrameKind]frameHandler{
	FrameOnlineDevices: (*Channel).handleOnlineDevices,
	FrameDeviceUpdated: (*Channel).handleDeviceUpdated,
	FrameSensorUpdate:  (*Channel).handleSensorUpdate,
	FrameDeviceDeleted: (*Channel).handleDeviceDeleted,
	FrameClosed:        (*Channel).handleClosed,
}

// calibrateFields are the sensor readings a realtime update may carry.
var calibrateFields = []string{"temp", "hum", "calibratedTemp", "calibratedHum"}

var errMissingDeviceID = errors.New("frame without device id")

func (c *Channel) dispatch(f Frame) {
	h, ok := frameHandlers[f.Kind]
	if !ok {
		log.WithField("event", f.Event).Debug("ignoring realtime event")
		return
	}
	framesReceived.WithLabelValues(f.Kind.String()).Inc()
	if err := h(c, f); err != nil {
		log.WithError(err).WithField("event", f.Event).Warn("failed to handle realtime frame")
	}
}

func (f Frame) arg(i int, v interface{}) error {
	if i >= len(f.Args) {
		return fmt.Errorf("%s: missing argument %d", f.Event, i)
	}
	if err := json.Unmarshal(f.Args[i], v); err != nil {
		return fmt.Errorf("%s: failed to decode argument %d: %w", f.Event, i, err)
	}
	return nil
}

func (c *Channel) handleOnlineDevices(f Frame) error {
	var ids []string
	if len(f.Args) > 0 {
		if err := f.arg(0, &ids); err != nil {
			return err
		}
	}
	c.cache.SetOnline(ids)
	log.WithField("online", ids).Debug("online devices")
	c.notifier.Notify("")
	return nil
}

func (c *Channel) handleDeviceUpdated(f Frame) error {
	var d devices.Device
	if err := f.arg(0, &d); err != nil {
		return err
	}
	if d.ID == "" {
		return errMissingDeviceID
	}
	c.cache.Upsert(d)
	log.WithFields(log.Fields{"device": d.ID, "name": d.Name}).Debug("device updated")
	c.notifier.Notify(d.ID)
	return nil
}

func (c *Channel) handleSensorUpdate(f Frame) error {
	var data map[string]interface{}
	if err := f.arg(0, &data); err != nil {
		return err
	}
	id, _ := data["id"].(string)
	if id == "" {
		return errMissingDeviceID
	}

	calibrate := make(map[string]interface{})
	for _, k := range calibrateFields {
		if v, ok := data[k]; ok {
			calibrate[k] = v
		}
	}
	if len(calibrate) == 0 {
		log.WithField("device", id).Debug("sensor update without readings skipped")
		return nil
	}
	if !c.cache.ApplyPartial(id, devices.Info{"calibrate": calibrate}) {
		log.WithField("device", id).Debug("sensor update for unknown device skipped")
		return nil
	}
	log.WithFields(log.Fields{"device": id, "temp": data["temp"], "hum": data["hum"]}).Debug("sensor update")
	c.notifier.Notify(id)
	return nil
}

func (c *Channel) handleDeviceDeleted(f Frame) error {
	var id string
	if err := f.arg(0, &id); err != nil {
		var obj struct {
			ID string `json:"id"`
		}
		if objErr := f.arg(0, &obj); objErr != nil {
			return err
		}
		id = obj.ID
	}
	if id == "" {
		return errMissingDeviceID
	}
	c.cache.Remove(id)
	log.WithField("device", id).Info("device deleted")
	c.notifier.Notify(id)
	return nil
}

func (c *Channel) handleClosed(f Frame) error {
	c.setState(Disconnected)
	switch {
	case errors.Is(f.Err, context.Canceled):
		log.Info("realtime channel stopped")
	case f.Err != nil:
		log.WithError(f.Err).Warn("realtime channel disconnected")
	default:
		log.Warn("realtime channel disconnected")
	}
	return nil
}
