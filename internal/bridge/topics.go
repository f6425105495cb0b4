package bridge

import "strings"

const (
	topicState        = "state"
	topicAvailability = "availability"
	topicSet          = "set"
	topicStatus       = "bridge/status"

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Topics builds the topic tree under one prefix:
//
//	<prefix>/<device id>/state         retained device record
//	<prefix>/<device id>/availability  retained online|offline
//	<prefix>/<device id>/set           JSON settings written to the device
//	<prefix>/bridge/status             retained online|offline of the bridge
type Topics struct {
	Prefix string
}

func (t Topics) State(id string) string {
	return t.Prefix + "/" + id + "/" + topicState
}

func (t Topics) Availability(id string) string {
	return t.Prefix + "/" + id + "/" + topicAvailability
}

// SetFilter matches the set topic of every device.
func (t Topics) SetFilter() string {
	return t.Prefix + "/+/" + topicSet
}

func (t Topics) Status() string {
	return t.Prefix + "/" + topicStatus
}

// DeviceFromSet extracts the device id from a set topic.
func (t Topics) DeviceFromSet(topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, t.Prefix+"/")
	if rest == topic {
		return "", false
	}
	id := strings.TrimSuffix(rest, "/"+topicSet)
	if id == rest || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
