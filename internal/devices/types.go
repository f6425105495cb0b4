package devices

import (
	"encoding/json"
	"fmt"
)

// Info holds a device's mutable settings and readings exactly as the service
// reports them. Nested objects such as "smart" and "calibrate" decode to
// map[string]interface{}.
type Info map[string]interface{}

// Sub returns the composite value under key, or nil.
func (i Info) Sub(key string) Info {
	v, _ := asInfo(i[key])
	return v
}

func (i Info) Float(key string) (float64, bool) {
	switch v := i[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (i Info) String(key string) (string, bool) {
	v, ok := i[key].(string)
	return v, ok
}

func (i Info) Bool(key string) (bool, bool) {
	v, ok := i[key].(bool)
	return v, ok
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	if i == nil {
		return nil
	}
	out := make(Info, len(i))
	for k, v := range i {
		out[k] = cloneValue(v)
	}
	return out
}

// Device is one grow-kit controller. Only Name and Info change over its
// lifetime. Fields the service sends that are not modelled are kept in Extra
// so a record survives a JSON round trip unchanged.
type Device struct {
	ID    string
	Name  string
	Info  Info
	Extra map[string]json.RawMessage
}

// FirmwareVersion reads info.specs.version.
func (d Device) FirmwareVersion() string {
	v, _ := d.Info.Sub("specs").String("version")
	return v
}

// Clone returns a copy that shares no mutable state with d.
func (d Device) Clone() Device {
	out := Device{ID: d.ID, Name: d.Name, Info: d.Info.Clone()}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

func (d *Device) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("failed to decode device: %w", err)
	}
	var out Device
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &out.ID); err != nil {
			return fmt.Errorf("failed to decode device id: %w", err)
		}
		delete(raw, "id")
	}
	if v, ok := raw["name"]; ok {
		// a null name leaves it empty
		_ = json.Unmarshal(v, &out.Name)
		delete(raw, "name")
	}
	if v, ok := raw["info"]; ok {
		if err := json.Unmarshal(v, &out.Info); err != nil {
			return fmt.Errorf("failed to decode info of device %s: %w", out.ID, err)
		}
		delete(raw, "info")
	}
	if len(raw) > 0 {
		out.Extra = raw
	}
	*d = out
	return nil
}

func (d Device) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(d.Extra)+3)
	for k, v := range d.Extra {
		m[k] = v
	}
	m["id"] = d.ID
	m["name"] = d.Name
	info := d.Info
	if info == nil {
		info = Info{}
	}
	m["info"] = info
	return json.Marshal(m)
}

func asInfo(v interface{}) (Info, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return Info(m), true
	case Info:
		return m, true
	}
	return nil, false
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(Info(t).Clone())
	case Info:
		return map[string]interface{}(t.Clone())
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}
