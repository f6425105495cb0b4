package devices

import (
	"sort"
	"sync"
)

// Cache mirrors the account's devices and the service-reported online set.
// Every method is atomic with respect to the others and readers receive
// copies, never live records.
type Cache struct {
	sync.RWMutex

	devices map[string]Device
	online  []string
}

func NewCache() *Cache {
	return &Cache{
		devices: make(map[string]Device),
	}
}

// Upsert replaces the whole record for d.ID.
func (c *Cache) Upsert(d Device) {
	d = d.Clone()
	c.Lock()
	defer c.Unlock()
	c.devices[d.ID] = d
}

// ApplyPartial merges partial into the info of device id. It reports false,
// and changes nothing, when the device is not known yet: realtime frames can
// arrive before the first fetch.
func (c *Cache) ApplyPartial(id string, partial Info) bool {
	c.Lock()
	defer c.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return false
	}
	d.Info = Merge(d.Info, partial)
	c.devices[id] = d
	return true
}

// Remove drops device id and reports whether it was present.
func (c *Cache) Remove(id string) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.devices[id]
	delete(c.devices, id)
	return ok
}

// SetOnline replaces the online set; the service always sends all of it.
func (c *Cache) SetOnline(ids []string) {
	online := append([]string(nil), ids...)
	c.Lock()
	defer c.Unlock()
	c.online = online
}

func (c *Cache) Online() []string {
	c.RLock()
	defer c.RUnlock()
	return append([]string(nil), c.online...)
}

func (c *Cache) IsOnline(id string) bool {
	c.RLock()
	defer c.RUnlock()
	for _, o := range c.online {
		if o == id {
			return true
		}
	}
	return false
}

func (c *Cache) Get(id string) (Device, bool) {
	c.RLock()
	defer c.RUnlock()
	d, ok := c.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

func (c *Cache) All() map[string]Device {
	c.RLock()
	defer c.RUnlock()
	out := make(map[string]Device, len(c.devices))
	for id, d := range c.devices {
		out[id] = d.Clone()
	}
	return out
}

// IDs returns the known device ids in sorted order.
func (c *Cache) IDs() []string {
	c.RLock()
	defer c.RUnlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Cache) Len() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.devices)
}

func (c *Cache) Reset() {
	c.Lock()
	defer c.Unlock()
	c.devices = make(map[string]Device)
	c.online = nil
}
