package devices

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Handler is told which device changed. An empty id means the change is not
// about one device, such as a new online set.
type Handler func(deviceID string) error

type subscriber struct {
	id string
	h  Handler
}

// Notifier fans change notifications out to subscribers in the order they
// subscribed. A subscriber that fails or panics is logged and skipped.
type Notifier struct {
	sync.Mutex
	subscribers []subscriber
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers h and returns the function that removes it again.
func (n *Notifier) Subscribe(h Handler) func() {
	id := uuid.NewString()
	n.Lock()
	defer n.Unlock()
	n.subscribers = append(n.subscribers, subscriber{id: id, h: h})
	return func() {
		n.Lock()
		defer n.Unlock()
		for i, s := range n.subscribers {
			if s.id == id {
				n.subscribers = append(n.subscribers[:i:i], n.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (n *Notifier) Len() int {
	n.Lock()
	defer n.Unlock()
	return len(n.subscribers)
}

func (n *Notifier) Notify(deviceID string) {
	n.Lock()
	subs := append([]subscriber(nil), n.subscribers...)
	n.Unlock()

	for _, s := range subs {
		if err := deliver(s.h, deviceID); err != nil {
			log.WithError(err).WithField("device", deviceID).Error("update subscriber failed")
		}
	}
}

func deliver(h Handler, deviceID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(deviceID)
}
