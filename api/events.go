package api

import (
	"sync"

	"lanshare/discovery"
	"lanshare/models"
	"lanshare/transfer"
)

const defaultSubscriberBuffer = 64

// Message is one server-sent event.
type Message struct {
	Event string
	Data  any
}

// Hub fans published messages out to every connected event stream. Slow
// subscribers miss messages instead of blocking the publisher.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Message]struct{}
	buffer      int
}

// NewHub returns a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[chan Message]struct{}),
		buffer:      defaultSubscriberBuffer,
	}
}

// Subscribe registers a new stream. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
		})
	}
}

// Publish delivers msg to every subscriber that has room for it.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

type deviceEventPayload struct {
	Device models.Device `json:"device"`
}

type deviceListPayload struct {
	Devices []models.Device `json:"devices"`
}

type transferEventPayload struct {
	Transfer models.Transfer `json:"transfer"`
	Error    string          `json:"error,omitempty"`
}

// PublishDiscovery forwards a discovery event to the stream.
func (h *Hub) PublishDiscovery(event discovery.Event) {
	if event.Type == discovery.EventDeviceListChanged {
		devices := event.Devices
		if devices == nil {
			devices = []models.Device{}
		}
		h.Publish(Message{Event: string(event.Type), Data: deviceListPayload{Devices: devices}})
		return
	}
	h.Publish(Message{Event: string(event.Type), Data: deviceEventPayload{Device: event.Device}})
}

// PublishTransfer forwards a transfer event to the stream.
func (h *Hub) PublishTransfer(event transfer.Event) {
	payload := transferEventPayload{Transfer: event.Transfer}
	if event.Err != nil {
		payload.Error = event.Err.Error()
	}
	h.Publish(Message{Event: string(event.Type), Data: payload})
}
