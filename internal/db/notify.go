package db

import (
	"sync"

	"github.com/arbora/mailstored/internal/metrics"
)

// NotifyBus is the process-wide dispatcher for NotificationResponse
// frames arriving on the single listener Backend (spec.md §4.3
// LISTEN/NOTIFY, §9 "give global caches explicit lifetimes owned by a
// top-level server object"). A Pool owns exactly one NotifyBus and hands
// it down to every Backend rather than reaching a package-level
// singleton.
type NotifyBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan Notification
	channels    map[string]bool // channels the listener has already LISTENed to
}

// Notification is one payload delivered on a channel.
type Notification struct {
	Channel string
	Payload string
	PID     int32
}

// NewNotifyBus returns an empty bus.
func NewNotifyBus() *NotifyBus {
	return &NotifyBus{
		subscribers: make(map[string][]chan Notification),
		channels:    make(map[string]bool),
	}
}

// Subscribe registers ch to receive Notifications on channel, returning
// true if this is a new channel the listener Backend must now LISTEN
// to.
func (b *NotifyBus) Subscribe(channel string, ch chan Notification) (isNew bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	if b.channels[channel] {
		return false
	}
	b.channels[channel] = true
	return true
}

// Unsubscribe removes ch from channel's subscriber list.
func (b *NotifyBus) Unsubscribe(channel string, ch chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[channel]
	for i, s := range subs {
		if s == ch {
			b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Dispatch broadcasts n to every subscriber of n.Channel. Sends are
// non-blocking: a subscriber with a full channel misses the
// notification rather than stalling the single-threaded reactor.
func (b *NotifyBus) Dispatch(n Notification) {
	b.mu.Lock()
	subs := append([]chan Notification(nil), b.subscribers[n.Channel]...)
	b.mu.Unlock()
	metrics.NotificationsDispatched.WithLabelValues(n.Channel).Inc()
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Channels returns the set of channel names already registered with the
// listener.
func (b *NotifyBus) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for c := range b.channels {
		out = append(out, c)
	}
	return out
}

// quoteIdentifier double-quotes channel if it needs it for LISTEN, the
// way the pool's listener renders LISTEN statements.
func quoteIdentifier(name string) string {
	simple := true
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			simple = false
			break
		}
	}
	if simple && name != "" {
		return name
	}
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	out = append(out, '"')
	return string(out)
}
