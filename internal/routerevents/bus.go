// Package routerevents provides a publish/subscribe event bus for
// router operational observability — the live feed the dashboard
// WebSocket (internal/wsstream) streams to connected clients.
// Non-blocking broadcast bus: slow subscribers miss events rather than
// blocking the router's main loop.
package routerevents

import (
	"sync"
	"time"
)

// Source constants identify which part of the router published an
// event.
const (
	// SourceDaemon identifies events from the router's main loop and
	// lifecycle (startup/shutdown/draining).
	SourceDaemon = "daemon"
	// SourceDelivery identifies events from a delivery pass.
	SourceDelivery = "delivery"
	// SourceControl identifies events from processing INBOX control
	// messages (link/unlink/quit).
	SourceControl = "control"
	// SourceWatch identifies events from a watched destination folder
	// appearing or disappearing (internal/folderwatch).
	SourceWatch = "watch"
)

// Kind constants describe the type of event within a source.
const (
	// KindStartup signals the router has completed its startup
	// sequence. Data: router_id.
	KindStartup = "startup"
	// KindShutdown signals the router has begun draining. Data: (none).
	KindShutdown = "shutdown"
	// KindTick signals one main-loop iteration completed.
	// Data: seen, delivered, deleted, skipped_unreadable,
	// skipped_missing_folder, discarded_unrouted.
	KindTick = "tick"
	// KindRouteAdded signals a route was added via the link channel.
	// Data: source_folder, source_channel, dest_folder, dest_channel.
	KindRouteAdded = "route_added"
	// KindRouteRemoved signals a route was removed via the unlink
	// channel. Data: source_folder, source_channel, dest_folder,
	// dest_channel.
	KindRouteRemoved = "route_removed"
	// KindFolderDown signals a destination folder went missing mid-run.
	// Data: folder.
	KindFolderDown = "folder_down"
	// KindFolderUp signals a destination folder was found present, on
	// its first successful probe or after having gone missing.
	// Data: folder.
	KindFolderUp = "folder_up"
)

// Event represents a single operational event published by the
// router.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event without an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block the
			// router's main loop.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// a WebSocket consumer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
