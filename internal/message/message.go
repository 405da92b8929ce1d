// Package message defines the Patchboard message envelope: the single
// unit of data that moves between endpoints in both IntraFlow and the
// filesystem router. A Message is immutable once created.
package message

import (
	"fmt"
	"time"
)

// Message is the envelope carried between endpoints. Signal is opaque
// to the fabric — it is only ever copied, never inspected — and must
// be JSON-serializable so it can cross the filesystem transport.
type Message struct {
	Channel   string `json:"channel"`
	Signal    any    `json:"signal"`
	Timestamp string `json:"timestamp"`
}

// Clock returns the current time. Tests substitute this to make
// timestamps deterministic.
var Clock = time.Now

// stamp formats t as decimal seconds since the epoch with six
// fractional digits, matching "stable cross-process
// comparison" requirement.
func stamp(t time.Time) string {
	return fmt.Sprintf("%.6f", float64(t.UnixNano())/1e9)
}

// New stamps a fresh message with the current time.
func New(channel string, signal any) Message {
	if channel == "" {
		panic("message: channel must not be empty")
	}
	return Message{
		Channel:   channel,
		Signal:    signal,
		Timestamp: stamp(Clock()),
	}
}

// Rewritten returns a copy of m addressed to a new channel, preserving
// signal and timestamp — the shape every route delivery produces
//.
func (m Message) Rewritten(destChannel string) Message {
	return Message{
		Channel:   destChannel,
		Signal:    m.Signal,
		Timestamp: m.Timestamp,
	}
}
