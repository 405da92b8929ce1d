// Package snapshot provides periodic routing-table and delivery-counter
// snapshotting for the filesystem router daemon, stored as
// gzip-compressed JSON blobs in SQLite. A Patchboard snapshot captures
// the routing table plus the delivery counters — enough to inspect
// router history or diagnose a stuck delivery pass without replaying
// the entire event log.
package snapshot

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Trigger describes what caused a snapshot to be taken.
type Trigger string

const (
	TriggerManual   Trigger = "manual"   // Explicit Store.Create call; the router and CLI never use it
	TriggerPeriodic Trigger = "periodic" // Every config.Snapshot.EveryTicks ticks
	TriggerShutdown Trigger = "shutdown" // Graceful shutdown
)

// Snapshot is a point-in-time record of the router's routing table and
// delivery counters.
type Snapshot struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Tick      int       `json:"tick"`

	State *State `json:"state"`

	ByteSize   int64 `json:"byte_size"` // Compressed size
	RouteCount int   `json:"route_count"`
}

// State holds the actual restorable data.
type State struct {
	Routes   []RouteRecord `json:"routes"`
	Counters Counters      `json:"counters"`
}

// RouteRecord is a serializable projection of a routetable.Route —
// endpoint refs are not serializable, so only their stable names (when
// nameable) are captured.
type RouteRecord struct {
	SrcKind     string `json:"src_kind"`
	SrcID       string `json:"src_id,omitempty"`
	SrcChannel  string `json:"src_channel"`
	DestKind    string `json:"dest_kind"`
	DestID      string `json:"dest_id,omitempty"`
	DestChannel string `json:"dest_channel"`
	Persistent  bool   `json:"persistent"`
}

// Counters mirrors the router's per-tick delivery counters.
type Counters struct {
	Seen                 int `json:"seen"`
	Delivered            int `json:"delivered"`
	Deleted              int `json:"deleted"`
	SkippedUnreadable    int `json:"skipped_unreadable"`
	SkippedMissingFolder int `json:"skipped_missing_folder"`
	DiscardedUnrouted    int `json:"discarded_unrouted"`
}

// Summary returns a human-readable one-line summary of the snapshot.
func (s *Snapshot) Summary() string {
	return s.ID.String()[:8] + " | " +
		s.CreatedAt.Format("2006-01-02 15:04:05") + " | " +
		string(s.Trigger) + " | " +
		"tick=" + strconv.Itoa(s.Tick) + " routes=" + strconv.Itoa(s.RouteCount)
}
