package router

import "time"

// Stats holds the router's delivery counters. Field
// names match status.json's "stats" object exactly.
type Stats struct {
	Seen                 int `json:"seen"`
	Delivered            int `json:"delivered"`
	Deleted              int `json:"deleted"`
	SkippedUnreadable    int `json:"skipped_unreadable"`
	SkippedMissingFolder int `json:"skipped_missing_folder"`
	DiscardedUnrouted    int `json:"discarded_unrouted"`
}

func (s *Stats) add(o Stats) {
	s.Seen += o.Seen
	s.Delivered += o.Delivered
	s.Deleted += o.Deleted
	s.SkippedUnreadable += o.SkippedUnreadable
	s.SkippedMissingFolder += o.SkippedMissingFolder
	s.DiscardedUnrouted += o.DiscardedUnrouted
}

// DestinationStatus is one destination folder's health entry, published
// under status.json's stats.destinations array. It mirrors
// folderwatch.FolderStatus's fields under the path/ready/last_check/
// last_error names status.json uses.
type DestinationStatus struct {
	Path      string    `json:"path"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// StatusStats is the "stats" object published in status.json: the
// delivery counters (embedded, so they marshal at the same level) plus
// live destination-folder health.
type StatusStats struct {
	Stats
	Destinations []DestinationStatus `json:"destinations,omitempty"`
}

// Status is the shape published to status.json.
type Status struct {
	SchemaVersion int         `json:"schema_version"`
	RouterID      string      `json:"router_id"`
	StartedAtUTC  string      `json:"started_at_utc"`
	Tick          int         `json:"tick"`
	LastChange    string      `json:"last_change"`
	DelaySeconds  float64     `json:"delay_seconds"`
	Stats         StatusStats `json:"stats"`
}

// RouteEntry is one element of routes.json's "routes" array.
type RouteEntry struct {
	SourceFolder       string `json:"source-folder"`
	SourceChannel      string `json:"source-channel"`
	DestinationChannel string `json:"destination-channel"`
	DestinationFolder  string `json:"destination-folder"`
}

// RoutesDoc is the shape published to routes.json.
type RoutesDoc struct {
	SchemaVersion string       `json:"schema-version"`
	UpdatedAtUTC  string       `json:"updated-at-utc"`
	Routes        []RouteEntry `json:"routes"`
}

// controlSignal is the decoded shape of a link/unlink message's signal
// field.
type controlSignal struct {
	SourceFolder       string `json:"source-folder"`
	SourceChannel      string `json:"source-channel"`
	DestinationChannel string `json:"destination-channel"`
	DestinationFolder  string `json:"destination-folder"`
	AckPath            string `json:"ack-path,omitempty"`
}

// ackMessage is what gets written atomically to an AckPath, when one
// is requested on a link/unlink control message.
type ackMessage struct {
	Channel string `json:"channel"`
	Signal  any    `json:"signal"`
}
