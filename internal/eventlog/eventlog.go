// Package eventlog implements the router's append-only JSONL mutation
// log: the authoritative history of route_added and route_removed
// events, replayed deterministically at startup to rebuild the
// in-memory routing table before the first delivery pass.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nugget/patchboard/internal/endpoint"
	"github.com/nugget/patchboard/internal/routetable"
)

// Kind names the four event types defines. Unknown kinds
// encountered during Replay are skipped for forward compatibility;
// they are never produced by Append.
type Kind string

const (
	KindStartup      Kind = "startup"
	KindShutdown     Kind = "shutdown"
	KindRouteAdded   Kind = "route_added"
	KindRouteRemoved Kind = "route_removed"
)

// Event is one line of events.jsonl. SourceFolder/SourceChannel/
// DestinationChannel/DestinationFolder are only populated for
// route_added/route_removed.
type Event struct {
	Event              Kind   `json:"event"`
	TsUTC              string `json:"ts_utc"`
	SourceFolder       string `json:"source-folder,omitempty"`
	SourceChannel      string `json:"source-channel,omitempty"`
	DestinationChannel string `json:"destination-channel,omitempty"`
	DestinationFolder  string `json:"destination-folder,omitempty"`
}

// Clock returns the current time; tests substitute it for determinism.
var Clock = time.Now

func tsUTC() string {
	return Clock().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Startup builds a startup event stamped with the current time.
func Startup() Event { return Event{Event: KindStartup, TsUTC: tsUTC()} }

// Shutdown builds a shutdown event stamped with the current time.
func Shutdown() Event { return Event{Event: KindShutdown, TsUTC: tsUTC()} }

// RouteAdded builds a route_added event for a link between two
// canonicalized folder paths.
func RouteAdded(sourceFolder, sourceChannel, destChannel, destFolder string) Event {
	return Event{
		Event:              KindRouteAdded,
		TsUTC:              tsUTC(),
		SourceFolder:       sourceFolder,
		SourceChannel:      sourceChannel,
		DestinationChannel: destChannel,
		DestinationFolder:  destFolder,
	}
}

// RouteRemoved builds a route_removed event mirroring RouteAdded's
// fields.
func RouteRemoved(sourceFolder, sourceChannel, destChannel, destFolder string) Event {
	return Event{
		Event:              KindRouteRemoved,
		TsUTC:              tsUTC(),
		SourceFolder:       sourceFolder,
		SourceChannel:      sourceChannel,
		DestinationChannel: destChannel,
		DestinationFolder:  destFolder,
	}
}

// Append marshals ev as one JSON line and appends it to path, creating
// the file if absent. Plain buffered append, no fsync — // does not require durability stronger than the filesystem's own
// write-then-rename discipline used elsewhere in the router.
func Append(path string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: marshal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("eventlog: append %s: %w", path, err)
	}
	return nil
}

// Touch creates path if it does not already exist, leaving existing
// content untouched.
func Touch(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: touch %s: %w", path, err)
	}
	return f.Close()
}

// Replay reads path line by line and applies every route_added/
// route_removed event to table, in file order. route_added is
// idempotent — a structurally identical route already present is not
// re-added; route_removed ignores a miss. A truncated last line
// (unterminated, fails to parse) is ignored rather than aborting
// replay. Unknown event types are skipped.
//
// Replayed routes are always persistent filetalk-to-filetalk routes on
// the event's own source and destination channels — the router only
// ever persists folder<->folder links, so Replay does not need the
// full generality of routetable.AddRoute's component/list/queue
// endpoint kinds.
func Replay(path string, table *routetable.Table) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Truncated or corrupt line; skip rather than abort.
			continue
		}

		switch ev.Event {
		case KindRouteAdded:
			applyRouteAdded(table, ev)
		case KindRouteRemoved:
			applyRouteRemoved(table, ev)
		case KindStartup, KindShutdown:
			// Lifecycle markers; no routing-table effect.
		default:
			// Unknown event type; forward compatibility.
		}
	}

	return scanner.Err()
}

func applyRouteAdded(table *routetable.Table, ev Event) {
	src := endpoint.Filetalk(ev.SourceFolder)
	dest := endpoint.Filetalk(ev.DestinationFolder)

	for _, r := range table.All() {
		if r.SrcID == ev.SourceFolder && r.SrcChannel == ev.SourceChannel &&
			r.DestID == ev.DestinationFolder && r.DestChannel == ev.DestinationChannel &&
			r.Persistent {
			return // already present; route_added is idempotent on replay.
		}
	}

	// Replay never fails: both endpoints are filetalk, which requires no
	// ref and is always persistable by path.
	table.AddRoute(src, ev.SourceChannel, dest, ev.DestinationChannel, true)
}

func applyRouteRemoved(table *routetable.Table, ev Event) {
	src := endpoint.Filetalk(ev.SourceFolder)
	dest := endpoint.Filetalk(ev.DestinationFolder)
	table.RemoveRoute(src, ev.SourceChannel, dest, ev.DestinationChannel)
}
