// Package router implements the Patchboard filesystem router daemon:
// a single-process polling loop that performs the same routing
// semantics as internal/intraflow, but across filesystem directories
// instead of in-memory components.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/patchboard/internal/config"
	"github.com/nugget/patchboard/internal/endpoint"
	"github.com/nugget/patchboard/internal/eventlog"
	"github.com/nugget/patchboard/internal/folderwatch"
	"github.com/nugget/patchboard/internal/kvjson"
	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/registry"
	"github.com/nugget/patchboard/internal/routerevents"
	"github.com/nugget/patchboard/internal/routetable"
	"github.com/nugget/patchboard/internal/snapshot"
)

// Clock returns the current time; tests substitute it for determinism.
var Clock = time.Now

// drainPassCap bounds the number of draining delivery passes on
// shutdown, guarding against a misbehaving wiring (e.g. a cycle of
// persistent routes) looping forever instead of reaching quiescence.
const drainPassCap = 10000

// Router is the filesystem router daemon.
type Router struct {
	cfg    *config.Config
	logger *slog.Logger
	events *routerevents.Bus
	table  *routetable.Table

	projectDir string
	inboxDir   string
	outboxDir  string
	eventsPath string
	statusPath string
	routesPath string

	routerID   string
	startedAt  time.Time
	tick       int
	lastChange time.Time
	stats      Stats

	routesDirty bool
	statsDirty  bool
	quit        bool
	draining    bool

	watchers *folderwatch.Manager
	runCtx   context.Context

	snapDB    *sql.DB
	snapStore *snapshot.Store
}

// New creates a router bound to cfg.ProjectDir. It does not touch the
// filesystem; call Prepare to create directories and replay the event
// log before Run.
func New(cfg *config.Config, logger *slog.Logger, bus *routerevents.Bus) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:        cfg,
		logger:     logger,
		events:     bus,
		table:      routetable.New(registry.New()),
		projectDir: cfg.ProjectDir,
		inboxDir:   filepath.Join(cfg.ProjectDir, "INBOX"),
		outboxDir:  filepath.Join(cfg.ProjectDir, "OUTBOX"),
		eventsPath: filepath.Join(cfg.ProjectDir, "events.jsonl"),
		statusPath: filepath.Join(cfg.ProjectDir, "status.json"),
		routesPath: filepath.Join(cfg.ProjectDir, "routes.json"),
		watchers:   folderwatch.NewManager(logger),
	}
}

// Table exposes the live routing table of an in-process router.
func (r *Router) Table() *routetable.Table { return r.table }

// StatusPath and RoutesPath expose the publication file paths. The
// CLI's status/routes subcommands do not use them; they join
// status.json/routes.json onto the configured project dir themselves.
func (r *Router) StatusPath() string { return r.statusPath }
func (r *Router) RoutesPath() string { return r.routesPath }

// Prepare runs lifecycle steps 1-2: create project
// subdirectories, touch events.jsonl if missing, and replay it to
// rebuild the routing table.
func (r *Router) Prepare() error {
	for _, dir := range []string{r.projectDir, r.inboxDir, r.outboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("router: create %s: %w", dir, err)
		}
	}
	if err := eventlog.Touch(r.eventsPath); err != nil {
		return err
	}
	if err := eventlog.Replay(r.eventsPath, r.table); err != nil {
		return fmt.Errorf("router: replay %s: %w", r.eventsPath, err)
	}
	return nil
}

// Run executes lifecycle steps 3-6: startup, initial
// delivery pass, main loop until quit (or ctx cancellation), and
// draining shutdown.
func (r *Router) Run(ctx context.Context) error {
	r.routerID = uuid.NewString()
	r.startedAt = Clock().UTC()
	r.lastChange = r.startedAt
	r.runCtx = ctx

	r.openSnapshotStore()

	if err := r.appendEvent(eventlog.Startup()); err != nil {
		return err
	}
	if err := r.emitLifecycle("startup", map[string]any{"router_id": r.routerID}); err != nil {
		return err
	}
	r.publish(routerevents.KindStartup, map[string]any{"router_id": r.routerID})

	r.doDeliveryPass(false)
	r.syncWatchers()
	r.routesDirty = true
	r.statsDirty = true
	if err := r.publishStateIfDirty(); err != nil {
		return err
	}

	delay := time.Duration(r.cfg.Router.DelaySeconds * float64(time.Second))

	for !r.quit {
		select {
		case <-ctx.Done():
			r.quit = true
		default:
		}
		if r.quit {
			break
		}

		r.runTick()

		select {
		case <-ctx.Done():
			r.quit = true
		case <-time.After(delay):
		}
	}

	return r.shutdown()
}

// runTick performs one main-loop iteration.
func (r *Router) runTick() {
	r.tick++
	before := r.stats

	r.doDeliveryPass(false)
	r.processControlInputs()
	r.syncWatchers()

	if r.stats != before {
		r.statsDirty = true
	}
	if err := r.publishStateIfDirty(); err != nil {
		r.logger.Error("publish state", "error", err)
	}
	if r.snapStore != nil && r.cfg.Snapshot.EveryTicks > 0 && r.tick%r.cfg.Snapshot.EveryTicks == 0 {
		r.writeSnapshot(snapshot.TriggerPeriodic)
	}
	r.publish(routerevents.KindTick, map[string]any{
		"seen":                   r.stats.Seen,
		"delivered":              r.stats.Delivered,
		"deleted":                r.stats.Deleted,
		"skipped_unreadable":     r.stats.SkippedUnreadable,
		"skipped_missing_folder": r.stats.SkippedMissingFolder,
		"discarded_unrouted":     r.stats.DiscardedUnrouted,
	})
}

// shutdown performs lifecycle step 6: draining mode.
func (r *Router) shutdown() error {
	r.draining = true

	if err := r.appendEvent(eventlog.Shutdown()); err != nil {
		return err
	}
	if err := r.emitLifecycle("shutdown", map[string]any{"router_id": r.routerID}); err != nil {
		return err
	}
	r.publish(routerevents.KindShutdown, nil)

	for i := 0; i < drainPassCap; i++ {
		result := r.doDeliveryPass(true)
		if result.Delivered == 0 {
			break
		}
	}

	r.watchers.Stop()
	r.writeSnapshot(snapshot.TriggerShutdown)
	r.closeSnapshotStore()

	// Routes cannot change while draining, so routes.json is rewritten
	// directly rather than through routesDirty, which would also emit a
	// routes_changed notice into the just-drained OUTBOX.
	if err := r.writeRoutesDoc(); err != nil {
		return err
	}
	r.statsDirty = true
	return r.publishStateIfDirty()
}

// Quit requests a graceful shutdown; the main loop notices at the top
// of its next iteration.
func (r *Router) Quit() { r.quit = true }

// fileTask is one *.json message file discovered during the plan
// phase of a delivery pass.
type fileTask struct {
	path     string
	msg      message.Message
	parseErr bool
	discard  bool
	copies   []copyTarget
}

type copyTarget struct {
	destFolder  string
	destChannel string
	ok          bool
}

// doDeliveryPass implements plan/copy/delete discipline
// for every active source folder. draining restricts the source set to
// the router's own OUTBOX only.
func (r *Router) doDeliveryPass(draining bool) Stats {
	folders := r.activeSourceFolders(draining)

	var result Stats
	deliveries := 0
	maxDeliveries := r.cfg.Router.MaxDeliveriesPerTick

	for _, folder := range folders {
		tasks, err := r.planFolder(folder)
		if err != nil {
			r.logger.Warn("plan folder", "folder", folder, "error", err)
			continue
		}

		for i := range tasks {
			t := &tasks[i]
			if t.parseErr {
				result.SkippedUnreadable++
				continue
			}
			if len(t.copies) == 0 {
				result.DiscardedUnrouted++
				if r.cfg.Router.DiscardUnrouted {
					t.discard = true
				}
				continue
			}

			result.Seen++
			for c := range t.copies {
				if maxDeliveries > 0 && deliveries >= maxDeliveries {
					break // leave remaining copies (and thus the source file) for next tick
				}
				if r.copyOne(t, &t.copies[c]) {
					deliveries++
					result.Delivered++
				} else {
					result.SkippedMissingFolder++
				}
			}
		}

		for _, t := range tasks {
			if t.parseErr {
				continue
			}
			if len(t.copies) == 0 {
				if t.discard {
					if err := os.Remove(t.path); err == nil {
						result.Deleted++
					}
				}
				continue
			}
			if allOK(t.copies) {
				if err := os.Remove(t.path); err == nil {
					result.Deleted++
				}
			}
			// Partial or total failure: source survives for the next tick
			//.
		}
	}

	r.stats.add(result)
	return result
}

func allOK(copies []copyTarget) bool {
	for _, c := range copies {
		if !c.ok {
			return false
		}
	}
	return true
}

// activeSourceFolders returns the set of folders a delivery pass
// should scan: every distinct filetalk source endpoint referenced by a
// route, plus the router's own OUTBOX — or, while draining, OUTBOX
// only.
func (r *Router) activeSourceFolders(draining bool) []string {
	if draining {
		return []string{r.outboxDir}
	}

	seen := map[string]bool{r.outboxDir: true}
	folders := []string{r.outboxDir}
	for _, spec := range r.table.Sources() {
		if spec.Kind != endpoint.KindFiletalk {
			continue
		}
		if !seen[spec.ID] {
			seen[spec.ID] = true
			folders = append(folders, spec.ID)
		}
	}
	return folders
}

// planFolder lists *.json files in folder and matches each against the
// routing table, without mutating the filesystem.
func (r *Router) planFolder(folder string) ([]fileTask, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	srcSpec, hasRoutes := r.findSourceSpec(folder)

	var tasks []fileTask
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(folder, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue // raced with a concurrent delete
		}

		var msg message.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			tasks = append(tasks, fileTask{path: path, parseErr: true})
			continue
		}

		t := fileTask{path: path, msg: msg}
		if hasRoutes {
			for _, route := range r.table.Fanout(srcSpec, msg.Channel) {
				t.copies = append(t.copies, copyTarget{
					destFolder:  route.Dest.ID,
					destChannel: route.DestChannel,
				})
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r *Router) findSourceSpec(folder string) (*endpoint.Spec, bool) {
	for _, spec := range r.table.Sources() {
		if spec.Kind == endpoint.KindFiletalk && spec.ID == folder {
			return spec, true
		}
	}
	return nil, false
}

// copyOne performs the copy step for a single planned destination
//: the destination folder is never created —
// a missing one is a routing error left visible via the
// skipped_missing_folder counter, not concealed.
func (r *Router) copyOne(t *fileTask, target *copyTarget) bool {
	info, err := os.Stat(target.destFolder)
	if err != nil || !info.IsDir() {
		target.ok = false
		return false
	}

	out := t.msg.Rewritten(target.destChannel)
	if err := writeMessageFile(target.destFolder, out); err != nil {
		r.logger.Warn("copy message", "dest", target.destFolder, "error", err)
		target.ok = false
		return false
	}
	target.ok = true
	return true
}

// writeMessageFile atomically writes msg under folder using the
// router's own msg_<timestamp>_<random>.json naming convention
// — distinct from the IntraFlow filetalk adapter's
// <random>.json convention (internal/endpoint/filetalk.go), per
// DESIGN.md's note that the two never share a directory.
func writeMessageFile(folder string, msg message.Message) error {
	name := fmt.Sprintf("msg_%s_%s.json",
		Clock().UTC().Format("20060102T150405.000000"),
		uuid.NewString()[:8])
	return kvjson.WriteAtomic(filepath.Join(folder, name), msg)
}

func (r *Router) emitLifecycle(channel string, signal any) error {
	return writeMessageFile(r.outboxDir, message.New(channel, signal))
}

func (r *Router) appendEvent(ev eventlog.Event) error {
	return eventlog.Append(r.eventsPath, ev)
}

func (r *Router) publish(kind string, data map[string]any) {
	r.publishEvent(routerevents.SourceDaemon, kind, data)
}

func (r *Router) publishEvent(source, kind string, data map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Publish(routerevents.Event{
		Timestamp: Clock(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// syncWatchers keeps the destination-folder health watchers in sync
// with the routing table: one watcher per distinct filetalk
// destination a route currently references, started the first time a
// route names it and stopped once no route names it anymore. Only
// observability — it never gates delivery, which is still decided by
// copyOne's own folder stat.
func (r *Router) syncWatchers() {
	if r.runCtx == nil {
		return // not running under Run; nothing to watch yet
	}

	desired := map[string]bool{}
	for _, spec := range r.table.Destinations() {
		if spec.Kind != endpoint.KindFiletalk {
			continue
		}
		desired[spec.ID] = true
	}

	existing := r.watchers.Status()
	for folder := range desired {
		if _, ok := existing[folder]; ok {
			continue
		}
		folder := folder
		r.watchers.Watch(r.runCtx, folderwatch.WatcherConfig{
			Name:   folder,
			Probe:  folderwatch.ExistsProbe(folder),
			Logger: r.logger,
			OnDown: func(err error) {
				r.publishEvent(routerevents.SourceWatch, routerevents.KindFolderDown, map[string]any{
					"folder": folder, "error": err.Error(),
				})
			},
			OnReady: func() {
				r.publishEvent(routerevents.SourceWatch, routerevents.KindFolderUp, map[string]any{
					"folder": folder,
				})
			},
		})
	}
	for folder := range existing {
		if !desired[folder] {
			r.watchers.Unwatch(folder)
		}
	}
}

// destinationStatuses projects the watch manager's live state into the
// shape published under status.json's stats.destinations.
func (r *Router) destinationStatuses() []DestinationStatus {
	statusMap := r.watchers.Status()
	if len(statusMap) == 0 {
		return nil
	}
	out := make([]DestinationStatus, 0, len(statusMap))
	for _, s := range statusMap {
		out = append(out, DestinationStatus{
			Path:      s.Name,
			Ready:     s.Ready,
			LastCheck: s.LastCheck,
			LastError: s.LastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// openSnapshotStore opens the operator-debugging snapshot database
// configured by cfg.Snapshot. A failure to open it is logged and
// leaves snapshotting disabled for this run rather than failing
// startup — snapshots are not the recovery mechanism (events.jsonl
// replay is), so they are not worth a hard dependency.
func (r *Router) openSnapshotStore() {
	if r.cfg.Snapshot.EveryTicks <= 0 {
		return
	}

	db, err := sql.Open("sqlite3", r.cfg.Snapshot.DBPath)
	if err != nil {
		r.logger.Warn("open snapshot db", "path", r.cfg.Snapshot.DBPath, "error", err)
		return
	}
	store, err := snapshot.NewStore(db)
	if err != nil {
		r.logger.Warn("init snapshot store", "error", err)
		db.Close()
		return
	}
	r.snapDB = db
	r.snapStore = store
}

func (r *Router) closeSnapshotStore() {
	if r.snapDB != nil {
		r.snapDB.Close()
	}
}

// writeSnapshot persists the current routing table and delivery
// counters. A failure is logged, never propagated — same rationale as
// openSnapshotStore.
func (r *Router) writeSnapshot(trigger snapshot.Trigger) {
	if r.snapStore == nil {
		return
	}

	state := &snapshot.State{
		Counters: snapshot.Counters{
			Seen:                 r.stats.Seen,
			Delivered:            r.stats.Delivered,
			Deleted:              r.stats.Deleted,
			SkippedUnreadable:    r.stats.SkippedUnreadable,
			SkippedMissingFolder: r.stats.SkippedMissingFolder,
			DiscardedUnrouted:    r.stats.DiscardedUnrouted,
		},
	}
	for _, route := range r.table.Sorted() {
		rec := snapshot.RouteRecord{
			SrcKind:     route.Src.Kind.String(),
			SrcChannel:  route.SrcChannel,
			DestKind:    route.Dest.Kind.String(),
			DestChannel: route.DestChannel,
			Persistent:  route.Persistent,
		}
		if name, ok := route.Src.Name(); ok {
			rec.SrcID = name
		}
		if name, ok := route.Dest.Name(); ok {
			rec.DestID = name
		}
		state.Routes = append(state.Routes, rec)
	}

	if _, err := r.snapStore.Create(trigger, r.tick, state); err != nil {
		r.logger.Warn("write snapshot", "trigger", trigger, "error", err)
	}
}

// publishStateIfDirty rewrites routes.json/status.json when their
// underlying state changed since the last publish.
func (r *Router) publishStateIfDirty() error {
	if r.routesDirty {
		if err := r.writeRoutesDoc(); err != nil {
			return err
		}
		if err := r.emitLifecycle("notice", map[string]any{"event": "routes_changed"}); err != nil {
			return err
		}
		r.lastChange = Clock().UTC()
		r.routesDirty = false
	}
	if r.statsDirty {
		if err := r.writeStatusDoc(); err != nil {
			return err
		}
		r.statsDirty = false
	}
	return nil
}

func (r *Router) writeRoutesDoc() error {
	entries := make([]RouteEntry, 0, r.table.Len())
	for _, route := range r.table.Sorted() {
		entries = append(entries, RouteEntry{
			SourceFolder:       route.SrcID,
			SourceChannel:      route.SrcChannel,
			DestinationChannel: route.DestChannel,
			DestinationFolder:  route.DestID,
		})
	}
	doc := RoutesDoc{
		SchemaVersion: "1",
		UpdatedAtUTC:  Clock().UTC().Format(time.RFC3339),
		Routes:        entries,
	}
	return kvjson.WriteAtomic(r.routesPath, doc)
}

func (r *Router) writeStatusDoc() error {
	doc := Status{
		SchemaVersion: 1,
		RouterID:      r.routerID,
		StartedAtUTC:  r.startedAt.Format(time.RFC3339),
		Tick:          r.tick,
		LastChange:    r.lastChange.Format(time.RFC3339),
		DelaySeconds:  r.cfg.Router.DelaySeconds,
		Stats: StatusStats{
			Stats:        r.stats,
			Destinations: r.destinationStatuses(),
		},
	}
	return kvjson.WriteAtomic(r.statusPath, doc)
}

// processControlInputs drains the router INBOX, dispatching by channel
//.
func (r *Router) processControlInputs() {
	entries, err := os.ReadDir(r.inboxDir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.inboxDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var msg message.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // presumed mid-write; retry next tick
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("remove control message", "path", path, "error", err)
			continue
		}

		r.dispatchControl(msg)
	}
}

func (r *Router) dispatchControl(msg message.Message) {
	switch msg.Channel {
	case "link":
		r.handleLink(msg)
	case "unlink":
		r.handleUnlink(msg)
	case "quit":
		r.quit = true
	default:
		r.logger.Warn("unknown control channel", "channel", msg.Channel)
	}
}

func (r *Router) decodeSignal(msg message.Message) (controlSignal, error) {
	var sig controlSignal
	data, err := json.Marshal(msg.Signal)
	if err != nil {
		return sig, err
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (r *Router) handleLink(msg message.Message) {
	sig, err := r.decodeSignal(msg)
	if err != nil {
		r.logger.Warn("link: bad signal", "error", err)
		return
	}

	srcFolder, err := canonicalize(sig.SourceFolder)
	if err != nil {
		r.logger.Warn("link: canonicalize source", "error", err)
		return
	}
	destFolder, err := canonicalize(sig.DestinationFolder)
	if err != nil {
		r.logger.Warn("link: canonicalize destination", "error", err)
		return
	}

	_, err = r.table.AddRoute(
		endpoint.Filetalk(srcFolder), sig.SourceChannel,
		endpoint.Filetalk(destFolder), sig.DestinationChannel,
		true,
	)
	if err != nil {
		r.logger.Warn("link: add route", "error", err)
		return
	}

	if err := r.appendEvent(eventlog.RouteAdded(srcFolder, sig.SourceChannel, sig.DestinationChannel, destFolder)); err != nil {
		r.logger.Error("link: append event", "error", err)
	}
	r.routesDirty = true
	r.publishEvent(routerevents.SourceControl, routerevents.KindRouteAdded, map[string]any{
		"source_folder": srcFolder, "source_channel": sig.SourceChannel,
		"dest_folder": destFolder, "dest_channel": sig.DestinationChannel,
	})

	if sig.AckPath != "" {
		r.writeAck(sig.AckPath, "link-ack", sig)
	}
}

func (r *Router) handleUnlink(msg message.Message) {
	sig, err := r.decodeSignal(msg)
	if err != nil {
		r.logger.Warn("unlink: bad signal", "error", err)
		return
	}

	srcFolder, err := canonicalize(sig.SourceFolder)
	if err != nil {
		r.logger.Warn("unlink: canonicalize source", "error", err)
		return
	}
	destFolder, err := canonicalize(sig.DestinationFolder)
	if err != nil {
		r.logger.Warn("unlink: canonicalize destination", "error", err)
		return
	}

	removed := r.table.RemoveRoute(
		endpoint.Filetalk(srcFolder), sig.SourceChannel,
		endpoint.Filetalk(destFolder), sig.DestinationChannel,
	)
	if removed {
		if err := r.appendEvent(eventlog.RouteRemoved(srcFolder, sig.SourceChannel, sig.DestinationChannel, destFolder)); err != nil {
			r.logger.Error("unlink: append event", "error", err)
		}
		r.routesDirty = true
		r.publishEvent(routerevents.SourceControl, routerevents.KindRouteRemoved, map[string]any{
			"source_folder": srcFolder, "source_channel": sig.SourceChannel,
			"dest_folder": destFolder, "dest_channel": sig.DestinationChannel,
		})
	}

	if sig.AckPath != "" {
		r.writeAck(sig.AckPath, "unlink-ack", sig)
	}
}

func (r *Router) writeAck(path, channel string, sig controlSignal) {
	if err := kvjson.WriteAtomic(path, ackMessage{Channel: channel, Signal: sig}); err != nil {
		r.logger.Warn("write ack", "path", path, "error", err)
	}
}

// canonicalize resolves path to an absolute, symlink-resolved form
//. A path that does not yet exist is
// still made absolute; only EvalSymlinks failures other than
// not-exist are propagated.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", fmt.Errorf("canonicalize %s: %w", path, err)
	}
	return resolved, nil
}
