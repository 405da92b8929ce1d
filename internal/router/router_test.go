package router

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/patchboard/internal/config"
	"github.com/nugget/patchboard/internal/endpoint"
	"github.com/nugget/patchboard/internal/message"
)

func testRouter(t *testing.T) (*Router, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	r := New(cfg, nil, nil)
	if err := r.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return r, dir
}

func writeMsgFile(t *testing.T, folder, name string, msg message.Message) {
	t.Helper()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", folder, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(folder, name), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func countJSONFiles(t *testing.T, folder string) int {
	t.Helper()
	entries, err := os.ReadDir(folder)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("readdir %s: %v", folder, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

// E4: Router delivery.
func TestRouterDeliversMatchedMessage(t *testing.T) {
	r, dir := testRouter(t)
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)

	srcCanon, _ := canonicalize(src)
	destCanon, _ := canonicalize(dest)
	if _, err := r.table.AddRoute(endpoint.Filetalk(srcCanon), "data", endpoint.Filetalk(destCanon), "received", true); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	writeMsgFile(t, src, "in.json", message.Message{Channel: "data", Signal: map[string]any{"payload": "test123"}, Timestamp: "1"})

	result := r.doDeliveryPass(false)

	if result.Seen != 1 || result.Delivered != 1 || result.Deleted != 1 {
		t.Fatalf("result = %+v, want seen=1 delivered=1 deleted=1", result)
	}
	if countJSONFiles(t, src) != 0 {
		t.Error("expected source folder empty")
	}

	entries, _ := os.ReadDir(dest)
	if len(entries) != 1 {
		t.Fatalf("dest has %d files, want 1", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(dest, entries[0].Name()))
	var got message.Message
	json.Unmarshal(data, &got)
	if got.Channel != "received" {
		t.Errorf("Channel = %q, want received", got.Channel)
	}
	if sig, ok := got.Signal.(map[string]any); !ok || sig["payload"] != "test123" {
		t.Errorf("Signal = %+v", got.Signal)
	}
}

// E5: Unrouted discard.
func TestRouterDiscardsUnroutedWhenEnabled(t *testing.T) {
	r, dir := testRouter(t)
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)

	srcCanon, _ := canonicalize(src)
	destCanon, _ := canonicalize(dest)
	r.table.AddRoute(endpoint.Filetalk(srcCanon), "data", endpoint.Filetalk(destCanon), "received", true)

	writeMsgFile(t, src, "in.json", message.Message{Channel: "unknown", Signal: map[string]any{}, Timestamp: "1"})

	result := r.doDeliveryPass(false)

	if result.DiscardedUnrouted != 1 {
		t.Errorf("DiscardedUnrouted = %d, want 1", result.DiscardedUnrouted)
	}
	if countJSONFiles(t, src) != 0 {
		t.Error("expected source file discarded")
	}
	if countJSONFiles(t, dest) != 0 {
		t.Error("expected no file delivered to dest")
	}
}

func TestRouterLeavesUnroutedWhenDiscardDisabled(t *testing.T) {
	r, dir := testRouter(t)
	r.cfg.Router.DiscardUnrouted = false
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)

	// A route on a different channel than the dropped message, so src
	// is a tracked source folder and the file is actually planned
	// (with zero copies) rather than skipped as an unwatched folder.
	srcCanon, _ := canonicalize(src)
	destCanon, _ := canonicalize(dest)
	r.table.AddRoute(endpoint.Filetalk(srcCanon), "data", endpoint.Filetalk(destCanon), "received", true)

	writeMsgFile(t, src, "in.json", message.Message{Channel: "unknown", Signal: map[string]any{}, Timestamp: "1"})

	result := r.doDeliveryPass(false)

	if result.DiscardedUnrouted != 1 {
		t.Errorf("DiscardedUnrouted = %d, want 1", result.DiscardedUnrouted)
	}
	if result.Seen != 0 {
		t.Errorf("Seen = %d, want 0 (unrouted messages never increment seen)", result.Seen)
	}
	if countJSONFiles(t, src) != 1 {
		t.Error("expected unrouted file left in place")
	}
}

func TestRouterSkipsMissingDestinationFolderWithoutCreatingIt(t *testing.T) {
	r, dir := testRouter(t)
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "ghost-dest")
	os.MkdirAll(src, 0o755)

	srcCanon, _ := canonicalize(src)
	destCanon, _ := canonicalize(dest)
	r.table.AddRoute(endpoint.Filetalk(srcCanon), "data", endpoint.Filetalk(destCanon), "received", true)

	writeMsgFile(t, src, "in.json", message.Message{Channel: "data", Signal: map[string]any{}, Timestamp: "1"})

	result := r.doDeliveryPass(false)

	if result.SkippedMissingFolder != 1 {
		t.Errorf("SkippedMissingFolder = %d, want 1", result.SkippedMissingFolder)
	}
	if countJSONFiles(t, src) != 1 {
		t.Error("expected source file retained (no zombie source) after failed copy")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("router must never create a missing destination folder")
	}
}

func TestRouterLeavesUnreadableFileInPlace(t *testing.T) {
	r, dir := testRouter(t)
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)
	os.WriteFile(filepath.Join(src, "bad.json"), []byte("{not json"), 0o644)

	// A route from src makes it a scanned source folder; unrouted
	// folders are never planned.
	srcCanon, _ := canonicalize(src)
	destCanon, _ := canonicalize(dest)
	r.table.AddRoute(endpoint.Filetalk(srcCanon), "data", endpoint.Filetalk(destCanon), "received", true)

	result := r.doDeliveryPass(false)

	if result.SkippedUnreadable != 1 {
		t.Errorf("SkippedUnreadable = %d, want 1", result.SkippedUnreadable)
	}
	if countJSONFiles(t, src) != 1 {
		t.Error("expected unreadable file left in place for retry")
	}
}

// E6: Shutdown drain.
func TestRouterShutdownDrainsOutboxToSubscriber(t *testing.T) {
	r, dir := testRouter(t)
	subscriber := filepath.Join(dir, "subscriber")
	os.MkdirAll(subscriber, 0o755)

	outboxCanon, _ := canonicalize(r.outboxDir)
	subCanon, _ := canonicalize(subscriber)
	r.table.AddRoute(endpoint.Filetalk(outboxCanon), "shutdown", endpoint.Filetalk(subCanon), "router-shutdown", true)

	r.routerID = "test-router"
	if err := r.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	entries, _ := os.ReadDir(subscriber)
	if len(entries) != 1 {
		t.Fatalf("subscriber has %d files, want 1", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(subscriber, entries[0].Name()))
	var got message.Message
	json.Unmarshal(data, &got)
	if got.Channel != "router-shutdown" {
		t.Errorf("Channel = %q, want router-shutdown", got.Channel)
	}
	if countJSONFiles(t, r.outboxDir) != 0 {
		t.Error("expected OUTBOX drained")
	}
}

func TestLinkControlMessageAddsRouteAndAppendsEvent(t *testing.T) {
	r, dir := testRouter(t)
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)

	sig := controlSignal{SourceFolder: src, SourceChannel: "data", DestinationChannel: "received", DestinationFolder: dest}
	writeMsgFile(t, r.inboxDir, "link.json", message.Message{Channel: "link", Signal: sig, Timestamp: "1"})

	r.processControlInputs()

	if r.table.Len() != 1 {
		t.Fatalf("table.Len() = %d, want 1", r.table.Len())
	}
	if !r.routesDirty {
		t.Error("expected routesDirty after link")
	}
	data, err := os.ReadFile(r.eventsPath)
	if err != nil || len(data) == 0 {
		t.Fatalf("expected events.jsonl to have route_added entry, err=%v", err)
	}
	if countJSONFiles(t, r.inboxDir) != 0 {
		t.Error("expected INBOX drained after processing")
	}
}

func TestLinkThenUnlinkRoundTripsToEmptyTable(t *testing.T) {
	r, dir := testRouter(t)
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)

	sig := controlSignal{SourceFolder: src, SourceChannel: "data", DestinationChannel: "received", DestinationFolder: dest}
	writeMsgFile(t, r.inboxDir, "link.json", message.Message{Channel: "link", Signal: sig, Timestamp: "1"})
	r.processControlInputs()

	writeMsgFile(t, r.inboxDir, "unlink.json", message.Message{Channel: "unlink", Signal: sig, Timestamp: "2"})
	r.processControlInputs()

	if r.table.Len() != 0 {
		t.Errorf("table.Len() = %d, want 0 after link/unlink round trip", r.table.Len())
	}
}

func TestQuitControlMessageSetsQuitFlag(t *testing.T) {
	r, _ := testRouter(t)
	writeMsgFile(t, r.inboxDir, "quit.json", message.Message{Channel: "quit", Signal: map[string]any{}, Timestamp: "1"})

	r.processControlInputs()

	if !r.quit {
		t.Error("expected quit flag set")
	}
}

func TestLinkWritesAckFile(t *testing.T) {
	r, dir := testRouter(t)
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	ack := filepath.Join(dir, "ack.json")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)

	sig := controlSignal{SourceFolder: src, SourceChannel: "data", DestinationChannel: "received", DestinationFolder: dest, AckPath: ack}
	writeMsgFile(t, r.inboxDir, "link.json", message.Message{Channel: "link", Signal: sig, Timestamp: "1"})

	r.processControlInputs()

	if _, err := os.Stat(ack); err != nil {
		t.Errorf("expected ack file at %s: %v", ack, err)
	}
}

func TestPublishStateIfDirtyWritesRoutesAndStatus(t *testing.T) {
	r, _ := testRouter(t)
	r.routerID = "rid"
	r.routesDirty = true
	r.statsDirty = true

	if err := r.publishStateIfDirty(); err != nil {
		t.Fatalf("publishStateIfDirty: %v", err)
	}

	var routesDoc RoutesDoc
	if err := readJSON(r.routesPath, &routesDoc); err != nil {
		t.Fatalf("read routes.json: %v", err)
	}
	if routesDoc.SchemaVersion != "1" {
		t.Errorf("SchemaVersion = %q, want 1", routesDoc.SchemaVersion)
	}

	var statusDoc Status
	if err := readJSON(r.statusPath, &statusDoc); err != nil {
		t.Fatalf("read status.json: %v", err)
	}
	if statusDoc.RouterID != "rid" {
		t.Errorf("RouterID = %q, want rid", statusDoc.RouterID)
	}

	if r.routesDirty || r.statsDirty {
		t.Error("expected dirty flags cleared after publish")
	}
}

func TestCanonicalizeResolvesRelativeAndSymlinkPaths(t *testing.T) {
	rel, err := canonicalize(filepath.Join("relative", "mailbox"))
	if err != nil {
		t.Fatalf("canonicalize(relative): %v", err)
	}
	if !filepath.IsAbs(rel) {
		t.Errorf("canonicalize(relative) = %q, want an absolute path", rel)
	}

	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	os.MkdirAll(real, 0o755)
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, err := canonicalize(link)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want, _ := filepath.EvalSymlinks(real)
	if got != want {
		t.Errorf("canonicalize(link) = %q, want %q", got, want)
	}
}

func TestRunReachesQuiescenceOnQuit(t *testing.T) {
	r, dir := testRouter(t)
	r.cfg.Router.DelaySeconds = 0.001

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	writeMsgFile(t, r.inboxDir, "quit.json", message.Message{Channel: "quit", Signal: map[string]any{}, Timestamp: "1"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after quit")
	}

	if _, err := os.Stat(filepath.Join(dir, "status.json")); err != nil {
		t.Errorf("expected status.json written: %v", err)
	}
}

func TestSyncWatchersTracksRoutedDestinations(t *testing.T) {
	r, dir := testRouter(t)
	r.runCtx = context.Background()

	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dest, 0o755)

	srcCanon, _ := canonicalize(src)
	destCanon, _ := canonicalize(dest)
	r.table.AddRoute(endpoint.Filetalk(srcCanon), "data", endpoint.Filetalk(destCanon), "received", true)

	r.syncWatchers()

	if _, ok := r.watchers.Status()[destCanon]; !ok {
		t.Fatalf("expected a watcher for %s after syncWatchers", destCanon)
	}

	r.table.RemoveRoute(endpoint.Filetalk(srcCanon), "data", endpoint.Filetalk(destCanon), "received")
	r.syncWatchers()

	if _, ok := r.watchers.Status()[destCanon]; ok {
		t.Error("expected watcher removed once no route references the destination")
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
