package folderwatch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond every tick until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(1 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
}

func TestExistsProbePresentFolder(t *testing.T) {
	dir := t.TempDir()
	probe := ExistsProbe(dir)
	if err := probe(context.Background()); err != nil {
		t.Errorf("ExistsProbe on existing dir returned %v, want nil", err)
	}
}

func TestExistsProbeMissingFolder(t *testing.T) {
	probe := ExistsProbe(filepath.Join(t.TempDir(), "ghost"))
	if err := probe(context.Background()); err == nil {
		t.Error("ExistsProbe on missing dir returned nil, want error")
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-immediate",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, 2*time.Second, w.IsReady, "IsReady() == true")

	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("folder missing")
	var attempts atomic.Int32

	probe := func(ctx context.Context) error {
		n := attempts.Add(1)
		if n <= 3 {
			return errDown
		}
		return nil
	}

	var readyCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-backoff",
		Probe:   probe,
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, 2*time.Second, w.IsReady, "IsReady() == true after retries")

	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestWatcher_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("always missing")
	var attempts atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-exhaust",
		Probe:   func(ctx context.Context) error { attempts.Add(1); return errDown },
		Backoff: testBackoff(),
	})

	waitFor(t, 2*time.Second, func() bool {
		return attempts.Load() >= 5
	}, "all startup retries attempted")

	if w.IsReady() {
		t.Error("expected IsReady() == false after exhausting retries")
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError")
	}
}

func TestWatcher_FolderGoesMissing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("went missing")
	var shouldFail atomic.Bool

	probe := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errDown
		}
		return nil
	}

	var downCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-goes-missing",
		Probe:   probe,
		Backoff: testBackoff(),
		OnDown:  func(err error) { downCalled.Add(1) },
	})

	waitFor(t, 2*time.Second, w.IsReady, "initially ready")

	shouldFail.Store(true)

	waitFor(t, 2*time.Second, func() bool {
		return !w.IsReady()
	}, "IsReady() == false after failure")

	if downCalled.Load() < 1 {
		t.Errorf("OnDown called %d times, want >= 1", downCalled.Load())
	}
}

func TestWatcher_FolderReappears(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("missing")
	var shouldFail atomic.Bool
	shouldFail.Store(true)

	probe := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errDown
		}
		return nil
	}

	var readyCalled atomic.Int32

	bcfg := testBackoff()
	bcfg.MaxRetries = 2

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-reappears",
		Probe:   probe,
		Backoff: bcfg,
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, 2*time.Second, func() bool {
		return w.LastError() != nil
	}, "startup retries exhausted")

	if w.IsReady() {
		t.Fatal("expected not ready after startup exhaustion")
	}

	shouldFail.Store(false)

	waitFor(t, 2*time.Second, w.IsReady, "IsReady() == true after recovery")

	if readyCalled.Load() < 1 {
		t.Errorf("OnReady called %d times, want >= 1", readyCalled.Load())
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	errDown := errors.New("missing")
	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-cancel",
		Probe:   func(ctx context.Context) error { return errDown },
		Backoff: testBackoff(),
	})

	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestManager_MultipleWatchersAgainstRealFolders(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	present := t.TempDir()
	missing := filepath.Join(t.TempDir(), "ghost")

	m := NewManager(slog.Default())
	w1 := m.Watch(ctx, WatcherConfig{
		Name:    present,
		Probe:   ExistsProbe(present),
		Backoff: testBackoff(),
	})

	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	w2 := m.Watch(ctx, WatcherConfig{
		Name:    missing,
		Probe:   ExistsProbe(missing),
		Backoff: bcfg,
	})

	waitFor(t, 2*time.Second, w1.IsReady, "present folder ready")
	waitFor(t, 2*time.Second, func() bool { return w2.LastError() != nil }, "missing folder probed")

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() = %d entries, want 2", len(status))
	}
	if !status[present].Ready {
		t.Error("expected present folder marked ready")
	}
	if status[missing].Ready {
		t.Error("expected missing folder marked not ready")
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	m := NewManager(slog.Default())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "svc-1",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Watch(context.Background(), WatcherConfig{
		Name:    "svc-2",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	waitFor(t, 2*time.Second, w.IsReady, "svc-1 ready before stop")

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Manager.Stop did not return within timeout")
	}
}

func TestManager_Unwatch(t *testing.T) {
	t.Parallel()

	m := NewManager(slog.Default())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "svc-1",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	waitFor(t, 2*time.Second, w.IsReady, "svc-1 ready before unwatch")

	m.Unwatch("svc-1")

	if _, ok := m.Status()["svc-1"]; ok {
		t.Error("expected svc-1 removed from Status() after Unwatch")
	}

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher goroutine did not exit after Unwatch")
	}

	// Unwatching a name that was never watched is a no-op.
	m.Unwatch("never-watched")
}

func TestWatch_PanicsOnEmptyName(t *testing.T) {
	t.Parallel()
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for empty Name")
		}
	}()

	m := NewManager(slog.Default())
	m.Watch(context.Background(), WatcherConfig{
		Name:    "",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
}

func TestWatch_PanicsOnNilProbe(t *testing.T) {
	t.Parallel()
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil Probe")
		}
	}()

	m := NewManager(slog.Default())
	m.Watch(context.Background(), WatcherConfig{
		Name:    "test-nil-probe",
		Probe:   nil,
		Backoff: testBackoff(),
	})
}
