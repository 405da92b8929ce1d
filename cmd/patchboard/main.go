// Package main is the entry point for the Patchboard router daemon
// and its control CLI, adapted from cmd/thane/main.go's flag-based
// subcommand dispatch.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/patchboard/internal/buildinfo"
	"github.com/nugget/patchboard/internal/config"
	"github.com/nugget/patchboard/internal/kvjson"
	"github.com/nugget/patchboard/internal/message"
	"github.com/nugget/patchboard/internal/router"
	"github.com/nugget/patchboard/internal/routerevents"
	"github.com/nugget/patchboard/internal/snapshot"
	"github.com/nugget/patchboard/internal/wsstream"

	"github.com/gorilla/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	projectDir := flag.String("project-dir", "", "project directory (overrides config/default)")
	reportPath := flag.String("report", "", "write a process-exit report to this path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	report := kvjson.NewEnvelope()
	exitCode := dispatch(logger, *configPath, *projectDir, report)

	if *reportPath != "" {
		if err := report.Write(*reportPath); err != nil {
			logger.Error("write report", "path", *reportPath, "error", err)
		}
	}
	os.Exit(exitCode)
}

func dispatch(logger *slog.Logger, configPath, projectDirFlag string, report *kvjson.Envelope) int {
	if flag.NArg() == 0 {
		printUsage()
		report.StateInvalidInput()
		return 2
	}

	switch flag.Arg(0) {
	case "run":
		return runRun(logger, configPath, projectDirFlag, report)
	case "status":
		return runStatus(configPath, projectDirFlag, report)
	case "routes":
		return runRoutes(configPath, projectDirFlag, report)
	case "link":
		return runLinkUnlink(logger, configPath, projectDirFlag, "link", flag.Args()[1:], report)
	case "unlink":
		return runLinkUnlink(logger, configPath, projectDirFlag, "unlink", flag.Args()[1:], report)
	case "quit":
		return runQuit(logger, configPath, projectDirFlag, report)
	case "watch":
		return runWatch(configPath, projectDirFlag, report)
	case "snapshot":
		return runSnapshot(configPath, projectDirFlag, flag.Args()[1:], report)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		report.StateOK()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		report.StateInvalidInput()
		return 2
	}
}

func printUsage() {
	fmt.Println("Patchboard - filesystem message router")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                                    Start the router daemon")
	fmt.Println("  status                                 Print status.json")
	fmt.Println("  routes                                 Print routes.json")
	fmt.Println("  link --sf --sc --df --dc [--ack]       Submit a link request")
	fmt.Println("  unlink --sf --sc --df --dc [--ack]     Submit an unlink request")
	fmt.Println("  quit                                   Submit a quit request")
	fmt.Println("  watch                                  Stream live router events")
	fmt.Println("  snapshot list                          List saved snapshots")
	fmt.Println("  snapshot show <id>                     Show a snapshot's full state")
	fmt.Println("  version                                Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// loadConfig resolves the config file and applies the -project-dir
// override, matching thane's FindConfig/Load/override sequence.
func loadConfig(configPath, projectDirFlag string) (*config.Config, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		if projectDirFlag == "" {
			return nil, err
		}
		// No config file at all is fine as long as -project-dir was
		// given explicitly; fall back to defaults rooted there.
		return config.Default(projectDirFlag), nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if projectDirFlag != "" {
		cfg.ProjectDir = projectDirFlag
	}
	return cfg, nil
}

func runRun(logger *slog.Logger, configPath, projectDirFlag string, report *kvjson.Envelope) int {
	cfg, err := loadConfig(configPath, projectDirFlag)
	if err != nil {
		logger.Error("config", "error", err)
		report.StateExternalDependencyFailure()
		return 3
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			report.StateInvalidInput()
			return 2
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting patchboard", "version", buildinfo.Version, "project_dir", cfg.ProjectDir)

	bus := routerevents.New()
	rtr := router.New(cfg, logger, bus)

	if err := rtr.Prepare(); err != nil {
		logger.Error("prepare", "error", err)
		report.StateExternalDependencyFailure()
		return 3
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Dashboard.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Dashboard.Address, cfg.Dashboard.Port)
		mux := http.NewServeMux()
		mux.Handle("/dashboard/events", wsstream.NewHandler(bus, logger))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("dashboard listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("dashboard server", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := rtr.Run(ctx); err != nil {
		logger.Error("run", "error", err)
		report.StateGenericError()
		return 1
	}

	report.StateOK()
	return 0
}

func runStatus(configPath, projectDirFlag string, report *kvjson.Envelope) int {
	cfg, err := loadConfig(configPath, projectDirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	path := filepath.Join(cfg.ProjectDir, "status.json")
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read status:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	os.Stdout.Write(data)
	fmt.Println()
	report.StateOK()
	return 0
}

func runRoutes(configPath, projectDirFlag string, report *kvjson.Envelope) int {
	cfg, err := loadConfig(configPath, projectDirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	path := filepath.Join(cfg.ProjectDir, "routes.json")
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read routes:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	os.Stdout.Write(data)
	fmt.Println()
	report.StateOK()
	return 0
}

// linkSignal mirrors router.controlSignal's JSON shape; the router
// package keeps that type unexported, so the CLI writes the wire
// format directly rather than importing it.
type linkSignal struct {
	SourceFolder       string `json:"source-folder"`
	SourceChannel      string `json:"source-channel"`
	DestinationChannel string `json:"destination-channel"`
	DestinationFolder  string `json:"destination-folder"`
	AckPath            string `json:"ack-path,omitempty"`
}

func runLinkUnlink(logger *slog.Logger, configPath, projectDirFlag, channel string, args []string, report *kvjson.Envelope) int {
	fs := flag.NewFlagSet(channel, flag.ExitOnError)
	sf := fs.String("sf", "", "source folder")
	sc := fs.String("sc", "", "source channel")
	df := fs.String("df", "", "destination folder")
	dc := fs.String("dc", "", "destination channel")
	ack := fs.String("ack", "", "path to write an acknowledgement to")
	fs.Parse(args)

	if *sf == "" || *sc == "" || *df == "" || *dc == "" {
		fmt.Fprintf(os.Stderr, "usage: patchboard %s --sf --sc --df --dc [--ack]\n", channel)
		report.StateInvalidInput()
		return 2
	}

	cfg, err := loadConfig(configPath, projectDirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		report.StateExternalDependencyFailure()
		return 3
	}

	sig := linkSignal{
		SourceFolder:       *sf,
		SourceChannel:      *sc,
		DestinationChannel: *dc,
		DestinationFolder:  *df,
		AckPath:            *ack,
	}

	if err := submitControlMessage(cfg.ProjectDir, channel, sig); err != nil {
		logger.Error("submit control message", "error", err)
		report.StateExternalDependencyFailure()
		return 3
	}

	fmt.Printf("submitted %s request\n", channel)
	report.StateOK()
	return 0
}

func runQuit(logger *slog.Logger, configPath, projectDirFlag string, report *kvjson.Envelope) int {
	cfg, err := loadConfig(configPath, projectDirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	if err := submitControlMessage(cfg.ProjectDir, "quit", struct{}{}); err != nil {
		logger.Error("submit quit", "error", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	fmt.Println("submitted quit request")
	report.StateOK()
	return 0
}

// submitControlMessage writes a control message file into the running
// daemon's INBOX. The CLI talks to the daemon only through the
// filesystem, never in-process, since they are separate OS processes.
func submitControlMessage(projectDir, channel string, sig any) error {
	inbox := filepath.Join(projectDir, "INBOX")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", inbox, err)
	}

	msg := message.New(channel, sig)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}

	name := fmt.Sprintf("%s.json", uuid.NewString())
	path := filepath.Join(inbox, name)

	tmp, err := os.CreateTemp(inbox, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func runWatch(configPath, projectDirFlag string, report *kvjson.Envelope) int {
	cfg, err := loadConfig(configPath, projectDirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	if !cfg.Dashboard.Enabled {
		fmt.Fprintln(os.Stderr, "watch: dashboard.enabled is false in config; nothing to connect to")
		report.StateInvalidInput()
		return 2
	}

	addr := fmt.Sprintf("ws://%s:%d/dashboard/events", dashboardHost(cfg), cfg.Dashboard.Port)
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "watch: connect:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	defer conn.Close()

	colorize := isatty.IsTerminal(os.Stdout.Fd())
	for {
		var ev routerevents.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		printEvent(ev, colorize)
	}

	report.StateOK()
	return 0
}

func dashboardHost(cfg *config.Config) string {
	if cfg.Dashboard.Address == "" {
		return "localhost"
	}
	return cfg.Dashboard.Address
}

// runSnapshot opens the router's operator-debugging snapshot database
// directly; it never talks to a running daemon, unlike link/unlink/
// quit, since reading a SQLite file needs no coordination with the
// process that writes it.
func runSnapshot(configPath, projectDirFlag string, args []string, report *kvjson.Envelope) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: patchboard snapshot list|show <id>")
		report.StateInvalidInput()
		return 2
	}

	cfg, err := loadConfig(configPath, projectDirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		report.StateExternalDependencyFailure()
		return 3
	}

	db, err := sql.Open("sqlite3", cfg.Snapshot.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot: open db:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	defer db.Close()

	store, err := snapshot.NewStore(db)
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot: init store:", err)
		report.StateExternalDependencyFailure()
		return 3
	}

	switch args[0] {
	case "list":
		return runSnapshotList(store, report)
	case "show":
		return runSnapshotShow(store, args[1:], report)
	default:
		fmt.Fprintf(os.Stderr, "unknown snapshot subcommand: %s\n", args[0])
		report.StateInvalidInput()
		return 2
	}
}

func runSnapshotList(store *snapshot.Store, report *kvjson.Envelope) int {
	snaps, err := store.List(0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot list:", err)
		report.StateExternalDependencyFailure()
		return 3
	}
	if len(snaps) == 0 {
		fmt.Println("no snapshots")
	}
	for _, s := range snaps {
		fmt.Println(s.Summary())
	}
	report.StateOK()
	return 0
}

func runSnapshotShow(store *snapshot.Store, args []string, report *kvjson.Envelope) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: patchboard snapshot show <id>")
		report.StateInvalidInput()
		return 2
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot show: bad id:", err)
		report.StateInvalidInput()
		return 2
	}

	snap, err := store.Get(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot show:", err)
		report.StateExternalDependencyFailure()
		return 3
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot show: marshal:", err)
		report.StateGenericError()
		return 1
	}
	os.Stdout.Write(data)
	fmt.Println()
	report.StateOK()
	return 0
}

func printEvent(ev routerevents.Event, colorize bool) {
	age := humanize.Time(ev.Timestamp)
	if colorize {
		fmt.Printf("\033[1m%-10s %-16s\033[0m %-10s %v\n", ev.Source, ev.Kind, age, ev.Data)
	} else {
		fmt.Printf("%-10s %-16s %-10s %v\n", ev.Source, ev.Kind, age, ev.Data)
	}
}
