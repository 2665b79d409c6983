package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/deadman/internal/api"
	"github.com/mattjoyce/deadman/internal/config"
	"github.com/mattjoyce/deadman/internal/dispatch"
	"github.com/mattjoyce/deadman/internal/doctor"
	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/history"
	"github.com/mattjoyce/deadman/internal/inspect"
	"github.com/mattjoyce/deadman/internal/lock"
	"github.com/mattjoyce/deadman/internal/log"
	"github.com/mattjoyce/deadman/internal/notifier"
	"github.com/mattjoyce/deadman/internal/scheduler"
	"github.com/mattjoyce/deadman/internal/storage"
	"github.com/mattjoyce/deadman/internal/tui/watch"
	"github.com/mattjoyce/deadman/internal/watchdog"
)

const version = "0.2.0"

const eventBacklog = 256

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

func run(cmd string, args []string) int {
	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "alerts":
		return runAlertsNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		if hasHelpFlag(args) {
			printSystemStartHelp()
			return 0
		}
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		fmt.Printf("deadman version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`deadman - Heartbeat watchdog that alerts when pings stop

Usage:
  deadman <noun> <action> [flags]

Core Resources (Nouns):
  system    Watchdog lifecycle
  config    Configuration validation and inspection
  alerts    Alert delivery history

System Commands:
  system start        Start the watchdog in the foreground

Config Commands:
  config check        Validate configuration syntax and policy
  config show         Print the resolved configuration (secrets redacted)
  config get <path>   Read a single value from the resolved configuration

Alert Commands:
  alerts list         Show recent alert deliveries
  alerts inspect <k>  Summarise deliveries for one key

General:
  start             Alias for 'system start'
  watch             Live terminal dashboard for a running instance
  version           Show version information
  help              Show this help message

Use 'deadman <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runAlertsNoun(args []string) int {
	if len(args) < 1 {
		printAlertsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAlertsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printAlertsListHelp()
			return 0
		}
		return runAlertsList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printAlertsInspectHelp()
			return 0
		}
		return runAlertsInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown alerts action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: deadman system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: deadman config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, get")
}

func printAlertsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: deadman alerts <action> [flags]")
	fmt.Fprintln(w, "Actions: list, inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: deadman system start [--config PATH] [--dry-run]")
	fmt.Println("Start the watchdog in the foreground. --dry-run records alerts instead of sending them.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: deadman config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax and policy.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: deadman config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with secrets redacted.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: deadman config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printAlertsListHelp() {
	fmt.Println("Usage: deadman alerts list [--config PATH] [--key KEY] [--limit N] [--json]")
	fmt.Println("Show recent alert deliveries from the history database.")
}

func printAlertsInspectHelp() {
	fmt.Println("Usage: deadman alerts inspect <key> [--config PATH] [--limit N] [--json]")
	fmt.Println("Summarise the alert deliveries recorded for one key.")
}

func printWatchHelp() {
	fmt.Println("Usage: deadman watch [--api URL]")
	fmt.Println("Open a live dashboard of tracked keys and watchdog events.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Record alerts in memory instead of notifying")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("deadman starting", "version", version, "config", *configPath, "grace_period", cfg.Service.GracePeriod)
	if resolved, err := config.ResolvePath(*configPath); err == nil {
		if fp, err := config.Fingerprint(resolved); err == nil {
			logger.Info("config fingerprint", "blake3", fp)
		}
	}

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *history.Store
	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.History.Path, "error", err)
			return 1
		}
		defer db.Close()
		logger.Info("database opened", "path", cfg.History.Path)

		store = history.NewStore(db)
	}

	var sink notifier.Notifier
	if *dryRun {
		sink = notifier.NewDryRun(log.WithComponent("notifier"))
		logger.Warn("dry run: alerts are logged, not delivered")
	} else {
		sink, err = notifier.New(cfg.Notifier, cfg.Service.Name)
		if err != nil {
			logger.Error("failed to configure notifier", "error", err)
			return 1
		}
	}

	hub := events.NewHub(eventBacklog)

	engine, err := watchdog.New(watchdog.FromServiceConfig(cfg.Service), watchdog.WithEvents(hub))
	if err != nil {
		logger.Error("failed to create watchdog", "error", err)
		return 1
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithEvents(hub),
		dispatch.WithTimeout(cfg.Service.DeliveryTimeout),
	}
	var alertHistory api.AlertHistory
	if store != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(store))
		alertHistory = store
	}
	disp := dispatch.New(sink, engine.Alerts(), dispatchOpts...)

	apiServer := api.New(api.Config{
		Listen:         cfg.API.Listen,
		EnqueueTimeout: cfg.API.EnqueueTimeout,
	}, engine, alertHistory, hub, log.WithComponent("api"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("watchdog: %w", err)
		}
	}()

	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if store != nil {
		sched := scheduler.New(scheduler.Config{
			Interval:  cfg.History.PruneInterval,
			Jitter:    cfg.History.PruneInterval / 10,
			Retention: cfg.History.Retention,
		}, store, hub, log.Get())
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return 1
		}
		defer sched.Stop()
	}

	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	logger.Info("API server enabled", "listen", cfg.API.Listen)

	logger.Info("deadman running (press Ctrl+C to stop)", "notifier", sink.Name())

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		<-engine.Done()
		<-dispDone
		return 1
	}

	// Let an in-flight delivery finish recording before the database closes.
	<-engine.Done()
	<-dispDone
	delivered, failed := disp.Counts()
	logger.Info("deadman stopped", "delivered", delivered, "failed", failed)
	return 0
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	// Handle -json alias for format=json
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	result := doctor.CheckFile(configPath)

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	// GetPath("") returns the redacted YAML view, so durations print as "5s".
	view, err := cfg.GetPath("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(view, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(view)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(reorderFlags(fs, args)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: deadman config get <path> [--json]\n")
		return 1
	}
	path := fs.Arg(0)

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runAlertsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	key := fs.String("key", "", "Only show deliveries for this key")
	limit := fs.Int("limit", history.DefaultLimit, "Maximum number of deliveries to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	store, closeDB, err := openHistoryForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	ctx := context.Background()
	var deliveries []history.Delivery
	if *key != "" {
		deliveries, err = store.ForKey(ctx, *key, *limit)
	} else {
		deliveries, err = store.Recent(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(deliveries, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(deliveries) == 0 {
		fmt.Println("No alert deliveries recorded.")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTEMPTED\tKEY\tSTATUS\tNOTIFIER\tDURATION\tERROR")
	for _, d := range deliveries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.AttemptedAt.Local().Format(time.DateTime),
			d.Key,
			d.Status,
			d.Notifier,
			d.Duration.Round(time.Millisecond),
			d.Error,
		)
	}
	_ = tw.Flush()
	return 0
}

func runAlertsInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", history.DefaultLimit, "Number of recent deliveries to summarise")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(reorderFlags(fs, args)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: deadman alerts inspect <key> [--json]\n")
		return 1
	}
	key := fs.Arg(0)

	store, closeDB, err := openHistoryForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	ctx := context.Background()
	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(ctx, store, key, *limit)
	} else {
		report, err = inspect.BuildReport(ctx, store, key, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect error: %v\n", err)
		return 1
	}

	fmt.Print(report)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "", "Base URL of a running deadman API (defaults to api.listen from config)")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	url := *apiURL
	if url == "" {
		url = "http://" + config.Defaults().API.Listen
		if cfg, err := loadConfigForTool(*configPath); err == nil {
			url = "http://" + cfg.API.Listen
		}
	}

	p := tea.NewProgram(watch.New(url), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// openHistoryForTool opens the history database named by the config for a
// read-only CLI command.
func openHistoryForTool(configPath string) (*history.Store, func(), error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.History.Enabled {
		return nil, nil, errors.New("alert history is disabled (history.enabled: false)")
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.History.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history database: %w", err)
	}
	return history.NewStore(db), func() { _ = db.Close() }, nil
}

// reorderFlags moves flags ahead of positional arguments so that
// 'config get service.name --json' parses like 'config get --json service.name'.
func reorderFlags(fs *flag.FlagSet, args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || arg[0] != '-' {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if f := fs.Lookup(name); f != nil && !isBoolFlag(f) && i+1 < len(args) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return append(flags, positional...)
}

func isBoolFlag(f *flag.Flag) bool {
	b, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}
