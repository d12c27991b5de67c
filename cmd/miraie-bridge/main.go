// miraie-bridge connects Panasonic MirAIe air conditioners to Home
// Assistant.
//
// It logs in to every configured MirAIe account, keeps a live MQTT
// session to the vendor broker per account and exposes each air
// conditioner to Home Assistant through MQTT discovery on the local
// broker. An HTTP API serves health, Prometheus metrics, device state,
// commands and a WebSocket event stream. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	miraie-bridge serve              Run the bridge
//	miraie-bridge devices            List the devices of every account
//	miraie-bridge version            Print version and build information
//	miraie-bridge -o json devices    Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/miraie-bridge/internal/api"
	"github.com/nugget/miraie-bridge/internal/bridge"
	"github.com/nugget/miraie-bridge/internal/buildinfo"
	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/connwatch"
	"github.com/nugget/miraie-bridge/internal/events"
	"github.com/nugget/miraie-bridge/internal/httpkit"
	"github.com/nugget/miraie-bridge/internal/metrics"
	"github.com/nugget/miraie-bridge/internal/miraie"
	"github.com/nugget/miraie-bridge/internal/mqtt"
	"github.com/nugget/miraie-bridge/internal/statestore"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so it can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; fatal
// errors are returned for main to print. Arguments are parsed by hand
// because the flag package's globals get in the way of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "devices":
		return runDevices(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "miraie-bridge - Panasonic MirAIe air conditioners for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: miraie-bridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the bridge")
	fmt.Fprintln(w, "  devices      List the devices of every configured account")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newCloud builds the MirAIe cloud client for one account.
func newCloud(acct config.AccountConfig, logger *slog.Logger) *miraie.Client {
	return miraie.New(miraie.Config{
		UserID:   acct.UserID,
		Password: acct.Password,
		AuthURL:  acct.AuthURL,
		AppURL:   acct.AppURL,
		HTTPClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		TokenLifetime: acct.TokenRefresh(),
		Logger:        logger,
	})
}

// deviceRow is one line of "miraie-bridge devices".
type deviceRow struct {
	Account string `json:"account"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Home    string `json:"home"`
	Space   string `json:"space"`
	Topic   string `json:"topic"`
}

// runDevices logs in to every account and lists its devices without
// connecting to any broker. Useful for finding device IDs to put in
// per-device overrides.
func runDevices(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, slog.LevelWarn, "text")

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	var rows []deviceRow
	var errs []error
	for _, acct := range cfg.Accounts {
		client := newCloud(acct, logger.With("account", acct.Name))
		devices, err := client.ListDevices(ctx)
		client.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acct.Name, err))
			continue
		}
		for _, d := range devices {
			rows = append(rows, deviceRow{
				Account: acct.Name,
				ID:      d.ID,
				Name:    d.Name,
				Home:    d.HomeName,
				Space:   d.SpaceName,
				Topic:   d.BaseTopic,
			})
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []deviceRow{}
		}
		if err := enc.Encode(rows); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ACCOUNT\tID\tNAME\tHOME\tSPACE\tTOPIC")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Account, r.ID, r.Name, r.Home, r.Space, r.Topic)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

// entryOptions maps the configuration onto one account's entry.
func entryOptions(cfg *config.Config, acct config.AccountConfig) bridge.Options {
	r := cfg.Reconnect
	return bridge.Options{
		Account: acct,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: time.Duration(r.InitialDelaySec) * time.Second,
			MaxDelay:     time.Duration(r.MaxDelaySec) * time.Second,
			Multiplier:   r.Multiplier,
			MaxRetries:   r.MaxRetries,
			StableAfter:  time.Duration(r.StableAfterSec) * time.Second,
		},
		PollInterval:      acct.StatusPoll(),
		TokenRefresh:      acct.TokenRefresh(),
		StatusInterval:    time.Duration(cfg.Liveness.StatusIntervalSec) * time.Second,
		MissedIntervals:   cfg.Liveness.MissedIntervals,
		SuperviseInterval: time.Duration(r.SuperviseSec) * time.Second,
		CommandRate:       rate.Limit(cfg.CommandRate.PerSecond),
		CommandBurst:      cfg.CommandRate.Burst,
	}
}

// runServe runs the bridge until a shutdown signal arrives. Shutdown
// publishes the Home Assistant offline status, unloads every account
// (flushing last-known state) and stops the API server.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting miraie-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"accounts", len(cfg.Accounts),
		"homeassistant", cfg.HomeAssistant.Broker,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	m := metrics.New()

	store, err := statestore.NewStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	// --- Accounts ---
	registry := bridge.NewRegistry()
	for _, acct := range cfg.Accounts {
		acctLogger := logger.With("account", acct.Name)
		opts := entryOptions(cfg, acct)
		opts.Cloud = newCloud(acct, acctLogger)
		opts.Bus = bus
		opts.Store = store
		opts.Metrics = m
		opts.Logger = acctLogger
		if err := registry.Add(bridge.NewEntry(opts)); err != nil {
			return err
		}
	}

	// Accounts come up in the background so the API and the Home
	// Assistant facade serve health while the vendor cloud is slow or
	// down. Devices reach Home Assistant through DeviceAdded events.
	registry.StartAll(ctx, func(account string, err error) {
		if err != nil && ctx.Err() == nil {
			logger.Error("account setup abandoned", "account", account, "error", err)
		}
	})

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- Home Assistant MQTT facade ---
	var mqttPub *mqtt.Publisher
	if cfg.HomeAssistant.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.HomeAssistant, instanceID, registry, bus, logger.With("component", "homeassistant"))
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "homeassistant",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("home assistant discovery enabled",
			"broker", cfg.HomeAssistant.Broker,
			"discovery_prefix", cfg.HomeAssistant.DiscoveryPrefix,
			"base_topic", cfg.HomeAssistant.BaseTopic,
		)
	} else {
		logger.Info("home assistant discovery disabled (not configured)")
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, registry, bus, logger)
	server.SetMetrics(m.Handler())
	server.SetWatchers(connMgr)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := registry.UnloadAll(shutdownCtx); err != nil {
			logger.Error("account unload failed", "error", err)
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	serveErr := server.Start(ctx)
	cancel()
	// Unloading flushes last-known state; wait for it before the
	// store closes.
	<-shutdownDone
	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}

	logger.Info("miraie-bridge stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceAttr,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
