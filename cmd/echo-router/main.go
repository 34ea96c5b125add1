// ABOUTME: Entry point for echo-router, the Matrix conversation router
// ABOUTME: Wires storage, routing state, dispatcher, gateway runner, and the Matrix listener

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/echo-router/internal/config"
	"github.com/2389/echo-router/internal/conversation"
	"github.com/2389/echo-router/internal/dedupe"
	"github.com/2389/echo-router/internal/dispatch"
	"github.com/2389/echo-router/internal/flags"
	"github.com/2389/echo-router/internal/metrics"
	"github.com/2389/echo-router/internal/platform"
	"github.com/2389/echo-router/internal/router"
	"github.com/2389/echo-router/internal/runner"
	"github.com/2389/echo-router/internal/store"
)

const banner = `
          _                                 _
  ___ ___| |__   ___        _ __ ___  _   _| |_ ___ _ __
 / _ / __| '_ \ / _ \ _____| '__/ _ \| | | | __/ _ \ '__|
|  __\__ \ | | | (_) |_____| | | (_) | |_| | ||  __/ |
 \___|___/_| |_|\___/      |_|  \___/ \__,_|\__\___|_|
`

// shutdownTimeout bounds how long in-flight jobs may run after a stop signal.
const shutdownTimeout = 30 * time.Second

// getDataPath returns the echo-router data directory.
// Priority: XDG_DATA_HOME/echo-router > ~/.local/share/echo-router
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "echo-router")
}

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = run()
	case "init":
		err = runInit(os.Stdin)
	default:
		err = fmt.Errorf("unknown command %q (want serve or init)", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	bodies, err := store.NewFileStore(cfg.Storage.ConversationsDir)
	if err != nil {
		return fmt.Errorf("opening conversation storage: %w", err)
	}

	events := conversation.NewStatusBroadcaster(logger)
	defer events.Close()
	manager := conversation.NewManager(events, logger)

	threads, err := st.ListConversationThreads(ctx)
	if err != nil {
		return fmt.Errorf("loading known threads: %w", err)
	}
	manager.Seed(threads)

	m := metrics.New(manager.Len)

	echo := flags.NewEcho(st, logger)
	if err := echo.Load(ctx); err != nil {
		return err
	}
	reels := flags.NewReelMonitor(st, logger)
	if err := reels.Load(ctx); err != nil {
		return err
	}

	logger.Info("routing state loaded",
		"known_threads", len(threads),
		"echo_channels", echo.Count())

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	client.DeviceID = whoami.DeviceID

	if cfg.Matrix.RecoveryKey != "" {
		crypto, err := setupCrypto(ctx, client, cfg.Matrix.RecoveryKey, getDataPath(), logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer crypto.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	mx := platform.NewMatrix(client, platform.Options{
		SendRate:  cfg.Matrix.SendRate,
		SendBurst: cfg.Matrix.SendBurst,
		Logger:    logger,
	})

	tokens := runner.NewTokenSource([]byte(cfg.Gateway.JWTSecret), cfg.Matrix.UserID, cfg.Gateway.TokenTTL)
	gateway := runner.NewGatewayClient(cfg.Gateway.URL, tokens, nil)
	jobs := runner.New(gateway, mx, bodies, runner.Config{AgentID: cfg.Gateway.AgentID}, logger)

	dispatcher := dispatch.New(manager, jobs, dispatch.Options{
		JobTimeout: cfg.Router.JobTimeout,
		Observer:   m,
		Logger:     logger,
	})

	loader := conversation.NewLoader(st, bodies, manager, m, logger)
	window := dedupe.New(cfg.Router.DedupeTTL, cfg.Router.DedupeSize)

	controller := router.NewController(router.ControllerConfig{
		Acknowledgement:  cfg.Router.Acknowledgement,
		ThreadNameFormat: cfg.Router.ThreadNameFormat,
	}, router.Deps{
		Filter:     router.NewFilter(manager, loader, echo, reels, st, logger),
		Manager:    manager,
		Loader:     loader,
		Dispatcher: dispatcher,
		Store:      st,
		Bodies:     bodies,
		Echo:       echo,
		Platform:   mx,
		Dedupe:     window,
		Observer:   m,
		Logger:     logger,
	})
	commands := router.NewCommands(manager, echo, st, logger)

	listener := platform.NewListener(client, mx, controller, commands, platform.ListenerConfig{
		UserID:        cfg.Matrix.UserID,
		DisplayName:   cfg.Matrix.DisplayName,
		CommandPrefix: cfg.Router.CommandPrefix,
		AllowedRooms:  cfg.Matrix.AllowedRooms,
	}, logger)

	go window.Run(ctx)
	go controller.RunEvictor(ctx, cfg.Router.IdleTimeout)
	go platform.NewTypingNotifier(events, mx, logger).Run(ctx)

	if cfg.Metrics.Enabled {
		srv := startMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("echo-router running")
	runErr := listener.Run(ctx, client)

	logger.Info("waiting for in-flight jobs")
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := dispatcher.Wait(waitCtx); err != nil {
		logger.Warn("in-flight jobs did not finish before shutdown", "error", err)
	}

	return runErr
}

func startMetrics(addr, path string, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
