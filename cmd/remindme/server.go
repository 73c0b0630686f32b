package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/remindme/internal/api"
	"github.com/kalambet/remindme/internal/chat"
	"github.com/kalambet/remindme/internal/config"
	"github.com/kalambet/remindme/internal/confirm"
	"github.com/kalambet/remindme/internal/identity"
	"github.com/kalambet/remindme/internal/metrics"
	"github.com/kalambet/remindme/internal/notify"
	"github.com/kalambet/remindme/internal/reminder"
	"github.com/kalambet/remindme/internal/scheduler"
	"github.com/kalambet/remindme/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remindme server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running remindme server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remindme server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "remindme.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// runner is a scheduler driver's firing loop.
type runner interface {
	Run(ctx context.Context) error
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting remindme", "version", version)

	created, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	if created {
		logger.Info("generated API bearer token and saved it to the secret store")
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("remindme is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("remindme is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()
	versions, err := store.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	logger.Info("storage ready", "data_dir", cfg.Storage.DataDir, "migrations", versions)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(reg)

	var (
		sender   notify.ChatSender
		telegram *notify.Telegram
	)
	if cfg.Telegram.BotToken != "" {
		telegram = notify.NewTelegram(cfg.Telegram.BaseURL, cfg.Telegram.BotToken)
		sender = telegram
	} else {
		logger.Warn("telegram.bot_token not set; outbound messages are only logged")
		sender = notify.LogSender{Logger: logger}
	}
	deliverer := notify.NewChatDeliverer(sender, store, m)

	// The driver needs the engine's Fire and the engine needs the driver.
	var eng *reminder.Engine
	fire := func(ctx context.Context, t scheduler.Trigger) { eng.Fire(ctx, t) }

	var (
		driver scheduler.Driver
		loop   runner
	)
	switch cfg.Scheduler.Driver {
	case config.DriverPoll:
		d := scheduler.NewPollDriver(store, fire, cfg.Scheduler.PollInterval)
		driver, loop = d, d
	default:
		d := scheduler.NewTimerDriver(fire)
		driver, loop = d, d
	}

	eng, err = reminder.New(reminder.Options{
		Store:            store,
		Driver:           driver,
		Deliverer:        deliverer,
		Confirmations:    confirm.NewTracker(cfg.Confirm.Capacity, cfg.Confirm.TTL),
		Location:         cfg.Location(),
		FollowUpInterval: cfg.Scheduler.FollowUpInterval,
		Metrics:          m,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	armed, err := eng.Rearm(ctx)
	if err != nil {
		return fmt.Errorf("re-arming triggers: %w", err)
	}
	logger.Info("triggers armed", "count", armed, "driver", cfg.Scheduler.Driver)

	owners, err := identity.NewResolver(store, identity.DefaultCacheSize)
	if err != nil {
		return fmt.Errorf("building identity resolver: %w", err)
	}
	chatHandler := chat.NewHandler(eng, owners, deliverer, sender, cfg.Telegram.AutoRegister)

	deps := api.Deps{
		Reminders:     eng,
		Owners:        owners,
		Records:       store,
		Gatherer:      reg,
		Token:         cfg.API.Token,
		WebhookSecret: cfg.Telegram.WebhookSecret,
		Logger:        logger,
	}
	// Poll mode reads updates itself; the webhook route is only mounted
	// when Telegram pushes to us.
	if telegram != nil && !cfg.Telegram.Poll {
		deps.Updates = chatHandler
	}
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(gctx) })

	if telegram != nil && cfg.Telegram.Poll {
		poller := chat.NewPoller(telegram, chatHandler, 0)
		g.Go(func() error { return poller.Run(gctx) })
	}

	if cfg.MCP.Enabled {
		stdio := mcpserver.NewStdioServer(api.NewMCPServer(api.MCPDeps{Reminders: eng, Version: version}))
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		printStep("remindme listening on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("remindme is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop remindme (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to remindme (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL(cfg) + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s", cfg.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Driver", "%s", cfg.Scheduler.Driver)
	printStatus("Follow-up", "%s", cfg.Scheduler.FollowUpInterval)
	printStatus("Timezone", "%s", cfg.Timezone)
	if cfg.Telegram.BotToken != "" {
		mode := "webhook"
		if cfg.Telegram.Poll {
			mode = "polling"
		}
		printStatus("Telegram", "%s", mode)
	} else {
		printStatus("Telegram", "not configured")
	}

	if running && cfg.API.Token != "" {
		c := &apiClient{baseURL: serverURL(cfg), token: cfg.API.Token, httpClient: client}
		jobsResp, err := c.get(context.Background(), "/jobs")
		if err == nil {
			var jobs []api.JobView
			if decodeJSON(jobsResp, &jobs) == nil {
				printStatus("Pending jobs", "%d", len(jobs))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
