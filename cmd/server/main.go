package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pagepilot-mcp-server/internal/bridge"
	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/content"
	"pagepilot-mcp-server/internal/dom"
	"pagepilot-mcp-server/internal/mangle"
	mcpserver "pagepilot-mcp-server/internal/mcp"
	"pagepilot-mcp-server/internal/recorder"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file layered over the workspace config")
	ssePort := flag.Int("sse-port", 0, "Serve MCP over SSE on this port instead of stdio")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as the workspace root instead of searching upward")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .pagepilot workspace discovery")
	initWorkspace := flag.Bool("init", false, "Create a .pagepilot workspace in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		root, err := os.Getwd()
		if err == nil {
			err = config.InitWorkspace(root)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "init workspace: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "created %s\n", filepath.Join(root, config.WorkspaceDirName))
		return
	}

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	logger, err := newLogger(cfg.Server, cfg.MCP.SSEPort == 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if wsDir != "" {
		logger.Info("workspace loaded", zap.String("dir", wsDir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// app holds every component so they can be shut down in order.
type app struct {
	journal    *mangle.Engine
	recorder   *recorder.Recorder
	sessions   *browser.SessionManager
	bridge     *bridge.Bridge
	controller *browser.Controller
	server     *mcpserver.Server
	logger     *zap.Logger
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if cfg.Browser.AutoStart {
		if err := a.start(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("browser auto-start disabled; tools fail until a browser is attached")
	}

	var serveErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		serveErr = a.server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting MCP stdio server")
		serveErr = a.server.Start(ctx)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// build wires the components without touching the browser.
func build(cfg config.Config, logger *zap.Logger) (*app, error) {
	journal, err := mangle.NewEngine(cfg.Mangle, logger)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	watchDerived(journal, logger)

	rec, err := recorder.New(cfg.Recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}

	events := browser.NewEventLog(0, journal, logger)
	sessions := browser.NewSessionManager(cfg.Browser, events, logger)

	a := &app{journal: journal, recorder: rec, sessions: sessions, logger: logger}

	var registry *browser.Registry
	var lib *browser.PlaywrightLibrary
	a.bridge = bridge.New(bridge.Options{
		ReadyTimeout:   cfg.Bridge.GetReadyTimeout(),
		DefaultTimeout: cfg.Bridge.GetDefaultTimeout(),
		StopTimeout:    cfg.Bridge.GetStopTimeout(),
		AbandonGrace:   cfg.Bridge.GetAbandonGrace(),
		LockOSThread:   cfg.Bridge.ShouldLockOSThread(),
		Init: func(ctx context.Context) error {
			var err error
			lib, err = browser.ConnectPlaywright(sessions.ControlURL(), browser.PlaywrightTimeouts{
				Connect:    cfg.Bridge.GetReadyTimeout(),
				Action:     cfg.Bridge.GetActionTimeout(),
				Navigation: cfg.Browser.NavigationTimeout(),
			}, logger)
			if err != nil {
				return err
			}
			registry.Attach(lib)
			return nil
		},
		Shutdown: func() {
			registry.Detach()
			lib.Close()
		},
	}, logger)

	registry = browser.NewRegistry(a.bridge, sessions, browser.RegistryOptions{
		LookupTimeout:     cfg.Bridge.GetQuickTimeout(),
		NavigationTimeout: cfg.Browser.NavigationTimeout(),
	}, logger)
	sessions.OnTargetClosed(registry.Evict)

	width, height := cfg.Stability.DefaultViewport()
	pipeline := browser.NewPipeline(sessions, dom.NewService(logger), events, rec, browser.PipelineOptions{
		Stability: browser.StabilityOptions{
			MaxNetworkWait: cfg.Stability.GetMaxNetworkWait(),
			PollInterval:   cfg.Stability.GetPollInterval(),
			DOMQuietPeriod: cfg.Stability.GetDOMQuietPeriod(),
			MaxDOMWait:     cfg.Stability.GetMaxDOMWait(),
		},
		EnrichmentTimeout: cfg.Stability.GetEnrichmentTimeout(),
		ViewportWidth:     width,
		ViewportHeight:    height,
	}, logger)

	pdf := browser.NewPDFWriter(sessions, events, cfg.Browser.DownloadsPath,
		cfg.Bridge.GetPDFTimeout(), cfg.Bridge.GetQuickTimeout(), logger)

	executor := browser.NewExecutor(a.bridge, registry, sessions, pipeline, pdf, events, rec, browser.ExecutorOptions{
		LocatorTimeout:    cfg.Bridge.GetLocatorTimeout(),
		ActionTimeout:     cfg.Bridge.GetActionTimeout(),
		NavigationTimeout: cfg.Browser.NavigationTimeout(),
	}, logger)

	a.controller = browser.NewController(sessions, sessions, registry, pipeline, executor, logger)

	a.server, err = mcpserver.NewServer(cfg, a.controller, journal, content.NewExtractor(logger), logger)
	if err != nil {
		return nil, fmt.Errorf("mcp server: %w", err)
	}
	return a, nil
}

// start connects the browser, then brings up the bridge worker attached to it.
func (a *app) start(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	if err := a.recorder.Start(uuid.NewString()); err != nil {
		a.logger.Warn("flight recorder disabled", zap.Error(err))
	}
	if err := a.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	return nil
}

// shutdown stops the bridge before the browser it is attached to.
func (a *app) shutdown() {
	if err := a.bridge.Stop(); err != nil {
		a.logger.Warn("bridge stop", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sessions.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("browser shutdown", zap.Error(err))
	}
	if err := a.recorder.Close(); err != nil {
		a.logger.Warn("recorder close", zap.Error(err))
	}
}

// watchDerived logs derived diagnostics as they appear.
func watchDerived(journal *mangle.Engine, logger *zap.Logger) {
	ch := make(chan mangle.WatchEvent, 16)
	for _, predicate := range []string{"repeated_failure", "stale_index_hint", "page_error"} {
		journal.Subscribe(predicate, ch)
	}
	go func() {
		seen := map[string]bool{}
		for ev := range ch {
			for _, f := range ev.Facts {
				key := fmt.Sprintf("%s%v", f.Predicate, f.Args)
				if seen[key] {
					continue
				}
				seen[key] = true
				logger.Warn("journal diagnostic", zap.String("predicate", f.Predicate), zap.Any("args", f.Args))
			}
		}
	}()
}
