package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/canvas_capture/internal/api"
	"github.com/dgnsrekt/canvas_capture/internal/artifact"
	"github.com/dgnsrekt/canvas_capture/internal/attach"
	"github.com/dgnsrekt/canvas_capture/internal/browser"
	"github.com/dgnsrekt/canvas_capture/internal/cdphost"
	"github.com/dgnsrekt/canvas_capture/internal/config"
	"github.com/dgnsrekt/canvas_capture/internal/controller"
	"github.com/dgnsrekt/canvas_capture/internal/netutil"
	"github.com/dgnsrekt/canvas_capture/internal/notify"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
	"github.com/dgnsrekt/canvas_capture/internal/remux"
	"github.com/dgnsrekt/canvas_capture/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("canvascapd config loaded",
		"cdp_url", cfg.CDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"bind_addr", cfg.BindAddr,
		"bind_auto_fallback", cfg.BindAutoFallback,
		"bind_candidates", cfg.BindCandidates,
		"bind_port_span", cfg.BindPortSpan,
		"tab_url_filter", cfg.TabURLFilter,
		"pages_config", cfg.PagesConfigPath,
		"data_dir", cfg.DataDir,
		"journal_dir", cfg.JournalDir,
		"remux_assets", cfg.RemuxAssets,
		"poll_interval_ms", cfg.PollIntervalMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	sel, err := netutil.Select(netutil.Plan{
		Preferred:    cfg.BindAddr,
		Candidates:   cfg.BindCandidates,
		Span:         cfg.BindPortSpan,
		AutoFallback: cfg.BindAutoFallback,
	})
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	if sel.Fallback {
		slog.Warn("preferred bind address busy, using fallback", "preferred", cfg.BindAddr, "addr", sel.Addr, "busy", sel.Busy)
	}
	bindAddr := sel.Addr

	if err := run(cfg, bindAddr); err != nil {
		slog.Error("canvascapd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, bindAddr string) error {
	ctx := context.Background()
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			Address:    cfg.CDPAddress,
			Port:       cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
			Binary:     cfg.BrowserBinary,
		}, slog.Default())
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	var journal *relay.Journal
	if cfg.JournalDir != "" {
		j, err := relay.NewJournal(cfg.JournalDir, 0, cfg.JournalMaxMB, slog.Default())
		if err != nil {
			return err
		}
		journal = j
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
		}()
	}

	broker := relay.NewBroker()
	hub := relay.NewHub(relay.Options{
		Journal: journal,
		Background: func(msg protocol.Message) {
			if msg.Command == protocol.CmdDisplay {
				broker.PublishJSON(msg.TabID, "display", map[string]bool{"capturing": msg.Capturing})
			}
		},
	})

	if err := os.MkdirAll(filepath.Dir(cfg.SettingsDB), 0o755); err != nil {
		return err
	}
	store, err := settings.Open(ctx, cfg.SettingsDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("settings store close failed", "error", err)
		}
	}()

	defaults, err := settings.LoadDefaults(cfg.DefaultsFile)
	if err != nil {
		slog.Warn("capture defaults not loaded, using built-in values", "path", cfg.DefaultsFile, "error", err)
	}

	exports, err := artifact.NewStore(cfg.ExportsDir, slog.Default())
	if err != nil {
		return err
	}

	ctrlOpts := controller.Options{
		Defaults:  defaults,
		Settings:  store,
		Publisher: broker,
		Exporter:  exports,
	}
	if cfg.NtfyEndpoint != "" {
		ctrlOpts.Notifier = &notify.Webhook{Endpoint: cfg.NtfyEndpoint, Client: httpClient}
	}
	if cfg.RemuxAssets != "" {
		ctrlOpts.Remux = &remux.Options{Fetcher: remux.NewFetcher(cfg.RemuxAssets, httpClient)}
	}

	host := cdphost.New(cdphost.Options{
		HTTPBase:     cfg.CDPURL(),
		Hub:          hub,
		PollInterval: cfg.PollInterval(),
		Debounce:     cfg.Debounce(),
	})
	if err := host.Connect(ctx); err != nil {
		return err
	}
	defer host.Close()

	svc := controller.NewService(hub)
	defer svc.Close()

	cdpURL := cfg.CDPURL()
	mgr := attach.NewManager(attach.Options{
		Browser:    attach.FromHost(host),
		Hub:        hub,
		Service:    svc,
		Controller: ctrlOpts,
		URLFilter:  cfg.TabURLFilter,
		Open: func(ctx context.Context, url string) (string, func(), error) {
			return browser.OpenPage(ctx, cdpURL, url)
		},
	})
	defer mgr.Close()

	n, err := mgr.AttachMatching(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Warn("no pages attached at startup", "tab_url_filter", cfg.TabURLFilter)
	}
	openStartupPages(ctx, mgr, cfg.PagesConfigPath)

	h := api.NewServer(svc, api.Options{
		Exports: exports,
		Pages:   mgr,
		Broker:  broker,
		Hub:     hub,
	})
	srv := &http.Server{Addr: bindAddr, Handler: h}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("canvascapd listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs", "tabs", len(mgr.Tabs()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-host.Done():
		slog.Warn("browser connection lost, shutting down")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	return runErr
}

// openStartupPages opens every page listed in the pages file. A missing
// file is not an error.
func openStartupPages(ctx context.Context, mgr *attach.Manager, path string) {
	pages, err := config.LoadPages(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("pages config not loaded", "path", path, "error", err)
		return
	}
	for _, p := range pages.Pages {
		info, err := mgr.Open(ctx, p.URL)
		if err != nil {
			slog.Error("failed to open startup page", "url", p.URL, "error", err)
			continue
		}
		slog.Info("opened startup page", "url", p.URL, "tab", info.TabID)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
