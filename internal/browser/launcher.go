// Package browser starts a local Chromium with remote debugging enabled and
// opens the pages to capture in it.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/chromedp/chromedp"
)

const readyTimeout = 15 * time.Second

// Config holds browser launch configuration.
type Config struct {
	Address    string
	Port       int
	ProfileDir string
	// StartURL is loaded in the first tab. Empty opens about:blank.
	StartURL   string
	Headless   bool
	WindowSize string
	// Binary overrides browser detection.
	Binary string
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
	cmd    *exec.Cmd
	exited chan struct{}
}

func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1920,1080"
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// CDPURL is the browser's remote debugging HTTP endpoint.
func (l *Launcher) CDPURL() string {
	return "http://" + net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port))
}

func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("browser: no supported browser found (tried %v)", candidates)
}

func portInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// args builds the command line. Canvas capture needs timers and media to
// keep running while the window is in the background.
func (l *Launcher) args() []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.cfg.Port),
		fmt.Sprintf("--remote-debugging-address=%s", l.cfg.Address),
		fmt.Sprintf("--user-data-dir=%s", l.cfg.ProfileDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--autoplay-policy=no-user-gesture-required",
		fmt.Sprintf("--window-size=%s", l.cfg.WindowSize),
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	start := l.cfg.StartURL
	if start == "" {
		start = "about:blank"
	}
	return append(args, start)
}

// Launch starts the browser unless something already listens on the
// debugging port, then waits for the endpoint.
func (l *Launcher) Launch(ctx context.Context) error {
	if portInUse(l.cfg.Address, l.cfg.Port) {
		l.logger.Info("browser already running, skipping launch", "address", l.cfg.Address, "port", l.cfg.Port)
		return nil
	}

	path := l.cfg.Binary
	if path == "" {
		var err error
		if path, err = detectBrowser(); err != nil {
			return err
		}
	}
	l.logger.Info("detected browser", "path", path)

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("browser: create profile dir: %w", err)
	}

	l.cmd = exec.Command(path, l.args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("browser: start: %w", err)
	}
	l.exited = make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(l.exited)
	}()
	l.logger.Info("browser process started", "pid", l.cmd.Process.Pid)

	if err := waitForCDP(ctx, l.CDPURL(), readyTimeout); err != nil {
		l.Stop()
		return fmt.Errorf("browser: waiting for CDP: %w", err)
	}
	l.logger.Info("CDP endpoint ready", "url", l.CDPURL())
	return nil
}

// waitForCDP polls /json/version until it answers.
func waitForCDP(ctx context.Context, base string, timeout time.Duration) error {
	url := base + "/json/version"
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", timeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser that is still up.
func (l *Launcher) Running() bool {
	if l.exited == nil {
		return false
	}
	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}

// Stop terminates the browser with SIGTERM, falling back to SIGKILL.
func (l *Launcher) Stop() {
	if !l.Running() {
		return
	}
	pid := l.cmd.Process.Pid
	l.logger.Info("stopping browser", "pid", pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-l.exited:
		l.logger.Info("browser stopped gracefully", "pid", pid)
	case <-time.After(5 * time.Second):
		l.logger.Warn("browser did not exit, sending SIGKILL", "pid", pid)
		_ = l.cmd.Process.Kill()
		<-l.exited
	}
}

// OpenPage opens url in a new tab of the browser at cdpURL and returns the
// tab's target id. The tab stays open until closeTab is called.
func OpenPage(ctx context.Context, cdpURL, url string) (targetID string, closeTab func(), err error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	closeTab = func() {
		tabCancel()
		allocCancel()
	}

	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	if err := chromedp.Run(tabCtx); err != nil {
		closeTab()
		return "", nil, fmt.Errorf("browser: new tab: %w", err)
	}
	navCtx, cancel := context.WithTimeout(tabCtx, readyTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		closeTab()
		return "", nil, fmt.Errorf("browser: open %s: %w", url, err)
	}
	return string(chromedp.FromContext(tabCtx).Target.TargetID), closeTab, nil
}
