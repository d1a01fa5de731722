//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

var env *Env

// Env holds shared state for all integration tests.
type Env struct {
	BaseURL string
	Client  *http.Client
	TabID   int // tab opened on the demo page in TestMain
}

// demoPage draws a moving square so the recorder always has frames.
const demoPage = `<!doctype html><html><body>
<canvas id="c" width="320" height="240"></canvas>
<script>
const ctx = document.getElementById("c").getContext("2d");
let x = 0;
setInterval(() => {
  ctx.fillStyle = "#000"; ctx.fillRect(0, 0, 320, 240);
  ctx.fillStyle = "#0f0"; ctx.fillRect(x, 100, 40, 40);
  x = (x + 4) % 320;
}, 33);
</script></body></html>`

type tabInfo struct {
	TabID    int    `json:"tab_id"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
}

// openDemoPage opens the demo canvas page and records its tab id.
func (e *Env) openDemoPage() error {
	body, err := json.Marshal(map[string]string{"url": "data:text/html," + url.PathEscape(demoPage)})
	if err != nil {
		return err
	}
	resp, err := e.Client.Post(e.BaseURL+"/api/v1/pages/open", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("integration: canvascapd not reachable at %s: %w", e.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("integration: open demo page: status %d: %s", resp.StatusCode, b)
	}
	var info tabInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return err
	}
	e.TabID = info.TabID
	return nil
}

func (e *Env) closeDemoPage() {
	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/tabs/%d", e.BaseURL, e.TabID), nil)
	if resp, err := e.Client.Do(req); err == nil {
		resp.Body.Close()
	}
}

func TestMain(m *testing.M) {
	baseURL := os.Getenv("CANVASCAPD_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8190"
	}

	env = &Env{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}

	if err := env.openDemoPage(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "integration: using tab %d at %s\n", env.TabID, env.BaseURL)

	code := m.Run()
	env.closeDemoPage()
	os.Exit(code)
}

// --- HTTP helpers ---

func (e *Env) GET(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.Client.Get(e.BaseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *Env) PUT(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPut, path, body)
}

func (e *Env) POST(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *Env) DELETE(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodDelete, path, nil)
}

func (e *Env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("%s %s: marshal body: %v", method, path, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.BaseURL+path, r)
	if err != nil {
		t.Fatalf("%s %s: new request: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func requireField[T comparable](t *testing.T, got, want T, name string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

// eventually polls fn until it reports true or the deadline passes.
func eventually(t *testing.T, what string, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Tab path helper ---

func (e *Env) tabPath(suffix string) string {
	return fmt.Sprintf("/api/v1/tabs/%d/%s", e.TabID, suffix)
}
