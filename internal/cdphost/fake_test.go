package cdphost

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeRequest struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`
}

// fakeBrowser answers CDP commands over a real WebSocket. handle returns
// either a result value or an error message.
type fakeBrowser struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(req fakeRequest) (any, string)

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
	methods []string
	targets []map[string]string
}

func newFakeBrowser(t *testing.T, handle func(fakeRequest) (any, string)) *fakeBrowser {
	t.Helper()
	f := &fakeBrowser{t: t, handle: handle}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer conn.Close()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req fakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		f.mu.Unlock()

		resp := map[string]any{"id": req.ID}
		result, errMsg := f.handle(req)
		if errMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			if result == nil {
				result = map[string]any{}
			}
			resp["result"] = result
		}
		f.write(resp)
	}
}

func (f *fakeBrowser) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal fake frame: %v", err)
		return
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		f.t.Errorf("fake browser has no connection")
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

// event pushes a CDP event to the client.
func (f *fakeBrowser) event(sessionID, method string, params any) {
	f.write(map[string]any{"method": method, "sessionId": sessionID, "params": params})
}

func (f *fakeBrowser) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.methods {
		if m == method {
			n++
		}
	}
	return n
}

// evalValue wraps a script's string result the way Runtime.evaluate does.
func evalValue(s string) map[string]any {
	return map[string]any{"result": map[string]any{"type": "string", "value": s}}
}

func expression(t *testing.T, req fakeRequest) string {
	t.Helper()
	var p struct {
		Expression string `json:"expression"`
	}
	_ = json.Unmarshal(req.Params, &p)
	return p.Expression
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
