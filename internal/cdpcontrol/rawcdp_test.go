package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fakeBrowser serves /json/version, /json/list and a CDP WebSocket. The one
// page target holds a document with a single #claim button; it answers the
// session commands chromedp needs to attach, query, script and click.
type fakeBrowser struct {
	mu      sync.Mutex
	methods []string
	scripts []string
	mouse   []string
}

const (
	fakeTargetID  = "T1"
	fakeSessionID = "S1"
	fakeFrameID   = "F1"
)

type cdpRequest struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (f *fakeBrowser) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "Chrome/140.0",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/test",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": fakeTargetID, "type": "page", "url": "https://bonus.example/"},
		})
	})
	mux.HandleFunc("/devtools/browser/test", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var req cdpRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Errorf("unmarshal request: %v", err)
				return
			}
			f.mu.Lock()
			f.methods = append(f.methods, req.Method)
			f.mu.Unlock()

			if req.Method == "Browser.close" {
				return
			}
			for _, msg := range f.reply(req) {
				out, _ := json.Marshal(msg)
				if err := wsutil.WriteServerText(conn, out); err != nil {
					return
				}
			}
		}
	})
	return mux
}

// reply returns the messages sent back for req: optional events followed by
// the response.
func (f *fakeBrowser) reply(req cdpRequest) []map[string]any {
	var events []map[string]any
	var result any = map[string]any{}

	switch req.Method {
	case "Browser.getVersion":
		result = map[string]string{"product": "Chrome/140.0", "protocolVersion": "1.3"}
	case "Target.attachToTarget":
		result = map[string]string{"sessionId": fakeSessionID}
	case "Target.detachFromTarget", "Target.closeTarget":
	case "Runtime.enable":
		events = append(events, map[string]any{
			"method":    "Runtime.executionContextCreated",
			"sessionId": fakeSessionID,
			"params": map[string]any{
				"context": map[string]any{
					"id": 1, "origin": "https://bonus.example", "name": "", "uniqueId": "ctx-1",
					"auxData": map[string]any{"frameId": fakeFrameID, "isDefault": true, "type": "default"},
				},
			},
		})
	case "Runtime.evaluate":
		result = map[string]any{"result": map[string]any{"type": "object", "className": "Window"}}
	case "Page.getFrameTree":
		result = map[string]any{"frameTree": map[string]any{"frame": map[string]any{
			"id": fakeFrameID, "loaderId": "L1", "url": "https://bonus.example/",
			"securityOrigin": "https://bonus.example", "mimeType": "text/html",
		}}}
	case "DOM.getDocument":
		result = map[string]any{"root": map[string]any{
			"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document",
			"localName": "", "nodeValue": "", "frameId": fakeFrameID,
			"children": []any{map[string]any{
				"nodeId": 2, "parentId": 1, "backendNodeId": 2, "nodeType": 1, "nodeName": "BUTTON",
				"localName": "button", "nodeValue": "", "attributes": []string{"id", "claim"},
				"frameId": fakeFrameID,
			}},
		}}
	case "DOM.querySelector":
		var p struct {
			Selector string `json:"selector"`
		}
		_ = json.Unmarshal(req.Params, &p)
		id := 0
		if p.Selector == "#claim" {
			id = 2
		}
		result = map[string]int{"nodeId": id}
	case "DOM.resolveNode":
		result = map[string]any{"object": map[string]any{"type": "object", "objectId": "obj-2"}}
	case "DOM.getContentQuads":
		result = map[string]any{"quads": [][]float64{{10, 10, 30, 10, 30, 20, 10, 20}}}
	case "Input.dispatchMouseEvent":
		var p struct {
			Type string  `json:"type"`
			X    float64 `json:"x"`
			Y    float64 `json:"y"`
		}
		_ = json.Unmarshal(req.Params, &p)
		f.mu.Lock()
		f.mouse = append(f.mouse, fmt.Sprintf("%s@%g,%g", p.Type, p.X, p.Y))
		f.mu.Unlock()
	case "Runtime.callFunctionOn":
		var p struct {
			FunctionDeclaration string `json:"functionDeclaration"`
		}
		_ = json.Unmarshal(req.Params, &p)
		f.mu.Lock()
		f.scripts = append(f.scripts, p.FunctionDeclaration)
		f.mu.Unlock()
		if strings.Contains(p.FunctionDeclaration, "innerText") {
			result = map[string]any{"result": map[string]any{"type": "string", "value": "Claim"}}
		} else {
			result = map[string]any{"result": map[string]any{"type": "boolean", "value": true}}
		}
	default:
		if req.SessionID == "" {
			return []map[string]any{{"id": req.ID, "error": map[string]string{"message": "unknown method"}}}
		}
	}

	resp := map[string]any{"id": req.ID, "result": result}
	if req.SessionID != "" {
		resp["sessionId"] = req.SessionID
	}
	return append(events, resp)
}

func (f *fakeBrowser) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeBrowser) scriptCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

func (f *fakeBrowser) mouseEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mouse...)
}

func (f *fakeBrowser) called(method string) bool {
	for _, m := range f.calls() {
		if m == method {
			return true
		}
	}
	return false
}

func TestBrowserConnVersionAndClose(t *testing.T) {
	fb := &fakeBrowser{}
	srv := httptest.NewServer(fb.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialBrowser(ctx, srv.URL+"/")
	if err != nil {
		t.Fatalf("DialBrowser() error = %v", err)
	}
	defer conn.Close()

	v, err := conn.Version(ctx)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v.Product != "Chrome/140.0" {
		t.Fatalf("Product = %q; want %q", v.Product, "Chrome/140.0")
	}

	if err := conn.CloseBrowser(ctx); err != nil {
		t.Fatalf("CloseBrowser() error = %v", err)
	}

	got := fb.calls()
	if len(got) != 2 || got[0] != "Browser.getVersion" || got[1] != "Browser.close" {
		t.Fatalf("methods = %v; want [Browser.getVersion Browser.close]", got)
	}
}

func TestBrowserConnSurfacesProtocolErrors(t *testing.T) {
	fb := &fakeBrowser{}
	srv := httptest.NewServer(fb.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialBrowser(ctx, srv.URL)
	if err != nil {
		t.Fatalf("DialBrowser() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.send(ctx, "Browser.crash", nil); err == nil {
		t.Fatal("send() = nil; want protocol error")
	}
}

func TestBrowserWSURLRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := BrowserWSURL(context.Background(), srv.URL); err == nil {
		t.Fatal("BrowserWSURL() = nil; want error")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	conn := &BrowserConn{pending: map[int64]chan json.RawMessage{}}
	if _, err := conn.send(context.Background(), "Browser.getVersion", nil); err == nil {
		t.Fatal("send() = nil; want not connected error")
	}
}
