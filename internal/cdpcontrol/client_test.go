package cdpcontrol

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

func TestListPageTargetsFiltersNonPages(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/json/list" {
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(``))}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body: io.NopCloser(strings.NewReader(`[
				{"id":"sw-1","type":"service_worker","url":"https://video.a2e.ai/sw.js"},
				{"id":"page-1","type":"page","url":"https://video.a2e.ai/"},
				{"id":"page-2","type":"page","url":"about:blank"}
			]`)),
		}, nil
	}))

	pages, err := listPageTargets(context.Background(), "http://127.0.0.1:9222")
	if err != nil {
		t.Fatalf("listPageTargets() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d; want 2", len(pages))
	}
	if pages[0].ID != "page-1" {
		t.Fatalf("pages[0].ID = %q; want page-1", pages[0].ID)
	}
}

func TestListPageTargetsHTTPError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(strings.NewReader(`oops`))}, nil
	}))

	if _, err := listPageTargets(context.Background(), "http://127.0.0.1:9222"); err == nil {
		t.Fatal("listPageTargets() = nil; want error")
	}
}

func TestConnectWrapsListTargetsError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}))

	c := NewClient("http://127.0.0.1:9222", "", time.Second)
	err := c.Connect(context.Background())
	if !HasCode(err, CodeBrowserUnavailable) {
		t.Fatalf("Connect() error = %v; want %s", err, CodeBrowserUnavailable)
	}
}

func TestPickPage(t *testing.T) {
	pages := []pageTarget{
		{ID: "devtools", URL: "devtools://devtools/bundled/inspector.html"},
		{ID: "news", URL: "https://news.example.com/"},
		{ID: "bonus", URL: "https://video.a2e.ai/home"},
	}
	tests := []struct {
		name   string
		pages  []pageTarget
		filter string
		want   string
		ok     bool
	}{
		{name: "filter match", pages: pages, filter: "video.a2e.ai", want: "bonus", ok: true},
		{name: "no filter skips devtools", pages: pages, want: "news", ok: true},
		{name: "filter miss falls back", pages: pages, filter: "nowhere", want: "news", ok: true},
		{name: "only devtools", pages: pages[:1], ok: false},
		{name: "empty", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickPage(tt.pages, tt.filter)
			if ok != tt.ok {
				t.Fatalf("pickPage() ok = %v; want %v", ok, tt.ok)
			}
			if ok && string(got.ID) != tt.want {
				t.Fatalf("pickPage() = %q; want %q", got.ID, tt.want)
			}
		})
	}
}

func TestUnconnectedClientFailsFast(t *testing.T) {
	c := NewClient("http://127.0.0.1:9222", "", time.Second)
	ctx := context.Background()

	if err := c.Navigate(ctx, "https://example.com"); !HasCode(err, CodeAutomationFailure) {
		t.Fatalf("Navigate() error = %v; want %s", err, CodeAutomationFailure)
	}
	if _, err := c.Find(ctx, "button", 0); !HasCode(err, CodeAutomationFailure) {
		t.Fatalf("Find() error = %v; want %s", err, CodeAutomationFailure)
	}
	if c.IsVisible(ctx, "div", 0) {
		t.Fatal("IsVisible() = true; want false")
	}
	if err := c.ClickViaScript(ctx, Element{Selector: "button"}); !HasCode(err, CodeElementNotFound) {
		t.Fatalf("ClickViaScript() error = %v; want %s", err, CodeElementNotFound)
	}
	if _, err := c.FindWithin(ctx, Element{Selector: "div"}, "span", 0); !HasCode(err, CodeElementNotFound) {
		t.Fatalf("FindWithin() error = %v; want %s", err, CodeElementNotFound)
	}
}

func TestWrapAutomationKeepsCodedErrors(t *testing.T) {
	coded := newError(CodeElementNotFound, "missing", nil)
	if got := wrapAutomation("ignored", coded); got != coded {
		t.Fatalf("wrapAutomation() = %v; want original coded error", got)
	}
	plain := errors.New("socket closed")
	got := wrapAutomation("navigate failed", plain)
	if !HasCode(got, CodeAutomationFailure) || !errors.Is(got, plain) {
		t.Fatalf("wrapAutomation() = %v; want AUTOMATION_FAILURE wrapping cause", got)
	}
}

func TestTabFilterFor(t *testing.T) {
	if got := TabFilterFor("https://video.a2e.ai/path?q=1"); got != "video.a2e.ai" {
		t.Fatalf("TabFilterFor() = %q; want video.a2e.ai", got)
	}
	if got := TabFilterFor("::bad"); got != "" {
		t.Fatalf("TabFilterFor(bad) = %q; want empty", got)
	}
}

func TestCodedErrorFormatting(t *testing.T) {
	err := NewError(CodeDialogTimeout, "claim dialog did not show up", errors.New("deadline"))
	if got, want := err.Error(), "DIALOG_TIMEOUT: claim dialog did not show up: deadline"; got != want {
		t.Fatalf("Error() = %q; want %q", got, want)
	}
	if got, want := NewError(CodeValidation, "bad", nil).Error(), "VALIDATION: bad"; got != want {
		t.Fatalf("Error() = %q; want %q", got, want)
	}
}

// connectFake attaches a client to a fakeBrowser. The context passed to
// Connect ends as soon as Connect returns.
func connectFake(t *testing.T) (*fakeBrowser, *Client) {
	t.Helper()
	fb := &fakeBrowser{}
	srv := httptest.NewServer(fb.handler(t))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "bonus.example", 5*time.Second)
	c.pollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return fb, c
}

func TestClientStaysAttachedAfterConnect(t *testing.T) {
	fb, c := connectFake(t)
	time.Sleep(100 * time.Millisecond)

	el, err := c.Find(context.Background(), "#claim", time.Second)
	if err != nil {
		t.Fatalf("Find() after Connect error = %v", err)
	}
	if el.Selector != "#claim" || el.node == nil {
		t.Fatalf("Find() = %+v; want resolved #claim", el)
	}
	if c.targetID != fakeTargetID {
		t.Fatalf("targetID = %q; want %q", c.targetID, fakeTargetID)
	}
	for _, m := range []string{"Target.detachFromTarget", "Target.closeTarget"} {
		if fb.called(m) {
			t.Fatalf("%s sent while the client is in use; methods = %v", m, fb.calls())
		}
	}
}

func TestClientPageOperations(t *testing.T) {
	fb, c := connectFake(t)
	ctx := context.Background()

	if !c.IsVisible(ctx, "#claim", time.Second) {
		t.Fatal("IsVisible(#claim) = false; want true")
	}
	el, err := c.Find(ctx, "#claim", time.Second)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if _, err := c.FindWithin(ctx, el, "#claim", time.Second); err != nil {
		t.Fatalf("FindWithin() error = %v", err)
	}
	text, err := c.TextOf(ctx, el)
	if err != nil || text != "Claim" {
		t.Fatalf("TextOf() = %q, %v; want %q", text, err, "Claim")
	}
	if err := c.ClickViaScript(ctx, el); err != nil {
		t.Fatalf("ClickViaScript() error = %v", err)
	}
	var clicked bool
	for _, fn := range fb.scriptCalls() {
		if strings.Contains(fn, "this.click()") {
			clicked = true
		}
	}
	if !clicked {
		t.Fatalf("scripts = %v; want a this.click() call", fb.scriptCalls())
	}

	_, err = c.Find(ctx, "#missing", 50*time.Millisecond)
	if !HasCode(err, CodeElementNotFound) {
		t.Fatalf("Find(#missing) error = %v; want %s", err, CodeElementNotFound)
	}
}

func TestHoverClickDispatchesPointerEvents(t *testing.T) {
	fb, c := connectFake(t)
	ctx := context.Background()

	el, err := c.Find(ctx, "#claim", time.Second)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if err := c.HoverClick(ctx, el, 10*time.Millisecond); err != nil {
		t.Fatalf("HoverClick() error = %v", err)
	}
	want := []string{"mouseMoved@20,15", "mousePressed@20,15", "mouseReleased@20,15"}
	if got := fb.mouseEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("mouse events = %v; want %v", got, want)
	}
}

func TestCloseDetachesWithoutClosingPage(t *testing.T) {
	fb, c := connectFake(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := Poll(context.Background(), time.Second, 10*time.Millisecond, func(context.Context) (bool, error) {
		return fb.called("Target.detachFromTarget"), nil
	})
	if err != nil {
		t.Fatalf("no Target.detachFromTarget after Close; methods = %v", fb.calls())
	}
	time.Sleep(50 * time.Millisecond)
	if fb.called("Target.closeTarget") {
		t.Fatalf("Close() closed the page; methods = %v", fb.calls())
	}
}
