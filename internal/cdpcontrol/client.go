package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const (
	jsIsVisible = `function() {
  if (!this.isConnected) return false;
  var r = this.getBoundingClientRect();
  if (r.width === 0 || r.height === 0) return false;
  var s = window.getComputedStyle(this);
  return s.visibility !== "hidden" && s.display !== "none" && s.opacity !== "0";
}`
	jsClick     = `function() { this.click(); return true; }`
	jsInnerText = `function() { return String(this.innerText || this.textContent || ""); }`
	jsOuterHTML = `function() { return String(this.outerHTML || ""); }`
)

// Client drives one page of an already running browser through chromedp.
type Client struct {
	cdpURL        string
	tabFilter     string
	actionTimeout time.Duration
	pollInterval  time.Duration
	log           *slog.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	targetID    target.ID
	attached    bool
}

// NewClient prepares a client for the CDP HTTP endpoint. tabFilter selects
// which existing page to drive; an empty filter takes the first page.
func NewClient(cdpURL, tabFilter string, actionTimeout time.Duration) *Client {
	if actionTimeout <= 0 {
		actionTimeout = 30 * time.Second
	}
	return &Client{
		cdpURL:        strings.TrimRight(cdpURL, "/"),
		tabFilter:     strings.ToLower(strings.TrimSpace(tabFilter)),
		actionTimeout: actionTimeout,
		pollInterval:  DefaultPollInterval,
		log:           slog.Default().With("source", "cdpcontrol"),
	}
}

// TabFilterFor returns the host part of a URL for use as a tab filter.
func TabFilterFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Connect attaches to an existing page target, or opens a new tab when the
// browser has none.
func (c *Client) Connect(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeBrowserUnavailable, "missing CDP URL", nil)
	}
	c.log.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.Close()

	pages, err := listPageTargets(ctx, c.cdpURL)
	if err != nil {
		return newError(CodeBrowserUnavailable, "failed to list targets", err)
	}

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	var opts []chromedp.ContextOption
	if picked, ok := pickPage(pages, c.tabFilter); ok {
		c.targetID = picked.ID
		opts = append(opts, chromedp.WithTargetID(picked.ID))
		c.log.Info("reusing existing tab", "target_id", picked.ID, "url", truncateURL(picked.URL))
	} else {
		c.log.Info("no page target found; opening a new tab")
	}
	c.ctx, c.cancel = chromedp.NewContext(c.allocCtx, opts...)

	// The first Run binds the browser connection and the target's event loop
	// to the context it is given, so it must get the long-lived tab context.
	attached := make(chan error, 1)
	go func() { attached <- chromedp.Run(c.ctx) }()

	timer := time.NewTimer(c.actionTimeout)
	defer timer.Stop()
	select {
	case err = <-attached:
	case <-timer.C:
		err = fmt.Errorf("no response within %s", c.actionTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		// chromedp's cancel can block until an allocation that never
		// happened completes, so a failed attach is torn down in the
		// background.
		cancel, allocCancel := c.cancel, c.allocCancel
		c.ctx, c.cancel, c.allocCtx, c.allocCancel = nil, nil, nil, nil
		go func() {
			allocCancel()
			cancel()
		}()
		return newError(CodeBrowserUnavailable, "attach to browser failed", err)
	}
	c.attached = true
	if cc := chromedp.FromContext(c.ctx); cc != nil && cc.Target != nil {
		c.targetID = cc.Target.TargetID
	}
	c.log.Info("automation client attached to Chrome", "cdp_url", c.cdpURL, "target_id", c.targetID)
	return nil
}

// Close detaches from the page. The page and the browser process are left
// alone.
func (c *Client) Close() error {
	if c.attached {
		c.detach()
		c.attached = false
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
	}
	c.ctx = nil
	c.allocCtx = nil
	return nil
}

// detach ends the CDP session on the page. chromedp closes any target it is
// still attached to when its context is cancelled, so the target is dropped
// from the context first.
func (c *Client) detach() {
	cc := chromedp.FromContext(c.ctx)
	if cc == nil || cc.Browser == nil || cc.Target == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if id := cc.Target.SessionID; id != "" {
		if err := target.DetachFromTarget().WithSessionID(id).Do(cdp.WithExecutor(ctx, cc.Browser)); err != nil {
			c.log.Debug("detach from page failed", "target_id", c.targetID, "error", err)
		}
	}
	cc.Target = nil
}

// Navigate loads url in the attached page.
func (c *Client) Navigate(ctx context.Context, url string) error {
	if err := c.run(ctx, c.actionTimeout, chromedp.Navigate(url)); err != nil {
		return wrapAutomation("navigate failed", err)
	}
	return nil
}

// Find polls for the first node matching selector.
func (c *Client) Find(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	return c.find(ctx, nil, selector, timeout)
}

// FindWithin polls for the first node matching selector below parent.
func (c *Client) FindWithin(ctx context.Context, parent Element, selector string, timeout time.Duration) (Element, error) {
	if parent.node == nil {
		return Element{}, newError(CodeElementNotFound, "parent element is not resolved: "+parent.Selector, nil)
	}
	return c.find(ctx, parent.node, selector, timeout)
}

func (c *Client) find(ctx context.Context, parent *cdp.Node, selector string, timeout time.Duration) (Element, error) {
	var found *cdp.Node
	err := Poll(ctx, timeout, c.pollInterval, func(ctx context.Context) (bool, error) {
		nodes, err := c.queryNodes(ctx, parent, selector)
		if err != nil {
			return false, err
		}
		if len(nodes) == 0 {
			return false, nil
		}
		found = nodes[0]
		return true, nil
	})
	switch {
	case err == nil:
		return Element{Selector: selector, node: found}, nil
	case errors.Is(err, ErrPollTimeout):
		return Element{}, newError(CodeElementNotFound, fmt.Sprintf("no element matching %q within %s", selector, timeout), nil)
	default:
		return Element{}, wrapAutomation("query "+selector+" failed", err)
	}
}

// IsVisible reports whether a rendered, visible node matches selector within
// timeout. Lookup errors count as not visible.
func (c *Client) IsVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	err := Poll(ctx, timeout, c.pollInterval, func(ctx context.Context) (bool, error) {
		nodes, err := c.queryNodes(ctx, nil, selector)
		if err != nil {
			c.log.Debug("visibility query failed", "selector", selector, "error", err)
			return false, nil
		}
		for _, n := range nodes {
			var visible bool
			if err := c.callOnNode(ctx, n, jsIsVisible, &visible); err != nil {
				c.log.Debug("visibility check failed", "selector", selector, "error", err)
				continue
			}
			if visible {
				return true, nil
			}
		}
		return false, nil
	})
	return err == nil
}

// ClickViaScript invokes element.click() inside the page instead of
// dispatching a pointer event, so overlays and hover handlers do not interfere.
func (c *Client) ClickViaScript(ctx context.Context, el Element) error {
	if err := c.callOnNode(ctx, el.node, jsClick, nil); err != nil {
		return wrapAutomation("scripted click on "+el.Selector+" failed", err)
	}
	return nil
}

// HoverClick moves the pointer onto el, waits pause, then clicks it with real
// mouse events. Menus that open on hover or pointer events need this.
func (c *Client) HoverClick(ctx context.Context, el Element, pause time.Duration) error {
	if el.node == nil {
		return newError(CodeElementNotFound, "element is not resolved: "+el.Selector, nil)
	}
	err := c.run(ctx, c.actionTimeout+pause, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithNodeID(el.node.NodeID).Do(ctx); err != nil {
			return fmt.Errorf("scroll into view: %w", err)
		}
		x, y, err := nodeCenter(ctx, el.node.NodeID)
		if err != nil {
			return err
		}
		if err := chromedp.MouseEvent(input.MouseMoved, x, y).Do(ctx); err != nil {
			return fmt.Errorf("hover: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		return chromedp.MouseClickXY(x, y).Do(ctx)
	}))
	if err != nil {
		return wrapAutomation("pointer click on "+el.Selector+" failed", err)
	}
	return nil
}

func nodeCenter(ctx context.Context, id cdp.NodeID) (float64, float64, error) {
	quads, err := dom.GetContentQuads().WithNodeID(id).Do(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("content quads: %w", err)
	}
	if len(quads) == 0 || len(quads[0]) < 8 {
		return 0, 0, errors.New("element has no layout box")
	}
	q := quads[0]
	var x, y float64
	for i := 0; i+1 < len(q); i += 2 {
		x += q[i]
		y += q[i+1]
	}
	n := float64(len(q) / 2)
	return x / n, y / n, nil
}

// TextOf returns the rendered text of el.
func (c *Client) TextOf(ctx context.Context, el Element) (string, error) {
	var text string
	if err := c.callOnNode(ctx, el.node, jsInnerText, &text); err != nil {
		return "", wrapAutomation("read text of "+el.Selector+" failed", err)
	}
	return text, nil
}

// OuterHTML returns the markup of el, for diagnostics.
func (c *Client) OuterHTML(ctx context.Context, el Element) (string, error) {
	var html string
	if err := c.callOnNode(ctx, el.node, jsOuterHTML, &html); err != nil {
		return "", wrapAutomation("read html of "+el.Selector+" failed", err)
	}
	return html, nil
}

func (c *Client) queryNodes(ctx context.Context, parent *cdp.Node, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	opts := []chromedp.QueryOption{chromedp.ByQuery, chromedp.AtLeast(0)}
	if parent != nil {
		opts = append(opts, chromedp.FromNode(parent))
	}
	if err := c.run(ctx, c.actionTimeout, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) callOnNode(ctx context.Context, node *cdp.Node, fn string, out any) error {
	if node == nil {
		return newError(CodeElementNotFound, "element is not resolved", nil)
	}
	return c.run(ctx, c.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(node.NodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve node: %w", err)
		}
		defer func() {
			if err := runtime.ReleaseObject(obj.ObjectID).Do(ctx); err != nil {
				slog.Debug("release remote object failed", "error", err)
			}
		}()

		res, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exc.Text)
		}
		if out == nil || res == nil || len(res.Value) == 0 {
			return nil
		}
		return json.Unmarshal([]byte(res.Value), out)
	}))
}

// run executes actions on the page context, bounded by timeout and by the
// caller's context.
func (c *Client) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if c.ctx == nil {
		return newError(CodeAutomationFailure, "client is not connected", nil)
	}
	runCtx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func wrapAutomation(msg string, err error) error {
	var coded *CodedError
	if errors.As(err, &coded) {
		return err
	}
	return newError(CodeAutomationFailure, msg, err)
}

type pageTarget struct {
	ID  target.ID
	URL string
}

// listPageTargets fetches open page targets via the HTTP /json/list endpoint.
func listPageTargets(ctx context.Context, httpBase string) ([]pageTarget, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("/json/list: %w", err)
	}

	pages := make([]pageTarget, 0, len(entries))
	for _, e := range entries {
		if e.Type != "page" {
			continue
		}
		pages = append(pages, pageTarget{ID: target.ID(e.ID), URL: e.URL})
	}
	return pages, nil
}

// pickPage prefers a page matching filter, then any ordinary page.
func pickPage(pages []pageTarget, filter string) (pageTarget, bool) {
	if filter != "" {
		for _, p := range pages {
			if strings.Contains(strings.ToLower(p.URL), filter) {
				return p, true
			}
		}
	}
	for _, p := range pages {
		if !strings.HasPrefix(p.URL, "devtools://") && !strings.HasPrefix(p.URL, "chrome-extension://") {
			return p, true
		}
	}
	return pageTarget{}, false
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
