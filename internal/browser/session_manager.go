package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/dom"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// Tab is the persisted metadata of a page target.
type Tab struct {
	TargetID   string    `json:"target_id"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type targetRecord struct {
	meta      Tab
	page      *rod.Page
	network   *NetworkTracker
	mutations *mutationHub
	cancel    context.CancelFunc
}

type eventThrottler struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(ms int) *eventThrottler {
	if ms <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: time.Duration(ms) * time.Millisecond,
		last:     make(map[string]time.Time),
	}
}

func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.last[key]; ok {
		if now.Sub(last) < t.interval {
			return false
		}
	}
	t.last[key] = now
	return true
}

// mutationHub fans DOM mutation notifications out to subscribers. Sends never
// block; a full subscriber channel already has a pending notification.
type mutationHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func newMutationHub() *mutationHub {
	return &mutationHub{subs: make(map[int]chan struct{})}
}

func (h *mutationHub) subscribe() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan struct{}, 16)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *mutationHub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SessionManager owns the Chrome connection and the protocol side of every page
// target: event streams, network tracking, mutation fan-out and tab lifecycle.
type SessionManager struct {
	cfg    config.BrowserConfig
	events *EventLog
	logger *zap.Logger

	mu          sync.RWMutex
	browser     *rod.Browser
	controlURL  string
	targets     map[string]*targetRecord
	pageTargets map[string]bool
	focused     string
	previous    []Tab
	onClose     []func(targetID string)
	stopStreams context.CancelFunc
	streamCtx   context.Context
}

var (
	_ Protocol   = (*SessionManager)(nil)
	_ TabManager = (*SessionManager)(nil)
)

func NewSessionManager(cfg config.BrowserConfig, events *EventLog, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		cfg:         cfg,
		events:      events,
		logger:      logger.Named("session"),
		targets:     make(map[string]*targetRecord),
		pageTargets: make(map[string]bool),
	}
}

// OnTargetClosed registers fn to run when a page target goes away.
func (m *SessionManager) OnTargetClosed(fn func(targetID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		m.reset()
	}

	if err := m.loadTabs(); err != nil {
		return fmt.Errorf("load tabs: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	streamCtx, stop := context.WithCancel(context.Background())
	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.streamCtx = streamCtx
	m.stopStreams = stop
	m.mu.Unlock()

	m.startTargetStream(streamCtx, browser)
	m.logger.Info("browser connected", zap.String("control_url", controlURL))

	tabs, err := m.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	if len(tabs) == 0 {
		if _, err := m.OpenTab(ctx, "about:blank"); err != nil {
			return fmt.Errorf("open initial tab: %w", err)
		}
	}
	return nil
}

func (m *SessionManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopStreams != nil {
		m.stopStreams()
	}
	if m.browser != nil {
		_ = m.browser.Close()
	}
	m.browser = nil
	m.controlURL = ""
	m.focused = ""
	m.targets = make(map[string]*targetRecord)
	m.pageTargets = make(map[string]bool)
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown stops all event streams and closes the browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	if err := m.persistTabs(); err != nil {
		m.logger.Debug("persist tabs failed", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopStreams != nil {
		m.stopStreams()
		m.stopStreams = nil
	}
	for id, rec := range m.targets {
		if rec.cancel != nil {
			rec.cancel()
		}
		delete(m.targets, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.logger.Info("browser shutdown complete")
	return err
}

func (m *SessionManager) connected() (*rod.Browser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.browser == nil {
		return nil, ErrNotConnected
	}
	return m.browser, nil
}

// page returns the tracked page for targetID, attaching to it on first use.
func (m *SessionManager) page(ctx context.Context, targetID string) (*rod.Page, *targetRecord, error) {
	b, err := m.connected()
	if err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	rec := m.targets[targetID]
	m.mu.RUnlock()
	if rec != nil {
		return rec.page.Context(ctx), rec, nil
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrPageNotFound, targetID, err)
	}
	rec = m.track(page, "attached")
	return rec.page.Context(ctx), rec, nil
}

// track registers page and starts its event stream. If another caller tracked
// the same target first, that record wins.
func (m *SessionManager) track(page *rod.Page, status string) *targetRecord {
	id := string(page.TargetID)
	now := time.Now()

	m.mu.Lock()
	if existing, ok := m.targets[id]; ok {
		m.mu.Unlock()
		return existing
	}
	streamCtx := m.streamCtx
	if streamCtx == nil {
		streamCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(streamCtx)
	rec := &targetRecord{
		meta:      Tab{TargetID: id, Status: status, CreatedAt: now, LastActive: now},
		page:      page,
		network:   NewNetworkTracker(),
		mutations: newMutationHub(),
		cancel:    cancel,
	}
	m.targets[id] = rec
	m.pageTargets[id] = true
	m.mu.Unlock()

	m.startEventStream(ctx, rec)
	return rec
}

// startTargetStream follows target creation and destruction browser-wide.
func (m *SessionManager) startTargetStream(ctx context.Context, b *rod.Browser) {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		m.logger.Warn("target discovery unavailable", zap.Error(err))
	}
	wait := b.Context(ctx).EachEvent(
		func(ev *proto.TargetTargetCreated) {
			if ev.TargetInfo == nil || ev.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			id := string(ev.TargetInfo.TargetID)
			m.mu.Lock()
			m.pageTargets[id] = true
			m.mu.Unlock()
			m.events.Publish(ctx, TabCreatedEvent{TargetID: id, URL: ev.TargetInfo.URL, At: time.Now()})
		},
		func(ev *proto.TargetTargetDestroyed) {
			m.targetClosed(ctx, string(ev.TargetID))
		},
		func(ev *proto.TargetTargetInfoChanged) {
			if ev.TargetInfo == nil {
				return
			}
			m.mu.Lock()
			if rec, ok := m.targets[string(ev.TargetInfo.TargetID)]; ok {
				rec.meta.URL = ev.TargetInfo.URL
				rec.meta.Title = ev.TargetInfo.Title
			}
			m.mu.Unlock()
		},
	)
	go wait()
}

// targetClosed forgets a target. Safe to call more than once per target; only
// the first call for a known page publishes TabClosedEvent.
func (m *SessionManager) targetClosed(ctx context.Context, targetID string) {
	m.mu.Lock()
	rec := m.targets[targetID]
	delete(m.targets, targetID)
	wasPage := m.pageTargets[targetID] || rec != nil
	delete(m.pageTargets, targetID)
	if m.focused == targetID {
		m.focused = ""
	}
	hooks := append([]func(string){}, m.onClose...)
	m.mu.Unlock()

	if rec != nil && rec.cancel != nil {
		rec.cancel()
	}
	if !wasPage {
		return
	}
	for _, fn := range hooks {
		fn(targetID)
	}
	m.events.Publish(ctx, TabClosedEvent{TargetID: targetID, At: time.Now()})
	if err := m.persistTabs(); err != nil {
		m.logger.Debug("persist tabs failed", zap.Error(err))
	}
	m.logger.Debug("target closed", zap.String("target", targetID))
}

func (m *SessionManager) startEventStream(ctx context.Context, rec *targetRecord) {
	page := rec.page.Context(ctx)
	targetID := rec.meta.TargetID
	logger := m.logger.With(zap.String("target", targetID))

	if err := (proto.PageEnable{}).Call(page); err != nil {
		logger.Debug("page domain enable failed", zap.Error(err))
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		logger.Debug("network domain enable failed", zap.Error(err))
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		logger.Debug("runtime domain enable failed", zap.Error(err))
	}
	if err := (proto.DOMEnable{}).Call(page); err != nil {
		logger.Debug("dom domain enable failed", zap.Error(err))
	}
	// Mutation events only fire for nodes the client has been sent.
	requestDocument := func() {
		if _, err := (proto.DOMGetDocument{Depth: gson.Int(-1), Pierce: true}).Call(page); err != nil {
			logger.Debug("document request failed", zap.Error(err))
		}
	}
	requestDocument()

	throttler := newEventThrottler(250)

	waitNav := page.EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		m.mu.Lock()
		rec.meta.URL = ev.Frame.URL
		rec.meta.LastActive = time.Now()
		m.mu.Unlock()
		// Requests of the previous document never report completion.
		rec.network.Reset(string(ev.Frame.LoaderID))
		m.events.Publish(ctx, NavigationEvent{TargetID: targetID, URL: ev.Frame.URL, At: time.Now()})
	})

	waitRest := page.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil {
				return
			}
			rec.network.RequestStartedIn(string(ev.LoaderID), string(ev.RequestID), ev.Request.URL, ev.Request.Method, string(ev.Type))
		},
		func(ev *proto.NetworkLoadingFinished) {
			rec.network.RequestDone(string(ev.RequestID))
		},
		func(ev *proto.NetworkLoadingFailed) {
			rec.network.RequestDone(string(ev.RequestID))
		},
		func(ev *proto.DOMChildNodeInserted) { rec.mutations.notify() },
		func(ev *proto.DOMChildNodeRemoved) { rec.mutations.notify() },
		func(ev *proto.DOMAttributeModified) { rec.mutations.notify() },
		func(ev *proto.DOMAttributeRemoved) { rec.mutations.notify() },
		func(ev *proto.DOMCharacterDataModified) { rec.mutations.notify() },
		func(ev *proto.DOMDocumentUpdated) {
			rec.mutations.notify()
			go requestDocument()
		},
		func(ev *proto.PageJavascriptDialogOpening) {
			go m.dismissDialog(ctx, page, targetID, ev)
		},
		func(ev *proto.RuntimeExceptionThrown) {
			d := ev.ExceptionDetails
			if d == nil || isInternalScript(d.URL) || !throttler.Allow("exception") {
				return
			}
			msg := d.Text
			if d.Exception != nil && d.Exception.Description != "" {
				msg = coalesceNonEmpty(d.Exception.Description, msg)
			}
			m.mu.RLock()
			url := rec.meta.URL
			m.mu.RUnlock()
			m.events.Publish(ctx, BrowserErrorEvent{TargetID: targetID, URL: url, Message: msg, At: time.Now()})
		},
	)

	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			waitNav()
		}()
		go func() {
			defer wg.Done()
			waitRest()
		}()
		wg.Wait()
		logger.Debug("event stream ended")
	}()
}

// dismissDialog accepts a JS dialog so the page does not block, and records it.
func (m *SessionManager) dismissDialog(ctx context.Context, page *rod.Page, targetID string, ev *proto.PageJavascriptDialogOpening) {
	err := proto.PageHandleJavaScriptDialog{Accept: true, PromptText: ev.DefaultPrompt}.Call(page)
	if err != nil {
		m.logger.Debug("dialog dismissal failed", zap.String("target", targetID), zap.Error(err))
		return
	}
	m.events.Publish(ctx, DialogClosedEvent{
		TargetID:   targetID,
		DialogType: string(ev.Type),
		Message:    ev.Message,
		At:         time.Now(),
	})
}

// Targets lists every CDP target.
func (m *SessionManager) Targets(ctx context.Context) ([]TargetInfo, error) {
	b, err := m.connected()
	if err != nil {
		return nil, err
	}
	res, err := proto.TargetGetTargets{}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}
	out := make([]TargetInfo, 0, len(res.TargetInfos))
	m.mu.Lock()
	for _, info := range res.TargetInfos {
		t := TargetInfo{
			TargetID: string(info.TargetID),
			Type:     string(info.Type),
			URL:      info.URL,
			Title:    info.Title,
		}
		if t.IsPage() {
			m.pageTargets[t.TargetID] = true
		}
		out = append(out, t)
	}
	m.mu.Unlock()
	return out, nil
}

// Tabs lists page targets only.
func (m *SessionManager) Tabs(ctx context.Context) ([]TargetInfo, error) {
	targets, err := m.Targets(ctx)
	if err != nil {
		return nil, err
	}
	return pageTabs(targets), nil
}

// PreviousTabs returns the tabs persisted by an earlier run.
func (m *SessionManager) PreviousTabs() []Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Tab(nil), m.previous...)
}

// FocusedTarget returns the focused page, falling back to the most recent page
// target when nothing is focused or the focused tab is gone.
func (m *SessionManager) FocusedTarget(ctx context.Context) (TargetInfo, error) {
	targets, err := m.Targets(ctx)
	if err != nil {
		return TargetInfo{}, err
	}
	m.mu.RLock()
	focused := m.focused
	m.mu.RUnlock()

	tabs := pageTabs(targets)
	for _, t := range tabs {
		if t.TargetID == focused {
			return t, nil
		}
	}
	if len(tabs) == 0 {
		return TargetInfo{}, ErrNoFocusedTarget
	}
	t := tabs[len(tabs)-1]
	m.mu.Lock()
	m.focused = t.TargetID
	m.mu.Unlock()
	return t, nil
}

// Focus activates targetID and makes it the target of later requests.
func (m *SessionManager) Focus(ctx context.Context, targetID string) error {
	b, err := m.connected()
	if err != nil {
		return err
	}
	if err := (proto.TargetActivateTarget{TargetID: proto.TargetTargetID(targetID)}).Call(b.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPageNotFound, targetID, err)
	}
	m.mu.Lock()
	m.focused = targetID
	if rec, ok := m.targets[targetID]; ok {
		rec.meta.LastActive = time.Now()
	}
	m.mu.Unlock()
	return nil
}

// OpenTab opens url in a new tab through the protocol and focuses it.
func (m *SessionManager) OpenTab(ctx context.Context, url string) (TargetInfo, error) {
	b, err := m.connected()
	if err != nil {
		return TargetInfo{}, err
	}

	var page *rod.Page
	if m.cfg.Stealth {
		page, err = stealth.Page(b.Context(ctx))
	} else {
		page, err = b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return TargetInfo{}, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", zap.Error(err))
	}

	rec := m.track(page, "active")
	if url != "" && url != "about:blank" {
		if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
			m.logger.Warn("navigation in new tab failed", zap.String("url", url), zap.Error(err))
		}
	}

	m.mu.Lock()
	rec.meta.URL = url
	m.focused = rec.meta.TargetID
	m.mu.Unlock()
	if err := m.persistTabs(); err != nil {
		m.logger.Debug("persist tabs failed", zap.Error(err))
	}
	return TargetInfo{TargetID: rec.meta.TargetID, Type: string(proto.TargetTargetInfoTypePage), URL: url}, nil
}

// CloseTab closes a page target.
func (m *SessionManager) CloseTab(ctx context.Context, targetID string) error {
	b, err := m.connected()
	if err != nil {
		return err
	}
	if _, err := (proto.TargetCloseTarget{TargetID: proto.TargetTargetID(targetID)}).Call(b.Context(ctx)); err != nil {
		return fmt.Errorf("close target %s: %w", targetID, err)
	}
	m.targetClosed(ctx, targetID)
	return nil
}

func (m *SessionManager) Title(ctx context.Context, targetID string) (string, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (m *SessionManager) LayoutMetrics(ctx context.Context, targetID string) (*proto.PageGetLayoutMetricsResult, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return proto.PageGetLayoutMetrics{}.Call(page)
}

func (m *SessionManager) Screenshot(ctx context.Context, targetID string) ([]byte, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
}

func (m *SessionManager) PrintToPDF(ctx context.Context, targetID string) ([]byte, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return nil, err
	}
	res, err := proto.PagePrintToPDF{PrintBackground: true, PreferCSSPageSize: true}.Call(page)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (m *SessionManager) Document(ctx context.Context, targetID string) (*proto.DOMNode, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return nil, err
	}
	res, err := proto.DOMGetDocument{Depth: gson.Int(-1), Pierce: true}.Call(page)
	if err != nil {
		return nil, err
	}
	return res.Root, nil
}

func (m *SessionManager) PageHTML(ctx context.Context, targetID string) (string, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return "", err
	}
	return page.HTML()
}

func (m *SessionManager) CallOnNode(ctx context.Context, targetID string, backendNodeID int, fn string, args ...any) (gson.JSON, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return gson.New(nil), err
	}
	resolved, err := proto.DOMResolveNode{BackendNodeID: proto.DOMBackendNodeID(backendNodeID)}.Call(page)
	if err != nil {
		return gson.New(nil), fmt.Errorf("resolve node %d: %w", backendNodeID, err)
	}
	defer func() {
		_ = proto.RuntimeReleaseObject{ObjectID: resolved.Object.ObjectID}.Call(page)
	}()

	callArgs := make([]*proto.RuntimeCallArgument, 0, len(args))
	for _, a := range args {
		callArgs = append(callArgs, &proto.RuntimeCallArgument{Value: gson.New(a)})
	}
	res, err := proto.RuntimeCallFunctionOn{
		ObjectID:            resolved.Object.ObjectID,
		FunctionDeclaration: fn,
		Arguments:           callArgs,
		ReturnByValue:       true,
		AwaitPromise:        true,
	}.Call(page)
	if err != nil {
		return gson.New(nil), err
	}
	if res.ExceptionDetails != nil {
		return gson.New(nil), fmt.Errorf("script on node %d: %s", backendNodeID, exceptionText(res.ExceptionDetails))
	}
	return res.Result.Value, nil
}

func exceptionText(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

func (m *SessionManager) DescribeNodeAt(ctx context.Context, targetID string, x, y int) (*dom.Node, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return nil, err
	}
	loc, err := proto.DOMGetNodeForLocation{X: x, Y: y}.Call(page)
	if err != nil {
		return nil, err
	}
	desc, err := proto.DOMDescribeNode{BackendNodeID: loc.BackendNodeID}.Call(page)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]string, len(desc.Node.Attributes)/2)
	for i := 0; i+1 < len(desc.Node.Attributes); i += 2 {
		attrs[desc.Node.Attributes[i]] = desc.Node.Attributes[i+1]
	}
	return &dom.Node{
		BackendNodeID: int(loc.BackendNodeID),
		Tag:           strings.ToLower(desc.Node.NodeName),
		Attributes:    attrs,
	}, nil
}

func (m *SessionManager) NodeCenter(ctx context.Context, targetID string, backendNodeID int) (float64, float64, error) {
	model, err := m.boxModel(ctx, targetID, backendNodeID)
	if err != nil {
		return 0, 0, err
	}
	quad := model.Content
	if len(quad) < 8 {
		return 0, 0, fmt.Errorf("node %d has no content quad", backendNodeID)
	}
	return (quad[0] + quad[2] + quad[4] + quad[6]) / 4, (quad[1] + quad[3] + quad[5] + quad[7]) / 4, nil
}

func (m *SessionManager) NodeBox(ctx context.Context, targetID string, backendNodeID int) (*dom.Rect, error) {
	model, err := m.boxModel(ctx, targetID, backendNodeID)
	if err != nil {
		return nil, err
	}
	quad := model.Border
	if len(quad) < 8 {
		return nil, fmt.Errorf("node %d has no border quad", backendNodeID)
	}
	return &dom.Rect{X: quad[0], Y: quad[1], Width: float64(model.Width), Height: float64(model.Height)}, nil
}

func (m *SessionManager) boxModel(ctx context.Context, targetID string, backendNodeID int) (*proto.DOMBoxModel, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return nil, err
	}
	res, err := proto.DOMGetBoxModel{BackendNodeID: proto.DOMBackendNodeID(backendNodeID)}.Call(page)
	if err != nil {
		return nil, err
	}
	return res.Model, nil
}

func (m *SessionManager) DispatchMouseWheel(ctx context.Context, targetID string, x, y, deltaX, deltaY float64) error {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	return proto.InputDispatchMouseEvent{
		Type:   proto.InputDispatchMouseEventTypeMouseWheel,
		X:      x,
		Y:      y,
		DeltaX: deltaX,
		DeltaY: deltaY,
	}.Call(page)
}

func (m *SessionManager) DispatchClick(ctx context.Context, targetID string, x, y float64) error {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	for _, typ := range []proto.InputDispatchMouseEventType{
		proto.InputDispatchMouseEventTypeMousePressed,
		proto.InputDispatchMouseEventTypeMouseReleased,
	} {
		if err := (proto.InputDispatchMouseEvent{
			Type:       typ,
			X:          x,
			Y:          y,
			Button:     proto.InputMouseButtonLeft,
			ClickCount: 1,
		}).Call(page); err != nil {
			return err
		}
	}
	return nil
}

func (m *SessionManager) Evaluate(ctx context.Context, targetID string, fn string, args ...any) (gson.JSON, error) {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return gson.New(nil), err
	}
	res, err := page.Evaluate(rod.Eval(fn, args...).ByPromise())
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (m *SessionManager) SetFileInputFiles(ctx context.Context, targetID string, backendNodeID int, files []string) error {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	abs := make([]string, 0, len(files))
	for _, f := range files {
		if p, err := filepath.Abs(f); err == nil {
			f = p
		}
		abs = append(abs, f)
	}
	return proto.DOMSetFileInputFiles{Files: abs, BackendNodeID: proto.DOMBackendNodeID(backendNodeID)}.Call(page)
}

func (m *SessionManager) InsertText(ctx context.Context, targetID, text string) error {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	return proto.InputInsertText{Text: text}.Call(page)
}

// PressKeys sends a key plan through the protocol. A lone character rod cannot
// map is inserted as text; with modifiers it is rejected before any key goes down.
func (m *SessionManager) PressKeys(ctx context.Context, targetID string, plan KeyPlan) error {
	if plan.Text != "" {
		return m.InsertText(ctx, targetID, plan.Text)
	}
	key, err := rodKey(plan.Key)
	if errors.Is(err, errUnknownKey) && len(plan.Modifiers) == 0 && utf8.RuneCountInString(plan.Key) == 1 {
		return m.InsertText(ctx, targetID, plan.Key)
	}
	if err != nil {
		return err
	}
	mods := make([]input.Key, 0, len(plan.Modifiers))
	for _, name := range plan.Modifiers {
		k, err := rodKey(name)
		if err != nil {
			return err
		}
		mods = append(mods, k)
	}

	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	held := make([]input.Key, 0, len(mods))
	defer func() { m.releaseKeys(page, held) }()
	for _, k := range mods {
		if err := page.Keyboard.Press(k); err != nil {
			return fmt.Errorf("modifier down: %w", err)
		}
		held = append(held, k)
	}
	return page.Keyboard.Type(key)
}

// releaseKeys lifts held keys in reverse order.
func (m *SessionManager) releaseKeys(page *rod.Page, keys []input.Key) {
	for i := len(keys) - 1; i >= 0; i-- {
		if err := page.Keyboard.Release(keys[i]); err != nil {
			m.logger.Debug("key release failed", zap.Error(err))
		}
	}
}

func (m *SessionManager) NavigateBack(ctx context.Context, targetID string) error {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	return page.NavigateBack()
}

func (m *SessionManager) NavigateForward(ctx context.Context, targetID string) error {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	return page.NavigateForward()
}

func (m *SessionManager) Reload(ctx context.Context, targetID string) error {
	page, _, err := m.page(ctx, targetID)
	if err != nil {
		return err
	}
	return page.Reload()
}

// PendingRequests returns the filtered in-flight requests of a tracked target.
func (m *SessionManager) PendingRequests(targetID string) []PendingRequest {
	m.mu.RLock()
	rec := m.targets[targetID]
	m.mu.RUnlock()
	if rec == nil {
		return []PendingRequest{}
	}
	return rec.network.Pending()
}

func (m *SessionManager) SubscribeMutations(ctx context.Context, targetID string) (<-chan struct{}, func(), error) {
	_, rec, err := m.page(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := rec.mutations.subscribe()
	return ch, unsubscribe, nil
}

// persistTabs writes tab metadata to disk for continuity across restarts.
func (m *SessionManager) persistTabs() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	tabs := make([]Tab, 0, len(m.targets))
	for _, rec := range m.targets {
		tabs = append(tabs, rec.meta)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(tabs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadTabs loads persisted metadata. Nothing is attached; the tabs are only
// reported as previous.
func (m *SessionManager) loadTabs() error {
	if m.cfg.SessionStore == "" {
		return nil
	}
	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var tabs []Tab
	if err := json.Unmarshal(data, &tabs); err != nil {
		return err
	}
	for i := range tabs {
		tabs[i].Status = "detached"
	}
	m.mu.Lock()
	m.previous = tabs
	m.mu.Unlock()
	return nil
}

func coalesceNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// isInternalScript returns true if the URL is an internal browser script (not app code).
func isInternalScript(url string) bool {
	internalPrefixes := []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"about:",
		"data:",
		"blob:",
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
