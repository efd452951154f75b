package browser

import (
	"context"
	"errors"
	"fmt"

	"pagepilot-mcp-server/internal/dom"

	"go.uber.org/zap"
)

// TabManager opens, closes and focuses tabs at the protocol level.
// SessionManager implements it.
type TabManager interface {
	OpenTab(ctx context.Context, url string) (TargetInfo, error)
	CloseTab(ctx context.Context, targetID string) error
	Focus(ctx context.Context, targetID string) error
	// PreviousTabs lists the tabs persisted by an earlier run.
	PreviousTabs() []Tab
}

// Controller is the API upstream logic calls: state requests, actions, the
// stability wait and tab management.
type Controller struct {
	protocol Protocol
	tabs     TabManager
	registry *Registry
	pipeline *Pipeline
	executor *Executor
	logger   *zap.Logger
}

func NewController(protocol Protocol, tabs TabManager, registry *Registry, pipeline *Pipeline, executor *Executor, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		protocol: protocol,
		tabs:     tabs,
		registry: registry,
		pipeline: pipeline,
		executor: executor,
		logger:   logger.Named("controller"),
	}
}

// RequestBrowserState captures the focused page. It never returns an error; see
// BrowserState.Error.
func (c *Controller) RequestBrowserState(ctx context.Context, req StateRequest) *BrowserState {
	return c.pipeline.Capture(ctx, req)
}

// DispatchAction runs one action.
func (c *Controller) DispatchAction(ctx context.Context, a Action) (*ActionResult, error) {
	return c.executor.Execute(ctx, a)
}

// WaitForPageStability waits for network and DOM quiescence with the given caps;
// zero values use the defaults.
func (c *Controller) WaitForPageStability(ctx context.Context, opts StabilityOptions) (StabilityReport, error) {
	return c.pipeline.WaitForStability(ctx, opts)
}

// ClearCache drops the cached snapshot so the next capture starts fresh.
func (c *Controller) ClearCache() {
	c.pipeline.Clear()
}

// GetElementByIndex returns the element for a backend node id from the last
// snapshot.
func (c *Controller) GetElementByIndex(index int) (*dom.Node, bool) {
	cur := c.pipeline.Current()
	if cur == nil {
		return nil, false
	}
	return cur.DOM.Lookup(index)
}

// CurrentState returns the last committed snapshot, or nil.
func (c *Controller) CurrentState() *BrowserState {
	return c.pipeline.Current()
}

// ListTabs returns the open page targets.
func (c *Controller) ListTabs(ctx context.Context) ([]TargetInfo, error) {
	targets, err := c.protocol.Targets(ctx)
	if err != nil {
		return nil, err
	}
	return pageTabs(targets), nil
}

// PreviousTabs returns the tabs recorded by the previous run of the server.
func (c *Controller) PreviousTabs() []Tab {
	return c.tabs.PreviousTabs()
}

// OpenTab opens url in a new tab and focuses it. The page is opened through the
// action library so its handle is mapped right away; when that fails the tab is
// opened through the protocol and mapped lazily.
func (c *Controller) OpenTab(ctx context.Context, url string) (TargetInfo, error) {
	id, err := c.registry.CreatePage(ctx, url)
	if err != nil {
		if hardBridgeFailure(err) {
			return TargetInfo{}, err
		}
		c.logger.Warn("library tab open failed, using protocol", zap.Error(err))
		info, perr := c.tabs.OpenTab(ctx, url)
		if perr != nil {
			return TargetInfo{}, errors.Join(err, perr)
		}
		c.registry.Refresh(info.TargetID)
		return info, nil
	}
	if err := c.tabs.Focus(ctx, id); err != nil {
		return TargetInfo{}, fmt.Errorf("focus new tab: %w", err)
	}
	return c.targetInfo(ctx, id)
}

// SwitchTab focuses an existing tab.
func (c *Controller) SwitchTab(ctx context.Context, targetID string) (TargetInfo, error) {
	if err := c.tabs.Focus(ctx, targetID); err != nil {
		return TargetInfo{}, err
	}
	c.registry.Refresh(targetID)
	return c.targetInfo(ctx, targetID)
}

// CloseTab closes a tab and forgets its page mapping.
func (c *Controller) CloseTab(ctx context.Context, targetID string) error {
	if err := c.tabs.CloseTab(ctx, targetID); err != nil {
		return err
	}
	c.registry.Evict(targetID)
	if cur := c.pipeline.Current(); cur != nil && cur.TargetID == targetID {
		c.pipeline.Clear()
	}
	return nil
}

// PageHTML returns the focused page's HTML and URL.
func (c *Controller) PageHTML(ctx context.Context) (string, string, error) {
	target, err := c.protocol.FocusedTarget(ctx)
	if err != nil {
		return "", "", err
	}
	html, err := c.protocol.PageHTML(ctx, target.TargetID)
	return html, target.URL, err
}

func (c *Controller) targetInfo(ctx context.Context, id string) (TargetInfo, error) {
	targets, err := c.protocol.Targets(ctx)
	if err != nil {
		return TargetInfo{TargetID: id}, nil
	}
	for _, t := range targets {
		if t.TargetID == id {
			return t, nil
		}
	}
	return TargetInfo{}, fmt.Errorf("%w: %s", ErrPageNotFound, id)
}
