package browser

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pagepilot-mcp-server/internal/dom"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tracer receives flight-recorder records. recorder.Recorder implements it.
type Tracer interface {
	Log(eventType, sessionID string, data interface{})
}

// StateRequest selects what a capture includes.
type StateRequest struct {
	IncludeDOM           bool `json:"include_dom"`
	IncludeScreenshot    bool `json:"include_screenshot"`
	IncludeAllFormFields bool `json:"include_all_form_fields"`
}

// PipelineOptions configures state acquisition.
type PipelineOptions struct {
	Stability         StabilityOptions
	EnrichmentTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
	DigestSize        int
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	o.Stability = o.Stability.withDefaults()
	if o.EnrichmentTimeout <= 0 {
		o.EnrichmentTimeout = time.Second
	}
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1280
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 720
	}
	if o.DigestSize <= 0 {
		o.DigestSize = 10
	}
	return o
}

// Pipeline produces BrowserState snapshots gated on page stability. The current
// snapshot is replaced atomically; overlapping captures race and the last commit
// wins.
type Pipeline struct {
	protocol Protocol
	builder  *dom.Service
	gate     *Gate
	events   *EventLog
	tracer   Tracer
	opts     PipelineOptions
	logger   *zap.Logger

	current atomic.Pointer[BrowserState]
}

func NewPipeline(protocol Protocol, builder *dom.Service, events *EventLog, tracer Tracer, opts PipelineOptions, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if builder == nil {
		builder = dom.NewService(logger)
	}
	opts = opts.withDefaults()
	return &Pipeline{
		protocol: protocol,
		builder:  builder,
		gate:     NewGate(opts.Stability, logger),
		events:   events,
		tracer:   tracer,
		opts:     opts,
		logger:   logger.Named("pipeline"),
	}
}

// Current returns the last committed snapshot, or nil.
func (p *Pipeline) Current() *BrowserState { return p.current.Load() }

// Clear drops the cached snapshot.
func (p *Pipeline) Clear() { p.current.Store(nil) }

// Capture returns a snapshot of the focused page. It never fails: a fault
// anywhere yields a minimal snapshot with Error set, which also replaces the
// cached snapshot so element lookups stop resolving against the old page.
func (p *Pipeline) Capture(ctx context.Context, req StateRequest) (state *BrowserState) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("state capture panicked", zap.Any("panic", r))
			state = p.errorState("", fmt.Sprintf("panic: %v", r))
			p.current.Store(state)
		}
	}()

	state, err := p.capture(ctx, req)
	if err != nil {
		p.logger.Error("state capture failed", zap.Error(err))
		state = p.errorState(state.targetID(), err.Error())
		p.current.Store(state)
		return state
	}
	p.logger.Debug("state captured",
		zap.String("target", state.TargetID),
		zap.Int("elements", state.DOM.Len()),
		zap.Duration("took", time.Since(started)))
	return state
}

func (s *BrowserState) targetID() string {
	if s == nil {
		return ""
	}
	return s.TargetID
}

func (p *Pipeline) capture(ctx context.Context, req StateRequest) (*BrowserState, error) {
	started := time.Now()
	target, err := p.protocol.FocusedTarget(ctx)
	if err != nil {
		return nil, fmt.Errorf("focused target: %w", err)
	}
	targets, err := p.protocol.Targets(ctx)
	if err != nil {
		p.logger.Debug("target list unavailable", zap.Error(err))
	}

	state := &BrowserState{
		ID:              uuid.NewString(),
		TargetID:        target.TargetID,
		URL:             target.URL,
		Tabs:            pageTabs(targets),
		DOM:             dom.EmptyState(),
		Geometry:        DefaultGeometry(p.opts.ViewportWidth, p.opts.ViewportHeight),
		PendingRequests: []PendingRequest{},
		Pagination:      []dom.PaginationButton{},
		BrowserErrors:   []string{},
		CapturedAt:      time.Now(),
	}

	if !isHTTP(target.URL) {
		state.Title = "Empty Tab"
		p.finish(ctx, state, req)
		return state, nil
	}

	report := p.gate.Wait(ctx, p.gateSignals(target.TargetID))
	state.Stability = &report

	var (
		timing dom.Timing
		group  errgroup.Group
	)
	if req.IncludeDOM {
		previous := p.previousDOM(target.TargetID)
		group.Go(func() error {
			return recoverTask("dom build", p.logger, func() error {
				built, t, err := p.builder.BuildTree(ctx, documentSource(p.protocol, target.TargetID), previous, req.IncludeAllFormFields)
				if err != nil {
					p.logger.Warn("dom build failed, using empty state", zap.Error(err))
					return nil
				}
				state.DOM, timing = built, t
				return nil
			})
		})
	}
	if req.IncludeScreenshot {
		group.Go(func() error {
			return recoverTask("screenshot", p.logger, func() error {
				shot, err := p.protocol.Screenshot(ctx, target.TargetID)
				if err != nil {
					p.logger.Warn("screenshot failed", zap.Error(err))
					return nil
				}
				state.Screenshot = shot
				return nil
			})
		})
	}
	_ = group.Wait()

	p.enrich(ctx, state)
	state.IsPDFViewer = isPDFURL(state.URL) || hasPDFEmbed(state.DOM.Root)
	state.Pagination = dom.DetectPagination(state.DOM.SelectorMap)
	state.PendingRequests = nonNilPending(p.protocol.PendingRequests(target.TargetID))
	state.Timing = timing.Milliseconds()
	state.Timing["capture_ms"] = time.Since(started).Milliseconds()

	p.finish(ctx, state, req)
	if req.IncludeDOM {
		p.events.Publish(ctx, StateCapturedEvent{
			TargetID: state.TargetID,
			URL:      state.URL,
			Elements: state.DOM.Len(),
			Duration: time.Since(started),
			At:       time.Now(),
		})
	}
	return state, nil
}

// finish fills the event-derived fields and commits the snapshot.
func (p *Pipeline) finish(ctx context.Context, state *BrowserState, req StateRequest) {
	state.RecentEvents = p.events.Digest(p.opts.DigestSize)
	state.ClosedPopups = p.events.ClosedPopupMessages()
	p.current.Store(state)
	if p.tracer != nil {
		p.tracer.Log("snapshot", state.TargetID, map[string]interface{}{
			"id":       state.ID,
			"url":      state.URL,
			"title":    state.Title,
			"elements": state.DOM.Len(),
			"request":  req,
		})
	}
}

// enrich reads title and geometry with short caps, keeping fallbacks on failure.
func (p *Pipeline) enrich(ctx context.Context, state *BrowserState) {
	cached := p.current.Load()
	if cached != nil && cached.TargetID == state.TargetID && cached.Error == "" {
		state.Geometry = cached.Geometry
	}

	var group errgroup.Group
	title := "Page"
	group.Go(func() error {
		return recoverTask("title", p.logger, func() error {
			tctx, cancel := context.WithTimeout(ctx, p.opts.EnrichmentTimeout)
			defer cancel()
			t, err := p.protocol.Title(tctx, state.TargetID)
			if err != nil {
				p.logger.Debug("title read failed", zap.Error(err))
				return nil
			}
			if t != "" {
				title = t
			}
			return nil
		})
	})
	geometry := state.Geometry
	group.Go(func() error {
		return recoverTask("geometry", p.logger, func() error {
			gctx, cancel := context.WithTimeout(ctx, p.opts.EnrichmentTimeout)
			defer cancel()
			m, err := p.protocol.LayoutMetrics(gctx, state.TargetID)
			if err != nil {
				p.logger.Debug("layout metrics failed", zap.Error(err))
				return nil
			}
			geometry = ComputeGeometry(m, p.opts.ViewportWidth, p.opts.ViewportHeight)
			return nil
		})
	})
	_ = group.Wait()
	state.Title = title
	state.Geometry = geometry
}

// gateSignals builds the gate inputs. The pending-request count is checked once up
// front so a quiet network skips straight to the DOM wait.
func (p *Pipeline) gateSignals(targetID string) StabilitySignals {
	signals := StabilitySignals{
		Mutations: func(ctx context.Context) (<-chan struct{}, func(), error) {
			return p.protocol.SubscribeMutations(ctx, targetID)
		},
	}
	if len(p.protocol.PendingRequests(targetID)) > 0 {
		signals.PendingCount = func() int { return len(p.protocol.PendingRequests(targetID)) }
	}
	return signals
}

// WaitForStability runs the gate on the focused page with per-call limits.
func (p *Pipeline) WaitForStability(ctx context.Context, opts StabilityOptions) (StabilityReport, error) {
	target, err := p.protocol.FocusedTarget(ctx)
	if err != nil {
		return StabilityReport{}, fmt.Errorf("focused target: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = p.opts.Stability.PollInterval
	}
	return p.gate.WaitWith(ctx, p.gateSignals(target.TargetID), opts), nil
}

func (p *Pipeline) previousDOM(targetID string) *dom.State {
	cached := p.current.Load()
	if cached == nil || cached.TargetID != targetID || cached.DOM.Len() == 0 {
		return nil
	}
	return cached.DOM
}

func (p *Pipeline) errorState(targetID, msg string) *BrowserState {
	return &BrowserState{
		ID:              uuid.NewString(),
		TargetID:        targetID,
		Title:           "Error",
		Tabs:            []TargetInfo{},
		DOM:             dom.EmptyState(),
		Geometry:        DefaultGeometry(1280, 720),
		PendingRequests: []PendingRequest{},
		Pagination:      []dom.PaginationButton{},
		RecentEvents:    "[]",
		ClosedPopups:    []string{},
		BrowserErrors:   []string{msg},
		Error:           msg,
		CapturedAt:      time.Now(),
	}
}

func nonNilPending(reqs []PendingRequest) []PendingRequest {
	if reqs == nil {
		return []PendingRequest{}
	}
	return reqs
}

// recoverTask runs fn, converting a panic into a logged, swallowed failure.
func recoverTask(name string, logger *zap.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("task panicked", zap.String("task", name), zap.Any("panic", r))
			err = nil
		}
	}()
	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("task failed", zap.String("task", name), zap.Error(err))
	}
	return nil
}
