package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StabilityOptions bounds the two sub-waits of the gate.
type StabilityOptions struct {
	MaxNetworkWait time.Duration
	PollInterval   time.Duration
	DOMQuietPeriod time.Duration
	MaxDOMWait     time.Duration
}

// DefaultStabilityOptions returns 3s network, 200ms poll, 2s quiet, 5s DOM cap.
func DefaultStabilityOptions() StabilityOptions {
	return StabilityOptions{
		MaxNetworkWait: 3 * time.Second,
		PollInterval:   200 * time.Millisecond,
		DOMQuietPeriod: 2 * time.Second,
		MaxDOMWait:     5 * time.Second,
	}
}

func (o StabilityOptions) withDefaults() StabilityOptions {
	d := DefaultStabilityOptions()
	if o.MaxNetworkWait <= 0 {
		o.MaxNetworkWait = d.MaxNetworkWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.DOMQuietPeriod <= 0 {
		o.DOMQuietPeriod = d.DOMQuietPeriod
	}
	if o.MaxDOMWait <= 0 {
		o.MaxDOMWait = d.MaxDOMWait
	}
	return o
}

// StabilitySignals supplies the signals the gate watches. A nil field skips the
// matching sub-wait.
type StabilitySignals struct {
	// PendingCount returns the current number of relevant in-flight requests.
	PendingCount func() int
	// Mutations subscribes to DOM mutation notifications; the returned func
	// unsubscribes.
	Mutations func(ctx context.Context) (<-chan struct{}, func(), error)
}

// StabilityReport describes how the gate ended.
type StabilityReport struct {
	NetworkIdle   bool          `json:"network_idle"`
	NetworkWaited time.Duration `json:"network_waited"`
	DOMQuiet      bool          `json:"dom_quiet"`
	DOMWaited     time.Duration `json:"dom_waited"`
	Mutations     int           `json:"mutations"`
	NetworkError  string        `json:"network_error,omitempty"`
	DOMError      string        `json:"dom_error,omitempty"`
}

// Gate waits for network and DOM quiescence.
type Gate struct {
	opts   StabilityOptions
	logger *zap.Logger
}

func NewGate(opts StabilityOptions, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{opts: opts.withDefaults(), logger: logger.Named("stability")}
}

// Options returns the effective options.
func (g *Gate) Options() StabilityOptions { return g.opts }

// Wait runs the network wait and the DOM-mutation wait concurrently and returns
// once both have finished or hit their caps. Neither failure cancels the other
// and Wait itself never fails.
func (g *Gate) Wait(ctx context.Context, signals StabilitySignals) StabilityReport {
	return g.WaitWith(ctx, signals, g.opts)
}

// WaitWith is Wait with per-call options.
func (g *Gate) WaitWith(ctx context.Context, signals StabilitySignals, opts StabilityOptions) StabilityReport {
	opts = opts.withDefaults()
	var report StabilityReport
	var group errgroup.Group

	if signals.PendingCount != nil {
		group.Go(func() error {
			started := time.Now()
			idle, err := guard(func() (bool, error) { return g.waitNetwork(ctx, signals.PendingCount, opts) })
			report.NetworkIdle = idle
			report.NetworkWaited = time.Since(started)
			if err != nil {
				report.NetworkError = err.Error()
				g.logger.Debug("network wait failed", zap.Error(err))
			}
			return nil
		})
	} else {
		report.NetworkIdle = true
	}

	if signals.Mutations != nil {
		group.Go(func() error {
			started := time.Now()
			var seen int
			quiet, err := guard(func() (bool, error) {
				q, n, err := g.waitDOM(ctx, signals.Mutations, opts)
				seen = n
				return q, err
			})
			report.DOMQuiet = quiet
			report.DOMWaited = time.Since(started)
			report.Mutations = seen
			if err != nil {
				report.DOMError = err.Error()
				g.logger.Debug("dom wait failed", zap.Error(err))
			}
			return nil
		})
	} else {
		report.DOMQuiet = true
	}

	_ = group.Wait()
	g.logger.Debug("stability gate finished",
		zap.Bool("network_idle", report.NetworkIdle),
		zap.Duration("network_waited", report.NetworkWaited),
		zap.Bool("dom_quiet", report.DOMQuiet),
		zap.Duration("dom_waited", report.DOMWaited),
		zap.Int("mutations", report.Mutations))
	return report
}

// waitNetwork polls until no request is pending or the cap expires.
func (g *Gate) waitNetwork(ctx context.Context, pending func() int, opts StabilityOptions) (bool, error) {
	if pending() == 0 {
		return true, nil
	}
	deadline := time.NewTimer(opts.MaxNetworkWait)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			if pending() == 0 {
				return true, nil
			}
		}
	}
}

// waitDOM succeeds once no mutation arrives for the quiet period. Every mutation
// restarts the quiet timer; the hard cap ends the wait regardless.
func (g *Gate) waitDOM(ctx context.Context, subscribe func(context.Context) (<-chan struct{}, func(), error), opts StabilityOptions) (bool, int, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mutations, unsubscribe, err := subscribe(subCtx)
	if err != nil {
		return false, 0, fmt.Errorf("subscribe to dom mutations: %w", err)
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}

	hardCap := time.NewTimer(opts.MaxDOMWait)
	defer hardCap.Stop()
	quiet := time.NewTimer(opts.DOMQuietPeriod)
	defer quiet.Stop()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return false, seen, ctx.Err()
		case <-hardCap.C:
			return false, seen, nil
		case <-quiet.C:
			return true, seen, nil
		case _, ok := <-mutations:
			if !ok {
				// Source closed; fall back to plain quiet-period timing.
				mutations = nil
				continue
			}
			seen++
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(opts.DOMQuietPeriod)
		}
	}
}

func guard(fn func() (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
