package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pagepilot-mcp-server/internal/bridge"

	"go.uber.org/zap"
)

// Registry maps CDP target ids to action-library page handles. The map and every
// page handle are touched only inside bridge tasks.
//
// Matching is by URL and therefore best effort: several pages sharing a URL (for
// example about:blank tabs) are paired with targets by position, and a target
// with no URL match falls back to the most recently created page. Without a
// correlation id from the protocol this is the most that can be done.
type Registry struct {
	bridge   *bridge.Bridge
	protocol Protocol
	logger   *zap.Logger
	timeout  time.Duration
	navWait  time.Duration

	// worker-owned
	lib   ActionLibrary
	pages map[string]PageHandle
}

// RegistryOptions bounds registry operations on the worker.
type RegistryOptions struct {
	LookupTimeout     time.Duration
	NavigationTimeout time.Duration
}

func NewRegistry(b *bridge.Bridge, protocol Protocol, opts RegistryOptions, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 15 * time.Second
	}
	return &Registry{
		bridge:   b,
		protocol: protocol,
		logger:   logger.Named("registry"),
		timeout:  opts.LookupTimeout,
		navWait:  opts.NavigationTimeout,
		pages:    make(map[string]PageHandle),
	}
}

// Attach installs the action library. Call it from the bridge Init hook.
func (r *Registry) Attach(lib ActionLibrary) {
	r.lib = lib
	r.pages = make(map[string]PageHandle)
}

// Detach drops the library and every mapping. Call it from the bridge Shutdown hook.
func (r *Registry) Detach() {
	r.lib = nil
	r.pages = make(map[string]PageHandle)
}

// Resolve returns the page handle for targetID, cache first. A cached handle that
// reports closed is evicted and ErrPageNotFound returned.
func (r *Registry) Resolve(ctx context.Context, targetID string) (PageHandle, error) {
	type cached struct {
		page   PageHandle
		closed bool
	}
	hit, err := bridge.Do(ctx, r.bridge, r.timeout, func(ctx context.Context) (cached, error) {
		p, ok := r.pages[targetID]
		if !ok {
			return cached{}, nil
		}
		if p.IsClosed() {
			delete(r.pages, targetID)
			return cached{closed: true}, nil
		}
		return cached{page: p}, nil
	})
	if err != nil {
		return nil, err
	}
	if hit.closed {
		r.logger.Debug("evicted closed page", zap.String("target", targetID))
		return nil, fmt.Errorf("%w: %s (page closed)", ErrPageNotFound, targetID)
	}
	if hit.page != nil {
		return hit.page, nil
	}

	targets, err := r.protocol.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	return bridge.Do(ctx, r.bridge, r.timeout, func(ctx context.Context) (PageHandle, error) {
		if r.lib == nil {
			return nil, errors.New("action library not attached")
		}
		pages, err := r.lib.Pages()
		if err != nil {
			return nil, fmt.Errorf("list pages: %w", err)
		}
		page := matchPage(targetID, targets, pages, r.claimedElsewhere(targetID))
		if page == nil {
			return nil, fmt.Errorf("%w: %s", ErrPageNotFound, targetID)
		}
		r.pages[targetID] = page
		return page, nil
	})
}

// claimedElsewhere returns live pages already mapped to other targets. Worker only.
func (r *Registry) claimedElsewhere(targetID string) map[PageHandle]bool {
	claimed := make(map[PageHandle]bool, len(r.pages))
	for id, p := range r.pages {
		if id != targetID && !p.IsClosed() {
			claimed[p] = true
		}
	}
	return claimed
}

// matchPage pairs targetID with one of pages. Worker only.
func matchPage(targetID string, targets []TargetInfo, pages []PageHandle, claimed map[PageHandle]bool) PageHandle {
	var target *TargetInfo
	for i := range targets {
		if targets[i].TargetID == targetID {
			target = &targets[i]
			break
		}
	}
	if target == nil {
		return nil
	}

	var open []PageHandle
	for _, p := range pages {
		if !p.IsClosed() && !claimed[p] {
			open = append(open, p)
		}
	}

	var sameURL []PageHandle
	for _, p := range open {
		if p.URL() == target.URL {
			sameURL = append(sameURL, p)
		}
	}
	if len(sameURL) == 1 {
		return sameURL[0]
	}
	if len(sameURL) > 1 {
		// Several pages share the URL: pair by position among page-typed targets
		// with the same URL, falling back to the newest page.
		pos := -1
		n := 0
		for _, t := range targets {
			if !t.IsPage() || t.URL != target.URL {
				continue
			}
			if t.TargetID == targetID {
				pos = n
			}
			n++
		}
		if pos >= 0 && pos < len(sameURL) {
			return sameURL[pos]
		}
		return sameURL[len(sameURL)-1]
	}

	// No URL match: the newest page target maps to the newest page.
	var newest *TargetInfo
	for i := range targets {
		if targets[i].IsPage() {
			newest = &targets[i]
		}
	}
	if newest != nil && newest.TargetID == targetID && len(open) > 0 {
		return open[len(open)-1]
	}
	return nil
}

// Evict removes the mapping for targetID without waiting.
func (r *Registry) Evict(targetID string) {
	r.bridge.FireAndForget(func(ctx context.Context) (any, error) {
		delete(r.pages, targetID)
		return nil, nil
	})
}

// Refresh speculatively resolves targetID in the background.
func (r *Registry) Refresh(targetID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if _, err := r.Resolve(ctx, targetID); err != nil {
			r.logger.Debug("speculative resolve failed", zap.String("target", targetID), zap.Error(err))
		}
	}()
}

// Len returns the number of cached mappings.
func (r *Registry) Len(ctx context.Context) (int, error) {
	return bridge.Do(ctx, r.bridge, r.timeout, func(ctx context.Context) (int, error) {
		return len(r.pages), nil
	})
}

// CreatePage opens url in a new page through the action library and returns
// the target id it was matched to.
func (r *Registry) CreatePage(ctx context.Context, url string) (string, error) {
	page, err := bridge.Do(ctx, r.bridge, r.navWait+r.timeout, func(ctx context.Context) (PageHandle, error) {
		if r.lib == nil {
			return nil, errors.New("action library not attached")
		}
		p, err := r.lib.NewPage()
		if err != nil {
			return nil, err
		}
		if url != "" {
			if err := p.Goto(url, r.navWait); err != nil {
				r.logger.Warn("navigation in new page failed", zap.String("url", url), zap.Error(err))
			}
		}
		return p, nil
	})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}

	// Let the new target show up in the protocol's target list.
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	targets, err := r.protocol.Targets(ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}

	return bridge.Do(ctx, r.bridge, r.timeout, func(ctx context.Context) (string, error) {
		pageURL := page.URL()
		var byURL, lastPage string
		for _, t := range targets {
			if t.IsPage() {
				lastPage = t.TargetID
			}
			if t.URL == pageURL && (byURL == "" || t.IsPage()) {
				if _, taken := r.pages[t.TargetID]; !taken {
					byURL = t.TargetID
				}
			}
		}
		id := byURL
		if id == "" {
			id = lastPage
		}
		if id == "" {
			return "", fmt.Errorf("%w: no target for new page %s", ErrPageNotFound, pageURL)
		}
		r.pages[id] = page
		return id, nil
	})
}
