package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type traceEntry struct {
	kind, session string
	data          interface{}
}

type memTracer struct {
	mu      sync.Mutex
	entries []traceEntry
}

func (m *memTracer) Log(eventType, sessionID string, data interface{}) {
	m.mu.Lock()
	m.entries = append(m.entries, traceEntry{eventType, sessionID, data})
	m.mu.Unlock()
}

func (m *memTracer) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.kind)
	}
	return out
}

func element(id int, tag string, attrs []string, children ...*proto.DOMNode) *proto.DOMNode {
	return &proto.DOMNode{
		NodeType:      1,
		NodeName:      tag,
		BackendNodeID: proto.DOMBackendNodeID(id),
		Attributes:    attrs,
		Children:      children,
	}
}

func textNode(v string) *proto.DOMNode {
	return &proto.DOMNode{NodeType: 3, NodeName: "#text", NodeValue: v}
}

func formDocument() *proto.DOMNode {
	return &proto.DOMNode{NodeType: 9, NodeName: "#document", Children: []*proto.DOMNode{
		element(1, "HTML", nil,
			element(2, "BODY", nil,
				element(10, "INPUT", []string{"id", "email", "type", "email"}),
				element(11, "BUTTON", []string{"id", "go"}, textNode("Go")),
				element(12, "A", []string{"href", "/page/2"}, textNode("Next")),
			),
		),
	}}
}

func quickPipelineOptions() PipelineOptions {
	return PipelineOptions{
		Stability: StabilityOptions{
			MaxNetworkWait: 100 * time.Millisecond,
			PollInterval:   10 * time.Millisecond,
			DOMQuietPeriod: 20 * time.Millisecond,
			MaxDOMWait:     100 * time.Millisecond,
		},
		EnrichmentTimeout: 200 * time.Millisecond,
	}
}

func newTestPipeline(p Protocol, events *EventLog, tracer Tracer) *Pipeline {
	return NewPipeline(p, nil, events, tracer, quickPipelineOptions(), nil)
}

func httpProtocol() *fakeProtocol {
	return &fakeProtocol{
		focused:  pageTarget("T1", "https://example.com/form"),
		title:    "Sign up",
		document: formDocument(),
		shot:     []byte("png"),
		metrics: &proto.PageGetLayoutMetricsResult{
			CSSLayoutViewport: &proto.PageLayoutViewport{ClientWidth: 1024, ClientHeight: 600},
			ContentSize:       &proto.DOMRect{Width: 1024, Height: 2000},
		},
	}
}

func countStateEvents(log *EventLog) int {
	n := 0
	for _, ev := range log.Recent(0) {
		if _, ok := ev.(StateCapturedEvent); ok {
			n++
		}
	}
	return n
}

func TestCaptureNonHTTPFastPath(t *testing.T) {
	fp := &fakeProtocol{focused: pageTarget("T1", "about:blank"), document: formDocument()}
	p := newTestPipeline(fp, NewEventLog(10, nil, nil), nil)

	state := p.Capture(context.Background(), StateRequest{IncludeDOM: true, IncludeScreenshot: true})

	assert.Empty(t, state.Error)
	assert.Equal(t, "Empty Tab", state.Title)
	assert.Zero(t, fp.documentCalls)
	assert.Zero(t, fp.screenshotCalls)
	assert.Nil(t, state.Stability, "the gate is skipped")
	assert.Zero(t, state.DOM.Len())
	assert.NotNil(t, state.PendingRequests)
	assert.NotNil(t, state.Pagination)
	assert.Equal(t, "[]", state.RecentEvents)
	assert.Same(t, state, p.Current())
}

func TestCaptureFullState(t *testing.T) {
	fp := httpProtocol()
	fp.targets = []TargetInfo{
		fp.focused,
		{TargetID: "W", Type: "service_worker", URL: "https://example.com/sw.js"},
	}
	fp.pending = []PendingRequest{{URL: "https://example.com/api", Method: "GET"}}
	events := NewEventLog(10, nil, nil)
	tracer := &memTracer{}
	p := newTestPipeline(fp, events, tracer)

	state := p.Capture(context.Background(), StateRequest{IncludeDOM: true, IncludeScreenshot: true})

	require.Empty(t, state.Error)
	assert.NotEmpty(t, state.ID)
	assert.Equal(t, "T1", state.TargetID)
	assert.Equal(t, "Sign up", state.Title)
	assert.Equal(t, []byte("png"), state.Screenshot)
	assert.Equal(t, 3, state.DOM.Len())
	assert.Len(t, state.Tabs, 1, "only page targets are tabs")
	assert.Equal(t, 1024, state.Geometry.ViewportWidth)
	assert.Equal(t, 1400, state.Geometry.PixelsBelow)
	require.NotNil(t, state.Stability)
	assert.True(t, state.Stability.DOMQuiet)
	assert.Len(t, state.PendingRequests, 1)
	require.Len(t, state.Pagination, 1)
	assert.Equal(t, "next", state.Pagination[0].Type)
	assert.Contains(t, state.Timing, "capture_ms")
	assert.False(t, state.IsPDFViewer)

	elements := state.Elements()
	require.Len(t, elements, 3)
	assert.Equal(t, 10, elements[0].Index)

	assert.Equal(t, 1, countStateEvents(events))
	assert.Equal(t, []string{"snapshot"}, tracer.kinds())
	assert.Same(t, state, p.Current())
}

func TestCaptureEnrichmentFallbacks(t *testing.T) {
	fp := httpProtocol()
	fp.titleErr = errors.New("title timeout")
	fp.metrics = nil
	p := newTestPipeline(fp, nil, nil)

	state := p.Capture(context.Background(), StateRequest{IncludeDOM: true})

	assert.Empty(t, state.Error)
	assert.Equal(t, "Page", state.Title)
	assert.Equal(t, DefaultGeometry(1280, 720), state.Geometry)
	assert.Nil(t, state.Screenshot)
}

func TestCaptureKeepsCachedGeometry(t *testing.T) {
	fp := httpProtocol()
	p := newTestPipeline(fp, nil, nil)
	first := p.Capture(context.Background(), StateRequest{})
	require.Equal(t, 1024, first.Geometry.ViewportWidth)

	fp.metrics = nil
	second := p.Capture(context.Background(), StateRequest{})
	assert.Equal(t, first.Geometry, second.Geometry)
}

func TestCaptureNeverFails(t *testing.T) {
	t.Run("no focused target", func(t *testing.T) {
		fp := httpProtocol()
		p := newTestPipeline(fp, nil, nil)
		good := p.Capture(context.Background(), StateRequest{IncludeDOM: true})
		require.Empty(t, good.Error)

		fp.focusedErr = errors.New("browser gone")
		state := p.Capture(context.Background(), StateRequest{IncludeDOM: true})
		require.NotNil(t, state)
		assert.Contains(t, state.Error, "browser gone")
		assert.Equal(t, "Error", state.Title)
		assert.Equal(t, []string{state.Error}, state.BrowserErrors)
		assert.Equal(t, "[]", state.RecentEvents)
		assert.NotNil(t, state.Tabs)
		assert.Same(t, state, p.Current(), "error snapshot replaces the cached one")
	})

	t.Run("panic inside capture", func(t *testing.T) {
		p := newTestPipeline(panickyProtocol{httpProtocol()}, nil, nil)
		state := p.Capture(context.Background(), StateRequest{IncludeDOM: true})
		assert.Contains(t, state.Error, "panic")
		assert.Same(t, state, p.Current())
	})

	t.Run("failure replaces the cached snapshot", func(t *testing.T) {
		fp := httpProtocol()
		p := newTestPipeline(fp, nil, nil)
		first := p.Capture(context.Background(), StateRequest{IncludeDOM: true})
		require.Empty(t, first.Error)
		_, ok := p.Current().DOM.Lookup(11)
		require.True(t, ok)

		fp.focusedErr = errors.New("browser gone")
		failed := p.Capture(context.Background(), StateRequest{IncludeDOM: true})
		require.NotEmpty(t, failed.Error)
		assert.Same(t, failed, p.Current())
		_, ok = p.Current().DOM.Lookup(11)
		assert.False(t, ok, "indexes of the old snapshot no longer resolve")
	})

	t.Run("panic inside enrichment", func(t *testing.T) {
		fp := httpProtocol()
		fp.panicOnTitle = true
		p := newTestPipeline(fp, nil, nil)
		state := p.Capture(context.Background(), StateRequest{IncludeDOM: true})
		assert.Empty(t, state.Error)
		assert.Equal(t, "Page", state.Title)
	})

	t.Run("dom build failure", func(t *testing.T) {
		fp := httpProtocol()
		fp.document = nil
		p := newTestPipeline(fp, nil, nil)
		state := p.Capture(context.Background(), StateRequest{IncludeDOM: true})
		assert.Empty(t, state.Error)
		assert.Zero(t, state.DOM.Len())
		assert.NotNil(t, state.DOM.SelectorMap)
	})
}

type panickyProtocol struct{ *fakeProtocol }

func (panickyProtocol) Targets(ctx context.Context) ([]TargetInfo, error) {
	panic("target list corrupted")
}

func TestCaptureWithoutDOMIsIdempotent(t *testing.T) {
	fp := httpProtocol()
	events := NewEventLog(10, nil, nil)
	p := newTestPipeline(fp, events, nil)
	ctx := context.Background()

	first := p.Capture(ctx, StateRequest{IncludeScreenshot: true})
	before := len(events.Recent(0))
	second := p.Capture(ctx, StateRequest{IncludeScreenshot: true})

	assert.Equal(t, before, len(events.Recent(0)), "screenshot-only captures publish nothing")
	assert.Zero(t, countStateEvents(events))
	assert.Zero(t, fp.documentCalls)
	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, first.RecentEvents, second.RecentEvents)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCaptureMarksNewElements(t *testing.T) {
	fp := httpProtocol()
	p := newTestPipeline(fp, nil, nil)
	ctx := context.Background()

	first := p.Capture(ctx, StateRequest{IncludeDOM: true})
	for _, n := range first.DOM.SelectorMap {
		assert.False(t, n.IsNew, "no baseline on the first capture")
	}

	body := fp.document.Children[0].Children[0]
	body.Children = append(body.Children, element(13, "BUTTON", nil, textNode("Added")))
	second := p.Capture(ctx, StateRequest{IncludeDOM: true})

	added, ok := second.DOM.Lookup(13)
	require.True(t, ok)
	assert.True(t, added.IsNew)
	old, _ := second.DOM.Lookup(11)
	assert.False(t, old.IsNew)
}

func TestCaptureDetectsPDFViewer(t *testing.T) {
	fp := httpProtocol()
	fp.focused = pageTarget("T1", "https://example.com/files/report.PDF?download=1")
	p := newTestPipeline(fp, nil, nil)
	assert.True(t, p.Capture(context.Background(), StateRequest{}).IsPDFViewer)

	fp.focused = pageTarget("T1", "https://example.com/viewer")
	fp.document = &proto.DOMNode{NodeType: 9, Children: []*proto.DOMNode{
		element(1, "HTML", nil, element(2, "BODY", nil, element(3, "EMBED", []string{"type", "application/pdf"}))),
	}}
	assert.True(t, p.Capture(context.Background(), StateRequest{IncludeDOM: true}).IsPDFViewer)
}

func TestClearDropsSnapshot(t *testing.T) {
	p := newTestPipeline(httpProtocol(), nil, nil)
	p.Capture(context.Background(), StateRequest{})
	require.NotNil(t, p.Current())
	p.Clear()
	assert.Nil(t, p.Current())
}

func TestWaitForStability(t *testing.T) {
	fp := httpProtocol()
	p := newTestPipeline(fp, nil, nil)

	report, err := p.WaitForStability(context.Background(), StabilityOptions{DOMQuietPeriod: 10 * time.Millisecond, MaxDOMWait: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, report.NetworkIdle)
	assert.True(t, report.DOMQuiet)

	fp.focusedErr = errors.New("no page")
	_, err = p.WaitForStability(context.Background(), StabilityOptions{})
	assert.Error(t, err)
}
