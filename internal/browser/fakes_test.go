package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pagepilot-mcp-server/internal/bridge"
	"pagepilot-mcp-server/internal/dom"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

// fakeProtocol is a scriptable Protocol. Zero values behave like an idle page.
type fakeProtocol struct {
	mu sync.Mutex

	focused    TargetInfo
	focusedErr error
	targets    []TargetInfo
	title      string
	titleErr   error
	metrics    *proto.PageGetLayoutMetricsResult
	shot       []byte
	pdf        []byte
	pdfErr     error
	document   *proto.DOMNode
	html       string
	pending    []PendingRequest
	nodeAt     *dom.Node
	boxes      map[int]*dom.Rect

	callErr      error
	callResult   gson.JSON
	evalResult   gson.JSON
	evalErr      error
	panicOnTitle bool

	documentCalls   int
	screenshotCalls int
	calls           []string
	pressed         []KeyPlan
	clicks          [][2]float64
	wheels          [][2]float64
}

func (f *fakeProtocol) note(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeProtocol) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeProtocol) FocusedTarget(ctx context.Context) (TargetInfo, error) {
	if f.focusedErr != nil {
		return TargetInfo{}, f.focusedErr
	}
	return f.focused, nil
}

func (f *fakeProtocol) Targets(ctx context.Context) ([]TargetInfo, error) {
	if f.targets == nil {
		return []TargetInfo{f.focused}, nil
	}
	return f.targets, nil
}

func (f *fakeProtocol) Title(ctx context.Context, targetID string) (string, error) {
	if f.panicOnTitle {
		panic("title exploded")
	}
	return f.title, f.titleErr
}

func (f *fakeProtocol) LayoutMetrics(ctx context.Context, targetID string) (*proto.PageGetLayoutMetricsResult, error) {
	if f.metrics == nil {
		return nil, errors.New("metrics unavailable")
	}
	return f.metrics, nil
}

func (f *fakeProtocol) Screenshot(ctx context.Context, targetID string) ([]byte, error) {
	f.mu.Lock()
	f.screenshotCalls++
	f.mu.Unlock()
	return f.shot, nil
}

func (f *fakeProtocol) PrintToPDF(ctx context.Context, targetID string) ([]byte, error) {
	f.note("PrintToPDF")
	return f.pdf, f.pdfErr
}

func (f *fakeProtocol) Document(ctx context.Context, targetID string) (*proto.DOMNode, error) {
	f.mu.Lock()
	f.documentCalls++
	f.mu.Unlock()
	if f.document == nil {
		return nil, errors.New("no document")
	}
	return f.document, nil
}

func (f *fakeProtocol) PageHTML(ctx context.Context, targetID string) (string, error) {
	return f.html, nil
}

func (f *fakeProtocol) CallOnNode(ctx context.Context, targetID string, backendNodeID int, fn string, args ...any) (gson.JSON, error) {
	f.note("CallOnNode")
	if f.callErr != nil {
		return gson.New(nil), f.callErr
	}
	return f.callResult, nil
}

func (f *fakeProtocol) DescribeNodeAt(ctx context.Context, targetID string, x, y int) (*dom.Node, error) {
	if f.nodeAt == nil {
		return nil, errors.New("no node at point")
	}
	return f.nodeAt, nil
}

func (f *fakeProtocol) NodeCenter(ctx context.Context, targetID string, backendNodeID int) (float64, float64, error) {
	return 40, 60, nil
}

func (f *fakeProtocol) NodeBox(ctx context.Context, targetID string, backendNodeID int) (*dom.Rect, error) {
	if r, ok := f.boxes[backendNodeID]; ok {
		return r, nil
	}
	return nil, errors.New("node has no box")
}

func (f *fakeProtocol) DispatchMouseWheel(ctx context.Context, targetID string, x, y, deltaX, deltaY float64) error {
	f.mu.Lock()
	f.wheels = append(f.wheels, [2]float64{x, deltaY})
	f.mu.Unlock()
	return nil
}

func (f *fakeProtocol) DispatchClick(ctx context.Context, targetID string, x, y float64) error {
	f.mu.Lock()
	f.clicks = append(f.clicks, [2]float64{x, y})
	f.mu.Unlock()
	return nil
}

func (f *fakeProtocol) Evaluate(ctx context.Context, targetID string, fn string, args ...any) (gson.JSON, error) {
	f.note("Evaluate")
	return f.evalResult, f.evalErr
}

func (f *fakeProtocol) SetFileInputFiles(ctx context.Context, targetID string, backendNodeID int, files []string) error {
	f.note("SetFileInputFiles")
	return nil
}

func (f *fakeProtocol) InsertText(ctx context.Context, targetID, text string) error {
	f.note("InsertText")
	return nil
}

func (f *fakeProtocol) PressKeys(ctx context.Context, targetID string, plan KeyPlan) error {
	f.mu.Lock()
	f.pressed = append(f.pressed, plan)
	f.mu.Unlock()
	return nil
}

func (f *fakeProtocol) NavigateBack(ctx context.Context, targetID string) error {
	f.note("NavigateBack")
	return nil
}

func (f *fakeProtocol) NavigateForward(ctx context.Context, targetID string) error {
	f.note("NavigateForward")
	return nil
}

func (f *fakeProtocol) Reload(ctx context.Context, targetID string) error {
	f.note("Reload")
	return nil
}

func (f *fakeProtocol) PendingRequests(targetID string) []PendingRequest {
	return f.pending
}

func (f *fakeProtocol) SubscribeMutations(ctx context.Context, targetID string) (<-chan struct{}, func(), error) {
	return make(chan struct{}), func() {}, nil
}

// fakeLocator records what the executor asked of it.
type fakeLocator struct {
	page     *fakePage
	selector string
}

func (l *fakeLocator) fail(op string) error {
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	l.page.ops = append(l.page.ops, op+" "+l.selector)
	return l.page.locatorErr
}

func (l *fakeLocator) ScrollIntoView(timeout time.Duration) error { return l.fail("scroll") }
func (l *fakeLocator) WaitVisible(timeout time.Duration) error    { return l.fail("visible") }
func (l *fakeLocator) BoundingBox() (*Box, error) {
	return &Box{X: 10, Y: 20, Width: 100, Height: 40}, l.fail("box")
}
func (l *fakeLocator) Click(timeout time.Duration) error              { return l.fail("click") }
func (l *fakeLocator) Fill(value string, timeout time.Duration) error { return l.fail("fill") }
func (l *fakeLocator) Clear(timeout time.Duration) error              { return l.fail("clear") }
func (l *fakeLocator) SelectOption(by SelectBy, value string, timeout time.Duration) error {
	return l.fail("select-by-" + by.String())
}
func (l *fakeLocator) SetInputFiles(paths []string, timeout time.Duration) error {
	return l.fail("files")
}
func (l *fakeLocator) Evaluate(expression string, arg any, timeout time.Duration) (any, error) {
	return nil, l.fail("evaluate")
}

// fakePage is an action-library page. locatorErr makes every locator call fail;
// pageErr does the same for page-level calls; block stalls page-level calls.
type fakePage struct {
	mu         sync.Mutex
	url        string
	closed     bool
	locatorErr error
	pageErr    error
	block      chan struct{}
	ops        []string
}

func (p *fakePage) record(op string) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	return p.pageErr
}

func (p *fakePage) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePage) URL() string    { return p.url }
func (p *fakePage) IsClosed() bool { return p.closed }
func (p *fakePage) Goto(url string, timeout time.Duration) error {
	p.url = url
	return p.record("goto " + url)
}
func (p *fakePage) GoBack(timeout time.Duration) error    { return p.record("back") }
func (p *fakePage) GoForward(timeout time.Duration) error { return p.record("forward") }
func (p *fakePage) Reload(timeout time.Duration) error    { return p.record("reload") }
func (p *fakePage) Locator(selector string) Locator {
	return &fakeLocator{page: p, selector: selector}
}
func (p *fakePage) GetByText(text string) Locator {
	return &fakeLocator{page: p, selector: "text=" + text}
}
func (p *fakePage) TypeText(text string, delay time.Duration) error { return p.record("type " + text) }
func (p *fakePage) PressKey(key string) error                       { return p.record("press " + key) }
func (p *fakePage) ClickAt(x, y float64) error                      { return p.record("click-at") }

type fakeLibrary struct {
	pages   []PageHandle
	created []*fakePage
}

func (l *fakeLibrary) Pages() ([]PageHandle, error) { return l.pages, nil }

func (l *fakeLibrary) NewPage() (PageHandle, error) {
	p := &fakePage{url: "about:blank"}
	l.created = append(l.created, p)
	l.pages = append(l.pages, p)
	return p, nil
}

// attachedBridge starts a bridge whose worker owns lib through reg.
func attachedBridge(t *testing.T, protocol Protocol, lib ActionLibrary) (*bridge.Bridge, *Registry) {
	t.Helper()
	var reg *Registry
	b := bridge.New(bridge.Options{
		DefaultTimeout: 2 * time.Second,
		Init: func(ctx context.Context) error {
			reg.Attach(lib)
			return nil
		},
		Shutdown: func() { reg.Detach() },
	}, nil)
	reg = NewRegistry(b, protocol, RegistryOptions{LookupTimeout: time.Second, NavigationTimeout: time.Second}, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b, reg
}

func pageTarget(id, url string) TargetInfo {
	return TargetInfo{TargetID: id, Type: "page", URL: url}
}
