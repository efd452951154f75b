package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pagepilot-mcp-server/internal/dom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

type executorFixture struct {
	exec     *Executor
	protocol *fakeProtocol
	page     *fakePage
	events   *EventLog
	tracer   *memTracer
	pipeline *Pipeline
}

func newExecutorFixture(t *testing.T, nodes ...*dom.Node) *executorFixture {
	t.Helper()
	const url = "https://example.com/form"
	fp := &fakeProtocol{focused: pageTarget("T1", url), targets: []TargetInfo{pageTarget("T1", url)}}
	page := &fakePage{url: url}
	b, reg := attachedBridge(t, fp, &fakeLibrary{pages: []PageHandle{page}})

	events := NewEventLog(20, nil, nil)
	tracer := &memTracer{}
	pipeline := newTestPipeline(fp, events, tracer)
	selectorMap := dom.SelectorMap{}
	for _, n := range nodes {
		selectorMap[n.BackendNodeID] = n
	}
	pipeline.current.Store(&BrowserState{
		TargetID: "T1",
		URL:      url,
		DOM:      &dom.State{SelectorMap: selectorMap},
		Geometry: DefaultGeometry(1280, 720),
	})

	pdf := NewPDFWriter(fp, events, t.TempDir(), time.Second, 100*time.Millisecond, nil)
	exec := NewExecutor(b, reg, fp, pipeline, pdf, events, tracer, ExecutorOptions{
		LocatorTimeout: 50 * time.Millisecond,
		ActionTimeout:  100 * time.Millisecond,
		MaxWait:        50 * time.Millisecond,
		TypeDelay:      time.Millisecond,
	}, nil)
	return &executorFixture{exec: exec, protocol: fp, page: page, events: events, tracer: tracer, pipeline: pipeline}
}

func (f *executorFixture) lastOutcome(t *testing.T) ActionEvent {
	t.Helper()
	recent := f.events.Recent(0)
	for _, ev := range recent {
		if a, ok := ev.(ActionEvent); ok {
			return a
		}
	}
	t.Fatal("no action event published")
	return ActionEvent{}
}

func button(id int, htmlID string) *dom.Node {
	return &dom.Node{BackendNodeID: id, Tag: "button", Attributes: map[string]string{"id": htmlID}, Text: "Go"}
}

func TestExecuteNoFocusedTarget(t *testing.T) {
	f := newExecutorFixture(t)
	f.protocol.focusedErr = errors.New("no tabs")

	_, err := f.exec.Execute(context.Background(), Action{Kind: ActionWait})
	assert.ErrorIs(t, err, ErrNoFocusedTarget)
}

func TestExecuteUnknownAction(t *testing.T) {
	f := newExecutorFixture(t)
	res, err := f.exec.Execute(context.Background(), Action{Kind: "hover"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ValidationError, "unknown action")
}

func TestClickLibraryPath(t *testing.T) {
	f := newExecutorFixture(t, button(7, "go"))

	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 7})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, methodLibrary, res.Method)
	assert.Equal(t, "#go", res.Metadata["selector"])
	assert.Equal(t, 60.0, res.Metadata["click_x"])
	assert.Equal(t, 40.0, res.Metadata["click_y"])
	assert.Equal(t, []string{"scroll #go", "visible #go", "box #go", "click #go"}, f.page.Ops())
	assert.False(t, f.protocol.called("CallOnNode"))
	assert.Equal(t, "ok", f.lastOutcome(t).Outcome)
	assert.Contains(t, f.tracer.kinds(), "action")
}

func TestClickFallsBackToProtocol(t *testing.T) {
	f := newExecutorFixture(t, button(7, "go"))
	f.page.locatorErr = errors.New("element intercepted")

	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 7})
	require.NoError(t, err)
	assert.Equal(t, methodProtocol, res.Method)
	assert.Equal(t, 40.0, res.Metadata["click_x"])
	assert.True(t, f.protocol.called("CallOnNode"))
	assert.Equal(t, "fallback", f.lastOutcome(t).Outcome)
}

func TestClickBothPathsFailStale(t *testing.T) {
	f := newExecutorFixture(t, button(7, "go"))
	f.page.locatorErr = errors.New("element is not attached to the DOM")
	f.protocol.callErr = errors.New("No node with given id found")

	_, err := f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 7})
	require.Error(t, err)
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.True(t, actionErr.PossiblyStale)
	assert.ErrorIs(t, err, ErrStaleElement)
	assert.NotNil(t, actionErr.Fallback)
	assert.Contains(t, err.Error(), "Get fresh browser state")
	assert.Equal(t, "failed", f.lastOutcome(t).Outcome)
}

func TestClickUnknownIndex(t *testing.T) {
	f := newExecutorFixture(t)

	_, err := f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 99})
	assert.ErrorIs(t, err, ErrElementNotFound)
	assert.ErrorIs(t, err, ErrStaleElement)
	assert.Empty(t, f.page.Ops())
}

func TestClickRejectsFileInputAndSelect(t *testing.T) {
	file := &dom.Node{BackendNodeID: 3, Tag: "input", Attributes: map[string]string{"type": "file", "id": "f"}}
	sel := &dom.Node{BackendNodeID: 4, Tag: "select", Attributes: map[string]string{"id": "s"}}
	f := newExecutorFixture(t, file, sel)

	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 3})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ValidationError, "upload_file")

	res, err = f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 4})
	require.NoError(t, err)
	assert.Contains(t, res.ValidationError, "select_dropdown_option")

	assert.Empty(t, f.page.Ops(), "nothing was clicked")
	assert.False(t, f.protocol.called("CallOnNode"))
	assert.Equal(t, "invalid", f.lastOutcome(t).Outcome)
}

func TestClickPrintButtonSavesPDF(t *testing.T) {
	printBtn := &dom.Node{BackendNodeID: 5, Tag: "button", Attributes: map[string]string{"onclick": "window.print()"}}
	f := newExecutorFixture(t, printBtn)
	f.protocol.title = "Invoice #42"
	f.protocol.pdf = []byte("%PDF-1.4 not really")

	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 5})
	require.NoError(t, err)
	assert.Equal(t, methodPDF, res.Method)
	require.NotNil(t, res.Download)
	assert.Equal(t, "Invoice 42.pdf", res.Download.FileName)
	_, statErr := os.Stat(res.Download.Path)
	assert.NoError(t, statErr)
	assert.Empty(t, f.page.Ops(), "the print dialog is never opened")
}

func TestClickPrintButtonFallsBackToClick(t *testing.T) {
	printBtn := &dom.Node{BackendNodeID: 5, Tag: "button", Attributes: map[string]string{"id": "print", "onclick": "print()"}}
	f := newExecutorFixture(t, printBtn)
	f.protocol.pdfErr = errors.New("printing disabled")

	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClick, Index: 5})
	require.NoError(t, err)
	assert.Equal(t, methodLibrary, res.Method)
	assert.Contains(t, f.page.Ops(), "click #print")
}

func TestClickCoordinate(t *testing.T) {
	t.Run("checks element at point", func(t *testing.T) {
		f := newExecutorFixture(t)
		f.protocol.nodeAt = &dom.Node{Tag: "select"}
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClickCoordinate, X: 10, Y: 10})
		require.NoError(t, err)
		assert.NotEmpty(t, res.ValidationError)
		assert.Empty(t, f.page.Ops())
	})

	t.Run("force skips checks", func(t *testing.T) {
		f := newExecutorFixture(t)
		f.protocol.nodeAt = &dom.Node{Tag: "select"}
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClickCoordinate, X: 10, Y: 10, Force: true})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"click-at"}, f.page.Ops())
	})

	t.Run("unknown point still clicks", func(t *testing.T) {
		f := newExecutorFixture(t)
		f.page.pageErr = errors.New("mouse unavailable")
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionClickCoordinate, X: 5, Y: 6})
		require.NoError(t, err)
		assert.Equal(t, methodProtocol, res.Method)
		assert.Equal(t, [][2]float64{{5, 6}}, f.protocol.clicks)
	})
}

func TestBridgeTimeoutSkipsFallback(t *testing.T) {
	f := newExecutorFixture(t)
	block := make(chan struct{})
	f.page.block = block
	t.Cleanup(func() { close(block) })

	_, err := f.exec.Execute(context.Background(), Action{Kind: ActionClickCoordinate, X: 1, Y: 1, Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, f.protocol.clicks, "the fallback must not repeat an action that may have happened")
}

func TestTypeText(t *testing.T) {
	email := &dom.Node{BackendNodeID: 10, Tag: "input", Attributes: map[string]string{"id": "email", "type": "email"}}
	date := &dom.Node{BackendNodeID: 11, Tag: "input", Attributes: map[string]string{"id": "when", "type": "date"}}

	t.Run("clear then fill", func(t *testing.T) {
		f := newExecutorFixture(t, email)
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionType, Index: 10, Text: "a@b.c"})
		require.NoError(t, err)
		assert.Equal(t, []string{"scroll #email", "box #email", "clear #email", "fill #email"}, f.page.Ops())
		assert.Equal(t, 60.0, res.Metadata["input_x"])
	})

	t.Run("append keeps value", func(t *testing.T) {
		f := newExecutorFixture(t, email)
		keep := false
		_, err := f.exec.Execute(context.Background(), Action{Kind: ActionType, Index: 10, Text: "xyz", Clear: &keep})
		require.NoError(t, err)
		assert.Equal(t, []string{"scroll #email", "box #email", "evaluate #email", "type xyz"}, f.page.Ops())
	})

	t.Run("date widgets get the value assigned", func(t *testing.T) {
		f := newExecutorFixture(t, date)
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionType, Index: 11, Text: "2026-01-01"})
		require.NoError(t, err)
		assert.Equal(t, true, res.Metadata["direct_value"])
		assert.Contains(t, f.page.Ops(), "evaluate #when")
	})

	t.Run("index zero types into the page", func(t *testing.T) {
		f := newExecutorFixture(t)
		_, err := f.exec.Execute(context.Background(), Action{Kind: ActionType, Text: "hello"})
		require.NoError(t, err)
		assert.Equal(t, []string{"type hello"}, f.page.Ops())
	})

	t.Run("protocol value setter on library failure", func(t *testing.T) {
		f := newExecutorFixture(t, email)
		f.page.locatorErr = errors.New("not editable")
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionType, Index: 10, Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, methodProtocol, res.Method)
		assert.True(t, f.protocol.called("CallOnNode"))
	})

	t.Run("page typing when element paths fail", func(t *testing.T) {
		f := newExecutorFixture(t, email)
		f.page.locatorErr = errors.New("not editable")
		f.protocol.callErr = errors.New("cannot set value")
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionType, Index: 10, Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, true, res.Metadata["page_typing"])
	})

	t.Run("sensitive text is masked in the trace", func(t *testing.T) {
		f := newExecutorFixture(t, email)
		_, err := f.exec.Execute(context.Background(), Action{Kind: ActionType, Index: 10, Text: "hunter2", Sensitive: true, SensitiveKey: "password"})
		require.NoError(t, err)
		f.tracer.mu.Lock()
		defer f.tracer.mu.Unlock()
		last := f.tracer.entries[len(f.tracer.entries)-1]
		data := last.data.(map[string]any)
		assert.Equal(t, "<secret>password</secret>", data["text"])
	})
}

func TestScroll(t *testing.T) {
	t.Run("page scroll", func(t *testing.T) {
		f := newExecutorFixture(t)
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionScroll, Down: true, Pages: 0.5})
		require.NoError(t, err)
		assert.Equal(t, 360.0, res.Metadata["delta_y"])
		assert.Equal(t, []string{"evaluate :root"}, f.page.Ops())
	})

	t.Run("page scroll falls back to the wheel", func(t *testing.T) {
		f := newExecutorFixture(t)
		f.page.locatorErr = errors.New("evaluate failed")
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionScroll})
		require.NoError(t, err)
		assert.Equal(t, methodProtocol, res.Method)
		assert.Equal(t, [][2]float64{{640, -720}}, f.protocol.wheels)
	})

	t.Run("element scroll", func(t *testing.T) {
		list := &dom.Node{BackendNodeID: 20, Tag: "div", Attributes: map[string]string{"id": "list"}}
		f := newExecutorFixture(t, list)
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionScroll, Index: 20, Down: true})
		require.NoError(t, err)
		assert.Equal(t, "#list", res.Metadata["selector"])
		assert.Equal(t, []string{"scroll #list", "evaluate #list"}, f.page.Ops())
	})
}

func TestScrollToText(t *testing.T) {
	f := newExecutorFixture(t)
	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionScrollToText})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ValidationError)

	f.page.locatorErr = errors.New("no match")
	f.protocol.evalResult = gson.New(false)
	_, err = f.exec.Execute(context.Background(), Action{Kind: ActionScrollToText, Text: "Pricing"})
	assert.ErrorContains(t, err, "not found on page")

	f.protocol.evalResult = gson.New(true)
	res, err = f.exec.Execute(context.Background(), Action{Kind: ActionScrollToText, Text: "Pricing"})
	require.NoError(t, err)
	assert.Equal(t, methodProtocol, res.Method)
}

func TestSelectOption(t *testing.T) {
	sel := &dom.Node{BackendNodeID: 4, Tag: "select", Attributes: map[string]string{"id": "plan"}}

	t.Run("label first", func(t *testing.T) {
		f := newExecutorFixture(t, sel)
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionSelectOption, Index: 4, Text: "Pro"})
		require.NoError(t, err)
		assert.Equal(t, "label", res.Metadata["matched_by"])
		assert.Equal(t, []string{"select-by-label #plan"}, f.page.Ops())
	})

	t.Run("numeric text also tries index then protocol", func(t *testing.T) {
		f := newExecutorFixture(t, sel)
		f.page.locatorErr = errors.New("no option")
		f.protocol.callResult = gson.New(map[string]any{"success": true, "message": "selected 2", "value": "two"})
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionSelectOption, Index: 4, Text: "2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"select-by-label #plan", "select-by-value #plan", "select-by-index #plan"}, f.page.Ops())
		assert.Equal(t, methodProtocol, res.Method)
		assert.Equal(t, "two", res.Metadata["value"])
	})

	t.Run("protocol reports missing option", func(t *testing.T) {
		f := newExecutorFixture(t, sel)
		f.page.locatorErr = errors.New("no option")
		f.protocol.callResult = gson.New(map[string]any{"success": false, "message": `option "x" not found`})
		_, err := f.exec.Execute(context.Background(), Action{Kind: ActionSelectOption, Index: 4, Text: "x"})
		assert.ErrorContains(t, err, "not found")
	})
}

func TestDropdownOptions(t *testing.T) {
	sel := &dom.Node{BackendNodeID: 4, Tag: "select", Attributes: map[string]string{"id": "plan"}}
	f := newExecutorFixture(t, sel, button(7, "go"))
	f.protocol.callResult = gson.New([]any{
		map[string]any{"index": 0, "text": "Basic", "value": "a", "selected": true},
		map[string]any{"index": 1, "text": "Pro", "value": "b", "selected": false},
	})

	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionGetDropdownOptions, Index: 4})
	require.NoError(t, err)
	require.Len(t, res.Options, 2)
	assert.Equal(t, DropdownOption{Index: 1, Text: "Pro", Value: "b"}, res.Options[1])
	assert.True(t, res.Options[0].Selected)

	res, err = f.exec.Execute(context.Background(), Action{Kind: ActionGetDropdownOptions, Index: 7})
	require.NoError(t, err)
	assert.Contains(t, res.ValidationError, "not a select")
}

func TestUploadFile(t *testing.T) {
	input := &dom.Node{BackendNodeID: 3, Tag: "input", Attributes: map[string]string{"type": "file", "id": "cv"}}
	f := newExecutorFixture(t, input, button(7, "go"))
	ctx := context.Background()

	res, err := f.exec.Execute(ctx, Action{Kind: ActionUploadFile, Index: 7, Paths: []string{"x"}})
	require.NoError(t, err)
	assert.Contains(t, res.ValidationError, "not a file input")

	res, err = f.exec.Execute(ctx, Action{Kind: ActionUploadFile, Index: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ValidationError)

	res, err = f.exec.Execute(ctx, Action{Kind: ActionUploadFile, Index: 3, Paths: []string{filepath.Join(t.TempDir(), "missing.pdf")}})
	require.NoError(t, err)
	assert.Contains(t, res.ValidationError, "not available")
	assert.Empty(t, f.page.Ops())

	path := filepath.Join(t.TempDir(), "cv.pdf")
	require.NoError(t, os.WriteFile(path, []byte("cv"), 0o644))
	res, err = f.exec.Execute(ctx, Action{Kind: ActionUploadFile, Index: 3, Paths: []string{path}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"files #cv"}, f.page.Ops())
}

func TestSendKeys(t *testing.T) {
	t.Run("combination is pressed as one chord", func(t *testing.T) {
		f := newExecutorFixture(t)
		_, err := f.exec.Execute(context.Background(), Action{Kind: ActionSendKeys, Keys: "ctrl+shift+a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"press Control+Shift+a"}, f.page.Ops())
	})

	t.Run("plain text is typed", func(t *testing.T) {
		f := newExecutorFixture(t)
		_, err := f.exec.Execute(context.Background(), Action{Kind: ActionSendKeys, Keys: "hello"})
		require.NoError(t, err)
		assert.Equal(t, []string{"type hello"}, f.page.Ops())
	})

	t.Run("protocol fallback", func(t *testing.T) {
		f := newExecutorFixture(t)
		f.page.pageErr = errors.New("keyboard busy")
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionSendKeys, Keys: "Enter"})
		require.NoError(t, err)
		assert.Equal(t, methodProtocol, res.Method)
		require.Len(t, f.protocol.pressed, 1)
		assert.Equal(t, "Enter", f.protocol.pressed[0].Key)
	})

	t.Run("keys required", func(t *testing.T) {
		f := newExecutorFixture(t)
		res, err := f.exec.Execute(context.Background(), Action{Kind: ActionSendKeys})
		require.NoError(t, err)
		assert.NotEmpty(t, res.ValidationError)
	})
}

func TestNavigate(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	for _, kind := range []ActionKind{ActionGoBack, ActionGoForward, ActionRefresh} {
		res, err := f.exec.Execute(ctx, Action{Kind: kind})
		require.NoError(t, err)
		assert.Equal(t, methodLibrary, res.Method)
	}
	assert.Equal(t, []string{"back", "forward", "reload"}, f.page.Ops())

	f.page.pageErr = errors.New("no history")
	res, err := f.exec.Execute(ctx, Action{Kind: ActionGoBack})
	require.NoError(t, err)
	assert.Equal(t, methodProtocol, res.Method)
	assert.True(t, f.protocol.called("NavigateBack"))
}

func TestWaitIsClamped(t *testing.T) {
	f := newExecutorFixture(t)
	started := time.Now()
	res, err := f.exec.Execute(context.Background(), Action{Kind: ActionWait, Seconds: 60})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, "Waited 50ms", res.Message)

	res, err = f.exec.Execute(context.Background(), Action{Kind: ActionWait, Seconds: -3})
	require.NoError(t, err)
	assert.Equal(t, "Waited 0s", res.Message)
}

func TestWaitHonorsContext(t *testing.T) {
	f := newExecutorFixture(t)
	f.exec.opts.MaxWait = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.exec.Execute(ctx, Action{Kind: ActionWait, Seconds: 30})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
