package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/bridge"
	"pagepilot-mcp-server/internal/dom"

	"go.uber.org/zap"
)

// ActionKind names a dispatchable action.
type ActionKind string

const (
	ActionClick              ActionKind = "click"
	ActionClickCoordinate    ActionKind = "click_coordinate"
	ActionType               ActionKind = "type"
	ActionScroll             ActionKind = "scroll"
	ActionScrollToText       ActionKind = "scroll_to_text"
	ActionSelectOption       ActionKind = "select_dropdown_option"
	ActionGetDropdownOptions ActionKind = "get_dropdown_options"
	ActionUploadFile         ActionKind = "upload_file"
	ActionSendKeys           ActionKind = "send_keys"
	ActionGoBack             ActionKind = "go_back"
	ActionGoForward          ActionKind = "go_forward"
	ActionRefresh            ActionKind = "refresh"
	ActionWait               ActionKind = "wait"
)

// Action is one request to the executor. Index is the backend node id from the
// selector map of the last snapshot; 0 means "no element".
type Action struct {
	Kind  ActionKind `json:"action"`
	Index int        `json:"index,omitempty"`

	X     float64 `json:"x,omitempty"`
	Y     float64 `json:"y,omitempty"`
	Force bool    `json:"force,omitempty"`

	Text string `json:"text,omitempty"`
	// Clear replaces the current value when typing. Nil means true.
	Clear        *bool  `json:"clear,omitempty"`
	Sensitive    bool   `json:"sensitive,omitempty"`
	SensitiveKey string `json:"sensitive_key,omitempty"`

	Down  bool    `json:"down,omitempty"`
	Pages float64 `json:"pages,omitempty"`

	Paths   []string `json:"paths,omitempty"`
	Keys    string   `json:"keys,omitempty"`
	Seconds float64  `json:"seconds,omitempty"`
}

func (a Action) clear() bool { return a.Clear == nil || *a.Clear }

// DropdownOption is one option of a select element.
type DropdownOption struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Value    string `json:"value"`
	Selected bool   `json:"selected"`
}

// ActionResult is the outcome of a dispatched action. ValidationError is data,
// not a failure: the action did not apply to the element and nothing was done.
type ActionResult struct {
	Action          ActionKind           `json:"action"`
	Success         bool                 `json:"success"`
	ValidationError string               `json:"validation_error,omitempty"`
	Message         string               `json:"message,omitempty"`
	Method          string               `json:"method,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
	Download        *FileDownloadedEvent `json:"download,omitempty"`
	Options         []DropdownOption     `json:"options,omitempty"`
}

const (
	methodLibrary  = "library"
	methodProtocol = "cdp"
	methodPDF      = "print_to_pdf"
)

// ExecutorOptions bounds each phase of an action.
type ExecutorOptions struct {
	LocatorTimeout    time.Duration
	ActionTimeout     time.Duration
	NavigationTimeout time.Duration
	MaxWait           time.Duration
	TypeDelay         time.Duration
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.LocatorTimeout <= 0 {
		o.LocatorTimeout = 5 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 15 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 30 * time.Second
	}
	if o.TypeDelay <= 0 {
		o.TypeDelay = 18 * time.Millisecond
	}
	return o
}

// Executor performs actions through the action library on the bridge worker,
// retrying once through the protocol when the library attempt fails.
type Executor struct {
	bridge   *bridge.Bridge
	registry *Registry
	protocol Protocol
	pipeline *Pipeline
	pdf      *PDFWriter
	events   *EventLog
	tracer   Tracer
	opts     ExecutorOptions
	logger   *zap.Logger
}

func NewExecutor(b *bridge.Bridge, registry *Registry, protocol Protocol, pipeline *Pipeline, pdf *PDFWriter, events *EventLog, tracer Tracer, opts ExecutorOptions, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		bridge:   b,
		registry: registry,
		protocol: protocol,
		pipeline: pipeline,
		pdf:      pdf,
		events:   events,
		tracer:   tracer,
		opts:     opts.withDefaults(),
		logger:   logger.Named("executor"),
	}
}

// pageTask runs on the bridge worker with the page resolved for the target.
type pageTask func(ctx context.Context, page PageHandle) (map[string]any, error)

// fallbackTask drives the protocol directly.
type fallbackTask func(ctx context.Context) (map[string]any, error)

// Execute dispatches a. A validation problem is reported in the result with a nil
// error; a failure of both the library and the protocol path is an *ActionError.
func (e *Executor) Execute(ctx context.Context, a Action) (*ActionResult, error) {
	target, err := e.protocol.FocusedTarget(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFocusedTarget, err)
	}

	var res *ActionResult
	switch a.Kind {
	case ActionClick:
		res, err = e.click(ctx, target, a)
	case ActionClickCoordinate:
		res, err = e.clickCoordinate(ctx, target, a)
	case ActionType:
		res, err = e.typeText(ctx, target, a)
	case ActionScroll:
		res, err = e.scroll(ctx, target, a)
	case ActionScrollToText:
		res, err = e.scrollToText(ctx, target, a)
	case ActionSelectOption:
		res, err = e.selectOption(ctx, target, a)
	case ActionGetDropdownOptions:
		res, err = e.dropdownOptions(ctx, target, a)
	case ActionUploadFile:
		res, err = e.upload(ctx, target, a)
	case ActionSendKeys:
		res, err = e.sendKeys(ctx, target, a)
	case ActionGoBack, ActionGoForward, ActionRefresh:
		res, err = e.navigate(ctx, target, a)
	case ActionWait:
		res, err = e.wait(ctx, a)
	default:
		res, err = invalid(a.Kind, fmt.Sprintf("unknown action %q", a.Kind)), nil
	}
	e.record(ctx, target, a, res, err)
	return res, err
}

func invalid(kind ActionKind, msg string) *ActionResult {
	return &ActionResult{Action: kind, ValidationError: msg, Message: msg}
}

// record publishes the outcome to the event log and the flight recorder.
func (e *Executor) record(ctx context.Context, target TargetInfo, a Action, res *ActionResult, err error) {
	outcome := "ok"
	msg := ""
	switch {
	case err != nil:
		outcome, msg = "failed", err.Error()
	case res != nil && res.ValidationError != "":
		outcome, msg = "invalid", res.ValidationError
	case res != nil && res.Method == methodProtocol:
		outcome = "fallback"
	}
	e.events.Publish(ctx, ActionEvent{
		TargetID:      target.TargetID,
		Action:        string(a.Kind),
		BackendNodeID: a.Index,
		Outcome:       outcome,
		Error:         msg,
		At:            time.Now(),
	})
	if e.tracer != nil {
		e.tracer.Log("action", target.TargetID, map[string]any{
			"action":  a.Kind,
			"index":   a.Index,
			"text":    loggableText(a),
			"outcome": outcome,
			"error":   msg,
		})
	}
	fields := []zap.Field{
		zap.String("action", string(a.Kind)),
		zap.Int("index", a.Index),
		zap.String("outcome", outcome),
	}
	if err != nil {
		e.logger.Warn("action failed", append(fields, zap.Error(err))...)
		return
	}
	e.logger.Debug("action done", fields...)
}

// loggableText hides sensitive input.
func loggableText(a Action) string {
	if !a.Sensitive {
		return a.Text
	}
	if a.SensitiveKey != "" {
		return "<secret>" + a.SensitiveKey + "</secret>"
	}
	return "<sensitive>"
}

// lookup finds the element in the last snapshot. A missing index usually means
// the page changed since that snapshot.
func (e *Executor) lookup(a Action) (*dom.Node, error) {
	var state *dom.State
	if cur := e.pipeline.Current(); cur != nil {
		state = cur.DOM
	}
	node, ok := state.Lookup(a.Index)
	if !ok {
		return nil, &ActionError{
			Action:        string(a.Kind),
			Element:       strconv.Itoa(a.Index),
			BackendNodeID: a.Index,
			Cause:         ErrElementNotFound,
			PossiblyStale: true,
		}
	}
	return node, nil
}

// onPage runs task on the bridge worker against the page for target.
func (e *Executor) onPage(ctx context.Context, target TargetInfo, timeout time.Duration, task pageTask) (map[string]any, error) {
	page, err := e.registry.Resolve(ctx, target.TargetID)
	if err != nil {
		return nil, err
	}
	return bridge.Do(ctx, e.bridge, timeout, func(ctx context.Context) (map[string]any, error) {
		return task(ctx, page)
	})
}

// run tries the library path and, when it fails recoverably, the protocol path.
// A bridge timeout or a dead worker is returned as is: whether the library
// action happened is unknown, so repeating it could apply it twice.
func (e *Executor) run(ctx context.Context, target TargetInfo, a Action, node *dom.Node, timeout time.Duration, primary pageTask, fallback fallbackTask) (*ActionResult, error) {
	meta, err := e.onPage(ctx, target, timeout, primary)
	if err == nil {
		return &ActionResult{Action: a.Kind, Success: true, Method: methodLibrary, Metadata: meta}, nil
	}
	if hardBridgeFailure(err) || fallback == nil {
		return nil, e.actionError(a, node, err, nil)
	}
	e.logger.Debug("library attempt failed, using protocol fallback",
		zap.String("action", string(a.Kind)), zap.Int("index", a.Index), zap.Error(err))

	meta, ferr := fallback(ctx)
	if ferr != nil {
		return nil, e.actionError(a, node, err, ferr)
	}
	return &ActionResult{Action: a.Kind, Success: true, Method: methodProtocol, Metadata: meta}, nil
}

func (e *Executor) actionError(a Action, node *dom.Node, cause, fallback error) *ActionError {
	element := strconv.Itoa(a.Index)
	if node != nil {
		element = node.Describe()
	}
	return &ActionError{
		Action:        string(a.Kind),
		Element:       element,
		BackendNodeID: a.Index,
		Cause:         cause,
		Fallback:      fallback,
		PossiblyStale: node != nil && (looksStale(cause) || looksStale(fallback)),
	}
}

var staleMarkers = []string{
	"detached", "not attached", "no node", "could not find node",
	"cannot find context", "node with given id", "timeout",
}

func looksStale(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoSelector) || errors.Is(err, ErrPageNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range staleMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// elementTimeout is the bridge bound for locate-then-act tasks.
func (e *Executor) elementTimeout() time.Duration {
	return 2*e.opts.LocatorTimeout + e.opts.ActionTimeout
}

func isPrintTrigger(n *dom.Node) bool {
	return n != nil && strings.Contains(strings.ToLower(n.Attr("onclick")), "print")
}

func (e *Executor) click(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	node, err := e.lookup(a)
	if err != nil {
		return nil, err
	}
	if node.IsFileInput() {
		return invalid(a.Kind, "Cannot click a file input element. Use upload_file instead."), nil
	}
	if node.IsSelect() {
		return invalid(a.Kind, "Cannot click a select element. Use get_dropdown_options and select_dropdown_option instead."), nil
	}
	if isPrintTrigger(node) {
		res, err := e.printToPDF(ctx, target, a)
		if err == nil {
			return res, nil
		}
		e.logger.Warn("print to pdf failed, clicking instead", zap.Error(err))
	}

	selector, selErr := ResolveSelector(node)
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		if selErr != nil {
			return nil, selErr
		}
		loc := page.Locator(selector)
		if err := loc.ScrollIntoView(e.opts.LocatorTimeout); err != nil {
			return nil, fmt.Errorf("scroll into view: %w", err)
		}
		if err := loc.WaitVisible(e.opts.LocatorTimeout); err != nil {
			return nil, fmt.Errorf("wait visible: %w", err)
		}
		meta := map[string]any{"selector": selector}
		if box, err := loc.BoundingBox(); err == nil && box != nil {
			x, y := box.Center()
			meta["click_x"], meta["click_y"] = x, y
		}
		if err := loc.Click(e.opts.ActionTimeout); err != nil {
			return nil, err
		}
		return meta, nil
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		meta := map[string]any{}
		if x, y, err := e.protocol.NodeCenter(ctx, target.TargetID, node.BackendNodeID); err == nil {
			meta["click_x"], meta["click_y"] = x, y
		}
		if _, err := e.protocol.CallOnNode(ctx, target.TargetID, node.BackendNodeID, jsClick); err != nil {
			return nil, err
		}
		sleep(ctx, 50*time.Millisecond)
		return meta, nil
	}
	return e.run(ctx, target, a, node, e.elementTimeout(), primary, fallback)
}

func (e *Executor) clickCoordinate(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	if !a.Force {
		node, err := e.protocol.DescribeNodeAt(ctx, target.TargetID, int(a.X), int(a.Y))
		if err != nil {
			e.logger.Debug("element at point unavailable, clicking without checks", zap.Error(err))
		}
		switch {
		case node.IsFileInput():
			return invalid(a.Kind, "The point is on a file input. Use upload_file instead."), nil
		case node.IsSelect():
			return invalid(a.Kind, "The point is on a select element. Use select_dropdown_option instead."), nil
		case isPrintTrigger(node):
			if res, err := e.printToPDF(ctx, target, a); err == nil {
				return res, nil
			}
		}
	}
	meta := map[string]any{"click_x": a.X, "click_y": a.Y}
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		return meta, page.ClickAt(a.X, a.Y)
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		return meta, e.protocol.DispatchClick(ctx, target.TargetID, a.X, a.Y)
	}
	return e.run(ctx, target, a, nil, e.opts.ActionTimeout, primary, fallback)
}

func (e *Executor) printToPDF(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	if e.pdf == nil {
		return nil, errors.New("pdf output not configured")
	}
	ev, err := e.pdf.Save(ctx, target)
	if err != nil {
		return nil, err
	}
	return &ActionResult{
		Action:   a.Kind,
		Success:  true,
		Method:   methodPDF,
		Message:  fmt.Sprintf("Print button detected; saved page as PDF to %s (%d pages)", ev.Path, ev.PageCount),
		Download: &ev,
	}, nil
}

var directAssignTypes = map[string]bool{
	"date": true, "time": true, "datetime-local": true, "month": true,
	"week": true, "color": true, "range": true,
}

// needsDirectValue reports widgets that reject synthetic keystrokes.
func needsDirectValue(n *dom.Node) bool {
	if directAssignTypes[n.InputType()] {
		return true
	}
	class := strings.ToLower(n.Attr("class"))
	if strings.Contains(class, "datepicker") || strings.Contains(class, "date-picker") {
		return true
	}
	return n.HasAttr("data-datepicker") || n.HasAttr("data-date-format") || n.Attr("data-provide") == "datepicker"
}

func (e *Executor) typeText(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	if a.Index == 0 {
		return e.typeIntoPage(ctx, target, a, nil)
	}
	node, err := e.lookup(a)
	if err != nil {
		return nil, err
	}

	selector, selErr := ResolveSelector(node)
	direct := needsDirectValue(node)
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		if selErr != nil {
			return nil, selErr
		}
		loc := page.Locator(selector)
		if err := loc.ScrollIntoView(e.opts.LocatorTimeout); err != nil {
			return nil, fmt.Errorf("scroll into view: %w", err)
		}
		meta := map[string]any{"selector": selector}
		if box, err := loc.BoundingBox(); err == nil && box != nil {
			x, y := box.Center()
			meta["input_x"], meta["input_y"] = x, y
		}
		switch {
		case direct:
			meta["direct_value"] = true
			_, err := loc.Evaluate(jsAssignValue, a.Text, e.opts.ActionTimeout)
			return meta, err
		case a.clear():
			if err := loc.Clear(e.opts.ActionTimeout); err != nil {
				return nil, fmt.Errorf("clear: %w", err)
			}
			return meta, loc.Fill(a.Text, e.opts.ActionTimeout)
		default:
			if _, err := loc.Evaluate(jsFocusEnd, nil, e.opts.ActionTimeout); err != nil {
				return nil, fmt.Errorf("focus: %w", err)
			}
			return meta, page.TypeText(a.Text, e.opts.TypeDelay)
		}
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		meta := map[string]any{}
		if x, y, err := e.protocol.NodeCenter(ctx, target.TargetID, node.BackendNodeID); err == nil {
			meta["input_x"], meta["input_y"] = x, y
		}
		_, err := e.protocol.CallOnNode(ctx, target.TargetID, node.BackendNodeID, jsSetValue, a.Text, a.clear())
		return meta, err
	}

	res, err := e.run(ctx, target, a, node, e.elementTimeout(), primary, fallback)
	if err == nil {
		return res, nil
	}
	var actionErr *ActionError
	if !errors.As(err, &actionErr) || hardBridgeFailure(err) {
		return nil, err
	}
	e.logger.Debug("element typing failed, typing into page", zap.Int("index", a.Index))
	return e.typeIntoPage(ctx, target, a, node)
}

// typeIntoPage types into whatever has focus.
func (e *Executor) typeIntoPage(ctx context.Context, target TargetInfo, a Action, node *dom.Node) (*ActionResult, error) {
	timeout := e.opts.ActionTimeout + time.Duration(len([]rune(a.Text)))*e.opts.TypeDelay
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		return map[string]any{"page_typing": true}, page.TypeText(a.Text, e.opts.TypeDelay)
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"page_typing": true}, e.protocol.InsertText(ctx, target.TargetID, a.Text)
	}
	return e.run(ctx, target, a, node, timeout, primary, fallback)
}

// scrollDelta converts pages to pixels using the last known viewport height.
func (e *Executor) scrollDelta(a Action) float64 {
	height := e.pipeline.opts.ViewportHeight
	if cur := e.pipeline.Current(); cur != nil && cur.Geometry.ViewportHeight > 0 {
		height = cur.Geometry.ViewportHeight
	}
	pages := a.Pages
	if pages == 0 {
		pages = 1
	}
	dy := pages * float64(height)
	if !a.Down {
		dy = -dy
	}
	return dy
}

func (e *Executor) scroll(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	dy := e.scrollDelta(a)
	if a.Index == 0 {
		primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
			_, err := page.Locator(":root").Evaluate(jsWindowScroll, dy, e.opts.ActionTimeout)
			return map[string]any{"delta_y": dy}, err
		}
		fallback := func(ctx context.Context) (map[string]any, error) {
			w, h := e.viewportCenter()
			return map[string]any{"delta_y": dy}, e.protocol.DispatchMouseWheel(ctx, target.TargetID, w, h, 0, dy)
		}
		return e.run(ctx, target, a, nil, e.opts.ActionTimeout, primary, fallback)
	}

	node, err := e.lookup(a)
	if err != nil {
		return nil, err
	}
	selector, selErr := ResolveSelector(node)
	isFrame := node.Tag == "iframe" || node.Tag == "frame"
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		if selErr != nil {
			return nil, selErr
		}
		loc := page.Locator(selector)
		if err := loc.ScrollIntoView(e.opts.LocatorTimeout); err != nil {
			return nil, fmt.Errorf("scroll into view: %w", err)
		}
		script := jsElementScroll
		if isFrame {
			script = jsFrameScroll
		}
		if _, err := loc.Evaluate(script, dy, e.opts.ActionTimeout); err != nil {
			return nil, err
		}
		if isFrame || node.InIframe() {
			sleep(ctx, 200*time.Millisecond)
		}
		return map[string]any{"delta_y": dy, "selector": selector}, nil
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		meta := map[string]any{"delta_y": dy}
		if isFrame {
			v, err := e.protocol.CallOnNode(ctx, target.TargetID, node.BackendNodeID, jsFrameScrollCDP, dy)
			if err == nil && v.Bool() {
				return meta, nil
			}
		}
		x, y, err := e.protocol.NodeCenter(ctx, target.TargetID, node.BackendNodeID)
		if err != nil {
			return nil, err
		}
		return meta, e.protocol.DispatchMouseWheel(ctx, target.TargetID, x, y, 0, dy)
	}
	return e.run(ctx, target, a, node, e.elementTimeout(), primary, fallback)
}

func (e *Executor) viewportCenter() (float64, float64) {
	g := DefaultGeometry(e.pipeline.opts.ViewportWidth, e.pipeline.opts.ViewportHeight)
	if cur := e.pipeline.Current(); cur != nil {
		g = cur.Geometry
	}
	return float64(g.ViewportWidth) / 2, float64(g.ViewportHeight) / 2
}

func (e *Executor) scrollToText(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	if strings.TrimSpace(a.Text) == "" {
		return invalid(a.Kind, "text is required"), nil
	}
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		return nil, page.GetByText(a.Text).ScrollIntoView(e.opts.LocatorTimeout)
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		v, err := e.protocol.Evaluate(ctx, target.TargetID, jsScrollToText, a.Text)
		if err != nil {
			return nil, err
		}
		if !v.Bool() {
			return nil, fmt.Errorf("text %q not found on page", a.Text)
		}
		return nil, nil
	}
	return e.run(ctx, target, a, nil, e.opts.LocatorTimeout+e.opts.ActionTimeout, primary, fallback)
}

func (e *Executor) selectOption(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	node, err := e.lookup(a)
	if err != nil {
		return nil, err
	}
	selector, selErr := ResolveSelector(node)
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		if selErr != nil {
			return nil, selErr
		}
		if !node.IsSelect() {
			return nil, fmt.Errorf("element %s is not a native select", node.Describe())
		}
		loc := page.Locator(selector)
		attempts := []SelectBy{SelectByLabel, SelectByValue}
		if _, err := strconv.Atoi(a.Text); err == nil {
			attempts = append(attempts, SelectByIndex)
		}
		var errs []error
		for _, by := range attempts {
			err := loc.SelectOption(by, a.Text, e.opts.LocatorTimeout)
			if err == nil {
				return map[string]any{"matched_by": by.String(), "value": a.Text}, nil
			}
			errs = append(errs, fmt.Errorf("by %s: %w", by, err))
		}
		return nil, errors.Join(errs...)
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		v, err := e.protocol.CallOnNode(ctx, target.TargetID, node.BackendNodeID, jsSelectOption, a.Text)
		if err != nil {
			return nil, err
		}
		if !v.Get("success").Bool() {
			return nil, errors.New(v.Get("message").Str())
		}
		return map[string]any{"matched_by": "cdp", "value": v.Get("value").Str()}, nil
	}
	res, err := e.run(ctx, target, a, node, e.elementTimeout()+2*e.opts.LocatorTimeout, primary, fallback)
	if res != nil {
		res.Message = fmt.Sprintf("Selected option %q", a.Text)
	}
	return res, err
}

func (e *Executor) dropdownOptions(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	node, err := e.lookup(a)
	if err != nil {
		return nil, err
	}
	if !node.IsSelect() {
		return invalid(a.Kind, fmt.Sprintf("Element %s is not a select element", node.Describe())), nil
	}
	v, err := e.protocol.CallOnNode(ctx, target.TargetID, node.BackendNodeID, jsReadOptions)
	if err != nil {
		return nil, e.actionError(a, node, err, nil)
	}
	var opts []DropdownOption
	if err := json.Unmarshal([]byte(v.JSON("", "")), &opts); err != nil {
		return nil, e.actionError(a, node, fmt.Errorf("decode options: %w", err), nil)
	}
	return &ActionResult{Action: a.Kind, Success: true, Method: methodProtocol, Options: opts}, nil
}

func (e *Executor) upload(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	node, err := e.lookup(a)
	if err != nil {
		return nil, err
	}
	if !node.IsFileInput() {
		return invalid(a.Kind, fmt.Sprintf("Element %s is not a file input", node.Describe())), nil
	}
	if len(a.Paths) == 0 {
		return invalid(a.Kind, "at least one file path is required"), nil
	}
	for _, p := range a.Paths {
		if _, err := os.Stat(p); err != nil {
			return invalid(a.Kind, fmt.Sprintf("file %s is not available: %v", p, err)), nil
		}
	}

	selector, selErr := ResolveSelector(node)
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		if selErr != nil {
			return nil, selErr
		}
		return map[string]any{"files": len(a.Paths)}, page.Locator(selector).SetInputFiles(a.Paths, e.opts.ActionTimeout)
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"files": len(a.Paths)}, e.protocol.SetFileInputFiles(ctx, target.TargetID, node.BackendNodeID, a.Paths)
	}
	return e.run(ctx, target, a, node, e.elementTimeout(), primary, fallback)
}

func (e *Executor) sendKeys(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	keys := a.Keys
	if keys == "" {
		keys = a.Text
	}
	if keys == "" {
		return invalid(a.Kind, "keys are required"), nil
	}
	plan := PlanKeys(keys)
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		if plan.Text != "" {
			return nil, page.TypeText(plan.Text, 0)
		}
		// Playwright holds and releases the modifiers of a combination itself.
		return nil, page.PressKey(plan.PlaywrightKey())
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		return nil, e.protocol.PressKeys(ctx, target.TargetID, plan)
	}
	res, err := e.run(ctx, target, a, nil, e.opts.ActionTimeout, primary, fallback)
	if err != nil {
		return nil, err
	}
	if plan.WaitsForNavigation() {
		sleep(ctx, 100*time.Millisecond)
	}
	return res, nil
}

func (e *Executor) navigate(ctx context.Context, target TargetInfo, a Action) (*ActionResult, error) {
	nav := e.opts.NavigationTimeout
	primary := func(ctx context.Context, page PageHandle) (map[string]any, error) {
		switch a.Kind {
		case ActionGoBack:
			return nil, page.GoBack(nav)
		case ActionGoForward:
			return nil, page.GoForward(nav)
		}
		return nil, page.Reload(nav)
	}
	fallback := func(ctx context.Context) (map[string]any, error) {
		switch a.Kind {
		case ActionGoBack:
			return nil, e.protocol.NavigateBack(ctx, target.TargetID)
		case ActionGoForward:
			return nil, e.protocol.NavigateForward(ctx, target.TargetID)
		}
		return nil, e.protocol.Reload(ctx, target.TargetID)
	}
	return e.run(ctx, target, a, nil, nav+e.opts.ActionTimeout, primary, fallback)
}

func (e *Executor) wait(ctx context.Context, a Action) (*ActionResult, error) {
	d := time.Duration(a.Seconds * float64(time.Second))
	if d < 0 {
		d = 0
	}
	if d > e.opts.MaxWait {
		d = e.opts.MaxWait
	}
	if err := sleep(ctx, d); err != nil {
		return nil, err
	}
	return &ActionResult{Action: a.Kind, Success: true, Message: fmt.Sprintf("Waited %s", d)}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
