package mcp

import (
	"context"
	"fmt"
	"strings"

	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/content"
)

const defaultContentChars = 20000

type RequestBrowserStateTool struct {
	api BrowserAPI
}

func (t *RequestBrowserStateTool) Name() string { return "request_browser_state" }
func (t *RequestBrowserStateTool) Description() string {
	return `Capture the focused tab: URL, title, open tabs, page geometry, pending network
requests, pagination buttons, recent events and the indexed interactive elements.

Waits for the page to settle (network and DOM) before reading it. Never fails: on a
problem the state carries an "error" field and whatever could still be read.

Element indexes in the result are the ones dispatch_action expects. Any new capture
replaces the previous one, so indexes from older captures may be stale.`
}
func (t *RequestBrowserStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"include_dom": map[string]interface{}{
				"type":        "boolean",
				"description": "Build the element index (default: true)",
			},
			"include_screenshot": map[string]interface{}{
				"type":        "boolean",
				"description": "Attach a base64 PNG screenshot (default: false)",
			},
			"include_all_form_fields": map[string]interface{}{
				"type":        "boolean",
				"description": "Index hidden and disabled form fields too (default: false)",
			},
		},
	}
}
func (t *RequestBrowserStateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	req := browser.StateRequest{
		IncludeDOM:           getBoolArg(args, "include_dom", true),
		IncludeScreenshot:    getBoolArg(args, "include_screenshot", false),
		IncludeAllFormFields: getBoolArg(args, "include_all_form_fields", false),
	}
	state := t.api.RequestBrowserState(ctx, req)
	out := map[string]interface{}{"state": state}
	if req.IncludeDOM {
		out["elements"] = state.Elements()
	}
	return out, nil
}

type WaitForPageStabilityTool struct {
	api BrowserAPI
}

func (t *WaitForPageStabilityTool) Name() string { return "wait_for_page_stability" }
func (t *WaitForPageStabilityTool) Description() string {
	return `Wait until the focused tab has no meaningful pending requests and its DOM has
stopped changing. Each wait is capped; hitting a cap is reported, not an error.`
}
func (t *WaitForPageStabilityTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"max_network_wait_ms": map[string]interface{}{"type": "integer", "description": "Network cap (default 3000)"},
			"dom_quiet_ms":        map[string]interface{}{"type": "integer", "description": "Required mutation-free period (default 2000)"},
			"max_dom_wait_ms":     map[string]interface{}{"type": "integer", "description": "DOM cap (default 5000)"},
			"poll_interval_ms":    map[string]interface{}{"type": "integer", "description": "Network poll interval (default 200)"},
		},
	}
}
func (t *WaitForPageStabilityTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	report, err := t.api.WaitForPageStability(ctx, browser.StabilityOptions{
		MaxNetworkWait: getDurationMsArg(args, "max_network_wait_ms"),
		DOMQuietPeriod: getDurationMsArg(args, "dom_quiet_ms"),
		MaxDOMWait:     getDurationMsArg(args, "max_dom_wait_ms"),
		PollInterval:   getDurationMsArg(args, "poll_interval_ms"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"network_idle":      report.NetworkIdle,
		"network_waited_ms": report.NetworkWaited.Milliseconds(),
		"dom_quiet":         report.DOMQuiet,
		"dom_waited_ms":     report.DOMWaited.Milliseconds(),
		"mutations":         report.Mutations,
		"network_error":     report.NetworkError,
		"dom_error":         report.DOMError,
	}, nil
}

type ClearCacheTool struct {
	api BrowserAPI
}

func (t *ClearCacheTool) Name() string { return "clear_cache" }
func (t *ClearCacheTool) Description() string {
	return "Forget the last captured state. Element indexes are invalid until the next request_browser_state."
}
func (t *ClearCacheTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *ClearCacheTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	t.api.ClearCache()
	return map[string]interface{}{"success": true}, nil
}

type GetElementByIndexTool struct {
	api BrowserAPI
}

func (t *GetElementByIndexTool) Name() string { return "get_element_by_index" }
func (t *GetElementByIndexTool) Description() string {
	return "Look up one element of the last captured state by its index."
}
func (t *GetElementByIndexTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"index": map[string]interface{}{"type": "integer", "description": "Element index from request_browser_state"},
		},
		"required": []string{"index"},
	}
}
func (t *GetElementByIndexTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	index := getIntArg(args, "index", 0)
	if index <= 0 {
		return nil, fmt.Errorf("index is required")
	}
	node, ok := t.api.GetElementByIndex(index)
	if !ok {
		return nil, fmt.Errorf("element %d is not in the last captured state; call request_browser_state", index)
	}
	return map[string]interface{}{"element": browser.NewElementView(index, node)}, nil
}

type ExtractPageContentTool struct {
	api       BrowserAPI
	extractor *content.Extractor
}

func (t *ExtractPageContentTool) Name() string { return "extract_page_content" }
func (t *ExtractPageContentTool) Description() string {
	return `Read the focused tab as markdown. Scripts, styles and form controls are stripped;
links are made absolute. Long pages are truncated to max_chars.`
}
func (t *ExtractPageContentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"max_chars": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum markdown length in characters (default %d, 0 for no limit)", defaultContentChars),
			},
		},
	}
}
func (t *ExtractPageContentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	html, url, err := t.api.PageHTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	page, err := t.extractor.Markdown(html, url, getIntArg(args, "max_chars", defaultContentChars))
	if err != nil {
		return nil, err
	}
	return page, nil
}

var actionKinds = []string{
	string(browser.ActionClick),
	string(browser.ActionClickCoordinate),
	string(browser.ActionType),
	string(browser.ActionScroll),
	string(browser.ActionScrollToText),
	string(browser.ActionSelectOption),
	string(browser.ActionGetDropdownOptions),
	string(browser.ActionUploadFile),
	string(browser.ActionSendKeys),
	string(browser.ActionGoBack),
	string(browser.ActionGoForward),
	string(browser.ActionRefresh),
	string(browser.ActionWait),
}

type DispatchActionTool struct {
	api BrowserAPI
}

func (t *DispatchActionTool) Name() string { return "dispatch_action" }
func (t *DispatchActionTool) Description() string {
	return `Run one action on the focused tab.

Element actions take "index" from the last request_browser_state. If the page
changed since then the index may be stale: capture the state again and retry.

Actions:
- click {index}                        click_coordinate {x, y, force?}
- type {index?, text, clear?, sensitive?, sensitive_key?}   index 0 types into the page
- scroll {index?, down, pages?}        scroll_to_text {text}
- select_dropdown_option {index, text} get_dropdown_options {index}
- upload_file {index, paths}           send_keys {keys}  e.g. "Control+a", "Enter"
- go_back, go_forward, refresh         wait {seconds}

Invalid requests come back with "validation_error" set; failed actions are errors.`
}
func (t *DispatchActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action":        map[string]interface{}{"type": "string", "enum": actionKinds},
			"index":         map[string]interface{}{"type": "integer"},
			"x":             map[string]interface{}{"type": "number"},
			"y":             map[string]interface{}{"type": "number"},
			"force":         map[string]interface{}{"type": "boolean"},
			"text":          map[string]interface{}{"type": "string"},
			"clear":         map[string]interface{}{"type": "boolean", "description": "Replace the current value (default true)"},
			"sensitive":     map[string]interface{}{"type": "boolean"},
			"sensitive_key": map[string]interface{}{"type": "string"},
			"down":          map[string]interface{}{"type": "boolean"},
			"pages":         map[string]interface{}{"type": "number"},
			"paths":         map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"keys":          map[string]interface{}{"type": "string"},
			"seconds":       map[string]interface{}{"type": "number"},
		},
		"required": []string{"action"},
	}
}
func (t *DispatchActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := parseAction(args)
	if err != nil {
		return nil, err
	}
	return t.api.DispatchAction(ctx, action)
}

func parseAction(args map[string]interface{}) (browser.Action, error) {
	kind := strings.TrimSpace(getStringArg(args, "action"))
	if kind == "" {
		return browser.Action{}, fmt.Errorf("action is required")
	}
	a := browser.Action{
		Kind:         browser.ActionKind(kind),
		Index:        getIntArg(args, "index", 0),
		X:            getFloatArg(args, "x", 0),
		Y:            getFloatArg(args, "y", 0),
		Force:        getBoolArg(args, "force", false),
		Text:         getStringArg(args, "text"),
		Sensitive:    getBoolArg(args, "sensitive", false),
		SensitiveKey: getStringArg(args, "sensitive_key"),
		Down:         getBoolArg(args, "down", true),
		Pages:        getFloatArg(args, "pages", 0),
		Paths:        getStringSliceArg(args, "paths"),
		Keys:         getStringArg(args, "keys"),
		Seconds:      getFloatArg(args, "seconds", 0),
	}
	if _, ok := args["clear"]; ok {
		replace := getBoolArg(args, "clear", true)
		a.Clear = &replace
	}
	return a, nil
}
