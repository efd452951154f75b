package mcp

import (
	"context"
	"fmt"
)

type ListTabsTool struct {
	api BrowserAPI
}

func (t *ListTabsTool) Name() string { return "list_tabs" }
func (t *ListTabsTool) Description() string {
	return "List open tabs as {target_id, url, title}. previous_session lists the tabs of the last run, if any."
}
func (t *ListTabsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *ListTabsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	tabs, err := t.api.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"tabs": tabs, "count": len(tabs)}
	if prev := t.api.PreviousTabs(); len(prev) > 0 {
		out["previous_session"] = prev
	}
	return out, nil
}

type OpenTabTool struct {
	api BrowserAPI
}

func (t *OpenTabTool) Name() string { return "open_tab" }
func (t *OpenTabTool) Description() string {
	return "Open a URL in a new tab and focus it. Following state requests and actions apply to the new tab."
}
func (t *OpenTabTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "description": "URL to open (default about:blank)"},
		},
	}
}
func (t *OpenTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		url = "about:blank"
	}
	tab, err := t.api.OpenTab(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tab": tab}, nil
}

type SwitchTabTool struct {
	api BrowserAPI
}

func (t *SwitchTabTool) Name() string        { return "switch_tab" }
func (t *SwitchTabTool) Description() string { return "Focus an open tab by target_id." }
func (t *SwitchTabTool) InputSchema() map[string]interface{} {
	return targetIDSchema()
}
func (t *SwitchTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "target_id")
	if id == "" {
		return nil, fmt.Errorf("target_id is required")
	}
	tab, err := t.api.SwitchTab(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tab": tab}, nil
}

type CloseTabTool struct {
	api BrowserAPI
}

func (t *CloseTabTool) Name() string        { return "close_tab" }
func (t *CloseTabTool) Description() string { return "Close a tab by target_id." }
func (t *CloseTabTool) InputSchema() map[string]interface{} {
	return targetIDSchema()
}
func (t *CloseTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "target_id")
	if id == "" {
		return nil, fmt.Errorf("target_id is required")
	}
	if err := t.api.CloseTab(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "target_id": id}, nil
}

func targetIDSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{"type": "string", "description": "Tab target id from list_tabs"},
		},
		"required": []string{"target_id"},
	}
}
