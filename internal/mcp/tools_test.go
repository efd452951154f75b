package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/dom"
	"pagepilot-mcp-server/internal/mangle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBrowserStateTool(t *testing.T) {
	api := &fakeAPI{nodes: dom.SelectorMap{
		7: {Tag: "button", Text: "Go", Attributes: map[string]string{"id": "go"}},
		3: {Tag: "input", Attributes: map[string]string{"name": "q"}},
	}}
	s, _ := newTestServer(t, api)
	ctx := context.Background()

	res, err := s.ExecuteTool(ctx, "request_browser_state", map[string]interface{}{"include_screenshot": true})
	require.NoError(t, err)
	assert.True(t, api.lastRequest.IncludeDOM, "dom defaults on")
	assert.True(t, api.lastRequest.IncludeScreenshot)

	out := asJSON(t, res)
	elements := out["elements"].([]interface{})
	require.Len(t, elements, 2)
	assert.Equal(t, float64(3), elements[0].(map[string]interface{})["index"])
	assert.Equal(t, "https://example.com", out["state"].(map[string]interface{})["url"])

	res, err = s.ExecuteTool(ctx, "request_browser_state", map[string]interface{}{"include_dom": false})
	require.NoError(t, err)
	assert.NotContains(t, asJSON(t, res), "elements")
}

func TestWaitForPageStabilityTool(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestServer(t, api)

	res, err := s.ExecuteTool(context.Background(), "wait_for_page_stability", map[string]interface{}{
		"max_network_wait_ms": float64(1000),
		"dom_quiet_ms":        float64(-5),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Second, api.lastStability.MaxNetworkWait)
	assert.Zero(t, api.lastStability.DOMQuietPeriod, "non-positive values use defaults")

	out := res.(map[string]interface{})
	assert.Equal(t, int64(1500), out["dom_waited_ms"])
	assert.Equal(t, 3, out["mutations"])
}

func TestClearCacheAndElementTools(t *testing.T) {
	api := &fakeAPI{nodes: dom.SelectorMap{12: {Tag: "a", Text: "Next"}}}
	s, _ := newTestServer(t, api)
	ctx := context.Background()

	_, err := s.ExecuteTool(ctx, "clear_cache", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, api.cleared)

	res, err := s.ExecuteTool(ctx, "get_element_by_index", map[string]interface{}{"index": float64(12)})
	require.NoError(t, err)
	el := res.(map[string]interface{})["element"].(browser.ElementView)
	assert.Equal(t, "Next", el.Text)
	assert.Equal(t, 12, el.Index)

	_, err = s.ExecuteTool(ctx, "get_element_by_index", map[string]interface{}{"index": float64(99)})
	assert.ErrorContains(t, err, "request_browser_state")
	_, err = s.ExecuteTool(ctx, "get_element_by_index", nil)
	assert.ErrorContains(t, err, "index is required")
}

func TestParseAction(t *testing.T) {
	_, err := parseAction(map[string]interface{}{})
	assert.Error(t, err)

	a, err := parseAction(map[string]interface{}{
		"action": "type", "index": float64(5), "text": "hello",
		"clear": false, "sensitive": true, "sensitive_key": "password",
	})
	require.NoError(t, err)
	assert.Equal(t, browser.ActionType, a.Kind)
	assert.Equal(t, 5, a.Index)
	require.NotNil(t, a.Clear)
	assert.False(t, *a.Clear)
	assert.True(t, a.Sensitive)

	a, err = parseAction(map[string]interface{}{"action": "type", "text": "x"})
	require.NoError(t, err)
	assert.Nil(t, a.Clear, "clear left unset means the executor default")

	a, err = parseAction(map[string]interface{}{"action": "scroll", "down": false, "pages": 0.5})
	require.NoError(t, err)
	assert.False(t, a.Down)
	assert.Equal(t, 0.5, a.Pages)

	a, err = parseAction(map[string]interface{}{"action": "upload_file", "index": "8", "paths": []interface{}{"/a.txt", "", "/b.txt"}})
	require.NoError(t, err)
	assert.Equal(t, 8, a.Index)
	assert.Equal(t, []string{"/a.txt", "/b.txt"}, a.Paths)

	a, err = parseAction(map[string]interface{}{"action": "click_coordinate", "x": float64(10), "y": 20, "force": true})
	require.NoError(t, err)
	assert.Equal(t, 10.0, a.X)
	assert.Equal(t, 20.0, a.Y)
	assert.True(t, a.Force)
}

func TestTabTools(t *testing.T) {
	api := &fakeAPI{tabs: []browser.TargetInfo{{TargetID: "T1", Type: "page", URL: "https://a"}}}
	s, _ := newTestServer(t, api)
	ctx := context.Background()

	res, err := s.ExecuteTool(ctx, "list_tabs", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.(map[string]interface{})["count"])
	assert.NotContains(t, res.(map[string]interface{}), "previous_session")

	api.previous = []browser.Tab{{TargetID: "OLD", URL: "https://before.example"}}
	res, err = s.ExecuteTool(ctx, "list_tabs", nil)
	require.NoError(t, err)
	assert.Equal(t, api.previous, res.(map[string]interface{})["previous_session"])

	_, err = s.ExecuteTool(ctx, "open_tab", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"about:blank"}, api.opened)

	_, err = s.ExecuteTool(ctx, "switch_tab", map[string]interface{}{"target_id": "T1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, api.switched)

	_, err = s.ExecuteTool(ctx, "close_tab", map[string]interface{}{})
	assert.ErrorContains(t, err, "target_id is required")
	_, err = s.ExecuteTool(ctx, "close_tab", map[string]interface{}{"target_id": "T1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, api.closed)

	api.tabErr = browser.ErrPageNotFound
	_, err = s.ExecuteTool(ctx, "switch_tab", map[string]interface{}{"target_id": "T7"})
	assert.ErrorIs(t, err, browser.ErrPageNotFound)
}

func TestExtractPageContentTool(t *testing.T) {
	api := &fakeAPI{html: "<h1>Docs</h1><p>See <a href=\"/guide\">the guide</a>.</p>", url: "https://docs.example/start"}
	s, _ := newTestServer(t, api)
	ctx := context.Background()

	res, err := s.ExecuteTool(ctx, "extract_page_content", nil)
	require.NoError(t, err)
	page := asJSON(t, res)
	assert.Contains(t, page["markdown"], "# Docs")
	assert.Contains(t, page["markdown"], "https://docs.example/guide")

	res, err = s.ExecuteTool(ctx, "extract_page_content", map[string]interface{}{"max_chars": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, true, asJSON(t, res)["truncated"])

	api.htmlErr = errors.New("no focused tab")
	_, err = s.ExecuteTool(ctx, "extract_page_content", nil)
	assert.ErrorContains(t, err, "no focused tab")
}

func seedJournal(t *testing.T, journal *mangle.Engine) {
	t.Helper()
	ctx := context.Background()
	facts := []mangle.Fact{
		{Predicate: "navigation_event", Args: []interface{}{"T1", "https://a", int64(1000)}, Timestamp: time.UnixMilli(1000)},
		{Predicate: "current_url", Args: []interface{}{"T1", "https://a"}, Timestamp: time.UnixMilli(1000)},
		{Predicate: "action_event", Args: []interface{}{"T1", "click", int64(5), "failed", int64(2000)}, Timestamp: time.UnixMilli(2000)},
		{Predicate: "navigation_event", Args: []interface{}{"T1", "https://b", int64(3000)}, Timestamp: time.UnixMilli(3000)},
	}
	require.NoError(t, journal.AddFacts(ctx, facts))
}

func TestQueryJournalTool(t *testing.T) {
	s, journal := newTestServer(t, &fakeAPI{})
	seedJournal(t, journal)
	ctx := context.Background()

	t.Run("query", func(t *testing.T) {
		res, err := s.ExecuteTool(ctx, "query_journal", map[string]interface{}{"query": "stale_index_hint(Action, Index)"})
		require.NoError(t, err)
		out := res.(map[string]interface{})
		assert.Equal(t, 1.0, out["sampling_rate"])
		rows := out["results"].([]mangle.QueryResult)
		require.Len(t, rows, 1)
		assert.Equal(t, "click", rows[0]["Action"])
		assert.Equal(t, int64(5), rows[0]["Index"])
	})

	t.Run("predicate", func(t *testing.T) {
		res, err := s.ExecuteTool(ctx, "query_journal", map[string]interface{}{"predicate": "navigation_event"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.(map[string]interface{})["count"])
	})

	t.Run("window", func(t *testing.T) {
		res, err := s.ExecuteTool(ctx, "query_journal", map[string]interface{}{
			"predicate": "navigation_event", "since_ms": float64(1500),
		})
		require.NoError(t, err)
		facts := res.(map[string]interface{})["facts"].([]mangle.Fact)
		require.Len(t, facts, 1)
		assert.Equal(t, "https://b", facts[0].Args[1])
	})

	t.Run("recent", func(t *testing.T) {
		res, err := s.ExecuteTool(ctx, "query_journal", map[string]interface{}{"limit": float64(2)})
		require.NoError(t, err)
		out := res.(map[string]interface{})
		assert.Equal(t, 4, out["count"])
		facts := out["facts"].([]mangle.Fact)
		require.Len(t, facts, 2)
		assert.Equal(t, "navigation_event", facts[1].Predicate)
	})

	t.Run("unknown predicate", func(t *testing.T) {
		_, err := s.ExecuteTool(ctx, "query_journal", map[string]interface{}{"predicate": "nope"})
		assert.Error(t, err)
	})
}

func TestSubmitRuleTool(t *testing.T) {
	s, journal := newTestServer(t, &fakeAPI{})
	ctx := context.Background()

	_, err := s.ExecuteTool(ctx, "submit_rule", map[string]interface{}{"rule": "  "})
	assert.ErrorContains(t, err, "rule is required")
	_, err = s.ExecuteTool(ctx, "submit_rule", map[string]interface{}{"rule": "not a rule"})
	assert.Error(t, err)

	_, err = s.ExecuteTool(ctx, "submit_rule", map[string]interface{}{
		"rule": "Decl visited(URL).\nvisited(URL) :- navigation_event(_, URL, _).",
	})
	require.NoError(t, err)
	seedJournal(t, journal)

	res, err := s.ExecuteTool(ctx, "query_journal", map[string]interface{}{"predicate": "visited"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.(map[string]interface{})["count"])
}
