package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/mangle"
)

const defaultJournalLimit = 50

type QueryJournalTool struct {
	journal Journal
}

func (t *QueryJournalTool) Name() string { return "query_journal" }
func (t *QueryJournalTool) Description() string {
	return `Read the event journal: navigations, tab changes, action outcomes, downloads,
dialogs and browser errors, plus facts derived from them.

MODES:
- query:     a Mangle atom, e.g. "stale_index_hint(Action, Index)." -> variable bindings
- predicate: every fact of one predicate (derived ones included), e.g. "repeated_failure"
             with since_ms / until_ms (unix ms) only buffered facts in that window
- neither:   the most recent buffered facts

Derived predicates: stale_index_hint(Action, Index), repeated_failure(Action, Index),
navigation_after_action(TargetID, Action, URL), page_error(TargetID, URL, Message).`
}
func (t *QueryJournalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query":     map[string]interface{}{"type": "string"},
			"predicate": map[string]interface{}{"type": "string"},
			"since_ms":  map[string]interface{}{"type": "integer"},
			"until_ms":  map[string]interface{}{"type": "integer"},
			"limit":     map[string]interface{}{"type": "integer", "description": fmt.Sprintf("Maximum facts returned (default %d)", defaultJournalLimit)},
		},
	}
}
func (t *QueryJournalTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	limit := getIntArg(args, "limit", defaultJournalLimit)
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	out := map[string]interface{}{"sampling_rate": t.journal.SamplingRate()}

	if query := strings.TrimSpace(getStringArg(args, "query")); query != "" {
		if !strings.HasSuffix(query, ".") {
			query += "."
		}
		rows, err := t.journal.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		out["results"] = limitSlice(rows, limit)
		out["count"] = len(rows)
		return out, nil
	}

	var facts []mangle.Fact
	predicate := strings.TrimSpace(getStringArg(args, "predicate"))
	since, until := getIntArg(args, "since_ms", 0), getIntArg(args, "until_ms", 0)
	switch {
	case predicate != "" && (since > 0 || until > 0):
		facts = t.journal.QueryTemporal(predicate, unixMs(since), unixMs(until))
	case predicate != "":
		var err error
		facts, err = t.journal.Evaluate(ctx, predicate)
		if errors.Is(err, mangle.ErrNotReady) {
			facts, err = t.journal.FactsByPredicate(predicate), nil
		}
		if err != nil {
			return nil, err
		}
	default:
		out["count"] = len(t.journal.Facts())
		facts = t.journal.Recent(limit)
	}

	if _, ok := out["count"]; !ok {
		out["count"] = len(facts)
	}
	out["predicate"] = predicate
	out["facts"] = newest(facts, limit)
	return out, nil
}

type SubmitRuleTool struct {
	journal Journal
}

func (t *SubmitRuleTool) Name() string { return "submit_rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add Mangle declarations and rules to the journal at runtime, e.g.
"Decl slow_tab(T). slow_tab(T) :- state_captured(T, _, N, _), N > 500."
The rule set is re-analyzed as a whole; a rejected rule leaves it unchanged.`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{"type": "string"},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := strings.TrimSpace(getStringArg(args, "rule"))
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.journal.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

func unixMs(ms int) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// newest keeps the last limit facts, oldest first.
func newest(facts []mangle.Fact, limit int) []mangle.Fact {
	if len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	if facts == nil {
		return []mangle.Fact{}
	}
	return facts
}

func limitSlice[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	if items == nil {
		return []T{}
	}
	return items
}
