package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pagepilot-mcp-server/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
)

const resourceMIMEJSON = "application/json"

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"pagepilot://about",
			"PagePilot About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and the usual tool workflow."),
		),
		s.handleAboutResource,
	)

	if s.journal == nil {
		return
	}
	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"pagepilot://tab/{targetId}/events{?predicate,limit}",
			"Tab Events",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Recent journal facts for one tab, optionally filtered by predicate."),
		),
		s.handleTabEventsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"tools":   s.ToolNames(),
		"workflow": []string{
			"request_browser_state to get indexed elements",
			"dispatch_action with an index from that state",
			"request_browser_state again after anything that changes the page",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handleTabEventsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	targetID := argString(request.Params.Arguments["targetId"])
	if targetID == "" {
		return nil, fmt.Errorf("missing targetId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit := asInt(request.Params.Arguments["limit"])
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	facts := selectRecentTabFacts(s.journal, targetID, predicate, limit)
	return jsonResource(request.Params.URI, map[string]interface{}{
		"target_id": targetID,
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: resourceMIMEJSON, Text: string(text)},
	}, nil
}

// selectRecentTabFacts returns up to limit facts whose first argument is
// targetID, oldest first.
func selectRecentTabFacts(journal Journal, targetID, predicate string, limit int) []mangle.Fact {
	if journal == nil || targetID == "" || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = journal.FactsByPredicate(predicate)
	} else {
		source = journal.Facts()
	}

	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if len(f.Args) == 0 || fmt.Sprintf("%v", f.Args[0]) != targetID {
			continue
		}
		out = append(out, f)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
