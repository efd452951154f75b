package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/content"
	"pagepilot-mcp-server/internal/dom"
	"pagepilot-mcp-server/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// BrowserAPI is the control-plane surface the tools drive. browser.Controller
// implements it.
type BrowserAPI interface {
	RequestBrowserState(ctx context.Context, req browser.StateRequest) *browser.BrowserState
	DispatchAction(ctx context.Context, a browser.Action) (*browser.ActionResult, error)
	WaitForPageStability(ctx context.Context, opts browser.StabilityOptions) (browser.StabilityReport, error)
	ClearCache()
	GetElementByIndex(index int) (*dom.Node, bool)
	ListTabs(ctx context.Context) ([]browser.TargetInfo, error)
	PreviousTabs() []browser.Tab
	OpenTab(ctx context.Context, url string) (browser.TargetInfo, error)
	SwitchTab(ctx context.Context, targetID string) (browser.TargetInfo, error)
	CloseTab(ctx context.Context, targetID string) error
	PageHTML(ctx context.Context) (string, string, error)
}

// Journal is the read side of the event journal plus runtime rules.
// mangle.Engine implements it.
type Journal interface {
	Query(ctx context.Context, query string) ([]mangle.QueryResult, error)
	Evaluate(ctx context.Context, predicate string) ([]mangle.Fact, error)
	QueryTemporal(predicate string, after, before time.Time) []mangle.Fact
	FactsByPredicate(predicate string) []mangle.Fact
	Facts() []mangle.Fact
	Recent(limit int) []mangle.Fact
	AddRule(source string) error
	SamplingRate() float64
}

// Server wires the MCP runtime to the browser control plane and the journal.
type Server struct {
	cfg       config.Config
	browser   BrowserAPI
	journal   Journal
	extractor *content.Extractor
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
	logger    *zap.Logger
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer registers every tool. A nil journal leaves the journal tools out.
func NewServer(cfg config.Config, api BrowserAPI, journal Journal, extractor *content.Extractor, logger *zap.Logger) (*Server, error) {
	if api == nil {
		return nil, errors.New("browser controller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = content.NewExtractor(logger)
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		browser:   api,
		journal:   journal,
		extractor: extractor,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
		logger:    logger.Named("mcp"),
	}
	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves over stdio until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("sse server listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.logger.Info("sse server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly, bypassing the protocol.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	// State acquisition
	s.registerTool(&RequestBrowserStateTool{api: s.browser})
	s.registerTool(&WaitForPageStabilityTool{api: s.browser})
	s.registerTool(&ClearCacheTool{api: s.browser})
	s.registerTool(&GetElementByIndexTool{api: s.browser})
	s.registerTool(&ExtractPageContentTool{api: s.browser, extractor: s.extractor})

	// Actions
	s.registerTool(&DispatchActionTool{api: s.browser})

	// Tabs
	s.registerTool(&ListTabsTool{api: s.browser})
	s.registerTool(&OpenTabTool{api: s.browser})
	s.registerTool(&SwitchTabTool{api: s.browser})
	s.registerTool(&CloseTabTool{api: s.browser})

	if s.journal != nil {
		s.registerTool(&QueryJournalTool{journal: s.journal})
		s.registerTool(&SubmitRuleTool{journal: s.journal})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

// wrapTool turns tool errors into error results so the protocol session stays
// healthy.
func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		start := time.Now()
		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Warn("tool failed",
				zap.String("tool", tool.Name()),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}
		s.logger.Debug("tool done", zap.String("tool", tool.Name()), zap.Duration("elapsed", time.Since(start)))

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
