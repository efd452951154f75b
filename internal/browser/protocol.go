package browser

import (
	"context"

	"pagepilot-mcp-server/internal/dom"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// TargetInfo describes one CDP target.
type TargetInfo struct {
	TargetID string `json:"target_id"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

// IsPage reports whether the target is a top-level page.
func (t TargetInfo) IsPage() bool { return t.Type == string(proto.TargetTargetInfoTypePage) }

// Protocol is the low-level CDP surface the control plane needs. SessionManager
// implements it with rod.
type Protocol interface {
	// FocusedTarget returns the page target actions and state requests apply to.
	FocusedTarget(ctx context.Context) (TargetInfo, error)
	Targets(ctx context.Context) ([]TargetInfo, error)
	Title(ctx context.Context, targetID string) (string, error)
	LayoutMetrics(ctx context.Context, targetID string) (*proto.PageGetLayoutMetricsResult, error)
	Screenshot(ctx context.Context, targetID string) ([]byte, error)
	PrintToPDF(ctx context.Context, targetID string) ([]byte, error)
	Document(ctx context.Context, targetID string) (*proto.DOMNode, error)
	PageHTML(ctx context.Context, targetID string) (string, error)

	// CallOnNode resolves the node and calls fn (a JS function declaration) with
	// this bound to it, returning the value.
	CallOnNode(ctx context.Context, targetID string, backendNodeID int, fn string, args ...any) (gson.JSON, error)
	// DescribeNodeAt returns the element at viewport point (x, y) with its tag
	// and attributes only.
	DescribeNodeAt(ctx context.Context, targetID string, x, y int) (*dom.Node, error)
	// NodeCenter returns the center of the node's content quad.
	NodeCenter(ctx context.Context, targetID string, backendNodeID int) (float64, float64, error)
	// NodeBox returns the node's border box in main-frame viewport coordinates.
	NodeBox(ctx context.Context, targetID string, backendNodeID int) (*dom.Rect, error)
	DispatchMouseWheel(ctx context.Context, targetID string, x, y, deltaX, deltaY float64) error
	DispatchClick(ctx context.Context, targetID string, x, y float64) error
	// Evaluate runs fn (a JS function declaration) in the page with args.
	Evaluate(ctx context.Context, targetID string, fn string, args ...any) (gson.JSON, error)
	SetFileInputFiles(ctx context.Context, targetID string, backendNodeID int, files []string) error
	InsertText(ctx context.Context, targetID, text string) error
	// PressKeys presses plan.Key with plan.Modifiers held, or types plan.Text.
	PressKeys(ctx context.Context, targetID string, plan KeyPlan) error

	NavigateBack(ctx context.Context, targetID string) error
	NavigateForward(ctx context.Context, targetID string) error
	Reload(ctx context.Context, targetID string) error

	PendingRequests(targetID string) []PendingRequest
	SubscribeMutations(ctx context.Context, targetID string) (<-chan struct{}, func(), error)
}

// targetDocument binds a target to dom.DocumentSource and dom.BoxSource.
type targetDocument struct {
	protocol Protocol
	targetID string
}

func (d targetDocument) Document(ctx context.Context) (*proto.DOMNode, error) {
	return d.protocol.Document(ctx, d.targetID)
}

func (d targetDocument) Box(ctx context.Context, backendNodeID int) (*dom.Rect, error) {
	return d.protocol.NodeBox(ctx, d.targetID, backendNodeID)
}

func documentSource(p Protocol, targetID string) dom.DocumentSource {
	return targetDocument{protocol: p, targetID: targetID}
}
