package browser

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/dom"
)

// BrowserState is one consistent view of the focused page. Collections are never
// nil so consumers do not have to tell null from empty.
type BrowserState struct {
	ID              string                 `json:"id"`
	TargetID        string                 `json:"target_id"`
	URL             string                 `json:"url"`
	Title           string                 `json:"title"`
	Tabs            []TargetInfo           `json:"tabs"`
	DOM             *dom.State             `json:"-"`
	Screenshot      []byte                 `json:"screenshot,omitempty"`
	Geometry        PageGeometry           `json:"page_info"`
	PendingRequests []PendingRequest       `json:"pending_network_requests"`
	Pagination      []dom.PaginationButton `json:"pagination_buttons"`
	RecentEvents    string                 `json:"recent_events"`
	ClosedPopups    []string               `json:"closed_popup_messages"`
	BrowserErrors   []string               `json:"browser_errors"`
	IsPDFViewer     bool                   `json:"is_pdf_viewer"`
	Stability       *StabilityReport       `json:"stability,omitempty"`
	Timing          map[string]int64       `json:"timing_ms,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CapturedAt      time.Time              `json:"captured_at"`
}

// ElementView is the serializable form of one indexed element.
type ElementView struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Selector   string            `json:"selector,omitempty"`
	XPath      string            `json:"xpath,omitempty"`
	IsNew      bool              `json:"is_new,omitempty"`
	InIframe   bool              `json:"in_iframe,omitempty"`
}

// Elements lists the indexed elements in index order.
func (s *BrowserState) Elements() []ElementView {
	out := []ElementView{}
	if s == nil || s.DOM == nil {
		return out
	}
	ids := make([]int, 0, len(s.DOM.SelectorMap))
	for id := range s.DOM.SelectorMap {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, NewElementView(id, s.DOM.SelectorMap[id]))
	}
	return out
}

func NewElementView(index int, n *dom.Node) ElementView {
	return ElementView{
		Index:      index,
		Tag:        n.Tag,
		Text:       n.Text,
		Attributes: n.Attributes,
		Selector:   n.Selector,
		XPath:      n.XPath,
		IsNew:      n.IsNew,
		InIframe:   n.InIframe(),
	}
}

// isHTTP reports whether the URL is a regular web page.
func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// isPDFURL matches URLs that the browser renders in its PDF viewer.
func isPDFURL(raw string) bool {
	lower := strings.ToLower(raw)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".pdf") || strings.Contains(lower, "/pdf/")
}

// hasPDFEmbed looks for the viewer's embed element in the built tree.
func hasPDFEmbed(n *dom.Node) bool {
	if n == nil {
		return false
	}
	if (n.Tag == "embed" || n.Tag == "object") && strings.Contains(n.Attr("type"), "pdf") {
		return true
	}
	for _, c := range n.Children {
		if hasPDFEmbed(c) {
			return true
		}
	}
	return false
}

func pageTabs(targets []TargetInfo) []TargetInfo {
	tabs := []TargetInfo{}
	for _, t := range targets {
		if t.IsPage() {
			tabs = append(tabs, t)
		}
	}
	return tabs
}
