package dom

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// DocumentSource returns the full pierced document of one target.
type DocumentSource interface {
	Document(ctx context.Context) (*proto.DOMNode, error)
}

// BoxSource is optionally implemented by a DocumentSource. Box returns the
// border box of a node in main-frame viewport coordinates; frame boxes feed
// VisibleWithinFrames.
type BoxSource interface {
	Box(ctx context.Context, backendNodeID int) (*Rect, error)
}

// DocumentFunc adapts a function to DocumentSource.
type DocumentFunc func(ctx context.Context) (*proto.DOMNode, error)

func (f DocumentFunc) Document(ctx context.Context) (*proto.DOMNode, error) { return f(ctx) }

const maxTextLen = 100

const (
	nodeTypeElement  = 1
	nodeTypeText     = 3
	nodeTypeDocument = 9
	nodeTypeFragment = 11
)

var interactiveTags = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"summary":  true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true, "tab": true,
	"menuitem": true, "menuitemcheckbox": true, "menuitemradio": true, "option": true,
	"combobox": true, "textbox": true, "switch": true, "slider": true,
	"spinbutton": true, "searchbox": true, "listbox": true, "treeitem": true,
}

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true,
	"meta": true, "link": true, "title": true,
}

// Service builds element trees.
type Service struct {
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger.Named("dom")}
}

// BuildTree fetches the document from src and indexes interactive elements. When
// previous is non-nil, nodes absent from it are marked IsNew. With
// includeAllFormFields, hidden and disabled form controls stay in the map.
func (s *Service) BuildTree(ctx context.Context, src DocumentSource, previous *State, includeAllFormFields bool) (*State, Timing, error) {
	var timing Timing
	started := time.Now()

	doc, err := src.Document(ctx)
	timing.Fetch = time.Since(started)
	if err != nil {
		return EmptyState(), timing, fmt.Errorf("get document: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return EmptyState(), timing, err
	}

	buildStarted := time.Now()
	b := &builder{
		ctx:      ctx,
		logger:   s.logger,
		state:    EmptyState(),
		prev:     previous,
		allForm:  includeAllFormFields,
		frameAbs: make(map[*Node]*Rect),
	}
	b.boxes, _ = src.(BoxSource)
	b.state.Root = b.walkDocument(doc, nil, nil)
	// Selectors need every sibling attached, so they are computed after the walk.
	for _, n := range b.state.SelectorMap {
		n.Selector = n.StructuralSelector()
	}
	timing.Build = time.Since(buildStarted)
	timing.Total = time.Since(started)

	s.logger.Debug("tree built",
		zap.Int("interactive", b.state.Len()),
		zap.Int("nodes", b.seen),
		zap.Duration("total", timing.Total))
	return b.state, timing, nil
}

type builder struct {
	ctx     context.Context
	logger  *zap.Logger
	state   *State
	prev    *State
	allForm bool
	seen    int

	boxes BoxSource
	// frameAbs keeps each frame's box in main-frame coordinates.
	frameAbs map[*Node]*Rect
}

// frameBounds sets n.Bounds relative to the enclosing frame.
func (b *builder) frameBounds(n *Node, frames []*Node) {
	if b.boxes == nil || n.BackendNodeID == 0 {
		return
	}
	abs, err := b.boxes.Box(b.ctx, n.BackendNodeID)
	if err != nil || abs == nil {
		b.logger.Debug("frame box unavailable", zap.Int("node", n.BackendNodeID), zap.Error(err))
		return
	}
	b.frameAbs[n] = abs
	local := *abs
	if len(frames) > 0 {
		if outer := b.frameAbs[frames[len(frames)-1]]; outer != nil {
			local.X -= outer.X
			local.Y -= outer.Y
		}
	}
	n.Bounds = &local
}

// walkDocument handles document and fragment nodes, returning the first element
// found under them (normally <html>).
func (b *builder) walkDocument(doc *proto.DOMNode, parent *Node, frames []*Node) *Node {
	if doc == nil {
		return nil
	}
	var root *Node
	for _, child := range doc.Children {
		if n := b.walk(child, parent, frames, ""); n != nil && root == nil {
			root = n
		}
	}
	return root
}

func (b *builder) walk(raw *proto.DOMNode, parent *Node, frames []*Node, parentXPath string) *Node {
	if raw == nil {
		return nil
	}
	switch raw.NodeType {
	case nodeTypeDocument, nodeTypeFragment:
		return b.walkDocument(raw, parent, frames)
	case nodeTypeElement:
	default:
		return nil
	}

	tag := strings.ToLower(raw.NodeName)
	if skippedTags[tag] {
		return nil
	}
	b.seen++

	n := &Node{
		BackendNodeID: int(raw.BackendNodeID),
		Tag:           tag,
		Attributes:    attributeMap(raw.Attributes),
		Parent:        parent,
		Frames:        frames,
	}
	if parent != nil {
		parent.Children = append(parent.Children, n)
	}
	n.XPath = parentXPath + "/" + tag + xpathIndex(raw, parent)

	for _, child := range raw.Children {
		if child.NodeType == nodeTypeText {
			appendText(n, child.NodeValue)
			continue
		}
		b.walk(child, n, frames, n.XPath)
	}
	for _, shadow := range raw.ShadowRoots {
		b.walkDocument(shadow, n, frames)
	}
	if tag == "iframe" || tag == "frame" {
		b.frameBounds(n, frames)
		if raw.ContentDocument != nil {
			inner := append(append([]*Node(nil), frames...), n)
			b.walkDocument(raw.ContentDocument, n, inner)
		}
	}

	if b.index(n) {
		n.Interactive = true
		n.Text = collectText(n)
		if b.prev != nil {
			if _, ok := b.prev.Lookup(n.BackendNodeID); !ok {
				n.IsNew = true
			}
		}
		b.state.SelectorMap[n.BackendNodeID] = n
	}
	return n
}

func (b *builder) index(n *Node) bool {
	if !isInteractive(n) {
		return false
	}
	if b.allForm {
		return true
	}
	if n.InputType() == "hidden" || n.HasAttr("hidden") || n.Attr("aria-hidden") == "true" {
		return false
	}
	if isFormControl(n) && n.HasAttr("disabled") {
		return false
	}
	return VisibleWithinFrames(n, n.Frames)
}

func isInteractive(n *Node) bool {
	if interactiveTags[n.Tag] {
		if n.Tag == "a" {
			return n.HasAttr("href") || n.HasAttr("onclick") || n.Attr("role") != ""
		}
		return true
	}
	if interactiveRoles[strings.ToLower(n.Attr("role"))] {
		return true
	}
	if n.HasAttr("onclick") {
		return true
	}
	if ce, ok := n.Attributes["contenteditable"]; ok && ce != "false" {
		return true
	}
	if ti, ok := n.Attributes["tabindex"]; ok {
		if v, err := strconv.Atoi(strings.TrimSpace(ti)); err == nil && v >= 0 {
			return true
		}
	}
	return false
}

func isFormControl(n *Node) bool {
	switch n.Tag {
	case "input", "select", "textarea", "button":
		return true
	}
	return false
}

func attributeMap(flat []string) map[string]string {
	if len(flat) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		attrs[strings.ToLower(flat[i])] = flat[i+1]
	}
	return attrs
}

// xpathIndex returns "[k]" when raw has same-tag siblings already attached to parent.
func xpathIndex(raw *proto.DOMNode, parent *Node) string {
	if parent == nil {
		return ""
	}
	tag := strings.ToLower(raw.NodeName)
	pos := 0
	for _, sib := range parent.Children {
		if sib.Tag == tag {
			pos++
		}
	}
	if pos <= 1 {
		return ""
	}
	return fmt.Sprintf("[%d]", pos)
}

func appendText(n *Node, raw string) {
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return
	}
	if n.Text != "" {
		n.Text += " "
	}
	n.Text += text
}

func collectText(n *Node) string {
	var parts []string
	size := 0
	var visit func(*Node)
	visit = func(cur *Node) {
		if size >= maxTextLen {
			return
		}
		if cur.Text != "" {
			parts = append(parts, cur.Text)
			size += len(cur.Text) + 1
		}
		for _, c := range cur.Children {
			if c.Tag == "iframe" {
				continue
			}
			visit(c)
		}
	}
	visit(n)
	text := clip(strings.Join(parts, " "), maxTextLen)
	if text == "" {
		for _, k := range []string{"aria-label", "placeholder", "title", "value", "alt"} {
			if v := n.Attr(k); v != "" {
				return truncate(v, maxTextLen)
			}
		}
	}
	return text
}
