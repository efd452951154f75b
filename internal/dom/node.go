// Package dom turns a raw CDP document into the indexed element tree that the
// control plane reads: a selector map keyed by backend node id, with xpath and
// structural selectors precomputed for each interactive element.
package dom

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Rect is an element box in CSS pixels relative to its own frame.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is one element of the tree. Only element nodes are kept; text is folded
// into Text of the owning element.
type Node struct {
	BackendNodeID int               `json:"backend_node_id"`
	Tag           string            `json:"tag"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Text          string            `json:"text,omitempty"`
	XPath         string            `json:"xpath,omitempty"`
	// Selector is the structural selector computed at build time.
	Selector    string `json:"selector,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
	// IsNew is set when the node was absent from the previous build.
	IsNew  bool  `json:"is_new,omitempty"`
	Bounds *Rect `json:"bounds,omitempty"`

	// Frames holds the iframe elements enclosing this node, outermost first.
	Frames   []*Node `json:"-"`
	Parent   *Node   `json:"-"`
	Children []*Node `json:"children,omitempty"`
}

// Attr returns an attribute value or "".
func (n *Node) Attr(name string) string {
	if n == nil || n.Attributes == nil {
		return ""
	}
	return n.Attributes[name]
}

// HasAttr reports whether the attribute is present, even when empty.
func (n *Node) HasAttr(name string) bool {
	if n == nil || n.Attributes == nil {
		return false
	}
	_, ok := n.Attributes[name]
	return ok
}

// InputType returns the lowercased type attribute of an input, "" otherwise.
func (n *Node) InputType() string {
	if n == nil || n.Tag != "input" {
		return ""
	}
	t := strings.ToLower(n.Attr("type"))
	if t == "" {
		return "text"
	}
	return t
}

// IsFileInput reports whether n is <input type=file>.
func (n *Node) IsFileInput() bool { return n.InputType() == "file" }

// IsSelect reports whether n is a <select>.
func (n *Node) IsSelect() bool { return n != nil && n.Tag == "select" }

// InIframe reports whether n lives inside at least one iframe.
func (n *Node) InIframe() bool { return n != nil && len(n.Frames) > 0 }

// Describe renders a short element description for messages and logs.
func (n *Node) Describe() string {
	if n == nil {
		return "<unknown>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<%s index=%d", n.Tag, n.BackendNodeID)
	for _, k := range []string{"id", "name", "type", "role", "aria-label"} {
		if v := n.Attr(k); v != "" {
			fmt.Fprintf(&b, " %s=%q", k, truncate(v, 40))
		}
	}
	b.WriteString(">")
	if n.Text != "" {
		b.WriteString(truncate(n.Text, 40))
	}
	return b.String()
}

// StructuralSelector computes a CSS path from the nearest frame root down to n
// using :nth-of-type steps. It does not depend on ids or classes, so it survives
// attribute churn but not reordering.
func (n *Node) StructuralSelector() string {
	if n == nil || n.Tag == "" {
		return ""
	}
	var steps []string
	for cur := n; cur != nil && cur.Tag != ""; cur = cur.Parent {
		if cur.Tag == "iframe" && cur != n {
			break
		}
		step := cssEscapeTag(cur.Tag)
		if cur.Parent != nil {
			same, pos := 0, 0
			for _, sib := range cur.Parent.Children {
				if sib.Tag == cur.Tag {
					same++
					if sib == cur {
						pos = same
					}
				}
			}
			if same > 1 {
				step = fmt.Sprintf("%s:nth-of-type(%d)", step, pos)
			}
		}
		steps = append(steps, step)
		if cur.Tag == "html" {
			break
		}
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return strings.Join(steps, " > ")
}

// AttributeKeys returns attribute names in stable order.
func (n *Node) AttributeKeys() []string {
	keys := make([]string, 0, len(n.Attributes))
	for k := range n.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cssEscapeTag(tag string) string {
	if strings.ContainsAny(tag, ":.") {
		return strings.NewReplacer(":", `\:`, ".", `\.`).Replace(tag)
	}
	return tag
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return clip(s, max) + "..."
}

// clip cuts s to at most max bytes without splitting a rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
