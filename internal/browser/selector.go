package browser

import (
	"fmt"
	"regexp"
	"strings"

	"pagepilot-mcp-server/internal/dom"
)

var automationAttributes = []string{"data-automation-id", "data-testid", "data-test", "data-cy"}

var cssIdent = regexp.MustCompile(`^-?[A-Za-z_][A-Za-z0-9_-]*$`)

// ResolveSelector picks a selector for node, first match wins: precomputed
// structural selector, id, automation/test id attributes, name, on-demand
// structural selector, xpath (only with a path separator or index predicate),
// tag plus role. ErrNoSelector means the caller must act on the node by id.
func ResolveSelector(node *dom.Node) (string, error) {
	if node == nil {
		return "", ErrNoSelector
	}
	if node.Selector != "" {
		return node.Selector, nil
	}
	if id := node.Attr("id"); id != "" {
		if cssIdent.MatchString(id) {
			return "#" + id, nil
		}
		return attrSelector("", "id", id), nil
	}
	for _, attr := range automationAttributes {
		if v := node.Attr(attr); v != "" {
			return attrSelector("", attr, v), nil
		}
	}
	if name := node.Attr("name"); name != "" {
		return attrSelector(node.Tag, "name", name), nil
	}
	if s := node.StructuralSelector(); strings.Contains(s, " > ") {
		return s, nil
	}
	if x := node.XPath; strings.ContainsAny(x, "/[") {
		return "xpath=" + x, nil
	}
	if role := node.Attr("role"); role != "" && node.Tag != "" {
		return attrSelector(node.Tag, "role", role), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoSelector, node.Describe())
}

func attrSelector(tag, name, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf(`%s[%s="%s"]`, tag, name, escaped)
}
