package dom

import (
	"sort"
	"strings"
	"unicode"
)

// PaginationButton is a detected paging control.
type PaginationButton struct {
	// next | prev | first | last | page_number
	Type          string `json:"type"`
	BackendNodeID int    `json:"backend_node_id"`
	Text          string `json:"text"`
	Selector      string `json:"selector"`
	Disabled      bool   `json:"disabled"`
}

var paginationWords = []struct {
	kind    string
	words   []string
	symbols []string
}{
	// first/last before next/prev so "first page" is not classified by "page".
	{"first", []string{"first", "primera", "première", "erste", "eerste"}, []string{"«« ", "⇤", "|<"}},
	{"last", []string{"last", "última", "dernière", "letzte", "laatste"}, []string{"»»", "⇥", ">|"}},
	{"next", []string{"next", "siguiente", "suivant", "weiter", "volgende"}, []string{">", "»", "→", "›"}},
	{"prev", []string{"prev", "previous", "anterior", "précédent", "zurück", "vorige"}, []string{"<", "«", "←", "‹"}},
}

// DetectPagination scans a selector map for next/previous/first/last and numbered
// page controls. Results are ordered by backend node id.
func DetectPagination(selectorMap SelectorMap) []PaginationButton {
	buttons := []PaginationButton{}
	ids := make([]int, 0, len(selectorMap))
	for id := range selectorMap {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		n := selectorMap[id]
		if n == nil || !isClickable(n) {
			continue
		}
		text := strings.TrimSpace(n.Text)
		kind := classifyPagination(n, text)
		if kind == "" {
			continue
		}
		selector := n.Selector
		if selector == "" {
			selector = n.XPath
		}
		buttons = append(buttons, PaginationButton{
			Type:          kind,
			BackendNodeID: id,
			Text:          text,
			Selector:      selector,
			Disabled:      isDisabled(n),
		})
	}
	return buttons
}

func classifyPagination(n *Node, text string) string {
	lowText := strings.ToLower(text)
	hints := strings.ToLower(strings.Join([]string{
		n.Attr("aria-label"), n.Attr("title"), n.Attr("rel"), n.Attr("class"),
	}, " "))

	for _, p := range paginationWords {
		for _, sym := range p.symbols {
			if lowText == strings.TrimSpace(sym) {
				return p.kind
			}
		}
		for _, w := range p.words {
			if containsWord(lowText, w) || containsWord(hints, w) {
				return p.kind
			}
		}
	}

	if text != "" && len(text) <= 3 && isDigits(text) {
		return "page_number"
	}
	return ""
}

func isClickable(n *Node) bool {
	switch n.Tag {
	case "a", "button":
		return true
	}
	switch strings.ToLower(n.Attr("role")) {
	case "button", "link":
		return true
	}
	return n.HasAttr("onclick")
}

func isDisabled(n *Node) bool {
	if n.HasAttr("disabled") || strings.EqualFold(n.Attr("aria-disabled"), "true") {
		return true
	}
	for _, c := range strings.Fields(strings.ToLower(n.Attr("class"))) {
		if c == "disabled" || strings.HasSuffix(c, "-disabled") || strings.HasSuffix(c, "--disabled") {
			return true
		}
	}
	return false
}

// containsWord matches w against word-like tokens of s, allowing prefixes such
// as "next" in "next-page".
func containsWord(s, w string) bool {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, t := range tokens {
		if t == w {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
