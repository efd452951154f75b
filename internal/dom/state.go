package dom

import "time"

// SelectorMap indexes interactive elements by backend node id.
type SelectorMap map[int]*Node

// State is the DOM half of a browser snapshot.
type State struct {
	Root        *Node       `json:"root,omitempty"`
	SelectorMap SelectorMap `json:"selector_map"`
}

// EmptyState returns a state with a non-nil, empty selector map.
func EmptyState() *State {
	return &State{SelectorMap: SelectorMap{}}
}

// Len returns the number of indexed elements.
func (s *State) Len() int {
	if s == nil {
		return 0
	}
	return len(s.SelectorMap)
}

// Lookup returns the element indexed by backend node id.
func (s *State) Lookup(backendNodeID int) (*Node, bool) {
	if s == nil || s.SelectorMap == nil {
		return nil, false
	}
	n, ok := s.SelectorMap[backendNodeID]
	return n, ok
}

// Timing breaks down how long a build took.
type Timing struct {
	Fetch time.Duration `json:"fetch"`
	Build time.Duration `json:"build"`
	Total time.Duration `json:"total"`
}

// Milliseconds renders the timing as integer milliseconds per phase.
func (t Timing) Milliseconds() map[string]int64 {
	return map[string]int64{
		"fetch_ms": t.Fetch.Milliseconds(),
		"build_ms": t.Build.Milliseconds(),
		"total_ms": t.Total.Milliseconds(),
	}
}
