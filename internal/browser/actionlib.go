package browser

import "time"

// The interfaces below describe the subset of the high-level action library the
// control plane uses. Every method must be called from the bridge worker only.

// Box is an element bounding box in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the middle point of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// SelectBy picks how a dropdown option is matched.
type SelectBy int

const (
	SelectByLabel SelectBy = iota
	SelectByValue
	SelectByIndex
)

func (s SelectBy) String() string {
	switch s {
	case SelectByValue:
		return "value"
	case SelectByIndex:
		return "index"
	}
	return "label"
}

// Locator is an auto-waiting element query that resolves to its first match.
type Locator interface {
	ScrollIntoView(timeout time.Duration) error
	WaitVisible(timeout time.Duration) error
	BoundingBox() (*Box, error)
	Click(timeout time.Duration) error
	Fill(value string, timeout time.Duration) error
	Clear(timeout time.Duration) error
	SelectOption(by SelectBy, value string, timeout time.Duration) error
	SetInputFiles(paths []string, timeout time.Duration) error
	Evaluate(expression string, arg any, timeout time.Duration) (any, error)
}

// PageHandle is the action library's view of one open page.
type PageHandle interface {
	URL() string
	IsClosed() bool
	Goto(url string, timeout time.Duration) error
	GoBack(timeout time.Duration) error
	GoForward(timeout time.Duration) error
	Reload(timeout time.Duration) error
	Locator(selector string) Locator
	// GetByText matches visible text, case-insensitive and not exact.
	GetByText(text string) Locator
	TypeText(text string, delay time.Duration) error
	// PressKey presses a key or a chord such as "Control+Shift+t".
	PressKey(key string) error
	ClickAt(x, y float64) error
}

// ActionLibrary enumerates and opens pages.
type ActionLibrary interface {
	Pages() ([]PageHandle, error)
	NewPage() (PageHandle, error)
}
