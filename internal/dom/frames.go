package dom

import "strings"

// VisibleWithinFrames reports whether n can be seen through every enclosing
// frame in frames (outermost first). A frame hides its content when it is hidden
// by attribute or inline style, or has a zero-sized box. Bounds are relative to
// the enclosing frame, so when both are known each box in the chain must
// intersect the box of the frame that contains it.
func VisibleWithinFrames(n *Node, frames []*Node) bool {
	if n == nil || hiddenByMarkup(n) {
		return false
	}
	for i, f := range frames {
		if f == nil {
			continue
		}
		if hiddenByMarkup(f) {
			return false
		}
		if f.Bounds == nil {
			continue
		}
		if f.Bounds.Width <= 0 || f.Bounds.Height <= 0 {
			return false
		}
		inner := n.Bounds
		if i+1 < len(frames) && frames[i+1] != nil {
			inner = frames[i+1].Bounds
		}
		if inner != nil && !intersectsFrame(inner, f.Bounds) {
			return false
		}
	}
	return true
}

// intersectsFrame checks a frame-local box against the frame's own extent.
func intersectsFrame(box, frame *Rect) bool {
	return box.X < frame.Width && box.Y < frame.Height &&
		box.X+box.Width > 0 && box.Y+box.Height > 0
}

func hiddenByMarkup(n *Node) bool {
	if n.HasAttr("hidden") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(n.Attr("style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}
