package browser

import (
	"math"

	"github.com/go-rod/rod/lib/proto"
)

// PageGeometry is the page layout in CSS pixels.
type PageGeometry struct {
	ViewportWidth    int     `json:"viewport_width"`
	ViewportHeight   int     `json:"viewport_height"`
	PageWidth        int     `json:"page_width"`
	PageHeight       int     `json:"page_height"`
	ScrollX          int     `json:"scroll_x"`
	ScrollY          int     `json:"scroll_y"`
	PixelsAbove      int     `json:"pixels_above"`
	PixelsBelow      int     `json:"pixels_below"`
	PixelsLeft       int     `json:"pixels_left"`
	PixelsRight      int     `json:"pixels_right"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

// DefaultGeometry is reported when the page cannot be measured.
func DefaultGeometry(width, height int) PageGeometry {
	return PageGeometry{
		ViewportWidth:    width,
		ViewportHeight:   height,
		PageWidth:        width,
		PageHeight:       height,
		DevicePixelRatio: 1,
	}
}

// ComputeGeometry converts CDP layout metrics to CSS pixels. The device pixel
// ratio is measured as device viewport width over CSS viewport width, and the raw
// content size (device pixels) is divided by it.
func ComputeGeometry(m *proto.PageGetLayoutMetricsResult, defaultWidth, defaultHeight int) PageGeometry {
	if m == nil {
		return DefaultGeometry(defaultWidth, defaultHeight)
	}

	cssWidth := float64(defaultWidth)
	switch {
	case m.CSSVisualViewport != nil && m.CSSVisualViewport.ClientWidth > 0:
		cssWidth = m.CSSVisualViewport.ClientWidth
	case m.CSSLayoutViewport != nil && m.CSSLayoutViewport.ClientWidth > 0:
		cssWidth = float64(m.CSSLayoutViewport.ClientWidth)
	}

	deviceWidth := cssWidth
	if m.VisualViewport != nil && m.VisualViewport.ClientWidth > 0 {
		deviceWidth = m.VisualViewport.ClientWidth
	}

	dpr := 1.0
	if cssWidth > 0 {
		dpr = deviceWidth / cssWidth
	}
	if dpr <= 0 || math.IsNaN(dpr) || math.IsInf(dpr, 0) {
		dpr = 1
	}

	vpWidth, vpHeight := defaultWidth, defaultHeight
	switch {
	case m.CSSLayoutViewport != nil && m.CSSLayoutViewport.ClientWidth > 0:
		vpWidth = m.CSSLayoutViewport.ClientWidth
		vpHeight = m.CSSLayoutViewport.ClientHeight
	case m.LayoutViewport != nil && m.LayoutViewport.ClientWidth > 0:
		vpWidth = m.LayoutViewport.ClientWidth
		vpHeight = m.LayoutViewport.ClientHeight
	}

	pageWidth, pageHeight := vpWidth, vpHeight
	if m.ContentSize != nil && m.ContentSize.Width > 0 {
		pageWidth = int(m.ContentSize.Width / dpr)
		pageHeight = int(m.ContentSize.Height / dpr)
	}

	var scrollX, scrollY int
	switch {
	case m.CSSVisualViewport != nil:
		scrollX = int(m.CSSVisualViewport.PageX)
		scrollY = int(m.CSSVisualViewport.PageY)
	case m.CSSLayoutViewport != nil:
		scrollX = m.CSSLayoutViewport.PageX
		scrollY = m.CSSLayoutViewport.PageY
	}

	return PageGeometry{
		ViewportWidth:    vpWidth,
		ViewportHeight:   vpHeight,
		PageWidth:        pageWidth,
		PageHeight:       pageHeight,
		ScrollX:          scrollX,
		ScrollY:          scrollY,
		PixelsAbove:      scrollY,
		PixelsBelow:      max(0, pageHeight-vpHeight-scrollY),
		PixelsLeft:       scrollX,
		PixelsRight:      max(0, pageWidth-vpWidth-scrollX),
		DevicePixelRatio: dpr,
	}
}
