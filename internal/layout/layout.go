// Package layout maps normalized template rectangles onto absolute page
// coordinates.
//
// Rectangles are stored by the ticket designer as fractions of the template's
// displayed size with the origin in the top-left corner. Mapping multiplies by
// the page size and keeps the top-down orientation; surfaces that draw
// bottom-up convert with Box.BottomUpY.
package layout

import "math"

const (
	minSize = 0.02
	maxSize = 1.0
)

// Rect is a normalized rectangle. FontSize and LineSpacing are absolute page
// units already scaled by the designer.
type Rect struct {
	X           float64  `json:"x" firestore:"x"`
	Y           float64  `json:"y" firestore:"y"`
	Width       float64  `json:"width" firestore:"width"`
	Height      float64  `json:"height" firestore:"height"`
	FontSize    *float64 `json:"fontSize,omitempty" firestore:"fontSize,omitempty"`
	LineSpacing *float64 `json:"lineSpacing,omitempty" firestore:"lineSpacing,omitempty"`
}

// DefaultQRArea is the upper-right placement used when a design has no QR area.
var DefaultQRArea = Rect{X: 0.65, Y: 0.1, Width: 0.25, Height: 0.25}

// Box is an absolute rectangle in page units, Y measured from the top.
// Zero FontSize or LineSpacing means unset.
type Box struct {
	X, Y, W, H  float64
	FontSize    float64
	LineSpacing float64
}

// BottomUpY is the box's lower edge in a coordinate system whose origin is
// the bottom-left page corner.
func (b Box) BottomUpY(pageHeight float64) float64 {
	return pageHeight - b.Y - b.H
}

// Side is the length of the largest square fitting the box.
func (b Box) Side() float64 {
	return math.Min(b.W, b.H)
}

// Normalize returns a clamped copy of r, or of fallback when r is nil or not
// finite. It returns nil when neither applies.
func Normalize(r *Rect, fallback *Rect) *Rect {
	src := r
	if src == nil || !src.valid() {
		src = fallback
	}
	if src == nil || !src.valid() {
		return nil
	}
	out := *src
	out.X = clamp(out.X, 0, 1)
	out.Y = clamp(out.Y, 0, 1)
	out.Width = clamp(out.Width, minSize, maxSize)
	out.Height = clamp(out.Height, minSize, maxSize)
	return &out
}

// Map converts a normalized rectangle to page units.
func Map(r Rect, pageWidth, pageHeight float64) Box {
	b := Box{
		X: r.X * pageWidth,
		Y: r.Y * pageHeight,
		W: r.Width * pageWidth,
		H: r.Height * pageHeight,
	}
	if r.FontSize != nil && *r.FontSize > 0 {
		b.FontSize = *r.FontSize
	}
	if r.LineSpacing != nil && *r.LineSpacing > 0 {
		b.LineSpacing = *r.LineSpacing
	}
	return b
}

// Resolve normalizes r with fallback and maps it. ok is false when no
// rectangle applies.
func Resolve(r *Rect, fallback *Rect, pageWidth, pageHeight float64) (Box, bool) {
	n := Normalize(r, fallback)
	if n == nil {
		return Box{}, false
	}
	return Map(*n, pageWidth, pageHeight), true
}

func (r *Rect) valid() bool {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
