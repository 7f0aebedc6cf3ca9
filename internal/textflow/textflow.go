// Package textflow wraps text into a bounded rectangle, shrinking the font
// until it fits or the iteration budget runs out.
package textflow

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	DefaultFontSize    = 12.0
	DefaultLineSpacing = 4.0

	MinFontSize    = 8.0
	MinLineSpacing = 2.0
	MaxIterations  = 10

	fillRatio = 0.95
	minScale  = 0.75
)

// Measurer returns the rendered width of text at the given font size.
type Measurer interface {
	Width(text string, fontSize float64) float64
}

// MeasureFunc adapts a function to Measurer.
type MeasureFunc func(text string, fontSize float64) float64

func (f MeasureFunc) Width(text string, fontSize float64) float64 { return f(text, fontSize) }

type Options struct {
	FontSize    float64
	LineSpacing float64
}

// Layout is the outcome of fitting lines into a rectangle.
type Layout struct {
	Segments    []string
	FontSize    float64
	LineSpacing float64
	Needed      float64
	Available   float64
	Iterations  int
	Fits        bool
}

// Line is one segment positioned for drawing; Baseline is measured from the
// top of the page.
type Line struct {
	Text     string
	X        float64
	Baseline float64
}

// Fit wraps every logical line to width and shrinks font size and spacing
// until the block needs no more than 95% of height.
func Fit(lines []string, width, height float64, opts Options, m Measurer) Layout {
	fs := opts.FontSize
	if fs <= 0 {
		fs = DefaultFontSize
	}
	ls := opts.LineSpacing
	if ls <= 0 {
		ls = DefaultLineSpacing
	}

	l := Layout{Available: height}
	for {
		l.Segments = wrapAll(lines, width, fs, m)
		l.FontSize, l.LineSpacing = fs, ls
		l.Needed = neededHeight(len(l.Segments), fs, ls)
		if l.Needed <= height*fillRatio {
			l.Fits = true
			return l
		}
		if l.Iterations >= MaxIterations {
			return l
		}
		l.Iterations++

		scale := math.Max(minScale, height*fillRatio/l.Needed)
		nfs := math.Max(MinFontSize, fs*scale)
		nls := math.Max(MinLineSpacing, ls*scale)
		if nfs == fs && nls == ls {
			return l
		}
		fs, ls = nfs, nls
	}
}

// Place positions segments top to bottom inside the rectangle starting at
// (x, top). Segments whose baseline would fall below top+height are dropped.
func (l Layout) Place(x, top, height float64) (placed []Line, dropped int) {
	bottom := top + height
	baseline := top + l.FontSize
	for i, s := range l.Segments {
		if baseline > bottom {
			return placed, len(l.Segments) - i
		}
		placed = append(placed, Line{Text: s, X: x, Baseline: baseline})
		baseline += l.FontSize + l.LineSpacing
	}
	return placed, 0
}

func neededHeight(n int, fs, ls float64) float64 {
	if n == 0 {
		return 0
	}
	return float64(n)*fs + float64(n-1)*ls
}

func wrapAll(lines []string, width, fs float64, m Measurer) []string {
	var out []string
	for _, line := range lines {
		out = append(out, Wrap(line, width, fs, m)...)
	}
	return out
}

// Wrap breaks one logical line at word boundaries so every segment is at most
// width wide. Words wider than width are split by runes.
func Wrap(text string, width, fs float64, m Measurer) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var out []string
	current := ""
	for _, w := range words {
		candidate := w
		if current != "" {
			candidate = current + " " + w
		}
		if m.Width(candidate, fs) <= width {
			current = candidate
			continue
		}
		if current != "" {
			out = append(out, current)
		}
		if m.Width(w, fs) <= width {
			current = w
			continue
		}
		pieces := splitWord(w, width, fs, m)
		out = append(out, pieces[:len(pieces)-1]...)
		current = pieces[len(pieces)-1]
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

func splitWord(w string, width, fs float64, m Measurer) []string {
	var pieces []string
	current := ""
	for len(w) > 0 {
		r, size := utf8.DecodeRuneInString(w)
		w = w[size:]
		next := current + string(r)
		if current != "" && m.Width(next, fs) > width {
			pieces = append(pieces, current)
			next = string(r)
		}
		current = next
	}
	return append(pieces, current)
}
