package output

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ColorScheme defines the colors used for report elements.
type ColorScheme struct {
	Title     *color.Color
	Label     *color.Color
	Value     *color.Color
	Success   *color.Color
	Warn      *color.Color
	Error     *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the colored scheme.
func DefaultColorScheme() *ColorScheme {
	s := &ColorScheme{
		Title:     color.New(color.FgMagenta, color.Bold),
		Label:     color.New(color.FgCyan),
		Value:     color.New(color.Bold),
		Success:   color.New(color.FgGreen, color.Bold),
		Warn:      color.New(color.FgYellow, color.Bold),
		Error:     color.New(color.FgRed, color.Bold),
		Highlight: color.New(color.FgBlue, color.Bold),
	}
	for _, c := range s.all() {
		c.EnableColor()
	}
	return s
}

// NoColorScheme returns a scheme that prints plain text.
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	for _, c := range s.all() {
		c.DisableColor()
	}
	return s
}

// SchemeFor picks the colored scheme when w is a terminal.
func SchemeFor(w io.Writer) *ColorScheme {
	if IsTerminal(w) {
		return DefaultColorScheme()
	}
	return NoColorScheme()
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Title, s.Label, s.Value, s.Success, s.Warn, s.Error, s.Highlight}
}

// status picks a color for an HTTP-like status code. Zero is used by
// protocols without status codes and counts as success.
func (s *ColorScheme) status(code int) *color.Color {
	switch {
	case code >= 500:
		return s.Error
	case code >= 400:
		return s.Warn
	default:
		return s.Success
	}
}
