// Package display renders the device status lines. The status is organised in
// pages, one line each, the way a small LCD would show it; the console
// renderer prints every update as a coloured, page-tagged line.
package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Page selects a status line.
type Page int

const (
	PageTitle Page = iota
	PageAddress
	PageLinks
	PageScan
	PageActivity
	PageLinkEvent
	PageDiscovery
	PageSecurity
	NumPages
)

var pageNames = [NumPages]string{
	PageTitle:     "title",
	PageAddress:   "addr",
	PageLinks:     "links",
	PageScan:      "scan",
	PageActivity:  "activity",
	PageLinkEvent: "link",
	PageDiscovery: "disc",
	PageSecurity:  "security",
}

func (p Page) String() string {
	if p < 0 || p >= NumPages {
		return fmt.Sprintf("page%d", int(p))
	}
	return pageNames[p]
}

// Display receives status updates.
type Display interface {
	Print(page Page, format string, args ...any)
}

// Console keeps the latest line of every page and echoes updates to w.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	lines  [NumPages]string
	label  *color.Color
	colors [NumPages]*color.Color
}

// NewConsole creates a console writing to w. Colour escapes are only
// emitted when colour is true.
func NewConsole(w io.Writer, colour bool) *Console {
	c := &Console{w: w, label: color.New(color.Faint)}
	for p := range c.colors {
		c.colors[p] = color.New(color.FgWhite)
	}
	c.colors[PageTitle] = color.New(color.FgHiCyan, color.Bold)
	c.colors[PageLinks] = color.New(color.FgHiGreen)
	c.colors[PageScan] = color.New(color.FgHiYellow)
	c.colors[PageActivity] = color.New(color.FgHiMagenta)
	c.colors[PageDiscovery] = color.New(color.FgHiBlue)
	c.colors[PageSecurity] = color.New(color.FgHiRed)

	all := append([]*color.Color{c.label}, c.colors[:]...)
	for _, col := range all {
		if colour {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

// Print replaces the line of page and echoes it.
func (c *Console) Print(page Page, format string, args ...any) {
	if page < 0 || page >= NumPages {
		return
	}
	line := fmt.Sprintf(format, args...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[page] = line
	if c.w == nil {
		return
	}
	c.label.Fprintf(c.w, "%-8s ", page)
	c.colors[page].Fprintln(c.w, line)
}

// Line returns the current line of page.
func (c *Console) Line(page Page) string {
	if page < 0 || page >= NumPages {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[page]
}

// Snapshot returns every page's current line.
func (c *Console) Snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, NumPages)
	copy(out, c.lines[:])
	return out
}
