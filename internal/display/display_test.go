package display

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsolePrintKeepsLatestLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)

	c.Print(PageLinks, "Connected to %d", 1)
	c.Print(PageLinks, "Connected to %d", 2)
	c.Print(PageScan, "Discovering...")

	if got := c.Line(PageLinks); got != "Connected to 2" {
		t.Errorf("Line(PageLinks) = %q", got)
	}
	if got := c.Line(PageScan); got != "Discovering..." {
		t.Errorf("Line(PageScan) = %q", got)
	}
	if got := c.Line(PageTitle); got != "" {
		t.Errorf("Line(PageTitle) = %q, want empty", got)
	}

	out := buf.String()
	if strings.Count(out, "\n") != 3 {
		t.Errorf("output has %d lines, want 3:\n%s", strings.Count(out, "\n"), out)
	}
	if !strings.Contains(out, "links    Connected to 1") {
		t.Errorf("output missing tagged line:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("colour escapes emitted with colour disabled:\n%q", out)
	}
}

func TestConsoleColour(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)
	c.Print(PageSecurity, "Passcode: %s", "123456")
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("no colour escapes with colour enabled: %q", buf.String())
	}
}

func TestConsoleIgnoresUnknownPage(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)
	c.Print(NumPages, "nope")
	c.Print(Page(-1), "nope")
	if buf.Len() != 0 {
		t.Errorf("output for unknown page: %q", buf.String())
	}
	if len(c.Snapshot()) != int(NumPages) {
		t.Errorf("Snapshot() has %d lines", len(c.Snapshot()))
	}
}
