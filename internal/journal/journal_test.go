package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type handle uint16

type role uint8

func (r role) String() string { return "central" }

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecordWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf)
	j.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := j.Record("link_established", map[string]any{
		"conn": handle(0x40),
		"role": role(1),
		"addr": "AA:BB",
		"ok":   true,
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := j.Record("att_dropped", map[string]any{"err": errors.New("boom"), "data": []byte{1, 2}}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	recs := decodeLines(t, buf.Bytes())
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	r := recs[0]
	if r["kind"] != "link_established" || r["session"] != j.Session() {
		t.Errorf("record = %v", r)
	}
	if r["time"] != "2026-01-02T03:04:05Z" {
		t.Errorf("time = %v", r["time"])
	}
	if r["conn"] != float64(0x40) || r["role"] != "central" || r["ok"] != true {
		t.Errorf("fields = %v", r)
	}
	if recs[1]["err"] != "boom" || recs[1]["data"] != "01 02" {
		t.Errorf("fields = %v", recs[1])
	}
}

func TestSessionIsUUID(t *testing.T) {
	a, b := New(&bytes.Buffer{}), New(&bytes.Buffer{})
	if len(a.Session()) != 36 {
		t.Errorf("Session() = %q, want a UUID", a.Session())
	}
	if a.Session() == b.Session() {
		t.Error("two journals share a session id")
	}
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "journal.jsonl")
	for i := 0; i < 2; i++ {
		j, err := Open(path)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if err := j.Record("init_done", nil); err != nil {
			t.Fatal(err)
		}
		if err := j.Close(); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	recs := decodeLines(t, data)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0]["session"] == recs[1]["session"] {
		t.Error("separate opens share a session id")
	}
}

func TestNilJournalDiscards(t *testing.T) {
	j, err := Open("")
	if err != nil || j != nil {
		t.Fatalf("Open(\"\") = %v, %v; want nil, nil", j, err)
	}
	if err := j.Record("x", map[string]any{"a": 1}); err != nil {
		t.Errorf("Record() on nil journal = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close() on nil journal = %v", err)
	}
}
