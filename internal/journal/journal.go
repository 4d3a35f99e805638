// Package journal appends device lifecycle events to a JSON lines file. Each
// record carries the session identifier of the process that wrote it, so
// several runs can share one file.
package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Journal writes records. A nil *Journal discards everything.
type Journal struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	session string
	now     func() time.Time
}

// New creates a journal writing to w.
func New(w io.Writer) *Journal {
	return &Journal{w: w, session: uuid.New().String(), now: time.Now}
}

// Open appends to the file at path, creating it and its directory. An
// empty path returns a nil journal.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	j := New(f)
	j.closer = f
	return j, nil
}

// Session returns the identifier stamped on every record.
func (j *Journal) Session() string {
	if j == nil {
		return ""
	}
	return j.session
}

// Record appends one event of the given kind with extra fields.
func (j *Journal) Record(kind string, fields map[string]any) error {
	if j == nil {
		return nil
	}
	m := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		m[k] = normalize(v)
	}
	m["session"] = j.session
	m["kind"] = kind
	m["time"] = j.now().UTC().Format(time.RFC3339Nano)

	s, err := structpb.NewStruct(m)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", kind, err)
	}
	line, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", kind, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Close closes the underlying file, if the journal owns one.
func (j *Journal) Close() error {
	if j == nil || j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

// normalize maps v onto the value kinds a protobuf Struct can hold.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	case []byte:
		return fmt.Sprintf("% X", x)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	}
	return fmt.Sprint(v)
}
