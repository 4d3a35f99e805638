// Package profile is the value store behind the locally hosted "simple
// profile" GATT service. The transport registers the service and forwards
// peer reads and writes here; the device reads and sets values directly.
package profile

import (
	"errors"
	"fmt"
	"sync"
)

// Service and characteristic UUIDs of the simple profile (16-bit, SIG base).
const (
	ServiceUUID uint16 = 0xFFF0
	Char1UUID   uint16 = 0xFFF1
	Char2UUID   uint16 = 0xFFF2
	Char3UUID   uint16 = 0xFFF3
	Char4UUID   uint16 = 0xFFF4
	Char5UUID   uint16 = 0xFFF5
)

// Param identifies one characteristic of the profile.
type Param uint8

const (
	// Char1 is a read/write scratch value.
	Char1 Param = iota
	// Char2 counts left button presses reported by discovered peers.
	Char2
	// Char3 is the remote control enable value written by peers.
	Char3
	// Char4 mirrors the output value and is notified to subscribers.
	Char4
	// Char5 is a read-only five byte value.
	Char5
)

var paramInfo = [...]struct {
	name     string
	uuid     uint16
	size     int
	readable bool
	writable bool
	notify   bool
}{
	Char1: {"char1", Char1UUID, 1, true, true, false},
	Char2: {"char2", Char2UUID, 1, true, false, false},
	Char3: {"char3", Char3UUID, 1, false, true, false},
	Char4: {"char4", Char4UUID, 1, false, false, true},
	Char5: {"char5", Char5UUID, 5, true, false, false},
}

// Params lists every characteristic in declaration order.
var Params = []Param{Char1, Char2, Char3, Char4, Char5}

func (p Param) valid() bool { return int(p) < len(paramInfo) }

func (p Param) String() string {
	if !p.valid() {
		return fmt.Sprintf("param(%d)", uint8(p))
	}
	return paramInfo[p].name
}

// UUID returns the 16-bit characteristic UUID.
func (p Param) UUID() uint16 { return paramInfo[p].uuid }

// Size returns the value length in bytes.
func (p Param) Size() int { return paramInfo[p].size }

// Readable reports whether peers may read the characteristic.
func (p Param) Readable() bool { return paramInfo[p].readable }

// Writable reports whether peers may write the characteristic.
func (p Param) Writable() bool { return paramInfo[p].writable }

// Notifies reports whether the characteristic sends notifications.
func (p Param) Notifies() bool { return paramInfo[p].notify }

var (
	// ErrUnknownParam is returned for a Param outside the profile.
	ErrUnknownParam = errors.New("profile: unknown parameter")
	// ErrInvalidLength is returned when a value has the wrong size.
	ErrInvalidLength = errors.New("profile: invalid value length")
	// ErrNotWritable is returned when a peer writes a read-only value.
	ErrNotWritable = errors.New("profile: characteristic not writable")
)

// Store holds the characteristic values. It is safe for concurrent use;
// peer writes arrive on transport goroutines.
type Store struct {
	mu     sync.Mutex
	values [len(paramInfo)][]byte

	onChange func(Param)
	onNotify func(Param, []byte)
}

// NewStore creates a store with the initial values: char1..char4 are 1..4
// and char5 is {1,2,3,4,5}.
func NewStore() *Store {
	s := &Store{}
	s.values[Char1] = []byte{1}
	s.values[Char2] = []byte{2}
	s.values[Char3] = []byte{3}
	s.values[Char4] = []byte{4}
	s.values[Char5] = []byte{1, 2, 3, 4, 5}
	return s
}

// OnChange registers fn to be called after a peer writes a value. fn runs
// on the writer's goroutine and must not block.
func (s *Store) OnChange(fn func(Param)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// OnNotify registers fn to be called when a notifying value is set locally.
func (s *Store) OnNotify(fn func(Param, []byte)) {
	s.mu.Lock()
	s.onNotify = fn
	s.mu.Unlock()
}

// Get returns a copy of the current value.
func (s *Store) Get(p Param) ([]byte, error) {
	if !p.valid() {
		return nil, ErrUnknownParam
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.values[p]...), nil
}

// Byte returns the first byte of a one byte value.
func (s *Store) Byte(p Param) byte {
	v, err := s.Get(p)
	if err != nil || len(v) == 0 {
		return 0
	}
	return v[0]
}

// Set stores a value from the local application. Setting a notifying value
// notifies subscribers.
func (s *Store) Set(p Param, value []byte) error {
	if err := s.put(p, value); err != nil {
		return err
	}
	s.mu.Lock()
	notify := s.onNotify
	s.mu.Unlock()
	if notify != nil && p.Notifies() {
		notify(p, append([]byte(nil), value...))
	}
	return nil
}

// Write stores a value written by a peer and reports the change.
func (s *Store) Write(p Param, value []byte) error {
	if !p.valid() {
		return ErrUnknownParam
	}
	if !p.Writable() {
		return fmt.Errorf("profile: write %s: %w", p, ErrNotWritable)
	}
	if err := s.put(p, value); err != nil {
		return err
	}
	s.mu.Lock()
	change := s.onChange
	s.mu.Unlock()
	if change != nil {
		change(p)
	}
	return nil
}

func (s *Store) put(p Param, value []byte) error {
	if !p.valid() {
		return ErrUnknownParam
	}
	if len(value) != p.Size() {
		return fmt.Errorf("profile: set %s: %w: got %d, want %d", p, ErrInvalidLength, len(value), p.Size())
	}
	s.mu.Lock()
	s.values[p] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}
