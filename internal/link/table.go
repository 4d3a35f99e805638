// Package link tracks the physical links of a multi-role device. A fixed
// capacity Table maps the opaque connection handles assigned by the transport
// to slot indices, together with the role the device played when the link
// formed and the attribute handles learned by service discovery.
package link

import (
	"errors"
	"fmt"
	"log/slog"
)

// Handle is the opaque connection identifier assigned by the transport.
type Handle uint16

// InvalidHandle marks a free slot.
const InvalidHandle Handle = 0xFFFF

// Role is the role this device played when a link was formed.
type Role uint8

const (
	RolePeripheral Role = iota
	RoleCentral
)

func (r Role) String() string {
	switch r {
	case RolePeripheral:
		return "peripheral"
	case RoleCentral:
		return "central"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Address is the textual device address reported by the transport. On most
// platforms it is a colon separated MAC, on macOS a CoreBluetooth UUID.
type Address string

// AddrType qualifies an Address (public, random, ...).
type AddrType uint8

const (
	AddrPublic AddrType = iota
	AddrRandom
)

// ErrTableFull is returned by Add when every slot is occupied.
var ErrTableFull = errors.New("link: connection table full")

// ErrDuplicate is returned by Add when the handle is already mapped.
var ErrDuplicate = errors.New("link: handle already mapped")

// Slot is one entry of the table. IOData, IOConf and KeysData are the
// attribute value handles found by discovery; they are zero until the
// corresponding discovery stage has run.
type Slot struct {
	Handle   Handle
	Role     Role
	Addr     Address
	IOData   uint16
	IOConf   uint16
	KeysData uint16
}

// Free reports whether the slot is unoccupied.
func (s *Slot) Free() bool { return s.Handle == InvalidHandle }

func (s *Slot) reset() {
	*s = Slot{Handle: InvalidHandle}
}

// Table is a fixed-capacity handle to slot registry. It is not safe for
// concurrent use; it is owned by the device event loop.
type Table struct {
	slots []Slot
}

// NewTable creates a table with max slots. max must be positive.
func NewTable(max int) *Table {
	if max <= 0 {
		panic(fmt.Sprintf("link: NewTable called with capacity %d", max))
	}
	t := &Table{slots: make([]Slot, max)}
	for i := range t.slots {
		t.slots[i].reset()
	}
	return t
}

// Cap returns the number of slots.
func (t *Table) Cap() int { return len(t.slots) }

// Add claims the first free slot for h and returns its index. If h is
// already mapped the existing index is returned with ErrDuplicate and nothing
// changes. There is no eviction: a full table yields ErrTableFull.
func (t *Table) Add(h Handle, role Role, addr Address) (int, error) {
	if h == InvalidHandle {
		return 0, fmt.Errorf("link: add: invalid handle 0x%04X", uint16(h))
	}
	if i, ok := t.Index(h); ok {
		return i, fmt.Errorf("%w: 0x%04X", ErrDuplicate, uint16(h))
	}
	for i := range t.slots {
		if t.slots[i].Free() {
			t.slots[i] = Slot{Handle: h, Role: role, Addr: addr}
			slog.Debug("[LINK] slot claimed", "handle", h, "slot", i, "role", role)
			return i, nil
		}
	}
	return 0, ErrTableFull
}

// Remove frees the slot mapped to h and clears its discovery handles. It is a
// no-op when h is not mapped.
func (t *Table) Remove(h Handle) {
	i, ok := t.Index(h)
	if !ok {
		return
	}
	t.slots[i].reset()
	slog.Debug("[LINK] slot released", "handle", h, "slot", i)
}

// Index returns the slot index mapped to h.
func (t *Table) Index(h Handle) (int, bool) {
	if h == InvalidHandle {
		return 0, false
	}
	for i := range t.slots {
		if t.slots[i].Handle == h {
			return i, true
		}
	}
	return 0, false
}

// MustIndex returns the slot index mapped to h. Callers use it where h is
// known to be live; an unmapped handle is a programming error and panics.
func (t *Table) MustIndex(h Handle) int {
	i, ok := t.Index(h)
	if !ok {
		panic(fmt.Sprintf("link: handle 0x%04X is not mapped to a slot", uint16(h)))
	}
	return i
}

// Slot returns a pointer to slot i for in-place updates of the discovery
// handles.
func (t *Table) Slot(i int) *Slot { return &t.slots[i] }

// Lookup returns the slot mapped to h. It panics like MustIndex when h is
// not mapped.
func (t *Table) Lookup(h Handle) *Slot { return &t.slots[t.MustIndex(h)] }

// CountActive returns the number of occupied slots.
func (t *Table) CountActive() int {
	n := 0
	for i := range t.slots {
		if !t.slots[i].Free() {
			n++
		}
	}
	return n
}

// Full reports whether every slot is occupied.
func (t *Table) Full() bool { return t.CountActive() >= len(t.slots) }

// IODataHandles returns the IOData handle of every slot indexed by slot.
func (t *Table) IODataHandles() []uint16 {
	out := make([]uint16, len(t.slots))
	for i := range t.slots {
		out[i] = t.slots[i].IOData
	}
	return out
}
