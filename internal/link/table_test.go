package link

import (
	"errors"
	"math/rand"
	"testing"
)

func TestNewTableStartsEmpty(t *testing.T) {
	tbl := NewTable(3)
	if tbl.Cap() != 3 {
		t.Fatalf("Cap() = %d, want 3", tbl.Cap())
	}
	if n := tbl.CountActive(); n != 0 {
		t.Errorf("CountActive() = %d, want 0", n)
	}
	for i := 0; i < tbl.Cap(); i++ {
		if !tbl.Slot(i).Free() {
			t.Errorf("slot %d not free", i)
		}
	}
}

func TestNewTablePanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewTable(0) did not panic")
		}
	}()
	NewTable(0)
}

func TestAddClaimsFirstFreeSlot(t *testing.T) {
	tbl := NewTable(3)
	for want, h := range []Handle{0x10, 0x20, 0x30} {
		got, err := tbl.Add(h, RoleCentral, "")
		if err != nil {
			t.Fatalf("Add(0x%X) error = %v", h, err)
		}
		if got != want {
			t.Errorf("Add(0x%X) = %d, want %d", h, got, want)
		}
	}
	if _, err := tbl.Add(0x40, RoleCentral, ""); !errors.Is(err, ErrTableFull) {
		t.Errorf("Add on full table error = %v, want ErrTableFull", err)
	}
}

func TestAddDuplicateHandleIsRejected(t *testing.T) {
	tbl := NewTable(2)
	first, _ := tbl.Add(0x10, RolePeripheral, "a")
	again, err := tbl.Add(0x10, RoleCentral, "b")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Add duplicate error = %v, want ErrDuplicate", err)
	}
	if again != first {
		t.Errorf("duplicate Add = %d, want %d", again, first)
	}
	if tbl.CountActive() != 1 {
		t.Errorf("CountActive() = %d, want 1", tbl.CountActive())
	}
	if s := tbl.Slot(first); s.Role != RolePeripheral || s.Addr != "a" {
		t.Errorf("duplicate Add overwrote slot: %+v", *s)
	}
}

func TestAddRejectsInvalidHandle(t *testing.T) {
	tbl := NewTable(1)
	if _, err := tbl.Add(InvalidHandle, RoleCentral, ""); err == nil {
		t.Error("Add(InvalidHandle) succeeded")
	}
}

func TestRemoveResetsDerivedHandles(t *testing.T) {
	tbl := NewTable(2)
	i, _ := tbl.Add(0x10, RoleCentral, "peer")
	s := tbl.Slot(i)
	s.IOData, s.IOConf, s.KeysData = 21, 22, 23

	tbl.Remove(0x10)

	if !s.Free() {
		t.Fatal("slot still occupied after Remove")
	}
	if s.IOData != 0 || s.IOConf != 0 || s.KeysData != 0 || s.Addr != "" {
		t.Errorf("slot not cleared: %+v", *s)
	}

	j, err := tbl.Add(0x11, RoleCentral, "")
	if err != nil || j != i {
		t.Errorf("Add after Remove = (%d, %v), want (%d, nil)", j, err, i)
	}
}

func TestRemoveUnknownHandleIsNoop(t *testing.T) {
	tbl := NewTable(2)
	tbl.Add(0x10, RoleCentral, "")
	tbl.Remove(0x99)
	tbl.Remove(InvalidHandle)
	if tbl.CountActive() != 1 {
		t.Errorf("CountActive() = %d, want 1", tbl.CountActive())
	}
}

func TestMustIndexPanicsOnUnknownHandle(t *testing.T) {
	tbl := NewTable(2)
	defer func() {
		if recover() == nil {
			t.Error("MustIndex on unknown handle did not panic")
		}
	}()
	tbl.MustIndex(0x42)
}

func TestIODataHandlesIndexedBySlot(t *testing.T) {
	tbl := NewTable(3)
	tbl.Add(1, RoleCentral, "")
	tbl.Add(2, RoleCentral, "")
	tbl.Slot(1).IOData = 0x2A
	got := tbl.IODataHandles()
	want := []uint16{0, 0x2A, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IODataHandles()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// Random establish/terminate sequences never map two slots to one handle and
// always keep CountActive consistent with the live set.
func TestRandomLifecycleKeepsHandlesUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tbl := NewTable(4)
	live := map[Handle]bool{}

	for step := 0; step < 2000; step++ {
		h := Handle(rng.Intn(8))
		if rng.Intn(2) == 0 {
			_, err := tbl.Add(h, Role(rng.Intn(2)), "")
			switch {
			case err == nil:
				live[h] = true
			case errors.Is(err, ErrDuplicate):
				if !live[h] {
					t.Fatalf("step %d: ErrDuplicate for unmapped handle %d", step, h)
				}
			case errors.Is(err, ErrTableFull):
				if len(live) != tbl.Cap() {
					t.Fatalf("step %d: ErrTableFull with %d live links", step, len(live))
				}
			default:
				t.Fatalf("step %d: Add error = %v", step, err)
			}
		} else {
			tbl.Remove(h)
			delete(live, h)
		}

		seen := map[Handle]bool{}
		for i := 0; i < tbl.Cap(); i++ {
			s := tbl.Slot(i)
			if s.Free() {
				continue
			}
			if seen[s.Handle] {
				t.Fatalf("step %d: handle 0x%X mapped twice", step, s.Handle)
			}
			seen[s.Handle] = true
		}
		if tbl.CountActive() != len(live) {
			t.Fatalf("step %d: CountActive() = %d, want %d", step, tbl.CountActive(), len(live))
		}
	}
}
