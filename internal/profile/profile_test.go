package profile

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewStoreInitialValues(t *testing.T) {
	s := NewStore()
	for i, p := range []Param{Char1, Char2, Char3, Char4} {
		if got := s.Byte(p); got != byte(i+1) {
			t.Errorf("%s = %d, want %d", p, got, i+1)
		}
	}
	v, err := s.Get(Char5)
	if err != nil {
		t.Fatalf("Get(Char5): %v", err)
	}
	if !bytes.Equal(v, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("char5 = %v", v)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	v, _ := s.Get(Char5)
	v[0] = 99
	if s.Byte(Char5) != 1 {
		t.Error("mutating Get() result changed the store")
	}
}

func TestWriteNotifiesChange(t *testing.T) {
	s := NewStore()
	var changed []Param
	s.OnChange(func(p Param) { changed = append(changed, p) })

	if err := s.Write(Char3, []byte{0}); err != nil {
		t.Fatalf("Write(Char3): %v", err)
	}
	if s.Byte(Char3) != 0 {
		t.Errorf("char3 = %d after write", s.Byte(Char3))
	}
	if len(changed) != 1 || changed[0] != Char3 {
		t.Errorf("changes = %v, want [char3]", changed)
	}
}

func TestWriteRejects(t *testing.T) {
	tests := []struct {
		name  string
		param Param
		value []byte
		want  error
	}{
		{"read only", Char2, []byte{1}, ErrNotWritable},
		{"notify only", Char4, []byte{1}, ErrNotWritable},
		{"wrong length", Char1, []byte{1, 2}, ErrInvalidLength},
		{"unknown", Param(42), []byte{1}, ErrUnknownParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			called := false
			s.OnChange(func(Param) { called = true })
			err := s.Write(tt.param, tt.value)
			if !errors.Is(err, tt.want) {
				t.Errorf("Write() error = %v, want %v", err, tt.want)
			}
			if called {
				t.Error("OnChange called for rejected write")
			}
		})
	}
}

func TestSetNotifiesOnlyNotifyingParams(t *testing.T) {
	s := NewStore()
	var notified []Param
	s.OnNotify(func(p Param, v []byte) { notified = append(notified, p) })

	if err := s.Set(Char2, []byte{7}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(Char4, []byte{3}); err != nil {
		t.Fatal(err)
	}
	if len(notified) != 1 || notified[0] != Char4 {
		t.Errorf("notified = %v, want [char4]", notified)
	}
	if s.Byte(Char2) != 7 {
		t.Errorf("char2 = %d, want 7", s.Byte(Char2))
	}
}
