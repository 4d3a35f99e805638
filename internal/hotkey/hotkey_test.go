package hotkey

import "testing"

func TestEmitDoesNotBlockWhenFull(t *testing.T) {
	l := NewListener(Binding{Keys: []string{"ctrl", "l"}, Bit: 0x02})
	for i := 0; i < cap(l.ch)+4; i++ {
		l.emit(0x02)
	}
	if n := len(l.ch); n != cap(l.ch) {
		t.Errorf("queued events = %d, want %d", n, cap(l.ch))
	}
	ev := <-l.Events()
	if ev.Keys != 0x02 {
		t.Errorf("Keys = %#x, want 0x02", ev.Keys)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := NewListener()
	l.Stop()
	l.Stop()
	select {
	case <-l.done:
	default:
		t.Error("done not closed after Stop")
	}
}
