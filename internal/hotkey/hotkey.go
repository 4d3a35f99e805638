// Package hotkey provides a global key listener using gohook. Each key
// combination is bound to one bit of a key mask, standing in for the
// buttons of a development board.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// Binding maps a key combination to a key mask bit.
type Binding struct {
	// Keys are lowercase key names (e.g., ["ctrl", "shift", "l"]).
	Keys []string
	Bit  uint8
}

// Event is emitted on the channel returned by Events.
type Event struct {
	// Keys is the mask of the pressed combinations.
	Keys uint8
}

// Listener manages the global key combinations and emits key events.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings.
func NewListener(bindings ...Binding) *Listener {
	return &Listener{
		bindings: bindings,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Events returns the channel that receives key events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the key combinations.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		bit := b.Bit
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) {
			l.emit(bit)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

func (l *Listener) emit(keys uint8) {
	select {
	case l.ch <- Event{Keys: keys}:
	default: // don't block if channel is full
	}
}

// Stop terminates the listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
