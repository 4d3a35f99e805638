// Package event defines the events delivered to the multi-role device loop.
//
// Stack events come from the transport (GATT messages, connection event
// ends, GAP role events). Application events come from profiles, input and
// the bond manager, and from role events forwarded off the callback context.
// Both are closed sets: the device loop switches over them exhaustively.
package event

import (
	"github.com/chaz8081/multirole/internal/att"
	"github.com/chaz8081/multirole/internal/link"
	"github.com/chaz8081/multirole/internal/profile"
)

// Stack is an event posted by the transport.
type Stack interface {
	stackEvent()
}

// App is an event posted on the application queue.
type App interface {
	appEvent()
}

// Role is a GAP role lifecycle event. Role events are stack events that are
// normally forwarded to the application queue as a StateChange.
type Role interface {
	Stack
	roleEvent()
}

// GATT wraps an ATT message for one link.
type GATT struct {
	att.Message
}

// ConnEventEnd reports that a connection event on Conn has ended.
type ConnEventEnd struct {
	Conn link.Handle
}

func (GATT) stackEvent()         {}
func (ConnEventEnd) stackEvent() {}

// InitDone reports that the controller is up.
type InitDone struct {
	Addr link.Address
	// MaxPDU is the negotiated maximum link-layer data PDU size.
	MaxPDU uint16
}

// AdvertisingStarted is the make-discoverable-done event.
type AdvertisingStarted struct{}

// AdvertisingEnded is the end-discoverable-done event.
type AdvertisingEnded struct{}

// DeviceInfo is one advertisement or scan response seen while scanning.
type DeviceInfo struct {
	Addr     link.Address
	AddrType link.AddrType
	RSSI     int16
	Data     []byte
}

// DiscoveryComplete is reported when a scan ends, by timeout or cancel.
type DiscoveryComplete struct{}

// LinkEstablished reports the outcome of a connection attempt, in either
// role.
type LinkEstablished struct {
	// Status is zero on success, the HCI reason otherwise.
	Status uint8
	Conn   link.Handle
	Role   link.Role
	Addr   link.Address
}

// OK reports whether the link came up.
func (e LinkEstablished) OK() bool { return e.Status == 0 }

// LinkTerminated reports the loss of a link.
type LinkTerminated struct {
	Conn   link.Handle
	Reason uint8
}

// ParamUpdate reports the result of a connection parameter update.
type ParamUpdate struct {
	Conn   link.Handle
	Status uint8
}

func (InitDone) stackEvent()           {}
func (AdvertisingStarted) stackEvent() {}
func (AdvertisingEnded) stackEvent()   {}
func (DeviceInfo) stackEvent()         {}
func (DiscoveryComplete) stackEvent()  {}
func (LinkEstablished) stackEvent()    {}
func (LinkTerminated) stackEvent()     {}
func (ParamUpdate) stackEvent()        {}

func (InitDone) roleEvent()           {}
func (AdvertisingStarted) roleEvent() {}
func (AdvertisingEnded) roleEvent()   {}
func (DeviceInfo) roleEvent()         {}
func (DiscoveryComplete) roleEvent()  {}
func (LinkEstablished) roleEvent()    {}
func (LinkTerminated) roleEvent()     {}
func (ParamUpdate) roleEvent()        {}

// StateChange carries a role event through the application queue.
type StateChange struct {
	Event Role
}

// CharChanged reports that a peer wrote a local profile characteristic.
type CharChanged struct {
	Param profile.Param
}

// Key bits of a KeysPressed mask.
const (
	KeyRight uint8 = 0x01
	KeyLeft  uint8 = 0x02
)

// KeysPressed carries the bitmask of pressed keys.
type KeysPressed struct {
	Keys uint8
}

// PairingState is a bond manager state.
type PairingState uint8

const (
	PairingStarted PairingState = iota
	PairingComplete
	PairingBonded
	PairingBondSaved
)

func (s PairingState) String() string {
	switch s {
	case PairingStarted:
		return "started"
	case PairingComplete:
		return "complete"
	case PairingBonded:
		return "bonded"
	case PairingBondSaved:
		return "bond saved"
	default:
		return "unknown"
	}
}

// PairState reports a pairing state transition.
type PairState struct {
	Conn   link.Handle
	State  PairingState
	Status uint8
}

// PasscodeNeeded asks the application for a passcode.
type PasscodeNeeded struct {
	Conn          link.Handle
	Addr          link.Address
	UIInputs      bool
	UIOutputs     bool
	NumComparison uint32
}

func (StateChange) appEvent()    {}
func (CharChanged) appEvent()    {}
func (KeysPressed) appEvent()    {}
func (PairState) appEvent()      {}
func (PasscodeNeeded) appEvent() {}
