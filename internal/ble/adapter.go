// Package ble is the transport boundary of the multi-role device. It turns the
// blocking, callback based API of a BLE host stack into asynchronous commands
// whose results come back as events, the way a controller-side stack reports
// them: link establishment, scan results, and ATT responses carrying
// attribute handles.
package ble

import (
	"context"
	"errors"
	"time"

	"github.com/chaz8081/multirole/internal/profile"
)

// ErrUnsupported is returned for operations the platform stack does not
// expose.
var ErrUnsupported = errors.New("ble: not supported on this platform")

// Characteristic represents a remote GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical string form.
	UUID() string
	// Write sends data to the characteristic, acknowledged when
	// withResponse is set.
	Write(data []byte, withResponse bool) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active link formed in the central role.
type Connection interface {
	// DiscoverService finds a primary service by UUID and returns all of its
	// characteristics in attribute order. A missing service yields an empty
	// slice and no error.
	DiscoverService(uuid string) ([]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// ScanResult is one advertisement seen while scanning.
type ScanResult struct {
	Address string
	RSSI    int16
	// Payload is the raw advertising data, or a reconstruction of it on
	// platforms that only expose parsed fields.
	Payload []byte
}

// Advertisement configures the local advertising set.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []uint16
	// Interval is the advertising interval; zero leaves the stack default.
	Interval     time.Duration
	// Payload and ScanResponse are the raw advertising and scan response
	// data. Stacks that build their own payload from the fields above
	// ignore them.
	Payload      []byte
	ScanResponse []byte
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements until ctx is done. uuids lists the 16-bit
	// service UUIDs worth reconstructing into Payload when the platform
	// hides raw advertising data.
	Scan(ctx context.Context, uuids []uint16, found func(ScanResult)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, addr string) (Connection, error)
	// StartAdvertising makes the device connectable and discoverable.
	StartAdvertising(adv Advertisement) error
	// StopAdvertising stops advertising.
	StopAdvertising() error
	// OnPeerConnect registers a callback for links initiated by peers, with
	// this device in the peripheral role.
	OnPeerConnect(callback func(addr string, connected bool))
	// HostProfile registers the local GATT service backed by store.
	HostProfile(store *profile.Store) error
}
