package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/multirole/internal/adv"
)

// TinyGoAdapter wraps tinygo-org/bluetooth.
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses).
// Address strings carry that UUID there.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map, the peer callback and the
	// advertiser.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by upper-cased address
	peerCb      func(addr string, connected bool)
	advertiser
}

// NewTinyGoAdapter creates a new BLE adapter on the default host adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func addrKey(addr string) string { return strings.ToUpper(addr) }

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires for every link. Links we initiated
	// are routed to their connection's disconnect callback; everything
	// else is a peer connecting to us.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id := addrKey(device.Address.String())
		a.mu.Lock()
		conn, ours := a.connections[id]
		if ours && !connected {
			delete(a.connections, id)
		}
		peerCb := a.peerCb
		a.mu.Unlock()

		if ours {
			if !connected {
				conn.fireDisconnect()
			}
			return
		}
		if peerCb != nil {
			peerCb(device.Address.String(), connected)
		}
	})
	return nil
}

func (a *TinyGoAdapter) OnPeerConnect(cb func(addr string, connected bool)) {
	a.mu.Lock()
	a.peerCb = cb
	a.mu.Unlock()
}

func (a *TinyGoAdapter) Scan(ctx context.Context, uuids []uint16, found func(ScanResult)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(ScanResult{
			Address: result.Address.String(),
			RSSI:    result.RSSI,
			Payload: scanPayload(result, uuids),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// scanPayload returns the raw advertising data. Stacks that only expose
// parsed fields get a payload rebuilt from the watched UUIDs and the name.
func scanPayload(result bluetooth.ScanResult, uuids []uint16) []byte {
	if raw := result.Bytes(); len(raw) > 0 {
		return raw
	}
	var b adv.Builder
	var present []uint16
	for _, u := range uuids {
		if result.HasServiceUUID(bluetooth.New16BitUUID(u)) {
			present = append(present, u)
		}
	}
	if len(present) > 0 {
		b.UUIDs16(present...)
	}
	if name := result.LocalName(); name != "" {
		b.CompleteName(name)
	}
	return b.Bytes()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, addr string) (Connection, error) {
	var address bluetooth.Address
	address.Set(addr)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", addr, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}

		a.mu.Lock()
		a.connections[addrKey(addr)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

// tinyGoConnection latches a drop that arrives before OnDisconnect is
// registered and reports it on registration.
type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
	dropped      bool
}

func (c *tinyGoConnection) DiscoverService(uuid string) ([]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, nil
	}

	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	out := make([]Characteristic, len(chars))
	for i := range chars {
		out[i] = &tinyGoCharacteristic{char: &chars[i]}
	}
	slog.Debug("[BLE] service discovered", "uuid", uuid, "characteristics", len(out))
	return out, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	dropped := c.dropped
	c.mu.Unlock()
	if dropped && cb != nil {
		cb()
	}
}

// fireDisconnect runs the registered callback once. Without one the drop
// is latched for OnDisconnect.
func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

// acknowledgedWriter is implemented by characteristics of stacks that
// support write requests.
type acknowledgedWriter interface {
	Write(p []byte) (int, error)
}

func (c *tinyGoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinyGoCharacteristic) Write(data []byte, withResponse bool) error {
	if withResponse {
		if w, ok := any(c.char).(acknowledgedWriter); ok {
			_, err := w.Write(data)
			return err
		}
	}
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
