package multirole

import (
	"errors"
	"log/slog"

	"github.com/chaz8081/multirole/internal/adv"
	"github.com/chaz8081/multirole/internal/discovery"
	"github.com/chaz8081/multirole/internal/display"
	"github.com/chaz8081/multirole/internal/event"
	"github.com/chaz8081/multirole/internal/link"
)

// Seen is a device reported while scanning.
type Seen struct {
	Addr link.Address
	RSSI int16
	Name string
	// Match is true when the device advertised the target service.
	Match bool
}

// handleRole applies a GAP role event to the device state.
func (d *Device) handleRole(ev event.Role) {
	switch e := ev.(type) {
	case event.InitDone:
		d.initDone(e)
	case event.AdvertisingStarted:
		d.advertising = true
		d.display.Print(display.PageLinks, "Advertising")
	case event.AdvertisingEnded:
		d.advertising = false
		if d.links.Full() {
			d.display.Print(display.PageLinks, "Advertising stopped: links full")
		}
	case event.DeviceInfo:
		d.deviceInfo(e)
	case event.DiscoveryComplete:
		d.discoveryComplete()
	case event.LinkEstablished:
		d.linkEstablished(e)
	case event.LinkTerminated:
		d.linkTerminated(e)
	case event.ParamUpdate:
		d.display.Print(display.PageLinkEvent, "Param Update: 0x%04X status %d", uint16(e.Conn), e.Status)
	default:
		slog.Warn("[ROLE] unhandled role event", "event", ev)
	}
}

func (d *Device) initDone(e event.InitDone) {
	d.maxPDU = e.MaxPDU
	if d.maxPDU == 0 {
		d.maxPDU = discovery.DefaultMaxPDU
	}
	slog.Info("[ROLE] initialized", "addr", e.Addr, "max_pdu", d.maxPDU)
	if e.Addr != "" {
		d.display.Print(display.PageAddress, "%s", e.Addr)
	}
	d.display.Print(display.PageLinks, "Connected to 0")
	sec := d.pass.Params()
	d.display.Print(display.PageSecurity, "Pairing: %s", sec)
	d.record("init", map[string]any{"addr": string(e.Addr), "max_pdu": d.maxPDU, "security": sec.String()})
	d.setAdvertising(true)
}

// deviceInfo filters scan results on the target service. The first match
// ends the scan; the connection is made once the scan completes.
func (d *Device) deviceInfo(e event.DeviceInfo) {
	match := !d.opts.FilterByService || adv.FindServiceUUID(d.opts.TargetService, e.Data)
	d.seen.Add(e.Addr, Seen{
		Addr:  e.Addr,
		RSSI:  e.RSSI,
		Name:  adv.Packet(e.Data).LocalName(),
		Match: match,
	})
	if !match || d.found {
		return
	}
	slog.Info("[ROLE] target found", "addr", e.Addr, "rssi", e.RSSI)
	d.found = true
	d.foundAddr = e.Addr
	d.foundType = e.AddrType
	if err := d.tr.CancelScan(); err != nil {
		slog.Warn("[ROLE] cancel scan failed", "error", err)
	}
}

func (d *Device) discoveryComplete() {
	d.scanning = false
	if !d.found {
		d.display.Print(display.PageScan, "No devices found (%d seen)", d.seen.Len())
		return
	}
	d.found = false
	d.display.Print(display.PageScan, "Connecting to %s", d.foundAddr)
	d.record("connect", map[string]any{"addr": string(d.foundAddr)})
	if err := d.tr.Connect(d.foundAddr, d.foundType); err != nil {
		slog.Warn("[ROLE] connect request failed", "addr", d.foundAddr, "error", err)
		d.display.Print(display.PageScan, "Connect failed: %v", err)
	}
}

func (d *Device) linkEstablished(e event.LinkEstablished) {
	if !e.OK() {
		d.connHandle = link.InvalidHandle
		if d.opts.LegacyFailureReset {
			d.disc.ResetToExchangingMTU()
		}
		slog.Warn("[ROLE] link failed", "addr", e.Addr, "status", e.Status)
		d.display.Print(display.PageLinkEvent, "Connect Failed: 0x%02X", e.Status)
		d.record("link_failed", map[string]any{"addr": string(e.Addr), "status": e.Status})
		return
	}

	slot, err := d.links.Add(e.Conn, e.Role, e.Addr)
	if err != nil {
		switch {
		case errors.Is(err, link.ErrDuplicate):
			slog.Debug("[ROLE] link already registered", "conn", e.Conn, "slot", slot)
		case errors.Is(err, link.ErrTableFull):
			slog.Warn("[ROLE] no free slot for link", "conn", e.Conn, "addr", e.Addr)
		default:
			slog.Warn("[ROLE] link not registered", "conn", e.Conn, "error", err)
		}
		return
	}
	d.connHandle = e.Conn
	slog.Info("[ROLE] link established", "conn", e.Conn, "role", e.Role, "addr", e.Addr, "slot", slot)
	d.display.Print(display.PageLinks, "Connected to %d", d.links.CountActive())
	d.display.Print(display.PageLinkEvent, "Connected to %s as %s", e.Addr, e.Role)
	d.record("link_up", map[string]any{"handle": e.Conn, "role": e.Role, "addr": string(e.Addr), "slot": slot})

	d.armDiscovery(e.Conn)

	// Advertising is resumed once discovery over the new link completes.
	if d.links.Full() || e.Role == link.RoleCentral {
		d.setAdvertising(false)
	}
}

func (d *Device) linkTerminated(e event.LinkTerminated) {
	d.links.Remove(e.Conn)
	d.unqueue(e.Conn)
	d.disc.LinkTerminated(e.Conn)
	d.guard.Discard(e.Conn)
	if d.connHandle == e.Conn {
		d.connHandle = link.InvalidHandle
	}

	n := d.links.CountActive()
	slog.Info("[ROLE] link terminated", "conn", e.Conn, "reason", e.Reason, "active", n)
	d.display.Print(display.PageLinks, "Connected to %d", n)
	d.display.Print(display.PageLinkEvent, "Disconnected: 0x%04X reason 0x%02X", uint16(e.Conn), e.Reason)
	d.record("link_down", map[string]any{"handle": e.Conn, "reason": e.Reason, "active": n})

	if n == d.links.Cap()-1 {
		d.display.Print(display.PageScan, "Ready to Advertise/Scan")
		if d.disc.State() == discovery.Idle {
			d.setAdvertising(true)
		}
	}
}

// Seen returns the devices remembered from recent scans, most recent
// first.
func (d *Device) Seen() []Seen {
	keys := d.seen.Keys()
	out := make([]Seen, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := d.seen.Peek(keys[i]); ok {
			out = append(out, v.(Seen))
		}
	}
	return out
}
