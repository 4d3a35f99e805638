package multirole

import (
	"log/slog"

	"github.com/chaz8081/multirole/internal/discovery"
	"github.com/chaz8081/multirole/internal/display"
	"github.com/chaz8081/multirole/internal/event"
	"github.com/chaz8081/multirole/internal/profile"
	"github.com/chaz8081/multirole/internal/security"
)

// charChanged reacts to a peer writing the local profile. Char3 is the
// remote control characteristic: 0 turns the output off, 1 turns it on.
func (d *Device) charChanged(p profile.Param) {
	if p != profile.Char3 {
		slog.Debug("[MULTI] characteristic changed", "param", p)
		return
	}
	switch v := d.store.Byte(profile.Char3); {
	case v == 0 && d.output != outputOff:
		d.setOutput(outputOff)
	case v == 1 && d.output == outputOff:
		d.setOutput(outputRed | outputGreen)
	}
}

// keysPressed handles the local keys. Left starts a scan when a slot is
// free and no discovery runs; right is reserved.
func (d *Device) keysPressed(keys uint8) {
	if keys&event.KeyLeft != 0 {
		d.toggleScan()
	}
	if keys&event.KeyRight != 0 {
		slog.Debug("[MULTI] right key")
	}
}

func (d *Device) toggleScan() {
	if d.links.CountActive() >= d.links.Cap() {
		d.display.Print(display.PageScan, "Can't scan: no links")
		return
	}
	if d.disc.State() != discovery.Idle {
		d.display.Print(display.PageScan, "Can't scan: discovering")
		return
	}
	if d.scanning {
		if err := d.tr.CancelScan(); err != nil {
			slog.Warn("[MULTI] cancel scan failed", "error", err)
		}
		return
	}

	d.found = false
	d.foundAddr = ""
	params := d.opts.Scan
	if d.opts.FilterByService {
		params.FilterUUIDs = []uint16{d.opts.TargetService}
	}
	if err := d.tr.StartScan(params); err != nil {
		slog.Warn("[MULTI] scan failed", "error", err)
		d.display.Print(display.PageScan, "Scan failed: %v", err)
		return
	}
	d.scanning = true
	d.display.Print(display.PageScan, "Discovering...")
}

func (d *Device) pairState(e event.PairState) {
	switch e.State {
	case event.PairingStarted:
		d.display.Print(display.PageSecurity, "Pairing started")
	default:
		if e.Status == 0 {
			d.display.Print(display.PageSecurity, "Pairing %s", e.State)
		} else {
			d.display.Print(display.PageSecurity, "Pairing %s failed: %d", e.State, e.Status)
		}
	}
	d.record("pairing", map[string]any{"handle": e.Conn, "state": e.State.String(), "status": e.Status})
}

// passcodeNeeded answers a passcode request with the configured or derived
// passcode. The passcode is shown only when the io capabilities include a
// display.
func (d *Device) passcodeNeeded(e event.PasscodeNeeded) {
	code, err := d.pass.Passcode(e.Addr)
	if err != nil {
		slog.Warn("[MULTI] no passcode", "conn", e.Conn, "error", err)
		d.display.Print(display.PageSecurity, "No passcode: %v", err)
		return
	}
	if d.pass.Params().Displays() {
		d.display.Print(display.PageSecurity, "Passcode: %s", security.Format(code))
	} else {
		d.display.Print(display.PageSecurity, "Passcode sent")
	}
	if err := d.tr.PasscodeRsp(e.Conn, code); err != nil {
		slog.Warn("[MULTI] passcode response failed", "conn", e.Conn, "error", err)
	}
	d.record("passcode", map[string]any{"handle": e.Conn})
}
