package multirole

import (
	"log/slog"

	"github.com/chaz8081/multirole/internal/att"
	"github.com/chaz8081/multirole/internal/display"
	"github.com/chaz8081/multirole/internal/profile"
)

// Notification values sent by the keys service of a peer.
const (
	buttonRight byte = 0x01
	buttonLeft  byte = 0x02
)

// handleGATT routes a GATT message. A response the stack could not send is
// handed to the guard; messages for the link under discovery drive the
// discovery machine; the rest are handled as post-discovery traffic.
func (d *Device) handleGATT(msg att.Message) {
	if msg.Status == att.StatusPending {
		if d.guard.Stage(msg) {
			return
		}
	}

	switch p := msg.PDU.(type) {
	case att.FlowCtrlViolated:
		d.display.Print(display.PageActivity, "FC Violated: %s", p.Violated)
	case att.MTUUpdated:
		d.display.Print(display.PageActivity, "MTU Size: %d", p.MTU)
	}

	if d.links.CountActive() == 0 {
		return
	}
	if d.disc.Active(msg.Conn) {
		d.disc.Handle(msg)
		return
	}

	switch p := msg.PDU.(type) {
	case att.ReadRsp:
		if len(p.Value) > 0 {
			d.display.Print(display.PageActivity, "Read rsp: %d", p.Value[0])
		}
	case att.WriteRsp:
		d.display.Print(display.PageActivity, "Write sent to: 0x%04X", uint16(msg.Conn))
	case att.ErrorRsp:
		switch p.ReqOpcode {
		case att.OpReadReq:
			d.display.Print(display.PageActivity, "Read Error %d", p.Code)
		case att.OpWriteReq:
			d.display.Print(display.PageActivity, "Write Error %d", p.Code)
		}
	case att.HandleValueNoti:
		d.notification(msg, p)
	}
}

// notification handles a button notification from a peer's keys service.
// Only one characteristic is subscribed, so the handle is not checked.
func (d *Device) notification(msg att.Message, n att.HandleValueNoti) {
	if len(n.Value) == 0 {
		return
	}
	switch n.Value[0] {
	case buttonLeft:
		count := d.store.Byte(profile.Char2) + 1
		if err := d.store.Set(profile.Char2, []byte{count}); err != nil {
			slog.Warn("[MULTI] button count not stored", "error", err)
		}
		d.display.Print(display.PageActivity, "Button from: 0x%04X, count: %d", uint16(msg.Conn), count)
	case buttonRight:
		d.setOutput(d.output ^ (outputRed | outputGreen))
		if err := d.store.Set(profile.Char4, []byte{d.output}); err != nil {
			slog.Warn("[MULTI] output not stored", "error", err)
		}
	}
}

// setOutput changes the output value and sends it to every peripheral.
func (d *Device) setOutput(v byte) {
	d.output = v
	if v == outputOff {
		d.display.Print(display.PageActivity, "Turning output OFF")
	} else {
		d.display.Print(display.PageActivity, "Turning output ON")
	}
	if err := d.writeToAllCentralLinks([]byte{v}, d.links.IODataHandles()); err != nil {
		slog.Warn("[MULTI] output not sent to every peer", "error", err)
	}
}
