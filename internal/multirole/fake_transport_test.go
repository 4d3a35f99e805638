package multirole

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/multirole/internal/att"
	"github.com/chaz8081/multirole/internal/ble"
	"github.com/chaz8081/multirole/internal/display"
	"github.com/chaz8081/multirole/internal/event"
	"github.com/chaz8081/multirole/internal/link"
	"github.com/chaz8081/multirole/internal/profile"
)

// call is one command issued to the fake transport.
type call struct {
	op      string
	conn    link.Handle
	attr    uint16
	start   uint16
	end     uint16
	mtu     uint16
	value   []byte
	enabled bool
	addr    link.Address
	scan    ble.ScanParams
	code    uint32
}

// fakeTransport records every command. Responses are injected by the tests
// through the device queues.
type fakeTransport struct {
	mu    sync.Mutex
	calls []call

	// writeErr fails WriteAttribute for a link.
	writeErr map[link.Handle]error
	// rspErrs are returned by successive SendRsp calls; nil once exhausted.
	rspErrs []error
}

var _ ble.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{writeErr: make(map[link.Handle]error)}
}

func (f *fakeTransport) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTransport) SetAdvertising(enabled bool) error {
	f.record(call{op: "adv", enabled: enabled})
	return nil
}

func (f *fakeTransport) StartScan(p ble.ScanParams) error {
	f.record(call{op: "scan", scan: p})
	return nil
}

func (f *fakeTransport) CancelScan() error {
	f.record(call{op: "cancel"})
	return nil
}

func (f *fakeTransport) Connect(addr link.Address, _ link.AddrType) error {
	f.record(call{op: "connect", addr: addr})
	return nil
}

func (f *fakeTransport) ExchangeMTU(conn link.Handle, mtu uint16) error {
	f.record(call{op: "mtu", conn: conn, mtu: mtu})
	return nil
}

func (f *fakeTransport) DiscoverPrimaryServiceByUUID(conn link.Handle, uuid []byte) error {
	f.record(call{op: "service", conn: conn, value: append([]byte(nil), uuid...)})
	return nil
}

func (f *fakeTransport) DiscoverAllChars(conn link.Handle, start, end uint16) error {
	f.record(call{op: "chars", conn: conn, start: start, end: end})
	return nil
}

func (f *fakeTransport) WriteAttribute(conn link.Handle, attr uint16, value []byte, _ bool) error {
	f.record(call{op: "write", conn: conn, attr: attr, value: append([]byte(nil), value...)})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeErr[conn]
}

func (f *fakeTransport) SendRsp(conn link.Handle, _ att.PDU) error {
	f.record(call{op: "rsp", conn: conn})
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rspErrs) == 0 {
		return nil
	}
	err := f.rspErrs[0]
	f.rspErrs = f.rspErrs[1:]
	return err
}

func (f *fakeTransport) ConnEventNotice(conn link.Handle, enable bool) error {
	f.record(call{op: "notice", conn: conn, enabled: enable})
	return nil
}

func (f *fakeTransport) PasscodeRsp(conn link.Handle, passcode uint32) error {
	f.record(call{op: "passcode", conn: conn, code: passcode})
	return nil
}

// ops returns the calls with the given op, in order.
func (f *fakeTransport) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// last returns the most recent call, or the zero call.
func (f *fakeTransport) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

type harness struct {
	t       *testing.T
	dev     *Device
	tr      *fakeTransport
	console *display.Console
	store   *profile.Store
}

// newHarness creates a device whose discovery timer fires at once.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	tr := newFakeTransport()
	console := display.NewConsole(nil, false)
	store := profile.NewStore()
	dev := New(tr, opts, Deps{Store: store, Display: console})
	dev.afterFunc = func(_ time.Duration, f func()) { f() }
	return &harness{t: t, dev: dev, tr: tr, console: console, store: store}
}

func testOptions(maxLinks int) Options {
	opts := DefaultOptions()
	opts.MaxLinks = maxLinks
	return opts
}

func (h *harness) stack(evs ...event.Stack) {
	h.t.Helper()
	for _, ev := range evs {
		if !h.dev.PostStack(ev) {
			h.t.Fatalf("PostStack(%T) dropped", ev)
		}
	}
	h.dev.flush()
}

func (h *harness) app(evs ...event.App) {
	h.t.Helper()
	for _, ev := range evs {
		if !h.dev.PostApp(ev) {
			h.t.Fatalf("PostApp(%T) dropped", ev)
		}
	}
	h.dev.flush()
}

func (h *harness) gatt(conn link.Handle, status att.Status, pdu att.PDU) {
	h.t.Helper()
	h.stack(event.GATT{Message: att.Message{Conn: conn, Status: status, PDU: pdu}})
}

func (h *harness) start() {
	h.t.Helper()
	h.stack(event.InitDone{Addr: "00:11:22:33:44:55", MaxPDU: 27})
}

func (h *harness) connect(conn link.Handle, role link.Role, addr link.Address) {
	h.t.Helper()
	h.stack(event.LinkEstablished{Conn: conn, Role: role, Addr: addr})
}

// expectWrite checks that the last call wrote value to attr on conn.
func (h *harness) expectWrite(conn link.Handle, attr uint16, value []byte) {
	h.t.Helper()
	c := h.tr.last()
	if c.op != "write" || c.conn != conn || c.attr != attr || !bytes.Equal(c.value, value) {
		h.t.Fatalf("last call = %+v, want write % X to %d on 0x%04X", c, value, attr, uint16(conn))
	}
}

func charDecl(decl, value uint16, uuid ...byte) att.ReadByTypeRsp {
	var r att.ReadByTypeRsp
	r.AppendCharDecl(decl, 0x1A, value, uuid)
	return r
}
