// Package multirole runs a BLE device that is a peripheral and a central at
// the same time. A Device owns the connection table, the ATT response guard
// and the discovery state machine, and serializes every event touching them
// onto the goroutine running Device.Run.
package multirole

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/chaz8081/multirole/internal/att"
	"github.com/chaz8081/multirole/internal/ble"
	"github.com/chaz8081/multirole/internal/discovery"
	"github.com/chaz8081/multirole/internal/display"
	"github.com/chaz8081/multirole/internal/event"
	"github.com/chaz8081/multirole/internal/journal"
	"github.com/chaz8081/multirole/internal/link"
	"github.com/chaz8081/multirole/internal/profile"
	"github.com/chaz8081/multirole/internal/security"
)

// Options configures a Device.
type Options struct {
	// MaxLinks is the capacity of the connection table.
	MaxLinks int
	// DiscoveryDelay separates a link coming up from the start of its
	// discovery.
	DiscoveryDelay time.Duration
	// LegacyFailureReset forces the discovery state to ExchangingMTU when a
	// connection attempt fails.
	LegacyFailureReset bool

	Scan ble.ScanParams
	// FilterByService connects only to devices advertising TargetService.
	FilterByService bool
	TargetService   uint16
	// MaxScanResults bounds the cache of devices seen while scanning.
	MaxScanResults int

	// Advertise enables advertising at start up and whenever a link slot
	// frees up.
	Advertise bool

	// QueueSize is the capacity of each event queue.
	QueueSize int
}

// DefaultOptions returns the options of the reference device.
func DefaultOptions() Options {
	return Options{
		MaxLinks:        3,
		DiscoveryDelay:  time.Second,
		Scan:            ble.ScanParams{Duration: 5 * time.Second, Active: true},
		FilterByService: true,
		TargetService:   0xAA80,
		MaxScanResults:  8,
		Advertise:       true,
		QueueSize:       64,
	}
}

// Deps are the collaborators of a Device. Nil fields get a working default.
type Deps struct {
	Store     *profile.Store
	Display   display.Display
	Journal   *journal.Journal
	Responder *security.Responder
}

// Output values written to the peers' I/O data characteristic.
const (
	outputOff   byte = 0x00
	outputGreen byte = 0x01
	outputRed   byte = 0x02
)

// Device is the multi-role device. Its state is owned by the goroutine
// running Run; other goroutines interact with it only through PostStack and
// PostApp.
type Device struct {
	tr   ble.Transport
	opts Options

	links   *link.Table
	guard   *att.Guard
	disc    *discovery.Machine
	store   *profile.Store
	display display.Display
	journal *journal.Journal
	pass    *security.Responder
	seen    *lru.Cache

	stackq     chan event.Stack
	appq       chan event.App
	discSignal chan struct{}
	afterFunc  func(d time.Duration, f func())

	maxPDU      uint16
	connHandle  link.Handle
	awaiting    []link.Handle
	advertising bool
	scanning    bool
	found       bool
	foundAddr   link.Address
	foundType   link.AddrType
	output      byte
}

// New creates a device driving tr. It panics when tr is nil or the options
// are unusable.
func New(tr ble.Transport, opts Options, deps Deps) *Device {
	if tr == nil {
		panic("multirole: New called with nil transport")
	}
	def := DefaultOptions()
	if opts.MaxLinks <= 0 {
		panic(fmt.Sprintf("multirole: invalid link capacity %d", opts.MaxLinks))
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxScanResults <= 0 {
		opts.MaxScanResults = def.MaxScanResults
	}
	if deps.Store == nil {
		deps.Store = profile.NewStore()
	}
	if deps.Display == nil {
		deps.Display = display.NewConsole(nil, false)
	}
	if deps.Responder == nil {
		deps.Responder, _ = security.NewResponder(security.Params{
			Mode:     security.PairingWaitForRequest,
			IOCaps:   security.IOCapDisplayOnly,
			Passcode: security.DefaultPasscode,
		})
	}
	seen, err := lru.New(opts.MaxScanResults)
	if err != nil {
		panic(fmt.Sprintf("multirole: scan cache: %v", err))
	}

	d := &Device{
		tr:         tr,
		opts:       opts,
		links:      link.NewTable(opts.MaxLinks),
		store:      deps.Store,
		display:    deps.Display,
		journal:    deps.Journal,
		pass:       deps.Responder,
		seen:       seen,
		stackq:     make(chan event.Stack, opts.QueueSize),
		appq:       make(chan event.App, opts.QueueSize),
		discSignal: make(chan struct{}, 1),
		afterFunc:  func(delay time.Duration, f func()) { time.AfterFunc(delay, f) },
		maxPDU:     discovery.DefaultMaxPDU,
		connHandle: link.InvalidHandle,
		output:     outputOff,
	}
	d.guard = att.NewGuard(tr)
	d.guard.OnOutcome = d.attOutcome
	d.disc = discovery.New(tr, d.links, discovery.Hooks{
		Output:     func() byte { return d.output },
		Finished:   d.discoveryFinished,
		Transition: d.discoveryTransition,
	})
	d.store.OnChange(func(p profile.Param) {
		d.PostApp(event.CharChanged{Param: p})
	})
	return d
}

// Links returns the connection table. It must only be used from the Run
// goroutine or after Run has returned.
func (d *Device) Links() *link.Table { return d.links }

// Discovery returns the discovery state machine, with the same caveat as
// Links.
func (d *Device) Discovery() *discovery.Machine { return d.disc }

// Output returns the current output value.
func (d *Device) Output() byte { return d.output }

// PostStack queues a transport event. It never blocks: when the queue is
// full the event is dropped and false is returned.
func (d *Device) PostStack(ev event.Stack) bool {
	select {
	case d.stackq <- ev:
		return true
	default:
		slog.Warn("[MULTI] stack queue full, event dropped", "event", fmt.Sprintf("%T", ev))
		return false
	}
}

// PostApp queues an application event with the same drop policy as
// PostStack.
func (d *Device) PostApp(ev event.App) bool {
	select {
	case d.appq <- ev:
		return true
	default:
		slog.Warn("[MULTI] app queue full, event dropped", "event", fmt.Sprintf("%T", ev))
		return false
	}
}

// Run processes events until ctx is done. After each wake up every queued
// event is handled before blocking again.
func (d *Device) Run(ctx context.Context) error {
	d.display.Print(display.PageTitle, "Multi Role")
	slog.Info("[MULTI] running", "max_links", d.links.Cap(), "session", d.journal.Session())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.stackq:
			d.handleStack(ev)
		case ev := <-d.appq:
			d.handleApp(ev)
		case <-d.discSignal:
			d.startDiscovery()
		}
		d.flush()
	}
}

// flush handles queued events until all queues are empty. Stack events go
// first, then application events, then the discovery timer.
func (d *Device) flush() {
	for d.step() {
	}
}

func (d *Device) step() bool {
	select {
	case ev := <-d.stackq:
		d.handleStack(ev)
		return true
	default:
	}
	select {
	case ev := <-d.appq:
		d.handleApp(ev)
		return true
	default:
	}
	select {
	case <-d.discSignal:
		d.startDiscovery()
		return true
	default:
	}
	return false
}

func (d *Device) handleStack(ev event.Stack) {
	switch e := ev.(type) {
	case event.GATT:
		d.handleGATT(e.Message)
	case event.ConnEventEnd:
		d.guard.ConnectionEventEnded()
	case event.Role:
		// Role events are handled off the transport's context.
		d.PostApp(event.StateChange{Event: e})
	default:
		slog.Warn("[MULTI] unhandled stack event", "event", fmt.Sprintf("%T", ev))
	}
}

func (d *Device) handleApp(ev event.App) {
	switch e := ev.(type) {
	case event.StateChange:
		d.handleRole(e.Event)
	case event.CharChanged:
		d.charChanged(e.Param)
	case event.KeysPressed:
		d.keysPressed(e.Keys)
	case event.PairState:
		d.pairState(e)
	case event.PasscodeNeeded:
		d.passcodeNeeded(e)
	default:
		slog.Warn("[MULTI] unhandled app event", "event", fmt.Sprintf("%T", ev))
	}
}

// armDiscovery queues conn for discovery and starts the one-shot delay
// timer. Expiries that pile up before the loop handles them coalesce.
func (d *Device) armDiscovery(conn link.Handle) {
	d.awaiting = append(d.awaiting, conn)
	d.afterFunc(d.opts.DiscoveryDelay, d.signalDiscovery)
}

func (d *Device) signalDiscovery() {
	select {
	case d.discSignal <- struct{}{}:
	default:
	}
}

// startDiscovery starts the machine on the oldest link still waiting. When
// the machine is busy the link stays queued until the current run finishes.
func (d *Device) startDiscovery() {
	if d.disc.Busy() {
		slog.Debug("[MULTI] discovery busy, deferring", "waiting", len(d.awaiting))
		return
	}
	for len(d.awaiting) > 0 {
		conn := d.awaiting[0]
		d.awaiting = d.awaiting[1:]
		if _, ok := d.links.Index(conn); !ok {
			continue
		}
		if err := d.disc.Start(conn, d.maxPDU); err != nil {
			slog.Warn("[MULTI] discovery start failed", "conn", conn, "error", err)
			continue
		}
		d.display.Print(display.PageDiscovery, "Discovering 0x%04X", uint16(conn))
		return
	}
}

func (d *Device) unqueue(conn link.Handle) {
	out := d.awaiting[:0]
	for _, h := range d.awaiting {
		if h != conn {
			out = append(out, h)
		}
	}
	d.awaiting = out
}

func (d *Device) discoveryTransition(from, to discovery.State) {
	slog.Debug("[MULTI] discovery state", "from", from, "to", to)
}

func (d *Device) discoveryFinished(conn link.Handle, ok bool) {
	if ok {
		d.display.Print(display.PageDiscovery, "Discovery done: 0x%04X", uint16(conn))
	} else {
		d.display.Print(display.PageDiscovery, "Discovery stopped: 0x%04X", uint16(conn))
	}
	d.record("discovery", map[string]any{"handle": conn, "ok": ok})

	if ok && d.links.CountActive() < d.links.Cap() {
		d.setAdvertising(true)
	}
	if len(d.awaiting) > 0 {
		d.signalDiscovery()
	}
}

func (d *Device) attOutcome(o att.Outcome) {
	switch {
	case o.Dropped:
		d.display.Print(display.PageActivity, "Rsp dropped: %s", o.Method)
		d.record("att_dropped", map[string]any{"handle": o.Conn, "method": o.Method.String(), "retries": o.Retries})
	case o.Sent:
		d.display.Print(display.PageActivity, "Rsp sent, retries: %d", o.Retries)
	default:
		d.display.Print(display.PageActivity, "Rsp send failed: %v", o.Err)
	}
}

func (d *Device) setAdvertising(enabled bool) {
	if !d.opts.Advertise && enabled {
		return
	}
	if d.advertising == enabled {
		return
	}
	if err := d.tr.SetAdvertising(enabled); err != nil {
		slog.Warn("[MULTI] advertising change failed", "enabled", enabled, "error", err)
		return
	}
	d.advertising = enabled
}

func (d *Device) record(kind string, fields map[string]any) {
	if err := d.journal.Record(kind, fields); err != nil {
		slog.Debug("[MULTI] journal write failed", "kind", kind, "error", err)
	}
}
