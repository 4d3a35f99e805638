package ble

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/multirole/internal/att"
	"github.com/chaz8081/multirole/internal/event"
	"github.com/chaz8081/multirole/internal/link"
	"github.com/chaz8081/multirole/internal/profile"
)

// Sink receives the events produced by a transport. PostStack must not
// block; it reports false when the event was dropped.
type Sink interface {
	PostStack(ev event.Stack) bool
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev event.Stack) bool

// PostStack calls f(ev).
func (f SinkFunc) PostStack(ev event.Stack) bool { return f(ev) }

// ScanParams configures one scan.
type ScanParams struct {
	Duration  time.Duration
	Active    bool
	Whitelist bool
	// FilterUUIDs are the 16-bit service UUIDs the caller filters on.
	FilterUUIDs []uint16
}

// Transport is the command surface of the BLE stack. Commands return once
// queued; their outcome arrives on the Sink.
type Transport interface {
	SetAdvertising(enabled bool) error
	StartScan(p ScanParams) error
	CancelScan() error
	Connect(addr link.Address, addrType link.AddrType) error
	ExchangeMTU(conn link.Handle, clientRxMTU uint16) error
	DiscoverPrimaryServiceByUUID(conn link.Handle, uuid []byte) error
	DiscoverAllChars(conn link.Handle, start, end uint16) error
	WriteAttribute(conn link.Handle, attr uint16, value []byte, withResponse bool) error
	SendRsp(conn link.Handle, pdu att.PDU) error
	ConnEventNotice(conn link.Handle, enable bool) error
	PasscodeRsp(conn link.Handle, passcode uint32) error
}

var (
	// ErrUnknownLink is returned for a handle the transport does not know.
	ErrUnknownLink = errors.New("ble: unknown link")
	// ErrUnknownAttribute is returned for a handle no discovery produced.
	ErrUnknownAttribute = errors.New("ble: unknown attribute handle")
	// ErrScanInProgress is returned by StartScan while a scan runs.
	ErrScanInProgress = errors.New("ble: scan in progress")
	// ErrClosed is returned once the transport is closed.
	ErrClosed = errors.New("ble: transport closed")
)

// HCI reason codes reported in link events.
const (
	ReasonRemoteUserTerminated uint8 = 0x13
	ReasonConnectFailed        uint8 = 0x3E
)

// Characteristic declaration properties reported for discovered attributes.
const (
	propRead   uint8 = 0x02
	propWrite  uint8 = 0x08
	propNotify uint8 = 0x10
)

// charDeclLen is the number of handles allocated per characteristic.
const charDeclLen = 3

// TransportOptions configures an AdapterTransport.
type TransportOptions struct {
	Advertisement Advertisement
	// ConnectTimeout bounds a connection attempt.
	ConnectTimeout time.Duration
	// ConnectAttempts is the number of tries per Connect. Tries after the
	// first wait ConnectBackoff doubled per retry, capped at
	// ConnectBackoffMax.
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	ConnectBackoffMax time.Duration
	// ConnEventInterval is the period of connection event notices.
	ConnEventInterval time.Duration
	// MaxPDU is reported in the init event.
	MaxPDU uint16
}

// DefaultTransportOptions returns sensible defaults.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		ConnectTimeout:    10 * time.Second,
		ConnectAttempts:   3,
		ConnectBackoff:    time.Second,
		ConnectBackoffMax: 8 * time.Second,
		ConnEventInterval: 50 * time.Millisecond,
		MaxPDU:            27,
	}
}

// AdapterTransport implements Transport on top of an Adapter. The adapter
// exposes services and characteristics by UUID; the transport assigns
// attribute handles to them in discovery order so that the device can drive
// discovery with ATT style requests. For each characteristic the
// declaration, value and client configuration handles are consecutive.
type AdapterTransport struct {
	adapter Adapter
	sink    Sink
	opts    TransportOptions

	mu         sync.Mutex
	peers      map[link.Handle]*peer
	connecting map[string]bool
	next       link.Handle
	scanCancel context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once
}

type service struct {
	start, end uint16
	chars      []Characteristic
}

type peer struct {
	handle  link.Handle
	addr    string
	role    link.Role
	conn    Connection
	nextAtt uint16

	services []*service
	values   map[uint16]Characteristic
	cccds    map[uint16]Characteristic

	stopNotice chan struct{}
}

// NewTransport creates a transport over adapter posting events to sink.
func NewTransport(adapter Adapter, sink Sink, opts TransportOptions) *AdapterTransport {
	if adapter == nil || sink == nil {
		panic("ble: NewTransport called with nil adapter or sink")
	}
	def := DefaultTransportOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = def.ConnectBackoff
	}
	if opts.ConnectBackoffMax < opts.ConnectBackoff {
		opts.ConnectBackoffMax = max(def.ConnectBackoffMax, opts.ConnectBackoff)
	}
	if opts.ConnEventInterval <= 0 {
		opts.ConnEventInterval = def.ConnEventInterval
	}
	if opts.MaxPDU == 0 {
		opts.MaxPDU = def.MaxPDU
	}
	return &AdapterTransport{
		adapter:    adapter,
		sink:       sink,
		opts:       opts,
		peers:      make(map[link.Handle]*peer),
		connecting: make(map[string]bool),
		closed:     make(chan struct{}),
	}
}

// Start enables the adapter, hosts the local profile when store is not nil
// and reports InitDone.
func (t *AdapterTransport) Start(store *profile.Store) error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	t.adapter.OnPeerConnect(t.peerConnected)
	if store != nil {
		if err := t.adapter.HostProfile(store); err != nil {
			if !errors.Is(err, ErrUnsupported) {
				return fmt.Errorf("ble: host profile: %w", err)
			}
			slog.Warn("[BLE] local profile not hosted", "error", err)
		}
	}
	t.post(event.InitDone{MaxPDU: t.opts.MaxPDU})
	return nil
}

func (t *AdapterTransport) post(ev event.Stack) {
	if !t.sink.PostStack(ev) {
		slog.Warn("[BLE] event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

func (t *AdapterTransport) postGATT(conn link.Handle, status att.Status, pdu att.PDU) {
	t.post(event.GATT{Message: att.Message{Conn: conn, Status: status, PDU: pdu}})
}

// allocate registers a new link and returns its handle (caller holds mu).
func (t *AdapterTransport) allocate(addr string, role link.Role, conn Connection) *peer {
	for {
		h := t.next
		t.next++
		if t.next == link.InvalidHandle {
			t.next = 0
		}
		if _, used := t.peers[h]; used || h == link.InvalidHandle {
			continue
		}
		p := &peer{
			handle:  h,
			addr:    addr,
			role:    role,
			conn:    conn,
			nextAtt: 1,
			values:  make(map[uint16]Characteristic),
			cccds:   make(map[uint16]Characteristic),
		}
		t.peers[h] = p
		return p
	}
}

func (t *AdapterTransport) lookup(conn link.Handle) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[conn]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownLink, uint16(conn))
	}
	return p, nil
}

func (t *AdapterTransport) byAddr(addr string) *peer {
	for _, p := range t.peers {
		if strings.EqualFold(p.addr, addr) {
			return p
		}
	}
	return nil
}

// peerConnected handles links initiated by peers.
func (t *AdapterTransport) peerConnected(addr string, connected bool) {
	t.mu.Lock()
	if t.connecting[strings.ToUpper(addr)] {
		t.mu.Unlock()
		return
	}
	existing := t.byAddr(addr)
	if connected {
		if existing != nil {
			t.mu.Unlock()
			return
		}
		p := t.allocate(addr, link.RolePeripheral, nil)
		t.mu.Unlock()
		slog.Info("[BLE] peer connected", "addr", addr, "conn", p.handle)
		t.post(event.LinkEstablished{Conn: p.handle, Role: link.RolePeripheral, Addr: link.Address(addr)})
		return
	}
	t.mu.Unlock()
	if existing != nil {
		t.terminate(existing.handle, ReasonRemoteUserTerminated)
	}
}

func (t *AdapterTransport) terminate(h link.Handle, reason uint8) {
	t.mu.Lock()
	p, ok := t.peers[h]
	if ok {
		delete(t.peers, h)
		if p.stopNotice != nil {
			close(p.stopNotice)
			p.stopNotice = nil
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("[BLE] link terminated", "conn", h, "addr", p.addr, "reason", reason)
	t.post(event.LinkTerminated{Conn: h, Reason: reason})
}

// SetAdvertising starts or stops advertising.
func (t *AdapterTransport) SetAdvertising(enabled bool) error {
	if enabled {
		if err := t.adapter.StartAdvertising(t.opts.Advertisement); err != nil {
			return fmt.Errorf("ble: start advertising: %w", err)
		}
		t.post(event.AdvertisingStarted{})
		return nil
	}
	if err := t.adapter.StopAdvertising(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	t.post(event.AdvertisingEnded{})
	return nil
}

// StartScan scans for p.Duration, reporting each advertisement as a
// DeviceInfo event followed by DiscoveryComplete.
func (t *AdapterTransport) StartScan(p ScanParams) error {
	t.mu.Lock()
	if t.scanCancel != nil {
		t.mu.Unlock()
		return ErrScanInProgress
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.Duration)
	t.scanCancel = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()
		err := t.adapter.Scan(ctx, p.FilterUUIDs, func(r ScanResult) {
			t.post(event.DeviceInfo{
				Addr:     link.Address(r.Address),
				AddrType: link.AddrPublic,
				RSSI:     r.RSSI,
				Data:     r.Payload,
			})
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("[BLE] scan failed", "error", err)
		}
		t.mu.Lock()
		t.scanCancel = nil
		t.mu.Unlock()
		t.post(event.DiscoveryComplete{})
	}()
	return nil
}

// CancelScan ends the running scan early. DiscoveryComplete still follows.
func (t *AdapterTransport) CancelScan() error {
	t.mu.Lock()
	cancel := t.scanCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Connect initiates a link in the central role.
func (t *AdapterTransport) Connect(addr link.Address, addrType link.AddrType) error {
	key := strings.ToUpper(string(addr))
	t.mu.Lock()
	if t.connecting[key] {
		t.mu.Unlock()
		return fmt.Errorf("ble: connect to %s: already connecting", addr)
	}
	t.connecting[key] = true
	t.mu.Unlock()

	go func() {
		conn, err := t.dial(string(addr))

		t.mu.Lock()
		delete(t.connecting, key)
		if err != nil {
			t.mu.Unlock()
			slog.Warn("[BLE] connect failed", "addr", addr, "error", err)
			t.post(event.LinkEstablished{Status: ReasonConnectFailed, Conn: link.InvalidHandle, Role: link.RoleCentral, Addr: addr})
			return
		}
		p := t.allocate(string(addr), link.RoleCentral, conn)
		t.mu.Unlock()

		h := p.handle
		slog.Info("[BLE] connected", "addr", addr, "conn", h)
		t.post(event.LinkEstablished{Conn: h, Role: link.RoleCentral, Addr: addr})
		// A drop before registration is reported here, after the link event.
		conn.OnDisconnect(func() { t.terminate(h, ReasonRemoteUserTerminated) })
	}()
	return nil
}

// dial tries the connection up to ConnectAttempts times with exponential
// backoff between tries. Close abandons the remaining tries.
func (t *AdapterTransport) dial(addr string) (Connection, error) {
	var err error
	for attempt := 0; attempt < t.opts.ConnectAttempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, t.opts.ConnectBackoff, t.opts.ConnectBackoffMax)
			slog.Info("[BLE] connect backoff", "addr", addr, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-t.closed:
				return nil, fmt.Errorf("ble: connect to %s: %w", addr, ErrClosed)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
		var conn Connection
		conn, err = t.adapter.Connect(ctx, addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		slog.Warn("[BLE] connect attempt failed", "addr", addr, "attempt", attempt+1, "error", err)
	}
	return nil, err
}

// backoffDelay returns the delay before retry n: base doubled n times,
// capped at limit.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt >= 32 {
		return limit
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > limit {
		return limit
	}
	return delay
}

// ExchangeMTU answers at once: the host stack negotiates the MTU itself, so
// the request is echoed as the server's receive MTU.
func (t *AdapterTransport) ExchangeMTU(conn link.Handle, clientRxMTU uint16) error {
	if _, err := t.lookup(conn); err != nil {
		return err
	}
	t.postGATT(conn, att.StatusSuccess, att.ExchangeMTURsp{ServerRxMTU: clientRxMTU})
	return nil
}

// DiscoverPrimaryServiceByUUID looks the service up and reports it as a
// find-by-type-value response followed by procedure complete, or an
// attribute-not-found error.
func (t *AdapterTransport) DiscoverPrimaryServiceByUUID(conn link.Handle, uuid []byte) error {
	p, err := t.lookup(conn)
	if err != nil {
		return err
	}
	if p.conn == nil {
		return fmt.Errorf("ble: discover on 0x%04X: %w", uint16(conn), ErrUnsupported)
	}
	id, err := UUIDString(uuid)
	if err != nil {
		return err
	}

	go func() {
		chars, err := p.conn.DiscoverService(id)
		if err != nil || len(chars) == 0 {
			if err != nil {
				slog.Warn("[BLE] service discovery failed", "conn", conn, "uuid", id, "error", err)
			}
			t.postGATT(conn, att.StatusSuccess, att.ErrorRsp{ReqOpcode: att.OpFindByTypeValueReq, Handle: 0x0001, Code: att.ErrCodeAttributeNotFound})
			return
		}

		t.mu.Lock()
		svc := &service{start: p.nextAtt, chars: chars}
		svc.end = svc.start + uint16(charDeclLen*len(chars))
		p.nextAtt = svc.end + 1
		p.services = append(p.services, svc)
		for i, c := range chars {
			value := svc.start + 1 + uint16(charDeclLen*i) + 1
			p.values[value] = c
			p.cccds[value+1] = c
		}
		t.mu.Unlock()

		t.postGATT(conn, att.StatusSuccess, att.FindByTypeValueRsp{Handles: []att.HandleRange{{Start: svc.start, End: svc.end}}})
		t.postGATT(conn, att.StatusProcedureComplete, att.FindByTypeValueRsp{})
	}()
	return nil
}

// DiscoverAllChars reports the characteristics of a discovered service as
// one read-by-type response each, then procedure complete.
func (t *AdapterTransport) DiscoverAllChars(conn link.Handle, start, end uint16) error {
	p, err := t.lookup(conn)
	if err != nil {
		return err
	}
	t.mu.Lock()
	var svc *service
	for _, s := range p.services {
		if s.start >= start && s.end <= end {
			svc = s
			break
		}
	}
	t.mu.Unlock()
	if svc == nil {
		t.postGATT(conn, att.StatusSuccess, att.ErrorRsp{ReqOpcode: att.OpReadByTypeReq, Handle: start, Code: att.ErrCodeAttributeNotFound})
		return nil
	}

	for i, c := range svc.chars {
		decl := svc.start + 1 + uint16(charDeclLen*i)
		var rsp att.ReadByTypeRsp
		rsp.AppendCharDecl(decl, propRead|propWrite|propNotify, decl+1, uuidBytes(c.UUID()))
		t.postGATT(conn, att.StatusSuccess, rsp)
	}
	t.postGATT(conn, att.StatusProcedureComplete, att.ReadByTypeRsp{})
	return nil
}

// WriteAttribute writes a characteristic value, or, for a client
// configuration handle, enables notifications on its characteristic.
func (t *AdapterTransport) WriteAttribute(conn link.Handle, attr uint16, value []byte, withResponse bool) error {
	p, err := t.lookup(conn)
	if err != nil {
		return err
	}
	t.mu.Lock()
	char, isValue := p.values[attr]
	cccd, isCCCD := p.cccds[attr]
	t.mu.Unlock()
	if !isValue && !isCCCD {
		return fmt.Errorf("%w: 0x%04X on 0x%04X", ErrUnknownAttribute, attr, uint16(conn))
	}
	data := append([]byte(nil), value...)

	go func() {
		var err error
		if isCCCD {
			err = t.configure(conn, attr-1, cccd, data)
		} else {
			err = char.Write(data, withResponse)
		}
		if !withResponse {
			if err != nil {
				slog.Warn("[BLE] write command failed", "conn", conn, "handle", attr, "error", err)
			}
			return
		}
		if err != nil {
			slog.Warn("[BLE] write failed", "conn", conn, "handle", attr, "error", err)
			t.postGATT(conn, att.StatusSuccess, att.ErrorRsp{ReqOpcode: att.OpWriteReq, Handle: attr, Code: att.ErrCodeUnlikely})
			return
		}
		t.postGATT(conn, att.StatusSuccess, att.WriteRsp{})
	}()
	return nil
}

func (t *AdapterTransport) configure(conn link.Handle, valueHandle uint16, c Characteristic, cfg []byte) error {
	if len(cfg) == 0 || cfg[0]&0x01 == 0 {
		return nil
	}
	return c.Subscribe(func(data []byte) {
		t.postGATT(conn, att.StatusSuccess, att.HandleValueNoti{Handle: valueHandle, Value: append([]byte(nil), data...)})
	})
}

// SendRsp always succeeds: server responses are produced by the host
// stack.
func (t *AdapterTransport) SendRsp(conn link.Handle, pdu att.PDU) error {
	if _, err := t.lookup(conn); err != nil {
		return err
	}
	return nil
}

// ConnEventNotice emulates connection event notices with a ticker.
func (t *AdapterTransport) ConnEventNotice(conn link.Handle, enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[conn]
	if !ok {
		return fmt.Errorf("%w: 0x%04X", ErrUnknownLink, uint16(conn))
	}
	if !enable {
		if p.stopNotice != nil {
			close(p.stopNotice)
			p.stopNotice = nil
		}
		return nil
	}
	if p.stopNotice != nil {
		return nil
	}
	stop := make(chan struct{})
	p.stopNotice = stop
	go func() {
		tick := time.NewTicker(t.opts.ConnEventInterval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				t.post(event.ConnEventEnd{Conn: conn})
			}
		}
	}()
	return nil
}

// PasscodeRsp is not supported: pairing is handled by the host stack's
// agent.
func (t *AdapterTransport) PasscodeRsp(conn link.Handle, passcode uint32) error {
	return ErrUnsupported
}

// Close disconnects every central link and stops scanning.
func (t *AdapterTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	_ = t.CancelScan()
	t.mu.Lock()
	var conns []Connection
	for _, p := range t.peers {
		if p.conn != nil {
			conns = append(conns, p.conn)
		}
		if p.stopNotice != nil {
			close(p.stopNotice)
			p.stopNotice = nil
		}
	}
	t.mu.Unlock()
	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Disconnect())
	}
	return errors.Join(errs...)
}

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID.
const sigBaseSuffix = "00001000800000805f9b34fb"

// UUIDString converts a little-endian 16 or 128-bit wire UUID into its
// canonical string form.
func UUIDString(uuid []byte) (string, error) {
	switch len(uuid) {
	case 2:
		return fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", binary.LittleEndian.Uint16(uuid)), nil
	case 16:
		var be [16]byte
		for i := range be {
			be[i] = uuid[15-i]
		}
		return fmt.Sprintf("%x-%x-%x-%x-%x", be[0:4], be[4:6], be[6:8], be[8:10], be[10:16]), nil
	default:
		return "", fmt.Errorf("ble: invalid UUID length %d", len(uuid))
	}
}

// uuidBytes converts a canonical UUID string to its shortest wire form.
func uuidBytes(s string) []byte {
	digits := strings.ReplaceAll(strings.ToLower(s), "-", "")
	be, err := hex.DecodeString(digits)
	if err != nil || len(be) != 16 {
		return nil
	}
	if digits[:4] == "0000" && strings.HasSuffix(digits, sigBaseSuffix) {
		return []byte{be[3], be[2]}
	}
	out := make([]byte, 16)
	for i := range out {
		out[i] = be[15-i]
	}
	return out
}
