// Package discovery runs the GATT discovery and initialization procedure over
// one centrally formed link at a time: MTU exchange, then the I/O service and
// its characteristics, then the keys (SK) service, then three configuration
// writes. The machine is driven by the responses to its own requests and
// assumes exactly one request in flight.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/multirole/internal/att"
	"github.com/chaz8081/multirole/internal/link"
)

// State is the main discovery state.
type State uint8

const (
	// Idle means no link is being discovered.
	Idle State = iota
	// ExchangingMTU waits for the MTU exchange response.
	ExchangingMTU
	// DiscoveringService waits for the primary service search to complete.
	DiscoveringService
	// DiscoveringCharacteristics waits for the characteristic search.
	DiscoveringCharacteristics
	// ConfiguringIO waits for the ack of the output value write.
	ConfiguringIO
	// ConfiguringKeys waits for the ack of the I/O enable write.
	ConfiguringKeys
	// Done waits for the ack of the notification enable write.
	Done
)

var stateNames = [...]string{
	Idle:                       "idle",
	ExchangingMTU:              "exchanging-mtu",
	DiscoveringService:         "discovering-service",
	DiscoveringCharacteristics: "discovering-characteristics",
	ConfiguringIO:              "configuring-io",
	ConfiguringKeys:            "configuring-keys",
	Done:                       "done",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// CharState tracks which characteristic the next discovery response fills.
type CharState uint8

const (
	CharIOData CharState = iota
	CharIOConf
	CharKeysData
	CharDone
)

func (c CharState) String() string {
	switch c {
	case CharIOData:
		return "io-data"
	case CharIOConf:
		return "io-conf"
	case CharKeysData:
		return "keys-data"
	case CharDone:
		return "done"
	default:
		return fmt.Sprintf("char(%d)", uint8(c))
	}
}

// Phase names the service currently searched for.
type Phase uint8

const (
	// PhaseIO searches the vendor specific 128-bit I/O service.
	PhaseIO Phase = iota
	// PhaseKeys searches the 16-bit simple keys service.
	PhaseKeys
)

func (p Phase) String() string {
	if p == PhaseKeys {
		return "keys"
	}
	return "io"
}

// Service UUIDs searched on the peer.
const (
	IOServiceUUID16   uint16 = 0xAA64
	KeysServiceUUID16 uint16 = 0xFFE0
)

// tiBaseUUID returns the TI vendor 128-bit UUID F000xxxx-0451-4000-B000-000000000000
// in little-endian wire order.
func tiBaseUUID(short uint16) []byte {
	return []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xB0,
		0x00, 0x40, 0x51, 0x04, byte(short), byte(short >> 8), 0x00, 0xF0,
	}
}

// IOServiceUUID is the wire form of the I/O service UUID.
var IOServiceUUID = tiBaseUUID(IOServiceUUID16)

// KeysServiceUUID is the wire form of the keys service UUID.
var KeysServiceUUID = []byte{byte(KeysServiceUUID16 & 0xFF), byte(KeysServiceUUID16 >> 8)}

// DefaultMaxPDU is the link layer data PDU size assumed before the
// controller reports one.
const DefaultMaxPDU uint16 = 27

const l2capHeaderSize = 4

// ioEnable is written to the I/O configuration characteristic to put the
// peer under remote control.
const ioEnable byte = 0x01

// notifyEnable is the CCCD value enabling notifications.
var notifyEnable = []byte{0x01, 0x00}

// ErrBusy is returned by Start while another link is being discovered.
var ErrBusy = errors.New("discovery: busy with another link")

// Client issues the GATT client requests the machine needs. Responses are
// fed back through Machine.Handle.
type Client interface {
	ExchangeMTU(conn link.Handle, clientRxMTU uint16) error
	DiscoverPrimaryServiceByUUID(conn link.Handle, uuid []byte) error
	DiscoverAllChars(conn link.Handle, start, end uint16) error
	WriteAttribute(conn link.Handle, attr uint16, value []byte, withResponse bool) error
}

// Hooks connect the machine to the rest of the device.
type Hooks struct {
	// Output returns the value written to a peer's I/O data characteristic.
	Output func() byte
	// Finished is called once the machine returns to Idle. ok is true when
	// every configuration step ran.
	Finished func(conn link.Handle, ok bool)
	// Transition, if set, observes every state change.
	Transition func(from, to State)
}

// Machine is the discovery state machine. It is owned by the device event
// loop and is not safe for concurrent use.
type Machine struct {
	client Client
	links  *link.Table
	hooks  Hooks

	state State
	char  CharState
	phase Phase
	conn  link.Handle

	svcStart uint16
	svcEnd   uint16
}

// New creates an idle machine storing discovered handles into links.
func New(client Client, links *link.Table, hooks Hooks) *Machine {
	if client == nil || links == nil {
		panic("discovery: New called with nil client or table")
	}
	return &Machine{client: client, links: links, hooks: hooks, conn: link.InvalidHandle}
}

func (m *Machine) State() State         { return m.state }
func (m *Machine) CharState() CharState { return m.char }
func (m *Machine) Phase() Phase         { return m.phase }

// Conn returns the link under discovery, or link.InvalidHandle.
func (m *Machine) Conn() link.Handle { return m.conn }

// Active reports whether the machine is working on conn.
func (m *Machine) Active(conn link.Handle) bool {
	return m.state != Idle && conn != link.InvalidHandle && m.conn == conn
}

// Busy reports whether a link is currently being discovered.
func (m *Machine) Busy() bool {
	return m.state != Idle && m.conn != link.InvalidHandle
}

// Start begins discovery on conn by exchanging the MTU. The requested
// client receive MTU is maxPDU less the L2CAP header.
func (m *Machine) Start(conn link.Handle, maxPDU uint16) error {
	if m.Busy() {
		return fmt.Errorf("%w (link 0x%04X)", ErrBusy, uint16(m.conn))
	}
	if maxPDU <= l2capHeaderSize {
		maxPDU = DefaultMaxPDU
	}
	m.conn = conn
	m.char = CharIOData
	m.phase = PhaseIO
	m.resetWindow()
	m.setState(ExchangingMTU)

	mtu := maxPDU - l2capHeaderSize
	slog.Info("[DISC] starting", "conn", conn, "client_rx_mtu", mtu)
	if err := m.client.ExchangeMTU(conn, mtu); err != nil {
		m.finish(false, "mtu request failed")
		return fmt.Errorf("discovery: exchange mtu: %w", err)
	}
	return nil
}

// ResetToExchangingMTU forces the state to ExchangingMTU without a target
// link. It reproduces the legacy handling of a failed link establishment;
// the machine stays there until the next Start.
func (m *Machine) ResetToExchangingMTU() {
	m.conn = link.InvalidHandle
	m.setState(ExchangingMTU)
}

// LinkTerminated abandons discovery when conn goes away.
func (m *Machine) LinkTerminated(conn link.Handle) {
	if !m.Active(conn) {
		return
	}
	m.finish(false, "link terminated")
}

// Handle advances the machine with a GATT message for the link under
// discovery. Messages for other links are ignored.
func (m *Machine) Handle(msg att.Message) {
	if !m.Active(msg.Conn) {
		return
	}
	if u, ok := msg.PDU.(att.MTUUpdated); ok {
		slog.Info("[DISC] MTU updated", "conn", msg.Conn, "mtu", u.MTU)
		return
	}

	switch m.state {
	case ExchangingMTU:
		m.onMTU(msg)
	case DiscoveringService:
		m.onService(msg)
	case DiscoveringCharacteristics:
		m.onChars(msg)
	case ConfiguringIO, ConfiguringKeys, Done:
		if writeAck(msg) {
			m.configure()
		}
	}
}

func (m *Machine) onMTU(msg att.Message) {
	switch p := msg.PDU.(type) {
	case att.ExchangeMTURsp:
		slog.Debug("[DISC] MTU exchanged", "conn", msg.Conn, "server_rx_mtu", p.ServerRxMTU)
	case att.ErrorRsp:
		// Peer does not support the exchange; the default MTU applies.
		if p.ReqOpcode != att.OpExchangeMTUReq {
			return
		}
		slog.Debug("[DISC] MTU exchange rejected", "conn", msg.Conn, "code", p.Code)
	default:
		return
	}

	if m.links.Lookup(m.conn).Role != link.RoleCentral {
		slog.Info("[DISC] peripheral link, skipping discovery", "conn", m.conn)
		m.finish(false, "peripheral role")
		return
	}
	m.searchService(PhaseIO)
}

func (m *Machine) searchService(phase Phase) {
	m.phase = phase
	m.resetWindow()
	m.setState(DiscoveringService)

	uuid := IOServiceUUID
	if phase == PhaseKeys {
		uuid = KeysServiceUUID
	}
	if err := m.client.DiscoverPrimaryServiceByUUID(m.conn, uuid); err != nil {
		slog.Warn("[DISC] service request failed", "conn", m.conn, "phase", phase, "error", err)
		m.finish(false, "service request failed")
	}
}

func (m *Machine) onService(msg att.Message) {
	if rsp, ok := msg.PDU.(att.FindByTypeValueRsp); ok && len(rsp.Handles) > 0 {
		m.svcStart = rsp.Handles[0].Start
		m.svcEnd = rsp.Handles[0].End
		slog.Debug("[DISC] service found", "conn", m.conn, "phase", m.phase, "start", m.svcStart, "end", m.svcEnd)
	}
	if !msg.Complete() {
		return
	}
	if m.svcStart == 0 {
		slog.Warn("[DISC] service not found", "conn", m.conn, "phase", m.phase)
		m.finish(false, "service not found")
		return
	}
	m.setState(DiscoveringCharacteristics)
	if err := m.client.DiscoverAllChars(m.conn, m.svcStart, m.svcEnd); err != nil {
		slog.Warn("[DISC] characteristic request failed", "conn", m.conn, "error", err)
		m.finish(false, "characteristic request failed")
	}
}

func (m *Machine) onChars(msg att.Message) {
	if rsp, ok := msg.PDU.(att.ReadByTypeRsp); ok {
		if h, ok := rsp.ValueHandle(0); ok {
			m.storeChar(h)
		}
	}
	if !msg.Complete() {
		return
	}

	switch m.phase {
	case PhaseIO:
		if m.char < CharKeysData {
			slog.Warn("[DISC] I/O characteristics missing", "conn", m.conn, "char", m.char)
			m.finish(false, "io characteristics missing")
			return
		}
		m.searchService(PhaseKeys)
	case PhaseKeys:
		if m.char != CharDone {
			slog.Warn("[DISC] keys characteristic missing", "conn", m.conn)
			m.finish(false, "keys characteristic missing")
			return
		}
		m.configure()
	}
}

// storeChar records h for the current characteristic and advances the
// sub-state in fixed order.
func (m *Machine) storeChar(h uint16) {
	slot := m.links.Lookup(m.conn)
	switch m.char {
	case CharIOData:
		slot.IOData = h
	case CharIOConf:
		slot.IOConf = h
	case CharKeysData:
		slot.KeysData = h
		slog.Info("[DISC] characteristics discovered", "conn", m.conn)
	default:
		return
	}
	slog.Debug("[DISC] characteristic", "conn", m.conn, "char", m.char, "handle", h)
	m.char++
}

// configure issues the write of the step after the current state. A write
// the transport cannot take is skipped and the next step follows at once.
func (m *Machine) configure() {
	for {
		slot := m.links.Lookup(m.conn)
		var (
			next  State
			attr  uint16
			value []byte
		)
		switch m.state {
		case DiscoveringCharacteristics:
			next, attr, value = ConfiguringIO, slot.IOData, []byte{m.output()}
		case ConfiguringIO:
			next, attr, value = ConfiguringKeys, slot.IOConf, []byte{ioEnable}
		case ConfiguringKeys:
			next, attr, value = Done, slot.KeysData+1, notifyEnable
		case Done:
			slog.Info("[DISC] characteristics initialized", "conn", m.conn)
			m.finish(true, "")
			return
		default:
			return
		}

		m.setState(next)
		err := m.client.WriteAttribute(m.conn, attr, value, true)
		if err == nil {
			return
		}
		slog.Warn("[DISC] configuration write skipped", "conn", m.conn, "state", next, "handle", attr, "error", err)
	}
}

func (m *Machine) output() byte {
	if m.hooks.Output == nil {
		return 0
	}
	return m.hooks.Output()
}

func (m *Machine) finish(ok bool, reason string) {
	conn := m.conn
	if !ok {
		slog.Debug("[DISC] stopped", "conn", conn, "state", m.state, "reason", reason)
	}
	m.char = CharIOData
	m.phase = PhaseIO
	m.conn = link.InvalidHandle
	m.resetWindow()
	m.setState(Idle)
	if m.hooks.Finished != nil {
		m.hooks.Finished(conn, ok)
	}
}

func (m *Machine) resetWindow() {
	m.svcStart, m.svcEnd = 0, 0
}

func (m *Machine) setState(s State) {
	from := m.state
	m.state = s
	if m.hooks.Transition != nil && from != s {
		m.hooks.Transition(from, s)
	}
}

// writeAck reports whether msg concludes an outstanding write, either by a
// write response or an error response to the write request.
func writeAck(msg att.Message) bool {
	switch p := msg.PDU.(type) {
	case att.WriteRsp:
		return true
	case att.ErrorRsp:
		if p.ReqOpcode == att.OpWriteReq {
			slog.Warn("[DISC] configuration write rejected", "conn", msg.Conn, "code", p.Code)
			return true
		}
	}
	return false
}
