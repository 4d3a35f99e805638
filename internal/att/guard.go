package att

import (
	"log/slog"

	"github.com/chaz8081/multirole/internal/link"
)

// Sender is the part of the transport the guard drives.
type Sender interface {
	// SendRsp puts a server response on air. ErrPending and
	// ErrBufferUnavailable mean "try again later".
	SendRsp(conn link.Handle, pdu PDU) error
	// ConnEventNotice enables or disables the "connection event ended"
	// notification for conn.
	ConnEventNotice(conn link.Handle, enable bool) error
}

// Outcome describes how a held response left the guard.
type Outcome struct {
	Conn    link.Handle
	Method  Opcode
	Retries int
	// Sent is true when the response made it on air.
	Sent bool
	// Dropped is true when the response was discarded to make room for a
	// newer one.
	Dropped bool
	Err     error
}

// Guard holds at most one outbound ATT response that the transport could
// not send for lack of a buffer, and re-attempts it at the end of each
// connection event until the transport either accepts or rejects it. Retries
// are not capped here; the peer's ATT transaction timeout (30s) eventually
// drops the link.
type Guard struct {
	tx      Sender
	pending *Message
	retries int

	// OnOutcome, if set, observes every response leaving the guard.
	OnOutcome func(Outcome)
}

// NewGuard creates an empty guard.
func NewGuard(tx Sender) *Guard {
	return &Guard{tx: tx}
}

// Pending reports whether a response is being held.
func (g *Guard) Pending() bool { return g.pending != nil }

// Retries returns the number of re-attempts made for the held response.
func (g *Guard) Retries() int { return g.retries }

// Held returns the held response.
func (g *Guard) Held() (Message, bool) {
	if g.pending == nil {
		return Message{}, false
	}
	return *g.pending, true
}

// Stage takes ownership of m, a response the stack reported as pending. It
// returns false, leaving m with the caller, when the connection event notice
// could not be registered. A previously held response is discarded first.
func (g *Guard) Stage(m Message) bool {
	if err := g.tx.ConnEventNotice(m.Conn, true); err != nil {
		slog.Warn("[ATT] cannot register connection event notice", "conn", m.Conn, "error", err)
		return false
	}
	if g.pending != nil {
		prev := *g.pending
		if prev.Conn != m.Conn {
			_ = g.tx.ConnEventNotice(prev.Conn, false)
		}
		slog.Warn("[ATT] dropping held response", "conn", prev.Conn, "method", prev.Method(), "retries", g.retries)
		g.release(Outcome{Conn: prev.Conn, Method: prev.Method(), Retries: g.retries, Dropped: true})
	}
	held := m
	g.pending = &held
	slog.Debug("[ATT] response held for retransmission", "conn", m.Conn, "method", m.Method())
	return true
}

// ConnectionEventEnded re-attempts the held response. Call it when the
// transport reports the end of a connection event.
func (g *Guard) ConnectionEventEnded() {
	if g.pending == nil {
		return
	}
	g.retries++
	m := *g.pending
	err := g.tx.SendRsp(m.Conn, m.PDU)
	if Busy(err) {
		slog.Debug("[ATT] response send retry", "conn", m.Conn, "retries", g.retries)
		return
	}
	_ = g.tx.ConnEventNotice(m.Conn, false)
	if err != nil {
		slog.Warn("[ATT] response retry failed", "conn", m.Conn, "retries", g.retries, "error", err)
	} else {
		slog.Info("[ATT] response sent", "conn", m.Conn, "retries", g.retries)
	}
	g.release(Outcome{Conn: m.Conn, Method: m.Method(), Retries: g.retries, Sent: err == nil, Err: err})
}

// Discard drops the held response for conn, if any. It is used when the
// link goes away.
func (g *Guard) Discard(conn link.Handle) {
	if g.pending == nil || g.pending.Conn != conn {
		return
	}
	m := *g.pending
	g.release(Outcome{Conn: m.Conn, Method: m.Method(), Retries: g.retries, Dropped: true})
}

func (g *Guard) release(o Outcome) {
	g.pending = nil
	g.retries = 0
	if g.OnOutcome != nil {
		g.OnOutcome(o)
	}
}
