package att

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/multirole/internal/link"
)

// Status is the stack status attached to a GATT message.
type Status uint8

const (
	// StatusSuccess marks a message carrying a result.
	StatusSuccess Status = iota
	// StatusFailure marks a message the stack could not complete.
	StatusFailure
	// StatusPending means the stack could not queue an outbound response
	// because no HCI buffer was free.
	StatusPending
	// StatusProcedureComplete marks the last message of a multi-message
	// GATT procedure.
	StatusProcedureComplete
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusPending:
		return "pending"
	case StatusProcedureComplete:
		return "procedure complete"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

var (
	// ErrPending is returned by a transport that accepted a response but has
	// not been able to put it on air yet.
	ErrPending = errors.New("att: response pending")
	// ErrBufferUnavailable is returned when no buffer could be allocated for
	// an outbound PDU.
	ErrBufferUnavailable = errors.New("att: buffer unavailable")
)

// Busy reports whether err is one of the transient transport conditions that
// warrant another attempt on the next connection event.
func Busy(err error) bool {
	return errors.Is(err, ErrPending) || errors.Is(err, ErrBufferUnavailable)
}

// PDU is implemented by every ATT message the core sends or receives.
type PDU interface {
	Opcode() Opcode
}

// Message is a GATT message delivered by the stack for one link.
type Message struct {
	Conn   link.Handle
	Status Status
	PDU    PDU
}

// Method returns the opcode of the carried PDU.
func (m Message) Method() Opcode {
	if m.PDU == nil {
		return 0
	}
	return m.PDU.Opcode()
}

// Complete reports whether m ends a GATT procedure: either the stack flagged
// it as the final message, or it is an error response.
func (m Message) Complete() bool {
	if m.Status == StatusProcedureComplete {
		return true
	}
	_, isErr := m.PDU.(ErrorRsp)
	return isErr
}

// ErrorRsp reports that the request ReqOpcode on Handle failed with Code.
type ErrorRsp struct {
	ReqOpcode Opcode
	Handle    uint16
	Code      uint8
}

func (ErrorRsp) Opcode() Opcode { return OpErrorRsp }

// ExchangeMTURsp answers an MTU exchange with the server's receive MTU.
type ExchangeMTURsp struct {
	ServerRxMTU uint16
}

func (ExchangeMTURsp) Opcode() Opcode { return OpExchangeMTURsp }

// HandleRange is one (found handle, group end handle) pair.
type HandleRange struct {
	Start uint16
	End   uint16
}

// FindByTypeValueRsp lists the handle ranges of the services found.
type FindByTypeValueRsp struct {
	Handles []HandleRange
}

func (FindByTypeValueRsp) Opcode() Opcode { return OpFindByTypeValueRsp }

// ReadByTypeRsp carries Length-sized entries. For a characteristic
// declaration each entry is handle(2) properties(1) value handle(2) uuid.
type ReadByTypeRsp struct {
	Length   uint8
	DataList []byte
}

func (ReadByTypeRsp) Opcode() Opcode { return OpReadByTypeRsp }

// NumPairs returns the number of entries in the response.
func (r ReadByTypeRsp) NumPairs() int {
	if r.Length == 0 {
		return 0
	}
	return len(r.DataList) / int(r.Length)
}

// ValueHandle extracts the characteristic value handle of entry i.
func (r ReadByTypeRsp) ValueHandle(i int) (uint16, bool) {
	off := i * int(r.Length)
	if i < 0 || i >= r.NumPairs() || r.Length < 5 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(r.DataList[off+3 : off+5]), true
}

// AppendCharDecl appends a characteristic declaration entry. All entries of
// one response must carry UUIDs of the same width.
func (r *ReadByTypeRsp) AppendCharDecl(declHandle uint16, props uint8, valueHandle uint16, uuid []byte) {
	var entry [5]byte
	binary.LittleEndian.PutUint16(entry[0:2], declHandle)
	entry[2] = props
	binary.LittleEndian.PutUint16(entry[3:5], valueHandle)
	r.Length = uint8(len(entry) + len(uuid))
	r.DataList = append(append(r.DataList, entry[:]...), uuid...)
}

// ReadRsp carries the value of a read attribute.
type ReadRsp struct {
	Value []byte
}

func (ReadRsp) Opcode() Opcode { return OpReadRsp }

// WriteRsp acknowledges a write request.
type WriteRsp struct{}

func (WriteRsp) Opcode() Opcode { return OpWriteRsp }

// HandleValueNoti is a notification of the attribute at Handle.
type HandleValueNoti struct {
	Handle uint16
	Value  []byte
}

func (HandleValueNoti) Opcode() Opcode { return OpHandleValueNoti }

// FlowCtrlViolated is raised by the stack when the peer broke ATT
// request/response sequencing; later requests on the link are dropped.
type FlowCtrlViolated struct {
	Violated Opcode
}

func (FlowCtrlViolated) Opcode() Opcode { return OpFlowCtrlViolated }

// MTUUpdated reports the MTU in effect after an exchange.
type MTUUpdated struct {
	MTU uint16
}

func (MTUUpdated) Opcode() Opcode { return OpMTUUpdated }
