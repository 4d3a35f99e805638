// Package att models the attribute protocol messages exchanged with the
// transport and holds the ATT response retry guard.
package att

import "fmt"

// Opcode identifies an ATT PDU (Core Spec Vol 3, Part F, 3.4).
type Opcode uint8

// ATT opcodes used by the device, plus two stack-only events.
const (
	OpErrorRsp           Opcode = 0x01
	OpExchangeMTUReq     Opcode = 0x02
	OpExchangeMTURsp     Opcode = 0x03
	OpFindInfoReq        Opcode = 0x04
	OpFindInfoRsp        Opcode = 0x05
	OpFindByTypeValueReq Opcode = 0x06
	OpFindByTypeValueRsp Opcode = 0x07
	OpReadByTypeReq      Opcode = 0x08
	OpReadByTypeRsp      Opcode = 0x09
	OpReadReq            Opcode = 0x0A
	OpReadRsp            Opcode = 0x0B
	OpReadByGroupTypeReq Opcode = 0x10
	OpReadByGroupTypeRsp Opcode = 0x11
	OpWriteReq           Opcode = 0x12
	OpWriteRsp           Opcode = 0x13
	OpHandleValueNoti    Opcode = 0x1B
	OpHandleValueInd     Opcode = 0x1D
	OpHandleValueCfm     Opcode = 0x1E
	OpWriteCmd           Opcode = 0x52
	OpFlowCtrlViolated   Opcode = 0x7E // stack event, not on air
	OpMTUUpdated         Opcode = 0x7F // stack event, not on air
)

var opcodeNames = map[Opcode]string{
	OpErrorRsp:           "Error Response",
	OpExchangeMTUReq:     "Exchange MTU Request",
	OpExchangeMTURsp:     "Exchange MTU Response",
	OpFindInfoReq:        "Find Information Request",
	OpFindInfoRsp:        "Find Information Response",
	OpFindByTypeValueReq: "Find By Type Value Request",
	OpFindByTypeValueRsp: "Find By Type Value Response",
	OpReadByTypeReq:      "Read By Type Request",
	OpReadByTypeRsp:      "Read By Type Response",
	OpReadReq:            "Read Request",
	OpReadRsp:            "Read Response",
	OpReadByGroupTypeReq: "Read By Group Type Request",
	OpReadByGroupTypeRsp: "Read By Group Type Response",
	OpWriteReq:           "Write Request",
	OpWriteRsp:           "Write Response",
	OpHandleValueNoti:    "Handle Value Notification",
	OpHandleValueInd:     "Handle Value Indication",
	OpHandleValueCfm:     "Handle Value Confirmation",
	OpWriteCmd:           "Write Command",
	OpFlowCtrlViolated:   "Flow Control Violated",
	OpMTUUpdated:         "MTU Updated",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
}

// ATT error codes (Core Spec Vol 3, Part F, 3.4.1.1).
const (
	ErrCodeInvalidHandle        uint8 = 0x01
	ErrCodeReadNotPermitted     uint8 = 0x02
	ErrCodeWriteNotPermitted    uint8 = 0x03
	ErrCodeInvalidPDU           uint8 = 0x04
	ErrCodeInsufficientAuthn    uint8 = 0x05
	ErrCodeRequestNotSupported  uint8 = 0x06
	ErrCodeAttributeNotFound    uint8 = 0x0A
	ErrCodeUnlikely             uint8 = 0x0E
	ErrCodeInsufficientResource uint8 = 0x11
)
