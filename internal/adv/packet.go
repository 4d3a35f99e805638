// Package adv walks and builds advertising data: a sequence of
// length-prefixed, type-tagged fields (Core Spec Supplement, Part A).
package adv

import "encoding/binary"

// AD field types.
const (
	TypeFlags          byte = 0x01
	TypeUUID16More     byte = 0x02
	TypeUUID16Complete byte = 0x03
	TypeShortName      byte = 0x08
	TypeCompleteName   byte = 0x09
	TypeTxPower        byte = 0x0A
)

// Flag bits of the TypeFlags field.
const (
	FlagLimitedDiscoverable byte = 0x01
	FlagGeneralDiscoverable byte = 0x02
	FlagBREDRNotSupported   byte = 0x04
)

// FindServiceUUID reports whether uuid appears in a 16-bit service UUID list
// field of data. Other field types are skipped; the walk stops at the first
// match. A list with an odd trailing byte is tolerated.
func FindServiceUUID(uuid uint16, data []byte) bool {
	lo, hi := byte(uuid), byte(uuid>>8)
	end := len(data) - 1
	i := 0
	for i < end {
		n := int(data[i])
		i++
		if n == 0 {
			continue
		}
		typ := data[i]
		if typ != TypeUUID16More && typ != TypeUUID16Complete {
			i += n
			continue
		}
		i++
		n--
		for n >= 2 && i < end {
			if data[i] == lo && data[i+1] == hi {
				return true
			}
			i += 2
			n -= 2
		}
		if n == 1 {
			i++
		}
	}
	return false
}

// Packet is raw advertising or scan response data.
type Packet []byte

// Field returns the payload of the first field of type typ, or nil.
func (p Packet) Field(typ byte) []byte {
	b := []byte(p)
	for len(b) >= 2 {
		n := int(b[0])
		if n == 0 || len(b) < 1+n {
			return nil
		}
		if b[1] == typ {
			return b[2 : 1+n]
		}
		b = b[1+n:]
	}
	return nil
}

// LocalName returns the complete or shortened local name.
func (p Packet) LocalName() string {
	if b := p.Field(TypeCompleteName); b != nil {
		return string(b)
	}
	return string(p.Field(TypeShortName))
}

// UUIDs16 returns the 16-bit service UUIDs listed in p.
func (p Packet) UUIDs16() []uint16 {
	var out []uint16
	for _, typ := range []byte{TypeUUID16More, TypeUUID16Complete} {
		b := p.Field(typ)
		for len(b) >= 2 {
			out = append(out, binary.LittleEndian.Uint16(b))
			b = b[2:]
		}
	}
	return out
}

// Builder appends fields to an advertising payload.
type Builder struct {
	buf []byte
}

// Flags appends a flags field.
func (b *Builder) Flags(flags byte) *Builder {
	return b.field(TypeFlags, flags)
}

// UUIDs16 appends an incomplete 16-bit service UUID list.
func (b *Builder) UUIDs16(uuids ...uint16) *Builder {
	v := make([]byte, 0, 2*len(uuids))
	for _, u := range uuids {
		v = binary.LittleEndian.AppendUint16(v, u)
	}
	return b.field(TypeUUID16More, v...)
}

// CompleteName appends the complete local name.
func (b *Builder) CompleteName(name string) *Builder {
	return b.field(TypeCompleteName, []byte(name)...)
}

// TxPower appends the TX power level in dBm.
func (b *Builder) TxPower(dbm int8) *Builder {
	return b.field(TypeTxPower, byte(dbm))
}

// Bytes returns the encoded payload.
func (b *Builder) Bytes() Packet { return Packet(b.buf) }

func (b *Builder) field(typ byte, value ...byte) *Builder {
	b.buf = append(b.buf, byte(1+len(value)), typ)
	b.buf = append(b.buf, value...)
	return b
}
