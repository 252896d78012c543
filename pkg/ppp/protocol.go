// Package ppp implements a sans-I/O PPP engine for serial links: async-HDLC
// framing per RFC 1662 and the LCP, IPCP and PAP control protocols per
// RFC 1661, RFC 1332 and RFC 1334. The caller owns the serial device and the
// clock; the engine is a pure byte-in/byte-out transformation.
package ppp

import (
	"encoding/binary"
	"fmt"
)

// PPP protocol numbers
const (
	ProtocolIP   = 0x0021 // Internet Protocol v4
	ProtocolIPCP = 0x8021 // IP Control Protocol
	ProtocolLCP  = 0xC021 // Link Control Protocol
	ProtocolPAP  = 0xC023 // Password Authentication Protocol
)

// Control protocol codes (shared by LCP and IPCP per RFC 1661)
const (
	CodeConfigureRequest = 1
	CodeConfigureAck     = 2
	CodeConfigureNak     = 3
	CodeConfigureReject  = 4
	CodeTerminateRequest = 5
	CodeTerminateAck     = 6
	CodeCodeReject       = 7
	CodeProtocolReject   = 8
	CodeEchoRequest      = 9
	CodeEchoReply        = 10
	CodeDiscardRequest   = 11
)

// LCP option types
const (
	LCPOptMRU         = 1 // Maximum Receive Unit
	LCPOptACCM        = 2 // Async-Control-Character-Map
	LCPOptAuthProto   = 3 // Authentication Protocol
	LCPOptMagicNumber = 5 // Magic Number
	LCPOptPFC         = 7 // Protocol Field Compression
	LCPOptACFC        = 8 // Address/Control Field Compression
)

// IPCP option types
const (
	IPCPOptIPAddress    = 3   // IP Address
	IPCPOptPrimaryDNS   = 129 // Primary DNS
	IPCPOptSecondaryDNS = 131 // Secondary DNS
)

// PAP codes
const (
	PAPCodeAuthRequest = 1
	PAPCodeAuthAck     = 2
	PAPCodeAuthNak     = 3
)

// HDLC framing bytes
const (
	hdlcFlag    = 0x7E
	hdlcEscape  = 0x7D
	hdlcXOR     = 0x20
	hdlcAddress = 0xFF
	hdlcControl = 0x03
)

// ControlPacket represents an LCP/IPCP/PAP control packet:
// {code, identifier, 16-bit length, data}.
type ControlPacket struct {
	Code       uint8
	Identifier uint8
	Data       []byte
}

// ParseControlPacket parses a control packet. The returned Data slice
// aliases the input; callers must not retain it past the next engine call.
func ParseControlPacket(data []byte) (*ControlPacket, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for control packet")
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if length < 4 {
		return nil, fmt.Errorf("control packet length %d below header size", length)
	}
	if int(length) > len(data) {
		return nil, fmt.Errorf("control packet length exceeds data")
	}

	return &ControlPacket{
		Code:       data[0],
		Identifier: data[1],
		Data:       data[4:length],
	}, nil
}

// Serialize serializes a control packet.
func (p *ControlPacket) Serialize() []byte {
	buf := make([]byte, 4+len(p.Data))
	buf[0] = p.Code
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(4+len(p.Data)))
	copy(buf[4:], p.Data)
	return buf
}

// Option represents a configuration option TLV.
type Option struct {
	Type uint8
	Data []byte
}

// forEachOption iterates a TLV option list, calling f for each option. The
// value slices alias the input. Returns an error on an ill-formed list
// (length < 2 or length past the end of the data).
func forEachOption(data []byte, f func(typ uint8, value []byte)) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return fmt.Errorf("truncated option header")
		}
		length := int(data[1])
		if length < 2 {
			return fmt.Errorf("invalid option length %d", length)
		}
		if length > len(data) {
			return fmt.Errorf("option length exceeds data")
		}
		f(data[0], data[2:length])
		data = data[length:]
	}
	return nil
}

// ParseOptions parses a TLV option list into a slice. The engine itself
// iterates with forEachOption; this copying form is used by tests.
func ParseOptions(data []byte) ([]Option, error) {
	var opts []Option
	err := forEachOption(data, func(typ uint8, value []byte) {
		v := make([]byte, len(value))
		copy(v, value)
		opts = append(opts, Option{Type: typ, Data: v})
	})
	if err != nil {
		return nil, err
	}
	return opts, nil
}

// SerializeOptions serializes a TLV option list.
func SerializeOptions(opts []Option) []byte {
	var buf []byte
	for _, opt := range opts {
		buf = append(buf, opt.Type, uint8(2+len(opt.Data)))
		buf = append(buf, opt.Data...)
	}
	return buf
}

// optionWriter emits a TLV option list into a fixed caller-supplied buffer.
// Overflow is sticky: once set, no further bytes are written.
type optionWriter struct {
	buf      []byte
	n        int
	overflow bool
}

func (w *optionWriter) put(typ uint8, value []byte) {
	if w.overflow || w.n+2+len(value) > len(w.buf) {
		w.overflow = true
		return
	}
	w.buf[w.n] = typ
	w.buf[w.n+1] = uint8(2 + len(value))
	copy(w.buf[w.n+2:], value)
	w.n += 2 + len(value)
}

func (w *optionWriter) bytes() []byte {
	return w.buf[:w.n]
}

func (w *optionWriter) reset() {
	w.n = 0
	w.overflow = false
}
