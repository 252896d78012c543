// This file implements async-HDLC frame transmission per RFC 1662:
// byte-stuffing against an ACCM, FCS append, flag bracketing.
package ppp

import (
	"encoding/binary"
	"fmt"
)

// ErrFrameBufferFull is returned when an outgoing frame does not fit the
// transmit buffer.
var ErrFrameBufferFull = fmt.Errorf("frame writer: buffer full")

// accmEscapeAll escapes every control character. Used for all control
// protocol traffic; only IPv4 data frames honour the peer's negotiated map.
const accmEscapeAll uint32 = 0xFFFFFFFF

// frameWriter incrementally emits one escaped HDLC frame into a fixed
// buffer. Usage: start, append..., finish.
type frameWriter struct {
	buf  []byte
	n    int
	crc  uint16
	accm uint32
}

func newFrameWriter(buf []byte, accm uint32) *frameWriter {
	return &frameWriter{buf: buf, accm: accm}
}

func (w *frameWriter) len() int {
	return w.n
}

// start emits the opening flag and the full (uncompressed) address and
// control fields. Outgoing frames never use ACFC or PFC.
func (w *frameWriter) start() error {
	w.crc = fcsUpdate(fcsInit, []byte{hdlcAddress, hdlcControl})
	if err := w.appendRaw(hdlcFlag); err != nil {
		return err
	}
	return w.appendEscaped([]byte{hdlcAddress, hdlcControl})
}

// append adds payload bytes, escaping and folding them into the FCS.
func (w *frameWriter) append(data []byte) error {
	if err := w.appendEscaped(data); err != nil {
		return err
	}
	w.crc = fcsUpdate(w.crc, data)
	return nil
}

// finish appends the little-endian complemented FCS and the closing flag.
func (w *frameWriter) finish() error {
	var fcs [2]byte
	binary.LittleEndian.PutUint16(fcs[:], fcsFinish(w.crc))
	if err := w.appendEscaped(fcs[:]); err != nil {
		return err
	}
	return w.appendRaw(hdlcFlag)
}

func (w *frameWriter) appendRaw(b byte) error {
	if w.n >= len(w.buf) {
		return ErrFrameBufferFull
	}
	w.buf[w.n] = b
	w.n++
	return nil
}

func (w *frameWriter) appendEscaped(data []byte) error {
	for _, b := range data {
		escape := false
		switch {
		case b == hdlcFlag || b == hdlcEscape:
			escape = true
		case b < 0x20:
			escape = w.accm&(1<<uint32(b)) != 0
		}

		if escape {
			if err := w.appendRaw(hdlcEscape); err != nil {
				return err
			}
			if err := w.appendRaw(b ^ hdlcXOR); err != nil {
				return err
			}
		} else {
			if err := w.appendRaw(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeFrame encodes one complete PPP frame carrying protocol and the given
// payload parts into dst, returning the encoded length.
func writeFrame(dst []byte, accm uint32, protocol uint16, parts ...[]byte) (int, error) {
	w := newFrameWriter(dst, accm)
	if err := w.start(); err != nil {
		return 0, err
	}
	var proto [2]byte
	binary.BigEndian.PutUint16(proto[:], protocol)
	if err := w.append(proto[:]); err != nil {
		return 0, err
	}
	for _, p := range parts {
		if err := w.append(p); err != nil {
			return 0, err
		}
	}
	if err := w.finish(); err != nil {
		return 0, err
	}
	return w.len(), nil
}
