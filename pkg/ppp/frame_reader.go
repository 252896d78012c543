// This file implements async-HDLC frame reception per RFC 1662: flag
// resynchronisation, unescaping and FCS verification into a fixed buffer.
package ppp

import "encoding/binary"

// rxBufSize fits a default-MRU frame plus address, control, protocol and
// FCS overhead, with slack for peers that send slightly over.
const rxBufSize = defaultMRU + 128

type readerState int

const (
	readerIdle readerState = iota // discarding, waiting for a flag
	readerFrameStart              // saw a flag, waiting for the first frame byte
	readerInFrame                 // accumulating frame bytes
	readerInFrameEscape           // last byte was the escape byte
)

// readerResult reports the outcome of feeding bytes to the frame reader.
type readerResult int

const (
	readNone     readerResult = iota // no complete frame yet
	readFrame                        // a verified frame was delivered
	readTooLong                      // frame exceeded the receive buffer
	readBadFCS                       // frame failed the FCS check
	readBadFrame                     // frame too short or bad address/control
)

// frameReader owns the fixed receive buffer and the RFC 1662 unframing
// state machine. Delivered frames alias the internal buffer and are valid
// until the next consume call.
type frameReader struct {
	state readerState
	buf   [rxBufSize]byte
	n     int

	// last delivered frame
	protocol uint16
	payload  []byte
}

func (r *frameReader) reset() {
	r.state = readerIdle
	r.n = 0
	r.payload = nil
}

// consume feeds serial bytes to the reader, stopping at the first complete
// frame (good or bad). Returns the number of bytes consumed and what
// happened. On readFrame the frame is available via r.protocol/r.payload.
func (r *frameReader) consume(data []byte) (int, readerResult) {
	for i, b := range data {
		switch r.state {
		case readerIdle:
			if b == hdlcFlag {
				r.state = readerFrameStart
			}

		case readerFrameStart:
			switch b {
			case hdlcFlag:
				// idle flags between frames are legal
			case hdlcEscape:
				r.n = 0
				r.state = readerInFrameEscape
			default:
				r.n = 0
				if !r.appendByte(b) {
					return i + 1, readTooLong
				}
				r.state = readerInFrame
			}

		case readerInFrame:
			switch b {
			case hdlcFlag:
				res := r.complete()
				r.n = 0
				r.state = readerFrameStart
				return i + 1, res
			case hdlcEscape:
				r.state = readerInFrameEscape
			default:
				if !r.appendByte(b) {
					return i + 1, readTooLong
				}
			}

		case readerInFrameEscape:
			if b == hdlcFlag {
				// escape immediately before a flag aborts the frame
				r.n = 0
				r.state = readerFrameStart
				r.payload = nil
				return i + 1, readBadFrame
			}
			if !r.appendByte(b ^ hdlcXOR) {
				return i + 1, readTooLong
			}
			r.state = readerInFrame
		}
	}
	return len(data), readNone
}

// appendByte adds an unescaped byte, dropping the frame on overflow.
func (r *frameReader) appendByte(b byte) bool {
	if r.n >= len(r.buf) {
		r.reset()
		return false
	}
	r.buf[r.n] = b
	r.n++
	return true
}

// complete validates the accumulated frame: minimum length, FCS residue,
// then strips address/control (tolerating ACFC) and the protocol field
// (tolerating PFC).
func (r *frameReader) complete() readerResult {
	frame := r.buf[:r.n]
	r.payload = nil

	if len(frame) < 4 {
		return readBadFrame
	}
	if fcsUpdate(fcsInit, frame) != fcsGood {
		return readBadFCS
	}
	frame = frame[:len(frame)-2] // drop FCS

	// Address/control may be compressed away by the peer.
	if len(frame) >= 2 && frame[0] == hdlcAddress && frame[1] == hdlcControl {
		frame = frame[2:]
	} else if frame[0] == hdlcAddress {
		return readBadFrame
	}

	if len(frame) < 1 {
		return readBadFrame
	}

	// Protocol field: one byte if the low bit of the first byte is set
	// (PFC), otherwise two bytes big-endian with an even first byte.
	if frame[0]&0x01 == 1 {
		r.protocol = uint16(frame[0])
		r.payload = frame[1:]
		return readFrame
	}
	if len(frame) < 2 || frame[1]&0x01 == 0 {
		return readBadFrame
	}
	r.protocol = binary.BigEndian.Uint16(frame[:2])
	r.payload = frame[2:]
	return readFrame
}
