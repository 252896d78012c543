// This file implements the PPP Frame Check Sequence (CRC-16/X.25) per
// RFC 1662 appendix C.
package ppp

import (
	"math/bits"

	"github.com/sigurn/crc16"
)

// fcsTable is the reflected 0x8408 polynomial table (CRC-16/X-25: init
// 0xFFFF, final complement).
var fcsTable = crc16.MakeTable(crc16.CRC16_X_25)

// fcsInit is the running CRC start value.
const fcsInit uint16 = 0xFFFF

// fcsGood is the residue left by running the receive CRC over a frame
// including its own FCS bytes.
const fcsGood uint16 = 0xF0B8

// fcsUpdate folds data into a running FCS. The crc16 table keeps its
// register bit-reversed, so the value is reflected on the way in and out to
// keep the running FCS in the RFC 1662 (0x8408) bit order.
func fcsUpdate(crc uint16, data []byte) uint16 {
	return bits.Reverse16(crc16.Update(bits.Reverse16(crc), data, fcsTable))
}

// fcsFinish turns a running FCS into the value transmitted on the wire
// (ones' complement, sent little-endian).
func fcsFinish(crc uint16) uint16 {
	return crc ^ 0xFFFF
}

// fcs16 computes the ready-to-transmit FCS over a complete buffer.
func fcs16(data []byte) uint16 {
	return crc16.Checksum(data, fcsTable)
}
