// This file implements the LCP option vocabulary per RFC 1661 sections 5
// and 6: MRU, authentication protocol, magic number, ACCM and the
// field compression options.
package ppp

import (
	"crypto/rand"
	"encoding/binary"

	"go.uber.org/zap"
)

const (
	defaultMRU = 1500
	minimumMRU = 68 // smallest MRU an IPv4 link can carry
)

// lcpParams is one side's view of the negotiated link parameters.
type lcpParams struct {
	MRU   uint16
	Magic uint32
	Auth  uint16 // authentication protocol requested by that side, 0 = none
	ACCM  uint32
	PFC   bool
	ACFC  bool
}

// lcp is the LCP binding for the option automaton. It keeps two parameter
// stores: ours (what we advertise) and the peer's (what they requested and
// we acked).
type lcp struct {
	logger *zap.Logger

	ours lcpParams
	peer lcpParams

	// magicRejected stops us re-offering Magic-Number after a peer Reject.
	magicRejected bool

	// loopback is latched when the peer's Configure-Request carries our
	// own magic number. The engine reads and clears it.
	loopback bool

	nakBuf [4]byte
}

func newLCP(logger *zap.Logger) *lcp {
	l := &lcp{logger: logger}
	l.reset()
	return l
}

func (l *lcp) protocolNumber() uint16 { return ProtocolLCP }
func (l *lcp) name() string           { return "LCP" }

func (l *lcp) reset() {
	l.ours = lcpParams{
		MRU:   defaultMRU,
		Magic: generateMagicNumber(),
		ACCM:  accmEscapeAll,
	}
	l.peer = lcpParams{
		MRU:  defaultMRU,
		ACCM: accmEscapeAll,
	}
	l.magicRejected = false
	l.loopback = false
}

func (l *lcp) localMagic() uint32 { return l.ours.Magic }

// authRequired reports whether the peer asked us to authenticate, and how.
func (l *lcp) authRequired() uint16 { return l.peer.Auth }

// txACCM returns the transmit character map negotiated by the peer. Only
// IPv4 data frames honour it; control traffic always escapes everything.
func (l *lcp) txACCM() uint32 { return l.peer.ACCM }

// appendOwnOptions emits our Configure-Request options. We only negotiate
// Magic-Number; MRU, auth, PFC and ACFC ride on their defaults.
func (l *lcp) appendOwnOptions(w *optionWriter) {
	if l.magicRejected {
		return
	}
	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], l.ours.Magic)
	w.put(LCPOptMagicNumber, magic[:])
}

func (l *lcp) ownOptionNakked(typ uint8, data []byte, isReject bool) {
	switch typ {
	case LCPOptMagicNumber:
		if isReject {
			l.magicRejected = true
			return
		}
		// Peer saw a collision; pick a fresh magic rather than adopting
		// the peer's suggestion.
		l.ours.Magic = generateMagicNumber()
	default:
		l.logger.Debug("peer nakked option we never sent", zap.Uint8("option", typ))
	}
}

func (l *lcp) peerOptionsStart() {
	l.peer = lcpParams{
		MRU:  defaultMRU,
		ACCM: accmEscapeAll,
	}
	l.loopback = false
}

func (l *lcp) peerOption(typ uint8, data []byte) (verdict, []byte) {
	switch typ {
	case LCPOptMRU:
		if len(data) != 2 {
			return verdictRej, nil
		}
		mru := binary.BigEndian.Uint16(data)
		if mru < minimumMRU {
			binary.BigEndian.PutUint16(l.nakBuf[:2], minimumMRU)
			return verdictNak, l.nakBuf[:2]
		}
		l.peer.MRU = mru
		return verdictAck, nil

	case LCPOptACCM:
		if len(data) != 4 {
			return verdictRej, nil
		}
		l.peer.ACCM = binary.BigEndian.Uint32(data)
		return verdictAck, nil

	case LCPOptAuthProto:
		if len(data) < 2 {
			return verdictRej, nil
		}
		proto := binary.BigEndian.Uint16(data)
		if proto == ProtocolPAP {
			l.peer.Auth = ProtocolPAP
			return verdictAck, nil
		}
		// We only speak PAP; counter-propose it.
		binary.BigEndian.PutUint16(l.nakBuf[:2], ProtocolPAP)
		return verdictNak, l.nakBuf[:2]

	case LCPOptMagicNumber:
		if len(data) != 4 {
			return verdictRej, nil
		}
		magic := binary.BigEndian.Uint32(data)
		if magic == 0 {
			binary.BigEndian.PutUint32(l.nakBuf[:], generateMagicNumber())
			return verdictNak, l.nakBuf[:]
		}
		if magic == l.ours.Magic {
			l.logger.Warn("magic number collision, link is looped back")
			l.loopback = true
			binary.BigEndian.PutUint32(l.nakBuf[:], generateMagicNumber())
			return verdictNak, l.nakBuf[:]
		}
		l.peer.Magic = magic
		return verdictAck, nil

	case LCPOptPFC, LCPOptACFC:
		// Not implemented in the transmit direction; we still accept
		// compressed frames from the peer regardless.
		return verdictRej, nil

	default:
		return verdictRej, nil
	}
}

// generateMagicNumber returns a random non-zero 32-bit magic number.
func generateMagicNumber() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand never fails on supported platforms; fall back
			// to a fixed pattern rather than zero.
			return 0x1D2C3B4A
		}
		if m := binary.BigEndian.Uint32(b[:]); m != 0 {
			return m
		}
	}
}
