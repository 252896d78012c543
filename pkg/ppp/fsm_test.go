package ppp

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// stubPacket is one packet captured from the automaton.
type stubPacket struct {
	protocol   uint16
	code       uint8
	identifier uint8
	body       []byte
}

// stubHooks records automaton effects for inspection.
type stubHooks struct {
	packets  []stubPacket
	nowMs    int64
	ups      int
	downs    int
	starts   int
	finishes int
}

func (h *stubHooks) sendPacket(protocol uint16, code, identifier uint8, body []byte) {
	h.packets = append(h.packets, stubPacket{
		protocol:   protocol,
		code:       code,
		identifier: identifier,
		body:       append([]byte{}, body...),
	})
}

func (h *stubHooks) now() int64               { return h.nowMs }
func (h *stubHooks) thisLayerUp(uint16)       { h.ups++ }
func (h *stubHooks) thisLayerDown(uint16)     { h.downs++ }
func (h *stubHooks) thisLayerStarted(uint16)  { h.starts++ }
func (h *stubHooks) thisLayerFinished(uint16) { h.finishes++ }

func (h *stubHooks) last() stubPacket {
	Expect(h.packets).NotTo(BeEmpty())
	return h.packets[len(h.packets)-1]
}

func (h *stubHooks) clear() {
	h.packets = nil
}

// stubBinding is a minimal option vocabulary: one u16 option type 0x10
// that it offers, and a judge function for peer options.
type stubBinding struct {
	resets int
	judge  func(typ uint8, data []byte) (verdict, []byte)
	nakked []Option
}

func (b *stubBinding) protocolNumber() uint16 { return ProtocolLCP }
func (b *stubBinding) name() string           { return "STUB" }
func (b *stubBinding) reset()                 { b.resets++ }

func (b *stubBinding) appendOwnOptions(w *optionWriter) {
	w.put(0x10, []byte{0x12, 0x34})
}

func (b *stubBinding) ownOptionNakked(typ uint8, data []byte, isReject bool) {
	b.nakked = append(b.nakked, Option{Type: typ, Data: append([]byte{}, data...)})
}

func (b *stubBinding) peerOptionsStart() {}

func (b *stubBinding) peerOption(typ uint8, data []byte) (verdict, []byte) {
	if b.judge != nil {
		return b.judge(typ, data)
	}
	return verdictAck, nil
}

// control builds a serialized control packet.
func control(code, id uint8, body []byte) []byte {
	pkt := ControlPacket{Code: code, Identifier: id, Data: body}
	return pkt.Serialize()
}

var _ = Describe("Control Protocol Automaton", func() {
	var (
		hooks   *stubHooks
		b       *stubBinding
		machine *fsm
	)

	BeforeEach(func() {
		hooks = &stubHooks{}
		b = &stubBinding{}
		machine = newFSM(b, hooks, defaultFSMConfig(), zap.NewNop())
	})

	// openUp drives Initial -> Starting -> Req-Sent.
	openUp := func() {
		machine.open()
		machine.up()
	}

	Describe("administrative events", func() {
		It("should move Initial to Closed on Up", func() {
			machine.up()
			Expect(machine.state).To(Equal(stateClosed))
		})

		It("should move Initial to Starting on Open and report layer started", func() {
			machine.open()
			Expect(machine.state).To(Equal(stateStarting))
			Expect(hooks.starts).To(Equal(1))
		})

		It("should send a Configure-Request on Up from Starting", func() {
			openUp()
			Expect(machine.state).To(Equal(stateReqSent))
			Expect(b.resets).To(Equal(1))

			pkt := hooks.last()
			Expect(pkt.code).To(Equal(uint8(CodeConfigureRequest)))
			Expect(pkt.identifier).To(Equal(uint8(1)))
			Expect(pkt.body).To(Equal([]byte{0x10, 0x04, 0x12, 0x34}))
		})
	})

	Describe("negotiation happy path", func() {
		BeforeEach(openUp)

		It("should reach Opened via Ack-Sent", func() {
			// peer request first, then peer ack
			Expect(machine.handle(control(CodeConfigureRequest, 9, nil))).To(Succeed())
			Expect(machine.state).To(Equal(stateAckSent))
			Expect(hooks.last().code).To(Equal(uint8(CodeConfigureAck)))
			Expect(hooks.last().identifier).To(Equal(uint8(9)))

			Expect(machine.handle(control(CodeConfigureAck, 1, nil))).To(Succeed())
			Expect(machine.state).To(Equal(stateOpened))
			Expect(hooks.ups).To(Equal(1))
		})

		It("should reach Opened via Ack-Rcvd", func() {
			Expect(machine.handle(control(CodeConfigureAck, 1, nil))).To(Succeed())
			Expect(machine.state).To(Equal(stateAckRcvd))

			Expect(machine.handle(control(CodeConfigureRequest, 9, nil))).To(Succeed())
			Expect(machine.state).To(Equal(stateOpened))
			Expect(hooks.ups).To(Equal(1))
		})
	})

	Describe("identifier discipline", func() {
		BeforeEach(openUp)

		It("should discard a Configure-Ack with a stale identifier", func() {
			Expect(machine.handle(control(CodeConfigureAck, 99, nil))).To(Succeed())
			Expect(machine.state).To(Equal(stateReqSent))
		})

		It("should discard a Configure-Nak with a stale identifier", func() {
			Expect(machine.handle(control(CodeConfigureNak, 99, []byte{0x10, 0x04, 0, 0}))).To(Succeed())
			Expect(machine.state).To(Equal(stateReqSent))
			Expect(b.nakked).To(BeEmpty())
		})

		It("should answer a Configure-Request with the peer's identifier", func() {
			Expect(machine.handle(control(CodeConfigureRequest, 0xAB, nil))).To(Succeed())
			Expect(hooks.last().identifier).To(Equal(uint8(0xAB)))
		})
	})

	Describe("peer option judgement", func() {
		BeforeEach(openUp)

		It("should Reject exactly the offending options", func() {
			b.judge = func(typ uint8, data []byte) (verdict, []byte) {
				if typ == 0x42 {
					return verdictRej, nil
				}
				return verdictAck, nil
			}

			body := []byte{
				0x10, 0x04, 0x12, 0x34, // acceptable
				0x42, 0x03, 0x99, // unknown
			}
			Expect(machine.handle(control(CodeConfigureRequest, 5, body))).To(Succeed())

			pkt := hooks.last()
			Expect(pkt.code).To(Equal(uint8(CodeConfigureReject)))
			Expect(pkt.body).To(Equal([]byte{0x42, 0x03, 0x99}))
			Expect(machine.state).To(Equal(stateReqSent))
		})

		It("should prefer Reject over Nak when both apply", func() {
			b.judge = func(typ uint8, data []byte) (verdict, []byte) {
				switch typ {
				case 0x10:
					return verdictNak, []byte{0x56, 0x78}
				default:
					return verdictRej, nil
				}
			}

			body := []byte{
				0x10, 0x04, 0x12, 0x34,
				0x42, 0x02,
			}
			Expect(machine.handle(control(CodeConfigureRequest, 5, body))).To(Succeed())
			Expect(hooks.last().code).To(Equal(uint8(CodeConfigureReject)))
			Expect(hooks.last().body).To(Equal([]byte{0x42, 0x02}))
		})

		It("should Nak with the counter-proposal value", func() {
			b.judge = func(typ uint8, data []byte) (verdict, []byte) {
				return verdictNak, []byte{0x56, 0x78}
			}

			Expect(machine.handle(control(CodeConfigureRequest, 5, []byte{0x10, 0x04, 0x12, 0x34}))).To(Succeed())
			Expect(hooks.last().code).To(Equal(uint8(CodeConfigureNak)))
			Expect(hooks.last().body).To(Equal([]byte{0x10, 0x04, 0x56, 0x78}))
		})

		It("should convert Naks to Rejects after max_failure", func() {
			b.judge = func(typ uint8, data []byte) (verdict, []byte) {
				return verdictNak, []byte{0x56, 0x78}
			}

			for i := 0; i < defaultFSMConfig().MaxFailure; i++ {
				Expect(machine.handle(control(CodeConfigureRequest, uint8(5+i), []byte{0x10, 0x04, 0x12, 0x34}))).To(Succeed())
				Expect(hooks.last().code).To(Equal(uint8(CodeConfigureNak)))
			}
			Expect(machine.handle(control(CodeConfigureRequest, 0x77, []byte{0x10, 0x04, 0x12, 0x34}))).To(Succeed())
			Expect(hooks.last().code).To(Equal(uint8(CodeConfigureReject)))
		})
	})

	Describe("restart timer", func() {
		It("should retransmit the Configure-Request on timeout", func() {
			hooks.nowMs = 1000
			openUp()
			Expect(machine.deadline).To(Equal(int64(4000)))
			hooks.clear()

			Expect(machine.pollTimer(3999)).To(Equal(int64(4000)))
			Expect(hooks.packets).To(BeEmpty())

			hooks.nowMs = 4000
			machine.pollTimer(4000)
			Expect(hooks.last().code).To(Equal(uint8(CodeConfigureRequest)))
			Expect(hooks.last().identifier).To(Equal(uint8(2)))
		})

		It("should give up after max_configure attempts and stop", func() {
			cfg := defaultFSMConfig()
			machine = newFSM(b, hooks, cfg, zap.NewNop())
			machine.open()
			machine.up()

			now := int64(0)
			for i := 0; i < cfg.MaxConfigure; i++ {
				now += cfg.RestartTimerMs
				hooks.nowMs = now
				machine.pollTimer(now)
			}
			Expect(machine.state).To(Equal(stateStopped))
			Expect(hooks.finishes).To(Equal(1))
		})
	})

	Describe("termination", func() {
		BeforeEach(func() {
			openUp()
			Expect(machine.handle(control(CodeConfigureRequest, 9, nil))).To(Succeed())
			Expect(machine.handle(control(CodeConfigureAck, 1, nil))).To(Succeed())
			Expect(machine.state).To(Equal(stateOpened))
			hooks.clear()
		})

		It("should answer a Terminate-Request and stop", func() {
			Expect(machine.handle(control(CodeTerminateRequest, 4, []byte("bye")))).To(Succeed())
			Expect(machine.state).To(Equal(stateStopping))
			Expect(hooks.downs).To(Equal(1))
			Expect(hooks.last().code).To(Equal(uint8(CodeTerminateAck)))
			Expect(hooks.last().identifier).To(Equal(uint8(4)))

			// zero restart count: the next timeout finishes the layer
			hooks.nowMs = machine.deadline
			machine.pollTimer(machine.deadline)
			Expect(machine.state).To(Equal(stateStopped))
			Expect(hooks.finishes).To(Equal(1))
		})

		It("should send a Terminate-Request on Close and finish on Terminate-Ack", func() {
			machine.close("test close")
			Expect(machine.state).To(Equal(stateClosing))
			Expect(hooks.downs).To(Equal(1))

			pkt := hooks.last()
			Expect(pkt.code).To(Equal(uint8(CodeTerminateRequest)))
			Expect(pkt.body).To(Equal([]byte("test close")))

			Expect(machine.handle(control(CodeTerminateAck, pkt.identifier, nil))).To(Succeed())
			Expect(machine.state).To(Equal(stateClosed))
			Expect(hooks.finishes).To(Equal(1))
		})

		It("should reach Closed within max_terminate restart periods without a peer", func() {
			cfg := defaultFSMConfig()
			machine.close("test close")

			now := int64(0)
			for i := 0; i <= cfg.MaxTerminate; i++ {
				now += cfg.RestartTimerMs
				hooks.nowMs = now
				machine.pollTimer(now)
			}
			Expect(machine.state).To(Equal(stateClosed))
			Expect(hooks.finishes).To(Equal(1))
		})
	})

	Describe("renegotiation from Opened", func() {
		BeforeEach(func() {
			openUp()
			Expect(machine.handle(control(CodeConfigureRequest, 9, nil))).To(Succeed())
			Expect(machine.handle(control(CodeConfigureAck, 1, nil))).To(Succeed())
			hooks.clear()
		})

		It("should go down and renegotiate on a Configure-Request", func() {
			Expect(machine.handle(control(CodeConfigureRequest, 10, nil))).To(Succeed())
			Expect(hooks.downs).To(Equal(1))
			Expect(machine.state).To(Equal(stateAckSent))

			var codes []uint8
			for _, p := range hooks.packets {
				codes = append(codes, p.code)
			}
			Expect(codes).To(ContainElement(uint8(CodeConfigureRequest)))
			Expect(codes).To(ContainElement(uint8(CodeConfigureAck)))
		})
	})

	Describe("unknown codes", func() {
		BeforeEach(openUp)

		It("should Code-Reject an unknown code carrying the offending packet", func() {
			Expect(machine.handle(control(0x55, 7, []byte{1, 2}))).To(Succeed())
			pkt := hooks.last()
			Expect(pkt.code).To(Equal(uint8(CodeCodeReject)))
			Expect(pkt.body[0]).To(Equal(uint8(0x55)))
			Expect(pkt.body[1]).To(Equal(uint8(7)))
			Expect(binary.BigEndian.Uint16(pkt.body[2:4])).To(Equal(uint16(6)))
		})

		It("should treat a Code-Reject of a Configure code as fatal", func() {
			Expect(machine.handle(control(CodeCodeReject, 7, []byte{CodeConfigureRequest}))).To(Succeed())
			Expect(machine.state).To(Equal(stateStopped))
			Expect(hooks.finishes).To(Equal(1))
		})

		It("should ignore a Code-Reject of an extension code", func() {
			Expect(machine.handle(control(CodeCodeReject, 7, []byte{CodeEchoRequest}))).To(Succeed())
			Expect(machine.state).To(Equal(stateReqSent))
			Expect(hooks.finishes).To(BeZero())
		})
	})

	Describe("echo handling", func() {
		It("should ignore Echo-Requests outside Opened", func() {
			openUp()
			hooks.clear()
			Expect(machine.handle(control(CodeEchoRequest, 1, []byte{0, 0, 0, 0}))).To(Succeed())
			Expect(hooks.packets).To(BeEmpty())
		})

		It("should silently drop Discard-Requests", func() {
			openUp()
			hooks.clear()
			Expect(machine.handle(control(CodeDiscardRequest, 1, nil))).To(Succeed())
			Expect(hooks.packets).To(BeEmpty())
		})
	})
})
