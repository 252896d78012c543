package ppp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Control Packet Codec", func() {

	Context("when parsing a valid packet", func() {
		It("should extract all fields", func() {
			data := []byte{
				0x01,       // Code: Configure-Request
				0x07,       // Identifier
				0x00, 0x08, // Length
				0x05, 0x06, 0xAA, 0xBB, // Option data
			}

			pkt, err := ParseControlPacket(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(pkt.Code).To(Equal(uint8(CodeConfigureRequest)))
			Expect(pkt.Identifier).To(Equal(uint8(7)))
			Expect(pkt.Data).To(Equal([]byte{0x05, 0x06, 0xAA, 0xBB}))
		})

		It("should ignore trailing padding beyond the length field", func() {
			data := []byte{0x02, 0x01, 0x00, 0x04, 0xFF, 0xFF}
			pkt, err := ParseControlPacket(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(pkt.Data).To(BeEmpty())
		})
	})

	Context("when parsing a malformed packet", func() {
		It("should reject short data", func() {
			_, err := ParseControlPacket([]byte{0x01, 0x02})
			Expect(err).To(HaveOccurred())
		})

		It("should reject a length below the header size", func() {
			_, err := ParseControlPacket([]byte{0x01, 0x02, 0x00, 0x03})
			Expect(err).To(HaveOccurred())
		})

		It("should reject a length past the end of the data", func() {
			_, err := ParseControlPacket([]byte{0x01, 0x02, 0x00, 0x09, 0xAA})
			Expect(err).To(HaveOccurred())
		})
	})

	It("should round-trip through Serialize", func() {
		pkt := &ControlPacket{Code: CodeEchoRequest, Identifier: 3, Data: []byte{1, 2, 3, 4}}
		parsed, err := ParseControlPacket(pkt.Serialize())
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed).To(Equal(pkt))
	})
})

var _ = Describe("Option Codec", func() {

	It("should iterate a TLV list in order", func() {
		data := []byte{
			0x01, 0x04, 0x05, 0xDC, // MRU 1500
			0x05, 0x06, 0x11, 0x22, 0x33, 0x44, // Magic
			0x07, 0x02, // PFC, empty value
		}

		var types []uint8
		err := forEachOption(data, func(typ uint8, value []byte) {
			types = append(types, typ)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(types).To(Equal([]uint8{LCPOptMRU, LCPOptMagicNumber, LCPOptPFC}))
	})

	It("should reject a length below two", func() {
		err := forEachOption([]byte{0x01, 0x01}, func(uint8, []byte) {})
		Expect(err).To(HaveOccurred())
	})

	It("should reject a length past the end of the list", func() {
		err := forEachOption([]byte{0x01, 0x08, 0x00}, func(uint8, []byte) {})
		Expect(err).To(HaveOccurred())
	})

	It("should reject a truncated header", func() {
		err := forEachOption([]byte{0x01}, func(uint8, []byte) {})
		Expect(err).To(HaveOccurred())
	})

	It("should round-trip through ParseOptions and SerializeOptions", func() {
		opts := []Option{
			{Type: LCPOptMRU, Data: []byte{0x05, 0xDC}},
			{Type: LCPOptMagicNumber, Data: []byte{1, 2, 3, 4}},
		}
		parsed, err := ParseOptions(SerializeOptions(opts))
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed).To(Equal(opts))
	})

	Describe("optionWriter", func() {
		It("should emit into a fixed buffer and report the length", func() {
			var buf [16]byte
			w := optionWriter{buf: buf[:]}
			w.put(LCPOptMRU, []byte{0x05, 0xDC})
			Expect(w.bytes()).To(Equal([]byte{0x01, 0x04, 0x05, 0xDC}))
			Expect(w.overflow).To(BeFalse())
		})

		It("should latch overflow and stop writing", func() {
			var buf [4]byte
			w := optionWriter{buf: buf[:]}
			w.put(LCPOptMagicNumber, []byte{1, 2, 3, 4})
			Expect(w.overflow).To(BeTrue())
			Expect(w.bytes()).To(BeEmpty())
		})
	})
})
