// This file implements the RFC 1661 section 4 option negotiation automaton.
// One automaton serves both LCP and IPCP; the per-protocol option
// vocabulary is supplied by a binding.
package ppp

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// fsmState is the RFC 1661 section 4.2 automaton state.
type fsmState int

const (
	stateInitial fsmState = iota
	stateStarting
	stateClosed
	stateStopped
	stateClosing
	stateStopping
	stateReqSent
	stateAckRcvd
	stateAckSent
	stateOpened
)

func (s fsmState) String() string {
	switch s {
	case stateInitial:
		return "Initial"
	case stateStarting:
		return "Starting"
	case stateClosed:
		return "Closed"
	case stateStopped:
		return "Stopped"
	case stateClosing:
		return "Closing"
	case stateStopping:
		return "Stopping"
	case stateReqSent:
		return "Req-Sent"
	case stateAckRcvd:
		return "Ack-Rcvd"
	case stateAckSent:
		return "Ack-Sent"
	case stateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// verdict is a binding's judgement of one peer option.
type verdict int

const (
	verdictAck verdict = iota
	verdictNak
	verdictRej
)

// binding supplies the option vocabulary of a concrete control protocol.
type binding interface {
	// protocolNumber returns the PPP protocol number of this binding.
	protocolNumber() uint16
	// name returns a short name for logging.
	name() string
	// reset restores both option stores to their defaults. Called at the
	// start of every negotiation attempt.
	reset()
	// appendOwnOptions writes the current desired option list for our
	// Configure-Request.
	appendOwnOptions(w *optionWriter)
	// ownOptionNakked processes a Nak (isReject false) or Reject (true)
	// of one of our options.
	ownOptionNakked(typ uint8, data []byte, isReject bool)
	// peerOptionsStart is called before iterating a peer Configure-Request.
	peerOptionsStart()
	// peerOption judges one option from the peer's Configure-Request. For
	// verdictNak the returned slice is the counter-proposal value.
	peerOption(typ uint8, data []byte) (verdict, []byte)
}

// fsmHooks are the engine-side effects of the automaton: packet output,
// the timer base and the RFC 1661 layer upcalls.
type fsmHooks interface {
	sendPacket(protocol uint16, code, identifier uint8, body []byte)
	now() int64
	thisLayerUp(protocol uint16)
	thisLayerDown(protocol uint16)
	thisLayerStarted(protocol uint16)
	thisLayerFinished(protocol uint16)
}

// fsmConfig holds the automaton counters and timers per RFC 1661 4.6.
type fsmConfig struct {
	RestartTimerMs int64
	MaxConfigure   int
	MaxTerminate   int
	MaxFailure     int
}

func defaultFSMConfig() fsmConfig {
	return fsmConfig{
		RestartTimerMs: 3000,
		MaxConfigure:   10,
		MaxTerminate:   2,
		MaxFailure:     5,
	}
}

// fsm is one instance of the Configure/Terminate automaton.
type fsm struct {
	binding binding
	hooks   fsmHooks
	cfg     fsmConfig
	logger  *zap.Logger

	state        fsmState
	restartCount int
	failureCount int // Configure-Naks sent in this negotiation

	identifier     uint8
	lastIdentifier uint8

	// deadline is the restart timer expiry in caller milliseconds;
	// 0 means the timer is stopped.
	deadline int64

	// peerRequestedStop distinguishes a peer-initiated Terminate from a
	// failed negotiation when the layer finishes.
	peerRequestedStop bool

	// onEchoReply, when set, receives Echo-Reply packets seen in Opened.
	onEchoReply func(identifier uint8, data []byte)

	optBuf  [96]byte
	echoBuf [64]byte
}

func newFSM(b binding, hooks fsmHooks, cfg fsmConfig, logger *zap.Logger) *fsm {
	return &fsm{
		binding: b,
		hooks:   hooks,
		cfg:     cfg,
		logger:  logger,
		state:   stateInitial,
	}
}

func (f *fsm) setState(newState fsmState) {
	if f.state == newState {
		return
	}
	f.logger.Debug("state change",
		zap.String("protocol", f.binding.name()),
		zap.String("from", f.state.String()),
		zap.String("to", newState.String()),
	)
	f.state = newState
}

// up handles the lower layer becoming available.
func (f *fsm) up() {
	switch f.state {
	case stateInitial:
		f.setState(stateClosed)
	case stateStarting:
		f.binding.reset()
		f.failureCount = 0
		f.peerRequestedStop = false
		f.initRestartCount(f.cfg.MaxConfigure)
		f.sendConfigureRequest()
		f.setState(stateReqSent)
	}
}

// down handles the lower layer becoming unavailable.
func (f *fsm) down() {
	f.stopTimer()

	switch f.state {
	case stateClosed:
		f.setState(stateInitial)
	case stateStopped:
		f.hooks.thisLayerStarted(f.binding.protocolNumber())
		f.setState(stateStarting)
	case stateClosing:
		f.setState(stateInitial)
	case stateStopping, stateReqSent, stateAckRcvd, stateAckSent:
		f.setState(stateStarting)
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.setState(stateStarting)
	}
}

// open handles an administrative Open.
func (f *fsm) open() {
	switch f.state {
	case stateInitial:
		f.hooks.thisLayerStarted(f.binding.protocolNumber())
		f.setState(stateStarting)
	case stateClosed:
		f.binding.reset()
		f.failureCount = 0
		f.peerRequestedStop = false
		f.initRestartCount(f.cfg.MaxConfigure)
		f.sendConfigureRequest()
		f.setState(stateReqSent)
	case stateClosing:
		f.setState(stateStopping)
	}
}

// close handles an administrative Close. reason is carried in the
// Terminate-Request data.
func (f *fsm) close(reason string) {
	switch f.state {
	case stateStarting:
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateInitial)
	case stateStopped:
		f.setState(stateClosed)
	case stateStopping:
		f.setState(stateClosing)
	case stateReqSent, stateAckRcvd, stateAckSent:
		f.initRestartCount(f.cfg.MaxTerminate)
		f.sendTerminateRequest(reason)
		f.setState(stateClosing)
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.initRestartCount(f.cfg.MaxTerminate)
		f.sendTerminateRequest(reason)
		f.setState(stateClosing)
	}
}

// pollTimer fires the restart timer if its deadline has passed. Returns
// the pending deadline (0 if none).
func (f *fsm) pollTimer(now int64) int64 {
	if f.deadline == 0 || now < f.deadline {
		return f.deadline
	}
	f.deadline = 0
	f.timeout()
	return f.deadline
}

func (f *fsm) timeout() {
	if f.restartCount > 0 {
		switch f.state {
		case stateClosing, stateStopping:
			f.sendTerminateRequest("timeout")
		case stateReqSent, stateAckRcvd, stateAckSent:
			f.sendConfigureRequest()
			if f.state == stateAckRcvd {
				f.setState(stateReqSent)
			}
		}
		return
	}

	switch f.state {
	case stateClosing:
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateClosed)
	case stateStopping:
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateStopped)
	case stateReqSent, stateAckRcvd, stateAckSent:
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateStopped)
	}
}

// handle processes one received control packet.
func (f *fsm) handle(data []byte) error {
	pkt, err := ParseControlPacket(data)
	if err != nil {
		return err
	}

	f.logger.Debug("rx control packet",
		zap.String("protocol", f.binding.name()),
		zap.Uint8("code", pkt.Code),
		zap.Uint8("identifier", pkt.Identifier),
		zap.String("state", f.state.String()),
	)

	switch pkt.Code {
	case CodeConfigureRequest:
		return f.receiveConfigureRequest(pkt)
	case CodeConfigureAck:
		f.receiveConfigureAck(pkt)
	case CodeConfigureNak, CodeConfigureReject:
		return f.receiveConfigureNakRej(pkt)
	case CodeTerminateRequest:
		f.receiveTerminateRequest(pkt)
	case CodeTerminateAck:
		f.receiveTerminateAck()
	case CodeCodeReject:
		f.receiveCodeReject(pkt)
	case CodeEchoRequest:
		f.receiveEchoRequest(pkt)
	case CodeEchoReply:
		if f.state == stateOpened && f.onEchoReply != nil {
			f.onEchoReply(pkt.Identifier, pkt.Data)
		}
	case CodeDiscardRequest:
		// silently discarded
	case CodeProtocolReject:
		// Only LCP carries Protocol-Reject. Rejection of LCP itself is
		// RXJ-; rejection of any other protocol is ignored.
		if f.binding.protocolNumber() != ProtocolLCP {
			f.sendCodeReject(pkt)
		} else if len(pkt.Data) >= 2 && binary.BigEndian.Uint16(pkt.Data[:2]) == ProtocolLCP {
			f.rxj(false)
		}
	default:
		f.sendCodeReject(pkt)
	}
	return nil
}

// receiveConfigureRequest judges the peer's options, sends the response
// and runs the RCR+/RCR- transitions.
func (f *fsm) receiveConfigureRequest(pkt *ControlPacket) error {
	switch f.state {
	case stateClosed:
		f.sendTerminateAck(pkt.Identifier)
		return nil
	case stateClosing, stateStopping:
		return nil
	}

	respCode, respBody, err := f.judgePeerOptions(pkt.Data)
	if err != nil {
		return err
	}
	acked := respCode == CodeConfigureAck
	if respCode == CodeConfigureNak {
		f.failureCount++
	}

	f.hooks.sendPacket(f.binding.protocolNumber(), respCode, pkt.Identifier, respBody)

	switch f.state {
	case stateStopped:
		f.initRestartCount(f.cfg.MaxConfigure)
		f.sendConfigureRequest()
		if acked {
			f.setState(stateAckSent)
		} else {
			f.setState(stateReqSent)
		}
	case stateReqSent:
		if acked {
			f.setState(stateAckSent)
		}
	case stateAckRcvd:
		if acked {
			f.hooks.thisLayerUp(f.binding.protocolNumber())
			f.setState(stateOpened)
		}
	case stateAckSent:
		if !acked {
			f.setState(stateReqSent)
		}
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.sendConfigureRequest()
		if acked {
			f.setState(stateAckSent)
		} else {
			f.setState(stateReqSent)
		}
	}
	return nil
}

// judgePeerOptions walks the peer's option list once, escalating the
// response code Ack < Nak < Reject and collecting only the options that
// match the final code. After MaxFailure Naks the automaton converts
// further Naks into Rejects to guarantee convergence.
func (f *fsm) judgePeerOptions(body []byte) (uint8, []byte, error) {
	respCode := uint8(CodeConfigureAck)
	w := optionWriter{buf: f.optBuf[:]}

	f.binding.peerOptionsStart()
	err := forEachOption(body, func(typ uint8, value []byte) {
		v, nakData := f.binding.peerOption(typ, value)
		if v == verdictNak && f.failureCount >= f.cfg.MaxFailure {
			v = verdictRej
		}

		var code uint8
		var data []byte
		switch v {
		case verdictAck:
			code, data = CodeConfigureAck, value
		case verdictNak:
			code, data = CodeConfigureNak, nakData
		case verdictRej:
			code, data = CodeConfigureReject, value
		}

		if respCode < code {
			respCode = code
			w.reset()
		}
		if respCode == code {
			w.put(typ, data)
		}
	})
	if err != nil {
		return 0, nil, err
	}
	if w.overflow {
		return 0, nil, ErrFrameBufferFull
	}
	return respCode, w.bytes(), nil
}

func (f *fsm) receiveConfigureAck(pkt *ControlPacket) {
	if pkt.Identifier != f.lastIdentifier {
		f.logger.Debug("Configure-Ack with stale identifier",
			zap.String("protocol", f.binding.name()),
			zap.Uint8("expected", f.lastIdentifier),
			zap.Uint8("received", pkt.Identifier),
		)
		return
	}

	switch f.state {
	case stateClosed, stateStopped:
		f.sendTerminateAck(pkt.Identifier)
	case stateReqSent:
		f.stopTimer()
		f.initRestartCount(f.cfg.MaxConfigure)
		f.setState(stateAckRcvd)
	case stateAckRcvd:
		f.sendConfigureRequest()
		f.setState(stateReqSent)
	case stateAckSent:
		f.stopTimer()
		f.initRestartCount(f.cfg.MaxConfigure)
		f.hooks.thisLayerUp(f.binding.protocolNumber())
		f.setState(stateOpened)
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.sendConfigureRequest()
		f.setState(stateReqSent)
	}
}

func (f *fsm) receiveConfigureNakRej(pkt *ControlPacket) error {
	if pkt.Identifier != f.lastIdentifier {
		return nil
	}
	isReject := pkt.Code == CodeConfigureReject

	if err := forEachOption(pkt.Data, func(typ uint8, value []byte) {
		f.binding.ownOptionNakked(typ, value, isReject)
	}); err != nil {
		return err
	}

	switch f.state {
	case stateClosed, stateStopped:
		f.sendTerminateAck(pkt.Identifier)
	case stateReqSent, stateAckSent:
		f.stopTimer()
		f.initRestartCount(f.cfg.MaxConfigure)
		f.sendConfigureRequest()
	case stateAckRcvd:
		f.sendConfigureRequest()
		f.setState(stateReqSent)
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.sendConfigureRequest()
		f.setState(stateReqSent)
	}
	return nil
}

func (f *fsm) receiveTerminateRequest(pkt *ControlPacket) {
	f.peerRequestedStop = true
	switch f.state {
	case stateClosed, stateStopped, stateClosing, stateStopping:
		f.sendTerminateAck(pkt.Identifier)
	case stateReqSent, stateAckRcvd, stateAckSent:
		f.sendTerminateAck(pkt.Identifier)
		f.setState(stateReqSent)
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.restartCount = 0
		f.startTimer()
		f.sendTerminateAck(pkt.Identifier)
		f.setState(stateStopping)
	}
}

func (f *fsm) receiveTerminateAck() {
	switch f.state {
	case stateClosing:
		f.stopTimer()
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateClosed)
	case stateStopping:
		f.stopTimer()
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateStopped)
	case stateAckRcvd:
		f.setState(stateReqSent)
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.sendConfigureRequest()
		f.setState(stateReqSent)
	}
}

// receiveCodeReject distinguishes the rejection of an extension code
// (RXJ+, ignorable) from a Configure/Terminate code (RXJ-, fatal).
func (f *fsm) receiveCodeReject(pkt *ControlPacket) {
	permitted := true
	if len(pkt.Data) > 0 {
		rejected := pkt.Data[0]
		if rejected >= CodeConfigureRequest && rejected <= CodeTerminateAck {
			permitted = false
		}
	}
	f.rxj(permitted)
}

// rxj runs the RXJ+/RXJ- transitions. A Protocol-Reject of LCP itself is
// routed here by handle as RXJ-.
func (f *fsm) rxj(permitted bool) {
	if permitted {
		switch f.state {
		case stateReqSent, stateAckRcvd:
			f.setState(stateReqSent)
		}
		return
	}

	switch f.state {
	case stateClosed, stateStopped:
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
	case stateClosing:
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateClosed)
	case stateStopping:
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateStopped)
	case stateReqSent, stateAckRcvd, stateAckSent:
		f.stopTimer()
		f.hooks.thisLayerFinished(f.binding.protocolNumber())
		f.setState(stateStopped)
	case stateOpened:
		f.hooks.thisLayerDown(f.binding.protocolNumber())
		f.initRestartCount(f.cfg.MaxTerminate)
		f.sendTerminateRequest("code reject")
		f.setState(stateStopping)
	}
}

// receiveEchoRequest replies in Opened with our magic number followed by
// the peer's echo data; in any other state the request is dropped.
func (f *fsm) receiveEchoRequest(pkt *ControlPacket) {
	if f.state != stateOpened {
		f.logger.Debug("dropping Echo-Request outside Opened",
			zap.String("protocol", f.binding.name()),
			zap.String("state", f.state.String()),
		)
		return
	}

	magic, ok := f.binding.(interface{ localMagic() uint32 })
	if !ok {
		f.sendCodeReject(pkt)
		return
	}

	body := f.echoBuf[:0]
	var m [4]byte
	binary.BigEndian.PutUint32(m[:], magic.localMagic())
	body = append(body, m[:]...)
	data := pkt.Data
	if len(data) > 4 {
		data = data[4:]
		if len(body)+len(data) > cap(f.echoBuf) {
			data = data[:cap(f.echoBuf)-len(body)]
		}
		body = append(body, data...)
	}
	f.hooks.sendPacket(f.binding.protocolNumber(), CodeEchoReply, pkt.Identifier, body)
}

// sendEchoRequest transmits an Echo-Request carrying the local magic
// number. Returns the identifier used, or 0 if not Opened.
func (f *fsm) sendEchoRequest() uint8 {
	if f.state != stateOpened {
		return 0
	}
	magic, ok := f.binding.(interface{ localMagic() uint32 })
	if !ok {
		return 0
	}
	f.identifier++
	var body [4]byte
	binary.BigEndian.PutUint32(body[:], magic.localMagic())
	f.hooks.sendPacket(f.binding.protocolNumber(), CodeEchoRequest, f.identifier, body[:])
	return f.identifier
}

func (f *fsm) sendConfigureRequest() {
	f.identifier++
	f.lastIdentifier = f.identifier

	w := optionWriter{buf: f.optBuf[:]}
	f.binding.appendOwnOptions(&w)

	f.hooks.sendPacket(f.binding.protocolNumber(), CodeConfigureRequest, f.identifier, w.bytes())
	f.restartCount--
	f.startTimer()
}

func (f *fsm) sendTerminateRequest(reason string) {
	f.identifier++
	f.hooks.sendPacket(f.binding.protocolNumber(), CodeTerminateRequest, f.identifier, []byte(reason))
	f.restartCount--
	f.startTimer()
}

func (f *fsm) sendTerminateAck(identifier uint8) {
	f.hooks.sendPacket(f.binding.protocolNumber(), CodeTerminateAck, identifier, nil)
}

// sendCodeReject rejects an unknown code, echoing the offending packet.
func (f *fsm) sendCodeReject(rejected *ControlPacket) {
	f.identifier++
	w := optionWriter{buf: f.optBuf[:]}
	body := w.buf[:0]
	body = append(body, rejected.Code, rejected.Identifier)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(4+len(rejected.Data)))
	body = append(body, l[:]...)
	n := len(rejected.Data)
	if len(body)+n > cap(w.buf) {
		n = cap(w.buf) - len(body)
	}
	body = append(body, rejected.Data[:n]...)
	f.hooks.sendPacket(f.binding.protocolNumber(), CodeCodeReject, f.identifier, body)
}

// sendProtocolReject reports an unsupported PPP protocol through LCP.
func (f *fsm) sendProtocolReject(protocol uint16, info []byte) {
	f.identifier++
	body := f.optBuf[:0]
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], protocol)
	body = append(body, p[:]...)
	n := len(info)
	if len(body)+n > cap(f.optBuf) {
		n = cap(f.optBuf) - len(body)
	}
	body = append(body, info[:n]...)
	f.hooks.sendPacket(ProtocolLCP, CodeProtocolReject, f.identifier, body)
}

func (f *fsm) initRestartCount(count int) {
	f.restartCount = count
}

func (f *fsm) startTimer() {
	f.deadline = f.hooks.now() + f.cfg.RestartTimerMs
}

func (f *fsm) stopTimer() {
	f.deadline = 0
}

func (f *fsm) isOpened() bool {
	return f.state == stateOpened
}
