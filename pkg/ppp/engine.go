// This file implements the top-level PPP engine: the link phase machine,
// the protocol mux and the caller-facing sans-I/O API.
package ppp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase is the PPP link phase per RFC 1661 section 3.2.
type Phase int

const (
	PhaseDead Phase = iota
	PhaseEstablish
	PhaseAuthenticate
	PhaseNetwork
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "Dead"
	case PhaseEstablish:
		return "Establish"
	case PhaseAuthenticate:
		return "Authenticate"
	case PhaseNetwork:
		return "Network"
	case PhaseTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// ErrorKind classifies out-of-band protocol failures surfaced as events.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorFrameTooLong
	ErrorMalformedPacket
	ErrorNegotiationFailed
	ErrorAuthFailed
	ErrorLoopbackDetected
	ErrorKeepaliveTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "None"
	case ErrorFrameTooLong:
		return "FrameTooLong"
	case ErrorMalformedPacket:
		return "MalformedPacket"
	case ErrorNegotiationFailed:
		return "NegotiationFailed"
	case ErrorAuthFailed:
		return "AuthFailed"
	case ErrorLoopbackDetected:
		return "LoopbackDetected"
	case ErrorKeepaliveTimeout:
		return "KeepaliveTimeout"
	default:
		return "Unknown"
	}
}

// Synchronous errors returned from the API.
var (
	ErrNotReady     = errors.New("link is not in the network phase")
	ErrTooLarge     = errors.New("packet exceeds the peer MRU")
	ErrInvalidState = errors.New("operation not valid in the current phase")
)

// EventKind discriminates the Event union.
type EventKind int

const (
	EventNone EventKind = iota
	EventReceived
	EventStatus
	EventError
)

// Event is what Consume hands back to the caller. A Received packet slice
// is valid only until the next call into the engine.
type Event struct {
	Kind   EventKind
	Packet []byte
	Status Status
	Err    ErrorKind
}

// Status describes the negotiated IPv4 link.
type Status struct {
	LinkUp   bool
	IPv4     net.IP
	PeerIPv4 net.IP
	DNS1     net.IP
	DNS2     net.IP
	MTU      uint16
}

// ActionKind discriminates the Action union.
type ActionKind int

const (
	ActionIdle ActionKind = iota
	ActionWait
	ActionTransmit
)

// Action is what Poll and Send hand back to the caller. Transmit data is
// valid only until the next call into the engine; Wait carries the next
// timer deadline in caller milliseconds.
type Action struct {
	Kind     ActionKind
	Data     []byte
	Deadline int64
}

// Config configures an Engine.
type Config struct {
	Username      string // PAP peer-id, at most 64 bytes
	Password      string // PAP password, at most 64 bytes
	RequestedIPv4 net.IP // address to request via IPCP, nil = assigned by peer
	EnableDNS     bool   // request DNS servers via IPCP

	RestartTimer time.Duration // control protocol restart timer, default 3s
	MaxConfigure int           // default 10
	MaxTerminate int           // default 2
	MaxFailure   int           // default 5

	KeepaliveInterval    time.Duration // LCP echo interval, 0 disables
	KeepaliveMaxFailures int           // unanswered echoes before re-establish, default 3

	Logger  *zap.Logger // nil for no logging
	Metrics *Metrics    // nil for no metrics
}

// DefaultConfig returns the defaults used against common pppd setups.
func DefaultConfig() Config {
	return Config{
		EnableDNS:            true,
		RestartTimer:         3 * time.Second,
		MaxConfigure:         10,
		MaxTerminate:         2,
		MaxFailure:           5,
		KeepaliveMaxFailures: 3,
	}
}

const (
	txQueueSize = 8
	// txEntryLen bounds one queued control packet body. The largest
	// producers are PAP (2 + two 64-byte credentials) and Code-Reject.
	txEntryLen = 192
	// txScratchSize fits a worst-case fully escaped MRU-sized frame.
	txScratchSize = 2*(defaultMRU+10) + 2
	eventQueueLen = 16
)

type txEntry struct {
	protocol   uint16
	code       uint8
	identifier uint8
	bodyLen    int
	body       [txEntryLen]byte
}

// Engine is a complete sans-I/O PPP endpoint. It owns no OS resources,
// spawns no goroutines and performs no I/O; all effects are values
// returned from Consume, Poll and Send. It must be driven from a single
// goroutine.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	phase      Phase
	linkUp     bool
	userClosed bool
	// failureReported suppresses a duplicate NegotiationFailed event when
	// the engine itself initiated the teardown.
	failureReported bool

	reader frameReader

	lcpB    *lcp
	lcpFSM  *fsm
	ipcpB   *ipcp
	ipcpFSM *fsm
	pap     *pap
	ka      *keepAlive

	txq    [txQueueSize]txEntry
	txHead int
	txLen  int
	txBuf  [txScratchSize]byte

	events  [eventQueueLen]Event
	evHead  int
	evLen   int
	evDrops int

	nowMs int64
}

// New creates an Engine in phase Dead.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Username) > maxCredentialLen {
		return nil, fmt.Errorf("username exceeds %d bytes", maxCredentialLen)
	}
	if len(cfg.Password) > maxCredentialLen {
		return nil, fmt.Errorf("password exceeds %d bytes", maxCredentialLen)
	}
	if cfg.RequestedIPv4 != nil && cfg.RequestedIPv4.To4() == nil {
		return nil, fmt.Errorf("requested address %v is not IPv4", cfg.RequestedIPv4)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", uuid.NewString()))

	fsmCfg := defaultFSMConfig()
	if cfg.RestartTimer > 0 {
		fsmCfg.RestartTimerMs = cfg.RestartTimer.Milliseconds()
	}
	if cfg.MaxConfigure > 0 {
		fsmCfg.MaxConfigure = cfg.MaxConfigure
	}
	if cfg.MaxTerminate > 0 {
		fsmCfg.MaxTerminate = cfg.MaxTerminate
	}
	if cfg.MaxFailure > 0 {
		fsmCfg.MaxFailure = cfg.MaxFailure
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		phase:   PhaseDead,
	}

	e.lcpB = newLCP(logger)
	e.lcpFSM = newFSM(e.lcpB, e, fsmCfg, logger)
	e.ipcpB = newIPCP(cfg.RequestedIPv4, cfg.EnableDNS, logger)
	e.ipcpFSM = newFSM(e.ipcpB, e, fsmCfg, logger)
	e.pap = newPAP(cfg.Username, cfg.Password, e, logger)
	e.ka = newKeepAlive(cfg.KeepaliveInterval.Milliseconds(), cfg.KeepaliveMaxFailures, logger)
	e.lcpFSM.onEchoReply = e.onEchoReply

	return e, nil
}

// Phase returns the current link phase.
func (e *Engine) Phase() Phase {
	return e.phase
}

// Status returns the current link status.
func (e *Engine) Status() Status {
	return e.buildStatus()
}

// Open starts bringing the link up. Valid only in phase Dead.
func (e *Engine) Open() error {
	if e.phase != PhaseDead {
		return ErrInvalidState
	}
	e.logger.Info("opening link")
	e.userClosed = false
	e.failureReported = false
	e.phase = PhaseEstablish
	e.reader.reset()
	// A previous run may have left the automaton in Stopped; cycle the
	// lower layer so Open always restarts negotiation.
	if e.lcpFSM.state == stateStopped {
		e.lcpFSM.down()
	}
	e.lcpFSM.open()
	e.lcpFSM.up()
	return nil
}

// Close starts a clean shutdown: an LCP Terminate exchange followed by a
// return to phase Dead. Safe to call in any phase.
func (e *Engine) Close() {
	if e.phase == PhaseDead {
		return
	}
	e.logger.Info("closing link")
	e.userClosed = true
	e.phase = PhaseTerminate
	e.ka.stop()
	e.pap.reset()
	e.lcpFSM.close("user close")
}

// Consume feeds received serial bytes into the engine. It returns the
// number of bytes consumed and at most one event; the caller should keep
// calling with the remaining bytes (and then with an empty slice) until it
// has consumed everything and the engine reports EventNone.
func (e *Engine) Consume(data []byte) (int, Event) {
	if e.evLen > 0 {
		return 0, e.popEvent()
	}

	consumed := 0
	for consumed < len(data) {
		n, res := e.reader.consume(data[consumed:])
		consumed += n

		switch res {
		case readNone:
			return consumed, Event{Kind: EventNone}
		case readFrame:
			e.processFrame(e.reader.protocol, e.reader.payload)
		case readTooLong:
			e.logger.Warn("dropping frame: receive buffer exceeded")
			e.metrics.frameDropped("too_long")
			e.pushError(ErrorFrameTooLong)
		case readBadFCS:
			// Silent per RFC 1662; surfaced through metrics only.
			e.logger.Debug("dropping frame: FCS mismatch")
			e.metrics.fcsError()
		case readBadFrame:
			e.logger.Debug("dropping frame: malformed framing")
			e.metrics.frameDropped("malformed")
		}

		if e.evLen > 0 {
			return consumed, e.popEvent()
		}
	}
	return consumed, Event{Kind: EventNone}
}

// Poll advances the engine's timers to now (a monotonic millisecond
// clock supplied by the caller) and reports pending work: bytes to
// transmit, the next deadline to poll at, or nothing.
func (e *Engine) Poll(now int64) Action {
	e.nowMs = now

	deadline := e.lcpFSM.pollTimer(now)
	deadline = minDeadline(deadline, e.ipcpFSM.pollTimer(now))

	if e.phase == PhaseAuthenticate {
		deadline = minDeadline(deadline, e.pap.pollTimer(now))
		if e.pap.state == papFailed {
			e.failAuth()
		}
	}

	deadline = minDeadline(deadline, e.ka.pollTimer(now, e.lcpFSM, e.metrics))
	if e.ka.dead {
		e.ka.dead = false
		e.pushError(ErrorKeepaliveTimeout)
		e.restartLCP()
	}

	if e.txLen > 0 {
		return e.transmitNext()
	}
	if deadline > 0 {
		return Action{Kind: ActionWait, Deadline: deadline}
	}
	return Action{Kind: ActionIdle}
}

// Send frames an outgoing IPv4 packet. The returned transmit data is
// valid until the next call into the engine.
func (e *Engine) Send(pkt []byte) (Action, error) {
	if e.phase != PhaseNetwork || !e.linkUp {
		return Action{Kind: ActionIdle}, ErrNotReady
	}
	if len(pkt) > int(e.lcpB.peer.MRU) {
		return Action{Kind: ActionIdle}, ErrTooLarge
	}

	n, err := writeFrame(e.txBuf[:], e.lcpB.txACCM(), ProtocolIP, pkt)
	if err != nil {
		return Action{Kind: ActionIdle}, ErrTooLarge
	}
	e.metrics.frameSent()
	return Action{Kind: ActionTransmit, Data: e.txBuf[:n]}, nil
}

// processFrame dispatches one verified frame to its protocol handler.
func (e *Engine) processFrame(protocol uint16, payload []byte) {
	e.metrics.frameReceived()

	switch protocol {
	case ProtocolLCP:
		if e.phase == PhaseDead {
			return
		}
		if err := e.lcpFSM.handle(payload); err != nil {
			e.logger.Debug("malformed LCP packet", zap.Error(err))
			e.metrics.frameDropped("malformed")
			e.pushError(ErrorMalformedPacket)
			return
		}
		if e.lcpB.loopback {
			e.lcpB.loopback = false
			e.logger.Warn("loopback detected, restarting LCP with a fresh magic number")
			e.pushError(ErrorLoopbackDetected)
			e.restartLCP()
		}

	case ProtocolPAP:
		if e.phase != PhaseAuthenticate {
			return
		}
		if err := e.pap.handle(payload); err != nil {
			e.metrics.frameDropped("malformed")
			e.pushError(ErrorMalformedPacket)
			return
		}
		switch e.pap.state {
		case papOpened:
			e.metrics.auth("success")
			e.phase = PhaseNetwork
			e.openIPCP()
		case papFailed:
			e.failAuth()
		}

	case ProtocolIPCP:
		if e.phase != PhaseNetwork {
			return
		}
		if err := e.ipcpFSM.handle(payload); err != nil {
			e.metrics.frameDropped("malformed")
			e.pushError(ErrorMalformedPacket)
			return
		}
		if e.ipcpB.aborted {
			e.ipcpB.aborted = false
			e.failNegotiation("IPCP", "peer has no address for us")
		}

	case ProtocolIP:
		if e.phase != PhaseNetwork || !e.linkUp {
			e.metrics.frameDropped("not_ready")
			return
		}
		e.pushEvent(Event{Kind: EventReceived, Packet: payload})

	default:
		e.metrics.frameDropped("unknown_protocol")
		if e.lcpFSM.isOpened() {
			e.lcpFSM.sendProtocolReject(protocol, payload)
		}
	}
}

// fsmHooks implementation

func (e *Engine) now() int64 {
	return e.nowMs
}

// sendPacket queues one control packet for transmission.
func (e *Engine) sendPacket(protocol uint16, code, identifier uint8, body []byte) {
	if len(body) > txEntryLen {
		e.logger.Error("control packet too large for transmit queue",
			zap.Uint16("protocol", protocol),
			zap.Int("len", len(body)),
		)
		return
	}
	if e.txLen == txQueueSize {
		e.logger.Warn("transmit queue full, dropping control packet",
			zap.Uint16("protocol", protocol),
			zap.Uint8("code", code),
		)
		e.metrics.frameDropped("tx_queue_full")
		return
	}
	entry := &e.txq[(e.txHead+e.txLen)%txQueueSize]
	entry.protocol = protocol
	entry.code = code
	entry.identifier = identifier
	entry.bodyLen = copy(entry.body[:], body)
	e.txLen++
}

func (e *Engine) transmitNext() Action {
	entry := &e.txq[e.txHead]
	e.txHead = (e.txHead + 1) % txQueueSize
	e.txLen--

	var hdr [4]byte
	hdr[0] = entry.code
	hdr[1] = entry.identifier
	binary.BigEndian.PutUint16(hdr[2:4], uint16(4+entry.bodyLen))

	// Control traffic always escapes conservatively; the negotiated ACCM
	// applies to data frames only.
	n, err := writeFrame(e.txBuf[:], accmEscapeAll, entry.protocol, hdr[:], entry.body[:entry.bodyLen])
	if err != nil {
		e.logger.Error("control frame overflowed transmit buffer", zap.Error(err))
		return Action{Kind: ActionIdle}
	}
	e.metrics.frameSent()
	return Action{Kind: ActionTransmit, Data: e.txBuf[:n]}
}

func (e *Engine) thisLayerUp(protocol uint16) {
	switch protocol {
	case ProtocolLCP:
		e.metrics.negotiation("lcp", "opened")
		e.ka.reset(e.nowMs)
		switch e.lcpB.authRequired() {
		case ProtocolPAP:
			e.logger.Info("LCP opened, peer requires PAP")
			e.phase = PhaseAuthenticate
			e.pap.open()
		default:
			e.logger.Info("LCP opened")
			e.phase = PhaseNetwork
			e.openIPCP()
		}
	case ProtocolIPCP:
		e.metrics.negotiation("ipcp", "opened")
		e.linkUp = true
		st := e.buildStatus()
		e.logger.Info("IPv4 link is up",
			zap.String("address", ipString(st.IPv4)),
			zap.String("peer", ipString(st.PeerIPv4)),
			zap.Uint16("mtu", st.MTU),
		)
		e.pushEvent(Event{Kind: EventStatus, Status: st})
	}
}

func (e *Engine) thisLayerDown(protocol uint16) {
	switch protocol {
	case ProtocolLCP:
		e.logger.Info("LCP went down")
		e.ka.stop()
		e.pap.reset()
		e.ipcpFSM.down()
		if e.linkUp {
			e.linkUp = false
			e.pushEvent(Event{Kind: EventStatus, Status: e.buildStatus()})
		}
		if !e.userClosed {
			e.phase = PhaseEstablish
		}
	case ProtocolIPCP:
		if e.linkUp {
			e.linkUp = false
			e.pushEvent(Event{Kind: EventStatus, Status: e.buildStatus()})
		}
	}
}

func (e *Engine) thisLayerStarted(protocol uint16) {
	e.logger.Debug("layer started", zap.Uint16("protocol", protocol))
}

func (e *Engine) thisLayerFinished(protocol uint16) {
	switch protocol {
	case ProtocolLCP:
		e.logger.Info("LCP finished, link is dead")
		e.ka.stop()
		e.pap.reset()
		if e.phase != PhaseDead && !e.userClosed && !e.failureReported &&
			!e.lcpFSM.peerRequestedStop {
			e.metrics.negotiation("lcp", "failed")
			e.pushError(ErrorNegotiationFailed)
		}
		e.phase = PhaseDead
		e.linkUp = false
	case ProtocolIPCP:
		if e.userClosed || e.phase == PhaseDead {
			return
		}
		e.failNegotiation("IPCP", "negotiation exhausted")
	}
}

// failNegotiation reports a failed NCP negotiation and tears the link down.
func (e *Engine) failNegotiation(proto, reason string) {
	if e.failureReported {
		return
	}
	e.logger.Warn("negotiation failed",
		zap.String("protocol", proto),
		zap.String("reason", reason),
	)
	e.metrics.negotiation("ipcp", "failed")
	e.failureReported = true
	e.pushError(ErrorNegotiationFailed)
	e.phase = PhaseTerminate
	e.lcpFSM.close(reason)
}

// failAuth reports a failed PAP exchange and tears the link down.
func (e *Engine) failAuth() {
	if e.failureReported {
		return
	}
	e.logger.Warn("authentication failed")
	e.metrics.auth("failure")
	e.failureReported = true
	e.pap.reset()
	e.pushError(ErrorAuthFailed)
	e.phase = PhaseTerminate
	e.lcpFSM.close("authentication failed")
}

// openIPCP brings IPCP up, cycling it out of Stopped if an earlier
// negotiation attempt left it there.
func (e *Engine) openIPCP() {
	if e.ipcpFSM.state == stateStopped {
		e.ipcpFSM.down()
	}
	e.ipcpFSM.open()
	e.ipcpFSM.up()
}

// restartLCP cycles LCP down and up, resetting both option stores and
// generating a fresh magic number.
func (e *Engine) restartLCP() {
	e.lcpFSM.down()
	e.lcpFSM.up()
}

// onEchoReply feeds keep-alive accounting and loopback detection.
func (e *Engine) onEchoReply(identifier uint8, data []byte) {
	if e.ka.onEchoReply(identifier, data, e.lcpB.localMagic(), e.metrics) {
		e.pushError(ErrorLoopbackDetected)
		e.restartLCP()
	}
}

func (e *Engine) buildStatus() Status {
	st := Status{LinkUp: e.linkUp}
	if !e.linkUp {
		return st
	}
	ipv4 := e.ipcpB.status()
	st.IPv4 = u32ToIP(ipv4.Address)
	st.PeerIPv4 = u32ToIP(ipv4.PeerAddress)
	st.DNS1 = u32ToIP(ipv4.DNS1)
	st.DNS2 = u32ToIP(ipv4.DNS2)
	st.MTU = e.lcpB.ours.MRU
	if e.lcpB.peer.MRU < st.MTU {
		st.MTU = e.lcpB.peer.MRU
	}
	return st
}

func (e *Engine) pushError(kind ErrorKind) {
	e.pushEvent(Event{Kind: EventError, Err: kind})
}

func (e *Engine) pushEvent(ev Event) {
	if e.evLen == eventQueueLen {
		e.evDrops++
		e.logger.Warn("event queue full, dropping event", zap.Int("dropped", e.evDrops))
		return
	}
	e.events[(e.evHead+e.evLen)%eventQueueLen] = ev
	e.evLen++
}

func (e *Engine) popEvent() Event {
	ev := e.events[e.evHead]
	e.evHead = (e.evHead + 1) % eventQueueLen
	e.evLen--
	return ev
}

func minDeadline(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 || a < b {
		return a
	}
	return b
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "unassigned"
	}
	return ip.String()
}
