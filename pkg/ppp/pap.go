// This file implements the client side of PAP per RFC 1334: a single
// configured credential sent in Authenticate-Request until acknowledged.
package ppp

import (
	"go.uber.org/zap"
)

type papState int

const (
	papClosed papState = iota
	papReqSent
	papOpened
	papFailed
)

func (s papState) String() string {
	switch s {
	case papClosed:
		return "Closed"
	case papReqSent:
		return "Req-Sent"
	case papOpened:
		return "Opened"
	case papFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const (
	papRetryMs     = 3000
	papMaxAttempts = 10
)

// pap is the client authenticator: it retransmits one Authenticate-Request
// until the peer acks, naks or the attempts run out.
type pap struct {
	logger *zap.Logger
	hooks  fsmHooks

	username string
	password string

	state      papState
	identifier uint8
	attempts   int
	deadline   int64

	reqBuf [2 + maxCredentialLen*2]byte
}

// maxCredentialLen bounds the username and password lengths.
const maxCredentialLen = 64

func newPAP(username, password string, hooks fsmHooks, logger *zap.Logger) *pap {
	return &pap{
		logger:   logger,
		hooks:    hooks,
		username: username,
		password: password,
		state:    papClosed,
	}
}

func (p *pap) reset() {
	p.state = papClosed
	p.attempts = 0
	p.deadline = 0
}

// open starts authenticating. The identifier stays fixed across
// retransmissions per RFC 1334 section 2.2.1.
func (p *pap) open() {
	p.state = papReqSent
	p.identifier = 1
	p.attempts = 0
	p.sendAuthRequest()
}

func (p *pap) sendAuthRequest() {
	body := p.reqBuf[:0]
	body = append(body, uint8(len(p.username)))
	body = append(body, p.username...)
	body = append(body, uint8(len(p.password)))
	body = append(body, p.password...)

	p.hooks.sendPacket(ProtocolPAP, PAPCodeAuthRequest, p.identifier, body)
	p.attempts++
	p.deadline = p.hooks.now() + papRetryMs
}

// pollTimer retransmits on expiry, failing after the attempts run out.
// Returns the pending deadline (0 if none).
func (p *pap) pollTimer(now int64) int64 {
	if p.state != papReqSent {
		return 0
	}
	if p.deadline == 0 || now < p.deadline {
		return p.deadline
	}
	if p.attempts >= papMaxAttempts {
		p.logger.Warn("authentication timed out", zap.Int("attempts", p.attempts))
		p.state = papFailed
		p.deadline = 0
		return 0
	}
	p.sendAuthRequest()
	return p.deadline
}

// handle processes an incoming PAP packet.
func (p *pap) handle(data []byte) error {
	pkt, err := ParseControlPacket(data)
	if err != nil {
		return err
	}

	switch pkt.Code {
	case PAPCodeAuthAck:
		if p.state == papReqSent && pkt.Identifier == p.identifier {
			p.logger.Info("authentication succeeded", zap.String("username", p.username))
			p.state = papOpened
			p.deadline = 0
		}
	case PAPCodeAuthNak:
		if p.state == papReqSent && pkt.Identifier == p.identifier {
			p.logger.Warn("authentication rejected by peer", zap.String("username", p.username))
			p.state = papFailed
			p.deadline = 0
		}
	default:
		p.logger.Debug("unexpected PAP code", zap.Uint8("code", pkt.Code))
	}
	return nil
}
