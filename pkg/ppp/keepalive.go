// This file implements LCP Echo keep-alive per RFC 1661 section 5.8,
// driven by the caller's clock instead of a background loop.
package ppp

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// keepAlive tracks the echo schedule for one link. It is inert while the
// interval is zero or LCP is not Opened.
type keepAlive struct {
	logger *zap.Logger

	intervalMs  int64
	maxFailures int

	failures  int
	pending   bool
	pendingID uint8
	deadline  int64

	// dead is latched when maxFailures consecutive echoes go unanswered.
	// The engine reads and clears it.
	dead bool
}

func newKeepAlive(intervalMs int64, maxFailures int, logger *zap.Logger) *keepAlive {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &keepAlive{
		logger:      logger,
		intervalMs:  intervalMs,
		maxFailures: maxFailures,
	}
}

func (k *keepAlive) reset(now int64) {
	k.failures = 0
	k.pending = false
	k.dead = false
	if k.intervalMs > 0 {
		k.deadline = now + k.intervalMs
	} else {
		k.deadline = 0
	}
}

func (k *keepAlive) stop() {
	k.deadline = 0
	k.pending = false
}

// pollTimer sends an Echo-Request through lcpFSM when the interval
// elapses, counting unanswered requests. Returns the pending deadline.
func (k *keepAlive) pollTimer(now int64, lcpFSM *fsm, metrics *Metrics) int64 {
	if k.intervalMs <= 0 || k.deadline == 0 {
		return 0
	}
	if !lcpFSM.isOpened() {
		k.stop()
		return 0
	}
	if now < k.deadline {
		return k.deadline
	}

	if k.pending {
		k.failures++
		k.logger.Debug("echo went unanswered", zap.Int("failures", k.failures))
		if k.failures >= k.maxFailures {
			k.logger.Warn("peer stopped answering echo requests",
				zap.Int("failures", k.failures),
			)
			k.dead = true
			k.stop()
			return 0
		}
	}

	k.pendingID = lcpFSM.sendEchoRequest()
	k.pending = k.pendingID != 0
	metrics.echoRequest()
	k.deadline = now + k.intervalMs
	return k.deadline
}

// onEchoReply clears the pending echo when the reply matches. A reply
// carrying our own magic number is loopback evidence.
func (k *keepAlive) onEchoReply(identifier uint8, data []byte, localMagic uint32, metrics *Metrics) bool {
	metrics.echoReply()
	if k.pending && identifier == k.pendingID {
		k.pending = false
		k.failures = 0
	}
	if len(data) >= 4 && binary.BigEndian.Uint32(data[:4]) == localMagic {
		k.logger.Warn("echo reply carries our own magic number, link is looped back")
		return true
	}
	return false
}
