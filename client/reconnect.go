package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/cortexlab/instrclient/wire"
)

const reconnectInterval = 1 * time.Second

// runReconnectLadder retries Connect(lastGranted) every
// reconnectInterval until it succeeds or the error threshold is
// exceeded. Emits DisconnectWarning at most once after warningDelay
// elapses, and DisconnectError at most once after errorDelay elapses,
// after which no further attempts are made (spec.md §4.E, P7).
//
// Only one ladder runs at a time per client: handleUnexpectedDisconnect
// is the sole caller, and it only fires after a Connected->NotConnected
// transition it itself performed, so overlapping ladders cannot arise
// from the disconnect path alone. connectMu still serializes each
// retry's Connect call against any concurrent manual Connect().
func (c *Client) runReconnectLadder(lastGranted wire.AccessLevel) {
	c.ladderMu.Lock()
	if c.ladderRunning {
		c.ladderMu.Unlock()
		return
	}
	c.ladderRunning = true
	c.ladderMu.Unlock()
	defer func() {
		c.ladderMu.Lock()
		c.ladderRunning = false
		c.ladderMu.Unlock()
	}()

	start := time.Now()
	warningEmitted := false

	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.connectMu.Lock()
		ok := c.connectLocked(lastGranted)
		c.connectMu.Unlock()
		if ok {
			return
		}

		elapsed := time.Since(start)

		if elapsed > c.errorDelay() {
			c.events.emitDisconnectError()
			return
		}
		if !warningEmitted && elapsed > c.warningDelay() {
			c.events.emitDisconnectWarning()
			warningEmitted = true
		}
	}
}
