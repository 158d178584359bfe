package l2cap

import (
	"go.uber.org/zap"
)

// txFrame is one queued I-frame. The control field is stamped when the frame
// goes on the wire so retransmissions carry the current acknowledgement.
type txFrame struct {
	txSeq   uint8
	sar     SAR
	sduLen  int // -1 unless sar is SARStart
	payload []byte
	retries uint8
}

// seqOffset is the distance from b to a modulo 64.
func seqOffset(a, b uint8) uint8 {
	return (a - b) & 0x3F
}

func nextSeq(s uint8) uint8 {
	return (s + 1) & 0x3F
}

// resetSequences zeroes the sequence state once configuration completes.
func (c *Channel) resetSequences() {
	c.nextTxSeq = 0
	c.expectedTxSeq = 0
	c.expectedAckSeq = 0
	c.bufferSeq = 0
	c.unackedFrames = 0
	c.framesSent = 0
	c.numAcked = 0
	c.txQ, c.txSendHead = nil, 0
	c.sdu, c.sduLen = nil, 0
}

func (c *Channel) ertmInit() {
	c.retryCount = 0
	c.connState = 0
	c.srejQ, c.srejL = nil, nil
	c.busySDU = nil
	if c.retransTimeout == 0 {
		c.retransTimeout = c.stack.cfg.RetransmissionTimeout
	}
	if c.monitorTimeout == 0 {
		c.monitorTimeout = c.stack.cfg.MonitorTimeout
	}
	if c.remoteTxWin == 0 {
		c.remoteTxWin = DefaultTxWin
	}
}

// queueSDU segments sdu into I-frames of at most remoteMPS information bytes
// and appends them to the transmit queue.
func (c *Channel) queueSDU(sdu []byte) {
	mps := int(c.remoteMPS)
	if mps <= sduLenSize {
		mps = int(DefaultMaxPDU)
	}
	if len(sdu) <= mps {
		c.txQ = append(c.txQ, &txFrame{
			sar:     SARUnsegmented,
			sduLen:  -1,
			payload: append([]byte(nil), sdu...),
		})
		return
	}

	n := mps - sduLenSize
	c.txQ = append(c.txQ, &txFrame{
		sar:     SARStart,
		sduLen:  len(sdu),
		payload: append([]byte(nil), sdu[:n]...),
	})
	rest := sdu[n:]
	for len(rest) > mps {
		c.txQ = append(c.txQ, &txFrame{
			sar:     SARContinue,
			sduLen:  -1,
			payload: append([]byte(nil), rest[:mps]...),
		})
		rest = rest[mps:]
	}
	c.txQ = append(c.txQ, &txFrame{
		sar:     SAREnd,
		sduLen:  -1,
		payload: append([]byte(nil), rest...),
	})
}

func (c *Channel) transmitIFrame(f *txFrame, ctrl Control) {
	fcs := c.opts.FCS == FCSCRC16
	pdu := buildPDU(c.dcid, ctrl, f.sduLen, f.payload, fcs)
	if fcs {
		putFCS(pdu)
	}
	c.sendPDU(pdu, "iframe")
}

func (c *Channel) txWindowFull() bool {
	return seqOffset(c.nextTxSeq, c.expectedAckSeq) >= c.remoteTxWin
}

// ertmSend transmits queued frames while the peer's window allows and
// returns how many went out.
func (c *Channel) ertmSend() int {
	if c.State() != StateConnected {
		return 0
	}
	n := 0
	for c.txSendHead < len(c.txQ) {
		if c.txWindowFull() || c.connState.has(connRemoteBusy) {
			break
		}
		f := c.txQ[c.txSendHead]
		if c.remoteMaxTx != 0 && f.retries == c.remoteMaxTx {
			c.logger.Info("frame exceeded max transmit", zap.Uint8("txseq", f.txSeq))
			c.sendDisconnReq(ErrConnAborted)
			break
		}
		f.txSeq = c.nextTxSeq
		ctrl := NewIControl(f.txSeq, c.bufferSeq, f.sar, c.connState.testAndClear(connSendFBit))
		c.transmitIFrame(f, ctrl)
		f.retries++
		if f.retries == 1 {
			c.unackedFrames++
		} else {
			c.stack.metrics.retransmissions.Inc()
		}
		if !c.monitorTimer.active() {
			c.retransTimer.setIfIdle(c.retransTimeout)
		}
		c.nextTxSeq = nextSeq(c.nextTxSeq)
		c.framesSent++
		c.txSendHead++
		n++
	}
	if n > 0 {
		c.ackTimer.clear()
		c.numAcked = 0
	}
	return n
}

// streamingSend transmits every queued frame; nothing is kept for
// retransmission.
func (c *Channel) streamingSend() {
	for _, f := range c.txQ {
		f.txSeq = c.nextTxSeq
		c.transmitIFrame(f, NewIControl(f.txSeq, 0, f.sar, false))
		c.nextTxSeq = nextSeq(c.nextTxSeq)
		c.framesSent++
	}
	c.txQ, c.txSendHead = nil, 0
}

// ackUpTo records that the peer has received every frame before reqSeq.
func (c *Channel) ackUpTo(reqSeq uint8) {
	progress := reqSeq != c.expectedAckSeq
	c.expectedAckSeq = reqSeq
	c.dropAckedFrames()
	if progress && c.unackedFrames > 0 && !c.monitorTimer.active() {
		c.retransTimer.set(c.retransTimeout)
	}
}

func (c *Channel) dropAckedFrames() {
	for len(c.txQ) > 0 && c.unackedFrames > 0 {
		if c.txQ[0].txSeq == c.expectedAckSeq {
			break
		}
		c.txQ[0] = nil
		c.txQ = c.txQ[1:]
		c.txSendHead--
		c.unackedFrames--
	}
	if c.unackedFrames == 0 {
		c.retransTimer.clear()
	}
}

// retransmitFrames rewinds the send cursor to the oldest unacknowledged
// frame and sends again from there.
func (c *Channel) retransmitFrames() int {
	c.txSendHead = 0
	c.nextTxSeq = c.expectedAckSeq
	return c.ertmSend()
}

// retransmitOneFrame resends the frame the peer selectively rejected.
func (c *Channel) retransmitOneFrame(txSeq uint8) {
	var f *txFrame
	for _, fr := range c.txQ[:c.txSendHead] {
		if fr.txSeq == txSeq {
			f = fr
			break
		}
	}
	if f == nil {
		return
	}
	if c.remoteMaxTx != 0 && f.retries == c.remoteMaxTx {
		c.logger.Info("frame exceeded max transmit", zap.Uint8("txseq", f.txSeq))
		c.sendDisconnReq(ErrConnAborted)
		return
	}
	ctrl := NewIControl(f.txSeq, c.bufferSeq, f.sar, c.connState.testAndClear(connSendFBit))
	c.transmitIFrame(f, ctrl)
	f.retries++
	c.stack.metrics.retransmissions.Inc()
}

// sendSFrame sends a supervisory frame, adding a pending poll or final bit.
func (c *Channel) sendSFrame(s Supervisory, reqSeq uint8, poll, final bool) {
	if c.connState.testAndClear(connSendFBit) {
		final = true
	}
	if c.connState.testAndClear(connSendPBit) {
		poll = true
	}
	fcs := c.opts.FCS == FCSCRC16
	pdu := buildPDU(c.dcid, NewSControl(s, reqSeq, poll, final), -1, nil, fcs)
	if fcs {
		putFCS(pdu)
	}
	c.sendPDU(pdu, s.String())
}

// sendRROrRNR reports our receive state, RNR while locally busy.
func (c *Channel) sendRROrRNR(poll bool) {
	s := SupervisoryReceiverReady
	if c.connState.has(connLocalBusy) {
		s = SupervisoryReceiverNotReady
		c.connState.set(connRNRSent)
	}
	c.sendSFrame(s, c.bufferSeq, poll, false)
}

// sendAck acknowledges received frames, piggybacked on I-frames when there
// is data waiting.
func (c *Channel) sendAck() {
	c.ackTimer.clear()
	c.numAcked = 0
	if c.connState.has(connLocalBusy) {
		c.sendSFrame(SupervisoryReceiverNotReady, c.bufferSeq, false, false)
		c.connState.set(connRNRSent)
		return
	}
	if c.ertmSend() > 0 {
		return
	}
	c.sendSFrame(SupervisoryReceiverReady, c.bufferSeq, false, false)
}

// sendIOrRROrRNR answers a poll. The final bit rides on the first frame that
// goes out.
func (c *Channel) sendIOrRROrRNR() {
	c.framesSent = 0
	if c.connState.has(connLocalBusy) {
		c.sendSFrame(SupervisoryReceiverNotReady, c.bufferSeq, false, false)
		c.connState.set(connRNRSent)
	}
	if c.connState.testAndClear(connRemoteBusy) {
		c.retransmitFrames()
	} else {
		c.ertmSend()
	}
	if !c.connState.has(connLocalBusy) && c.framesSent == 0 {
		c.sendSFrame(SupervisoryReceiverReady, c.bufferSeq, false, false)
	}
}

func (c *Channel) retransTimeoutExpired() {
	if c.State() != StateConnected {
		return
	}
	c.retryCount = 1
	c.monitorTimer.set(c.monitorTimeout)
	c.connState.set(connWaitF)
	c.sendRROrRNR(true)
}

func (c *Channel) monitorTimeoutExpired() {
	if c.State() != StateConnected {
		return
	}
	if c.remoteMaxTx != 0 && c.retryCount >= c.remoteMaxTx {
		c.logger.Info("peer stopped answering polls", zap.Uint8("retries", c.retryCount))
		c.sendDisconnReq(ErrConnAborted)
		return
	}
	c.retryCount++
	c.monitorTimer.set(c.monitorTimeout)
	c.sendRROrRNR(true)
}

func (c *Channel) ackTimeoutExpired() {
	if c.State() != StateConnected {
		return
	}
	c.sendAck()
}
