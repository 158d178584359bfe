package l2cap

import (
	"encoding/binary"
	"errors"

	"go.uber.org/zap"
)

var (
	errLocalBusy  = errors.New("owner is busy")
	errReassembly = errors.New("invalid segmentation")
)

// rxFrame is an I-frame held back while a selective reject is outstanding.
type rxFrame struct {
	txSeq uint8
	sar   SAR
	info  []byte
}

// dataRecv handles a PDU addressed to a connection-oriented channel.
func (c *Channel) dataRecv(pdu []byte) {
	if c.conn == nil || c.State() != StateConnected {
		return
	}
	switch c.opts.Mode {
	case ModeERTM, ModeStreaming:
		_, ctrl, info, err := parsePDU(pdu, c.opts.FCS == FCSCRC16)
		if errors.Is(err, errFCS) {
			c.stack.metrics.fcsErrors.Inc()
			c.logger.Debug("dropping frame with bad fcs")
			return
		}
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			return
		}
		kind := "iframe"
		if ctrl.IsSFrame() {
			kind = ctrl.Super().String()
		}
		c.stack.metrics.framesReceived.WithLabelValues(kind).Inc()
		if c.opts.Mode == ModeERTM {
			c.ertmDataRecv(ctrl, info)
		} else {
			c.streamingDataRecv(ctrl, info)
		}
	default:
		c.stack.metrics.framesReceived.WithLabelValues("basic").Inc()
		info := pdu[headerSize:]
		if len(info) > int(c.opts.IMTU) {
			c.logger.Debug("dropping oversized sdu", zap.Int("len", len(info)))
			return
		}
		c.deliver(append([]byte(nil), info...))
	}
}

func (c *Channel) ertmDataRecv(ctrl Control, info []byte) {
	if len(info) > int(c.mps) {
		c.logger.Warn("frame exceeds mps", zap.Int("len", len(info)), zap.Uint16("mps", c.mps))
		c.sendDisconnReq(ErrConnReset)
		return
	}
	reqSeq := ctrl.ReqSeq()
	if seqOffset(reqSeq, c.expectedAckSeq) > seqOffset(c.nextTxSeq, c.expectedAckSeq) {
		c.logger.Warn("invalid reqseq",
			zap.Uint8("reqseq", reqSeq),
			zap.Uint8("expected_ack", c.expectedAckSeq),
			zap.Uint8("next_tx", c.nextTxSeq))
		c.sendDisconnReq(ErrConnReset)
		return
	}
	if !ctrl.IsSFrame() {
		c.iframe(ctrl, info)
		return
	}
	if len(info) != 0 {
		c.sendDisconnReq(ErrConnReset)
		return
	}
	c.sframe(ctrl)
}

// processFinal ends a poll cycle when the peer answers with the final bit.
func (c *Channel) processFinal(ctrl Control) {
	if !ctrl.Final() || !c.connState.has(connWaitF) {
		return
	}
	c.monitorTimer.clear()
	if c.unackedFrames > 0 {
		c.retransTimer.set(c.retransTimeout)
	}
	c.connState.clear(connWaitF)
}

func (c *Channel) iframe(ctrl Control, info []byte) {
	txSeq := ctrl.TxSeq()
	sar := ctrl.SAR()

	c.processFinal(ctrl)
	c.ackUpTo(ctrl.ReqSeq())

	if seqOffset(txSeq, c.bufferSeq) >= c.opts.TxWindow {
		c.logger.Warn("txseq outside receive window", zap.Uint8("txseq", txSeq))
		c.sendDisconnReq(ErrConnReset)
		return
	}
	if c.connState.has(connLocalBusy) {
		return
	}

	if txSeq != c.expectedTxSeq {
		c.unexpectedIFrame(txSeq, sar, info)
		return
	}

	c.expectedTxSeq = nextSeq(c.expectedTxSeq)
	if c.connState.has(connSREJSent) {
		c.srejQ = append(c.srejQ, &rxFrame{txSeq: txSeq, sar: sar, info: append([]byte(nil), info...)})
		c.finishSrej()
		return
	}

	switch err := c.reassemble(sar, info); {
	case errors.Is(err, errLocalBusy):
		c.bufferSeq = nextSeq(c.bufferSeq)
		c.enterLocalBusy()
	case err != nil:
		c.logger.Warn("reassembly failed", zap.Error(err))
		c.sendDisconnReq(ErrConnReset)
		return
	default:
		c.bufferSeq = nextSeq(c.bufferSeq)
	}

	if ctrl.Final() && !c.connState.testAndClear(connRejAct) {
		c.retransmitFrames()
	}
	if c.connState.has(connLocalBusy) {
		return
	}
	c.ackTimer.set(c.stack.cfg.AckTimeout)
	numToAck := int(c.opts.TxWindow)/6 + 1
	c.numAcked = (c.numAcked + 1) % numToAck
	if c.numAcked == numToAck-1 {
		c.sendAck()
	}
}

// unexpectedIFrame handles an I-frame that arrives out of sequence, starting
// or continuing selective reject recovery.
func (c *Channel) unexpectedIFrame(txSeq uint8, sar SAR, info []byte) {
	if !c.connState.has(connSREJSent) {
		if seqOffset(txSeq, c.bufferSeq) < seqOffset(c.expectedTxSeq, c.bufferSeq) {
			return
		}
		c.connState.set(connSREJSent)
		c.logger.Debug("entering selective reject", zap.Uint8("txseq", txSeq), zap.Uint8("expected", c.expectedTxSeq))
		c.srejL = c.srejL[:0]
		c.srejQ = c.srejQ[:0]
		c.bufferSeqSrej = c.bufferSeq
		c.addToSrejQueue(txSeq, sar, info)
		c.connState.set(connSendPBit)
		c.sendSrejFrame(txSeq)
		c.ackTimer.clear()
		return
	}

	if len(c.srejL) > 0 && c.srejL[0] == txSeq {
		c.addToSrejQueue(txSeq, sar, info)
		c.srejL = c.srejL[1:]
		c.finishSrej()
		return
	}
	for _, s := range c.srejL {
		if s == txSeq {
			if c.addToSrejQueue(txSeq, sar, info) {
				c.resendSrejFrame(txSeq)
				c.finishSrej()
			}
			return
		}
	}
	if seqOffset(txSeq, c.bufferSeq) < seqOffset(c.expectedTxSeq, c.bufferSeq) {
		return
	}
	if !c.addToSrejQueue(txSeq, sar, info) {
		return
	}
	c.sendSrejFrame(txSeq)
}

// addToSrejQueue inserts a frame ordered by its distance from bufferSeq. It
// reports false for a duplicate.
func (c *Channel) addToSrejQueue(txSeq uint8, sar SAR, info []byte) bool {
	f := &rxFrame{txSeq: txSeq, sar: sar, info: append([]byte(nil), info...)}
	off := seqOffset(txSeq, c.bufferSeq)
	for i, q := range c.srejQ {
		if q.txSeq == txSeq {
			return false
		}
		if seqOffset(q.txSeq, c.bufferSeq) > off {
			c.srejQ = append(c.srejQ, nil)
			copy(c.srejQ[i+1:], c.srejQ[i:])
			c.srejQ[i] = f
			return true
		}
	}
	c.srejQ = append(c.srejQ, f)
	return true
}

// checkSrejGap delivers queued frames that are now in sequence, starting at
// bufferSeqSrej.
func (c *Channel) checkSrejGap() {
	for len(c.srejQ) > 0 && !c.connState.has(connLocalBusy) {
		f := c.srejQ[0]
		if f.txSeq != c.bufferSeqSrej {
			break
		}
		c.srejQ[0] = nil
		c.srejQ = c.srejQ[1:]
		err := c.reassemble(f.sar, f.info)
		if err != nil && !errors.Is(err, errLocalBusy) {
			c.logger.Warn("reassembly failed", zap.Error(err))
			c.sendDisconnReq(ErrConnReset)
			return
		}
		c.bufferSeqSrej = nextSeq(c.bufferSeqSrej)
		if err != nil {
			c.enterLocalBusy()
		}
	}
}

// finishSrej delivers whatever the last arrival put back in sequence and
// leaves selective reject recovery once nothing is missing or held back.
func (c *Channel) finishSrej() {
	if !c.connState.has(connSREJSent) {
		return
	}
	c.checkSrejGap()
	if c.State() != StateConnected || len(c.srejL) > 0 || len(c.srejQ) > 0 {
		return
	}
	c.bufferSeq = c.bufferSeqSrej
	c.connState.clear(connSREJSent)
	c.logger.Debug("leaving selective reject", zap.Uint8("buffer_seq", c.bufferSeq))
	c.sendAck()
}

// sendSrejFrame requests every frame missing before txSeq.
func (c *Channel) sendSrejFrame(txSeq uint8) {
	for c.expectedTxSeq != txSeq {
		c.sendSFrame(SupervisorySelectiveReject, c.expectedTxSeq, false, false)
		c.srejL = append(c.srejL, c.expectedTxSeq)
		c.expectedTxSeq = nextSeq(c.expectedTxSeq)
	}
	c.expectedTxSeq = nextSeq(c.expectedTxSeq)
}

// resendSrejFrame repeats the selective rejects of frames still missing
// ahead of txSeq, which has now arrived.
func (c *Channel) resendSrejFrame(txSeq uint8) {
	for len(c.srejL) > 0 {
		s := c.srejL[0]
		c.srejL = c.srejL[1:]
		if s == txSeq {
			return
		}
		c.sendSFrame(SupervisorySelectiveReject, s, false, false)
		c.srejL = append(c.srejL, s)
	}
}

// sendSrejTail answers a poll during selective reject recovery. With nothing
// left to request the answer is an RR for bufferSeq.
func (c *Channel) sendSrejTail() {
	if len(c.srejL) == 0 {
		c.sendSFrame(SupervisoryReceiverReady, c.bufferSeq, false, false)
		return
	}
	c.sendSFrame(SupervisorySelectiveReject, c.srejL[len(c.srejL)-1], false, true)
}

func (c *Channel) sframe(ctrl Control) {
	c.processFinal(ctrl)
	switch ctrl.Super() {
	case SupervisoryReceiverReady:
		c.rrFrame(ctrl)
	case SupervisoryReject:
		c.rejFrame(ctrl)
	case SupervisorySelectiveReject:
		c.srejFrame(ctrl)
	case SupervisoryReceiverNotReady:
		c.rnrFrame(ctrl)
	}
}

func (c *Channel) rrFrame(ctrl Control) {
	c.ackUpTo(ctrl.ReqSeq())
	switch {
	case ctrl.Poll():
		c.connState.set(connSendFBit)
		if c.connState.has(connSREJSent) {
			if c.connState.has(connRemoteBusy) && c.unackedFrames > 0 {
				c.retransTimer.set(c.retransTimeout)
			}
			c.connState.clear(connRemoteBusy)
			c.sendSrejTail()
			return
		}
		c.sendIOrRROrRNR()
	case ctrl.Final():
		c.connState.clear(connRemoteBusy)
		if !c.connState.testAndClear(connRejAct) {
			c.retransmitFrames()
		}
	default:
		if c.connState.has(connRemoteBusy) && c.unackedFrames > 0 {
			c.retransTimer.set(c.retransTimeout)
		}
		c.connState.clear(connRemoteBusy)
		if c.connState.has(connSREJSent) {
			c.sendSrejTail()
		} else {
			c.ertmSend()
		}
	}
}

func (c *Channel) rejFrame(ctrl Control) {
	c.connState.clear(connRemoteBusy)
	c.ackUpTo(ctrl.ReqSeq())
	if ctrl.Final() {
		if !c.connState.testAndClear(connRejAct) {
			c.retransmitFrames()
		}
		return
	}
	c.retransmitFrames()
	if c.connState.has(connWaitF) {
		c.connState.set(connRejAct)
	}
}

func (c *Channel) srejFrame(ctrl Control) {
	txSeq := ctrl.ReqSeq()
	c.connState.clear(connRemoteBusy)
	switch {
	case ctrl.Poll():
		c.ackUpTo(txSeq)
		c.connState.set(connSendFBit)
		c.retransmitOneFrame(txSeq)
		c.ertmSend()
		if c.connState.has(connWaitF) {
			c.srejSaveReqSeq = txSeq
			c.connState.set(connSREJAct)
		}
	case ctrl.Final():
		if c.connState.has(connSREJAct) && c.srejSaveReqSeq == txSeq {
			c.connState.clear(connSREJAct)
			return
		}
		c.retransmitOneFrame(txSeq)
	default:
		c.retransmitOneFrame(txSeq)
		if c.connState.has(connWaitF) {
			c.srejSaveReqSeq = txSeq
			c.connState.set(connSREJAct)
		}
	}
}

func (c *Channel) rnrFrame(ctrl Control) {
	c.connState.set(connRemoteBusy)
	c.ackUpTo(ctrl.ReqSeq())
	if ctrl.Poll() {
		c.connState.set(connSendFBit)
	}
	if !c.connState.has(connSREJSent) {
		c.retransTimer.clear()
		if ctrl.Poll() {
			c.sendRROrRNR(false)
		}
		return
	}
	if ctrl.Poll() {
		c.sendSrejTail()
		return
	}
	c.sendSFrame(SupervisoryReceiverReady, c.bufferSeq, false, false)
}

// reassemble adds one I-frame payload to the SDU under construction and
// delivers the SDU once complete.
func (c *Channel) reassemble(sar SAR, info []byte) error {
	switch sar {
	case SARUnsegmented:
		if c.sdu != nil {
			return errReassembly
		}
		return c.deliver(append([]byte(nil), info...))
	case SARStart:
		if c.sdu != nil || len(info) < sduLenSize {
			return errReassembly
		}
		c.sduLen = int(binary.LittleEndian.Uint16(info))
		info = info[sduLenSize:]
		if c.sduLen > int(c.opts.IMTU) || len(info) >= c.sduLen {
			return errReassembly
		}
		c.sdu = append(make([]byte, 0, c.sduLen), info...)
	case SARContinue:
		if c.sdu == nil {
			return errReassembly
		}
		c.sdu = append(c.sdu, info...)
		if len(c.sdu) >= c.sduLen {
			return errReassembly
		}
	case SAREnd:
		if c.sdu == nil {
			return errReassembly
		}
		c.sdu = append(c.sdu, info...)
		if len(c.sdu) != c.sduLen {
			return errReassembly
		}
		sdu := c.sdu
		c.sdu, c.sduLen = nil, 0
		return c.deliver(sdu)
	}
	return nil
}

// deliver hands a complete SDU to the owner. In ERTM a refused SDU is kept
// for redelivery and errLocalBusy returned; other modes drop it.
func (c *Channel) deliver(sdu []byte) error {
	if err := c.ops.Recv(sdu); err != nil {
		if c.opts.Mode == ModeERTM {
			c.busySDU = sdu
			return errLocalBusy
		}
		c.logger.Warn("owner dropped sdu", zap.Int("len", len(sdu)), zap.Error(err))
		return nil
	}
	c.stack.metrics.sdusDelivered.Inc()
	return nil
}

// enterLocalBusy tells the peer to stop sending.
func (c *Channel) enterLocalBusy() {
	c.connState.set(connLocalBusy)
	c.logger.Debug("entering local busy", zap.Uint8("buffer_seq", c.bufferSeq))
	c.sendSFrame(SupervisoryReceiverNotReady, c.bufferSeq, false, false)
	c.connState.set(connRNRSent)
	c.ackTimer.clear()
}

// exitLocalBusy redelivers the held SDU and, once the owner takes it, polls
// the peer to resume.
func (c *Channel) exitLocalBusy() {
	if !c.connState.has(connLocalBusy) {
		return
	}
	if sdu := c.busySDU; sdu != nil {
		if err := c.ops.Recv(sdu); err != nil {
			return
		}
		c.busySDU = nil
		c.stack.metrics.sdusDelivered.Inc()
	}
	c.connState.clear(connLocalBusy)
	if c.connState.has(connSREJSent) {
		c.finishSrej()
		if c.connState.has(connLocalBusy) {
			return
		}
	}
	if c.connState.has(connRNRSent) {
		c.sendSFrame(SupervisoryReceiverReady, c.bufferSeq, true, false)
		c.retryCount = 1
		c.retransTimer.clear()
		c.monitorTimer.set(c.monitorTimeout)
		c.connState.set(connWaitF)
	}
	c.connState.clear(connRNRSent)
	c.logger.Debug("left local busy", zap.Uint8("buffer_seq", c.bufferSeq))
}

func (c *Channel) streamingDataRecv(ctrl Control, info []byte) {
	if ctrl.IsSFrame() || len(info) > int(c.mps) {
		c.logger.Debug("dropping streaming frame", zap.Int("len", len(info)))
		return
	}
	txSeq := ctrl.TxSeq()
	if txSeq != c.expectedTxSeq && c.sdu != nil {
		c.logger.Debug("discarding partial sdu", zap.Uint8("txseq", txSeq), zap.Uint8("expected", c.expectedTxSeq))
		c.sdu, c.sduLen = nil, 0
	}
	c.expectedTxSeq = nextSeq(txSeq)
	if err := c.reassemble(ctrl.SAR(), info); err != nil {
		c.logger.Debug("dropping streaming frame", zap.Error(err))
		c.sdu, c.sduLen = nil, 0
	}
}
