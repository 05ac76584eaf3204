package trunkline

import (
	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline/pkg/wire"
)

// iaxSubclassNeedsSeq reports whether a full frame of type IAX consumes a
// sequence number. ACK, INVAL, VNAK and the transfer probes do not.
func iaxSubclassNeedsSeq(subclass uint32) bool {
	switch subclass {
	case wire.IAXAck, wire.IAXInval, wire.IAXVNAK, wire.IAXTxAcc, wire.IAXTxCnt:
		return false
	}
	return true
}

func frameNeedsSeq(f *wire.FullFrame) bool {
	if f.Type != wire.FrameIAX {
		return true
	}
	return iaxSubclassNeedsSeq(f.Subclass)
}

// processFrame feeds a parsed frame from the reader thread into the
// transaction.
func (t *Transaction) processFrame(frame wire.Frame) {
	switch f := frame.(type) {
	case *wire.FullFrame:
		t.processFullFrame(f)
	case *wire.MiniFrame:
		t.processMiniFrame(f)
	}
}

func (t *Transaction) processFullFrame(f *wire.FullFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateTerminated {
		return
	}
	t.inTotalFrames++
	if t.rCallNo == 0 {
		t.rCallNo = f.SrcCall
	}

	// a full IAX frame must carry a parseable IE list; a bad one gets
	// INVAL and never advances the state machine
	if f.Type == wire.FrameIAX {
		if _, err := f.IEList(); err != nil {
			log.WithFields(t.logFields()).WithError(err).Debug("invalid IE list")
			t.inDroppedFrames++
			t.sendInvalLocked()
			return
		}
	}

	t.ackOutFramesLocked(f.ISeqNo)

	if !frameNeedsSeq(f) {
		switch f.Subclass {
		case wire.IAXAck:
			// bookkeeping above is all an ACK carries
		case wire.IAXInval:
			t.invalRecv = true
		case wire.IAXVNAK:
			t.retransmitFromLocked(f.ISeqNo)
		}
		return
	}

	switch {
	case f.OSeqNo == t.iSeqNo:
		t.iSeqNo++
		t.inFrames = append(t.inFrames, f)
		t.drainReorderLocked()
		t.lastVNAKValid = false
	case seqLess(f.OSeqNo, t.iSeqNo):
		// duplicate: our ACK was lost, repeat it
		t.inDroppedFrames++
		t.sendAckLocked(f)
	default:
		t.inOutOfOrderCount++
		t.bufferOutOfOrderLocked(f)
	}
}

// ackOutFramesLocked marks every parked frame covered by the remote's
// expected-incoming sequence number as acknowledged. Acknowledged auth
// frames get one long grace period for the user-driven next step.
func (t *Transaction) ackOutFramesLocked(iSeqNo uint8) {
	for _, of := range t.outFrames {
		if of.acked || !seqLess(of.frame.OSeqNo, iSeqNo) {
			continue
		}
		of.acked = true
		if of.auth && !of.authAdjusted {
			of.authAdjusted = true
			of.retransLeft = 1
			of.nextSendMS = t.engine.nowMS() + uint64(t.engine.cfg.AuthTimeoutS)*1000
		}
	}
}

// retransmitFromLocked answers a VNAK: resend every parked frame starting
// at the requested sequence number without touching its schedule.
func (t *Transaction) retransmitFromLocked(seqNo uint8) {
	for _, of := range t.outFrames {
		if seqLessEq(seqNo, of.frame.OSeqNo) {
			of.frame.Retrans = true
			t.sendFrameLocked(of)
		}
	}
}

// drainReorderLocked promotes buffered out-of-order frames that became
// in-order.
func (t *Transaction) drainReorderLocked() {
	for len(t.reorder) > 0 {
		f := t.reorder[0]
		if f.OSeqNo != t.iSeqNo {
			return
		}
		t.reorder = t.reorder[1:]
		t.iSeqNo++
		t.inFrames = append(t.inFrames, f)
	}
}

// bufferOutOfOrderLocked parks a future-sequenced frame and asks the
// remote to retransmit the gap. One VNAK per gap: repeats for the same
// expected sequence are suppressed.
func (t *Transaction) bufferOutOfOrderLocked(f *wire.FullFrame) {
	pos := len(t.reorder)
	for i, buffered := range t.reorder {
		if buffered.OSeqNo == f.OSeqNo {
			// retransmission of an already buffered frame
			t.inDroppedFrames++
			return
		}
		if seqLess(f.OSeqNo, buffered.OSeqNo) {
			pos = i
			break
		}
	}
	t.reorder = append(t.reorder, nil)
	copy(t.reorder[pos+1:], t.reorder[pos:])
	t.reorder[pos] = f
	if len(t.reorder) > maxInFrames {
		t.reorder = t.reorder[1:]
		t.inDroppedFrames++
	}
	if !t.lastVNAKValid || t.lastVNAKSeq != t.iSeqNo {
		t.sendVNAKLocked()
	}
}
