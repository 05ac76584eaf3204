package trunkline

import (
	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline/pkg/wire"
)

// getEvent runs the transaction's timers, matches responses to parked
// frames, processes received frames in order and returns at most one
// event. A final event is the transaction's last.
func (t *Transaction) getEvent(now uint64) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateTerminated || t.currentEvent != nil {
		return nil
	}

	if t.invalRecv {
		return t.keepEventLocked(t.terminateLocked(EventTerminated, false, nil))
	}
	if t.state == StateTerminating && now >= t.terminateAtMS {
		evType := t.termEvType
		if evType == EventInvalid {
			evType = EventTimeout
		}
		return t.keepEventLocked(t.terminateLocked(evType, true, nil))
	}

	// acknowledged frames that wanted nothing more than the ACK
	for i := 0; i < len(t.outFrames); {
		of := t.outFrames[i]
		if of.acked && of.ackOnly {
			t.outFrames = append(t.outFrames[:i], t.outFrames[i+1:]...)
			if of.terminal {
				return t.keepEventLocked(t.terminateLocked(t.termEvType, true, nil))
			}
			continue
		}
		i++
	}

	// responses to frames still awaiting one
	for i := 0; i < len(t.outFrames); i++ {
		of := t.outFrames[i]
		if of.ackOnly {
			continue
		}
		ev, done := t.findResponseLocked(of)
		// a response that terminated the transaction has already cleared
		// the parked frames
		if done && i < len(t.outFrames) && t.outFrames[i] == of {
			t.outFrames = append(t.outFrames[:i], t.outFrames[i+1:]...)
			i--
		}
		if ev != nil {
			return t.keepEventLocked(ev)
		}
	}

	// retransmissions and timeouts
	for _, of := range t.outFrames {
		if now < of.nextSendMS {
			continue
		}
		if of.retransLeft <= 0 {
			log.WithFields(t.logFields()).Debugf("%s timed out after retransmissions",
				wire.SubclassName(of.frame.Subclass))
			return t.keepEventLocked(t.terminateLocked(EventTimeout, true, nil))
		}
		of.retransLeft--
		if !of.acked {
			of.frame.Retrans = true
			t.sendFrameLocked(of)
		}
		if of.intervalMS < maxRetransIntervalMS {
			of.intervalMS *= 2
		}
		of.nextSendMS = now + of.intervalMS
	}

	// received frames, in sequence order
	for len(t.inFrames) > 0 {
		f := t.inFrames[0]
		t.inFrames = t.inFrames[1:]
		if ev := t.processRemoteFrameLocked(f, now); ev != nil {
			return t.keepEventLocked(ev)
		}
		if t.state == StateTerminated {
			return nil
		}
	}

	// keepalive ping
	if t.state == StateConnected && now >= t.nextPingMS {
		t.postFrameLocked(wire.FrameIAX, wire.IAXPing, nil, t.tsNow(), false, false, false)
		t.nextPingMS = now + t.engine.cfg.pingIntervalMS()
	}

	return nil
}

func (t *Transaction) keepEventLocked(ev *Event) *Event {
	t.currentEvent = ev
	return ev
}

func (t *Transaction) eventReleased(ev *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentEvent == ev {
		t.currentEvent = nil
	}
}

// terminateLocked moves to Terminated and builds the final event.
func (t *Transaction) terminateLocked(evType EventType, local bool, frame *wire.FullFrame) *Event {
	t.state = StateTerminated
	t.outFrames = nil
	t.inFrames = nil
	t.reorder = nil
	log.WithFields(t.logFields()).Debugf("terminated with %s", evType)
	return t.newEventLocked(evType, local, true, frame)
}

func (t *Transaction) newEventLocked(evType EventType, local, final bool, frame *wire.FullFrame) *Event {
	ev := &Event{
		Type:  evType,
		Local: local,
		Final: final,
		trans: t,
	}
	if frame != nil {
		ev.FrameType = frame.Type
		ev.Subclass = frame.Subclass
		if frame.Type == wire.FrameIAX {
			ev.IEs, _ = frame.IEList()
		} else {
			ev.Data = frame.Payload
		}
	}
	return ev
}

// findResponseLocked looks for a remote answer to a parked
// response-awaiting frame. The second return tells the caller to unpark
// the frame.
func (t *Transaction) findResponseLocked(of *outFrame) (*Event, bool) {
	if of.frame.Type != wire.FrameIAX {
		return nil, false
	}
	switch of.frame.Subclass {
	case wire.IAXNew, wire.IAXAuthRep:
		if f := t.takeInFrameLocked(wire.IAXAccept); f != nil {
			return t.acceptResponseLocked(f), true
		}
		if f := t.takeInFrameLocked(wire.IAXAuthReq); f != nil {
			return t.authChallengeLocked(f), true
		}
		if f := t.takeInFrameLocked(wire.IAXReject); f != nil {
			return t.rejectResponseLocked(f), true
		}
	case wire.IAXRegReq, wire.IAXRegRel:
		if f := t.takeInFrameLocked(wire.IAXRegAck); f != nil {
			return t.regAckResponseLocked(f), true
		}
		if f := t.takeInFrameLocked(wire.IAXRegAuth); f != nil {
			return t.authChallengeLocked(f), true
		}
		if f := t.takeInFrameLocked(wire.IAXRegRej); f != nil {
			return t.rejectResponseLocked(f), true
		}
	case wire.IAXPoke:
		if f := t.takeInFrameLocked(wire.IAXPong); f != nil {
			t.sendAckLocked(f)
			t.termEvType = EventTerminated
			t.changeStateLocked(StateTerminating)
			t.terminateAtMS = t.engine.nowMS()
			return t.newEventLocked(EventAccept, true, false, f), true
		}
	case wire.IAXPing:
		if f := t.takeInFrameTSLocked(wire.IAXPong, of.frame.Timestamp); f != nil {
			t.sendAckLocked(f)
			return nil, true
		}
	case wire.IAXLagRq:
		if f := t.takeInFrameTSLocked(wire.IAXLagRp, of.frame.Timestamp); f != nil {
			t.sendAckLocked(f)
			log.WithFields(t.logFields()).Debugf("lag %d ms", t.tsNow()-f.Timestamp)
			return nil, true
		}
	}
	return nil, false
}

// takeInFrameLocked removes and returns the first queued IAX frame with
// the given subclass.
func (t *Transaction) takeInFrameLocked(subclass uint32) *wire.FullFrame {
	for i, f := range t.inFrames {
		if f.Type == wire.FrameIAX && f.Subclass == subclass {
			t.inFrames = append(t.inFrames[:i], t.inFrames[i+1:]...)
			return f
		}
	}
	return nil
}

func (t *Transaction) takeInFrameTSLocked(subclass uint32, ts uint32) *wire.FullFrame {
	for i, f := range t.inFrames {
		if f.Type == wire.FrameIAX && f.Subclass == subclass && f.Timestamp == ts {
			t.inFrames = append(t.inFrames[:i], t.inFrames[i+1:]...)
			return f
		}
	}
	return nil
}

func (t *Transaction) acceptResponseLocked(f *wire.FullFrame) *Event {
	t.sendAckLocked(f)
	ies, _ := f.IEList()
	if format, ok := ies.GetNumeric(wire.IEFormat); ok && format != 0 {
		t.formatIn = format
		t.formatOut = format
	} else {
		t.formatIn = t.format
		t.formatOut = t.format
	}
	t.changeStateLocked(StateConnected)
	return t.newEventLocked(EventAccept, false, false, f)
}

func (t *Transaction) regAckResponseLocked(f *wire.FullFrame) *Event {
	t.sendAckLocked(f)
	ies, _ := f.IEList()
	if refresh, ok := ies.GetNumeric(wire.IERefresh); ok {
		t.expire = refresh
	}
	t.termEvType = EventTerminated
	t.changeStateLocked(StateTerminating)
	t.terminateAtMS = t.engine.nowMS()
	return t.newEventLocked(EventAccept, false, false, f)
}

func (t *Transaction) rejectResponseLocked(f *wire.FullFrame) *Event {
	t.sendAckLocked(f)
	return t.terminateLocked(EventReject, false, f)
}

// authChallengeLocked handles AUTHREQ/REGAUTH: with a known password the
// reply is sent without bothering the upper layer, otherwise an AuthReq
// event asks it to call SendAuthReply.
func (t *Transaction) authChallengeLocked(f *wire.FullFrame) *Event {
	ies, _ := f.IEList()
	if challenge, ok := ies.GetString(wire.IEChallenge); ok {
		t.challenge = challenge
	}
	if methods, ok := ies.GetNumeric(wire.IEAuthMethods); ok {
		t.authMethods = uint16(methods)
	}
	if !t.changeStateLocked(StateNewLocalInviteAuthRecv) {
		return nil
	}
	if t.authMethods&wire.AuthMD5 == 0 {
		t.sendRejectLocked(CauseNoAuthMethod, 0)
		return nil
	}
	if t.password != "" {
		t.sendAuthReplyLocked()
		return nil
	}
	return t.newEventLocked(EventAuthReq, false, false, f)
}

// processRemoteFrameLocked handles one in-order frame that is not a
// response to anything we sent.
func (t *Transaction) processRemoteFrameLocked(f *wire.FullFrame, now uint64) *Event {
	if t.state == StateTerminating {
		// still acknowledge, never answer with new protocol messages
		t.sendAckLocked(f)
		return nil
	}

	if f.Type == wire.FrameIAX {
		return t.processRemoteIAXLocked(f, now)
	}

	switch f.Type {
	case wire.FrameVoice:
		t.sendAckLocked(f)
		t.processVoiceFullLocked(f)
		return nil
	case wire.FrameDTMF:
		t.sendAckLocked(f)
		return t.newEventLocked(EventDTMF, false, false, f)
	case wire.FrameText:
		t.sendAckLocked(f)
		return t.newEventLocked(EventText, false, false, f)
	case wire.FrameNoise:
		t.sendAckLocked(f)
		return t.newEventLocked(EventNoise, false, false, f)
	case wire.FrameControl:
		t.sendAckLocked(f)
		return t.processMidCallControlLocked(f)
	case wire.FrameNull:
		return nil
	}
	t.sendAckLocked(f)
	log.WithFields(t.logFields()).Debugf("dropping %s frame", wire.FrameTypeName(f.Type))
	return nil
}

func (t *Transaction) processRemoteIAXLocked(f *wire.FullFrame, now uint64) *Event {
	// the frame that opened an incoming transaction
	if t.state == StateNewRemoteInvite {
		switch f.Subclass {
		case wire.IAXNew, wire.IAXRegReq, wire.IAXRegRel, wire.IAXPoke:
			return t.startTransLocked(f)
		}
	}

	switch f.Subclass {
	case wire.IAXPing:
		t.postFrameLocked(wire.FrameIAX, wire.IAXPong, nil, f.Timestamp, true, false, false)
		return nil
	case wire.IAXLagRq:
		t.postFrameLocked(wire.FrameIAX, wire.IAXLagRp, nil, f.Timestamp, true, false, false)
		return nil
	case wire.IAXPong, wire.IAXLagRp:
		// unmatched response, the request is long gone
		t.sendAckLocked(f)
		return nil
	case wire.IAXHangup:
		t.sendAckLocked(f)
		return t.terminateLocked(EventHangup, false, f)
	case wire.IAXReject, wire.IAXRegRej:
		t.sendAckLocked(f)
		return t.terminateLocked(EventReject, false, f)
	case wire.IAXAuthRep:
		if t.state != StateNewRemoteInviteAuthSent {
			t.sendAckLocked(f)
			return nil
		}
		ies, _ := f.IEList()
		if authData, ok := ies.GetString(wire.IEMD5Result); ok {
			t.authData = authData
		}
		t.changeStateLocked(StateNewRemoteInviteRepRecv)
		return t.newEventLocked(EventAuthRep, false, false, f)
	case wire.IAXRegReq, wire.IAXRegRel:
		// the authenticated resend of a challenged registration
		if t.state != StateNewRemoteInviteAuthSent {
			t.sendAckLocked(f)
			return nil
		}
		ies, _ := f.IEList()
		t.initFromIEs(&ies)
		t.changeStateLocked(StateNewRemoteInviteRepRecv)
		return t.newEventLocked(EventAuthRep, false, false, f)
	case wire.IAXQuelch:
		t.sendAckLocked(f)
		return t.newEventLocked(EventQuelch, false, false, f)
	case wire.IAXUnquelch:
		t.sendAckLocked(f)
		return t.newEventLocked(EventUnquelch, false, false, f)
	case wire.IAXUnsupport:
		t.sendAckLocked(f)
		return nil
	}

	// anything this stack does not implement is answered with UNSUPPORT
	log.WithFields(t.logFields()).Debugf("unsupported IAX subclass %s", wire.SubclassName(f.Subclass))
	var ies wire.IEList
	ies.AppendNumeric(wire.IEUnknown, f.Subclass, 1)
	t.postFrameLocked(wire.FrameIAX, wire.IAXUnsupport, ies.Encode(), t.tsNow(), true, false, false)
	return nil
}

// startTransLocked processes the control message that opened this
// incoming transaction.
func (t *Transaction) startTransLocked(f *wire.FullFrame) *Event {
	ies, _ := f.IEList()
	t.initFromIEs(&ies)

	switch t.typ {
	case TransPoke:
		// answered internally, the upper layer only sees the end
		t.postFrameLocked(wire.FrameIAX, wire.IAXPong, nil, f.Timestamp, true, true, false)
		t.termEvType = EventTerminated
		t.enterTerminatingLocked()
		return nil
	case TransNew:
		if !t.engine.acceptFormatAndCapability(t) {
			t.sendRejectLocked(CauseNoMediaFormat, 0)
			return nil
		}
		return t.newEventLocked(EventNew, false, false, f)
	case TransRegReq, TransRegRel:
		return t.newEventLocked(EventNew, false, false, f)
	}
	t.sendRejectLocked("", 0)
	return nil
}

func (t *Transaction) processMidCallControlLocked(f *wire.FullFrame) *Event {
	switch f.Subclass {
	case wire.ControlHangup:
		return t.terminateLocked(EventHangup, false, f)
	case wire.ControlRinging:
		return t.newEventLocked(EventRinging, false, false, f)
	case wire.ControlAnswer:
		return t.newEventLocked(EventAnswer, false, false, f)
	case wire.ControlBusy:
		return t.newEventLocked(EventBusy, false, false, f)
	case wire.ControlProgressing, wire.ControlProceeding:
		return t.newEventLocked(EventProgressing, false, false, f)
	}
	log.WithFields(t.logFields()).Debugf("dropping control subclass 0x%02x", f.Subclass)
	return nil
}
