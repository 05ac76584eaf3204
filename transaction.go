package trunkline

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline/pkg/wire"
)

// TransactionType tells what kind of exchange a transaction manages.
type TransactionType int

const (
	TransIncorrect TransactionType = iota
	TransNew                       // media exchange call
	TransRegReq                    // registration
	TransRegRel                    // registration release
	TransPoke                      // liveness probe
)

func (t TransactionType) String() string {
	switch t {
	case TransNew:
		return "New"
	case TransRegReq:
		return "RegReq"
	case TransRegRel:
		return "RegRel"
	case TransPoke:
		return "Poke"
	}
	return "Incorrect"
}

// State is the transaction state machine position.
type State int

const (
	StateUnknown State = iota
	StateNewLocalInvite
	StateNewLocalInviteAuthRecv
	StateNewLocalInviteRepSent
	StateNewRemoteInvite
	StateNewRemoteInviteAuthSent
	StateNewRemoteInviteRepRecv
	StateConnected
	StateTerminating // waiting for ACK or timeout before the final event
	StateTerminated  // no more frames accepted
)

func (s State) String() string {
	switch s {
	case StateNewLocalInvite:
		return "NewLocalInvite"
	case StateNewLocalInviteAuthRecv:
		return "NewLocalInvite_AuthRecv"
	case StateNewLocalInviteRepSent:
		return "NewLocalInvite_RepSent"
	case StateNewRemoteInvite:
		return "NewRemoteInvite"
	case StateNewRemoteInviteAuthSent:
		return "NewRemoteInvite_AuthSent"
	case StateNewRemoteInviteRepRecv:
		return "NewRemoteInvite_RepRecv"
	case StateConnected:
		return "Connected"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// Standard reject causes.
const (
	CauseNoAuthMethod   = "Unsupported or missing authentication method"
	CauseNoMediaFormat  = "Unsupported or missing media format"
	CauseInvalidAuth    = "Invalid authentication request"
	CauseNormalClearing = "Normal clearing"
)

// maxInFrames bounds the out-of-order reorder buffer.
const maxInFrames = 127

// maxRetransIntervalMS caps the doubling retransmission interval.
const maxRetransIntervalMS = 10000

// outFrame is a sent full frame parked until it is acknowledged or
// answered.
type outFrame struct {
	frame *wire.FullFrame

	ackOnly  bool // only an ACK is expected
	terminal bool // the transaction finishes once this frame is acked
	auth     bool // gets the extended auth timeout once acked

	acked        bool
	authAdjusted bool
	retransLeft  int
	intervalMS   uint64
	nextSendMS   uint64
}

// Transaction is one call, registration or poke exchange, identified by
// (local call number, remote call number, peer address).
type Transaction struct {
	engine *Engine

	mu sync.Mutex

	typ      TransactionType
	state    State
	outgoing bool // locally initiated

	addr    *net.UDPAddr
	lCallNo uint16
	rCallNo uint16

	oSeqNo  uint8
	iSeqNo  uint8
	lastAck uint8

	startMS  uint64 // engine clock at creation
	userData interface{}

	// outgoing frame management
	outFrames []*outFrame

	// incoming frame management
	inFrames      []*wire.FullFrame // accepted, in sequence order
	reorder       []*wire.FullFrame // out-of-order frames, bounded
	lastVNAKValid bool
	lastVNAKSeq   uint8

	// termination
	invalRecv     bool
	localReqEnd   bool
	terminateAtMS uint64
	termEvType    EventType

	// ping liveness
	nextPingMS uint64

	// statistics
	inTotalFrames     uint32
	inOutOfOrderCount uint32
	inDroppedFrames   uint32

	// call identity and negotiation
	authMethods uint16
	username    string
	password    string
	callingNo   string
	callingName string
	calledNo    string
	calledCtx   string
	challenge   string
	authData    string
	expire      uint32
	format      uint32
	formatIn    uint32
	formatOut   uint32
	capability  uint32

	// media timestamps
	mediaMu       sync.Mutex
	lastFullTSOut uint32
	lastMiniTSOut uint16
	lastMiniTSIn  uint32
	trunk         *trunkBuffer

	currentEvent *Event
}

func newOutgoingTransaction(e *Engine, typ TransactionType, lCallNo uint16, addr *net.UDPAddr, ies *wire.IEList, password string) *Transaction {
	t := &Transaction{
		engine:   e,
		typ:      typ,
		state:    StateNewLocalInvite,
		outgoing: true,
		addr:     addr,
		lCallNo:  lCallNo,
		startMS:  e.nowMS(),
		password: password,
	}
	t.initFromIEs(ies)
	if t.capability == 0 {
		t.capability = e.cfg.Capability
	}

	var subclass uint32
	switch typ {
	case TransRegReq:
		subclass = wire.IAXRegReq
	case TransRegRel:
		subclass = wire.IAXRegRel
	case TransPoke:
		subclass = wire.IAXPoke
	default:
		subclass = wire.IAXNew
	}
	ies.InsertVersion()

	t.mu.Lock()
	t.postFrameLocked(wire.FrameIAX, subclass, ies.Encode(), t.tsNow(), false, false, typ != TransPoke)
	t.mu.Unlock()
	return t
}

func newIncomingTransaction(e *Engine, frame *wire.FullFrame, lCallNo uint16, addr *net.UDPAddr) *Transaction {
	typ := TransIncorrect
	switch frame.Subclass {
	case wire.IAXNew:
		typ = TransNew
	case wire.IAXRegReq:
		typ = TransRegReq
	case wire.IAXRegRel:
		typ = TransRegRel
	case wire.IAXPoke:
		typ = TransPoke
	}
	return &Transaction{
		engine:   e,
		typ:      typ,
		state:    StateNewRemoteInvite,
		addr:     addr,
		lCallNo:  lCallNo,
		rCallNo:  frame.SrcCall,
		startMS:  e.nowMS(),
		password: e.cfg.AuthSecret,
	}
}

// initFromIEs picks the call identity out of an IE list.
func (t *Transaction) initFromIEs(ies *wire.IEList) {
	if s, ok := ies.GetString(wire.IEUsername); ok {
		t.username = s
	}
	if s, ok := ies.GetString(wire.IECallingNumber); ok {
		t.callingNo = s
	}
	if s, ok := ies.GetString(wire.IECallingName); ok {
		t.callingName = s
	}
	if s, ok := ies.GetString(wire.IECalledNumber); ok {
		t.calledNo = s
	}
	if s, ok := ies.GetString(wire.IECalledContext); ok {
		t.calledCtx = s
	}
	if s, ok := ies.GetString(wire.IEChallenge); ok {
		t.challenge = s
	}
	if s, ok := ies.GetString(wire.IEMD5Result); ok {
		t.authData = s
	}
	if v, ok := ies.GetNumeric(wire.IEFormat); ok {
		t.format = v
	}
	if v, ok := ies.GetNumeric(wire.IECapability); ok {
		t.capability = v
	}
	if v, ok := ies.GetNumeric(wire.IERefresh); ok {
		t.expire = v
	}
	if v, ok := ies.GetNumeric(wire.IEAuthMethods); ok {
		t.authMethods = uint16(v)
	}
}

// tsNow is the transaction-relative timestamp in milliseconds.
func (t *Transaction) tsNow() uint32 {
	return uint32(t.engine.nowMS() - t.startMS)
}

func (t *Transaction) Type() TransactionType { return t.typ }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) Outgoing() bool { return t.outgoing }

func (t *Transaction) LocalCallNo() uint16 { return t.lCallNo }

func (t *Transaction) RemoteCallNo() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rCallNo
}

func (t *Transaction) RemoteAddr() *net.UDPAddr { return t.addr }

func (t *Transaction) Username() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.username
}

func (t *Transaction) CallingNo() string { return t.callingNo }

func (t *Transaction) CallingName() string { return t.callingName }

func (t *Transaction) CalledNo() string { return t.calledNo }

func (t *Transaction) CalledContext() string { return t.calledCtx }

func (t *Transaction) Challenge() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.challenge
}

func (t *Transaction) AuthData() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authData
}

// Expire is the registration refresh interval in seconds.
func (t *Transaction) Expire() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expire
}

func (t *Transaction) Format() uint32 { return t.format }

func (t *Transaction) FormatIn() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.formatIn
}

func (t *Transaction) FormatOut() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.formatOut
}

func (t *Transaction) Capability() uint32 { return t.capability }

func (t *Transaction) SetUserData(data interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userData = data
}

func (t *Transaction) UserData() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userData
}

// FrameStats reports the received-frame counters: total, out-of-order and
// dropped.
func (t *Transaction) FrameStats() (total, outOfOrder, dropped uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inTotalFrames, t.inOutOfOrderCount, t.inDroppedFrames
}

func (t *Transaction) matchesPeer(addr *net.UDPAddr, remoteCall uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !sameUDPAddr(t.addr, addr) {
		return false
	}
	return t.rCallNo == 0 || t.rCallNo == remoteCall
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// changeStateLocked moves the state machine, refusing to leave a termination
// state for a non-termination one.
func (t *Transaction) changeStateLocked(newState State) bool {
	switch t.state {
	case StateTerminated:
		return false
	case StateTerminating:
		if newState != StateTerminated {
			return false
		}
	}
	if t.state == newState {
		return true
	}
	log.Debugf("transaction(%d,%d) state %s -> %s", t.lCallNo, t.rCallNo, t.state, newState)
	t.state = newState
	if newState == StateConnected {
		t.nextPingMS = t.engine.nowMS() + t.engine.cfg.pingIntervalMS()
	}
	return true
}

// postFrameLocked builds a sequenced full frame, sends it and parks it for
// retransmission. Callers hold t.mu.
func (t *Transaction) postFrameLocked(frameType uint8, subclass uint32, payload []byte, ts uint32, ackOnly, terminal, auth bool) {
	frame := &wire.FullFrame{
		Type:      frameType,
		Subclass:  subclass,
		SrcCall:   t.lCallNo,
		DestCall:  t.rCallNo,
		Timestamp: ts,
		OSeqNo:    t.oSeqNo,
		ISeqNo:    t.iSeqNo,
		Payload:   payload,
	}
	t.oSeqNo++
	if frameType == wire.FrameVoice {
		t.lastFullTSOut = ts
	}
	now := t.engine.nowMS()
	interval := uint64(t.engine.cfg.retransInterval())
	of := &outFrame{
		frame:       frame,
		ackOnly:     ackOnly,
		terminal:    terminal,
		auth:        auth,
		retransLeft: t.engine.cfg.RetransCount,
		intervalMS:  interval,
		nextSendMS:  now + interval,
	}
	t.outFrames = append(t.outFrames, of)
	t.sendFrameLocked(of)
}

func (t *Transaction) sendFrameLocked(of *outFrame) {
	of.frame.DestCall = t.rCallNo
	if err := t.engine.writeTo(of.frame.Encode(), t.addr); err != nil {
		log.WithError(err).Debugf("transaction(%d,%d) write %s failed",
			t.lCallNo, t.rCallNo, wire.SubclassName(of.frame.Subclass))
	}
}

// sendAckLocked acknowledges a received full frame, echoing its timestamp.
// ACKs carry sequence numbers without consuming one and are never parked.
func (t *Transaction) sendAckLocked(f *wire.FullFrame) {
	ack := &wire.FullFrame{
		Type:      wire.FrameIAX,
		Subclass:  wire.IAXAck,
		SrcCall:   t.lCallNo,
		DestCall:  t.rCallNo,
		Timestamp: f.Timestamp,
		OSeqNo:    t.oSeqNo,
		ISeqNo:    t.iSeqNo,
	}
	t.lastAck = f.OSeqNo
	_ = t.engine.writeTo(ack.Encode(), t.addr)
}

func (t *Transaction) sendInvalLocked() {
	inval := &wire.FullFrame{
		Type:      wire.FrameIAX,
		Subclass:  wire.IAXInval,
		SrcCall:   t.lCallNo,
		DestCall:  t.rCallNo,
		Timestamp: t.tsNow(),
		OSeqNo:    t.oSeqNo,
		ISeqNo:    t.iSeqNo,
	}
	_ = t.engine.writeTo(inval.Encode(), t.addr)
}

// sendVNAKLocked asks the remote to retransmit everything from the
// expected sequence number up.
func (t *Transaction) sendVNAKLocked() {
	vnak := &wire.FullFrame{
		Type:      wire.FrameIAX,
		Subclass:  wire.IAXVNAK,
		SrcCall:   t.lCallNo,
		DestCall:  t.rCallNo,
		Timestamp: t.tsNow(),
		OSeqNo:    t.oSeqNo,
		ISeqNo:    t.iSeqNo,
	}
	t.lastVNAKValid = true
	t.lastVNAKSeq = t.iSeqNo
	_ = t.engine.writeTo(vnak.Encode(), t.addr)
}

// SendAuth challenges the remote end of an incoming transaction with MD5
// authentication. The password is kept for the verification step.
func (t *Transaction) SendAuth(password string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateNewRemoteInvite {
		return false
	}
	t.password = password
	t.challenge = newChallenge()

	var ies wire.IEList
	if t.username != "" {
		ies.AppendString(wire.IEUsername, t.username)
	}
	ies.AppendNumeric(wire.IEAuthMethods, uint32(wire.AuthMD5), 2)
	ies.AppendString(wire.IEChallenge, t.challenge)

	subclass := wire.IAXAuthReq
	if t.typ == TransRegReq || t.typ == TransRegRel {
		subclass = wire.IAXRegAuth
	}
	t.postFrameLocked(wire.FrameIAX, subclass, ies.Encode(), t.tsNow(), false, false, true)
	return t.changeStateLocked(StateNewRemoteInviteAuthSent)
}

// SendAuthReply answers a received authentication challenge with the MD5
// digest of challenge and password.
func (t *Transaction) SendAuthReply() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendAuthReplyLocked()
}

func (t *Transaction) sendAuthReplyLocked() bool {
	if t.state != StateNewLocalInviteAuthRecv {
		return false
	}
	if t.authMethods&wire.AuthMD5 == 0 {
		t.sendRejectLocked(CauseNoAuthMethod, 0)
		return false
	}
	t.authData = MD5AuthResponse(t.challenge, t.password)

	var ies wire.IEList
	subclass := wire.IAXAuthRep
	switch t.typ {
	case TransRegReq, TransRegRel:
		if t.typ == TransRegReq {
			subclass = wire.IAXRegReq
		} else {
			subclass = wire.IAXRegRel
		}
		ies.AppendString(wire.IEUsername, t.username)
		ies.AppendString(wire.IEMD5Result, t.authData)
		if t.typ == TransRegReq && t.expire != 0 {
			ies.AppendNumeric(wire.IERefresh, t.expire, 2)
		}
	default:
		ies.AppendString(wire.IEMD5Result, t.authData)
	}
	t.postFrameLocked(wire.FrameIAX, subclass, ies.Encode(), t.tsNow(), false, false, true)
	return t.changeStateLocked(StateNewLocalInviteRepSent)
}

// CheckAuthReply verifies the MD5 response received from the remote
// against the challenge this transaction issued.
func (t *Transaction) CheckAuthReply() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CheckMD5AuthResponse(t.authData, t.challenge, t.password)
}

// SendAccept accepts an incoming transaction: ACCEPT with the negotiated
// format for calls, REGACK with the refresh interval for registrations.
func (t *Transaction) SendAccept() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateNewRemoteInvite && t.state != StateNewRemoteInviteRepRecv {
		return false
	}
	switch t.typ {
	case TransNew:
		var ies wire.IEList
		ies.AppendNumeric(wire.IEFormat, t.formatOut, 4)
		t.postFrameLocked(wire.FrameIAX, wire.IAXAccept, ies.Encode(), t.tsNow(), true, false, false)
		return t.changeStateLocked(StateConnected)
	case TransRegReq, TransRegRel:
		var ies wire.IEList
		if t.username != "" {
			ies.AppendString(wire.IEUsername, t.username)
		}
		if t.typ == TransRegReq {
			if t.expire == 0 {
				t.expire = 60
			}
			ies.AppendNumeric(wire.IERefresh, t.expire, 2)
		}
		ies.AppendBinary(wire.IEApparentAddr, wire.PackIP(t.addr))
		t.postFrameLocked(wire.FrameIAX, wire.IAXRegAck, ies.Encode(), t.tsNow(), true, true, false)
		t.termEvType = EventTerminated
		return t.enterTerminatingLocked()
	}
	return false
}

// SendReject refuses an incoming transaction with an optional cause.
func (t *Transaction) SendReject(cause string, code uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendRejectLocked(cause, code)
}

func (t *Transaction) sendRejectLocked(cause string, code uint8) bool {
	if t.state == StateTerminating || t.state == StateTerminated {
		return false
	}
	var ies wire.IEList
	if cause != "" {
		ies.AppendString(wire.IECause, cause)
	}
	if code != 0 {
		ies.AppendNumeric(wire.IECauseCode, uint32(code), 1)
	}
	subclass := wire.IAXReject
	if t.typ == TransRegReq || t.typ == TransRegRel {
		subclass = wire.IAXRegRej
	}
	t.postFrameLocked(wire.FrameIAX, subclass, ies.Encode(), t.tsNow(), true, true, false)
	t.termEvType = EventTerminated
	return t.enterTerminatingLocked()
}

// SendHangup ends an established or establishing call.
func (t *Transaction) SendHangup(cause string, code uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typ != TransNew || t.state == StateTerminating || t.state == StateTerminated {
		return false
	}
	var ies wire.IEList
	if cause != "" {
		ies.AppendString(wire.IECause, cause)
	}
	if code != 0 {
		ies.AppendNumeric(wire.IECauseCode, uint32(code), 1)
	}
	t.localReqEnd = true
	t.postFrameLocked(wire.FrameIAX, wire.IAXHangup, ies.Encode(), t.tsNow(), true, true, false)
	t.termEvType = EventTerminated
	return t.enterTerminatingLocked()
}

// sendConnected sends a mid-call frame, only valid in Connected state.
func (t *Transaction) sendConnected(subclass uint32, frameType uint8, payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected {
		return false
	}
	t.postFrameLocked(frameType, subclass, payload, t.tsNow(), true, false, false)
	return true
}

// SendAnswer tells the remote the call was answered.
func (t *Transaction) SendAnswer() bool {
	return t.sendConnected(wire.ControlAnswer, wire.FrameControl, nil)
}

// SendRinging tells the remote the called party is being alerted.
func (t *Transaction) SendRinging() bool {
	return t.sendConnected(wire.ControlRinging, wire.FrameControl, nil)
}

// SendProgressing reports early media progress.
func (t *Transaction) SendProgressing() bool {
	return t.sendConnected(wire.ControlProgressing, wire.FrameControl, nil)
}

// SendDTMF sends one DTMF digit. Values above 127 are not representable.
func (t *Transaction) SendDTMF(digit uint8) bool {
	if digit > 127 {
		return false
	}
	return t.sendConnected(uint32(digit), wire.FrameDTMF, nil)
}

// SendText sends a text frame.
func (t *Transaction) SendText(text string) bool {
	return t.sendConnected(0, wire.FrameText, []byte(text))
}

// SendNoise sends a comfort noise level. Values above 127 are not
// representable.
func (t *Transaction) SendNoise(level uint8) bool {
	if level > 127 {
		return false
	}
	return t.sendConnected(uint32(level), wire.FrameNoise, nil)
}

// AbortReg forces a registration transaction into Terminating. Parked
// frames are dropped; the final event follows on the next poll.
func (t *Transaction) AbortReg() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typ != TransRegReq && t.typ != TransRegRel {
		return false
	}
	if t.state == StateTerminating || t.state == StateTerminated {
		return false
	}
	t.outFrames = nil
	t.localReqEnd = true
	t.termEvType = EventTerminated
	t.changeStateLocked(StateTerminating)
	t.terminateAtMS = t.engine.nowMS()
	return true
}

// enterTerminatingLocked arms the termination deadline.
func (t *Transaction) enterTerminatingLocked() bool {
	if !t.changeStateLocked(StateTerminating) {
		return false
	}
	t.terminateAtMS = t.engine.nowMS() + uint64(t.engine.cfg.TransTimeoutS)*1000
	return true
}

// logFields carries the transaction identity into structured logs.
func (t *Transaction) logFields() log.Fields {
	return log.Fields{
		"type":       t.typ.String(),
		"state":      t.state.String(),
		"localCall":  t.lCallNo,
		"remoteCall": t.rCallNo,
		"peer":       fmt.Sprintf("%v", t.addr),
	}
}
