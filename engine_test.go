package trunkline

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telopt/trunkline/pkg/wire"
)

// testLink joins two engines with in-memory datagram queues. Sends are
// enqueued and only delivered by pump, so no engine ever re-enters itself.
type testLink struct {
	mu       sync.Mutex
	a, b     *Engine
	aAddr    *net.UDPAddr
	bAddr    *net.UDPAddr
	toA, toB [][]byte
	aSent    [][]byte
	dropAll  bool
}

func linkEngines(a, b *Engine) *testLink {
	l := &testLink{
		a:     a,
		b:     b,
		aAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4569},
		bAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4570},
	}
	a.sendTo = func(p []byte, _ *net.UDPAddr) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		cp := make([]byte, len(p))
		copy(cp, p)
		l.aSent = append(l.aSent, cp)
		if !l.dropAll {
			l.toB = append(l.toB, cp)
		}
		return nil
	}
	b.sendTo = func(p []byte, _ *net.UDPAddr) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.dropAll {
			return nil
		}
		cp := make([]byte, len(p))
		copy(cp, p)
		l.toA = append(l.toA, cp)
		return nil
	}
	return l
}

// pump delivers every queued datagram, including the ones generated while
// delivering.
func (l *testLink) pump() {
	for {
		l.mu.Lock()
		var pkt []byte
		var dst *Engine
		var from *net.UDPAddr
		switch {
		case len(l.toB) > 0:
			pkt, l.toB = l.toB[0], l.toB[1:]
			dst, from = l.b, l.aAddr
		case len(l.toA) > 0:
			pkt, l.toA = l.toA[0], l.toA[1:]
			dst, from = l.a, l.bAddr
		default:
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		dst.ProcessDatagram(pkt, from)
	}
}

// run drives both engines until check passes or the deadline expires.
func (l *testLink) run(t *testing.T, aHandler, bHandler func(*Event), check func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		l.pump()
		l.a.ProcessEvents(aHandler)
		l.b.ProcessEvents(bHandler)
		l.pump()
		if check() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("scenario did not finish in time")
}

// record collects event types per engine side.
type record struct {
	mu     sync.Mutex
	events []EventType
	finals int
}

func (r *record) handler(next func(*Event)) func(*Event) {
	return func(ev *Event) {
		r.mu.Lock()
		r.events = append(r.events, ev.Type)
		if ev.Final {
			r.finals++
		}
		r.mu.Unlock()
		if next != nil {
			next(ev)
		}
	}
}

func (r *record) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

func (r *record) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finals > 0
}

func TestPokeScenario(t *testing.T) {
	a, _ := newTestEngine(nil)
	b, _ := newTestEngine(nil)
	l := linkEngines(a, b)

	_, err := a.PokePeer(l.bAddr)
	require.NoError(t, err)

	var aRec, bRec record
	l.run(t, aRec.handler(nil), bRec.handler(nil), func() bool {
		return aRec.done() && b.TransactionCount() == 0
	}, 2*time.Second)

	assert.Equal(t, []EventType{EventAccept, EventTerminated}, aRec.types())
	// the poke responder answers internally, only the end is reported
	assert.Equal(t, []EventType{EventTerminated}, bRec.types())
	assert.Equal(t, 0, a.TransactionCount())
	assert.NoError(t, a.checkInvariants())
	assert.NoError(t, b.checkInvariants())
}

func TestRegistrationMD5Scenario(t *testing.T) {
	a, _ := newTestEngine(nil)
	b, _ := newTestEngine(nil)
	l := linkEngines(a, b)

	reg, err := a.StartRegistration(l.bAddr, "alice", "secret", 60)
	require.NoError(t, err)

	bPolicy := func(ev *Event) {
		switch ev.Type {
		case EventNew:
			ev.Transaction().SendAuth("secret")
		case EventAuthRep:
			if ev.Transaction().CheckAuthReply() {
				ev.Transaction().SendAccept()
			} else {
				ev.Transaction().SendReject(CauseInvalidAuth, 0)
			}
		}
	}

	var aRec, bRec record
	l.run(t, aRec.handler(nil), bRec.handler(bPolicy), func() bool {
		return aRec.done() && bRec.done()
	}, 2*time.Second)

	assert.Equal(t, []EventType{EventAccept, EventTerminated}, aRec.types())
	assert.Equal(t, uint32(60), reg.Expire())
	assert.Equal(t, "alice", reg.Username())

	bTypes := bRec.types()
	require.NotEmpty(t, bTypes)
	assert.Equal(t, EventNew, bTypes[0])
	assert.Contains(t, bTypes, EventAuthRep)
	assert.Equal(t, 0, a.TransactionCount())
	assert.Equal(t, 0, b.TransactionCount())
}

func TestRegistrationRejectedOnBadAuth(t *testing.T) {
	a, _ := newTestEngine(nil)
	b, _ := newTestEngine(nil)
	l := linkEngines(a, b)

	_, err := a.StartRegistration(l.bAddr, "alice", "letmein", 60)
	require.NoError(t, err)

	bPolicy := func(ev *Event) {
		switch ev.Type {
		case EventNew:
			ev.Transaction().SendAuth("secret")
		case EventAuthRep:
			if ev.Transaction().CheckAuthReply() {
				ev.Transaction().SendAccept()
			} else {
				ev.Transaction().SendReject(CauseInvalidAuth, 0)
			}
		}
	}

	var aRec, bRec record
	var cause string
	aPolicy := func(ev *Event) {
		if ev.Type == EventReject {
			cause, _ = ev.IEs.GetString(wire.IECause)
		}
	}
	l.run(t, aRec.handler(aPolicy), bRec.handler(bPolicy), func() bool {
		return aRec.done() && bRec.done()
	}, 2*time.Second)

	assert.Contains(t, aRec.types(), EventReject)
	assert.Equal(t, CauseInvalidAuth, cause)
}

func TestCallSetupMediaHangupScenario(t *testing.T) {
	a, _ := newTestEngine(nil)
	b, _ := newTestEngine(nil)
	l := linkEngines(a, b)

	var mediaMu sync.Mutex
	var gotMedia [][]byte
	b.MediaHandler = func(_ *Transaction, data []byte, _ uint32) {
		mediaMu.Lock()
		gotMedia = append(gotMedia, append([]byte(nil), data...))
		mediaMu.Unlock()
	}

	call, err := a.StartCall(l.bAddr, CallParams{
		CalledNumber: "100",
		Format:       wire.FormatULAW,
		Capability:   wire.FormatULAW | wire.FormatALAW,
	})
	require.NoError(t, err)

	bPolicy := func(ev *Event) {
		if ev.Type == EventNew {
			ev.Transaction().SendAccept()
		}
	}

	var aRec, bRec record
	connected := false
	hungUp := false
	aPolicy := func(ev *Event) {
		if ev.Type == EventAccept {
			connected = true
		}
	}
	l.run(t, aRec.handler(aPolicy), bRec.handler(bPolicy), func() bool {
		if connected && !hungUp {
			for i := 0; i < 3; i++ {
				require.True(t, call.SendMedia([]byte{0xff, byte(i)}, wire.FormatULAW))
			}
			l.pump()
			require.True(t, call.SendHangup(CauseNormalClearing, 0))
			hungUp = true
		}
		return aRec.done() && bRec.done()
	}, 2*time.Second)

	assert.Equal(t, []EventType{EventAccept, EventTerminated}, aRec.types())
	assert.Contains(t, bRec.types(), EventNew)
	assert.Contains(t, bRec.types(), EventHangup)

	mediaMu.Lock()
	defer mediaMu.Unlock()
	require.Len(t, gotMedia, 3)
	assert.Equal(t, []byte{0xff, 0x00}, gotMedia[0])
}

func TestTrunkedMediaScenario(t *testing.T) {
	a, _ := newTestEngine(nil)
	b, _ := newTestEngine(nil)
	l := linkEngines(a, b)

	var mediaMu sync.Mutex
	tsSeen := map[uint32]int{}
	b.MediaHandler = func(_ *Transaction, _ []byte, ts uint32) {
		mediaMu.Lock()
		tsSeen[ts]++
		mediaMu.Unlock()
	}

	bPolicy := func(ev *Event) {
		if ev.Type == EventNew {
			ev.Transaction().SendAccept()
		}
	}

	call1, err := a.StartCall(l.bAddr, CallParams{CalledNumber: "100", Trunking: true})
	require.NoError(t, err)
	call2, err := a.StartCall(l.bAddr, CallParams{CalledNumber: "200", Trunking: true})
	require.NoError(t, err)

	var aRec, bRec record
	accepts := 0
	aPolicy := func(ev *Event) {
		if ev.Type == EventAccept {
			accepts++
		}
	}
	l.run(t, aRec.handler(aPolicy), bRec.handler(bPolicy), func() bool {
		return accepts == 2
	}, 2*time.Second)

	sentBefore := len(l.aSent)
	require.True(t, call1.SendMedia([]byte{1, 1}, call1.FormatOut()))
	require.True(t, call2.SendMedia([]byte{2, 2}, call2.FormatOut()))
	a.flushTrunks()
	l.pump()

	// one meta trunk datagram carrying both calls under one timestamp
	l.mu.Lock()
	sent := l.aSent[sentBefore:]
	l.mu.Unlock()
	require.Len(t, sent, 1)
	frame, err := wire.ParseFrame(sent[0])
	require.NoError(t, err)
	trunk, ok := frame.(*wire.TrunkFrame)
	require.True(t, ok)
	require.Len(t, trunk.Entries, 2)
	assert.Equal(t, call1.LocalCallNo(), trunk.Entries[0].SrcCall)
	assert.Equal(t, call2.LocalCallNo(), trunk.Entries[1].SrcCall)

	mediaMu.Lock()
	defer mediaMu.Unlock()
	require.Len(t, tsSeen, 1)
	for _, n := range tsSeen {
		assert.Equal(t, 2, n)
	}
}

func TestTrunkBufferFlushesBeforeOverflow(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxFullFramePayload = 64
	e, cap := newTestEngine(cfg)

	tb := newTrunkBuffer(e, testPeer)
	payload := make([]byte, 20)
	for i := 0; i < 6; i++ {
		tb.add(uint16(i+1), payload, uint32(i*20))
	}
	tb.flush()

	for _, raw := range cap.frames {
		assert.LessOrEqual(t, len(raw), cfg.MaxFullFramePayload)
		frame, err := wire.ParseFrame(raw)
		require.NoError(t, err)
		_, ok := frame.(*wire.TrunkFrame)
		assert.True(t, ok)
	}
	assert.GreaterOrEqual(t, cap.count(), 3)
}

func TestUnknownFullFrameAnsweredWithZeroInval(t *testing.T) {
	e, cap := newTestEngine(nil)

	ping := &wire.FullFrame{
		Type:     wire.FrameIAX,
		Subclass: wire.IAXPing,
		SrcCall:  5,
		DestCall: 99,
		OSeqNo:   0,
		ISeqNo:   0,
	}
	e.ProcessDatagram(ping.Encode(), testPeer)

	require.Equal(t, 1, cap.count())
	frame, err := wire.ParseFrame(cap.frames[0])
	require.NoError(t, err)
	inval := frame.(*wire.FullFrame)
	assert.Equal(t, wire.IAXInval, inval.Subclass)
	assert.Equal(t, uint16(0), inval.SrcCall)
	assert.Equal(t, uint16(0), inval.DestCall)

	// an unroutable mini frame is silently dropped
	mini := &wire.MiniFrame{SrcCall: 77, Timestamp: 1, Payload: []byte{1}}
	e.ProcessDatagram(mini.Encode(), testPeer)
	assert.Equal(t, 1, cap.count())
}

func TestKeepAliveIsZeroInval(t *testing.T) {
	e, cap := newTestEngine(nil)
	e.KeepAlive(testPeer)
	require.Equal(t, 1, cap.count())
	frame, err := wire.ParseFrame(cap.frames[0])
	require.NoError(t, err)
	inval := frame.(*wire.FullFrame)
	assert.Equal(t, wire.IAXInval, inval.Subclass)
	assert.Equal(t, uint16(0), inval.SrcCall)

	// a received keepalive must not be answered
	e.ProcessDatagram(cap.frames[0], testPeer)
	assert.Equal(t, 1, cap.count())
}

func TestMalformedDatagramIsCounted(t *testing.T) {
	e, cap := newTestEngine(nil)
	e.ProcessDatagram([]byte{0x80}, testPeer)
	e.ProcessDatagram([]byte{}, testPeer)
	assert.Equal(t, 0, cap.count())
	assert.Equal(t, uint64(2), e.Stats.Snapshot().InvalidFramesTotal)
}

func TestEngineBitmapMatchesTable(t *testing.T) {
	e, _ := newTestEngine(nil)
	for i := 0; i < 5; i++ {
		_, err := e.PokePeer(testPeer)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, e.TransactionCount())
	assert.NoError(t, e.checkInvariants())
}

func TestRejectedFormatNegotiation(t *testing.T) {
	cfg := NewConfig()
	cfg.Capability = wire.FormatGSM
	e, cap := newTestEngine(cfg)

	var ies wire.IEList
	ies.InsertVersion()
	ies.AppendString(wire.IECalledNumber, "100")
	ies.AppendNumeric(wire.IEFormat, wire.FormatULAW, 4)
	ies.AppendNumeric(wire.IECapability, wire.FormatULAW, 4)
	invite := &wire.FullFrame{
		Type:     wire.FrameIAX,
		Subclass: wire.IAXNew,
		SrcCall:  8,
		Payload:  ies.Encode(),
	}
	e.ProcessDatagram(invite.Encode(), testPeer)

	// no New event reaches the upper layer, the reject goes out instead
	for ev := e.GetEvent(); ev != nil; ev = e.GetEvent() {
		assert.NotEqual(t, EventNew, ev.Type)
		ev.Release()
	}
	require.Equal(t, 1, cap.countIAX(wire.IAXReject))

	for _, raw := range cap.frames {
		frame, _ := wire.ParseFrame(raw)
		if full, ok := frame.(*wire.FullFrame); ok && full.Subclass == wire.IAXReject {
			list, err := full.IEList()
			require.NoError(t, err)
			cause, _ := list.GetString(wire.IECause)
			assert.Equal(t, CauseNoMediaFormat, cause)
		}
	}
}

func TestEventFairnessAcrossTransactions(t *testing.T) {
	e, _ := newTestEngine(nil)
	tr1 := establishIncomingCall(t, e, 21)
	tr2 := establishIncomingCall(t, e, 22)

	// queue one frame on each transaction, both must be served
	e.ProcessDatagram(textFrame(tr1, 1, 1, "one"), testPeer)
	e.ProcessDatagram(textFrame(tr2, 1, 1, "two"), testPeer)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := e.GetEvent()
		require.NotNil(t, ev)
		require.Equal(t, EventText, ev.Type)
		seen[string(ev.Data)] = true
		ev.Release()
	}
	assert.True(t, seen["one"])
	assert.True(t, seen["two"])
}
