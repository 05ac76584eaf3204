package trunkline

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telopt/trunkline/pkg/stats"
	"github.com/telopt/trunkline/pkg/wire"
)

// newTestEngine builds an engine without a socket; writes go to the
// returned capture unless relinked.
func newTestEngine(cfg *Config) (*Engine, *sentCapture) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.LogFile = ""
	e := &Engine{
		Stats:     stats.New(),
		cfg:       cfg,
		epoch:     time.Now(),
		callNos:   newCallNoAllocator(),
		trans:     make(map[uint16]*Transaction),
		trunks:    make(map[string]*trunkBuffer),
		shutdownC: make(chan struct{}),
	}
	cap := &sentCapture{}
	e.sendTo = cap.sink
	return e, cap
}

type sentCapture struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *sentCapture) sink(b []byte, _ *net.UDPAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *sentCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// countIAX counts captured full frames with the given IAX subclass.
func (c *sentCapture) countIAX(subclass uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, raw := range c.frames {
		frame, err := wire.ParseFrame(raw)
		if err != nil {
			continue
		}
		if full, ok := frame.(*wire.FullFrame); ok && full.Type == wire.FrameIAX && full.Subclass == subclass {
			n++
		}
	}
	return n
}

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4570}

// establishIncomingCall injects a NEW invite and accepts it, returning the
// Connected transaction.
func establishIncomingCall(t *testing.T, e *Engine, srcCall uint16) *Transaction {
	t.Helper()
	var ies wire.IEList
	ies.InsertVersion()
	ies.AppendString(wire.IECalledNumber, "100")
	ies.AppendNumeric(wire.IEFormat, wire.FormatULAW, 4)
	ies.AppendNumeric(wire.IECapability, wire.FormatULAW|wire.FormatALAW, 4)
	invite := &wire.FullFrame{
		Type:      wire.FrameIAX,
		Subclass:  wire.IAXNew,
		SrcCall:   srcCall,
		Timestamp: 1,
		Payload:   ies.Encode(),
	}
	e.ProcessDatagram(invite.Encode(), testPeer)

	ev := e.GetEvent()
	require.NotNil(t, ev)
	require.Equal(t, EventNew, ev.Type)
	tr := ev.Transaction()
	require.True(t, tr.SendAccept())
	ev.Release()
	require.Equal(t, StateConnected, tr.State())
	return tr
}

func textFrame(tr *Transaction, oseq, iseq uint8, body string) []byte {
	f := &wire.FullFrame{
		Type:      wire.FrameText,
		SrcCall:   tr.RemoteCallNo(),
		DestCall:  tr.LocalCallNo(),
		Timestamp: uint32(oseq) * 10,
		OSeqNo:    oseq,
		ISeqNo:    iseq,
		Payload:   []byte(body),
	}
	return f.Encode()
}

func TestSeqIncrementOnInOrderFrame(t *testing.T) {
	e, _ := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	before := tr.iSeqNo
	e.ProcessDatagram(textFrame(tr, before, 1, "hello"), testPeer)
	assert.Equal(t, before+1, tr.iSeqNo)

	ev := e.GetEvent()
	require.NotNil(t, ev)
	assert.Equal(t, EventText, ev.Type)
	assert.Equal(t, []byte("hello"), ev.Data)
	ev.Release()
}

func TestOutOfOrderRecovery(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	// 1 in order, 3 early, 2 closes the gap
	e.ProcessDatagram(textFrame(tr, 1, 1, "first"), testPeer)
	e.ProcessDatagram(textFrame(tr, 3, 1, "third"), testPeer)
	assert.Equal(t, 1, cap.countIAX(wire.IAXVNAK))
	e.ProcessDatagram(textFrame(tr, 2, 1, "second"), testPeer)

	var got []string
	for {
		ev := e.GetEvent()
		if ev == nil {
			break
		}
		if ev.Type == EventText {
			got = append(got, string(ev.Data))
		}
		ev.Release()
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
	assert.Equal(t, uint8(4), tr.iSeqNo)
	assert.Equal(t, 1, cap.countIAX(wire.IAXVNAK))

	_, outOfOrder, _ := tr.FrameStats()
	assert.Equal(t, uint32(1), outOfOrder)
}

func TestReorderWindowEmitsSingleVNAK(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	// 128 consecutive out-of-order frames: the gap at 1 never closes
	for i := 0; i < 128; i++ {
		e.ProcessDatagram(textFrame(tr, uint8(2+i), 1, "x"), testPeer)
	}
	assert.Equal(t, 1, cap.countIAX(wire.IAXVNAK))
	assert.LessOrEqual(t, len(tr.reorder), maxInFrames)
	assert.Equal(t, uint8(1), tr.iSeqNo)
}

func TestDuplicateFrameIsReAcked(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	frame := textFrame(tr, 1, 1, "once")
	e.ProcessDatagram(frame, testPeer)
	ev := e.GetEvent()
	require.NotNil(t, ev)
	require.Equal(t, EventText, ev.Type)
	ev.Release()
	acksBefore := cap.countIAX(wire.IAXAck)

	// the duplicate is dropped but its ACK is repeated
	e.ProcessDatagram(frame, testPeer)
	assert.Equal(t, acksBefore+1, cap.countIAX(wire.IAXAck))
	assert.Nil(t, e.GetEvent())
	assert.Equal(t, uint8(2), tr.iSeqNo)
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	ack := &wire.FullFrame{
		Type:      wire.FrameIAX,
		Subclass:  wire.IAXAck,
		SrcCall:   tr.RemoteCallNo(),
		DestCall:  tr.LocalCallNo(),
		Timestamp: 1,
		ISeqNo:    1,
	}
	e.ProcessDatagram(ack.Encode(), testPeer)
	sent := cap.count()
	require.Nil(t, e.GetEvent())

	e.ProcessDatagram(ack.Encode(), testPeer)
	assert.Equal(t, sent, cap.count())
	assert.Nil(t, e.GetEvent())
}

func TestParkedFrameRemovedOnAck(t *testing.T) {
	e, _ := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	// the ACCEPT (oseq 0) is parked until the remote covers it
	require.Len(t, tr.outFrames, 1)
	oseq := tr.outFrames[0].frame.OSeqNo

	ack := &wire.FullFrame{
		Type:     wire.FrameIAX,
		Subclass: wire.IAXAck,
		SrcCall:  tr.RemoteCallNo(),
		DestCall: tr.LocalCallNo(),
		ISeqNo:   oseq + 1,
	}
	e.ProcessDatagram(ack.Encode(), testPeer)
	assert.True(t, tr.outFrames[0].acked)

	// the poll sweeps acknowledged ack-only frames away
	assert.Nil(t, e.GetEvent())
	assert.Empty(t, tr.outFrames)
}

func TestInvalidIEListAnsweredWithInval(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)
	seqBefore := tr.iSeqNo

	bad := &wire.FullFrame{
		Type:     wire.FrameIAX,
		Subclass: wire.IAXQuelch,
		SrcCall:  tr.RemoteCallNo(),
		DestCall: tr.LocalCallNo(),
		OSeqNo:   seqBefore,
		ISeqNo:   1,
		Payload:  []byte{wire.IECause, 200, 'x'}, // length beyond buffer
	}
	e.ProcessDatagram(bad.Encode(), testPeer)

	assert.Equal(t, 1, cap.countIAX(wire.IAXInval))
	// state must not advance on an invalid list
	assert.Equal(t, seqBefore, tr.iSeqNo)
	assert.Nil(t, e.GetEvent())
}

func TestAuthFrameAckExtendsTimeout(t *testing.T) {
	cfg := NewConfig()
	cfg.AuthTimeoutS = 30
	e, _ := newTestEngine(cfg)
	tr, err := e.StartRegistration(testPeer, "alice", "secret", 60)
	require.NoError(t, err)

	require.Len(t, tr.outFrames, 1)
	of := tr.outFrames[0]
	require.True(t, of.auth)
	deadlineBefore := of.nextSendMS

	ack := &wire.FullFrame{
		Type:     wire.FrameIAX,
		Subclass: wire.IAXAck,
		SrcCall:  99,
		DestCall: tr.LocalCallNo(),
		ISeqNo:   1,
	}
	e.ProcessDatagram(ack.Encode(), testPeer)

	assert.True(t, of.acked)
	assert.Equal(t, 1, of.retransLeft)
	assert.Greater(t, of.nextSendMS, deadlineBefore)
	assert.GreaterOrEqual(t, of.nextSendMS, e.nowMS()+29000)
}

func TestHangupTerminatesAfterAck(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	require.True(t, tr.SendHangup(CauseNormalClearing, 0))
	assert.Equal(t, StateTerminating, tr.State())
	assert.Equal(t, 1, cap.countIAX(wire.IAXHangup))

	// remote acknowledges everything we sent so far
	ack := &wire.FullFrame{
		Type:     wire.FrameIAX,
		Subclass: wire.IAXAck,
		SrcCall:  tr.RemoteCallNo(),
		DestCall: tr.LocalCallNo(),
		ISeqNo:   tr.oSeqNo,
	}
	e.ProcessDatagram(ack.Encode(), testPeer)

	ev := e.GetEvent()
	require.NotNil(t, ev)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.True(t, ev.Final)
	ev.Release()
	assert.Equal(t, StateTerminated, tr.State())
	assert.Equal(t, 0, e.TransactionCount())
	assert.NoError(t, e.checkInvariants())
}

func TestTerminatingStillAcksButSendsNothingNew(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)
	require.True(t, tr.SendHangup("", 0))

	framesBefore := cap.count()
	acksBefore := cap.countIAX(wire.IAXAck)
	e.ProcessDatagram(textFrame(tr, 1, 1, "late"), testPeer)
	for ev := e.GetEvent(); ev != nil; ev = e.GetEvent() {
		assert.NotEqual(t, EventText, ev.Type)
		ev.Release()
	}
	// only the ACK went out, nothing else
	assert.Equal(t, framesBefore+1, cap.count())
	assert.Equal(t, acksBefore+1, cap.countIAX(wire.IAXAck))
	assert.Equal(t, 0, cap.countIAX(wire.IAXUnsupport))
}

func TestMiniFrameTimestampReconstruction(t *testing.T) {
	e, _ := newTestEngine(nil)
	var gotTS []uint32
	e.MediaHandler = func(_ *Transaction, _ []byte, ts uint32) {
		gotTS = append(gotTS, ts)
	}
	tr := establishIncomingCall(t, e, 5)

	// a Voice full frame pins the high 16 bits
	voice := &wire.FullFrame{
		Type:      wire.FrameVoice,
		Subclass:  wire.FormatULAW,
		SrcCall:   tr.RemoteCallNo(),
		DestCall:  tr.LocalCallNo(),
		Timestamp: 0x0001fff0,
		OSeqNo:    1,
		ISeqNo:    1,
		Payload:   []byte{1},
	}
	e.ProcessDatagram(voice.Encode(), testPeer)
	require.Nil(t, e.GetEvent())

	mini := &wire.MiniFrame{SrcCall: tr.RemoteCallNo(), Timestamp: 0xfff8, Payload: []byte{2}}
	e.ProcessDatagram(mini.Encode(), testPeer)

	// the 16-bit slice wraps: the high bits must advance
	wrapped := &wire.MiniFrame{SrcCall: tr.RemoteCallNo(), Timestamp: 0x0004, Payload: []byte{3}}
	e.ProcessDatagram(wrapped.Encode(), testPeer)

	require.Equal(t, []uint32{0x0001fff0, 0x0001fff8, 0x00020004}, gotTS)
}

func TestSendMediaFormatChangeUsesFullFrame(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	// negotiated format goes out as mini frames
	require.True(t, tr.SendMedia([]byte{1, 2}, tr.FormatOut()))
	// a format switch forces a reliable Voice full frame
	require.True(t, tr.SendMedia([]byte{3, 4}, wire.FormatALAW))
	assert.Equal(t, wire.FormatALAW, tr.FormatOut())

	var minis, fulls int
	for _, raw := range cap.frames {
		frame, err := wire.ParseFrame(raw)
		require.NoError(t, err)
		switch f := frame.(type) {
		case *wire.MiniFrame:
			minis++
		case *wire.FullFrame:
			if f.Type == wire.FrameVoice {
				fulls++
				assert.Equal(t, wire.FormatALAW, f.Subclass)
			}
		}
	}
	assert.Equal(t, 1, minis)
	assert.Equal(t, 1, fulls)
}

func TestRetransExhaustionEmitsTimeout(t *testing.T) {
	cfg := NewConfig()
	cfg.RetransCount = 2
	cfg.RetransIntervalMS = 5
	e, cap := newTestEngine(cfg)

	_, err := e.StartCall(testPeer, CallParams{CalledNumber: "100"})
	require.NoError(t, err)

	var final *Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := e.GetEvent(); ev != nil {
			if ev.Final {
				final = ev
			}
			ev.Release()
			if final != nil {
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, final)
	assert.Equal(t, EventTimeout, final.Type)

	// initial send plus the two retransmissions, then silence
	assert.Equal(t, 3, cap.count())
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, e.GetEvent())
	assert.Equal(t, 3, cap.count())
	assert.Equal(t, 0, e.TransactionCount())
}

func TestRetransCountZeroTimesOutImmediately(t *testing.T) {
	cfg := NewConfig()
	cfg.RetransCount = 0
	cfg.RetransIntervalMS = 5
	e, cap := newTestEngine(cfg)

	_, err := e.PokePeer(testPeer)
	require.NoError(t, err)

	var final *Event
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ev := e.GetEvent(); ev != nil {
			final = ev
			ev.Release()
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, final)
	assert.Equal(t, EventTimeout, final.Type)
	assert.True(t, final.Final)
	assert.Equal(t, 1, cap.count())
}

func TestCallNumberExhaustionFailsStart(t *testing.T) {
	e, _ := newTestEngine(nil)
	e.mu.Lock()
	for e.callNos.allocate() != 0 {
	}
	e.mu.Unlock()

	_, err := e.PokePeer(testPeer)
	assert.ErrorIs(t, err, ErrCallNumbersExhausted)
	assert.Equal(t, 0, e.TransactionCount())
}

func TestUnsupportedSubclassAnswered(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	dial := &wire.FullFrame{
		Type:     wire.FrameIAX,
		Subclass: wire.IAXDial,
		SrcCall:  tr.RemoteCallNo(),
		DestCall: tr.LocalCallNo(),
		OSeqNo:   1,
		ISeqNo:   1,
	}
	e.ProcessDatagram(dial.Encode(), testPeer)
	assert.Nil(t, e.GetEvent())
	assert.Equal(t, 1, cap.countIAX(wire.IAXUnsupport))
}

func TestPingAnsweredWithPong(t *testing.T) {
	e, cap := newTestEngine(nil)
	tr := establishIncomingCall(t, e, 5)

	ping := &wire.FullFrame{
		Type:      wire.FrameIAX,
		Subclass:  wire.IAXPing,
		SrcCall:   tr.RemoteCallNo(),
		DestCall:  tr.LocalCallNo(),
		Timestamp: 777,
		OSeqNo:    1,
		ISeqNo:    1,
	}
	e.ProcessDatagram(ping.Encode(), testPeer)
	assert.Nil(t, e.GetEvent())
	require.Equal(t, 1, cap.countIAX(wire.IAXPong))

	// the PONG echoes the PING timestamp
	for _, raw := range cap.frames {
		frame, _ := wire.ParseFrame(raw)
		if full, ok := frame.(*wire.FullFrame); ok && full.Subclass == wire.IAXPong && full.Type == wire.FrameIAX {
			assert.Equal(t, uint32(777), full.Timestamp)
		}
	}
}
