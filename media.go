package trunkline

import (
	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline/pkg/wire"
)

// SendMedia ships encoded media to the remote peer. A format change or a
// timestamp rolling past 16 bits goes out as a reliable Voice full frame
// pinning the high timestamp bits; everything else is a mini frame, or an
// entry in the peer's trunk buffer when trunking is enabled.
func (t *Transaction) SendMedia(data []byte, format uint32) bool {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return false
	}
	ts := t.tsNow()
	if format != t.formatOut || ts>>16 != t.lastFullTSOut>>16 {
		t.formatOut = format
		t.postFrameLocked(wire.FrameVoice, format, data, ts, true, false, false)
		t.mu.Unlock()
		return true
	}
	trunk := t.trunk
	lCallNo := t.lCallNo
	addr := t.addr
	t.mu.Unlock()

	if trunk != nil {
		trunk.add(lCallNo, data, ts)
		return true
	}
	mini := &wire.MiniFrame{
		SrcCall:   lCallNo,
		Timestamp: uint16(ts),
		Payload:   data,
	}
	t.mediaMu.Lock()
	t.lastMiniTSOut = uint16(ts)
	t.mediaMu.Unlock()
	return t.engine.writeTo(mini.Encode(), addr) == nil
}

// processMiniFrame rebuilds the 32-bit timestamp of a received mini frame
// by pinning its high bits to the last full timestamp seen, detecting
// wraparound, and hands the media up.
func (t *Transaction) processMiniFrame(f *wire.MiniFrame) {
	t.mediaMu.Lock()
	last := t.lastMiniTSIn
	ts := last&0xffff0000 | uint32(f.Timestamp)
	if ts < last {
		// the 16-bit slice wrapped since the last frame
		ts += 0x10000
	}
	t.lastMiniTSIn = ts
	t.mediaMu.Unlock()
	t.deliverMedia(f.Payload, ts)
}

// processTrunkMedia hands up one entry of a meta trunk frame. All entries
// share the datagram's absolute timestamp.
func (t *Transaction) processTrunkMedia(data []byte, ts uint32) {
	t.mediaMu.Lock()
	if ts > t.lastMiniTSIn {
		t.lastMiniTSIn = ts
	}
	t.mediaMu.Unlock()
	t.deliverMedia(data, ts)
}

// processVoiceFullLocked handles a reliable Voice frame: a possible format
// switch, a timestamp repin, then the media itself. Callers hold t.mu.
func (t *Transaction) processVoiceFullLocked(f *wire.FullFrame) {
	format := f.Subclass
	if format != 0 && format != t.formatIn {
		if hook := t.engine.VoiceFormatChanged; hook != nil && !hook(t, format) {
			log.WithFields(t.logFields()).Debugf("voice format 0x%x refused", format)
			t.inDroppedFrames++
			return
		}
		t.formatIn = format
	}
	t.mediaMu.Lock()
	t.lastMiniTSIn = f.Timestamp
	t.mediaMu.Unlock()
	if len(f.Payload) > 0 {
		t.deliverMedia(f.Payload, f.Timestamp)
	}
}

func (t *Transaction) deliverMedia(data []byte, ts uint32) {
	if handler := t.engine.MediaHandler; handler != nil {
		handler(t, data, ts)
	}
}
