package trunkline

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline/pkg/wire"
)

// trunkBuffer aggregates mini frame payloads from every trunked
// transaction to one peer into a single meta trunk datagram. The buffer
// never grows past the engine's max payload: an add that would overflow
// flushes first.
type trunkBuffer struct {
	engine *Engine
	addr   *net.UDPAddr

	mu        sync.Mutex
	timestamp uint32
	entries   []wire.TrunkEntry
	size      int
}

func newTrunkBuffer(e *Engine, addr *net.UDPAddr) *trunkBuffer {
	return &trunkBuffer{
		engine: e,
		addr:   addr,
		size:   wire.TrunkFrameHeaderLen,
	}
}

// add queues one call's media. The first entry after a flush pins the
// datagram's absolute timestamp.
func (tb *trunkBuffer) add(srcCall uint16, data []byte, ts uint32) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	need := wire.TrunkEntryHeaderLen + len(data)
	if tb.size+need > tb.engine.cfg.MaxFullFramePayload {
		tb.flushLocked()
	}
	if len(tb.entries) == 0 {
		tb.timestamp = ts
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	tb.entries = append(tb.entries, wire.TrunkEntry{SrcCall: srcCall, Payload: payload})
	tb.size += need
}

func (tb *trunkBuffer) flush() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.flushLocked()
}

func (tb *trunkBuffer) flushLocked() {
	if len(tb.entries) == 0 {
		return
	}
	frame := &wire.TrunkFrame{Timestamp: tb.timestamp, Entries: tb.entries}
	if err := tb.engine.writeTo(frame.Encode(), tb.addr); err != nil {
		log.WithError(err).Debugf("trunk flush to %v failed", tb.addr)
	} else {
		tb.engine.Stats.IncTrunkFramesSent()
	}
	tb.entries = nil
	tb.size = wire.TrunkFrameHeaderLen
}
