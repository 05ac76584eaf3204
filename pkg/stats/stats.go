package stats

import (
	"sync/atomic"
	"time"
)

// EngineStats holds protocol engine counters. Counters are updated with
// atomics from the reader, processor and trunk threads; Snapshot gives a
// consistent-enough copy for serving.
type EngineStats struct {
	StartedAt time.Time

	BytesReceivedTotal uint64
	BytesSentTotal     uint64

	FramesReceivedTotal uint64
	FramesSentTotal     uint64
	InvalidFramesTotal  uint64

	TransactionsCreatedTotal uint64
	TrunkFramesSentTotal     uint64

	WriteFailsTotal uint64

	InternalErrorsTotal        uint64
	InternalLastErrorMessage   string
	InternalLastErrorTimestamp uint64

	Uptime uint64
}

func New() *EngineStats {
	return &EngineStats{StartedAt: time.Now()}
}

func (s *EngineStats) AddBytesReceived(n int) {
	atomic.AddUint64(&s.BytesReceivedTotal, uint64(n))
}

func (s *EngineStats) AddBytesSent(n int) {
	atomic.AddUint64(&s.BytesSentTotal, uint64(n))
}

func (s *EngineStats) IncFramesReceived() {
	atomic.AddUint64(&s.FramesReceivedTotal, 1)
}

func (s *EngineStats) IncFramesSent() {
	atomic.AddUint64(&s.FramesSentTotal, 1)
}

func (s *EngineStats) IncInvalidFrames() {
	atomic.AddUint64(&s.InvalidFramesTotal, 1)
}

func (s *EngineStats) IncTransactionsCreated() {
	atomic.AddUint64(&s.TransactionsCreatedTotal, 1)
}

func (s *EngineStats) IncTrunkFramesSent() {
	atomic.AddUint64(&s.TrunkFramesSentTotal, 1)
}

func (s *EngineStats) IncWriteFails() {
	atomic.AddUint64(&s.WriteFailsTotal, 1)
}

func (s *EngineStats) NoteInternalError(message string) {
	atomic.AddUint64(&s.InternalErrorsTotal, 1)
	s.InternalLastErrorMessage = message
	s.InternalLastErrorTimestamp = uint64(time.Now().Unix())
}

// Snapshot returns a copy with Uptime filled in.
func (s *EngineStats) Snapshot() EngineStats {
	out := EngineStats{
		StartedAt:                  s.StartedAt,
		BytesReceivedTotal:         atomic.LoadUint64(&s.BytesReceivedTotal),
		BytesSentTotal:             atomic.LoadUint64(&s.BytesSentTotal),
		FramesReceivedTotal:        atomic.LoadUint64(&s.FramesReceivedTotal),
		FramesSentTotal:            atomic.LoadUint64(&s.FramesSentTotal),
		InvalidFramesTotal:         atomic.LoadUint64(&s.InvalidFramesTotal),
		TransactionsCreatedTotal:   atomic.LoadUint64(&s.TransactionsCreatedTotal),
		TrunkFramesSentTotal:       atomic.LoadUint64(&s.TrunkFramesSentTotal),
		WriteFailsTotal:            atomic.LoadUint64(&s.WriteFailsTotal),
		InternalErrorsTotal:        atomic.LoadUint64(&s.InternalErrorsTotal),
		InternalLastErrorMessage:   s.InternalLastErrorMessage,
		InternalLastErrorTimestamp: atomic.LoadUint64(&s.InternalLastErrorTimestamp),
	}
	out.Uptime = uint64(time.Since(s.StartedAt).Seconds())
	return out
}
