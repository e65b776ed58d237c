package session

import (
	"sync/atomic"
	"time"

	"example.com/canscope/internal/can"
)

// Stats accumulates traffic counters for one session. All counters are
// atomic so the receive pump, the scheduler and API handlers can record
// without sharing a lock.
type Stats struct {
	start       time.Time
	framesRx    atomic.Uint64
	framesTx    atomic.Uint64
	bytesRx     atomic.Uint64
	bytesTx     atomic.Uint64
	errorFrames atomic.Uint64
	decodeMiss  atomic.Uint64
}

// NewStats returns a counter set anchored at the current time.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// Record counts one message in the direction it carries.
func (s *Stats) Record(m can.Message) {
	if m.Error {
		s.errorFrames.Add(1)
	}
	switch m.Direction {
	case can.Tx:
		s.framesTx.Add(1)
		s.bytesTx.Add(uint64(m.Length))
	default:
		s.framesRx.Add(1)
		s.bytesRx.Add(uint64(m.Length))
	}
}

// RecordDecodeMiss counts a frame that arrived with a symbol database loaded
// but matched no known message ID.
func (s *Stats) RecordDecodeMiss() {
	s.decodeMiss.Add(1)
}

// StatsSnapshot is a point-in-time copy of the counters with derived rates.
type StatsSnapshot struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	FramesRx      uint64  `json:"framesRx"`
	FramesTx      uint64  `json:"framesTx"`
	BytesRx       uint64  `json:"bytesRx"`
	BytesTx       uint64  `json:"bytesTx"`
	ErrorFrames   uint64  `json:"errorFrames"`
	DecodeMisses  uint64  `json:"decodeMisses"`
	RxPerSecond   float64 `json:"rxPerSecond"`
	TxPerSecond   float64 `json:"txPerSecond"`
}

// Snapshot captures the counters and computes rates over the session uptime.
func (s *Stats) Snapshot() StatsSnapshot {
	up := time.Since(s.start).Seconds()
	snap := StatsSnapshot{
		UptimeSeconds: up,
		FramesRx:      s.framesRx.Load(),
		FramesTx:      s.framesTx.Load(),
		BytesRx:       s.bytesRx.Load(),
		BytesTx:       s.bytesTx.Load(),
		ErrorFrames:   s.errorFrames.Load(),
		DecodeMisses:  s.decodeMiss.Load(),
	}
	if up > 0 {
		snap.RxPerSecond = float64(snap.FramesRx) / up
		snap.TxPerSecond = float64(snap.FramesTx) / up
	}
	return snap
}
