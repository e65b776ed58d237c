package tracelog

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"example.com/canscope/internal/can"
)

// ErrClosed is returned by Write and Flush after Close.
var ErrClosed = errors.New("tracelog: writer is closed")

const (
	defaultQueueSize  = 8192
	defaultFullWait   = 5 * time.Millisecond
	defaultFlushEvery = time.Second
	drainTimeout      = 5 * time.Second
)

// AsyncWriter decouples capture from disk. Writes go into a bounded
// queue drained by one goroutine. When the queue stays full past a short
// wait the oldest queued entry is dropped so the capture path never
// stalls; Dropped reports how many entries were lost that way.
type AsyncWriter struct {
	w        Writer
	queue    chan can.Message
	flushReq chan chan error
	quit     chan struct{}
	done     chan struct{}
	fullWait time.Duration
	interval time.Duration

	dropped atomic.Uint64

	mu       sync.Mutex
	firstErr error

	closeOnce sync.Once
	closeErr  error
}

// AsyncOption adjusts AsyncWriter defaults.
type AsyncOption func(*AsyncWriter)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) AsyncOption {
	return func(aw *AsyncWriter) {
		if n > 0 {
			aw.queue = make(chan can.Message, n)
		}
	}
}

// WithFullWait sets how long Write blocks on a full queue before
// dropping the oldest entry.
func WithFullWait(d time.Duration) AsyncOption {
	return func(aw *AsyncWriter) {
		if d >= 0 {
			aw.fullWait = d
		}
	}
}

// WithFlushInterval sets the periodic flush cadence. Zero disables it.
func WithFlushInterval(d time.Duration) AsyncOption {
	return func(aw *AsyncWriter) {
		aw.interval = d
	}
}

// NewAsyncWriter starts the drain goroutine over w. Close stops it,
// drains the queue and closes w.
func NewAsyncWriter(w Writer, opts ...AsyncOption) *AsyncWriter {
	aw := &AsyncWriter{
		w:        w,
		queue:    make(chan can.Message, defaultQueueSize),
		flushReq: make(chan chan error),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		fullWait: defaultFullWait,
		interval: defaultFlushEvery,
	}
	for _, opt := range opts {
		opt(aw)
	}
	go aw.run()
	return aw
}

func (aw *AsyncWriter) run() {
	defer close(aw.done)
	var flushC <-chan time.Time
	if aw.interval > 0 {
		t := time.NewTicker(aw.interval)
		defer t.Stop()
		flushC = t.C
	}
	for {
		select {
		case m := <-aw.queue:
			if err := aw.w.Write(m); err != nil {
				aw.recordErr(err)
			}
		case <-flushC:
			if err := aw.w.Flush(); err != nil {
				aw.recordErr(err)
			}
		case req := <-aw.flushReq:
			aw.drain()
			req <- aw.w.Flush()
		case <-aw.quit:
			aw.drain()
			return
		}
	}
}

// drain empties the queue without blocking.
func (aw *AsyncWriter) drain() {
	for {
		select {
		case m := <-aw.queue:
			if err := aw.w.Write(m); err != nil {
				aw.recordErr(err)
			}
		default:
			return
		}
	}
}

func (aw *AsyncWriter) recordErr(err error) {
	aw.mu.Lock()
	if aw.firstErr == nil {
		aw.firstErr = err
	}
	aw.mu.Unlock()
}

// Write enqueues m. It never blocks longer than the full-queue wait; on
// sustained pressure the oldest queued entry is evicted to make room.
func (aw *AsyncWriter) Write(m can.Message) error {
	select {
	case <-aw.done:
		return ErrClosed
	default:
	}
	select {
	case aw.queue <- m:
		return nil
	default:
	}
	if aw.fullWait > 0 {
		t := time.NewTimer(aw.fullWait)
		select {
		case aw.queue <- m:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	select {
	case <-aw.queue:
		aw.dropped.Add(1)
	default:
	}
	select {
	case aw.queue <- m:
	default:
		aw.dropped.Add(1)
	}
	return nil
}

// Flush writes queued entries ahead of it and flushes the underlying
// writer.
func (aw *AsyncWriter) Flush() error {
	req := make(chan error, 1)
	select {
	case aw.flushReq <- req:
		return <-req
	case <-aw.done:
		return ErrClosed
	}
}

// Dropped reports entries evicted because the queue was full.
func (aw *AsyncWriter) Dropped() uint64 {
	return aw.dropped.Load()
}

// Close stops the drain goroutine, waits (bounded) for the queue to
// empty and closes the underlying writer. The first write error seen by
// the drain goroutine wins over the close error.
func (aw *AsyncWriter) Close() error {
	aw.closeOnce.Do(func() {
		close(aw.quit)
		select {
		case <-aw.done:
		case <-time.After(drainTimeout):
		}
		err := aw.w.Close()
		aw.mu.Lock()
		if aw.firstErr != nil {
			err = aw.firstErr
		}
		aw.mu.Unlock()
		aw.closeErr = err
	})
	return aw.closeErr
}
