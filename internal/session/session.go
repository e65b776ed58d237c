package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/codec"
	"example.com/canscope/internal/common"
	"example.com/canscope/internal/replay"
	"example.com/canscope/internal/sched"
	"example.com/canscope/internal/sym"
	"example.com/canscope/internal/tracelog"
)

// ErrBusy is returned when live capture and playback are requested at the
// same time. Only one of the two may feed the session.
var ErrBusy = errors.New("live capture and playback are mutually exclusive")

const defaultReconnectDelay = 5 * time.Second

// Options configures a Session.
type Options struct {
	// Driver is the bus backend. Required.
	Driver can.Driver
	// Channel labels received frames ("can0", "virtual", ...).
	Channel string
	// Journal, when non-nil, records session lifecycle events.
	Journal *common.Journal
	// AutoReconnect re-dials the driver after a receive failure instead of
	// dropping to disconnected.
	AutoReconnect bool
	// ReconnectDelay is the initial wait between reconnect attempts. The
	// delay doubles on consecutive failures, capped at eight times the
	// initial value, and resets after a successful dial.
	ReconnectDelay time.Duration
}

// Session ties one bus driver to everything that consumes or produces
// traffic: the fan-out broadcaster, the periodic transmit scheduler, the
// trace recorder and the playback player. Exactly one of live capture and
// playback is active at a time.
type Session struct {
	driver  can.Driver
	channel string
	journal *common.Journal

	autoReconnect  bool
	reconnectDelay time.Duration

	db    atomic.Pointer[sym.Database]
	bcast *Broadcaster
	stats *Stats
	sched *sched.Scheduler
	play  *replay.Player
	rec   atomic.Pointer[tracelog.AsyncWriter]

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	cancelRx  context.CancelFunc
	rxDone    chan struct{}
	recPath   string
}

// New builds a session around the driver and starts its transmit scheduler.
func New(opts Options) (*Session, error) {
	if opts.Driver == nil {
		return nil, errors.New("session: nil driver")
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	s := &Session{
		driver:         opts.Driver,
		channel:        opts.Channel,
		journal:        opts.Journal,
		autoReconnect:  opts.AutoReconnect,
		reconnectDelay: delay,
		bcast:          NewBroadcaster(),
		stats:          NewStats(),
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.sched = sched.New(s.emitScheduled)
	s.play = replay.New(s.dispatch)
	go s.sched.Run(s.baseCtx)
	return s, nil
}

// Channel reports the label applied to live frames.
func (s *Session) Channel() string { return s.channel }

// Stats returns the session's traffic counters.
func (s *Session) Stats() *Stats { return s.stats }

// Broadcaster returns the fan-out hub consumers subscribe to.
func (s *Session) Broadcaster() *Broadcaster { return s.bcast }

// Scheduler returns the periodic transmit scheduler.
func (s *Session) Scheduler() *sched.Scheduler { return s.sched }

// Player returns the trace playback player.
func (s *Session) Player() *replay.Player { return s.play }

// Database returns the currently loaded symbol database, or nil.
func (s *Session) Database() *sym.Database { return s.db.Load() }

// SetDatabase swaps the symbol database. Decoding picks the new definitions
// up on the next frame; in-flight decodes finish against the old ones.
func (s *Session) SetDatabase(db *sym.Database) {
	s.db.Store(db)
	if db != nil {
		st := db.Stats()
		s.journalEvent("symbols", fmt.Sprintf("%d messages, %d signals", st.Messages, st.Signals), nil)
	}
}

// LoadSymbols parses a SYM file and, when the parse yields a database,
// installs it. Recoverable syntax problems come back alongside the database.
func (s *Session) LoadSymbols(path string) (*sym.Database, []sym.ParseError, error) {
	db, perrs, err := sym.Load(path)
	if err != nil {
		return nil, perrs, err
	}
	s.SetDatabase(db)
	return db, perrs, nil
}

// Decode resolves the frame's signals against the loaded database. With no
// database, or an unknown ID, the result is empty.
func (s *Session) Decode(f can.Frame) map[string]codec.Value {
	return codec.Decode(s.db.Load(), f)
}

// Encode builds a frame for the named message from physical signal values.
func (s *Session) Encode(name string, values map[string]float64) (can.Frame, error) {
	return codec.Encode(s.db.Load(), name, values)
}

// Connected reports whether live capture is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect dials the driver and starts the receive pump. It refuses while
// playback is active.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.play.State() != replay.Stopped {
		s.mu.Unlock()
		return &can.ConnectionError{Iface: s.channel, Op: "connect", Err: ErrBusy}
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if err := s.driver.Connect(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	rxCtx, cancel := context.WithCancel(s.baseCtx)
	s.connected = true
	s.cancelRx = cancel
	s.rxDone = make(chan struct{})
	go s.receivePump(rxCtx, s.rxDone)
	s.mu.Unlock()
	s.journalEvent("connect", s.channel, nil)
	return nil
}

// Disconnect tears down live capture and waits for the receive pump to
// exit. A no-op when not connected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cancel := s.cancelRx
	done := s.rxDone
	s.cancelRx = nil
	s.rxDone = nil
	s.mu.Unlock()

	cancel()
	err := s.driver.Disconnect()
	if done != nil {
		<-done
	}
	s.journalEvent("disconnect", s.channel, nil)
	return err
}

// receivePump moves frames from the driver into the session until the
// context ends. On receive failure it either reconnects (when enabled) or
// marks the session disconnected and exits.
func (s *Session) receivePump(ctx context.Context, done chan struct{}) {
	defer close(done)
	delay := s.reconnectDelay
	maxDelay := 8 * s.reconnectDelay
	for {
		f, err := s.driver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !s.autoReconnect {
				common.Logf("receive on %s failed: %v", s.channel, err)
				s.mu.Lock()
				s.connected = false
				s.mu.Unlock()
				return
			}
			s.journalEvent("reconnect", s.channel, nil)
			s.driver.Disconnect()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if cerr := s.driver.Connect(ctx); cerr != nil {
				common.Logf("reconnect %s failed: %v", s.channel, cerr)
				if delay *= 2; delay > maxDelay {
					delay = maxDelay
				}
				continue
			}
			common.Logf("reconnected %s", s.channel)
			delay = s.reconnectDelay
			continue
		}
		s.dispatch(can.Message{
			Frame:     f,
			Timestamp: time.Now(),
			Direction: can.Rx,
			Channel:   s.channel,
		})
	}
}

// dispatch is the single funnel every message passes through: counters,
// decode-miss accounting, the recorder, then fan-out.
func (s *Session) dispatch(m can.Message) {
	s.stats.Record(m)
	if db := s.db.Load(); db != nil && !m.Error && !m.Remote {
		if _, ok := db.MessageByID(m.ID); !ok {
			s.stats.RecordDecodeMiss()
		}
	}
	if rec := s.rec.Load(); rec != nil {
		if err := rec.Write(m); err != nil && !errors.Is(err, tracelog.ErrClosed) {
			common.Logf("record: %v", err)
		}
	}
	s.bcast.Publish(m)
}

// Send transmits a frame on the live bus and reflects it back through the
// session as a Tx message.
func (s *Session) Send(ctx context.Context, f can.Frame) error {
	if err := s.driver.Send(ctx, f); err != nil {
		return err
	}
	s.dispatch(can.Message{
		Frame:     f,
		Timestamp: time.Now(),
		Direction: can.Tx,
		Channel:   s.channel,
	})
	return nil
}

// emitScheduled is the scheduler's emit hook. Send failures are logged, not
// fatal: a schedule outliving a connection is normal.
func (s *Session) emitScheduled(f can.Frame) {
	if err := s.Send(s.baseCtx, f); err != nil {
		if errors.Is(err, can.ErrNotConnected) {
			return
		}
		common.Logf("scheduled send 0x%X: %v", f.ID, err)
	}
}

// StartRecording opens path (format by extension) and begins recording every
// message the session sees.
func (s *Session) StartRecording(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Load() != nil {
		return fmt.Errorf("already recording to %s", s.recPath)
	}
	w, err := tracelog.NewWriter(path)
	if err != nil {
		return err
	}
	s.rec.Store(tracelog.NewAsyncWriter(w))
	s.recPath = path
	s.journalEvent("record-start", path, nil)
	return nil
}

// StopRecording flushes and closes the active recording, reporting how many
// messages the bounded queue had to drop. A no-op error when not recording.
func (s *Session) StopRecording() (dropped uint64, err error) {
	s.mu.Lock()
	rec := s.rec.Load()
	path := s.recPath
	if rec == nil {
		s.mu.Unlock()
		return 0, errors.New("not recording")
	}
	s.rec.Store(nil)
	s.recPath = ""
	s.mu.Unlock()

	err = rec.Close()
	dropped = rec.Dropped()
	s.journalEvent("record-stop", fmt.Sprintf("%s (%d dropped)", path, dropped), nil)
	return dropped, err
}

// Recording reports the active recording path, if any.
func (s *Session) Recording() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recPath, s.rec.Load() != nil
}

// StartPlayback loads a trace file and starts replaying it through the
// session. It refuses while live capture is connected.
func (s *Session) StartPlayback(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return &can.ConnectionError{Iface: s.channel, Op: "playback", Err: ErrBusy}
	}
	if err := s.play.Load(path); err != nil {
		return err
	}
	if err := s.play.Play(s.baseCtx); err != nil {
		return err
	}
	s.journalEvent("playback-start", path, nil)
	return nil
}

// StopPlayback halts playback and rewinds to the start.
func (s *Session) StopPlayback() {
	s.play.Stop()
	s.journalEvent("playback-stop", "", nil)
}

// Status is a point-in-time view of the whole session for reporting.
type Status struct {
	Channel         string            `json:"channel"`
	Connected       bool              `json:"connected"`
	Recording       string            `json:"recording,omitempty"`
	RecordDropped   uint64            `json:"recordDropped,omitempty"`
	Playback        string            `json:"playback"`
	PlaybackPos     float64           `json:"playbackPosSeconds"`
	PlaybackLen     int               `json:"playbackEntries"`
	PlaybackSpeed   float64           `json:"playbackSpeed"`
	Subscribers     int               `json:"subscribers"`
	SubscriberDrops map[string]uint64 `json:"subscriberDrops,omitempty"`
	ScheduledJobs   int               `json:"scheduledJobs"`
	Symbols         sym.Stats         `json:"symbols"`
	Traffic         StatsSnapshot     `json:"traffic"`
}

// Status assembles the current session state.
func (s *Session) Status() Status {
	st := Status{
		Channel:       s.channel,
		Connected:     s.Connected(),
		Playback:      s.play.State().String(),
		PlaybackPos:   s.play.Position().Seconds(),
		PlaybackLen:   s.play.Len(),
		PlaybackSpeed: s.play.Speed(),
		Subscribers:   s.bcast.Len(),
		ScheduledJobs: len(s.sched.Jobs()),
		Traffic:       s.stats.Snapshot(),
	}
	if path, ok := s.Recording(); ok {
		st.Recording = path
		if rec := s.rec.Load(); rec != nil {
			st.RecordDropped = rec.Dropped()
		}
	}
	if drops := s.bcast.DropCounts(); len(drops) > 0 {
		st.SubscriberDrops = drops
	}
	if db := s.db.Load(); db != nil {
		st.Symbols = db.Stats()
	}
	return st
}

// Close shuts the session down: playback, recording, capture and the
// scheduler, in that order. The session is not reusable afterwards.
func (s *Session) Close() error {
	s.play.Stop()
	var firstErr error
	if _, ok := s.Recording(); ok {
		if _, err := s.StopRecording(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.Disconnect(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.baseCancel()
	s.journalEvent("close", "", nil)
	return firstErr
}

func (s *Session) journalEvent(kind, detail string, data []byte) {
	if s.journal == nil {
		return
	}
	entry := common.JournalEntry{Kind: kind, Detail: detail, Ts: time.Now().UTC()}
	if len(data) > 0 {
		entry.DataHex = hex.EncodeToString(data)
	}
	if err := s.journal.Append(entry); err != nil {
		common.Logf("journal: %v", err)
	}
}
