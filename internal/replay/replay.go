// Package replay plays a loaded trace back through a sink at a chosen
// speed, preserving the recorded inter-message gaps.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/tracelog"
)

// State is the playback state machine position.
type State uint8

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return "unknown"
}

// ErrNoEntries is returned by Play when nothing is loaded.
var ErrNoEntries = errors.New("replay: no entries loaded")

// Player re-emits trace entries with their original spacing scaled by a
// speed multiplier. Messages surface through the sink with
// Channel="playback". The zero speed of a new Player is 1.0.
type Player struct {
	sink func(can.Message)

	mu         sync.Mutex
	entries    []can.Message
	base       time.Time
	skipped    int
	cursor     int
	speed      float64
	state      State
	gen        int
	wallAnchor time.Time
	logAnchor  time.Duration
	wake       chan struct{}
	now        func() time.Time
}

// Option adjusts Player construction.
type Option func(*Player)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Player) { p.now = now }
}

// New returns an empty stopped Player. The sink may be nil.
func New(sink func(can.Message), opts ...Option) *Player {
	p := &Player{
		sink:  sink,
		speed: 1.0,
		wake:  make(chan struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load reads a trace file into memory, sorted by timestamp, and rewinds.
// Loading is legal only while stopped.
func (p *Player) Load(path string) error {
	msgs, skipped, err := tracelog.ReadAll(path)
	if err != nil {
		return err
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Stopped {
		return fmt.Errorf("replay: cannot load while %v", p.state)
	}
	p.entries = msgs
	p.skipped = skipped
	p.cursor = 0
	p.logAnchor = 0
	if len(msgs) > 0 {
		p.base = msgs[0].Timestamp
	} else {
		p.base = time.Time{}
	}
	return nil
}

// Len reports the number of loaded entries.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Skipped reports malformed entries passed over during Load.
func (p *Player) Skipped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipped
}

// Duration reports the log time span from first to last entry.
func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return 0
	}
	return p.offsetLocked(len(p.entries) - 1)
}

// State reports the current playback state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Speed reports the current speed multiplier.
func (p *Player) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// Position reports the current log offset.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked(p.now())
}

// Play starts playback from the current position, or resumes when
// paused. Playback stops when the log ends, Stop is called or ctx is
// cancelled.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Playing:
		return nil
	case Paused:
		p.wallAnchor = p.now()
		p.state = Playing
		p.wakeLocked()
		return nil
	}
	if len(p.entries) == 0 {
		return ErrNoEntries
	}
	p.state = Playing
	p.wallAnchor = p.now()
	go p.run(ctx, p.gen)
	return nil
}

// Pause freezes playback at the current position.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Playing {
		return fmt.Errorf("replay: cannot pause while %v", p.state)
	}
	p.logAnchor = p.positionLocked(p.now())
	p.state = Paused
	p.wakeLocked()
	return nil
}

// Resume continues paused playback.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Paused {
		return fmt.Errorf("replay: cannot resume while %v", p.state)
	}
	p.wallAnchor = p.now()
	p.state = Playing
	p.wakeLocked()
	return nil
}

// Stop ends playback and rewinds to the start. Stopping a stopped
// player is a no-op.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// stopLocked bumps the generation so a still-running loop from before
// the stop exits instead of racing a later Play.
func (p *Player) stopLocked() {
	p.state = Stopped
	p.cursor = 0
	p.logAnchor = 0
	p.gen++
	p.wakeLocked()
}

// stopIfGen stops only the playback generation that called it.
func (p *Player) stopIfGen(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.stopLocked()
	}
}

// Seek jumps to a log offset, legal in any state. Negative offsets
// clamp to the start; offsets past the end position after the last
// entry.
func (p *Player) Seek(t time.Duration) {
	if t < 0 {
		t = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = sort.Search(len(p.entries), func(i int) bool {
		return p.offsetLocked(i) >= t
	})
	p.logAnchor = t
	p.wallAnchor = p.now()
	p.wakeLocked()
}

// SetSpeed changes the playback speed without a position jump.
func (p *Player) SetSpeed(x float64) error {
	if x <= 0 {
		return fmt.Errorf("replay: speed %g must be positive", x)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.logAnchor = p.positionLocked(now)
	p.wallAnchor = now
	p.speed = x
	p.wakeLocked()
	return nil
}

// positionLocked maps wall time onto the log timeline.
func (p *Player) positionLocked(now time.Time) time.Duration {
	if p.state != Playing {
		return p.logAnchor
	}
	return p.logAnchor + time.Duration(float64(now.Sub(p.wallAnchor))*p.speed)
}

func (p *Player) offsetLocked(i int) time.Duration {
	return p.entries[i].Timestamp.Sub(p.base)
}

// wakeLocked kicks the run loop out of its sleep after a state change.
func (p *Player) wakeLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// dueAt returns the wall-clock deadline for a log offset given the
// current anchors and speed.
func dueAt(wallAnchor time.Time, logAnchor, offset time.Duration, speed float64) time.Time {
	return wallAnchor.Add(time.Duration(float64(offset-logAnchor) / speed))
}

func (p *Player) run(ctx context.Context, gen int) {
	for {
		p.mu.Lock()
		if p.gen != gen || p.state == Stopped {
			p.mu.Unlock()
			return
		}
		if p.state == Paused {
			wake := p.wake
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				p.stopIfGen(gen)
				return
			case <-wake:
			}
			continue
		}
		if p.cursor >= len(p.entries) {
			p.stopLocked()
			p.mu.Unlock()
			return
		}
		entry := p.entries[p.cursor]
		due := dueAt(p.wallAnchor, p.logAnchor, p.offsetLocked(p.cursor), p.speed)
		now := p.now()
		if now.Before(due) {
			wake := p.wake
			p.mu.Unlock()
			t := time.NewTimer(due.Sub(now))
			select {
			case <-ctx.Done():
				t.Stop()
				p.stopIfGen(gen)
				return
			case <-wake:
				t.Stop()
			case <-t.C:
			}
			continue
		}
		p.cursor++
		sink := p.sink
		p.mu.Unlock()
		if sink != nil {
			out := entry
			out.Channel = "playback"
			sink(out)
		}
	}
}
