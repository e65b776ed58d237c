package replay

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/tracelog"
)

var logBase = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func writeTrace(t *testing.T, offsets []time.Duration, ids []uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.csv")
	w, err := tracelog.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for i := range offsets {
		var m can.Message
		m.ID = ids[i]
		m.Length = 1
		m.Data[0] = byte(i)
		m.Timestamp = logBase.Add(offsets[i])
		m.Direction = can.Rx
		m.Channel = "can0"
		if err := w.Write(m); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func waitState(t *testing.T, p *Player, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", p.State(), want)
}

func TestDueAt(t *testing.T) {
	anchor := logBase
	tests := []struct {
		name      string
		logAnchor time.Duration
		offset    time.Duration
		speed     float64
		want      time.Duration
	}{
		{"double speed halves wall time", 0, 2 * time.Second, 2.0, time.Second},
		{"half speed doubles wall time", 0, 2 * time.Second, 0.5, 4 * time.Second},
		{"anchored mid-log", 500 * time.Millisecond, 700 * time.Millisecond, 1.0, 200 * time.Millisecond},
		{"at the anchor", 300 * time.Millisecond, 300 * time.Millisecond, 4.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dueAt(anchor, tt.logAnchor, tt.offset, tt.speed)
			if d := got.Sub(anchor); d != tt.want {
				t.Fatalf("dueAt = anchor+%v, want anchor+%v", d, tt.want)
			}
		})
	}
}

func TestLoadSortsAndMeasures(t *testing.T) {
	path := writeTrace(t,
		[]time.Duration{200 * time.Millisecond, 0, 400 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond},
		[]uint32{0x102, 0x100, 0x104, 0x101, 0x103})
	p := New(nil)
	if err := p.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Len() != 5 {
		t.Errorf("Len = %d, want 5", p.Len())
	}
	if p.Duration() != 400*time.Millisecond {
		t.Errorf("Duration = %v, want 400ms", p.Duration())
	}
	if p.Skipped() != 0 {
		t.Errorf("Skipped = %d, want 0", p.Skipped())
	}
	if p.State() != Stopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
}

func TestPlaybackDeliversInOrder(t *testing.T) {
	path := writeTrace(t,
		[]time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond},
		[]uint32{0x100, 0x101, 0x102, 0x103, 0x104})
	got := make(chan can.Message, 16)
	p := New(func(m can.Message) { got <- m })
	if err := p.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := p.SetSpeed(50); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		select {
		case m := <-got:
			if m.ID != 0x100+uint32(i) {
				t.Fatalf("emission %d has ID 0x%X, want 0x%X", i, m.ID, 0x100+uint32(i))
			}
			if m.Channel != "playback" {
				t.Fatalf("emission %d Channel = %q, want %q", i, m.Channel, "playback")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for emission %d", i)
		}
	}
	waitState(t, p, Stopped)
	if pos := p.Position(); pos != 0 {
		t.Errorf("Position after natural end = %v, want 0", pos)
	}
}

func TestSeekStartsMidLog(t *testing.T) {
	path := writeTrace(t,
		[]time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 400 * time.Millisecond},
		[]uint32{0x100, 0x101, 0x102, 0x103, 0x104})
	got := make(chan can.Message, 16)
	p := New(func(m can.Message) { got <- m })
	if err := p.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p.Seek(250 * time.Millisecond)
	if pos := p.Position(); pos != 250*time.Millisecond {
		t.Fatalf("Position after Seek = %v, want 250ms", pos)
	}
	if err := p.SetSpeed(100); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	var ids []uint32
	for len(ids) < 2 {
		select {
		case m := <-got:
			ids = append(ids, m.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; got %#x", ids)
		}
	}
	waitState(t, p, Stopped)
	if ids[0] != 0x103 || ids[1] != 0x104 {
		t.Fatalf("emitted IDs = %#x, want [0x103 0x104]", ids)
	}
	select {
	case m := <-got:
		t.Fatalf("unexpected extra emission 0x%X", m.ID)
	default:
	}
}

func TestStateMachine(t *testing.T) {
	p := New(nil)
	if err := p.Play(context.Background()); !errors.Is(err, ErrNoEntries) {
		t.Fatalf("Play with nothing loaded = %v, want ErrNoEntries", err)
	}
	if err := p.Pause(); err == nil {
		t.Fatal("Pause while stopped: expected error")
	}
	if err := p.Resume(); err == nil {
		t.Fatal("Resume while stopped: expected error")
	}

	// Entries 10s apart keep the run loop asleep while states change.
	path := writeTrace(t, []time.Duration{0, 10 * time.Second}, []uint32{0x100, 0x101})
	if err := p.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if p.State() != Playing {
		t.Fatalf("State = %v, want playing", p.State())
	}
	if err := p.Load(path); err == nil || !strings.Contains(err.Error(), "cannot load") {
		t.Fatalf("Load while playing = %v, want load rejection", err)
	}
	if err := p.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	pos1 := p.Position()
	time.Sleep(20 * time.Millisecond)
	if pos2 := p.Position(); pos2 != pos1 {
		t.Fatalf("Position moved while paused: %v -> %v", pos1, pos2)
	}
	if err := p.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if p.State() != Playing {
		t.Fatalf("State after Resume = %v, want playing", p.State())
	}
	p.Stop()
	if p.State() != Stopped {
		t.Fatalf("State after Stop = %v, want stopped", p.State())
	}
	if pos := p.Position(); pos != 0 {
		t.Fatalf("Position after Stop = %v, want 0", pos)
	}
	p.Stop()
}

func TestSpeedScalesPosition(t *testing.T) {
	clk := logBase
	p := New(nil, WithClock(func() time.Time { return clk }))
	p.mu.Lock()
	p.state = Playing
	p.wallAnchor = clk
	p.logAnchor = 0
	p.mu.Unlock()

	clk = clk.Add(200 * time.Millisecond)
	if pos := p.Position(); pos != 200*time.Millisecond {
		t.Fatalf("Position at 1x = %v, want 200ms", pos)
	}
	if err := p.SetSpeed(2.0); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	if pos := p.Position(); pos != 200*time.Millisecond {
		t.Fatalf("Position jumped on speed change: %v, want 200ms", pos)
	}
	clk = clk.Add(100 * time.Millisecond)
	if pos := p.Position(); pos != 400*time.Millisecond {
		t.Fatalf("Position at 2x = %v, want 400ms", pos)
	}
	if err := p.SetSpeed(0); err == nil {
		t.Fatal("SetSpeed(0): expected error")
	}
	if err := p.SetSpeed(-1); err == nil {
		t.Fatal("SetSpeed(-1): expected error")
	}
	if p.Speed() != 2.0 {
		t.Fatalf("Speed after rejected changes = %g, want 2", p.Speed())
	}
}

func TestSeekPastEndStopsImmediately(t *testing.T) {
	path := writeTrace(t, []time.Duration{0, 100 * time.Millisecond}, []uint32{0x100, 0x101})
	emitted := make(chan can.Message, 4)
	p := New(func(m can.Message) { emitted <- m })
	if err := p.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p.Seek(-5 * time.Millisecond)
	if pos := p.Position(); pos != 0 {
		t.Fatalf("Position after negative Seek = %v, want 0", pos)
	}
	p.Seek(10 * time.Second)
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	waitState(t, p, Stopped)
	select {
	case m := <-emitted:
		t.Fatalf("unexpected emission 0x%X after seeking past the end", m.ID)
	default:
	}
}

func TestContextCancelStopsPlayback(t *testing.T) {
	path := writeTrace(t, []time.Duration{0, 10 * time.Second}, []uint32{0x100, 0x101})
	p := New(nil)
	if err := p.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	cancel()
	waitState(t, p, Stopped)
}
