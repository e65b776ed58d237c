// Package vcan is a virtual CAN driver that generates automotive-style
// traffic for demos and tests. A fixed catalog of periodic messages is
// driven by the transmit scheduler; generated frames surface through
// Receive like frames from real hardware.
package vcan

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/sched"
)

var _ can.Driver = (*Bus)(nil)

// MessageDef describes one periodic virtual message. Generate runs on
// each emission with the bus lock held; a nil Generate sends the static
// Data payload.
type MessageDef struct {
	ID       uint32
	Name     string
	Period   time.Duration
	Generate func() []byte
	Data     []byte
}

// MessageInfo is a snapshot row for one virtual message.
type MessageInfo struct {
	ID      uint32        `json:"id"`
	Name    string        `json:"name"`
	Period  time.Duration `json:"period"`
	Enabled bool          `json:"enabled"`
	Sent    uint64        `json:"sent"`
}

// Bus simulates a CAN network. All generated traffic surfaces with
// rx semantics on channel "virtual" (applied by the session layer).
type Bus struct {
	out     chan can.Frame
	dropped atomic.Uint64

	mu      sync.Mutex
	defs    map[uint32]*MessageDef
	sched   *sched.Scheduler
	rng     *rand.Rand
	now     func() time.Time
	running bool
	stopped chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	speedKmh    float64
	doorState   byte
	diagCounter byte
}

// Option adjusts Bus construction.
type Option func(*Bus)

// WithSeed fixes the generator RNG, making the traffic reproducible.
func WithSeed(seed int64) Option {
	return func(b *Bus) { b.rng = rand.New(rand.NewSource(seed)) }
}

// WithQueueSize sets the receive queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.out = make(chan can.Frame, n)
		}
	}
}

// WithClock replaces the scheduler clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New builds a stopped bus carrying the default catalog.
func New(opts ...Option) *Bus {
	b := &Bus{
		out:  make(chan can.Frame, 256),
		defs: make(map[uint32]*MessageDef),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sched = sched.New(b.pump, sched.WithClock(b.now))
	for _, def := range b.catalog() {
		if err := b.add(def); err != nil {
			panic(fmt.Sprintf("vcan: catalog: %v", err))
		}
	}
	return b
}

// catalog is the default traffic, matching the IDs, periods and byte
// layouts of a small demo vehicle.
func (b *Bus) catalog() []*MessageDef {
	return []*MessageDef{
		{ID: 0x100, Name: "Engine_RPM", Period: 500 * time.Millisecond, Generate: b.engineRPM},
		{ID: 0x101, Name: "Vehicle_Speed", Period: time.Second, Generate: b.vehicleSpeed},
		{ID: 0x200, Name: "Body_Control", Period: 2 * time.Second, Generate: b.bodyControl},
		{ID: 0x300, Name: "Electrical", Period: 5 * time.Second, Generate: b.electrical},
		{ID: 0x400, Name: "Climate", Period: 10 * time.Second, Generate: b.climate},
		{ID: 0x7E0, Name: "Diagnostic_Request", Period: 20 * time.Second, Data: []byte{0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{ID: 0x7E8, Name: "Diagnostic_Response", Period: 20 * time.Second, Generate: b.diagResponse},
	}
}

func (b *Bus) gauss(mean, sigma float64) float64 {
	return mean + b.rng.NormFloat64()*sigma
}

// intn returns a uniform int in [lo, hi].
func (b *Bus) intn(lo, hi int) int {
	return lo + b.rng.Intn(hi-lo+1)
}

func (b *Bus) engineRPM() []byte {
	rpm := int(800 + b.gauss(1500, 200))
	if rpm < 600 {
		rpm = 600
	}
	if rpm > 6000 {
		rpm = 6000
	}
	return []byte{
		byte(rpm >> 8), byte(rpm),
		byte(b.intn(20, 80)),
		byte(b.intn(80, 95)),
		byte(b.intn(10, 90)),
		0x00, 0x00, 0x00,
	}
}

func (b *Bus) vehicleSpeed() []byte {
	b.speedKmh += b.gauss(0, 2)
	if b.speedKmh < 0 {
		b.speedKmh = 0
	}
	if b.speedKmh > 120 {
		b.speedKmh = 120
	}
	raw := int(b.speedKmh * 100)
	return []byte{
		byte(raw >> 8), byte(raw),
		0x12, 0x34, 0x56, 0x78,
		0x00, 0x00,
	}
}

func (b *Bus) bodyControl() []byte {
	if b.rng.Float64() < 0.02 {
		masks := [...]byte{0x01, 0x02, 0x04, 0x08}
		b.doorState ^= masks[b.rng.Intn(len(masks))]
	}
	lights := byte(b.intn(0, 1))<<4 | byte(b.intn(0, 1))<<3
	return []byte{
		b.doorState,
		byte(b.intn(20, 100)),
		lights,
		0x00, 0x00, 0x00, 0x00, 0x00,
	}
}

func (b *Bus) electrical() []byte {
	voltage := 12.0 + b.gauss(2.0, 0.3)
	if voltage < 10.0 {
		voltage = 10.0
	}
	if voltage > 15.0 {
		voltage = 15.0
	}
	return []byte{
		byte(b.intn(10, 100)),
		byte(int(voltage * 10)),
		byte(b.rng.Intn(256)),
		byte(b.rng.Intn(256)),
		0x00, 0x00, 0x00, 0x00,
	}
}

func (b *Bus) climate() []byte {
	return []byte{
		byte(b.intn(18, 25)),
		byte(b.intn(15, 30)),
		byte(b.intn(0, 3)),
		byte(b.intn(0, 1)),
		byte(b.intn(0, 1)),
		0x00, 0x00, 0x00,
	}
}

func (b *Bus) diagResponse() []byte {
	b.diagCounter++
	return []byte{
		0x00,
		byte(b.intn(0, 100)),
		b.diagCounter,
		0x55, 0xAA,
		0x00, 0x00, 0x00,
	}
}

func jobKey(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}

func (b *Bus) add(def *MessageDef) error {
	if def.Name == "" {
		return fmt.Errorf("vcan: message 0x%X has no name", def.ID)
	}
	if _, exists := b.defs[def.ID]; exists {
		return fmt.Errorf("vcan: duplicate message id 0x%X", def.ID)
	}
	frame, err := can.NewFrame(def.ID, def.Data)
	if err != nil {
		return fmt.Errorf("vcan: message %s: %w", def.Name, err)
	}
	if def.Generate != nil {
		frame.Length = can.MaxDataLen
	}
	if err := b.sched.Add(sched.NewPeriodic(jobKey(def.ID), frame, def.Period)); err != nil {
		return err
	}
	b.defs[def.ID] = def
	return nil
}

// AddMessage registers a custom periodic message.
func (b *Bus) AddMessage(def MessageDef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.add(&def)
}

// RemoveMessage drops a message from the catalog.
func (b *Bus) RemoveMessage(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.defs[id]; !ok {
		return fmt.Errorf("vcan: no message with id 0x%X", id)
	}
	if err := b.sched.Remove(jobKey(id)); err != nil {
		return err
	}
	delete(b.defs, id)
	return nil
}

// SetEnabled turns one message on or off.
func (b *Bus) SetEnabled(id uint32, on bool) error {
	return b.sched.Enable(jobKey(id), on)
}

// Enabled reports whether a catalog message is emitting.
func (b *Bus) Enabled(id uint32) bool {
	for _, job := range b.sched.Jobs() {
		if job.ID == jobKey(id) {
			return job.Enabled
		}
	}
	return false
}

// SetPeriod changes one message's period.
func (b *Bus) SetPeriod(id uint32, d time.Duration) error {
	return b.sched.SetPeriod(jobKey(id), d)
}

// SetAllPeriods scales every period by factor.
func (b *Bus) SetAllPeriods(factor float64) error {
	return b.sched.ScaleAll(factor)
}

// SpeedUp halves all periods.
func (b *Bus) SpeedUp() error {
	return b.SetAllPeriods(0.5)
}

// SlowDown doubles all periods.
func (b *Bus) SlowDown() error {
	return b.SetAllPeriods(2.0)
}

// Messages lists the catalog sorted by ID, with live period and enable
// state.
func (b *Bus) Messages() []MessageInfo {
	jobs := make(map[string]sched.Job)
	for _, job := range b.sched.Jobs() {
		jobs[job.ID] = job
	}
	b.mu.Lock()
	infos := make([]MessageInfo, 0, len(b.defs))
	for id, def := range b.defs {
		info := MessageInfo{ID: id, Name: def.Name}
		if job, ok := jobs[jobKey(id)]; ok {
			info.Period = job.Period
			info.Enabled = job.Enabled
			info.Sent = job.Sent
		}
		infos = append(infos, info)
	}
	b.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// pump regenerates the payload for catalog entries and queues the frame.
func (b *Bus) pump(f can.Frame) {
	b.mu.Lock()
	if def, ok := b.defs[f.ID]; ok && def.Generate != nil {
		payload := def.Generate()
		f.Length = uint8(len(payload))
		f.Data = [can.MaxDataLen]byte{}
		copy(f.Data[:], payload)
	}
	b.mu.Unlock()
	b.push(f)
}

// push queues a frame for Receive, evicting the oldest on overflow.
func (b *Bus) push(f can.Frame) {
	select {
	case b.out <- f:
		return
	default:
	}
	select {
	case <-b.out:
		b.dropped.Add(1)
	default:
	}
	select {
	case b.out <- f:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports frames evicted from the receive queue.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Start runs the generator loop until ctx is cancelled or Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("vcan: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.stopped = make(chan struct{})
	b.done = make(chan struct{})
	b.running = true
	stopped, done := b.stopped, b.done
	go func() {
		defer close(done)
		defer close(stopped)
		b.sched.Run(ctx)
	}()
	return nil
}

// Stop halts generation. Frames already queued are discarded.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	cancel()
	<-done
	return nil
}

// Connect implements can.Driver.
func (b *Bus) Connect(ctx context.Context) error {
	return b.Start(ctx)
}

// Disconnect implements can.Driver.
func (b *Bus) Disconnect() error {
	return b.Stop()
}

// Send accepts a frame for transmission. The virtual network has no
// peers, so valid frames vanish after validation.
func (b *Bus) Send(_ context.Context, f can.Frame) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return can.ErrNotConnected
	}
	return f.Validate()
}

// Receive blocks for the next generated frame.
func (b *Bus) Receive(ctx context.Context) (can.Frame, error) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return can.Frame{}, can.ErrNotConnected
	}
	stopped := b.stopped
	b.mu.Unlock()
	select {
	case f := <-b.out:
		return f, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-stopped:
		return can.Frame{}, can.ErrReceiveClosed
	}
}

// InjectFrame puts a one-shot frame onto the receive stream.
func (b *Bus) InjectFrame(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return can.ErrNotConnected
	}
	b.push(f)
	return nil
}

// SimulateErrorFrame injects a bus error for testing downstream
// handling.
func (b *Bus) SimulateErrorFrame() error {
	return b.InjectFrame(can.ErrorFrame())
}

// Generate runs the catalog offline over a synthetic time window and
// returns the produced messages stamped along it. The bus must be stopped
// and should have been built with WithClock pinned to base, so that the
// first emission of every message lands on base itself. With WithSeed the
// output is fully reproducible.
func (b *Bus) Generate(base time.Time, duration, step time.Duration) ([]can.Message, error) {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if running {
		return nil, fmt.Errorf("vcan: cannot generate while running")
	}
	if step <= 0 {
		step = 10 * time.Millisecond
	}
	var out []can.Message
	for off := time.Duration(0); off <= duration; off += step {
		now := base.Add(off)
		b.sched.Advance(now)
		for {
			select {
			case f := <-b.out:
				out = append(out, can.Message{Frame: f, Timestamp: now, Direction: can.Rx, Channel: "virtual"})
				continue
			default:
			}
			break
		}
	}
	return out, nil
}
