// Package socketcan drives a Linux SocketCAN interface through
// go.einride.tech/can. Frames are pumped off the socket by a reader
// goroutine so Receive honors context cancellation.
package socketcan

import (
	"context"
	"fmt"
	"net"
	"sync"

	einride "go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"example.com/canscope/internal/can"
)

var _ can.Driver = (*Driver)(nil)

const defaultQueueSize = 256

// Driver connects to one SocketCAN interface (can0, vcan0, ...).
type Driver struct {
	iface string
	queue int

	mu      sync.Mutex
	conn    net.Conn
	tx      *socketcan.Transmitter
	frames  chan can.Frame
	closing chan struct{}
	readErr error
}

// Option adjusts Driver construction.
type Option func(*Driver)

// WithQueueSize sets the receive queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.queue = n
		}
	}
}

// New returns a disconnected driver for iface.
func New(iface string, opts ...Option) *Driver {
	d := &Driver{iface: iface, queue: defaultQueueSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect opens the raw CAN socket and starts the reader. Connecting an
// already connected driver is a no-op.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	conn, err := socketcan.DialContext(ctx, "can", d.iface)
	if err != nil {
		return &can.ConnectionError{Iface: d.iface, Op: "connect", Err: err}
	}
	d.conn = conn
	d.tx = socketcan.NewTransmitter(conn)
	d.frames = make(chan can.Frame, d.queue)
	d.closing = make(chan struct{})
	d.readErr = nil
	go d.readLoop(socketcan.NewReceiver(conn), d.frames, d.closing)
	return nil
}

// readLoop drains the socket until it fails or the driver disconnects.
// It owns the frames channel and closes it on exit.
func (d *Driver) readLoop(rx *socketcan.Receiver, frames chan<- can.Frame, closing <-chan struct{}) {
	defer close(frames)
	for rx.Receive() {
		select {
		case frames <- fromEinride(rx.Frame()):
		case <-closing:
			return
		}
	}
	err := rx.Err()
	d.mu.Lock()
	select {
	case <-closing:
		// Socket errors after Disconnect are expected; keep them out of
		// the error surface.
	default:
		d.readErr = err
	}
	d.mu.Unlock()
}

// Send transmits one frame.
func (d *Driver) Send(ctx context.Context, f can.Frame) error {
	d.mu.Lock()
	tx := d.tx
	d.mu.Unlock()
	if tx == nil {
		return can.ErrNotConnected
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Error {
		return fmt.Errorf("socketcan: error frames cannot be transmitted")
	}
	if err := tx.TransmitFrame(ctx, toEinride(f)); err != nil {
		return &can.ConnectionError{Iface: d.iface, Op: "send", Err: err}
	}
	return nil
}

// Receive blocks for the next frame off the socket.
func (d *Driver) Receive(ctx context.Context) (can.Frame, error) {
	d.mu.Lock()
	frames := d.frames
	d.mu.Unlock()
	if frames == nil {
		return can.Frame{}, can.ErrNotConnected
	}
	select {
	case f, ok := <-frames:
		if !ok {
			d.mu.Lock()
			err := d.readErr
			d.mu.Unlock()
			if err != nil {
				return can.Frame{}, &can.ConnectionError{Iface: d.iface, Op: "receive", Err: err}
			}
			return can.Frame{}, can.ErrReceiveClosed
		}
		return f, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

// Disconnect closes the socket and stops the reader. Disconnecting a
// disconnected driver is a no-op.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	close(d.closing)
	err := d.conn.Close()
	d.conn = nil
	d.tx = nil
	d.frames = nil
	if err != nil {
		return &can.ConnectionError{Iface: d.iface, Op: "disconnect", Err: err}
	}
	return nil
}

func toEinride(f can.Frame) einride.Frame {
	return einride.Frame{
		ID:         f.ID,
		Length:     f.Length,
		Data:       einride.Data(f.Data),
		IsExtended: f.Extended,
		IsRemote:   f.Remote,
	}
}

func fromEinride(f einride.Frame) can.Frame {
	return can.Frame{
		ID:       f.ID,
		Length:   f.Length,
		Data:     [8]byte(f.Data),
		Extended: f.IsExtended,
		Remote:   f.IsRemote,
	}
}
