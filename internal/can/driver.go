package can

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by driver operations before Connect or after
// Disconnect.
var ErrNotConnected = errors.New("not connected")

// ErrReceiveClosed is returned by Receive once the underlying source has
// shut down and no more frames will arrive.
var ErrReceiveClosed = errors.New("receive closed")

// Driver is the one capability a bus backend provides. Concrete backends
// (SocketCAN, the virtual bus) satisfy it; everything above composes against
// the interface and never against a backend type.
type Driver interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
	Disconnect() error
}

// ConnectionError wraps a driver failure with the interface name and the
// operation that failed.
type ConnectionError struct {
	Iface string
	Op    string
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Iface == "" {
		return fmt.Sprintf("can %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("can %s: %s: %v", e.Iface, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
