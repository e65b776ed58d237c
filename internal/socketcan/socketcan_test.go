package socketcan

import (
	"context"
	"errors"
	"testing"

	"example.com/canscope/internal/can"
)

func TestFrameConversionRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame can.Frame
	}{
		{"standard", can.Frame{ID: 0x100, Length: 2, Data: [8]byte{0x10, 0x27}}},
		{"extended", can.Frame{ID: 0x18FF50E5, Length: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, Extended: true}},
		{"remote", can.Frame{ID: 0x200, Length: 4, Remote: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromEinride(toEinride(tt.frame))
			if got != tt.frame {
				t.Fatalf("round trip = %+v, want %+v", got, tt.frame)
			}
		})
	}
}

func TestDisconnectedDriver(t *testing.T) {
	d := New("vcan0")
	if err := d.Send(context.Background(), can.Frame{ID: 0x100, Length: 1}); !errors.Is(err, can.ErrNotConnected) {
		t.Fatalf("Send while disconnected = %v, want ErrNotConnected", err)
	}
	if _, err := d.Receive(context.Background()); !errors.Is(err, can.ErrNotConnected) {
		t.Fatalf("Receive while disconnected = %v, want ErrNotConnected", err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect while disconnected = %v, want nil", err)
	}
}
