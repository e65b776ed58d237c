package can

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MaxDataLen is the payload limit for classic CAN frames.
	MaxDataLen = 8
	// MaxStandardID is the largest 11-bit identifier.
	MaxStandardID = 0x7FF
	// MaxExtendedID is the largest 29-bit identifier.
	MaxExtendedID = 0x1FFFFFFF
)

// Frame is a classic CAN frame: an 11-bit standard or 29-bit extended
// identifier with up to eight data bytes. Length is the DLC and is
// authoritative; remote frames carry a Length with zeroed Data.
type Frame struct {
	ID       uint32
	Length   uint8
	Data     [8]byte
	Extended bool
	Remote   bool
	Error    bool
}

// NewFrame builds a data frame from an identifier and payload. The extended
// flag is inferred from the identifier range.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, fmt.Errorf("payload %d bytes exceeds %d", len(data), MaxDataLen)
	}
	f := Frame{ID: id, Length: uint8(len(data)), Extended: id > MaxStandardID}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// ErrorFrame builds the bus error marker frame: identifier zero, no data.
func ErrorFrame() Frame {
	return Frame{Error: true}
}

// Validate reports identifier range and DLC violations.
func (f Frame) Validate() error {
	if f.Length > MaxDataLen {
		return fmt.Errorf("dlc %d exceeds %d", f.Length, MaxDataLen)
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return fmt.Errorf("extended id 0x%X exceeds 29 bits", f.ID)
		}
		return nil
	}
	if f.ID > MaxStandardID {
		return fmt.Errorf("standard id 0x%X exceeds 11 bits", f.ID)
	}
	return nil
}

// Payload returns the Length-sized view of the frame data.
func (f Frame) Payload() []byte {
	n := f.Length
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Direction marks whether a message was received from or transmitted to the
// bus.
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// ParseDirection accepts "rx" or "tx" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rx":
		return Rx, nil
	case "tx":
		return Tx, nil
	}
	return Rx, fmt.Errorf("unknown direction %q", s)
}

// Message is a frame observed at a point in time, tagged with its direction
// and origin channel ("can0", "virtual", "file", "playback", ...).
type Message struct {
	Frame
	Timestamp time.Time
	Direction Direction
	Channel   string
}
