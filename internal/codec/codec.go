// Package codec translates between raw CAN frames and engineering values
// using symbol definitions.
package codec

import (
	"fmt"
	"math"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/sym"
)

// Value is one decoded signal.
type Value struct {
	Raw   int64   `json:"raw"`
	Phys  float64 `json:"phys"`
	Unit  string  `json:"unit,omitempty"`
	Label string  `json:"label,omitempty"`
}

// EncodeError reports a value that cannot be packed into a signal span.
type EncodeError struct {
	Message string
	Signal  string
	Reason  string
}

func (e *EncodeError) Error() string {
	if e.Signal == "" {
		return fmt.Sprintf("encode %s: %s", e.Message, e.Reason)
	}
	return fmt.Sprintf("encode %s.%s: %s", e.Message, e.Signal, e.Reason)
}

// Decode extracts every signal of the frame's message definition. An
// unknown identifier decodes to nothing: nil map, no error. A signal whose
// span does not fit the frame payload is skipped; definition problems are
// reported once at load time, not per frame.
func Decode(db *sym.Database, f can.Frame) map[string]Value {
	m, ok := db.MessageByID(f.ID)
	if !ok {
		return nil
	}
	out := make(map[string]Value, len(m.Signals))
	for _, s := range m.Signals {
		raw, ok := extract(f, s)
		if !ok {
			continue
		}
		v := Value{Raw: raw, Phys: physical(s, raw), Unit: s.Unit}
		if s.Enum != "" {
			if label, ok := db.EnumLabel(s.Enum, raw); ok {
				v.Label = label
			} else if _, defined := db.Enums[s.Enum]; defined {
				v.Label = fmt.Sprintf("Unknown(%d)", raw)
			}
		}
		out[s.Name] = v
	}
	return out
}

// Encode builds a frame for the named message from physical values. The
// payload starts zeroed; signals with a declared default and no supplied
// value are seeded from the default.
func Encode(db *sym.Database, name string, values map[string]float64) (can.Frame, error) {
	m, ok := db.MessageByName(name)
	if !ok {
		return can.Frame{}, &EncodeError{Message: name, Reason: "unknown message"}
	}
	merged := values
	for _, s := range m.Signals {
		if s.Default == nil {
			continue
		}
		if _, given := values[s.Name]; given {
			continue
		}
		if merged == nil || len(merged) == len(values) {
			merged = make(map[string]float64, len(values)+1)
			for k, v := range values {
				merged[k] = v
			}
		}
		merged[s.Name] = *s.Default
	}
	return EncodeInto(db, name, merged, [8]byte{})
}

// EncodeInto packs values over an existing payload. Only the bit spans of
// the supplied signals change; every other bit of base is preserved.
func EncodeInto(db *sym.Database, name string, values map[string]float64, base [8]byte) (can.Frame, error) {
	m, ok := db.MessageByName(name)
	if !ok {
		return can.Frame{}, &EncodeError{Message: name, Reason: "unknown message"}
	}
	f := can.Frame{ID: m.ID, Extended: m.Extended, Length: uint8(m.Length), Data: base}
	for sigName, phys := range values {
		s, ok := m.SignalByName(sigName)
		if !ok {
			return can.Frame{}, &EncodeError{Message: m.Name, Signal: sigName, Reason: "unknown signal"}
		}
		if err := insert(&f, m, s, phys); err != nil {
			return can.Frame{}, err
		}
	}
	return f, nil
}

// extract pulls the raw span out of the frame payload. The bool is false
// when the span does not fit the payload.
func extract(f can.Frame, s sym.SignalDef) (int64, bool) {
	limit := int(f.Length) * 8
	positions := s.BitPositions()
	if len(positions) == 0 {
		return 0, false
	}
	var raw uint64
	for i, pos := range positions {
		if pos < 0 || pos >= limit {
			return 0, false
		}
		bit := (f.Data[pos/8] >> (pos % 8)) & 1
		raw |= uint64(bit) << i
	}
	if s.IsSigned() {
		return signExtend(raw, s.BitLen), true
	}
	return int64(raw), true
}

func insert(f *can.Frame, m *sym.MessageDef, s sym.SignalDef, phys float64) error {
	fail := func(format string, args ...interface{}) error {
		return &EncodeError{Message: m.Name, Signal: s.Name, Reason: fmt.Sprintf(format, args...)}
	}
	if s.Min != nil && phys < *s.Min {
		return fail("value %g below minimum %g", phys, *s.Min)
	}
	if s.Max != nil && phys > *s.Max {
		return fail("value %g above maximum %g", phys, *s.Max)
	}
	raw, err := rawFromPhysical(s, phys)
	if err != nil {
		return fail("%v", err)
	}
	if s.Type != sym.TypeFloat && s.Type != sym.TypeDouble {
		lo, hi := spanBounds(s)
		if raw < lo || raw > hi {
			return fail("raw %d does not fit %d bits", raw, s.BitLen)
		}
	}
	limit := int(f.Length) * 8
	for i, pos := range s.BitPositions() {
		if pos < 0 || pos >= limit {
			return fail("span outside the %d-byte payload", f.Length)
		}
		mask := byte(1) << (pos % 8)
		if (uint64(raw)>>i)&1 == 1 {
			f.Data[pos/8] |= mask
		} else {
			f.Data[pos/8] &^= mask
		}
	}
	return nil
}

// rawFromPhysical inverts the scaling: raw = round((phys - offset) /
// factor). Values outside min/max were rejected before the call; there is
// no clamping here.
func rawFromPhysical(s sym.SignalDef, phys float64) (int64, error) {
	if s.Factor == 0 {
		return 0, fmt.Errorf("zero factor")
	}
	scaled := (phys - s.Offset) / s.Factor
	switch s.Type {
	case sym.TypeFloat:
		return int64(math.Float32bits(float32(scaled))), nil
	case sym.TypeDouble:
		return int64(math.Float64bits(scaled)), nil
	}
	r := math.Round(scaled)
	// float64(MaxInt64) rounds up to 2^63, so >= is the safe bound.
	if math.IsNaN(r) || r >= math.MaxInt64 || r < math.MinInt64 {
		return 0, fmt.Errorf("value %g out of range", phys)
	}
	return int64(r), nil
}

func physical(s sym.SignalDef, raw int64) float64 {
	switch s.Type {
	case sym.TypeFloat:
		return float64(math.Float32frombits(uint32(uint64(raw))))*s.Factor + s.Offset
	case sym.TypeDouble:
		return math.Float64frombits(uint64(raw))*s.Factor + s.Offset
	}
	return float64(raw)*s.Factor + s.Offset
}

// spanBounds is the representable raw range of the span.
func spanBounds(s sym.SignalDef) (lo, hi int64) {
	n := s.BitLen
	if s.IsSigned() {
		if n >= 64 {
			return math.MinInt64, math.MaxInt64
		}
		return -(1 << (n - 1)), (1 << (n - 1)) - 1
	}
	if n >= 63 {
		return 0, math.MaxInt64
	}
	return 0, (1 << n) - 1
}

// signExtend interprets the low bits as two's complement.
func signExtend(raw uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(raw)
	}
	sign := uint64(1) << (bits - 1)
	if raw&sign != 0 {
		return int64(raw | ^uint64(0)<<bits)
	}
	return int64(raw)
}
