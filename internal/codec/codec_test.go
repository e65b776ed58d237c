package codec

import (
	"errors"
	"math"
	"strings"
	"testing"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/sym"
)

func fp(v float64) *float64 { return &v }

func testDB(t *testing.T) *sym.Database {
	t.Helper()
	return sym.NewDatabase([]sym.MessageDef{
		{Name: "EngineData", ID: 0x100, Length: 8, Signals: []sym.SignalDef{
			{Name: "RPM", StartBit: 0, BitLen: 16, Factor: 0.25},
			{Name: "CoolantTemp", Type: sym.TypeSigned, StartBit: 16, BitLen: 8, Factor: 1},
			{Name: "Gear", StartBit: 24, BitLen: 3, Factor: 1, Enum: "GearPos"},
			{Name: "OilPressure", StartBit: 39, BitLen: 16, Order: sym.Motorola, Factor: 0.1},
		}},
		{Name: "Limits", ID: 0x200, Length: 2, Signals: []sym.SignalDef{
			{Name: "Pct", StartBit: 0, BitLen: 8, Factor: 1, Min: fp(0), Max: fp(100)},
			{Name: "Fine", StartBit: 8, BitLen: 8, Factor: 0.5, Default: fp(10)},
		}},
	}, []sym.Enum{
		{Name: "GearPos", Labels: map[int64]string{0: "Park", 1: "Reverse", 2: "Neutral", 3: "Drive"}},
	})
}

func TestDecodeRPMExample(t *testing.T) {
	// End to end through the symbol text parser: 0x2710 raw at factor
	// 0.25 reads back as 2500 rpm.
	doc := "{SENDRECEIVE}\n[EngineData]\nID=100h\nLen=8\nVar=RPM unsigned 0,16 /u:rpm /f:0.25\n"
	db, perrs, err := sym.Parse(strings.NewReader(doc), "rpm.sym")
	if err != nil || len(perrs) != 0 {
		t.Fatalf("Parse = %v, %v", perrs, err)
	}
	f, err := can.NewFrame(0x100, []byte{0x10, 0x27})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	vals := Decode(db, f)
	v, ok := vals["RPM"]
	if !ok {
		t.Fatalf("RPM missing from %v", vals)
	}
	if v.Raw != 10000 {
		t.Fatalf("Raw = %d, want 10000", v.Raw)
	}
	if v.Phys != 2500.0 {
		t.Fatalf("Phys = %v, want 2500.0", v.Phys)
	}
	if v.Unit != "rpm" {
		t.Fatalf("Unit = %q, want rpm", v.Unit)
	}
}

func TestDecodeUnknownID(t *testing.T) {
	db := testDB(t)
	f, _ := can.NewFrame(0x7AA, []byte{1, 2, 3})
	if vals := Decode(db, f); len(vals) != 0 {
		t.Fatalf("Decode unknown id = %v, want empty", vals)
	}
	if vals := Decode(nil, f); len(vals) != 0 {
		t.Fatalf("Decode nil db = %v, want empty", vals)
	}
}

func TestDecodeSignExtend(t *testing.T) {
	db := testDB(t)
	f, _ := can.NewFrame(0x100, []byte{0, 0, 0xF8, 0, 0, 0, 0, 0})
	vals := Decode(db, f)
	v := vals["CoolantTemp"]
	if v.Raw != -8 {
		t.Fatalf("Raw = %d, want -8", v.Raw)
	}
	if v.Phys != -8 {
		t.Fatalf("Phys = %v, want -8", v.Phys)
	}
}

func TestDecodeMotorola(t *testing.T) {
	db := testDB(t)
	data := make([]byte, 8)
	data[4] = 0x01
	data[5] = 0x2C
	f, _ := can.NewFrame(0x100, data)
	v := Decode(db, f)["OilPressure"]
	if v.Raw != 300 {
		t.Fatalf("Raw = %d, want 300", v.Raw)
	}
	if math.Abs(v.Phys-30.0) > 1e-9 {
		t.Fatalf("Phys = %v, want 30.0", v.Phys)
	}
}

func TestDecodeEnumLabels(t *testing.T) {
	db := testDB(t)
	data := make([]byte, 8)
	data[3] = 3
	f, _ := can.NewFrame(0x100, data)
	if v := Decode(db, f)["Gear"]; v.Label != "Drive" {
		t.Fatalf("Label = %q, want Drive", v.Label)
	}
	data[3] = 5
	f, _ = can.NewFrame(0x100, data)
	if v := Decode(db, f)["Gear"]; v.Label != "Unknown(5)" {
		t.Fatalf("Label = %q, want Unknown(5)", v.Label)
	}
}

func TestDecodeShortFrame(t *testing.T) {
	db := testDB(t)
	// One byte of payload: every defined span runs past it, so decode
	// yields nothing rather than erroring.
	f, _ := can.NewFrame(0x100, []byte{0x42})
	vals := Decode(db, f)
	if _, ok := vals["RPM"]; ok {
		t.Fatalf("RPM decoded from 1-byte frame: %v", vals)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	db := testDB(t)
	in := map[string]float64{
		"RPM":         2500,
		"CoolantTemp": -40,
		"Gear":        3,
		"OilPressure": 55.5,
	}
	f, err := Encode(db, "EngineData", in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if f.ID != 0x100 || f.Length != 8 {
		t.Fatalf("frame = %+v", f)
	}
	out := Decode(db, f)
	for name, want := range in {
		got, ok := out[name]
		if !ok {
			t.Fatalf("%s missing from decode", name)
		}
		factor := 1.0
		switch name {
		case "RPM":
			factor = 0.25
		case "OilPressure":
			factor = 0.1
		}
		if math.Abs(got.Phys-want) > factor {
			t.Fatalf("%s = %v, want %v within %v", name, got.Phys, want, factor)
		}
	}
}

func TestEncodeBitSpanIsolation(t *testing.T) {
	db := testDB(t)
	base := [8]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	f, err := EncodeInto(db, "EngineData", map[string]float64{"CoolantTemp": 0x55}, base)
	if err != nil {
		t.Fatalf("EncodeInto: %v", err)
	}
	if f.Data[2] != 0x55 {
		t.Fatalf("Data[2] = 0x%02X, want 0x55", f.Data[2])
	}
	for _, i := range []int{0, 1, 3, 4, 5, 6, 7} {
		if f.Data[i] != 0xAA {
			t.Fatalf("Data[%d] = 0x%02X, changed outside the target span", i, f.Data[i])
		}
	}
}

func TestEncodeRangeViolations(t *testing.T) {
	db := testDB(t)
	tests := []struct {
		name   string
		values map[string]float64
		reason string
	}{
		{name: "above max", values: map[string]float64{"Pct": 101}, reason: "above maximum"},
		{name: "below min", values: map[string]float64{"Pct": -1}, reason: "below minimum"},
		{name: "span overflow", values: map[string]float64{"Fine": 200}, reason: "does not fit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(db, "Limits", tt.values)
			var ee *EncodeError
			if !errors.As(err, &ee) {
				t.Fatalf("error = %v, want EncodeError", err)
			}
			if !strings.Contains(ee.Reason, tt.reason) {
				t.Fatalf("Reason = %q, want %q", ee.Reason, tt.reason)
			}
		})
	}
}

func TestEncodeUnknown(t *testing.T) {
	db := testDB(t)
	if _, err := Encode(db, "NoSuch", nil); err == nil {
		t.Fatalf("Encode unknown message = nil error")
	}
	_, err := Encode(db, "EngineData", map[string]float64{"Bogus": 1})
	var ee *EncodeError
	if !errors.As(err, &ee) || ee.Signal != "Bogus" {
		t.Fatalf("error = %v, want EncodeError for Bogus", err)
	}
}

func TestEncodeDefaults(t *testing.T) {
	db := testDB(t)
	f, err := Encode(db, "Limits", map[string]float64{"Pct": 50})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Fine defaults to 10 at factor 0.5, raw 20.
	if f.Data[1] != 20 {
		t.Fatalf("Data[1] = %d, want default raw 20", f.Data[1])
	}

	// EncodeInto is read-modify-write and must not apply defaults.
	base := [8]byte{}
	f, err = EncodeInto(db, "Limits", map[string]float64{"Pct": 50}, base)
	if err != nil {
		t.Fatalf("EncodeInto: %v", err)
	}
	if f.Data[1] != 0 {
		t.Fatalf("EncodeInto applied a default: Data[1] = %d", f.Data[1])
	}
}

func TestEncodeNegativeSigned(t *testing.T) {
	db := testDB(t)
	f, err := Encode(db, "EngineData", map[string]float64{"CoolantTemp": -40})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if f.Data[2] != 0xD8 {
		t.Fatalf("Data[2] = 0x%02X, want 0xD8", f.Data[2])
	}
	if v := Decode(db, f)["CoolantTemp"]; v.Phys != -40 {
		t.Fatalf("round trip = %v, want -40", v.Phys)
	}
}
