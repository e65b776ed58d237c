package sym

import (
	"strings"
	"testing"
	"time"
)

const vehicleSym = `FormatVersion=6.0 // Do not edit this line!
Title="Vehicle Demo"

{ENUMS}
Enum=GearPos(0="Park", 1="Reverse", 2="Neutral", 3="Drive")
Enum=DoorState(0="Closed", 1="Open",
  2="Ajar")

{SIGNALS}
Sig=ChecksumXor unsigned 8 -h

{SENDRECEIVE}

[EngineData]
ID=100h
Len=8
CycleTime=500
Var=RPM unsigned 0,16 /u:rpm /f:0.25 /max:16000
Var=CoolantTemp signed 16,8 /u:C /o:-40
Var=Gear unsigned 24,3 /e:GearPos
Var=OilPressure unsigned 39,16 -m /u:kPa /f:0.1
Sig=ChecksumXor 56

[BodyStatus]
ID=200h
Len=4
Var=DriverDoor bit 0,1 /e:DoorState
Var=Odometer unsigned 8,24 /u:km -h
`

func TestParseVehicleSymbols(t *testing.T) {
	db, perrs, err := Parse(strings.NewReader(vehicleSym), "vehicle.sym")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if len(perrs) != 0 {
		t.Fatalf("parse errors = %v, want none", perrs)
	}
	if db.FormatVersion != "6.0" {
		t.Fatalf("FormatVersion = %q, want %q", db.FormatVersion, "6.0")
	}
	if db.Title != "Vehicle Demo" {
		t.Fatalf("Title = %q, want %q", db.Title, "Vehicle Demo")
	}
	stats := db.Stats()
	if stats.Messages != 2 || stats.Signals != 7 || stats.Enums != 2 {
		t.Fatalf("Stats = %+v, want 2 messages, 7 signals, 2 enums", stats)
	}

	m, ok := db.MessageByID(0x100)
	if !ok {
		t.Fatalf("MessageByID(0x100) not found")
	}
	if m.Name != "EngineData" || m.Length != 8 || m.Extended {
		t.Fatalf("EngineData = %+v", m)
	}
	if m.CycleTime != 500*time.Millisecond {
		t.Fatalf("CycleTime = %v, want 500ms", m.CycleTime)
	}

	rpm, ok := m.SignalByName("RPM")
	if !ok {
		t.Fatalf("RPM not found")
	}
	if rpm.StartBit != 0 || rpm.BitLen != 16 || rpm.Factor != 0.25 || rpm.Unit != "rpm" {
		t.Fatalf("RPM = %+v", rpm)
	}
	if rpm.Max == nil || *rpm.Max != 16000 {
		t.Fatalf("RPM.Max = %v, want 16000", rpm.Max)
	}

	coolant, _ := m.SignalByName("CoolantTemp")
	if !coolant.IsSigned() || coolant.Offset != -40 {
		t.Fatalf("CoolantTemp = %+v", coolant)
	}

	oil, _ := m.SignalByName("OilPressure")
	if oil.Order != Motorola {
		t.Fatalf("OilPressure.Order = %v, want motorola", oil.Order)
	}

	checksum, ok := m.SignalByName("ChecksumXor")
	if !ok {
		t.Fatalf("bound global signal ChecksumXor not found")
	}
	if checksum.StartBit != 56 || checksum.BitLen != 8 || !checksum.Hex {
		t.Fatalf("ChecksumXor = %+v", checksum)
	}

	gear, _ := m.SignalByName("Gear")
	if gear.Enum != "GearPos" {
		t.Fatalf("Gear.Enum = %q, want GearPos", gear.Enum)
	}
	if label, ok := db.EnumLabel("GearPos", 3); !ok || label != "Drive" {
		t.Fatalf("EnumLabel(GearPos, 3) = %q, %v", label, ok)
	}
	if label, ok := db.EnumLabel("DoorState", 2); !ok || label != "Ajar" {
		t.Fatalf("multi-line enum label = %q, %v, want Ajar", label, ok)
	}

	body, ok := db.MessageByName("BodyStatus")
	if !ok || body.ID != 0x200 || body.Length != 4 {
		t.Fatalf("BodyStatus = %+v", body)
	}
}

func TestParseExtendedID(t *testing.T) {
	doc := "{SENDRECEIVE}\n[J1939]\nID=18FF50E5h\nLen=8\n"
	db, perrs, err := Parse(strings.NewReader(doc), "ext.sym")
	if err != nil || len(perrs) != 0 {
		t.Fatalf("Parse = %v, %v", perrs, err)
	}
	m, ok := db.MessageByID(0x18FF50E5)
	if !ok {
		t.Fatalf("MessageByID(0x18FF50E5) not found")
	}
	if !m.Extended {
		t.Fatalf("Extended = false, want true")
	}
}

const brokenSym = `FormatVersion=6.0
{SENDRECEIVE}
[NoID]
Len=8
[BadID]
ID=XYZh
Len=8
[Engine]
ID=100h
Var=RPM unsigned 0,16
[Engine]
ID=101h
[Other]
ID=100h
Var=Bogus flux 0,8
Sig=Missing 8
Garbage here
`

func TestParseResilience(t *testing.T) {
	db, perrs, err := Parse(strings.NewReader(brokenSym), "broken.sym")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	want := []string{
		"message NoID missing ID",
		"bad message id",
		"duplicate message Engine",
		"unknown type",
		"not defined",
		"unrecognized statement",
		"duplicate id 0x100",
	}
	if len(perrs) != len(want) {
		t.Fatalf("got %d parse errors %v, want %d", len(perrs), perrs, len(want))
	}
	for _, substr := range want {
		found := false
		for _, pe := range perrs {
			if strings.Contains(pe.Msg, substr) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("no parse error mentioning %q in %v", substr, perrs)
		}
	}
	if perrs[0].Line != 3 {
		t.Fatalf("first error line = %d, want 3", perrs[0].Line)
	}
	if perrs[0].File != "broken.sym" {
		t.Fatalf("first error file = %q", perrs[0].File)
	}

	// The healthy parts still load.
	if m, ok := db.MessageByID(0x100); !ok || m.Name != "Engine" {
		t.Fatalf("MessageByID(0x100) = %v, %v, want Engine", m, ok)
	}
}

func TestParseUnterminatedEnum(t *testing.T) {
	doc := "{ENUMS}\nEnum=Broken(0=\"x\",\n"
	_, perrs, err := Parse(strings.NewReader(doc), "enum.sym")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if len(perrs) != 1 || !strings.Contains(perrs[0].Msg, "unterminated enum") {
		t.Fatalf("parse errors = %v, want one unterminated enum", perrs)
	}
}

func TestBitPositions(t *testing.T) {
	intel := SignalDef{StartBit: 4, BitLen: 8}
	got := intel.BitPositions()
	for i, pos := range got {
		if pos != 4+i {
			t.Fatalf("intel position[%d] = %d, want %d", i, pos, 4+i)
		}
	}

	moto := SignalDef{StartBit: 39, BitLen: 16, Order: Motorola}
	got = moto.BitPositions()
	if len(got) != 16 {
		t.Fatalf("len = %d, want 16", len(got))
	}
	// Big-endian 16-bit across bytes 4 and 5: MSB at payload bit 39,
	// LSB at payload bit 40.
	if got[15] != 39 {
		t.Fatalf("msb position = %d, want 39", got[15])
	}
	if got[0] != 40 {
		t.Fatalf("lsb position = %d, want 40", got[0])
	}
	if got[8] != 32 {
		t.Fatalf("position[8] = %d, want 32", got[8])
	}
}

func TestSplitComment(t *testing.T) {
	tests := []struct {
		in          string
		wantText    string
		wantComment string
	}{
		{in: "Var=X unsigned 0,8 /u:km/h", wantText: "Var=X unsigned 0,8 /u:km/h"},
		{in: "ID=100h // engine", wantText: "ID=100h ", wantComment: "engine"},
		{in: `Title="a//b"`, wantText: `Title="a//b"`},
	}
	for _, tt := range tests {
		text, comment := splitComment(tt.in)
		if text != tt.wantText || comment != tt.wantComment {
			t.Fatalf("splitComment(%q) = %q, %q, want %q, %q", tt.in, text, comment, tt.wantText, tt.wantComment)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	db, _, err := Parse(strings.NewReader(vehicleSym), "vehicle.sym")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var b strings.Builder
	if err := db.Write(&b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	again, perrs, err := Parse(strings.NewReader(b.String()), "rendered.sym")
	if err != nil {
		t.Fatalf("reparse error = %v", err)
	}
	if len(perrs) != 0 {
		t.Fatalf("reparse errors = %v, want none\nrendered:\n%s", perrs, b.String())
	}
	if again.Stats() != db.Stats() {
		t.Fatalf("Stats = %+v, want %+v", again.Stats(), db.Stats())
	}
	m, ok := again.MessageByID(0x100)
	if !ok {
		t.Fatalf("rendered output lost EngineData")
	}
	rpm, ok := m.SignalByName("RPM")
	if !ok || rpm.Factor != 0.25 || rpm.BitLen != 16 {
		t.Fatalf("rendered RPM = %+v, %v", rpm, ok)
	}
	oil, _ := m.SignalByName("OilPressure")
	if oil.Order != Motorola {
		t.Fatalf("rendered OilPressure lost byte order")
	}
	if label, ok := again.EnumLabel("DoorState", 2); !ok || label != "Ajar" {
		t.Fatalf("rendered enum label = %q, %v", label, ok)
	}
}
