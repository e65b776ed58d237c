package tracelog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/canscope/internal/can"
)

var traceBase = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func mkMessage(t *testing.T, off time.Duration, id uint32, data []byte, dir can.Direction) can.Message {
	t.Helper()
	f, err := can.NewFrame(id, data)
	if err != nil {
		t.Fatalf("NewFrame(0x%X) failed: %v", id, err)
	}
	return can.Message{Frame: f, Timestamp: traceBase.Add(off), Direction: dir, Channel: "can0"}
}

func sampleMessages(t *testing.T) []can.Message {
	t.Helper()
	msgs := []can.Message{
		mkMessage(t, 0, 0x100, []byte{0x10, 0x27}, can.Rx),
		mkMessage(t, 5*time.Millisecond, 0x18FF50E5, []byte{0xDE, 0xAD, 0xBE, 0xEF}, can.Tx),
	}
	remote := can.Message{Timestamp: traceBase.Add(12 * time.Millisecond), Direction: can.Rx, Channel: "can0"}
	remote.ID = 0x200
	remote.Length = 2
	remote.Remote = true
	errFrame := can.Message{Frame: can.ErrorFrame(), Timestamp: traceBase.Add(20 * time.Millisecond), Direction: can.Rx, Channel: "can0"}
	return append(msgs, remote, errFrame)
}

func assertSameEntry(t *testing.T, i int, got, want can.Message) {
	t.Helper()
	if got.ID != want.ID {
		t.Errorf("entry %d: ID = 0x%X, want 0x%X", i, got.ID, want.ID)
	}
	if got.Length != want.Length {
		t.Errorf("entry %d: Length = %d, want %d", i, got.Length, want.Length)
	}
	if !bytes.Equal(got.Payload(), want.Payload()) {
		t.Errorf("entry %d: payload = % X, want % X", i, got.Payload(), want.Payload())
	}
	if got.Direction != want.Direction {
		t.Errorf("entry %d: Direction = %v, want %v", i, got.Direction, want.Direction)
	}
	if got.Extended != want.Extended {
		t.Errorf("entry %d: Extended = %v, want %v", i, got.Extended, want.Extended)
	}
	if got.Remote != want.Remote {
		t.Errorf("entry %d: Remote = %v, want %v", i, got.Remote, want.Remote)
	}
	if got.Error != want.Error {
		t.Errorf("entry %d: Error = %v, want %v", i, got.Error, want.Error)
	}
	if d := got.Timestamp.Sub(want.Timestamp); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("entry %d: timestamp off by %v", i, d)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"trace.csv", FormatCSV, false},
		{"trace.jsonl", FormatJSONL, false},
		{"/tmp/cap/trace.ASC", FormatASC, false},
		{"trace.trc", FormatTRC, false},
		{"trace.pcap", 0, true},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		got, err := DetectFormat(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("DetectFormat(%q): expected error", tt.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("DetectFormat(%q) failed: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DetectFormat(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRoundTripAllFormats(t *testing.T) {
	want := sampleMessages(t)
	for _, format := range []Format{FormatCSV, FormatJSONL, FormatASC, FormatTRC} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trace."+format.String())
			w, err := NewWriter(path)
			if err != nil {
				t.Fatalf("NewWriter failed: %v", err)
			}
			for _, m := range want {
				if err := w.Write(m); err != nil {
					t.Fatalf("Write failed: %v", err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			got, skipped, err := ReadAll(path)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if skipped != 0 {
				t.Fatalf("skipped = %d, want 0", skipped)
			}
			if len(got) != len(want) {
				t.Fatalf("read %d entries, want %d", len(got), len(want))
			}
			for i := range want {
				assertSameEntry(t, i, got[i], want[i])
			}
		})
	}
}

func TestWriterFlushMakesFileReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.csv")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()
	if err := w.Write(mkMessage(t, 0, 0x100, []byte{0x01}, can.Rx)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	got, _, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll mid-stream failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 0x100 {
		t.Fatalf("mid-stream read = %+v, want one entry with ID 0x100", got)
	}
}

func TestReadOriginalStyleCSV(t *testing.T) {
	content := "Timestamp,ID,DLC,Data,Direction,Extended,Remote,Error\n" +
		"1735732800.000000,0x100,2,10 27,rx,False,False,False\n" +
		"1735732800.005000,0x18FF50E5,4,DE AD BE EF,tx,True,False,False\n"
	path := filepath.Join(t.TempDir(), "orig.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, skipped, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	if len(got) != 2 {
		t.Fatalf("read %d entries, want 2", len(got))
	}
	if got[0].ID != 0x100 || got[0].Extended {
		t.Errorf("first entry = ID 0x%X ext=%v, want 0x100 standard", got[0].ID, got[0].Extended)
	}
	if !got[0].Timestamp.Equal(time.Unix(1735732800, 0)) {
		t.Errorf("first timestamp = %v, want %v", got[0].Timestamp, time.Unix(1735732800, 0).UTC())
	}
	if got[1].ID != 0x18FF50E5 || !got[1].Extended || got[1].Direction != can.Tx {
		t.Errorf("second entry = %+v, want extended tx 0x18FF50E5", got[1])
	}
	if got[0].Channel != "file" {
		t.Errorf("Channel = %q, want %q", got[0].Channel, "file")
	}
}

func TestReadOriginalStyleJSONL(t *testing.T) {
	content := `{"timestamp": 1735732800.0, "id": 256, "dlc": 2, "data": [16, 39], "direction": "rx", "extended_id": false, "remote_frame": false, "error_frame": false, "channel": "vcan0"}` + "\n"
	path := filepath.Join(t.TempDir(), "orig.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, _, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d entries, want 1", len(got))
	}
	if got[0].ID != 0x100 {
		t.Errorf("ID = 0x%X, want 0x100", got[0].ID)
	}
	if !bytes.Equal(got[0].Payload(), []byte{0x10, 0x27}) {
		t.Errorf("payload = % X, want 10 27", got[0].Payload())
	}
	if got[0].Channel != "vcan0" {
		t.Errorf("Channel = %q, want %q", got[0].Channel, "vcan0")
	}
}

func TestReaderResilience(t *testing.T) {
	tests := []struct {
		name        string
		file        string
		content     string
		wantEntries int
		wantSkipped int
	}{
		{
			name: "csv",
			file: "t.csv",
			content: "Timestamp,ID,DLC,Data,Direction,Extended,Remote,Error\n" +
				"1735732800.0,0x100,1,AB,rx,false,false,false\n" +
				"not,a,row\n" +
				"1735732800.5,0x101,1,CD,tx,false,false,false\n",
			wantEntries: 2,
			wantSkipped: 1,
		},
		{
			name: "jsonl",
			file: "t.jsonl",
			content: `{"timestamp":1735732800.0,"id":256,"dlc":1,"data":[171],"direction":"rx"}` + "\n" +
				"{broken json\n" +
				`{"timestamp":1735732800.5,"id":257,"dlc":1,"data":[205],"direction":"tx"}` + "\n",
			wantEntries: 2,
			wantSkipped: 1,
		},
		{
			name: "asc",
			file: "t.asc",
			content: "date Wed Jan 01 12:00:00.000 2025\n" +
				"base hex  timestamps absolute\n" +
				"no internal events logged\n" +
				"Begin Triggerblock Wed Jan 01 12:00:00.000 2025\n" +
				"1735732800000.000 1  100             Rx   d 2 1027\n" +
				"garbage that is not an entry\n" +
				"1735732800005.000 1  18FF50E5x             Tx   d 1 FF\n" +
				"End TriggerBlock\n",
			wantEntries: 2,
			wantSkipped: 1,
		},
		{
			name: "trc",
			file: "t.trc",
			content: ";$FILEVERSION=2.1\n" +
				";$STARTTIME=1735732800.000000\n" +
				";$COLUMNS=N,O,T,B,I,d,R,L,D\n" +
				";\n" +
				"     1      0.000 DT 1 00000100 Rx - 2    10 27\n" +
				"junk line\n" +
				"     2      5.000 DT 1 18FF50E5 Tx - 1    FF\n",
			wantEntries: 2,
			wantSkipped: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			got, skipped, err := ReadAll(path)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if len(got) != tt.wantEntries {
				t.Errorf("entries = %d, want %d", len(got), tt.wantEntries)
			}
			if skipped != tt.wantSkipped {
				t.Errorf("skipped = %d, want %d", skipped, tt.wantSkipped)
			}
			if len(got) > 0 && got[0].ID != 0x100 {
				t.Errorf("first ID = 0x%X, want 0x100", got[0].ID)
			}
		})
	}
}

func TestReaderReset(t *testing.T) {
	content := "Timestamp,ID,DLC,Data,Direction,Extended,Remote,Error\n" +
		"1.0,0x100,1,AB,rx,false,false,false\n" +
		"oops\n" +
		"2.0,0x101,1,CD,rx,false,false,false\n"
	path := filepath.Join(t.TempDir(), "reset.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()
	var n int
	for {
		if _, err := r.Next(); err != nil {
			break
		}
		n++
	}
	if n != 2 || r.Skipped() != 1 {
		t.Fatalf("first pass: entries = %d skipped = %d, want 2 and 1", n, r.Skipped())
	}
	if err := r.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if r.Skipped() != 0 {
		t.Fatalf("Skipped after Reset = %d, want 0", r.Skipped())
	}
	m, err := r.Next()
	if err != nil {
		t.Fatalf("Next after Reset failed: %v", err)
	}
	if m.ID != 0x100 {
		t.Fatalf("first ID after Reset = 0x%X, want 0x100", m.ID)
	}
}

func TestASCFileShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shape.asc")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Write(mkMessage(t, 0, 0x100, []byte{0x10, 0x27}, can.Rx)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := []string{
		"date Wed Jan 01 12:00:00.000 2025",
		"base hex  timestamps absolute",
		"no internal events logged",
		"Begin Triggerblock Wed Jan 01 12:00:00.000 2025",
		"1735732800000.000 1  100             Rx   d 2 1027",
		"End TriggerBlock",
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != len(want) {
		t.Fatalf("file has %d lines, want %d:\n%s", len(lines), len(want), raw)
	}
	for i, line := range lines {
		if line != want[i] {
			t.Errorf("line %d = %q, want %q", i+1, line, want[i])
		}
	}
}

func TestTRCRelativeOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.trc")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Write(mkMessage(t, 0, 0x100, []byte{0x10, 0x27}, can.Rx)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write(mkMessage(t, 250*time.Millisecond, 0x100, []byte{0x10, 0x27}, can.Rx)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var entries []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		entries = append(entries, line)
	}
	wantLines := []string{
		"       1      0.000 DT 1 00000100 Rx -  2    10 27",
		"       2    250.000 DT 1 00000100 Rx -  2    10 27",
	}
	if len(entries) != 2 {
		t.Fatalf("entry lines = %d, want 2:\n%s", len(entries), raw)
	}
	for i, line := range entries {
		if line != wantLines[i] {
			t.Errorf("entry line %d = %q, want %q", i+1, line, wantLines[i])
		}
	}
	if !strings.Contains(string(raw), ";$STARTTIME=1735732800.000000") {
		t.Errorf("header missing absolute start time:\n%s", raw)
	}
	got, _, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d entries, want 2", len(got))
	}
	if d := got[1].Timestamp.Sub(got[0].Timestamp); d < 249*time.Millisecond || d > 251*time.Millisecond {
		t.Errorf("inter-entry gap = %v, want 250ms", d)
	}
	if d := got[0].Timestamp.Sub(traceBase); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("absolute time off by %v after round trip", d)
	}
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.csv")
	dst := filepath.Join(dir, "out.trc")
	w, err := NewWriter(src)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	msgs := []can.Message{
		mkMessage(t, 0, 0x100, []byte{0x10, 0x27}, can.Rx),
		mkMessage(t, 5*time.Millisecond, 0x101, []byte{0x01}, can.Tx),
	}
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	written, convSkipped, err := Convert(src, dst)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if written != 2 || convSkipped != 0 {
		t.Fatalf("Convert = (%d, %d), want (2, 0)", written, convSkipped)
	}
	got, _, err := ReadAll(dst)
	if err != nil {
		t.Fatalf("ReadAll of converted file failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("converted entries = %d, want 2", len(got))
	}
	for i := range msgs {
		assertSameEntry(t, i, got[i], msgs[i])
	}
}

func TestConvertUnsupportedFormat(t *testing.T) {
	_, _, err := Convert("in.pcap", "out.csv")
	if err == nil {
		t.Fatal("Convert with unsupported source: expected error")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("error type = %T, want *IOError", err)
	}
	if ioErr.Op != "open" {
		t.Errorf("Op = %q, want %q", ioErr.Op, "open")
	}
}
