package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"example.com/canscope/internal/report"
	"example.com/canscope/internal/tracelog"
)

const vehicleSym = `FormatVersion=6.0
Title="Vehicle"

{SENDRECEIVE}

[Engine]
ID=100h
Len=8
Var=RPM unsigned 0,16 /f:0.25 /u:rpm
`

func writeVehicleSymbols(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "vehicle.sym")
	if err := os.WriteFile(path, []byte(vehicleSym), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run([]string{"bogus"}); err == nil {
		t.Fatal("run accepted an unknown command")
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	if err := run(nil); err != nil {
		t.Fatalf("run() = %v, want nil", err)
	}
}

func TestSymCheckCmd(t *testing.T) {
	dir := t.TempDir()
	good := writeVehicleSymbols(t, dir)
	if err := symCheckCmd([]string{good}); err != nil {
		t.Fatalf("symCheckCmd(%s) = %v, want nil", good, err)
	}

	bad := filepath.Join(dir, "dup.sym")
	content := vehicleSym + "\n[Engine2]\nID=100h\nLen=8\nVar=Other unsigned 0,8\n"
	if err := os.WriteFile(bad, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := symCheckCmd([]string{bad}); err == nil {
		t.Fatal("symCheckCmd accepted a database with a duplicate id")
	}

	if err := symCheckCmd(nil); err == nil {
		t.Fatal("symCheckCmd accepted a missing path")
	}
}

func TestEncodeCmdUnknownMessage(t *testing.T) {
	symPath := writeVehicleSymbols(t, t.TempDir())
	err := encodeCmd([]string{"-sym", symPath, "-msg", "NoSuch", "-set", "RPM=2500"})
	if err == nil {
		t.Fatal("encodeCmd accepted an unknown message")
	}
}

func TestEncodeCmdRoundsTrip(t *testing.T) {
	symPath := writeVehicleSymbols(t, t.TempDir())
	if err := encodeCmd([]string{"-sym", symPath, "-msg", "Engine", "-set", "RPM=2500"}); err != nil {
		t.Fatalf("encodeCmd: %v", err)
	}
}

func TestDecodeCmdRejectsUnknownID(t *testing.T) {
	symPath := writeVehicleSymbols(t, t.TempDir())
	err := decodeCmd([]string{"-sym", symPath, "-id", "0x7FF", "-data", "00"})
	if err == nil {
		t.Fatal("decodeCmd accepted an id the database does not define")
	}
}

func TestConvertCmdRequiresFlags(t *testing.T) {
	if err := convertCmd(nil); err == nil {
		t.Fatal("convertCmd accepted missing -in")
	}
	if err := convertCmd([]string{"-in", "a.csv"}); err == nil {
		t.Fatal("convertCmd accepted missing -out")
	}
}

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]float64
		wantErr bool
	}{
		{in: "RPM=2500", want: map[string]float64{"RPM": 2500}},
		{in: "A=1, B=2.5", want: map[string]float64{"A": 1, "B": 2.5}},
		{in: "", want: map[string]float64{}},
		{in: "A", wantErr: true},
		{in: "A=x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAssignments(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAssignments(%q) accepted bad input", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAssignments(%q) = %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parseAssignments(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestOfflinePipeline drives gen, convert and report back to back the way
// the commands chain in practice: synthesize traffic, change its container
// and build the artifact set.
func TestOfflinePipeline(t *testing.T) {
	root := t.TempDir()
	trace := filepath.Join(root, "traffic.csv")
	if err := genCmd([]string{"-out", trace, "-duration", "2s", "-seed", "7"}); err != nil {
		t.Fatalf("genCmd: %v", err)
	}
	msgs, skipped, err := tracelog.ReadAll(trace)
	if err != nil {
		t.Fatalf("ReadAll generated trace: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("generated trace skipped = %d, want 0", skipped)
	}
	// The full catalog fires at the window start; in two seconds the 500ms,
	// 1s and 2s messages cycle again.
	if len(msgs) != 14 {
		t.Fatalf("generated %d entries, want 14", len(msgs))
	}

	converted := filepath.Join(root, "traffic.jsonl")
	if err := convertCmd([]string{"-in", trace, "-out", converted}); err != nil {
		t.Fatalf("convertCmd: %v", err)
	}
	round, _, err := tracelog.ReadAll(converted)
	if err != nil {
		t.Fatalf("ReadAll converted trace: %v", err)
	}
	if len(round) != len(msgs) {
		t.Fatalf("converted %d entries, want %d", len(round), len(msgs))
	}

	symPath := writeVehicleSymbols(t, root)
	outDir := filepath.Join(root, "report")
	if err := reportCmd([]string{"-in", trace, "-out", outDir, "-sym", symPath, "-lang", "tr"}); err != nil {
		t.Fatalf("reportCmd: %v", err)
	}

	summary, err := report.LoadSummaryJSON(filepath.Join(outDir, "summary.json"))
	if err != nil {
		t.Fatalf("LoadSummaryJSON: %v", err)
	}
	if summary.TotalFrames != uint64(len(msgs)) {
		t.Fatalf("summary.TotalFrames = %d, want %d", summary.TotalFrames, len(msgs))
	}
	if summary.UniqueIDs != 7 {
		t.Fatalf("summary.UniqueIDs = %d, want 7", summary.UniqueIDs)
	}
	if summary.DecodedIDs != 1 {
		t.Fatalf("summary.DecodedIDs = %d, want 1", summary.DecodedIDs)
	}

	for _, name := range []string{"summary.pdf", "manifest.png"} {
		info, err := os.Stat(filepath.Join(outDir, name))
		if err != nil {
			t.Fatalf("Stat %s: %v", name, err)
		}
		if info.Size() == 0 {
			t.Fatalf("%s is empty", name)
		}
	}

	manifest, err := report.LoadManifest(filepath.Join(outDir, "manifest.json"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(manifest.Items) != 3 {
		t.Fatalf("manifest has %d items, want 3", len(manifest.Items))
	}
	wantPaths := []string{"traffic.csv", "summary.json", "summary.pdf"}
	for i, want := range wantPaths {
		if manifest.Items[i].Path != want {
			t.Fatalf("manifest item %d path = %q, want %q", i, manifest.Items[i].Path, want)
		}
	}
}
