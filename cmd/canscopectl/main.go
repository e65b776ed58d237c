package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/codec"
	"example.com/canscope/internal/common"
	"example.com/canscope/internal/replay"
	"example.com/canscope/internal/report"
	"example.com/canscope/internal/session"
	"example.com/canscope/internal/socketcan"
	"example.com/canscope/internal/sym"
	"example.com/canscope/internal/tracelog"
	"example.com/canscope/internal/vcan"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "canscopectl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}
	switch args[0] {
	case "sym":
		return symCmd(args[1:])
	case "decode":
		return decodeCmd(args[1:])
	case "encode":
		return encodeCmd(args[1:])
	case "convert":
		return convertCmd(args[1:])
	case "monitor":
		return monitorCmd(args[1:])
	case "send":
		return sendCmd(args[1:])
	case "play":
		return playCmd(args[1:])
	case "gen":
		return genCmd(args[1:])
	case "report":
		return reportCmd(args[1:])
	case "version":
		fmt.Printf("canscopectl %s (built %s)\n", version, buildDate)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Printf(`canscopectl %s (built %s) <command> [options]

Commands:
  sym check <file.sym>
  decode   -sym <file.sym> -id <0x100> -data "10 27"
  encode   -sym <file.sym> -msg <message> -set Sig=Val[,Sig=Val...]
  convert  -in <trace> -out <trace> [-progress]
  monitor  -iface <can0> | -virtual [-sym <file.sym>] [-record <out.trc>]
  send     -iface <can0> | -virtual -id <0x100> -data "10 27" [-period 500ms] [-count 5]
  play     -in <trace> [-speed 2.0] [-iface <can0> | -stdout]
  gen      -out <trace> [-duration 10s] [-step 10ms] [-seed 42]
  report   -in <trace> -out <dir> [-sym <file.sym>] [-lang en|tr]
  version
`, version, buildDate)
}

// loadSymbols parses a symbol file, reporting recoverable line errors on
// stderr. A file that yields no messages at all is treated as unusable.
func loadSymbols(path string) (*sym.Database, error) {
	db, perrs, err := sym.Load(path)
	if err != nil {
		return nil, err
	}
	for _, pe := range perrs {
		fmt.Fprintln(os.Stderr, "symbols:", pe.Error())
	}
	if db.Stats().Messages == 0 && len(perrs) > 0 {
		return nil, fmt.Errorf("%s: no usable messages (%d parse errors)", filepath.Base(path), len(perrs))
	}
	return db, nil
}

func parseID(s string) (uint32, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	if v == "" {
		return 0, errors.New("missing id")
	}
	base := 10
	if strings.HasPrefix(v, "0x") {
		v = v[2:]
		base = 16
	}
	id, err := strconv.ParseUint(v, base, 32)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return uint32(id), nil
}

func parseData(s string) ([]byte, error) {
	joined := strings.Join(strings.Fields(s), "")
	if joined == "" {
		return nil, nil
	}
	if len(joined)%2 != 0 {
		return nil, fmt.Errorf("odd hex payload %q", s)
	}
	data, err := hex.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("bad hex payload %q", s)
	}
	if len(data) > can.MaxDataLen {
		return nil, fmt.Errorf("payload longer than %d bytes", can.MaxDataLen)
	}
	return data, nil
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

// openSession builds a session on the real interface or the virtual bus.
func openSession(iface string, virtual bool) (*session.Session, error) {
	var drv can.Driver
	channel := iface
	if virtual {
		drv = vcan.New()
		channel = "virtual"
	} else {
		drv = socketcan.New(iface)
	}
	return session.New(session.Options{Driver: drv, Channel: channel})
}

func symCmd(args []string) error {
	if len(args) == 0 {
		fmt.Println("sym commands:")
		fmt.Println("  check <file.sym>")
		return errors.New("missing sym subcommand")
	}
	switch args[0] {
	case "check":
		return symCheckCmd(args[1:])
	default:
		return fmt.Errorf("unknown sym subcommand %q", args[0])
	}
}

func symCheckCmd(args []string) error {
	fs := flag.NewFlagSet("sym check", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("required: symbol file path")
	}
	path := fs.Arg(0)
	db, perrs, err := sym.Load(path)
	if err != nil {
		return err
	}
	for _, pe := range perrs {
		fmt.Println(pe.Error())
	}
	diags := sym.Lint(db)
	for _, d := range diags {
		fmt.Println(d.String())
	}
	st := db.Stats()
	fmt.Printf("%s: %d messages, %d signals, %d enums\n", filepath.Base(path), st.Messages, st.Signals, st.Enums)
	if len(perrs) > 0 || sym.HasErrors(diags) {
		return fmt.Errorf("%s has errors", filepath.Base(path))
	}
	return nil
}

func decodeCmd(args []string) error {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	symPath := fs.String("sym", "", "symbol file")
	idStr := fs.String("id", "", "frame identifier, 0x hex or decimal")
	dataStr := fs.String("data", "", "payload bytes as hex")
	fs.Parse(args)
	if *symPath == "" {
		return errors.New("required: -sym")
	}
	if *idStr == "" {
		return errors.New("required: -id")
	}
	db, err := loadSymbols(*symPath)
	if err != nil {
		return err
	}
	id, err := parseID(*idStr)
	if err != nil {
		return err
	}
	data, err := parseData(*dataStr)
	if err != nil {
		return err
	}
	f, err := can.NewFrame(id, data)
	if err != nil {
		return err
	}
	m, ok := db.MessageByID(id)
	if !ok {
		return fmt.Errorf("id 0x%X is not defined in %s", id, filepath.Base(*symPath))
	}
	values := codec.Decode(db, f)
	fmt.Printf("%s (0x%X) [%d] %s\n", m.Name, m.ID, f.Length, hexBytes(f.Payload()))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SIGNAL\tRAW\tPHYSICAL\tUNIT\tLABEL")
	for _, s := range m.Signals {
		v, ok := values[s.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%g\t%s\t%s\n", s.Name, v.Raw, v.Phys, v.Unit, v.Label)
	}
	return w.Flush()
}

func parseAssignments(s string) (map[string]float64, error) {
	values := map[string]float64{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("bad assignment %q, want Name=Value", part)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("bad value in %q", part)
		}
		values[strings.TrimSpace(name)] = v
	}
	return values, nil
}

func encodeCmd(args []string) error {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	symPath := fs.String("sym", "", "symbol file")
	msg := fs.String("msg", "", "message name")
	set := fs.String("set", "", "signal values, Name=Value comma separated")
	fs.Parse(args)
	if *symPath == "" {
		return errors.New("required: -sym")
	}
	if *msg == "" {
		return errors.New("required: -msg")
	}
	db, err := loadSymbols(*symPath)
	if err != nil {
		return err
	}
	values, err := parseAssignments(*set)
	if err != nil {
		return err
	}
	f, err := codec.Encode(db, *msg, values)
	if err != nil {
		return err
	}
	fmt.Printf("0x%X [%d] %s\n", f.ID, f.Length, hexBytes(f.Payload()))
	return nil
}

func convertCmd(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "input trace")
	out := fs.String("out", "", "output trace")
	progress := fs.Bool("progress", false, "print progress while converting")
	fs.Parse(args)
	if *in == "" {
		return errors.New("required: -in")
	}
	if *out == "" {
		return errors.New("required: -out")
	}

	r, err := tracelog.NewReader(*in)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := tracelog.NewWriter(*out)
	if err != nil {
		return err
	}

	metrics := common.NewMetrics()
	metrics.Start()
	var stopProgress func()
	if *progress {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	written := 0
	var copyErr error
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			copyErr = err
			break
		}
		if err := w.Write(m); err != nil {
			copyErr = err
			break
		}
		metrics.AddEntry(int64(m.Length))
		written++
	}
	if stopProgress != nil {
		stopProgress()
	}
	metrics.Stop()
	if copyErr != nil {
		w.Close()
		return copyErr
	}
	if err := w.Close(); err != nil {
		return err
	}
	snap := metrics.Snapshot()
	fmt.Printf("%s -> %s: %d entries in %s, %d skipped\n",
		filepath.Base(*in), filepath.Base(*out), written,
		snap.Duration.Round(time.Millisecond), r.Skipped())
	return nil
}

// printMessage renders one bus message as a monitor line, appending decoded
// signal values when a database knows the identifier.
func printMessage(w io.Writer, m can.Message, db *sym.Database) {
	ts := m.Timestamp.Format("15:04:05.000")
	if m.Error {
		fmt.Fprintf(w, "%s  %s  error frame\n", ts, m.Direction)
		return
	}
	line := fmt.Sprintf("%s  %s  0x%03X  [%d]  %s", ts, m.Direction, m.ID, m.Length, hexBytes(m.Payload()))
	if msg, ok := db.MessageByID(m.ID); ok {
		values := codec.Decode(db, m.Frame)
		parts := make([]string, 0, len(values))
		for _, s := range msg.Signals {
			v, ok := values[s.Name]
			if !ok {
				continue
			}
			if v.Label != "" {
				parts = append(parts, fmt.Sprintf("%s=%s", s.Name, v.Label))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%g%s", s.Name, v.Phys, v.Unit))
		}
		line += "  " + msg.Name
		if len(parts) > 0 {
			line += ": " + strings.Join(parts, " ")
		}
	}
	fmt.Fprintln(w, line)
}

func monitorCmd(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	iface := fs.String("iface", "", "CAN interface")
	virtual := fs.Bool("virtual", false, "use the built-in virtual bus")
	symPath := fs.String("sym", "", "symbol file for live decoding")
	record := fs.String("record", "", "record received traffic to this trace file")
	fs.Parse(args)
	if *iface == "" && !*virtual {
		return errors.New("required: -iface or -virtual")
	}

	sess, err := openSession(*iface, *virtual)
	if err != nil {
		return err
	}
	defer sess.Close()
	if *symPath != "" {
		if _, _, err := sess.LoadSymbols(*symPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := sess.Broadcaster().Subscribe("monitor", 1024)
	defer sess.Broadcaster().Unsubscribe(sub)
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if *record != "" {
		if err := sess.StartRecording(*record); err != nil {
			return err
		}
		defer func() {
			if dropped, err := sess.StopRecording(); err == nil {
				fmt.Fprintf(os.Stderr, "recorded to %s, %d dropped\n", *record, dropped)
			}
		}()
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "%d messages\n", count)
			return nil
		case m, ok := <-sub.C():
			if !ok {
				return nil
			}
			printMessage(os.Stdout, m, sess.Database())
			count++
		}
	}
}

func sendCmd(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	iface := fs.String("iface", "", "CAN interface")
	virtual := fs.Bool("virtual", false, "use the built-in virtual bus")
	idStr := fs.String("id", "", "frame identifier, 0x hex or decimal")
	dataStr := fs.String("data", "", "payload bytes as hex")
	period := fs.Duration("period", 0, "repeat period, one-shot when zero")
	count := fs.Int("count", 0, "frames to send when -period is set, 0 = until interrupted")
	fs.Parse(args)
	if *iface == "" && !*virtual {
		return errors.New("required: -iface or -virtual")
	}
	if *idStr == "" {
		return errors.New("required: -id")
	}
	id, err := parseID(*idStr)
	if err != nil {
		return err
	}
	data, err := parseData(*dataStr)
	if err != nil {
		return err
	}
	f, err := can.NewFrame(id, data)
	if err != nil {
		return err
	}

	sess, err := openSession(*iface, *virtual)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	if *period <= 0 {
		if err := sess.Send(ctx, f); err != nil {
			return err
		}
		fmt.Printf("sent 0x%X\n", f.ID)
		return nil
	}
	sent := 0
	ticker := time.NewTicker(*period)
	defer ticker.Stop()
	for {
		if err := sess.Send(ctx, f); err != nil {
			return err
		}
		sent++
		if *count > 0 && sent >= *count {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Printf("sent %d frames\n", sent)
			return nil
		case <-ticker.C:
		}
	}
	fmt.Printf("sent %d frames\n", sent)
	return nil
}

func playCmd(args []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	in := fs.String("in", "", "trace file")
	speed := fs.Float64("speed", 1.0, "playback speed multiplier")
	iface := fs.String("iface", "", "CAN interface to transmit on")
	toStdout := fs.Bool("stdout", false, "print entries instead of transmitting")
	fs.Parse(args)
	if *in == "" {
		return errors.New("required: -in")
	}
	if *iface == "" && !*toStdout {
		return errors.New("required: -iface or -stdout")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink func(can.Message)
	if *toStdout {
		sink = func(m can.Message) { printMessage(os.Stdout, m, nil) }
	} else {
		drv := socketcan.New(*iface)
		if err := drv.Connect(ctx); err != nil {
			return err
		}
		defer drv.Disconnect()
		sink = func(m can.Message) {
			if err := drv.Send(ctx, m.Frame); err != nil {
				fmt.Fprintln(os.Stderr, "send:", err)
			}
		}
	}

	p := replay.New(sink)
	if err := p.Load(*in); err != nil {
		return err
	}
	if skipped := p.Skipped(); skipped > 0 {
		fmt.Fprintf(os.Stderr, "%d malformed entries skipped\n", skipped)
	}
	if err := p.SetSpeed(*speed); err != nil {
		return err
	}
	fmt.Printf("playing %s: %d entries over %s at %gx\n",
		filepath.Base(*in), p.Len(), p.Duration().Round(time.Millisecond), *speed)
	if err := p.Play(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Stop()
			return nil
		case <-ticker.C:
			if p.State() == replay.Stopped {
				return nil
			}
		}
	}
}

func genCmd(args []string) error {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	out := fs.String("out", "", "output trace file")
	duration := fs.Duration("duration", 10*time.Second, "length of traffic to generate")
	step := fs.Duration("step", 10*time.Millisecond, "generation step")
	seed := fs.Int64("seed", 0, "random seed, 0 = time-based")
	fs.Parse(args)
	if *out == "" {
		return errors.New("required: -out")
	}

	base := time.Now().UTC().Truncate(time.Second)
	opts := []vcan.Option{vcan.WithClock(func() time.Time { return base })}
	if *seed != 0 {
		opts = append(opts, vcan.WithSeed(*seed))
	}
	bus := vcan.New(opts...)
	msgs, err := bus.Generate(base, *duration, *step)
	if err != nil {
		return err
	}

	w, err := tracelog.NewWriter(*out)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	fmt.Printf("%s: %d entries over %s\n", filepath.Base(*out), len(msgs), duration.Round(time.Millisecond))
	return nil
}

func reportCmd(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	in := fs.String("in", "", "input trace")
	out := fs.String("out", "", "output directory")
	symPath := fs.String("sym", "", "symbol file for coverage")
	langStr := fs.String("lang", "en", "report language")
	fs.Parse(args)
	if *in == "" {
		return errors.New("required: -in")
	}
	if *out == "" {
		return errors.New("required: -out")
	}
	lang, err := report.ParseLanguage(*langStr)
	if err != nil {
		return err
	}
	var db *sym.Database
	if *symPath != "" {
		if db, err = loadSymbols(*symPath); err != nil {
			return err
		}
	}

	msgs, skipped, err := tracelog.ReadAll(*in)
	if err != nil {
		return err
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "%d malformed entries skipped\n", skipped)
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}

	summary := report.BuildSummary(msgs, db)
	jsonPath := filepath.Join(*out, "summary.json")
	if err := report.SaveSummaryJSON(summary, jsonPath); err != nil {
		return err
	}
	pdfPath := filepath.Join(*out, "summary.pdf")
	if err := report.SaveSummaryPDF(summary, pdfPath, report.NewTranslator(lang)); err != nil {
		return err
	}
	manifest, err := report.BuildManifest([]string{*in, jsonPath, pdfPath})
	if err != nil {
		return err
	}
	// Manifest entries name the files as they travel, not local paths.
	for i, name := range []string{filepath.Base(*in), "summary.json", "summary.pdf"} {
		manifest.Items[i].Path = name
	}
	manifestPath := filepath.Join(*out, "manifest.json")
	if err := report.SaveManifest(manifest, manifestPath); err != nil {
		return err
	}
	hash, err := report.SaveManifestQR(manifestPath, filepath.Join(*out, "manifest.png"), 256)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d frames, %d ids, coverage %.0f%%\n",
		filepath.Base(*in), summary.TotalFrames, summary.UniqueIDs, summary.Coverage*100)
	fmt.Printf("report written to %s (manifest sha256 %s)\n", *out, hash)
	return nil
}
