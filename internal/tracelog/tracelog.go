// Package tracelog reads and writes CAN trace files in four interchange
// formats: CSV, JSON lines, Vector-style ASC and PCAN-style TRC.
//
// Writers stream: entries are appended as they arrive and headers are
// written lazily with the first entry, so a file is useful even if the
// process dies mid-capture. Readers are lazy and resilient: one entry per
// Next call, malformed entries counted and skipped, Reset rewinds to the
// first entry.
package tracelog

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/canscope/internal/can"
)

// Format identifies a trace file encoding.
type Format uint8

const (
	FormatCSV Format = iota
	FormatJSONL
	FormatASC
	FormatTRC
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatJSONL:
		return "jsonl"
	case FormatASC:
		return "asc"
	case FormatTRC:
		return "trc"
	}
	return "unknown"
}

// DetectFormat selects a format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl":
		return FormatJSONL, nil
	case ".asc":
		return FormatASC, nil
	case ".trc":
		return FormatTRC, nil
	}
	return 0, fmt.Errorf("unsupported trace format %q", filepath.Ext(path))
}

// IOError wraps a trace file failure with its path and operation.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("tracelog %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Writer appends messages to a trace stream.
type Writer interface {
	Write(m can.Message) error
	Flush() error
	Close() error
}

// Reader yields trace entries one at a time. Next returns io.EOF at the
// end; Reset rewinds to the first entry; Skipped counts malformed entries
// passed over since open or the last Reset.
type Reader interface {
	Next() (can.Message, error)
	Reset() error
	Skipped() int
	Close() error
}

// NewWriter creates the file (truncating) and returns a writer in the
// format named by the path's extension.
func NewWriter(path string) (Writer, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "create", Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "create", Err: err}
	}
	return &fileWriter{fw: NewFormatWriter(f, format), f: f, path: path}, nil
}

// NewFormatWriter wraps w with a format encoder. It never closes w.
func NewFormatWriter(w io.Writer, format Format) Writer {
	switch format {
	case FormatJSONL:
		return &jsonlWriter{w: bufio.NewWriter(w)}
	case FormatASC:
		return &ascWriter{w: bufio.NewWriter(w)}
	case FormatTRC:
		return &trcWriter{w: bufio.NewWriter(w)}
	}
	return &csvWriter{w: bufio.NewWriter(w)}
}

// fileWriter binds a format writer to its file: wraps errors with the
// path, syncs on Flush and closes the file on Close.
type fileWriter struct {
	fw   Writer
	f    *os.File
	path string
}

func (w *fileWriter) Write(m can.Message) error {
	if err := w.fw.Write(m); err != nil {
		return &IOError{Path: w.path, Op: "write", Err: err}
	}
	return nil
}

func (w *fileWriter) Flush() error {
	if err := w.fw.Flush(); err != nil {
		return &IOError{Path: w.path, Op: "flush", Err: err}
	}
	if err := w.f.Sync(); err != nil {
		return &IOError{Path: w.path, Op: "sync", Err: err}
	}
	return nil
}

func (w *fileWriter) Close() error {
	err := w.fw.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &IOError{Path: w.path, Op: "close", Err: err}
	}
	return nil
}

// NewReader opens a trace file in the format named by its extension.
func NewReader(path string) (Reader, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	return NewFormatReader(f, format, path), nil
}

// NewFormatReader reads entries from src. The path is used only in
// errors. Close closes src when it implements io.Closer.
func NewFormatReader(src io.ReadSeeker, format Format, path string) Reader {
	r := &scanReader{src: src, path: path}
	if c, ok := src.(io.Closer); ok {
		r.closer = c
	}
	switch format {
	case FormatJSONL:
		r.parse = parseJSONLLine
	case FormatASC:
		r.parse = parseASCLine
	case FormatTRC:
		r.parse = parseTRCLine
	default:
		r.parse = parseCSVLine
	}
	r.sc = newScanner(src)
	return r
}

type parseResult uint8

const (
	resultEntry parseResult = iota
	resultSkipLine
	resultMalformed
)

// scanReader is the shared line scanner. Per-format parse functions keep
// their state (CSV header, TRC start time) on it.
type scanReader struct {
	src     io.ReadSeeker
	closer  io.Closer
	path    string
	sc      *bufio.Scanner
	parse   func(r *scanReader, line string) (can.Message, parseResult)
	skipped int

	sawHeader bool
	trcStart  float64
}

func newScanner(src io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}

func (r *scanReader) Next() (can.Message, error) {
	for r.sc.Scan() {
		line := strings.TrimSpace(r.sc.Text())
		if line == "" {
			continue
		}
		m, res := r.parse(r, line)
		switch res {
		case resultEntry:
			return m, nil
		case resultMalformed:
			r.skipped++
		}
	}
	if err := r.sc.Err(); err != nil {
		return can.Message{}, &IOError{Path: r.path, Op: "read", Err: err}
	}
	return can.Message{}, io.EOF
}

func (r *scanReader) Reset() error {
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return &IOError{Path: r.path, Op: "seek", Err: err}
	}
	r.sc = newScanner(r.src)
	r.skipped = 0
	r.sawHeader = false
	r.trcStart = 0
	return nil
}

func (r *scanReader) Skipped() int {
	return r.skipped
}

func (r *scanReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ReadAll loads a whole trace. It returns the entries, the malformed
// entry count and the first hard error.
func ReadAll(path string) ([]can.Message, int, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	var msgs []can.Message
	for {
		m, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msgs, r.Skipped(), err
		}
		msgs = append(msgs, m)
	}
	return msgs, r.Skipped(), nil
}

// Convert streams one trace file into another, translating formats.
// Returns entries written and malformed entries skipped.
func Convert(srcPath, dstPath string) (written, skipped int, err error) {
	r, err := NewReader(srcPath)
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()
	w, err := NewWriter(dstPath)
	if err != nil {
		return 0, 0, err
	}
	for {
		m, rerr := r.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Close()
			return written, r.Skipped(), rerr
		}
		if werr := w.Write(m); werr != nil {
			w.Close()
			return written, r.Skipped(), werr
		}
		written++
	}
	if cerr := w.Close(); cerr != nil {
		return written, r.Skipped(), cerr
	}
	return written, r.Skipped(), nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(sec float64) time.Time {
	s := math.Floor(sec)
	ns := math.Round((sec - s) * 1e9)
	return time.Unix(int64(s), int64(ns)).UTC()
}

func hexBytes(b []byte, sep string) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteString(sep)
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

func parseHexBytes(s string) ([]byte, bool) {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil, true
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) > can.MaxDataLen {
		return nil, false
	}
	return b, true
}
