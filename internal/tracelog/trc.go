package tracelog

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/canscope/internal/can"
)

type trcWriter struct {
	w           *bufio.Writer
	wroteHeader bool
	start       time.Time
	n           int
}

// writeHeader pins the trace start to the first entry's timestamp so the
// absolute times survive a round trip through the relative offsets.
func (tw *trcWriter) writeHeader(start time.Time) {
	tw.start = start
	fmt.Fprintf(tw.w, ";$FILEVERSION=2.1\n")
	fmt.Fprintf(tw.w, ";$STARTTIME=%.6f\n", unixSeconds(start))
	fmt.Fprintf(tw.w, ";$COLUMNS=N,O,T,B,I,d,R,L,D\n")
	fmt.Fprintf(tw.w, ";\n")
	fmt.Fprintf(tw.w, ";   Start time: %s\n", start.Format("01/02/2006 15:04:05.000"))
	fmt.Fprintf(tw.w, ";   Generated by canscope\n")
	fmt.Fprintf(tw.w, ";-------------------------------------------------------------------------------\n")
	fmt.Fprintf(tw.w, ";   Bus  Connection        Protocol  Bit rate\n")
	fmt.Fprintf(tw.w, ";   1    CAN               CAN       500 kbit/s\n")
	fmt.Fprintf(tw.w, ";-------------------------------------------------------------------------------\n")
	fmt.Fprintf(tw.w, ";   Message    Time    Type    ID     Rx/Tx\n")
	fmt.Fprintf(tw.w, ";   Number     Offset  |  Bus  [hex]  |  Reserved\n")
	fmt.Fprintf(tw.w, ";   |          [ms]    |  |    |      |  |  Data Length Code\n")
	fmt.Fprintf(tw.w, ";   |          |       |  |    |      |  |  |    Data [hex] ...\n")
	fmt.Fprintf(tw.w, ";   |          |       |  |    |      |  |  |    |\n")
	fmt.Fprintf(tw.w, ";---+--- ------+------ +- +- --+----- +- +- +--- +- -- -- -- -- -- -- --\n")
	tw.wroteHeader = true
}

func (tw *trcWriter) Write(m can.Message) error {
	if !tw.wroteHeader {
		tw.writeHeader(m.Timestamp)
	}
	tw.n++
	offsetMs := float64(m.Timestamp.Sub(tw.start).Nanoseconds()) / 1e6
	typ := "DT"
	data := hexBytes(m.Payload(), " ")
	if m.Remote {
		typ = "RR"
		data = ""
	}
	if m.Error {
		typ = "ER"
		data = ""
	}
	dir := "Rx"
	if m.Direction == can.Tx {
		dir = "Tx"
	}
	_, err := fmt.Fprintf(tw.w, "%8d %10.3f %s 1 %08X %s - %2d    %s\n",
		tw.n, offsetMs, typ, m.ID, dir, m.Length, data)
	return err
}

func (tw *trcWriter) Flush() error {
	return tw.w.Flush()
}

func (tw *trcWriter) Close() error {
	return tw.w.Flush()
}

func parseTRCLine(r *scanReader, line string) (can.Message, parseResult) {
	if strings.HasPrefix(line, ";") {
		if v, ok := strings.CutPrefix(line, ";$STARTTIME="); ok {
			if sec, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				r.trcStart = sec
			}
		}
		return can.Message{}, resultSkipLine
	}
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return can.Message{}, resultMalformed
	}
	offsetMs, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return can.Message{}, resultMalformed
	}
	typ := fields[2]
	switch typ {
	case "DT", "RR", "ER":
	default:
		return can.Message{}, resultMalformed
	}
	id, err := strconv.ParseUint(fields[4], 16, 32)
	if err != nil || id > can.MaxExtendedID {
		return can.Message{}, resultMalformed
	}
	dir, err := can.ParseDirection(fields[5])
	if err != nil {
		return can.Message{}, resultMalformed
	}
	dlc, err := strconv.Atoi(fields[7])
	if err != nil || dlc < 0 || dlc > can.MaxDataLen {
		return can.Message{}, resultMalformed
	}
	m := can.Message{
		Timestamp: timeFromUnix(r.trcStart + offsetMs/1e3),
		Direction: dir,
		Channel:   "bus" + fields[3],
	}
	m.ID = uint32(id)
	m.Length = uint8(dlc)
	m.Extended = id > can.MaxStandardID
	m.Remote = typ == "RR"
	m.Error = typ == "ER"
	if typ == "DT" {
		for i, f := range fields[8:] {
			if i >= dlc || i >= can.MaxDataLen {
				break
			}
			b, err := strconv.ParseUint(f, 16, 8)
			if err != nil {
				return can.Message{}, resultMalformed
			}
			m.Data[i] = byte(b)
		}
	}
	return m, resultEntry
}
