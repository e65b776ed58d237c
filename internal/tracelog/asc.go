package tracelog

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"example.com/canscope/internal/can"
)

const ascDateLayout = "Mon Jan 02 15:04:05.000 2006"

type ascWriter struct {
	w           *bufio.Writer
	wroteHeader bool
}

func (aw *ascWriter) Write(m can.Message) error {
	if !aw.wroteHeader {
		date := m.Timestamp.Format(ascDateLayout)
		fmt.Fprintf(aw.w, "date %s\n", date)
		aw.w.WriteString("base hex  timestamps absolute\n")
		aw.w.WriteString("no internal events logged\n")
		fmt.Fprintf(aw.w, "Begin Triggerblock %s\n", date)
		aw.wroteHeader = true
	}
	ms := float64(m.Timestamp.UnixNano()) / 1e6
	if m.Error {
		_, err := fmt.Fprintf(aw.w, "%10.3f 1 ErrorFrame\n", ms)
		return err
	}
	ext := ""
	if m.Extended {
		ext = "x"
	}
	dir := "Rx"
	if m.Direction == can.Tx {
		dir = "Tx"
	}
	typ := "d"
	data := hexBytes(m.Payload(), "")
	if m.Remote {
		typ = "r"
		data = ""
	}
	_, err := fmt.Fprintf(aw.w, "%10.3f 1  %X%s             %s   %s %d %s\n",
		ms, m.ID, ext, dir, typ, m.Length, data)
	return err
}

func (aw *ascWriter) Flush() error {
	return aw.w.Flush()
}

func (aw *ascWriter) Close() error {
	if aw.wroteHeader {
		if _, err := aw.w.WriteString("End TriggerBlock\n"); err != nil {
			return err
		}
	}
	return aw.w.Flush()
}

func parseASCLine(_ *scanReader, line string) (can.Message, parseResult) {
	switch {
	case strings.HasPrefix(line, "date "),
		strings.HasPrefix(line, "base "),
		strings.HasPrefix(line, "no internal"),
		strings.HasPrefix(line, "Begin Triggerblock"),
		strings.HasPrefix(line, "End TriggerBlock"):
		return can.Message{}, resultSkipLine
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return can.Message{}, resultMalformed
	}
	ms, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return can.Message{}, resultMalformed
	}
	ts := timeFromUnix(ms / 1e3)
	if fields[2] == "ErrorFrame" {
		m := can.Message{Frame: can.ErrorFrame(), Timestamp: ts, Channel: "file"}
		return m, resultEntry
	}
	if len(fields) < 6 {
		return can.Message{}, resultMalformed
	}
	idField := fields[2]
	ext := false
	if strings.HasSuffix(idField, "x") {
		ext = true
		idField = strings.TrimSuffix(idField, "x")
	}
	id, err := strconv.ParseUint(idField, 16, 32)
	if err != nil || id > can.MaxExtendedID {
		return can.Message{}, resultMalformed
	}
	dir, err := can.ParseDirection(fields[3])
	if err != nil {
		return can.Message{}, resultMalformed
	}
	var remote bool
	switch fields[4] {
	case "d":
	case "r":
		remote = true
	default:
		return can.Message{}, resultMalformed
	}
	dlc, err := strconv.Atoi(fields[5])
	if err != nil || dlc < 0 || dlc > can.MaxDataLen {
		return can.Message{}, resultMalformed
	}
	m := can.Message{Timestamp: ts, Direction: dir, Channel: "file"}
	m.ID = uint32(id)
	m.Length = uint8(dlc)
	m.Extended = ext || id > can.MaxStandardID
	m.Remote = remote
	if !remote && len(fields) >= 7 {
		data, ok := parseHexBytes(fields[6])
		if !ok {
			return can.Message{}, resultMalformed
		}
		copy(m.Data[:], data)
	}
	return m, resultEntry
}
