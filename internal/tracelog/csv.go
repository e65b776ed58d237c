package tracelog

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"example.com/canscope/internal/can"
)

var csvHeader = []string{"Timestamp", "ID", "DLC", "Data", "Direction", "Extended", "Remote", "Error"}

type csvWriter struct {
	w           *bufio.Writer
	wroteHeader bool
}

func (cw *csvWriter) Write(m can.Message) error {
	if !cw.wroteHeader {
		if _, err := cw.w.WriteString(strings.Join(csvHeader, ",") + "\n"); err != nil {
			return err
		}
		cw.wroteHeader = true
	}
	data := ""
	if !m.Remote && !m.Error {
		data = hexBytes(m.Payload(), " ")
	}
	_, err := fmt.Fprintf(cw.w, "%.6f,0x%X,%d,%s,%s,%s,%s,%s\n",
		unixSeconds(m.Timestamp), m.ID, m.Length, data, m.Direction,
		strconv.FormatBool(m.Extended), strconv.FormatBool(m.Remote), strconv.FormatBool(m.Error))
	return err
}

func (cw *csvWriter) Flush() error {
	return cw.w.Flush()
}

func (cw *csvWriter) Close() error {
	return cw.w.Flush()
}

func parseCSVLine(r *scanReader, line string) (can.Message, parseResult) {
	if !r.sawHeader {
		r.sawHeader = true
		if strings.HasPrefix(line, "Timestamp,") {
			return can.Message{}, resultSkipLine
		}
	}
	fields := strings.Split(line, ",")
	if len(fields) < 8 {
		return can.Message{}, resultMalformed
	}
	sec, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return can.Message{}, resultMalformed
	}
	id, ok := parseID(fields[1])
	if !ok {
		return can.Message{}, resultMalformed
	}
	dlc, err := strconv.Atoi(fields[2])
	if err != nil || dlc < 0 || dlc > can.MaxDataLen {
		return can.Message{}, resultMalformed
	}
	data, ok := parseHexBytes(fields[3])
	if !ok {
		return can.Message{}, resultMalformed
	}
	dir, err := can.ParseDirection(fields[4])
	if err != nil {
		return can.Message{}, resultMalformed
	}
	ext, err1 := strconv.ParseBool(fields[5])
	remote, err2 := strconv.ParseBool(fields[6])
	errFrame, err3 := strconv.ParseBool(fields[7])
	if err1 != nil || err2 != nil || err3 != nil {
		return can.Message{}, resultMalformed
	}
	m := can.Message{
		Timestamp: timeFromUnix(sec),
		Direction: dir,
		Channel:   "file",
	}
	m.ID = id
	m.Length = uint8(dlc)
	copy(m.Data[:], data)
	m.Extended = ext || id > can.MaxStandardID
	m.Remote = remote
	m.Error = errFrame
	return m, resultEntry
}

// parseID accepts 0x-prefixed hex or plain decimal.
func parseID(s string) (uint32, bool) {
	var v uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil || v > can.MaxExtendedID {
		return 0, false
	}
	return uint32(v), true
}
