package tracelog

import (
	"bufio"
	"encoding/json"

	"example.com/canscope/internal/can"
)

// jsonEntry is the wire shape of one JSONL line.
type jsonEntry struct {
	Timestamp  float64 `json:"timestamp"`
	ID         uint32  `json:"id"`
	DLC        int     `json:"dlc"`
	Data       []int   `json:"data"`
	Direction  string  `json:"direction"`
	Extended   bool    `json:"extended_id"`
	Remote     bool    `json:"remote_frame"`
	ErrorFrame bool    `json:"error_frame"`
	Channel    string  `json:"channel"`
}

type jsonlWriter struct {
	w *bufio.Writer
}

func (jw *jsonlWriter) Write(m can.Message) error {
	data := make([]int, 0, m.Length)
	if !m.Remote && !m.Error {
		for _, b := range m.Payload() {
			data = append(data, int(b))
		}
	}
	entry := jsonEntry{
		Timestamp:  unixSeconds(m.Timestamp),
		ID:         m.ID,
		DLC:        int(m.Length),
		Data:       data,
		Direction:  m.Direction.String(),
		Extended:   m.Extended,
		Remote:     m.Remote,
		ErrorFrame: m.Error,
		Channel:    m.Channel,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := jw.w.Write(buf); err != nil {
		return err
	}
	return jw.w.WriteByte('\n')
}

func (jw *jsonlWriter) Flush() error {
	return jw.w.Flush()
}

func (jw *jsonlWriter) Close() error {
	return jw.w.Flush()
}

func parseJSONLLine(_ *scanReader, line string) (can.Message, parseResult) {
	var entry jsonEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return can.Message{}, resultMalformed
	}
	if entry.DLC < 0 || entry.DLC > can.MaxDataLen || len(entry.Data) > can.MaxDataLen {
		return can.Message{}, resultMalformed
	}
	if entry.ID > can.MaxExtendedID {
		return can.Message{}, resultMalformed
	}
	dir, err := can.ParseDirection(entry.Direction)
	if err != nil {
		return can.Message{}, resultMalformed
	}
	m := can.Message{
		Timestamp: timeFromUnix(entry.Timestamp),
		Direction: dir,
		Channel:   entry.Channel,
	}
	if m.Channel == "" {
		m.Channel = "file"
	}
	m.ID = entry.ID
	m.Length = uint8(entry.DLC)
	for i, v := range entry.Data {
		if v < 0 || v > 0xFF {
			return can.Message{}, resultMalformed
		}
		m.Data[i] = byte(v)
	}
	m.Extended = entry.Extended || entry.ID > can.MaxStandardID
	m.Remote = entry.Remote
	m.Error = entry.ErrorFrame
	return m, resultEntry
}
