package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"example.com/canscope/internal/can"
)

// streamRecord is one live message on the NDJSON stream.
type streamRecord struct {
	Type      string         `json:"type"`
	Ts        time.Time      `json:"ts"`
	ID        string         `json:"id"`
	DLC       int            `json:"dlc"`
	Data      string         `json:"data"`
	Direction string         `json:"direction"`
	Channel   string         `json:"channel"`
	Extended  bool           `json:"extended,omitempty"`
	Remote    bool           `json:"remote,omitempty"`
	Error     bool           `json:"error,omitempty"`
	Message   string         `json:"message,omitempty"`
	Values    []decodedValue `json:"values,omitempty"`
}

type streamEnd struct {
	Type    string `json:"type"`
	Dropped uint64 `json:"dropped"`
}

// handleStream serves the live NDJSON message stream. Each subscriber gets
// its own bounded buffer; a client that cannot keep up loses its oldest
// records and sees the count in the final record.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	filter, err := parseIDFilter(r.URL.Query().Get("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid id filter", err.Error())
		return
	}
	decode := r.URL.Query().Get("decode") != "false"

	name := r.RemoteAddr
	if name == "" {
		name = "stream"
	}
	sub := s.session.Broadcaster().Subscribe(name, 512)
	defer s.session.Broadcaster().Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	wr := NewNDJSONWriter(w)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			wr.WriteObject(streamEnd{Type: "end", Dropped: sub.Dropped()})
			return
		case m, ok := <-sub.C():
			if !ok {
				return
			}
			if filter != nil && !m.Error {
				if _, want := filter[m.ID]; !want {
					continue
				}
			}
			if err := wr.WriteObject(s.buildStreamRecord(m, decode)); err != nil {
				return
			}
		}
	}
}

func (s *Server) buildStreamRecord(m can.Message, decode bool) streamRecord {
	rec := streamRecord{
		Type:      "message",
		Ts:        m.Timestamp,
		ID:        fmt.Sprintf("0x%X", m.ID),
		DLC:       int(m.Length),
		Data:      strings.ToUpper(hex.EncodeToString(m.Payload())),
		Direction: m.Direction.String(),
		Channel:   m.Channel,
		Extended:  m.Extended,
		Remote:    m.Remote,
		Error:     m.Error,
	}
	if !decode || m.Error || m.Remote {
		return rec
	}
	if db := s.session.Database(); db != nil {
		if def, ok := db.MessageByID(m.ID); ok {
			rec.Message = def.Name
			rec.Values = decodedValues(s.session.Decode(m.Frame))
		}
	}
	return rec
}

// parseIDFilter parses a comma-separated identifier list; nil means no
// filtering.
func parseIDFilter(s string) (map[uint32]struct{}, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	filter := map[uint32]struct{}{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := parseFrameID(part)
		if err != nil {
			return nil, err
		}
		filter[id] = struct{}{}
	}
	if len(filter) == 0 {
		return nil, nil
	}
	return filter, nil
}
