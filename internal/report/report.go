package report

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/sym"
)

// topTalkerCount caps the ranked list in a summary.
const topTalkerCount = 10

// IDCount aggregates traffic for one CAN identifier.
type IDCount struct {
	ID     uint32  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Frames uint64  `json:"frames"`
	Bytes  uint64  `json:"bytes"`
	Share  float64 `json:"share"`
}

// SessionSummary condenses one capture into the numbers a report needs:
// the capture window, per-ID traffic, and how much of it the loaded symbol
// database could explain.
type SessionSummary struct {
	GeneratedAt  time.Time `json:"generatedAt"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Duration     float64   `json:"durationSeconds"`
	TotalFrames  uint64    `json:"totalFrames"`
	TotalBytes   uint64    `json:"totalBytes"`
	ErrorFrames  uint64    `json:"errorFrames"`
	RemoteFrames uint64    `json:"remoteFrames"`
	UniqueIDs    int       `json:"uniqueIds"`
	DecodedIDs   int       `json:"decodedIds"`
	UnknownIDs   int       `json:"unknownIds"`
	Coverage     float64   `json:"coverage"`
	TopTalkers   []IDCount `json:"topTalkers,omitempty"`
	Traffic      []IDCount `json:"traffic,omitempty"`
}

// BuildSummary aggregates the messages against the database. The database
// may be nil; coverage is then zero. Error frames carry no identifier and
// are counted separately from the per-ID traffic.
func BuildSummary(msgs []can.Message, db *sym.Database) SessionSummary {
	s := SessionSummary{GeneratedAt: time.Now().UTC()}
	byID := map[uint32]*IDCount{}
	for _, m := range msgs {
		if s.Start.IsZero() || m.Timestamp.Before(s.Start) {
			s.Start = m.Timestamp
		}
		if m.Timestamp.After(s.End) {
			s.End = m.Timestamp
		}
		s.TotalFrames++
		s.TotalBytes += uint64(m.Length)
		if m.Error {
			s.ErrorFrames++
			continue
		}
		if m.Remote {
			s.RemoteFrames++
		}
		c, ok := byID[m.ID]
		if !ok {
			c = &IDCount{ID: m.ID}
			if db != nil {
				if def, found := db.MessageByID(m.ID); found {
					c.Name = def.Name
				}
			}
			byID[m.ID] = c
		}
		c.Frames++
		c.Bytes += uint64(m.Length)
	}
	if !s.Start.IsZero() {
		s.Duration = s.End.Sub(s.Start).Seconds()
	}

	s.UniqueIDs = len(byID)
	for _, c := range byID {
		if c.Name != "" {
			s.DecodedIDs++
		}
		if s.TotalFrames > 0 {
			c.Share = float64(c.Frames) / float64(s.TotalFrames)
		}
		s.Traffic = append(s.Traffic, *c)
	}
	s.UnknownIDs = s.UniqueIDs - s.DecodedIDs
	if s.UniqueIDs > 0 {
		s.Coverage = float64(s.DecodedIDs) / float64(s.UniqueIDs)
	}

	sort.Slice(s.Traffic, func(i, j int) bool { return s.Traffic[i].ID < s.Traffic[j].ID })
	ranked := make([]IDCount, len(s.Traffic))
	copy(ranked, s.Traffic)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Frames != ranked[j].Frames {
			return ranked[i].Frames > ranked[j].Frames
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > topTalkerCount {
		ranked = ranked[:topTalkerCount]
	}
	s.TopTalkers = ranked
	return s
}

func SaveSummaryJSON(s SessionSummary, out string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadSummaryJSON(path string) (SessionSummary, error) {
	var s SessionSummary
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}
