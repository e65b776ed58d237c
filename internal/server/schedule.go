package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"example.com/canscope/internal/sched"
)

// scheduleEntry is the wire form of one transmit job.
type scheduleEntry struct {
	ID       string  `json:"id"`
	FrameID  string  `json:"frameId"`
	Data     string  `json:"data"`
	Mode     string  `json:"mode"`
	PeriodMs float64 `json:"periodMs,omitempty"`
	Count    int     `json:"count,omitempty"`
	Enabled  bool    `json:"enabled"`
	Sent     uint64  `json:"sent"`
}

func toScheduleEntry(j sched.Job) scheduleEntry {
	return scheduleEntry{
		ID:       j.ID,
		FrameID:  fmt.Sprintf("0x%X", j.Frame.ID),
		Data:     strings.ToUpper(hex.EncodeToString(j.Frame.Payload())),
		Mode:     j.Mode.String(),
		PeriodMs: float64(j.Period) / float64(time.Millisecond),
		Count:    j.Remaining,
		Enabled:  j.Enabled,
		Sent:     j.Sent,
	}
}

// handleSchedule serves the job collection: GET lists, POST adds.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs := s.session.Scheduler().Jobs()
		entries := make([]scheduleEntry, 0, len(jobs))
		for _, j := range jobs {
			entries = append(entries, toScheduleEntry(j))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		writeJSON(w, http.StatusOK, struct {
			Jobs []scheduleEntry `json:"jobs"`
		}{Jobs: entries})
	case http.MethodPost:
		s.addScheduleJob(w, r)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) addScheduleJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string       `json:"id"`
		Frame    frameRequest `json:"frame"`
		Mode     string       `json:"mode"`
		Count    int          `json:"count"`
		PeriodMs float64      `json:"periodMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	f, err := req.Frame.frame()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid frame", err.Error())
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = fmt.Sprintf("0x%X", f.ID)
	}
	period := time.Duration(req.PeriodMs * float64(time.Millisecond))

	var job sched.Job
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "once":
		job = sched.NewOnce(id, f)
	case "repeat":
		job = sched.NewRepeat(id, f, req.Count, period)
	case "periodic", "":
		job = sched.NewPeriodic(id, f, period)
	default:
		httpError(w, http.StatusBadRequest, "invalid mode", req.Mode)
		return
	}
	if err := s.session.Scheduler().Add(job); err != nil {
		var schedErr *sched.Error
		if errors.As(err, &schedErr) {
			httpError(w, http.StatusConflict, "add job failed", err.Error())
			return
		}
		httpError(w, http.StatusBadRequest, "add job failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID   string `json:"id"`
		Jobs int    `json:"jobs"`
	}{ID: id, Jobs: len(s.session.Scheduler().Jobs())})
}

// handleScheduleItem serves one job: DELETE removes it, POST on .../rate
// rescales it.
func (s *Server) handleScheduleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/schedule/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/rate"); ok {
		s.rescaleScheduleJob(w, r, id)
		return
	}
	if r.Method != http.MethodDelete {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := s.session.Scheduler().Remove(rest); err != nil {
		httpError(w, http.StatusNotFound, "remove job failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": rest})
}

func (s *Server) rescaleScheduleJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req struct {
		Action   string  `json:"action"`
		PeriodMs float64 `json:"periodMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	sc := s.session.Scheduler()
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "halve":
		err = sc.HalveRate(id)
	case "double":
		err = sc.DoubleRate(id)
	case "set":
		if req.PeriodMs <= 0 {
			httpError(w, http.StatusBadRequest, "periodMs required for set", "")
			return
		}
		err = sc.SetPeriod(id, time.Duration(req.PeriodMs*float64(time.Millisecond)))
	default:
		httpError(w, http.StatusBadRequest, "invalid action", req.Action)
		return
	}
	if err != nil {
		httpError(w, http.StatusNotFound, "rate change failed", err.Error())
		return
	}
	for _, j := range sc.Jobs() {
		if j.ID == id {
			writeJSON(w, http.StatusOK, toScheduleEntry(j))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
