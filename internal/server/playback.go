package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"example.com/canscope/internal/replay"
	"example.com/canscope/internal/session"
)

// playbackState is the wire form of the player position.
type playbackState struct {
	State      string  `json:"state"`
	PosSeconds float64 `json:"posSeconds"`
	Duration   float64 `json:"durationSeconds"`
	Entries    int     `json:"entries"`
	Skipped    int     `json:"skipped"`
	Speed      float64 `json:"speed"`
}

func (s *Server) playbackStatus() playbackState {
	p := s.session.Player()
	return playbackState{
		State:      p.State().String(),
		PosSeconds: p.Position().Seconds(),
		Duration:   p.Duration().Seconds(),
		Entries:    p.Len(),
		Skipped:    p.Skipped(),
		Speed:      p.Speed(),
	}
}

// handlePlayback serves playback control. GET reports the player position;
// POST carries an action: start (with a file path or artifact id), pause,
// resume, stop, seek (seekMs) or speed (speed multiplier).
func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.playbackStatus())
	case http.MethodPost:
		s.controlPlayback(w, r)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) controlPlayback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string  `json:"action"`
		File   string  `json:"file"`
		SeekMs float64 `json:"seekMs"`
		Speed  float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	p := s.session.Player()
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "start":
		path := strings.TrimSpace(req.File)
		if art, ok := s.getArtifact(path); ok {
			path = art.Path
		}
		if path == "" {
			httpError(w, http.StatusBadRequest, "file required for start", "")
			return
		}
		err = s.session.StartPlayback(path)
	case "pause":
		err = p.Pause()
	case "resume":
		err = p.Resume()
	case "stop":
		s.session.StopPlayback()
	case "seek":
		p.Seek(time.Duration(req.SeekMs * float64(time.Millisecond)))
	case "speed":
		err = p.SetSpeed(req.Speed)
	default:
		httpError(w, http.StatusBadRequest, "invalid action", req.Action)
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			httpError(w, http.StatusConflict, "playback refused", err.Error())
		case errors.Is(err, replay.ErrNoEntries):
			httpError(w, http.StatusUnprocessableEntity, "playback refused", err.Error())
		default:
			httpError(w, http.StatusBadRequest, "playback failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, s.playbackStatus())
}
