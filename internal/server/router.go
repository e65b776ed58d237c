package server

import "net/http"

// NewRouter wires HTTP routes to the server's handlers.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/symbols", s.handleSymbols)
	mux.HandleFunc("/api/v1/decode", s.handleDecode)
	mux.HandleFunc("/api/v1/encode", s.handleEncode)
	mux.HandleFunc("/api/v1/send", s.handleSend)
	mux.HandleFunc("/api/v1/schedule", s.handleSchedule)
	mux.HandleFunc("/api/v1/schedule/", s.handleScheduleItem)
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	mux.HandleFunc("/api/v1/playback", s.handlePlayback)
	mux.HandleFunc("/api/v1/convert", s.handleConvert)
	mux.HandleFunc("/api/v1/report", s.handleReport)
	mux.HandleFunc("/api/v1/artifacts/", s.handleArtifactDownload)
	return mux
}
