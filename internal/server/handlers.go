package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/codec"
	"example.com/canscope/internal/common"
	"example.com/canscope/internal/session"
	"example.com/canscope/internal/sym"
)

// Server coordinates the HTTP handlers over one bus session and manages the
// temporary artifacts produced by conversions and reports.
type Server struct {
	session    *session.Session
	artifacts  *ArtifactStore
	addr       string
	workDir    string
	uploadsDir string
	maxUpload  int64
	startedAt  time.Time
}

// Artifact is a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
// When opts.SymbolPath is set the symbol file is installed into the session;
// a broken symbol file is logged, not fatal.
func NewServer(opts Options) (*Server, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "canscoped-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	s := &Server{
		session:    opts.Session,
		artifacts:  &ArtifactStore{entries: make(map[string]Artifact)},
		addr:       opts.Addr,
		workDir:    workDir,
		uploadsDir: uploadsDir,
		maxUpload:  opts.MaxUpload,
		startedAt:  time.Now().UTC(),
	}
	if opts.SymbolPath != "" {
		if _, perrs, err := s.session.LoadSymbols(opts.SymbolPath); err != nil {
			common.Logf("symbols %s: %v", opts.SymbolPath, err)
		} else if len(perrs) > 0 {
			common.Logf("symbols %s: %d recoverable parse errors", opts.SymbolPath, len(perrs))
		}
	}
	return s, nil
}

// Close removes the server's temporary workspace.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	resp := struct {
		Addr      string         `json:"addr"`
		StartedAt time.Time      `json:"startedAt"`
		Session   session.Status `json:"session"`
		Artifacts []ArtifactRef  `json:"artifacts,omitempty"`
	}{
		Addr:      s.addr,
		StartedAt: s.startedAt,
		Session:   s.session.Status(),
		Artifacts: s.listArtifacts(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// symbolInfo describes the loaded database in API responses.
type symbolInfo struct {
	Loaded   bool   `json:"loaded"`
	Path     string `json:"path,omitempty"`
	Title    string `json:"title,omitempty"`
	Messages int    `json:"messages"`
	Signals  int    `json:"signals"`
	Enums    int    `json:"enums"`
}

func describeDatabase(db *sym.Database) symbolInfo {
	if db == nil {
		return symbolInfo{}
	}
	st := db.Stats()
	return symbolInfo{
		Loaded:   true,
		Path:     db.Path,
		Title:    db.Title,
		Messages: st.Messages,
		Signals:  st.Signals,
		Enums:    st.Enums,
	}
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, describeDatabase(s.session.Database()))
	case http.MethodPut, http.MethodPost:
		s.uploadSymbols(w, r)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

// uploadSymbols accepts a multipart SYM upload, parses and lints it, and
// swaps it in. The old database stays installed when the upload is not
// usable at all.
func (s *Server) uploadSymbols(w http.ResponseWriter, r *http.Request) {
	path, name, err := s.saveOneUpload(r, "file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "upload failed", err.Error())
		return
	}
	db, perrs, err := sym.Load(path)
	if err != nil {
		httpError(w, http.StatusBadRequest, "parse failed", err.Error())
		return
	}
	if db.Stats().Messages == 0 && len(perrs) > 0 {
		httpError(w, http.StatusBadRequest, "parse failed",
			fmt.Sprintf("%s: no usable messages (%d parse errors)", name, len(perrs)))
		return
	}
	diags := sym.Lint(db)
	s.session.SetDatabase(db)

	parseMsgs := make([]string, 0, len(perrs))
	for _, pe := range perrs {
		parseMsgs = append(parseMsgs, pe.Error())
	}
	lintMsgs := make([]string, 0, len(diags))
	for _, d := range diags {
		lintMsgs = append(lintMsgs, d.String())
	}
	resp := struct {
		File        string     `json:"file"`
		Symbols     symbolInfo `json:"symbols"`
		ParseErrors []string   `json:"parseErrors,omitempty"`
		Lint        []string   `json:"lint,omitempty"`
	}{
		File:        name,
		Symbols:     describeDatabase(db),
		ParseErrors: parseMsgs,
		Lint:        lintMsgs,
	}
	writeJSON(w, http.StatusOK, resp)
}

// frameRequest is the wire form of a frame in decode/send requests.
type frameRequest struct {
	ID       string `json:"id"`
	Data     string `json:"data"`
	Extended bool   `json:"extended,omitempty"`
	Remote   bool   `json:"remote,omitempty"`
}

func (fr frameRequest) frame() (can.Frame, error) {
	id, err := parseFrameID(fr.ID)
	if err != nil {
		return can.Frame{}, err
	}
	data, err := parseHexPayload(fr.Data)
	if err != nil {
		return can.Frame{}, err
	}
	f, err := can.NewFrame(id, data)
	if err != nil {
		return can.Frame{}, err
	}
	if fr.Extended {
		f.Extended = true
	}
	f.Remote = fr.Remote
	return f, nil
}

func parseFrameID(s string) (uint32, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	if v == "" {
		return 0, errors.New("missing id")
	}
	base := 10
	if strings.HasPrefix(v, "0x") {
		v = v[2:]
		base = 16
	}
	id, err := strconv.ParseUint(v, base, 32)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return uint32(id), nil
}

func parseHexPayload(s string) ([]byte, error) {
	fieldsOnly := strings.Join(strings.Fields(s), "")
	if fieldsOnly == "" {
		return nil, nil
	}
	if len(fieldsOnly)%2 != 0 {
		return nil, fmt.Errorf("odd hex payload %q", s)
	}
	data, err := hex.DecodeString(fieldsOnly)
	if err != nil {
		return nil, fmt.Errorf("bad hex payload %q", s)
	}
	if len(data) > can.MaxDataLen {
		return nil, fmt.Errorf("payload longer than %d bytes", can.MaxDataLen)
	}
	return data, nil
}

// decodedValue is one signal in a decode response.
type decodedValue struct {
	Signal   string  `json:"signal"`
	Raw      int64   `json:"raw"`
	Physical float64 `json:"physical"`
	Unit     string  `json:"unit,omitempty"`
	Label    string  `json:"label,omitempty"`
}

func decodedValues(values map[string]codec.Value) []decodedValue {
	out := make([]decodedValue, 0, len(values))
	for name, v := range values {
		out = append(out, decodedValue{
			Signal:   name,
			Raw:      v.Raw,
			Physical: v.Phys,
			Unit:     v.Unit,
			Label:    v.Label,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signal < out[j].Signal })
	return out
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req frameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	f, err := req.frame()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid frame", err.Error())
		return
	}
	values := s.session.Decode(f)
	var name string
	if db := s.session.Database(); db != nil {
		if def, ok := db.MessageByID(f.ID); ok {
			name = def.Name
		}
	}
	resp := struct {
		ID      string         `json:"id"`
		Message string         `json:"message,omitempty"`
		Known   bool           `json:"known"`
		Values  []decodedValue `json:"values"`
	}{
		ID:      fmt.Sprintf("0x%X", f.ID),
		Message: name,
		Known:   name != "",
		Values:  decodedValues(values),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req struct {
		Message string             `json:"message"`
		Values  map[string]float64 `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message required", "")
		return
	}
	f, err := s.session.Encode(req.Message, req.Values)
	if err != nil {
		var encErr *codec.EncodeError
		if errors.As(err, &encErr) {
			httpError(w, http.StatusUnprocessableEntity, "encode failed", err.Error())
			return
		}
		httpError(w, http.StatusBadRequest, "encode failed", err.Error())
		return
	}
	resp := struct {
		ID       string `json:"id"`
		Length   int    `json:"length"`
		Data     string `json:"data"`
		Extended bool   `json:"extended"`
	}{
		ID:       fmt.Sprintf("0x%X", f.ID),
		Length:   int(f.Length),
		Data:     strings.ToUpper(hex.EncodeToString(f.Payload())),
		Extended: f.Extended,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req frameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	f, err := req.frame()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid frame", err.Error())
		return
	}
	if err := s.session.Send(r.Context(), f); err != nil {
		if errors.Is(err, can.ErrNotConnected) {
			httpError(w, http.StatusConflict, "not connected", err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, "send failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sent": fmt.Sprintf("0x%X", f.ID)})
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// httpError writes the JSON error envelope used by every handler.
func httpError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, struct {
		Error  string `json:"error"`
		Detail string `json:"detail,omitempty"`
	}{Error: msg, Detail: detail})
}

func guessContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".jsonl", ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".csv":
		return "text/csv"
	case ".asc", ".trc", ".sym", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/artifacts/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "open artifact", err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "stat artifact", err.Error())
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	io.Copy(w, f)
}
