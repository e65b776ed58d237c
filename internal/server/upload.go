package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"example.com/canscope/internal/report"
	"example.com/canscope/internal/sym"
	"example.com/canscope/internal/tracelog"
)

var errNoUpload = errors.New("no file in request")

// saveOneUpload stores the named multipart file in the uploads directory and
// returns its temp path and original filename.
func (s *Server) saveOneUpload(r *http.Request, field string) (string, string, error) {
	return s.multipartFile(r, field, true)
}

func (s *Server) multipartFile(r *http.Request, field string, fallbackAny bool) (string, string, error) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return "", "", fmt.Errorf("parse multipart: %w", err)
	}
	if r.MultipartForm == nil {
		return "", "", errNoUpload
	}
	fhs := r.MultipartForm.File[field]
	if len(fhs) == 0 && fallbackAny {
		for _, files := range r.MultipartForm.File {
			if len(files) > 0 {
				fhs = files
				break
			}
		}
	}
	if len(fhs) == 0 {
		return "", "", errNoUpload
	}
	return s.saveUploadedFile(fhs[0])
}

func (s *Server) saveUploadedFile(fh *multipart.FileHeader) (string, string, error) {
	if fh == nil {
		return "", "", errors.New("nil file header")
	}
	src, err := fh.Open()
	if err != nil {
		return "", "", err
	}
	defer src.Close()
	pattern := "upload-*"
	if ext := filepath.Ext(fh.Filename); ext != "" {
		pattern = "upload-*" + ext
	}
	dest, err := os.CreateTemp(s.uploadsDir, pattern)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(dest.Name())
		return "", "", err
	}
	if err := dest.Close(); err != nil {
		os.Remove(dest.Name())
		return "", "", err
	}
	return dest.Name(), fh.Filename, nil
}

// handleConvert accepts a trace upload and a "to" form value naming the
// target format, converts, and registers the result as an artifact.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	srcPath, srcName, err := s.saveOneUpload(r, "file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "upload failed", err.Error())
		return
	}
	to := strings.ToLower(strings.TrimSpace(r.FormValue("to")))
	if to == "" {
		httpError(w, http.StatusBadRequest, "target format required", `form value "to" missing`)
		return
	}
	to = strings.TrimPrefix(to, ".")
	if _, err := tracelog.DetectFormat("out." + to); err != nil {
		httpError(w, http.StatusBadRequest, "unsupported target format", to)
		return
	}
	dstPath, err := s.tempPath("convert-*." + to)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "convert temp", err.Error())
		return
	}
	written, skipped, err := tracelog.Convert(srcPath, dstPath)
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "convert failed", err.Error())
		return
	}
	base := strings.TrimSuffix(srcName, filepath.Ext(srcName))
	art, err := s.addArtifact(dstPath, base+"."+to, "", "convert")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "register artifact", err.Error())
		return
	}
	resp := struct {
		Written  int         `json:"written"`
		Skipped  int         `json:"skipped"`
		Artifact ArtifactRef `json:"artifact"`
	}{Written: written, Skipped: skipped, Artifact: toRef(art)}
	writeJSON(w, http.StatusOK, resp)
}

// handleReport builds the full artifact set for an uploaded trace: summary
// JSON, PDF, a manifest over all of it, and the manifest QR.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	tracePath, traceName, err := s.saveOneUpload(r, "file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "upload failed", err.Error())
		return
	}

	db := s.session.Database()
	if symPath, _, symErr := s.multipartFile(r, "sym", false); symErr == nil {
		uploaded, _, loadErr := sym.Load(symPath)
		if loadErr != nil {
			httpError(w, http.StatusBadRequest, "parse symbols", loadErr.Error())
			return
		}
		db = uploaded
	} else if !errors.Is(symErr, errNoUpload) {
		httpError(w, http.StatusBadRequest, "upload failed", symErr.Error())
		return
	}

	lang, err := report.ParseLanguage(r.FormValue("lang"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid language", err.Error())
		return
	}

	msgs, skipped, err := tracelog.ReadAll(tracePath)
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "read trace", err.Error())
		return
	}
	summary := report.BuildSummary(msgs, db)

	jsonPath, err := s.tempPath("summary-*.json")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "summary temp", err.Error())
		return
	}
	if err := report.SaveSummaryJSON(summary, jsonPath); err != nil {
		httpError(w, http.StatusInternalServerError, "write summary", err.Error())
		return
	}
	pdfPath, err := s.tempPath("summary-*.pdf")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "pdf temp", err.Error())
		return
	}
	if err := report.SaveSummaryPDF(summary, pdfPath, report.NewTranslator(lang)); err != nil {
		httpError(w, http.StatusInternalServerError, "write pdf", err.Error())
		return
	}

	manifest, err := report.BuildManifest([]string{tracePath, jsonPath, pdfPath})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "build manifest", err.Error())
		return
	}
	// The manifest travels with the artifact set; list entries under their
	// download names, not the server's temp paths.
	for i, name := range []string{traceName, "summary.json", "summary.pdf"} {
		manifest.Items[i].Path = name
	}
	manifestPath, err := s.tempPath("manifest-*.json")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "manifest temp", err.Error())
		return
	}
	if err := report.SaveManifest(manifest, manifestPath); err != nil {
		httpError(w, http.StatusInternalServerError, "write manifest", err.Error())
		return
	}
	qrPath, err := s.tempPath("manifest-*.png")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "qr temp", err.Error())
		return
	}
	hash, err := report.SaveManifestQR(manifestPath, qrPath, 256)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "write qr", err.Error())
		return
	}

	arts := make([]ArtifactRef, 0, 4)
	for _, a := range []struct {
		path, name, kind string
	}{
		{jsonPath, "summary.json", "summary"},
		{pdfPath, "summary.pdf", "summary"},
		{manifestPath, "manifest.json", "manifest"},
		{qrPath, "manifest.png", "manifest"},
	} {
		art, err := s.addArtifact(a.path, a.name, "", a.kind)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "register artifact", err.Error())
			return
		}
		arts = append(arts, toRef(art))
	}

	resp := struct {
		Summary      report.SessionSummary `json:"summary"`
		Skipped      int                   `json:"skipped"`
		ManifestHash string                `json:"manifestHash"`
		Artifacts    []ArtifactRef         `json:"artifacts"`
	}{Summary: summary, Skipped: skipped, ManifestHash: hash, Artifacts: arts}
	writeJSON(w, http.StatusOK, resp)
}
