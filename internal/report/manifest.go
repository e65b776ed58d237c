package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/canscope/internal/common"
)

// ManifestItem records one exported artifact with its digest.
type ManifestItem struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

// Manifest inventories a set of exported artifacts so a receiver can verify
// them file by file.
type Manifest struct {
	CreatedAt time.Time      `json:"createdAt"`
	ShaAlgo   string         `json:"shaAlgo"`
	Items     []ManifestItem `json:"items"`
}

// BuildManifest hashes every path and classifies it by extension.
func BuildManifest(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, err
		}
		m.Items = append(m.Items, ManifestItem{Path: p, Size: sz, Sha256: hex, Type: artifactType(p)})
	}
	return m, nil
}

func artifactType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".jsonl", ".asc", ".trc":
		return "trace"
	case ".sym":
		return "symbols"
	case ".json":
		return "json"
	case ".pdf":
		return "pdf"
	case ".png":
		return "image"
	default:
		return "other"
	}
}

func SaveManifest(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}
