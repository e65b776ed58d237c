package report

import (
	"fmt"
	"os"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"example.com/canscope/internal/common"
)

// ManifestHashToQR encodes a manifest digest as a QR code PNG, for checking
// an exported artifact set against a printout or a phone scan.
func ManifestHashToQR(hash string, size int) ([]byte, error) {
	normalized := sanitizeHash(hash)
	if normalized == "" {
		return nil, fmt.Errorf("manifest hash is empty")
	}
	if size <= 0 {
		size = 128
	}
	return qrcode.Encode(normalized, qrcode.Medium, size)
}

// SaveManifestQR hashes the saved manifest file and writes the QR PNG next
// to it. Returns the digest that was encoded.
func SaveManifestQR(manifestPath, out string, size int) (string, error) {
	hash, _, err := common.Sha256OfFile(manifestPath)
	if err != nil {
		return "", err
	}
	png, err := ManifestHashToQR(hash, size)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(out, png, 0644); err != nil {
		return "", err
	}
	return hash, nil
}

func sanitizeHash(hash string) string {
	upper := strings.ToUpper(strings.TrimSpace(hash))
	var b strings.Builder
	for _, r := range upper {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		}
	}
	return b.String()
}
