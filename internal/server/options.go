package server

import (
	"errors"
	"strings"

	"example.com/canscope/internal/session"
)

// DefaultMaxUpload bounds multipart request bodies (64 MiB).
const DefaultMaxUpload int64 = 64 << 20

// Options configures server creation.
type Options struct {
	// Addr is the daemon's listen address; recorded for status output, the
	// daemon owns the actual http.Server.
	Addr string
	// Session is the bus session every handler operates on. Required.
	Session *session.Session
	// SymbolPath, when set, is parsed and installed at startup.
	SymbolPath string
	// StorageDir roots the temporary workspace for uploads and generated
	// artifacts. Defaults to the system temp dir.
	StorageDir string
	// MaxUpload caps multipart bodies in bytes.
	MaxUpload int64
}

func (o *Options) normalize() error {
	if o.Session == nil {
		return errors.New("server: options missing session")
	}
	if o.MaxUpload <= 0 {
		o.MaxUpload = DefaultMaxUpload
	}
	if strings.TrimSpace(o.Addr) == "" {
		o.Addr = ":8337"
	}
	o.SymbolPath = strings.TrimSpace(o.SymbolPath)
	o.StorageDir = strings.TrimSpace(o.StorageDir)
	return nil
}
