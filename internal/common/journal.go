package common

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JournalEntry captures a single session lifecycle event.
type JournalEntry struct {
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail,omitempty"`
	DataHex string    `json:"dataHex,omitempty"`
	Ts      time.Time `json:"ts"`
}

// DataBytes decodes the hexadecimal payload attached to the event, if any.
func (e JournalEntry) DataBytes() ([]byte, error) {
	if strings.TrimSpace(e.DataHex) == "" {
		return nil, nil
	}
	return hex.DecodeString(e.DataHex)
}

// Journal provides append-only access to a JSONL session event log.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal returns a Journal that writes to the provided path.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the backing file path for the journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append writes a new entry to the journal. Entries are serialized as JSON
// objects, one per line, to make downstream consumption and replay
// straightforward.
func (j *Journal) Append(entry JournalEntry) error {
	if j == nil {
		return errors.New("nil journal")
	}
	if entry.Kind == "" {
		return errors.New("journal entry missing kind")
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	dir := filepath.Dir(j.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadJournal loads every entry from the supplied JSONL file.
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var entries []JournalEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
