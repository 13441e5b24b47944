package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the journal written inside the state directory.
const FileName = "converted.jsonl"

// Record describes one converted message.
type Record struct {
	Hash        string    `json:"hash"`
	MessageID   string    `json:"message_id"`
	Output      string    `json:"output,omitempty"`
	ConvertedAt time.Time `json:"converted_at"`
}

type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(rec Record) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Processed int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]Record)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

// MarkProcessed stores rec unless its hash is already known.
func (m *MemoryTracker) MarkProcessed(rec Record) error {
	m.add(rec)
	return nil
}

func (m *MemoryTracker) add(rec Record) bool {
	if rec.Hash == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[rec.Hash]; exists {
		return false
	}
	m.processed[rec.Hash] = rec
	return true
}

// Lookup returns the record stored for hash.
func (m *MemoryTracker) Lookup(hash string) (Record, bool) {
	m.mu.RLock()
	rec, ok := m.processed[hash]
	m.mu.RUnlock()
	return rec, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker keeps the in-memory index and appends every new record to a
// JSON Lines journal, so later runs can skip converted messages.
type FileTracker struct {
	*MemoryTracker
	path string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func NewFileTracker(stateDir string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	t := &FileTracker{MemoryTracker: NewMemoryTracker(), path: filepath.Join(stateDir, FileName)}
	if err := t.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	t.file = file
	t.buf = bufio.NewWriterSize(file, 64*1024)
	t.enc = json.NewEncoder(t.buf)
	return t, nil
}

// Path returns the journal location.
func (t *FileTracker) Path() string {
	return t.path
}

func (t *FileTracker) replay() error {
	file, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(bufio.NewReader(file))
	for n := 1; ; n++ {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("journal %s record %d: %w", t.path, n, err)
		}
		t.add(rec)
	}
}

func (t *FileTracker) MarkProcessed(rec Record) error {
	if rec.ConvertedAt.IsZero() {
		rec.ConvertedAt = time.Now().UTC()
	}
	if !t.add(rec) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil {
		return fmt.Errorf("journal %s is closed", t.path)
	}
	if err := t.enc.Encode(rec); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Flush pushes buffered records to disk.
func (t *FileTracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flush()
}

func (t *FileTracker) flush() error {
	if t.buf == nil {
		return nil
	}
	if err := t.buf.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close flushes the journal. Calling it again is a no-op.
func (t *FileTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}

	err := t.flush()
	if cerr := t.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close journal: %w", cerr)
	}
	t.file, t.buf, t.enc = nil, nil, nil
	return err
}
