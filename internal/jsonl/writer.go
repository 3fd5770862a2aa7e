package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// Writer appends JSON records, one per line, to an audit file.
// Appends from several processes are serialized with flock.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates a writer for path, creating the file and parent directories.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304 - path from config
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	_ = f.Close()

	return &Writer{path: path}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Append marshals record and appends it as one line.
func (w *Writer) Append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from config
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil { //nolint:gosec // fd fits in int
		return fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }() //nolint:gosec // fd fits in int

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	return nil
}

// ReadAll returns every non-empty line of the file at path.
func ReadAll(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path) //nolint:gosec // G304 - path from config
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil { //nolint:gosec // fd fits in int
		return nil, fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }() //nolint:gosec // fd fits in int

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// scanner reuses its buffer
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		lines = append(lines, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return lines, nil
}
