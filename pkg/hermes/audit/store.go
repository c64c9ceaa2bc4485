package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Store defines the interface for persisting journal events.
type Store interface {
	Write(ctx context.Context, event *Event) error
}

// LogStore writes events to a writer as JSON lines.
// It is safe for concurrent use.
type LogStore struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogStore creates a new LogStore writing to the provided writer.
func NewLogStore(w io.Writer) *LogStore {
	return &LogStore{
		writer: w,
	}
}

// Write writes the event to the underlying writer as a JSON line.
func (s *LogStore) Write(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal journal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.writer.Write(append(data, '\n'))
	return err
}

// ReadFile loads every event of a journal file. A missing file is an empty
// journal.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("journal %s line %d: %w", path, line, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal %s: %w", path, err)
	}
	return events, nil
}

// FileStore is a LogStore over an append-only file.
type FileStore struct {
	*LogStore
	path string
	file *os.File
}

// NewFileStore opens the journal for appending.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &FileStore{LogStore: NewLogStore(f), path: path, file: f}, nil
}

// WithTail holds an exclusive flock on the journal, reads the hash of its
// last event and calls fn with it. Writes made by fn land after that event
// even when other processes append to the same file.
func (s *FileStore) WithTail(ctx context.Context, fn func(lastHash string) error) error {
	fd := int(s.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock journal %s: %w", s.path, err)
	}
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()

	events, err := ReadFile(s.path)
	if err != nil {
		return err
	}
	var last string
	if len(events) > 0 {
		last = events[len(events)-1].Hash
	}
	return fn(last)
}

func (s *FileStore) Close() error {
	return s.file.Close()
}

// Tailer is a Store shared with other writers. The chain is continued from
// whatever event is last at write time.
type Tailer interface {
	Store
	WithTail(ctx context.Context, fn func(lastHash string) error) error
}

var _ Tailer = (*FileStore)(nil)

// TamperEvidentStore wraps a Store and adds HMAC chaining.
type TamperEvidentStore struct {
	store        Store
	chainManager *ChainManager
	lastHash     string
	mu           sync.Mutex
}

// NewTamperEvidentStore creates a new TamperEvidentStore. A store that is not
// a Tailer is assumed empty and written only through this wrapper.
func NewTamperEvidentStore(store Store, chainManager *ChainManager) *TamperEvidentStore {
	return &TamperEvidentStore{
		store:        store,
		chainManager: chainManager,
	}
}

// Write computes the hash for the event (chaining it to the previous one) and writes it to the underlying store.
func (s *TamperEvidentStore) Write(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.store.(Tailer); ok {
		return t.WithTail(ctx, func(lastHash string) error {
			return s.append(ctx, event, lastHash)
		})
	}
	return s.append(ctx, event, s.lastHash)
}

func (s *TamperEvidentStore) append(ctx context.Context, event *Event, previous string) error {
	event.PreviousHash = previous
	hash, err := s.chainManager.ComputeHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash

	if err := s.store.Write(ctx, event); err != nil {
		return err
	}
	s.lastHash = hash
	return nil
}
