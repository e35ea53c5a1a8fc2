// Package history keeps an append-only JSON lines journal of claim runs.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// ErrNotFound is returned by Get for an unknown run ID.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidID rejects IDs that are not UUIDs.
	ErrInvalidID = errors.New("invalid run id")
)

// Record is one finished run. Exactly one of Outcome and ErrorCode is set.
type Record struct {
	ID            string     `json:"id"`
	Outcome       string     `json:"outcome,omitempty"`
	NextAvailable *time.Time `json:"next_available,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	Error         string     `json:"error,omitempty"`
	ForceRestart  bool       `json:"force_restart"`
	StopOnExit    bool       `json:"stop_on_exit"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
}

// Journal appends records to a size-rotated file and reads back the current one.
type Journal struct {
	path string
	mu   sync.RWMutex
	out  *lumberjack.Logger
}

// Open prepares a journal at path, creating its directory.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history journal: mkdir %s: %w", filepath.Dir(path), err)
	}
	return &Journal{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     90,
		},
	}, nil
}

// NewID returns a fresh run ID.
func NewID() string {
	return uuid.New().String()
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Append writes r as one line.
func (j *Journal) Append(r Record) error {
	if err := validateID(r.ID); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history journal: marshal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("history journal: write: %w", err)
	}
	return nil
}

// Recent returns up to limit records from the current file, newest first.
// limit <= 0 returns all of them.
func (j *Journal) Recent(limit int) ([]Record, error) {
	records, err := j.readAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(a, b int) bool {
		return records[a].FinishedAt.After(records[b].FinishedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns the record with the given ID.
func (j *Journal) Get(id string) (Record, error) {
	if err := validateID(id); err != nil {
		return Record{}, err
	}
	records, err := j.readAll()
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Close releases the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}

func (j *Journal) readAll() ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history journal: open: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			slog.Debug("skipping malformed history line", "path", j.path, "error", err)
			continue
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history journal: read: %w", err)
	}
	return records, nil
}
