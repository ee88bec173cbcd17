package candidatelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store abstracts the physical backing of the event log.
//
// The reducer and query layer (Log) are pure over the event sequence, so the
// log can be backed by files, an embedded database, or an in-memory list
// under test.
type Store interface {
	// Append writes one event. Events are never mutated or deleted.
	Append(ev Event) error
	// ReadDate returns the events of one calendar-date partition
	// ("2006-01-02"). Missing or corrupt partitions yield an empty slice.
	ReadDate(date string) ([]Event, error)
	// ReadAll returns every event across all partitions, in partition order
	// then append order.
	ReadAll() ([]Event, error)
	// Dates lists all partitions that hold at least one event, ascending.
	Dates() ([]string, error)
	// Close releases any underlying resources.
	Close() error
}

const filePrefix = "discovery-"

// FileStore is the default Store: one JSON-lines file per calendar day,
// named discovery-YYYY-MM-DD.jsonl under the store directory.
//
// Concurrent appenders are safe for the log itself: interleaved appends are
// resolved by the latest-state reducer (last write wins).
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the partition directory if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating candidate log directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Append writes one JSON record to the event's date partition.
func (s *FileStore) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling candidate event: %w", err)
	}

	path := filepath.Join(s.dir, filePrefix+ev.PartitionDate()+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("opening candidate log partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing candidate event: %w", err)
	}
	return nil
}

// ReadDate parses one partition. A partition with unparsable content yields
// an empty list rather than failing the caller.
func (s *FileStore) ReadDate(date string) ([]Event, error) {
	f, err := os.Open(filepath.Join(s.dir, filePrefix+date+".jsonl"))
	if err != nil {
		return []Event{}, nil
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Lenient degradation: a corrupt partition reads as empty.
			return []Event{}, nil
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return []Event{}, nil
	}
	return events, nil
}

// ReadAll concatenates all partitions in date order.
func (s *FileStore) ReadAll() ([]Event, error) {
	dates, err := s.Dates()
	if err != nil {
		return nil, err
	}

	var all []Event
	for _, date := range dates {
		events, err := s.ReadDate(date)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

// Dates lists the calendar dates that have a partition file.
func (s *FileStore) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing candidate log directory: %w", err)
	}

	var dates []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".jsonl"))
	}
	sort.Strings(dates)
	return dates, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// MemoryStore keeps events in a slice. Intended for tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append appends to the in-memory slice.
func (s *MemoryStore) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// ReadDate filters the slice by partition date.
func (s *MemoryStore) ReadDate(date string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.PartitionDate() == date {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReadAll returns a copy of all events in append order.
func (s *MemoryStore) ReadAll() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

// Dates lists distinct partition dates, ascending.
func (s *MemoryStore) Dates() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var dates []string
	for _, ev := range s.events {
		d := ev.PartitionDate()
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			dates = append(dates, d)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
