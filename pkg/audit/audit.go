// Package audit provides the durable decision-provenance trail for the
// discovery pipeline.
//
// Every accept/reject decision the pipeline makes — importing a reference,
// skipping a duplicate, rejecting an out-of-scope candidate, refusing a node
// over a governance cap — appends one immutable JSON record, partitioned by
// calendar date. The trail makes every decision reconstructable after the
// fact: what entity was touched, what the validation outcome was, and what
// the entity looked like before and after.
//
// Reads are lenient: a corrupt or missing partition degrades to an empty
// list rather than failing compliance reads.
//
// Example Usage:
//
//	trail := audit.NewTrail("./data/audit")
//
//	trail.Append(audit.Entry{
//		RunID:             runID,
//		Action:            "import-reference",
//		EntityType:        audit.EntityReference,
//		EntityID:          ref.ID,
//		ValidationOutcome: audit.OutcomeAccepted,
//		After:             audit.Snapshot(ref),
//	})
//
//	today, _ := trail.Today()
//	fmt.Printf("decisions today: %d\n", len(today))
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// EntityType identifies what kind of graph entity a decision concerned.
type EntityType string

const (
	EntityNode      EntityType = "node"
	EntityEdge      EntityType = "edge"
	EntityReference EntityType = "reference"
)

// Outcome is the validation outcome of one decision.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeSkippedDuplicate Outcome = "skipped-duplicate"
	OutcomeRejected         Outcome = "rejected"
	OutcomeCapExceeded      Outcome = "cap-exceeded"
)

// Entry is one immutable audit record.
type Entry struct {
	Timestamp         time.Time  `json:"timestamp"`
	RunID             string     `json:"runId,omitempty"`
	Action            string     `json:"action"`
	EntityType        EntityType `json:"entityType"`
	EntityID          string     `json:"entityId"`
	ValidationOutcome Outcome    `json:"validationOutcome"`

	// Before and After are opaque entity snapshots.
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`

	Reason           string   `json:"reason,omitempty"`
	AIRationale      string   `json:"aiRationale,omitempty"`
	ValidationErrors []string `json:"validationErrors,omitempty"`
}

// PartitionDate returns the calendar date partition this entry belongs to.
func (e Entry) PartitionDate() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// Snapshot marshals an entity into an opaque before/after snapshot. A
// marshal failure yields nil; the audit entry is still written without it.
func Snapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

const filePrefix = "audit-"

// Trail is the append-only audit log, one JSON-lines file per calendar date
// under a fixed directory.
type Trail struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewTrail creates a trail rooted at dir. The directory is created lazily on
// first append.
func NewTrail(dir string) *Trail {
	return &Trail{dir: dir, now: time.Now}
}

// SetClock overrides the timestamp source. Intended for tests.
func (t *Trail) SetClock(now func() time.Time) { t.now = now }

// Append writes one entry to its date partition, stamping Timestamp if
// unset.
func (t *Trail) Append(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = t.now().UTC()
	}

	if err := os.MkdirAll(t.dir, 0750); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	path := filepath.Join(t.dir, filePrefix+e.PartitionDate()+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("opening audit partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// ReadDate returns all entries for one calendar date ("2006-01-02").
// Corrupt or missing partitions degrade to an empty list.
func (t *Trail) ReadDate(date string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(t.dir, filePrefix+date+".jsonl"))
	if err != nil {
		return []Entry{}, nil
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return []Entry{}, nil
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return []Entry{}, nil
	}
	return entries, nil
}

// Today returns the current date's entries.
func (t *Trail) Today() ([]Entry, error) {
	return t.ReadDate(t.now().UTC().Format("2006-01-02"))
}

// Dates lists all dates that have at least one entry, ascending.
func (t *Trail) Dates() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing audit directory: %w", err)
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

// Summary counts a date's entries per validation outcome and entity type,
// in the style of a compliance report.
type Summary struct {
	Date       string             `json:"date"`
	Total      int                `json:"total"`
	ByOutcome  map[Outcome]int    `json:"byOutcome"`
	ByEntity   map[EntityType]int `json:"byEntity"`
	UniqueRuns int                `json:"uniqueRuns"`
}

// Summarize builds a per-date decision summary.
func Summarize(date string, entries []Entry) Summary {
	s := Summary{
		Date:      date,
		Total:     len(entries),
		ByOutcome: make(map[Outcome]int),
		ByEntity:  make(map[EntityType]int),
	}
	runs := make(map[string]struct{})
	for _, e := range entries {
		s.ByOutcome[e.ValidationOutcome]++
		s.ByEntity[e.EntityType]++
		if e.RunID != "" {
			runs[e.RunID] = struct{}{}
		}
	}
	s.UniqueRuns = len(runs)
	return s
}
