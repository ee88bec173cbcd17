package candidatelog

import (
	"strings"
	"time"
)

// Log is the query and append API over a Store.
//
// All reads fold the raw event sequence through LatestByCandidate, so
// callers only ever observe the current state of each candidate.
type Log struct {
	store Store
	now   func() time.Time
}

// New wraps a Store.
func New(store Store) *Log {
	return &Log{store: store, now: time.Now}
}

// SetClock overrides the timestamp source. Intended for tests.
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// Store exposes the underlying store (e.g. for Close).
func (l *Log) Store() Store { return l.store }

// Append writes one event, stamping Timestamp if unset.
func (l *Log) Append(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	return l.store.Append(ev)
}

// Latest returns the current event for every known candidate.
func (l *Log) Latest() ([]Event, error) {
	all, err := l.store.ReadAll()
	if err != nil {
		return nil, err
	}
	return LatestByCandidate(all), nil
}

// LatestFor returns the current event for one candidate, or nil if the
// candidate is unknown.
func (l *Log) LatestFor(candidateID string) (*Event, error) {
	latest, err := l.Latest()
	if err != nil {
		return nil, err
	}
	for i := range latest {
		if latest[i].CandidateID == candidateID {
			return &latest[i], nil
		}
	}
	return nil, nil
}

// Filters narrows the latest-state view.
type Filters struct {
	// Decision keeps only candidates currently in this state.
	Decision Decision
	// Source keeps only candidates discovered via this API.
	Source string
	// Search is a case-insensitive substring match on query or title.
	Search string
}

// List filters the latest-state view by decision, source API, or substring
// match on query/title.
func (l *Log) List(f Filters) ([]Event, error) {
	latest, err := l.Latest()
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, ev := range latest {
		if f.Decision != "" && ev.Decision != f.Decision {
			continue
		}
		if f.Source != "" && ev.Source != f.Source {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(ev.Query), needle) &&
				!strings.Contains(strings.ToLower(ev.Title), needle) {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// Queued returns candidates whose current state is queued, optionally
// restricted to those discovered by one run.
func (l *Log) Queued(sourceRunID string) ([]Event, error) {
	latest, err := l.Latest()
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, ev := range latest {
		if ev.Decision != DecisionQueued {
			continue
		}
		if sourceRunID != "" && ev.RunID != sourceRunID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Retry re-opens a candidate back to queued with a new retry event.
//
// Returns the appended event, or nil if the candidate is unknown (caller
// misuse is a silent non-result, not an error).
func (l *Log) Retry(candidateID, runID string) (*Event, error) {
	latest, err := l.LatestFor(candidateID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}

	ev := Derive(*latest)
	ev.Action = ActionRetry
	ev.Decision = DecisionQueued
	ev.DecisionReason = "manual-retry"
	ev.RunID = runID
	if err := l.Append(ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Derive copies the bibliographic fields of a prior event into a fresh one,
// clearing the decision fields. Decision updates build on this so the
// latest-state view stays self-contained.
func Derive(prev Event) Event {
	return Event{
		CandidateID:       prev.CandidateID,
		Source:            prev.Source,
		DiscoveredAt:      prev.DiscoveredAt,
		Query:             prev.Query,
		Title:             prev.Title,
		Authors:           prev.Authors,
		Year:              prev.Year,
		DOI:               prev.DOI,
		URL:               prev.URL,
		Abstract:          prev.Abstract,
		AbstractChecksum:  prev.AbstractChecksum,
		SemanticScholarID: prev.SemanticScholarID,
		OpenAlexID:        prev.OpenAlexID,
	}
}
