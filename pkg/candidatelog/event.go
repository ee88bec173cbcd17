// Package candidatelog implements the append-only event log for discovery
// candidates.
//
// A candidate is a single discovered external publication record. Its
// lifecycle is never stored directly: every state transition is an immutable
// appended event, and the current state is derived by folding the log
// (latest timestamp wins, ties broken by later read order). Re-opening a
// terminal candidate is itself a new event (action "retry").
//
// The log is storage-agnostic: FileStore writes one JSON object per line
// into per-calendar-day partitions, BadgerStore keeps the same records in an
// embedded Badger database, and MemoryStore backs tests. All three degrade
// corrupt partitions to empty reads rather than failing the caller.
//
// Example Usage:
//
//	store, _ := candidatelog.NewFileStore("./data/discovery")
//	log := candidatelog.New(store)
//
//	id := candidatelog.ComputeCandidateID(res.DOI, res.SemanticScholarID,
//		res.OpenAlexID, res.Title, res.Year)
//
//	log.Append(candidatelog.Event{
//		CandidateID: id,
//		Action:      candidatelog.ActionDiscover,
//		Decision:    candidatelog.DecisionQueued,
//		Title:       res.Title,
//		RunID:       runID,
//	})
//
//	queued, _ := log.Queued("")
package candidatelog

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/munin-graph/munindb/pkg/similarity"
)

// Action describes why an event was appended.
type Action string

const (
	// ActionDiscover records a candidate first seen by a harvest run.
	ActionDiscover Action = "discover"
	// ActionDecisionUpdate records a pipeline decision about a known candidate.
	ActionDecisionUpdate Action = "decision-update"
	// ActionRetry re-opens a terminal candidate back to queued.
	ActionRetry Action = "retry"
)

// Decision is the lifecycle state of a candidate.
type Decision string

const (
	DecisionQueued        Decision = "queued"
	DecisionParsed        Decision = "parsed"
	DecisionImportedDraft Decision = "imported-draft"
	DecisionDuplicate     Decision = "duplicate"
	DecisionRejected      Decision = "rejected"
	DecisionDeferred      Decision = "deferred"
)

// Classification is the scope judgement attached to a decision.
type Classification string

const (
	ClassInScopeCore     Classification = "in-scope-core"
	ClassInScopeAdjacent Classification = "in-scope-adjacent"
	ClassOutOfScope      Classification = "out-of-scope"
)

// Event is one immutable record in the candidate log.
//
// Bibliographic fields are carried on every event so the latest-state view
// is self-contained; decision-update events copy them forward from the
// discover event they follow.
type Event struct {
	CandidateID string    `json:"candidateId"`
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`

	Source            string    `json:"source,omitempty"`
	DiscoveredAt      time.Time `json:"discoveredAt,omitempty"`
	Query             string    `json:"query,omitempty"`
	Title             string    `json:"title,omitempty"`
	Authors           []string  `json:"authors,omitempty"`
	Year              int       `json:"year,omitempty"`
	DOI               string    `json:"doi,omitempty"`
	URL               string    `json:"url,omitempty"`
	Abstract          string    `json:"abstract,omitempty"`
	AbstractChecksum  string    `json:"abstractChecksum,omitempty"`
	SemanticScholarID string    `json:"semanticScholarId,omitempty"`
	OpenAlexID        string    `json:"openAlexId,omitempty"`

	Decision       Decision       `json:"decision"`
	DecisionReason string         `json:"decisionReason,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	RunID          string         `json:"runId,omitempty"`
}

// PartitionDate returns the calendar date partition this event belongs to.
func (e Event) PartitionDate() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// ComputeCandidateID derives the stable identity of a candidate.
//
// Identity precedence: DOI (lower-cased) > Semantic Scholar id > OpenAlex id
// > hash of normalized title + year. The same underlying work therefore maps
// to the same candidate across repeated harvests even without a DOI.
func ComputeCandidateID(doi, semanticScholarID, openAlexID, title string, year int) string {
	if doi != "" {
		return "doi:" + strings.ToLower(doi)
	}
	if semanticScholarID != "" {
		return "s2:" + semanticScholarID
	}
	if openAlexID != "" {
		return "oa:" + openAlexID
	}

	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%d", similarity.Normalize(title), year)))
	return "t:" + hex.EncodeToString(sum[:8])
}

// Checksum returns a short blake2b checksum of text, used for abstract
// change detection. Empty text yields "".
func Checksum(text string) string {
	if text == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// LatestByCandidate reduces an event sequence to one current event per
// candidate.
//
// The current state is the event with the maximum timestamp; ties are broken
// by later occurrence in read order. The returned slice preserves the order
// in which candidates first appeared.
func LatestByCandidate(events []Event) []Event {
	latest := make(map[string]int, len(events))
	order := make([]string, 0, len(events))

	for i, ev := range events {
		prev, seen := latest[ev.CandidateID]
		if !seen {
			latest[ev.CandidateID] = i
			order = append(order, ev.CandidateID)
			continue
		}
		// >= so an equal timestamp read later wins.
		if !ev.Timestamp.Before(events[prev].Timestamp) {
			latest[ev.CandidateID] = i
		}
	}

	out := make([]Event, 0, len(order))
	for _, id := range order {
		out = append(out, events[latest[id]])
	}
	return out
}
