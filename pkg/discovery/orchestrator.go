package discovery

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/munin-graph/munindb/pkg/audit"
	"github.com/munin-graph/munindb/pkg/candidatelog"
	"github.com/munin-graph/munindb/pkg/config"
	"github.com/munin-graph/munindb/pkg/governance"
	"github.com/munin-graph/munindb/pkg/graph"
	"github.com/munin-graph/munindb/pkg/scope"
	"github.com/munin-graph/munindb/pkg/similarity"
)

// Orchestrator runs the end-to-end candidate -> reference/node pipeline.
//
// It reads queued candidates from the event log, classifies and ranks them,
// runs each through the publish gate, creates references (and, under
// governance limits, nodes and edges) on the in-memory graph, and records
// every decision as both a log event and an audit entry.
//
// The orchestrator never mutates the log in place: decisions are always new
// appended events, so re-running against the same log never reprocesses an
// already-decided candidate.
type Orchestrator struct {
	Log        *candidatelog.Log
	Trail      *audit.Trail
	Graph      *graph.Graph
	Governance governance.Config
	Agent      config.AgentConfig

	// Propagate is the external trust-propagation collaborator, invoked
	// whenever nodes/edges are mutated. Optional; nil leaves new entities
	// at unclassified trust.
	Propagate PropagateFunc

	Logger *slog.Logger

	now func() time.Time
}

// ImportOptions parameterize one import run.
type ImportOptions struct {
	// RunID identifies this import run; a fresh UUID is assigned if empty.
	RunID string
	// SourceRunID restricts processing to candidates discovered by that
	// run. Empty processes all queued candidates.
	SourceRunID string
	// MaxItems caps candidates processed this run; 0 uses the agent
	// config's MaxItemsPerRun.
	MaxItems int
}

// CandidateDetail is the per-candidate outcome in an ImportResult.
type CandidateDetail struct {
	CandidateID    string                      `json:"candidateId"`
	Title          string                      `json:"title"`
	Decision       candidatelog.Decision       `json:"decision"`
	Classification candidatelog.Classification `json:"classification,omitempty"`
	ScopeScore     int                         `json:"scopeScore"`
	Reason         string                      `json:"reason,omitempty"`
	ReferenceID    string                      `json:"referenceId,omitempty"`
	NodeID         string                      `json:"nodeId,omitempty"`
	NodeSkipReason string                      `json:"nodeSkipReason,omitempty"`
	NodeConfidence float64                     `json:"nodeConfidence,omitempty"`
}

// SkipReasonGroup aggregates node-growth skip reasons for operator
// diagnosis: code, count, and up to 5 sample candidate ids.
type SkipReasonGroup struct {
	Code    string   `json:"code"`
	Count   int      `json:"count"`
	Samples []string `json:"samples"`
}

// ImportResult aggregates one import run.
type ImportResult struct {
	RunID         string `json:"runId"`
	ScannedQueued int    `json:"scannedQueued"`
	Processed     int    `json:"processed"`

	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	OutOfScope int `json:"outOfScope"`

	NodesProposed  int `json:"nodesProposed"`
	NodesCreated   int `json:"nodesCreated"`
	NodesDuplicate int `json:"nodesDuplicate"`
	NodesRejected  int `json:"nodesRejected"`

	Details     []CandidateDetail `json:"details"`
	SkipReasons []SkipReasonGroup `json:"skipReasons"`
}

// rankedCandidate pairs a queued event with its scope judgement.
type rankedCandidate struct {
	event candidatelog.Event
	scope scope.Result
}

// Import runs the orchestrator over all currently queued candidates.
func (o *Orchestrator) Import(opts ImportOptions) (*ImportResult, error) {
	logger := o.logger()
	now := o.clock()()

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = o.Agent.MaxItemsPerRun
	}

	queued, err := o.Log.Queued(opts.SourceRunID)
	if err != nil {
		return nil, fmt.Errorf("reading queued candidates: %w", err)
	}

	result := &ImportResult{RunID: runID, ScannedQueued: len(queued)}

	// Classify everything first, then rank by (scope score desc, timestamp
	// desc) and take the top maxItems.
	scopeCfg := scope.Config{
		Keywords:        o.Agent.ScopeKeywords,
		ExcludeKeywords: o.Agent.ExcludeKeywords,
		MinScopeScore:   o.Agent.MinScopeScore,
	}
	ranked := make([]rankedCandidate, 0, len(queued))
	for _, ev := range queued {
		text := scope.CandidateText(ev.Title, ev.Abstract)
		ranked = append(ranked, rankedCandidate{
			event: ev,
			scope: scope.Classify(text, scopeCfg, o.Graph.Nodes),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].scope.Score != ranked[j].scope.Score {
			return ranked[i].scope.Score > ranked[j].scope.Score
		}
		return ranked[i].event.Timestamp.After(ranked[j].event.Timestamp)
	})
	if len(ranked) > maxItems {
		ranked = ranked[:maxItems]
	}

	nodesThisRun := 0
	for _, rc := range ranked {
		result.Processed++
		detail := o.processCandidate(rc, runID, now, &nodesThisRun, result)
		result.Details = append(result.Details, detail)
	}

	result.SkipReasons = groupSkipReasons(result.Details)

	logger.Info("import complete",
		"run_id", runID,
		"scanned_queued", result.ScannedQueued,
		"imported", result.Imported,
		"duplicates", result.Duplicates,
		"rejected", result.Rejected,
		"out_of_scope", result.OutOfScope,
		"nodes_created", result.NodesCreated)
	return result, nil
}

// processCandidate handles one ranked candidate end to end. A rejected
// candidate never aborts processing of the remaining ranked candidates, so
// all failure paths end in a decision event, not an error.
func (o *Orchestrator) processCandidate(rc rankedCandidate, runID string, now time.Time, nodesThisRun *int, result *ImportResult) CandidateDetail {
	ev := rc.event
	sres := rc.scope

	detail := CandidateDetail{
		CandidateID:    ev.CandidateID,
		Title:          ev.Title,
		Classification: sres.Classification,
		ScopeScore:     sres.Score,
	}

	// Scope enforcement.
	if o.Agent.ScopeFilterEnabled && sres.Classification == candidatelog.ClassOutOfScope {
		reason := "out-of-scope: " + sres.Reason
		o.emitDecision(ev, candidatelog.DecisionRejected, reason, sres.Classification, runID)
		o.audit(audit.Entry{
			RunID:             runID,
			Action:            "scope-reject",
			EntityType:        audit.EntityReference,
			EntityID:          ev.CandidateID,
			ValidationOutcome: audit.OutcomeRejected,
			Reason:            reason,
		})
		result.OutOfScope++
		detail.Decision = candidatelog.DecisionRejected
		detail.Reason = reason
		return detail
	}

	// Publish gate over the reference draft.
	ref := o.buildReference(ev, sres.Classification, runID, now)
	gate := o.Governance.ValidatePublish(governance.GateInput{
		References: []*graph.Reference{ref},
		Existing:   o.Graph,
		Now:        now,
	})
	if !gate.Valid {
		reason := strings.Join(gate.Errors, "; ")
		if gate.DuplicateDetected {
			o.emitDecision(ev, candidatelog.DecisionDuplicate, reason, sres.Classification, runID)
			o.audit(audit.Entry{
				RunID:             runID,
				Action:            "import-reference",
				EntityType:        audit.EntityReference,
				EntityID:          ev.CandidateID,
				ValidationOutcome: audit.OutcomeSkippedDuplicate,
				Reason:            reason,
				ValidationErrors:  gate.Errors,
			})
			result.Duplicates++
			detail.Decision = candidatelog.DecisionDuplicate
		} else {
			o.emitDecision(ev, candidatelog.DecisionRejected, reason, sres.Classification, runID)
			o.audit(audit.Entry{
				RunID:             runID,
				Action:            "import-reference",
				EntityType:        audit.EntityReference,
				EntityID:          ev.CandidateID,
				ValidationOutcome: audit.OutcomeRejected,
				Reason:            reason,
				ValidationErrors:  gate.Errors,
			})
			result.Rejected++
			detail.Decision = candidatelog.DecisionRejected
		}
		detail.Reason = reason
		return detail
	}

	// Accepted: the reference joins the graph.
	o.Graph.References = append(o.Graph.References, ref)
	detail.ReferenceID = ref.ID

	// Attach the reference to the best-overlapping existing nodes.
	for _, node := range o.suggestLinks(ev) {
		node.AttachReference(ref.ID)
	}

	// Optional node growth.
	grown := o.growNode(ev, sres, ref, runID, now, nodesThisRun, result)
	detail.NodeID = grown.nodeID
	detail.NodeSkipReason = grown.skipReason
	detail.NodeConfidence = grown.confidence

	o.emitDecision(ev, candidatelog.DecisionImportedDraft, "", sres.Classification, runID)
	o.audit(audit.Entry{
		RunID:             runID,
		Action:            "import-reference",
		EntityType:        audit.EntityReference,
		EntityID:          ref.ID,
		ValidationOutcome: audit.OutcomeAccepted,
		After:             audit.Snapshot(ref),
	})
	result.Imported++
	detail.Decision = candidatelog.DecisionImportedDraft
	return detail
}

// buildReference turns a candidate event into a reference draft with agent
// provenance attached.
func (o *Orchestrator) buildReference(ev candidatelog.Event, class candidatelog.Classification, runID string, now time.Time) *graph.Reference {
	return &graph.Reference{
		ID:                   "ref-" + uuid.NewString(),
		Title:                ev.Title,
		Authors:              ev.Authors,
		Year:                 ev.Year,
		DOI:                  ev.DOI,
		URL:                  ev.URL,
		Abstract:             ev.Abstract,
		SemanticScholarID:    ev.SemanticScholarID,
		OpenAlexID:           ev.OpenAlexID,
		ReviewStatus:         "pending-review",
		ProcessingStatus:     "draft",
		DiscoveryCandidateID: ev.CandidateID,
		CreatedAt:            now.UTC(),
		Provenance: &graph.Provenance{
			Source:         "agent",
			RunID:          runID,
			Query:          ev.Query,
			API:            ev.Source,
			Classification: string(class),
		},
	}
}

// suggestLinks scores every existing non-root node by lexical/keyword
// overlap with the candidate and keeps those scoring >= 2, best first,
// capped at MaxLinkedNodes.
func (o *Orchestrator) suggestLinks(ev candidatelog.Event) []*graph.Node {
	text := scope.CandidateText(ev.Title, ev.Abstract)

	type scored struct {
		node  *graph.Node
		score int
	}
	var candidates []scored
	for _, node := range o.Graph.NonRootNodes() {
		score := similarity.Overlap(text, node.Name, node.Keywords)
		if score >= 2 {
			candidates = append(candidates, scored{node: node, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	maxLinked := o.Agent.MaxLinkedNodes
	if len(candidates) > maxLinked {
		candidates = candidates[:maxLinked]
	}

	out := make([]*graph.Node, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.node)
	}
	return out
}

// emitDecision appends a decision-update event derived from the candidate's
// prior event.
func (o *Orchestrator) emitDecision(prev candidatelog.Event, decision candidatelog.Decision, reason string, class candidatelog.Classification, runID string) {
	ev := candidatelog.Derive(prev)
	ev.Action = candidatelog.ActionDecisionUpdate
	ev.Decision = decision
	ev.DecisionReason = reason
	ev.Classification = class
	ev.RunID = runID
	if err := o.Log.Append(ev); err != nil {
		o.logger().Error("appending decision event failed",
			"candidate_id", prev.CandidateID, "error", err.Error())
	}
}

func (o *Orchestrator) audit(e audit.Entry) {
	if o.Trail == nil {
		return
	}
	if err := o.Trail.Append(e); err != nil {
		o.logger().Error("appending audit entry failed",
			"entity_id", e.EntityID, "error", err.Error())
	}
}

// groupSkipReasons groups node-growth skip reasons by their code (the
// segment before the first colon), with up to 5 sample candidate ids each.
func groupSkipReasons(details []CandidateDetail) []SkipReasonGroup {
	index := make(map[string]*SkipReasonGroup)
	var order []string

	for _, d := range details {
		if d.NodeSkipReason == "" {
			continue
		}
		code := d.NodeSkipReason
		if i := strings.IndexByte(code, ':'); i > 0 {
			code = code[:i]
		}
		group, ok := index[code]
		if !ok {
			group = &SkipReasonGroup{Code: code}
			index[code] = group
			order = append(order, code)
		}
		group.Count++
		if len(group.Samples) < 5 {
			group.Samples = append(group.Samples, d.CandidateID)
		}
	}

	out := make([]SkipReasonGroup, 0, len(order))
	for _, code := range order {
		out = append(out, *index[code])
	}
	return out
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) clock() func() time.Time {
	if o.now != nil {
		return o.now
	}
	return time.Now
}

// SetClock overrides the timestamp source. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }
