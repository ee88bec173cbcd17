package governance

import (
	"fmt"
	"time"

	"github.com/munin-graph/munindb/pkg/dedupe"
	"github.com/munin-graph/munindb/pkg/graph"
	"github.com/munin-graph/munindb/pkg/similarity"
)

// GateInput is a batch of proposed entities validated against existing
// graph state.
type GateInput struct {
	Nodes      []*graph.Node
	References []*graph.Reference

	// Existing is the current graph the batch is validated against.
	Existing *graph.Graph

	// Now anchors the daily cap check; zero means time.Now.
	Now time.Time
}

// GateResult is the publish gate verdict. Valid is strictly
// len(Errors) == 0 — warnings never block.
type GateResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	// DuplicateDetected distinguishes duplicate rejection from other policy
	// rejection, so the orchestrator can emit the right decision and audit
	// outcome.
	DuplicateDetected bool `json:"duplicateDetected,omitempty"`

	// CapExceeded marks a blocking daily-cap error, audited as cap-exceeded
	// rather than rejected.
	CapExceeded bool `json:"capExceeded,omitempty"`
}

// ValidatePublish runs the publish gate over a batch of proposed nodes and
// references.
//
// Node checks: name required; description required if configured; a
// duplicate name against existing nodes is a non-blocking warning unless the
// match is the same entity being re-validated. Reference checks: title
// required; year and (DOI or URL) required if configured; a detected
// duplicate is a blocking error (self-matches excluded). The daily node cap
// is a blocking error once met, a warning when remaining capacity is smaller
// than the batch.
//
// All node/reference findings are prefixed with the subject's name or title
// for traceability.
func (c Config) ValidatePublish(in GateInput) GateResult {
	res := GateResult{}
	existing := in.Existing
	if existing == nil {
		existing = &graph.Graph{}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	for _, node := range in.Nodes {
		res.checkNode(c, node, existing)
	}
	for _, ref := range in.References {
		res.checkReference(c, ref, existing)
	}
	res.checkNodeCap(c, len(in.Nodes), existing, now)

	res.Valid = len(res.Errors) == 0
	return res
}

func (r *GateResult) checkNode(c Config, node *graph.Node, existing *graph.Graph) {
	subject := node.Name
	if subject == "" {
		subject = node.ID
	}

	if node.Name == "" {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: node name is required", subject))
	}
	if c.RequireDescription && node.Description == "" {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: node description is required", subject))
	}

	nn := similarity.Normalize(node.Name)
	if nn == "" {
		return
	}
	for _, other := range existing.Nodes {
		if other.ID == node.ID {
			continue // re-validating the same entity is not a collision
		}
		if similarity.Normalize(other.Name) == nn {
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("%s: a node with this name already exists (%s)", subject, other.ID))
			break
		}
	}
}

func (r *GateResult) checkReference(c Config, ref *graph.Reference, existing *graph.Graph) {
	subject := ref.Title
	if subject == "" {
		subject = ref.ID
	}

	if ref.Title == "" {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: reference title is required", subject))
	}
	if c.RequireRefTitleYearDoi {
		if ref.Year == 0 {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: reference year is required", subject))
		}
		if ref.DOI == "" && ref.URL == "" {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: reference DOI or URL is required", subject))
		}
	}

	match := dedupe.FindReference(dedupe.Candidate{
		ID:                ref.ID,
		DOI:               ref.DOI,
		SemanticScholarID: ref.SemanticScholarID,
		OpenAlexID:        ref.OpenAlexID,
		Title:             ref.Title,
		Year:              ref.Year,
	}, existing.References)
	if match != nil {
		finding := fmt.Sprintf("%s: duplicate of existing reference %s (%s)",
			subject, match.Ref.ID, match.Type)
		if c.DuplicateRejection {
			r.Errors = append(r.Errors, finding)
			r.DuplicateDetected = true
		} else {
			r.Warnings = append(r.Warnings, finding)
		}
	}
}

func (r *GateResult) checkNodeCap(c Config, requested int, existing *graph.Graph, now time.Time) {
	if requested == 0 {
		return
	}

	today := countCreatedOn(now, existing.Nodes)
	remaining := c.MaxDailyNewNodes - today

	switch {
	case remaining <= 0:
		r.Errors = append(r.Errors,
			fmt.Sprintf("daily node cap reached (%d/%d created today)", today, c.MaxDailyNewNodes))
		r.CapExceeded = true
	case remaining < requested:
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("daily node cap nearly reached: %d remaining, %d requested", remaining, requested))
	}
}

// countCreatedOn counts nodes whose creation timestamp falls on the same
// calendar date as now (UTC date prefix comparison).
func countCreatedOn(now time.Time, nodes []*graph.Node) int {
	prefix := now.UTC().Format("2006-01-02")
	count := 0
	for _, n := range nodes {
		if n.CreatedAt.IsZero() {
			continue
		}
		if n.CreatedAt.UTC().Format("2006-01-02") == prefix {
			count++
		}
	}
	return count
}
