// Package scope decides whether a discovered candidate is relevant to the
// research domain, and how confident the pipeline should be about growing
// the graph from it.
//
// Both decisions are keyword/token heuristics over normalized text. The
// classifier produces an in/out-of-scope judgement; the confidence scorer
// blends four lexical signals into a single [0,1] value the orchestrator
// compares against its configured threshold.
package scope

import (
	"fmt"
	"strings"

	"github.com/munin-graph/munindb/pkg/candidatelog"
	"github.com/munin-graph/munindb/pkg/graph"
	"github.com/munin-graph/munindb/pkg/similarity"
)

// Config holds the scope keyword lists and the classification threshold.
type Config struct {
	// Keywords define the research domain. Each hit contributes 2 points.
	Keywords []string
	// ExcludeKeywords force out-of-scope regardless of score.
	ExcludeKeywords []string
	// MinScopeScore is the in-scope-adjacent threshold; MinScopeScore+2 is
	// the in-scope-core threshold. Default 2.
	MinScopeScore int
}

// DefaultConfig returns an empty keyword set with the standard threshold.
func DefaultConfig() Config {
	return Config{MinScopeScore: 2}
}

// Result is one candidate's scope judgement.
type Result struct {
	Score           int
	Classification  candidatelog.Classification
	Reason          string
	MatchedKeywords []string

	// BestNode is the existing node with the highest lexical overlap with
	// the candidate, or nil when the graph has no nodes. BestOverlap is the
	// unclamped overlap score used for parent selection.
	BestNode    *graph.Node
	BestOverlap int
}

// Classify scores a candidate's normalized text against the scope config
// and the existing graph nodes.
//
// scopeScore = 2 x keyword hits + min(3, best node overlap). Any exclude
// keyword forces out-of-scope regardless of score.
func Classify(text string, cfg Config, nodes []*graph.Node) Result {
	res := Result{}

	for _, kw := range cfg.ExcludeKeywords {
		if similarity.ContainsToken(text, kw) {
			res.Classification = candidatelog.ClassOutOfScope
			res.Reason = "matched exclude keywords"
			res.BestNode, res.BestOverlap = bestNodeOverlap(text, nodes)
			return res
		}
	}

	for _, kw := range cfg.Keywords {
		if similarity.ContainsToken(text, kw) {
			res.MatchedKeywords = append(res.MatchedKeywords, kw)
		}
	}

	res.BestNode, res.BestOverlap = bestNodeOverlap(text, nodes)

	overlapContribution := res.BestOverlap
	if overlapContribution > 3 {
		overlapContribution = 3
	}
	res.Score = 2*len(res.MatchedKeywords) + overlapContribution

	switch {
	case res.Score >= cfg.MinScopeScore+2:
		res.Classification = candidatelog.ClassInScopeCore
	case res.Score >= cfg.MinScopeScore:
		res.Classification = candidatelog.ClassInScopeAdjacent
	default:
		res.Classification = candidatelog.ClassOutOfScope
		res.Reason = fmt.Sprintf("scope score %d below threshold %d", res.Score, cfg.MinScopeScore)
	}
	return res
}

// CandidateText builds the normalized text a candidate is scored on.
func CandidateText(title, abstract string) string {
	return strings.TrimSpace(title + " " + abstract)
}

func bestNodeOverlap(text string, nodes []*graph.Node) (*graph.Node, int) {
	var best *graph.Node
	bestScore := 0
	for _, node := range nodes {
		score := similarity.Overlap(text, node.Name, node.Keywords)
		if score > bestScore {
			best = node
			bestScore = score
		}
	}
	return best, bestScore
}
