package scope

import (
	"github.com/munin-graph/munindb/pkg/candidatelog"
	"github.com/munin-graph/munindb/pkg/similarity"
)

// Confidence weights. Magic constants kept named and overridable; do not
// retune without evidence.
var (
	// DefaultWeights apply when the candidate is in scope.
	DefaultWeights = ConfidenceWeights{Scope: 0.35, Parent: 0.25, Lexical: 0.25, Keyword: 0.15}
	// WeakScopeWeights apply when an out-of-scope candidate reaches node
	// growth because scope filtering is disabled. The scope signal is
	// dropped and the result is discounted.
	WeakScopeWeights = ConfidenceWeights{Scope: 0, Parent: 0.45, Lexical: 0.45, Keyword: 0.10}
)

const (
	// WeakScopePenalty multiplies the weak-scope confidence.
	WeakScopePenalty = 0.85
	// WeakScopeThresholdRaise is added to the acceptance threshold on the
	// weak-scope path.
	WeakScopeThresholdRaise = 0.1
)

// ConfidenceWeights blends the four node-growth signals.
type ConfidenceWeights struct {
	Scope   float64
	Parent  float64
	Lexical float64
	Keyword float64
}

// ConfidenceInput carries everything the scorer needs about one candidate
// and its proposed parent node.
type ConfidenceInput struct {
	// ScopeScore and Classification come from Classify.
	ScopeScore     int
	Classification candidatelog.Classification

	// ParentOverlap is the lexical/keyword overlap with the best-matching
	// existing node (the proposed parent).
	ParentOverlap int

	// Title is the candidate title; ParentName and ParentKeywords describe
	// the proposed parent.
	Title          string
	ParentName     string
	ParentKeywords []string

	// Text is the candidate's scored text; ScopeKeywords is the configured
	// scope keyword list.
	Text          string
	ScopeKeywords []string
}

// ConfidenceResult is the scored outcome plus the threshold adjustment the
// caller must apply.
type ConfidenceResult struct {
	Confidence float64
	// WeakScope is true when the weak-scope fallback formula was used; the
	// acceptance threshold must be raised by WeakScopeThresholdRaise.
	WeakScope bool

	// Individual signals, for audit rationale.
	ScopeSignal   float64
	ParentSignal  float64
	LexicalSignal float64
	KeywordSignal float64
}

// NodeConfidence computes the auto-growth confidence for a candidate.
//
// Signals, each clamped to [0,1]:
//   - scope:   scopeScore / 6
//   - parent:  parent overlap / 5
//   - lexical: token-Jaccard of candidate title vs parent name+keywords
//   - keyword: fraction of configured scope keywords present in the text
//
// In scope: 0.35*scope + 0.25*parent + 0.25*lexical + 0.15*keyword.
// Out of scope (filtering disabled): 0.45*parent + 0.45*lexical +
// 0.10*keyword, multiplied by 0.85, with the threshold raised by 0.1 —
// both penalties reflect reduced trust in a weak scope signal.
func NodeConfidence(in ConfidenceInput) ConfidenceResult {
	res := ConfidenceResult{
		ScopeSignal:   similarity.Clamp01(float64(in.ScopeScore) / 6),
		ParentSignal:  similarity.Clamp01(float64(in.ParentOverlap) / 5),
		LexicalSignal: lexicalTitleSignal(in.Title, in.ParentName, in.ParentKeywords),
		KeywordSignal: keywordCoverage(in.Text, in.ScopeKeywords),
	}

	weights := DefaultWeights
	if in.Classification == candidatelog.ClassOutOfScope {
		weights = WeakScopeWeights
		res.WeakScope = true
	}

	res.Confidence = weights.Scope*res.ScopeSignal +
		weights.Parent*res.ParentSignal +
		weights.Lexical*res.LexicalSignal +
		weights.Keyword*res.KeywordSignal

	if res.WeakScope {
		res.Confidence *= WeakScopePenalty
	}
	return res
}

// Threshold returns the effective acceptance threshold for this result.
func (r ConfidenceResult) Threshold(minNodeConfidence float64) float64 {
	if r.WeakScope {
		return minNodeConfidence + WeakScopeThresholdRaise
	}
	return minNodeConfidence
}

// Accepted reports whether the confidence meets the (possibly raised)
// threshold. Exactly at threshold is accepted.
func (r ConfidenceResult) Accepted(minNodeConfidence float64) bool {
	return r.Confidence >= r.Threshold(minNodeConfidence)
}

func lexicalTitleSignal(title, parentName string, parentKeywords []string) float64 {
	parentText := parentName
	for _, kw := range parentKeywords {
		parentText += " " + kw
	}
	return similarity.TokenJaccard(title, parentText)
}

func keywordCoverage(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if similarity.ContainsToken(text, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}
