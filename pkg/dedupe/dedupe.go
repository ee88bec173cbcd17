// Package dedupe implements the multi-strategy duplicate detectors used by
// the publish gate: reference matching (exact DOI, exact external id, fuzzy
// title+year) and node matching (normalized name, alias overlap, name
// similarity).
//
// Strategies are tested in strict priority order and short-circuit on the
// first match; the reported MatchType feeds audit entries and operator
// diagnostics. Self-matches (identical id) are never duplicates, so an
// entity can be re-validated against a collection containing itself.
package dedupe

import (
	"strings"

	"github.com/munin-graph/munindb/pkg/graph"
	"github.com/munin-graph/munindb/pkg/similarity"
)

// MatchType identifies which strategy produced a duplicate match.
type MatchType string

const (
	MatchExactDOI  MatchType = "exact-doi"
	MatchExactID   MatchType = "exact-id"
	MatchFuzzy     MatchType = "fuzzy-title-year"
	MatchNodeName  MatchType = "exact-name"
	MatchNodeAlias MatchType = "alias-overlap"
	MatchNodeSim   MatchType = "name-similarity"
)

// Candidate is the subset of a publication record the reference detector
// needs. ID is the subject's own identity, used for self-exclusion.
type Candidate struct {
	ID                string
	DOI               string
	SemanticScholarID string
	OpenAlexID        string
	Title             string
	Year              int
}

// ReferenceMatch reports a detected reference duplicate.
type ReferenceMatch struct {
	Ref  *graph.Reference
	Type MatchType
}

// minFuzzyTitleLen guards containment matching: short normalized titles
// ("introduction", "review") would otherwise collide constantly.
const minFuzzyTitleLen = 10

// FindReference tests the candidate against the existing reference set in
// strict priority order: exact DOI (case-insensitive), exact external id,
// then fuzzy title+year. Returns nil when no strategy matches.
func FindReference(c Candidate, refs []*graph.Reference) *ReferenceMatch {
	if m := matchDOI(c, refs); m != nil {
		return m
	}
	if m := matchExternalID(c, refs); m != nil {
		return m
	}
	return matchFuzzyTitle(c, refs)
}

func matchDOI(c Candidate, refs []*graph.Reference) *ReferenceMatch {
	if c.DOI == "" {
		return nil
	}
	for _, ref := range refs {
		if ref.ID == c.ID {
			continue
		}
		if ref.DOI != "" && strings.EqualFold(ref.DOI, c.DOI) {
			return &ReferenceMatch{Ref: ref, Type: MatchExactDOI}
		}
	}
	return nil
}

func matchExternalID(c Candidate, refs []*graph.Reference) *ReferenceMatch {
	for _, ref := range refs {
		if ref.ID == c.ID {
			continue
		}
		if c.SemanticScholarID != "" && ref.SemanticScholarID == c.SemanticScholarID {
			return &ReferenceMatch{Ref: ref, Type: MatchExactID}
		}
		if c.OpenAlexID != "" && ref.OpenAlexID == c.OpenAlexID {
			return &ReferenceMatch{Ref: ref, Type: MatchExactID}
		}
	}
	return nil
}

func matchFuzzyTitle(c Candidate, refs []*graph.Reference) *ReferenceMatch {
	ct := similarity.Normalize(c.Title)
	if ct == "" {
		return nil
	}

	for _, ref := range refs {
		if ref.ID == c.ID {
			continue
		}
		rt := similarity.Normalize(ref.Title)
		if rt == "" {
			continue
		}
		if !titlesMatch(ct, rt) {
			continue
		}
		if yearWithinOne(c.Year, ref.Year) {
			return &ReferenceMatch{Ref: ref, Type: MatchFuzzy}
		}
	}
	return nil
}

// titlesMatch: normalized titles equal, or one contains the other when both
// are long enough for containment to be meaningful.
func titlesMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) > minFuzzyTitleLen && len(b) > minFuzzyTitleLen {
		return strings.Contains(a, b) || strings.Contains(b, a)
	}
	return false
}

func yearWithinOne(a, b int) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1
}

// NodeCheck configures the node duplicate check thresholds. The values are
// heuristic constants with no documented derivation; they are kept
// overridable rather than hard-coded.
type NodeCheck struct {
	// AliasOverlapThreshold is the keyword/alias token-Jaccard above which
	// two nodes are the same concept. Default 0.8.
	AliasOverlapThreshold float64
	// NameSimilarityThreshold is the edit-distance name similarity above
	// which two nodes are the same concept. Default 0.82.
	NameSimilarityThreshold float64
}

// DefaultNodeCheck returns the standard thresholds.
func DefaultNodeCheck() NodeCheck {
	return NodeCheck{
		AliasOverlapThreshold:   0.8,
		NameSimilarityThreshold: 0.82,
	}
}

// NodeMatch reports a detected node duplicate.
type NodeMatch struct {
	Node *graph.Node
	Type MatchType
}

// FindNode tests a proposed node (name + keywords/aliases) against all
// existing nodes: exact normalized-name match, keyword/alias token-Jaccard
// at or above the alias threshold, or name similarity at or above the
// similarity threshold. selfID excludes the entity being re-validated.
func (nc NodeCheck) FindNode(name string, keywords []string, nodes []*graph.Node, selfID string) *NodeMatch {
	nn := similarity.Normalize(name)

	for _, node := range nodes {
		if node.ID == selfID {
			continue
		}
		if nn != "" && similarity.Normalize(node.Name) == nn {
			return &NodeMatch{Node: node, Type: MatchNodeName}
		}
	}
	for _, node := range nodes {
		if node.ID == selfID {
			continue
		}
		existing := append(append([]string{}, node.Keywords...), node.Aliases...)
		if len(keywords) > 0 && len(existing) > 0 &&
			similarity.TokenSetJaccard(keywords, existing) >= nc.AliasOverlapThreshold {
			return &NodeMatch{Node: node, Type: MatchNodeAlias}
		}
	}
	for _, node := range nodes {
		if node.ID == selfID {
			continue
		}
		if similarity.NameSimilarity(name, node.Name) >= nc.NameSimilarityThreshold {
			return &NodeMatch{Node: node, Type: MatchNodeSim}
		}
	}
	return nil
}
