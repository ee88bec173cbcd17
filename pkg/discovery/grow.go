package discovery

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/munin-graph/munindb/pkg/audit"
	"github.com/munin-graph/munindb/pkg/candidatelog"
	"github.com/munin-graph/munindb/pkg/dedupe"
	"github.com/munin-graph/munindb/pkg/governance"
	"github.com/munin-graph/munindb/pkg/graph"
	"github.com/munin-graph/munindb/pkg/scope"
	"github.com/munin-graph/munindb/pkg/similarity"
)

// Node name bounds: a derived name shorter than minNodeNameLen is too
// generic to stand alone; longer than maxNodeNameLen gets truncated at a
// word boundary.
const (
	minNodeNameLen = 10
	maxNodeNameLen = 100
)

// keywordStopwords are title tokens never worth keeping as node keywords.
var keywordStopwords = map[string]bool{
	"about": true, "after": true, "against": true, "among": true,
	"analysis": true, "approach": true, "based": true, "between": true,
	"effects": true, "evidence": true, "method": true, "methods": true,
	"model": true, "models": true, "novel": true, "paper": true,
	"results": true, "review": true, "study": true, "studies": true,
	"systematic": true, "their": true, "toward": true, "towards": true,
	"through": true, "using": true, "within": true,
}

// growOutcome is what growNode reports back into the candidate detail.
type growOutcome struct {
	nodeID     string
	skipReason string
	confidence float64
}

// growNode attempts to grow a new node from an accepted candidate.
//
// Every skip path is audited with a structured reason code so operators can
// see why growth stalled; the candidate's import is never affected by the
// node outcome.
func (o *Orchestrator) growNode(ev candidatelog.Event, sres scope.Result, ref *graph.Reference, runID string, now time.Time, nodesThisRun *int, result *ImportResult) growOutcome {
	if !o.Agent.NodeGrowthEnabled {
		return o.skipNode(ev, runID, "node-growth-disabled")
	}
	if *nodesThisRun >= o.Agent.MaxNodesPerRun {
		return o.skipNode(ev, runID, "node-cap-reached")
	}

	result.NodesProposed++

	parent, overlap := o.bestParent(ev)
	if parent == nil {
		return o.skipNode(ev, runID, "no-parent-node")
	}

	conf := scope.NodeConfidence(scope.ConfidenceInput{
		ScopeScore:     sres.Score,
		Classification: sres.Classification,
		ParentOverlap:  overlap,
		Title:          ev.Title,
		ParentName:     parent.Name,
		ParentKeywords: parent.Keywords,
		Text:           scope.CandidateText(ev.Title, ev.Abstract),
		ScopeKeywords:  o.Agent.ScopeKeywords,
	})
	if !conf.Accepted(o.Agent.MinNodeConfidence) {
		reason := fmt.Sprintf("low-node-confidence:%.2f<%.2f",
			conf.Confidence, conf.Threshold(o.Agent.MinNodeConfidence))
		out := o.skipNode(ev, runID, reason)
		out.confidence = conf.Confidence
		return out
	}

	name := deriveNodeName(ev.Title)
	keywords := deriveKeywords(ev.Title, sres.MatchedKeywords, o.Agent.KeywordCap)

	check := dedupe.NodeCheck{
		AliasOverlapThreshold:   o.Agent.AliasOverlapThreshold,
		NameSimilarityThreshold: o.Agent.NodeSimilarityThreshold,
	}
	if match := check.FindNode(name, keywords, o.Graph.Nodes, ""); match != nil {
		reason := fmt.Sprintf("node-duplicate:%s:%s", match.Type, match.Node.ID)
		o.audit(audit.Entry{
			RunID:             runID,
			Action:            "grow-node",
			EntityType:        audit.EntityNode,
			EntityID:          ev.CandidateID,
			ValidationOutcome: audit.OutcomeSkippedDuplicate,
			Reason:            reason,
		})
		// The duplicate node still benefits: the reference attaches to it.
		match.Node.AttachReference(ref.ID)
		result.NodesDuplicate++
		return growOutcome{skipReason: reason, confidence: conf.Confidence}
	}

	node := &graph.Node{
		ID:            "node-" + uuid.NewString(),
		Name:          name,
		Description:   nodeDescription(ev),
		Type:          graph.NodeTypeConcept,
		Keywords:      keywords,
		RefIDs:        []string{ref.ID},
		Trust:         graph.TrustUnclassified,
		CombinedTrust: graph.TrustUnclassified,
		CreatedAt:     now.UTC(),
		Provenance: &graph.Provenance{
			Source:            "agent",
			RunID:             runID,
			Query:             ev.Query,
			API:               ev.Source,
			Classification:    string(sres.Classification),
			MappingConfidence: conf.Confidence,
		},
	}

	gate := o.Governance.ValidatePublish(governance.GateInput{
		Nodes:    []*graph.Node{node},
		Existing: o.Graph,
		Now:      now,
	})
	if !gate.Valid {
		reason := strings.Join(gate.Errors, "; ")
		outcome := audit.OutcomeRejected
		code := "node-gate-rejected:" + reason
		if gate.CapExceeded {
			outcome = audit.OutcomeCapExceeded
			code = "cap-exceeded"
		}
		o.audit(audit.Entry{
			RunID:             runID,
			Action:            "grow-node",
			EntityType:        audit.EntityNode,
			EntityID:          ev.CandidateID,
			ValidationOutcome: outcome,
			Reason:            reason,
			ValidationErrors:  gate.Errors,
		})
		result.NodesRejected++
		return growOutcome{skipReason: code, confidence: conf.Confidence}
	}

	edge := &graph.Edge{
		ID:        "edge-" + uuid.NewString(),
		From:      parent.ID,
		To:        node.ID,
		Type:      graph.EdgeTypeImplication,
		Trust:     graph.TrustUnclassified,
		CreatedAt: now.UTC(),
	}

	o.Graph.Nodes = append(o.Graph.Nodes, node)
	o.Graph.Edges = append(o.Graph.Edges, edge)
	*nodesThisRun++
	result.NodesCreated++

	if o.Propagate != nil {
		o.Graph.Nodes, o.Graph.Edges = o.Propagate(o.Graph.Nodes, o.Graph.Edges, o.Graph.RootID)
	}

	o.audit(audit.Entry{
		RunID:             runID,
		Action:            "grow-node",
		EntityType:        audit.EntityNode,
		EntityID:          node.ID,
		ValidationOutcome: audit.OutcomeAccepted,
		After:             audit.Snapshot(node),
		AIRationale: fmt.Sprintf(
			"confidence %.2f (scope %.2f, parent %.2f, lexical %.2f, keyword %.2f), parent %s",
			conf.Confidence, conf.ScopeSignal, conf.ParentSignal,
			conf.LexicalSignal, conf.KeywordSignal, parent.ID),
	})

	return growOutcome{nodeID: node.ID, confidence: conf.Confidence}
}

// skipNode audits a non-duplicate growth skip and returns its outcome.
func (o *Orchestrator) skipNode(ev candidatelog.Event, runID, reason string) growOutcome {
	o.audit(audit.Entry{
		RunID:             runID,
		Action:            "grow-node",
		EntityType:        audit.EntityNode,
		EntityID:          ev.CandidateID,
		ValidationOutcome: audit.OutcomeSkipped,
		Reason:            reason,
	})
	return growOutcome{skipReason: reason}
}

// bestParent picks the existing non-root node with the highest overlap
// score. Ties keep the earlier node. Returns nil when nothing overlaps at
// all.
func (o *Orchestrator) bestParent(ev candidatelog.Event) (*graph.Node, int) {
	text := scope.CandidateText(ev.Title, ev.Abstract)

	var best *graph.Node
	bestScore := 0
	for _, node := range o.Graph.NonRootNodes() {
		if score := similarity.Overlap(text, node.Name, node.Keywords); score > bestScore {
			best = node
			bestScore = score
		}
	}
	return best, bestScore
}

// deriveNodeName derives a concept name from a publication title: the
// segment before the first colon when it is a reasonable length (subtitle
// conventions put the concept first), otherwise the full title, truncated at
// a word boundary past the length bound.
func deriveNodeName(title string) string {
	name := strings.TrimSpace(title)
	if i := strings.IndexByte(name, ':'); i > 0 {
		head := strings.TrimSpace(name[:i])
		if n := utf8.RuneCountInString(head); n >= minNodeNameLen && n <= maxNodeNameLen {
			return head
		}
	}
	return truncateAtWord(name, maxNodeNameLen)
}

// truncateAtWord cuts s to at most limit runes, preferring the last space
// before the limit so words stay whole. The cut always lands on a rune
// boundary, even for spaceless text.
func truncateAtWord(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	head := string(runes[:limit])
	if i := strings.LastIndexByte(head, ' '); i > 0 {
		head = head[:i]
	}
	return strings.TrimSpace(head)
}

// deriveKeywords merges the matched scope keywords with the longer title
// tokens, stopwords removed, capped.
func deriveKeywords(title string, matched []string, limit int) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(kw string) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] || keywordStopwords[kw] {
			return
		}
		seen[kw] = true
		out = append(out, kw)
	}

	for _, kw := range matched {
		add(kw)
	}

	tokens := similarity.Tokens(title)
	sort.SliceStable(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })
	for _, tok := range tokens {
		if len(tok) > 4 {
			add(tok)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// nodeDescription seeds the new node's description from the candidate
// abstract, trimmed to a sentence-ish length for editor review.
func nodeDescription(ev candidatelog.Event) string {
	desc := strings.TrimSpace(ev.Abstract)
	if desc == "" {
		return "Auto-grown from: " + ev.Title
	}
	const maxDesc = 280
	if utf8.RuneCountInString(desc) <= maxDesc {
		return desc
	}
	return truncateAtWord(desc, maxDesc) + "…"
}
