package governance

import (
	"encoding/json"
	"math"
	"time"

	"github.com/munin-graph/munindb/pkg/audit"
	"github.com/munin-graph/munindb/pkg/graph"
)

// CapStatus reports one daily cap against today's creations.
type CapStatus struct {
	WithinCap  bool `json:"withinCap"`
	TodayCount int  `json:"todayCount"`
	Remaining  int  `json:"remaining"`
}

func capStatus(cap, today int) CapStatus {
	remaining := cap - today
	if remaining < 0 {
		remaining = 0
	}
	return CapStatus{
		WithinCap:  today < cap,
		TodayCount: today,
		Remaining:  remaining,
	}
}

// NodeCapStatus reports the blocking daily new-node cap.
func (c Config) NodeCapStatus(g *graph.Graph, now time.Time) CapStatus {
	return capStatus(c.MaxDailyNewNodes, countCreatedOn(now, g.Nodes))
}

// HypothesisCapStatus reports the daily hypothesis cap.
//
// This cap is advisory: callers surface it as a warning and never block on
// it, unlike the node cap inside the publish gate.
func (c Config) HypothesisCapStatus(g *graph.Graph, now time.Time) CapStatus {
	prefix := now.UTC().Format("2006-01-02")
	today := 0
	for _, n := range g.Nodes {
		if n.Type != graph.NodeTypeHypothesis || n.CreatedAt.IsZero() {
			continue
		}
		if n.CreatedAt.UTC().Format("2006-01-02") == prefix {
			today++
		}
	}
	return capStatus(c.MaxDailyNewHypotheses, today)
}

// ConstraintEdgeCapStatus reports the daily constraint-edge cap.
func (c Config) ConstraintEdgeCapStatus(g *graph.Graph, now time.Time) CapStatus {
	prefix := now.UTC().Format("2006-01-02")
	today := 0
	for _, e := range g.Edges {
		if e.Type != graph.EdgeTypeConstraint || e.CreatedAt.IsZero() {
			continue
		}
		if e.CreatedAt.UTC().Format("2006-01-02") == prefix {
			today++
		}
	}
	return capStatus(c.MaxDailyConstraintEdges, today)
}

// trustActions are the audit actions that move a node's trust.
var trustActions = map[string]bool{
	"trust-update":    true,
	"propagate-trust": true,
}

// trustSnapshot is the slice of an audit snapshot the delta check reads.
type trustSnapshot struct {
	Trust float64 `json:"trust"`
}

// TrustDeltaStatus sums |after.trust - before.trust| across a node's
// trust-affecting audit entries and compares against MaxDailyTrustDelta.
//
// Callers pass the entries of the day under scrutiny (typically
// Trail.Today()).
type TrustDeltaStatus struct {
	NodeID    string  `json:"nodeId"`
	Delta     float64 `json:"delta"`
	Limit     float64 `json:"limit"`
	WithinCap bool    `json:"withinCap"`
}

// TrustDelta computes the accumulated trust movement for one node.
func (c Config) TrustDelta(entries []audit.Entry, nodeID string) TrustDeltaStatus {
	delta := 0.0
	for _, e := range entries {
		if e.EntityType != audit.EntityNode || e.EntityID != nodeID {
			continue
		}
		if !trustActions[e.Action] {
			continue
		}
		before, okB := decodeTrust(e.Before)
		after, okA := decodeTrust(e.After)
		if !okB || !okA {
			continue
		}
		delta += math.Abs(after - before)
	}
	return TrustDeltaStatus{
		NodeID:    nodeID,
		Delta:     delta,
		Limit:     c.MaxDailyTrustDelta,
		WithinCap: delta <= c.MaxDailyTrustDelta,
	}
}

func decodeTrust(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var snap trustSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, false
	}
	return snap.Trust, true
}
