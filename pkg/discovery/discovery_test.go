package discovery

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munin-graph/munindb/pkg/audit"
	"github.com/munin-graph/munindb/pkg/candidatelog"
	"github.com/munin-graph/munindb/pkg/config"
	"github.com/munin-graph/munindb/pkg/governance"
	"github.com/munin-graph/munindb/pkg/graph"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

// fakeClient serves canned results per query and can fail with a scripted
// error sequence.
type fakeClient struct {
	mu      sync.Mutex
	results map[string][]Result
	errs    []error
	calls   int
}

func (c *fakeClient) Search(ctx context.Context, q SearchQuery) ([]Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return c.results[q.Query], nil
}

// failingStore accepts reads but refuses every append.
type failingStore struct {
	candidatelog.Store
}

func (failingStore) Append(candidatelog.Event) error {
	return errors.New("disk full")
}

func testGraph() *graph.Graph {
	return &graph.Graph{
		RootID: "root",
		Nodes: []*graph.Node{
			{ID: "root", Name: "Root Claim", Trust: 0.9},
			{ID: "n1", Name: "Spin Glass Theory", Keywords: []string{"spin glass", "frustration"}, Trust: 0.8},
		},
	}
}

func testAgentConfig() config.AgentConfig {
	cfg := config.DefaultAgentConfig()
	cfg.ScopeKeywords = []string{"spin glass", "annealing", "frustration"}
	return cfg
}

func inScopeResult() Result {
	return Result{
		Title:    "Spin Glass Annealing with Frustration",
		Abstract: "spin glass annealing frustration study",
		Year:     2024,
		DOI:      "10.1000/sgaf",
		Source:   "openalex",
	}
}

// =============================================================================
// Harvester
// =============================================================================

func TestHarvester_Run(t *testing.T) {
	t.Run("fetches and queues new candidates", func(t *testing.T) {
		log := candidatelog.New(candidatelog.NewMemoryStore())
		client := &fakeClient{results: map[string][]Result{
			"spin glass": {inScopeResult()},
			"annealing":  {{Title: "Quantum Annealing Hardware", Year: 2023, DOI: "10.1000/qah"}},
		}}
		h := &Harvester{Client: client, Log: log}

		stats, err := h.Run(context.Background(), HarvestRequest{
			Queries: []string{"spin glass", "annealing"},
			APIs:    []string{"openalex"},
			RunID:   "run-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Fetched)
		assert.Equal(t, 2, stats.Queued)
		assert.Equal(t, 0, stats.Duplicates)

		queued, err := log.Queued("run-1")
		require.NoError(t, err)
		assert.Len(t, queued, 2)
	})

	t.Run("existing graph reference folds as duplicate", func(t *testing.T) {
		log := candidatelog.New(candidatelog.NewMemoryStore())
		g := testGraph()
		g.References = []*graph.Reference{{ID: "r1", Title: "Old Copy", DOI: "10.1000/SGAF"}}

		client := &fakeClient{results: map[string][]Result{"spin glass": {inScopeResult()}}}
		h := &Harvester{Client: client, Log: log, Graph: g}

		stats, err := h.Run(context.Background(), HarvestRequest{
			Queries: []string{"spin glass"},
			APIs:    []string{"openalex"},
			RunID:   "run-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Queued)
		assert.Equal(t, 1, stats.Duplicates)

		latest, err := log.LatestFor("doi:10.1000/sgaf")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, candidatelog.DecisionDuplicate, latest.Decision)
		assert.Equal(t, "duplicate:exact-doi:r1", latest.DecisionReason)
	})

	t.Run("known candidate is skipped on re-harvest", func(t *testing.T) {
		log := candidatelog.New(candidatelog.NewMemoryStore())
		client := &fakeClient{results: map[string][]Result{"spin glass": {inScopeResult()}}}
		h := &Harvester{Client: client, Log: log}

		_, err := h.Run(context.Background(), HarvestRequest{
			Queries: []string{"spin glass"}, APIs: []string{"openalex"}, RunID: "run-1",
		})
		require.NoError(t, err)

		// Decide the candidate, then harvest the same result again.
		require.NoError(t, log.Append(candidatelog.Event{
			CandidateID: "doi:10.1000/sgaf",
			Action:      candidatelog.ActionDecisionUpdate,
			Decision:    candidatelog.DecisionImportedDraft,
		}))

		stats, err := h.Run(context.Background(), HarvestRequest{
			Queries: []string{"spin glass"}, APIs: []string{"openalex"}, RunID: "run-2",
		})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Queued)

		latest, err := log.LatestFor("doi:10.1000/sgaf")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, candidatelog.DecisionImportedDraft, latest.Decision,
			"re-harvest must not clobber a later decision")
	})

	t.Run("rate limits retry with backoff", func(t *testing.T) {
		log := candidatelog.New(candidatelog.NewMemoryStore())
		client := &fakeClient{
			results: map[string][]Result{"spin glass": {inScopeResult()}},
			errs:    []error{ErrRateLimited, ErrRateLimited, nil},
		}
		h := &Harvester{Client: client, Log: log}

		var slept []time.Duration
		h.SetSleep(func(d time.Duration) { slept = append(slept, d) })

		stats, err := h.Run(context.Background(), HarvestRequest{
			Queries: []string{"spin glass"}, APIs: []string{"openalex"}, RunID: "run-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Queued)
		assert.Equal(t, 3, client.calls)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
	})

	t.Run("terminal fetch error counts as failure", func(t *testing.T) {
		log := candidatelog.New(candidatelog.NewMemoryStore())
		client := &fakeClient{errs: []error{errors.New("boom")}}
		h := &Harvester{Client: client, Log: log}

		stats, err := h.Run(context.Background(), HarvestRequest{
			Queries: []string{"spin glass"}, APIs: []string{"openalex"}, RunID: "run-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failures)
		assert.Equal(t, 1, client.calls, "non-rate-limit errors are not retried")
	})

	t.Run("append failure aborts and releases in-flight fetchers", func(t *testing.T) {
		before := runtime.NumGoroutine()

		log := candidatelog.New(failingStore{candidatelog.NewMemoryStore()})
		client := &fakeClient{results: map[string][]Result{
			"spin glass":  {inScopeResult()},
			"annealing":   {{Title: "Quantum Annealing Hardware", Year: 2023, DOI: "10.1000/qah"}},
			"frustration": {{Title: "Frustration in Spin Glass Models", Year: 2023, DOI: "10.1000/fsgm"}},
		}}
		h := &Harvester{Client: client, Log: log}

		_, err := h.Run(context.Background(), HarvestRequest{
			Queries: []string{"spin glass", "annealing", "frustration"},
			APIs:    []string{"openalex"},
			RunID:   "run-1",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "appending discover event")

		// Run must not return while fetchers are still parked on the results
		// channel. Allow the scheduler a moment to retire finished goroutines.
		deadline := time.Now().Add(2 * time.Second)
		for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		assert.LessOrEqual(t, runtime.NumGoroutine(), before,
			"all fetcher goroutines should exit after an append failure")
	})
}

// =============================================================================
// Orchestrator
// =============================================================================

func newOrchestrator(t *testing.T, g *graph.Graph) (*Orchestrator, *candidatelog.Log, *audit.Trail) {
	t.Helper()
	log := candidatelog.New(candidatelog.NewMemoryStore())
	trail := audit.NewTrail(t.TempDir())
	trail.SetClock(func() time.Time { return testNow })

	orch := &Orchestrator{
		Log:        log,
		Trail:      trail,
		Graph:      g,
		Governance: governance.DefaultConfig(),
		Agent:      testAgentConfig(),
	}
	orch.SetClock(func() time.Time { return testNow })
	return orch, log, trail
}

func queueCandidate(t *testing.T, log *candidatelog.Log, res Result, runID string) string {
	t.Helper()
	id := candidatelog.ComputeCandidateID(res.DOI, res.SemanticScholarID, res.OpenAlexID, res.Title, res.Year)
	require.NoError(t, log.Append(candidatelog.Event{
		CandidateID: id,
		Action:      candidatelog.ActionDiscover,
		Decision:    candidatelog.DecisionQueued,
		Title:       res.Title,
		Abstract:    res.Abstract,
		Year:        res.Year,
		DOI:         res.DOI,
		Source:      res.Source,
		RunID:       runID,
	}))
	return id
}

func TestOrchestrator_Import(t *testing.T) {
	t.Run("queued in-scope candidate becomes a draft reference", func(t *testing.T) {
		g := testGraph()
		orch, log, trail := newOrchestrator(t, g)
		id := queueCandidate(t, log, inScopeResult(), "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ScannedQueued)
		assert.Equal(t, 1, result.Imported)
		assert.Equal(t, 0, result.Duplicates)
		assert.Equal(t, 0, result.Rejected)

		// The reference joined the graph with agent provenance.
		require.Len(t, g.References, 1)
		ref := g.References[0]
		assert.Equal(t, id, ref.DiscoveryCandidateID)
		assert.Equal(t, "pending-review", ref.ReviewStatus)
		assert.Equal(t, "draft", ref.ProcessingStatus)
		require.NotNil(t, ref.Provenance)
		assert.Equal(t, "agent", ref.Provenance.Source)
		assert.Equal(t, result.RunID, ref.Provenance.RunID)

		// The log converged on imported-draft.
		latest, err := log.LatestFor(id)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, candidatelog.DecisionImportedDraft, latest.Decision)

		// The decision was audited as accepted.
		entries, err := trail.Today()
		require.NoError(t, err)
		accepted := 0
		for _, e := range entries {
			if e.EntityType == audit.EntityReference && e.ValidationOutcome == audit.OutcomeAccepted {
				accepted++
			}
		}
		assert.Equal(t, 1, accepted)
	})

	t.Run("existing reference makes the candidate a duplicate, not a rejection", func(t *testing.T) {
		g := testGraph()
		g.References = []*graph.Reference{{ID: "r1", Title: "Old Copy", Year: 2024, DOI: "10.1000/sgaf"}}
		orch, log, trail := newOrchestrator(t, g)
		id := queueCandidate(t, log, inScopeResult(), "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Imported)
		assert.Equal(t, 1, result.Duplicates)
		assert.Equal(t, 0, result.Rejected)
		assert.Len(t, g.References, 1, "no new reference created")

		dupes, err := log.List(candidatelog.Filters{Decision: candidatelog.DecisionDuplicate})
		require.NoError(t, err)
		require.Len(t, dupes, 1)
		assert.Equal(t, id, dupes[0].CandidateID)

		entries, err := trail.Today()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, audit.OutcomeSkippedDuplicate, entries[0].ValidationOutcome)
	})

	t.Run("out-of-scope candidate is rejected with a reason", func(t *testing.T) {
		g := testGraph()
		orch, log, _ := newOrchestrator(t, g)
		id := queueCandidate(t, log, Result{
			Title: "Coral Reef Ecology", Year: 2024, DOI: "10.1000/reef",
		}, "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Imported)
		assert.Equal(t, 1, result.OutOfScope)

		latest, err := log.LatestFor(id)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, candidatelog.DecisionRejected, latest.Decision)
		assert.Contains(t, latest.DecisionReason, "out-of-scope")
	})

	t.Run("scope filter disabled lets weak candidates through the gate", func(t *testing.T) {
		g := testGraph()
		orch, log, _ := newOrchestrator(t, g)
		orch.Agent.ScopeFilterEnabled = false
		queueCandidate(t, log, Result{
			Title: "Coral Reef Ecology", Year: 2024, DOI: "10.1000/reef",
		}, "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)
		assert.Equal(t, 0, result.OutOfScope)
	})

	t.Run("source run scoping", func(t *testing.T) {
		g := testGraph()
		orch, log, _ := newOrchestrator(t, g)
		queueCandidate(t, log, inScopeResult(), "run-a")
		queueCandidate(t, log, Result{
			Title: "Frustration in Spin Glass Models", Year: 2023, DOI: "10.1000/fsgm",
			Abstract: "annealing frustration",
		}, "run-b")

		result, err := orch.Import(ImportOptions{SourceRunID: "run-a"})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ScannedQueued)
		assert.Equal(t, 1, result.Processed)
	})

	t.Run("max items caps processing but not scanning", func(t *testing.T) {
		g := testGraph()
		orch, log, _ := newOrchestrator(t, g)
		queueCandidate(t, log, inScopeResult(), "h")
		queueCandidate(t, log, Result{Title: "Frustration in Spin Glass Models", Year: 2023, DOI: "10.1000/b"}, "h")
		queueCandidate(t, log, Result{Title: "Annealing Schedules for Spin Glass", Year: 2022, DOI: "10.1000/c"}, "h")

		result, err := orch.Import(ImportOptions{MaxItems: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, result.ScannedQueued)
		assert.Equal(t, 2, result.Processed)
	})

	t.Run("incomplete reference is rejected by the gate", func(t *testing.T) {
		g := testGraph()
		orch, log, _ := newOrchestrator(t, g)
		id := queueCandidate(t, log, Result{
			Title:    "Spin Glass Annealing with Frustration",
			Abstract: "spin glass annealing frustration",
			// No year, no DOI, no URL.
		}, "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Imported)
		assert.Equal(t, 1, result.Rejected)

		latest, err := log.LatestFor(id)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, candidatelog.DecisionRejected, latest.Decision)
		assert.Contains(t, latest.DecisionReason, "year is required")
	})
}

func TestOrchestrator_NodeGrowth(t *testing.T) {
	t.Run("high-confidence candidate grows a node and propagates trust", func(t *testing.T) {
		g := testGraph()
		orch, log, trail := newOrchestrator(t, g)

		propagated := false
		orch.Propagate = func(nodes []*graph.Node, edges []*graph.Edge, rootID string) ([]*graph.Node, []*graph.Edge) {
			propagated = true
			assert.Equal(t, "root", rootID)
			return nodes, edges
		}

		queueCandidate(t, log, inScopeResult(), "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)
		assert.Equal(t, 1, result.NodesProposed)
		assert.Equal(t, 1, result.NodesCreated)
		assert.True(t, propagated)

		require.Len(t, g.Nodes, 3)
		node := g.Nodes[2]
		assert.Equal(t, "Spin Glass Annealing with Frustration", node.Name)
		assert.Equal(t, graph.TrustUnclassified, node.Trust)
		require.NotNil(t, node.Provenance)
		assert.Greater(t, node.Provenance.MappingConfidence, 0.55)
		require.Len(t, node.RefIDs, 1)

		// Edge from the best-overlapping parent to the new node.
		require.Len(t, g.Edges, 1)
		assert.Equal(t, "n1", g.Edges[0].From)
		assert.Equal(t, node.ID, g.Edges[0].To)
		assert.Equal(t, graph.EdgeTypeImplication, g.Edges[0].Type)

		entries, err := trail.Today()
		require.NoError(t, err)
		grown := 0
		for _, e := range entries {
			if e.EntityType == audit.EntityNode && e.ValidationOutcome == audit.OutcomeAccepted {
				grown++
				assert.Contains(t, e.AIRationale, "confidence")
			}
		}
		assert.Equal(t, 1, grown)
	})

	t.Run("growth disabled skips with a code and an audit entry", func(t *testing.T) {
		g := testGraph()
		orch, log, trail := newOrchestrator(t, g)
		orch.Agent.NodeGrowthEnabled = false
		queueCandidate(t, log, inScopeResult(), "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported, "reference import is unaffected")
		assert.Equal(t, 0, result.NodesProposed)
		require.Len(t, result.SkipReasons, 1)
		assert.Equal(t, "node-growth-disabled", result.SkipReasons[0].Code)
		assert.Equal(t, 1, result.SkipReasons[0].Count)

		// The skip leaves a trace in the audit trail like every other branch.
		entries, err := trail.Today()
		require.NoError(t, err)
		var skips []audit.Entry
		for _, e := range entries {
			if e.EntityType == audit.EntityNode && e.ValidationOutcome == audit.OutcomeSkipped {
				skips = append(skips, e)
			}
		}
		require.Len(t, skips, 1)
		assert.Equal(t, "node-growth-disabled", skips[0].Reason)
		assert.Equal(t, "grow-node", skips[0].Action)
	})

	t.Run("duplicate concept attaches the reference instead", func(t *testing.T) {
		g := testGraph()
		g.Nodes = append(g.Nodes, &graph.Node{
			ID: "n2", Name: "Spin Glass Annealing with Frustration",
		})
		orch, log, _ := newOrchestrator(t, g)
		queueCandidate(t, log, inScopeResult(), "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)
		assert.Equal(t, 1, result.NodesDuplicate)
		assert.Equal(t, 0, result.NodesCreated)

		require.Len(t, result.SkipReasons, 1)
		assert.Equal(t, "node-duplicate", result.SkipReasons[0].Code)

		// The existing concept picked up the new reference.
		existing := g.NodeByID("n2")
		require.NotNil(t, existing)
		assert.Len(t, existing.RefIDs, 1)
	})

	t.Run("daily node cap audits as cap-exceeded", func(t *testing.T) {
		g := testGraph()
		for i := 0; i < 10; i++ {
			g.Nodes = append(g.Nodes, &graph.Node{
				ID: "filler", Name: "Filler", CreatedAt: testNow.Add(-time.Hour),
			})
		}
		orch, log, trail := newOrchestrator(t, g)
		queueCandidate(t, log, inScopeResult(), "harvest-1")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported, "reference import is unaffected by the node cap")
		assert.Equal(t, 1, result.NodesRejected)
		assert.Equal(t, 0, result.NodesCreated)

		require.Len(t, result.SkipReasons, 1)
		assert.Equal(t, "cap-exceeded", result.SkipReasons[0].Code)

		entries, err := trail.Today()
		require.NoError(t, err)
		capped := 0
		for _, e := range entries {
			if e.ValidationOutcome == audit.OutcomeCapExceeded {
				capped++
			}
		}
		assert.Equal(t, 1, capped)
	})

	t.Run("per-run node cap", func(t *testing.T) {
		g := testGraph()
		orch, log, _ := newOrchestrator(t, g)
		orch.Agent.MaxNodesPerRun = 1

		queueCandidate(t, log, inScopeResult(), "h")
		queueCandidate(t, log, Result{
			Title:    "Frustration Effects in Spin Glass Annealing",
			Abstract: "spin glass annealing frustration dynamics",
			Year:     2023, DOI: "10.1000/fesga",
		}, "h")

		result, err := orch.Import(ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Imported)
		assert.Equal(t, 1, result.NodesCreated)

		found := false
		for _, group := range result.SkipReasons {
			if group.Code == "node-cap-reached" {
				found = true
				assert.Equal(t, 1, group.Count)
			}
		}
		assert.True(t, found, "second candidate should hit the per-run cap")
	})
}

// =============================================================================
// Node Naming
// =============================================================================

func TestDeriveNodeName(t *testing.T) {
	t.Run("colon segment of sensible length wins", func(t *testing.T) {
		name := deriveNodeName("Replica Symmetry Breaking: A Review of Mean-Field Spin Glasses")
		assert.Equal(t, "Replica Symmetry Breaking", name)
	})

	t.Run("short colon head falls back to the full title", func(t *testing.T) {
		name := deriveNodeName("Intro: annealing schedules")
		assert.Equal(t, "Intro: annealing schedules", name)
	})

	t.Run("long title truncates at a word boundary", func(t *testing.T) {
		title := strings.TrimSpace(strings.Repeat("frustration ", 12))
		name := deriveNodeName(title)
		assert.LessOrEqual(t, utf8.RuneCountInString(name), 100)
		assert.True(t, strings.HasSuffix(name, "frustration"), "no word torn in half")
	})

	t.Run("spaceless multibyte title stays valid utf-8", func(t *testing.T) {
		name := deriveNodeName(strings.Repeat("é", 150))
		assert.True(t, utf8.ValidString(name))
		assert.Equal(t, 100, utf8.RuneCountInString(name))
	})
}

func TestNodeDescription(t *testing.T) {
	t.Run("short abstract is kept verbatim", func(t *testing.T) {
		ev := candidatelog.Event{Abstract: "A short abstract."}
		assert.Equal(t, "A short abstract.", nodeDescription(ev))
	})

	t.Run("empty abstract falls back to the title", func(t *testing.T) {
		ev := candidatelog.Event{Title: "Spin Glass Annealing"}
		assert.Equal(t, "Auto-grown from: Spin Glass Annealing", nodeDescription(ev))
	})

	t.Run("spaceless multibyte abstract truncates on rune boundaries", func(t *testing.T) {
		ev := candidatelog.Event{Abstract: strings.Repeat("λ", 400)}
		desc := nodeDescription(ev)
		assert.True(t, utf8.ValidString(desc))
		assert.True(t, strings.HasSuffix(desc, "…"))
		assert.Equal(t, 281, utf8.RuneCountInString(desc))
	})
}
