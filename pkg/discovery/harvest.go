package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/munin-graph/munindb/pkg/candidatelog"
	"github.com/munin-graph/munindb/pkg/dedupe"
	"github.com/munin-graph/munindb/pkg/graph"
)

// harvest retry policy: bounded backoff, rate-limit responses only.
const (
	maxFetchAttempts = 3
	initialBackoff   = time.Second
)

// Harvester fans search requests out across query/API combinations and
// folds the results into the candidate event log.
//
// Fetches may run concurrently, but results are folded sequentially, one at
// a time, preserving deterministic ordering of appended events.
type Harvester struct {
	Client SearchClient
	Log    *candidatelog.Log

	// Graph provides the existing reference set for initial duplicate
	// decisions. Optional.
	Graph *graph.Graph

	// Limiter spaces outbound requests. Optional; nil means no delay.
	Limiter *rate.Limiter

	Logger *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// HarvestRequest is one harvest run: the cartesian product of Queries and
// APIs is fetched.
type HarvestRequest struct {
	Queries  []string
	APIs     []string
	Limit    int
	YearFrom int
	YearTo   int
	RunID    string
}

// HarvestStats aggregates one harvest run.
type HarvestStats struct {
	Fetched    int `json:"fetched"`
	Queued     int `json:"queued"`
	Duplicates int `json:"duplicates"`
	Failures   int `json:"failures"`
}

type fetchBatch struct {
	query   string
	api     string
	results []Result
	failed  bool
}

// Run executes the harvest: concurrent fetches, sequential folding.
//
// Failed fetches (after retries) are counted, logged, and do not abort the
// run; the error surface of a harvest is its stats, not an error value,
// unless the context is cancelled or an append fails.
func (h *Harvester) Run(ctx context.Context, req HarvestRequest) (HarvestStats, error) {
	logger := h.logger()
	stats := HarvestStats{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan fetchBatch)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)

		fetchers, fctx := errgroup.WithContext(gctx)
		for _, query := range req.Queries {
			for _, api := range req.APIs {
				query, api := query, api
				fetchers.Go(func() error {
					batch := fetchBatch{query: query, api: api}
					results, err := h.fetchWithRetry(fctx, SearchQuery{
						Query:    query,
						API:      api,
						Limit:    req.Limit,
						YearFrom: req.YearFrom,
						YearTo:   req.YearTo,
					})
					switch {
					case err == nil:
						batch.results = results
					case errors.Is(err, context.Canceled):
						return err
					default:
						logger.Warn("harvest fetch failed",
							"query", query, "api", api, "error", err.Error())
						batch.failed = true
					}
					// The send must stay cancellable: if the fold loop bails
					// out early nobody receives, and an unconditional send
					// would block this goroutine forever.
					select {
					case batches <- batch:
						return nil
					case <-fctx.Done():
						return fctx.Err()
					}
				})
			}
		}
		return fetchers.Wait()
	})

	// Sequential fold: one result at a time, deterministic append order. A
	// fold failure cancels the remaining fetchers but keeps draining the
	// channel so every in-flight send completes.
	var foldErr error
	for batch := range batches {
		if foldErr != nil {
			continue
		}
		if batch.failed {
			stats.Failures++
			continue
		}
		for _, res := range batch.results {
			stats.Fetched++
			outcome, err := h.fold(res, batch.query, req.RunID)
			if err != nil {
				foldErr = err
				cancel()
				break
			}
			switch outcome {
			case candidatelog.DecisionQueued:
				stats.Queued++
			case candidatelog.DecisionDuplicate:
				stats.Duplicates++
			}
		}
	}

	err := g.Wait()
	if foldErr != nil {
		return stats, foldErr
	}
	if err != nil {
		return stats, err
	}

	logger.Info("harvest complete",
		"run_id", req.RunID,
		"fetched", stats.Fetched,
		"queued", stats.Queued,
		"duplicates", stats.Duplicates,
		"failures", stats.Failures)
	return stats, nil
}

// Fold appends the discover event for a single raw result and returns the
// initial decision, or "" when the candidate is already known and no event
// was appended.
//
// Initial decision: duplicate when the work already exists among the graph's
// references, queued otherwise. A candidate id already present in the log is
// skipped entirely so a re-harvest cannot clobber a later decision.
func (h *Harvester) Fold(res Result, query, runID string) (candidatelog.Decision, error) {
	return h.fold(res, query, runID)
}

func (h *Harvester) fold(res Result, query, runID string) (candidatelog.Decision, error) {
	id := candidatelog.ComputeCandidateID(res.DOI, res.SemanticScholarID, res.OpenAlexID, res.Title, res.Year)

	known, err := h.Log.LatestFor(id)
	if err != nil {
		return "", fmt.Errorf("reading candidate log: %w", err)
	}
	if known != nil {
		h.logger().Debug("candidate already known, skipping",
			"candidate_id", id, "current_decision", string(known.Decision))
		return "", nil
	}

	ev := candidatelog.Event{
		CandidateID:       id,
		Action:            candidatelog.ActionDiscover,
		Source:            res.Source,
		DiscoveredAt:      h.clock()().UTC(),
		Query:             query,
		Title:             res.Title,
		Authors:           res.Authors,
		Year:              res.Year,
		DOI:               res.DOI,
		URL:               res.URL,
		Abstract:          res.Abstract,
		AbstractChecksum:  candidatelog.Checksum(res.Abstract),
		SemanticScholarID: res.SemanticScholarID,
		OpenAlexID:        res.OpenAlexID,
		Decision:          candidatelog.DecisionQueued,
		RunID:             runID,
	}

	if h.Graph != nil {
		match := dedupe.FindReference(dedupe.Candidate{
			ID:                id,
			DOI:               res.DOI,
			SemanticScholarID: res.SemanticScholarID,
			OpenAlexID:        res.OpenAlexID,
			Title:             res.Title,
			Year:              res.Year,
		}, h.Graph.References)
		if match != nil {
			ev.Decision = candidatelog.DecisionDuplicate
			ev.DecisionReason = fmt.Sprintf("duplicate:%s:%s", match.Type, match.Ref.ID)
		}
	}

	if err := h.Log.Append(ev); err != nil {
		return "", fmt.Errorf("appending discover event: %w", err)
	}
	return ev.Decision, nil
}

// fetchWithRetry retries rate-limited calls with exponential backoff, up to
// maxFetchAttempts. Any other non-success response is terminal.
func (h *Harvester) fetchWithRetry(ctx context.Context, q SearchQuery) ([]Result, error) {
	backoff := initialBackoff

	for attempt := 1; ; attempt++ {
		if h.Limiter != nil {
			if err := h.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		results, err := h.Client.Search(ctx, q)
		if err == nil {
			return results, nil
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= maxFetchAttempts {
			return nil, err
		}

		h.logger().Warn("rate limited, backing off",
			"query", q.Query, "api", q.API,
			"attempt", attempt, "backoff", backoff.String())
		h.sleeper()(backoff)
		backoff *= 2
	}
}

func (h *Harvester) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Harvester) clock() func() time.Time {
	if h.now != nil {
		return h.now
	}
	return time.Now
}

func (h *Harvester) sleeper() func(time.Duration) {
	if h.sleep != nil {
		return h.sleep
	}
	return time.Sleep
}

// SetClock overrides the timestamp source. Intended for tests.
func (h *Harvester) SetClock(now func() time.Time) { h.now = now }

// SetSleep overrides the backoff sleeper. Intended for tests.
func (h *Harvester) SetSleep(sleep func(time.Duration)) { h.sleep = sleep }
