// Package main provides the munindb discovery pipeline CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/munin-graph/munindb/pkg/audit"
	"github.com/munin-graph/munindb/pkg/candidatelog"
	"github.com/munin-graph/munindb/pkg/config"
	"github.com/munin-graph/munindb/pkg/discovery"
	"github.com/munin-graph/munindb/pkg/governance"
	"github.com/munin-graph/munindb/pkg/graph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "munindb",
		Short: "MuninDB - Discovery candidate ingestion for the research knowledge graph",
		Long: `MuninDB manages the literature discovery pipeline of a research
knowledge graph: harvested publication candidates flow through an
append-only event log, scope classification, duplicate detection, and a
publish-governance gate before becoming graph references and nodes.

Commands:
  • discover    fold raw search results into the candidate log
  • import      promote queued candidates into the graph
  • candidates  inspect the candidate log's latest-state view
  • retry       re-queue a terminal candidate
  • audit       summarize the decision audit trail
  • caps        show today's governance cap headroom`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory (candidate log, audit trail)")
	rootCmd.PersistentFlags().String("graph", "./research-graph.json", "Graph JSON file")
	rootCmd.PersistentFlags().String("store", "file", "Candidate log backend: file or badger")
	rootCmd.PersistentFlags().Bool("json", false, "Emit machine-readable JSON output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MuninDB v%s (%s)\n", version, commit)
		},
	})

	discoverCmd := &cobra.Command{
		Use:   "discover [results.json]",
		Short: "Fold raw literature search results into the candidate log",
		Long: `Reads a JSON array of raw publication records (from a file, or stdin
when the argument is "-" or omitted) and appends one discover event per
previously unknown candidate. Candidates already present among the graph's
references are logged as duplicates instead of queued.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runDiscover,
	}
	discoverCmd.Flags().String("query", "", "Search query these results came from")
	discoverCmd.Flags().String("api", "", "Literature API these results came from")
	discoverCmd.Flags().String("run-id", "", "Harvest run id (generated if empty)")
	rootCmd.AddCommand(discoverCmd)

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Promote queued candidates into graph references and nodes",
		RunE:  runImport,
	}
	importCmd.Flags().String("config", "agent-config.json", "Agent config file (JSON or YAML)")
	importCmd.Flags().String("governance", "governance.json", "Governance config file")
	importCmd.Flags().String("source-run", "", "Only import candidates discovered by this run")
	importCmd.Flags().Int("max-items", 0, "Candidates to process this run (0 = config default)")
	importCmd.Flags().Bool("strict", false, "Exit non-zero when any candidate is rejected by the publish gate")
	rootCmd.AddCommand(importCmd)

	candidatesCmd := &cobra.Command{
		Use:   "candidates",
		Short: "List the candidate log's latest-state view",
		RunE:  runCandidates,
	}
	candidatesCmd.Flags().String("decision", "", "Filter by current decision (queued, imported-draft, duplicate, rejected, deferred)")
	candidatesCmd.Flags().String("source", "", "Filter by discovery API")
	candidatesCmd.Flags().String("search", "", "Substring match on query or title")
	rootCmd.AddCommand(candidatesCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "retry <candidate-id>",
		Short: "Re-queue a terminal candidate for the next import run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	})

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Summarize the decision audit trail",
		RunE:  runAudit,
	}
	auditCmd.Flags().String("date", "", "Date to summarize (2006-01-02, default today)")
	rootCmd.AddCommand(auditCmd)

	capsCmd := &cobra.Command{
		Use:   "caps",
		Short: "Show today's governance cap headroom",
		RunE:  runCaps,
	}
	capsCmd.Flags().String("governance", "governance.json", "Governance config file")
	rootCmd.AddCommand(capsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openLog opens the candidate log with the selected backend.
func openLog(cmd *cobra.Command) (*candidatelog.Log, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	backend, _ := cmd.Flags().GetString("store")

	var (
		store candidatelog.Store
		err   error
	)
	switch backend {
	case "file":
		store, err = candidatelog.NewFileStore(filepath.Join(dataDir, "discovery"))
	case "badger":
		store, err = candidatelog.NewBadgerStore(filepath.Join(dataDir, "discovery-badger"))
	default:
		return nil, fmt.Errorf("unknown store backend %q (want file or badger)", backend)
	}
	if err != nil {
		return nil, err
	}
	return candidatelog.New(store), nil
}

func openTrail(cmd *cobra.Command) *audit.Trail {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return audit.NewTrail(filepath.Join(dataDir, "audit"))
}

func loadGraph(cmd *cobra.Command) (*graph.Graph, string, error) {
	path, _ := cmd.Flags().GetString("graph")
	g, err := graph.Load(path)
	return g, path, err
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	api, _ := cmd.Flags().GetString("api")
	runID, _ := cmd.Flags().GetString("run-id")
	asJSON, _ := cmd.Flags().GetBool("json")
	if runID == "" {
		runID = uuid.NewString()
	}

	var reader io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening results file: %w", err)
		}
		defer f.Close()
		reader = f
	}

	var results []discovery.Result
	if err := json.NewDecoder(reader).Decode(&results); err != nil {
		return fmt.Errorf("parsing results: %w", err)
	}

	log, err := openLog(cmd)
	if err != nil {
		return err
	}
	defer log.Store().Close()

	g, _, err := loadGraph(cmd)
	if err != nil {
		return err
	}

	h := &discovery.Harvester{Log: log, Graph: g, Logger: newLogger()}
	stats := discovery.HarvestStats{Fetched: len(results)}
	for _, res := range results {
		if res.Source == "" {
			res.Source = api
		}
		decision, err := h.Fold(res, query, runID)
		if err != nil {
			return err
		}
		switch decision {
		case candidatelog.DecisionQueued:
			stats.Queued++
		case candidatelog.DecisionDuplicate:
			stats.Duplicates++
		}
	}

	if asJSON {
		return printJSON(struct {
			RunID string `json:"runId"`
			discovery.HarvestStats
		}{runID, stats})
	}
	fmt.Printf("📥 Folded %d results (run %s)\n", stats.Fetched, runID)
	fmt.Printf("   Queued:     %d\n", stats.Queued)
	fmt.Printf("   Duplicates: %d\n", stats.Duplicates)
	fmt.Printf("   Known:      %d\n", stats.Fetched-stats.Queued-stats.Duplicates)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	agentPath, _ := cmd.Flags().GetString("config")
	govPath, _ := cmd.Flags().GetString("governance")
	sourceRun, _ := cmd.Flags().GetString("source-run")
	maxItems, _ := cmd.Flags().GetInt("max-items")
	strict, _ := cmd.Flags().GetBool("strict")
	asJSON, _ := cmd.Flags().GetBool("json")

	agentCfg, err := config.LoadAgent(agentPath)
	if err != nil {
		return err
	}
	govCfg, err := governance.Load(govPath)
	if err != nil {
		return err
	}

	log, err := openLog(cmd)
	if err != nil {
		return err
	}
	defer log.Store().Close()

	g, graphPath, err := loadGraph(cmd)
	if err != nil {
		return err
	}

	// The graph file has no concurrent-writer protection; snapshot first.
	snap, err := graph.Snapshot(graphPath)
	if err != nil {
		return err
	}

	orch := &discovery.Orchestrator{
		Log:        log,
		Trail:      openTrail(cmd),
		Graph:      g,
		Governance: govCfg,
		Agent:      agentCfg,
		Logger:     newLogger(),
	}
	result, err := orch.Import(discovery.ImportOptions{
		SourceRunID: sourceRun,
		MaxItems:    maxItems,
	})
	if err != nil {
		return err
	}

	if err := g.Save(graphPath); err != nil {
		return err
	}

	if asJSON {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("✅ Import run %s complete\n", result.RunID)
		if snap != "" {
			fmt.Printf("   Graph snapshot: %s\n", snap)
		}
		fmt.Printf("   Queued scanned: %d (processed %d)\n", result.ScannedQueued, result.Processed)
		fmt.Printf("   Imported:       %d\n", result.Imported)
		fmt.Printf("   Duplicates:     %d\n", result.Duplicates)
		fmt.Printf("   Rejected:       %d\n", result.Rejected)
		fmt.Printf("   Out of scope:   %d\n", result.OutOfScope)
		fmt.Printf("   Nodes created:  %d (proposed %d, duplicate %d, rejected %d)\n",
			result.NodesCreated, result.NodesProposed, result.NodesDuplicate, result.NodesRejected)
		for _, group := range result.SkipReasons {
			fmt.Printf("   Node skip [%s]: %d (e.g. %v)\n", group.Code, group.Count, group.Samples)
		}
	}

	if strict && result.Rejected > 0 {
		return fmt.Errorf("%d candidate(s) rejected by the publish gate", result.Rejected)
	}
	return nil
}

func runCandidates(cmd *cobra.Command, args []string) error {
	decision, _ := cmd.Flags().GetString("decision")
	source, _ := cmd.Flags().GetString("source")
	search, _ := cmd.Flags().GetString("search")
	asJSON, _ := cmd.Flags().GetBool("json")

	log, err := openLog(cmd)
	if err != nil {
		return err
	}
	defer log.Store().Close()

	events, err := log.List(candidatelog.Filters{
		Decision: candidatelog.Decision(decision),
		Source:   source,
		Search:   search,
	})
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(events)
	}
	fmt.Printf("📋 %d candidate(s)\n", len(events))
	for _, ev := range events {
		fmt.Printf("   %-14s %-50.50s %s\n", ev.Decision, ev.Title, ev.CandidateID)
		if ev.DecisionReason != "" {
			fmt.Printf("   %-14s └─ %s\n", "", ev.DecisionReason)
		}
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	log, err := openLog(cmd)
	if err != nil {
		return err
	}
	defer log.Store().Close()

	ev, err := log.Retry(args[0], uuid.NewString())
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("unknown candidate %q", args[0])
	}

	if asJSON {
		return printJSON(ev)
	}
	fmt.Printf("🔄 Re-queued %s (%s)\n", ev.CandidateID, ev.Title)
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	date, _ := cmd.Flags().GetString("date")
	asJSON, _ := cmd.Flags().GetBool("json")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	trail := openTrail(cmd)
	entries, err := trail.ReadDate(date)
	if err != nil {
		return err
	}
	summary := audit.Summarize(date, entries)

	if asJSON {
		return printJSON(summary)
	}
	fmt.Printf("📊 Audit summary for %s\n", summary.Date)
	fmt.Printf("   Decisions:   %d (across %d run(s))\n", summary.Total, summary.UniqueRuns)
	for outcome, n := range summary.ByOutcome {
		fmt.Printf("   %-18s %d\n", string(outcome)+":", n)
	}
	for entity, n := range summary.ByEntity {
		fmt.Printf("   %-18s %d\n", string(entity)+"s:", n)
	}
	return nil
}

func runCaps(cmd *cobra.Command, args []string) error {
	govPath, _ := cmd.Flags().GetString("governance")
	asJSON, _ := cmd.Flags().GetBool("json")

	govCfg, err := governance.Load(govPath)
	if err != nil {
		return err
	}
	g, _, err := loadGraph(cmd)
	if err != nil {
		return err
	}

	now := time.Now()
	nodes := govCfg.NodeCapStatus(g, now)
	hyps := govCfg.HypothesisCapStatus(g, now)
	edges := govCfg.ConstraintEdgeCapStatus(g, now)

	if asJSON {
		return printJSON(map[string]governance.CapStatus{
			"nodes":           nodes,
			"hypotheses":      hyps,
			"constraintEdges": edges,
		})
	}
	fmt.Println("📊 Governance caps (today)")
	fmt.Printf("   Nodes:            %d used, %d remaining (blocking)\n", nodes.TodayCount, nodes.Remaining)
	fmt.Printf("   Hypotheses:       %d used, %d remaining (advisory)\n", hyps.TodayCount, hyps.Remaining)
	fmt.Printf("   Constraint edges: %d used, %d remaining\n", edges.TodayCount, edges.Remaining)
	return nil
}
