// Package graph defines the knowledge graph model shared by the discovery
// pipeline: claims (nodes), typed edges between them, and literature
// references attached to nodes.
//
// The graph is persisted as a single JSON document. The pipeline only ever
// creates nodes, edges, and references; deletion is a manual operation that
// happens outside this package.
//
// Example Usage:
//
//	g, err := graph.Load("research-graph.json")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	g.References = append(g.References, ref)
//	if err := g.Save("research-graph.json"); err != nil {
//		log.Fatal(err)
//	}
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// TrustUnclassified marks a node or edge whose trust has not yet been
// recomputed by trust propagation.
const TrustUnclassified = -1.0

// Node types used by the governance cap checks.
const (
	NodeTypeHypothesis = "hypothesis"
	NodeTypeConcept    = "concept"
)

// Edge types.
const (
	EdgeTypeImplication = "implication"
	EdgeTypeConstraint  = "constraint"
)

// Provenance records where an agent-created entity came from.
//
// Every reference or node created by the discovery pipeline carries one, so
// an editor can always answer "which run, which query, which API produced
// this".
type Provenance struct {
	Source            string  `json:"source"` // "agent" for pipeline-created entities
	RunID             string  `json:"runId,omitempty"`
	Query             string  `json:"query,omitempty"`
	API               string  `json:"api,omitempty"`
	Classification    string  `json:"classification,omitempty"`
	MappingConfidence float64 `json:"mappingConfidence,omitempty"`
}

// Node is a claim or concept in the knowledge graph.
type Node struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	RefIDs      []string `json:"refIds,omitempty"`

	// Trust is recomputed by the external trust-propagation collaborator.
	// TrustUnclassified (-1) means "pending re-propagation".
	Trust         float64 `json:"trust"`
	CombinedTrust float64 `json:"combinedTrust"`

	CreatedAt  time.Time   `json:"createdAt"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// Edge is a typed, directed relation between two nodes.
type Edge struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Trust     float64   `json:"trust"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reference is a literature reference imported into the graph.
type Reference struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Authors           []string `json:"authors,omitempty"`
	Year              int      `json:"year,omitempty"`
	DOI               string   `json:"doi,omitempty"`
	URL               string   `json:"url,omitempty"`
	Abstract          string   `json:"abstract,omitempty"`
	SemanticScholarID string   `json:"semanticScholarId,omitempty"`
	OpenAlexID        string   `json:"openAlexId,omitempty"`

	// Lifecycle state for the (out-of-scope) review UI.
	ReviewStatus     string `json:"reviewStatus,omitempty"`     // e.g. "pending-review"
	ProcessingStatus string `json:"processingStatus,omitempty"` // e.g. "draft"

	// DiscoveryCandidateID links back to the candidate event log.
	DiscoveryCandidateID string `json:"discoveryCandidateId,omitempty"`

	CreatedAt  time.Time   `json:"createdAt"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// Graph is the full in-memory graph document.
type Graph struct {
	RootID     string       `json:"rootId,omitempty"`
	Nodes      []*Node      `json:"nodes"`
	Edges      []*Edge      `json:"edges"`
	References []*Reference `json:"references"`
}

// Load reads a graph JSON document from disk. A missing file yields an empty
// graph rather than an error, so a fresh working directory just works.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Graph{}, nil
		}
		return nil, fmt.Errorf("reading graph file: %w", err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing graph file: %w", err)
	}
	return &g, nil
}

// Save writes the graph as indented JSON. The parent directory is created if
// absent.
func (g *Graph) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating graph directory: %w", err)
	}

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("writing graph file: %w", err)
	}
	return nil
}

// Snapshot copies the current graph file aside before mutation.
//
// Concurrent writers of the graph file are not safe (the event log resolves
// its own conflicts, the graph file does not), so callers snapshot before
// mutating. Returns the snapshot path, or "" if there is nothing to copy.
func Snapshot(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading graph file for snapshot: %w", err)
	}

	snap := fmt.Sprintf("%s.bak-%s", path, time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(snap, data, 0640); err != nil {
		return "", fmt.Errorf("writing graph snapshot: %w", err)
	}
	return snap, nil
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// ReferenceByID returns the reference with the given id, or nil.
func (g *Graph) ReferenceByID(id string) *Reference {
	for _, r := range g.References {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// NonRootNodes returns all nodes except the root claim.
func (g *Graph) NonRootNodes() []*Node {
	out := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID != g.RootID {
			out = append(out, n)
		}
	}
	return out
}

// AttachReference appends refID to the node's reference list if not already
// present.
func (n *Node) AttachReference(refID string) {
	for _, id := range n.RefIDs {
		if id == refID {
			return
		}
	}
	n.RefIDs = append(n.RefIDs, refID)
}
