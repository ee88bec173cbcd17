// Package discovery drives the discovery agent: harvesting candidate
// publications from literature APIs into the candidate event log, and the
// import orchestrator that promotes queued candidates into graph references
// and (under governance limits) new nodes.
//
// The literature API clients themselves live outside this package; only
// their result shape is consumed here. Trust propagation is likewise an
// external collaborator consumed as a pure function.
package discovery

import (
	"context"
	"errors"

	"github.com/munin-graph/munindb/pkg/graph"
)

// ErrRateLimited is returned by a SearchClient when the upstream API
// answered with a rate-limit response. The harvester retries these with
// exponential backoff; any other error is terminal for that call.
var ErrRateLimited = errors.New("rate limited")

// Result is one raw publication record from a literature API.
type Result struct {
	Title             string   `json:"title"`
	Authors           []string `json:"authors,omitempty"`
	Year              int      `json:"year,omitempty"`
	DOI               string   `json:"doi,omitempty"`
	Abstract          string   `json:"abstract,omitempty"`
	URL               string   `json:"url,omitempty"`
	SemanticScholarID string   `json:"semanticScholarId,omitempty"`
	OpenAlexID        string   `json:"openAlexId,omitempty"`
	Source            string   `json:"source,omitempty"`
}

// SearchQuery describes one literature API search.
type SearchQuery struct {
	Query    string
	API      string
	Limit    int
	YearFrom int
	YearTo   int
}

// SearchClient is the consumed collaborator interface to a literature API.
type SearchClient interface {
	Search(ctx context.Context, q SearchQuery) ([]Result, error)
}

// PropagateFunc is the consumed trust-propagation collaborator: given the
// full node/edge set and the root claim, it returns new sets with
// recomputed trust/combinedTrust.
type PropagateFunc func(nodes []*graph.Node, edges []*graph.Edge, rootID string) ([]*graph.Node, []*graph.Edge)
