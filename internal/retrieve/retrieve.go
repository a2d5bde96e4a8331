// Package retrieve ranks corpus chunks against a query by combining
// vector similarity with lexical term overlap.
//
// The vector leg searches embeddings of ready sources and honours the
// caller's similarity threshold. The lexical leg scores term overlap
// over chunk content and source titles/tags, and also covers processed
// sources whose embeddings do not exist yet. When the embedder is
// unavailable the retriever degrades to lexical-only rather than
// failing.
package retrieve

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wearecity/citykb/internal/source"
)

// MatchType records which leg produced a match.
type MatchType string

const (
	MatchVector  MatchType = "vector"
	MatchLexical MatchType = "lexical"
	MatchHybrid  MatchType = "hybrid"
)

// lexicalDamping scales lexical scores so term overlap never outranks a
// strong semantic hit.
const lexicalDamping = 0.5

// titleWeight makes title and tag matches count double.
const titleWeight = 2.0

// minWordLen filters stopword-sized query terms from lexical scoring.
const minWordLen = 3

// Match is one ranked chunk.
type Match struct {
	Chunk           source.Chunk
	SourceID        uuid.UUID
	SourceTitle     string
	SourceURL       string
	SourceTags      []string
	SourceUpdatedAt time.Time
	Score           float64
	MatchType       MatchType
}

// Result is a retrieval outcome. Degraded is set when the vector leg
// was unavailable and only lexical matches were considered.
type Result struct {
	Matches  []Match
	Degraded bool
}

// Searcher is the store dependency of Retriever.
type Searcher interface {
	VectorSearch(ctx context.Context, tenantID, ownerID string, query []float32, limit int, minScore float64) ([]source.Hit, error)
	LexicalCandidates(ctx context.Context, tenantID, ownerID string, limit int) ([]source.Hit, error)
}

// QueryEmbedder embeds the query text for the vector leg.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever runs hybrid search.
type Retriever struct {
	searcher Searcher
	embedder QueryEmbedder
	logger   *slog.Logger
}

// New creates a Retriever.
func New(searcher Searcher, embedder QueryEmbedder, logger *slog.Logger) *Retriever {
	return &Retriever{
		searcher: searcher,
		embedder: embedder,
		logger:   logger.With("component", "retrieve"),
	}
}

// Retrieve returns up to limit matches for the query within the
// tenant/owner scope, best first. minScore bounds the vector leg; an
// empty result is a valid outcome, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query, tenantID, ownerID string, limit int, minScore float64) (*Result, error) {
	if limit <= 0 {
		limit = 3
	}

	res := &Result{}
	merged := make(map[uuid.UUID]*Match)

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, degrading to lexical search",
			"tenant", tenantID, "error", err)
		res.Degraded = true
	} else {
		// Over-fetch so merging with the lexical leg still fills limit.
		hits, err := r.searcher.VectorSearch(ctx, tenantID, ownerID, queryVec, limit*2, minScore)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			m := hitToMatch(h, h.Score, MatchVector)
			merged[h.Chunk.ID] = &m
		}
	}

	words := queryWords(query)
	if len(words) > 0 {
		candidates, err := r.searcher.LexicalCandidates(ctx, tenantID, ownerID, 0)
		if err != nil {
			return nil, err
		}
		for _, h := range candidates {
			score := lexicalScore(words, h)
			if score <= 0 {
				continue
			}
			score *= lexicalDamping
			if existing, ok := merged[h.Chunk.ID]; ok {
				existing.MatchType = MatchHybrid
				if score > existing.Score {
					existing.Score = score
				}
				continue
			}
			m := hitToMatch(h, score, MatchLexical)
			merged[h.Chunk.ID] = &m
		}
	}

	matches := make([]Match, 0, len(merged))
	for _, m := range merged {
		matches = append(matches, *m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].SourceUpdatedAt.Equal(matches[j].SourceUpdatedAt) {
			return matches[i].SourceUpdatedAt.After(matches[j].SourceUpdatedAt)
		}
		return matches[i].Chunk.ID.String() < matches[j].Chunk.ID.String()
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	res.Matches = matches
	return res, nil
}

// queryWords lowercases and filters the query terms used for lexical
// scoring.
func queryWords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) >= minWordLen {
			out = append(out, w)
		}
	}
	return out
}

// lexicalScore is the fraction of query words found in the chunk, with
// title and tag hits weighted double.
func lexicalScore(words []string, h source.Hit) float64 {
	content := strings.ToLower(h.Chunk.Content)
	title := strings.ToLower(h.SourceTitle)
	if len(h.SourceTags) > 0 {
		title += " " + strings.ToLower(strings.Join(h.SourceTags, " "))
	}

	var score float64
	for _, w := range words {
		if strings.Contains(title, w) {
			score += titleWeight
		} else if strings.Contains(content, w) {
			score++
		}
	}
	return score / float64(len(words))
}

func hitToMatch(h source.Hit, score float64, t MatchType) Match {
	return Match{
		Chunk:           h.Chunk,
		SourceID:        h.SourceID,
		SourceTitle:     h.SourceTitle,
		SourceURL:       h.SourceURL,
		SourceTags:      h.SourceTags,
		SourceUpdatedAt: h.SourceUpdatedAt,
		Score:           score,
		MatchType:       t,
	}
}
