package retrieve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wearecity/citykb/internal/log"
	"github.com/wearecity/citykb/internal/source"
)

type fakeSearcher struct {
	vectorHits  []source.Hit
	lexicalHits []source.Hit

	gotTenant   string
	gotOwner    string
	gotMinScore float64
	gotLimit    int
}

func (f *fakeSearcher) VectorSearch(ctx context.Context, tenantID, ownerID string, query []float32, limit int, minScore float64) ([]source.Hit, error) {
	f.gotTenant, f.gotOwner = tenantID, ownerID
	f.gotMinScore, f.gotLimit = minScore, limit

	var out []source.Hit
	for _, h := range f.vectorHits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSearcher) LexicalCandidates(ctx context.Context, tenantID, ownerID string, limit int) ([]source.Hit, error) {
	return f.lexicalHits, nil
}

type fakeQueryEmbedder struct {
	err   error
	calls int
}

func (f *fakeQueryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

func hit(content, title string, score float64, updated time.Time) source.Hit {
	id := uuid.New()
	return source.Hit{
		Chunk:           source.Chunk{ID: uuid.New(), SourceID: id, Content: content},
		SourceID:        id,
		SourceTitle:     title,
		SourceUpdatedAt: updated,
		Score:           score,
	}
}

func TestRetrieveVectorResults(t *testing.T) {
	now := time.Now()
	s := &fakeSearcher{vectorHits: []source.Hit{
		hit("bus schedules run daily", "Transit", 0.92, now),
		hit("parking permits cost forty", "Parking", 0.81, now),
		hit("irrelevant low score", "Misc", 0.3, now),
	}}
	r := New(s, &fakeQueryEmbedder{}, log.NewNop())

	res, err := r.Retrieve(context.Background(), "zzzzz qqqqq", "springfield", "u1", 3, 0.7)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, 0.92, res.Matches[0].Score)
	assert.Equal(t, MatchVector, res.Matches[0].MatchType)
	assert.Equal(t, "springfield", s.gotTenant)
	assert.Equal(t, "u1", s.gotOwner)
	assert.Equal(t, 0.7, s.gotMinScore)
	assert.Equal(t, 6, s.gotLimit, "vector leg over-fetches limit*2")
}

func TestRetrieveLexicalFallbackWhenEmbedderDown(t *testing.T) {
	now := time.Now()
	s := &fakeSearcher{lexicalHits: []source.Hit{
		hit("the swimming pool opens in june", "Pool Schedule", 0, now),
		hit("totally unrelated content", "Other", 0, now),
	}}
	r := New(s, &fakeQueryEmbedder{err: errors.New("embedder offline")}, log.NewNop())

	res, err := r.Retrieve(context.Background(), "swimming pool", "springfield", "u1", 3, 0.7)
	require.NoError(t, err, "embedder failure must degrade, not error")
	assert.True(t, res.Degraded)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, MatchLexical, res.Matches[0].MatchType)
	assert.Greater(t, res.Matches[0].Score, 0.0)
}

func TestRetrieveTitleWeighting(t *testing.T) {
	now := time.Now()
	contentHit := hit("the swimming pool is mentioned here", "Unrelated Title", 0, now)
	titleHit := hit("nothing relevant in the body", "Swimming Pool Hours", 0, now)
	s := &fakeSearcher{lexicalHits: []source.Hit{contentHit, titleHit}}
	r := New(s, &fakeQueryEmbedder{err: errors.New("down")}, log.NewNop())

	res, err := r.Retrieve(context.Background(), "swimming pool", "springfield", "u1", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "Swimming Pool Hours", res.Matches[0].SourceTitle,
		"title matches outrank content matches")
	assert.Greater(t, res.Matches[0].Score, res.Matches[1].Score)
}

func TestRetrieveHybridMergeDedupes(t *testing.T) {
	now := time.Now()
	shared := hit("swimming pool opens june first", "Pool", 0.85, now)
	s := &fakeSearcher{
		vectorHits:  []source.Hit{shared},
		lexicalHits: []source.Hit{shared, hit("swimming lessons for kids", "Lessons", 0, now)},
	}
	r := New(s, &fakeQueryEmbedder{}, log.NewNop())

	res, err := r.Retrieve(context.Background(), "swimming pool", "springfield", "u1", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)

	assert.Equal(t, MatchHybrid, res.Matches[0].MatchType)
	assert.Equal(t, shared.Chunk.ID, res.Matches[0].Chunk.ID)
	// The damped lexical score never beats the vector score here.
	assert.Equal(t, 0.85, res.Matches[0].Score)
	assert.Equal(t, MatchLexical, res.Matches[1].MatchType)
}

func TestRetrieveMonotonicInMinScore(t *testing.T) {
	now := time.Now()
	s := &fakeSearcher{vectorHits: []source.Hit{
		hit("aaa", "A", 0.95, now),
		hit("bbb", "B", 0.8, now),
		hit("ccc", "C", 0.72, now),
	}}
	r := New(s, &fakeQueryEmbedder{}, log.NewNop())

	var prev int
	first := true
	for _, minScore := range []float64{0.5, 0.7, 0.75, 0.9, 0.99} {
		res, err := r.Retrieve(context.Background(), "zzzzz", "t", "o", 10, minScore)
		require.NoError(t, err)
		if !first {
			assert.LessOrEqual(t, len(res.Matches), prev,
				"raising minScore must never grow the result set")
		}
		prev = len(res.Matches)
		first = false
	}
}

func TestRetrieveTruncatesToLimit(t *testing.T) {
	now := time.Now()
	var hits []source.Hit
	for i := 0; i < 10; i++ {
		hits = append(hits, hit("content", "T", 0.9-float64(i)*0.01, now))
	}
	s := &fakeSearcher{vectorHits: hits}
	r := New(s, &fakeQueryEmbedder{}, log.NewNop())

	res, err := r.Retrieve(context.Background(), "zzzzz", "t", "o", 3, 0.5)
	require.NoError(t, err)
	assert.Len(t, res.Matches, 3)
	// Best first.
	assert.Equal(t, 0.9, res.Matches[0].Score)
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	r := New(&fakeSearcher{}, &fakeQueryEmbedder{}, log.NewNop())
	res, err := r.Retrieve(context.Background(), "anything at all", "t", "o", 3, 0.7)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.False(t, res.Degraded)
}

func TestQueryWords(t *testing.T) {
	words := queryWords("Where DO I pay the Parking-fine? at 9!")
	assert.Contains(t, words, "where")
	assert.Contains(t, words, "parking-fine")
	assert.NotContains(t, words, "do", "short words are dropped")
	assert.NotContains(t, words, "at")
}
