package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wearecity/citykb/internal/embed"
	"github.com/wearecity/citykb/internal/extract"
	"github.com/wearecity/citykb/internal/log"
	"github.com/wearecity/citykb/internal/source"
)

func TestMain(m *testing.M) {
	// Importing ants starts a package-level default pool with background
	// goroutines; this package never uses it, so shut it down before
	// goleak takes its baseline.
	ants.Release()
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory Store with the same status semantics as the
// real one.
type memStore struct {
	mu      sync.Mutex
	sources map[uuid.UUID]*source.Source
	chunks  map[uuid.UUID][]source.Chunk

	savedVectors map[uuid.UUID][][]float32
}

func newMemStore() *memStore {
	return &memStore{
		sources:      make(map[uuid.UUID]*source.Source),
		chunks:       make(map[uuid.UUID][]source.Chunk),
		savedVectors: make(map[uuid.UUID][][]float32),
	}
}

func (m *memStore) Create(ctx context.Context, tenantID, ownerID string, spec source.Spec) (*source.Source, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src := &source.Source{
		ID:       uuid.New(),
		TenantID: tenantID,
		OwnerID:  ownerID,
		Kind:     spec.Kind(),
		Status:   source.StatusPending,
	}
	switch v := spec.(type) {
	case source.URLSpec:
		src.OriginURL = v.URL
		src.Title = v.Title
		src.ExtractLinks = v.ExtractLinks
	case source.TextSpec:
		src.Title = v.Title
		src.RawContent = v.Content
	case source.DocumentSpec:
		src.OriginURL = v.URL
		parent := v.ParentID
		src.ParentID = &parent
		for _, other := range m.sources {
			if other.ParentID != nil && *other.ParentID == parent && other.OriginURL == v.URL {
				return nil, source.ErrConflict
			}
		}
	}
	m.sources[src.ID] = src
	return src, nil
}

func (m *memStore) Get(ctx context.Context, tenantID, ownerID string, id uuid.UUID) (*source.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.TenantID != tenantID || src.OwnerID != ownerID {
		return nil, source.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (m *memStore) advance(id uuid.UUID, from []source.Status, to source.Status) (*source.Source, error) {
	src, ok := m.sources[id]
	if !ok {
		return nil, source.ErrNotFound
	}
	for _, f := range from {
		if src.Status == f {
			src.Status = to
			return src, nil
		}
	}
	return nil, fmt.Errorf("%w: source is %s", source.ErrInvalidTransition, src.Status)
}

func (m *memStore) SaveExtraction(ctx context.Context, id uuid.UUID, title, content string, documentLinks []string, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.advance(id, []source.Status{source.StatusPending, source.StatusError}, source.StatusScraped)
	if err != nil {
		return err
	}
	if title != "" {
		src.Title = title
	}
	src.RawContent = content
	src.DocumentLinks = documentLinks
	src.Metadata.Language = language
	src.Metadata.LastError = ""
	src.LastStage = source.StageExtract
	return nil
}

func (m *memStore) ReplaceChunks(ctx context.Context, id uuid.UUID, contents []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.advance(id, []source.Status{source.StatusScraped, source.StatusError}, source.StatusProcessed)
	if err != nil {
		return err
	}
	chunks := make([]source.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = source.Chunk{ID: uuid.New(), SourceID: id, Index: i, Content: c}
	}
	m.chunks[id] = chunks
	src.Metadata.LastError = ""
	src.LastStage = source.StageChunk
	return nil
}

func (m *memStore) SaveEmbeddings(ctx context.Context, id uuid.UUID, vectors [][]float32, summary []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.advance(id, []source.Status{source.StatusProcessed, source.StatusError}, source.StatusEmbedded)
	if err != nil {
		return err
	}
	if len(vectors) != len(m.chunks[id]) {
		return source.ErrChunkMismatch
	}
	for i := range m.chunks[id] {
		m.chunks[id][i].Embedding = vectors[i]
	}
	m.savedVectors[id] = vectors
	src.Metadata.LastError = ""
	src.LastStage = source.StageEmbed
	return nil
}

func (m *memStore) MarkReady(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.advance(id, []source.Status{source.StatusEmbedded}, source.StatusReady)
	return err
}

func (m *memStore) MarkError(ctx context.Context, id uuid.UUID, lastCompleted source.Stage, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return source.ErrNotFound
	}
	src.Status = source.StatusError
	src.LastStage = lastCompleted
	src.Metadata.LastError = reason
	return nil
}

func (m *memStore) ResetForReprocess(ctx context.Context, id uuid.UUID, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.advance(id, []source.Status{source.StatusReady, source.StatusError}, source.StatusPending)
	if err != nil {
		return err
	}
	if force {
		delete(m.chunks, id)
		delete(m.savedVectors, id)
	}
	src.Metadata.LastError = ""
	src.LastStage = source.StageNone
	return nil
}

func (m *memStore) AdvanceStatus(ctx context.Context, id uuid.UUID, from []source.Status, to source.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.advance(id, from, to)
	return err
}

func (m *memStore) ListChunks(ctx context.Context, sourceID uuid.UUID) ([]source.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]source.Chunk, len(m.chunks[sourceID]))
	copy(out, m.chunks[sourceID])
	return out, nil
}

func (m *memStore) status(t *testing.T, id uuid.UUID) source.Status {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	require.True(t, ok)
	return src.Status
}

func (m *memStore) get(t *testing.T, id uuid.UUID) source.Source {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	require.True(t, ok)
	return *src
}

// fakeExtractor returns canned results per URL, or passes text through.
type fakeExtractor struct {
	mu      sync.Mutex
	results map[string]*extract.Result
	err     error
	calls   []extract.Request
}

func (f *fakeExtractor) Extract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if req.Kind == source.KindText {
		return &extract.Result{Title: req.Title, Content: req.Content}, nil
	}
	if res, ok := f.results[req.URL]; ok {
		return res, nil
	}
	return nil, extract.ErrEmptyContent
}

// fakeEmbedder fails configured texts a limited number of times and
// records every EmbedTexts input.
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      [][]string
	failTexts  map[string]int
	summaryErr error
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))

	vectors := make([][]float32, len(texts))
	var failed []int
	for i, t := range texts {
		if n, ok := f.failTexts[t]; ok && n > 0 {
			f.failTexts[t] = n - 1
			failed = append(failed, i)
			continue
		}
		vectors[i] = []float32{float32(len(t))}
	}
	if len(failed) > 0 {
		return nil, &embed.BatchError{
			FailedIndices: failed,
			Vectors:       vectors,
			Err:           errors.New("provider error"),
		}
	}
	return vectors, nil
}

func (f *fakeEmbedder) EmbedSummary(ctx context.Context, text string) ([]float32, error) {
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return []float32{0.5}, nil
}

func (f *fakeEmbedder) embedCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func newService(t *testing.T, store Store, ex Extractor, em Embedder, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(store, ex, em, log.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Release)
	return svc
}

const (
	tenant = "springfield"
	owner  = "user-1"
)

func TestProcessTextSourceToReady(t *testing.T) {
	store := newMemStore()
	svc := newService(t, store, &fakeExtractor{}, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{
		Title:   "Parking",
		Content: "Residents park free in zone B. Visitors pay at the meter.",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Process(context.Background(), tenant, owner, src.ID))
	assert.Equal(t, source.StatusReady, store.status(t, src.ID))
	assert.NotEmpty(t, store.chunks[src.ID])
	for _, c := range store.chunks[src.ID] {
		assert.NotNil(t, c.Embedding)
	}
}

func TestProcessIsNoOpWhenReady(t *testing.T) {
	store := newMemStore()
	em := &fakeEmbedder{}
	svc := newService(t, store, &fakeExtractor{}, em)

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{
		Title: "T", Content: "Some content here.",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), tenant, owner, src.ID))

	before := len(em.embedCalls())
	require.NoError(t, svc.Process(context.Background(), tenant, owner, src.ID))
	assert.Equal(t, before, len(em.embedCalls()), "completed source must not be re-embedded")
}

func TestProcessExtractFailure(t *testing.T) {
	store := newMemStore()
	svc := newService(t, store, &fakeExtractor{err: extract.ErrFetchFailed}, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.URLSpec{URL: "https://city.example/x"})
	require.NoError(t, err)

	err = svc.Process(context.Background(), tenant, owner, src.ID)
	require.Error(t, err)

	got := store.get(t, src.ID)
	assert.Equal(t, source.StatusError, got.Status)
	assert.Contains(t, got.Metadata.LastError, "fetch failed")
	assert.Equal(t, source.StageNone, got.LastStage)
}

func TestProcessResumesAfterError(t *testing.T) {
	store := newMemStore()
	svc := newService(t, store, &fakeExtractor{}, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{
		Title: "T", Content: "Content that extracted fine before the failure.",
	})
	require.NoError(t, err)

	// Simulate a run that died after extraction.
	require.NoError(t, store.SaveExtraction(context.Background(), src.ID, "T", src.RawContent, nil, ""))
	require.NoError(t, store.MarkError(context.Background(), src.ID, source.StageExtract, "crashed"))

	require.NoError(t, svc.Process(context.Background(), tenant, owner, src.ID))
	assert.Equal(t, source.StatusReady, store.status(t, src.ID))
}

func TestRetryReembedsOnlyFailedChunks(t *testing.T) {
	store := newMemStore()
	em := &fakeEmbedder{failTexts: map[string]int{"beta": 1}}
	svc := newService(t, store, &fakeExtractor{}, em)

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{Title: "T", Content: "seed"})
	require.NoError(t, err)

	// Seed a processed source with a known chunk set.
	store.mu.Lock()
	store.sources[src.ID].Status = source.StatusProcessed
	store.sources[src.ID].LastStage = source.StageChunk
	store.chunks[src.ID] = []source.Chunk{
		{ID: uuid.New(), SourceID: src.ID, Index: 0, Content: "alpha"},
		{ID: uuid.New(), SourceID: src.ID, Index: 1, Content: "beta"},
		{ID: uuid.New(), SourceID: src.ID, Index: 2, Content: "gamma"},
	}
	store.mu.Unlock()

	// First attempt: beta fails, nothing is persisted.
	err = svc.GenerateEmbeddings(context.Background(), tenant, owner, src.ID)
	require.Error(t, err)
	assert.Equal(t, source.StatusError, store.status(t, src.ID))
	assert.Empty(t, store.savedVectors[src.ID])

	// Second attempt embeds only the failed chunk and persists all three.
	require.NoError(t, svc.GenerateEmbeddings(context.Background(), tenant, owner, src.ID))
	assert.Equal(t, source.StatusReady, store.status(t, src.ID))

	calls := em.embedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, calls[0])
	assert.Equal(t, []string{"beta"}, calls[1])

	vectors := store.savedVectors[src.ID]
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.NotNil(t, v, "vector %d missing", i)
	}
}

func TestAddSourceRunsPipelineAsync(t *testing.T) {
	store := newMemStore()
	svc := newService(t, store, &fakeExtractor{}, &fakeEmbedder{})

	src, err := svc.AddSource(context.Background(), tenant, owner, source.TextSpec{
		Title: "Library hours", Content: "Open nine to five on weekdays.",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.status(t, src.ID) == source.StatusReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDocumentLinksSpawnDependentSources(t *testing.T) {
	store := newMemStore()
	ex := &fakeExtractor{results: map[string]*extract.Result{
		"https://city.example/waste": {
			Title:   "Waste",
			Content: "Waste is collected weekly.",
			DocumentLinks: []string{
				"https://city.example/docs/calendar.pdf",
				"https://city.example/docs/fees.pdf",
			},
		},
		"https://city.example/docs/calendar.pdf": {Title: "Calendar", Content: "January dates."},
		"https://city.example/docs/fees.pdf":     {Title: "Fees", Content: "Fee table."},
	}}
	svc := newService(t, store, ex, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.URLSpec{
		URL: "https://city.example/waste", ExtractLinks: true,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), tenant, owner, src.ID))

	// Two dependent document sources exist, linked to the parent, and
	// reach ready on the pool.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		children := 0
		for _, s := range store.sources {
			if s.ParentID != nil && *s.ParentID == src.ID && s.Status == source.StatusReady {
				children++
			}
		}
		return children == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Re-running the parent does not duplicate the children.
	require.NoError(t, svc.Reprocess(context.Background(), tenant, owner, src.ID, false))
	require.Eventually(t, func() bool {
		return store.status(t, src.ID) == source.StatusReady
	}, 5*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	children := 0
	for _, s := range store.sources {
		if s.ParentID != nil && *s.ParentID == src.ID {
			children++
		}
	}
	store.mu.Unlock()
	assert.Equal(t, 2, children)
}

func TestReprocessForceDiscardsChunks(t *testing.T) {
	store := newMemStore()
	svc := newService(t, store, &fakeExtractor{}, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{
		Title: "T", Content: "Original content before the rewrite.",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), tenant, owner, src.ID))

	store.mu.Lock()
	oldIDs := make(map[uuid.UUID]struct{})
	for _, c := range store.chunks[src.ID] {
		oldIDs[c.ID] = struct{}{}
	}
	store.mu.Unlock()

	require.NoError(t, svc.Reprocess(context.Background(), tenant, owner, src.ID, true))
	require.Eventually(t, func() bool {
		return store.status(t, src.ID) == source.StatusReady
	}, 5*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.chunks[src.ID])
	for _, c := range store.chunks[src.ID] {
		_, stale := oldIDs[c.ID]
		assert.False(t, stale, "stale chunk id survived force reprocess")
	}
}

func TestRetryRequiresErrorStatus(t *testing.T) {
	store := newMemStore()
	svc := newService(t, store, &fakeExtractor{}, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{Title: "T", Content: "c."})
	require.NoError(t, err)

	err = svc.Retry(context.Background(), tenant, owner, src.ID)
	assert.ErrorIs(t, err, ErrWrongStatus)
}

func TestGenerateEmbeddingsWrongStatus(t *testing.T) {
	store := newMemStore()
	svc := newService(t, store, &fakeExtractor{}, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{Title: "T", Content: "c."})
	require.NoError(t, err)

	err = svc.GenerateEmbeddings(context.Background(), tenant, owner, src.ID)
	assert.ErrorIs(t, err, ErrWrongStatus)
}

func TestGenerateEmbeddingsNoOpPastEmbedding(t *testing.T) {
	store := newMemStore()
	em := &fakeEmbedder{}
	svc := newService(t, store, &fakeExtractor{}, em)

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{
		Title: "T", Content: "Already fully processed content.",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), tenant, owner, src.ID))

	before := len(em.embedCalls())
	require.NoError(t, svc.GenerateEmbeddings(context.Background(), tenant, owner, src.ID))
	assert.Equal(t, source.StatusReady, store.status(t, src.ID))
	assert.Equal(t, before, len(em.embedCalls()), "ready source must not be re-embedded")

	// An embedded source just finishes its move to ready.
	other, err := store.Create(context.Background(), tenant, owner, source.TextSpec{Title: "O", Content: "c."})
	require.NoError(t, err)
	store.mu.Lock()
	store.sources[other.ID].Status = source.StatusEmbedded
	store.mu.Unlock()

	require.NoError(t, svc.GenerateEmbeddings(context.Background(), tenant, owner, other.ID))
	assert.Equal(t, source.StatusReady, store.status(t, other.ID))
	assert.Equal(t, before, len(em.embedCalls()))
}

func TestGenerateEmbeddingsDoesNotMutateCachedVectors(t *testing.T) {
	store := newMemStore()
	em := &fakeEmbedder{failTexts: map[string]int{"beta": 1}}
	svc := newService(t, store, &fakeExtractor{}, em)

	src, err := store.Create(context.Background(), tenant, owner, source.TextSpec{Title: "T", Content: "seed"})
	require.NoError(t, err)
	store.mu.Lock()
	store.sources[src.ID].Status = source.StatusProcessed
	store.sources[src.ID].LastStage = source.StageChunk
	store.chunks[src.ID] = []source.Chunk{
		{ID: uuid.New(), SourceID: src.ID, Index: 0, Content: "alpha"},
		{ID: uuid.New(), SourceID: src.ID, Index: 1, Content: "beta"},
		{ID: uuid.New(), SourceID: src.ID, Index: 2, Content: "gamma"},
	}
	store.mu.Unlock()

	require.Error(t, svc.GenerateEmbeddings(context.Background(), tenant, owner, src.ID))

	v, ok := svc.partial.Load(src.ID)
	require.True(t, ok)
	snapshot := v.([][]float32)
	require.Nil(t, snapshot[1])

	// The retry fills the gap on its own copy; a concurrent reader of the
	// cached slice must never see it change underneath.
	require.NoError(t, svc.GenerateEmbeddings(context.Background(), tenant, owner, src.ID))
	assert.Equal(t, source.StatusReady, store.status(t, src.ID))
	assert.Nil(t, snapshot[1])
}

func TestProcessFailsWhenContentYieldsNoChunks(t *testing.T) {
	store := newMemStore()
	ex := &fakeExtractor{results: map[string]*extract.Result{
		"https://city.example/blank": {Title: "Blank", Content: "   \n\n  "},
	}}
	svc := newService(t, store, ex, &fakeEmbedder{})

	src, err := store.Create(context.Background(), tenant, owner, source.URLSpec{
		URL: "https://city.example/blank",
	})
	require.NoError(t, err)

	err = svc.Process(context.Background(), tenant, owner, src.ID)
	require.ErrorIs(t, err, ErrNoChunks)

	got := store.get(t, src.ID)
	assert.Equal(t, source.StatusError, got.Status)
	assert.Equal(t, source.StageExtract, got.LastStage)
	assert.Contains(t, got.Metadata.LastError, "no chunks")
}
