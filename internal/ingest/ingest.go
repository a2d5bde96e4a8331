// Package ingest drives sources through the pipeline stages:
// extraction, chunking, embedding, ready. Stage work runs on a shared
// worker pool; every stage transition is a compare-and-set in the store,
// so a source is never double-processed and an error on one source never
// touches another.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/wearecity/citykb/internal/chunk"
	"github.com/wearecity/citykb/internal/embed"
	"github.com/wearecity/citykb/internal/extract"
	"github.com/wearecity/citykb/internal/source"
)

var (
	// ErrWrongStatus indicates the source is not in a status the
	// requested operation applies to.
	ErrWrongStatus = errors.New("source is not in an eligible status")

	// ErrPoolClosed indicates the worker pool has been released.
	ErrPoolClosed = errors.New("ingestion pool closed")

	// ErrNoChunks indicates extracted content split into zero chunks.
	ErrNoChunks = errors.New("content produced no chunks")
)

// Store is the persistence dependency of Service.
type Store interface {
	Create(ctx context.Context, tenantID, ownerID string, spec source.Spec) (*source.Source, error)
	Get(ctx context.Context, tenantID, ownerID string, id uuid.UUID) (*source.Source, error)
	SaveExtraction(ctx context.Context, id uuid.UUID, title, content string, documentLinks []string, language string) error
	ReplaceChunks(ctx context.Context, id uuid.UUID, contents []string) error
	SaveEmbeddings(ctx context.Context, id uuid.UUID, vectors [][]float32, summary []float32) error
	MarkReady(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, lastCompleted source.Stage, reason string) error
	ResetForReprocess(ctx context.Context, id uuid.UUID, force bool) error
	AdvanceStatus(ctx context.Context, id uuid.UUID, from []source.Status, to source.Status) error
	ListChunks(ctx context.Context, sourceID uuid.UUID) ([]source.Chunk, error)
}

// Extractor produces clean text for a source.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Result, error)
}

// Embedder produces vectors for chunk texts.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSummary(ctx context.Context, text string) ([]float32, error)
}

const (
	defaultPoolSize    = 8
	defaultTaskTimeout = 5 * time.Minute
)

// Option configures a Service.
type Option func(*Service)

// WithChunking sets chunk target size and overlap.
func WithChunking(targetSize, overlap int) Option {
	return func(s *Service) {
		s.chunkSize = targetSize
		s.chunkOverlap = overlap
	}
}

// WithPoolSize sets the worker pool size.
func WithPoolSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithTaskTimeout bounds how long one background pipeline run may take.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// Service is the ingestion pipeline.
type Service struct {
	store     Store
	extractor Extractor
	embedder  Embedder
	pool      *ants.Pool
	logger    *slog.Logger

	chunkSize    int
	chunkOverlap int
	poolSize     int
	taskTimeout  time.Duration

	// partial caches the successful vectors of a failed embedding
	// attempt, keyed by source id, so a retry only re-embeds the chunks
	// that actually failed. The cache is process-local: after a restart
	// the next attempt embeds everything again.
	partial sync.Map
}

// NewService wires the pipeline and starts its worker pool.
func NewService(store Store, extractor Extractor, embedder Embedder, logger *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		store:        store,
		extractor:    extractor,
		embedder:     embedder,
		logger:       logger.With("component", "ingest"),
		chunkSize:    chunk.DefaultTargetSize,
		chunkOverlap: chunk.DefaultOverlap,
		poolSize:     defaultPoolSize,
		taskTimeout:  defaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := ants.NewPool(s.poolSize, ants.WithLogger(antsLogger{s.logger}))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Release stops the worker pool. In-flight tasks finish.
func (s *Service) Release() {
	s.pool.Release()
}

// AddSource creates a source and enqueues its pipeline run.
func (s *Service) AddSource(ctx context.Context, tenantID, ownerID string, spec source.Spec) (*source.Source, error) {
	src, err := s.store.Create(ctx, tenantID, ownerID, spec)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(tenantID, ownerID, src.ID); err != nil {
		return nil, err
	}
	return src, nil
}

// Reprocess returns a ready or errored source to the start of the
// pipeline and enqueues it. With force, the existing chunks and
// embeddings are discarded first.
func (s *Service) Reprocess(ctx context.Context, tenantID, ownerID string, id uuid.UUID, force bool) error {
	if _, err := s.store.Get(ctx, tenantID, ownerID, id); err != nil {
		return err
	}
	if err := s.store.ResetForReprocess(ctx, id, force); err != nil {
		return err
	}
	if force {
		s.partial.Delete(id)
	}
	return s.enqueue(tenantID, ownerID, id)
}

// Retry re-enqueues an errored source. The run resumes after the last
// completed stage.
func (s *Service) Retry(ctx context.Context, tenantID, ownerID string, id uuid.UUID) error {
	src, err := s.store.Get(ctx, tenantID, ownerID, id)
	if err != nil {
		return err
	}
	if src.Status != source.StatusError {
		return fmt.Errorf("%w: %s is %s", ErrWrongStatus, id, src.Status)
	}
	return s.enqueue(tenantID, ownerID, id)
}

// GenerateEmbeddings runs the embedding stage synchronously for a
// processed source (or an errored one whose chunking already completed)
// and marks it ready. A source already past the embedding stage is a
// no-op.
func (s *Service) GenerateEmbeddings(ctx context.Context, tenantID, ownerID string, id uuid.UUID) error {
	src, err := s.store.Get(ctx, tenantID, ownerID, id)
	if err != nil {
		return err
	}
	switch {
	case src.Status == source.StatusReady:
		return nil
	case src.Status == source.StatusEmbedded:
		return s.store.MarkReady(ctx, id)
	case src.Status == source.StatusProcessed:
	case src.Status == source.StatusError && src.LastStage == source.StageChunk:
	default:
		return fmt.Errorf("%w: %s is %s (last stage %q)", ErrWrongStatus, id, src.Status, src.LastStage)
	}
	if err := s.runEmbed(ctx, src); err != nil {
		return err
	}
	return s.store.MarkReady(ctx, id)
}

// Process runs the pipeline for one source until it is ready or errors.
// A source already ready is a no-op. An errored source resumes after its
// last completed stage.
func (s *Service) Process(ctx context.Context, tenantID, ownerID string, id uuid.UUID) error {
	// Each iteration completes one stage; the bound leaves room for an
	// error-state resume plus every remaining stage.
	for range 6 {
		src, err := s.store.Get(ctx, tenantID, ownerID, id)
		if err != nil {
			return err
		}
		switch src.Status {
		case source.StatusReady:
			return nil
		case source.StatusPending:
			err = s.runExtract(ctx, tenantID, ownerID, src)
		case source.StatusScraped:
			err = s.runChunk(ctx, src)
		case source.StatusProcessed:
			err = s.runEmbed(ctx, src)
		case source.StatusEmbedded:
			err = s.store.MarkReady(ctx, id)
		case source.StatusError:
			err = s.resume(ctx, tenantID, ownerID, src)
		default:
			return fmt.Errorf("%w: %s is %s", ErrWrongStatus, id, src.Status)
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("pipeline for %s did not converge", id)
}

// resume runs the stage after the last completed one for an errored
// source.
func (s *Service) resume(ctx context.Context, tenantID, ownerID string, src *source.Source) error {
	switch src.LastStage {
	case source.StageNone:
		return s.runExtract(ctx, tenantID, ownerID, src)
	case source.StageExtract:
		return s.runChunk(ctx, src)
	case source.StageChunk:
		return s.runEmbed(ctx, src)
	case source.StageEmbed:
		return s.store.AdvanceStatus(ctx, src.ID, []source.Status{source.StatusError}, source.StatusReady)
	default:
		return fmt.Errorf("%w: unknown stage %q", ErrWrongStatus, src.LastStage)
	}
}

func (s *Service) runExtract(ctx context.Context, tenantID, ownerID string, src *source.Source) error {
	res, err := s.extractor.Extract(ctx, extract.Request{
		Kind:         src.Kind,
		URL:          src.OriginURL,
		Title:        src.Title,
		Content:      src.RawContent,
		ExtractLinks: src.ExtractLinks,
	})
	if err != nil {
		s.fail(ctx, src.ID, src.LastStage, err)
		return fmt.Errorf("extracting %s: %w", src.ID, err)
	}
	if err := s.store.SaveExtraction(ctx, src.ID, res.Title, res.Content, res.DocumentLinks, res.Language); err != nil {
		return err
	}
	s.spawnDocuments(ctx, tenantID, ownerID, src.ID, res.DocumentLinks)
	return nil
}

// spawnDocuments creates a dependent document source per discovered
// link. A link already registered under this parent is skipped, so each
// link is processed at most once per parent.
func (s *Service) spawnDocuments(ctx context.Context, tenantID, ownerID string, parentID uuid.UUID, links []string) {
	for _, link := range links {
		child, err := s.store.Create(ctx, tenantID, ownerID, source.DocumentSpec{
			URL:      link,
			ParentID: parentID,
		})
		if err != nil {
			if errors.Is(err, source.ErrConflict) {
				continue
			}
			s.logger.Warn("creating document source failed",
				"parent_id", parentID, "url", link, "error", err)
			continue
		}
		if err := s.enqueue(tenantID, ownerID, child.ID); err != nil {
			s.logger.Warn("enqueueing document source failed",
				"source_id", child.ID, "error", err)
		}
	}
}

func (s *Service) runChunk(ctx context.Context, src *source.Source) error {
	contents := chunk.Split(src.RawContent, s.chunkSize, s.chunkOverlap)
	if len(contents) == 0 {
		err := fmt.Errorf("%w: %s", ErrNoChunks, src.ID)
		s.fail(ctx, src.ID, source.StageExtract, err)
		return err
	}
	if err := s.store.ReplaceChunks(ctx, src.ID, contents); err != nil {
		return err
	}
	// The chunk set changed; any cached vectors no longer line up.
	s.partial.Delete(src.ID)
	return nil
}

func (s *Service) runEmbed(ctx context.Context, src *source.Source) error {
	chunks, err := s.store.ListChunks(ctx, src.ID)
	if err != nil {
		return err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := s.embedWithCache(ctx, src.ID, texts)
	if err != nil {
		s.fail(ctx, src.ID, source.StageChunk, err)
		return fmt.Errorf("embedding %s: %w", src.ID, err)
	}

	summary, err := s.embedder.EmbedSummary(ctx, src.RawContent)
	if err != nil {
		s.partial.Store(src.ID, vectors)
		s.fail(ctx, src.ID, source.StageChunk, err)
		return fmt.Errorf("embedding summary for %s: %w", src.ID, err)
	}

	if err := s.store.SaveEmbeddings(ctx, src.ID, vectors, summary); err != nil {
		return err
	}
	s.partial.Delete(src.ID)
	return nil
}

// embedWithCache embeds texts, reusing vectors cached from a previous
// failed attempt so only the chunks that failed are embedded again. On
// partial failure the merged successes are cached and the error
// propagates; nothing is persisted.
func (s *Service) embedWithCache(ctx context.Context, id uuid.UUID, texts []string) ([][]float32, error) {
	// The cached slice may be shared with a concurrent run for the same
	// source; work on a copy so gap-filling never mutates it.
	var cached [][]float32
	if v, ok := s.partial.Load(id); ok {
		if vecs, ok := v.([][]float32); ok && len(vecs) == len(texts) {
			cached = make([][]float32, len(vecs))
			copy(cached, vecs)
		}
	}

	if cached == nil {
		vectors, err := s.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			var be *embed.BatchError
			if errors.As(err, &be) && len(be.Vectors) == len(texts) {
				s.partial.Store(id, be.Vectors)
			}
			return nil, err
		}
		return vectors, nil
	}

	// Re-embed only the gaps.
	var missingIdx []int
	var missingTexts []string
	for i, vec := range cached {
		if vec == nil {
			missingIdx = append(missingIdx, i)
			missingTexts = append(missingTexts, texts[i])
		}
	}
	if len(missingIdx) == 0 {
		return cached, nil
	}

	vecs, err := s.embedder.EmbedTexts(ctx, missingTexts)
	if err != nil {
		var be *embed.BatchError
		if errors.As(err, &be) && len(be.Vectors) == len(missingTexts) {
			for j, idx := range missingIdx {
				if be.Vectors[j] != nil {
					cached[idx] = be.Vectors[j]
				}
			}
			s.partial.Store(id, cached)
		}
		return nil, err
	}
	for j, idx := range missingIdx {
		cached[idx] = vecs[j]
	}
	return cached, nil
}

// fail records the error on the source. A failure to record is logged
// and swallowed; the original error is what matters to the caller.
func (s *Service) fail(ctx context.Context, id uuid.UUID, lastCompleted source.Stage, cause error) {
	if err := s.store.MarkError(ctx, id, lastCompleted, cause.Error()); err != nil {
		s.logger.Error("recording source error failed",
			"source_id", id, "cause", cause, "error", err)
	}
}

// enqueue submits a background pipeline run for the source.
func (s *Service) enqueue(tenantID, ownerID string, id uuid.UUID) error {
	err := s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
		defer cancel()
		if err := s.Process(ctx, tenantID, ownerID, id); err != nil {
			s.logger.Error("pipeline run failed", "source_id", id, "error", err)
		}
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrPoolClosed
		}
		return fmt.Errorf("submitting pipeline task: %w", err)
	}
	return nil
}

// antsLogger adapts slog to the pool's logger interface.
type antsLogger struct {
	l *slog.Logger
}

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Warn(fmt.Sprintf(format, args...))
}
