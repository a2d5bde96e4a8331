// Package embed turns text into vectors through a Genkit embedder.
//
// Texts are embedded in small batches with bounded parallelism, provider
// rate limiting, and per-item retry when a whole batch fails. The
// generator never persists anything; callers decide what to do with the
// vectors.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Dimension is the vector size produced by text-embedding-004.
const Dimension = 768

// maxSummaryBytes caps the text sent for a summary embedding.
const maxSummaryBytes = 8 << 10

const (
	defaultBatchSize   = 5
	defaultConcurrency = 4
	defaultRetries     = 3
	baseBackoff        = 500 * time.Millisecond
)

// ErrNoEmbedder indicates the generator was built without an embedder.
var ErrNoEmbedder = errors.New("no embedder configured")

// BatchError reports a partially failed EmbedTexts call. Vectors holds
// the successful results, nil at each failed index, so callers can retry
// only what failed.
type BatchError struct {
	FailedIndices []int
	Vectors       [][]float32
	Err           error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding failed for %d of %d texts: %v",
		len(e.FailedIndices), len(e.Vectors), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Option configures a Generator.
type Option func(*Generator)

// WithBatchSize sets how many texts go into one provider call.
func WithBatchSize(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

// WithConcurrency bounds how many batches run in parallel.
func WithConcurrency(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// WithRetries sets the per-item retry budget.
func WithRetries(n int) Option {
	return func(g *Generator) {
		if n >= 0 {
			g.retries = n
		}
	}
}

// WithRateLimit throttles provider calls to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Generator) {
		if rps > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// Generator embeds texts through an ai.Embedder.
type Generator struct {
	embedder    ai.Embedder
	logger      *slog.Logger
	batchSize   int
	concurrency int
	retries     int
	limiter     *rate.Limiter
}

// NewGenerator creates a Generator around embedder.
func NewGenerator(embedder ai.Embedder, logger *slog.Logger, opts ...Option) *Generator {
	g := &Generator{
		embedder:    embedder,
		logger:      logger.With("component", "embed"),
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		retries:     defaultRetries,
		limiter:     rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EmbedTexts embeds texts in order. On partial failure the returned
// error is a *BatchError carrying the successful vectors and the failed
// indices; the first return value is nil.
func (g *Generator) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var (
		mu     sync.Mutex
		failed []int
		cause  error
	)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(g.concurrency)

	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		grp.Go(func() error {
			vecs, err := g.embedBatch(grpCtx, texts[start:end])
			if err == nil {
				mu.Lock()
				copy(vectors[start:end], vecs)
				mu.Unlock()
				return nil
			}
			// The whole batch failed; retry each item alone so one bad
			// text does not sink its neighbours.
			g.logger.Warn("batch embedding failed, retrying per item",
				"batch_start", start, "error", err)
			for i := start; i < end; i++ {
				vec, itemErr := g.embedOne(grpCtx, texts[i])
				mu.Lock()
				if itemErr != nil {
					failed = append(failed, i)
					cause = itemErr
				} else {
					vectors[i] = vec
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	if len(failed) > 0 {
		sort.Ints(failed)
		return nil, &BatchError{FailedIndices: failed, Vectors: vectors, Err: cause}
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (g *Generator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if g.embedder == nil {
		return nil, ErrNoEmbedder
	}
	return g.embedOne(ctx, text)
}

// EmbedSummary embeds text truncated to the model's safe input size.
func (g *Generator) EmbedSummary(ctx context.Context, text string) ([]float32, error) {
	if len(text) > maxSummaryBytes {
		text = truncateUTF8(text, maxSummaryBytes)
	}
	return g.EmbedQuery(ctx, text)
}

func (g *Generator) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := g.withRetry(ctx, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		docs := make([]*ai.Document, len(texts))
		for i, t := range texts {
			docs[i] = ai.DocumentFromText(t, nil)
		}
		resp, err := g.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
		if err != nil {
			return fmt.Errorf("embedding batch: %w", err)
		}
		if len(resp.Embeddings) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts",
				len(resp.Embeddings), len(texts))
		}
		vecs = make([][]float32, len(texts))
		for i, e := range resp.Embeddings {
			vecs[i] = e.Embedding
		}
		return nil
	})
	return vecs, err
}

func (g *Generator) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// withRetry runs fn up to retries+1 times with exponential backoff.
// Context cancellation stops the loop immediately.
func (g *Generator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
