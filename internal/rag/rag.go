// Package rag answers questions over the ingested corpus: retrieve
// relevant chunks, assemble a bounded prompt, run one generation call,
// and record the exchange in the conversation log.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wearecity/citykb/internal/retrieve"
	"github.com/wearecity/citykb/internal/source"
)

// ErrEmptyQuery indicates a blank question.
var ErrEmptyQuery = errors.New("empty query")

// GenerationError wraps a failed model call. Retryable distinguishes
// transient provider trouble from requests that will never succeed.
type GenerationError struct {
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("generation failed (%s): %v", kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Turn is one conversation message.
type Turn struct {
	Role           string // "user" or "assistant"
	Content        string
	CitedSourceIDs []string
	CreatedAt      time.Time
}

// Query is a question against the corpus.
type Query struct {
	Text     string
	TenantID string
	OwnerID  string

	// History is the prior conversation, oldest first. It is capped to
	// the orchestrator's history window before prompting.
	History []Turn

	// MaxSources caps how many chunks enter the prompt. Zero means the
	// orchestrator default.
	MaxSources int
}

// Citation identifies a source used in an answer.
type Citation struct {
	SourceID string
	Title    string
	URL      string
}

// Answer is the generation result.
type Answer struct {
	Text         string
	CitedSources []Citation

	// NoSourcesUsed is set when retrieval found nothing and the answer
	// came from general knowledge.
	NoSourcesUsed bool

	// Degraded is set when retrieval ran lexical-only.
	Degraded bool
}

// Stats summarizes a tenant/owner corpus plus its conversation volume.
type Stats struct {
	source.Stats
	Conversations int
}

// Retriever finds relevant chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query, tenantID, ownerID string, limit int, minScore float64) (*retrieve.Result, error)
}

// Generator runs one model call over an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ConversationStore persists and reads the conversation audit log.
type ConversationStore interface {
	AppendTurns(ctx context.Context, tenantID, ownerID string, turns []Turn) error
	Recent(ctx context.Context, tenantID, ownerID string, limit int) ([]Turn, error)
	Count(ctx context.Context, tenantID, ownerID string) (int, error)
}

// CorpusStats reports source and chunk counts for a scope.
type CorpusStats interface {
	Stats(ctx context.Context, tenantID, ownerID string) (*source.Stats, error)
}

const (
	defaultMaxSources    = 3
	defaultMinScore      = 0.7
	defaultHistoryWindow = 10
	defaultTimeout       = 30 * time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMinScore sets the vector similarity threshold.
func WithMinScore(s float64) Option {
	return func(o *Orchestrator) {
		if s >= 0 && s <= 1 {
			o.minScore = s
		}
	}
}

// WithMaxSources sets the default source cap per answer.
func WithMaxSources(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSources = n
		}
	}
}

// WithHistoryWindow caps how many prior turns enter the prompt.
func WithHistoryWindow(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.historyWindow = n
		}
	}
}

// WithTimeout bounds the generation call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Orchestrator wires retrieval, generation, and the conversation log.
type Orchestrator struct {
	retriever Retriever
	generator Generator
	convs     ConversationStore
	corpus    CorpusStats
	logger    *slog.Logger

	minScore      float64
	maxSources    int
	historyWindow int
	timeout       time.Duration
}

// New creates an Orchestrator. convs and corpus may be nil when the
// caller does not need the audit log or stats surface.
func New(retriever Retriever, generator Generator, convs ConversationStore, corpus CorpusStats, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		retriever:     retriever,
		generator:     generator,
		convs:         convs,
		corpus:        corpus,
		logger:        logger.With("component", "rag"),
		minScore:      defaultMinScore,
		maxSources:    defaultMaxSources,
		historyWindow: defaultHistoryWindow,
		timeout:       defaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer runs retrieval and generation for the query. An empty corpus
// is not an error: the model answers from general knowledge and the
// result carries NoSourcesUsed.
func (o *Orchestrator) Answer(ctx context.Context, q Query) (*Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	maxSources := q.MaxSources
	if maxSources <= 0 {
		maxSources = o.maxSources
	}

	res, err := o.retriever.Retrieve(ctx, q.Text, q.TenantID, q.OwnerID, maxSources, o.minScore)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	history := q.History
	if o.historyWindow > 0 && len(history) > o.historyWindow {
		history = history[len(history)-o.historyWindow:]
	}
	prompt := buildPrompt(history, res.Matches, q.Text)

	genCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	text, err := o.generator.Generate(genCtx, prompt)
	if err != nil {
		return nil, &GenerationError{Retryable: isRetryable(err), Err: err}
	}

	ans := &Answer{
		Text:          text,
		CitedSources:  citations(res.Matches),
		NoSourcesUsed: len(res.Matches) == 0,
		Degraded:      res.Degraded,
	}

	if o.convs != nil {
		cited := make([]string, len(ans.CitedSources))
		for i, c := range ans.CitedSources {
			cited[i] = c.SourceID
		}
		err := o.convs.AppendTurns(ctx, q.TenantID, q.OwnerID, []Turn{
			{Role: "user", Content: q.Text},
			{Role: "assistant", Content: text, CitedSourceIDs: cited},
		})
		if err != nil {
			// Audit only; the answer already exists.
			o.logger.Warn("recording conversation failed",
				"tenant", q.TenantID, "error", err)
		}
	}
	return ans, nil
}

// Conversations returns the most recent turns for a scope, oldest
// first.
func (o *Orchestrator) Conversations(ctx context.Context, tenantID, ownerID string, limit int) ([]Turn, error) {
	if o.convs == nil {
		return nil, nil
	}
	return o.convs.Recent(ctx, tenantID, ownerID, limit)
}

// Stats reports corpus and conversation counts for a scope.
func (o *Orchestrator) Stats(ctx context.Context, tenantID, ownerID string) (*Stats, error) {
	st := &Stats{}
	if o.corpus != nil {
		cs, err := o.corpus.Stats(ctx, tenantID, ownerID)
		if err != nil {
			return nil, err
		}
		st.Stats = *cs
	}
	if o.convs != nil {
		n, err := o.convs.Count(ctx, tenantID, ownerID)
		if err != nil {
			return nil, err
		}
		st.Conversations = n
	}
	return st, nil
}

// citations lists the distinct sources behind the matches, best match
// first.
func citations(matches []retrieve.Match) []Citation {
	seen := make(map[string]struct{}, len(matches))
	var out []Citation
	for _, m := range matches {
		id := m.SourceID.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Citation{SourceID: id, Title: m.SourceTitle, URL: m.SourceURL})
	}
	return out
}

// isRetryable classifies provider failures worth retrying.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "quota", "429", "unavailable", "503", "timeout", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
