package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// DB is the database dependency of Store. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is the read/write subset shared by DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists sources and chunks in PostgreSQL. Every query is scoped
// by tenant and owner; status moves are compare-and-set so concurrent
// pipeline workers cannot double-run a stage.
type Store struct {
	db     DB
	logger *slog.Logger
	sb     sq.StatementBuilderType

	mu   sync.Mutex
	subs map[uuid.UUID]map[chan StatusChange]struct{}
}

// NewStore creates a Store on db.
func NewStore(db DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "source_store"),
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		subs:   make(map[uuid.UUID]map[chan StatusChange]struct{}),
	}
}

var sourceColumns = []string{
	"id", "tenant_id", "owner_id", "kind", "status", "title", "origin_url",
	"raw_content", "document_links", "extract_links", "parent_id",
	"word_count", "language", "tags", "last_error", "last_stage",
	"created_at", "updated_at",
}

const chunkCountColumn = "(SELECT count(*) FROM chunks c WHERE c.source_id = sources.id) AS chunk_count"

// Create inserts a new source in status pending.
func (s *Store) Create(ctx context.Context, tenantID, ownerID string, spec Spec) (*Source, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: tenant and owner are required", ErrInvalidSpec)
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	src := &Source{
		ID:        uuid.New(),
		TenantID:  tenantID,
		OwnerID:   ownerID,
		Kind:      spec.Kind(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch v := spec.(type) {
	case URLSpec:
		src.OriginURL = v.URL
		src.Title = v.Title
		src.ExtractLinks = v.ExtractLinks
	case TextSpec:
		src.Title = v.Title
		src.RawContent = v.Content
		src.Metadata.WordCount = wordCount(v.Content)
	case DocumentSpec:
		src.OriginURL = v.URL
		src.Title = v.Title
		parent := v.ParentID
		src.ParentID = &parent
	}

	query, args, err := s.sb.Insert("sources").
		Columns("id", "tenant_id", "owner_id", "kind", "status", "title",
			"origin_url", "raw_content", "extract_links", "parent_id",
			"word_count", "created_at", "updated_at").
		Values(src.ID, src.TenantID, src.OwnerID, string(src.Kind),
			string(src.Status), src.Title, nullableString(src.OriginURL),
			src.RawContent, src.ExtractLinks, src.ParentID,
			src.Metadata.WordCount, src.CreatedAt, src.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return nil, fmt.Errorf("%w: %s", ErrConflict, src.OriginURL)
			case "23503":
				return nil, fmt.Errorf("%w: parent source", ErrNotFound)
			}
		}
		return nil, fmt.Errorf("inserting source: %w", err)
	}

	s.logger.Info("source created",
		"source_id", src.ID, "tenant", tenantID, "kind", src.Kind)
	return src, nil
}

// Get returns a source by id within the tenant/owner scope.
func (s *Store) Get(ctx context.Context, tenantID, ownerID string, id uuid.UUID) (*Source, error) {
	query, args, err := s.sb.Select(sourceColumns...).
		Column(chunkCountColumn).
		From("sources").
		Where(sq.Eq{"id": id, "tenant_id": tenantID, "owner_id": ownerID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	src, err := scanSource(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting source: %w", err)
	}
	return src, nil
}

// List returns the sources in a tenant/owner scope, newest first.
func (s *Store) List(ctx context.Context, tenantID, ownerID string, filter ListFilter) ([]*Source, error) {
	q := s.sb.Select(sourceColumns...).
		Column(chunkCountColumn).
		From("sources").
		Where(sq.Eq{"tenant_id": tenantID, "owner_id": ownerID}).
		OrderBy("created_at DESC")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Kind != "" {
		q = q.Where(sq.Eq{"kind": string(filter.Kind)})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Delete removes a source and, through the foreign key cascade, all of
// its chunks and dependent document sources.
func (s *Store) Delete(ctx context.Context, tenantID, ownerID string, id uuid.UUID) error {
	query, args, err := s.sb.Delete("sources").
		Where(sq.Eq{"id": id, "tenant_id": tenantID, "owner_id": ownerID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.logger.Info("source deleted", "source_id", id, "tenant", tenantID)
	return nil
}

// AdvanceStatus moves a source from any of the expected statuses to the
// target status. The move is a single compare-and-set; a source in none
// of the expected statuses yields ErrInvalidTransition.
func (s *Store) AdvanceStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) error {
	prev, err := s.advance(ctx, s.db, id, from, to)
	if err != nil {
		return err
	}
	s.notify(StatusChange{SourceID: id, From: prev, To: to, At: time.Now().UTC()})
	return nil
}

// advance performs the compare-and-set on q and returns the previous
// status. The self-join makes the pre-update status available to
// RETURNING.
func (s *Store) advance(ctx context.Context, q querier, id uuid.UUID, from []Status, to Status) (Status, error) {
	for _, f := range from {
		if !CanTransition(f, to) {
			return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}

	expected := make([]string, len(from))
	for i, f := range from {
		expected[i] = string(f)
	}

	var prev string
	err := q.QueryRow(ctx, `
		UPDATE sources SET status = $1, updated_at = now()
		FROM sources old
		WHERE old.id = sources.id AND sources.id = $2 AND sources.status = ANY($3)
		RETURNING old.status`,
		string(to), id, expected).Scan(&prev)
	if err == nil {
		return Status(prev), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("advancing status: %w", err)
	}

	// Distinguish a missing source from one in the wrong status.
	var current string
	err = q.QueryRow(ctx, `SELECT status FROM sources WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("checking status: %w", err)
	}
	return "", fmt.Errorf("%w: source is %s, expected one of %v", ErrInvalidTransition, current, from)
}

// SaveExtraction persists the extraction result and moves the source to
// scraped, in one transaction. Runnable from pending or error.
func (s *Store) SaveExtraction(ctx context.Context, id uuid.UUID, title, content string, documentLinks []string, language string) error {
	links := dedupeLinks(documentLinks)
	return s.inTx(ctx, id, []Status{StatusPending, StatusError}, StatusScraped, func(tx pgx.Tx) error {
		q := s.sb.Update("sources").
			Set("raw_content", content).
			Set("document_links", links).
			Set("word_count", wordCount(content)).
			Set("language", language).
			Set("last_stage", string(StageExtract)).
			Set("last_error", "").
			Where(sq.Eq{"id": id})
		if strings.TrimSpace(title) != "" {
			q = q.Set("title", title)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("building update: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("saving extraction: %w", err)
		}
		return nil
	})
}

// ReplaceChunks atomically replaces the full chunk set of a source and
// moves it to processed. Indices are assigned densely from zero in input
// order. Runnable from scraped or error.
func (s *Store) ReplaceChunks(ctx context.Context, id uuid.UUID, contents []string) error {
	return s.inTx(ctx, id, []Status{StatusScraped, StatusError}, StatusProcessed, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE source_id = $1`, id); err != nil {
			return fmt.Errorf("clearing chunks: %w", err)
		}
		if len(contents) > 0 {
			ins := s.sb.Insert("chunks").
				Columns("id", "source_id", "chunk_index", "content", "word_count")
			for i, content := range contents {
				ins = ins.Values(uuid.New(), id, i, content, wordCount(content))
			}
			query, args, err := ins.ToSql()
			if err != nil {
				return fmt.Errorf("building chunk insert: %w", err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("inserting chunks: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sources SET last_stage = $1, last_error = '' WHERE id = $2`,
			string(StageChunk), id); err != nil {
			return fmt.Errorf("updating source: %w", err)
		}
		return nil
	})
}

// SaveEmbeddings writes one vector per chunk (ordered by chunk index)
// plus the source summary vector, and moves the source to embedded. The
// write is all-or-nothing: a mismatched vector count rolls everything
// back. Runnable from processed or error.
func (s *Store) SaveEmbeddings(ctx context.Context, id uuid.UUID, vectors [][]float32, summary []float32) error {
	return s.inTx(ctx, id, []Status{StatusProcessed, StatusError}, StatusEmbedded, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id FROM chunks WHERE source_id = $1 ORDER BY chunk_index`, id)
		if err != nil {
			return fmt.Errorf("listing chunk ids: %w", err)
		}
		chunkIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("collecting chunk ids: %w", err)
		}
		if len(chunkIDs) != len(vectors) {
			return fmt.Errorf("%w: %d vectors for %d chunks", ErrChunkMismatch, len(vectors), len(chunkIDs))
		}

		for i, chunkID := range chunkIDs {
			if _, err := tx.Exec(ctx,
				`UPDATE chunks SET embedding = $1 WHERE id = $2`,
				pgvector.NewVector(vectors[i]), chunkID); err != nil {
				return fmt.Errorf("writing chunk embedding %d: %w", i, err)
			}
		}

		var summaryArg any
		if summary != nil {
			summaryArg = pgvector.NewVector(summary)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sources SET summary_embedding = $1, last_stage = $2, last_error = '' WHERE id = $3`,
			summaryArg, string(StageEmbed), id); err != nil {
			return fmt.Errorf("updating source: %w", err)
		}
		return nil
	})
}

// MarkReady moves an embedded source to ready.
func (s *Store) MarkReady(ctx context.Context, id uuid.UUID) error {
	return s.AdvanceStatus(ctx, id, []Status{StatusEmbedded}, StatusReady)
}

// MarkError moves a source to error, recording the failure reason and
// the last stage that completed so a retry can resume after it. A
// source already in error stays there with the new reason, so a failing
// retry never leaves a stale message behind.
func (s *Store) MarkError(ctx context.Context, id uuid.UUID, lastCompleted Stage, reason string) error {
	from := []Status{StatusPending, StatusScraped, StatusProcessed, StatusEmbedded, StatusReady, StatusError}
	return s.inTx(ctx, id, from, StatusError, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE sources SET last_error = $1, last_stage = $2 WHERE id = $3`,
			reason, string(lastCompleted), id); err != nil {
			return fmt.Errorf("recording error: %w", err)
		}
		return nil
	})
}

// ResetForReprocess returns a ready or errored source to pending. With
// force, the existing chunk set and embeddings are discarded so the next
// run starts from a clean slate.
func (s *Store) ResetForReprocess(ctx context.Context, id uuid.UUID, force bool) error {
	return s.inTx(ctx, id, []Status{StatusReady, StatusError}, StatusPending, func(tx pgx.Tx) error {
		if force {
			if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE source_id = $1`, id); err != nil {
				return fmt.Errorf("clearing chunks: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE sources SET summary_embedding = NULL WHERE id = $1`, id); err != nil {
				return fmt.Errorf("clearing summary embedding: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sources SET last_error = '', last_stage = '' WHERE id = $1`, id); err != nil {
			return fmt.Errorf("resetting source: %w", err)
		}
		return nil
	})
}

// ListChunks returns a source's chunks in index order.
func (s *Store) ListChunks(ctx context.Context, sourceID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, source_id, chunk_index, content, word_count, embedding, created_at
		FROM chunks WHERE source_id = $1 ORDER BY chunk_index`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// VectorSearch runs cosine similarity over the chunks of ready sources
// in the tenant/owner scope, returning hits with score >= minScore best
// first. Score is 1 - cosine distance.
func (s *Store) VectorSearch(ctx context.Context, tenantID, ownerID string, query []float32, limit int, minScore float64) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := pgvector.NewVector(query)
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.source_id, c.chunk_index, c.content, c.word_count, c.embedding, c.created_at,
		       s.title, COALESCE(s.origin_url, ''), s.tags, s.updated_at,
		       1 - (c.embedding <=> $1) AS score
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE s.tenant_id = $2 AND s.owner_id = $3
		  AND s.status = 'ready' AND c.embedding IS NOT NULL
		  AND 1 - (c.embedding <=> $1) >= $4
		ORDER BY c.embedding <=> $1
		LIMIT $5`,
		vec, tenantID, ownerID, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()
	return collectHits(rows, true)
}

// lexicalCandidateCap bounds how many chunks the lexical leg scans.
const lexicalCandidateCap = 2000

// LexicalCandidates returns chunks of processed and ready sources in the
// scope for in-process lexical scoring, most recently updated sources
// first. The Score field is left zero.
func (s *Store) LexicalCandidates(ctx context.Context, tenantID, ownerID string, limit int) ([]Hit, error) {
	if limit <= 0 || limit > lexicalCandidateCap {
		limit = lexicalCandidateCap
	}
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.source_id, c.chunk_index, c.content, c.word_count, c.embedding, c.created_at,
		       s.title, COALESCE(s.origin_url, ''), s.tags, s.updated_at
		FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE s.tenant_id = $1 AND s.owner_id = $2
		  AND s.status IN ('processed', 'ready')
		ORDER BY s.updated_at DESC, c.chunk_index
		LIMIT $3`,
		tenantID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical candidates: %w", err)
	}
	defer rows.Close()
	return collectHits(rows, false)
}

// Stats summarizes the corpus in a tenant/owner scope.
func (s *Store) Stats(ctx context.Context, tenantID, ownerID string) (*Stats, error) {
	st := &Stats{
		ByKind:   make(map[Kind]int),
		ByStatus: make(map[Status]int),
	}

	rows, err := s.db.Query(ctx, `
		SELECT kind, status, count(*)
		FROM sources WHERE tenant_id = $1 AND owner_id = $2
		GROUP BY kind, status`, tenantID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("counting sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("scanning counts: %w", err)
		}
		st.TotalSources += n
		st.ByKind[Kind(kind)] += n
		st.ByStatus[Status(status)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(ctx, `
		SELECT count(*), count(DISTINCT c.source_id) FILTER (WHERE c.embedding IS NOT NULL)
		FROM chunks c JOIN sources s ON s.id = c.source_id
		WHERE s.tenant_id = $1 AND s.owner_id = $2`,
		tenantID, ownerID).Scan(&st.TotalChunks, &st.WithEmbedding)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	return st, nil
}

// inTx runs the status CAS plus fn in one transaction and notifies
// subscribers after commit.
func (s *Store) inTx(ctx context.Context, id uuid.UUID, from []Status, to Status, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	prev, err := s.advance(ctx, tx, id, from, to)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.notify(StatusChange{SourceID: id, From: prev, To: to, At: time.Now().UTC()})
	return nil
}

// Subscribe registers for status changes of one source. The returned
// cancel func must be called to release the channel. Slow receivers drop
// notifications rather than block store writes.
func (s *Store) Subscribe(sourceID uuid.UUID) (<-chan StatusChange, func()) {
	ch := make(chan StatusChange, 8)
	s.mu.Lock()
	if s.subs[sourceID] == nil {
		s.subs[sourceID] = make(map[chan StatusChange]struct{})
	}
	s.subs[sourceID][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if set, ok := s.subs[sourceID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(s.subs, sourceID)
				}
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(change StatusChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[change.SourceID] {
		select {
		case ch <- change:
		default:
			s.logger.Warn("dropping status notification, subscriber too slow",
				"source_id", change.SourceID, "to", change.To)
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var (
		src       Source
		kind      string
		status    string
		lastStage string
		originURL *string
	)
	err := row.Scan(&src.ID, &src.TenantID, &src.OwnerID, &kind, &status,
		&src.Title, &originURL, &src.RawContent, &src.DocumentLinks,
		&src.ExtractLinks, &src.ParentID, &src.Metadata.WordCount,
		&src.Metadata.Language, &src.Metadata.Tags, &src.Metadata.LastError,
		&lastStage, &src.CreatedAt, &src.UpdatedAt, &src.ChunkCount)
	if err != nil {
		return nil, err
	}
	src.Kind = Kind(kind)
	src.Status = Status(status)
	src.LastStage = Stage(lastStage)
	if originURL != nil {
		src.OriginURL = *originURL
	}
	return &src, nil
}

func scanChunk(row rowScanner) (Chunk, error) {
	var (
		c   Chunk
		vec *pgvector.Vector
	)
	err := row.Scan(&c.ID, &c.SourceID, &c.Index, &c.Content, &c.WordCount,
		&vec, &c.CreatedAt)
	if err != nil {
		return Chunk{}, err
	}
	if vec != nil {
		c.Embedding = vec.Slice()
	}
	return c, nil
}

func collectHits(rows pgx.Rows, withScore bool) ([]Hit, error) {
	var out []Hit
	for rows.Next() {
		var (
			h   Hit
			vec *pgvector.Vector
		)
		dest := []any{&h.Chunk.ID, &h.Chunk.SourceID, &h.Chunk.Index,
			&h.Chunk.Content, &h.Chunk.WordCount, &vec, &h.Chunk.CreatedAt,
			&h.SourceTitle, &h.SourceURL, &h.SourceTags, &h.SourceUpdatedAt}
		if withScore {
			dest = append(dest, &h.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		if vec != nil {
			h.Chunk.Embedding = vec.Slice()
		}
		h.SourceID = h.Chunk.SourceID
		out = append(out, h)
	}
	return out, rows.Err()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

// dedupeLinks keeps first occurrences, preserving discovery order.
func dedupeLinks(links []string) []string {
	if len(links) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
