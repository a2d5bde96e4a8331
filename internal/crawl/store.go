package crawl

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads crawl deposits from PostgreSQL. The only write it ever
// performs is the imported flag on documents, which belongs to this
// side of the contract.
type Store struct {
	db db
	sb sq.StatementBuilderType
}

// NewStore creates a Store on d.
func NewStore(d db) *Store {
	return &Store{db: d, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// CompletedJobs lists finished crawl jobs for a tenant, newest first.
func (s *Store) CompletedJobs(ctx context.Context, tenantID string) ([]Job, error) {
	query, args, err := s.sb.Select("id", "tenant_id", "owner_id", "root_url",
		"status", "pages_crawled", "pdfs_downloaded", "docs_indexed",
		"error_count", "created_at", "updated_at").
		From("crawl_jobs").
		Where(sq.Eq{"tenant_id": tenantID, "status": string(JobCompleted)}).
		OrderBy("updated_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing crawl jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j      Job
			status string
		)
		err := rows.Scan(&j.ID, &j.TenantID, &j.OwnerID, &j.RootURL, &status,
			&j.PagesCrawled, &j.PDFsDownloaded, &j.DocsIndexed,
			&j.ErrorCount, &j.CreatedAt, &j.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning crawl job: %w", err)
		}
		j.Status = JobStatus(status)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// PendingDocuments lists a job's documents not yet imported.
func (s *Store) PendingDocuments(ctx context.Context, jobID uuid.UUID) ([]Document, error) {
	query, args, err := s.sb.Select("id", "job_id", "url", "title", "content", "imported").
		From("crawl_documents").
		Where(sq.Eq{"job_id": jobID, "imported": false}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing crawl documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.JobID, &d.URL, &d.Title, &d.Content, &d.Imported); err != nil {
			return nil, fmt.Errorf("scanning crawl document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// MarkImported flags a document so it is not imported twice.
func (s *Store) MarkImported(ctx context.Context, documentID uuid.UUID) error {
	query, args, err := s.sb.Update("crawl_documents").
		Set("imported", true).
		Where(sq.Eq{"id": documentID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("marking document imported: %w", err)
	}
	return nil
}
