// Package crawl consumes deposits written by the external crawl
// subsystem. The crawler owns its job state machine and all writes to
// the crawl tables; this package only reads completed documents and
// hands them to ingestion as text sources.
package crawl

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the crawler's own status vocabulary.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// Job is one crawl run as deposited by the crawler.
type Job struct {
	ID             uuid.UUID
	TenantID       string
	OwnerID        string
	RootURL        string
	Status         JobStatus
	PagesCrawled   int
	PDFsDownloaded int
	DocsIndexed    int
	ErrorCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Document is one crawled page or file with its extracted text.
type Document struct {
	ID       uuid.UUID
	JobID    uuid.UUID
	URL      string
	Title    string
	Content  string
	Imported bool
}

// Deposits reads crawl output.
type Deposits interface {
	CompletedJobs(ctx context.Context, tenantID string) ([]Job, error)
	PendingDocuments(ctx context.Context, jobID uuid.UUID) ([]Document, error)
	MarkImported(ctx context.Context, documentID uuid.UUID) error
}
