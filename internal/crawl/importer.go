package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wearecity/citykb/internal/source"
)

// Ingestor is how imported documents enter the pipeline.
type Ingestor interface {
	AddSource(ctx context.Context, tenantID, ownerID string, spec source.Spec) (*source.Source, error)
}

// Importer turns completed crawl documents into knowledge sources. Each
// document becomes a text source carrying the crawler's extracted
// content, so the pipeline skips fetching and goes straight to chunking.
type Importer struct {
	deposits Deposits
	ingestor Ingestor
	logger   *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(deposits Deposits, ingestor Ingestor, logger *slog.Logger) *Importer {
	return &Importer{
		deposits: deposits,
		ingestor: ingestor,
		logger:   logger.With("component", "crawl_importer"),
	}
}

// ImportCompleted imports all not-yet-imported documents of completed
// crawl jobs in a tenant. It returns how many documents were imported.
// Per-document failures are logged and skipped; they do not stop the
// run.
func (im *Importer) ImportCompleted(ctx context.Context, tenantID string) (int, error) {
	jobs, err := im.deposits.CompletedJobs(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("listing completed jobs: %w", err)
	}

	imported := 0
	for _, job := range jobs {
		docs, err := im.deposits.PendingDocuments(ctx, job.ID)
		if err != nil {
			return imported, fmt.Errorf("listing documents for job %s: %w", job.ID, err)
		}
		for _, doc := range docs {
			if strings.TrimSpace(doc.Content) == "" {
				im.logger.Warn("skipping empty crawl document", "url", doc.URL)
				continue
			}
			title := doc.Title
			if title == "" {
				title = doc.URL
			}
			_, err := im.ingestor.AddSource(ctx, tenantID, job.OwnerID, source.TextSpec{
				Title:   title,
				Content: doc.Content,
			})
			if err != nil && !errors.Is(err, source.ErrConflict) {
				im.logger.Warn("importing crawl document failed",
					"url", doc.URL, "error", err)
				continue
			}
			if err := im.deposits.MarkImported(ctx, doc.ID); err != nil {
				im.logger.Warn("marking document imported failed",
					"document_id", doc.ID, "error", err)
				continue
			}
			imported++
		}
	}
	im.logger.Info("crawl import finished", "tenant", tenantID, "imported", imported)
	return imported, nil
}
