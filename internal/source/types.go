// Package source defines the knowledge source data model and its
// PostgreSQL store.
//
// A Source is one unit of ingested knowledge (a web page, a pasted text,
// or a linked document) owned by a user within a tenant. Sources move
// through a fixed status progression as the pipeline works on them:
//
//	pending → scraped → processed → embedded → ready
//
// with error reachable from any state. Chunks are the embedding-indexed
// fragments of a source's content.
package source

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies how a source's content is obtained.
type Kind string

const (
	KindURL      Kind = "url"      // fetched and extracted from a web page
	KindText     Kind = "text"     // caller-supplied content
	KindDocument Kind = "document" // linked document discovered on a parent page
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindURL, KindText, KindDocument:
		return true
	}
	return false
}

// Status is a source's position in the ingestion progression.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScraped   Status = "scraped"
	StatusProcessed Status = "processed"
	StatusEmbedded  Status = "embedded"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusScraped, StatusProcessed, StatusEmbedded, StatusReady, StatusError:
		return true
	}
	return false
}

// transitions holds the legal forward edges of the status machine.
// StatusError is reachable from anywhere and resumable to any stage
// output, so it is handled separately in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:   {StatusScraped},
	StatusScraped:   {StatusProcessed},
	StatusProcessed: {StatusEmbedded},
	StatusEmbedded:  {StatusReady},
	StatusReady:     {StatusPending}, // reprocess
}

// CanTransition reports whether moving from one status to another is
// legal. Any status may move to error, including error itself so a
// failing retry re-records the reason; an errored source may resume at
// any stage output or restart at pending.
func CanTransition(from, to Status) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if to == StatusError {
		return true
	}
	if from == StatusError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage names a pipeline stage. A source in error state records the last
// stage that completed so retry can resume after it.
type Stage string

const (
	StageNone    Stage = ""
	StageExtract Stage = "extract"
	StageChunk   Stage = "chunk"
	StageEmbed   Stage = "embed"
)

// Metadata carries derived per-source attributes.
type Metadata struct {
	WordCount int
	Language  string
	Tags      []string
	LastError string
}

// Source is one ingested knowledge source.
type Source struct {
	ID        uuid.UUID
	TenantID  string
	OwnerID   string
	Kind      Kind
	Status    Status
	Title     string
	OriginURL string

	// RawContent is the extracted (or supplied) text before chunking.
	RawContent string

	// DocumentLinks are document URLs discovered during extraction,
	// absolute and deduplicated in discovery order.
	DocumentLinks []string

	// ExtractLinks enables document-link discovery for url sources.
	ExtractLinks bool

	// ParentID links a document source to the url source it was
	// discovered on.
	ParentID *uuid.UUID

	Metadata  Metadata
	LastStage Stage
	CreatedAt time.Time
	UpdatedAt time.Time

	// ChunkCount is populated by List and Get for display; it is not a
	// stored column.
	ChunkCount int
}

// Chunk is one embedding-indexed fragment of a source's content.
// Indices within a source are dense, 0..N-1.
type Chunk struct {
	ID        uuid.UUID
	SourceID  uuid.UUID
	Index     int
	Content   string
	WordCount int

	// Embedding is nil until the embed stage persists vectors.
	Embedding []float32

	CreatedAt time.Time
}

// StatusChange is delivered to subscribers when a source's status moves.
type StatusChange struct {
	SourceID uuid.UUID
	From     Status
	To       Status
	At       time.Time
}

// Hit is a chunk returned by a store search, carrying enough source
// context for ranking and citation.
type Hit struct {
	Chunk           Chunk
	SourceID        uuid.UUID
	SourceTitle     string
	SourceURL       string
	SourceTags      []string
	SourceUpdatedAt time.Time

	// Score is 1 - cosine distance for vector hits; zero for lexical
	// candidates, which are scored by the caller.
	Score float64
}

// ListFilter narrows a List call. Zero values mean no constraint.
type ListFilter struct {
	Status Status
	Kind   Kind
	Limit  int
	Offset int
}

// Stats summarizes a tenant/owner corpus.
type Stats struct {
	TotalSources  int
	ByKind        map[Kind]int
	ByStatus      map[Status]int
	WithEmbedding int
	TotalChunks   int
}
