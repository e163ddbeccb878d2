// ABOUTME: Data model for the policy document retrieval core
// ABOUTME: Defines Document, DocumentFamily, Chunk and EmbeddingState

package store

import "time"

// Visibility is the access level of a document. Levels are ordered:
// public < institution_only < restricted < confidential.
type Visibility string

const (
	VisibilityPublic       Visibility = "public"
	VisibilityInstitution  Visibility = "institution_only"
	VisibilityRestricted   Visibility = "restricted"
	VisibilityConfidential Visibility = "confidential"
)

// Rank returns the position of the visibility level in the ordering.
// Unknown levels rank above confidential so they are never leaked.
func (v Visibility) Rank() int {
	switch v {
	case VisibilityPublic:
		return 0
	case VisibilityInstitution:
		return 1
	case VisibilityRestricted:
		return 2
	case VisibilityConfidential:
		return 3
	}
	return 4
}

// ApprovalStatus is the review state of a document.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// EmbeddingStatus tracks per-document embedding progress.
type EmbeddingStatus string

const (
	StatusNotEmbedded EmbeddingStatus = "not_embedded"
	StatusInProgress  EmbeddingStatus = "embedding_in_progress"
	StatusEmbedded    EmbeddingStatus = "embedded"
	StatusFailed      EmbeddingStatus = "failed"
)

// Document represents one ingested policy document
type Document struct {
	ID             string     // Unique document identifier
	FamilyID       string     // Version family ("" until assigned)
	Title          string     // Title from metadata extraction
	Category       string     // Category from metadata extraction
	MinistryID     string     // Owning ministry
	InstitutionID  string     // Owning institution
	UploaderID     string     // Principal that uploaded the document
	VersionNumber  int        // Position in the family version chain (1-based)
	IsLatest       bool       // Exactly one per non-empty family
	ContentHash    string     // Fingerprint of normalized text
	SupersedesID   string     // Previous version in the chain ("" for oldest)
	SupersededByID string     // Next version in the chain ("" for latest)
	Visibility     Visibility
	Approval       ApprovalStatus
	EffectiveDate  *time.Time // From metadata, nil when unknown
	Text           string     // Extracted text from the ingestion pipeline
	IngestedAt     time.Time
}

// EffectiveYear returns the effective year or 0 when unknown.
func (d *Document) EffectiveYear() int {
	if d.EffectiveDate == nil {
		return 0
	}
	return d.EffectiveDate.Year()
}

// OrderingDate returns the date used for version ordering: the effective
// date when known, otherwise the ingestion timestamp as a deterministic
// tiebreak.
func (d *Document) OrderingDate() time.Time {
	if d.EffectiveDate != nil {
		return *d.EffectiveDate
	}
	return d.IngestedAt
}

// DocumentFamily groups successive versions of one policy instrument
type DocumentFamily struct {
	ID             string
	CanonicalTitle string
	SeedTokens     string    // Provisional content representation for similarity joins
	Centroid       []float32 // nil until at least one member is embedded
	EmbeddedCount  int       // Members contributing to the centroid
	MemberCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Chunk is one contiguous piece of a document's text with its vector
type Chunk struct {
	ID         int64
	DocumentID string
	ChunkIndex int // 0-based, contiguous, no gaps
	Text       string
	Embedding  []float32 // nil for keyword-only fallback chunks
}

// EmbeddingState records per-document embedding progress
type EmbeddingState struct {
	DocumentID    string
	Status        EmbeddingStatus
	RetryCount    int
	LastAttemptAt *time.Time
	LastError     string
}

// CandidateFilter narrows the candidate document set from structured
// query filters before any ranking happens.
type CandidateFilter struct {
	MinistryID     string
	Category       string
	Years          []int // Effective years; empty means any
	LatestOnly     bool
	AmendmentsOnly bool // Versions that supersede a prior version
}
