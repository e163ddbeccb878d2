// ABOUTME: Ingestion entry point: dedup check, document creation, family assignment
// ABOUTME: Auxiliary enrichment failures degrade instead of blocking ingestion

package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/internal/metrics"
	"github.com/nainya/policycore/pkg/family"
	"github.com/nainya/policycore/pkg/fingerprint"
	"github.com/nainya/policycore/pkg/store"
)

// NewDocument is the record handed over by the ingestion pipeline:
// already-extracted text plus structured metadata.
type NewDocument struct {
	Title         string
	Category      string
	MinistryID    string
	InstitutionID string
	UploaderID    string
	Visibility    store.Visibility
	Approval      store.ApprovalStatus
	EffectiveDate *time.Time
	Text          string
}

// Service creates documents synchronously and assigns them to version
// families immediately, using provisional similarity signals only.
// Chunking and embedding stay lazy.
type Service struct {
	store    *store.Store
	families *family.Manager
	log      *logger.Logger
	met      *metrics.Metrics
}

// NewService creates an ingestion service. met may be nil.
func NewService(s *store.Store, fm *family.Manager, log *logger.Logger, met *metrics.Metrics) *Service {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{
		store:    s,
		families: fm,
		log:      log.Component("ingest"),
		met:      met,
	}
}

// Ingest persists a new document. A second document with identical
// normalized content in the same institution scope is rejected: the
// existing document is returned together with ErrDuplicateContent so
// callers can skip silently.
func (s *Service) Ingest(nd NewDocument) (*store.Document, error) {
	if nd.Text == "" {
		return nil, fmt.Errorf("document text is required")
	}
	if nd.Visibility == "" {
		nd.Visibility = store.VisibilityPublic
	}
	if nd.Approval == "" {
		nd.Approval = store.ApprovalPending
	}

	hash := fingerprint.Fingerprint(nd.Text)

	// Exact-match lookup first, then byte-compare to rule out a hash
	// collision before skipping creation.
	existing, err := s.store.FindByContentHash(nd.InstitutionID, hash)
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	}
	for _, e := range existing {
		if fingerprint.SameContent(e.Text, nd.Text) {
			if s.met != nil {
				s.met.DuplicatesSkippedTotal.Inc()
			}
			s.log.Debug("duplicate content skipped").
				Str("existing_id", e.ID).
				Str("institution_id", nd.InstitutionID).
				Msg("ingestion no-op")
			return e, fingerprint.ErrDuplicateContent
		}
	}

	doc := &store.Document{
		ID:            uuid.NewString(),
		Title:         nd.Title,
		Category:      nd.Category,
		MinistryID:    nd.MinistryID,
		InstitutionID: nd.InstitutionID,
		UploaderID:    nd.UploaderID,
		VersionNumber: 1,
		IsLatest:      true,
		ContentHash:   hash,
		Visibility:    nd.Visibility,
		Approval:      nd.Approval,
		EffectiveDate: nd.EffectiveDate,
		Text:          nd.Text,
		IngestedAt:    time.Now().UTC(),
	}

	if err := s.store.InsertDocument(doc); err != nil {
		return nil, fmt.Errorf("persist document: %w", err)
	}
	if s.met != nil {
		s.met.DocumentsIngestedTotal.Inc()
	}

	// Family assignment is enrichment: failure degrades to an ungrouped
	// document that a later retry picks up, never a failed ingestion.
	familyID, created, err := s.families.AssignFamily(doc)
	if err != nil {
		if s.met != nil {
			s.met.FamilyAssignFailsTotal.Inc()
		}
		s.log.Warn("family assignment failed, document left ungrouped").
			Str("document_id", doc.ID).
			Err(err).
			Send()
		return doc, nil
	}
	if s.met != nil {
		if created {
			s.met.FamiliesCreatedTotal.Inc()
		} else {
			s.met.FamilyJoinsTotal.Inc()
		}
	}
	doc.FamilyID = familyID

	return doc, nil
}

// RetryUnassigned re-attempts family assignment for documents that were
// left ungrouped by an earlier failure. Returns the number assigned.
func (s *Service) RetryUnassigned() (int, error) {
	docs, err := s.store.Candidates(store.CandidateFilter{})
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, d := range docs {
		if d.FamilyID != "" {
			continue
		}
		if _, _, err := s.families.AssignFamily(d); err != nil {
			s.log.Warn("family assignment retry failed").
				Str("document_id", d.ID).
				Err(err).
				Send()
			continue
		}
		assigned++
	}
	return assigned, nil
}
