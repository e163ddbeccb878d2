// ABOUTME: Document family management with version chains and centroid maintenance
// ABOUTME: Groups near-duplicate documents, keeps the latest pointer and supersede links consistent

package family

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/pkg/store"
)

const (
	// titleWeight and contentWeight combine the provisional similarity
	// signals for family assignment.
	titleWeight   = 0.5
	contentWeight = 0.5

	// seedTokenLimit bounds the provisional content representation.
	seedTokenLimit = 400

	// centroidCASRetries bounds the compare-and-set retry loop for
	// concurrent centroid updates.
	centroidCASRetries = 5

	// chainCASRetries bounds the retry loop for concurrent version-chain
	// re-threads of the same family.
	chainCASRetries = 5
)

// Manager groups documents into version families and maintains each
// family's version chain, latest pointer and centroid vector.
type Manager struct {
	store         *store.Store
	joinThreshold float64
	log           *logger.Logger
}

// NewManager creates a family manager. joinThreshold is the minimum
// weighted similarity for a document to join an existing family.
func NewManager(s *store.Store, joinThreshold float64, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Manager{
		store:         s,
		joinThreshold: joinThreshold,
		log:           log.Component("family"),
	}
}

// AssignFamily places a freshly ingested document into the best-matching
// family, or creates a new singleton family when nothing scores above the
// join threshold. Returns the family ID and whether a new family was
// created. The document row must already be persisted.
func (m *Manager) AssignFamily(doc *store.Document) (string, bool, error) {
	families, err := m.store.ListFamilies()
	if err != nil {
		return "", false, fmt.Errorf("list families: %w", err)
	}

	titleTokens := tokenSet(doc.Title)
	contentTokens := tokenSet(leadingTokens(doc.Text, seedTokenLimit))

	var best *store.DocumentFamily
	bestScore := 0.0
	for _, f := range families {
		score := titleWeight*ochiai(titleTokens, tokenSet(f.CanonicalTitle)) +
			contentWeight*ochiai(contentTokens, tokenSet(f.SeedTokens))
		if score > bestScore {
			bestScore = score
			best = f
		}
	}

	if best != nil && bestScore >= m.joinThreshold {
		if err := m.joinFamily(best, doc); err != nil {
			return "", false, err
		}
		m.log.Debug("document joined family").
			Str("document_id", doc.ID).
			Str("family_id", best.ID).
			Float64("score", bestScore).
			Msg("family assignment")
		return best.ID, false, nil
	}

	familyID, err := m.createSingleton(doc)
	if err != nil {
		return "", false, err
	}
	return familyID, true, nil
}

// createSingleton seeds a new family with the document's provisional
// representation. The lone member is the latest version by definition.
func (m *Manager) createSingleton(doc *store.Document) (string, error) {
	now := time.Now().UTC()
	fam := &store.DocumentFamily{
		ID:             uuid.NewString(),
		CanonicalTitle: doc.Title,
		SeedTokens:     leadingTokens(doc.Text, seedTokenLimit),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateFamily(fam); err != nil {
		return "", fmt.Errorf("create family: %w", err)
	}

	update := []store.VersionUpdate{{
		DocumentID:    doc.ID,
		VersionNumber: 1,
		IsLatest:      true,
	}}
	err := m.store.ApplyVersionUpdates(fam.ID, update, 0)
	if err == store.ErrConflict {
		// A concurrent ingest matched the fresh family and threaded its
		// chain first; slot this document in as a regular join.
		if err := m.joinFamily(fam, doc); err != nil {
			return "", err
		}
		return fam.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("assign singleton: %w", err)
	}
	doc.FamilyID = fam.ID
	doc.VersionNumber = 1
	doc.IsLatest = true
	return fam.ID, nil
}

// joinFamily inserts the document into the family's version chain and
// re-threads the supersede links in one atomic update. Concurrent joins
// of the same family are resolved by compare-and-set on the member
// count: the loser reloads the members and re-threads against the fresh
// chain, so the family always keeps exactly one latest member.
func (m *Manager) joinFamily(fam *store.DocumentFamily, doc *store.Document) error {
	for attempt := 0; attempt < chainCASRetries; attempt++ {
		members, err := m.store.FamilyMembers(fam.ID)
		if err != nil {
			return fmt.Errorf("load family members: %w", err)
		}

		var currentLatest *store.Document
		for _, mem := range members {
			if mem.IsLatest {
				currentLatest = mem
			}
		}

		// The latest pointer moves only when the incoming document carries a
		// known effective date strictly later than the current latest.
		// Earlier or unknown dates slot into the chain without touching it.
		becomesLatest := currentLatest == nil ||
			(doc.EffectiveDate != nil && doc.OrderingDate().After(currentLatest.OrderingDate()))

		chain := append(append([]*store.Document{}, members...), doc)
		sortChain(chain)

		if !becomesLatest && currentLatest != nil {
			chain = keepAtEnd(chain, currentLatest.ID)
		} else if becomesLatest {
			chain = keepAtEnd(chain, doc.ID)
		}

		updates := threadChain(fam.ID, chain)
		err = m.store.ApplyVersionUpdates(fam.ID, updates, len(members))
		if err == store.ErrConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("thread version chain: %w", err)
		}

		doc.FamilyID = fam.ID
		for _, u := range updates {
			if u.DocumentID == doc.ID {
				doc.VersionNumber = u.VersionNumber
				doc.IsLatest = u.IsLatest
				doc.SupersedesID = u.SupersedesID
				doc.SupersededByID = u.SupersededByID
			}
		}
		return nil
	}
	return fmt.Errorf("thread version chain for family %s: %w", fam.ID, store.ErrConflict)
}

// sortChain orders family members by effective date when known, else
// ingestion timestamp, with the document ID as a final deterministic
// tiebreak.
func sortChain(chain []*store.Document) {
	sort.SliceStable(chain, func(i, j int) bool {
		di, dj := chain[i].OrderingDate(), chain[j].OrderingDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if !chain[i].IngestedAt.Equal(chain[j].IngestedAt) {
			return chain[i].IngestedAt.Before(chain[j].IngestedAt)
		}
		return chain[i].ID < chain[j].ID
	})
}

// keepAtEnd moves the document with the given ID to the end of the chain
// so the latest pointer stays on the chain tail.
func keepAtEnd(chain []*store.Document, id string) []*store.Document {
	out := make([]*store.Document, 0, len(chain))
	var tail *store.Document
	for _, d := range chain {
		if d.ID == id {
			tail = d
			continue
		}
		out = append(out, d)
	}
	if tail != nil {
		out = append(out, tail)
	}
	return out
}

// threadChain produces the version updates for a fully ordered chain:
// contiguous version numbers, bidirectional supersede links and exactly
// one latest member at the tail.
func threadChain(familyID string, chain []*store.Document) []store.VersionUpdate {
	updates := make([]store.VersionUpdate, len(chain))
	for i, d := range chain {
		u := store.VersionUpdate{
			DocumentID:    d.ID,
			VersionNumber: i + 1,
			IsLatest:      i == len(chain)-1,
		}
		if i > 0 {
			u.SupersedesID = chain[i-1].ID
		}
		if i < len(chain)-1 {
			u.SupersededByID = chain[i+1].ID
		}
		updates[i] = u
	}
	return updates
}

// AddEmbedding folds a newly embedded member's document vector into the
// family centroid using an incremental running mean. Concurrent updates
// are resolved by compare-and-set on the embedded-member count.
func (m *Manager) AddEmbedding(familyID string, vec []float32) error {
	if familyID == "" || len(vec) == 0 {
		return nil
	}

	for attempt := 0; attempt < centroidCASRetries; attempt++ {
		fam, err := m.store.GetFamily(familyID)
		if err != nil {
			return err
		}

		n := fam.EmbeddedCount + 1
		centroid := make([]float32, len(vec))
		if fam.Centroid == nil {
			copy(centroid, vec)
		} else {
			if len(fam.Centroid) != len(vec) {
				return fmt.Errorf("centroid dimension mismatch: family %d, vector %d",
					len(fam.Centroid), len(vec))
			}
			for i := range centroid {
				centroid[i] = fam.Centroid[i] + (vec[i]-fam.Centroid[i])/float32(n)
			}
		}

		err = m.store.UpdateFamilyCentroid(familyID, centroid, n, fam.EmbeddedCount)
		if err == nil {
			return nil
		}
		if err != store.ErrConflict {
			return err
		}
	}
	return fmt.Errorf("centroid update for family %s: %w", familyID, store.ErrConflict)
}

// GetFamily returns the family of a document for version-history display.
func (m *Manager) GetFamily(documentID string) (*store.DocumentFamily, error) {
	doc, err := m.store.GetDocument(documentID)
	if err != nil {
		return nil, err
	}
	if doc.FamilyID == "" {
		return nil, fmt.Errorf("document %s has no family: %w", documentID, store.ErrNotFound)
	}
	return m.store.GetFamily(doc.FamilyID)
}
