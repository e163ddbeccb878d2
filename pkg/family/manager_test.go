// ABOUTME: Tests for family assignment and version chains
// ABOUTME: Verifies latest pointer rules and centroid updates

package family

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/pkg/store"
)

func setupTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "family_test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logger.NewLogger(logger.Config{Level: "error"})
	return NewManager(s, 0.62, log), s
}

func ingestDoc(t *testing.T, s *store.Store, title, text string, effective *time.Time) *store.Document {
	t.Helper()
	doc := &store.Document{
		ID:            uuid.NewString(),
		Title:         title,
		Category:      "policy",
		MinistryID:    "moe",
		InstitutionID: "inst-1",
		UploaderID:    "user-1",
		VersionNumber: 1,
		IsLatest:      true,
		ContentHash:   uuid.NewString(),
		Visibility:    store.VisibilityPublic,
		Approval:      store.ApprovalApproved,
		EffectiveDate: effective,
		Text:          text,
		IngestedAt:    time.Now().UTC(),
	}
	if err := s.InsertDocument(doc); err != nil {
		t.Fatalf("InsertDocument failed: %v", err)
	}
	return doc
}

func date(year, month, day int) *time.Time {
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &d
}

func TestAssignFamilyCreatesSingleton(t *testing.T) {
	m, s := setupTestManager(t)

	doc := ingestDoc(t, s, "Hostel Rules", "Residents must register guests at the gate.", nil)
	famID, created, err := m.AssignFamily(doc)
	if err != nil {
		t.Fatalf("AssignFamily failed: %v", err)
	}
	if !created {
		t.Error("Expected a new family for the first document")
	}
	if doc.FamilyID != famID || !doc.IsLatest || doc.VersionNumber != 1 {
		t.Errorf("Expected singleton to be version 1 latest, got v%d latest=%v", doc.VersionNumber, doc.IsLatest)
	}

	fam, err := s.GetFamily(famID)
	if err != nil {
		t.Fatalf("GetFamily failed: %v", err)
	}
	if fam.CanonicalTitle != "Hostel Rules" || fam.MemberCount != 1 {
		t.Errorf("Expected canonical title and member count 1, got %q/%d", fam.CanonicalTitle, fam.MemberCount)
	}
}

func TestAssignFamilyJoinsSimilarDocument(t *testing.T) {
	m, s := setupTestManager(t)

	text := "Examination regulations define passing marks and grading scales for undergraduate programmes."
	v1 := ingestDoc(t, s, "Examination Regulations", text, date(2019, 1, 1))
	famID, _, err := m.AssignFamily(v1)
	if err != nil {
		t.Fatalf("AssignFamily v1 failed: %v", err)
	}

	v2 := ingestDoc(t, s, "Examination Regulations (Amended)",
		text+" The amendment raises the passing mark to forty percent.", date(2022, 1, 1))
	famID2, created, err := m.AssignFamily(v2)
	if err != nil {
		t.Fatalf("AssignFamily v2 failed: %v", err)
	}
	if created || famID2 != famID {
		t.Fatalf("Expected v2 to join family %s, got created=%v family=%s", famID, created, famID2)
	}

	members, err := s.FamilyMembers(famID)
	if err != nil {
		t.Fatalf("FamilyMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}

	// Version chain is ordered by effective date with bidirectional links.
	if members[0].ID != v1.ID || members[0].IsLatest {
		t.Error("Expected v1 first and not latest")
	}
	if members[1].ID != v2.ID || !members[1].IsLatest {
		t.Error("Expected v2 last and latest")
	}
	if members[0].SupersededByID != v2.ID || members[1].SupersedesID != v1.ID {
		t.Error("Expected supersede links to connect the chain")
	}
}

func TestAssignFamilyDissimilarStaysApart(t *testing.T) {
	m, s := setupTestManager(t)

	a := ingestDoc(t, s, "Hostel Rules", "Residents must register guests at the gate.", nil)
	famA, _, err := m.AssignFamily(a)
	if err != nil {
		t.Fatalf("AssignFamily a failed: %v", err)
	}

	b := ingestDoc(t, s, "Research Grant Policy", "Grants fund laboratory equipment purchases.", nil)
	famB, created, err := m.AssignFamily(b)
	if err != nil {
		t.Fatalf("AssignFamily b failed: %v", err)
	}
	if !created || famB == famA {
		t.Error("Expected dissimilar document to get its own family")
	}
}

func TestUnknownDateNeverStealsLatest(t *testing.T) {
	m, s := setupTestManager(t)

	text := "Scholarship guidelines list eligibility requirements and award amounts."
	dated := ingestDoc(t, s, "Scholarship Guidelines", text, date(2022, 6, 1))
	famID, _, err := m.AssignFamily(dated)
	if err != nil {
		t.Fatalf("AssignFamily dated failed: %v", err)
	}

	// Ingested later but with no effective date: joins the chain without
	// taking the latest pointer.
	undated := ingestDoc(t, s, "Scholarship Guidelines (Draft)",
		text+" Draft copy pending review.", nil)
	undated.IngestedAt = time.Now().UTC().Add(time.Hour)
	if _, _, err := m.AssignFamily(undated); err != nil {
		t.Fatalf("AssignFamily undated failed: %v", err)
	}

	members, err := s.FamilyMembers(famID)
	if err != nil {
		t.Fatalf("FamilyMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}

	latestCount := 0
	for _, mem := range members {
		if mem.IsLatest {
			latestCount++
			if mem.ID != dated.ID {
				t.Errorf("Expected dated document to stay latest, got %s", mem.ID)
			}
		}
	}
	if latestCount != 1 {
		t.Errorf("Expected exactly one latest member, got %d", latestCount)
	}
}

func TestEarlierDateSlotsIntoChain(t *testing.T) {
	m, s := setupTestManager(t)

	text := "Admission policy sets entry requirements for all programmes."
	newer := ingestDoc(t, s, "Admission Policy", text, date(2023, 1, 1))
	famID, _, err := m.AssignFamily(newer)
	if err != nil {
		t.Fatalf("AssignFamily newer failed: %v", err)
	}

	// An older version arriving late becomes version 1, not latest.
	older := ingestDoc(t, s, "Admission Policy",
		text+" Original edition.", date(2018, 1, 1))
	if _, _, err := m.AssignFamily(older); err != nil {
		t.Fatalf("AssignFamily older failed: %v", err)
	}

	members, err := s.FamilyMembers(famID)
	if err != nil {
		t.Fatalf("FamilyMembers failed: %v", err)
	}
	if members[0].ID != older.ID || members[0].VersionNumber != 1 || members[0].IsLatest {
		t.Errorf("Expected older document as version 1 non-latest")
	}
	if members[1].ID != newer.ID || !members[1].IsLatest {
		t.Errorf("Expected newer document to keep latest")
	}
}

func TestThreadChainContiguous(t *testing.T) {
	docs := []*store.Document{
		{ID: "a"}, {ID: "b"}, {ID: "c"},
	}
	updates := threadChain("fam", docs)

	for i, u := range updates {
		if u.VersionNumber != i+1 {
			t.Errorf("Expected version %d, got %d", i+1, u.VersionNumber)
		}
	}
	if updates[0].SupersedesID != "" || updates[0].SupersededByID != "b" {
		t.Error("Expected head links ''/b")
	}
	if updates[1].SupersedesID != "a" || updates[1].SupersededByID != "c" {
		t.Error("Expected middle links a/c")
	}
	if updates[2].SupersedesID != "b" || updates[2].SupersededByID != "" {
		t.Error("Expected tail links b/''")
	}
	if !updates[2].IsLatest || updates[0].IsLatest || updates[1].IsLatest {
		t.Error("Expected only the tail to be latest")
	}
}

func TestAddEmbeddingRunningMean(t *testing.T) {
	m, s := setupTestManager(t)

	doc := ingestDoc(t, s, "Fee Structure", "Fees are payable in installments.", nil)
	famID, _, err := m.AssignFamily(doc)
	if err != nil {
		t.Fatalf("AssignFamily failed: %v", err)
	}

	if err := m.AddEmbedding(famID, []float32{2, 4}); err != nil {
		t.Fatalf("First AddEmbedding failed: %v", err)
	}
	if err := m.AddEmbedding(famID, []float32{4, 8}); err != nil {
		t.Fatalf("Second AddEmbedding failed: %v", err)
	}

	fam, err := s.GetFamily(famID)
	if err != nil {
		t.Fatalf("GetFamily failed: %v", err)
	}
	if fam.EmbeddedCount != 2 {
		t.Errorf("Expected embedded count 2, got %d", fam.EmbeddedCount)
	}
	if fam.Centroid[0] != 3 || fam.Centroid[1] != 6 {
		t.Errorf("Expected running mean [3 6], got %v", fam.Centroid)
	}
}

func TestAddEmbeddingDimensionMismatch(t *testing.T) {
	m, s := setupTestManager(t)

	doc := ingestDoc(t, s, "Library Policy", "Borrowing limits apply.", nil)
	famID, _, err := m.AssignFamily(doc)
	if err != nil {
		t.Fatalf("AssignFamily failed: %v", err)
	}

	if err := m.AddEmbedding(famID, []float32{1, 2, 3}); err != nil {
		t.Fatalf("AddEmbedding failed: %v", err)
	}
	if err := m.AddEmbedding(famID, []float32{1, 2}); err == nil {
		t.Error("Expected dimension mismatch error")
	}
}

func TestAddEmbeddingNoopOnEmptyInput(t *testing.T) {
	m, _ := setupTestManager(t)

	if err := m.AddEmbedding("", []float32{1}); err != nil {
		t.Errorf("Expected nil for empty family ID, got %v", err)
	}
	if err := m.AddEmbedding("fam", nil); err != nil {
		t.Errorf("Expected nil for empty vector, got %v", err)
	}
}

func TestConcurrentAddEmbedding(t *testing.T) {
	m, s := setupTestManager(t)

	doc := ingestDoc(t, s, "Transport Policy", "Bus passes are issued each term.", nil)
	famID, _, err := m.AssignFamily(doc)
	if err != nil {
		t.Fatalf("AssignFamily failed: %v", err)
	}

	const workers = 4
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			errs <- m.AddEmbedding(famID, []float32{float32(i), float32(i)})
		}(i)
	}
	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Concurrent AddEmbedding failed: %v", err)
		}
	}

	fam, err := s.GetFamily(famID)
	if err != nil {
		t.Fatalf("GetFamily failed: %v", err)
	}
	if fam.EmbeddedCount != workers {
		t.Errorf("Expected embedded count %d, got %d", workers, fam.EmbeddedCount)
	}
}

func TestGetFamilyForDocument(t *testing.T) {
	m, s := setupTestManager(t)

	doc := ingestDoc(t, s, "Sports Policy", "Teams are selected by trial.", nil)
	famID, _, err := m.AssignFamily(doc)
	if err != nil {
		t.Fatalf("AssignFamily failed: %v", err)
	}

	fam, err := m.GetFamily(doc.ID)
	if err != nil {
		t.Fatalf("GetFamily failed: %v", err)
	}
	if fam.ID != famID {
		t.Errorf("Expected family %s, got %s", famID, fam.ID)
	}

	if _, err := m.GetFamily("missing"); err == nil {
		t.Error("Expected error for unknown document")
	}
}

func TestManyVersionsStayOrdered(t *testing.T) {
	m, s := setupTestManager(t)

	text := "University statutes define governance structures and officer duties."
	var famID string
	for year := 2018; year <= 2022; year++ {
		doc := ingestDoc(t, s, "University Statutes",
			fmt.Sprintf("%s Edition %d.", text, year), date(year, 1, 1))
		id, _, err := m.AssignFamily(doc)
		if err != nil {
			t.Fatalf("AssignFamily %d failed: %v", year, err)
		}
		if famID == "" {
			famID = id
		} else if id != famID {
			t.Fatalf("Expected all editions in one family")
		}
	}

	members, err := s.FamilyMembers(famID)
	if err != nil {
		t.Fatalf("FamilyMembers failed: %v", err)
	}
	if len(members) != 5 {
		t.Fatalf("Expected 5 members, got %d", len(members))
	}
	for i, mem := range members {
		if mem.VersionNumber != i+1 {
			t.Errorf("Expected contiguous versions, member %d has v%d", i, mem.VersionNumber)
		}
		wantLatest := i == len(members)-1
		if mem.IsLatest != wantLatest {
			t.Errorf("Member %d latest=%v, want %v", i, mem.IsLatest, wantLatest)
		}
	}
}

func TestConcurrentJoinsKeepSingleLatest(t *testing.T) {
	text := "Admission policy sets entry requirements for undergraduate programmes."

	for iter := 0; iter < 10; iter++ {
		m, s := setupTestManager(t)

		seed := ingestDoc(t, s, "Admission Policy", text+" Edition 2015.", date(2015, 1, 1))
		famID, _, err := m.AssignFamily(seed)
		if err != nil {
			t.Fatalf("AssignFamily seed failed: %v", err)
		}

		d2020 := ingestDoc(t, s, "Admission Policy", text+" Edition 2020.", date(2020, 1, 1))
		d2021 := ingestDoc(t, s, "Admission Policy", text+" Edition 2021.", date(2021, 1, 1))

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, doc := range []*store.Document{d2020, d2021} {
			wg.Add(1)
			go func(doc *store.Document) {
				defer wg.Done()
				if _, _, err := m.AssignFamily(doc); err != nil {
					errs <- err
				}
			}(doc)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("Concurrent AssignFamily failed: %v", err)
		}

		members, err := s.FamilyMembers(famID)
		if err != nil {
			t.Fatalf("FamilyMembers failed: %v", err)
		}
		if len(members) != 3 {
			t.Fatalf("Expected 3 members, got %d", len(members))
		}

		latest := 0
		seenVersions := make(map[int]bool)
		for _, mem := range members {
			if mem.IsLatest {
				latest++
			}
			if seenVersions[mem.VersionNumber] {
				t.Errorf("Duplicate version number %d", mem.VersionNumber)
			}
			seenVersions[mem.VersionNumber] = true
		}
		if latest != 1 {
			for _, mem := range members {
				t.Logf("member v%d latest=%v eff=%v", mem.VersionNumber, mem.IsLatest, mem.EffectiveDate)
			}
			t.Fatalf("Expected exactly one latest member, got %d", latest)
		}
		for v := 1; v <= len(members); v++ {
			if !seenVersions[v] {
				t.Errorf("Missing version number %d", v)
			}
		}
		if !members[len(members)-1].IsLatest {
			t.Error("Expected the chain tail to hold the latest pointer")
		}
		for i, mem := range members {
			if i > 0 && mem.SupersedesID != members[i-1].ID {
				t.Errorf("Member v%d supersedes %s, want %s", mem.VersionNumber, mem.SupersedesID, members[i-1].ID)
			}
			if i < len(members)-1 && mem.SupersededByID != members[i+1].ID {
				t.Errorf("Member v%d superseded by %s, want %s", mem.VersionNumber, mem.SupersededByID, members[i+1].ID)
			}
		}
	}
}
