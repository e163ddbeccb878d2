// ABOUTME: SQLite-backed persistence for documents, families, chunks and embedding state
// ABOUTME: All multi-row writes are single transactions; state transitions are compare-and-set

package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Common store errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set update lost the race.
	ErrConflict = errors.New("concurrent update conflict")
)

// Store provides persistent storage over a single SQLite database.
// It is safe for concurrent use; SQLite runs in WAL mode with a busy
// timeout so writers queue instead of failing.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id               TEXT PRIMARY KEY,
			family_id        TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL,
			category         TEXT NOT NULL DEFAULT '',
			ministry_id      TEXT NOT NULL DEFAULT '',
			institution_id   TEXT NOT NULL DEFAULT '',
			uploader_id      TEXT NOT NULL DEFAULT '',
			version_number   INTEGER NOT NULL DEFAULT 1,
			is_latest        INTEGER NOT NULL DEFAULT 0,
			content_hash     TEXT NOT NULL,
			supersedes_id    TEXT NOT NULL DEFAULT '',
			superseded_by_id TEXT NOT NULL DEFAULT '',
			visibility       TEXT NOT NULL,
			approval_status  TEXT NOT NULL,
			effective_date   TEXT,
			effective_year   INTEGER NOT NULL DEFAULT 0,
			doc_text         TEXT NOT NULL,
			ingested_at      TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_hash
			ON documents(institution_id, content_hash);
		CREATE INDEX IF NOT EXISTS idx_documents_family
			ON documents(family_id);
		CREATE INDEX IF NOT EXISTS idx_documents_ministry
			ON documents(ministry_id, category);

		CREATE TABLE IF NOT EXISTS document_families (
			id              TEXT PRIMARY KEY,
			canonical_title TEXT NOT NULL,
			seed_tokens     TEXT NOT NULL DEFAULT '',
			centroid        BLOB,
			embedded_count  INTEGER NOT NULL DEFAULT 0,
			member_count    INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_text  TEXT NOT NULL,
			embedding   BLOB,
			UNIQUE(document_id, chunk_index)
		);

		CREATE TABLE IF NOT EXISTS embedding_state (
			document_id     TEXT PRIMARY KEY,
			status          TEXT NOT NULL DEFAULT 'not_embedded',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			last_error      TEXT NOT NULL DEFAULT ''
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ========== Documents ==========

// InsertDocument stores a new document and its initial embedding state
// atomically.
func (s *Store) InsertDocument(doc *Document) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO documents (id, family_id, title, category, ministry_id, institution_id,
			uploader_id, version_number, is_latest, content_hash, supersedes_id, superseded_by_id,
			visibility, approval_status, effective_date, effective_year, doc_text, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.FamilyID, doc.Title, doc.Category, doc.MinistryID, doc.InstitutionID,
		doc.UploaderID, doc.VersionNumber, boolToInt(doc.IsLatest), doc.ContentHash,
		doc.SupersedesID, doc.SupersededByID, string(doc.Visibility), string(doc.Approval),
		nullableTime(doc.EffectiveDate), doc.EffectiveYear(), doc.Text, formatTime(doc.IngestedAt))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO embedding_state (document_id, status) VALUES (?, ?)`,
		doc.ID, string(StatusNotEmbedded))
	if err != nil {
		return fmt.Errorf("insert embedding state: %w", err)
	}

	return tx.Commit()
}

// GetDocument retrieves a document by ID
func (s *Store) GetDocument(id string) (*Document, error) {
	row := s.db.QueryRow(selectDocuments+` WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

// FindByContentHash returns documents with the given fingerprint inside
// one institution scope. Used for exact-duplicate detection.
func (s *Store) FindByContentHash(institutionID, hash string) ([]*Document, error) {
	rows, err := s.db.Query(selectDocuments+` WHERE institution_id = ? AND content_hash = ?`,
		institutionID, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// FamilyMembers returns all documents of a family ordered by version number.
func (s *Store) FamilyMembers(familyID string) ([]*Document, error) {
	rows, err := s.db.Query(selectDocuments+` WHERE family_id = ? ORDER BY version_number`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// Candidates returns documents matching the structured metadata filters.
// Access filtering happens afterwards as a pure predicate over the rows.
func (s *Store) Candidates(f CandidateFilter) ([]*Document, error) {
	var conds []string
	var args []interface{}

	if f.MinistryID != "" {
		conds = append(conds, "ministry_id = ?")
		args = append(args, f.MinistryID)
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if len(f.Years) > 0 {
		ph := make([]string, len(f.Years))
		for i, y := range f.Years {
			ph[i] = "?"
			args = append(args, y)
		}
		conds = append(conds, fmt.Sprintf("effective_year IN (%s)", strings.Join(ph, ",")))
	}
	if f.LatestOnly {
		conds = append(conds, "is_latest = 1")
	}
	if f.AmendmentsOnly {
		conds = append(conds, "supersedes_id != ''")
	}

	query := selectDocuments
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ingested_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// VersionUpdate rewrites the version-chain fields of one family member.
type VersionUpdate struct {
	DocumentID     string
	VersionNumber  int
	IsLatest       bool
	SupersedesID   string
	SupersededByID string
}

// ApplyVersionUpdates re-threads a family's version chain in one
// transaction with compare-and-set semantics on the family member count.
// Returns ErrConflict when a concurrent re-thread changed the membership
// first; callers reload the members and retry. Readers never see a
// half-threaded chain.
func (s *Store) ApplyVersionUpdates(familyID string, updates []VersionUpdate, expectedMembers int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The member-count guard serializes chain re-threads per family: the
	// loser's updates never reach the documents table.
	res, err := tx.Exec(`
		UPDATE document_families
		SET member_count = ?, updated_at = ?
		WHERE id = ? AND member_count = ?`,
		len(updates), formatTime(time.Now().UTC()), familyID, expectedMembers)
	if err != nil {
		return fmt.Errorf("update family member count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}

	for _, u := range updates {
		_, err := tx.Exec(`
			UPDATE documents
			SET family_id = ?, version_number = ?, is_latest = ?, supersedes_id = ?, superseded_by_id = ?
			WHERE id = ?`,
			familyID, u.VersionNumber, boolToInt(u.IsLatest), u.SupersedesID, u.SupersededByID, u.DocumentID)
		if err != nil {
			return fmt.Errorf("update version chain for %s: %w", u.DocumentID, err)
		}
	}

	return tx.Commit()
}

// ========== Families ==========

// CreateFamily stores a new document family
func (s *Store) CreateFamily(f *DocumentFamily) error {
	_, err := s.db.Exec(`
		INSERT INTO document_families (id, canonical_title, seed_tokens, centroid,
			embedded_count, member_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CanonicalTitle, f.SeedTokens, encodeVector(f.Centroid),
		f.EmbeddedCount, f.MemberCount, formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert family: %w", err)
	}
	return nil
}

// GetFamily retrieves a family by ID
func (s *Store) GetFamily(id string) (*DocumentFamily, error) {
	row := s.db.QueryRow(selectFamilies+` WHERE id = ?`, id)
	fam, err := scanFamily(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("family %s: %w", id, ErrNotFound)
	}
	return fam, err
}

// ListFamilies returns all families. The assignment scan compares a new
// document against every family's provisional representation.
func (s *Store) ListFamilies() ([]*DocumentFamily, error) {
	rows, err := s.db.Query(selectFamilies)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fams []*DocumentFamily
	for rows.Next() {
		f, err := scanFamily(rows)
		if err != nil {
			return nil, err
		}
		fams = append(fams, f)
	}
	return fams, rows.Err()
}

// FamiliesByIDs returns the families for a set of IDs, keyed by ID.
func (s *Store) FamiliesByIDs(ids []string) (map[string]*DocumentFamily, error) {
	result := make(map[string]*DocumentFamily, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	ph := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	rows, err := s.db.Query(selectFamilies+fmt.Sprintf(` WHERE id IN (%s)`, strings.Join(ph, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFamily(rows)
		if err != nil {
			return nil, err
		}
		result[f.ID] = f
	}
	return result, rows.Err()
}

// UpdateFamilyCentroid replaces the centroid with compare-and-set
// semantics on the embedded-member count. Returns ErrConflict when a
// concurrent update advanced the count first; callers reload and retry.
func (s *Store) UpdateFamilyCentroid(id string, centroid []float32, newCount, expectedCount int) error {
	res, err := s.db.Exec(`
		UPDATE document_families
		SET centroid = ?, embedded_count = ?, updated_at = ?
		WHERE id = ? AND embedded_count = ?`,
		encodeVector(centroid), newCount, formatTime(time.Now().UTC()), id, expectedCount)
	if err != nil {
		return fmt.Errorf("update centroid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ========== Embedding state ==========

// GetEmbeddingState retrieves the embedding state for a document
func (s *Store) GetEmbeddingState(documentID string) (*EmbeddingState, error) {
	row := s.db.QueryRow(`
		SELECT document_id, status, retry_count, last_attempt_at, last_error
		FROM embedding_state WHERE document_id = ?`, documentID)

	st, err := scanEmbeddingState(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("embedding state %s: %w", documentID, ErrNotFound)
	}
	return st, err
}

// EmbeddingStates returns the states for a set of documents.
func (s *Store) EmbeddingStates(documentIDs []string) (map[string]*EmbeddingState, error) {
	result := make(map[string]*EmbeddingState, len(documentIDs))
	if len(documentIDs) == 0 {
		return result, nil
	}
	ph := make([]string, len(documentIDs))
	args := make([]interface{}, len(documentIDs))
	for i, id := range documentIDs {
		ph[i] = "?"
		args[i] = id
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT document_id, status, retry_count, last_attempt_at, last_error
		FROM embedding_state WHERE document_id IN (%s)`, strings.Join(ph, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanEmbeddingState(rows)
		if err != nil {
			return nil, err
		}
		result[st.DocumentID] = st
	}
	return result, rows.Err()
}

// TryMarkInProgress attempts the compare-and-set transition to
// embedding_in_progress. Exactly one concurrent caller wins; the rest see
// false and wait on the winner.
func (s *Store) TryMarkInProgress(documentID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE embedding_state
		SET status = ?, last_attempt_at = ?
		WHERE document_id = ? AND status IN (?, ?)`,
		string(StatusInProgress), formatTime(time.Now().UTC()),
		documentID, string(StatusNotEmbedded), string(StatusFailed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkEmbedded persists all chunks with their vectors and flips the state
// to embedded in a single transaction. A reader never observes a
// partially-embedded document as embedded.
func (s *Store) MarkEmbedded(documentID string, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replace any stale chunks from a prior reprocess.
	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	for _, c := range chunks {
		_, err := tx.Exec(`
			INSERT INTO chunks (document_id, chunk_index, chunk_text, embedding)
			VALUES (?, ?, ?, ?)`,
			documentID, c.ChunkIndex, c.Text, encodeVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	res, err := tx.Exec(`
		UPDATE embedding_state SET status = ?, last_error = ''
		WHERE document_id = ? AND status = ?`,
		string(StatusEmbedded), documentID, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}

	return tx.Commit()
}

// MarkFailed records a failed embedding attempt and increments the retry
// counter.
func (s *Store) MarkFailed(documentID, message string) error {
	_, err := s.db.Exec(`
		UPDATE embedding_state
		SET status = ?, retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
		WHERE document_id = ?`,
		string(StatusFailed), formatTime(time.Now().UTC()), message, documentID)
	return err
}

// ResetEmbedding clears the embedding state and chunks for a manual
// reprocess of a permanently failed document.
func (s *Store) ResetEmbedding(documentID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return err
	}
	res, err := tx.Exec(`
		UPDATE embedding_state
		SET status = ?, retry_count = 0, last_error = ''
		WHERE document_id = ?`,
		string(StatusNotEmbedded), documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("embedding state %s: %w", documentID, ErrNotFound)
	}
	return tx.Commit()
}

// ========== Chunks ==========

// ChunksByDocument returns a document's chunks in chunk order.
func (s *Store) ChunksByDocument(documentID string) ([]*Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, chunk_index, chunk_text, embedding
		FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunksByDocuments returns the chunks for a set of documents.
func (s *Store) ChunksByDocuments(documentIDs []string) ([]*Chunk, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	ph := make([]string, len(documentIDs))
	args := make([]interface{}, len(documentIDs))
	for i, id := range documentIDs {
		ph[i] = "?"
		args[i] = id
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, document_id, chunk_index, chunk_text, embedding
		FROM chunks WHERE document_id IN (%s) ORDER BY document_id, chunk_index`,
		strings.Join(ph, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// Stats returns row counts for the observability gauges.
func (s *Store) Stats() (docs, families, chunks int64, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&docs); err != nil {
		return
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM document_families`).Scan(&families); err != nil {
		return
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&chunks)
	return
}

// ========== Row scanning ==========

const selectDocuments = `
	SELECT id, family_id, title, category, ministry_id, institution_id, uploader_id,
		version_number, is_latest, content_hash, supersedes_id, superseded_by_id,
		visibility, approval_status, effective_date, doc_text, ingested_at
	FROM documents`

const selectFamilies = `
	SELECT id, canonical_title, seed_tokens, centroid, embedded_count, member_count,
		created_at, updated_at
	FROM document_families`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(r rowScanner) (*Document, error) {
	var d Document
	var isLatest int
	var visibility, approval, ingestedAt string
	var effectiveDate sql.NullString

	err := r.Scan(&d.ID, &d.FamilyID, &d.Title, &d.Category, &d.MinistryID, &d.InstitutionID,
		&d.UploaderID, &d.VersionNumber, &isLatest, &d.ContentHash, &d.SupersedesID,
		&d.SupersededByID, &visibility, &approval, &effectiveDate, &d.Text, &ingestedAt)
	if err != nil {
		return nil, err
	}

	d.IsLatest = isLatest == 1
	d.Visibility = Visibility(visibility)
	d.Approval = ApprovalStatus(approval)
	if effectiveDate.Valid {
		t, err := parseTime(effectiveDate.String)
		if err != nil {
			return nil, fmt.Errorf("parse effective date: %w", err)
		}
		d.EffectiveDate = &t
	}
	d.IngestedAt, err = parseTime(ingestedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ingested_at: %w", err)
	}
	return &d, nil
}

func scanDocuments(rows *sql.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func scanFamily(r rowScanner) (*DocumentFamily, error) {
	var f DocumentFamily
	var centroid []byte
	var createdAt, updatedAt string

	err := r.Scan(&f.ID, &f.CanonicalTitle, &f.SeedTokens, &centroid,
		&f.EmbeddedCount, &f.MemberCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	f.Centroid = decodeVector(centroid)
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanEmbeddingState(r rowScanner) (*EmbeddingState, error) {
	var st EmbeddingState
	var status string
	var lastAttempt sql.NullString

	err := r.Scan(&st.DocumentID, &status, &st.RetryCount, &lastAttempt, &st.LastError)
	if err != nil {
		return nil, err
	}
	st.Status = EmbeddingStatus(status)
	if lastAttempt.Valid {
		t, err := parseTime(lastAttempt.String)
		if err != nil {
			return nil, err
		}
		st.LastAttemptAt = &t
	}
	return &st, nil
}

func scanChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var embedding []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &embedding); err != nil {
			return nil, err
		}
		c.Embedding = decodeVector(embedding)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// ========== Encoding helpers ==========

// Vectors are stored as little-endian float32 blobs.
func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
