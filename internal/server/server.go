// Package server exposes the retrieval core over an HTTP JSON API
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/internal/metrics"
	"github.com/nainya/policycore/pkg/access"
	"github.com/nainya/policycore/pkg/embedding"
	"github.com/nainya/policycore/pkg/family"
	"github.com/nainya/policycore/pkg/fingerprint"
	"github.com/nainya/policycore/pkg/ingest"
	"github.com/nainya/policycore/pkg/retrieval"
	"github.com/nainya/policycore/pkg/store"
)

const maxRequestBody = 10 << 20 // 10 MiB, policy PDFs arrive as extracted text

// Server wires the retrieval core services behind HTTP handlers.
type Server struct {
	store    *store.Store
	ingest   *ingest.Service
	coord    *embedding.Coordinator
	engine   *retrieval.Engine
	families *family.Manager

	httpServer *http.Server
	log        *logger.Logger
	met        *metrics.Metrics
	startTime  time.Time
}

// NewServer creates the API server. met may be nil.
func NewServer(port int, st *store.Store, ing *ingest.Service, coord *embedding.Coordinator,
	eng *retrieval.Engine, fam *family.Manager, log *logger.Logger, met *metrics.Metrics) *Server {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	s := &Server{
		store:     st,
		ingest:    ing,
		coord:     coord,
		engine:    eng,
		families:  fam,
		log:       log.Component("server"),
		met:       met,
		startTime: time.Now(),
	}

	// Handlers are wrapped per route so the middleware sees the matched
	// route pattern, keeping metric label cardinality bounded.
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.withObservability(h))
	}
	route("POST /v1/documents", s.handleIngest)
	route("GET /v1/documents/{id}", s.handleGetDocument)
	route("POST /v1/documents/{id}/embed", s.handleEmbed)
	route("POST /v1/documents/{id}/reprocess", s.handleReprocess)
	route("GET /v1/documents/{id}/family", s.handleGetFamily)
	route("POST /v1/retrieve", s.handleRetrieve)
	route("GET /v1/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withObservability records per-request metrics and structured logs.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.met != nil {
			s.met.HTTPRequestsInFlight.Inc()
			defer s.met.HTTPRequestsInFlight.Dec()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		if s.met != nil {
			// The route pattern, not the raw path: per-document IDs in the
			// path would explode the label cardinality.
			s.met.RecordHTTPRequest(r.Pattern, fmt.Sprintf("%d", rec.status), duration)
		}
		s.log.LogHTTPRequest(r.Method, r.URL.Path, rec.status, duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ========== Request / response types ==========

type ingestRequest struct {
	Title         string `json:"title"`
	Category      string `json:"category"`
	MinistryID    string `json:"ministry_id"`
	InstitutionID string `json:"institution_id"`
	UploaderID    string `json:"uploader_id"`
	Visibility    string `json:"visibility"`
	Approval      string `json:"approval_status"`
	EffectiveDate string `json:"effective_date,omitempty"` // YYYY-MM-DD
	Text          string `json:"text"`
}

type ingestResponse struct {
	Document  *documentView `json:"document"`
	Duplicate bool          `json:"duplicate"`
}

type principalRequest struct {
	UserID        string `json:"user_id"`
	Role          string `json:"role"`
	InstitutionID string `json:"institution_id,omitempty"`
	MinistryID    string `json:"ministry_id,omitempty"`
}

type retrieveRequest struct {
	Query     string           `json:"query"`
	Principal principalRequest `json:"principal"`
	TopK      int              `json:"top_k,omitempty"`
}

type documentView struct {
	ID             string `json:"id"`
	FamilyID       string `json:"family_id,omitempty"`
	Title          string `json:"title"`
	Category       string `json:"category"`
	MinistryID     string `json:"ministry_id"`
	InstitutionID  string `json:"institution_id"`
	UploaderID     string `json:"uploader_id"`
	VersionNumber  int    `json:"version_number"`
	IsLatest       bool   `json:"is_latest"`
	SupersedesID   string `json:"supersedes_id,omitempty"`
	SupersededByID string `json:"superseded_by_id,omitempty"`
	Visibility     string `json:"visibility"`
	Approval       string `json:"approval_status"`
	EffectiveDate  string `json:"effective_date,omitempty"`
	IngestedAt     string `json:"ingested_at"`
}

type familyResponse struct {
	FamilyID       string          `json:"family_id"`
	CanonicalTitle string          `json:"canonical_title"`
	MemberCount    int             `json:"member_count"`
	EmbeddedCount  int             `json:"embedded_count"`
	Members        []*documentView `json:"members"`
}

type embedResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func viewDocument(d *store.Document) *documentView {
	v := &documentView{
		ID:             d.ID,
		FamilyID:       d.FamilyID,
		Title:          d.Title,
		Category:       d.Category,
		MinistryID:     d.MinistryID,
		InstitutionID:  d.InstitutionID,
		UploaderID:     d.UploaderID,
		VersionNumber:  d.VersionNumber,
		IsLatest:       d.IsLatest,
		SupersedesID:   d.SupersedesID,
		SupersededByID: d.SupersededByID,
		Visibility:     string(d.Visibility),
		Approval:       string(d.Approval),
		IngestedAt:     d.IngestedAt.Format(time.RFC3339),
	}
	if d.EffectiveDate != nil {
		v.EffectiveDate = d.EffectiveDate.Format("2006-01-02")
	}
	return v
}

// ========== Handlers ==========

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	nd := ingest.NewDocument{
		Title:         req.Title,
		Category:      req.Category,
		MinistryID:    req.MinistryID,
		InstitutionID: req.InstitutionID,
		UploaderID:    req.UploaderID,
		Visibility:    store.Visibility(req.Visibility),
		Approval:      store.ApprovalStatus(req.Approval),
		Text:          req.Text,
	}
	if req.EffectiveDate != "" {
		d, err := time.Parse("2006-01-02", req.EffectiveDate)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "effective_date must be YYYY-MM-DD")
			return
		}
		nd.EffectiveDate = &d
	}

	doc, err := s.ingest.Ingest(nd)
	if errors.Is(err, fingerprint.ErrDuplicateContent) {
		// Idempotent: report the surviving document instead of failing.
		s.writeJSON(w, http.StatusOK, ingestResponse{Document: viewDocument(doc), Duplicate: true})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, ingestResponse{Document: viewDocument(doc)})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, viewDocument(doc))
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.coord.EnsureEmbedded(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusAccepted, embedResponse{DocumentID: id, Status: string(status)})
		return
	}
	s.writeJSON(w, http.StatusOK, embedResponse{DocumentID: id, Status: string(status)})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.coord.Reprocess(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if errors.Is(err, embedding.ErrNotFailed) {
		s.writeError(w, http.StatusConflict, "document embedding has not failed")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, embedResponse{DocumentID: id, Status: string(store.StatusNotEmbedded)})
}

func (s *Server) handleGetFamily(w http.ResponseWriter, r *http.Request) {
	fam, err := s.families.GetFamily(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "document or family not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	members, err := s.store.FamilyMembers(fam.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]*documentView, len(members))
	for i, m := range members {
		views[i] = viewDocument(m)
	}
	s.writeJSON(w, http.StatusOK, familyResponse{
		FamilyID:       fam.ID,
		CanonicalTitle: fam.CanonicalTitle,
		MemberCount:    fam.MemberCount,
		EmbeddedCount:  fam.EmbeddedCount,
		Members:        views,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	principal := access.Principal{
		ID:            req.Principal.UserID,
		Role:          access.Role(req.Principal.Role),
		InstitutionID: req.Principal.InstitutionID,
		MinistryID:    req.Principal.MinistryID,
	}
	if principal.Role == "" {
		principal.Role = access.RoleAnonymous
	}

	result, err := s.engine.Retrieve(r.Context(), req.Query, principal, retrieval.Options{TopK: req.TopK})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	docs, families, chunks, err := s.store.Stats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.met != nil {
		s.met.UpdateStoreStats(docs, families, chunks)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents":      docs,
		"families":       families,
		"chunks":         chunks,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// ========== JSON helpers ==========

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encoding failed").Err(err).Send()
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
