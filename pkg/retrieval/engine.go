// ABOUTME: Hybrid retrieval engine combining vector and keyword scores with family-aware re-ranking
// ABOUTME: Access filtering happens before ranking; embedding failures degrade to keyword matching

package retrieval

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/internal/metrics"
	"github.com/nainya/policycore/pkg/access"
	"github.com/nainya/policycore/pkg/embedding"
	"github.com/nainya/policycore/pkg/intent"
	"github.com/nainya/policycore/pkg/store"
)

const (
	vectorWeight  = 0.7
	keywordWeight = 0.3

	// familyAffinityWeight scales the boost for chunks whose family
	// centroid is close to the query vector. Families without a centroid
	// get no family boost.
	familyAffinityWeight = 0.1

	snippetLimit = 240
)

// Config holds retrieval engine tuning knobs.
type Config struct {
	TopK             int           // Default result count
	LatestBoost      float64       // Multiplier for latest-version chunks
	FamilyResultCap  int           // Max results per family for qa/list intents
	MaxEmbedPerQuery int           // Bound on on-demand embeddings per query
	QueryTimeout     time.Duration // Overall per-query bound
}

// Options are per-call overrides.
type Options struct {
	TopK int // 0 uses the configured default
}

// RankedResult is one scored passage with its document context.
type RankedResult struct {
	DocumentID    string  `json:"document_id"`
	FamilyID      string  `json:"family_id,omitempty"`
	Title         string  `json:"title"`
	ChunkIndex    int     `json:"chunk_index"`
	Snippet       string  `json:"snippet"`
	Confidence    float64 `json:"confidence"`
	VectorScore   float64 `json:"vector_score"`
	KeywordScore  float64 `json:"keyword_score"`
	VersionNumber int     `json:"version_number"`
	IsLatest      bool    `json:"is_latest"`
}

// Result is the outcome of one retrieval query. An empty candidate set is
// an explicit result, not an error.
type Result struct {
	Query       string         `json:"query"`
	Intent      intent.Intent  `json:"intent"`
	Results     []RankedResult `json:"results"`
	Message     string         `json:"message,omitempty"`
	KeywordOnly bool           `json:"keyword_only,omitempty"`
}

// NoMatchMessage is returned when filtering leaves no candidates.
const NoMatchMessage = "no accessible or matching documents"

// Engine orchestrates intent classification, access filtering, lazy
// embedding and hybrid scoring into ranked, access-safe results.
type Engine struct {
	store    *store.Store
	coord    *embedding.Coordinator
	embedder embedding.Embedder
	cfg      Config
	log      *logger.Logger
	met      *metrics.Metrics
}

// NewEngine creates a retrieval engine. met may be nil.
func NewEngine(s *store.Store, coord *embedding.Coordinator, e embedding.Embedder,
	cfg Config, log *logger.Logger, met *metrics.Metrics) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.LatestBoost < 1 {
		cfg.LatestBoost = 1.15
	}
	if cfg.FamilyResultCap <= 0 {
		cfg.FamilyResultCap = 2
	}
	if cfg.MaxEmbedPerQuery <= 0 {
		cfg.MaxEmbedPerQuery = 8
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 20 * time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{
		store:    s,
		coord:    coord,
		embedder: e,
		cfg:      cfg,
		log:      log.Component("retrieval"),
		met:      met,
	}
}

// scoredChunk is one candidate passage during ranking.
type scoredChunk struct {
	doc       *store.Document
	chunkIdx  int
	text      string
	vector    []float32
	hasVector bool
	rawVec    float64
	rawKw     float64
	normVec   float64
	normKw    float64
	combined  float64
}

// Retrieve answers a free-text query for a principal. It never returns a
// hard error for no-result conditions; those come back as an explicit
// empty Result.
func (e *Engine) Retrieve(ctx context.Context, query string, principal access.Principal, opts Options) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	qIntent, filters := intent.Classify(query)
	res := &Result{Query: query, Intent: qIntent}

	// Explicit years or amendments hard-filter the version set and
	// suppress the latest boost; latest intent hard-filters to latest.
	candidates, err := e.store.Candidates(store.CandidateFilter{
		MinistryID:     filters.Ministry,
		Category:       filters.Category,
		Years:          filters.Years,
		LatestOnly:     filters.LatestOnly,
		AmendmentsOnly: filters.AmendmentsOnly,
	})
	if err != nil {
		return nil, err
	}

	// Access is a pre-filter: inaccessible documents never reach scoring,
	// so ordering and counts cannot hint at their existence.
	eligible := access.FilterEligible(principal, candidates)
	if len(eligible) == 0 {
		res.Message = NoMatchMessage
		e.finish(res, qIntent, 0, start)
		return res, nil
	}

	e.ensureCandidatesEmbedded(ctx, eligible)

	chunks := e.loadCandidateChunks(eligible)
	if len(chunks) == 0 {
		res.Message = NoMatchMessage
		e.finish(res, qIntent, len(eligible), start)
		return res, nil
	}

	queryVec := e.embedQuery(ctx, query)
	scored := e.scoreChunks(query, queryVec, chunks)
	if len(scored) == 0 {
		res.Message = NoMatchMessage
		e.finish(res, qIntent, len(eligible), start)
		return res, nil
	}
	res.KeywordOnly = queryVec == nil || !anyVector(scored)

	e.applyFamilyAffinity(queryVec, scored)

	boost := e.latestBoostApplies(qIntent, filters)
	for i := range scored {
		if boost && scored[i].doc.IsLatest {
			scored[i].combined *= e.cfg.LatestBoost
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].combined != scored[j].combined {
			return scored[i].combined > scored[j].combined
		}
		if scored[i].doc.ID != scored[j].doc.ID {
			return scored[i].doc.ID < scored[j].doc.ID
		}
		return scored[i].chunkIdx < scored[j].chunkIdx
	})

	topK := opts.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	selected := e.selectDiverse(qIntent, scored, topK)
	res.Results = e.buildResults(selected)
	if len(res.Results) == 0 {
		res.Message = NoMatchMessage
	}

	e.finish(res, qIntent, len(eligible), start)
	return res, nil
}

// ensureCandidatesEmbedded triggers lazy embedding for unembedded
// candidates, bounded by the per-query cap and the query timeout. A
// document still unembedded afterwards is scored keyword-only.
func (e *Engine) ensureCandidatesEmbedded(ctx context.Context, docs []*store.Document) {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	states, err := e.store.EmbeddingStates(ids)
	if err != nil {
		e.log.Warn("embedding state lookup failed").Err(err).Send()
		return
	}

	triggered := 0
	for _, d := range docs {
		st, ok := states[d.ID]
		if ok && st.Status == store.StatusEmbedded {
			continue
		}
		if triggered >= e.cfg.MaxEmbedPerQuery {
			break
		}
		triggered++
		if _, err := e.coord.EnsureEmbedded(ctx, d.ID); err != nil {
			if ctx.Err() != nil {
				// Query timeout: proceed with whatever is embedded.
				return
			}
			e.log.Warn("on-demand embedding failed").
				Str("document_id", d.ID).
				Err(err).
				Send()
		}
	}
}

// loadCandidateChunks returns embedded chunks for candidates and
// keyword-only fallback chunks for documents without persisted chunks.
func (e *Engine) loadCandidateChunks(docs []*store.Document) []scoredChunk {
	byID := make(map[string]*store.Document, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		byID[d.ID] = d
		ids[i] = d.ID
	}

	rows, err := e.store.ChunksByDocuments(ids)
	if err != nil {
		e.log.Warn("chunk load failed").Err(err).Send()
		rows = nil
	}

	chunks := make([]scoredChunk, 0, len(rows))
	covered := make(map[string]bool, len(docs))
	for _, c := range rows {
		doc := byID[c.DocumentID]
		if doc == nil {
			continue
		}
		covered[c.DocumentID] = true
		chunks = append(chunks, scoredChunk{
			doc:       doc,
			chunkIdx:  c.ChunkIndex,
			text:      c.Text,
			vector:    c.Embedding,
			hasVector: len(c.Embedding) > 0,
		})
	}

	// Failed or not-yet-embedded documents still participate through
	// keyword matching on their raw text.
	for _, d := range docs {
		if covered[d.ID] {
			continue
		}
		if e.met != nil {
			e.met.KeywordFallbacksTotal.Inc()
		}
		chunks = append(chunks, scoredChunk{
			doc:      d,
			chunkIdx: 0,
			text:     d.Text,
		})
	}
	return chunks
}

func (e *Engine) embedQuery(ctx context.Context, query string) []float32 {
	if e.embedder == nil {
		return nil
	}
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		e.log.Warn("query embedding failed, using keyword ranking").Err(err).Send()
		return nil
	}
	return vecs[0]
}

// scoreChunks computes raw vector and keyword scores, normalizes each
// independently per query, and combines them. Chunks with no positive
// signal at all are dropped so no phantom matches surface.
func (e *Engine) scoreChunks(query string, queryVec []float32, chunks []scoredChunk) []scoredChunk {
	qTokens := queryTokenSet(query)

	for i := range chunks {
		if queryVec != nil && chunks[i].hasVector {
			chunks[i].rawVec = cosine(queryVec, chunks[i].vector)
		}
		chunks[i].rawKw = keywordScore(qTokens, chunks[i].text)
	}

	// Normalize vector scores only over chunks that have vectors.
	var vecVals []float64
	var vecIdx []int
	for i := range chunks {
		if queryVec != nil && chunks[i].hasVector {
			vecVals = append(vecVals, chunks[i].rawVec)
			vecIdx = append(vecIdx, i)
		}
	}
	minMaxNormalize(vecVals)
	for j, i := range vecIdx {
		chunks[i].normVec = vecVals[j]
	}

	kwVals := make([]float64, len(chunks))
	for i := range chunks {
		kwVals[i] = chunks[i].rawKw
	}
	minMaxNormalize(kwVals)
	for i := range chunks {
		chunks[i].normKw = kwVals[i]
	}

	keywordOnly := queryVec == nil || len(vecIdx) == 0

	scored := make([]scoredChunk, 0, len(chunks))
	for i := range chunks {
		c := chunks[i]
		if c.rawVec <= 0 && c.rawKw <= 0 {
			continue
		}
		if keywordOnly {
			c.combined = c.normKw
		} else {
			c.combined = vectorWeight*c.normVec + keywordWeight*c.normKw
		}
		scored = append(scored, c)
	}
	return scored
}

// applyFamilyAffinity boosts chunks whose family centroid is close to
// the query. A family is excluded from this boost until its first member
// is embedded and a centroid exists.
func (e *Engine) applyFamilyAffinity(queryVec []float32, scored []scoredChunk) {
	if queryVec == nil || len(scored) == 0 {
		return
	}

	seen := make(map[string]bool)
	var ids []string
	for _, c := range scored {
		if id := c.doc.FamilyID; id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	fams, err := e.store.FamiliesByIDs(ids)
	if err != nil {
		e.log.Warn("family centroid load failed").Err(err).Send()
		return
	}

	for i := range scored {
		fam := fams[scored[i].doc.FamilyID]
		if fam == nil || len(fam.Centroid) == 0 {
			continue
		}
		if aff := cosine(queryVec, fam.Centroid); aff > 0 {
			scored[i].combined *= 1 + familyAffinityWeight*aff
		}
	}
}

// latestBoostApplies reports whether latest-version chunks get the fixed
// boost. Explicit years and amendments-only queries hard-filter instead.
func (e *Engine) latestBoostApplies(qIntent intent.Intent, f intent.Filters) bool {
	if len(f.Years) > 0 || f.AmendmentsOnly {
		return false
	}
	return true
}

// selectDiverse applies the per-family result cap for generic intents so
// near-duplicate versions do not crowd the top results.
func (e *Engine) selectDiverse(qIntent intent.Intent, scored []scoredChunk, topK int) []scoredChunk {
	capped := qIntent == intent.IntentQA || qIntent == intent.IntentList

	perFamily := make(map[string]int)
	selected := make([]scoredChunk, 0, topK)
	for _, c := range scored {
		if len(selected) >= topK {
			break
		}
		if capped {
			key := c.doc.FamilyID
			if key == "" {
				key = c.doc.ID
			}
			if perFamily[key] >= e.cfg.FamilyResultCap {
				continue
			}
			perFamily[key]++
		}
		selected = append(selected, c)
	}
	return selected
}

// buildResults rescales confidences to [0,1] against the top score.
func (e *Engine) buildResults(selected []scoredChunk) []RankedResult {
	if len(selected) == 0 {
		return nil
	}
	max := selected[0].combined
	for _, c := range selected {
		if c.combined > max {
			max = c.combined
		}
	}

	results := make([]RankedResult, len(selected))
	for i, c := range selected {
		confidence := 0.0
		if max > 0 {
			confidence = c.combined / max
		}
		results[i] = RankedResult{
			DocumentID:    c.doc.ID,
			FamilyID:      c.doc.FamilyID,
			Title:         c.doc.Title,
			ChunkIndex:    c.chunkIdx,
			Snippet:       snippet(c.text),
			Confidence:    confidence,
			VectorScore:   c.normVec,
			KeywordScore:  c.normKw,
			VersionNumber: c.doc.VersionNumber,
			IsLatest:      c.doc.IsLatest,
		}
	}
	return results
}

func (e *Engine) finish(res *Result, qIntent intent.Intent, candidates int, start time.Time) {
	duration := time.Since(start)
	if e.met != nil {
		e.met.RecordQuery(string(qIntent), candidates, len(res.Results), duration)
		if len(res.Results) == 0 {
			e.met.EmptyResultsTotal.Inc()
		}
	}
	e.log.LogQuery(string(qIntent), candidates, len(res.Results), duration)
}

func snippet(text string) string {
	if len(text) <= snippetLimit {
		return text
	}
	cut := snippetLimit
	for cut > 0 && text[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		// No space in the window: back up to a rune boundary so the cut
		// never splits a multi-byte character.
		cut = snippetLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return text[:cut] + "…"
}

func anyVector(scored []scoredChunk) bool {
	for _, c := range scored {
		if c.hasVector {
			return true
		}
	}
	return false
}
