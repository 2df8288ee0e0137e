package retrieval

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/counselgpt/serving/internal/metrics"
)

// Reranker re-scores a shortlist of candidate chunks against a query with a
// cross-encoder. It is an optional external collaborator: a nil Reranker
// simply skips the rerank stage.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// Config controls chunking and retrieval fusion parameters.
type Config struct {
	Alpha                    float64
	InitialRetrieve          int
	TopK                     int
	MaxChunkSize             int
	ChunkSimilarityThreshold float64
}

// documentIndex is the hybrid (lexical + dense) index for a single document.
// Once built it is immutable; reindexing replaces it wholesale.
type documentIndex struct {
	id             string
	chunks         []string
	lexical        *LexicalIndex
	dense          *DenseIndex
	indexedAt      time.Time
	chunkingMethod string // "semantic" or "simple"
}

// IndexOptions overrides per-call chunking and default-document behavior;
// a zero MaxChunkSize or SimilarityThreshold falls back to the service's
// configured value.
type IndexOptions struct {
	UseSemanticChunking bool // chunk by embedding-similarity run rather than a fixed sentence window
	MaxChunkSize        int
	SimilarityThreshold float64
	SetAsDefault        bool // make this document the target of document_id-less queries
}

func buildDocumentIndex(ctx context.Context, id, text string, embedder Embedder, opts IndexOptions) *documentIndex {
	method := "simple"
	var chunks []string
	if opts.UseSemanticChunking {
		method = "semantic"
		chunks = semanticChunk(ctx, text, embedder, opts.SimilarityThreshold, opts.MaxChunkSize)
	} else {
		chunks = slidingWindowChunk(splitSentences(text), slidingWindowSentences, slidingWindowOverlap)
	}

	lexical := NewLexicalIndex()
	dense := NewDenseIndex()
	for i, chunk := range chunks {
		cid := chunkID(i)
		lexical.Add(cid, chunk)
		if embedder != nil {
			if vec, err := embedder.Embed(ctx, chunk); err == nil {
				dense.Add(cid, vec)
			}
		}
	}
	lexical.Build()

	return &documentIndex{id: id, chunks: chunks, lexical: lexical, dense: dense, indexedAt: time.Now(), chunkingMethod: method}
}

func chunkID(i int) string { return fmt.Sprintf("chunk-%d", i) }

// RetrievedChunk is one chunk surfaced by a query, with its source document
// and fused score.
type RetrievedChunk struct {
	DocumentID string
	Text       string
	Score      float64
}

// Service owns every indexed document. Index mutations build a full new
// snapshot map and swap it in atomically, so concurrent queries always see
// a consistent, lock-free snapshot and never block on a rebuild.
type Service struct {
	docs      atomic.Pointer[map[string]*documentIndex]
	defaultID atomic.Pointer[string] // document_id resolved for document_id-less queries
	mu        sync.Mutex             // serializes writers; readers never take it
	embedder  Embedder
	reranker  Reranker
	cfg       Config
	metrics   *metrics.Registry
}

func NewService(embedder Embedder, reranker Reranker, cfg Config, met *metrics.Registry) *Service {
	s := &Service{embedder: embedder, reranker: reranker, cfg: cfg, metrics: met}
	empty := make(map[string]*documentIndex)
	s.docs.Store(&empty)
	return s
}

func (s *Service) defaultDocumentID() string {
	p := s.defaultID.Load()
	if p == nil {
		return ""
	}
	return *p
}

func (s *Service) snapshot() map[string]*documentIndex {
	p := s.docs.Load()
	if p == nil {
		return nil
	}
	return *p
}

// IndexResult reports what IndexDocument actually did: how many chunks it
// produced, which chunking method it used, and whether the document became
// the default target of document_id-less queries.
type IndexResult struct {
	NumChunks      int
	ChunkingMethod string
	IsDefault      bool
}

// IndexDocument (re)builds the hybrid index for id from text. opts.SetAsDefault
// makes id the target of subsequent document_id-less queries. A zero-value
// opts uses simple sliding-window chunking and leaves the default unchanged.
func (s *Service) IndexDocument(ctx context.Context, id, text string, opts IndexOptions) (IndexResult, error) {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = s.cfg.MaxChunkSize
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = s.cfg.ChunkSimilarityThreshold
	}

	idx := buildDocumentIndex(ctx, id, text, s.embedder, opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot()
	next := make(map[string]*documentIndex, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[id] = idx
	s.docs.Store(&next)
	if opts.SetAsDefault {
		defaultID := id
		s.defaultID.Store(&defaultID)
	}

	return IndexResult{NumChunks: len(idx.chunks), ChunkingMethod: idx.chunkingMethod, IsDefault: opts.SetAsDefault}, nil
}

// DeleteDocument removes a document's index. Returns false if it did not exist.
// Deleting the current default document clears the default marker; it is not
// re-elected from the remaining documents.
func (s *Service) DeleteDocument(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot()
	if _, ok := old[id]; !ok {
		return false
	}
	next := make(map[string]*documentIndex, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	s.docs.Store(&next)
	if s.defaultDocumentID() == id {
		empty := ""
		s.defaultID.Store(&empty)
	}
	return true
}

// ListDocuments returns every indexed document id along with its chunk count.
func (s *Service) ListDocuments() map[string]int {
	docs := s.snapshot()
	out := make(map[string]int, len(docs))
	for id, idx := range docs {
		out[id] = len(idx.chunks)
	}
	return out
}

// Stats reports aggregate index statistics.
func (s *Service) Stats() (documents, chunks int) {
	docs := s.snapshot()
	documents = len(docs)
	for _, idx := range docs {
		chunks += len(idx.chunks)
	}
	return documents, chunks
}

// QueryOptions overrides per-call retrieval parameters; zero values fall
// back to the service's configured defaults.
type QueryOptions struct {
	Alpha           float64
	InitialRetrieve int
	TopK            int
	Rerank          bool
	DocumentID      string // restrict to one document; empty resolves to the default document
}

// Query runs the hybrid retrieval pipeline: per-candidate-document BM25 and
// dense scoring, global min-max normalization, alpha fusion, optional
// cross-encoder rerank, and top_k selection. It returns both the formatted
// "[Context n]" block and the underlying chunks.
func (s *Service) Query(ctx context.Context, query string, opts QueryOptions) (string, []RetrievedChunk, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveRetrieval(time.Since(start))
		}
	}()

	alpha := opts.Alpha
	if alpha == 0 {
		alpha = s.cfg.Alpha
	}
	initialRetrieve := opts.InitialRetrieve
	if initialRetrieve <= 0 {
		initialRetrieve = s.cfg.InitialRetrieve
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	docs := s.snapshot()
	var targets []*documentIndex
	documentID := opts.DocumentID
	if documentID == "" {
		documentID = s.defaultDocumentID()
	}
	if documentID != "" {
		idx, ok := docs[documentID]
		if !ok {
			if opts.DocumentID == "" {
				// Default document id is stale (e.g. deleted); behave as if
				// nothing were indexed rather than erroring.
				return "", nil, nil
			}
			return "", nil, fmt.Errorf("retrieval: unknown document %q", documentID)
		}
		targets = []*documentIndex{idx}
	}

	var queryVec []float32
	if s.embedder != nil {
		if vec, err := s.embedder.Embed(ctx, query); err == nil {
			queryVec = vec
		}
	}

	type candidate struct {
		doc  string
		text string
	}
	candidates := make(map[string]candidate)
	dense := make(map[string]float64)
	lexical := make(map[string]float64)

	for _, idx := range targets {
		if idx.lexical.Len() == 0 {
			continue
		}
		for cid, score := range idx.lexical.Score(query) {
			key := idx.id + "/" + cid
			lexical[key] = score
		}
		if queryVec != nil && idx.dense.Len() > 0 {
			for cid, score := range idx.dense.Score(queryVec) {
				key := idx.id + "/" + cid
				dense[key] = score
			}
		}
		for i, text := range idx.chunks {
			key := idx.id + "/" + chunkID(i)
			candidates[key] = candidate{doc: idx.id, text: text}
		}
	}

	if len(candidates) == 0 {
		return "", nil, nil
	}

	fused := fuseScores(dense, lexical, alpha)
	n := clampTopK(initialRetrieve, len(fused))
	shortlist := fused[:n]

	if opts.Rerank && s.reranker != nil && len(shortlist) > 0 {
		texts := make([]string, len(shortlist))
		for i, sc := range shortlist {
			texts[i] = candidates[sc.id].text
		}
		if rerankScores, err := s.reranker.Rerank(ctx, query, texts); err == nil && len(rerankScores) == len(shortlist) {
			for i := range shortlist {
				shortlist[i].score = rerankScores[i]
			}
			sortByScoreDesc(shortlist)
		}
	}

	final := shortlist[:clampTopK(topK, len(shortlist))]

	results := make([]RetrievedChunk, 0, len(final))
	texts := make([]string, 0, len(final))
	for _, sc := range final {
		c := candidates[sc.id]
		results = append(results, RetrievedChunk{DocumentID: c.doc, Text: c.text, Score: sc.score})
		texts = append(texts, c.text)
	}

	return FormatContext(texts), results, nil
}
