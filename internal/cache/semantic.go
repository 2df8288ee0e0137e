package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/counselgpt/serving/internal/metrics"
)

const (
	entryPrefix = "cache:entry:"
	vecSuffix   = ":vec"

	defaultSimilarityThreshold = 0.95
)

// Embedder produces a dense embedding vector for a piece of text. It is an
// external collaborator: this package never talks to a concrete embedding
// backend directly.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type cacheEntry struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	Response  string `json:"response"`
}

type vecSidecar struct {
	MaxTokens int       `json:"max_tokens"`
	Embedding []float32 `json:"embedding"`
}

// ResponseCache is the two-level semantic response cache: an exact
// fingerprint lookup backed by store, with a semantic cosine-similarity
// fallback scan over entries sharing the same max_tokens. Every operation
// consults conn before touching the store or the embedder, so a down
// dependency degrades to a fast miss or no-op instead of a blocking call.
type ResponseCache struct {
	store     Store
	embedder  Embedder
	conn      *ConnectionManager
	ttl       time.Duration
	threshold float64
	dimension int
	metrics   *metrics.Registry
	log       *slog.Logger
}

func NewResponseCache(store Store, embedder Embedder, conn *ConnectionManager, ttl time.Duration, threshold float64, dimension int, met *metrics.Registry, log *slog.Logger) *ResponseCache {
	if threshold <= 0 {
		threshold = defaultSimilarityThreshold
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResponseCache{
		store:     store,
		embedder:  embedder,
		conn:      conn,
		ttl:       ttl,
		threshold: threshold,
		dimension: dimension,
		metrics:   met,
		log:       log,
	}
}

// Fingerprint returns the exact-match cache key for (prompt, maxTokens).
func Fingerprint(prompt string, maxTokens int) string {
	h := sha256.Sum256([]byte(prompt + "|" + strconv.Itoa(maxTokens)))
	return entryPrefix + hex.EncodeToString(h[:])
}

// Get looks up prompt+maxTokens, first by exact fingerprint then, if that
// misses and an embedder is available, by semantic similarity restricted to
// entries with the same maxTokens. thresholdOverride, if non-nil, replaces
// the configured similarity threshold for this call only.
func (rc *ResponseCache) Get(ctx context.Context, prompt string, maxTokens int, thresholdOverride *float64) (response string, hit bool, semantic bool) {
	if rc.conn != nil && !rc.conn.StoreConnected() {
		rc.recordMiss()
		return "", false, false
	}

	key := Fingerprint(prompt, maxTokens)
	if raw, ok := rc.store.Get(ctx, key); ok {
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			rc.recordHit(false)
			return entry.Response, true, false
		}
	}

	if rc.embedder == nil || rc.conn == nil || !rc.conn.EmbeddingAvailable() {
		rc.recordMiss()
		return "", false, false
	}

	threshold := rc.threshold
	if thresholdOverride != nil {
		threshold = *thresholdOverride
	}

	queryVec, err := rc.embedder.Embed(ctx, prompt)
	if err != nil {
		rc.log.Warn("cache embed query failed", "error", err)
		rc.recordMiss()
		return "", false, false
	}
	queryVec = normalize(queryVec)

	keys, err := rc.store.Keys(ctx, entryPrefix)
	if err != nil {
		rc.log.Warn("cache semantic scan failed", "error", err)
		rc.recordMiss()
		return "", false, false
	}

	bestSim := -1.0
	var bestEntry *cacheEntry
	for _, k := range keys {
		if strings.HasSuffix(k, vecSuffix) {
			continue
		}
		rawVec, ok := rc.store.Get(ctx, k+vecSuffix)
		if !ok {
			continue
		}
		var side vecSidecar
		if err := json.Unmarshal(rawVec, &side); err != nil {
			continue
		}
		if side.MaxTokens != maxTokens {
			continue
		}
		if rc.dimension > 0 && len(side.Embedding) != rc.dimension {
			continue // dimension mismatch: skip, never crash
		}
		sim := cosineSimilarity(queryVec, normalize(side.Embedding))
		if sim >= threshold && sim > bestSim {
			raw, ok := rc.store.Get(ctx, k)
			if !ok {
				continue
			}
			var entry cacheEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				continue
			}
			bestSim = sim
			e := entry
			bestEntry = &e
		}
	}

	if bestEntry != nil {
		rc.recordHit(true)
		return bestEntry.Response, true, true
	}

	rc.recordMiss()
	return "", false, false
}

// Set stores response under prompt+maxTokens's exact fingerprint, and, if an
// embedder is available, a sidecar embedding for future semantic lookups.
func (rc *ResponseCache) Set(ctx context.Context, prompt string, maxTokens int, response string) error {
	if rc.conn != nil && !rc.conn.StoreConnected() {
		return nil
	}

	key := Fingerprint(prompt, maxTokens)
	entry := cacheEntry{Prompt: prompt, MaxTokens: maxTokens, Response: response}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	if err := rc.store.Set(ctx, key, raw, rc.ttl); err != nil {
		return nil // graceful degradation
	}

	if rc.metrics != nil {
		rc.metrics.CacheSetOK()
	}

	if rc.embedder == nil || rc.conn == nil || !rc.conn.EmbeddingAvailable() {
		return nil
	}

	vec, err := rc.embedder.Embed(ctx, prompt)
	if err != nil {
		rc.log.Warn("cache embed on write failed", "error", err)
		return nil
	}
	if rc.dimension > 0 && len(vec) != rc.dimension {
		rc.log.Warn("cache embedding dimension mismatch, skipping vector store", "got", len(vec), "want", rc.dimension)
		return nil
	}

	side := vecSidecar{MaxTokens: maxTokens, Embedding: vec}
	rawVec, err := json.Marshal(side)
	if err != nil {
		return nil
	}
	_ = rc.store.Set(ctx, key+vecSuffix, rawVec, rc.ttl)

	return nil
}

// Clear removes every cache entry and its sidecar vector.
func (rc *ResponseCache) Clear(ctx context.Context) (int, error) {
	if rc.conn != nil && !rc.conn.StoreConnected() {
		return 0, nil
	}
	keys, err := rc.store.Keys(ctx, entryPrefix)
	if err != nil {
		return 0, fmt.Errorf("cache: clear: %w", err)
	}
	cleared := 0
	for _, k := range keys {
		if strings.HasSuffix(k, vecSuffix) {
			continue
		}
		_ = rc.store.Delete(ctx, k)
		_ = rc.store.Delete(ctx, k+vecSuffix)
		cleared++
	}
	return cleared, nil
}

// Stats reports the current entry count, connectivity flags, and the
// semantic-caching configuration: whether it is enabled, the similarity
// threshold in effect, and how many entries carry a sidecar embedding
// (semantic-eligible) versus exact-match only.
func (rc *ResponseCache) Stats(ctx context.Context) (entries int, storeConnected, embeddingAvailable, semanticCaching bool, similarityThreshold float64, exactEntries, semanticEntries int) {
	storeConnected = rc.conn == nil || rc.conn.StoreConnected()
	embeddingAvailable = rc.conn != nil && rc.conn.EmbeddingAvailable()
	semanticCaching = rc.embedder != nil
	similarityThreshold = rc.threshold
	if !storeConnected {
		return 0, storeConnected, embeddingAvailable, semanticCaching, similarityThreshold, 0, 0
	}
	keys, err := rc.store.Keys(ctx, entryPrefix)
	if err != nil {
		return 0, storeConnected, embeddingAvailable, semanticCaching, similarityThreshold, 0, 0
	}
	vecs := make(map[string]bool)
	for _, k := range keys {
		if strings.HasSuffix(k, vecSuffix) {
			vecs[strings.TrimSuffix(k, vecSuffix)] = true
		}
	}
	for _, k := range keys {
		if strings.HasSuffix(k, vecSuffix) {
			continue
		}
		entries++
		if vecs[k] {
			semanticEntries++
		} else {
			exactEntries++
		}
	}
	return entries, storeConnected, embeddingAvailable, semanticCaching, similarityThreshold, exactEntries, semanticEntries
}

func (rc *ResponseCache) recordHit(semantic bool) {
	if rc.metrics != nil {
		rc.metrics.CacheGetHit(semantic)
	}
}

func (rc *ResponseCache) recordMiss() {
	if rc.metrics != nil {
		rc.metrics.CacheGetMiss()
	}
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
