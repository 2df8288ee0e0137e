// Package retrieval implements the per-document hybrid (lexical + dense)
// retrieval index: semantic chunking, BM25 scoring, inner-product vector
// search, and score fusion.
package retrieval

import (
	"context"
	"strings"
)

const (
	defaultMaxChunkSize           = 512
	defaultChunkSimilarity        = 0.5
	slidingWindowSentences        = 3
	slidingWindowOverlap          = 1
)

// Embedder produces a dense embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// splitSentences breaks text into sentences on '.', '!', and '?'. It is a
// plain punctuation splitter, not a locale-aware tokenizer: good enough to
// group sentences into chunks, not intended to handle abbreviations or
// quoted speech perfectly.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		switch r {
		case '.', '!', '?':
			if s := strings.TrimSpace(sb.String()); s != "" {
				sentences = append(sentences, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// semanticChunk groups sentences into chunks by running-mean embedding
// similarity: a sentence joins the current chunk while the chunk's mean
// embedding stays at least simThreshold similar to it and appending it keeps
// the chunk within maxChunkSize characters. When embedder is nil or embedding any
// sentence fails, it falls back to a fixed sliding window.
func semanticChunk(ctx context.Context, text string, embedder Embedder, simThreshold float64, maxChunkSize int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = defaultMaxChunkSize
	}
	if simThreshold <= 0 {
		simThreshold = defaultChunkSimilarity
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	if len(sentences) == 1 {
		return sentences
	}
	if embedder == nil {
		return slidingWindowChunk(sentences, slidingWindowSentences, slidingWindowOverlap)
	}

	embeddings := make([][]float32, len(sentences))
	for i, s := range sentences {
		vec, err := embedder.Embed(ctx, s)
		if err != nil {
			return slidingWindowChunk(sentences, slidingWindowSentences, slidingWindowOverlap)
		}
		embeddings[i] = normalize(vec)
	}

	var chunks []string
	current := []string{sentences[0]}
	currentVecs := [][]float32{embeddings[0]}

	for i := 1; i < len(sentences); i++ {
		mean := meanVector(currentVecs)
		sim := cosineSimilarity(mean, embeddings[i])
		candidate := strings.Join(append(append([]string{}, current...), sentences[i]), " ")

		if sim >= simThreshold && len(candidate) <= maxChunkSize {
			current = append(current, sentences[i])
			currentVecs = append(currentVecs, embeddings[i])
			continue
		}

		chunks = append(chunks, strings.Join(current, " "))
		current = []string{sentences[i]}
		currentVecs = [][]float32{embeddings[i]}
	}
	chunks = append(chunks, strings.Join(current, " "))

	return chunks
}

// slidingWindowChunk groups sentences into fixed windows of windowSize
// sentences with overlap sentences of overlap between consecutive windows.
func slidingWindowChunk(sentences []string, windowSize, overlap int) []string {
	if windowSize <= 0 {
		windowSize = slidingWindowSentences
	}
	step := windowSize - overlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for i := 0; i < len(sentences); i += step {
		end := i + windowSize
		if end > len(sentences) {
			end = len(sentences)
		}
		chunks = append(chunks, strings.Join(sentences[i:end], " "))
		if end == len(sentences) {
			break
		}
	}
	return chunks
}
