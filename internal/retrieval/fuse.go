package retrieval

import (
	"fmt"
	"sort"
	"strings"
)

// normalizeScores min-max normalizes scores to [0, 1]. A flat distribution
// (max == min) normalizes every present id to 1.0 rather than dividing by
// zero, and ids missing from scores are treated as 0 by the caller.
func normalizeScores(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	min, max := scores[firstKey(scores)], scores[firstKey(scores)]
	for _, v := range scores {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	spread := max - min
	for k, v := range scores {
		if spread == 0 {
			out[k] = 1.0
			continue
		}
		out[k] = (v - min) / spread
	}
	return out
}

func firstKey(m map[string]float64) string {
	for k := range m {
		return k
	}
	return ""
}

// scoredChunk pairs a chunk id with its fused retrieval score.
type scoredChunk struct {
	id    string
	score float64
}

// fuseScores combines normalized dense and lexical scores as
// alpha*dense + (1-alpha)*lexical, over the union of both score sets.
func fuseScores(dense, lexical map[string]float64, alpha float64) []scoredChunk {
	denseNorm := normalizeScores(dense)
	lexicalNorm := normalizeScores(lexical)

	seen := make(map[string]struct{}, len(denseNorm)+len(lexicalNorm))
	for id := range denseNorm {
		seen[id] = struct{}{}
	}
	for id := range lexicalNorm {
		seen[id] = struct{}{}
	}

	out := make([]scoredChunk, 0, len(seen))
	for id := range seen {
		fused := alpha*denseNorm[id] + (1-alpha)*lexicalNorm[id]
		out = append(out, scoredChunk{id: id, score: fused})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// FormatContext joins retrieved chunk texts into the "[Context n]" block the
// orchestrator splices into a prompt.
func FormatContext(texts []string) string {
	var sb strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&sb, "[Context %d]\n%s\n\n", i+1, t)
	}
	return sb.String()
}

func sortByScoreDesc(chunks []scoredChunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].score != chunks[j].score {
			return chunks[i].score > chunks[j].score
		}
		return chunks[i].id < chunks[j].id
	})
}

func clampTopK(topK, available int) int {
	if topK <= 0 || topK > available {
		return available
	}
	return topK
}
