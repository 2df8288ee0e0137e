package retrieval

import (
	"math"
	"regexp"
	"strings"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// tokenize lowercases text and extracts alphanumeric runs, matching the
// simple BM25-style tokenization used across the retrieval index.
func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// LexicalIndex scores documents against a query with BM25.
type LexicalIndex struct {
	ids       []string
	termFreqs []map[string]int
	lengths   []int
	docFreq   map[string]int
	avgLen    float64
}

func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{docFreq: make(map[string]int)}
}

// Add indexes one chunk of text under id. Call Build once every chunk has
// been added.
func (idx *LexicalIndex) Add(id, text string) {
	tokens := tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	idx.ids = append(idx.ids, id)
	idx.termFreqs = append(idx.termFreqs, tf)
	idx.lengths = append(idx.lengths, len(tokens))
	for t := range tf {
		idx.docFreq[t]++
	}
}

// Build finalizes the index by computing the average document length. Must
// be called after all Add calls and before Score.
func (idx *LexicalIndex) Build() {
	if len(idx.lengths) == 0 {
		idx.avgLen = 0
		return
	}
	var total int
	for _, l := range idx.lengths {
		total += l
	}
	idx.avgLen = float64(total) / float64(len(idx.lengths))
}

func (idx *LexicalIndex) Len() int { return len(idx.ids) }

// Score returns the BM25 score of every indexed chunk against query.
func (idx *LexicalIndex) Score(query string) map[string]float64 {
	n := len(idx.ids)
	scores := make(map[string]float64, n)
	if n == 0 {
		return scores
	}

	queryTerms := tokenize(query)
	for i, id := range idx.ids {
		tf := idx.termFreqs[i]
		docLen := float64(idx.lengths[i])
		var score float64
		for _, term := range queryTerms {
			f, ok := tf[term]
			if !ok {
				continue
			}
			df := idx.docFreq[term]
			idf := math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
			numerator := float64(f) * (bm25K1 + 1)
			denominator := float64(f) + bm25K1*(1-bm25B+bm25B*docLen/idx.avgLen)
			score += idf * numerator / denominator
		}
		scores[id] = score
	}
	return scores
}
