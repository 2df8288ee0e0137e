package retrieval

import "math"

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

// cosineSimilarity assumes a and b are already L2-normalized, so the inner
// product is the cosine similarity.
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

func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	mean := make([]float64, dim)
	for _, v := range vecs {
		for i, x := range v {
			mean[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	for i, x := range mean {
		out[i] = float32(x / float64(len(vecs)))
	}
	return normalize(out)
}

// DenseIndex is a brute-force inner-product search over L2-normalized
// embeddings. Linear scan is acceptable below roughly 10k entries, which
// covers any single document's chunk count by a wide margin.
type DenseIndex struct {
	ids     []string
	vectors [][]float32
}

func NewDenseIndex() *DenseIndex {
	return &DenseIndex{}
}

func (d *DenseIndex) Add(id string, vec []float32) {
	d.ids = append(d.ids, id)
	d.vectors = append(d.vectors, normalize(vec))
}

// Score returns the inner-product similarity of query against every indexed
// vector of matching dimension. Vectors whose dimension differs from query
// are skipped rather than causing an error.
func (d *DenseIndex) Score(query []float32) map[string]float64 {
	q := normalize(query)
	scores := make(map[string]float64, len(d.ids))
	for i, id := range d.ids {
		if len(d.vectors[i]) != len(q) {
			continue
		}
		scores[id] = cosineSimilarity(q, d.vectors[i])
	}
	return scores
}

func (d *DenseIndex) Len() int { return len(d.ids) }
