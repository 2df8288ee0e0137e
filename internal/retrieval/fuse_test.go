package retrieval

import "testing"

func TestNormalizeScoresMinMax(t *testing.T) {
	out := normalizeScores(map[string]float64{"a": 0, "b": 5, "c": 10})
	if out["a"] != 0 || out["c"] != 1 {
		t.Fatalf("expected min normalized to 0 and max to 1, got %v", out)
	}
	if out["b"] != 0.5 {
		t.Fatalf("expected midpoint normalized to 0.5, got %f", out["b"])
	}
}

func TestNormalizeScoresFlatDistribution(t *testing.T) {
	out := normalizeScores(map[string]float64{"a": 3, "b": 3})
	if out["a"] != 1.0 || out["b"] != 1.0 {
		t.Fatalf("expected a flat distribution to normalize every entry to 1.0, got %v", out)
	}
}

func TestNormalizeScoresEmpty(t *testing.T) {
	out := normalizeScores(map[string]float64{})
	if len(out) != 0 {
		t.Fatalf("expected empty input to produce empty output, got %v", out)
	}
}

func TestFuseScoresUnionAndWeighting(t *testing.T) {
	dense := map[string]float64{"a": 1.0, "b": 0.0}
	lexical := map[string]float64{"b": 1.0, "c": 0.0}

	fused := fuseScores(dense, lexical, 0.5)
	if len(fused) != 3 {
		t.Fatalf("expected the union of both score sets (3 ids), got %d: %v", len(fused), fused)
	}

	byID := make(map[string]float64, len(fused))
	for _, c := range fused {
		byID[c.id] = c.score
	}
	// a: dense=1.0 (normalized 1.0), lexical missing (0) -> 0.5*1 + 0.5*0 = 0.5
	if byID["a"] != 0.5 {
		t.Fatalf("expected id a fused score 0.5, got %f", byID["a"])
	}
	// b: dense=0.0 (normalized 0), lexical=1.0 (normalized 1) -> 0.5
	if byID["b"] != 0.5 {
		t.Fatalf("expected id b fused score 0.5, got %f", byID["b"])
	}
}

func TestFuseScoresSortedDescending(t *testing.T) {
	dense := map[string]float64{"a": 0.1, "b": 0.9}
	lexical := map[string]float64{}
	fused := fuseScores(dense, lexical, 1.0)
	if fused[0].id != "b" {
		t.Fatalf("expected highest-scoring id first, got %v", fused)
	}
}

func TestFuseScoresStableTieBreakByID(t *testing.T) {
	dense := map[string]float64{"b": 1.0, "a": 1.0}
	lexical := map[string]float64{}
	fused := fuseScores(dense, lexical, 1.0)
	if fused[0].id != "a" || fused[1].id != "b" {
		t.Fatalf("expected ties broken lexicographically by id, got %v", fused)
	}
}

func TestFormatContext(t *testing.T) {
	got := FormatContext([]string{"first", "second"})
	want := "[Context 1]\nfirst\n\n[Context 2]\nsecond\n\n"
	if got != want {
		t.Fatalf("FormatContext = %q, want %q", got, want)
	}
}

func TestFormatContextEmpty(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Fatalf("expected empty string for no chunks, got %q", got)
	}
}

func TestClampTopK(t *testing.T) {
	cases := []struct {
		topK, available, want int
	}{
		{0, 10, 10},
		{-1, 10, 10},
		{5, 10, 5},
		{20, 10, 10},
	}
	for _, tc := range cases {
		if got := clampTopK(tc.topK, tc.available); got != tc.want {
			t.Fatalf("clampTopK(%d, %d) = %d, want %d", tc.topK, tc.available, got, tc.want)
		}
	}
}

func TestSortByScoreDesc(t *testing.T) {
	chunks := []scoredChunk{{id: "a", score: 0.1}, {id: "b", score: 0.9}, {id: "c", score: 0.5}}
	sortByScoreDesc(chunks)
	if chunks[0].id != "b" || chunks[1].id != "c" || chunks[2].id != "a" {
		t.Fatalf("expected descending score order, got %v", chunks)
	}
}
