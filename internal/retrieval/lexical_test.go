package retrieval

import "testing"

func TestTokenize(t *testing.T) {
	got := tokenize("Contracts Require Offer, Acceptance & Consideration!")
	want := []string{"contracts", "require", "offer", "acceptance", "consideration"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tokens, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLexicalIndexEmptyScore(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Build()
	scores := idx.Score("anything")
	if len(scores) != 0 {
		t.Fatalf("expected no scores from an empty index, got %v", scores)
	}
}

func TestLexicalIndexScoresMatchingChunkHigher(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("chunk-0", "consideration is required to form a valid contract")
	idx.Add("chunk-1", "the weather in chicago was pleasant this autumn")
	idx.Build()

	scores := idx.Score("consideration contract")
	if scores["chunk-0"] <= scores["chunk-1"] {
		t.Fatalf("expected chunk-0 to score higher for a matching query, got chunk-0=%f chunk-1=%f", scores["chunk-0"], scores["chunk-1"])
	}
	if scores["chunk-1"] != 0 {
		t.Fatalf("expected chunk-1 to score zero for no overlapping terms, got %f", scores["chunk-1"])
	}
}

func TestLexicalIndexUnknownQueryTermsScoreZero(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("chunk-0", "consideration is required")
	idx.Build()

	scores := idx.Score("nonexistent term")
	if scores["chunk-0"] != 0 {
		t.Fatalf("expected zero score for a query with no matching terms, got %f", scores["chunk-0"])
	}
}

func TestLexicalIndexLen(t *testing.T) {
	idx := NewLexicalIndex()
	if idx.Len() != 0 {
		t.Fatalf("expected empty index to have length 0, got %d", idx.Len())
	}
	idx.Add("a", "text one")
	idx.Add("b", "text two")
	if idx.Len() != 2 {
		t.Fatalf("expected length 2, got %d", idx.Len())
	}
}

// TestLexicalIndexRareTermScoresHigherThanCommonTerm verifies the IDF
// component: a term appearing in fewer documents contributes a higher score
// than one appearing in most of them.
func TestLexicalIndexRareTermScoresHigherThanCommonTerm(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("chunk-0", "common term rare term")
	idx.Add("chunk-1", "common term appears here too")
	idx.Add("chunk-2", "common term appears again")
	idx.Build()

	rareScores := idx.Score("rare")
	commonScores := idx.Score("common")
	if rareScores["chunk-0"] <= commonScores["chunk-0"] {
		t.Fatalf("expected the rare term to outscore the common term on chunk-0, got rare=%f common=%f", rareScores["chunk-0"], commonScores["chunk-0"])
	}
}
