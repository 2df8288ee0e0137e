package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/counselgpt/serving/internal/metrics"
)

type fakeGenerator struct {
	text           string
	backend        string
	fallback       bool
	fallbackReason string
	err            error
	calls          []string // prompts seen, in order
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, _ int, _ bool, _, _ map[string][]string) (string, string, bool, string, error) {
	g.calls = append(g.calls, prompt)
	if g.err != nil {
		return "", "", false, "", g.err
	}
	return g.text, g.backend, g.fallback, g.fallbackReason, nil
}

type fakeRetriever struct {
	context string
	err     error
	queries []string
}

func (r *fakeRetriever) RetrieveContext(_ context.Context, query, _ string, _ int) (string, error) {
	r.queries = append(r.queries, query)
	if r.err != nil {
		return "", r.err
	}
	return r.context, nil
}

type fakeCache struct {
	store map[string]string
	hit   bool
	semantic bool
	setErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: make(map[string]string)}
}

func (c *fakeCache) Get(_ context.Context, prompt string, _ int, _ *float64) (string, bool, bool) {
	if text, ok := c.store[prompt]; ok {
		return text, true, c.semantic
	}
	return "", false, false
}

func (c *fakeCache) Set(_ context.Context, prompt string, _ int, response string) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.store[prompt] = response
	return nil
}

func validRequest() Request {
	return Request{
		Prompt:    "What is consideration?",
		MaxTokens: 256,
		ModelTag:  "qwen",
		UseCache:  true,
	}
}

func TestBuildSystemPromptNoRAGUsesPlainTemplate(t *testing.T) {
	got := buildSystemPrompt("", 250)
	if strings.Contains(got, "{context}") || strings.Contains(got, "{word_budget}") {
		t.Fatalf("expected placeholders substituted, got %q", got)
	}
	if !strings.Contains(got, "250 words") {
		t.Fatalf("expected the word budget substituted in, got %q", got)
	}
	if strings.Contains(got, "retrieved context") {
		t.Fatalf("expected the non-RAG template selected, got %q", got)
	}
}

func TestBuildSystemPromptWithRAGEmbedsContext(t *testing.T) {
	got := buildSystemPrompt("consideration requires a bargained-for exchange", 100)
	if !strings.Contains(got, "consideration requires a bargained-for exchange") {
		t.Fatalf("expected the RAG context embedded via {context}, got %q", got)
	}
	if !strings.Contains(got, "100 words") {
		t.Fatalf("expected the word budget substituted in, got %q", got)
	}
	if strings.Contains(got, "{context}") || strings.Contains(got, "{word_budget}") {
		t.Fatalf("expected placeholders substituted, got %q", got)
	}
}

func TestAssembledPromptSinglePromptForm(t *testing.T) {
	req := Request{Prompt: "hello there"}
	full, query, n := assembledPrompt(req)
	if full != "hello there" || query != "hello there" || n != 1 {
		t.Fatalf("got full=%q query=%q n=%d", full, query, n)
	}
}

func TestAssembledPromptUsesLastUserMessage(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}}
	full, query, n := assembledPrompt(req)
	if query != "second question" {
		t.Fatalf("expected the last user message as the retrieval query, got %q", query)
	}
	if n != 3 {
		t.Fatalf("expected messagesInContext=3, got %d", n)
	}
	if !strings.Contains(full, "User: first question") || !strings.Contains(full, "Assistant: first answer") {
		t.Fatalf("expected serialized transcript, got %q", full)
	}
	if !strings.HasSuffix(full, "Assistant:") {
		t.Fatalf("expected the serialized prompt to end with the assistant cue, got %q", full)
	}
}

func TestAssembledPromptNoUserMessageFallsBackToFullTranscript(t *testing.T) {
	req := Request{Messages: []Message{{Role: "assistant", Content: "unsolicited remark"}}}
	_, query, _ := assembledPrompt(req)
	if !strings.Contains(query, "unsolicited remark") {
		t.Fatalf("expected the full transcript as the retrieval query when no user message exists, got %q", query)
	}
}

func TestCacheKeyNoRAGContext(t *testing.T) {
	got := cacheKey("prompt text", "")
	want := "prompt text|RAG:none"
	if got != want {
		t.Fatalf("cacheKey() = %q, want %q", got, want)
	}
}

func TestCacheKeyShortRAGContext(t *testing.T) {
	got := cacheKey("prompt text", "short context")
	want := "prompt text|RAG:short context"
	if got != want {
		t.Fatalf("cacheKey() = %q, want %q", got, want)
	}
}

func TestCacheKeyTruncatesLongRAGContext(t *testing.T) {
	long := strings.Repeat("x", 800)
	got := cacheKey("prompt", long)
	want := "prompt|RAG:" + strings.Repeat("x", ragContextKeyPrefix)
	if got != want {
		t.Fatalf("expected RAG context truncated to %d chars in the cache key", ragContextKeyPrefix)
	}
}

func TestCacheKeyDistinctContextsDistinctKeys(t *testing.T) {
	a := cacheKey("prompt", "context A")
	b := cacheKey("prompt", "context B")
	if a == b {
		t.Fatal("expected different RAG contexts to produce different cache keys")
	}
}

func TestValidateRejectsEmptyRequest(t *testing.T) {
	if err := validate(Request{MaxTokens: 100, ModelTag: "qwen"}); err == nil {
		t.Fatal("expected an error when neither messages nor prompt are set")
	}
}

func TestValidateRejectsBadMaxTokens(t *testing.T) {
	req := validRequest()
	req.MaxTokens = 0
	if err := validate(req); err == nil {
		t.Fatal("expected an error for max_tokens below 1")
	}
	req.MaxTokens = 4096
	if err := validate(req); err == nil {
		t.Fatal("expected an error for max_tokens above 2048")
	}
}

func TestValidateRejectsUnknownModelTag(t *testing.T) {
	req := validRequest()
	req.ModelTag = "gpt5"
	if err := validate(req); err == nil {
		t.Fatal("expected an error for an unrecognized model tag")
	}
}

func TestValidateAcceptsKnownModelTagsCaseInsensitive(t *testing.T) {
	req := validRequest()
	req.ModelTag = "LLAMA"
	if err := validate(req); err != nil {
		t.Fatalf("expected llama (any case) to validate, got %v", err)
	}
}

func TestInferRejectsInvalidRequest(t *testing.T) {
	o := New(&fakeGenerator{}, &fakeRetriever{}, newFakeCache(), metrics.New(), nil)
	_, err := o.Infer(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected Infer to reject an invalid request before touching the generator")
	}
}

func TestInferCacheMissGeneratesAndStores(t *testing.T) {
	gen := &fakeGenerator{text: "the answer", backend: "gpu-1"}
	cache := newFakeCache()
	o := New(gen, &fakeRetriever{}, cache, metrics.New(), nil)

	resp, err := o.Infer(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.Cached {
		t.Fatal("expected a cache miss on first call")
	}
	if resp.Text != "the answer" || resp.Backend != "gpu-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("expected the generator to be invoked once, got %d calls", len(gen.calls))
	}
	if len(cache.store) != 1 {
		t.Fatal("expected the response written back to cache")
	}
}

func TestInferCacheHitSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{text: "fresh answer"}
	cache := newFakeCache()
	req := validRequest()
	key := cacheKey(req.Prompt, "")
	cache.store[key] = "cached answer"
	cache.semantic = true

	o := New(gen, &fakeRetriever{}, cache, metrics.New(), nil)
	resp, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !resp.Cached || !resp.Semantic {
		t.Fatalf("expected a semantic cache hit, got %+v", resp)
	}
	if resp.Text != "cached answer" {
		t.Fatalf("expected the cached text returned, got %q", resp.Text)
	}
	if len(gen.calls) != 0 {
		t.Fatal("expected the generator never to be invoked on a cache hit")
	}
}

func TestInferUseCacheFalseBypassesCacheEntirely(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	cache := newFakeCache()
	req := validRequest()
	req.UseCache = false

	o := New(gen, &fakeRetriever{}, cache, metrics.New(), nil)
	if _, err := o.Infer(context.Background(), req); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(cache.store) != 0 {
		t.Fatal("expected no cache write when UseCache is false")
	}
	if len(gen.calls) != 1 {
		t.Fatal("expected the generator invoked since caching was bypassed")
	}
}

func TestInferGeneratorErrorPropagates(t *testing.T) {
	wantErr := errors.New("backend unreachable")
	gen := &fakeGenerator{err: wantErr}
	o := New(gen, &fakeRetriever{}, newFakeCache(), metrics.New(), nil)

	_, err := o.Infer(context.Background(), validRequest())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the generator error to propagate, got %v", err)
	}
}

func TestInferRAGContextFoldedIntoGenerationPrompt(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	retriever := &fakeRetriever{context: "relevant retrieved passage"}
	o := New(gen, retriever, newFakeCache(), metrics.New(), nil)

	req := validRequest()
	req.UseRAG = true
	req.DocumentID = "doc-1"
	req.RAGTopK = 3

	resp, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !resp.RAGUsed {
		t.Fatal("expected RAGUsed to be true")
	}
	if resp.RAGContextLength != len("relevant retrieved passage") {
		t.Fatalf("unexpected RAGContextLength: %d", resp.RAGContextLength)
	}
	if len(gen.calls) != 1 || !strings.Contains(gen.calls[0], "relevant retrieved passage") {
		t.Fatalf("expected the RAG context folded into the generation prompt, got %q", gen.calls[0])
	}
	if len(retriever.queries) != 1 || retriever.queries[0] != req.Prompt {
		t.Fatalf("expected the retrieval query to be the prompt, got %v", retriever.queries)
	}
}

func TestInferRAGFailureDoesNotFailRequest(t *testing.T) {
	gen := &fakeGenerator{text: "answer without context"}
	retriever := &fakeRetriever{err: errors.New("retrieval index unavailable")}
	o := New(gen, retriever, newFakeCache(), metrics.New(), nil)

	req := validRequest()
	req.UseRAG = true

	resp, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("expected RAG failures to degrade gracefully, got error: %v", err)
	}
	if resp.RAGUsed {
		t.Fatal("expected RAGUsed false when retrieval failed")
	}
	if resp.Text != "answer without context" {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
}

func TestInferRAGEmptyContextNotMarkedUsed(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	retriever := &fakeRetriever{context: ""}
	o := New(gen, retriever, newFakeCache(), metrics.New(), nil)

	req := validRequest()
	req.UseRAG = true

	resp, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.RAGUsed {
		t.Fatal("expected RAGUsed false when retrieval returned no context")
	}
}

func TestInferDifferentRAGContextProducesDifferentCacheEntries(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	retriever := &fakeRetriever{context: "context one"}
	cache := newFakeCache()
	o := New(gen, retriever, cache, metrics.New(), nil)

	req := validRequest()
	req.UseRAG = true
	if _, err := o.Infer(context.Background(), req); err != nil {
		t.Fatalf("Infer: %v", err)
	}

	retriever.context = "context two, completely different"
	if _, err := o.Infer(context.Background(), req); err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if len(cache.store) != 2 {
		t.Fatalf("expected two distinct cache entries for two distinct RAG contexts, got %d", len(cache.store))
	}
	if len(gen.calls) != 2 {
		t.Fatalf("expected the generator invoked for both requests, got %d calls", len(gen.calls))
	}
}

func TestInferCacheWriteFailureDoesNotFailRequest(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	cache := newFakeCache()
	cache.setErr = errors.New("store unreachable")
	o := New(gen, &fakeRetriever{}, cache, metrics.New(), nil)

	resp, err := o.Infer(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected a cache write failure to degrade gracefully, got error: %v", err)
	}
	if resp.Text != "answer" {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
}

func TestInferEstimatedTokensAccountsForRAGContext(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	retriever := &fakeRetriever{context: strings.Repeat("word ", 40)}
	o := New(gen, retriever, newFakeCache(), metrics.New(), nil)

	req := validRequest()
	req.UseRAG = true
	withRAG, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	req.UseRAG = false
	withoutRAG, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if withRAG.EstimatedTokens <= withoutRAG.EstimatedTokens {
		t.Fatalf("expected RAG context to increase the estimated token count: with=%d without=%d",
			withRAG.EstimatedTokens, withoutRAG.EstimatedTokens)
	}
}

func TestInferFallbackFieldsPropagateFromGenerator(t *testing.T) {
	gen := &fakeGenerator{text: "served from cpu", backend: "cpu-1", fallback: true, fallbackReason: "gpu_error"}
	o := New(gen, &fakeRetriever{}, newFakeCache(), metrics.New(), nil)

	resp, err := o.Infer(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !resp.Fallback || resp.FallbackReason != "gpu_error" {
		t.Fatalf("expected fallback fields propagated, got %+v", resp)
	}
}

func TestInferMessagesInContextReflectsConversationLength(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	o := New(gen, &fakeRetriever{}, newFakeCache(), metrics.New(), nil)

	req := Request{
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "how are you"},
		},
		MaxTokens: 256,
		ModelTag:  "qwen",
	}
	resp, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.MessagesInContext != 3 {
		t.Fatalf("expected MessagesInContext=3, got %d", resp.MessagesInContext)
	}
}
