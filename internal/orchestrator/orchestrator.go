// Package orchestrator assembles the final prompt for an inference request
// — optionally folding in retrieved document context — checks the response
// cache, invokes the generator through the router, and writes the result
// back to cache.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/counselgpt/serving/internal/apierr"
	"github.com/counselgpt/serving/internal/metrics"
)

const (
	defaultCacheTTL      = time.Hour
	ragContextKeyPrefix  = 500 // chars of RAG context folded into the cache key
	defaultContextWindow = 2048
)

var validModelTags = map[string]bool{"qwen": true, "llama": true}

// systemPrompt and ragSystemPrompt are the two system-prompt templates the
// generator is primed with, selected by whether RAG context was retrieved.
// {context} and {word_budget} are substituted per request; the prose itself
// is an opaque template body, not a contract this package depends on.
const (
	systemPrompt = `You are CounselGPT, a legal reasoning assistant. Answer the
user's question accurately and concisely, using clear legal language.`

	ragSystemPrompt = `You are CounselGPT, a legal reasoning assistant. Use the
retrieved context below to ground your answer; do not contradict it.

{context}`

	wordBudgetSuffix = "\n\nKeep your response under {word_budget} words."
)

// buildSystemPrompt selects the RAG or non-RAG template by whether ragContext
// is present and substitutes the named placeholders.
func buildSystemPrompt(ragContext string, maxTokens int) string {
	tpl := systemPrompt
	if ragContext != "" {
		tpl = strings.ReplaceAll(ragSystemPrompt, "{context}", ragContext)
	}
	tpl += wordBudgetSuffix
	return strings.ReplaceAll(tpl, "{word_budget}", fmt.Sprintf("%d", maxTokens))
}

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Request is the normalized /infer request.
type Request struct {
	Messages          []Message
	Prompt            string // legacy single-prompt form; used when Messages is empty
	MaxTokens         int
	ModelTag          string
	PreferGPU         bool
	UseCache          bool
	SemanticThreshold *float64
	UseRAG            bool
	RAGTopK           int
	DocumentID        string
	QueryParams       map[string][]string // forwarded verbatim to whichever backend serves the request
	Headers           map[string][]string // inbound headers, forwarded minus hop-by-hop ones
}

// Response is the normalized /infer response.
type Response struct {
	Text               string
	Cached             bool
	Semantic           bool
	ModelTag           string
	Backend            string
	Fallback           bool
	FallbackReason     string
	EstimatedTokens    int
	MessagesInContext  int
	RAGUsed            bool
	RAGContextLength   int
	AssembledPromptLen int // length of the serialized user-facing prompt, before the system template
}

// Generator is the blocking generate(prompt, max_tokens) -> text contract a
// backend exposes. The orchestrator never talks to a model directly; it
// routes through whatever implements this interface.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, preferGPU bool, queryParams, headers map[string][]string) (text, backend string, fallback bool, fallbackReason string, err error)
}

// Retriever looks up RAG context for a query, optionally scoped to one document.
type Retriever interface {
	RetrieveContext(ctx context.Context, query, documentID string, topK int) (string, error)
}

// ResponseCache is the subset of the semantic cache the orchestrator needs.
type ResponseCache interface {
	Get(ctx context.Context, prompt string, maxTokens int, thresholdOverride *float64) (text string, hit bool, semantic bool)
	Set(ctx context.Context, prompt string, maxTokens int, response string) error
}

type Orchestrator struct {
	generator Generator
	retriever Retriever
	cache     ResponseCache
	metrics   *metrics.Registry
	log       *slog.Logger
}

func New(generator Generator, retriever Retriever, cache ResponseCache, met *metrics.Registry, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{generator: generator, retriever: retriever, cache: cache, metrics: met, log: log}
}

// assembledPrompt serializes a conversation into the flat text form the
// generator expects, and separately returns the last user message (scanned
// in reverse) to use as the retrieval query — never the full serialized
// conversation.
func assembledPrompt(req Request) (fullPrompt, ragQuery string, messagesInContext int) {
	if len(req.Messages) > 0 {
		var sb strings.Builder
		var lastUser string
		for _, m := range req.Messages {
			label := "Assistant"
			if strings.EqualFold(m.Role, "user") {
				label = "User"
			}
			fmt.Fprintf(&sb, "%s: %s\n\n", label, m.Content)
		}
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if strings.EqualFold(req.Messages[i].Role, "user") {
				lastUser = req.Messages[i].Content
				break
			}
		}
		sb.WriteString("Assistant:")
		query := lastUser
		if query == "" {
			query = sb.String()
		}
		return sb.String(), query, len(req.Messages)
	}
	return req.Prompt, req.Prompt, 1
}

// Infer runs the full pipeline: validate, assemble prompt, retrieve RAG
// context (best-effort), check cache, generate on miss, write cache.
func (o *Orchestrator) Infer(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	fullPrompt, ragQuery, messagesInContext := assembledPrompt(req)

	ragContext := ""
	ragUsed := false
	if req.UseRAG {
		ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
		text, err := o.retriever.RetrieveContext(ctx2, ragQuery, req.DocumentID, req.RAGTopK)
		cancel()
		if err != nil {
			o.log.Warn("rag retrieval failed, proceeding without context", "error", err)
		} else if text != "" {
			ragContext = text
			ragUsed = true
		}
	}

	estimatedTokens := (len(fullPrompt) + len(ragContext)) / 4

	cacheKeyPrompt := cacheKey(fullPrompt, ragContext)

	if req.UseCache {
		if text, hit, semantic := o.cache.Get(ctx, cacheKeyPrompt, req.MaxTokens, req.SemanticThreshold); hit {
			return &Response{
				Text:               text,
				Cached:             true,
				Semantic:           semantic,
				ModelTag:           req.ModelTag,
				EstimatedTokens:    estimatedTokens,
				MessagesInContext:  messagesInContext,
				RAGUsed:            ragUsed,
				RAGContextLength:   len(ragContext),
				AssembledPromptLen: len(fullPrompt),
			}, nil
		}
	}

	generationPrompt := buildSystemPrompt(ragContext, req.MaxTokens) + "\n\n" + fullPrompt

	text, backend, fallback, fallbackReason, err := o.generator.Generate(ctx, generationPrompt, req.MaxTokens, req.PreferGPU, req.QueryParams, req.Headers)
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.AddTokens(len(strings.Fields(text)))
	}

	if req.UseCache {
		if err := o.cache.Set(ctx, cacheKeyPrompt, req.MaxTokens, text); err != nil {
			o.log.Warn("cache write failed", "error", err)
		}
	}

	return &Response{
		Text:               text,
		ModelTag:           req.ModelTag,
		Backend:            backend,
		Fallback:           fallback,
		FallbackReason:     fallbackReason,
		EstimatedTokens:    estimatedTokens,
		MessagesInContext:  messagesInContext,
		RAGUsed:            ragUsed,
		RAGContextLength:   len(ragContext),
		AssembledPromptLen: len(fullPrompt),
	}, nil
}

// cacheKey folds a bounded prefix of RAG context into the cache key so that
// requests served with different retrieved context never collide, without
// letting an unbounded context blow up key size.
func cacheKey(fullPrompt, ragContext string) string {
	ctxPart := "none"
	if ragContext != "" {
		if len(ragContext) > ragContextKeyPrefix {
			ctxPart = ragContext[:ragContextKeyPrefix]
		} else {
			ctxPart = ragContext
		}
	}
	return fullPrompt + "|RAG:" + ctxPart
}

func validate(req Request) error {
	if len(req.Messages) == 0 && strings.TrimSpace(req.Prompt) == "" {
		return apierr.New(apierr.KindValidation, apierr.CodeInvalidRequest, "either messages or prompt must be provided")
	}
	if req.MaxTokens < 1 || req.MaxTokens > 2048 {
		return apierr.New(apierr.KindValidation, apierr.CodeInvalidRequest, "max_tokens must be between 1 and 2048")
	}
	if !validModelTags[strings.ToLower(req.ModelTag)] {
		return apierr.New(apierr.KindValidation, apierr.CodeInvalidRequest, fmt.Sprintf("invalid model_name: %s, must be qwen or llama", req.ModelTag))
	}
	return nil
}
