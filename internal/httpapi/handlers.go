package httpapi

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/counselgpt/serving/internal/apierr"
	"github.com/counselgpt/serving/internal/orchestrator"
	"github.com/counselgpt/serving/internal/retrieval"
	ir "github.com/counselgpt/serving/internal/router"
)

func queryOptionsFrom(body ragQueryBody) retrieval.QueryOptions {
	return retrieval.QueryOptions{
		TopK:       body.TopK,
		Rerank:     body.UseReranking,
		DocumentID: body.DocumentID,
	}
}

// inboundQueryParams copies the inbound request's query string into the
// map[string][]string shape the router forwards verbatim.
func inboundQueryParams(ctx *fasthttp.RequestCtx) map[string][]string {
	args := ctx.QueryArgs()
	if args.Len() == 0 {
		return nil
	}
	params := make(map[string][]string, args.Len())
	args.VisitAll(func(k, v []byte) {
		key := string(k)
		params[key] = append(params[key], string(v))
	})
	return params
}

// inboundHeaders copies the inbound request's headers for relay to the
// backend. Hop-by-hop headers are stripped downstream in the forwarder, not
// here, so this is a faithful copy of what the client sent.
func inboundHeaders(ctx *fasthttp.RequestCtx) map[string][]string {
	headers := make(map[string][]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		headers[key] = append(headers[key], string(v))
	})
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.WriteErr(ctx, err)
		return
	}
	ctx.SetBody(data)
}

type inferRequestBody struct {
	Messages          []orchestrator.Message `json:"messages,omitempty"`
	Prompt            string                 `json:"prompt,omitempty"`
	MaxTokens         int                    `json:"max_tokens"`
	ModelName         string                 `json:"model_name"`
	UseGPU            bool                   `json:"use_gpu"`
	UseCache          bool                   `json:"use_cache"`
	SemanticThreshold *float64               `json:"semantic_threshold,omitempty"`
	UseRAG            bool                   `json:"use_rag"`
	RAGTopK           int                    `json:"rag_top_k"`
	DocumentID        string                 `json:"document_id,omitempty"`
}

type inferResponseBody struct {
	Response          string `json:"response"`
	PromptLength      int    `json:"prompt_length"`
	ResponseLength    int    `json:"response_length"`
	Cached            bool   `json:"cached"`
	ModelUsed         string `json:"model_used"`
	Backend           string `json:"backend,omitempty"`
	Fallback          bool   `json:"fallback"`
	FallbackReason    string `json:"fallback_reason,omitempty"`
	EstimatedTokens   int    `json:"estimated_tokens"`
	ContextWindow     int    `json:"context_window"`
	MessagesInContext int    `json:"messages_in_context"`
	RAGUsed           bool   `json:"rag_used"`
	RAGContextLength  int    `json:"rag_context_length"`
}

func (s *Server) handleInfer(ctx *fasthttp.RequestCtx) {
	var body inferRequestBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.WriteValidation(ctx, "invalid JSON body")
		return
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = 400
	}
	if body.ModelName == "" {
		body.ModelName = "qwen"
	}
	if body.RAGTopK == 0 {
		body.RAGTopK = 3
	}

	req := orchestrator.Request{
		Messages:          body.Messages,
		Prompt:            body.Prompt,
		MaxTokens:         body.MaxTokens,
		ModelTag:          body.ModelName,
		PreferGPU:         body.UseGPU,
		UseCache:          body.UseCache,
		SemanticThreshold: body.SemanticThreshold,
		UseRAG:            body.UseRAG,
		RAGTopK:           body.RAGTopK,
		DocumentID:        body.DocumentID,
		QueryParams:       inboundQueryParams(ctx),
		Headers:           inboundHeaders(ctx),
	}

	resp, err := s.Orchestrator.Infer(ctx, req)
	if err != nil {
		var fwErr *ir.ForwardError
		if errors.As(err, &fwErr) {
			switch fwErr.Outcome {
			case ir.OutcomeTimeout:
				apierr.WriteTimeout(ctx)
			case ir.OutcomeConnError:
				apierr.WriteUnreachable(ctx, "backend unreachable")
			default:
				apierr.Write(ctx, fwErr.HTTPStatus, "backend error", apierr.KindBackendInternal, apierr.CodeBackendError)
			}
			return
		}
		apierr.WriteErr(ctx, err)
		return
	}

	writeJSON(ctx, inferResponseBody{
		Response:          resp.Text,
		PromptLength:      resp.AssembledPromptLen,
		ResponseLength:    len(resp.Text),
		Cached:            resp.Cached,
		ModelUsed:         resp.ModelTag,
		Backend:           resp.Backend,
		Fallback:          resp.Fallback,
		FallbackReason:    resp.FallbackReason,
		EstimatedTokens:   resp.EstimatedTokens,
		ContextWindow:     2048,
		MessagesInContext: resp.MessagesInContext,
		RAGUsed:           resp.RAGUsed,
		RAGContextLength:  resp.RAGContextLength,
	})
}

type indexDocumentBody struct {
	Text                string  `json:"text"`
	DocumentID          string  `json:"document_id"`
	UseSemanticChunking *bool   `json:"use_semantic_chunking,omitempty"`
	MaxChunkSize        int     `json:"max_chunk_size,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	SetAsDefault        *bool   `json:"set_as_default,omitempty"`
}

func (s *Server) handleIndexDocument(ctx *fasthttp.RequestCtx) {
	var body indexDocumentBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.WriteValidation(ctx, "invalid JSON body")
		return
	}
	if body.DocumentID == "" {
		body.DocumentID = "default"
	}
	if len(body.Text) < 10 {
		apierr.WriteValidation(ctx, "text must be at least 10 characters")
		return
	}

	opts := retrieval.IndexOptions{
		UseSemanticChunking: body.UseSemanticChunking == nil || *body.UseSemanticChunking,
		MaxChunkSize:        body.MaxChunkSize,
		SimilarityThreshold: body.SimilarityThreshold,
		SetAsDefault:        body.SetAsDefault == nil || *body.SetAsDefault,
	}

	result, err := s.Retrieval.IndexDocument(ctx, body.DocumentID, body.Text, opts)
	if err != nil {
		apierr.WriteServerError(ctx, "indexing failed: "+err.Error())
		return
	}

	writeJSON(ctx, map[string]any{
		"document_id":     body.DocumentID,
		"num_chunks":      result.NumChunks,
		"chunking_method": result.ChunkingMethod,
		"is_default":      result.IsDefault,
		"message":         "document indexed",
	})
}

type ragQueryBody struct {
	Query         string `json:"query"`
	DocumentID    string `json:"document_id,omitempty"`
	TopK          int    `json:"top_k"`
	UseReranking  bool   `json:"use_reranking"`
}

func (s *Server) handleRAGQuery(ctx *fasthttp.RequestCtx) {
	var body ragQueryBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.WriteValidation(ctx, "invalid JSON body")
		return
	}
	if body.Query == "" {
		apierr.WriteValidation(ctx, "query must not be empty")
		return
	}
	if body.TopK == 0 {
		body.TopK = 5
	}

	contextText, results, err := s.Retrieval.Query(ctx, body.Query, queryOptionsFrom(body))
	if err != nil {
		apierr.WriteServerError(ctx, "query failed: "+err.Error())
		return
	}

	writeJSON(ctx, map[string]any{
		"query":       body.Query,
		"results":     results,
		"context":     contextText,
		"document_id": body.DocumentID,
	})
}

func (s *Server) handleListDocuments(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"documents": s.Retrieval.ListDocuments()})
}

func (s *Server) handleRAGStats(ctx *fasthttp.RequestCtx) {
	documents, chunks := s.Retrieval.Stats()
	writeJSON(ctx, map[string]any{"documents": documents, "chunks": chunks})
}

func (s *Server) handleDeleteDocument(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if !s.Retrieval.DeleteDocument(id) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "document not found: "+id, apierr.KindValidation, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, map[string]string{"message": "deleted document '" + id + "'"})
}

func (s *Server) handleCacheClear(ctx *fasthttp.RequestCtx) {
	n, err := s.Cache.Clear(ctx)
	if err != nil {
		apierr.WriteServerError(ctx, err.Error())
		return
	}
	writeJSON(ctx, map[string]any{"message": "cache cleared", "cleared": n})
}

func (s *Server) handleCacheStats(ctx *fasthttp.RequestCtx) {
	entries, storeConnected, embeddingAvailable, semanticCaching, similarityThreshold, exactEntries, semanticEntries := s.Cache.Stats(ctx)
	writeJSON(ctx, map[string]any{
		"entries":              entries,
		"store_connected":      storeConnected,
		"embedding_available":  embeddingAvailable,
		"semantic_caching":     semanticCaching,
		"similarity_threshold": similarityThreshold,
		"exact_entries":        exactEntries,
		"semantic_entries":     semanticEntries,
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status": "healthy",
		"backends": map[string]any{
			"gpu": map[string]any{
				"healthy":         s.Health.Healthy("gpu"),
				"circuit_breaker": s.Breaker.StateLabel("gpu"),
			},
			"cpu": map[string]any{
				"healthy":         s.Health.Healthy("cpu"),
				"circuit_breaker": s.Breaker.StateLabel("cpu"),
			},
		},
		"gpu_permits_available": s.Admission.Available(),
		"gpu_permits_total":     s.Admission.Size(),
	})
}
