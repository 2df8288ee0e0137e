package accesslog

import (
	"context"
	"log/slog"
	"os"
)

// SlogSink writes entries through a structured logger. It is the default
// sink so access logging works out of the box with no external dependency.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "inference_request",
			slog.String("id", e.ID.String()),
			slog.String("backend", e.Backend),
			slog.String("model", e.ModelTag),
			slog.Bool("cached", e.Cached),
			slog.Bool("semantic_cache_hit", e.Semantic),
			slog.Bool("fallback", e.Fallback),
			slog.String("fallback_reason", e.FallbackReason),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}
