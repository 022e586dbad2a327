package llm

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware logs every Complete call at debug level and failures at
// warn level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm")
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		attrs := []any{
			"provider", req.Provider,
			"model", req.Model,
			"messages", len(req.Messages),
			"duration", time.Since(start),
		}
		if err != nil {
			logger.WarnContext(ctx, "model call failed", append(attrs, "error", err, "retryable", IsRetryable(err))...)
			return nil, err
		}
		logger.DebugContext(ctx, "model call",
			append(attrs,
				"finish_reason", resp.FinishReason.Reason,
				"input_tokens", resp.Usage.InputTokens,
				"output_tokens", resp.Usage.OutputTokens,
			)...)
		return resp, nil
	}
}

// StreamLoggingMiddleware logs stream setup failures.
func StreamLoggingMiddleware(logger *slog.Logger) StreamMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm")
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		ch, err := next(ctx, req)
		if err != nil {
			logger.WarnContext(ctx, "model stream failed", "provider", req.Provider, "model", req.Model, "error", err)
			return nil, err
		}
		logger.DebugContext(ctx, "model stream opened", "provider", req.Provider, "model", req.Model)
		return ch, nil
	}
}
