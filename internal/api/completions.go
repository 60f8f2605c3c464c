package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/llama2/internal/inference"
)

const routeCompletions = "/v1/completions"

func (s *Server) handleCompletions(c *echo.Context) error {
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return s.writeError(c, routeCompletions, http.StatusBadRequest, "invalid_request_error", err.Error(), "")
	}
	opts, maxTokens, err := s.resolve(req)
	if err != nil {
		return s.writeError(c, routeCompletions, http.StatusBadRequest, "invalid_request_error", err.Error(), invalidParam(err))
	}

	ctx := c.Request().Context()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return s.writeError(c, routeCompletions, http.StatusServiceUnavailable, "server_busy", "request ended while waiting for a free session", "")
	}
	defer func() { <-s.sem }()

	sess, err := s.pool.NewSession(opts)
	if err != nil {
		return s.writeError(c, routeCompletions, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	defer func() {
		if err := s.pool.Release(sess); err != nil {
			s.log.Warn("release session", "error", err)
		}
	}()

	// max_tokens counts generated tokens; the loop budget counts positions,
	// and the prompt occupies all but its last one.
	steps := 0
	if maxTokens > 0 {
		steps = len(sess.Tokenizer().Encode(req.Prompt, true, false)) - 1 + maxTokens
	}
	stream := sess.Stream(ctx, req.Prompt, steps)

	model := req.Model
	if model == "" {
		model = s.modelID
	}
	out := completionOutput{
		id:      "cmpl-" + uuid.NewString(),
		created: s.clock().Unix(),
		model:   model,
		echo:    req.Echo,
	}
	if req.Stream {
		return s.streamCompletion(c, stream, out)
	}
	return s.syncCompletion(c, stream, out)
}

type completionOutput struct {
	id      string
	created int64
	model   string
	echo    bool
}

func (o completionOutput) response(text string, reason *string) CompletionResponse {
	return CompletionResponse{
		ID:      o.id,
		Object:  "text_completion",
		Created: o.created,
		Model:   o.model,
		Choices: []CompletionChoice{{Index: 0, Text: text, FinishReason: reason}},
	}
}

func usageOf(st inference.Stats) *Usage {
	return &Usage{
		PromptTokens:     st.PromptTokens,
		CompletionTokens: st.TokensGenerated,
		TotalTokens:      st.PromptTokens + st.TokensGenerated,
	}
}

func (s *Server) syncCompletion(c *echo.Context, stream *inference.Stream, out completionOutput) error {
	var sb strings.Builder
	for p := range stream.Pieces() {
		if p.Prompt && !out.echo {
			continue
		}
		sb.WriteString(p.Text)
	}
	if err := stream.Err(); err != nil {
		s.log.Error("completion failed", "id", out.id, "error", err)
		return s.writeError(c, routeCompletions, http.StatusInternalServerError, "server_error", err.Error(), "")
	}

	stats := stream.Stats()
	s.logDone(out.id, stats)
	reason := stats.FinishReason
	resp := out.response(sb.String(), &reason)
	resp.Usage = usageOf(stats)
	return s.writeJSON(c, routeCompletions, http.StatusOK, resp)
}

func (s *Server) streamCompletion(c *echo.Context, stream *inference.Stream, out completionOutput) error {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return s.writeError(c, routeCompletions, http.StatusInternalServerError, "server_error", "streaming unsupported", "")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	s.metrics.ObserveRequest(routeCompletions, "200")

	w := sseWriter{w: res, flush: flusher.Flush}
	for p := range stream.Pieces() {
		if p.Prompt && !out.echo {
			continue
		}
		if err := w.send(out.response(p.Text, nil)); err != nil {
			// Client went away; leaving the loop stops generation.
			s.log.Debug("stream write failed", "id", out.id, "error", err)
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		s.log.Error("completion failed", "id", out.id, "error", err)
		_ = w.send(ErrorBody{Error: ErrorDetail{Message: err.Error(), Type: "server_error"}})
	}

	stats := stream.Stats()
	s.logDone(out.id, stats)
	reason := stats.FinishReason
	final := out.response("", &reason)
	final.Usage = usageOf(stats)
	_ = w.send(final)
	return w.done()
}

func (s *Server) logDone(id string, st inference.Stats) {
	s.log.Info("completion",
		"id", id,
		"prompt_tokens", st.PromptTokens,
		"completion_tokens", st.TokensGenerated,
		"finish_reason", st.FinishReason,
		"duration", st.Duration,
		"tps", st.TPS,
	)
}

func (s *Server) resolve(req CompletionRequest) (inference.SessionOptions, int, error) {
	opts := inference.SessionOptions{
		Temperature: s.defaults.Temperature,
		TopP:        s.defaults.TopP,
		Logger:      s.log,
		Metrics:     s.metrics,
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 {
			return opts, 0, newInvalidRequest("temperature", "temperature must be >= 0, got %g", *req.Temperature)
		}
		opts.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		if *req.TopP < 0 || *req.TopP > 1 {
			return opts, 0, newInvalidRequest("top_p", "top_p must be within [0, 1], got %g", *req.TopP)
		}
		opts.TopP = float32(*req.TopP)
	}
	maxTokens := s.defaults.MaxTokens
	if req.MaxTokens != nil {
		if *req.MaxTokens < 0 {
			return opts, 0, newInvalidRequest("max_tokens", "max_tokens must be >= 0, got %d", *req.MaxTokens)
		}
		maxTokens = *req.MaxTokens
	}
	if req.Seed != nil && *req.Seed != 0 {
		opts.Seed = *req.Seed
	} else {
		opts.Seed = s.newSeed()
	}
	return opts, maxTokens, nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, fmt.Errorf("request body is required")
		}
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}

type sseWriter struct {
	w     io.Writer
	flush func()
}

func (s sseWriter) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s sseWriter) done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}
