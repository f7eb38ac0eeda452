package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"dify-bridge/internal/apierr"
	"dify-bridge/internal/translator"
)

const sseDone = "[DONE]"

// streamChatCompletion relays chunks as server-sent events. Nothing is
// written until the first chunk arrives, so failures before that point are
// still reported with a proper status code.
func (s *Server) streamChatCompletion(c echo.Context, credential string, req translator.ChatCompletionRequest) error {
	ctx := c.Request().Context()

	chunks, err := s.proxy.Stream(ctx, credential, req)
	if err != nil {
		return err
	}

	first, ok := <-chunks
	if ok && first.Err != nil {
		return first.Err
	}

	writer := c.Response().Writer
	flusher, canFlush := writer.(http.Flusher)
	if !canFlush {
		s.logger.Error("http writer does not support flushing")
		return apierr.Internal(errors.New("server does not support streaming responses"))
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	if ok {
		if err := writeSSEData(c.Response(), first.Chunk); err != nil {
			s.logger.Warn("failed to write SSE chunk", "error", err)
			return nil
		}
		flusher.Flush()
	}

	for item := range chunks {
		if item.Err != nil {
			env := apierr.Map(item.Err)
			s.metrics.RecordError(env.Type)
			if err := writeSSEData(c.Response(), apierr.Body{Error: env}); err != nil {
				s.logger.Warn("failed to write SSE error", "error", err)
			}
			flusher.Flush()
			return nil
		}
		if err := writeSSEData(c.Response(), item.Chunk); err != nil {
			s.logger.Warn("failed to write SSE chunk", "error", err)
			return nil
		}
		flusher.Flush()
	}

	if ctx.Err() != nil {
		return nil
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", sseDone); err != nil {
		s.logger.Warn("failed to write SSE terminator", "error", err)
		return nil
	}
	flusher.Flush()
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
