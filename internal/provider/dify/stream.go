package dify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"dify-bridge/internal/apierr"
	"dify-bridge/internal/models"
)

const maxSSELineBytes = 1024 * 1024

// Dify event names that carry data for the caller. Everything else (ping,
// workflow_*, node_*, agent_thought, message_file, tts_*) is ignored.
const (
	eventMessage      = "message"
	eventAgentMessage = "agent_message"
	eventMessageEnd   = "message_end"
	eventError        = "error"
)

// StreamChatMessages starts a streaming call. Failures to connect and
// non-2xx responses are returned directly. After that, events are delivered
// on the returned channel, which is closed when the backend stream ends, an
// error event has been delivered, or ctx is done.
//
// A 2xx reply with a JSON body instead of an event stream is decoded as a
// blocking answer and delivered as one message event followed by an end event.
func (c *Client) StreamChatMessages(ctx context.Context, credential string, req models.BackendChatRequest) (<-chan models.StreamEvent, error) {
	httpReq, err := c.newRequest(ctx, credential, contentTypeSSE, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apierr.Transport(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	if isJSONResponse(httpResp) {
		defer httpResp.Body.Close()
		return blockingEvents(httpResp.Body)
	}

	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()
		readEvents(ctx, httpResp.Body, ch)
	}()
	return ch, nil
}

func isJSONResponse(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == contentTypeJSON
}

func blockingEvents(body io.Reader) (<-chan models.StreamEvent, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxSuccessBodyBytes))
	if err != nil {
		return nil, apierr.Transport(fmt.Errorf("read dify response: %w", err))
	}
	resp, err := models.DecodeBackendResponse(raw)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("decode dify response: %w", err))
	}

	ch := make(chan models.StreamEvent, 2)
	ch <- models.StreamEvent{
		Kind:           models.StreamEventMessage,
		Answer:         resp.Answer,
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		CreatedAt:      resp.CreatedAt,
	}
	ch <- models.StreamEvent{
		Kind:           models.StreamEventEnd,
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		CreatedAt:      resp.CreatedAt,
		Usage:          resp.Usage,
	}
	close(ch)
	return ch, nil
}

var errNoAnswerEvents = errors.New("dify stream ended without message events")

// readEvents scans "data:" lines and forwards the relevant events on ch. A
// stream that ends without any message or message_end event is reported as
// an error.
func readEvents(ctx context.Context, body io.Reader, ch chan<- models.StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	answered := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		ev, ok := parseEvent([]byte(payload))
		if !ok {
			continue
		}
		if !send(ctx, ch, ev) {
			return
		}
		if ev.Kind == models.StreamEventError {
			return
		}
		answered = true
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		send(ctx, ch, models.StreamEvent{
			Kind: models.StreamEventError,
			Err:  apierr.Transport(fmt.Errorf("read dify stream: %w", err)),
		})
		return
	}

	if !answered && ctx.Err() == nil {
		send(ctx, ch, models.StreamEvent{Kind: models.StreamEventError, Err: apierr.Transport(errNoAnswerEvents)})
	}
}

func send(ctx context.Context, ch chan<- models.StreamEvent, ev models.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseEvent converts one SSE payload. It reports false for malformed or
// irrelevant events.
func parseEvent(payload []byte) (models.StreamEvent, bool) {
	if !gjson.ValidBytes(payload) {
		slog.Warn("skipping malformed dify stream event", "data", apierr.Truncate(string(payload), 200))
		return models.StreamEvent{}, false
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return models.StreamEvent{}, false
	}

	ev := models.StreamEvent{
		ConversationID: root.Get("conversation_id").String(),
		MessageID:      root.Get("message_id").String(),
		CreatedAt:      root.Get("created_at").Int(),
	}

	switch root.Get("event").String() {
	case eventMessage, eventAgentMessage:
		ev.Kind = models.StreamEventMessage
		ev.Answer = root.Get("answer").String()
	case eventMessageEnd:
		ev.Kind = models.StreamEventEnd
		ev.Usage = models.DecodeUsage(root.Get("metadata"))
	case eventError:
		status := int(root.Get("status").Int())
		if status == 0 {
			status = http.StatusInternalServerError
		}
		ev.Kind = models.StreamEventError
		ev.Err = apierr.Upstream(status, errorMessage(payload))
	default:
		return models.StreamEvent{}, false
	}
	return ev, true
}
