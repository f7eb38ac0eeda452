package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dify-bridge/internal/apierr"
	"dify-bridge/internal/models"
	"dify-bridge/internal/translator"
)

// mockBackend records calls and delegates to optional function fields.
type mockBackend struct {
	calls atomic.Int32

	chatFunc   func(ctx context.Context, credential string, req models.BackendChatRequest) ([]byte, error)
	streamFunc func(ctx context.Context, credential string, req models.BackendChatRequest) (<-chan models.StreamEvent, error)
}

func (m *mockBackend) ChatMessages(ctx context.Context, credential string, req models.BackendChatRequest) ([]byte, error) {
	m.calls.Add(1)
	if m.chatFunc == nil {
		return []byte(`{}`), nil
	}
	return m.chatFunc(ctx, credential, req)
}

func (m *mockBackend) StreamChatMessages(ctx context.Context, credential string, req models.BackendChatRequest) (<-chan models.StreamEvent, error) {
	m.calls.Add(1)
	if m.streamFunc == nil {
		ch := make(chan models.StreamEvent)
		close(ch)
		return ch, nil
	}
	return m.streamFunc(ctx, credential, req)
}

func newTestProxy(t *testing.T, backend Backend) *Proxy {
	t.Helper()
	p, err := New(backend, Options{
		Timeout:       time.Second,
		StreamTimeout: time.Second,
		FallbackUser:  "openai-proxy-user",
		DefaultModel:  "dify-app",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return p
}

func chatRequest(stream bool, msgs ...translator.ChatMessage) translator.ChatCompletionRequest {
	return translator.ChatCompletionRequest{Model: "m", Messages: msgs, Stream: stream}
}

func user(content string) translator.ChatMessage {
	return translator.ChatMessage{Role: models.RoleUser, Content: content}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Timeout: time.Second, StreamTimeout: time.Second, FallbackUser: "u"})
	require.Error(t, err)

	_, err = New(&mockBackend{}, Options{StreamTimeout: time.Second, FallbackUser: "u"})
	require.Error(t, err)

	_, err = New(&mockBackend{}, Options{Timeout: time.Second, FallbackUser: "u"})
	require.Error(t, err)

	_, err = New(&mockBackend{}, Options{Timeout: time.Second, StreamTimeout: time.Second, FallbackUser: " "})
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer app-123", want: "app-123"},
		{header: "bearer app-123", want: "app-123"},
		{header: "Bearer   spaced  ", want: "spaced"},
		{header: "", wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Bearer    ", wantErr: true},
		{header: "Basic dXNlcg==", wantErr: true},
		{header: "Bear", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := BearerToken(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				env := apierr.Map(err)
				assert.Equal(t, http.StatusUnauthorized, env.Code)
				assert.Equal(t, apierr.TypeInvalidRequest, env.Type)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompleteSuccess(t *testing.T) {
	backend := &mockBackend{
		chatFunc: func(ctx context.Context, credential string, req models.BackendChatRequest) ([]byte, error) {
			assert.Equal(t, "app-key", credential)
			assert.Equal(t, "hi", req.Query)
			assert.Equal(t, models.ResponseModeBlocking, req.ResponseMode)
			assert.Equal(t, map[string]any{"system_prompt": "S"}, req.Inputs)

			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return []byte(`{"answer":"hello","conversation_id":"abcdef0123456789xyz","created_at":1000}`), nil
		},
	}
	p := newTestProxy(t, backend)

	resp, err := p.Complete(context.Background(), "app-key", chatRequest(false,
		translator.ChatMessage{Role: models.RoleSystem, Content: "S"},
		user("hi"),
	))
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-abcdef0123456789", resp.ID)
	assert.Equal(t, int64(1000), resp.Created)
	assert.Equal(t, "m", resp.Model)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, translator.OpenAIUsage{PromptTokens: 0, CompletionTokens: 1, TotalTokens: 11}, resp.Usage)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestCompleteDefaultsModel(t *testing.T) {
	p := newTestProxy(t, &mockBackend{})

	req := chatRequest(false, user("hi"))
	req.Model = ""
	resp, err := p.Complete(context.Background(), "k", req)
	require.NoError(t, err)
	assert.Equal(t, "dify-app", resp.Model)
}

func TestFailFastWithoutOutboundCall(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		req        translator.ChatCompletionRequest
		code       int
		message    string
	}{
		{
			name:       "empty credential",
			credential: "",
			req:        chatRequest(false, user("hi")),
			code:       http.StatusUnauthorized,
			message:    "empty bearer token",
		},
		{
			name:       "no messages",
			credential: "k",
			req:        chatRequest(false),
			code:       http.StatusBadRequest,
			message:    "messages must not be empty",
		},
		{
			name:       "no user message",
			credential: "k",
			req:        chatRequest(false, translator.ChatMessage{Role: models.RoleSystem, Content: "S"}),
			code:       http.StatusBadRequest,
			message:    "no user message found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, stream := range []bool{false, true} {
				backend := &mockBackend{}
				p := newTestProxy(t, backend)
				tt.req.Stream = stream

				var err error
				if stream {
					_, err = p.Stream(context.Background(), tt.credential, tt.req)
				} else {
					_, err = p.Complete(context.Background(), tt.credential, tt.req)
				}
				require.Error(t, err)

				env := apierr.Map(err)
				assert.Equal(t, tt.code, env.Code)
				assert.Contains(t, env.Message, tt.message)
				assert.Zero(t, backend.calls.Load(), "no outbound call expected")
			}
		})
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		chat    func(ctx context.Context, credential string, req models.BackendChatRequest) ([]byte, error)
		code    int
		errType string
		message string
	}{
		{
			name: "upstream status passes through",
			chat: func(context.Context, string, models.BackendChatRequest) ([]byte, error) {
				return nil, apierr.Upstream(http.StatusTooManyRequests, `{"message":"rate limited"}`)
			},
			code:    http.StatusTooManyRequests,
			errType: apierr.TypeUpstream,
			message: "rate limited",
		},
		{
			name: "transport failure",
			chat: func(context.Context, string, models.BackendChatRequest) ([]byte, error) {
				return nil, apierr.Transport(errors.New("connection refused"))
			},
			code:    http.StatusBadGateway,
			errType: apierr.TypeTransport,
			message: "connection refused",
		},
		{
			name: "malformed backend json",
			chat: func(context.Context, string, models.BackendChatRequest) ([]byte, error) {
				return []byte(`<html>oops</html>`), nil
			},
			code:    http.StatusInternalServerError,
			errType: apierr.TypeInternal,
			message: "decode dify response",
		},
		{
			name: "unclassified failure",
			chat: func(context.Context, string, models.BackendChatRequest) ([]byte, error) {
				return nil, errors.New("surprise")
			},
			code:    http.StatusInternalServerError,
			errType: apierr.TypeInternal,
			message: "surprise",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, &mockBackend{chatFunc: tt.chat})

			_, err := p.Complete(context.Background(), "k", chatRequest(false, user("hi")))
			require.Error(t, err)

			env := apierr.Map(err)
			assert.Equal(t, tt.code, env.Code)
			assert.Equal(t, tt.errType, env.Type)
			assert.Contains(t, env.Message, tt.message)
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	backend := &mockBackend{
		chatFunc: func(ctx context.Context, _ string, _ models.BackendChatRequest) ([]byte, error) {
			<-ctx.Done()
			return nil, apierr.Transport(ctx.Err())
		},
	}
	p, err := New(backend, Options{
		Timeout:       20 * time.Millisecond,
		StreamTimeout: time.Second,
		FallbackUser:  "u",
	})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), "k", chatRequest(false, user("hi")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadGateway, apierr.Map(err).Code)
}

func eventStream(events ...models.StreamEvent) func(ctx context.Context, credential string, req models.BackendChatRequest) (<-chan models.StreamEvent, error) {
	return func(ctx context.Context, _ string, _ models.BackendChatRequest) (<-chan models.StreamEvent, error) {
		ch := make(chan models.StreamEvent)
		go func() {
			defer close(ch)
			for _, ev := range events {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func drain(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, item)
		case <-timeout:
			t.Fatal("stream did not finish")
			return out
		}
	}
}

func TestStreamRelay(t *testing.T) {
	backend := &mockBackend{streamFunc: eventStream(
		models.StreamEvent{Kind: models.StreamEventMessage, Answer: "Hel", ConversationID: "conv"},
		models.StreamEvent{Kind: models.StreamEventMessage, Answer: "lo", ConversationID: "conv"},
		models.StreamEvent{Kind: models.StreamEventEnd, ConversationID: "conv"},
	)}
	p := newTestProxy(t, backend)

	req := chatRequest(true, user("hi"))
	req.IncludeUsage = true
	ch, err := p.Stream(context.Background(), "k", req)
	require.NoError(t, err)

	items := drain(t, ch)
	require.Len(t, items, 4)
	for _, item := range items {
		require.NoError(t, item.Err)
		assert.Equal(t, "chatcmpl-conv", item.Chunk.ID)
	}
	assert.Equal(t, "assistant", items[0].Chunk.Choices[0].Delta.Role)
	assert.Equal(t, "Hel", items[0].Chunk.Choices[0].Delta.Content)
	assert.Equal(t, "lo", items[1].Chunk.Choices[0].Delta.Content)
	require.NotNil(t, items[2].Chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *items[2].Chunk.Choices[0].FinishReason)
	require.NotNil(t, items[3].Chunk.Usage)
	assert.Equal(t, 1, items[3].Chunk.Usage.CompletionTokens)
}

func TestStreamWithoutMessageEndStillFinishes(t *testing.T) {
	backend := &mockBackend{streamFunc: eventStream(
		models.StreamEvent{Kind: models.StreamEventMessage, Answer: "partial"},
	)}
	p := newTestProxy(t, backend)

	ch, err := p.Stream(context.Background(), "k", chatRequest(true, user("hi")))
	require.NoError(t, err)

	items := drain(t, ch)
	require.Len(t, items, 2)
	assert.Equal(t, "chatcmpl-proxy", items[1].Chunk.ID)
	require.NotNil(t, items[1].Chunk.Choices[0].FinishReason)
}

func TestStreamMidStreamError(t *testing.T) {
	backend := &mockBackend{streamFunc: eventStream(
		models.StreamEvent{Kind: models.StreamEventMessage, Answer: "partial"},
		models.StreamEvent{Kind: models.StreamEventError, Err: apierr.Upstream(http.StatusBadRequest, "quota")},
	)}
	p := newTestProxy(t, backend)

	ch, err := p.Stream(context.Background(), "k", chatRequest(true, user("hi")))
	require.NoError(t, err)

	items := drain(t, ch)
	require.Len(t, items, 2)
	require.NotNil(t, items[0].Chunk)
	require.Error(t, items[1].Err)
	assert.Nil(t, items[1].Chunk)
	assert.Equal(t, http.StatusBadRequest, apierr.Map(items[1].Err).Code)
}

func TestStreamConnectError(t *testing.T) {
	backend := &mockBackend{
		streamFunc: func(context.Context, string, models.BackendChatRequest) (<-chan models.StreamEvent, error) {
			return nil, apierr.Upstream(http.StatusUnauthorized, "invalid key")
		},
	}
	p := newTestProxy(t, backend)

	ch, err := p.Stream(context.Background(), "k", chatRequest(true, user("hi")))
	require.Error(t, err)
	assert.Nil(t, ch)
	assert.Equal(t, http.StatusUnauthorized, apierr.Map(err).Code)
}

func TestStreamTimeout(t *testing.T) {
	backend := &mockBackend{
		streamFunc: func(ctx context.Context, _ string, _ models.BackendChatRequest) (<-chan models.StreamEvent, error) {
			ch := make(chan models.StreamEvent)
			go func() {
				defer close(ch)
				<-ctx.Done()
			}()
			return ch, nil
		},
	}
	p, err := New(backend, Options{
		Timeout:       time.Second,
		StreamTimeout: 20 * time.Millisecond,
		FallbackUser:  "u",
	})
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), "k", chatRequest(true, user("hi")))
	require.NoError(t, err)

	items := drain(t, ch)
	require.Len(t, items, 1)
	require.Error(t, items[0].Err)
	assert.Equal(t, apierr.TypeTransport, apierr.Map(items[0].Err).Type)
}

func TestStreamCallerCancel(t *testing.T) {
	var producerDone atomic.Bool
	backend := &mockBackend{
		streamFunc: func(ctx context.Context, _ string, _ models.BackendChatRequest) (<-chan models.StreamEvent, error) {
			ch := make(chan models.StreamEvent)
			go func() {
				defer close(ch)
				defer producerDone.Store(true)
				for {
					select {
					case ch <- models.StreamEvent{Kind: models.StreamEventMessage, Answer: "x"}:
					case <-ctx.Done():
						return
					}
				}
			}()
			return ch, nil
		},
	}
	p := newTestProxy(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, "k", chatRequest(true, user("hi")))
	require.NoError(t, err)

	<-ch
	<-ch
	cancel()

	drain(t, ch)
	assert.Eventually(t, producerDone.Load, time.Second, 10*time.Millisecond)
}
