package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dify-bridge/internal/apierr"
	"dify-bridge/internal/metrics"
	"dify-bridge/internal/models"
	"dify-bridge/internal/translator"
)

const bearerPrefix = "Bearer "

// Backend is the outbound collaborator that reaches Dify.
type Backend interface {
	ChatMessages(ctx context.Context, credential string, req models.BackendChatRequest) ([]byte, error)
	StreamChatMessages(ctx context.Context, credential string, req models.BackendChatRequest) (<-chan models.StreamEvent, error)
}

// Options configures a Proxy.
type Options struct {
	Timeout       time.Duration
	StreamTimeout time.Duration
	FallbackUser  string
	DefaultModel  string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Proxy turns OpenAI chat completion requests into Dify calls and back. It
// holds no per-request state and is safe for concurrent use.
type Proxy struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

// StreamChunk is one item relayed to the caller. Exactly one of Chunk and
// Err is set; an error is always the last item.
type StreamChunk struct {
	Chunk *translator.ChatCompletionChunk
	Err   error
}

// New constructs a proxy around backend.
func New(backend Backend, opts Options) (*Proxy, error) {
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", opts.Timeout)
	}
	if opts.StreamTimeout <= 0 {
		return nil, fmt.Errorf("stream timeout must be positive, got %s", opts.StreamTimeout)
	}
	if strings.TrimSpace(opts.FallbackUser) == "" {
		return nil, errors.New("fallback user must not be empty")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Proxy{backend: backend, opts: opts, logger: logger}, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", apierr.Authentication("missing authorization header")
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", apierr.Authentication("authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", apierr.Authentication("empty bearer token")
	}
	return token, nil
}

// Complete performs one blocking chat completion.
func (p *Proxy) Complete(ctx context.Context, credential string, req translator.ChatCompletionRequest) (*translator.ChatCompletionResponse, error) {
	backendReq, model, err := p.prepare(credential, req)
	if err != nil {
		return nil, err
	}
	backendReq.ResponseMode = models.ResponseModeBlocking

	callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	body, err := p.backend.ChatMessages(callCtx, credential, backendReq)
	p.observe(models.ResponseModeBlocking, start, err)
	if err != nil {
		p.logFailure("dify chat request failed", err)
		return nil, err
	}

	decoded, err := models.DecodeBackendResponse(body)
	if err != nil {
		p.logger.Warn("undecodable dify response", "error", err, "body", apierr.Truncate(string(body), 512))
		return nil, apierr.Internal(fmt.Errorf("decode dify response: %w", err))
	}

	resp := translator.FromBackend(decoded, model)
	p.opts.Metrics.AddTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	p.logger.Debug("chat completion relayed", "id", resp.ID, "model", model, "usage", resp.Usage.String())
	return &resp, nil
}

// Stream starts a relayed streaming completion. Errors that occur before
// the backend accepted the call are returned directly; later ones arrive as
// the final item on the channel. The channel is closed when the relay ends,
// and the relay stops as soon as ctx is done.
func (p *Proxy) Stream(ctx context.Context, credential string, req translator.ChatCompletionRequest) (<-chan StreamChunk, error) {
	backendReq, model, err := p.prepare(credential, req)
	if err != nil {
		return nil, err
	}
	backendReq.ResponseMode = models.ResponseModeStreaming

	streamCtx, cancel := context.WithTimeout(ctx, p.opts.StreamTimeout)

	start := time.Now()
	events, err := p.backend.StreamChatMessages(streamCtx, credential, backendReq)
	p.observe(models.ResponseModeStreaming, start, err)
	if err != nil {
		cancel()
		p.logFailure("dify stream request failed", err)
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer cancel()
		defer close(out)

		p.opts.Metrics.StreamStarted()
		defer p.opts.Metrics.StreamFinished()

		p.relay(ctx, streamCtx, events, translator.NewStreamTranslator(model, req.IncludeUsage), out)
	}()
	return out, nil
}

func (p *Proxy) relay(ctx, streamCtx context.Context, events <-chan models.StreamEvent, st *translator.StreamTranslator, out chan<- StreamChunk) {
	for ev := range events {
		if ev.Kind == models.StreamEventError {
			p.logFailure("dify stream failed", ev.Err)
			send(ctx, out, StreamChunk{Err: ev.Err})
			return
		}
		if !sendChunks(ctx, out, st.Translate(ev)) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if streamCtx.Err() != nil {
		err := apierr.Transport(fmt.Errorf("dify stream exceeded %s: %w", p.opts.StreamTimeout, streamCtx.Err()))
		p.logFailure("dify stream timed out", err)
		send(ctx, out, StreamChunk{Err: err})
		return
	}

	if !sendChunks(ctx, out, st.Finish()) {
		return
	}

	usage := st.Usage()
	p.opts.Metrics.AddTokens(usage.PromptTokens, usage.CompletionTokens)
}

func sendChunks(ctx context.Context, out chan<- StreamChunk, chunks []translator.ChatCompletionChunk) bool {
	for i := range chunks {
		if !send(ctx, out, StreamChunk{Chunk: &chunks[i]}) {
			return false
		}
	}
	return true
}

func send(ctx context.Context, out chan<- StreamChunk, item StreamChunk) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// prepare runs the checks that must pass before any outbound call.
func (p *Proxy) prepare(credential string, req translator.ChatCompletionRequest) (models.BackendChatRequest, string, error) {
	if strings.TrimSpace(credential) == "" {
		return models.BackendChatRequest{}, "", apierr.Authentication("empty bearer token")
	}
	if err := req.Validate(); err != nil {
		return models.BackendChatRequest{}, "", err
	}

	backendReq, err := translator.ToBackend(req, p.opts.FallbackUser)
	if err != nil {
		return models.BackendChatRequest{}, "", err
	}

	model := req.Model
	if model == "" {
		model = p.opts.DefaultModel
	}
	return backendReq, model, nil
}

func (p *Proxy) observe(mode string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apierr.Map(err).Type
	}
	p.opts.Metrics.ObserveBackend(mode, outcome, time.Since(start))
}

func (p *Proxy) logFailure(msg string, err error) {
	env := apierr.Map(err)
	p.logger.Warn(msg, "type", env.Type, "status", env.Code, "error", apierr.Truncate(env.Message, 512))
}
