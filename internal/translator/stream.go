package translator

import (
	"strings"

	"dify-bridge/internal/models"
)

const chunkObject = "chat.completion.chunk"

// StreamTranslator converts backend streaming events into OpenAI chunks for
// a single response. It is not safe for concurrent use.
type StreamTranslator struct {
	model        string
	includeUsage bool

	id       string
	created  int64
	roleSent bool
	finished bool
	answer   strings.Builder
	usage    *models.BackendUsage
}

// NewStreamTranslator returns a translator echoing model in every chunk.
// When includeUsage is set a trailing usage-only chunk is produced.
func NewStreamTranslator(model string, includeUsage bool) *StreamTranslator {
	return &StreamTranslator{model: model, includeUsage: includeUsage}
}

// Translate returns the chunks produced by ev, possibly none. Events after
// the end of the stream are ignored.
func (s *StreamTranslator) Translate(ev models.StreamEvent) []ChatCompletionChunk {
	if s.finished {
		return nil
	}
	s.observe(ev)

	switch ev.Kind {
	case models.StreamEventMessage:
		if ev.Answer == "" && s.roleSent {
			return nil
		}
		s.answer.WriteString(ev.Answer)
		delta := ChunkDelta{Content: ev.Answer}
		if !s.roleSent {
			delta.Role = models.RoleAssistant
			s.roleSent = true
		}
		return []ChatCompletionChunk{s.chunk(delta, nil)}
	case models.StreamEventEnd:
		if ev.Usage != nil {
			s.usage = ev.Usage
		}
		return s.Finish()
	default:
		return nil
	}
}

// Finish closes the stream: a role chunk if nothing was sent yet, the stop
// chunk, and the usage chunk when requested. Later calls return nil.
func (s *StreamTranslator) Finish() []ChatCompletionChunk {
	if s.finished {
		return nil
	}
	s.finished = true
	if s.id == "" {
		s.id = CompletionID("")
	}

	chunks := make([]ChatCompletionChunk, 0, 3)
	if !s.roleSent {
		chunks = append(chunks, s.chunk(ChunkDelta{Role: models.RoleAssistant}, nil))
		s.roleSent = true
	}

	stop := FinishReasonStop
	chunks = append(chunks, s.chunk(ChunkDelta{}, &stop))

	if s.includeUsage {
		usage := s.Usage()
		chunks = append(chunks, ChatCompletionChunk{
			ID:      s.id,
			Object:  chunkObject,
			Created: s.created,
			Model:   s.model,
			Choices: []ChunkChoice{},
			Usage:   &usage,
		})
	}
	return chunks
}

// Usage reports token usage over everything relayed so far.
func (s *StreamTranslator) Usage() OpenAIUsage {
	return EstimateUsage(s.answer.String(), s.usage)
}

func (s *StreamTranslator) observe(ev models.StreamEvent) {
	if s.id == "" {
		s.id = CompletionID(ev.ConversationID)
		s.created = ev.CreatedAt
	}
}

func (s *StreamTranslator) chunk(delta ChunkDelta, finishReason *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      s.id,
		Object:  chunkObject,
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: finishReason,
			},
		},
	}
}
