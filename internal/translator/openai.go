package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"dify-bridge/internal/apierr"
	"dify-bridge/internal/models"
)

// roleAliases maps accepted inbound roles onto the three roles the bridge
// models. "developer" is what newer OpenAI clients send instead of "system".
var roleAliases = map[string]string{
	models.RoleSystem:    models.RoleSystem,
	models.RoleUser:      models.RoleUser,
	models.RoleAssistant: models.RoleAssistant,
	"developer":          models.RoleSystem,
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Sampling parameters are parsed for compatibility but never forwarded.
type ChatCompletionRequest struct {
	Model        string
	Messages     []ChatMessage
	Stream       bool
	IncludeUsage bool
	User         string
	Temperature  *float64
	MaxTokens    *int
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string        `json:"model"`
		Messages      []ChatMessage `json:"messages"`
		Stream        bool          `json:"stream"`
		StreamOptions *struct {
			IncludeUsage bool `json:"include_usage"`
		} `json:"stream_options"`
		User        string   `json:"user"`
		Temperature *float64 `json:"temperature"`
		MaxTokens   *int     `json:"max_tokens"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return apierr.Validationf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.IncludeUsage = raw.StreamOptions != nil && raw.StreamOptions.IncludeUsage
	r.User = strings.TrimSpace(raw.User)
	r.Temperature = raw.Temperature
	r.MaxTokens = raw.MaxTokens

	return r.Validate()
}

// Validate checks the structural invariants of the request. The presence of
// a user message is checked by ToBackend.
func (r *ChatCompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return apierr.Validation("messages must not be empty")
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return apierr.Validationf("message[%d]: %s", i, err.Error())
		}
	}
	return nil
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return apierr.Validationf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	role := strings.ToLower(strings.TrimSpace(raw.Role))
	if canonical, ok := roleAliases[role]; ok {
		role = canonical
	}

	m.Role = role
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)

	return m.validate()
}

func (m ChatMessage) validate() error {
	if m.Role == "" {
		return apierr.Validation("role is required")
	}
	if _, ok := roleAliases[m.Role]; !ok {
		return apierr.Validationf("invalid role: %s", m.Role)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", apierr.Validation("invalid message content: missing content")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", apierr.Validationf("invalid message content: segment type %q not supported", segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", apierr.Validation("invalid message content: unsupported content structure")
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   OpenAIUsage  `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one server-sent event of a streamed completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *OpenAIUsage  `json:"usage,omitempty"`
}

// ChunkChoice is the per-choice part of a chunk. FinishReason stays null
// until the last content chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental message fields.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// ModelObject describes one advertised model.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// modelCreatedAt is the fixed creation timestamp advertised for every model.
const modelCreatedAt = 1677649969

// FromModels builds the /v1/models listing.
func FromModels(list []models.Model) ModelList {
	out := ModelList{Object: "list", Data: make([]ModelObject, 0, len(list))}
	for _, m := range list {
		out.Data = append(out.Data, ModelObject{
			ID:      m.ID,
			Object:  "model",
			Created: modelCreatedAt,
			OwnedBy: m.OwnedBy,
		})
	}
	return out
}

func (u OpenAIUsage) String() string {
	return fmt.Sprintf("prompt=%d completion=%d total=%d", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}
