package translator

import (
	"strings"
	"unicode/utf8"

	"dify-bridge/internal/apierr"
	"dify-bridge/internal/models"
)

const (
	completionIDPrefix = "chatcmpl-"
	// placeholderCompletionID is used when the backend sent no conversation id.
	placeholderCompletionID = completionIDPrefix + "proxy"
	conversationIDChars     = 16

	// usagePadding is added to the completion count when the backend reports
	// no total. It is a placeholder, not a prompt token estimate.
	usagePadding = 10

	// FinishReasonStop is the only finish reason the bridge reports.
	FinishReasonStop = "stop"

	systemPromptInput = "system_prompt"
)

// ToBackend derives the Dify chat-messages request from an OpenAI request.
// The last user message becomes the query and all system messages, in
// order, are joined into inputs["system_prompt"]. Every request starts a new
// backend conversation.
func ToBackend(req ChatCompletionRequest, fallbackUser string) (models.BackendChatRequest, error) {
	query, ok := lastUserContent(req.Messages)
	if !ok {
		return models.BackendChatRequest{}, apierr.Validation("no user message found")
	}

	inputs := make(map[string]any)
	if prompt, ok := joinSystemPrompts(req.Messages); ok {
		inputs[systemPromptInput] = prompt
	}

	mode := models.ResponseModeBlocking
	if req.Stream {
		mode = models.ResponseModeStreaming
	}

	user := req.User
	if user == "" {
		user = fallbackUser
	}

	return models.BackendChatRequest{
		Inputs:         inputs,
		Query:          query,
		ResponseMode:   mode,
		ConversationID: "",
		User:           user,
	}, nil
}

func lastUserContent(msgs []ChatMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content, true
		}
	}
	return "", false
}

func joinSystemPrompts(msgs []ChatMessage) (string, bool) {
	var prompts []string
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			prompts = append(prompts, msg.Content)
		}
	}
	if len(prompts) == 0 {
		return "", false
	}
	return strings.Join(prompts, "\n"), true
}

// FromBackend converts a blocking backend answer into an OpenAI response.
// It never fails; absent backend fields fall back to defaults.
func FromBackend(resp models.BackendChatResponse, model string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      CompletionID(resp.ConversationID),
		Object:  "chat.completion",
		Created: resp.CreatedAt,
		Model:   model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    models.RoleAssistant,
					Content: resp.Answer,
				},
				FinishReason: FinishReasonStop,
			},
		},
		Usage: EstimateUsage(resp.Answer, resp.Usage),
	}
}

// CompletionID derives the completion id from the first sixteen characters
// of a conversation id.
func CompletionID(conversationID string) string {
	if conversationID == "" {
		return placeholderCompletionID
	}
	if utf8.RuneCountInString(conversationID) <= conversationIDChars {
		return completionIDPrefix + conversationID
	}
	runes := []rune(conversationID)
	return completionIDPrefix + string(runes[:conversationIDChars])
}

// EstimateUsage prefers backend-reported counts. Missing completion counts
// fall back to a whitespace word count and a missing total to the
// completion count plus a fixed padding, so the result is not billing
// accurate without backend metadata.
func EstimateUsage(answer string, reported *models.BackendUsage) OpenAIUsage {
	usage := OpenAIUsage{CompletionTokens: len(strings.Fields(answer))}

	var total *int
	if reported != nil {
		if reported.PromptTokens != nil {
			usage.PromptTokens = *reported.PromptTokens
		}
		if reported.CompletionTokens != nil {
			usage.CompletionTokens = *reported.CompletionTokens
		}
		total = reported.TotalTokens
	}

	if total != nil {
		usage.TotalTokens = *total
	} else {
		usage.TotalTokens = usage.CompletionTokens + usagePadding
	}
	return usage
}
