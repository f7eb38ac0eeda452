package models

// Response modes understood by the Dify chat-messages endpoint.
const (
	ResponseModeBlocking  = "blocking"
	ResponseModeStreaming = "streaming"
)

// Message roles accepted on the inbound side.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BackendChatRequest is the body of POST {base}/chat-messages.
type BackendChatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
}

// BackendChatResponse is a decoded blocking-mode answer. Absent fields keep
// their zero value; Usage is nil when the backend sent no token counts.
type BackendChatResponse struct {
	Answer         string
	ConversationID string
	MessageID      string
	CreatedAt      int64
	Usage          *BackendUsage
}

// BackendUsage carries the token counts reported by the backend. A nil
// field means the backend did not report that count.
type BackendUsage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// StreamEventKind distinguishes relayed streaming events.
type StreamEventKind int

const (
	StreamEventMessage StreamEventKind = iota + 1
	StreamEventEnd
	StreamEventError
)

// StreamEvent is one relevant event of a streaming backend response.
// Err is set only for StreamEventError.
type StreamEvent struct {
	Kind           StreamEventKind
	Answer         string
	ConversationID string
	MessageID      string
	CreatedAt      int64
	Usage          *BackendUsage
	Err            error
}

// Model identifies a model id advertised on /v1/models.
type Model struct {
	ID      string
	OwnedBy string
}
