package models

import (
	"errors"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedBody indicates the backend body is not valid JSON.
	ErrMalformedBody = errors.New("backend response is not valid JSON")
	// ErrNotObject indicates the backend body is JSON but not an object.
	ErrNotObject = errors.New("backend response is not a JSON object")
)

// usagePaths lists where token counts may live inside "metadata".
var usagePaths = []string{"usage", "tokens"}

// DecodeBackendResponse reads a blocking chat-messages body. It only fails
// when the body is not a JSON object; missing or mistyped fields are left
// at their zero values.
func DecodeBackendResponse(body []byte) (BackendChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return BackendChatResponse{}, ErrMalformedBody
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return BackendChatResponse{}, ErrNotObject
	}

	return BackendChatResponse{
		Answer:         stringField(root, "answer"),
		ConversationID: stringField(root, "conversation_id"),
		MessageID:      stringField(root, "message_id"),
		CreatedAt:      intField(root, "created_at"),
		Usage:          DecodeUsage(root.Get("metadata")),
	}, nil
}

// DecodeUsage extracts token counts from a metadata object, or returns nil
// when none are present.
func DecodeUsage(metadata gjson.Result) *BackendUsage {
	if !metadata.IsObject() {
		return nil
	}
	for _, path := range usagePaths {
		block := metadata.Get(path)
		if !block.IsObject() {
			continue
		}
		usage := &BackendUsage{
			PromptTokens:     optionalInt(block, "prompt_tokens"),
			CompletionTokens: optionalInt(block, "completion_tokens"),
			TotalTokens:      optionalInt(block, "total_tokens"),
		}
		if usage.PromptTokens != nil || usage.CompletionTokens != nil || usage.TotalTokens != nil {
			return usage
		}
	}
	return nil
}

func stringField(obj gjson.Result, key string) string {
	v := obj.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

func intField(obj gjson.Result, key string) int64 {
	v := obj.Get(key)
	if v.Type != gjson.Number {
		return 0
	}
	return v.Int()
}

func optionalInt(obj gjson.Result, key string) *int {
	v := obj.Get(key)
	if v.Type != gjson.Number {
		return nil
	}
	n := int(v.Int())
	return &n
}
