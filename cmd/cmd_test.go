package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), nil, &out))
	assert.Contains(t, out.String(), "dify-bridge <command>")

	out.Reset()
	require.NoError(t, execute(context.Background(), []string{"help"}, &out))
	assert.Contains(t, out.String(), "serve")
}

func TestExecuteUnknownCommand(t *testing.T) {
	err := execute(context.Background(), []string{"launch"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "launch"`)
}

func TestAskValidation(t *testing.T) {
	t.Setenv("DIFY_API_KEY", "")

	err := execute(context.Background(), []string{"ask", "--key", "k"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a prompt")

	err = execute(context.Background(), []string{"ask", "hello"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--key")
}

func TestAsk(t *testing.T) {
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer app-key", r.Header.Get("Authorization"))

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		msgs, _ := req["messages"].([]any)
		assert.Len(t, msgs, 2)

		if stream, _ := req["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, `data: {"id":"chatcmpl-x","object":"chat.completion.chunk","created":1,"model":"dify-app","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`+"\n\n")
			_, _ = io.WriteString(w, `data: {"id":"chatcmpl-x","object":"chat.completion.chunk","created":1,"model":"dify-app","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`+"\n\n")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-x","object":"chat.completion","created":1,"model":"dify-app","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":1,"total_tokens":11}}`)
	}))
	defer bridge.Close()

	for _, stream := range []bool{false, true} {
		var out bytes.Buffer
		args := []string{"ask", "--url", bridge.URL + "/v1/", "--key", "app-key", "--system", "be brief"}
		if stream {
			args = append(args, "--stream")
		}
		args = append(args, "say", "hello")

		require.NoError(t, execute(context.Background(), args, &out))
		assert.Equal(t, "Hello\n", out.String())
	}
}
