package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1741944600,
		"model":   "gpt-4o-2024-08-06",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": `{"subtopic":"Upper limb"}`},
		}},
		"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
	})
}

func TestSDKClient_CreateChat(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/chat/completions")
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "gpt-4o", body["model"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
		assert.Equal(t, "Classify this block", msgs[1].(map[string]any)["content"])
		completion(w)
	}))
	defer ts.Close()

	c := NewClient(Options{APIKey: "test-key", BaseURL: ts.URL})
	resp, err := c.CreateChat(context.Background(), ChatRequest{
		Model:     "gpt-4o",
		System:    "You classify anatomy notes.",
		Prompt:    "Classify this block",
		MaxTokens: 512,
	})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, `{"subtopic":"Upper limb"}`, resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(120), resp.Usage.PromptTokens)
	assert.Equal(t, int64(30), resp.Usage.CompletionTokens)
}

func TestSDKClient_CreateChat_Image(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		parts := msgs[0].(map[string]any)["content"].([]any)
		require.Len(t, parts, 2)
		assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
		url := parts[0].(map[string]any)["image_url"].(map[string]any)["url"]
		assert.Equal(t, "data:image/png;base64,iVBO", url)
		assert.Equal(t, "text", parts[1].(map[string]any)["type"])
		completion(w)
	}))
	defer ts.Close()

	c := NewClient(Options{APIKey: "test-key", BaseURL: ts.URL})
	_, err := c.CreateChat(context.Background(), ChatRequest{
		Model:  "gpt-4o",
		Prompt: "Parse this page",
		Images: []Image{{MediaType: "image/png", Data: []byte{0x89, 0x50, 0x4e}}},
	})
	require.NoError(t, err)
}

func TestSDKClient_CreateChat_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"error": map[string]any{"message": "bad model", "type": "invalid_request_error"},
		})
	}))
	defer ts.Close()

	c := NewClient(Options{APIKey: "test-key", BaseURL: ts.URL})
	_, err := c.CreateChat(context.Background(), ChatRequest{Model: "nope", Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai: create chat completion")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}
