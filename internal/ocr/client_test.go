package ocr_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avelier/scanforge/internal/ocr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 0,
		"model":   "test-model-v2",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     120,
			"completion_tokens": 45,
			"total_tokens":      165,
		},
	}
}

func TestRecognizePage_Success(t *testing.T) {
	var gotModel string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, _ = req["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(completionBody("# Heading\n\nBody text.")))
	}))
	defer ts.Close()

	client := ocr.NewOpenAIClient(ts.URL, "test-key", 30*time.Second)
	result, err := client.RecognizePage(context.Background(), ocr.PageRequest{
		Model:     "test-model",
		ImagePNG:  []byte{0x89, 0x50, 0x4e, 0x47},
		Prompt:    "transcribe",
		MaxTokens: 256,
	})
	require.NoError(t, err)

	assert.Equal(t, "test-model", gotModel)
	assert.Equal(t, "# Heading\n\nBody text.", result.Markdown)
	assert.Equal(t, int64(120), result.Usage.InputTokens)
	assert.Equal(t, int64(45), result.Usage.OutputTokens)
	assert.Equal(t, int64(165), result.Usage.TotalTokens)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, "test-model-v2", result.ProviderModel)
	assert.Equal(t, 1, result.Attempts)
	assert.Greater(t, result.RequestSeconds, 0.0)
}

func TestRecognizePage_RetriesOnOverload(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(completionBody("recovered")))
	}))
	defer ts.Close()

	client := ocr.NewOpenAIClient(ts.URL, "test-key", 30*time.Second)
	result, err := client.RecognizePage(context.Background(), ocr.PageRequest{
		Model:    "test-model",
		ImagePNG: []byte{1},
		Prompt:   "transcribe",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "recovered", result.Markdown)
	assert.Equal(t, 2, result.Attempts)
}

func TestRecognizePage_PermanentFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"message": "bad request"}}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	client := ocr.NewOpenAIClient(ts.URL, "test-key", 30*time.Second)
	_, err := client.RecognizePage(context.Background(), ocr.PageRequest{
		Model:    "test-model",
		ImagePNG: []byte{1},
		Prompt:   "transcribe",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ocr.ErrProvider)
	assert.Equal(t, int32(1), calls.Load())
}
