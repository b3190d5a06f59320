// Package ocr calls OpenAI-compatible chat-completion endpoints to transcribe
// rendered page images into markdown. The same client shape serves hosted
// providers and locally managed vLLM servers.
package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/avelier/scanforge/pkg/models"
)

const (
	// maxRetries bounds attempts for transient provider failures.
	maxRetries = 4

	baseBackoff = 2 * time.Second
	maxBackoff  = 15 * time.Second
)

// ErrProvider marks a page-level OCR failure. It never aborts sibling pages.
var ErrProvider = errors.New("ocr provider error")

// PageRequest is one page's OCR call.
type PageRequest struct {
	Model       string
	ImagePNG    []byte
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// PageResult is the outcome of a successful OCR call.
type PageResult struct {
	Markdown       string
	RequestSeconds float64
	Usage          models.TokenUsage
	FinishReason   string
	ProviderModel  string
	Attempts       int
}

// Client transcribes a single page image. Implementations must be safe for
// concurrent use; the per-run concurrency gate lives in the caller.
type Client interface {
	RecognizePage(ctx context.Context, req PageRequest) (PageResult, error)
}

// OpenAIClient implements Client against any OpenAI-compatible base URL.
type OpenAIClient struct {
	client  openai.Client
	timeout time.Duration
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for the given endpoint. Local vLLM servers
// accept any non-empty key; callers pass "EMPTY" for those, matching the vLLM
// convention.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
		timeout: timeout,
	}
}

// RecognizePage sends the page image with the OCR prompt and returns the
// transcribed markdown. Transient provider failures are retried with
// exponential backoff; anything else fails immediately.
func (c *OpenAIClient) RecognizePage(ctx context.Context, req PageRequest) (PageResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(req.Prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			wait := time.Duration(math.Pow(2, float64(attempt-2))) * baseBackoff
			if wait > maxBackoff {
				wait = maxBackoff
			}
			select {
			case <-ctx.Done():
				return PageResult{}, fmt.Errorf("%w: %v", ErrProvider, ctx.Err())
			case <-time.After(wait):
			}
		}

		started := time.Now()
		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRetryable(err) {
				continue
			}
			return PageResult{}, fmt.Errorf("%w: %v", ErrProvider, err)
		}

		if len(completion.Choices) == 0 {
			return PageResult{}, fmt.Errorf("%w: no completion choices returned", ErrProvider)
		}

		choice := completion.Choices[0]
		return PageResult{
			Markdown:       choice.Message.Content,
			RequestSeconds: time.Since(started).Seconds(),
			Usage: models.TokenUsage{
				InputTokens:  completion.Usage.PromptTokens,
				OutputTokens: completion.Usage.CompletionTokens,
				TotalTokens:  completion.Usage.TotalTokens,
			},
			FinishReason:  string(choice.FinishReason),
			ProviderModel: completion.Model,
			Attempts:      attempt,
		}, nil
	}

	return PageResult{}, fmt.Errorf("%w: %v", ErrProvider, lastErr)
}

// isRetryable reports whether an error is worth another attempt: connection
// problems and the transient HTTP statuses providers use for overload.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 409, 425, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	// Timeouts and connection resets surface as plain errors from the SDK.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
