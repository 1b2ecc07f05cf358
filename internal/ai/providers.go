package ai

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/resilience"
	"github.com/sells-group/studyforge/pkg/anthropic"
	"github.com/sells-group/studyforge/pkg/openai"
)

// AnthropicClient adapts pkg/anthropic to the routing table.
type AnthropicClient struct {
	api anthropic.Client
}

// NewAnthropicClient wraps an Anthropic API client.
func NewAnthropicClient(api anthropic.Client) *AnthropicClient {
	return &AnthropicClient{api: api}
}

func (c *AnthropicClient) Complete(ctx context.Context, call Call) (*Completion, error) {
	temp := call.Temperature
	images := make([]anthropic.Image, 0, len(call.Images))
	for _, img := range call.Images {
		images = append(images, anthropic.Image{MediaType: img.MediaType, Data: img.Data})
	}
	resp, err := c.api.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       call.Model,
		MaxTokens:   call.MaxTokens,
		System:      anthropic.SystemBlocks(call.System),
		Messages:    []anthropic.Message{{Role: "user", Content: call.Prompt, Images: images}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, Classify(err, anthropic.StatusCode(err))
	}

	comp := &Completion{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.Usage.BilledInput(), OutputTokens: resp.Usage.OutputTokens, Known: true},
	}
	if strings.TrimSpace(comp.Text) == "" {
		return comp, resilience.NewTerminalError(eris.Errorf("anthropic: empty response (stop reason %q)", resp.StopReason), resilience.KindMalformed)
	}
	return comp, nil
}

// OpenAIClient adapts pkg/openai to the routing table.
type OpenAIClient struct {
	api openai.Client
}

// NewOpenAIClient wraps an OpenAI API client.
func NewOpenAIClient(api openai.Client) *OpenAIClient {
	return &OpenAIClient{api: api}
}

func (c *OpenAIClient) Complete(ctx context.Context, call Call) (*Completion, error) {
	temp := call.Temperature
	images := make([]openai.Image, 0, len(call.Images))
	for _, img := range call.Images {
		images = append(images, openai.Image{MediaType: img.MediaType, Data: img.Data})
	}
	resp, err := c.api.CreateChat(ctx, openai.ChatRequest{
		Model:       call.Model,
		System:      call.System,
		Prompt:      call.Prompt,
		Images:      images,
		MaxTokens:   call.MaxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, Classify(err, openai.StatusCode(err))
	}

	comp := &Completion{
		Text:  resp.Text,
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens, Known: true},
	}
	if strings.TrimSpace(comp.Text) == "" {
		return comp, resilience.NewTerminalError(eris.Errorf("openai: empty response (finish reason %q)", resp.FinishReason), resilience.KindMalformed)
	}
	return comp, nil
}

// Classify maps a provider error onto the transient/terminal split: rate
// limits, timeouts, 5xx and connection failures retry; other 4xx and
// unrecognized failures do not.
func Classify(err error, status int) error {
	switch {
	case err == nil:
		return nil
	case resilience.IsTerminal(err):
		return err
	case status != 0 && resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(err, status)
	case status >= 400:
		return &resilience.TerminalError{Err: err, StatusCode: status, Kind: resilience.KindRejected}
	case resilience.IsTransient(err):
		return resilience.NewTransientError(err, status)
	default:
		return resilience.NewTerminalError(err, resilience.KindUnknown)
	}
}
