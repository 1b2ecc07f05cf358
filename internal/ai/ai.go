// Package ai routes stage tasks to AI providers and accounts for every
// issued call in the usage ledger.
package ai

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

// ErrNoActiveConfig is returned when a task has no active route and the
// caller gave no override.
var ErrNoActiveConfig = resilience.NewTerminalError(eris.New("ai: no active config for task"), resilience.KindNoRoute)

// Image is an inline image sent with a vision request.
type Image struct {
	MediaType string
	Data      []byte
}

// Override pins a call to a provider, and optionally a model, regardless of
// the task's routing. Batches use it for their vision provider.
type Override struct {
	Provider model.Provider
	Model    string
}

// Request is one task invocation.
type Request struct {
	Task     model.TaskType
	System   string
	Prompt   string
	Images   []Image
	Override *Override
	BatchID  string
	PageID   string
}

// Response is a completed call.
type Response struct {
	Text     string         `json:"text"`
	Provider model.Provider `json:"provider"`
	Model    string         `json:"model"`
	Usage    Usage          `json:"usage"`
	Cost     *float64       `json:"cost"`
}

// Usage is the token count a provider reported. Known is false when the
// provider reported nothing, which happens on most failures.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Known        bool  `json:"known"`
}

// Call is what a provider adapter sends.
type Call struct {
	Model       string
	System      string
	Prompt      string
	Images      []Image
	Temperature float64
	MaxTokens   int64
}

// Completion is what a provider adapter returns. Adapters return a
// Completion alongside an error when the provider reported usage for a
// failed call.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Client is one provider in the routing table.
type Client interface {
	Complete(ctx context.Context, call Call) (*Completion, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, call Call) (*Completion, error)

func (f ClientFunc) Complete(ctx context.Context, call Call) (*Completion, error) {
	return f(ctx, call)
}
