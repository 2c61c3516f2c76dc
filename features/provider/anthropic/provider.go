// Package anthropic provides a capability provider backed by the Anthropic
// Claude Messages API. It serves conversation capability sets: each
// operation is rendered as a prompt about the session target and the
// model's reply is returned as the call's JSON payload.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/orchestra/runtime/provider"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the provider. It is satisfied by *sdk.MessageService so callers can
	// pass either a real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the provider.
	Options struct {
		// Model is the Claude model identifier. Required. Use the typed
		// model constants from github.com/anthropics/anthropic-sdk-go.
		Model string
		// MaxTokens caps each completion. Defaults to 1024.
		MaxTokens int
		// System is prepended to every call as the system prompt. Optional.
		System string
		// Temperature is passed through when positive.
		Temperature float64
	}

	// Provider implements provider.Provider on top of Claude Messages.
	Provider struct {
		msg       MessagesClient
		model     string
		maxTokens int
		system    string
		temp      float64
	}

	// payload is the JSON shape of a successful call's response payload.
	payload struct {
		Text       string `json:"text"`
		StopReason string `json:"stop_reason,omitempty"`
	}
)

// providerName identifies this provider in structured errors and failure
// records.
const providerName = "anthropic"

const defaultMaxTokens = 1024

// New builds a Provider from the provided Messages client and options.
func New(msg MessagesClient, opts Options) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		msg:       msg,
		model:     opts.Model,
		maxTokens: maxTokens,
		system:    opts.System,
		temp:      opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Invoke sends one operation prompt to Claude and returns the reply as the
// call payload. The reported confidence reflects whether the model finished
// its turn cleanly or was truncated by the token cap.
func (p *Provider) Invoke(ctx context.Context, operation string, req provider.Request) (provider.Response, error) {
	params := sdk.MessageNewParams{
		MaxTokens: int64(p.maxTokens),
		Model:     sdk.Model(p.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt(operation, req))),
		},
	}
	if p.system != "" {
		params.System = []sdk.TextBlockParam{{Text: p.system}}
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return provider.Response{}, classify(operation, req.Target, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return provider.Response{}, provider.NewError(providerName, operation, req.Target,
			provider.ErrorKindUnknown, "empty completion", false, nil)
	}

	out, err := json.Marshal(payload{Text: text.String(), StopReason: string(msg.StopReason)})
	if err != nil {
		return provider.Response{}, provider.NewError(providerName, operation, req.Target,
			provider.ErrorKindUnknown, "encode payload", false, err)
	}
	return provider.Response{
		Payload:    out,
		Confidence: confidence(msg.StopReason),
	}, nil
}

// prompt renders the operation request as a single user turn. The payload,
// when present, is inlined as JSON context.
func prompt(operation string, req provider.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Perform the %q operation for target %q (cycle %d of session %s).",
		operation, req.Target, req.Cycle, req.SessionID)
	if len(req.Payload) > 0 {
		b.WriteString("\nContext:\n")
		b.Write(req.Payload)
	}
	return b.String()
}

// confidence maps the stop reason to a coarse confidence score: a clean end
// of turn is trusted, a truncated completion much less.
func confidence(reason sdk.StopReason) float64 {
	switch reason {
	case sdk.StopReasonEndTurn, sdk.StopReasonStopSequence:
		return 0.9
	case sdk.StopReasonMaxTokens:
		return 0.4
	default:
		return 0.6
	}
}

// classify wraps SDK failures into structured provider errors. API responses
// surface as *sdk.Error with the HTTP status; anything else is a
// transport-level failure worth retrying.
func classify(operation, target string, err error) error {
	var apiErr *sdk.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return provider.NewError(providerName, operation, target,
			provider.ErrorKindTimeout, "", true, err)
	case errors.Is(err, context.Canceled):
		return provider.NewError(providerName, operation, target,
			provider.ErrorKindUnknown, "", false, err)
	case errors.As(err, &apiErr):
		return classifyStatus(operation, target, err, apiErr.StatusCode)
	default:
		return provider.NewError(providerName, operation, target,
			provider.ErrorKindUnavailable, "", true, err)
	}
}

// classifyStatus maps an API error status to a provider error kind. 429
// feeds the rate-limit middleware, 408 and 5xx are transient, the remaining
// 4xx statuses will not succeed on retry.
func classifyStatus(operation, target string, err error, status int) error {
	msg := fmt.Sprintf("api status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return provider.NewError(providerName, operation, target,
			provider.ErrorKindRateLimited, msg, true, err)
	case status == http.StatusRequestTimeout || status >= 500:
		return provider.NewError(providerName, operation, target,
			provider.ErrorKindUnavailable, msg, true, err)
	default:
		return provider.NewError(providerName, operation, target,
			provider.ErrorKindInvalidRequest, msg, false, err)
	}
}
