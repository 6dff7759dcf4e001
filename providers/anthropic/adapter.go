// Package anthropic implements an adapter.Adapter backed by the
// Anthropic Messages API, grounded on the teacher's own
// providers/anthropic package (a hand-rolled net/http+SSE client)
// generalized here to use the anthropic-sdk-go client the teacher's
// go.mod already carries as an indirect dependency, in the style of
// the pack's sclaw provider module.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/types"
)

const defaultMaxTokens = 4096

// Adapter implements adapter.Adapter for the Anthropic Messages API. It
// is stateless (no Connector/HealthChecker): the connection manager
// treats it as always-reachable once registered, matching how the
// teacher's own Claude provider has no connection lifecycle either.
type Adapter struct {
	client *sdk.Client
	logger *zap.Logger
}

// New builds an Adapter for one resolved provider descriptor. The
// descriptor's APIKey, BaseURL, and Headers are applied to the SDK
// client at construction time; a later api-key rotation requires
// rebuilding the adapter (the gateway's UpdateProviderConfig does this
// by re-registering the provider).
func New(descriptor types.ProviderDescriptor, logger *zap.Logger) (*Adapter, error) {
	if descriptor.APIKey == "" {
		return nil, fmt.Errorf("anthropic: provider %q missing api key", descriptor.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(descriptor.APIKey),
		// The dispatch engine owns retries via its classified policy;
		// the SDK's own retry loop would double up backoff.
		option.WithMaxRetries(0),
	}
	if descriptor.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(descriptor.BaseURL))
	}
	for k, v := range descriptor.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	client := sdk.NewClient(opts...)
	return &Adapter{client: &client, logger: logger}, nil
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Supports(feature adapter.Feature) bool {
	switch feature {
	case adapter.FeatureStreaming, adapter.FeatureFunctionCalling, adapter.FeatureSystemMessages, adapter.FeatureVision:
		return true
	default:
		return false
	}
}

// Execute performs one blocking Messages.New call.
func (a *Adapter) Execute(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor) (*types.Response, error) {
	params := buildParams(req)
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err, descriptor.Name)
	}
	return toResponse(msg, descriptor.Name), nil
}

// Stream performs one streaming Messages.NewStreaming call, translating
// Anthropic's content-block delta events into the engine's flat chunk
// shape. Only text deltas are emitted; tool-call deltas are ignored:
// types.Chunk carries no tool-call field, matching the dispatch
// engine's text-completion scope (§1 Non-goals).
func (a *Adapter) Stream(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor, emit adapter.Emit) error {
	params := buildParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)

	var inputTokens int64
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			inputTokens = ev.Message.Usage.InputTokens

		case sdk.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(sdk.TextDelta); ok {
				emit(types.Chunk{Role: types.RoleAssistant, Content: d.Text})
			}

		case sdk.MessageDeltaEvent:
			outputTokens := ev.Usage.OutputTokens
			emit(types.Chunk{
				FinishReason: convertStopReason(ev.Delta.StopReason),
				Usage: &types.Usage{
					PromptTokens:     int(inputTokens),
					CompletionTokens: int(outputTokens),
					TotalTokens:      int(inputTokens + outputTokens),
				},
			})
		}
	}
	if err := stream.Err(); err != nil {
		return mapError(err, descriptor.Name)
	}
	return nil
}

func buildParams(req types.Request) sdk.MessageNewParams {
	var system []sdk.TextBlockParam
	var messages []sdk.MessageParam

	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case types.RoleUser:
			messages = append(messages, convertUserMessage(m))
		case types.RoleAssistant:
			messages = append(messages, convertAssistantMessage(m))
		case types.RoleTool:
			messages = append(messages, sdk.MessageParam{
				Role:    sdk.MessageParamRoleUser,
				Content: []sdk.ContentBlockParamUnion{sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)},
			})
		}
	}

	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  messages,
		System:    system,
		MaxTokens: int64(maxTokens),
	}
	if req.Options.Temperature != nil {
		params.Temperature = sdk.Float(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		params.TopP = sdk.Float(*req.Options.TopP)
	}
	if len(req.Options.Stop) > 0 {
		params.StopSequences = req.Options.Stop
	}
	return params
}

// convertUserMessage builds a user turn, appending one image block per
// entry in m.Images after the text block so a multimodal message keeps
// its images in the order the caller attached them.
func convertUserMessage(m types.Message) sdk.MessageParam {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, img := range m.Images {
		blocks = append(blocks, imageBlock(img))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, sdk.NewTextBlock(""))
	}
	return sdk.NewUserMessage(blocks...)
}

// imageBlock translates one ImageContent into an Anthropic image
// content block. "url" entries are passed through as a remote image
// source; "base64" entries are sent inline, defaulting to JPEG since
// ImageContent carries no media-type field of its own.
func imageBlock(img types.ImageContent) sdk.ContentBlockParamUnion {
	if img.Type == "url" {
		return sdk.NewImageBlock(sdk.NewURLImageSource(img.URL))
	}
	return sdk.NewImageBlock(sdk.NewBase64ImageSource("image/jpeg", img.Data))
}

func convertAssistantMessage(m types.Message) sdk.MessageParam {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input any = tc.Arguments
		if len(tc.Arguments) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return sdk.NewAssistantMessage(blocks...)
}

func toResponse(msg *sdk.Message, provider string) *types.Response {
	var content string
	var toolCalls []types.ToolCall
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			content += v.Text
		case sdk.ToolUseBlock:
			toolCalls = append(toolCalls, types.ToolCall{ID: v.ID, Name: v.Name, Arguments: v.Input})
		}
	}

	respMsg := types.NewAssistantMessage(content)
	if len(toolCalls) > 0 {
		respMsg = respMsg.WithToolCalls(toolCalls)
	}

	return &types.Response{
		ID:       msg.ID,
		Model:    string(msg.Model),
		Provider: provider,
		Choices: []types.ChatChoice{{
			Index: 0, Message: respMsg, FinishReason: convertStopReason(msg.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		CreatedAt: time.Now(),
	}
}

func convertStopReason(reason sdk.StopReason) string {
	switch reason {
	case sdk.StopReasonEndTurn, sdk.StopReasonStopSequence:
		return "stop"
	case sdk.StopReasonMaxTokens:
		return "length"
	case sdk.StopReasonToolUse:
		return "tool_calls"
	case sdk.StopReasonRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}

// mapError classifies an Anthropic SDK error into the engine's
// ErrorCode taxonomy, following the same status-code and
// context-length-detection logic the pack's sclaw anthropic module
// uses, adapted to types.Error rather than sentinel wrapping.
func mapError(err error, provider string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "request canceled or timed out").WithProvider(provider).WithCause(err)
	}

	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return types.NewError(types.ErrNetworkError, err.Error()).WithProvider(provider).WithCause(err)
	}

	if apiErr.StatusCode == http.StatusBadRequest && isContextLengthError(apiErr) {
		return types.NewError(types.ErrContextTooLarge, apiErr.Error()).WithProvider(provider).WithHTTPStatus(apiErr.StatusCode).WithCause(err)
	}
	if apiErr.StatusCode == 529 {
		return types.NewError(types.ErrServiceUnavailable, apiErr.Error()).WithProvider(provider).WithHTTPStatus(529).WithCause(err)
	}

	code := types.FromHTTPStatus(apiErr.StatusCode)
	return types.NewError(code, apiErr.Error()).WithProvider(provider).WithHTTPStatus(apiErr.StatusCode).WithCause(err)
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func isContextLengthError(apiErr *sdk.Error) bool {
	raw := apiErr.RawJSON()

	var body anthropicErrorBody
	if err := json.Unmarshal([]byte(raw), &body); err == nil {
		if body.Error.Type != "invalid_request_error" {
			return false
		}
		msg := body.Error.Message
		return strings.Contains(msg, "context length") ||
			strings.Contains(msg, "too many tokens") ||
			strings.Contains(msg, "token limit") ||
			strings.Contains(msg, "maximum context length")
	}
	return strings.Contains(raw, "context length") || strings.Contains(raw, "too many tokens")
}
