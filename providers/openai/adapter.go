// Package openai implements an adapter.Adapter backed by the OpenAI
// Chat Completions API, grounded on the pack's glyphoxa
// pkg/provider/llm/openai module, adapted from openai-go to the
// openai-go/v3 client the teacher's go.mod already carries.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/types"
)

// Adapter implements adapter.Adapter for OpenAI's Chat Completions
// endpoint, and for any OpenAI-compatible endpoint reachable by
// pointing BaseURL elsewhere (vLLM, Together, Groq, etc. — the reason
// providerconfig.FileProvider carries an explicit BaseURL field
// independent of its env_var_name default).
type Adapter struct {
	client oai.Client
	logger *zap.Logger
}

// New builds an Adapter for one resolved provider descriptor.
func New(descriptor types.ProviderDescriptor, logger *zap.Logger) (*Adapter, error) {
	if descriptor.APIKey == "" {
		return nil, fmt.Errorf("openai: provider %q missing api key", descriptor.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(descriptor.APIKey)}
	if descriptor.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(descriptor.BaseURL))
	}
	for k, v := range descriptor.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	if descriptor.TimeoutMs > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: descriptor.Timeout()}))
	}

	return &Adapter{client: oai.NewClient(opts...), logger: logger}, nil
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Supports(feature adapter.Feature) bool {
	switch feature {
	case adapter.FeatureStreaming, adapter.FeatureFunctionCalling, adapter.FeatureSystemMessages,
		adapter.FeatureVision, adapter.FeatureJSONMode:
		return true
	default:
		return false
	}
}

func (a *Adapter) Execute(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor) (*types.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithProvider(descriptor.Name)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapError(err, descriptor.Name)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrInvalidResponse, "empty choices in response").WithProvider(descriptor.Name)
	}

	choice := resp.Choices[0]
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}

	return &types.Response{
		ID:       resp.ID,
		Model:    string(resp.Model),
		Provider: descriptor.Name,
		Choices: []types.ChatChoice{{
			Index: 0, Message: types.NewAssistantMessage(choice.Message.Content), FinishReason: finish,
		}},
		Usage: &types.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		CreatedAt: time.Now(),
	}, nil
}

// Stream performs one streaming Chat Completions call. Text-content
// deltas become chunks; the terminal chunk carries FinishReason. Usage
// is neither requested (stream_options.include_usage is not set) nor
// read from the stream, so no emitted chunk carries Usage.
func (a *Adapter) Stream(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor, emit adapter.Emit) error {
	params, err := buildParams(req)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, err.Error()).WithProvider(descriptor.Name)
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		c := types.Chunk{Content: choice.Delta.Content, FinishReason: choice.FinishReason}
		if choice.Delta.Content != "" {
			c.Role = types.RoleAssistant
		}
		emit(c)
	}
	if err := stream.Err(); err != nil {
		return mapError(err, descriptor.Name)
	}
	return nil
}

func buildParams(req types.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Options.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Options.Temperature)
	}
	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Options.MaxTokens))
	}
	if req.Options.TopP != nil {
		params.TopP = param.NewOpt(*req.Options.TopP)
	}
	return params, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case types.RoleUser:
		if len(m.Images) == 0 {
			return oai.UserMessage(m.Content), nil
		}
		return oai.ChatCompletionMessageParamUnion{
			OfUser: &oai.ChatCompletionUserMessageParam{
				Content: oai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: userContentParts(m),
				},
			},
		}, nil
	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name: tc.Name, Arguments: string(tc.Arguments),
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case types.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// userContentParts builds a multipart user message body for a message
// carrying images: the text (if any) becomes one content part and each
// image becomes a ChatCompletionContentPartImageParam, in the order
// they appear on the message.
func userContentParts(m types.Message) []oai.ChatCompletionContentPartUnionParam {
	parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, oai.ChatCompletionContentPartUnionParam{
			OfText: &oai.ChatCompletionContentPartTextParam{Text: m.Content},
		})
	}
	for _, img := range m.Images {
		parts = append(parts, oai.ChatCompletionContentPartUnionParam{
			OfImageURL: &oai.ChatCompletionContentPartImageParam{
				ImageURL: oai.ChatCompletionContentPartImageImageURLParam{URL: imageURLOf(img)},
			},
		})
	}
	return parts
}

// imageURLOf turns an ImageContent into the single URL string the
// Chat Completions API expects: a plain http(s) URL, or a data URI for
// inline base64 payloads. OpenAI accepts both through the same field.
func imageURLOf(img types.ImageContent) string {
	if img.Type == "base64" && img.Data != "" {
		return "data:image/jpeg;base64," + img.Data
	}
	return img.URL
}

// mapError classifies an OpenAI SDK error by HTTP status, with the one
// OpenAI-specific refinement the classifier's generic status table
// can't express: a 400 whose body names the context window is a
// context_too_large failure, not an invalid_request one, since the
// recovery layer's trim-and-retry only fires on the former.
func mapError(err error, provider string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "request canceled or timed out").WithProvider(provider).WithCause(err)
	}

	var apiErr *oai.Error
	if !errors.As(err, &apiErr) {
		return types.NewError(types.ErrNetworkError, err.Error()).WithProvider(provider).WithCause(err)
	}

	msg := apiErr.Error()
	if apiErr.StatusCode == http.StatusBadRequest && isContextLengthError(msg) {
		return types.NewError(types.ErrContextTooLarge, msg).WithProvider(provider).WithHTTPStatus(apiErr.StatusCode).WithCause(err)
	}

	code := types.FromHTTPStatus(apiErr.StatusCode)
	return types.NewError(code, msg).WithProvider(provider).WithHTTPStatus(apiErr.StatusCode).WithCause(err)
}

func isContextLengthError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"maximum context length", "context_length_exceeded", "too many tokens"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
