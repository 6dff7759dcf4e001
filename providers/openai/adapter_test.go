package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/types"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(types.ProviderDescriptor{Name: "openai"}, nil)
	require.Error(t, err)
}

func TestBuildParams_ConvertsRolesAndOptions(t *testing.T) {
	temp := 0.5
	req := types.Request{
		Model:    "gpt-4",
		Options:  types.ChatOptions{Temperature: &temp, MaxTokens: 256},
		Messages: []types.Message{
			types.NewSystemMessage("be terse"),
			types.NewUserMessage("hello"),
			types.NewAssistantMessage("hi"),
		},
	}

	params, err := buildParams(req)
	require.NoError(t, err)
	assert.Len(t, params.Messages, 3)
	assert.Equal(t, 0.5, params.Temperature.Value)
	assert.Equal(t, int64(256), params.MaxCompletionTokens.Value)
}

func TestConvertMessage_UserWithImagesBuildsMultipartContent(t *testing.T) {
	msg := types.NewUserMessage("what is this?").WithImages([]types.ImageContent{
		{Type: "url", URL: "https://example.com/cat.png"},
		{Type: "base64", Data: "Zm9v"},
	})

	converted, err := convertMessage(msg)
	require.NoError(t, err)
	require.NotNil(t, converted.OfUser)

	parts := converted.OfUser.Content.OfArrayOfContentParts
	require.Len(t, parts, 3)
	require.NotNil(t, parts[0].OfText)
	assert.Equal(t, "what is this?", parts[0].OfText.Text)
	require.NotNil(t, parts[1].OfImageURL)
	assert.Equal(t, "https://example.com/cat.png", parts[1].OfImageURL.ImageURL.URL)
	require.NotNil(t, parts[2].OfImageURL)
	assert.Equal(t, "data:image/jpeg;base64,Zm9v", parts[2].OfImageURL.ImageURL.URL)
}

func TestConvertMessage_UserWithoutImagesStaysPlainString(t *testing.T) {
	converted, err := convertMessage(types.NewUserMessage("hello"))
	require.NoError(t, err)
	require.NotNil(t, converted.OfUser)
	assert.Equal(t, "hello", converted.OfUser.Content.OfString.Value)
}

func TestBuildParams_UnknownRoleErrors(t *testing.T) {
	req := types.Request{
		Model:    "gpt-4",
		Messages: []types.Message{{Role: "bogus", Content: "x"}},
	}
	_, err := buildParams(req)
	assert.Error(t, err)
}

func TestIsContextLengthError(t *testing.T) {
	assert.True(t, isContextLengthError("This model's maximum context length is 8192 tokens"))
	assert.True(t, isContextLengthError("context_length_exceeded"))
	assert.False(t, isContextLengthError("invalid api key"))
}

func TestMapError_ContextCanceledClassifiesAsTimeout(t *testing.T) {
	err := mapError(context.Canceled, "openai")
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
}

func TestMapError_NilIsNil(t *testing.T) {
	assert.NoError(t, mapError(nil, "openai"))
}
