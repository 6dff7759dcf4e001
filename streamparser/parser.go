// Package streamparser decodes provider SSE streams into the unified
// Chunk shape, grounded on the line-buffered `bufio.Reader` SSE loop
// the upstream agent framework uses for its OpenAI-compatible
// streaming adapter, generalized here to also decode the
// event-typed (Anthropic-style) wire format.
package streamparser

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// doneSentinel is the SSE payload that terminates a stream without
// producing a chunk.
const doneSentinel = "[DONE]"

// Parser is a line-buffered SSE decoder. It is not safe for
// concurrent use; each streaming request gets its own Parser.
type Parser struct {
	logger *zap.Logger

	buf         []byte // bytes carried over from a partial line
	pendingEvent string // the most recent "event:" line, for Format B

	toolAccum map[int]string // unused placeholder for future tool-call accumulation
}

// New creates a Parser. logger may be nil.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Feed appends newly-read bytes and returns every complete chunk they
// produced, in order. Bytes that do not yet form a complete line are
// retained and prepended to the next call's input.
func (p *Parser) Feed(data []byte) []types.Chunk {
	p.buf = append(p.buf, data...)

	var chunks []types.Chunk
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		if c, ok := p.processLine(strings.TrimRight(string(line), "\r")); ok {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

func (p *Parser) processLine(line string) (types.Chunk, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.Chunk{}, false
	}

	switch {
	case strings.HasPrefix(line, "event:"):
		p.pendingEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return types.Chunk{}, false

	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneSentinel {
			return types.Chunk{}, false
		}
		c, emit, err := p.decodePayload(payload)
		if err != nil {
			p.logger.Warn("streamparser: skipping undecodable SSE payload", zap.Error(err))
			return types.Chunk{}, false
		}
		return c, emit

	default:
		return types.Chunk{}, false
	}
}

// formatAPayload is the OpenAI-style chat completion streaming chunk.
type formatAPayload struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

// formatBPayload is the Anthropic-style typed streaming event.
type formatBPayload struct {
	Type  string `json:"type"`
	Role  string `json:"role"`
	Delta struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		StopReason   string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Role  string `json:"role"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (p *Parser) decodePayload(payload string) (types.Chunk, bool, error) {
	if p.pendingEvent != "" {
		event := p.pendingEvent
		p.pendingEvent = ""
		return p.decodeFormatB(event, payload)
	}

	var a formatAPayload
	if err := json.Unmarshal([]byte(payload), &a); err == nil && len(a.Choices) > 0 {
		choice := a.Choices[0]
		return types.Chunk{
			Content:      choice.Delta.Content,
			Role:         types.Role(choice.Delta.Role),
			FinishReason: choice.FinishReason,
			Usage:        a.Usage,
		}, true, nil
	}

	return p.decodeFormatB("", payload)
}

func (p *Parser) decodeFormatB(event, payload string) (types.Chunk, bool, error) {
	var b formatBPayload
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return types.Chunk{}, false, err
	}
	kind := event
	if kind == "" {
		kind = b.Type
	}

	switch kind {
	case "message_start":
		role := b.Role
		if b.Message != nil {
			role = b.Message.Role
		}
		return types.Chunk{Role: types.Role(role)}, true, nil

	case "content_block_delta":
		return types.Chunk{Content: b.Delta.Text}, true, nil

	case "message_delta":
		var usage *types.Usage
		if b.Message != nil && b.Message.Usage != nil {
			usage = &types.Usage{
				CompletionTokens: b.Message.Usage.OutputTokens,
				PromptTokens:     b.Message.Usage.InputTokens,
				TotalTokens:      b.Message.Usage.InputTokens + b.Message.Usage.OutputTokens,
			}
		}
		return types.Chunk{FinishReason: b.Delta.StopReason, Usage: usage}, true, nil

	case "message_stop":
		return types.Chunk{FinishReason: "stop"}, true, nil

	default:
		// content_block_start / content_block_stop / ping and other
		// bookkeeping events carry no chunk-worthy payload.
		return types.Chunk{}, false, nil
	}
}
