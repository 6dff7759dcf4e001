package dispatch

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/agentflow/types"
)

// Tokenizer estimates a message sequence's token count, used to fill
// in Usage when an adapter's response omits it (some local-model
// adapters never report usage) so the cost tracker still has
// something to record against. Grounded on the upstream agent
// framework's llm/tokenizer/tiktoken.go, generalized from exact
// per-model counting into a best-effort estimator good enough for
// cost telemetry.
type Tokenizer interface {
	CountMessages(modelHint string, messages []types.Message) int
}

// tiktokenTokenizer uses tiktoken-go's BPE tables, falling back to
// cl100k_base for any model it doesn't recognize by name (true of
// every non-OpenAI model, since tiktoken only ships OpenAI encodings).
type tiktokenTokenizer struct{}

// NewTiktokenTokenizer creates a Tokenizer backed by tiktoken-go.
func NewTiktokenTokenizer() Tokenizer { return tiktokenTokenizer{} }

func (tiktokenTokenizer) CountMessages(modelHint string, messages []types.Message) int {
	enc, err := tiktoken.EncodingForModel(modelHint)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return estimateByChars(messages)
		}
	}
	total := 0
	for _, m := range messages {
		// +4 approximates the per-message role/delimiter overhead most
		// chat wire formats add on top of raw content tokens.
		total += len(enc.Encode(m.Content, nil, nil)) + 4
	}
	return total
}

// noopTokenizer is the Engine default when no tiktoken dependency is
// wired in: a plain chars/4 estimate, good enough that cost telemetry
// is never simply absent.
type noopTokenizer struct{}

func (noopTokenizer) CountMessages(_ string, messages []types.Message) int {
	return estimateByChars(messages)
}

func estimateByChars(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 1
	}
	return total
}
