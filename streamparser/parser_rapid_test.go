package streamparser

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/BaSui01/agentflow/types"
)

// TestParser_ArbitrarySplitsProduceIdenticalChunks is the property
// version of TestParser_FormatA_ArbitrarySplits: whatever points a
// caller splits the same byte stream at, the parser must reassemble
// the identical chunk sequence (§8, "byte-by-byte vs. all-at-once").
func TestParser_ArbitrarySplitsProduceIdenticalChunks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := len(formatAStream)
		numCuts := rapid.IntRange(0, n).Draw(rt, "numCuts")

		cuts := make(map[int]bool, numCuts)
		for i := 0; i < numCuts; i++ {
			cuts[rapid.IntRange(0, n).Draw(rt, "cut")] = true
		}

		p := New(nil)
		var got []types.Chunk
		start := 0
		positions := make([]int, 0, len(cuts)+1)
		for pos := range cuts {
			positions = append(positions, pos)
		}
		positions = append(positions, n)
		// Deterministic ascending order; map iteration order is not.
		for i := 0; i < len(positions); i++ {
			for j := i + 1; j < len(positions); j++ {
				if positions[j] < positions[i] {
					positions[i], positions[j] = positions[j], positions[i]
				}
			}
		}
		for _, end := range positions {
			if end < start {
				continue
			}
			got = append(got, p.Feed([]byte(formatAStream[start:end]))...)
			start = end
		}

		if len(got) != 3 {
			rt.Fatalf("expected 3 chunks regardless of split points, got %d", len(got))
		}
		if got[0].Role != types.Role("assistant") {
			rt.Fatalf("chunk 0 role = %q, want assistant", got[0].Role)
		}
		if got[1].Content != "Hel" || got[2].Content != "lo" {
			rt.Fatalf("unexpected content split: %q %q", got[1].Content, got[2].Content)
		}
		if got[2].FinishReason != "stop" {
			rt.Fatalf("terminal chunk finish_reason = %q, want stop", got[2].FinishReason)
		}
	})
}
