package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccumulator_DeltasExtendMonotonically(t *testing.T) {
	var acc Accumulator

	rd, td := acc.Apply(ParsedMessage{ResponseText: "Hel"})
	assert.Equal(t, "Hel", rd)
	assert.Empty(t, td)

	rd, td = acc.Apply(ParsedMessage{ResponseText: "Hello", ThinkingText: "hmm"})
	assert.Equal(t, "lo", rd)
	assert.Equal(t, "hmm", td)

	// Stale shorter text never shrinks the accumulator.
	rd, _ = acc.Apply(ParsedMessage{ResponseText: "He"})
	assert.Empty(t, rd)
	assert.Equal(t, "Hello", acc.ResponseText)
}

func TestAccumulator_CollectsSignals(t *testing.T) {
	var acc Accumulator

	acc.Apply(ParsedMessage{SessionID: "sess-1", PolicyCheckCalls: []string{"a"}})
	acc.Apply(ParsedMessage{SkipUsed: true, MemoryEntries: []string{"m1"}})
	acc.Apply(ParsedMessage{Completed: true, PolicyCheckCalls: []string{"b"}})

	assert.Equal(t, "sess-1", acc.SessionID)
	assert.True(t, acc.SkipUsed)
	assert.True(t, acc.Completed)
	assert.Equal(t, []string{"m1"}, acc.MemoryEntries)
	assert.Equal(t, []string{"a", "b"}, acc.PolicyCheckCalls)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(KindClaude)
	assert.Error(t, err)
}
