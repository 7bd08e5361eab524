package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/persona"
)

func TestBaseSystemPrompt_DiffersPerBackend(t *testing.T) {
	claude := BaseSystemPrompt(backend.KindClaude)
	codex := BaseSystemPrompt(backend.KindCodex)
	assert.NotEqual(t, claude, codex)
	assert.Contains(t, claude, "skip tool")
	assert.Contains(t, codex, "skip tool")
}

func TestPersonaSections(t *testing.T) {
	cfg := &persona.Config{
		Summary:         "A meticulous archivist.",
		Characteristics: []string{"precise"},
		RecentEvents:    []string{"moved to the city"},
		LongTermMemory:  []persona.MemoryEntry{{Subtitle: "childhood", Content: "coast"}},
	}
	out := PersonaSections("Ada", cfg)

	assert.Contains(t, out, "# Your character: Ada")
	assert.Contains(t, out, "## Identity")
	assert.Contains(t, out, "A meticulous archivist.")
	assert.Contains(t, out, "- precise")
	assert.Contains(t, out, "- moved to the city")
	assert.Contains(t, out, "- childhood")
	assert.Contains(t, out, "recall tool")
	assert.NotContains(t, out, "coast", "memory bodies stay out of the prompt")
}

func TestPersonaSections_OmitsEmptySections(t *testing.T) {
	out := PersonaSections("Ada", &persona.Config{Summary: "Short."})
	assert.NotContains(t, out, "## Characteristics")
	assert.NotContains(t, out, "## Recent events")
	assert.NotContains(t, out, "Long-term memory")
}

func TestParticles(t *testing.T) {
	// 민준 ends in ㄴ (batchim), 유리 ends in an open syllable.
	assert.Equal(t, "은", TopicParticle("민준"))
	assert.Equal(t, "는", TopicParticle("유리"))
	assert.Equal(t, "이", SubjectParticle("민준"))
	assert.Equal(t, "가", SubjectParticle("유리"))
	assert.Equal(t, "을", ObjectParticle("민준"))
	assert.Equal(t, "를", ObjectParticle("유리"))

	// Non-Hangul names get the combined form.
	assert.Equal(t, "은(는)", TopicParticle("Ada"))
	assert.Equal(t, "이(가)", SubjectParticle("Bob"))
}

func TestRespondInstruction(t *testing.T) {
	out := RespondInstruction("유리", "민준")
	assert.Contains(t, out, "유리는")
	assert.Contains(t, out, "민준이")

	solo := RespondInstruction("유리", "")
	assert.Contains(t, solo, "유리는")
	assert.NotContains(t, solo, "speaking to")
}

func TestTimestampLine(t *testing.T) {
	ts := time.Date(2026, 8, 24, 15, 4, 0, 0, time.UTC)
	line := TimestampLine(ts)
	assert.True(t, strings.Contains(line, "2026-08-24 15:04"), line)
}

func TestToolDescription(t *testing.T) {
	assert.NotEmpty(t, ToolDescription("skip"))
	assert.NotEmpty(t, ToolDescription("policy_check"))
	assert.Empty(t, ToolDescription("unknown"))
}
