package output

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersist_InlineWhenDisabled(t *testing.T) {
	m := NewManager(Config{SummaryChars: 10}, nil)

	ref, err := m.Persist(context.Background(), PersistRequest{
		StepName: "draft", StepNumber: 1, Content: "a fairly long piece of output", ModelName: "m",
	})
	require.NoError(t, err)
	assert.False(t, ref.Persisted())
	assert.Equal(t, "a fairly l...", ref.Summary())
	assert.Equal(t, "m", ref.ModelUsed)

	text, err := ref.Text()
	require.NoError(t, err)
	assert.Equal(t, "a fairly long piece of output", text)
}

func TestPersist_WritesFileAndKeepsSummaryOnly(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Config{SummaryChars: 12}, nil)
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	content := "Line one.\n\nLine two with more words."
	ref, err := m.Persist(context.Background(), PersistRequest{
		StepName:        "Deep Research",
		StepNumber:      2,
		Content:         content,
		SessionID:       "0123abcd-0000-4000-8000-000000000000",
		WorkflowName:    "Review Flow",
		ModelName:       "big-model",
		Duration:        1500 * time.Millisecond,
		ShouldPersist:   true,
		OutputDirectory: dir,
	})
	require.NoError(t, err)
	require.True(t, ref.Persisted())
	assert.Equal(t, filepath.Join(dir, "review-flow-0123abcd", "02-deep-research.md"), ref.Path)
	assert.Equal(t, "Line one. Li...", ref.Summary())
	assert.Empty(t, ref.inline, "persisted text is not held in memory")
	assert.Equal(t, len(content), ref.Size)

	text, err := ref.Text()
	require.NoError(t, err)
	assert.Equal(t, content, text)

	raw, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "# Deep Research\n"))
	assert.Contains(t, string(raw), "- model: big-model\n")
	assert.Contains(t, string(raw), "- written: 2026-01-02T03:04:05Z\n")
}

func TestPersist_NoDirectoryFallsBackInline(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	ref, err := m.Persist(context.Background(), PersistRequest{StepName: "a", Content: "x", ShouldPersist: true})
	require.NoError(t, err)
	assert.False(t, ref.Persisted())
}

func TestReference_MissingFile(t *testing.T) {
	ref := &Reference{StepName: "a", Path: filepath.Join(t.TempDir(), "gone.md")}
	_, err := ref.Text()
	require.Error(t, err)
}

func TestPersist_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewManager(DefaultConfig(), nil).Persist(ctx, PersistRequest{StepName: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTruncateAndEstimate(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))

	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "anything", Truncate("anything", 0))

	long := strings.Repeat("x", 30)
	got := Truncate(long, 2)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", 8)+"\n\n"))
	assert.Contains(t, got, "[... truncated 22 characters]")
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "a b c", Summarize("  a \n b\tc ", 100))
	assert.Equal(t, "abc...", Summarize("abcdef", 3))
	assert.Equal(t, "whole", Summarize("whole", 0))
}
