package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/pkg/schema"
)

func parallelStep(name, tool, input string) schema.WorkflowStep {
	s := textStep(name, tool, input)
	s.Parallel = true
	return s
}

func TestGroupSteps(t *testing.T) {
	got := groupSteps(steps(
		textStep("a", "t", ""),
		parallelStep("b", "t", ""),
		parallelStep("c", "t", ""),
		textStep("d", "t", ""),
		parallelStep("e", "t", ""),
	))
	assert.Equal(t, []stepGroup{
		{start: 0, end: 1},
		{start: 1, end: 3, parallel: true},
		{start: 3, end: 4},
		{start: 4, end: 5},
	}, got)
	assert.Empty(t, groupSteps(nil))
}

func TestExecuteWorkflow_Sequential(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.tools.add(t, "upper", func(req tools.Request) (string, error) {
		return strings.ToUpper(req.Input.Text()), nil
	})
	env.register(t, &schema.WorkflowDefinition{
		Name: "chain",
		Steps: steps(
			textStep("first", "upper", "${query}"),
			textStep("second", "upper", "${first.output} and ${topic}"),
		),
	})

	res, err := env.engine.ExecuteWorkflow(ctx, "chain", "hello", RunOptions{
		Variables: map[string]any{"topic": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "chain", res.WorkflowName)
	assert.Equal(t, "HELLO AND GO", res.FinalOutput)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, 1, res.Steps[0].Step)
	assert.Equal(t, "HELLO", res.Steps[0].Output)

	// Run sessions are archived but never kept for continuation.
	assert.Equal(t, 0, env.engine.ActiveSessions())
	assert.Equal(t, []string{"running", "completed"}, env.archive.statusHistory(res.SessionID))
	rec, err := env.archive.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ModeRun, rec.Mode)
}

func TestExecuteWorkflow_ParallelGroup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var inFlight, peak atomic.Int32
	env.tools.add(t, "wait", func(req tools.Request) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return "got " + req.Input.Text(), nil
	})
	env.tools.add(t, "join", func(req tools.Request) (string, error) {
		return req.Input.Text(), nil
	})
	env.register(t, &schema.WorkflowDefinition{
		Name: "fan",
		Steps: steps(
			parallelStep("left", "wait", "L"),
			parallelStep("right", "wait", "R"),
			textStep("merge", "join", "${left.output} | ${right.output}"),
		),
	})

	res, err := env.engine.ExecuteWorkflow(ctx, "fan", "q", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "got L | got R", res.FinalOutput)
	assert.Equal(t, int32(2), peak.Load())

	require.Len(t, res.Steps, 3)
	assert.Equal(t, "left", res.Steps[0].Name)
	assert.True(t, res.Steps[0].Parallel)
	assert.Equal(t, "right", res.Steps[1].Name)
	assert.False(t, res.Steps[2].Parallel)
}

func TestExecuteWorkflow_ParallelLimit(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) { c.MaxParallel = 1 }))

	var inFlight, peak atomic.Int32
	env.tools.add(t, "wait", func(tools.Request) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	env.register(t, &schema.WorkflowDefinition{
		Name:  "narrow",
		Steps: steps(parallelStep("a", "wait", "1"), parallelStep("b", "wait", "2"), parallelStep("c", "wait", "3")),
	})

	_, err := env.engine.ExecuteWorkflow(context.Background(), "narrow", "q", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestExecuteWorkflow_ParallelFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.tools.fixed(t, "ok", "fine")
	env.tools.failing(t, "bad", "exploded")
	env.register(t, &schema.WorkflowDefinition{
		Name: "halfbad",
		Steps: steps(
			parallelStep("good", "ok", "1"),
			parallelStep("broken", "bad", "2"),
			textStep("after", "ok", "3"),
		),
	})

	_, err := env.engine.ExecuteWorkflow(ctx, "halfbad", "q", RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, env.tools.calls("ok"), 1)
}

func TestExecuteWorkflow_InsertsSynthesis(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.tools.fixed(t, "wordy", strings.Repeat("word ", 100))
	env.tools.add(t, "finish", func(req tools.Request) (string, error) { return req.Input.Text(), nil })

	last := textStep("final", "finish", "")
	last.UsePreviousOutput = true
	env.register(t, &schema.WorkflowDefinition{
		Name: "dense",
		Settings: schema.Settings{Optimization: schema.Optimization{
			EnableSynthesis:       true,
			SynthesisTokenTrigger: 50,
		}},
		Steps: steps(textStep("a", "wordy", "1"), textStep("b", "wordy", "2"), last),
	})

	res, err := env.engine.ExecuteWorkflow(ctx, "dense", "q", RunOptions{})
	require.NoError(t, err)

	var names []string
	for _, s := range res.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a", synthesisStepName, "b", "final"}, names)
	assert.True(t, res.Steps[1].Synthesized)
	assert.Contains(t, res.Steps[1].Output, "## a")
}

func TestExecuteWorkflow_NoSynthesisAfterLastGroup(t *testing.T) {
	env := newTestEnv(t)
	env.tools.fixed(t, "wordy", strings.Repeat("word ", 100))
	env.register(t, &schema.WorkflowDefinition{
		Name: "short",
		Settings: schema.Settings{Optimization: schema.Optimization{
			EnableSynthesis:       true,
			SynthesisTokenTrigger: 10,
		}},
		Steps: steps(textStep("only", "wordy", "1")),
	})

	res, err := env.engine.ExecuteWorkflow(context.Background(), "short", "q", RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.False(t, res.Steps[0].Synthesized)
}

func TestExecuteWorkflow_TruncatesReportsOnly(t *testing.T) {
	env := newTestEnv(t)
	long := strings.Repeat("y", 400)
	env.tools.fixed(t, "big", long)
	env.register(t, &schema.WorkflowDefinition{Name: "cut", Steps: steps(textStep("a", "big", "1"))})

	res, err := env.engine.ExecuteWorkflow(context.Background(), "cut", "q", RunOptions{
		TruncateSteps: true,
		MaxStepTokens: 10,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Steps[0].Output, "truncated")
	assert.Equal(t, long, res.FinalOutput)

	res, err = env.engine.ExecuteWorkflow(context.Background(), "cut", "q", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, long, res.Steps[0].Output)
}

func TestExecuteWorkflow_OverridesWin(t *testing.T) {
	env := newTestEnv(t)
	env.tools.fixed(t, "t", "ok")
	step := textStep("a", "t", "1")
	step.Model = "step-model"
	step.MaxTokens = 100
	env.register(t, &schema.WorkflowDefinition{
		Name:     "params",
		Settings: schema.Settings{DefaultModel: "settings-model", DefaultMaxTokens: 50},
		Steps:    steps(step),
	})

	temp := 0.1
	res, err := env.engine.ExecuteWorkflow(context.Background(), "params", "q", RunOptions{
		Overrides: params.Overrides{Model: "override-model", Temperature: &temp},
	})
	require.NoError(t, err)
	assert.Equal(t, "override-model", res.Steps[0].ModelUsed)

	calls := env.tools.calls("t")
	require.Len(t, calls, 1)
	assert.Equal(t, "override-model", calls[0].Options.Model)
	assert.Equal(t, 100, calls[0].Options.MaxTokens)
	assert.InDelta(t, 0.1, calls[0].Options.Temperature, 1e-9)
}

func TestExecuteWorkflow_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	env.tools.fixed(t, "t", "ok")
	env.register(t, &schema.WorkflowDefinition{Name: "stop", Steps: steps(textStep("a", "t", "1"))})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.engine.ExecuteWorkflow(ctx, "stop", "q", RunOptions{})
	require.Error(t, err)
	assert.Empty(t, env.tools.calls("t"))
}
