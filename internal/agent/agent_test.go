package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/accessibility-browser-agent/internal/action"
	"github.com/polzovatel/accessibility-browser-agent/internal/browser"
	"github.com/polzovatel/accessibility-browser-agent/internal/executor"
	"github.com/polzovatel/accessibility-browser-agent/internal/memory"
	"github.com/polzovatel/accessibility-browser-agent/internal/snapshot"
)

// scriptedPlanner serves one Decision per call, repeating the last entry
// once exhausted; it never touches an llm.Client, keeping these tests
// independent of planner.go's JSON parsing.
type scriptedPlanner struct {
	decisions []Decision
	errs      []error
	calls     int
}

func (p *scriptedPlanner) Next(ctx context.Context, state State) (Decision, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return Decision{}, p.errs[idx]
	}
	if idx >= len(p.decisions) {
		idx = len(p.decisions) - 1
	}
	return p.decisions[idx], nil
}

func newTestAgent(t *testing.T, driver browser.Driver, planner Planner, cfg Config) *Agent {
	t.Helper()
	snaps := snapshot.New(driver, snapshot.DefaultConfig(), zerolog.Nop())
	exec := executor.New(driver, snaps, executor.DefaultConfig(), zerolog.Nop())
	mem := memory.New(memory.DefaultConfig(), nil)
	return New(driver, planner, snaps, exec, mem, cfg, zerolog.Nop())
}

func TestRunDoneShortCircuitsOnStepTwo(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.Nodes = []browser.Node{{Ref: "e1", Role: "button", Name: "Submit"}}

	planner := &scriptedPlanner{decisions: []Decision{
		{Action: action.Click, Args: map[string]any{"ref": "e1"}},
		{Action: action.Done, Done: true, FinalMessage: "submitted"},
	}}

	cfg := DefaultConfig()
	cfg.MaxSteps = 10
	a := newTestAgent(t, driver, planner, cfg)

	res := a.Run(context.Background(), "submit the form")
	assert.True(t, res.Success)
	assert.Equal(t, ReasonDone, res.Reason)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, "submitted", res.FinalObservation)
}

func TestRunStepBudgetTermination(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.Nodes = []browser.Node{{Ref: "e1", Role: "button", Name: "Refresh"}}

	// The planner repeats the same wait decision every step, which would
	// trip the repeated-action guard (it matches any identical action and
	// args), so the guard is disabled below.
	planner := &scriptedPlanner{decisions: []Decision{
		{Action: action.Wait, Args: map[string]any{"seconds": 0.1}},
	}}

	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	cfg.RepeatedActionLimit = 0 // disabled: this test targets the step budget exit, not the loop guard
	a := newTestAgent(t, driver, planner, cfg)

	res := a.Run(context.Background(), "keep the page alive")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonStepBudget, res.Reason)
	assert.Equal(t, cfg.MaxSteps, res.Metrics.Steps)
}

func TestRunThreeConsecutiveParseErrorsFatal(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"

	planner := &scriptedPlanner{
		decisions: []Decision{{}},
		errs: []error{
			fmt.Errorf("llm_parse_error: no JSON object found"),
			fmt.Errorf("llm_parse_error: no JSON object found"),
			fmt.Errorf("llm_parse_error: no JSON object found"),
		},
	}

	cfg := DefaultConfig()
	cfg.MaxSteps = 10
	cfg.MaxConsecutiveParseErrors = 3
	a := newTestAgent(t, driver, planner, cfg)

	res := a.Run(context.Background(), "anything")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonFatalError, res.Reason)
	assert.Equal(t, 3, res.Metrics.ParseErrors)
	assert.Equal(t, 3, a.mem.WorkingMemoryLen(), "each parse error must land its own step record before the fatal exit")
}

func TestRunMaxStepsOneStopsAfterSingleIteration(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.Nodes = []browser.Node{{Ref: "e1", Role: "button", Name: "Go"}}

	planner := &scriptedPlanner{decisions: []Decision{
		{Action: action.Click, Args: map[string]any{"ref": "e1"}},
	}}

	cfg := DefaultConfig()
	cfg.MaxSteps = 1
	a := newTestAgent(t, driver, planner, cfg)

	res := a.Run(context.Background(), "click go")
	assert.Equal(t, ReasonStepBudget, res.Reason)
	assert.Equal(t, 1, res.Steps)
}

func TestRunCancelledBeforeFirstStep(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"

	planner := &scriptedPlanner{decisions: []Decision{
		{Action: action.Wait, Args: map[string]any{"seconds": 0.1}},
	}}

	cfg := DefaultConfig()
	cfg.MaxSteps = 10
	a := newTestAgent(t, driver, planner, cfg)
	a.Cancel()

	res := a.Run(context.Background(), "anything")
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.False(t, res.Success)
}

func TestTooManyRepeatsComparesArgsNotJustActionName(t *testing.T) {
	history := []HistoryItem{
		{Action: "click", Args: map[string]any{"ref": "e1"}},
		{Action: "click", Args: map[string]any{"ref": "e2"}},
		{Action: "click", Args: map[string]any{"ref": "e3"}},
	}
	assert.False(t, tooManyRepeats(history, "click", map[string]any{"ref": "e4"}, 3),
		"three clicks on three different refs is progress, not a loop")

	stuck := []HistoryItem{
		{Action: "click", Args: map[string]any{"ref": "e1"}},
		{Action: "click", Args: map[string]any{"ref": "e1"}},
		{Action: "click", Args: map[string]any{"ref": "e1"}},
	}
	assert.True(t, tooManyRepeats(stuck, "click", map[string]any{"ref": "e1"}, 3),
		"the same ref clicked repeatedly with no progress must trip the guard")

	// A decoded-JSON arg value can be a nested slice/map; argsEqual must
	// not panic comparing those (a direct == would, on an uncomparable type).
	nested := []HistoryItem{
		{Action: "select", Args: map[string]any{"ref": "e1", "values": []any{"a", "b"}}},
		{Action: "select", Args: map[string]any{"ref": "e1", "values": []any{"a", "b"}}},
		{Action: "select", Args: map[string]any{"ref": "e1", "values": []any{"a", "b"}}},
	}
	assert.NotPanics(t, func() {
		tooManyRepeats(nested, "select", map[string]any{"ref": "e1", "values": []any{"a", "b"}}, 3)
	})
}

func TestRunPermanentFailuresAccumulateToFatal(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.ClickErr = fmt.Errorf("element not found")
	driver.Nodes = []browser.Node{{Ref: "e1", Role: "button", Name: "Go"}}

	planner := &scriptedPlanner{decisions: []Decision{
		{Action: action.Click, Args: map[string]any{"ref": "e1"}},
	}}

	cfg := DefaultConfig()
	cfg.MaxSteps = 20
	cfg.MaxPermanentFailures = 2
	cfg.RepeatedActionLimit = 0
	a := newTestAgent(t, driver, planner, cfg)

	res := a.Run(context.Background(), "click a broken button")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonFatalError, res.Reason)
	assert.Equal(t, 2, res.Metrics.PermanentFailures)
}

func TestRunSavesEpisodeOnEveryExit(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"

	planner := &scriptedPlanner{decisions: []Decision{
		{Action: action.Done, Done: true, FinalMessage: "done quickly"},
	}}

	snaps := snapshot.New(driver, snapshot.DefaultConfig(), zerolog.Nop())
	exec := executor.New(driver, snaps, executor.DefaultConfig(), zerolog.Nop())
	mem := memory.New(memory.DefaultConfig(), nil)
	cfg := DefaultConfig()
	a := New(driver, planner, snaps, exec, mem, cfg, zerolog.Nop())

	res := a.Run(context.Background(), "say done")
	require.True(t, res.Success)
	results := mem.Search("say done", 5)
	assert.NotEmpty(t, results)
}
