// Package agent implements the Agent Step Loop: the single-threaded
// cooperative cycle of snapshot -> plan -> act that drives a goal to
// completion against bounded step, retry, and token budgets.
package agent

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/accessibility-browser-agent/internal/action"
	"github.com/polzovatel/accessibility-browser-agent/internal/browser"
	"github.com/polzovatel/accessibility-browser-agent/internal/executor"
	"github.com/polzovatel/accessibility-browser-agent/internal/memory"
	"github.com/polzovatel/accessibility-browser-agent/internal/snapshot"
)

// Reason is the fixed set of ways a run can end.
type Reason string

const (
	ReasonDone        Reason = "done"
	ReasonStepBudget  Reason = "step_budget"
	ReasonFatalError  Reason = "fatal_error"
	ReasonCancelled   Reason = "cancelled"
)

// Config bounds the loop's step and failure budgets.
type Config struct {
	MaxSteps             int
	MaxPermanentFailures int
	MaxConsecutiveParseErrors int
	RepeatedActionLimit  int
	DetailedSteps        int
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:                  20,
		MaxPermanentFailures:      3,
		MaxConsecutiveParseErrors: 3,
		RepeatedActionLimit:       3,
		DetailedSteps:             5,
	}
}

// AgentMetrics aggregates the loop's own counters with the Snapshot Engine's
// and Executor's, for one combined report at the end of a run.
type AgentMetrics struct {
	Steps             int
	ParseErrors       int
	PermanentFailures int
	Snapshot          snapshot.Metrics
	Executor          executor.Metrics
}

// Result is the outcome of one Run call.
type Result struct {
	Success          bool
	Reason           Reason
	Steps            int
	Duration         time.Duration
	FinalObservation string
	Metrics          AgentMetrics
}

// Agent wires together five collaborators: a Browser
// Driver, a Planner (backed by an llm.Client or the --no-llm fallback), the
// Snapshot Engine, the Reliable Action Executor, and the Memory Manager.
type Agent struct {
	driver   browser.Driver
	planner  Planner
	snaps    *snapshot.Engine
	exec     *executor.Executor
	mem      *memory.Manager
	cfg      Config
	logger   zerolog.Logger

	cancelCh chan struct{}
}

func New(driver browser.Driver, planner Planner, snaps *snapshot.Engine, exec *executor.Executor, mem *memory.Manager, cfg Config, logger zerolog.Logger) *Agent {
	return &Agent{
		driver:   driver,
		planner:  planner,
		snaps:    snaps,
		exec:     exec,
		mem:      mem,
		cfg:      cfg,
		logger:   logger,
		cancelCh: make(chan struct{}),
	}
}

// Cancel requests a graceful stop at the top of the next iteration.
func (a *Agent) Cancel() {
	select {
	case <-a.cancelCh:
	default:
		close(a.cancelCh)
	}
}

// Run drives the step loop until the goal is satisfied, a budget is
// exhausted, or a fatal condition is hit. Exactly one episode is recorded,
// on every exit path.
func (a *Agent) Run(ctx context.Context, goal string) Result {
	start := time.Now()
	var history []HistoryItem
	toolsUsed := make(map[string]bool)
	consecutiveParseErrors := 0
	permanentFailures := 0
	finalObservation := ""

	step := 0
	reason := ReasonStepBudget
	success := false

	for step = 1; step <= a.cfg.MaxSteps; step++ {
		select {
		case <-a.cancelCh:
			reason = ReasonCancelled
			goto finished
		case <-ctx.Done():
			reason = ReasonCancelled
			goto finished
		default:
		}

		snap, err := a.currentSnapshot(ctx)
		if err != nil {
			a.logger.Error().Err(err).Int("step", step).Msg("snapshot unavailable")
			finalObservation = "snapshot unavailable: " + err.Error()
			reason = ReasonFatalError
			goto finished
		}

		query := goal
		if len(history) > 0 {
			query = goal + " " + history[len(history)-1].Action
		}
		enriched := a.mem.GetEnrichedContext(query, a.cfg.DetailedSteps)

		dec, err := a.planner.Next(ctx, State{
			Goal:            goal,
			Step:            step,
			History:         history,
			Snapshot:        snap,
			EnrichedContext: enriched,
		})
		if err != nil {
			consecutiveParseErrors++
			a.logger.Warn().Err(err).Int("step", step).Int("consecutive_parse_errors", consecutiveParseErrors).Msg("planner error")
			a.mem.AddStep("plan_error", nil, "llm_parse_error", false, 0)
			if consecutiveParseErrors >= a.cfg.MaxConsecutiveParseErrors {
				finalObservation = "planner failed repeatedly: " + err.Error()
				reason = ReasonFatalError
				goto finished
			}
			continue
		}
		consecutiveParseErrors = 0

		if dec.Done {
			finalObservation = dec.FinalMessage
			reason = ReasonDone
			success = true
			goto finished
		}

		if tooManyRepeats(history, string(dec.Action), dec.Args, a.cfg.RepeatedActionLimit) {
			finalObservation = fmt.Sprintf("repeated action loop guard triggered on %s", dec.Action)
			reason = ReasonFatalError
			goto finished
		}

		req := action.Request{Name: dec.Action, Args: dec.Args}
		stepStart := time.Now()
		res := a.exec.Apply(ctx, req, snap)
		duration := time.Since(stepStart)

		toolsUsed[string(dec.Action)] = true
		a.mem.AddStep(string(dec.Action), dec.Args, res.Observation, res.Success, duration)
		history = append(history, HistoryItem{Action: string(dec.Action), Args: dec.Args, Observation: res.Observation, Success: res.Success})

		a.logger.Info().
			Int("step", step).
			Str("action", string(dec.Action)).
			Bool("success", res.Success).
			Str("classification", string(res.Classification)).
			Str("observation", truncateLog(res.Observation)).
			Msg("step")

		if !res.Success && res.Classification == executor.Permanent {
			permanentFailures++
			if permanentFailures >= a.cfg.MaxPermanentFailures {
				finalObservation = "too many permanent action failures: " + res.Observation
				reason = ReasonFatalError
				goto finished
			}
		}
	}
	// The loop index runs one past the last completed step on a normal
	// step-budget exit (every other exit jumps out via goto mid-iteration,
	// where step already holds the iteration that triggered it).
	step = a.cfg.MaxSteps

finished:
	tools := make([]string, 0, len(toolsUsed))
	for t := range toolsUsed {
		tools = append(tools, t)
	}
	outcome := finalObservation
	if outcome == "" {
		outcome = string(reason)
	}
	a.mem.SaveEpisode(goal, outcome, success, time.Since(start), tools, step)

	return Result{
		Success:          success,
		Reason:           reason,
		Steps:            step,
		Duration:         time.Since(start),
		FinalObservation: finalObservation,
		Metrics: AgentMetrics{
			Steps:             step,
			ParseErrors:       consecutiveParseErrors,
			PermanentFailures: permanentFailures,
			Snapshot:          a.snaps.Metrics(),
			Executor:          a.exec.Metrics(),
		},
	}
}

// currentSnapshot always requests the non-diff form: the Step Loop consumes
// the full element set each step, never a diff (diff mode is for callers
// that only want to detect change).
func (a *Agent) currentSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	snap, _, err := a.snaps.Get(ctx, false, false)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func truncateLog(s string) string {
	const max = 160
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// tooManyRepeats guards against the exact same (action, args) pair firing
// limit times in a row, generalized from a click-selector-specific loop
// guard in the original orchestrator to the fixed action vocabulary. It
// must compare args too: three clicks on three different refs is normal
// progress, not a loop.
func tooManyRepeats(history []HistoryItem, actionName string, args map[string]any, limit int) bool {
	if limit <= 0 || len(history) < limit {
		return false
	}
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		if history[i].Action != actionName || !argsEqual(history[i].Args, args) {
			return false
		}
	}
	return true
}

// argsEqual reports whether two action-args maps are equal by key/value.
// Values come from JSON decoding, which can produce non-scalar leaves (a
// nested array/object); reflect.DeepEqual handles those without panicking
// the way a direct == comparison would on an uncomparable type.
func argsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
