// Package executor implements the Reliable Action Executor: a validated,
// health-gated, retrying wrapper around the raw browser primitives.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/polzovatel/accessibility-browser-agent/internal/action"
	"github.com/polzovatel/accessibility-browser-agent/internal/browser"
	"github.com/polzovatel/accessibility-browser-agent/internal/snapshot"
)

// Classification is the Executor's verdict on an action attempt.
type Classification string

const (
	OK        Classification = "ok"
	Transient Classification = "transient"
	Permanent Classification = "permanent"
	Timeout   Classification = "timeout"
)

// Result is the outcome of one Apply call.
type Result struct {
	Success        bool
	Observation    string
	RetriesUsed    int
	Classification Classification
}

// Metrics is a point-in-time counter snapshot for reporting.
type Metrics struct {
	ActionsExecuted int
	ActionFailures  int
	ActionRetries   int
	AvgActionTime   time.Duration
	ByClassification map[Classification]int
}

// Config bounds the executor's retry/health behavior.
type Config struct {
	MaxRetries          int
	RetryBaseDelay      time.Duration
	HealthCacheTTL      time.Duration
	MaxTextLen          int
	DestructiveKeywords []string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		RetryBaseDelay: time.Second,
		HealthCacheTTL: 5 * time.Second,
		MaxTextLen:     10000,
		DestructiveKeywords: []string{
			"delete", "remove", "pay", "purchase", "buy", "submit", "confirm order",
		},
	}
}

const defaultTimeout = 5 * time.Second

// Executor turns one (action, args) pair into at most one observable
// browser effect.
type Executor struct {
	driver  browser.Driver
	snaps   *snapshot.Engine
	cfg     Config
	logger  zerolog.Logger

	lastHealthCheck time.Time
	lastHealthErr   error

	// metricsMu guards metrics, which Metrics() reads from the httpapi
	// goroutine concurrently with Apply()/finish() mutating it on the main
	// agent loop.
	metricsMu sync.Mutex
	metrics   Metrics
}

func New(driver browser.Driver, snaps *snapshot.Engine, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		driver:  driver,
		snaps:   snaps,
		cfg:     cfg,
		logger:  logger,
		metrics: Metrics{ByClassification: make(map[Classification]int)},
	}
}

// Apply validates, health-gates, and retries req against the driver.
func (e *Executor) Apply(ctx context.Context, req action.Request, currentSnap *snapshot.Snapshot) Result {
	start := time.Now()
	defer func() {
		e.metricsMu.Lock()
		e.metrics.ActionsExecuted++
		e.metrics.AvgActionTime = (e.metrics.AvgActionTime*time.Duration(e.metrics.ActionsExecuted-1) + time.Since(start)) / time.Duration(e.metrics.ActionsExecuted)
		e.metricsMu.Unlock()
	}()

	if err := action.Validate(req, e.cfg.MaxTextLen); err != nil {
		return e.finish(Result{Success: false, Observation: err.Error(), Classification: Permanent})
	}
	if err := e.checkConfirmation(req, currentSnap); err != nil {
		return e.finish(Result{Success: false, Observation: err.Error(), Classification: Permanent})
	}

	if err := e.healthGate(ctx); err != nil {
		return e.finish(Result{Success: false, Observation: "browser unhealthy: " + err.Error(), Classification: Permanent})
	}

	res := e.attemptLoop(ctx, req, currentSnap)
	e.maybeInvalidate(req, res)
	return e.finish(res)
}

func (e *Executor) finish(res Result) Result {
	e.metricsMu.Lock()
	e.metrics.ByClassification[res.Classification]++
	if !res.Success {
		e.metrics.ActionFailures++
	}
	e.metrics.ActionRetries += res.RetriesUsed
	e.metricsMu.Unlock()
	return res
}

// checkConfirmation implements the destructive-action confirmation gate:
// a click/type whose resolved element name matches a destructive keyword
// must carry args["confirmed"]=true in the same decision.
func (e *Executor) checkConfirmation(req action.Request, snap *snapshot.Snapshot) error {
	if req.Name != action.Click && req.Name != action.Type {
		return nil
	}
	if snap == nil {
		return nil
	}
	ref, _ := req.Args["ref"].(string)
	el, ok := snap.Refs[ref]
	if !ok {
		return nil
	}
	name := strings.ToLower(el.Name)
	for _, kw := range e.cfg.DestructiveKeywords {
		if strings.Contains(name, kw) {
			if confirmed, _ := req.Args["confirmed"].(bool); !confirmed {
				return fmt.Errorf("confirmation required")
			}
		}
	}
	return nil
}

func (e *Executor) healthGate(ctx context.Context) error {
	if time.Since(e.lastHealthCheck) < e.cfg.HealthCacheTTL && e.lastHealthErr == nil {
		return nil
	}
	err := e.driver.Health(ctx)
	e.lastHealthCheck = time.Now()
	e.lastHealthErr = err
	return err
}

// attemptLoop dispatches to the driver up to 1+MaxRetries times (MaxRetries
// retries), classifying failures and backing off between transient retries.
func (e *Executor) attemptLoop(ctx context.Context, req action.Request, currentSnap *snapshot.Snapshot) Result {
	var lastErr error
	var lastClass Classification
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBaseDelay
	bo.RandomizationFactor = 0.3
	bo.Multiplier = 2
	bo.Reset() // NewExponentialBackOff already reset to the library default interval

	retries := 0
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return Result{Success: false, Observation: ctx.Err().Error(), Classification: Permanent, RetriesUsed: retries}
			case <-time.After(delay):
			}
		}

		err := e.dispatch(ctx, req)
		if err == nil {
			return Result{Success: true, Observation: "ok", Classification: OK, RetriesUsed: retries}
		}

		lastErr = err
		lastClass = classify(err)
		if lastClass == Permanent {
			if res, ok := e.tryCoordinateFallback(ctx, req, currentSnap, err, retries); ok {
				return res
			}
			return Result{Success: false, Observation: truncate(err.Error(), 200), Classification: Permanent, RetriesUsed: retries}
		}
		if attempt < e.cfg.MaxRetries {
			retries++
		}
	}

	class := Transient
	if lastClass == Timeout {
		class = Timeout
	}
	return Result{Success: false, Observation: truncate(lastErr.Error(), 200), Classification: class, RetriesUsed: retries}
}

// tryCoordinateFallback is the bounded, one-shot recovery for a click(ref)
// that failed "element not visible": if the stale snapshot still carries a
// bounding box for the ref, it tries one coordinate-based click before
// giving up. Any other permanent failure, or a ref with no bbox, skips it.
func (e *Executor) tryCoordinateFallback(ctx context.Context, req action.Request, currentSnap *snapshot.Snapshot, cause error, retries int) (Result, bool) {
	if req.Name != action.Click || currentSnap == nil {
		return Result{}, false
	}
	if !strings.Contains(strings.ToLower(cause.Error()), "element not visible") {
		return Result{}, false
	}
	ref, _ := req.Args["ref"].(string)
	el, ok := currentSnap.Refs[ref]
	if !ok || el.BBox == nil {
		return Result{}, false
	}
	cx := el.BBox.X + el.BBox.W/2
	cy := el.BBox.Y + el.BBox.H/2
	if err := e.driver.ClickAt(ctx, cx, cy, defaultTimeout); err != nil {
		return Result{Success: false, Observation: truncate(cause.Error(), 200), Classification: Permanent, RetriesUsed: retries}, true
	}
	return Result{Success: true, Observation: "ok (coordinate fallback)", Classification: OK, RetriesUsed: retries}, true
}

func (e *Executor) dispatch(ctx context.Context, req action.Request) error {
	switch req.Name {
	case action.Navigate:
		url, _ := req.Args["url"].(string)
		waitUntil, _ := req.Args["wait_until"].(string)
		_, err := e.driver.Navigate(ctx, url, waitUntil)
		return err
	case action.Click:
		ref, _ := req.Args["ref"].(string)
		return e.driver.Click(ctx, ref, timeoutArg(req, 5*time.Second))
	case action.Type:
		ref, _ := req.Args["ref"].(string)
		text, _ := req.Args["text"].(string)
		clear := true
		if c, ok := req.Args["clear"].(bool); ok {
			clear = c
		}
		return e.driver.Type(ctx, ref, text, clear, timeoutArg(req, 5*time.Second))
	case action.Press:
		key, _ := req.Args["key"].(string)
		return e.driver.Press(ctx, key)
	case action.Select:
		ref, _ := req.Args["ref"].(string)
		value, _ := req.Args["value"].(string)
		return e.driver.Select(ctx, ref, value)
	case action.Hover:
		ref, _ := req.Args["ref"].(string)
		return e.driver.Hover(ctx, ref)
	case action.Scroll:
		dir, _ := req.Args["direction"].(string)
		amount := 300
		if a, ok := numeric(req.Args["amount"]); ok {
			amount = int(a)
		}
		return e.driver.Scroll(ctx, dir, amount)
	case action.Wait:
		// action.Validate already rejects seconds outside [0.1, 60]; this
		// clamp is a last-line-of-defense, not the enforcement point.
		seconds, _ := numeric(req.Args["seconds"])
		if seconds > 60 {
			seconds = 60
		}
		return e.driver.Wait(ctx, seconds)
	case action.Screenshot:
		_, err := e.driver.Screenshot(ctx)
		return err
	case action.ReadText:
		_, err := e.driver.Evaluate(ctx, "document.body.innerText")
		return err
	case action.GoBack:
		return e.driver.GoBack(ctx)
	case action.GoForward:
		return e.driver.GoForward(ctx)
	case action.Done:
		return nil
	default:
		return action.ErrUnknownAction
	}
}

func (e *Executor) maybeInvalidate(req action.Request, res Result) {
	if res.Success && req.Name.Mutating() {
		e.snaps.Invalidate()
	}
}

func (e *Executor) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m := e.metrics
	m.ByClassification = make(map[Classification]int, len(e.metrics.ByClassification))
	for k, v := range e.metrics.ByClassification {
		m.ByClassification[k] = v
	}
	return m
}

// classify maps a driver error to one of the fixed classifications, per
// the keyword taxonomy in the error-handling design.
func classify(err error) Classification {
	if err == nil {
		return OK
	}
	var refErr browser.ErrRefNotFound
	if errors.As(err, &refErr) {
		return Permanent
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"element not found", "element not visible", "element detached",
		"invalid selector", "invalid ref", "not found in current snapshot",
		"validation",
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return Permanent
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return Timeout
	}
	transientMarkers := []string{
		"network", "connection reset", "temporarily unavailable", "busy",
		"econnreset", "econnrefused",
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return Transient
		}
	}
	return Permanent
}

func timeoutArg(req action.Request, def time.Duration) time.Duration {
	if s, ok := numeric(req.Args["timeout"]); ok {
		return time.Duration(s * float64(time.Second))
	}
	return def
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
