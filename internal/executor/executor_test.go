package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/accessibility-browser-agent/internal/action"
	"github.com/polzovatel/accessibility-browser-agent/internal/browser"
	"github.com/polzovatel/accessibility-browser-agent/internal/snapshot"
)

func newTestExecutor(t *testing.T, driver browser.Driver) (*Executor, *snapshot.Engine) {
	t.Helper()
	snaps := snapshot.New(driver, snapshot.DefaultConfig(), zerolog.Nop())
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	return New(driver, snaps, cfg, zerolog.Nop()), snaps
}

func TestApplyClickElementNotFound(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.ClickErr = errors.New("element not found")
	exec, _ := newTestExecutor(t, driver)

	res := exec.Apply(context.Background(), action.Request{Name: action.Click, Args: map[string]any{"ref": "e99"}}, nil)
	assert.Equal(t, Permanent, res.Classification)
	assert.Equal(t, 0, res.RetriesUsed)
	assert.False(t, res.Success)
}

// retryingDriver fails with a transient error twice, then succeeds.
type retryingDriver struct {
	*browser.Fake
	failuresLeft int
}

func (r *retryingDriver) Navigate(ctx context.Context, url, waitUntil string) (browser.PageInfo, error) {
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return browser.PageInfo{}, errors.New("timeout waiting for navigation")
	}
	return r.Fake.Navigate(ctx, url, waitUntil)
}

func TestApplyNavigateRetriesThenSucceeds(t *testing.T) {
	fake := browser.NewFake()
	fake.URL = "https://slow.example"
	driver := &retryingDriver{Fake: fake, failuresLeft: 2}
	snaps := snapshot.New(driver, snapshot.DefaultConfig(), zerolog.Nop())
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetries = 2
	exec := New(driver, snaps, cfg, zerolog.Nop())

	res := exec.Apply(context.Background(), action.Request{Name: action.Navigate, Args: map[string]any{"url": "https://slow.example"}}, nil)
	assert.Equal(t, OK, res.Classification)
	assert.Equal(t, 2, res.RetriesUsed)
	assert.True(t, res.Success)
}

func TestApplyTypeOversizedTextNeverReachesDriver(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	exec, _ := newTestExecutor(t, driver)

	long := make([]byte, 10001)
	for i := range long {
		long[i] = 'x'
	}
	res := exec.Apply(context.Background(), action.Request{Name: action.Type, Args: map[string]any{"ref": "e1", "text": string(long)}}, nil)
	assert.Equal(t, Permanent, res.Classification)
	assert.Contains(t, res.Observation, "text exceeds", "rejection must come from validation, not from the driver")
	assert.Empty(t, driver.Clicks)
}

func TestApplyInvalidatesCacheOnSuccessfulMutatingAction(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.Nodes = []browser.Node{{Ref: "e1", Role: "button", Name: "Submit"}}
	exec, snaps := newTestExecutor(t, driver)

	_, _, err := snaps.Get(context.Background(), true, false)
	require.NoError(t, err)

	res := exec.Apply(context.Background(), action.Request{Name: action.Click, Args: map[string]any{"ref": "e1"}}, nil)
	require.True(t, res.Success)

	// After invalidation, Get(force=false) must not serve the stale cache.
	snap2, _, err := snaps.Get(context.Background(), false, false)
	require.NoError(t, err)
	assert.NotNil(t, snap2)
	assert.Equal(t, 0, snaps.Metrics().CacheHits)
}

func TestHealthGateBlocksUnhealthyBrowser(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.HealthErr = errors.New("browser process gone")
	exec, _ := newTestExecutor(t, driver)

	res := exec.Apply(context.Background(), action.Request{Name: action.Click, Args: map[string]any{"ref": "e1"}}, nil)
	assert.Equal(t, Permanent, res.Classification)
	assert.Contains(t, res.Observation, "unhealthy")
}

func TestApplyClickFallsBackToCoordinatesWhenElementNotVisible(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.ClickErr = errors.New("element not visible")
	exec, _ := newTestExecutor(t, driver)

	snap := &snapshot.Snapshot{
		Refs: map[string]snapshot.Element{
			"e1": {Ref: "e1", Role: "button", Name: "Open menu", BBox: &browser.BBox{X: 10, Y: 20, W: 40, H: 10}},
		},
	}

	res := exec.Apply(context.Background(), action.Request{Name: action.Click, Args: map[string]any{"ref": "e1"}}, snap)
	require.True(t, res.Success)
	assert.Equal(t, OK, res.Classification)
	require.Len(t, driver.ClickAtCalls, 1)
	assert.Equal(t, [2]float64{30, 25}, driver.ClickAtCalls[0])
}

func TestApplyClickCoordinateFallbackSkippedWithoutBBox(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.ClickErr = errors.New("element not visible")
	exec, _ := newTestExecutor(t, driver)

	snap := &snapshot.Snapshot{
		Refs: map[string]snapshot.Element{"e1": {Ref: "e1", Role: "button", Name: "Open menu"}},
	}

	res := exec.Apply(context.Background(), action.Request{Name: action.Click, Args: map[string]any{"ref": "e1"}}, snap)
	assert.False(t, res.Success)
	assert.Equal(t, Permanent, res.Classification)
	assert.Empty(t, driver.ClickAtCalls)
}

func TestDestructiveActionRequiresConfirmation(t *testing.T) {
	driver := browser.NewFake()
	driver.URL = "https://example.com"
	driver.Nodes = []browser.Node{{Ref: "e1", Role: "button", Name: "Delete account"}}
	exec, snaps := newTestExecutor(t, driver)
	snap, _, err := snaps.Get(context.Background(), true, false)
	require.NoError(t, err)

	res := exec.Apply(context.Background(), action.Request{Name: action.Click, Args: map[string]any{"ref": "e1"}}, snap)
	assert.Equal(t, Permanent, res.Classification)
	assert.Contains(t, res.Observation, "confirmation")

	res2 := exec.Apply(context.Background(), action.Request{Name: action.Click, Args: map[string]any{"ref": "e1", "confirmed": true}}, snap)
	assert.True(t, res2.Success)
}
