package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStepNumberStaysMonotonicPastCap guards against StepNumber being
// derived from the trimmed buffer's length, which would repeat numbers
// once the ring buffer starts dropping its oldest entries.
func TestStepNumberStaysMonotonicPastCap(t *testing.T) {
	cfg := Config{WorkingMemoryCap: 5, PreserveRecent: 2, CompactThreshold: 4, LastNScreenshots: 1, TokenBudget: 100000}
	m := New(cfg, nil)
	for i := 0; i < 12; i++ {
		m.AddStep("click", nil, "ok", true, time.Millisecond)
	}
	require.Len(t, m.working, 5)
	last := m.working[len(m.working)-1]
	assert.Equal(t, 12, last.StepNumber)
	first := m.working[0]
	assert.Equal(t, 8, first.StepNumber)
}

// TestCompactionTrigger mirrors the spec's concrete compaction-trigger
// scenario: WorkingMemoryCap=5, PreserveRecent=2, CompactThreshold=4.
func TestCompactionTrigger(t *testing.T) {
	cfg := Config{WorkingMemoryCap: 5, PreserveRecent: 2, CompactThreshold: 4, LastNScreenshots: 1, TokenBudget: 100000}
	m := New(cfg, nil)

	for i := 1; i <= 5; i++ {
		m.AddStep("click", nil, "ok", true, time.Millisecond)
	}
	require.Len(t, m.working, 5)
	assert.True(t, m.working[0].summarized, "step 1 should be summarized")
	assert.True(t, m.working[1].summarized, "step 2 should be summarized")
	assert.True(t, m.working[2].summarized, "step 3 should be summarized")
	assert.False(t, m.working[3].summarized, "step 4 should be verbatim")
	assert.False(t, m.working[4].summarized, "step 5 should be verbatim")

	m.AddStep("click", nil, "ok", true, time.Millisecond)
	require.Len(t, m.working, 5) // cap drops the oldest (original step 1)
	assert.False(t, m.working[3].summarized, "step 5 should now be verbatim")
	assert.False(t, m.working[4].summarized, "step 6 should be verbatim")
	assert.True(t, m.working[2].summarized, "step 4 should now be summarized")
}

func TestPreserveRecentVerbatim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactThreshold = 3
	cfg.PreserveRecent = 2
	m := New(cfg, nil)
	for i := 0; i < 10; i++ {
		m.AddStep("scroll", map[string]any{"direction": "down"}, "scrolled", true, time.Millisecond)
	}
	tail := m.working[len(m.working)-2:]
	for _, r := range tail {
		assert.False(t, r.summarized)
	}
}

func TestScreenshotRetentionSinglePolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LastNScreenshots = 1
	m := New(cfg, nil)
	m.AddStep("screenshot", nil, "captured", true, time.Millisecond)
	m.working[len(m.working)-1].Screenshot = []byte("first")
	m.AddStep("screenshot", nil, "captured", true, time.Millisecond)
	m.working[len(m.working)-1].Screenshot = []byte("second")
	m.applyScreenshotRetention()

	assert.Nil(t, m.working[0].Screenshot)
	assert.Equal(t, []byte("second"), m.working[1].Screenshot)
}

// TestBudgetCheckCompactsEvenBelowCompactThreshold covers the default-shaped
// ratio (CompactThreshold above WorkingMemoryCap) where compactIfNeeded's
// length trigger never fires on its own: the pre-LLM budget check must still
// run real compaction rather than only degrading the rendered context.
func TestBudgetCheckCompactsEvenBelowCompactThreshold(t *testing.T) {
	cfg := DefaultConfig() // WorkingMemoryCap=50, CompactThreshold=80
	cfg.TokenBudget = 10
	m := New(cfg, nil)
	for i := 0; i < 20; i++ {
		m.AddStep("click", map[string]any{"ref": "e1"}, "a reasonably long observation about what happened here", true, time.Millisecond)
	}
	require.Less(t, len(m.working), cfg.CompactThreshold, "length trigger must stay unreached for this assertion to be meaningful")
	for _, r := range m.working {
		assert.False(t, r.summarized, "AddStep alone must not have compacted yet")
	}

	_ = m.GetContext(10)
	assert.True(t, m.working[0].summarized, "pre-LLM budget check must compact even though CompactThreshold was never reached")
}

func TestTokenBudgetReduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokenBudget = 10
	m := New(cfg, nil)
	for i := 0; i < 20; i++ {
		m.AddStep("click", map[string]any{"ref": "e1"}, "a reasonably long observation about what happened here", true, time.Millisecond)
	}
	ctx := m.GetContext(10)
	assert.NotEmpty(t, ctx)
	assert.True(t, m.BudgetExceeded())
}

func TestSaveEpisodeIndependentPerRun(t *testing.T) {
	m := New(DefaultConfig(), nil)
	ep1 := m.SaveEpisode("goal A", "done", true, time.Second, []string{"click"}, 3)
	ep2 := m.SaveEpisode("goal A", "done", true, time.Second, []string{"click"}, 3)
	assert.NotEqual(t, ep1.ID, ep2.ID)
	assert.Len(t, m.episodes, 2)
}

func TestSearchRanksByRelevance(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.SaveEpisode("find the login button", "clicked login", true, time.Second, nil, 2)
	m.SaveEpisode("search for shoes", "found results", true, time.Second, nil, 2)
	results := m.Search("login button", 5)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Text, "login")
}

func TestConsolidateIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreserveRecent = 1
	m := New(cfg, nil)
	for i := 0; i < 5; i++ {
		m.AddStep("wait", nil, "waited", true, time.Millisecond)
	}
	m.Consolidate()
	firstPass := make([]bool, len(m.working))
	for i, r := range m.working {
		firstPass[i] = r.summarized
	}
	m.Consolidate()
	for i, r := range m.working {
		assert.Equal(t, firstPass[i], r.summarized)
	}
}
