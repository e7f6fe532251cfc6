// Package snapshot implements the Accessibility Snapshot Engine: a bounded,
// deterministic, TTL-cached view of the current page keyed by opaque
// element refs, with a diff mode for change detection.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/accessibility-browser-agent/internal/browser"
)

// Tri mirrors browser.Tri at the snapshot layer so this package does not
// leak the driver's type names into callers that only need element state.
type Tri = browser.Tri

// Element is one interactive element captured at snapshot time. Refs are
// opaque and valid only for the Snapshot that produced them.
type Element struct {
	Ref      string
	Role     string
	Name     string
	Value    string
	Disabled Tri
	Checked  Tri
	Selected Tri
	BBox     *browser.BBox
}

// Snapshot is an immutable, bounded view of the page at one instant.
type Snapshot struct {
	URL          string
	Title        string
	Timestamp    time.Time
	Elements     []Element
	Refs         map[string]Element
	Truncated    bool
	FallbackUsed bool
}

// ByRole returns elements whose Role matches exactly.
func (s *Snapshot) ByRole(role string) []Element {
	var out []Element
	for _, e := range s.Elements {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

// ByNameSubstring returns elements whose Name contains substr.
func (s *Snapshot) ByNameSubstring(substr string) []Element {
	var out []Element
	for _, e := range s.Elements {
		if containsFold(e.Name, substr) {
			out = append(out, e)
		}
	}
	return out
}

// Equal implements the spec's snapshot-equality rule: same url, and every
// (role, name, value, disabled, checked) tuple equal in the same order.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.URL != other.URL || len(s.Elements) != len(other.Elements) {
		return false
	}
	for i := range s.Elements {
		a, b := s.Elements[i], other.Elements[i]
		if a.Role != b.Role || a.Name != b.Name || a.Value != b.Value ||
			a.Disabled != b.Disabled || a.Checked != b.Checked {
			return false
		}
	}
	return true
}

// Diff is the added/removed/changed element sets relative to a previous
// snapshot. Never cached; produced only on request.
type Diff struct {
	Added   []Element
	Removed []Element
	Changed []Element
}

// Metrics is a point-in-time counter snapshot for reporting.
type Metrics struct {
	SnapshotsTaken      int
	CacheHits           int
	FallbackUsed        int
	AvgSnapshotTime     time.Duration
	ElementsPerSnapshot float64
}

// Config bounds the engine's behavior; see the Configuration table for
// defaults.
type Config struct {
	CacheTTL        time.Duration
	MaxElements     int
	MaxTextLen      int
	FallbackFloor   int
	MaxCacheEntries int
}

// DefaultConfig matches the option table's defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        2 * time.Second,
		MaxElements:     100,
		MaxTextLen:      200,
		FallbackFloor:   20,
		MaxCacheEntries: 8,
	}
}

// ErrDriverUnavailable is fatal to the run; the Step Loop does not retry it.
var ErrDriverUnavailable = fmt.Errorf("driver unavailable")

type cacheEntry struct {
	snap      *Snapshot
	fetchedAt time.Time
}

// Engine owns the snapshot cache and the previous-snapshot pointer.
type Engine struct {
	driver browser.Driver
	cfg    Config
	logger zerolog.Logger

	cache      map[string]cacheEntry
	cacheOrder []string
	previous   *Snapshot

	// metricsMu guards the counters below, which Metrics() reads from the
	// httpapi goroutine concurrently with Get() mutating them on the main
	// agent loop.
	metricsMu      sync.Mutex
	totalSnapshots int
	totalElements  int
	totalDuration  time.Duration
	cacheHits      int
	fallbackUsed   int
}

func New(driver browser.Driver, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		driver: driver,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Get returns either a fresh/cached Snapshot or, when diffMode is true and a
// previous snapshot exists, a Diff. Exactly one of the two return values is
// non-nil on success.
func (e *Engine) Get(ctx context.Context, force, diffMode bool) (*Snapshot, *Diff, error) {
	start := time.Now()
	url := e.driver.CurrentURL(ctx)
	if url == "" {
		return nil, nil, ErrDriverUnavailable
	}

	if !force {
		if entry, ok := e.cache[url]; ok && time.Since(entry.fetchedAt) < e.cfg.CacheTTL {
			e.touchCache(url)
			e.metricsMu.Lock()
			e.cacheHits++
			e.metricsMu.Unlock()
			return e.returnFromPointer(entry.snap, diffMode)
		}
	}

	snap, err := e.extract(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	e.writeCache(url, snap)
	e.metricsMu.Lock()
	e.totalSnapshots++
	e.totalElements += len(snap.Elements)
	e.totalDuration += time.Since(start)
	e.metricsMu.Unlock()

	return e.returnFromPointer(snap, diffMode)
}

// returnFromPointer implements the cache/diff-coherence rule: the previous
// pointer is always updated to the snapshot being returned, and — on a
// diffMode request — the diff is computed against the pointer's value
// *before* that update.
func (e *Engine) returnFromPointer(snap *Snapshot, diffMode bool) (*Snapshot, *Diff, error) {
	prior := e.previous
	e.previous = snap
	if diffMode && prior != nil {
		d := computeDiff(prior, snap)
		return nil, &d, nil
	}
	return snap, nil, nil
}

// Invalidate drops the cache and the previous-snapshot pointer. Always
// safe to call, including repeatedly.
func (e *Engine) Invalidate() {
	e.cache = make(map[string]cacheEntry)
	e.cacheOrder = nil
	e.previous = nil
}

func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m := Metrics{
		SnapshotsTaken: e.totalSnapshots,
		CacheHits:      e.cacheHits,
		FallbackUsed:   e.fallbackUsed,
	}
	if e.totalSnapshots > 0 {
		m.AvgSnapshotTime = e.totalDuration / time.Duration(e.totalSnapshots)
		m.ElementsPerSnapshot = float64(e.totalElements) / float64(e.totalSnapshots)
	}
	return m
}

var fallbackSelectors = []string{
	"button", "a[href]", "input", "textarea", "select",
	"[role=button]", "[role=link]", "[role=textbox]", "[role=checkbox]",
}

func (e *Engine) extract(ctx context.Context, url string) (*Snapshot, error) {
	title := ""
	if t, err := e.currentPageTitle(ctx); err == nil {
		title = t
	}

	nodes, err := e.driver.AccessibilityTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}

	fallbackUsed := false
	if len(nodes) < e.cfg.FallbackFloor {
		extra, err := e.driver.QueryElements(ctx, fallbackSelectors)
		if err == nil && len(extra) > 0 {
			fallbackUsed = true
			seen := make(map[string]bool, len(nodes))
			for _, n := range nodes {
				seen[n.Ref] = true
			}
			for _, n := range extra {
				if !seen[n.Ref] {
					nodes = append(nodes, n)
					seen[n.Ref] = true
				}
			}
		}
	}
	if fallbackUsed {
		e.metricsMu.Lock()
		e.fallbackUsed++
		e.metricsMu.Unlock()
	}

	truncated := false
	if len(nodes) > e.cfg.MaxElements {
		nodes = nodes[:e.cfg.MaxElements]
		truncated = true
	}

	elements := make([]Element, 0, len(nodes))
	refs := make(map[string]Element, len(nodes))
	for _, n := range nodes {
		el := Element{
			Ref:      n.Ref,
			Role:     n.Role,
			Name:     truncateText(n.Name, e.cfg.MaxTextLen),
			Value:    truncateText(n.Value, e.cfg.MaxTextLen),
			Disabled: n.Disabled,
			Checked:  n.Checked,
			Selected: n.Selected,
			BBox:     n.BBox,
		}
		elements = append(elements, el)
		refs[el.Ref] = el
	}

	return &Snapshot{
		URL:          url,
		Title:        title,
		Timestamp:    time.Now(),
		Elements:     elements,
		Refs:         refs,
		Truncated:    truncated,
		FallbackUsed: fallbackUsed,
	}, nil
}

func (e *Engine) currentPageTitle(ctx context.Context) (string, error) {
	v, err := e.driver.Evaluate(ctx, "document.title")
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", nil
}

func (e *Engine) writeCache(url string, snap *Snapshot) {
	if _, exists := e.cache[url]; exists {
		e.touchCache(url)
	} else {
		e.cacheOrder = append(e.cacheOrder, url)
	}
	e.cache[url] = cacheEntry{snap: snap, fetchedAt: time.Now()}
	for len(e.cacheOrder) > e.cfg.MaxCacheEntries {
		oldest := e.cacheOrder[0]
		e.cacheOrder = e.cacheOrder[1:]
		delete(e.cache, oldest)
	}
}

// touchCache moves url to the most-recently-used end of cacheOrder so
// eviction in writeCache is LRU, not FIFO by first insertion.
func (e *Engine) touchCache(url string) {
	for i, u := range e.cacheOrder {
		if u == url {
			e.cacheOrder = append(e.cacheOrder[:i], e.cacheOrder[i+1:]...)
			break
		}
	}
	e.cacheOrder = append(e.cacheOrder, url)
}

// computeDiff joins old and new element sets on (role, name) with position
// as tiebreaker, since fresh snapshots renumber refs.
func computeDiff(old, newSnap *Snapshot) Diff {
	type key struct{ role, name string }
	oldByKey := make(map[key][]Element)
	for _, el := range old.Elements {
		k := key{el.Role, el.Name}
		oldByKey[k] = append(oldByKey[k], el)
	}

	var d Diff
	matchedOld := make(map[key]int)
	for _, el := range newSnap.Elements {
		k := key{el.Role, el.Name}
		candidates := oldByKey[k]
		idx := matchedOld[k]
		if idx < len(candidates) {
			matchedOld[k] = idx + 1
			prior := candidates[idx]
			if prior.Value != el.Value || prior.Disabled != el.Disabled || prior.Checked != el.Checked {
				d.Changed = append(d.Changed, el)
			}
		} else {
			d.Added = append(d.Added, el)
		}
	}
	for k, candidates := range oldByKey {
		used := matchedOld[k]
		for i := used; i < len(candidates); i++ {
			d.Removed = append(d.Removed, candidates[i])
		}
	}
	return d
}

func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return s[:maxLen]
	}
	return s[:maxLen-1] + "…"
}

func containsFold(s, substr string) bool {
	return len(substr) == 0 || indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	sl, subl := toLower(s), toLower(substr)
	for i := 0; i+len(subl) <= len(sl); i++ {
		if sl[i:i+len(subl)] == subl {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
