// Package memory implements the Context/Memory Manager: a four-tier memory
// (working, episodic, semantic, skill) with deterministic compaction and a
// token-budget-aware context assembler.
package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StepRecord is one entry in working memory. Once compacted, summary holds
// the one-line representation used when the record is rendered outside the
// detailed tail; Observation is kept, and Screenshot bytes follow the
// separate LastNScreenshots retention policy.
type StepRecord struct {
	StepNumber  int
	Action      string
	Args        map[string]any
	Observation string
	Success     bool
	Duration    time.Duration
	Timestamp   time.Time

	Screenshot []byte // retained only for the most recent LastNScreenshots records

	summarized bool
	summary    string
}

// Episode is an immutable record of one completed run.
type Episode struct {
	ID         uuid.UUID
	TaskPrompt string
	Outcome    string
	Success    bool
	Duration   time.Duration
	ToolsUsed  []string
	StepCount  int
	Tags       []string
	Importance float64
	CreatedAt  time.Time
}

// SemanticEntry is a generalized pattern distilled from episodes by an
// offline consolidation process. The core only reads these.
type SemanticEntry struct {
	Pattern       string
	EvidenceCount int
	Confidence    float64
}

// Skill is a named, reusable action sequence.
type Skill struct {
	ID             uuid.UUID
	Name           string
	Description    string
	ActionSequence []string
	SuccessRate    float64
	ExecutionCount int
}

// Store is an optional, fire-and-forget persistence sink for episodes and
// skills. A nil Store means in-memory-only, which is the default and what
// every in-process test uses.
type Store interface {
	SaveEpisode(Episode) error
	SaveSkill(Skill) error
	LoadSkills() ([]Skill, error)
}

// Config bounds the manager's compaction and budget behavior.
type Config struct {
	WorkingMemoryCap int
	PreserveRecent   int
	CompactThreshold int
	LastNScreenshots int
	TokenBudget      int
	EnrichedPerTier  int
}

func DefaultConfig() Config {
	return Config{
		WorkingMemoryCap: 50,
		PreserveRecent:   10,
		CompactThreshold: 80,
		LastNScreenshots: 1,
		TokenBudget:      8000,
		EnrichedPerTier:  3,
	}
}

// RankedResult is one Search hit, tagged by which tier it came from.
type RankedResult struct {
	Tier  string // "episodic", "semantic", "skill"
	Text  string
	Score float64
}

// Manager owns the working-memory buffer and is the sole writer of
// episodes and skills for the current run. mu guards every field: the
// main agent loop and the background consolidator (internal/consolidator)
// both call into a Manager concurrently on a long-running session.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	working  []StepRecord
	episodes []Episode
	semantic []SemanticEntry
	skills   map[string]Skill

	store Store

	budgetExceeded bool
	stepsRecorded  int
}

func New(cfg Config, store Store) *Manager {
	m := &Manager{cfg: cfg, skills: make(map[string]Skill), store: store}
	if store != nil {
		if loaded, err := store.LoadSkills(); err == nil {
			for _, s := range loaded {
				m.skills[s.Name] = s
			}
		}
	}
	return m
}

// AddStep appends a step record to working memory, drops the oldest records
// once the buffer exceeds WorkingMemoryCap, and compacts once it reaches
// CompactThreshold.
func (m *Manager) AddStep(action string, args map[string]any, observation string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepsRecorded++
	rec := StepRecord{
		StepNumber:  m.stepsRecorded,
		Action:      action,
		Args:        args,
		Observation: observation,
		Success:     success,
		Duration:    duration,
		Timestamp:   time.Now(),
	}
	m.working = append(m.working, rec)

	if len(m.working) > m.cfg.WorkingMemoryCap {
		m.working = m.working[len(m.working)-m.cfg.WorkingMemoryCap:]
	}
	m.compactIfNeeded()
}

// compactIfNeeded applies the single screenshot-retention policy and
// summarizes everything outside the PreserveRecent tail, in place, once
// the buffer reaches CompactThreshold.
func (m *Manager) compactIfNeeded() {
	if len(m.working) < m.cfg.CompactThreshold {
		m.applyScreenshotRetention()
		return
	}
	m.compact()
}

func (m *Manager) compact() {
	boundary := len(m.working) - m.cfg.PreserveRecent
	if boundary < 0 {
		boundary = 0
	}
	for i := 0; i < boundary; i++ {
		if m.working[i].summarized {
			continue
		}
		m.working[i].summary = summarizeLine(m.working[i])
		m.working[i].summarized = true
	}
	m.applyScreenshotRetention()
}

// applyScreenshotRetention keeps Screenshot bytes only on the most recent
// LastNScreenshots records that carry one; it is the single retention site
// the spec requires (no second, independent pruning mechanism).
func (m *Manager) applyScreenshotRetention() {
	kept := 0
	for i := len(m.working) - 1; i >= 0; i-- {
		if m.working[i].Screenshot == nil {
			continue
		}
		kept++
		if kept > m.cfg.LastNScreenshots {
			m.working[i].Screenshot = nil
		}
	}
}

func summarizeLine(r StepRecord) string {
	outcome := "failure"
	if r.Success {
		outcome = "success"
	}
	return fmt.Sprintf("Step %d: %s(%s) → %s", r.StepNumber, r.Action, summarizeArgs(r.Args), outcome)
}

func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ",")
}

func truncate80(s string) string {
	if len(s) <= 80 {
		return s
	}
	return s[:79] + "…"
}

// GetContext returns the tail detailedSteps entries in full, earlier steps
// summarized to one line each.
func (m *Manager) GetContext(detailedSteps int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, _ := m.buildContext(detailedSteps, nil, 0)
	return ctx
}

// GetEnrichedContext is GetContext plus up to EnrichedPerTier relevant
// episodic/semantic/skill snippets ranked against query.
func (m *Manager) GetEnrichedContext(query string, detailedSteps int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, _ := m.buildContext(detailedSteps, &query, m.cfg.EnrichedPerTier)
	return ctx
}

// buildContext implements the budget-enforcement reduction order: halve
// detailed steps, drop lowest-relevance snippets, drop earliest summaries,
// and finally accept an over-budget prompt with budgetExceeded=true.
func (m *Manager) buildContext(detailedSteps int, query *string, perTier int) (string, bool) {
	steps := detailedSteps
	snippetBudget := perTier
	summaryFloor := 0

	// The projected prompt is checked before every LLM call regardless of
	// whether CompactThreshold has been reached by compactIfNeeded; this is
	// the second, independent compaction trigger the spec requires so a
	// CompactThreshold set above WorkingMemoryCap still gets real compaction
	// under budget pressure rather than only a degraded render.
	if estimateTokens(m.renderContext(steps, query, snippetBudget, summaryFloor)) > m.cfg.TokenBudget {
		m.compact()
	}

	for attempt := 0; attempt < 8; attempt++ {
		text := m.renderContext(steps, query, snippetBudget, summaryFloor)
		if estimateTokens(text) <= m.cfg.TokenBudget {
			m.budgetExceeded = false
			return text, false
		}
		switch {
		case steps > 1:
			steps = steps / 2
		case snippetBudget > 0:
			snippetBudget--
		case summaryFloor < len(m.working):
			summaryFloor++
		default:
			m.budgetExceeded = true
			return text, true
		}
	}
	m.budgetExceeded = true
	return m.renderContext(steps, query, snippetBudget, summaryFloor), true
}

func (m *Manager) renderContext(detailedSteps int, query *string, snippetBudget, summaryFloor int) string {
	var b strings.Builder

	n := len(m.working)
	tailStart := n - detailedSteps
	if tailStart < 0 {
		tailStart = 0
	}
	if tailStart < summaryFloor {
		tailStart = summaryFloor
	}

	if tailStart > summaryFloor {
		b.WriteString("Earlier steps:\n")
		for i := summaryFloor; i < tailStart; i++ {
			r := m.working[i]
			line := r.summary
			if line == "" {
				line = summarizeLine(r)
			}
			b.WriteString("  " + line + "\n")
		}
	}
	if tailStart < n {
		b.WriteString("Recent steps:\n")
		for i := tailStart; i < n; i++ {
			r := m.working[i]
			obs := truncate80(r.Observation)
			b.WriteString(fmt.Sprintf("  step %d: %s(%s) observation=%q success=%v\n",
				r.StepNumber, r.Action, summarizeArgs(r.Args), obs, r.Success))
		}
	}

	if query != nil && snippetBudget > 0 {
		snippets := m.rankedSnippets(*query, snippetBudget)
		if len(snippets) > 0 {
			b.WriteString("Relevant memory:\n")
			for _, s := range snippets {
				b.WriteString("  [" + s.Tier + "] " + s.Text + "\n")
			}
		}
	}
	return b.String()
}

// SaveEpisode adds one episode record; exactly one per completed run.
func (m *Manager) SaveEpisode(taskPrompt, outcome string, success bool, duration time.Duration, tools []string, stepCount int) Episode {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep := Episode{
		ID:         uuid.New(),
		TaskPrompt: taskPrompt,
		Outcome:    outcome,
		Success:    success,
		Duration:   duration,
		ToolsUsed:  tools,
		StepCount:  stepCount,
		CreatedAt:  time.Now(),
	}
	m.episodes = append(m.episodes, ep)
	if m.store != nil {
		_ = m.store.SaveEpisode(ep) // fire-and-forget; a store error is discarded unlogged and the in-memory record stands
	}
	return ep
}

// Search returns the top-scoring results across episodic, semantic, and
// skill tiers.
func (m *Manager) Search(query string, limit int) []RankedResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchLocked(query, limit)
}

// searchLocked is Search's body, callable from other methods that already
// hold mu (rankedSnippets, reached via buildContext under GetEnrichedContext's
// lock) without deadlocking on a second, non-reentrant Lock call.
func (m *Manager) searchLocked(query string, limit int) []RankedResult {
	var all []RankedResult
	for i, ep := range m.episodes {
		score := 0.4*recencyScore(i, len(m.episodes)) + 0.4*lexicalOverlap(query, ep.TaskPrompt+" "+ep.Outcome) + 0.2*boolUtility(ep.Success)
		all = append(all, RankedResult{Tier: "episodic", Text: ep.TaskPrompt + " -> " + ep.Outcome, Score: score})
	}
	for i, se := range m.semantic {
		score := 0.4*recencyScore(i, len(m.semantic)) + 0.4*lexicalOverlap(query, se.Pattern) + 0.2*se.Confidence
		all = append(all, RankedResult{Tier: "semantic", Text: se.Pattern, Score: score})
	}
	// m.skills is a map; range order is randomized per Go's spec, so skill
	// names are sorted first to keep recencyScore (and therefore the final
	// ranking) reproducible across calls.
	names := make([]string, 0, len(m.skills))
	for name := range m.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		sk := m.skills[name]
		score := 0.4*recencyScore(i, len(names)) + 0.4*lexicalOverlap(query, sk.Name+" "+sk.Description) + 0.2*sk.SuccessRate
		all = append(all, RankedResult{Tier: "skill", Text: sk.Name + ": " + sk.Description, Score: score})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (m *Manager) rankedSnippets(query string, perTier int) []RankedResult {
	all := m.searchLocked(query, 0)
	byTier := map[string][]RankedResult{}
	for _, r := range all {
		byTier[r.Tier] = append(byTier[r.Tier], r)
	}
	var out []RankedResult
	for _, tier := range []string{"episodic", "semantic", "skill"} {
		rs := byTier[tier]
		if len(rs) > perTier {
			rs = rs[:perTier]
		}
		out = append(out, rs...)
	}
	return out
}

// Consolidate is idempotent: it force-compacts working memory beyond
// PreserveRecent regardless of CompactThreshold. It creates no semantic
// entries (those arrive only through AddSemanticEntry); internal/consolidator
// merely calls this method on a schedule.
func (m *Manager) Consolidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compact()
}

// AddSemanticEntry lets an external consolidator add a read-only pattern.
func (m *Manager) AddSemanticEntry(e SemanticEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.semantic = append(m.semantic, e)
}

// SaveSkill upserts a named skill.
func (m *Manager) SaveSkill(s Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.skills[s.Name] = s
	if m.store != nil {
		_ = m.store.SaveSkill(s)
	}
}

func (m *Manager) WorkingMemoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.working)
}

func (m *Manager) BudgetExceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budgetExceeded
}

func estimateTokens(s string) int {
	words := len(strings.Fields(s))
	return int(math.Round(float64(words)*1.3 + float64(len(s))/4.5))
}

func recencyScore(index, total int) float64 {
	if total <= 1 {
		return 1
	}
	return float64(index+1) / float64(total)
}

func boolUtility(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func lexicalOverlap(query, text string) float64 {
	qWords := strings.Fields(strings.ToLower(query))
	if len(qWords) == 0 {
		return 0
	}
	tset := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		tset[w] = true
	}
	hits := 0
	for _, w := range qWords {
		if tset[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(qWords))
}
