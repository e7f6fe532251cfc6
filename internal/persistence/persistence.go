// Package persistence is an optional SQLite-backed memory.Store
// implementation for episodes and skills to survive across process
// restarts. The core runs entirely in-memory without it; a nil
// memory.Store (the default) is fully supported.
package persistence

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/polzovatel/accessibility-browser-agent/internal/memory"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a memory.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// any pending goose migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("persistence: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveEpisode implements memory.Store.
func (s *Store) SaveEpisode(ep memory.Episode) error {
	_, err := s.db.Exec(`
		INSERT INTO episodes (id, task_prompt, outcome, success, duration_ms, tools_used, step_count, tags, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID.String(), ep.TaskPrompt, ep.Outcome, boolToInt(ep.Success), ep.Duration.Milliseconds(),
		strings.Join(ep.ToolsUsed, ","), ep.StepCount, strings.Join(ep.Tags, ","), ep.Importance, ep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("persistence: save episode: %w", err)
	}
	return nil
}

// SaveSkill implements memory.Store: an upsert keyed by name.
func (s *Store) SaveSkill(sk memory.Skill) error {
	_, err := s.db.Exec(`
		INSERT INTO skills (id, name, description, action_sequence, success_rate, execution_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description=excluded.description,
			action_sequence=excluded.action_sequence,
			success_rate=excluded.success_rate,
			execution_count=excluded.execution_count`,
		sk.ID.String(), sk.Name, sk.Description, strings.Join(sk.ActionSequence, ","), sk.SuccessRate, sk.ExecutionCount,
	)
	if err != nil {
		return fmt.Errorf("persistence: save skill: %w", err)
	}
	return nil
}

// LoadSkills implements memory.Store.
func (s *Store) LoadSkills() ([]memory.Skill, error) {
	rows, err := s.db.Query(`SELECT id, name, description, action_sequence, success_rate, execution_count FROM skills`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load skills: %w", err)
	}
	defer rows.Close()

	var out []memory.Skill
	for rows.Next() {
		var id, name, desc, seq string
		var rate float64
		var count int
		if err := rows.Scan(&id, &name, &desc, &seq, &rate, &count); err != nil {
			return nil, fmt.Errorf("persistence: scan skill: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			parsed = uuid.New()
		}
		var sequence []string
		if seq != "" {
			sequence = strings.Split(seq, ",")
		}
		out = append(out, memory.Skill{
			ID: parsed, Name: name, Description: desc, ActionSequence: sequence,
			SuccessRate: rate, ExecutionCount: count,
		})
	}
	return out, rows.Err()
}

// RecentEpisodes returns the n most recently created episodes, for offline
// inspection or consolidation tooling.
func (s *Store) RecentEpisodes(n int) ([]memory.Episode, error) {
	rows, err := s.db.Query(`
		SELECT id, task_prompt, outcome, success, duration_ms, tools_used, step_count, tags, importance, created_at
		FROM episodes ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("persistence: recent episodes: %w", err)
	}
	defer rows.Close()

	var out []memory.Episode
	for rows.Next() {
		var id, taskPrompt, outcome, tools, tags string
		var success int
		var durationMS int64
		var stepCount int
		var importance float64
		var createdAt time.Time
		if err := rows.Scan(&id, &taskPrompt, &outcome, &success, &durationMS, &tools, &stepCount, &tags, &importance, &createdAt); err != nil {
			return nil, fmt.Errorf("persistence: scan episode: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			parsed = uuid.New()
		}
		out = append(out, memory.Episode{
			ID: parsed, TaskPrompt: taskPrompt, Outcome: outcome, Success: success != 0,
			Duration: time.Duration(durationMS) * time.Millisecond, ToolsUsed: splitNonEmpty(tools),
			StepCount: stepCount, Tags: splitNonEmpty(tags), Importance: importance, CreatedAt: createdAt,
		})
	}
	return out, rows.Err()
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
