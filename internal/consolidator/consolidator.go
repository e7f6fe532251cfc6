// Package consolidator periodically triggers memory.Manager.Consolidate on
// a schedule, for long-running deployments where no single Run call's exit
// path would otherwise force a compaction.
package consolidator

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/polzovatel/accessibility-browser-agent/internal/memory"
)

// Consolidator owns a cron schedule driving memory.Manager.Consolidate.
type Consolidator struct {
	cron   *cron.Cron
	mem    *memory.Manager
	logger zerolog.Logger
	entry  cron.EntryID
}

// New builds a Consolidator that has not started yet; call Start to begin
// running on spec (standard 5-field cron syntax, e.g. "*/10 * * * *").
func New(mem *memory.Manager, logger zerolog.Logger) *Consolidator {
	return &Consolidator{
		cron:   cron.New(),
		mem:    mem,
		logger: logger,
	}
}

// Start schedules the consolidation job and begins running it in the
// background. Returns an error if spec cannot be parsed.
func (c *Consolidator) Start(spec string) error {
	id, err := c.cron.AddFunc(spec, c.runOnce)
	if err != nil {
		return err
	}
	c.entry = id
	c.cron.Start()
	return nil
}

func (c *Consolidator) runOnce() {
	before := c.mem.WorkingMemoryLen()
	c.mem.Consolidate()
	c.logger.Debug().Int("working_memory_len", before).Msg("consolidation tick")
}

// Stop halts the schedule and waits for any in-flight tick to finish.
func (c *Consolidator) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}
