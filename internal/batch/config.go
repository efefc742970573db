package batch

import (
	"fmt"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// Schedule is a cron-triggered batch over stored targets
type Schedule struct {
	Name     string
	Cron     string
	TaskKind domain.TaskKind
	Filter   string
}

// Validate checks if the schedule is valid
func (c *Schedule) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if _, err := domain.ParseTaskKind(string(c.TaskKind)); err != nil {
		return err
	}
	if c.Filter == "" {
		c.Filter = "all"
	}
	return nil
}
