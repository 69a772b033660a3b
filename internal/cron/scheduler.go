// Package cron runs the periodic housekeeping jobs of the service.
package cron

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bowerhall/slipbox/internal/logger"
)

// standard 5-field expressions plus descriptors like "@every 1m"
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper is the part of the pending store the scheduler needs.
type Sweeper interface {
	Sweep() int
	Len() int
}

type Scheduler struct {
	c *cron.Cron
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}

	// job panics and skips land in the service log
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Slog().Handler(), slog.LevelWarn))

	return &Scheduler{
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(cronParser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}
}

// Validate reports whether schedule is an expression the scheduler accepts.
func Validate(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// AddSweep registers a job that drops expired pending sessions.
func (s *Scheduler) AddSweep(schedule string, sweeper Sweeper) error {
	if err := Validate(schedule); err != nil {
		return err
	}

	_, err := s.c.AddFunc(schedule, func() { sweep(sweeper) })
	return err
}

func (s *Scheduler) Start() {
	s.c.Start()
	logger.Info("scheduler started", "jobs", len(s.c.Entries()))
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func sweep(sweeper Sweeper) int {
	removed := sweeper.Sweep()
	if removed > 0 {
		logger.Info("expired pending sessions swept", "removed", removed, "remaining", sweeper.Len())
	}
	return removed
}
