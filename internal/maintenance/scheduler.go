package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"vellum/internal/config"
	"vellum/internal/consistency"
	"vellum/internal/store"
)

// Scheduler runs the periodic background jobs: a consistency summary on the
// configured cadence and a nightly cleanup of terminal job records.
type Scheduler struct {
	cron    *cron.Cron
	checker *consistency.Checker
	jobs    store.JobStore
	cfg     *config.Config
}

func NewScheduler(cfg *config.Config, checker *consistency.Checker, jobs store.JobStore) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		checker: checker,
		jobs:    jobs,
		cfg:     cfg,
	}
}

// Start registers the entries and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Consistency.Schedule, s.runSummary); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.Cleanup.Schedule, s.runCleanup); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("Maintenance scheduler started (consistency %q, cleanup %q)",
		s.cfg.Consistency.Schedule, s.cfg.Cleanup.Schedule)
	return nil
}

// Stop halts the cron loop and waits for running entries to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Maintenance scheduler stopped.")
}

func (s *Scheduler) runSummary() {
	summary, err := s.checker.Summary(context.Background())
	if err != nil {
		log.Errorf("Scheduled consistency summary failed: %v", err)
		return
	}
	if summary.CountsMatch {
		log.Printf("Consistency summary: stores agree (%d documents)", summary.RelationalCount)
		return
	}
	log.Warnf("Consistency summary: counts diverge, %d relational vs %d vector",
		summary.RelationalCount, summary.VectorCount)
}

func (s *Scheduler) runCleanup() {
	deleted, err := s.jobs.CleanupJobs(context.Background(), s.cfg.Cleanup.Retention)
	if err != nil {
		log.Errorf("Scheduled job cleanup failed: %v", err)
		return
	}
	log.Printf("Job cleanup removed %d terminal record(s) older than %s", deleted, s.cfg.Cleanup.Retention)
}
