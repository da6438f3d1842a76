package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"docharvest/internal/metrics"
	"docharvest/internal/model"
	"docharvest/internal/store"
)

// weeklySpec fires Sunday 00:00. All schedule times are UTC.
const weeklySpec = "0 0 * * 0"

// NextRun computes the next firing time of a cron spec after the given
// instant. A malformed spec falls back to the weekly default.
func NextRun(spec string, after time.Time) time.Time {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		sched, _ = cron.ParseStandard(weeklySpec)
	}
	return sched.Next(after.UTC())
}

// Scheduler fires recrawl schedules. Each due schedule is claimed with
// a compare-and-set on next_run so exactly one new job is created per
// firing even with several instances sharing the database.
type Scheduler struct {
	st     *store.Store
	logger *slog.Logger
	cron   *cron.Cron
}

func New(st *store.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		st:     st,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start runs one catch-up pass for ticks missed while the process was
// down, then fires on the weekly cron until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.tick(ctx)

	if _, err := s.cron.AddFunc(weeklySpec, func() { s.tick(ctx) }); err != nil {
		s.logger.Error("cron registration failed", "error", err)
		return
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", weeklySpec)

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

// tick fires every due schedule once.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.st.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("due schedule query failed", "error", err)
		return
	}

	for _, sc := range due {
		next := NextRun(sc.Cron, now)
		claimed, err := s.st.ClaimScheduleRun(ctx, sc.ID, now, next)
		if err != nil {
			s.logger.Error("schedule claim failed", "schedule_id", sc.ID, "error", err)
			continue
		}
		if !claimed {
			// Another instance won this firing.
			continue
		}

		job := &model.Job{
			Kind:             model.KindCrawl,
			ManufacturerName: sc.ManufacturerName,
			Source:           "https://" + sc.Domain,
			ProductLines:     sc.ProductLines,
			SharePointFolder: sc.SharePointFolder,
			WeeklyRecrawl:    true,
		}
		if err := s.st.CreateJob(ctx, job); err != nil {
			s.logger.Error("scheduled job creation failed", "schedule_id", sc.ID, "error", err)
			continue
		}
		metrics.RecordScheduleFired()
		s.logger.Info("recrawl job created from schedule",
			"schedule_id", sc.ID, "job_id", job.ID, "domain", sc.Domain, "next_run", next)
	}
}
