// Package scheduler implements the Scheduler (spec §4.6): a pure inbound
// message producer that fires cron-scheduled envelopes on a 60-second wake
// loop. Grounded on original_source/nibot/scheduler.py almost directly
// (sleep(60), cursor-based "next run after last check" firing, per-job
// error isolation), with cron parsing delegated to
// github.com/adhocore/gronx instead of hand-rolled date math, per spec §6's
// "must round-trip through a conventional parser; invalid expressions
// cause startup to fail."
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/types"
)

const wakeInterval = 60 * time.Second

// Scheduler is a pure producer: it knows nothing about the Agent Loop,
// only the bus it publishes to.
type Scheduler struct {
	bus *bus.MessageBus
	log *slog.Logger

	mu         sync.Mutex
	jobs       map[string]types.ScheduledJob
	lastCheck  time.Time
	cronParser gronx.Gronx
}

// New constructs a Scheduler from the durable job list loaded from config.
// A job whose cron expression does not parse causes an error here rather
// than at fire time, per spec §6.
func New(b *bus.MessageBus, jobs []types.ScheduledJob, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	g := gronx.New()
	byID := make(map[string]types.ScheduledJob, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			continue
		}
		if !g.IsValid(j.Cron) {
			return nil, fmt.Errorf("scheduled job %q: invalid cron expression %q", j.ID, j.Cron)
		}
		byID[j.ID] = j
	}
	return &Scheduler{bus: b, log: log, jobs: byID, lastCheck: time.Now(), cronParser: g}, nil
}

// Run blocks, waking every 60 seconds to fire any job whose next
// occurrence after the previous wake has arrived. Returns when ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	jobs := make([]types.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	lastCheck := s.lastCheck
	now := time.Now()
	s.lastCheck = now
	s.mu.Unlock()

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		next, err := gronx.NextTickAfter(job.Cron, lastCheck, false)
		if err != nil {
			s.log.Error("scheduler job error", "job_id", job.ID, "error", err)
			continue
		}
		if !next.After(now) {
			s.fire(job)
		}
	}
}

func (s *Scheduler) fire(job types.ScheduledJob) {
	s.log.Info("scheduler firing job", "job_id", job.ID)
	s.bus.PublishInbound(types.Envelope{
		Channel:  job.Channel,
		ChatID:   job.ChatID,
		SenderID: "scheduler",
		Content:  job.Prompt,
		Metadata: map[string]string{"scheduled": "true", "job_id": job.ID},
	})
}

// Add registers or replaces a job at runtime.
func (s *Scheduler) Add(job types.ScheduledJob) error {
	if !s.cronParser.IsValid(job.Cron) {
		return fmt.Errorf("invalid cron expression %q", job.Cron)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// Remove deletes a job by id, reporting whether it existed.
func (s *Scheduler) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return false
	}
	delete(s.jobs, jobID)
	return true
}

// ListJobs returns every currently-registered job.
func (s *Scheduler) ListJobs() []types.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}
