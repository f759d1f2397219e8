package scheduler

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers the daily digest job at a configured wall-clock time.
type Scheduler struct {
	cron *cron.Cron
	job  func()

	mu       sync.Mutex
	entryID  cron.EntryID
	hasEntry bool
	started  bool
}

// New creates a scheduler that runs job in the given timezone.
func New(loc *time.Location, job func()) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(loc)),
		job:  job,
	}
}

// Schedule sets the daily run time, replacing any previous schedule.
// digestTime is "HH:MM" in 24-hour format.
func (s *Scheduler) Schedule(digestTime string) error {
	hour, minute, err := parseTime(digestTime)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEntry {
		s.cron.Remove(s.entryID)
	}

	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	entryID, err := s.cron.AddFunc(spec, s.job)
	if err != nil {
		return fmt.Errorf("schedule digest at %s: %w", digestTime, err)
	}
	s.entryID = entryID
	s.hasEntry = true

	slog.Info("digest scheduled", "time", digestTime)
	return nil
}

// Start begins firing scheduled jobs. Calling it again is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts the scheduler and waits for a running job to finish.
// Calling it again, or before Start, is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
}

func parseTime(digestTime string) (hour, minute int, err error) {
	parts := strings.Split(digestTime, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid digest time %q, want HH:MM", digestTime)
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in digest time %q", digestTime)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in digest time %q", digestTime)
	}
	return hour, minute, nil
}
