package soar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"orthrus/core"
	"orthrus/util/goroutine"
)

// Scheduler fires scheduled triggers from playbook cron expressions.
// Reload is called after any playbook change so the cron table always
// mirrors the enabled scheduled playbooks.
type Scheduler struct {
	resolver *TriggerResolver
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // playbook id -> cron entry
	running bool
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(resolver *TriggerResolver, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		resolver: resolver,
		logger:   logger,
		cron:     cron.New(cron.WithSeconds()),
		entries:  make(map[string]cron.EntryID),
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Stop halts the cron loop and waits for in-flight firings.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// Reload replaces the cron table with the scheduled playbooks in the
// given set. Playbooks without a scheduled trigger are ignored; an
// invalid cron expression skips that playbook with an error logged
// rather than failing the reload.
func (s *Scheduler) Reload(playbooks []*Playbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}

	var firstErr error
	for _, pb := range playbooks {
		if !pb.Enabled || pb.Trigger.Type != core.TriggerScheduled || pb.Trigger.Schedule == "" {
			continue
		}
		pb := pb
		entry, err := s.cron.AddFunc(pb.Trigger.Schedule, func() { s.fire(pb) })
		if err != nil {
			s.logger.Errorw("Invalid cron schedule, playbook not scheduled",
				"playbook_id", pb.ID, "schedule", pb.Trigger.Schedule, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("playbook %q: invalid schedule %q: %w", pb.ID, pb.Trigger.Schedule, err)
			}
			continue
		}
		s.entries[pb.ID] = entry
	}
	s.logger.Infow("Scheduler reloaded", "scheduled_playbooks", len(s.entries))
	return firstErr
}

func (s *Scheduler) fire(pb *Playbook) {
	defer goroutine.Recover("scheduler-fire", s.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	event := core.TriggerEvent{
		Type:           core.TriggerScheduled,
		Source:         "scheduler",
		OrganizationID: pb.OrganizationID,
		TriggeredBy:    "scheduler",
		Payload: map[string]interface{}{
			"schedule": map[string]interface{}{
				"playbook_id": pb.ID,
				"expression":  pb.Trigger.Schedule,
				"fired_at":    time.Now().UTC().Format(time.RFC3339),
			},
		},
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := s.resolver.HandleEvent(ctx, event); err != nil {
		s.logger.Errorw("Scheduled trigger failed",
			"playbook_id", pb.ID, "error", err)
	}
}
