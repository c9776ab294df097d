// Package service holds the application logic between the HTTP API and
// the engine: definition validation, lifecycle operations, and manual
// runs. Interfaces are declared here, on the consumer side; storage and
// soar provide the implementations.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orthrus/core"
	"orthrus/soar"
	"orthrus/storage"
)

// PlaybookStore is the persistence the service needs for definitions.
type PlaybookStore interface {
	CreatePlaybook(ctx context.Context, pb *soar.Playbook) error
	UpdatePlaybook(ctx context.Context, pb *soar.Playbook) error
	GetPlaybook(ctx context.Context, id string) (*soar.Playbook, error)
	GetPlaybookVersion(ctx context.Context, id string, version int) (*soar.Playbook, error)
	ListPlaybooks(ctx context.Context, organizationID string) ([]*soar.Playbook, error)
	SetPlaybookEnabled(ctx context.Context, id string, enabled bool) error
	DeletePlaybook(ctx context.Context, id string) error
	ListScheduledPlaybooks(ctx context.Context) ([]*soar.Playbook, error)
}

// ExecutionReader serves execution state queries.
type ExecutionReader interface {
	GetExecution(ctx context.Context, executionID string) (*soar.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*soar.Execution, error)
	GetExecutionStats(ctx context.Context, organizationID string) (*storage.ExecutionStats, error)
}

// SchedulerReloader is notified after any playbook change so cron
// entries track the stored definitions.
type SchedulerReloader interface {
	Reload(playbooks []*soar.Playbook) error
}

// PlaybookService validates and manages playbook definitions and
// answers execution queries.
type PlaybookService struct {
	store      PlaybookStore
	executions ExecutionReader
	queue      *soar.Queue
	executor   *soar.Executor
	actions    soar.ActionLookup
	scheduler  SchedulerReloader
	logger     *zap.SugaredLogger
}

// NewPlaybookService builds the service. scheduler may be nil when the
// deployment runs without scheduled triggers.
func NewPlaybookService(
	store PlaybookStore,
	executions ExecutionReader,
	queue *soar.Queue,
	executor *soar.Executor,
	actions soar.ActionLookup,
	scheduler SchedulerReloader,
	logger *zap.SugaredLogger,
) *PlaybookService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PlaybookService{
		store:      store,
		executions: executions,
		queue:      queue,
		executor:   executor,
		actions:    actions,
		scheduler:  scheduler,
		logger:     logger,
	}
}

// ValidatePlaybook compiles the definition without saving it. Returns
// nil when the playbook is structurally sound.
func (s *PlaybookService) ValidatePlaybook(pb *soar.Playbook) error {
	_, err := soar.CompileGraph(pb, s.actions)
	return err
}

// CreatePlaybook validates and stores a new playbook as version 1.
// Invalid definitions are rejected at save time; nothing unrunnable
// ever reaches storage.
func (s *PlaybookService) CreatePlaybook(ctx context.Context, pb *soar.Playbook) (*soar.Playbook, error) {
	if pb.ID == "" {
		pb.ID = uuid.NewString()
	}
	if pb.Name == "" {
		return nil, &soar.ValidationError{Field: "name", Msg: "playbook name is required"}
	}
	if pb.OrganizationID == "" {
		return nil, &soar.ValidationError{Field: "organization_id", Msg: "organization id is required"}
	}
	if err := s.ValidatePlaybook(pb); err != nil {
		return nil, err
	}
	if err := s.store.CreatePlaybook(ctx, pb); err != nil {
		return nil, err
	}
	s.logger.Infow("Created playbook",
		"playbook_id", pb.ID,
		"organization_id", pb.OrganizationID,
		"name", pb.Name)
	s.reloadScheduler(ctx)
	return pb, nil
}

// UpdatePlaybook validates and stores a new version. Running
// executions keep the version they started with.
func (s *PlaybookService) UpdatePlaybook(ctx context.Context, pb *soar.Playbook) (*soar.Playbook, error) {
	if err := s.ValidatePlaybook(pb); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePlaybook(ctx, pb); err != nil {
		return nil, err
	}
	s.logger.Infow("Updated playbook",
		"playbook_id", pb.ID,
		"version", pb.Version)
	s.reloadScheduler(ctx)
	return pb, nil
}

// GetPlaybook returns the latest version.
func (s *PlaybookService) GetPlaybook(ctx context.Context, id string) (*soar.Playbook, error) {
	return s.store.GetPlaybook(ctx, id)
}

// GetPlaybookVersion returns a pinned version.
func (s *PlaybookService) GetPlaybookVersion(ctx context.Context, id string, version int) (*soar.Playbook, error) {
	return s.store.GetPlaybookVersion(ctx, id, version)
}

// ListPlaybooks returns the latest versions, optionally org-scoped.
func (s *PlaybookService) ListPlaybooks(ctx context.Context, organizationID string) ([]*soar.Playbook, error) {
	return s.store.ListPlaybooks(ctx, organizationID)
}

// SetEnabled enables or disables a playbook.
func (s *PlaybookService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetPlaybookEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.logger.Infow("Changed playbook enablement", "playbook_id", id, "enabled", enabled)
	s.reloadScheduler(ctx)
	return nil
}

// DeletePlaybook removes a playbook and all its versions.
func (s *PlaybookService) DeletePlaybook(ctx context.Context, id string) error {
	if err := s.store.DeletePlaybook(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("Deleted playbook", "playbook_id", id)
	s.reloadScheduler(ctx)
	return nil
}

// RunPlaybook enqueues a manual execution.
func (s *PlaybookService) RunPlaybook(ctx context.Context, id, user string, payload map[string]interface{}, priority *int) (*soar.Job, error) {
	event := core.TriggerEvent{
		Type:        core.TriggerManual,
		Source:      "api",
		TriggeredBy: user,
		Payload:     payload,
		ReceivedAt:  time.Now().UTC(),
	}
	job, err := s.queue.Enqueue(ctx, soar.EnqueueRequest{
		PlaybookID:       id,
		Trigger:          event,
		PriorityOverride: priority,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Manual playbook run enqueued",
		"playbook_id", id,
		"execution_id", job.ExecutionID,
		"user", user)
	return job, nil
}

// CancelExecution cancels a queued or running execution. Queued
// executions are removed from the queue; running ones stop at the next
// step boundary.
func (s *PlaybookService) CancelExecution(ctx context.Context, executionID string) error {
	taken, err := s.queue.Cancel(ctx, executionID)
	if err != nil {
		return err
	}
	if taken {
		s.logger.Infow("Cancelled queued execution", "execution_id", executionID)
		return nil
	}
	if s.executor.Cancel(executionID) {
		s.logger.Infow("Requested cancellation of running execution", "execution_id", executionID)
		return nil
	}

	exec, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("execution %q is %s: %w", executionID, exec.Status, soar.ErrExecutionNotCancellable)
	}
	// Queued or running on another replica; this replica cannot reach it.
	return fmt.Errorf("execution %q is not running on this instance: %w", executionID, soar.ErrExecutionNotCancellable)
}

// GetExecution returns an execution with its step runs.
func (s *PlaybookService) GetExecution(ctx context.Context, executionID string) (*soar.Execution, error) {
	return s.executions.GetExecution(ctx, executionID)
}

// ListExecutions returns executions matching the filter.
func (s *PlaybookService) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*soar.Execution, error) {
	return s.executions.ListExecutions(ctx, filter)
}

// Stats returns queue state and execution counts.
func (s *PlaybookService) Stats(ctx context.Context, organizationID string) (*soar.QueueStats, *storage.ExecutionStats, error) {
	queueStats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}
	execStats, err := s.executions.GetExecutionStats(ctx, organizationID)
	if err != nil {
		return nil, nil, err
	}
	return queueStats, execStats, nil
}

func (s *PlaybookService) reloadScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	playbooks, err := s.store.ListScheduledPlaybooks(ctx)
	if err != nil {
		s.logger.Errorw("Failed to load scheduled playbooks for reload", "error", err)
		return
	}
	if err := s.scheduler.Reload(playbooks); err != nil {
		s.logger.Warnw("Scheduler reload reported errors", "error", err)
	}
}
