package soar

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"orthrus/core"
	"orthrus/metrics"
)

// PlaybookLister loads the enabled playbooks the trigger resolver
// matches events against.
type PlaybookLister interface {
	ListEnabledPlaybooks(ctx context.Context, organizationID string) ([]*Playbook, error)
}

// TriggerResolver matches incoming events against playbook trigger
// bindings and enqueues an execution per match. Matching is org-scoped:
// an event only ever reaches playbooks of its own organization.
type TriggerResolver struct {
	playbooks PlaybookLister
	queue     *Queue
	logger    *zap.SugaredLogger
}

// NewTriggerResolver builds a resolver.
func NewTriggerResolver(playbooks PlaybookLister, queue *Queue, logger *zap.SugaredLogger) *TriggerResolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TriggerResolver{playbooks: playbooks, queue: queue, logger: logger}
}

// HandleEvent enqueues an execution for every enabled playbook whose
// trigger binding matches the event. A playbook that fails to enqueue
// does not stop the rest; the first error is returned after all
// bindings were tried.
func (r *TriggerResolver) HandleEvent(ctx context.Context, event core.TriggerEvent) ([]*Job, error) {
	if !event.Type.IsValid() {
		return nil, nil
	}
	playbooks, err := r.playbooks.ListEnabledPlaybooks(ctx, event.OrganizationID)
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	var firstErr error
	for _, pb := range playbooks {
		if !Matches(&pb.Trigger, &event) {
			continue
		}
		metrics.TriggerMatches.WithLabelValues(string(event.Type)).Inc()
		job, err := r.queue.Enqueue(ctx, EnqueueRequest{
			PlaybookID: pb.ID,
			Trigger:    event,
		})
		if err != nil {
			r.logger.Errorw("Failed to enqueue triggered playbook",
				"playbook_id", pb.ID,
				"trigger_type", event.Type,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, firstErr
}

// Matches reports whether a trigger binding accepts an event. All three
// layers must pass: type equality, every filter entry, and the where
// expression (if any). An unevaluable where fails closed.
func Matches(t *Trigger, event *core.TriggerEvent) bool {
	if t.Type != event.Type {
		return false
	}
	for path, want := range t.Filter {
		actual, ok := LookupPath(event.Payload, strings.Split(path, "."))
		if !ok {
			return false
		}
		if !filterValueMatches(want, actual) {
			return false
		}
	}
	if t.Where != "" {
		pass, err := EvalCondition(t.Where, event.Payload)
		if err != nil || !pass {
			return false
		}
	}
	return true
}

func filterValueMatches(want, actual interface{}) bool {
	switch w := want.(type) {
	case []interface{}:
		for _, candidate := range w {
			if valuesEqual(candidate, actual) {
				return true
			}
		}
		return false
	case []string:
		for _, candidate := range w {
			if valuesEqual(candidate, actual) {
				return true
			}
		}
		return false
	default:
		return valuesEqual(want, actual)
	}
}
