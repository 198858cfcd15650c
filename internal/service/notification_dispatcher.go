package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ops-return-workflows/internal/client"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
)

// Notification actions.
const (
	NotifySubmitted = "submitted"
	NotifyApproved  = "approved"
	NotifyRejected  = "rejected"
	NotifyCompleted = "completed"
)

// Publisher delivers a notification. client.NotificationPublisher implements it.
type Publisher interface {
	Publish(ctx context.Context, n *client.Notification) error
}

// NotificationDispatcher decides who is told about a workflow event.
type NotificationDispatcher struct {
	publisher Publisher
	directory *ApproverDirectory
	catalog   *StepCatalog
	metrics   *metrics.Recorder
	log       *logger.Logger
	now       func() time.Time
}

// NewNotificationDispatcher creates a dispatcher. metrics may be nil.
func NewNotificationDispatcher(
	publisher Publisher,
	directory *ApproverDirectory,
	catalog *StepCatalog,
	rec *metrics.Recorder,
	log *logger.Logger,
) *NotificationDispatcher {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &NotificationDispatcher{
		publisher: publisher,
		directory: directory,
		catalog:   catalog,
		metrics:   rec,
		log:       log.With("notification_dispatcher"),
		now:       time.Now,
	}
}

// Dispatch notifies the requester and, for submitted/approved events on an
// active workflow, the approver of the new pending step. Delivery errors are
// logged and never returned.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, inst *repository.WorkflowInstance, action, actorID string) {
	recipients := []string{inst.RequesterID}

	var assignee *string
	if inst.Status == repository.WorkflowActive && (action == NotifySubmitted || action == NotifyApproved) {
		if rec := inst.PendingRecord(); rec != nil && rec.AssignedTo != nil {
			assignee = rec.AssignedTo
			recipients = appendUnique(recipients, *rec.AssignedTo)
		}
	}

	n := &client.Notification{
		Type:       action,
		WorkflowID: inst.ID,
		RequestID:  inst.RequestID,
		AssetID:    inst.AssetID,
		ActorID:    actorID,
		Recipients: recipients,
		Severity:   severityFor(action, inst.Metadata.Urgency),
		Category:   "asset_return",
		Payload:    d.payload(inst, assignee),
		OccurredAt: d.now(),
	}

	if err := d.publisher.Publish(ctx, n); err != nil {
		d.metrics.Incr(metrics.NotificationError, "action:"+action)
		d.log.Warn().Err(err).
			Str("workflow_id", inst.ID).
			Str("action", action).
			Msg("Failed to send workflow notification; continuing")
		return
	}
	d.metrics.Incr(metrics.NotificationSent, "action:"+action)
}

func (d *NotificationDispatcher) payload(inst *repository.WorkflowInstance, assignee *string) map[string]any {
	p := map[string]any{
		"current_step": string(inst.CurrentStep),
		"status":       string(inst.Status),
		"asset_name":   inst.Metadata.AssetName,
		"department":   inst.Metadata.Department,
		"request_type": inst.RequestType,
	}
	if def, ok := d.catalog.StepInfo(inst.CurrentStep); ok {
		p["step_name"] = def.Name
	}
	if assignee != nil {
		p["assigned_to"] = *assignee
		if a, ok := d.directory.Approver(*assignee); ok {
			p["assigned_to_name"] = a.Name
		}
	}
	return p
}

func severityFor(action, urgency string) string {
	switch {
	case action == NotifyRejected:
		return "warning"
	case urgency == "urgent" || urgency == "high":
		return "high"
	default:
		return "info"
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
