package engine

import (
	"context"

	"github.com/roach88/stepflow/internal/workflow"
)

// publish delivers activity entries with sequence above after to the
// notifier and telemetry sinks. Called only once the entries are durable.
//
// Delivery is best effort: failures are logged as NOTIFICATION_DELIVERY
// errors and never reach the caller.
func (e *Engine) publish(ctx context.Context, inst *workflow.Instance, after int64) {
	for _, entry := range inst.Activity {
		if entry.Seq <= after {
			continue
		}
		status := inst.Status
		if entry.To != "" {
			status = entry.To
			e.telemetry.InstanceTransition(entry.From, entry.To)
		}

		n := workflow.Notification{
			Type:       entry.Type,
			InstanceID: inst.ID,
			OrgID:      inst.OrgID,
			StepID:     entry.StepID,
			Status:     status,
			Data:       entry.Detail,
			At:         entry.At,
		}
		if err := e.notifier.Notify(ctx, n); err != nil {
			derr := workflow.NewNotificationDeliveryError(entry.StepID, "realtime", err)
			e.telemetry.Exception(derr.Code, "")
			e.logger.Warn("notification delivery failed",
				"instance_id", inst.ID,
				"type", entry.Type,
				"error", derr)
		}
	}
}
