package app

import (
	"context"
	"strings"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// runAudit persists reminder.* bus events as registry audit rows until ctx
// is done. Events dropped by the bus are not recovered.
func runAudit(ctx context.Context, bus eventbus.Bus, reg storage.Registry, log logx.Logger) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := reg.AppendAudit(wctx, entry)
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Warn("audit append failed", logx.String("action", entry.Action), logx.Int64("task_id", entry.TaskID), logx.Err(err))
			}
		}
	}
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	if !strings.HasPrefix(e.Type, "reminder.") {
		return storage.AuditEntry{}, false
	}
	ev, ok := e.Data.(scheduler.Event)
	if !ok {
		return storage.AuditEntry{}, false
	}
	errText := ev.Error
	if errText == "" {
		errText = ev.Reason
	}
	return storage.AuditEntry{
		At:     e.Time,
		TaskID: ev.TaskID,
		Action: strings.TrimPrefix(e.Type, "reminder."),
		Epoch:  ev.Epoch,
		FireAt: ev.FireAt,
		Error:  errText,
	}, true
}
