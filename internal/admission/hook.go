// Package admission turns "content approved" events into publish jobs.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gramq/internal/eventbus"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

// ContentApproved is the upstream approval event.
type ContentApproved struct {
	ContentID   string     `json:"content_id"`
	AccountID   string     `json:"account_id"`
	TemplateID  string     `json:"template_id,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

type Hook struct {
	store store.Store
	log   logx.Logger
	bus   eventbus.Bus
}

func NewHook(st store.Store, log logx.Logger, bus eventbus.Bus) *Hook {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hook{store: st, log: log.With(logx.String("comp", "admission")), bus: bus}
}

// HandleContentApproved admits one approval event. Admission is idempotent:
// while a non-terminal job exists for the (account, content) pair, repeated
// events return that same job.
func (h *Hook) HandleContentApproved(ctx context.Context, ev ContentApproved) (*store.Job, error) {
	if strings.TrimSpace(ev.ContentID) == "" || strings.TrimSpace(ev.AccountID) == "" {
		return nil, fmt.Errorf("content_id and account_id are required")
	}

	acct, err := h.store.Account(ctx, ev.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolving account %s: %w", ev.AccountID, err)
	}

	spec := store.JobSpec{
		AccountID:  acct.ID,
		ContentID:  ev.ContentID,
		TemplateID: ev.TemplateID,
	}
	if acct.PublishMode == store.ModeScheduled && ev.ScheduledAt != nil {
		spec.ScheduledAt = ev.ScheduledAt
	}

	j, err := h.store.Enqueue(ctx, spec)
	if err != nil {
		if id, ok := store.IsDuplicateJob(err); ok {
			h.log.Debug("duplicate admission, reusing live job",
				logx.String("content", ev.ContentID),
				logx.String("account", ev.AccountID),
				logx.String("job", id),
			)
			return j, nil
		}
		return nil, err
	}

	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: "job.admitted", Data: eventbus.JobEvent{
			JobID:     j.ID,
			AccountID: j.AccountID,
			To:        string(j.State),
		}})
	}
	h.log.Info("job admitted",
		logx.String("job", j.ID),
		logx.String("account", acct.ID),
		logx.String("content", ev.ContentID),
		logx.Int("priority", ev.Priority),
	)
	return j, nil
}
