// Package render drives pending jobs through the external Renderer.
//
// The Renderer itself (image composition, captioning) is an injected
// collaborator; this package only owns the pending -> rendering -> ready
// leg of the job state machine.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gramq/internal/eventbus"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

// Result is what the external Renderer produces for one job.
type Result struct {
	ArtifactRef string
	Caption     string
	Hashtags    []string
}

// Renderer turns approved content plus a template into a publishable
// artifact. Implementations live outside this subsystem.
type Renderer interface {
	Render(ctx context.Context, contentID, templateID string, account *store.Account) (*Result, error)
}

// RenderError is a renderer failure. Render failures are terminal for the
// job (content is assumed deterministic); Transient marks failures that a
// future retry policy could reasonably re-attempt.
type RenderError struct {
	Msg       string
	Err       error
	Transient bool
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render failed: %s: %v", e.Msg, e.Err)
	}
	return "render failed: " + e.Msg
}

func (e *RenderError) Unwrap() error { return e.Err }

type Coordinator struct {
	store    store.Store
	renderer Renderer
	log      logx.Logger
	bus      eventbus.Bus

	sweepLimit int
}

func NewCoordinator(st store.Store, r Renderer, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		store:      st,
		renderer:   r,
		log:        log.With(logx.String("comp", "render")),
		bus:        bus,
		sweepLimit: 50,
	}
}

// Sweep renders a batch of pending jobs. Each job ends up ready or failed;
// a lost transition race just means another sweep got there first.
func (c *Coordinator) Sweep(ctx context.Context) (rendered, failed int) {
	jobs, err := c.store.ListState(ctx, store.StatePending, c.sweepLimit)
	if err != nil {
		c.log.Error("listing pending jobs failed", logx.Err(err))
		return 0, 0
	}

	for _, j := range jobs {
		if ctx.Err() != nil {
			return rendered, failed
		}
		switch c.renderOne(ctx, j) {
		case nil:
			rendered++
		case errSkipped:
		default:
			failed++
		}
	}
	return rendered, failed
}

var errSkipped = errors.New("skipped")

func (c *Coordinator) renderOne(ctx context.Context, j *store.Job) error {
	acct, err := c.store.Account(ctx, j.AccountID)
	if err != nil {
		c.log.Error("resolving account failed", logx.String("job", j.ID), logx.String("account", j.AccountID), logx.Err(err))
		return errSkipped
	}

	claimed, err := c.store.Transition(ctx, j.ID, []store.State{store.StatePending}, store.StateRendering, store.Patch{})
	if err != nil {
		if store.IsStateConflict(err) {
			return errSkipped
		}
		c.log.Error("transition to rendering failed", logx.String("job", j.ID), logx.Err(err))
		return errSkipped
	}
	j = claimed
	c.publishState(j, store.StatePending, store.StateRendering, "")

	res, rerr := c.renderer.Render(ctx, j.ContentID, j.TemplateID, acct)
	if rerr != nil {
		// Terminal: render failures are not auto-retried.
		msg := rerr.Error()
		if _, err := c.store.Transition(ctx, j.ID,
			[]store.State{store.StateRendering}, store.StateFailed,
			store.Patch{LastError: &msg},
		); err != nil {
			c.log.Error("transition to failed failed", logx.String("job", j.ID), logx.Err(err))
			return rerr
		}
		c.publishState(j, store.StateRendering, store.StateFailed, msg)
		c.log.Warn("render failed", logx.String("job", j.ID), logx.Err(rerr))
		return rerr
	}

	hashtags := strings.TrimSpace(strings.Join(res.Hashtags, " "))
	if _, err := c.store.Transition(ctx, j.ID,
		[]store.State{store.StateRendering}, store.StateReady,
		store.Patch{
			ArtifactRef: &res.ArtifactRef,
			Caption:     &res.Caption,
			Hashtags:    &hashtags,
		},
	); err != nil {
		c.log.Error("transition to ready failed", logx.String("job", j.ID), logx.Err(err))
		return errSkipped
	}
	c.publishState(j, store.StateRendering, store.StateReady, "")
	c.log.Debug("job rendered", logx.String("job", j.ID), logx.String("artifact", res.ArtifactRef))
	return nil
}

func (c *Coordinator) publishState(j *store.Job, from, to store.State, errMsg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: "job.state", Data: eventbus.JobEvent{
		JobID:     j.ID,
		AccountID: j.AccountID,
		From:      string(from),
		To:        string(to),
		Error:     errMsg,
	}})
}
