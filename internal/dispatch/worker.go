package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"gramq/internal/eventbus"
	"gramq/internal/publisher"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan unit, idx int) {
	// Per-worker RNG keeps retry jitter free of global lock contention.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case u, ok := <-queue:
			if !ok {
				return
			}
			s.execUnit(ctx, stopCh, u, rng)
		}
	}
}

// execUnit runs one publish unit to a terminal outcome. No failure escapes:
// every error path ends in a job-state update (or a deliberate
// leave-publishing on shutdown for the reconciliation sweep).
func (s *Service) execUnit(ctx context.Context, stopCh <-chan struct{}, u unit, rng *rand.Rand) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("publish panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.markFailed(ctx, u, u.jobs[0].RetryCount, fmt.Errorf("panic: %v", r))
		}
	}()

	if !s.claim(ctx, &u) {
		return
	}
	// The claim re-reads every member; retry bookkeeping below must see the
	// stored counters, not the sweep-time snapshot.
	lead := u.jobs[0]

	pub, err := s.registry.Resolve(u.account.Platform)
	if err != nil {
		// No protocol for this platform; retrying cannot help.
		s.markFailed(ctx, u, lead.RetryCount, err)
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	maxRetries := lead.MaxRetries
	if maxRetries <= 0 {
		maxRetries = cfg.DefaultMaxRetries
	}

	caption := composeCaption(lead)
	retryCount := lead.RetryCount
	start := time.Now()

	for {
		res, err := s.publishOnce(ctx, pub, u, caption)
		if err == nil {
			s.markPublished(ctx, u, retryCount, res)
			s.log.Info("published",
				logx.String("account", u.account.ID),
				logx.String("job", lead.ID),
				logx.Bool("carousel", u.group),
				logx.String("media_ref", res.MediaRef),
				logx.Duration("dur", time.Since(start)),
			)
			return
		}

		if ctx.Err() != nil {
			// Shutdown mid-flight: the unit stays publishing and is picked up
			// by the external reconciliation sweep via ListStuck.
			s.log.Warn("stopped mid-publish, leaving unit for reconciliation",
				logx.String("job", lead.ID), logx.Err(err))
			return
		}

		retryCount++
		ids := jobIDs(u.jobs)
		if rerr := s.store.RecordAttempt(ctx, ids, retryCount, err.Error()); rerr != nil {
			s.log.Error("recording attempt failed", logx.String("job", lead.ID), logx.Err(rerr))
		}

		if retryCount >= maxRetries {
			s.markFailed(ctx, u, retryCount, err)
			return
		}

		delay := backoffDelay(cfg, retryCount, rng)
		s.log.Debug("publish retry scheduled",
			logx.String("job", lead.ID),
			logx.Int("attempt", retryCount+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-tmr.C:
		}
	}
}

// claim moves the unit ready -> publishing. Losing the race means another
// worker owns it; we must not double-submit to the external API.
func (s *Service) claim(ctx context.Context, u *unit) bool {
	lead := u.jobs[0]
	var err error
	if u.group {
		var jobs []*store.Job
		jobs, err = s.store.TransitionGroup(ctx, lead.GroupID,
			[]store.State{store.StateReady}, store.StatePublishing, store.Patch{})
		if err == nil {
			u.jobs = jobs
		}
	} else {
		var j *store.Job
		j, err = s.store.Transition(ctx, lead.ID,
			[]store.State{store.StateReady}, store.StatePublishing, store.Patch{})
		if err == nil {
			u.jobs = []*store.Job{j}
		}
	}
	if err != nil {
		if store.IsStateConflict(err) {
			s.log.Debug("lost claim race, skipping", logx.String("job", lead.ID))
		} else {
			s.log.Error("claim failed", logx.String("job", lead.ID), logx.Err(err))
		}
		return false
	}
	s.publishEvents(*u, store.StateReady, store.StatePublishing, "", "")
	return true
}

func (s *Service) publishOnce(ctx context.Context, pub publisher.PlatformPublisher, u unit, caption string) (*publisher.Result, error) {
	if !u.group {
		return pub.PublishSingle(ctx, u.account, u.token, u.jobs[0].ArtifactRef, caption)
	}
	items := make([]publisher.Item, len(u.jobs))
	for i, j := range u.jobs {
		items[i] = publisher.Item{ArtifactRef: j.ArtifactRef, Position: j.CarouselPos}
	}
	return pub.PublishCarousel(ctx, u.account, u.token, items, caption)
}

func (s *Service) markPublished(ctx context.Context, u unit, retryCount int, res *publisher.Result) {
	patch := store.Patch{
		MediaRef:   store.StrPtr(res.MediaRef),
		Permalink:  store.StrPtr(res.Permalink),
		RetryCount: store.IntPtr(retryCount),
		LastError:  store.StrPtr(""),
	}
	var err error
	if u.group {
		_, err = s.store.TransitionGroup(ctx, u.jobs[0].GroupID,
			[]store.State{store.StatePublishing}, store.StatePublished, patch)
	} else {
		_, err = s.store.Transition(ctx, u.jobs[0].ID,
			[]store.State{store.StatePublishing}, store.StatePublished, patch)
	}
	if err != nil {
		s.log.Error("transition to published failed", logx.String("job", u.jobs[0].ID), logx.Err(err))
		return
	}
	s.publishEvents(u, store.StatePublishing, store.StatePublished, "", res.Permalink)
}

// markFailed terminally fails the unit; a carousel group fails as a whole.
func (s *Service) markFailed(ctx context.Context, u unit, retryCount int, cause error) {
	msg := cause.Error()
	patch := store.Patch{
		LastError:  &msg,
		RetryCount: store.IntPtr(retryCount),
	}
	var err error
	if u.group {
		_, err = s.store.TransitionGroup(ctx, u.jobs[0].GroupID,
			[]store.State{store.StatePublishing}, store.StateFailed, patch)
	} else {
		_, err = s.store.Transition(ctx, u.jobs[0].ID,
			[]store.State{store.StatePublishing}, store.StateFailed, patch)
	}
	if err != nil && !store.IsStateConflict(err) {
		s.log.Error("transition to failed failed", logx.String("job", u.jobs[0].ID), logx.Err(err))
		return
	}
	s.publishEvents(u, store.StatePublishing, store.StateFailed, msg, "")
	s.log.Warn("publish failed",
		logx.String("account", u.account.ID),
		logx.String("job", u.jobs[0].ID),
		logx.Bool("carousel", u.group),
		logx.Int("retry_count", retryCount),
		logx.Err(cause),
	)
}

func (s *Service) publishEvents(u unit, from, to store.State, errMsg, permalink string) {
	if s.bus == nil {
		return
	}
	for _, j := range u.jobs {
		s.bus.Publish(eventbus.Event{Type: "job.state", Data: eventbus.JobEvent{
			JobID:     j.ID,
			AccountID: j.AccountID,
			From:      string(from),
			To:        string(to),
			GroupID:   j.GroupID,
			Error:     errMsg,
			Permalink: permalink,
		}})
	}
}

func composeCaption(j *store.Job) string {
	if j.Hashtags == "" {
		return j.Caption
	}
	if j.Caption == "" {
		return j.Hashtags
	}
	return j.Caption + "\n\n" + j.Hashtags
}

func jobIDs(jobs []*store.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
