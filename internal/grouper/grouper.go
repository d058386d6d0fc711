// Package grouper batches ready jobs of batch-mode accounts into
// fixed-size carousel groups.
package grouper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"gramq/internal/publisher"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

type Grouper struct {
	store store.Store
	log   logx.Logger

	idSeq uint64
}

func New(st store.Store, log logx.Logger) *Grouper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Grouper{store: st, log: log.With(logx.String("comp", "grouper"))}
}

func (g *Grouper) newGroupID() string {
	seq := atomic.AddUint64(&g.idSeq, 1)
	return fmt.Sprintf("grp-%x-%x", time.Now().UnixNano(), seq)
}

// Sweep forms groups for every batch-mode account. Accounts are independent;
// one account's failure does not stop the sweep.
func (g *Grouper) Sweep(ctx context.Context) (formed int) {
	accounts, err := g.store.ListAccounts(ctx)
	if err != nil {
		g.log.Error("listing accounts failed", logx.Err(err))
		return 0
	}

	for _, a := range accounts {
		if ctx.Err() != nil {
			return formed
		}
		if a.PublishMode != store.ModeBatch {
			continue
		}
		n, err := g.FormGroups(ctx, a)
		if err != nil {
			g.log.Warn("group formation failed", logx.String("account", a.ID), logx.Err(err))
		}
		formed += n
	}
	return formed
}

// FormGroups forms as many full groups as the account's ready backlog
// allows. Formation is all-or-nothing: nothing below the threshold is ever
// grouped, so partial groups cannot exist.
func (g *Grouper) FormGroups(ctx context.Context, a *store.Account) (int, error) {
	threshold := a.BatchThreshold
	if threshold < 1 {
		threshold = 1
	}

	formed := 0
	for {
		jobs, err := g.store.ListUngroupedReady(ctx, a.ID)
		if err != nil {
			return formed, err
		}
		if len(jobs) < threshold {
			return formed, nil
		}

		size := threshold
		if len(jobs) < size {
			size = len(jobs)
		}
		if size > publisher.MaxCarouselItems {
			size = publisher.MaxCarouselItems
		}
		if size < publisher.MinCarouselItems {
			// A carousel needs at least two items; thresholds of 1 wait for
			// a second ready job.
			if len(jobs) >= publisher.MinCarouselItems {
				size = publisher.MinCarouselItems
			} else {
				return formed, nil
			}
		}

		ids := make([]string, size)
		for i := 0; i < size; i++ {
			ids[i] = jobs[i].ID
		}

		groupID := g.newGroupID()
		if err := g.store.AssignGroup(ctx, groupID, ids); err != nil {
			// Lost a race with dispatch or another sweep; next pass re-reads.
			return formed, err
		}
		formed++
		g.log.Info("carousel group formed",
			logx.String("account", a.ID),
			logx.String("group", groupID),
			logx.Int("size", size),
		)
	}
}
