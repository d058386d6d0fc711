// Package dispatch selects due work per account and submits it to the
// platform publishers under a bounded worker pool with rate-limited
// issuance.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gramq/internal/credential"
	"gramq/internal/eventbus"
	"gramq/internal/publisher"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

type Config struct {
	Workers   int
	QueueSize int

	// MinSpacing is the minimum delay between successive submissions
	// (not completions) within one sweep.
	MinSpacing time.Duration

	// Retry policy for publish attempts inside one dispatch unit.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// DefaultMaxRetries applies when a job carries no per-job budget.
	DefaultMaxRetries int

	// SweepLimit caps singles pulled per account per sweep.
	SweepLimit int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 50
	}
	return c
}

// unit is one publish submission: a single job or a whole carousel group.
type unit struct {
	account    *store.Account
	token      string
	jobs       []*store.Job // group members in carousel order, or one job
	group      bool
	enqueuedAt time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store    store.Store
	creds    *credential.Manager
	registry *publisher.Registry
	log      logx.Logger
	bus      eventbus.Bus

	q        chan unit
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup

	limiter     *rate.Limiter
	accLimiters map[string]*accountLimiter
}

// accountLimiter spaces submissions for one account whose MinInterval is
// wider than the global default. The spacing is cached alongside so an
// account update rebuilds the limiter.
type accountLimiter struct {
	spacing time.Duration
	lim     *rate.Limiter
}

func New(cfg Config, st store.Store, creds *credential.Manager, reg *publisher.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		store:       st,
		creds:       creds,
		registry:    reg,
		log:         log.With(logx.String("comp", "dispatch")),
		bus:         bus,
		limiter:     spacingLimiter(cfg.MinSpacing),
		accLimiters: make(map[string]*accountLimiter),
	}
}

func spacingLimiter(minSpacing time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(minSpacing), 1)
}

// Apply swaps runtime-tunable settings. Worker count changes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if prev.MinSpacing != cfg.MinSpacing {
		s.limiter = spacingLimiter(cfg.MinSpacing)
	}
	s.mu.Unlock()
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	s.q = make(chan unit, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	queue := s.q
	stopCh := s.stopCh

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue, idx)
		}()
	}
	s.log.Info("dispatcher started", logx.Int("workers", s.cfg.Workers), logx.Duration("min_spacing", s.cfg.MinSpacing))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	s.mu.Unlock()

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// SweepResult summarizes one dispatch sweep.
type SweepResult struct {
	Submitted int
	Deferred  int // units held back by an expired credential
}

// Sweep pulls due work for every account and submits it to the worker pool.
// Submissions are spaced by the rate limiter; accounts are independent and a
// single unit's failure never aborts the sweep.
func (s *Service) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	s.mu.Lock()
	queue := s.q
	stopCh := s.stopCh
	limit := s.cfg.SweepLimit
	s.mu.Unlock()
	if queue == nil || stopCh == nil {
		s.log.Warn("sweep requested while dispatcher is stopped")
		return res
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.log.Error("listing accounts failed", logx.Err(err))
		return res
	}

	for _, a := range accounts {
		if ctx.Err() != nil {
			return res
		}
		units, deferred := s.collect(ctx, a, limit)
		res.Deferred += deferred
		for _, u := range units {
			if err := s.submit(ctx, stopCh, queue, u); err != nil {
				if errors.Is(err, errAccountSpacing) {
					// The remaining units stay ready; a later sweep picks
					// them up once the account's own spacing has elapsed.
					s.log.Debug("account spacing not elapsed, holding units",
						logx.String("account", a.ID))
					break
				}
				return res
			}
			res.Submitted++
		}
	}

	if res.Submitted > 0 || res.Deferred > 0 {
		s.log.Info("sweep finished", logx.Int("submitted", res.Submitted), logx.Int("deferred", res.Deferred))
	}
	return res
}

// collect gathers the account's due units: formed carousel groups for batch
// mode, due singles otherwise. An expired credential defers the whole
// account; jobs stay ready and untouched.
func (s *Service) collect(ctx context.Context, a *store.Account, limit int) ([]unit, int) {
	var pending []unit

	switch a.PublishMode {
	case store.ModeBatch:
		groups, err := s.store.ListReadyGroups(ctx, a.ID)
		if err != nil {
			s.log.Error("listing ready groups failed", logx.String("account", a.ID), logx.Err(err))
			return nil, 0
		}
		for _, g := range groups {
			pending = append(pending, unit{account: a, jobs: g, group: true})
		}
	default:
		jobs, err := s.store.ListReady(ctx, a.ID, limit)
		if err != nil {
			s.log.Error("listing ready jobs failed", logx.String("account", a.ID), logx.Err(err))
			return nil, 0
		}
		for _, j := range jobs {
			pending = append(pending, unit{account: a, jobs: []*store.Job{j}})
		}
	}

	if len(pending) == 0 {
		return nil, 0
	}

	token, ok := s.creds.Token(ctx, a.ID)
	if !ok {
		// Deferral, not failure: retry counts stay untouched and the jobs
		// remain ready for the sweep after a successful refresh.
		s.log.Warn("credential expired, deferring account", logx.String("account", a.ID), logx.Int("units", len(pending)))
		return nil, len(pending)
	}

	now := time.Now()
	for i := range pending {
		pending[i].token = token
		pending[i].enqueuedAt = now
	}
	return pending, 0
}

// errAccountSpacing marks a unit held back by its account's MinInterval.
var errAccountSpacing = errors.New("account min interval not elapsed")

// limiterFor returns the account's own limiter when its MinInterval is wider
// than the global spacing, nil otherwise. The effective spacing is always
// max(account.MinInterval, cfg.MinSpacing).
func (s *Service) limiterFor(a *store.Account) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.MinInterval <= s.cfg.MinSpacing {
		return nil
	}
	al, ok := s.accLimiters[a.ID]
	if !ok || al.spacing != a.MinInterval {
		al = &accountLimiter{spacing: a.MinInterval, lim: spacingLimiter(a.MinInterval)}
		s.accLimiters[a.ID] = al
	}
	return al.lim
}

// submit hands one unit to the pool, waiting out the spacing limiter first.
// An account limiter never blocks the sweep: when the account's interval has
// not elapsed the unit is held back with errAccountSpacing instead.
func (s *Service) submit(ctx context.Context, stopCh <-chan struct{}, queue chan unit, u unit) error {
	if al := s.limiterFor(u.account); al != nil && !al.Allow() {
		return errAccountSpacing
	}

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	select {
	case queue <- u:
		return nil
	case <-stopCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
