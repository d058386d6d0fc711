// Package app assembles the publish pipeline: store, admission, render,
// grouping, dispatch, credentials, and the two ingress surfaces, plus the
// cron-driven sweeps that move jobs between them.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gramq/internal/admission"
	"gramq/internal/api"
	"gramq/internal/config"
	"gramq/internal/credential"
	"gramq/internal/dispatch"
	"gramq/internal/eventbus"
	"gramq/internal/grouper"
	"gramq/internal/ingest"
	"gramq/internal/publisher"
	"gramq/internal/render"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

// Options carries collaborators that live outside this process.
type Options struct {
	// Renderer produces publishable artifacts from approved content.
	// Defaults to render.Passthrough.
	Renderer render.Renderer
}

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    store.Store
	bus      eventbus.Bus
	registry *publisher.Registry
	creds    *credential.Manager
	renderer *render.Coordinator
	grouper  *grouper.Grouper
	dispatch *dispatch.Service
	hook     *admission.Hook
	api      *api.Server
	ingest   *ingest.Consumer

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	reloads chan *config.Config
	done    chan struct{}
}

func New(cfgMgr *config.Manager, logSvc *logx.Service, log logx.Logger, opts Options) (*App, error) {
	cfg := cfgMgr.Get()
	if cfg == nil {
		return nil, fmt.Errorf("app: config not loaded")
	}

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log.With(logx.String("comp", "app")),
	}

	storeCfg, err := buildStoreConfig(cfg.Store)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	a.store = st

	a.bus = eventbus.New()

	igCfg, err := buildInstagramConfig(cfg.Publisher)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.registry = publisher.NewRegistry()
	a.registry.Register("instagram", publisher.NewInstagram(igCfg, log))

	credCfg, refreshClient, err := buildCredentials(cfg.Credentials)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.creds = credential.NewManager(credCfg, st, refreshClient, log)

	renderer := opts.Renderer
	if renderer == nil {
		renderer = render.Passthrough{}
	}
	a.renderer = render.NewCoordinator(st, renderer, log, a.bus)
	a.grouper = grouper.New(st, log)

	dispCfg, err := buildDispatchConfig(cfg.Dispatch)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.dispatch = dispatch.New(dispCfg, st, a.creds, a.registry, log, a.bus)

	a.hook = admission.NewHook(st, log, a.bus)

	if cfg.HTTP.Enabled {
		a.api = api.NewServer(api.Config{Addr: cfg.HTTP.Addr}, st, a.hook, a.creds, log)
	}
	if cfg.AMQP != nil {
		a.ingest = ingest.NewConsumer(ingest.Config{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue}, a.hook, log)
	}

	if err := a.buildCron(cfg.Sweeps); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// sweepParser accepts 5-field and 6-field cron specs plus descriptors.
var sweepParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *App) buildCron(sc config.SweepConfig) error {
	c := cron.New(cron.WithParser(sweepParser))

	specs := []struct {
		name string
		spec string
		def  string
		run  func(context.Context)
	}{
		{"render", sc.Render, "@every 15s", func(ctx context.Context) {
			rendered, failed := a.renderer.Sweep(ctx)
			if rendered > 0 || failed > 0 {
				a.log.Debug("render sweep", logx.Int("rendered", rendered), logx.Int("failed", failed))
			}
		}},
		{"group", sc.Group, "@every 30s", func(ctx context.Context) {
			if formed := a.grouper.Sweep(ctx); formed > 0 {
				a.log.Debug("group sweep", logx.Int("formed", formed))
			}
		}},
		{"dispatch", sc.Dispatch, "@every 30s", func(ctx context.Context) {
			res := a.dispatch.Sweep(ctx)
			if res.Submitted > 0 || res.Deferred > 0 {
				a.log.Debug("dispatch sweep", logx.Int("submitted", res.Submitted), logx.Int("deferred", res.Deferred))
			}
		}},
		{"credential", sc.Credential, "@every 6h", func(ctx context.Context) {
			res := a.creds.AutoRefreshSweep(ctx)
			if res.Refreshed > 0 || res.Failed > 0 {
				a.log.Info("credential sweep",
					logx.Int("refreshed", res.Refreshed),
					logx.Int("failed", res.Failed),
					logx.Int("skipped", res.Skipped))
			}
		}},
	}

	for _, s := range specs {
		spec := s.spec
		if spec == "" {
			spec = s.def
		}
		run := s.run
		if _, err := c.AddFunc(spec, func() {
			a.mu.Lock()
			cancel := a.cancel
			a.mu.Unlock()
			if cancel == nil {
				return
			}
			run(a.runCtx())
		}); err != nil {
			return fmt.Errorf("app: sweeps.%s spec %q: %w", s.name, spec, err)
		}
	}

	a.cron = c
	return nil
}

func (a *App) runCtx() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.ctx = runCtx
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	a.dispatch.Start(runCtx)

	if a.api != nil {
		if err := a.api.Start(ctx); err != nil {
			a.abortStart(ctx)
			return err
		}
	}
	if a.ingest != nil {
		if err := a.ingest.Start(runCtx); err != nil {
			// Queue ingress is best-effort at boot; webhook still works.
			a.log.Error("ingest start failed", logx.Err(err))
			a.ingest = nil
		}
	}

	a.cron.Start()
	a.watchReloads(runCtx)

	a.log.Info("pipeline started")
	return nil
}

func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	a.ctx = nil
	done := a.done
	a.done = nil
	a.mu.Unlock()

	// Drain in-flight work first, then cancel the run context so the
	// reload goroutine and any blocked sweeps unwind.
	a.stopComponents(ctx)
	cancel()
	if done != nil {
		<-done
	}
	a.log.Info("pipeline stopped")
}

func (a *App) abortStart(ctx context.Context) {
	a.mu.Lock()
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	a.ctx = nil
	a.mu.Unlock()
	a.stopComponents(ctx)
	if cancel != nil {
		cancel()
	}
}

func (a *App) stopComponents(ctx context.Context) {
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		a.log.Warn("sweep still running at shutdown")
	}

	if a.ingest != nil {
		a.ingest.Stop()
	}
	if a.api != nil {
		a.api.Stop(ctx)
	}

	// Drain in-flight publishes before closing the store. Jobs still in
	// publishing after the deadline surface via the stuck-jobs listing.
	a.dispatch.Stop(ctx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
}

// watchReloads applies config changes that are safe to swap at runtime:
// logging sinks/level and dispatch pacing. Structural settings (store
// driver, HTTP address, worker count) need a restart.
func (a *App) watchReloads(ctx context.Context) {
	a.reloads = a.cfgMgr.Subscribe(1)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-a.reloads:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()
}

func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})

	dispCfg, err := buildDispatchConfig(cfg.Dispatch)
	if err != nil {
		a.log.Warn("reload: dispatch config rejected", logx.Err(err))
		return
	}
	a.dispatch.Apply(dispCfg)
	a.log.Info("config reloaded")
}

// ---- config translation ----

func buildStoreConfig(sc config.StoreConfig) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
	}, nil
}

func buildInstagramConfig(pc config.PublisherConfig) (publisher.InstagramConfig, error) {
	poll, err := config.ParseDurationOrDefault("publisher.poll_interval", pc.PollInterval, 0)
	if err != nil {
		return publisher.InstagramConfig{}, err
	}
	pollTO, err := config.ParseDurationOrDefault("publisher.poll_timeout", pc.PollTimeout, 0)
	if err != nil {
		return publisher.InstagramConfig{}, err
	}
	httpTO, err := config.ParseDurationOrDefault("publisher.http_timeout", pc.HTTPTimeout, 0)
	if err != nil {
		return publisher.InstagramConfig{}, err
	}
	return publisher.InstagramConfig{
		BaseURL:      pc.BaseURL,
		PollInterval: poll,
		PollTimeout:  pollTO,
		HTTPTimeout:  httpTO,
	}, nil
}

func buildCredentials(cc config.CredentialConfig) (credential.Config, credential.RefreshClient, error) {
	buffer, err := config.ParseDurationOrDefault("credentials.refresh_buffer", cc.RefreshBuffer, 0)
	if err != nil {
		return credential.Config{}, nil, err
	}
	client := credential.NewGraphRefreshClient(cc.RefreshBaseURL, 30*time.Second)
	return credential.Config{
		RefreshBuffer: buffer,
		RatePerSec:    cc.RatePerSec,
	}, client, nil
}

func buildDispatchConfig(dc config.DispatchConfig) (dispatch.Config, error) {
	spacing, err := config.ParseDurationOrDefault("dispatch.min_spacing", dc.MinSpacing, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:           dc.Workers,
		QueueSize:         dc.QueueSize,
		MinSpacing:        spacing,
		RetryBase:         base,
		RetryMaxDelay:     maxDelay,
		RetryJitter:       dc.RetryJitter,
		DefaultMaxRetries: dc.MaxRetries,
		SweepLimit:        dc.SweepLimit,
	}, nil
}
