package dispatch

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gramq/internal/credential"
	"gramq/internal/publisher"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

// fakePublisher records calls and returns canned results.
type fakePublisher struct {
	mu            sync.Mutex
	singleCalls   int
	carouselCalls int
	lastItems     []publisher.Item
	lastCaption   string
	err           error
}

func (f *fakePublisher) PublishSingle(_ context.Context, _ *store.Account, _ string, _ string, caption string) (*publisher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	f.lastCaption = caption
	if f.err != nil {
		return nil, f.err
	}
	return &publisher.Result{MediaRef: "media-1", Permalink: "https://www.instagram.com/p/abc/"}, nil
}

func (f *fakePublisher) PublishCarousel(_ context.Context, _ *store.Account, _ string, items []publisher.Item, caption string) (*publisher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.carouselCalls++
	f.lastItems = append([]publisher.Item(nil), items...)
	f.lastCaption = caption
	if f.err != nil {
		return nil, f.err
	}
	return &publisher.Result{MediaRef: "media-car", Permalink: "https://www.instagram.com/p/car/"}, nil
}

func (f *fakePublisher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.singleCalls, f.carouselCalls
}

type fixture struct {
	store store.Store
	creds *credential.Manager
	fake  *fakePublisher
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := &fakePublisher{}
	reg := publisher.NewRegistry()
	reg.Register("instagram", fake)

	creds := credential.NewManager(credential.Config{}, st, nil, logx.Nop())

	if cfg.MinSpacing == 0 {
		cfg.MinSpacing = time.Millisecond
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	svc := New(cfg, st, creds, reg, logx.Nop(), nil)
	return &fixture{store: st, creds: creds, fake: fake, svc: svc}
}

func (f *fixture) account(t *testing.T, id string, mode store.PublishMode, threshold int) *store.Account {
	t.Helper()
	a := &store.Account{
		ID:             id,
		Platform:       "instagram",
		PlatformUserID: "900" + id,
		PublishMode:    mode,
		BatchThreshold: threshold,
	}
	if err := f.store.UpsertAccount(context.Background(), a); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	return a
}

func (f *fixture) validCredential(t *testing.T, accountID string) {
	t.Helper()
	if err := f.store.PutCredential(context.Background(), &store.Credential{
		AccountID:   accountID,
		AccessToken: "tok-" + accountID,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("put credential: %v", err)
	}
}

func (f *fixture) readyJob(t *testing.T, accountID, contentID string, maxRetries int) *store.Job {
	t.Helper()
	ctx := context.Background()
	j, err := f.store.Enqueue(ctx, store.JobSpec{AccountID: accountID, ContentID: contentID, MaxRetries: maxRetries})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.store.Transition(ctx, j.ID, []store.State{store.StatePending}, store.StateRendering, store.Patch{}); err != nil {
		t.Fatalf("to rendering: %v", err)
	}
	j, err = f.store.Transition(ctx, j.ID, []store.State{store.StateRendering}, store.StateReady, store.Patch{
		ArtifactRef: store.StrPtr("https://cdn.example.com/" + contentID + ".jpg"),
		Caption:     store.StrPtr("hello"),
		Hashtags:    store.StrPtr("#a #b"),
	})
	if err != nil {
		t.Fatalf("to ready: %v", err)
	}
	return j
}

func waitForState(t *testing.T, st store.Store, id string, want store.State) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("read job: %v", err)
		}
		if j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := st.Job(context.Background(), id)
	t.Fatalf("job %s never reached %s (now %s, last_error %q)", id, want, j.State, j.LastError)
	return nil
}

func TestDispatchSingleSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 2})
	ctx := context.Background()

	f.account(t, "a1", store.ModeInstant, 0)
	f.validCredential(t, "a1")
	j := f.readyJob(t, "a1", "c1", 0)

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	res := f.svc.Sweep(ctx)
	if res.Submitted != 1 || res.Deferred != 0 {
		t.Fatalf("sweep = %+v, want 1 submitted", res)
	}

	got := waitForState(t, f.store, j.ID, store.StatePublished)
	if got.MediaRef != "media-1" || got.Permalink == "" {
		t.Fatalf("published job = %+v", got)
	}
	if got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("clean publish recorded retries: %d %q", got.RetryCount, got.LastError)
	}

	f.fake.mu.Lock()
	caption := f.fake.lastCaption
	f.fake.mu.Unlock()
	if caption != "hello\n\n#a #b" {
		t.Fatalf("caption = %q", caption)
	}
}

func TestDispatchFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1})
	ctx := context.Background()

	f.account(t, "a1", store.ModeInstant, 0)
	f.validCredential(t, "a1")
	f.fake.err = &publisher.PublishError{Code: publisher.SubUploadRejected, Msg: "image rejected"}

	j := f.readyJob(t, "a1", "c1", 2)

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)
	f.svc.Sweep(ctx)

	got := waitForState(t, f.store, j.ID, store.StateFailed)
	if got.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", got.RetryCount)
	}
	if got.LastError == "" {
		t.Fatal("last_error empty on failed job")
	}

	singles, _ := f.fake.calls()
	if singles != 2 {
		t.Fatalf("publisher called %d times, want 2", singles)
	}

	// A terminal job is never submitted again.
	f.svc.Sweep(ctx)
	time.Sleep(50 * time.Millisecond)
	singles, _ = f.fake.calls()
	if singles != 2 {
		t.Fatalf("failed job was resubmitted: %d calls", singles)
	}
}

func TestDispatchDefersOnExpiredCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1})
	ctx := context.Background()

	f.account(t, "a1", store.ModeInstant, 0)
	if err := f.store.PutCredential(ctx, &store.Credential{
		AccountID:   "a1",
		AccessToken: "tok-old",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	j := f.readyJob(t, "a1", "c1", 0)

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	res := f.svc.Sweep(ctx)
	if res.Submitted != 0 || res.Deferred != 1 {
		t.Fatalf("sweep = %+v, want 1 deferred", res)
	}

	cur, err := f.store.Job(ctx, j.ID)
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	if cur.State != store.StateReady || cur.RetryCount != 0 {
		t.Fatalf("deferred job = %s retry %d, want untouched ready", cur.State, cur.RetryCount)
	}
	if singles, _ := f.fake.calls(); singles != 0 {
		t.Fatalf("publisher reached despite expired credential: %d", singles)
	}

	// After a refresh the same sweep path publishes normally.
	f.validCredential(t, "a1")
	res = f.svc.Sweep(ctx)
	if res.Submitted != 1 {
		t.Fatalf("post-refresh sweep = %+v", res)
	}
	waitForState(t, f.store, j.ID, store.StatePublished)
}

func TestDispatchCarouselAsOneUnit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 2})
	ctx := context.Background()

	f.account(t, "a1", store.ModeBatch, 2)
	f.validCredential(t, "a1")
	j1 := f.readyJob(t, "a1", "c1", 0)
	j2 := f.readyJob(t, "a1", "c2", 0)
	if err := f.store.AssignGroup(ctx, "g1", []string{j1.ID, j2.ID}); err != nil {
		t.Fatalf("assign group: %v", err)
	}

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	res := f.svc.Sweep(ctx)
	if res.Submitted != 1 {
		t.Fatalf("sweep = %+v, want 1 unit", res)
	}

	g1 := waitForState(t, f.store, j1.ID, store.StatePublished)
	g2 := waitForState(t, f.store, j2.ID, store.StatePublished)
	if g1.MediaRef != "media-car" || g2.MediaRef != "media-car" {
		t.Fatalf("group media refs differ: %q %q", g1.MediaRef, g2.MediaRef)
	}

	singles, carousels := f.fake.calls()
	if singles != 0 || carousels != 1 {
		t.Fatalf("calls = %d single / %d carousel, want 0/1", singles, carousels)
	}
	f.fake.mu.Lock()
	items := f.fake.lastItems
	f.fake.mu.Unlock()
	if len(items) != 2 || items[0].Position != 1 || items[1].Position != 2 {
		t.Fatalf("carousel items = %+v", items)
	}
}

func TestExecUnitSkipsLostClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1})
	ctx := context.Background()

	a := f.account(t, "a1", store.ModeInstant, 0)
	f.validCredential(t, "a1")
	j := f.readyJob(t, "a1", "c1", 0)

	// Another worker already claimed this job.
	if _, err := f.store.Transition(ctx, j.ID, []store.State{store.StateReady}, store.StatePublishing, store.Patch{}); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	f.svc.execUnit(ctx, make(chan struct{}), unit{account: a, token: "tok", jobs: []*store.Job{j}}, rng)

	if singles, _ := f.fake.calls(); singles != 0 {
		t.Fatalf("lost claim still reached the publisher: %d calls", singles)
	}
	cur, err := f.store.Job(ctx, j.ID)
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	if cur.State != store.StatePublishing {
		t.Fatalf("state = %s, want publishing untouched", cur.State)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}.withDefaults()
	rng := rand.New(rand.NewSource(42))

	for retry := 1; retry <= 8; retry++ {
		d := backoffDelay(cfg, retry, rng)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retry %d delay %v outside [0, %v]", retry, d, cfg.RetryMaxDelay)
		}
	}
}

func TestDispatchHonorsAccountMinInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1})
	ctx := context.Background()

	a := f.account(t, "a1", store.ModeInstant, 0)
	a.MinInterval = 300 * time.Millisecond
	if err := f.store.UpsertAccount(ctx, a); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	f.validCredential(t, "a1")
	j1 := f.readyJob(t, "a1", "c1", 1)
	j2 := f.readyJob(t, "a1", "c2", 1)

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	if res := f.svc.Sweep(ctx); res.Submitted != 1 {
		t.Fatalf("first sweep submitted %d, want 1", res.Submitted)
	}
	waitForState(t, f.store, j1.ID, store.StatePublished)

	// Inside the account's interval the second job is held back, not failed.
	if res := f.svc.Sweep(ctx); res.Submitted != 0 {
		t.Fatalf("sweep inside interval submitted %d, want 0", res.Submitted)
	}
	cur, err := f.store.Job(ctx, j2.ID)
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	if cur.State != store.StateReady || cur.RetryCount != 0 {
		t.Fatalf("held job: state=%s retry_count=%d, want ready/0", cur.State, cur.RetryCount)
	}

	time.Sleep(350 * time.Millisecond)
	if res := f.svc.Sweep(ctx); res.Submitted != 1 {
		t.Fatalf("sweep after interval submitted %d, want 1", res.Submitted)
	}
	waitForState(t, f.store, j2.ID, store.StatePublished)
}

func TestClaimRefreshesUnitSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1})
	ctx := context.Background()

	a := f.account(t, "a1", store.ModeInstant, 0)
	j := f.readyJob(t, "a1", "c1", 3)

	// A sweep snapshot can go stale between collect and claim; the claim
	// must surface the stored row, not the carried copy.
	stale := *j
	stale.RetryCount = 5
	u := unit{account: a, token: "tok", jobs: []*store.Job{&stale}}

	if !f.svc.claim(ctx, &u) {
		t.Fatal("claim failed")
	}
	if u.jobs[0].State != store.StatePublishing {
		t.Fatalf("state = %s, want publishing", u.jobs[0].State)
	}
	if u.jobs[0].RetryCount != 0 {
		t.Fatalf("retry_count = %d, want stored value 0", u.jobs[0].RetryCount)
	}
}
