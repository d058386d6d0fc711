// Package credential tracks per-account token validity and refreshes
// proactively. Refresh failures are recorded on the credential row and
// returned as result values so batch sweeps continue across accounts.
package credential

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

type Config struct {
	// RefreshBuffer: credentials with less than this much lifetime left are
	// refreshed by the sweep.
	RefreshBuffer time.Duration
	// RatePerSec paces refresh calls during a sweep.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = 7 * 24 * time.Hour
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	return c
}

type Manager struct {
	cfg     Config
	store   store.Store
	client  RefreshClient
	log     logx.Logger
	limiter *rate.Limiter
}

func NewManager(cfg Config, st store.Store, client RefreshClient, log logx.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		client:  client,
		log:     log.With(logx.String("comp", "credential")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

type CheckResult struct {
	Valid         bool    `json:"valid"`
	DaysRemaining float64 `json:"days_remaining"`
}

func (m *Manager) Check(ctx context.Context, accountID string) (CheckResult, error) {
	c, err := m.store.Credential(ctx, accountID)
	if err != nil {
		return CheckResult{}, err
	}
	now := time.Now()
	if c.Expired(now) {
		return CheckResult{Valid: false}, nil
	}
	return CheckResult{
		Valid:         true,
		DaysRemaining: c.ExpiresAt.Sub(now).Hours() / 24,
	}, nil
}

// Token returns the account's access token if it is currently valid.
// Dispatch uses this; an invalid credential defers the job, never fails it.
func (m *Manager) Token(ctx context.Context, accountID string) (string, bool) {
	c, err := m.store.Credential(ctx, accountID)
	if err != nil {
		return "", false
	}
	if c.Expired(time.Now()) {
		return "", false
	}
	return c.AccessToken, true
}

type RefreshResult struct {
	AccountID string    `json:"account_id"`
	Success   bool      `json:"success"`
	NewExpiry time.Time `json:"new_expiry,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Refresh exchanges the current token for a fresh one. It never raises to
// the caller: failures are persisted as last_error/last_error_at and
// reported in the result value.
func (m *Manager) Refresh(ctx context.Context, accountID string) RefreshResult {
	res := RefreshResult{AccountID: accountID}

	c, err := m.store.Credential(ctx, accountID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if c.AccessToken == "" {
		res.Error = "no token material to refresh"
		m.recordFailure(ctx, accountID, res.Error)
		return res
	}

	token, expiresIn, err := m.client.Refresh(ctx, c.AccessToken)
	if err != nil {
		res.Error = err.Error()
		m.recordFailure(ctx, accountID, res.Error)
		m.log.Warn("credential refresh failed", logx.String("account", accountID), logx.Err(err))
		return res
	}

	now := time.Now()
	c.AccessToken = token
	c.ExpiresAt = now.Add(expiresIn)
	c.LastRefreshAt = now
	c.LastError = ""
	c.LastErrorAt = time.Time{}
	if err := m.store.PutCredential(ctx, c); err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.NewExpiry = c.ExpiresAt
	m.log.Info("credential refreshed", logx.String("account", accountID), logx.Time("expires_at", c.ExpiresAt))
	return res
}

func (m *Manager) recordFailure(ctx context.Context, accountID, msg string) {
	if err := m.store.RecordCredentialError(ctx, accountID, msg, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.Error("recording credential error failed", logx.String("account", accountID), logx.Err(err))
	}
}

type SweepResult struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// AutoRefreshSweep refreshes every credential inside the refresh buffer.
// One account's failure never aborts the sweep.
func (m *Manager) AutoRefreshSweep(ctx context.Context) SweepResult {
	var out SweepResult

	creds, err := m.store.ListExpiringCredentials(ctx, m.cfg.RefreshBuffer)
	if err != nil {
		m.log.Error("listing expiring credentials failed", logx.Err(err))
		return out
	}

	for _, c := range creds {
		if ctx.Err() != nil {
			break
		}
		if c.AccessToken == "" {
			// Nothing to exchange; needs a fresh grant (out of scope here).
			out.Skipped++
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			break
		}
		if res := m.Refresh(ctx, c.AccountID); res.Success {
			out.Refreshed++
		} else {
			out.Failed++
		}
	}

	if out.Refreshed+out.Failed+out.Skipped > 0 {
		m.log.Info("credential sweep finished",
			logx.Int("refreshed", out.Refreshed),
			logx.Int("failed", out.Failed),
			logx.Int("skipped", out.Skipped),
		)
	}
	return out
}
