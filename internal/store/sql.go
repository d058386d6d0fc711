package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "gramq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is a fixed-width RFC3339 variant so stored UTC timestamps
// compare correctly as strings in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sqlStore backs Store with database/sql. The query text is written with `?`
// placeholders; the postgres backend rebinds them to $n.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	rebind func(string) string

	idSeq uint64
}

func (s *sqlStore) bind(q string) string {
	if s.rebind == nil {
		return q
	}
	return s.rebind(q)
}

// rebindDollar converts ? placeholders to $1..$n for lib/pq.
func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) newID(prefix string) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	// Short but unique-ish across restarts.
	return fmt.Sprintf("%s-%x-%x", prefix, time.Now().UnixNano(), seq)
}

// ---- Jobs ----

const jobCols = `id, account_id, content_id, template_id, state, group_id,
 carousel_pos, carousel_total, scheduled_at, artifact_ref, caption, hashtags,
 retry_count, max_retries, last_error, media_ref, permalink,
 created_at, updated_at, state_changed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var groupID, scheduledAt sql.NullString
	var created, updated, changed string
	err := r.Scan(
		&j.ID, &j.AccountID, &j.ContentID, &j.TemplateID, &j.State, &groupID,
		&j.CarouselPos, &j.CarouselTotal, &scheduledAt, &j.ArtifactRef, &j.Caption, &j.Hashtags,
		&j.RetryCount, &j.MaxRetries, &j.LastError, &j.MediaRef, &j.Permalink,
		&created, &updated, &changed,
	)
	if err != nil {
		return nil, err
	}
	j.GroupID = groupID.String
	if scheduledAt.Valid {
		t := parseTime(scheduledAt.String)
		j.ScheduledAt = &t
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	j.StateChangedAt = parseTime(changed)
	return &j, nil
}

func (s *sqlStore) queryJobs(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) Job(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+jobCols+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *sqlStore) liveJobID(ctx context.Context, accountID, contentID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT id FROM jobs
		  WHERE account_id = ? AND content_id = ? AND state NOT IN ('published','failed')
		  LIMIT 1`), accountID, contentID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (s *sqlStore) Enqueue(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.AccountID == "" || spec.ContentID == "" {
		return nil, fmt.Errorf("enqueue: account and content ids are required")
	}

	if id, err := s.liveJobID(ctx, spec.AccountID, spec.ContentID); err != nil {
		return nil, err
	} else if id != "" {
		j, err := s.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		return j, &DuplicateJobError{JobID: id}
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	now := time.Now()
	j := &Job{
		ID:             s.newID("job"),
		AccountID:      spec.AccountID,
		ContentID:      spec.ContentID,
		TemplateID:     spec.TemplateID,
		State:          StatePending,
		ScheduledAt:    spec.ScheduledAt,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
		StateChangedAt: now,
	}

	var scheduledAt any
	if j.ScheduledAt != nil {
		scheduledAt = fmtTime(*j.ScheduledAt)
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO jobs (id, account_id, content_id, template_id, state, scheduled_at,
		   max_retries, created_at, updated_at, state_changed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`),
		j.ID, j.AccountID, j.ContentID, j.TemplateID, string(j.State), scheduledAt,
		j.MaxRetries, fmtTime(now), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		// A racing enqueue may have hit the live-job unique index first.
		if id, qerr := s.liveJobID(ctx, spec.AccountID, spec.ContentID); qerr == nil && id != "" {
			ej, gerr := s.Job(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return ej, &DuplicateJobError{JobID: id}
		}
		return nil, err
	}
	return j, nil
}

func statePlaceholders(states []State) (string, []any) {
	ph := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		ph[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(ph, ","), args
}

// patchSet appends SET fragments and args for the optional patch fields.
func patchSet(p Patch, set []string, args []any) ([]string, []any) {
	if p.ArtifactRef != nil {
		set, args = append(set, "artifact_ref = ?"), append(args, *p.ArtifactRef)
	}
	if p.Caption != nil {
		set, args = append(set, "caption = ?"), append(args, *p.Caption)
	}
	if p.Hashtags != nil {
		set, args = append(set, "hashtags = ?"), append(args, *p.Hashtags)
	}
	if p.LastError != nil {
		set, args = append(set, "last_error = ?"), append(args, *p.LastError)
	}
	if p.RetryCount != nil {
		set, args = append(set, "retry_count = ?"), append(args, *p.RetryCount)
	}
	if p.MediaRef != nil {
		set, args = append(set, "media_ref = ?"), append(args, *p.MediaRef)
	}
	if p.Permalink != nil {
		set, args = append(set, "permalink = ?"), append(args, *p.Permalink)
	}
	return set, args
}

func validateEdges(from []State, to State) error {
	if len(from) == 0 {
		return fmt.Errorf("transition: empty from-set")
	}
	for _, f := range from {
		if !CanTransition(f, to) {
			return &IllegalTransitionError{From: f, To: to}
		}
	}
	return nil
}

func (s *sqlStore) Transition(ctx context.Context, id string, from []State, to State, p Patch) (*Job, error) {
	if err := validateEdges(from, to); err != nil {
		return nil, err
	}

	now := fmtTime(time.Now())
	set := []string{"state = ?", "updated_at = ?", "state_changed_at = ?"}
	args := []any{string(to), now, now}
	set, args = patchSet(p, set, args)

	ph, stateArgs := statePlaceholders(from)
	args = append(args, id)
	args = append(args, stateArgs...)

	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ? AND state IN (`+ph+`)`), args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		cur, err := s.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &StateConflictError{JobID: id, Current: cur.State, Want: to}
	}
	return s.Job(ctx, id)
}

func (s *sqlStore) TransitionGroup(ctx context.Context, groupID string, from []State, to State, p Patch) ([]*Job, error) {
	if err := validateEdges(from, to); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, fmt.Errorf("transition group: empty group id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, s.bind(
		`SELECT COUNT(*) FROM jobs WHERE group_id = ?`), groupID).Scan(&total); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrNotFound
	}

	now := fmtTime(time.Now())
	set := []string{"state = ?", "updated_at = ?", "state_changed_at = ?"}
	args := []any{string(to), now, now}
	set, args = patchSet(p, set, args)

	ph, stateArgs := statePlaceholders(from)
	args = append(args, groupID)
	args = append(args, stateArgs...)

	res, err := tx.ExecContext(ctx, s.bind(
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE group_id = ? AND state IN (`+ph+`)`), args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if int(n) != total {
		// Some member was concurrently moved; the whole group transition loses.
		return nil, &StateConflictError{JobID: groupID, Want: to}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE group_id = ? ORDER BY carousel_pos ASC`, groupID)
}

func (s *sqlStore) ListState(ctx context.Context, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE state = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(state), limit)
}

func (s *sqlStore) ListReady(ctx context.Context, accountID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs
		  WHERE account_id = ? AND state = 'ready' AND group_id IS NULL
		    AND (scheduled_at IS NULL OR scheduled_at <= ?)
		  ORDER BY created_at ASC, id ASC LIMIT ?`,
		accountID, fmtTime(time.Now()), limit)
}

func (s *sqlStore) ListUngroupedReady(ctx context.Context, accountID string) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs
		  WHERE account_id = ? AND state = 'ready' AND group_id IS NULL
		  ORDER BY created_at ASC, id ASC`, accountID)
}

func (s *sqlStore) AssignGroup(ctx context.Context, groupID string, jobIDs []string) error {
	if groupID == "" || len(jobIDs) == 0 {
		return fmt.Errorf("assign group: group id and members are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	total := len(jobIDs)
	for i, id := range jobIDs {
		res, err := tx.ExecContext(ctx, s.bind(
			`UPDATE jobs SET group_id = ?, carousel_pos = ?, carousel_total = ?, updated_at = ?
			  WHERE id = ? AND state = 'ready' AND group_id IS NULL`),
			groupID, i+1, total, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("assign group %s: job %s is no longer ready and ungrouped", groupID, id)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ListReadyGroups(ctx context.Context, accountID string) ([][]*Job, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs
		  WHERE account_id = ? AND state = 'ready' AND group_id IS NOT NULL
		  ORDER BY group_id ASC, carousel_pos ASC`, accountID)
	if err != nil {
		return nil, err
	}

	var out [][]*Job
	var cur []*Job
	for _, j := range jobs {
		if len(cur) > 0 && cur[0].GroupID != j.GroupID {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, j)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}

	// A group is dispatchable only when every member is still ready.
	complete := out[:0]
	for _, g := range out {
		if len(g) == g[0].CarouselTotal {
			complete = append(complete, g)
		}
	}
	return complete, nil
}

func (s *sqlStore) RecordAttempt(ctx context.Context, jobIDs []string, retryCount int, lastError string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	ph := make([]string, len(jobIDs))
	args := []any{retryCount, lastError, fmtTime(time.Now())}
	for i, id := range jobIDs {
		ph[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE jobs SET retry_count = ?, last_error = ?, updated_at = ?
		  WHERE id IN (`+strings.Join(ph, ",")+`)`), args...)
	return err
}

func (s *sqlStore) ListStuck(ctx context.Context, state State, olderThan time.Duration) ([]*Job, error) {
	cutoff := fmtTime(time.Now().Add(-olderThan))
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs
		  WHERE state = ? AND state_changed_at < ?
		  ORDER BY state_changed_at ASC`, string(state), cutoff)
}

func (s *sqlStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		switch State(state) {
		case StatePending:
			st.Pending = n
		case StateRendering:
			st.Rendering = n
		case StateReady:
			st.Ready = n
		case StatePublishing:
			st.Publishing = n
		case StatePublished:
			st.Published = n
		case StateFailed:
			st.Failed = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ready := map[string]int{}
	ungrouped := map[string]int{}
	grouped := map[string]bool{}
	rows, err = s.db.QueryContext(ctx,
		`SELECT account_id, group_id IS NULL, COUNT(*) FROM jobs WHERE state = 'ready' GROUP BY account_id, group_id IS NULL`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var acct string
		var noGroup bool
		var n int
		if err := rows.Scan(&acct, &noGroup, &n); err != nil {
			rows.Close()
			return nil, err
		}
		ready[acct] += n
		if noGroup {
			ungrouped[acct] += n
		} else {
			grouped[acct] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if ready[a.ID] == 0 {
			continue
		}
		batchReady := false
		if a.PublishMode == ModeBatch {
			batchReady = grouped[a.ID] || (a.BatchThreshold > 0 && ungrouped[a.ID] >= a.BatchThreshold)
		}
		st.PerAccount = append(st.PerAccount, AccountStats{
			AccountID:  a.ID,
			ReadyCount: ready[a.ID],
			BatchReady: batchReady,
		})
	}
	return st, nil
}

// ---- Accounts ----

func (s *sqlStore) UpsertAccount(ctx context.Context, a *Account) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("upsert account: id is required")
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO accounts (id, platform, platform_user_id, name, school_id, publish_mode,
		   batch_threshold, min_interval_ms, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   platform = excluded.platform,
		   platform_user_id = excluded.platform_user_id,
		   name = excluded.name,
		   school_id = excluded.school_id,
		   publish_mode = excluded.publish_mode,
		   batch_threshold = excluded.batch_threshold,
		   min_interval_ms = excluded.min_interval_ms,
		   updated_at = excluded.updated_at`),
		a.ID, a.Platform, a.PlatformUserID, a.Name, a.SchoolID, string(a.PublishMode),
		a.BatchThreshold, a.MinInterval.Milliseconds(), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	return err
}

const accountCols = `id, platform, platform_user_id, name, school_id, publish_mode,
 batch_threshold, min_interval_ms, created_at, updated_at`

func scanAccount(r rowScanner) (*Account, error) {
	var a Account
	var mode string
	var intervalMS int64
	var created, updated string
	err := r.Scan(&a.ID, &a.Platform, &a.PlatformUserID, &a.Name, &a.SchoolID, &mode,
		&a.BatchThreshold, &intervalMS, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.PublishMode = PublishMode(mode)
	a.MinInterval = time.Duration(intervalMS) * time.Millisecond
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func (s *sqlStore) Account(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+accountCols+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- Credentials ----

const credentialCols = `account_id, access_token, expires_at, last_refresh_at, last_error, last_error_at`

func scanCredential(r rowScanner) (*Credential, error) {
	var c Credential
	var expires, refreshed, lastErr, lastErrAt sql.NullString
	err := r.Scan(&c.AccountID, &c.AccessToken, &expires, &refreshed, &lastErr, &lastErrAt)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		c.ExpiresAt = parseTime(expires.String)
	}
	if refreshed.Valid {
		c.LastRefreshAt = parseTime(refreshed.String)
	}
	c.LastError = lastErr.String
	if lastErrAt.Valid {
		c.LastErrorAt = parseTime(lastErrAt.String)
	}
	return &c, nil
}

func (s *sqlStore) Credential(ctx context.Context, accountID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT `+credentialCols+` FROM credentials WHERE account_id = ?`), accountID)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *sqlStore) PutCredential(ctx context.Context, c *Credential) error {
	if c == nil || c.AccountID == "" {
		return fmt.Errorf("put credential: account id is required")
	}
	var expires, refreshed, lastErr, lastErrAt any
	if !c.ExpiresAt.IsZero() {
		expires = fmtTime(c.ExpiresAt)
	}
	if !c.LastRefreshAt.IsZero() {
		refreshed = fmtTime(c.LastRefreshAt)
	}
	if c.LastError != "" {
		lastErr = c.LastError
	}
	if !c.LastErrorAt.IsZero() {
		lastErrAt = fmtTime(c.LastErrorAt)
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO credentials (account_id, access_token, expires_at, last_refresh_at, last_error, last_error_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   expires_at = excluded.expires_at,
		   last_refresh_at = excluded.last_refresh_at,
		   last_error = excluded.last_error,
		   last_error_at = excluded.last_error_at`),
		c.AccountID, c.AccessToken, expires, refreshed, lastErr, lastErrAt)
	return err
}

func (s *sqlStore) RecordCredentialError(ctx context.Context, accountID, msg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE credentials SET last_error = ?, last_error_at = ? WHERE account_id = ?`),
		msg, fmtTime(at), accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListExpiringCredentials(ctx context.Context, within time.Duration) ([]*Credential, error) {
	cutoff := fmtTime(time.Now().Add(within))
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT `+credentialCols+` FROM credentials
		  WHERE expires_at IS NOT NULL AND expires_at <= ?
		  ORDER BY expires_at ASC`), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
