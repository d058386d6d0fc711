package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "gramq/pkg/logx"
)

// Config configures the queue store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable job queue. It is the only place Job.state may be
// mutated; every mutation goes through Transition/TransitionGroup, which are
// linearizable per job.
type Store interface {
	// Enqueue inserts a new pending Job. If a non-terminal Job already exists
	// for the same (account, content) pair it returns that Job together with
	// a *DuplicateJobError.
	Enqueue(ctx context.Context, spec JobSpec) (*Job, error)

	Job(ctx context.Context, id string) (*Job, error)

	// Transition atomically moves a Job to state `to` if its current state is
	// in `from`. A lost race yields *StateConflictError; an edge outside the
	// state machine yields *IllegalTransitionError.
	Transition(ctx context.Context, id string, from []State, to State, p Patch) (*Job, error)

	// TransitionGroup applies one transition to every member of a carousel
	// group, all-or-nothing.
	TransitionGroup(ctx context.Context, groupID string, from []State, to State, p Patch) ([]*Job, error)

	// ListState returns jobs in a given state, oldest first.
	ListState(ctx context.Context, state State, limit int) ([]*Job, error)

	// ListReady returns ungrouped ready jobs for the account that are due
	// (scheduled_at unset or <= now), oldest first.
	ListReady(ctx context.Context, accountID string, limit int) ([]*Job, error)

	// ListUngroupedReady returns all ready jobs for the account that are not
	// yet part of a carousel group, oldest first.
	ListUngroupedReady(ctx context.Context, accountID string) ([]*Job, error)

	// AssignGroup atomically stamps group id, position (1..N) and total onto
	// the given jobs. It fails without partial effect if any job is no longer
	// ready-and-ungrouped.
	AssignGroup(ctx context.Context, groupID string, jobIDs []string) error

	// ListReadyGroups returns fully-formed, un-dispatched groups for the
	// account, members ordered by carousel position.
	ListReadyGroups(ctx context.Context, accountID string) ([][]*Job, error)

	// RecordAttempt persists attempt bookkeeping (retry_count, last_error)
	// on publishing jobs without changing state.
	RecordAttempt(ctx context.Context, jobIDs []string, retryCount int, lastError string) error

	// ListStuck returns jobs that have sat in `state` longer than olderThan,
	// for external reconciliation sweeps.
	ListStuck(ctx context.Context, state State, olderThan time.Duration) ([]*Job, error)

	Stats(ctx context.Context) (*Stats, error)

	UpsertAccount(ctx context.Context, a *Account) error
	Account(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)

	Credential(ctx context.Context, accountID string) (*Credential, error)
	PutCredential(ctx context.Context, c *Credential) error
	RecordCredentialError(ctx context.Context, accountID, msg string, at time.Time) error
	// ListExpiringCredentials returns credentials expiring within the window
	// (including already-expired ones).
	ListExpiringCredentials(ctx context.Context, within time.Duration) ([]*Credential, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
