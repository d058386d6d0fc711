package store

import (
	"errors"
	"fmt"
	"time"
)

// State is the Job lifecycle state.
//
// Legal edges:
//
//	pending    -> rendering
//	rendering  -> ready | failed
//	ready      -> publishing | failed
//	publishing -> published | failed
//
// published and failed are terminal. Transition() rejects every other edge.
type State string

const (
	StatePending    State = "pending"
	StateRendering  State = "rendering"
	StateReady      State = "ready"
	StatePublishing State = "publishing"
	StatePublished  State = "published"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool { return s == StatePublished || s == StateFailed }

var legalEdges = map[State][]State{
	StatePending:    {StateRendering},
	StateRendering:  {StateReady, StateFailed},
	StateReady:      {StatePublishing, StateFailed},
	StatePublishing: {StatePublished, StateFailed},
}

// CanTransition reports whether from->to is a legal state-machine edge.
func CanTransition(from, to State) bool {
	for _, t := range legalEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// PublishMode controls how an account's jobs are dispatched.
type PublishMode string

const (
	ModeInstant   PublishMode = "instant"
	ModeBatch     PublishMode = "batch"
	ModeScheduled PublishMode = "scheduled"
)

// Account is a configured publish destination.
//
// SchoolID is an opaque tenant scope; this subsystem never interprets it.
type Account struct {
	ID             string
	Platform       string
	PlatformUserID string
	Name           string
	SchoolID       string
	PublishMode    PublishMode
	BatchThreshold int
	// MinInterval is the minimum spacing between successive publish
	// submissions for this account. Zero means the dispatcher default.
	MinInterval time.Duration
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential is the token material for one account (1:1).
type Credential struct {
	AccountID     string
	AccessToken   string
	ExpiresAt     time.Time
	LastRefreshAt time.Time
	LastError     string
	LastErrorAt   time.Time
}

func (c *Credential) Expired(now time.Time) bool {
	return c == nil || c.AccessToken == "" || !c.ExpiresAt.After(now)
}

// Job is one content-to-account publish attempt.
type Job struct {
	ID         string
	AccountID  string
	ContentID  string
	TemplateID string
	State      State

	GroupID       string // carousel group; empty when ungrouped
	CarouselPos   int
	CarouselTotal int

	ScheduledAt *time.Time

	ArtifactRef string
	Caption     string
	Hashtags    string

	RetryCount int
	MaxRetries int
	LastError  string

	MediaRef  string
	Permalink string

	CreatedAt      time.Time
	UpdatedAt      time.Time
	StateChangedAt time.Time
}

// DefaultMaxRetries is applied at enqueue when a JobSpec carries no
// per-job budget, so retry_count <= max_retries holds on every row.
const DefaultMaxRetries = 3

// JobSpec is the admission-time description of a Job.
type JobSpec struct {
	AccountID   string
	ContentID   string
	TemplateID  string
	ScheduledAt *time.Time
	MaxRetries  int
}

// Patch carries the optional field updates applied alongside a transition.
// Nil fields are left untouched.
type Patch struct {
	ArtifactRef *string
	Caption     *string
	Hashtags    *string
	LastError   *string
	RetryCount  *int
	MediaRef    *string
	Permalink   *string
}

func StrPtr(s string) *string { return &s }
func IntPtr(i int) *int       { return &i }

// AccountStats is the per-account slice of the queue snapshot.
type AccountStats struct {
	AccountID  string `json:"account_id"`
	ReadyCount int    `json:"ready_count"`
	BatchReady bool   `json:"batch_ready"`
}

// Stats is the queue statistics snapshot.
type Stats struct {
	Pending    int            `json:"pending"`
	Rendering  int            `json:"rendering"`
	Ready      int            `json:"ready"`
	Publishing int            `json:"publishing"`
	Published  int            `json:"published"`
	Failed     int            `json:"failed"`
	PerAccount []AccountStats `json:"per_account"`
}

// ---- Errors ----

var (
	ErrNotFound = errors.New("not found")
)

// DuplicateJobError reports an admission attempt while a non-terminal Job
// already exists for the same (account, content) pair. It carries the
// existing job id so admission stays idempotent.
type DuplicateJobError struct {
	JobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job: non-terminal job %s exists", e.JobID)
}

// IsDuplicateJob reports whether err is a DuplicateJobError and returns the
// surviving job id.
func IsDuplicateJob(err error) (string, bool) {
	var d *DuplicateJobError
	if errors.As(err, &d) {
		return d.JobID, true
	}
	return "", false
}

// StateConflictError reports a lost Transition race: the job's current state
// was not in the caller's from-set. Callers must re-read, not treat this as
// a job failure.
type StateConflictError struct {
	JobID   string
	Current State
	Want    State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: job %s is %s, wanted -> %s", e.JobID, e.Current, e.Want)
}

func IsStateConflict(err error) bool {
	var c *StateConflictError
	return errors.As(err, &c)
}

// IllegalTransitionError reports a transition request that is not a legal
// state-machine edge regardless of the job's current state.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
