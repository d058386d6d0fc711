// Package publisher implements the external publish wire protocol.
//
// Each platform variant satisfies PlatformPublisher and is looked up through
// a Registry built once at process start, keyed by the account's platform
// string.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gramq/internal/store"
)

// Protocol constants. The carousel cap is an external-API limit, not
// grouping policy; grouping clamps to it at formation time.
const (
	MinCarouselItems = 2
	MaxCarouselItems = 10
)

// Result is the external outcome of a successful publish.
type Result struct {
	MediaRef  string
	Permalink string
}

// Item is one carousel child, already ordered by position.
type Item struct {
	ArtifactRef string
	Position    int
}

// PlatformPublisher is the capability interface for one platform's publish
// protocol. Implementations must be safe for concurrent use; the dispatcher
// calls them from multiple workers.
type PlatformPublisher interface {
	// PublishSingle runs the full single-image flow: create media, wait for
	// processing, publish, resolve permalink (best-effort).
	PublishSingle(ctx context.Context, account *store.Account, token, artifactRef, caption string) (*Result, error)

	// PublishCarousel publishes 2..MaxCarouselItems items as one post.
	// Item order is preserved inside the single parent container.
	PublishCarousel(ctx context.Context, account *store.Account, token string, items []Item, caption string) (*Result, error)
}

// ---- Errors ----

// Subcode is the machine-readable failure class of a PublishError.
type Subcode string

const (
	SubUploadRejected         Subcode = "upload_rejected"
	SubMediaProcessingError   Subcode = "media_processing_error"
	SubMediaProcessingTimeout Subcode = "media_processing_timeout"
	SubPublishRejected        Subcode = "publish_rejected"
)

// PublishError is any hard failure of the publish protocol. It is never
// swallowed; the dispatcher converts it into a Job-state update.
type PublishError struct {
	Code Subcode
	Msg  string
	Err  error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("publish failed (%s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("publish failed (%s): %s", e.Code, e.Msg)
}

func (e *PublishError) Unwrap() error { return e.Err }

// AsPublishError unwraps err into a *PublishError if possible.
func AsPublishError(err error) (*PublishError, bool) {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ---- Registry ----

// Registry resolves a platform string to its publisher. It is populated once
// during startup and read-only afterwards.
type Registry struct {
	byPlatform map[string]PlatformPublisher
}

func NewRegistry() *Registry {
	return &Registry{byPlatform: map[string]PlatformPublisher{}}
}

func (r *Registry) Register(platform string, p PlatformPublisher) {
	key := strings.ToLower(strings.TrimSpace(platform))
	if key == "" || p == nil {
		return
	}
	r.byPlatform[key] = p
}

func (r *Registry) Resolve(platform string) (PlatformPublisher, error) {
	p, ok := r.byPlatform[strings.ToLower(strings.TrimSpace(platform))]
	if !ok {
		return nil, fmt.Errorf("no publisher registered for platform %q", platform)
	}
	return p, nil
}

func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.byPlatform))
	for k := range r.byPlatform {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
