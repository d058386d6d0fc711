package render

import (
	"context"
	"strings"

	"gramq/internal/store"
)

// Passthrough treats the content reference as an already-rendered artifact.
// Useful when an upstream content service delivers finished media and the
// pipeline only needs the state machine, not an actual render step.
type Passthrough struct{}

func (Passthrough) Render(_ context.Context, contentID, _ string, _ *store.Account) (*Result, error) {
	if strings.TrimSpace(contentID) == "" {
		return nil, &RenderError{Msg: "empty content reference"}
	}
	return &Result{ArtifactRef: contentID}, nil
}
