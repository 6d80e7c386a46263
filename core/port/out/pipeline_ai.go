package out

import (
	"context"

	"pipeline_server/core/domain"
)

// Classification is the raw AI answer before the engine stamps versioning
// and degradation markers onto it.
type Classification struct {
	Label      domain.Label `json:"label"`
	Confidence float64      `json:"confidence"`
	DraftText  string       `json:"draft_text,omitempty"`
}

// AIClient is the swappable AI capability collaborator. Callers supply the
// timeout through ctx; implementations must honor cancellation.
type AIClient interface {
	ClassifyAndDraft(ctx context.Context, msg *domain.CanonicalMessage, wantDraft bool) (*Classification, error)
}
