package worker

import (
	"context"

	"pipeline_server/pkg/logger"

	"github.com/goccy/go-json"
)

type Handler struct {
	syncProcessor *SyncProcessor
}

func NewHandler(syncProcessor *SyncProcessor) *Handler {
	return &Handler{syncProcessor: syncProcessor}
}

// Bind attaches the processor after construction. The pool, scheduler, and
// processor reference each other in a cycle, so the handler is created empty
// and bound before the pool starts.
func (h *Handler) Bind(syncProcessor *SyncProcessor) {
	h.syncProcessor = syncProcessor
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobAccountSync:
		return h.syncProcessor.ProcessAccountSync(ctx, msg)
	case JobAccountResync:
		return h.syncProcessor.ProcessAccountResync(ctx, msg)
	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
