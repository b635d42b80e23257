package taskbus

import (
	"context"

	"github.com/UniQw/taskbus/internal/hctx"
)

// SetProgress reports the progress, in [0,1], of the task the handler runs.
// Values are clamped and a progress lower than the last one is ignored.
// It is a no-op if the context was not provided by a Worker.
func SetProgress(ctx context.Context, p float64) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.SetProgress(p)
}

// TaskIDFromContext returns the id of the task the handler runs.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return "", false
	}
	return st.TaskID, true
}
