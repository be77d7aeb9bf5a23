package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/omochice/toy-relay-chat/internal/bridge"
)

const appendTimeout = 5 * time.Second

// Recorder appends every message published on the bridge to a store.
type Recorder struct {
	store       Store
	logger      *slog.Logger
	unsubscribe func()
}

// NewRecorder subscribes a recorder for store to b.
func NewRecorder(store Store, b *bridge.Bridge, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{store: store, logger: logger}
	r.unsubscribe = b.Subscribe(bridge.TopicPublishMessage, "history", r.record)
	return r
}

func (r *Recorder) record(ev bridge.Event) {
	if !ev.Message.HasContent() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := r.store.Append(ctx, Entry{Message: ev.Message, ReceivedAt: ev.ReceivedAt}); err != nil {
		r.logger.Warn("failed to record message",
			slog.String("protocol", ev.Protocol),
			slog.String("error", err.Error()))
	}
}

// Close stops recording. The store is left open.
func (r *Recorder) Close() {
	r.unsubscribe()
}
