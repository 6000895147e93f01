package reputation

import (
	"context"
	"log/slog"
	"time"
)

// Worker periodically rebuilds snapshots for every known agent.
type Worker struct {
	builder  *Builder
	provider MetricsProvider
	store    SnapshotStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a snapshot rebuild worker.
// interval is typically 1 hour in production, a few seconds in demo mode.
func NewWorker(builder *Builder, provider MetricsProvider, store SnapshotStore, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		builder:  builder,
		provider: provider,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the rebuild loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.rebuild(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.rebuild(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) rebuild(ctx context.Context) {
	agents, err := w.provider.ListAgents(ctx)
	if err != nil {
		w.logger.Warn("snapshot rebuild failed to list agents", "error", err)
		return
	}
	if len(agents) == 0 {
		return
	}

	saved := 0
	for _, id := range agents {
		snap, err := w.builder.Build(ctx, id)
		if err != nil {
			w.logger.Warn("snapshot build failed", "agent", id, "error", err)
			continue
		}
		if err := w.store.Save(ctx, snap); err != nil {
			w.logger.Warn("snapshot save failed", "agent", id, "error", err)
			continue
		}
		saved++
	}

	w.logger.Info("reputation snapshots rebuilt", "agents", saved)
}
