package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/search"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Reindexer retries semantic index writes for memories whose best-effort
// indexing failed or never ran. Only memories older than the grace period
// are picked up, so a Store call still in flight is left alone.
type Reindexer struct {
	store        *Store
	logger       *slog.Logger
	pollInterval time.Duration
	grace        time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context
}

// NewReindexer creates a reindexer over store. batchSize <= 0 uses a default.
func NewReindexer(store *Store, logger *slog.Logger, pollInterval, grace time.Duration, batchSize int) *Reindexer {
	if batchSize <= 0 {
		batchSize = defaultReindexBatchSize
	}
	return &Reindexer{
		store:        store,
		logger:       logger,
		pollInterval: pollInterval,
		grace:        grace,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Only the first call has an effect.
func (r *Reindexer) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("memory reindex: Start called more than once, ignoring")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.pollLoop(loopCtx)
}

// Drain stops the loop after one last pass and waits for it, bounded by ctx.
func (r *Reindexer) Drain(ctx context.Context) {
	if !r.started.Load() {
		return
	}
	select {
	case r.drainCh <- ctx:
	default:
	}
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("memory reindex: drain timed out")
	}
}

func (r *Reindexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-r.drainCh:
			default:
			}
			if drainCtx != nil {
				r.RunOnce(drainCtx)
			}
			r.once.Do(func() { close(r.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			r.RunOnce(batchCtx)
			cancel()
		}
	}
}

// RunOnce indexes one batch of pending memories and returns how many were
// indexed successfully.
func (r *Reindexer) RunOnce(ctx context.Context) int {
	s := r.store
	pending, err := s.repo.ListUnindexedMemories(ctx, s.now().Add(-r.grace), r.batchSize)
	if err != nil {
		r.logger.Error("memory reindex: list pending", "error", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	docs := make([]search.Document, 0, len(pending))
	for _, m := range pending {
		text := s.Decrypt(m)
		if m.Encrypted() && text == *m.ContentEncrypted {
			// Undecryptable with the current key; embedding ciphertext would poison search.
			r.logger.Warn("memory reindex: skipping undecryptable memory", "memory_id", m.ID)
			if err := s.repo.SetMemoryEmbeddingStatus(ctx, m.ID, model.EmbeddingSkipped); err != nil {
				r.logger.Warn("memory reindex: mark skipped", "memory_id", m.ID, "error", err)
			}
			continue
		}
		doc := search.Document{
			ID:       m.ID,
			Text:     text,
			Metadata: search.MetadataFor(m.ID, m.MemoryType, m.AgentType, m.ImportanceScore),
		}
		if !m.Encrypted() {
			doc.Payload = text
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return 0
	}

	if err := s.index.Add(ctx, docs); err != nil {
		r.logger.Warn("memory reindex: index batch failed", "count", len(docs), "error", err)
		return 0
	}

	indexed := 0
	for _, d := range docs {
		if err := s.repo.SetMemoryEmbeddingStatus(ctx, d.ID, model.EmbeddingIndexed); err != nil {
			r.logger.Warn("memory reindex: mark indexed", "memory_id", d.ID, "error", err)
			continue
		}
		indexed++
	}
	r.logger.Info("memory reindex: batch indexed", "count", indexed)
	return indexed
}

func (r *Reindexer) registerMetrics() {
	meter := telemetry.Meter("kensa/memory")

	_, _ = meter.Int64ObservableGauge("kensa.memory.unindexed",
		metric.WithDescription("Memories without a confirmed semantic index entry"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			counts, err := r.store.repo.CountMemoriesByEmbeddingStatus(ctx)
			if err != nil {
				return nil
			}
			o.Observe(counts[""] + counts[string(model.EmbeddingFailed)])
			return nil
		}),
	)
}
