package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/observability"
)

// Run status tags stored in checkpoints.
const (
	StatusResearching = "researching"
	StatusSynthesis   = "synthesis"
	StatusDone        = "done"
	StatusFailed      = "failed"
)

// Manager is the sole writer of checkpoints. Orchestrators hand it a
// snapshot after every completed topic; serializing the writes here is
// what keeps concurrent area runners from interleaving partial states.
type Manager struct {
	mu      sync.Mutex
	store   domain.CheckpointStore
	logger  *observability.StructuredLogger
	metrics *observability.Metrics
}

// NewManager creates a checkpoint manager on top of a store.
func NewManager(store domain.CheckpointStore, logger *observability.StructuredLogger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewStructuredLogger("checkpoint")
	}
	return &Manager{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Write persists a snapshot. The update stamp is set here so callers
// cannot write stale clocks.
func (m *Manager) Write(ctx context.Context, cp *domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, cp.SessionID, cp); err != nil {
		m.logger.Error(ctx, "checkpoint write failed", err, observability.Fields{
			"session_id": cp.SessionID,
		})
		return fmt.Errorf("checkpoint write: %w", err)
	}

	if m.metrics != nil {
		m.metrics.RecordCheckpointWrite(ctx)
	}
	m.logger.Debug(ctx, "checkpoint written", observability.Fields{
		"session_id": cp.SessionID,
		"status":     cp.Status,
		"completed":  cp.CompletedCount(),
		"remaining":  cp.RemainingCount(),
	})
	return nil
}

// Load returns the checkpoint for a session.
func (m *Manager) Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	return m.store.Load(ctx, sessionID)
}

// List returns summaries of all stored checkpoints.
func (m *Manager) List(ctx context.Context) ([]domain.CheckpointSummary, error) {
	return m.store.List(ctx)
}
