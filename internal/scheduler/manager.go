package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
)

// Manager owns one scheduler per (user, network) pair. Pairs are fully
// independent: they share no mutable state besides the shared cache, which
// is keyed per pair, so their loops run concurrently.
type Manager struct {
	logger *slog.Logger

	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:     logger.With("component", "scheduler_manager"),
		schedulers: make(map[string]*Scheduler),
	}
}

func pairID(userID string, network model.Network) string {
	return userID + "/" + string(network)
}

// Add registers a scheduler for its pair. One scheduler per pair.
func (m *Manager) Add(s *Scheduler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := pairID(s.userID, s.network)
	if _, exists := m.schedulers[id]; exists {
		return fmt.Errorf("scheduler already registered for %s", id)
	}
	m.schedulers[id] = s
	return nil
}

// Get returns the scheduler for a pair, or nil.
func (m *Manager) Get(userID string, network model.Network) *Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedulers[pairID(userID, network)]
}

// Run starts every registered scheduler and blocks until ctx is cancelled.
// One pair losing authorization stops only that pair's loop; the rest keep
// polling.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	schedulers := make([]*Scheduler, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		schedulers = append(schedulers, s)
	}
	m.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		g.Go(func() error {
			if err := s.Run(gCtx); err != nil {
				m.logger.Warn("scheduler exited",
					"user", s.userID, "network", string(s.network), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll halts every scheduler without waiting for Run to return.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedulers {
		s.Stop()
	}
}
