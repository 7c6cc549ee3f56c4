// Package scheduler drives the resolve -> detect -> notify -> reconcile
// cycle for one (user, network) pair on a cadence set by the subscription
// tier. At most one cycle is ever in flight per pair.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/metrics"
	"github.com/juan-silveira/coinage-sub004/internal/notify"
	"github.com/juan-silveira/coinage-sub004/internal/reconcile"
	"github.com/juan-silveira/coinage-sub004/internal/resolver"
	"github.com/juan-silveira/coinage-sub004/internal/retry"
	"github.com/juan-silveira/coinage-sub004/internal/tracing"
)

// ErrAlreadyRunning is returned by Start/Run on a scheduler that is
// already in the Running state.
var ErrAlreadyRunning = errors.New("scheduler already running")

// State of one scheduler.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BalanceResolver, ChangeDetector, Deduplicator and CacheReconciler are the
// collaborators of one cycle, narrowed for testability.
type BalanceResolver interface {
	Resolve(ctx context.Context, userID, address string, network model.Network) (*model.BalanceSnapshot, error)
}

type ChangeDetector interface {
	Detect(next, baseline *model.BalanceSnapshot) []model.ChangeEvent
	Observe(snapshot *model.BalanceSnapshot)
}

type Deduplicator interface {
	ShouldEmit(event model.ChangeEvent) bool
	MarkEmitted(event model.ChangeEvent)
}

type CacheReconciler interface {
	Reconcile(ctx context.Context, local *model.BalanceSnapshot) reconcile.Result
}

// PolicyTable maps a subscription tier to its polling cadence.
type PolicyTable interface {
	TickInterval(tier string) time.Duration
}

// Scheduler owns the sync loop for one (user, network) pair.
type Scheduler struct {
	userID  string
	address string
	network model.Network
	tier    string

	resolver   BalanceResolver
	detector   ChangeDetector
	dedup      Deduplicator
	emitter    notify.Emitter
	reconciler CacheReconciler
	auth       resolver.Authorizer
	policy     PolicyTable
	logger     *slog.Logger
	nowFn      func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	busy atomic.Bool

	snapMu   sync.RWMutex
	baseline *model.BalanceSnapshot
	latest   *model.BalanceSnapshot
}

func New(
	userID, address string,
	network model.Network,
	tier string,
	res BalanceResolver,
	det ChangeDetector,
	ded Deduplicator,
	emitter notify.Emitter,
	rec CacheReconciler,
	auth resolver.Authorizer,
	policy PolicyTable,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		userID:     userID,
		address:    address,
		network:    network,
		tier:       tier,
		resolver:   res,
		detector:   det,
		dedup:      ded,
		emitter:    emitter,
		reconciler: rec,
		auth:       auth,
		policy:     policy,
		logger: logger.With("component", "scheduler",
			"user", userID, "network", string(network)),
		nowFn: time.Now,
	}
}

// Run transitions to Running, executes one cycle immediately and then ticks
// until ctx is cancelled, Stop is called, or authorization is lost. It
// blocks for the scheduler's lifetime and returns retry.ErrUnauthorized
// (wrapped) when polling stopped because the identity became invalid.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer s.markStopped()

	if err := s.guardedCycle(runCtx); err != nil && retry.Classify(err).IsUnauthorized() {
		return err
	}

	return s.loop(runCtx)
}

// Start is the non-blocking variant: it performs the transition, the auth
// check and the first cycle synchronously, then ticks in the background
// until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	if err := s.guardedCycle(runCtx); err != nil && retry.Classify(err).IsUnauthorized() {
		s.markStopped()
		return err
	}

	go func() {
		_ = s.loop(runCtx)
		s.markStopped()
	}()
	return nil
}

// Stop cancels any in-flight cycle and halts the loop. Partial cycle state
// is discarded. The scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateStopped
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Latest returns the most recently resolved snapshot of any provenance,
// for display with degraded-data indicators.
func (s *Scheduler) Latest() *model.BalanceSnapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.latest
}

// begin performs the Idle/Stopped -> Running transition and the initial
// authorization check.
func (s *Scheduler) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	if err := s.auth.Authorized(runCtx, s.userID); err != nil {
		s.markStopped()
		return nil, fmt.Errorf("start scheduler: %w", err)
	}
	return runCtx, nil
}

func (s *Scheduler) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateStopped
}

// loop ticks at the tier cadence. A tick arriving while a cycle is still
// in flight is skipped, never queued: cycles for one pair are strictly
// sequential.
func (s *Scheduler) loop(ctx context.Context) error {
	interval := s.policy.TickInterval(s.tier)
	s.logger.Info("scheduler running", "tier", s.tier, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if !s.busy.CompareAndSwap(false, true) {
				metrics.SchedulerTicksSkipped.WithLabelValues(string(s.network)).Inc()
				s.logger.Debug("tick skipped, cycle still in flight")
				continue
			}
			go func() {
				defer s.busy.Store(false)
				if err := s.runCycle(ctx); err != nil {
					if retry.Classify(err).IsUnauthorized() {
						s.logger.Warn("authorization lost, stopping scheduler", "error", err)
						s.Stop()
						return
					}
					if !errors.Is(err, context.Canceled) {
						s.logger.Warn("sync cycle failed", "error", err)
					}
				}
			}()
		}
	}
}

// guardedCycle runs one cycle under the busy flag, for the synchronous
// first cycle.
func (s *Scheduler) guardedCycle(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return nil
	}
	defer s.busy.Store(false)
	return s.runCycle(ctx)
}

// runCycle executes resolve -> detect -> dedupe/emit -> reconcile once.
func (s *Scheduler) runCycle(ctx context.Context) error {
	start := s.nowFn()
	network := string(s.network)
	metrics.SchedulerCyclesTotal.WithLabelValues(network).Inc()

	ctx, span := tracing.Start(ctx, "sync.cycle")
	defer span.End()

	if err := s.auth.Authorized(ctx, s.userID); err != nil {
		metrics.SchedulerCycleErrors.WithLabelValues(network).Inc()
		return fmt.Errorf("sync cycle: %w", err)
	}

	snapshot, err := s.resolver.Resolve(ctx, s.userID, s.address, s.network)
	if err != nil {
		metrics.SchedulerCycleErrors.WithLabelValues(network).Inc()
		return fmt.Errorf("sync cycle: %w", err)
	}
	span.SetAttributes(
		attribute.String("provenance", string(snapshot.Provenance)),
		attribute.Int("tokens", len(snapshot.Balances)),
	)

	s.setLatest(snapshot)

	if snapshot.Authoritative() {
		events := s.detector.Detect(snapshot, s.getBaseline())
		span.SetAttributes(attribute.Int("events", len(events)))
		s.emitEvents(ctx, events)

		if res := s.reconciler.Reconcile(ctx, snapshot); res.Synced {
			s.logger.Debug("shared cache written back",
				"out_of_sync", res.OutOfSync, "changed_fields", len(res.Changes))
		}

		// Adopt the snapshot as baseline only after detection, and feed the
		// seen-token registry so reappearances stop counting as new.
		s.setBaseline(snapshot)
		s.detector.Observe(snapshot)
	} else {
		s.logger.Info("degraded snapshot served",
			"provenance", snapshot.Provenance, "stale", snapshot.Stale)
	}

	metrics.SchedulerCycleLatency.WithLabelValues(network).Observe(s.nowFn().Sub(start).Seconds())
	return nil
}

// emitEvents pushes surviving events through dedup and delivery. MarkEmitted
// only runs after a successful delivery, so a failed send is retried by the
// next cycle instead of being swallowed.
func (s *Scheduler) emitEvents(ctx context.Context, events []model.ChangeEvent) {
	for _, event := range events {
		if !s.dedup.ShouldEmit(event) {
			metrics.NotificationsSuppressed.WithLabelValues(string(s.network)).Inc()
			continue
		}
		n := notify.FromEvent(s.userID, s.network, event)
		if err := s.emitter.Emit(ctx, n); err != nil {
			s.logger.Warn("notification delivery failed",
				"token", event.Token, "type", event.Type, "error", err)
			continue
		}
		s.dedup.MarkEmitted(event)
	}
}

func (s *Scheduler) getBaseline() *model.BalanceSnapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.baseline
}

func (s *Scheduler) setBaseline(snapshot *model.BalanceSnapshot) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.baseline = snapshot
}

func (s *Scheduler) setLatest(snapshot *model.BalanceSnapshot) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.latest = snapshot
}
