// Package resolver produces "the current balance snapshot" through a
// layered fallback chain: live source, shared cache, local cache, durable
// backup, emergency defaults. The chain never returns empty-handed and the
// only error it ever propagates is an authorization failure.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juan-silveira/coinage-sub004/internal/cache"
	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/metrics"
	"github.com/juan-silveira/coinage-sub004/internal/retry"
	"github.com/juan-silveira/coinage-sub004/internal/store"
)

// SourceFetcher is the opaque live-balance capability, implemented by the
// explorer client.
type SourceFetcher interface {
	FetchBalances(ctx context.Context, address string, network model.Network) (*model.BalanceSnapshot, error)
}

// Authorizer vets the caller before any tier is queried.
type Authorizer interface {
	// Authorized returns nil, or an error wrapping retry.ErrUnauthorized.
	Authorized(ctx context.Context, userID string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, userID string) error

func (f AuthorizerFunc) Authorized(ctx context.Context, userID string) error {
	return f(ctx, userID)
}

const (
	defaultFetchTimeout = 30 * time.Second
	defaultTierTimeout  = 5 * time.Second
	// writeThroughTimeout bounds the post-fetch persistence fan-out. These
	// writes run on a detached context: once live data is in hand, caching
	// it may finish even if the cycle is being cancelled (no torn writes),
	// but it must not run unbounded either.
	writeThroughTimeout = 10 * time.Second

	localCacheCapacity = 1024
	localCacheTTL      = 24 * time.Hour
)

type pairKey struct {
	userID  string
	network model.Network
}

type Config struct {
	// FetchTimeout bounds the live tier; TierTimeout bounds each fallback
	// tier individually so no outage can stall a cycle.
	FetchTimeout time.Duration
	TierTimeout  time.Duration
	// FreshnessWindow is the local-cache age beyond which hits are flagged
	// stale.
	FreshnessWindow time.Duration
	// PlaceholderTokens populate the emergency snapshot.
	PlaceholderTokens []string
}

// Resolver walks the tier chain in strict order, short-circuiting on the
// first non-empty snapshot.
type Resolver struct {
	fetcher   SourceFetcher
	shared    store.SnapshotCache
	backup    store.BackupRepository
	local     *cache.LRU[pairKey, *model.BalanceSnapshot]
	auth      Authorizer
	cfg       Config
	logger    *slog.Logger
	nowFn     func() time.Time
	detachCtx func(context.Context) context.Context
}

func New(
	fetcher SourceFetcher,
	shared store.SnapshotCache,
	backup store.BackupRepository,
	auth Authorizer,
	cfg Config,
	logger *slog.Logger,
) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = defaultTierTimeout
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 10 * time.Minute
	}
	if len(cfg.PlaceholderTokens) == 0 {
		cfg.PlaceholderTokens = []string{"AZE", "cBRL"}
	}
	return &Resolver{
		fetcher:   fetcher,
		shared:    shared,
		backup:    backup,
		local:     cache.NewLRU[pairKey, *model.BalanceSnapshot](localCacheCapacity, localCacheTTL),
		auth:      auth,
		cfg:       cfg,
		logger:    logger.With("component", "resolver"),
		nowFn:     time.Now,
		detachCtx: context.WithoutCancel,
	}
}

type tier struct {
	name string
	run  func(ctx context.Context, userID, address string, network model.Network) (*model.BalanceSnapshot, error)
}

// Resolve returns the best available snapshot for the pair. The returned
// snapshot is never nil and never empty; its Provenance records which tier
// served it. The only error conditions are an unauthorized caller and a
// cancelled context — every other failure falls through the chain.
func (r *Resolver) Resolve(ctx context.Context, userID, address string, network model.Network) (*model.BalanceSnapshot, error) {
	if err := r.auth.Authorized(ctx, userID); err != nil {
		return nil, fmt.Errorf("resolve balances for %s: %w", userID, err)
	}

	tiers := []tier{
		{"live", r.liveTier},
		{"shared_cache", r.sharedTier},
		{"local_cache", r.localTier},
		{"backup", r.backupTier},
	}

	for _, t := range tiers {
		// Cancellation stops the chain before any further tier I/O; the
		// caller discards the cycle.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, err := t.run(ctx, userID, address, network)
		if err != nil {
			if retry.Classify(err).IsUnauthorized() {
				return nil, fmt.Errorf("resolve balances for %s: %w", userID, err)
			}
			r.logger.Warn("balance tier failed, falling through",
				"tier", t.name, "user", userID, "network", network, "error", err)
			metrics.ResolverTierFailures.WithLabelValues(string(network), t.name).Inc()
			continue
		}
		if snap.Empty() {
			metrics.ResolverTierFailures.WithLabelValues(string(network), t.name).Inc()
			continue
		}

		metrics.ResolverTierHits.WithLabelValues(string(network), string(snap.Provenance)).Inc()
		return snap, nil
	}

	snap := r.emergencySnapshot(userID, address, network)
	metrics.ResolverTierHits.WithLabelValues(string(network), string(snap.Provenance)).Inc()
	return snap, nil
}

// liveTier queries the authoritative source and, on success, persists the
// result to every lower tier before returning it.
func (r *Resolver) liveTier(ctx context.Context, userID, address string, network model.Network) (*model.BalanceSnapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	snap, err := r.fetcher.FetchBalances(fetchCtx, address, network)
	if err != nil {
		return nil, err
	}
	snap.UserID = userID
	snap.Provenance = model.ProvenanceLive

	if !snap.Empty() {
		r.writeThrough(ctx, snap)
	}
	return snap, nil
}

// writeThrough persists an authoritative snapshot to the shared cache,
// local cache and durable backup. Failures are logged and absorbed; a
// lower tier being down must not invalidate a successful live fetch.
func (r *Resolver) writeThrough(ctx context.Context, snap *model.BalanceSnapshot) {
	writeCtx, cancel := context.WithTimeout(r.detachCtx(ctx), writeThroughTimeout)
	defer cancel()

	if err := r.shared.PutSnapshot(writeCtx, snap); err != nil {
		r.logger.Warn("shared cache write-through failed", "user", snap.UserID, "error", err)
	}
	r.local.Put(pairKey{snap.UserID, snap.Network}, snap.Clone())
	if err := r.backup.Put(writeCtx, snap); err != nil {
		r.logger.Warn("backup write-through failed", "user", snap.UserID, "error", err)
	}
}

func (r *Resolver) sharedTier(ctx context.Context, userID, _ string, network model.Network) (*model.BalanceSnapshot, error) {
	tierCtx, cancel := context.WithTimeout(ctx, r.cfg.TierTimeout)
	defer cancel()

	snap, err := r.shared.GetSnapshot(tierCtx, userID, network)
	if err != nil || snap == nil {
		return nil, err
	}
	if !snap.Empty() {
		// Mirror into the local tier so the next outage can survive a
		// shared-cache miss too.
		r.local.Put(pairKey{userID, network}, snap.Clone())
	}
	return snap, nil
}

func (r *Resolver) localTier(_ context.Context, userID, _ string, network model.Network) (*model.BalanceSnapshot, error) {
	snap, age, ok := r.local.GetWithAge(pairKey{userID, network})
	if !ok {
		return nil, nil
	}
	cp := snap.Clone()
	cp.Provenance = model.ProvenanceLocalCache
	cp.Stale = age > r.cfg.FreshnessWindow
	return cp, nil
}

func (r *Resolver) backupTier(ctx context.Context, userID, _ string, network model.Network) (*model.BalanceSnapshot, error) {
	tierCtx, cancel := context.WithTimeout(ctx, r.cfg.TierTimeout)
	defer cancel()
	return r.backup.Get(tierCtx, userID, network)
}

// emergencySnapshot guarantees a non-empty result when every real tier is
// empty or failing. Placeholder zero values only: enough for the UI to
// render a degraded state without crashing.
func (r *Resolver) emergencySnapshot(userID, address string, network model.Network) *model.BalanceSnapshot {
	balances := make(map[string]string, len(r.cfg.PlaceholderTokens))
	for _, token := range r.cfg.PlaceholderTokens {
		balances[token] = "0.000000"
	}
	return &model.BalanceSnapshot{
		UserID:     userID,
		Network:    network,
		Address:    address,
		Balances:   balances,
		CapturedAt: r.nowFn().UTC(),
		Provenance: model.ProvenanceEmergency,
	}
}
