// Package reconcile keeps the shared cache eventually consistent with the
// locally resolved snapshot, writing back only when the two actually
// diverge so TTLs are not refreshed for free.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/metrics"
	"github.com/juan-silveira/coinage-sub004/internal/store"
)

// defaultTolerance is the per-token value tolerance. This is a staleness
// comparison, not a business-significance one, so it is far tighter than
// the detector's percentage threshold.
var defaultTolerance = decimal.New(1, -6) // 1e-6

// DefaultMaxSkew is the capturedAt divergence that flags the cache as out
// of sync regardless of value diffs.
const DefaultMaxSkew = 5 * time.Minute

// FieldDiff describes one token whose cached and observed values diverged.
// A missing side is reported as an empty string.
type FieldDiff struct {
	Token    string `json:"token"`
	Cached   string `json:"cached"`
	Observed string `json:"observed"`
}

// Result reports what a reconcile pass did. Synced means a cache write was
// performed this pass.
type Result struct {
	Synced    bool        `json:"synced"`
	OutOfSync bool        `json:"out_of_sync"`
	Changes   []FieldDiff `json:"changes,omitempty"`
}

// Reconciler compares resolved snapshots against the shared cache entry and
// writes back on divergence. Cache I/O failures are absorbed: reconciliation
// must never block or fail a sync cycle.
type Reconciler struct {
	cache     store.SnapshotCache
	tolerance decimal.Decimal
	maxSkew   time.Duration
	logger    *slog.Logger
}

func New(cache store.SnapshotCache, maxSkew time.Duration, logger *slog.Logger) *Reconciler {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Reconciler{
		cache:     cache,
		tolerance: defaultTolerance,
		maxSkew:   maxSkew,
		logger:    logger.With("component", "reconciler"),
	}
}

// Reconcile syncs local into the shared cache for its (user, network) pair.
func (r *Reconciler) Reconcile(ctx context.Context, local *model.BalanceSnapshot) Result {
	network := string(local.Network)

	cached, err := r.cache.GetSnapshot(ctx, local.UserID, local.Network)
	if err != nil {
		r.logger.Warn("shared cache read failed, skipping reconcile",
			"user", local.UserID, "error", err)
		metrics.ReconcileErrors.WithLabelValues(network).Inc()
		return Result{}
	}

	if cached == nil {
		return r.writeBack(ctx, local, Result{Synced: true})
	}

	changes := diffTables(cached.Balances, local.Balances, r.tolerance)
	outOfSync := absDuration(local.CapturedAt.Sub(cached.CapturedAt)) > r.maxSkew

	if len(changes) == 0 && !outOfSync {
		metrics.ReconcileSuppressed.WithLabelValues(network).Inc()
		return Result{}
	}

	return r.writeBack(ctx, local, Result{Synced: true, OutOfSync: outOfSync, Changes: changes})
}

func (r *Reconciler) writeBack(ctx context.Context, local *model.BalanceSnapshot, res Result) Result {
	if err := r.cache.PutSnapshot(ctx, local); err != nil {
		r.logger.Warn("shared cache write failed",
			"user", local.UserID, "error", err)
		metrics.ReconcileErrors.WithLabelValues(string(local.Network)).Inc()
		res.Synced = false
		return res
	}
	metrics.ReconcileWrites.WithLabelValues(string(local.Network)).Inc()
	return res
}

// diffTables returns the tokens whose values differ beyond tolerance,
// including tokens present on only one side. Values that fail to parse are
// compared as raw strings.
func diffTables(cached, observed map[string]string, tolerance decimal.Decimal) []FieldDiff {
	var diffs []FieldDiff
	for _, token := range unionTokens(cached, observed) {
		cv, cok := cached[token]
		ov, ook := observed[token]
		switch {
		case !cok || !ook:
			diffs = append(diffs, FieldDiff{Token: token, Cached: cv, Observed: ov})
		case cv == ov:
			// Identical strings need no arithmetic.
		default:
			cd, cerr := decimal.NewFromString(cv)
			od, oerr := decimal.NewFromString(ov)
			if cerr != nil || oerr != nil {
				diffs = append(diffs, FieldDiff{Token: token, Cached: cv, Observed: ov})
				continue
			}
			if od.Sub(cd).Abs().GreaterThan(tolerance) {
				diffs = append(diffs, FieldDiff{Token: token, Cached: cv, Observed: ov})
			}
		}
	}
	return diffs
}

func unionTokens(a, b map[string]string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for token := range a {
		set[token] = struct{}{}
	}
	for token := range b {
		set[token] = struct{}{}
	}
	tokens := make([]string, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
