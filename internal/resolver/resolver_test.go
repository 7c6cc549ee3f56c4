package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/retry"
)

type fakeFetcher struct {
	snapshot *model.BalanceSnapshot
	err      error
	calls    int
}

func (f *fakeFetcher) FetchBalances(_ context.Context, address string, network model.Network) (*model.BalanceSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snap := f.snapshot.Clone()
	snap.Address = address
	snap.Network = network
	return snap, nil
}

type fakeShared struct {
	snapshot *model.BalanceSnapshot
	getErr   error
	putErr   error
	gets     int
	puts     int
}

func (f *fakeShared) GetSnapshot(_ context.Context, _ string, _ model.Network) (*model.BalanceSnapshot, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.snapshot == nil {
		return nil, nil
	}
	snap := f.snapshot.Clone()
	snap.Provenance = model.ProvenanceSharedCache
	return snap, nil
}

func (f *fakeShared) PutSnapshot(_ context.Context, snapshot *model.BalanceSnapshot) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts++
	f.snapshot = snapshot.Clone()
	return nil
}

func (f *fakeShared) DeleteSnapshot(_ context.Context, _ string, _ model.Network) error {
	f.snapshot = nil
	return nil
}

type fakeBackup struct {
	snapshot *model.BalanceSnapshot
	getErr   error
	puts     int
}

func (f *fakeBackup) Get(_ context.Context, _ string, _ model.Network) (*model.BalanceSnapshot, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.snapshot == nil {
		return nil, nil
	}
	snap := f.snapshot.Clone()
	snap.Provenance = model.ProvenanceBackup
	return snap, nil
}

func (f *fakeBackup) Put(_ context.Context, snapshot *model.BalanceSnapshot) error {
	f.puts++
	f.snapshot = snapshot.Clone()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string) error { return nil })
}

func liveSnapshot(balances map[string]string) *model.BalanceSnapshot {
	return &model.BalanceSnapshot{
		Balances:   balances,
		CapturedAt: time.Now().UTC(),
		Provenance: model.ProvenanceLive,
	}
}

func newResolver(fetcher *fakeFetcher, shared *fakeShared, backup *fakeBackup, auth Authorizer) *Resolver {
	return New(fetcher, shared, backup, auth, Config{
		PlaceholderTokens: []string{"AZE", "cBRL"},
	}, testLogger())
}

func TestResolve_LiveTierWritesThrough(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: liveSnapshot(map[string]string{"AZE": "100"})}
	shared := &fakeShared{}
	backup := &fakeBackup{}
	r := newResolver(fetcher, shared, backup, allowAll())

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	assert.Equal(t, model.ProvenanceLive, snap.Provenance)
	assert.Equal(t, "user-1", snap.UserID)
	assert.Equal(t, "0xabc", snap.Address)
	assert.Equal(t, 1, shared.puts, "live result cached for other sessions")
	assert.Equal(t, 1, backup.puts, "live result persisted durably")
}

func TestResolve_SharedCacheAfterLiveFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: retry.Transient(errors.New("503"))}
	shared := &fakeShared{snapshot: liveSnapshot(map[string]string{"AZE": "75"})}
	r := newResolver(fetcher, shared, &fakeBackup{}, allowAll())

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	assert.Equal(t, model.ProvenanceSharedCache, snap.Provenance)
	assert.Equal(t, map[string]string{"AZE": "75"}, snap.Balances)
	assert.Equal(t, 1, fetcher.calls)
}

func TestResolve_SharedHitMirroredToLocal(t *testing.T) {
	fetcher := &fakeFetcher{err: retry.Transient(errors.New("503"))}
	shared := &fakeShared{snapshot: liveSnapshot(map[string]string{"AZE": "75"})}
	r := newResolver(fetcher, shared, &fakeBackup{}, allowAll())

	_, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	// Shared cache goes down too; the mirrored copy keeps serving.
	shared.getErr = errors.New("connection refused")
	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	assert.Equal(t, model.ProvenanceLocalCache, snap.Provenance)
	assert.Equal(t, map[string]string{"AZE": "75"}, snap.Balances)
}

func TestResolve_LocalHitFlaggedStaleBeyondFreshnessWindow(t *testing.T) {
	fetcher := &fakeFetcher{err: retry.Transient(errors.New("503"))}
	shared := &fakeShared{snapshot: liveSnapshot(map[string]string{"AZE": "75"})}
	r := New(fetcher, shared, &fakeBackup{}, allowAll(), Config{
		FreshnessWindow:   time.Nanosecond,
		PlaceholderTokens: []string{"AZE"},
	}, testLogger())

	_, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	shared.getErr = errors.New("connection refused")
	time.Sleep(time.Millisecond)

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)
	assert.Equal(t, model.ProvenanceLocalCache, snap.Provenance)
	assert.True(t, snap.Stale)
}

func TestResolve_BackupAfterCacheMisses(t *testing.T) {
	fetcher := &fakeFetcher{err: retry.Transient(errors.New("503"))}
	backup := &fakeBackup{snapshot: liveSnapshot(map[string]string{"AZE": "42"})}
	r := newResolver(fetcher, &fakeShared{}, backup, allowAll())

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	assert.Equal(t, model.ProvenanceBackup, snap.Provenance)
	assert.Equal(t, map[string]string{"AZE": "42"}, snap.Balances)
}

func TestResolve_EmergencyNeverEmpty(t *testing.T) {
	fetcher := &fakeFetcher{err: retry.Transient(errors.New("503"))}
	shared := &fakeShared{getErr: errors.New("connection refused")}
	backup := &fakeBackup{getErr: errors.New("connection refused")}
	r := newResolver(fetcher, shared, backup, allowAll())

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkTestnet)
	require.NoError(t, err)

	assert.Equal(t, model.ProvenanceEmergency, snap.Provenance)
	assert.False(t, snap.Empty())
	assert.Equal(t, map[string]string{"AZE": "0.000000", "cBRL": "0.000000"}, snap.Balances)
}

func TestResolve_EmptyLiveResultFallsThrough(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: liveSnapshot(map[string]string{})}
	shared := &fakeShared{snapshot: liveSnapshot(map[string]string{"AZE": "75"})}
	r := newResolver(fetcher, shared, &fakeBackup{}, allowAll())

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	assert.Equal(t, model.ProvenanceSharedCache, snap.Provenance, "empty live payload is not an answer")
}

func TestResolve_UnauthorizedBeforeAnyTier(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: liveSnapshot(map[string]string{"AZE": "100"})}
	shared := &fakeShared{}
	deny := AuthorizerFunc(func(context.Context, string) error {
		return fmt.Errorf("session check: %w", retry.ErrUnauthorized)
	})
	r := newResolver(fetcher, shared, &fakeBackup{}, deny)

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrUnauthorized)
	assert.Nil(t, snap)
	assert.Equal(t, 0, fetcher.calls, "no tier may be queried for an unauthorized caller")
	assert.Equal(t, 0, shared.gets)
}

func TestResolve_UnauthorizedFetchShortCircuitsChain(t *testing.T) {
	fetcher := &fakeFetcher{err: fmt.Errorf("explorer: %w", retry.ErrUnauthorized)}
	shared := &fakeShared{snapshot: liveSnapshot(map[string]string{"AZE": "75"})}
	r := newResolver(fetcher, shared, &fakeBackup{}, allowAll())

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrUnauthorized)
	assert.Nil(t, snap)
	assert.Equal(t, 0, shared.gets, "auth failure must not fall through to cached data")
}

func TestResolve_CancelledContext(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: liveSnapshot(map[string]string{"AZE": "100"})}
	r := newResolver(fetcher, &fakeShared{}, &fakeBackup{}, allowAll())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := r.Resolve(ctx, "user-1", "0xabc", model.NetworkMainnet)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, snap)
	assert.Equal(t, 0, fetcher.calls)
}

func TestResolve_SharedWriteFailureDoesNotFailLiveFetch(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: liveSnapshot(map[string]string{"AZE": "100"})}
	shared := &fakeShared{putErr: errors.New("connection refused")}
	backup := &fakeBackup{}
	r := newResolver(fetcher, shared, backup, allowAll())

	snap, err := r.Resolve(context.Background(), "user-1", "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	assert.Equal(t, model.ProvenanceLive, snap.Provenance)
	assert.Equal(t, 1, backup.puts, "remaining tiers still written")
}
