// Package store defines the persistence interfaces consumed by the engine.
// Implementations live in the redis and postgres subpackages; tests use
// in-memory fakes.
package store

import (
	"context"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
)

// SnapshotCache is the shared cache tier: a TTL'd key-value store holding
// the last-known snapshot per (user, network), visible to every session of
// a user. Absence is reported as (nil, nil), not an error.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, userID string, network model.Network) (*model.BalanceSnapshot, error)
	PutSnapshot(ctx context.Context, snapshot *model.BalanceSnapshot) error
	DeleteSnapshot(ctx context.Context, userID string, network model.Network) error
}

// BackupRepository is the durable last-known-good store, surviving process
// restarts. Absence is reported as (nil, nil), not an error.
type BackupRepository interface {
	Get(ctx context.Context, userID string, network model.Network) (*model.BalanceSnapshot, error)
	Put(ctx context.Context, snapshot *model.BalanceSnapshot) error
}
