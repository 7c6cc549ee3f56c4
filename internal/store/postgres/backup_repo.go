package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
)

// BackupRepo persists the last successfully observed snapshot per
// (user, network). One row per pair, overwritten on every authoritative
// fetch, so the engine has somewhere to fall back to across restarts.
type BackupRepo struct {
	db *DB
}

func NewBackupRepo(db *DB) *BackupRepo {
	return &BackupRepo{db: db}
}

// Get returns the stored snapshot, or (nil, nil) when the user has never
// had an authoritative observation.
func (r *BackupRepo) Get(ctx context.Context, userID string, network model.Network) (*model.BalanceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		address  string
		balances []byte
		captured sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT address, balances, captured_at
		FROM balance_backups
		WHERE user_id = $1 AND network = $2
	`, userID, network).Scan(&address, &balances, &captured)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance backup: %w", err)
	}

	table := make(map[string]string)
	if err := json.Unmarshal(balances, &table); err != nil {
		return nil, fmt.Errorf("decode balance backup: %w", err)
	}

	snap := &model.BalanceSnapshot{
		UserID:     userID,
		Network:    network,
		Address:    address,
		Balances:   table,
		Provenance: model.ProvenanceBackup,
	}
	if captured.Valid {
		snap.CapturedAt = captured.Time
	}
	return snap, nil
}

// Put upserts the snapshot for its (user, network) pair.
func (r *BackupRepo) Put(ctx context.Context, snapshot *model.BalanceSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	balances, err := json.Marshal(snapshot.Balances)
	if err != nil {
		return fmt.Errorf("encode balance backup: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO balance_backups (user_id, network, address, balances, captured_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, network) DO UPDATE SET
			address = EXCLUDED.address,
			balances = EXCLUDED.balances,
			captured_at = EXCLUDED.captured_at,
			updated_at = now()
	`, snapshot.UserID, snapshot.Network, snapshot.Address, balances, snapshot.CapturedAt)
	if err != nil {
		return fmt.Errorf("put balance backup: %w", err)
	}
	return nil
}
