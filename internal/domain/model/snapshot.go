package model

import (
	"sort"
	"time"
)

// Network identifies which chain environment a snapshot was observed on.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// Valid reports whether the network is one of the known environments.
func (n Network) Valid() bool {
	return n == NetworkMainnet || n == NetworkTestnet
}

// Provenance records which tier of the fallback chain produced a snapshot.
// Only ProvenanceLive snapshots are authoritative: they are the only ones
// allowed to update the change-detection baseline or the shared cache.
type Provenance string

const (
	ProvenanceLive        Provenance = "live"
	ProvenanceSharedCache Provenance = "shared_cache"
	ProvenanceLocalCache  Provenance = "local_cache"
	ProvenanceBackup      Provenance = "backup"
	ProvenanceEmergency   Provenance = "emergency"
)

// BalanceSnapshot is one observation of a user's multi-token balances.
// Balances maps token symbol to a non-negative decimal string. A missing
// key means "unknown", not "zero".
type BalanceSnapshot struct {
	UserID     string            `json:"user_id"`
	Network    Network           `json:"network"`
	Address    string            `json:"address"`
	Balances   map[string]string `json:"balances"`
	CapturedAt time.Time         `json:"captured_at"`
	Provenance Provenance        `json:"provenance"`

	// Stale is set when the snapshot came from the local cache and its age
	// exceeded the configured freshness window. Display-only hint.
	Stale bool `json:"stale,omitempty"`
}

// Authoritative reports whether the snapshot came from the live source.
func (s *BalanceSnapshot) Authoritative() bool {
	return s != nil && s.Provenance == ProvenanceLive
}

// Empty reports whether the snapshot carries no balance data at all.
func (s *BalanceSnapshot) Empty() bool {
	return s == nil || len(s.Balances) == 0
}

// Tokens returns the token symbols of the balance table in sorted order,
// giving every consumer a deterministic iteration order.
func (s *BalanceSnapshot) Tokens() []string {
	if s == nil {
		return nil
	}
	tokens := make([]string, 0, len(s.Balances))
	for token := range s.Balances {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Clone returns a deep copy. Tiers hold snapshots beyond the cycle that
// produced them, so shared map state must never leak between owners.
func (s *BalanceSnapshot) Clone() *BalanceSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Balances = make(map[string]string, len(s.Balances))
	for token, amount := range s.Balances {
		cp.Balances[token] = amount
	}
	return &cp
}
