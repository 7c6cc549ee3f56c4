package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkValid(t *testing.T) {
	assert.True(t, NetworkMainnet.Valid())
	assert.True(t, NetworkTestnet.Valid())
	assert.False(t, Network("devnet").Valid())
	assert.False(t, Network("").Valid())
}

func TestSnapshotAuthoritative(t *testing.T) {
	for _, p := range []Provenance{ProvenanceSharedCache, ProvenanceLocalCache, ProvenanceBackup, ProvenanceEmergency} {
		assert.False(t, (&BalanceSnapshot{Provenance: p}).Authoritative(), string(p))
	}
	assert.True(t, (&BalanceSnapshot{Provenance: ProvenanceLive}).Authoritative())

	var nilSnap *BalanceSnapshot
	assert.False(t, nilSnap.Authoritative())
}

func TestSnapshotEmpty(t *testing.T) {
	var nilSnap *BalanceSnapshot
	assert.True(t, nilSnap.Empty())
	assert.True(t, (&BalanceSnapshot{}).Empty())
	assert.False(t, (&BalanceSnapshot{Balances: map[string]string{"AZE": "0"}}).Empty())
}

func TestSnapshotTokensSorted(t *testing.T) {
	s := &BalanceSnapshot{Balances: map[string]string{
		"cBRL": "1", "AZE": "2", "USDT": "3", "LINK": "4",
	}}
	assert.Equal(t, []string{"AZE", "LINK", "USDT", "cBRL"}, s.Tokens())

	var nilSnap *BalanceSnapshot
	assert.Nil(t, nilSnap.Tokens())
}

func TestSnapshotClone(t *testing.T) {
	orig := &BalanceSnapshot{
		UserID:     "u1",
		Network:    NetworkMainnet,
		Balances:   map[string]string{"AZE": "100"},
		CapturedAt: time.Now(),
		Provenance: ProvenanceLive,
	}

	cp := orig.Clone()
	require.NotSame(t, orig, cp)
	assert.Equal(t, orig, cp)

	cp.Balances["AZE"] = "999"
	assert.Equal(t, "100", orig.Balances["AZE"], "balance tables must not be shared")

	var nilSnap *BalanceSnapshot
	assert.Nil(t, nilSnap.Clone())
}

func TestChangeEventSignature(t *testing.T) {
	ev := ChangeEvent{
		Token:      "AZE",
		Difference: "50.000000",
		New:        "150.000000",
		Type:       ChangeIncrease,
		DetectedAt: time.Now(),
	}
	assert.Equal(t, "AZE|increase|50.000000|150.000000", ev.Signature())

	later := ev
	later.DetectedAt = ev.DetectedAt.Add(time.Hour)
	assert.Equal(t, ev.Signature(), later.Signature(), "detection time is not part of identity")

	other := ev
	other.Difference = "51.000000"
	assert.NotEqual(t, ev.Signature(), other.Signature())
}
