package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "balance:user:u1", Key("balance", "user", "u1"))
	assert.Equal(t, "metadata", Key("metadata"))
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "balance:user:u1:mainnet", SnapshotKey("u1", model.NetworkMainnet))
	assert.Equal(t, "balance:user:u1:testnet", SnapshotKey("u1", model.NetworkTestnet))
}

func TestSet_RejectsZeroTTL(t *testing.T) {
	c := &Cache{}
	assert.ErrorIs(t, c.Set(context.Background(), "k", "v", 0), ErrZeroTTL)
	assert.ErrorIs(t, c.Set(context.Background(), "k", "v", -1), ErrZeroTTL)
}
