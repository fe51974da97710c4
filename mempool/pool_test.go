package mempool

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"tidechain/core/types"
)

func signedTx(t *testing.T, nonce uint64) *types.Transaction {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	tx := &types.Transaction{
		Nonce: nonce,
		To:    types.Address{0x01},
		Value: uint256.NewInt(100),
	}
	require.NoError(t, tx.Sign(ethcrypto.FromECDSA(key)))
	return tx
}

func TestPoolAcceptsValidTransaction(t *testing.T) {
	pool := New(10)
	tx := signedTx(t, 1)
	require.NoError(t, pool.Add(tx))
	require.Equal(t, 1, pool.Len())
	require.True(t, pool.Contains(tx.Signature))
}

func TestPoolRejectsInvalidSignature(t *testing.T) {
	pool := New(10)
	tx := signedTx(t, 1)
	tx.Value = uint256.NewInt(999)
	require.ErrorIs(t, pool.Add(tx), ErrInvalidTransaction)
	require.ErrorIs(t, pool.Add(nil), ErrInvalidTransaction)
	require.Zero(t, pool.Len())
}

func TestPoolRejectsDuplicates(t *testing.T) {
	pool := New(10)
	tx := signedTx(t, 1)
	require.NoError(t, pool.Add(tx))
	require.ErrorIs(t, pool.Add(tx), ErrAlreadyKnown)
	require.Equal(t, 1, pool.Len())
}

func TestPoolEnforcesCapacity(t *testing.T) {
	pool := New(2)
	require.NoError(t, pool.Add(signedTx(t, 1)))
	require.NoError(t, pool.Add(signedTx(t, 2)))
	require.ErrorIs(t, pool.Add(signedTx(t, 3)), ErrPoolFull)
}

func TestPoolRemoveFreesCapacity(t *testing.T) {
	pool := New(1)
	tx := signedTx(t, 1)
	require.NoError(t, pool.Add(tx))
	pool.Remove(tx.Signature)
	require.False(t, pool.Contains(tx.Signature))
	require.NoError(t, pool.Add(signedTx(t, 2)))
}

func TestPoolSnapshotReturnsAll(t *testing.T) {
	pool := New(10)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, pool.Add(signedTx(t, i)))
	}
	require.Len(t, pool.Snapshot(), 3)
}
