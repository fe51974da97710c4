package types

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func signedTransaction(t *testing.T) *Transaction {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	tx := &Transaction{
		Nonce: 7,
		To:    Address{0xAA, 0xBB},
		Value: uint256.NewInt(1500),
	}
	require.NoError(t, tx.Sign(ethcrypto.FromECDSA(key)))
	return tx
}

func TestTransactionSignAndVerify(t *testing.T) {
	tx := signedTransaction(t)
	require.Len(t, tx.Signature, SignatureLength)
	require.NotEqual(t, Address{}, tx.From)
	require.True(t, tx.VerifySignature())
}

func TestTransactionVerifyRejectsTampering(t *testing.T) {
	tx := signedTransaction(t)
	tx.Value = uint256.NewInt(9999)
	require.False(t, tx.VerifySignature())
}

func TestTransactionVerifyRejectsWrongSender(t *testing.T) {
	tx := signedTransaction(t)
	tx.From[0] ^= 0xFF
	require.False(t, tx.VerifySignature())
}

func TestTransactionVerifyRejectsMissingSignature(t *testing.T) {
	tx := &Transaction{Value: uint256.NewInt(1)}
	require.False(t, tx.VerifySignature())
}

func TestTransactionEncodeRoundTrip(t *testing.T) {
	tx := signedTransaction(t)
	encoded, err := tx.Encode()
	require.NoError(t, err)

	decoded, err := DecodeTransaction(encoded)
	require.NoError(t, err)
	require.Equal(t, tx.Nonce, decoded.Nonce)
	require.Equal(t, tx.From, decoded.From)
	require.Equal(t, tx.To, decoded.To)
	require.Zero(t, tx.Value.Cmp(decoded.Value))
	require.Equal(t, tx.Signature, decoded.Signature)
	require.True(t, decoded.VerifySignature())
}

func TestDecodeTransactionRejectsTrailingBytes(t *testing.T) {
	tx := signedTransaction(t)
	encoded, err := tx.Encode()
	require.NoError(t, err)
	_, err = DecodeTransaction(append(encoded, 0x00))
	require.Error(t, err)
}

func TestDecodeTransactionRejectsTruncation(t *testing.T) {
	tx := signedTransaction(t)
	encoded, err := tx.Encode()
	require.NoError(t, err)
	_, err = DecodeTransaction(encoded[:len(encoded)-1])
	require.Error(t, err)
}

func TestTransactionHashCoversSignature(t *testing.T) {
	tx := signedTransaction(t)
	first, err := tx.Hash()
	require.NoError(t, err)

	tx.Signature[10] ^= 0x01
	second, err := tx.Hash()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
