package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// AddressLength is the byte length of account addresses.
	AddressLength = 20

	// SignatureLength is the byte length of a recoverable secp256k1
	// signature (r || s || v).
	SignatureLength = 65
)

// Address is a fixed-width account identifier derived from the signer's
// public key.
type Address [AddressLength]byte

func (a Address) Bytes() []byte { return a[:] }

// Transaction is the minimal transfer payload relayed between nodes. The
// signature doubles as the mempool key, so it must be present and valid for
// a transaction to be accepted.
type Transaction struct {
	Nonce     uint64
	From      Address
	To        Address
	Value     *uint256.Int
	Signature []byte
}

// SigningHash is the keccak256 digest the sender signs: every field except
// the signature itself.
func (tx *Transaction) SigningHash() [32]byte {
	var buf bytes.Buffer
	tx.encodeBody(&buf)
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(buf.Bytes()))
	return out
}

// Hash is the keccak256 digest of the full encoding, signature included.
func (tx *Transaction) Hash() ([32]byte, error) {
	encoded, err := tx.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(encoded))
	return out, nil
}

// Sign computes and attaches the sender signature for the given private key
// and stamps From with the derived address.
func (tx *Transaction) Sign(key []byte) error {
	priv, err := ethcrypto.ToECDSA(key)
	if err != nil {
		return fmt.Errorf("parse signing key: %w", err)
	}
	tx.From = Address(ethcrypto.PubkeyToAddress(priv.PublicKey))
	digest := tx.SigningHash()
	sig, err := ethcrypto.Sign(digest[:], priv)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	tx.Signature = sig
	return nil
}

// VerifySignature checks that the attached signature recovers the From
// address.
func (tx *Transaction) VerifySignature() bool {
	if len(tx.Signature) != SignatureLength {
		return false
	}
	digest := tx.SigningHash()
	pub, err := ethcrypto.SigToPub(digest[:], tx.Signature)
	if err != nil {
		return false
	}
	return Address(ethcrypto.PubkeyToAddress(*pub)) == tx.From
}

// Encode serialises the transaction: fixed-width fields, a length-prefixed
// big-endian value and a length-prefixed signature.
func (tx *Transaction) Encode() ([]byte, error) {
	if tx.Value == nil {
		return nil, fmt.Errorf("transaction value must be set")
	}
	if len(tx.Signature) > 0 && len(tx.Signature) != SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d", len(tx.Signature))
	}
	var buf bytes.Buffer
	tx.encodeBody(&buf)
	buf.WriteByte(byte(len(tx.Signature)))
	buf.Write(tx.Signature)
	return buf.Bytes(), nil
}

func (tx *Transaction) encodeBody(buf *bytes.Buffer) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], tx.Nonce)
	buf.Write(scratch[:])
	buf.Write(tx.From[:])
	buf.Write(tx.To[:])
	value := tx.Value
	if value == nil {
		value = uint256.NewInt(0)
	}
	valueBytes := value.Bytes()
	buf.WriteByte(byte(len(valueBytes)))
	buf.Write(valueBytes)
}

// DecodeTransaction parses an encoded transaction, rejecting truncated or
// trailing input.
func DecodeTransaction(payload []byte) (*Transaction, error) {
	r := bytes.NewReader(payload)
	tx := &Transaction{}

	if err := binary.Read(r, binary.BigEndian, &tx.Nonce); err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if _, err := io.ReadFull(r, tx.From[:]); err != nil {
		return nil, fmt.Errorf("decode sender: %w", err)
	}
	if _, err := io.ReadFull(r, tx.To[:]); err != nil {
		return nil, fmt.Errorf("decode recipient: %w", err)
	}

	valueLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decode value length: %w", err)
	}
	if valueLen > 32 {
		return nil, fmt.Errorf("value length %d exceeds 32 bytes", valueLen)
	}
	valueBytes := make([]byte, int(valueLen))
	if _, err := io.ReadFull(r, valueBytes); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	tx.Value = new(uint256.Int).SetBytes(valueBytes)

	sigLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decode signature length: %w", err)
	}
	if sigLen != 0 && sigLen != SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d", sigLen)
	}
	if sigLen > 0 {
		tx.Signature = make([]byte, int(sigLen))
		if _, err := io.ReadFull(r, tx.Signature); err != nil {
			return nil, fmt.Errorf("decode signature: %w", err)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes after transaction")
	}
	return tx, nil
}
