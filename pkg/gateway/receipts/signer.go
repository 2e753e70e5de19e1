package receipts

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-jose/go-jose/v4/json"
	"golang.org/x/crypto/sha3"
)

// HeaderName carries the signed receipt on requests to indexers.
const HeaderName = "Tap-Receipt"

var ErrBadSignature = errors.New("receipt signature does not match payer")

// Signer signs receipts with the gateway's secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key, with or without the 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse payer key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateSigner creates a signer with a fresh key. Used for local runs and tests.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign computes the digest of r and stores the 65-byte signature in it.
func (s *Signer) Sign(r *Receipt) error {
	digest := Digest(*r)
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Digest is the Keccak-256 of the receipt's canonical encoding. The signature is excluded.
//
// Layout: id(16) | payer(20) | payee(20) | value(8) | nonce(8) | expires_at unix nanos(8) | deployment.
func Digest(r Receipt) common.Hash {
	buf := make([]byte, 0, 16+20+20+8+8+8+len(r.Deployment))
	buf = append(buf, r.ID[:]...)
	buf = append(buf, r.Payer.Bytes()...)
	buf = append(buf, r.Payee.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Value))
	buf = binary.BigEndian.AppendUint64(buf, r.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.ExpiresAt.UnixNano()))
	buf = append(buf, r.Deployment...)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// Verify checks that the receipt was signed by its payer.
func Verify(r Receipt) error {
	if len(r.Signature) != crypto.SignatureLength {
		return ErrBadSignature
	}
	digest := Digest(r)
	pub, err := crypto.SigToPub(digest[:], r.Signature)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != r.Payer {
		return ErrBadSignature
	}
	return nil
}

// EncodeHeader serializes a receipt for the HeaderName header.
func EncodeHeader(r Receipt) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeHeader parses a receipt from the HeaderName header.
func DecodeHeader(v string) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt header: %w", err)
	}
	return r, nil
}
