package receipts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testKey = "0x4c0883a69102937d6231471b5decb208ff2f44bf9b1a6c3b0b8d1bb2b2a1a1a1"

func TestSignedReceiptVerifies(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	ledger := NewLedger(Config{TTL: time.Minute}, signer, zaptest.NewLogger(t))
	assert.Equal(t, signer.Address(), ledger.Payer())

	r, err := ledger.Issue(deployment, withCollateral(indexerA, 10), 5)
	require.NoError(t, err)
	require.Len(t, r.Signature, 65)
	assert.Equal(t, signer.Address(), r.Payer)
	require.NoError(t, Verify(r))

	tampered := r
	tampered.Value = 6
	assert.ErrorIs(t, Verify(tampered), ErrBadSignature)
}

func TestHeaderCarriesVerifiableReceipt(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	ledger := NewLedger(Config{}, signer, zaptest.NewLogger(t))
	r, err := ledger.Issue(deployment, withCollateral(indexerA, 10), 5)
	require.NoError(t, err)

	header, err := EncodeHeader(r)
	require.NoError(t, err)

	decoded, err := DecodeHeader(header)
	require.NoError(t, err)
	assert.Equal(t, r.ID, decoded.ID)
	assert.Equal(t, r.Nonce, decoded.Nonce)
	require.NoError(t, Verify(decoded))
}

func TestReceiptStringHidesSignature(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	ledger := NewLedger(Config{}, signer, zaptest.NewLogger(t))
	r, err := ledger.Issue(deployment, withCollateral(indexerA, 10), 5)
	require.NoError(t, err)

	assert.NotContains(t, r.String(), fmt.Sprintf("%x", r.Signature))
	assert.Contains(t, r.String(), r.ID.String())
}

func TestUnsignedReceiptFailsVerification(t *testing.T) {
	ledger, _ := newTestLedger(t)
	r, err := ledger.Issue(deployment, withCollateral(indexerA, 10), 5)
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(r), ErrBadSignature)
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	_, err := NewSigner("not-a-key")
	assert.Error(t, err)
}
