package receipts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ErrInsufficientCollateral means issuing the receipt would push the indexer's outstanding
// value past its collateral ceiling.
var ErrInsufficientCollateral = errors.New("insufficient collateral")

// DefaultTTL is how long an unsettled receipt counts against collateral.
const DefaultTTL = 5 * time.Minute

// Receipt is a payment promise from the gateway to one indexer for one attempt.
type Receipt struct {
	ID         uuid.UUID          `json:"id"`
	Payer      common.Address     `json:"payer"`
	Payee      types.IndexerID    `json:"payee"`
	Deployment types.DeploymentID `json:"deployment"`
	Value      types.Fee          `json:"value"`
	Nonce      uint64             `json:"nonce"`
	IssuedAt   time.Time          `json:"issued_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Signature  []byte             `json:"signature,omitempty"`
}

// String never includes the signature.
func (r Receipt) String() string {
	return fmt.Sprintf("receipt(%s payee=%s value=%d nonce=%d)", r.ID, r.Payee.Hex(), r.Value, r.Nonce)
}

// State of a receipt in the ledger.
type State uint8

const (
	StateOutstanding State = iota
	StateVoided
	StateSettled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOutstanding:
		return "outstanding"
	case StateVoided:
		return "voided"
	case StateSettled:
		return "settled"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config of the ledger.
type Config struct {
	// TTL bounds how long an unsettled receipt reserves collateral.
	TTL time.Duration
	// Payer is used when no signer is configured.
	Payer common.Address
	Now   func() time.Time
}

type account struct {
	mu          sync.Mutex
	lastNonce   uint64
	outstanding types.Fee
	receipts    map[uuid.UUID]Receipt
}

// AccountView is a point-in-time summary of one indexer's receipts.
type AccountView struct {
	Indexer     types.IndexerID `json:"indexer"`
	Outstanding types.Fee       `json:"outstanding"`
	Receipts    int             `json:"receipts"`
	LastNonce   uint64          `json:"last_nonce"`
}

// Ledger tracks outstanding receipt value per indexer. Check-and-reserve is atomic per
// indexer; different indexers never contend.
type Ledger struct {
	cfg      Config
	signer   *Signer
	logger   *zap.Logger
	accounts *xsync.Map[types.IndexerID, *account]
}

// NewLedger creates a ledger. signer may be nil, in which case receipts are unsigned.
func NewLedger(cfg Config, signer *Signer, logger *zap.Logger) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if signer != nil {
		cfg.Payer = signer.Address()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		cfg:      cfg,
		signer:   signer,
		logger:   logger,
		accounts: xsync.NewMap[types.IndexerID, *account](),
	}
}

// Payer is the address receipts are issued from.
func (l *Ledger) Payer() common.Address {
	return l.cfg.Payer
}

func (l *Ledger) account(indexer types.IndexerID) *account {
	if acc, ok := l.accounts.Load(indexer); ok {
		return acc
	}
	acc, _ := l.accounts.LoadOrStore(indexer, &account{receipts: make(map[uuid.UUID]Receipt)})
	return acc
}

// Issue reserves fee against the candidate's collateral and returns a signed receipt.
// Nonces strictly increase per (indexer, payer) and are seeded from the clock so they stay
// unique across restarts.
func (l *Ledger) Issue(deployment types.DeploymentID, candidate types.IndexerCandidate, fee types.Fee) (Receipt, error) {
	now := l.cfg.Now()
	acc := l.account(candidate.ID)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	l.sweepLocked(acc, now)
	if fee > candidate.Collateral || acc.outstanding > candidate.Collateral-fee {
		return Receipt{}, ErrInsufficientCollateral
	}

	nonce := uint64(now.UnixNano())
	if nonce <= acc.lastNonce {
		nonce = acc.lastNonce + 1
	}

	receipt := Receipt{
		ID:         uuid.New(),
		Payer:      l.cfg.Payer,
		Payee:      candidate.ID,
		Deployment: deployment,
		Value:      fee,
		Nonce:      nonce,
		IssuedAt:   now,
		ExpiresAt:  now.Add(l.cfg.TTL),
	}
	if l.signer != nil {
		if err := l.signer.Sign(&receipt); err != nil {
			return Receipt{}, fmt.Errorf("sign receipt: %w", err)
		}
	}

	acc.lastNonce = nonce
	acc.outstanding += fee
	acc.receipts[receipt.ID] = receipt
	return receipt, nil
}

// Void releases the receipt's reservation. It is idempotent and has no effect on receipts
// that were already settled or expired.
func (l *Ledger) Void(receipt Receipt) bool {
	return l.finish(receipt.Payee, receipt.ID, StateVoided)
}

// Settle marks a receipt as redeemed by the indexer, releasing its reservation. Later calls
// to Void for the same receipt do nothing.
func (l *Ledger) Settle(indexer types.IndexerID, id uuid.UUID) bool {
	return l.finish(indexer, id, StateSettled)
}

func (l *Ledger) finish(indexer types.IndexerID, id uuid.UUID, state State) bool {
	acc, ok := l.accounts.Load(indexer)
	if !ok {
		return false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	receipt, ok := acc.receipts[id]
	if !ok {
		return false
	}
	delete(acc.receipts, id)
	acc.outstanding -= receipt.Value
	l.logger.Debug("Receipt closed",
		zap.Stringer("receipt", receipt),
		zap.Stringer("state", state))
	return true
}

// Outstanding returns the reserved value for an indexer, ignoring expired receipts.
func (l *Ledger) Outstanding(indexer types.IndexerID) types.Fee {
	acc, ok := l.accounts.Load(indexer)
	if !ok {
		return 0
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	l.sweepLocked(acc, l.cfg.Now())
	return acc.outstanding
}

// Account returns a summary of an indexer's receipts.
func (l *Ledger) Account(indexer types.IndexerID) AccountView {
	view := AccountView{Indexer: indexer}
	acc, ok := l.accounts.Load(indexer)
	if !ok {
		return view
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	l.sweepLocked(acc, l.cfg.Now())
	view.Outstanding = acc.outstanding
	view.Receipts = len(acc.receipts)
	view.LastNonce = acc.lastNonce
	return view
}

// Sweep expires receipts past their TTL across all indexers and returns how many expired.
func (l *Ledger) Sweep() int {
	now := l.cfg.Now()
	expired := 0
	l.accounts.Range(func(_ types.IndexerID, acc *account) bool {
		acc.mu.Lock()
		expired += l.sweepLocked(acc, now)
		acc.mu.Unlock()
		return true
	})
	if expired > 0 {
		l.logger.Info("Expired unsettled receipts", zap.Int("count", expired))
	}
	return expired
}

func (l *Ledger) sweepLocked(acc *account, now time.Time) int {
	expired := 0
	for id, receipt := range acc.receipts {
		if now.Before(receipt.ExpiresAt) {
			continue
		}
		delete(acc.receipts, id)
		acc.outstanding -= receipt.Value
		expired++
	}
	return expired
}
