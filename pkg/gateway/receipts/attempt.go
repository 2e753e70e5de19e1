package receipts

import (
	"github.com/canopy-network/gatewayx/pkg/gateway/types"
)

// Attempt scopes the receipt of one attempt. Release must be deferred right after Begin:
// unless Keep was called the receipt is voided, whatever path the attempt took.
type Attempt struct {
	ledger   *Ledger
	receipt  Receipt
	keep     bool
	released bool
}

// Begin issues the receipt for one attempt.
func (l *Ledger) Begin(deployment types.DeploymentID, candidate types.IndexerCandidate, fee types.Fee) (*Attempt, error) {
	receipt, err := l.Issue(deployment, candidate, fee)
	if err != nil {
		return nil, err
	}
	return &Attempt{ledger: l, receipt: receipt}, nil
}

func (a *Attempt) Receipt() Receipt {
	return a.receipt
}

// Keep leaves the receipt outstanding for settlement.
func (a *Attempt) Keep() {
	a.keep = true
}

// Void releases the receipt immediately.
func (a *Attempt) Void() {
	a.keep = false
	a.Release()
}

// Release voids the receipt unless it was kept. Safe to call more than once.
func (a *Attempt) Release() {
	if a == nil || a.released {
		return
	}
	a.released = true
	if !a.keep {
		a.ledger.Void(a.receipt)
	}
}

// Kept reports whether the receipt stays outstanding after Release.
func (a *Attempt) Kept() bool {
	return a.keep
}
