package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
)

var (
	ErrNoIndexersAvailable = errors.New("no indexers available")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrExhausted           = errors.New("all attempts failed")
	ErrTimeout             = errors.New("query deadline exceeded")
	ErrCanceled            = errors.New("query canceled")
)

// maxTrail bounds the attempt failures kept on a DispatchError.
const maxTrail = 5

// AttemptFailure is one failed attempt as reported to the caller.
type AttemptFailure struct {
	Indexer types.IndexerID    `json:"indexer"`
	Class   types.FailureClass `json:"-"`
	Message string             `json:"message,omitempty"`
}

func (f AttemptFailure) String() string {
	return fmt.Sprintf("%s: %s", f.Indexer.Hex(), f.Class)
}

// DispatchError is the terminal error of a query. It matches its kind's sentinel with
// errors.Is and never carries receipt data.
type DispatchError struct {
	Kind       error
	Deployment types.DeploymentID
	QueryID    string
	// Failures holds the most recent attempt failures, oldest first.
	Failures []AttemptFailure
	// Tried lists every indexer an attempt was sent to, in order.
	Tried   []types.IndexerID
	Charged types.Fee
	// Cause is the context error for Timeout and Canceled.
	Cause error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, " (deployment %s, %d attempts", e.Deployment, len(e.Tried))
	if len(e.Failures) > 0 {
		parts := make([]string, len(e.Failures))
		for i, f := range e.Failures {
			parts[i] = f.String()
		}
		fmt.Fprintf(&b, ", last failures: %s", strings.Join(parts, ", "))
	}
	b.WriteString(")")
	return b.String()
}

func (e *DispatchError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// FailureClasses returns the classes of the recorded failures.
func (e *DispatchError) FailureClasses() []types.FailureClass {
	out := make([]types.FailureClass, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Class
	}
	return out
}
