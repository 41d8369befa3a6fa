// Package ledger defines the contract between HealthChain clients and the
// serializing ledger that holds records, grants and audit entries.
package ledger

import (
	"context"
	"time"

	"github.com/medrex/healthchain/pkg/types"
)

// Transaction is a signed request to run one contract function. The ID is
// chosen by the submitter so that a resubmission after a lost acknowledgment
// is recognized as the same transaction.
type Transaction struct {
	ID       string            `json:"id"`
	Caller   types.PrincipalID `json:"caller"`
	Function string            `json:"function"`
	Args     []string          `json:"args"`
}

// Receipt is the durable outcome of a transaction. Invalid transactions are
// recorded too; they leave the world state untouched.
type Receipt struct {
	TxID        string    `json:"tx_id"`
	Function    string    `json:"function"`
	BlockNumber uint64    `json:"block_number"`
	Valid       bool      `json:"valid"`
	Payload     []byte    `json:"payload,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Confirmation is the handle returned by Submit. Once Wait returns without
// error, every read issued afterwards observes the transaction.
type Confirmation interface {
	TxID() string
	Done() <-chan struct{}
	// Wait blocks until the transaction is committed or ctx is done. An
	// invalid transaction returns its receipt together with the contract error.
	Wait(ctx context.Context) (*Receipt, error)
}

// Ledger accepts transactions and answers read-only queries against its
// latest confirmed state.
type Ledger interface {
	Submit(ctx context.Context, tx Transaction) (Confirmation, error)
	Evaluate(ctx context.Context, caller types.PrincipalID, function string, args ...string) ([]byte, error)
	Height(ctx context.Context) (uint64, error)
}

// ReceiptError converts the error recorded on a receipt back into the
// taxonomy. It returns nil for valid receipts.
func ReceiptError(r *Receipt) error {
	if r == nil || r.Valid {
		return nil
	}
	if he, ok := types.ParseWireError(r.Error); ok {
		return he
	}
	return types.NewInternalError(types.ErrCodeInternalError, "transaction rejected by ledger", nil)
}
