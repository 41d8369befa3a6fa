package devledger

import (
	"context"
	"sync"

	"github.com/medrex/healthchain/pkg/ledger"
	"github.com/medrex/healthchain/pkg/types"
)

type confirmation struct {
	tx   ledger.Transaction
	done chan struct{}
	once sync.Once

	receipt *ledger.Receipt
	err     error
}

var _ ledger.Confirmation = (*confirmation)(nil)

func newConfirmation(tx ledger.Transaction) *confirmation {
	return &confirmation{tx: tx, done: make(chan struct{})}
}

func completed(r *ledger.Receipt) *confirmation {
	c := newConfirmation(ledger.Transaction{ID: r.TxID, Function: r.Function})
	c.complete(r)
	return c
}

func (c *confirmation) complete(r *ledger.Receipt) {
	c.once.Do(func() {
		c.receipt = r
		close(c.done)
	})
}

func (c *confirmation) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *confirmation) TxID() string { return c.tx.ID }

func (c *confirmation) Done() <-chan struct{} { return c.done }

func (c *confirmation) Wait(ctx context.Context) (*ledger.Receipt, error) {
	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		return c.receipt, ledger.ReceiptError(c.receipt)
	case <-ctx.Done():
		return nil, types.NewUnavailableError("timed out waiting for transaction confirmation", ctx.Err())
	}
}
