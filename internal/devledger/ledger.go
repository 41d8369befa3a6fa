// Package devledger is a single-node ledger for development and tests. One
// goroutine orders submitted transactions into hash-chained blocks, runs the
// contract against each, and commits state, receipts and the block in a
// single goleveldb batch.
package devledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/pkg/ledger"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/types"
)

const (
	receiptPrefix = "t/"
	blockPrefix   = "b/"
	keyHeight     = "m/height"
)

func blockKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, n))
}

// Options configures a Ledger.
type Options struct {
	// DataDir is ignored when InMemory is set.
	DataDir      string
	InMemory     bool
	BatchSize    int
	BatchTimeout time.Duration
	Contract     *contract.Contract
	Clock        func() time.Time
	Logger       *logger.Logger
	Metrics      *monitoring.MetricsCollector
}

// Ledger implements ledger.Ledger on top of goleveldb.
type Ledger struct {
	db       *leveldb.DB
	contract *contract.Contract
	clock    func() time.Time
	log      *logrus.Entry
	metrics  *monitoring.MetricsCollector

	batchSize    int
	batchTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*confirmation
	closed   bool

	queue    chan *confirmation
	stop     chan struct{}
	stopped  chan struct{}
	height   atomic.Uint64
	lastHash string
}

// Open opens or creates the ledger and starts its ordering loop.
func Open(opts Options) (*Ledger, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if opts.InMemory {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(opts.DataDir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}

	if opts.Contract == nil {
		opts.Contract = contract.New(contract.DefaultConfig())
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 50 * time.Millisecond
	}

	l := &Ledger{
		db:           db,
		contract:     opts.Contract,
		clock:        opts.Clock,
		log:          opts.Logger.WithComponent("devledger"),
		metrics:      opts.Metrics,
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
		inflight:     make(map[string]*confirmation),
		queue:        make(chan *confirmation, opts.BatchSize*4),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
		lastHash:     genesisHash,
	}

	if err := l.loadTip(); err != nil {
		db.Close()
		return nil, err
	}
	l.metrics.SetBlockHeight(l.height.Load())

	go l.run()

	l.log.WithFields(logrus.Fields{
		"height":     l.height.Load(),
		"in_memory":  opts.InMemory,
		"batch_size": l.batchSize,
	}).Info("Development ledger started")
	return l, nil
}

func (l *Ledger) loadTip() error {
	raw, err := l.db.Get([]byte(keyHeight), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger height: %w", err)
	}
	height, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt ledger height: %w", err)
	}
	block, err := l.GetBlock(height)
	if err != nil {
		return err
	}
	l.height.Store(height)
	l.lastHash = block.Hash
	return nil
}

// Submit queues tx for ordering. Submitting an id the ledger already knows
// returns a handle to the original outcome instead of running it again.
func (l *Ledger) Submit(ctx context.Context, tx ledger.Transaction) (ledger.Confirmation, error) {
	if tx.ID == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "transaction id is required", nil)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, types.NewUnavailableError("ledger is closed", nil)
	}
	if c, ok := l.inflight[tx.ID]; ok {
		l.mu.Unlock()
		return c, nil
	}
	if receipt, err := l.GetReceipt(tx.ID); err == nil {
		l.mu.Unlock()
		return completed(receipt), nil
	} else if !errors.Is(err, types.ErrNotFound) {
		l.mu.Unlock()
		return nil, types.NewUnavailableError("failed to look up transaction", err)
	}
	c := newConfirmation(tx)
	l.inflight[tx.ID] = c
	l.mu.Unlock()

	select {
	case l.queue <- c:
		return c, nil
	case <-ctx.Done():
		l.forget(c, types.NewUnavailableError("submission cancelled", ctx.Err()))
		return nil, types.NewUnavailableError("submission cancelled", ctx.Err())
	case <-l.stop:
		l.forget(c, types.NewUnavailableError("ledger is closed", nil))
		return nil, types.NewUnavailableError("ledger is closed", nil)
	}
}

func (l *Ledger) forget(c *confirmation, err error) {
	l.mu.Lock()
	delete(l.inflight, c.tx.ID)
	l.mu.Unlock()
	c.fail(err)
}

// Evaluate runs a query function against a snapshot of confirmed state.
func (l *Ledger) Evaluate(ctx context.Context, caller types.PrincipalID, function string, args ...string) ([]byte, error) {
	if !contract.IsQuery(function) {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("%s modifies state and must be submitted", function), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewUnavailableError("evaluation cancelled", err)
	}

	snap, err := l.db.GetSnapshot()
	if err != nil {
		return nil, types.NewUnavailableError("failed to snapshot ledger state", err)
	}
	defer snap.Release()

	stub := &txStub{
		state:    newOverlay(dbView{r: snap}),
		txID:     "query",
		ts:       l.clock().UTC(),
		readOnly: true,
	}
	return l.contract.Invoke(stub, caller, function, args)
}

// Height returns the number of the last committed block.
func (l *Ledger) Height(ctx context.Context) (uint64, error) {
	return l.height.Load(), nil
}

// GetReceipt returns the stored receipt for txID.
func (l *Ledger) GetReceipt(txID string) (*ledger.Receipt, error) {
	data, err := l.db.Get([]byte(receiptPrefix+txID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, types.NewNotFoundError("unknown transaction " + txID)
	}
	if err != nil {
		return nil, err
	}
	var r ledger.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("corrupt receipt %s: %w", txID, err)
	}
	return &r, nil
}

// GetBlock returns block n.
func (l *Ledger) GetBlock(n uint64) (*Block, error) {
	data, err := l.db.Get(blockKey(n), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("block %d not found", n))
	}
	if err != nil {
		return nil, err
	}
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("corrupt block %d: %w", n, err)
	}
	return &b, nil
}

// VerifyChain re-hashes every block and its receipts and checks the links.
func (l *Ledger) VerifyChain(ctx context.Context) error {
	prev := genesisHash
	height := l.height.Load()
	for n := uint64(1); n <= height; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := l.GetBlock(n)
		if err != nil {
			return err
		}
		if b.PrevHash != prev {
			return fmt.Errorf("block %d does not link to block %d", n, n-1)
		}

		receipts := make([]*ledger.Receipt, 0, len(b.TxIDs))
		for _, id := range b.TxIDs {
			r, err := l.GetReceipt(id)
			if err != nil {
				return fmt.Errorf("block %d: %w", n, err)
			}
			receipts = append(receipts, r)
		}
		root, err := receiptsRoot(receipts)
		if err != nil {
			return err
		}
		if root != b.TxRoot {
			return fmt.Errorf("block %d receipt root mismatch", n)
		}

		hash, err := b.computeHash()
		if err != nil {
			return err
		}
		if hash != b.Hash {
			return fmt.Errorf("block %d hash mismatch", n)
		}
		prev = b.Hash
	}
	return nil
}

// Close stops ordering, fails queued transactions and closes the store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.stopped

	l.mu.Lock()
	for id, c := range l.inflight {
		c.fail(types.NewUnavailableError("ledger closed before the transaction was ordered", nil))
		delete(l.inflight, id)
	}
	l.mu.Unlock()

	return l.db.Close()
}

func (l *Ledger) run() {
	defer close(l.stopped)
	for {
		var first *confirmation
		select {
		case first = <-l.queue:
		case <-l.stop:
			return
		}

		batch := []*confirmation{first}
		timer := time.NewTimer(l.batchTimeout)
	collect:
		for len(batch) < l.batchSize {
			select {
			case c := <-l.queue:
				batch = append(batch, c)
			case <-timer.C:
				break collect
			case <-l.stop:
				break collect
			}
		}
		timer.Stop()

		l.commit(batch)
	}
}

// commit executes batch in order and writes the resulting block.
func (l *Ledger) commit(batch []*confirmation) {
	blockState := newOverlay(dbView{r: l.db})
	receipts := make([]*ledger.Receipt, 0, len(batch))
	number := l.height.Load() + 1

	for _, c := range batch {
		ts := l.clock().UTC()
		txState := newOverlay(blockState)
		stub := &txStub{state: txState, txID: c.tx.ID, ts: ts}

		receipt := &ledger.Receipt{
			TxID:        c.tx.ID,
			Function:    c.tx.Function,
			BlockNumber: number,
			Timestamp:   ts,
		}
		payload, err := l.contract.Invoke(stub, c.tx.Caller, c.tx.Function, c.tx.Args)
		if err != nil {
			receipt.Error = err.Error()
		} else {
			receipt.Valid = true
			receipt.Payload = payload
			txState.mergeInto(blockState)
		}
		receipts = append(receipts, receipt)
	}

	block, err := l.writeBlock(number, blockState, receipts)
	if err != nil {
		l.log.WithError(err).WithField("block", number).Error("Failed to commit block")
		for _, c := range batch {
			l.forget(c, types.NewUnavailableError("ledger failed to commit block", err))
		}
		return
	}

	l.height.Store(number)
	l.lastHash = block.Hash
	l.metrics.SetBlockHeight(number)

	l.mu.Lock()
	for i, c := range batch {
		delete(l.inflight, c.tx.ID)
		c.complete(receipts[i])
	}
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"block":        number,
		"transactions": len(batch),
		"hash":         block.Hash,
	}).Debug("Block committed")
}

func (l *Ledger) writeBlock(number uint64, state *overlay, receipts []*ledger.Receipt) (*Block, error) {
	root, err := receiptsRoot(receipts)
	if err != nil {
		return nil, err
	}
	block := &Block{
		Number:    number,
		PrevHash:  l.lastHash,
		Timestamp: l.clock().UTC(),
		TxRoot:    root,
	}
	for _, r := range receipts {
		block.TxIDs = append(block.TxIDs, r.TxID)
	}
	if block.Hash, err = block.computeHash(); err != nil {
		return nil, err
	}

	wb := new(leveldb.Batch)
	for k, v := range state.writes {
		wb.Put([]byte(statePrefix+k), v)
	}
	for _, r := range receipts {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		wb.Put([]byte(receiptPrefix+r.TxID), data)
	}
	data, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	wb.Put(blockKey(number), data)
	wb.Put([]byte(keyHeight), []byte(strconv.FormatUint(number, 10)))

	if err := l.db.Write(wb, nil); err != nil {
		return nil, err
	}
	return block, nil
}
