package audit

import (
	"context"

	"github.com/medrex/healthchain/pkg/types"
)

// Iterator walks an audit trail one ledger page at a time, ordered by
// timestamp and then insertion sequence. Pages are fetched on demand.
//
//	it := log.QueryBySubject(sess, patient, from, to)
//	for it.Next(ctx) {
//		entry := it.Entry()
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
type Iterator struct {
	fetch func(ctx context.Context, bookmark string) (*types.AuditPage, error)

	buf      []types.AuditEntry
	pos      int
	bookmark string
	started  bool
	done     bool
	current  types.AuditEntry
	err      error
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if it.started && it.bookmark == "" {
			it.done = true
			return false
		}
		page, err := it.fetch(ctx, it.bookmark)
		if err != nil {
			it.err = err
			return false
		}
		it.started = true
		it.buf, it.pos, it.bookmark = page.Entries, 0, page.Bookmark
	}
	it.current = it.buf[it.pos]
	it.pos++
	return true
}

// Entry returns the entry Next advanced to.
func (it *Iterator) Entry() types.AuditEntry {
	return it.current
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Restart rewinds to the first entry. The next call to Next fetches the
// first page again, so entries committed since within the bounds show up.
func (it *Iterator) Restart() {
	if it.fetch == nil {
		return
	}
	*it = Iterator{fetch: it.fetch}
}

// Collect drains the iterator.
func (it *Iterator) Collect(ctx context.Context) ([]types.AuditEntry, error) {
	var entries []types.AuditEntry
	for it.Next(ctx) {
		entries = append(entries, it.Entry())
	}
	return entries, it.Err()
}
