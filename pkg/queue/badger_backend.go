package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

var (
	badgerPrefixItem  = []byte("queue/item/")
	badgerPrefixOrder = []byte("queue/order/")
	badgerKeySeq      = []byte("queue/seq")
)

func badgerItemKey(id string) []byte {
	return append(append([]byte(nil), badgerPrefixItem...), id...)
}

// badgerOrderKey sorts lexicographically: critical before normal, then by seq.
func badgerOrderKey(p Priority, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d", badgerPrefixOrder, p.rank(), seq))
}

// BadgerBackend stores items in an embedded badger database. Writes are
// synchronous so an acknowledged enqueue survives a crash.
type BadgerBackend struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadger opens (or creates) a queue database in dir. An empty dir
// opens an in-memory database.
func OpenBadger(dir string, logger zerolog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger: logger.With().Str("component", "badger").Logger()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence(badgerKeySeq, 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}

	return &BadgerBackend{db: db, seq: seq}, nil
}

// NextSeq leases the next sequence number. Numbers leased but unused before
// a restart are skipped, which keeps ordering intact.
func (b *BadgerBackend) NextSeq(ctx context.Context) (int64, error) {
	n, err := b.seq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

// Put writes the item and its order key in one transaction.
func (b *BadgerBackend) Put(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerItemKey(item.ID), data); err != nil {
			return err
		}
		return txn.Set(badgerOrderKey(item.Priority, item.Seq), []byte(item.ID))
	})
}

// Get reads one item.
func (b *BadgerBackend) Get(ctx context.Context, id string) (Item, error) {
	var item Item
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		item, err = badgerReadItem(txn, id)
		return err
	})
	return item, err
}

// Modify applies fn to the stored item in one read-write transaction and
// retries on conflicting commits.
func (b *BadgerBackend) Modify(ctx context.Context, id string, fn func(Item) (Item, error)) (Item, error) {
	for i := 0; i < modifyRetries; i++ {
		var out Item
		err := b.db.Update(func(txn *badger.Txn) error {
			current, err := badgerReadItem(txn, id)
			if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			next.ID = current.ID
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal item: %w", err)
			}
			out = next
			return txn.Set(badgerItemKey(id), data)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return out, err
	}
	return Item{}, ErrConflict
}

// Delete removes the item and its order key. Unknown ids are ignored.
func (b *BadgerBackend) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := badgerReadItem(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(badgerOrderKey(item.Priority, item.Seq)); err != nil {
			return err
		}
		return txn.Delete(badgerItemKey(id))
	})
}

// List walks the order keys, which are already in drain order.
func (b *BadgerBackend) List(ctx context.Context) ([]Item, error) {
	var items []Item
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefixOrder
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(badgerPrefixOrder); it.ValidForPrefix(badgerPrefixOrder); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := badgerReadItem(txn, string(id))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

// Close releases leased sequence numbers and closes the database.
func (b *BadgerBackend) Close() error {
	seqErr := b.seq.Release()
	if err := b.db.Close(); err != nil {
		return err
	}
	return seqErr
}

func badgerReadItem(txn *badger.Txn, id string) (Item, error) {
	entry, err := txn.Get(badgerItemKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}

	var item Item
	err = entry.Value(func(val []byte) error {
		return json.Unmarshal(val, &item)
	})
	if err != nil {
		return Item{}, fmt.Errorf("unmarshal item %s: %w", id, err)
	}
	return item, nil
}

// badgerLogger routes badger's internal logging into zerolog. Info output
// is demoted to debug; badger is chatty on open and compaction.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
