package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	s/<key>          string value
//	n/<key>          list bounds "head:tail"
//	l/<key>/<index>  list item, index zero-padded
const (
	prefixString = "s/"
	prefixMeta   = "n/"
	prefixList   = "l/"
)

// BadgerStore is the embedded backend.
type BadgerStore struct {
	db       *badger.DB
	dir      string
	inMemory bool
	closed   bool
	closedMu sync.RWMutex
}

// OpenBadger opens a badger database in dir, or a purely in-memory one.
func OpenBadger(dir string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	slog.Debug("store opened", "backend", BackendBadger, "dir", dir, "memory", inMemory)
	return &BadgerStore{db: db, dir: dir, inMemory: inMemory}, nil
}

func (b *BadgerStore) Close() error {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *BadgerStore) Get(_ context.Context, key string) (string, error) {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return "", ErrClosed
	}

	var out string
	err := b.db.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, prefixString+key)
		if err != nil {
			return err
		}
		out = string(val)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	return out, err
}

func (b *BadgerStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(prefixString+key, []byte(value), ttl))
	})
}

// Expire rewrites every entry belonging to key with the new TTL. It is a
// no-op for missing keys.
func (b *BadgerStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if val, err := getValue(txn, prefixString+key); err == nil {
			if err := txn.SetEntry(newEntry(prefixString+key, val, ttl)); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		head, tail, err := readBounds(txn, key)
		if err != nil || head == tail {
			return err
		}
		if err := txn.SetEntry(newEntry(prefixMeta+key, encodeBounds(head, tail), ttl)); err != nil {
			return err
		}
		for i := head; i < tail; i++ {
			k := itemKey(key, i)
			val, err := getValue(txn, k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.SetEntry(newEntry(k, val, ttl)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) RPush(_ context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		head, tail, err := readBounds(txn, key)
		if err != nil {
			return err
		}
		for _, v := range values {
			if err := txn.Set([]byte(itemKey(key, tail)), []byte(v)); err != nil {
				return err
			}
			tail++
		}
		return txn.Set([]byte(prefixMeta+key), encodeBounds(head, tail))
	})
}

func (b *BadgerStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		head, tail, err := readBounds(txn, key)
		if err != nil {
			return err
		}
		from, to, ok := normalizeRange(start, stop, tail-head)
		if !ok {
			return nil
		}
		out = make([]string, 0, to-from)
		for i := head + from; i < head+to; i++ {
			val, err := getValue(txn, itemKey(key, i))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, string(val))
		}
		return nil
	})
	return out, err
}

// LTrim keeps only the items inside [start, stop].
func (b *BadgerStore) LTrim(_ context.Context, key string, start, stop int64) error {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		head, tail, err := readBounds(txn, key)
		if err != nil || head == tail {
			return err
		}
		from, to, ok := normalizeRange(start, stop, tail-head)
		if !ok {
			return deleteList(txn, key, head, tail)
		}
		newHead, newTail := head+from, head+to
		for i := head; i < newHead; i++ {
			if err := txn.Delete([]byte(itemKey(key, i))); err != nil {
				return err
			}
		}
		for i := newTail; i < tail; i++ {
			if err := txn.Delete([]byte(itemKey(key, i))); err != nil {
				return err
			}
		}
		return txn.Set([]byte(prefixMeta+key), encodeBounds(newHead, newTail))
	})
}

func (b *BadgerStore) Del(_ context.Context, keys ...string) error {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(prefixString + key)); err != nil {
				return err
			}
			head, tail, err := readBounds(txn, key)
			if err != nil {
				return err
			}
			if err := deleteList(txn, key, head, tail); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC reclaims value log space until badger reports nothing to rewrite.
func (b *BadgerStore) RunGC() error {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if b.inMemory {
		return nil
	}

	for {
		err := b.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		return fmt.Errorf("value log gc: %w", err)
	}
}

func (b *BadgerStore) Stats() map[string]any {
	lsm, vlog := b.db.Size()

	strs, lists := 0, 0
	_ = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			switch {
			case strings.HasPrefix(k, prefixString):
				strs++
			case strings.HasPrefix(k, prefixMeta):
				lists++
			}
		}
		return nil
	})

	return map[string]any{
		"backend":   BackendBadger,
		"dir":       b.dir,
		"in_memory": b.inMemory,
		"strings":   strs,
		"lists":     lists,
		"lsm_bytes": lsm,
		"vlog_size": vlog,
	}
}

func getValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func newEntry(key string, val []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), val)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func itemKey(key string, i int64) string {
	return fmt.Sprintf("%s%s/%020d", prefixList, key, i)
}

func readBounds(txn *badger.Txn, key string) (head, tail int64, err error) {
	val, err := getValue(txn, prefixMeta+key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	h, t, ok := strings.Cut(string(val), ":")
	if !ok {
		return 0, 0, fmt.Errorf("corrupt list bounds for %q", key)
	}
	if head, err = strconv.ParseInt(h, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("corrupt list head for %q: %w", key, err)
	}
	if tail, err = strconv.ParseInt(t, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("corrupt list tail for %q: %w", key, err)
	}
	return head, tail, nil
}

func encodeBounds(head, tail int64) []byte {
	return []byte(strconv.FormatInt(head, 10) + ":" + strconv.FormatInt(tail, 10))
}

func deleteList(txn *badger.Txn, key string, head, tail int64) error {
	for i := head; i < tail; i++ {
		if err := txn.Delete([]byte(itemKey(key, i))); err != nil {
			return err
		}
	}
	return txn.Delete([]byte(prefixMeta + key))
}
