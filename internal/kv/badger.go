package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	maxUpdateRetries = 50
	updateRetryDelay = time.Millisecond
)

// BadgerStore は単一ノード構成向けの組み込み Store / Locker です。
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadger は path に BadgerDB を開きます。path が空の場合はインメモリで開きます。
func OpenBadger(path string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // BadgerDB 独自のロガーは使わない

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close はデータベースを閉じます。
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC は値ログのガベージコレクションを 1 回実行します。
func (s *BadgerStore) RunGC() {
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		s.logger.Warn("badger value log gc failed", "error", err)
	}
}

// retryUpdate はトランザクション競合時に更新を再試行します。
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(updateRetryDelay)
		}
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("badger update failed after %d retries: %w", maxUpdateRetries, lastErr)
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if out[i], err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
}

func (s *BadgerStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string) error) error {
	p := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(string(it.Item().KeyCopy(nil))); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

// SetNX は競合したトランザクションを「取得できなかった」とみなします。
func (s *BadgerStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(newEntry(key, []byte(value), ttl)); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *BadgerStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	deleted := false
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		deleted = false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, []byte(value)) {
			return nil
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}
