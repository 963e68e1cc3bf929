// Package kv はキーごとの有効期限を持つキーバリューストアを提供します。
// ステータスキャッシュと分散ロックの両方から利用されます。
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound はキーが存在しない（または期限切れ）ことを表します。
var ErrNotFound = errors.New("kv: key not found")

// Store はステータスキャッシュが必要とする操作です。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet は keys と同じ順序で値を返します。存在しないキーは nil です。
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Scan は prefix に一致するキーを fn に渡します。fn が ErrStopScan を返すと打ち切ります。
	Scan(ctx context.Context, prefix string, fn func(key string) error) error
}

// ErrStopScan は Scan を途中で止めるために fn から返します。
var ErrStopScan = errors.New("kv: stop scan")

// Locker は分散ロックが必要とするアトミック操作です。
type Locker interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}
