// Package lock は整合性スイープを単一実行にするための分散ロックを提供します。
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/epub-forge/internal/kv"
)

// DefaultPollInterval は Acquire の再試行間隔です。
const DefaultPollInterval = 100 * time.Millisecond

// Handle は取得済みロックです。Owner が保存値と一致する間だけ解放できます。
type Handle struct {
	Key        string
	Owner      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Provider は kv.Locker の上にロック操作を提供します。
type Provider struct {
	backend      kv.Locker
	logger       *slog.Logger
	pollInterval time.Duration
	newToken     func() string
}

// NewProvider は Provider を作成します。
func NewProvider(backend kv.Locker, logger *slog.Logger) *Provider {
	return &Provider{
		backend:      backend,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		newToken:     func() string { return uuid.NewString() },
	}
}

// WithPollInterval は Acquire のポーリング間隔を変更した Provider を返します。
func (p *Provider) WithPollInterval(d time.Duration) *Provider {
	cp := *p
	if d > 0 {
		cp.pollInterval = d
	}
	return &cp
}

// TryAcquire はブロックせずにロック取得を試みます。他者が保持している場合は nil, nil です。
func (p *Provider) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	owner := p.newToken()
	ok, err := p.backend.SetNX(ctx, key, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Handle{Key: key, Owner: owner, AcquiredAt: time.Now().UTC(), TTL: ttl}, nil
}

// Acquire は timeout が経過するまで TryAcquire を繰り返します。取得できなければ nil, nil です。
func (p *Provider) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		h, err := p.TryAcquire(ctx, key, ttl)
		if err != nil || h != nil {
			return h, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release は保存値が自分の Owner と一致する場合のみキーを削除します。
// 期限切れ後に他者が再取得したロックは解放せず false を返します。
func (p *Provider) Release(ctx context.Context, h *Handle) (bool, error) {
	if h == nil {
		return false, nil
	}
	released, err := p.backend.CompareAndDelete(ctx, h.Key, h.Owner)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", h.Key, err)
	}
	if !released {
		p.logger.Warn("lock was not released: owner changed or lock expired", "key", h.Key, "owner", h.Owner)
	}
	return released, nil
}

// IsLocked は診断用にキーが保持されているかを返します。
func (p *Provider) IsLocked(ctx context.Context, key string) (bool, error) {
	return p.backend.Exists(ctx, key)
}
