// Package cache はジョブ状態の一時スナップショットを保存するステータスキャッシュです。
// 永続ストアの代わりにはならず、終端状態（completed / failed）を後から来た
// 非終端状態の書き込みで上書きしないことだけを保証します。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/kv"
	"github.com/yourusername/epub-forge/internal/metrics"
)

const keyPrefix = "status:"

// TTLPolicy は状態ごとの有効期限です。
type TTLPolicy struct {
	Active    time.Duration // queued / processing
	Completed time.Duration
	Failed    time.Duration
}

// DefaultTTLPolicy は completed 24時間、failed 7日、それ以外 1時間です。
var DefaultTTLPolicy = TTLPolicy{
	Active:    time.Hour,
	Completed: 24 * time.Hour,
	Failed:    7 * 24 * time.Hour,
}

// For は status に対応する有効期限を返します。
func (p TTLPolicy) For(status jobs.Status) time.Duration {
	switch status {
	case jobs.StatusCompleted:
		return p.Completed
	case jobs.StatusFailed:
		return p.Failed
	default:
		return p.Active
	}
}

// Update はスナップショットへの部分更新です。ゼロ値のフィールドは既存値を残します。
type Update struct {
	Status      jobs.Status
	ArtifactURL string
	ErrorDetail string
	OwnerID     string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Payload     json.RawMessage
}

// StatusCache はステータススナップショットの読み書きを提供します。
type StatusCache struct {
	store   kv.Store
	policy  TTLPolicy
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// Option は StatusCache の設定を変更します。
type Option func(*StatusCache)

// WithTTLPolicy は有効期限ポリシーを差し替えます。
func WithTTLPolicy(p TTLPolicy) Option {
	return func(c *StatusCache) { c.policy = p }
}

// WithClock はテスト用に時刻関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(c *StatusCache) { c.now = now }
}

// New は StatusCache を作成します。
func New(store kv.Store, collector *metrics.Collector, logger *slog.Logger, opts ...Option) *StatusCache {
	c := &StatusCache{
		store:   store,
		policy:  DefaultTTLPolicy,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write は既存スナップショットに update を浅くマージして保存します。
// 既存が終端状態で update が非終端状態を指定している場合は、更新全体を破棄します。
// ttl が 0 の場合は結果の状態に応じたポリシー値を使います。
func (c *StatusCache) Write(ctx context.Context, queue, jobID string, update Update, ttl time.Duration) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	existing, err := c.Read(ctx, queue, jobID)
	if err != nil {
		return err
	}

	if existing != nil && existing.Status.IsTerminal() && update.Status != "" && !update.Status.IsTerminal() {
		c.logger.Warn("rejected non-terminal cache write over terminal status",
			"queue", queue, "job_id", jobID, "current", existing.Status, "incoming", update.Status)
		if c.metrics != nil {
			c.metrics.RecordRejectedWrite()
		}
		return nil
	}

	snap := existing
	if snap == nil {
		snap = &jobs.Snapshot{JobID: jobID}
	}
	apply(snap, update)
	snap.UpdatedAt = c.now().UTC()

	if ttl <= 0 {
		ttl = c.policy.For(snap.Status)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, Key(queue, jobID), payload, ttl)
}

func apply(snap *jobs.Snapshot, u Update) {
	if u.Status != "" {
		snap.Status = u.Status
	}
	if u.ArtifactURL != "" {
		snap.ArtifactURL = u.ArtifactURL
	}
	if u.ErrorDetail != "" {
		snap.ErrorDetail = u.ErrorDetail
	}
	if u.OwnerID != "" {
		snap.OwnerID = u.OwnerID
	}
	if u.StartedAt != nil {
		snap.StartedAt = jobs.TimePtr(u.StartedAt.UTC())
	}
	if u.CompletedAt != nil {
		snap.CompletedAt = jobs.TimePtr(u.CompletedAt.UTC())
	}
	if len(u.Payload) > 0 {
		snap.Payload = u.Payload
	}
}

// Read はスナップショットを取得します。存在しない場合は nil, nil を返します。
func (c *StatusCache) Read(ctx context.Context, queue, jobID string) (*jobs.Snapshot, error) {
	data, err := c.store.Get(ctx, Key(queue, jobID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var snap jobs.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", jobID, err)
	}
	return &snap, nil
}

// Remove はスナップショットを削除します。
func (c *StatusCache) Remove(ctx context.Context, queue string, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = Key(queue, id)
	}
	return c.store.Delete(ctx, keys...)
}

// BatchRead は複数ジョブのスナップショットを取得します。存在しないものは結果に含まれません。
func (c *StatusCache) BatchRead(ctx context.Context, queue string, jobIDs []string) (map[string]*jobs.Snapshot, error) {
	out := make(map[string]*jobs.Snapshot, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = Key(queue, id)
	}
	values, err := c.store.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	for i, data := range values {
		if data == nil {
			continue
		}
		var snap jobs.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			c.logger.Warn("skipping undecodable snapshot", "queue", queue, "job_id", jobIDs[i], "error", err)
			continue
		}
		out[jobIDs[i]] = &snap
	}
	return out, nil
}

// ScanJobIDs は queue のスナップショットが存在するジョブIDを最大 limit 件返します。
func (c *StatusCache) ScanJobIDs(ctx context.Context, queue string, limit int) ([]string, error) {
	prefix := queuePrefix(queue)
	var ids []string
	err := c.store.Scan(ctx, prefix, func(key string) error {
		ids = append(ids, strings.TrimPrefix(key, prefix))
		if limit > 0 && len(ids) >= limit {
			return kv.ErrStopScan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Key はスナップショットのキーを返します。
func Key(queue, jobID string) string {
	return queuePrefix(queue) + jobID
}

func queuePrefix(queue string) string {
	return keyPrefix + queue + ":"
}
