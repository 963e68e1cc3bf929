// Package events はキューの終端イベントをステータスキャッシュへ反映します。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourusername/epub-forge/internal/cache"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/metrics"
)

// Source はキューごとのライフサイクルイベントを配送します。配送は at-least-once です。
type Source interface {
	Consume(ctx context.Context, queues []string, handle func(context.Context, jobs.Event) error) error
}

// CacheWriter はイベントの書き込み先です。
type CacheWriter interface {
	Write(ctx context.Context, queue, jobID string, update cache.Update, ttl time.Duration) error
}

// Handler は completed / failed イベントをキャッシュ書き込みとカウンタに変換します。
type Handler struct {
	cache   CacheWriter
	metrics *metrics.Collector
	logger  *slog.Logger
	queues  []string
	now     func() time.Time
}

// NewHandler は queues を購読する Handler を作成します。
func NewHandler(c CacheWriter, collector *metrics.Collector, logger *slog.Logger, queues ...string) *Handler {
	if len(queues) == 0 {
		queues = jobs.Queues
	}
	return &Handler{
		cache:   c,
		metrics: collector,
		logger:  logger,
		queues:  queues,
		now:     time.Now,
	}
}

// Run は ctx が終了するまで src のイベントを処理します。
func (h *Handler) Run(ctx context.Context, src Source) error {
	h.logger.Info("event handler started", "queues", h.queues)
	return src.Consume(ctx, h.queues, h.Handle)
}

// Handle は 1 件のイベントを処理します。終端以外のイベントは無視します。
// 同じイベントを何度処理しても結果は変わりません。
func (h *Handler) Handle(ctx context.Context, ev jobs.Event) error {
	if !h.registered(ev.Queue) {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = h.now()
	}
	at = at.UTC()

	var update cache.Update
	switch ev.Type {
	case jobs.EventCompleted:
		update = cache.Update{Status: jobs.StatusCompleted, CompletedAt: &at}
		if ev.Result != nil {
			update.ArtifactURL = ev.Result.ArtifactURL
			if body, err := json.Marshal(ev.Result); err == nil {
				update.Payload = body
			}
		}
	case jobs.EventFailed:
		reason := ev.Reason
		if reason == "" {
			reason = "job failed without reason"
		}
		update = cache.Update{Status: jobs.StatusFailed, ErrorDetail: reason, CompletedAt: &at}
	default:
		return nil
	}

	if err := h.cache.Write(ctx, ev.Queue, ev.JobID, update, 0); err != nil {
		return fmt.Errorf("apply %s event for %s: %w", ev.Type, ev.JobID, err)
	}

	if h.metrics != nil {
		if ev.Type == jobs.EventCompleted {
			h.metrics.RecordCompleted(ev.Queue, at)
		} else {
			h.metrics.RecordFailed(ev.Queue, at)
		}
	}
	h.logger.Debug("applied lifecycle event", "queue", ev.Queue, "job_id", ev.JobID, "type", ev.Type)
	return nil
}

func (h *Handler) registered(queue string) bool {
	for _, q := range h.queues {
		if q == queue {
			return true
		}
	}
	return false
}
