// Package conversion は変換ジョブの投入、ワーカー処理、ヘルス情報の提供を担います。
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/epub-forge/internal/cache"
	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/metrics"
	"github.com/yourusername/epub-forge/internal/queue"
)

// maxSubjectIDLength は subjectId の最大長です。
const maxSubjectIDLength = 512

// Repository は Manager が使う永続ストアの操作です。
type Repository interface {
	FindByID(ctx context.Context, id string) (*jobs.Record, error)
	Save(ctx context.Context, record *jobs.Record) error
}

// CacheWriter はステータスキャッシュへの書き込み口です。
type CacheWriter interface {
	Write(ctx context.Context, queue, jobID string, update cache.Update, ttl time.Duration) error
}

// Enqueuer はキューへの投入口です。
type Enqueuer interface {
	Enqueue(ctx context.Context, payload jobs.Payload, opts ...asynq.Option) (string, error)
}

// Converter は 1 件の変換を実行します。
type Converter interface {
	Run(ctx context.Context, jobID, subjectID string) (*jobs.Result, error)
}

// HealthCheck はバックエンドの疎通確認です。
type HealthCheck func(ctx context.Context) error

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	repo      Repository
	cache     CacheWriter
	queue     Enqueuer
	converter Converter
	notifier  convert.Notifier
	metrics   *metrics.Collector
	logger    *slog.Logger
	checks    map[string]HealthCheck
	now       func() time.Time
	newID     func() string
}

// NewManager は Manager を初期化します。
func NewManager(repo Repository, c CacheWriter, q Enqueuer, collector *metrics.Collector, logger *slog.Logger) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if q == nil {
		return nil, errors.New("enqueuer is nil")
	}
	if collector == nil {
		return nil, errors.New("metrics collector is nil")
	}
	return &Manager{
		repo:    repo,
		cache:   c,
		queue:   q,
		metrics: collector,
		logger:  logger,
		checks:  map[string]HealthCheck{},
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// WithWorker は変換と通知の実装を設定します。ワーカーを動かすプロセスでのみ必要です。
func (m *Manager) WithWorker(c Converter, n convert.Notifier) *Manager {
	m.converter = c
	m.notifier = n
	return m
}

// AddHealthCheck は Health に含める疎通確認を登録します。
func (m *Manager) AddHealthCheck(name string, check HealthCheck) {
	m.checks[name] = check
}

// Submit は変換ジョブを登録してキューへ投入し、ジョブIDを返します。
// ownerID は空でも構いません（匿名ジョブ）。
func (m *Manager) Submit(ctx context.Context, subjectID, ownerID string) (string, error) {
	subjectID = strings.TrimSpace(subjectID)
	ownerID = strings.TrimSpace(ownerID)
	if subjectID == "" {
		return "", jobs.NewValidationError("subjectId は必須です。")
	}
	if len(subjectID) > maxSubjectIDLength {
		return "", jobs.NewValidationError(fmt.Sprintf("subjectId は %d 文字以内で指定してください。", maxSubjectIDLength))
	}

	now := m.now().UTC()
	record := &jobs.Record{
		ID:        m.newID(),
		SubjectID: subjectID,
		OwnerID:   ownerID,
		Status:    jobs.StatusQueued,
		CreatedAt: now,
	}
	if err := m.repo.Save(ctx, record); err != nil {
		return "", fmt.Errorf("save job: %w", err)
	}
	m.writeCache(ctx, jobs.QueueConvert, record.ID, cache.Update{Status: jobs.StatusQueued, OwnerID: ownerID})

	payload := &jobs.ConvertPayload{JobID: record.ID, SubjectID: subjectID, OwnerID: ownerID}
	if _, err := m.queue.Enqueue(ctx, payload); err != nil {
		m.logger.Error("enqueue failed; marking job failed", "job_id", record.ID, "error", err)
		m.fail(context.WithoutCancel(ctx), record, "enqueue failed: "+err.Error())
		return "", fmt.Errorf("enqueue job %s: %w", record.ID, err)
	}

	m.logger.Info("job submitted", "job_id", record.ID, "subject_id", subjectID, "owner_id", ownerID)
	return record.ID, nil
}

// Register はワーカーサーバーにタスクハンドラを登録します。
func (m *Manager) Register(srv *queue.Server) error {
	if m.converter == nil {
		return errors.New("converter is not configured")
	}
	if err := srv.Handle(jobs.QueueConvert, m.HandleConvert); err != nil {
		return err
	}
	return srv.Handle(jobs.QueueDeliver, m.HandleDeliver)
}

// HandleConvert は変換タスクを処理します。
// 開始時に processing、終了時に completed / failed を永続ストアとキャッシュへ書き込みます。
func (m *Manager) HandleConvert(ctx context.Context, payload jobs.Payload) (*jobs.Result, error) {
	p, ok := payload.(*jobs.ConvertPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T: %w", payload, asynq.SkipRetry)
	}

	record, err := m.repo.FindByID(ctx, p.JobID)
	if jobs.IsNotFound(err) {
		return nil, fmt.Errorf("job %s has no durable record: %w", p.JobID, asynq.SkipRetry)
	}
	if err != nil {
		return nil, err
	}
	switch record.Status {
	case jobs.StatusCompleted:
		m.logger.Info("job already completed; skipping redelivered task", "job_id", p.JobID)
		return &jobs.Result{ArtifactURL: record.ArtifactURL}, nil
	case jobs.StatusFailed:
		return nil, fmt.Errorf("job %s already failed: %s: %w", p.JobID, record.ErrorDetail, asynq.SkipRetry)
	}

	m.markProcessing(ctx, record)

	result, err := m.converter.Run(ctx, p.JobID, p.SubjectID)
	if err != nil {
		if queue.IsFinalAttempt(ctx, err) {
			m.fail(ctx, record, err.Error())
		}
		return nil, err
	}
	if result == nil || result.ArtifactURL == "" {
		err := fmt.Errorf("converter returned no artifact: %w", asynq.SkipRetry)
		m.fail(ctx, record, err.Error())
		return nil, err
	}

	m.complete(ctx, record, result)
	if record.OwnerID != "" {
		deliver := &jobs.DeliverPayload{JobID: record.ID, OwnerID: record.OwnerID, ArtifactURL: result.ArtifactURL}
		if _, err := m.queue.Enqueue(ctx, deliver); err != nil {
			m.logger.Warn("failed to enqueue delivery", "job_id", record.ID, "error", err)
		}
	}
	return result, nil
}

// HandleDeliver は完了通知タスクを処理します。
func (m *Manager) HandleDeliver(ctx context.Context, payload jobs.Payload) (*jobs.Result, error) {
	p, ok := payload.(*jobs.DeliverPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T: %w", payload, asynq.SkipRetry)
	}
	if m.notifier == nil {
		return nil, fmt.Errorf("notifier is not configured: %w", asynq.SkipRetry)
	}
	if err := m.notifier.Notify(ctx, p.OwnerID, p.JobID, p.ArtifactURL); err != nil {
		return nil, fmt.Errorf("notify %s: %w", p.OwnerID, err)
	}
	return &jobs.Result{ArtifactURL: p.ArtifactURL}, nil
}

func (m *Manager) markProcessing(ctx context.Context, record *jobs.Record) {
	now := m.now().UTC()
	next := record.Clone()
	next.Status = jobs.StatusProcessing
	if next.StartedAt == nil {
		next.StartedAt = &now
	}
	if err := m.repo.Save(ctx, next); err != nil {
		m.logger.Warn("failed to mark job processing", "job_id", record.ID, "error", err)
	} else {
		*record = *next
	}
	m.writeCache(ctx, jobs.QueueConvert, record.ID, cache.Update{Status: jobs.StatusProcessing, StartedAt: next.StartedAt, OwnerID: record.OwnerID})
}

func (m *Manager) complete(ctx context.Context, record *jobs.Record, result *jobs.Result) {
	now := m.now().UTC()
	next := record.Clone()
	next.Status = jobs.StatusCompleted
	next.ArtifactURL = result.ArtifactURL
	next.CompletedAt = &now
	if err := m.repo.Save(ctx, next); err != nil {
		m.logger.Warn("failed to mark job completed; reconciliation will repair it", "job_id", record.ID, "error", err)
	}
	m.writeCache(ctx, jobs.QueueConvert, record.ID, cache.Update{
		Status:      jobs.StatusCompleted,
		ArtifactURL: result.ArtifactURL,
		CompletedAt: &now,
		OwnerID:     record.OwnerID,
		Payload:     result.Data,
	})
}

func (m *Manager) fail(ctx context.Context, record *jobs.Record, detail string) {
	now := m.now().UTC()
	next := record.Clone()
	next.Status = jobs.StatusFailed
	next.ErrorDetail = detail
	next.CompletedAt = &now
	if err := m.repo.Save(ctx, next); err != nil {
		m.logger.Warn("failed to mark job failed", "job_id", record.ID, "error", err)
	}
	m.writeCache(ctx, jobs.QueueConvert, record.ID, cache.Update{Status: jobs.StatusFailed, ErrorDetail: detail, CompletedAt: &now})
}

// writeCache はキャッシュへ書き込みます。キャッシュは補助的な視点なので失敗は記録のみです。
func (m *Manager) writeCache(ctx context.Context, queueName, jobID string, update cache.Update) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Write(ctx, queueName, jobID, update, 0); err != nil {
		m.logger.Warn("status cache write failed", "queue", queueName, "job_id", jobID, "error", err)
	}
}

// Health はヘルスチェック結果です。
type Health struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Metrics metrics.Snapshot  `json:"metrics"`
}

// Health はイベント集計、直近のスイープ要約、不整合件数と各バックエンドの状態を返します。
func (m *Manager) Health(ctx context.Context) *Health {
	h := &Health{Status: "ok", Checks: make(map[string]string, len(m.checks)), Metrics: m.metrics.Snapshot()}
	for name, check := range m.checks {
		if err := check(ctx); err != nil {
			h.Checks[name] = err.Error()
			h.Status = "degraded"
			continue
		}
		h.Checks[name] = "ok"
	}
	return h
}
