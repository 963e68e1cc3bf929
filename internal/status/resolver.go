package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/metrics"
	"github.com/yourusername/epub-forge/internal/queue"
)

// DefaultQueueTimeout はキュー照会の既定タイムアウトです。
const DefaultQueueTimeout = 500 * time.Millisecond

// Repository は Resolver が使う永続ストアの操作です。
type Repository interface {
	FindByID(ctx context.Context, id string) (*jobs.Record, error)
	Save(ctx context.Context, record *jobs.Record) error
}

// SnapshotReader はキャッシュの読み取り口です。
type SnapshotReader interface {
	Read(ctx context.Context, queue, jobID string) (*jobs.Snapshot, error)
}

// LiveReader はキューランタイムの読み取り口です。
type LiveReader interface {
	LiveStatus(ctx context.Context, queue, jobID string) (*queue.LiveStatus, error)
}

// Resolution は照会結果です。
type Resolution struct {
	JobID       string      `json:"jobId"`
	SubjectID   string      `json:"subjectId"`
	OwnerID     string      `json:"ownerId,omitempty"`
	Status      jobs.Status `json:"status"`
	ArtifactURL string      `json:"artifactUrl,omitempty"`
	ErrorDetail string      `json:"errorDetail,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Source      Source      `json:"source"`
	WasRepaired bool        `json:"wasRepaired"`
}

// Resolver は 3 つの視点を統合し、食い違いを永続ストアへ書き戻します。
type Resolver struct {
	repo         Repository
	cache        SnapshotReader
	live         LiveReader
	metrics      *metrics.Collector
	logger       *slog.Logger
	queue        string
	queueTimeout time.Duration
	now          func() time.Time
}

// NewResolver は Resolver を作成します。cache と live は nil でも動作します。
func NewResolver(repo Repository, cache SnapshotReader, live LiveReader, collector *metrics.Collector, logger *slog.Logger) *Resolver {
	return &Resolver{
		repo:         repo,
		cache:        cache,
		live:         live,
		metrics:      collector,
		logger:       logger,
		queue:        jobs.QueueConvert,
		queueTimeout: DefaultQueueTimeout,
		now:          time.Now,
	}
}

// WithQueueTimeout はキュー照会のタイムアウトを変更します。
func (r *Resolver) WithQueueTimeout(d time.Duration) *Resolver {
	if d > 0 {
		r.queueTimeout = d
	}
	return r
}

// Resolve はジョブの現在の状態を返します。
// 永続レコードが無い場合は jobs.ErrNotFound を返します。キャッシュやキューの障害では失敗しません。
func (r *Resolver) Resolve(ctx context.Context, jobID string) (*Resolution, error) {
	if jobID == "" {
		return nil, jobs.NewValidationError("jobId は必須です。")
	}
	record, err := r.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := r.readCache(ctx, jobID)
	live := r.readQueue(ctx, jobID)

	view := viewFromRecord(record)
	view, _ = MergeStatus(view, viewFromSnapshot(snap))
	view, _ = MergeStatus(view, viewFromLive(live))

	res := &Resolution{
		JobID:       record.ID,
		SubjectID:   record.SubjectID,
		OwnerID:     record.OwnerID,
		Status:      view.Status,
		ArtifactURL: view.ArtifactURL,
		ErrorDetail: view.ErrorDetail,
		StartedAt:   view.StartedAt,
		CompletedAt: view.CompletedAt,
		Source:      view.Source,
	}
	if res.OwnerID == "" && snap != nil {
		res.OwnerID = snap.OwnerID
	}

	if view.Status != record.Status {
		backfill(res, snap)
		res.WasRepaired = true
		r.writeBack(ctx, record, res)
	}
	return res, nil
}

func (r *Resolver) readCache(ctx context.Context, jobID string) *jobs.Snapshot {
	if r.cache == nil {
		return nil
	}
	snap, err := r.cache.Read(ctx, r.queue, jobID)
	if err != nil {
		r.degraded("cache", jobID, err)
		return nil
	}
	return snap
}

func (r *Resolver) readQueue(ctx context.Context, jobID string) *queue.LiveStatus {
	if r.live == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, r.queueTimeout)
	defer cancel()
	live, err := r.live.LiveStatus(qctx, r.queue, jobID)
	if err != nil {
		r.degraded("queue", jobID, err)
		return nil
	}
	return live
}

func (r *Resolver) degraded(source, jobID string, err error) {
	r.logger.Warn("status source unavailable; serving degraded view", "source", source, "job_id", jobID, "error", err)
	if r.metrics != nil {
		r.metrics.RecordDegradedRead()
	}
}

// backfill はキャッシュのスナップショットから欠けている詳細を補います。
func backfill(res *Resolution, snap *jobs.Snapshot) {
	if snap == nil {
		return
	}
	if res.ArtifactURL == "" {
		res.ArtifactURL = snap.ArtifactURL
	}
	if res.ErrorDetail == "" {
		res.ErrorDetail = snap.ErrorDetail
	}
	if res.StartedAt == nil {
		res.StartedAt = snap.StartedAt
	}
	if res.CompletedAt == nil {
		res.CompletedAt = snap.CompletedAt
	}
}

// writeBack は解決結果を永続ストアへ反映します。失敗しても照会結果には影響しません。
func (r *Resolver) writeBack(ctx context.Context, current *jobs.Record, res *Resolution) {
	if !jobs.CanTransition(current.Status, res.Status) {
		// リトライ待ちのタスクは queued に見えるため、processing からの後退は書き戻さずに返すだけにします。
		r.logger.Debug("write-back skipped: not a forward transition", "job_id", res.JobID, "from", current.Status, "to", res.Status)
		return
	}

	next := current.Clone()
	next.Status = res.Status
	if res.ArtifactURL != "" {
		next.ArtifactURL = res.ArtifactURL
	}
	if res.ErrorDetail != "" {
		next.ErrorDetail = res.ErrorDetail
	}
	if next.StartedAt == nil {
		next.StartedAt = res.StartedAt
	}
	if next.CompletedAt == nil {
		next.CompletedAt = res.CompletedAt
	}
	if next.Status == jobs.StatusProcessing && next.StartedAt == nil {
		next.StartedAt = jobs.TimePtr(r.now().UTC())
	}
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		next.CompletedAt = jobs.TimePtr(r.now().UTC())
	}

	if err := next.Validate(); err != nil {
		r.anomaly(res.JobID, err.Error(), current.Status, res.Status)
		return
	}
	if err := r.repo.Save(ctx, next); err != nil {
		r.logger.Warn("read-path write-back failed", "job_id", res.JobID, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.RecordReadRepair()
	}
	r.logger.Info("repaired durable status from read path", "job_id", res.JobID, "from", current.Status, "to", res.Status, "source", res.Source)
}

func (r *Resolver) anomaly(jobID, reason string, from, to jobs.Status) {
	r.logger.Error("consistency anomaly; write-back skipped", "job_id", jobID, "from", from, "to", to, "reason", reason)
	if r.metrics != nil {
		r.metrics.RecordAnomaly()
	}
}
