// Package reconcile は永続ストアとキャッシュの食い違いを定期的に検出、修復します。
//
// スイープは分散ロックの内側で 1 インスタンスだけが実行します。各フェーズは独立しており、
// 1 件の処理に失敗しても残りのジョブの処理は続きます。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/epub-forge/internal/cache"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/lock"
	"github.com/yourusername/epub-forge/internal/metrics"
	"github.com/yourusername/epub-forge/internal/queue"
	"github.com/yourusername/epub-forge/internal/store"
)

// LockKey はスイープの排他に使うロックキーです。
const LockKey = "lock:reconcile:sweep"

// gcMaxPages は 1 回のスイープで GC が読む最大ページ数です。残りは次回のスイープが続きから読みます。
const gcMaxPages = 10

// Cache はスイープが使うステータスキャッシュの操作です。
type Cache interface {
	Read(ctx context.Context, queue, jobID string) (*jobs.Snapshot, error)
	BatchRead(ctx context.Context, queue string, jobIDs []string) (map[string]*jobs.Snapshot, error)
	Write(ctx context.Context, queue, jobID string, update cache.Update, ttl time.Duration) error
	Remove(ctx context.Context, queue string, jobIDs ...string) error
	ScanJobIDs(ctx context.Context, queue string, limit int) ([]string, error)
}

// LiveReader はキューランタイムの照会口です。
type LiveReader interface {
	LiveStatus(ctx context.Context, queue, jobID string) (*queue.LiveStatus, error)
}

// Locker はスイープの排他に使うロックです。
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*lock.Handle, error)
	Release(ctx context.Context, h *lock.Handle) (bool, error)
}

// Options はスイープの対象範囲です。
type Options struct {
	AuditWindow     time.Duration
	BatchSize       int
	GCAfter         time.Duration
	OrphanScanLimit int
	LockTTL         time.Duration
	QueueTimeout    time.Duration
}

// DefaultOptions は 7 日分の監査と 7 日経過後の GC です。
var DefaultOptions = Options{
	AuditWindow:     7 * 24 * time.Hour,
	BatchSize:       500,
	GCAfter:         7 * 24 * time.Hour,
	OrphanScanLimit: 200,
	LockTTL:         10 * time.Minute,
	QueueTimeout:    2 * time.Second,
}

// Report は 1 回のスイープの結果です。
type Report struct {
	RunID         string       `json:"runId"`
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    time.Time    `json:"finishedAt"`
	Skipped       bool         `json:"skipped"`
	Checked       int          `json:"checked"`
	Issues        []jobs.Issue `json:"issues"`
	Repaired      int          `json:"repaired"`
	RepairSkipped int          `json:"repairSkipped"`
	Collected     int          `json:"collected"`
	Orphans       int          `json:"orphans"`
	ItemErrors    int          `json:"itemErrors"`

	checked map[string]struct{}
}

// markChecked は jobID を確認済みとして数えます。複数のフェーズで同じジョブを見ても 1 回です。
func (r *Report) markChecked(jobID string) {
	if r.checked == nil {
		r.checked = make(map[string]struct{})
	}
	if _, ok := r.checked[jobID]; ok {
		return
	}
	r.checked[jobID] = struct{}{}
	r.Checked++
}

// Summary はメトリクス用の要約を返します。
func (r *Report) Summary() metrics.SweepSummary {
	critical := 0
	for _, is := range r.Issues {
		if is.Severity == jobs.SeverityCritical {
			critical++
		}
	}
	return metrics.SweepSummary{
		RunID:         r.RunID,
		StartedAt:     r.StartedAt,
		Duration:      r.FinishedAt.Sub(r.StartedAt),
		Skipped:       r.Skipped,
		Checked:       r.Checked,
		Issues:        len(r.Issues),
		Critical:      critical,
		Repaired:      r.Repaired,
		RepairSkipped: r.RepairSkipped,
		Collected:     r.Collected,
		Orphans:       r.Orphans,
		ItemErrors:    r.ItemErrors,
	}
}

// IssuesOf は kind に一致する問題を返します。
func (r *Report) IssuesOf(kind jobs.IssueKind) []jobs.Issue {
	var out []jobs.Issue
	for _, is := range r.Issues {
		if is.Kind == kind {
			out = append(out, is)
		}
	}
	return out
}

// finding は修復に必要な文脈を伴う問題です。
type finding struct {
	issue  jobs.Issue
	record *jobs.Record
	snap   *jobs.Snapshot
}

// Service は整合性スイープを実行します。
type Service struct {
	repo    store.Repository
	cache   Cache
	live    LiveReader
	locker  Locker
	metrics *metrics.Collector
	logger  *slog.Logger
	opts    Options
	queue   string
	now     func() time.Time

	gcMu     sync.Mutex
	gcCursor *store.FinishedCursor
}

// NewService は Service を作成します。live は nil でも動作し、その場合キュー監査を省略します。
func NewService(repo store.Repository, c Cache, live LiveReader, locker Locker, collector *metrics.Collector, logger *slog.Logger, opts Options) *Service {
	return &Service{
		repo:    repo,
		cache:   c,
		live:    live,
		locker:  locker,
		metrics: collector,
		logger:  logger,
		opts:    opts,
		queue:   jobs.QueueConvert,
		now:     time.Now,
	}
}

// RunSweepOnce はロックを取得できた場合に 1 回分のスイープを実行します。
// 他のインスタンスが実行中であれば Skipped のレポートを返し、エラーにはしません。
func (s *Service) RunSweepOnce(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	log := s.logger.With("run_id", report.RunID)

	handle, err := s.locker.TryAcquire(ctx, LockKey, s.opts.LockTTL)
	if err != nil {
		log.Warn("sweep lock unavailable; not running now", "error", err)
	}
	if handle == nil {
		report.Skipped = true
		report.FinishedAt = s.now().UTC()
		s.record(report)
		log.Info("sweep skipped: another instance holds the lock")
		return report, nil
	}
	defer func() {
		if _, err := s.locker.Release(context.WithoutCancel(ctx), handle); err != nil {
			log.Warn("failed to release sweep lock", "error", err)
		}
	}()

	log.Info("sweep started")
	findings := s.audit(ctx, log, report)
	findings = append(findings, s.recoverOwners(ctx, log, report, findings)...)
	findings = append(findings, s.auditQueue(ctx, log, report)...)
	s.repair(ctx, log, report, findings)
	s.collect(ctx, log, report)
	s.scanOrphans(ctx, log, report)

	report.FinishedAt = s.now().UTC()
	s.record(report)
	log.Info("sweep finished",
		"checked", report.Checked,
		"issues", len(report.Issues),
		"repaired", report.Repaired,
		"repair_skipped", report.RepairSkipped,
		"collected", report.Collected,
		"orphans", report.Orphans,
		"item_errors", report.ItemErrors,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (s *Service) record(report *Report) {
	if s.metrics != nil {
		s.metrics.RecordSweep(report.Summary())
	}
}

// audit は最近更新されたジョブの状態と owner を比較します。
func (s *Service) audit(ctx context.Context, log *slog.Logger, report *Report) []finding {
	records, err := s.repo.FindUpdatedSince(ctx, s.now().Add(-s.opts.AuditWindow), s.opts.BatchSize)
	if err != nil {
		log.Error("status audit: listing durable jobs failed", "error", err)
		report.ItemErrors++
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	snaps, err := s.cache.BatchRead(ctx, s.queue, ids)
	if err != nil {
		log.Error("status audit: reading cache failed", "error", err)
		report.ItemErrors++
		return nil
	}

	var out []finding
	for _, rec := range records {
		report.markChecked(rec.ID)
		snap := snaps[rec.ID]
		if snap == nil {
			continue
		}
		if snap.Status != "" && snap.Status != rec.Status {
			out = append(out, finding{
				issue: jobs.Issue{
					Kind:         jobs.IssueStatusMismatch,
					JobID:        rec.ID,
					DurableValue: string(rec.Status),
					CacheValue:   string(snap.Status),
					Severity:     statusSeverity(rec.Status, snap.Status),
				},
				record: rec,
				snap:   snap,
			})
		}
		if sev, ok := ownerSeverity(rec.OwnerID, snap.OwnerID); ok {
			out = append(out, finding{
				issue: jobs.Issue{
					Kind:         jobs.IssueOwnerMismatch,
					JobID:        rec.ID,
					DurableValue: rec.OwnerID,
					CacheValue:   snap.OwnerID,
					Severity:     sev,
				},
				record: rec,
				snap:   snap,
			})
		}
	}
	return out
}

// recoverOwners は owner を失った完了済みジョブをキャッシュの owner で救済する候補を集めます。
func (s *Service) recoverOwners(ctx context.Context, log *slog.Logger, report *Report, seen []finding) []finding {
	records, err := s.repo.FindCompletedWithMissingOwner(ctx, s.now().Add(-s.opts.AuditWindow))
	if err != nil {
		log.Error("owner recovery: query failed", "error", err)
		report.ItemErrors++
		return nil
	}
	flagged := make(map[string]bool, len(seen))
	for _, f := range seen {
		if f.issue.Kind == jobs.IssueOwnerMismatch {
			flagged[f.issue.JobID] = true
		}
	}

	var out []finding
	for _, rec := range records {
		if flagged[rec.ID] {
			continue
		}
		snap, err := s.cache.Read(ctx, s.queue, rec.ID)
		if err != nil {
			log.Warn("owner recovery: cache read failed", "job_id", rec.ID, "error", err)
			report.ItemErrors++
			continue
		}
		if snap == nil || snap.OwnerID == "" {
			continue
		}
		out = append(out, finding{
			issue: jobs.Issue{
				Kind:       jobs.IssueOwnerMismatch,
				JobID:      rec.ID,
				CacheValue: snap.OwnerID,
				Severity:   jobs.SeverityCritical,
			},
			record: rec,
			snap:   snap,
		})
	}
	return out
}

// auditQueue は未終了のジョブをキューランタイムが把握しているかを確認します。
func (s *Service) auditQueue(ctx context.Context, log *slog.Logger, report *Report) []finding {
	if s.live == nil {
		return nil
	}
	records, err := s.repo.FindByStatus(ctx, jobs.ActiveStatuses, s.opts.BatchSize)
	if err != nil {
		log.Error("queue audit: listing active jobs failed", "error", err)
		report.ItemErrors++
		return nil
	}

	var out []finding
	for _, rec := range records {
		report.markChecked(rec.ID)
		lctx, cancel := context.WithTimeout(ctx, s.opts.QueueTimeout)
		live, err := s.live.LiveStatus(lctx, s.queue, rec.ID)
		cancel()
		if err != nil {
			log.Warn("queue audit: lookup failed; skipping job", "job_id", rec.ID, "error", err)
			report.ItemErrors++
			continue
		}
		if live != nil {
			continue
		}
		sev := jobs.SeverityMedium
		if rec.Status == jobs.StatusQueued {
			sev = jobs.SeverityHigh
		}
		out = append(out, finding{
			issue: jobs.Issue{
				Kind:         jobs.IssueMissingCacheEntry,
				JobID:        rec.ID,
				DurableValue: string(rec.Status),
				Severity:     sev,
				Note:         "queue runtime has no task for this job",
			},
			record: rec,
		})
	}
	return out
}

func (s *Service) repair(ctx context.Context, log *slog.Logger, report *Report, findings []finding) {
	for _, f := range findings {
		issue := f.issue
		var err error
		switch issue.Kind {
		case jobs.IssueStatusMismatch:
			err = s.repairStatus(ctx, f, &issue)
		case jobs.IssueOwnerMismatch:
			err = s.repairOwner(ctx, f, &issue)
		}

		switch {
		case err != nil && errors.Is(err, jobs.ErrInvariant):
			report.RepairSkipped++
			issue.Note = err.Error()
			if s.metrics != nil {
				s.metrics.RecordAnomaly()
			}
			log.Error("consistency anomaly; repair skipped", "job_id", issue.JobID, "kind", issue.Kind, "severity", issue.Severity, "error", err)
		case err != nil:
			report.ItemErrors++
			issue.Note = err.Error()
			log.Warn("repair failed", "job_id", issue.JobID, "kind", issue.Kind, "error", err)
		case issue.Repaired:
			report.Repaired++
			log.Info("repaired", "job_id", issue.JobID, "kind", issue.Kind, "durable", issue.DurableValue, "cache", issue.CacheValue)
		}
		report.Issues = append(report.Issues, issue)
	}
}

// repairStatus はキャッシュの値を正として永続ストアへ反映します。
// 永続ストアが終端でキャッシュが非終端の場合は、逆にキャッシュを永続ストアの値で更新します。
func (s *Service) repairStatus(ctx context.Context, f finding, issue *jobs.Issue) error {
	rec, snap := f.record, f.snap

	if rec.Status.IsTerminal() && !snap.Status.IsTerminal() {
		update := cache.Update{
			Status:      rec.Status,
			ArtifactURL: rec.ArtifactURL,
			ErrorDetail: rec.ErrorDetail,
			CompletedAt: rec.CompletedAt,
		}
		if err := s.cache.Write(ctx, s.queue, rec.ID, update, 0); err != nil {
			return fmt.Errorf("refresh cache from durable: %w", err)
		}
		issue.Repaired = true
		issue.Note = "cache refreshed from durable terminal status"
		return nil
	}

	if !jobs.CanTransition(rec.Status, snap.Status) {
		return fmt.Errorf("%w: %s -> %s is not a permitted transition", jobs.ErrInvariant, rec.Status, snap.Status)
	}

	next := rec.Clone()
	next.Status = snap.Status
	if next.ArtifactURL == "" {
		next.ArtifactURL = snap.ArtifactURL
	}
	if next.ErrorDetail == "" {
		next.ErrorDetail = snap.ErrorDetail
	}
	if next.StartedAt == nil {
		next.StartedAt = snap.StartedAt
	}
	if next.CompletedAt == nil {
		next.CompletedAt = snap.CompletedAt
	}
	if next.Status == jobs.StatusProcessing && next.StartedAt == nil {
		next.StartedAt = jobs.TimePtr(snap.UpdatedAt)
	}
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		next.CompletedAt = jobs.TimePtr(snap.UpdatedAt)
	}
	if next.OwnerID == "" {
		next.OwnerID = snap.OwnerID
	}

	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return err
	}
	issue.Repaired = true
	return nil
}

// repairOwner は空でない owner だけを復元します。推測で埋めることはありません。
func (s *Service) repairOwner(ctx context.Context, f finding, issue *jobs.Issue) error {
	rec, snap := f.record, f.snap
	switch {
	case rec.OwnerID == "" && snap.OwnerID != "":
		// 同じジョブの状態修復が先に保存している場合があるため読み直します。
		next, err := s.repo.FindByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		if next.OwnerID != "" {
			issue.Repaired = next.OwnerID == snap.OwnerID
			return nil
		}
		next.OwnerID = snap.OwnerID
		if err := s.repo.Save(ctx, next); err != nil {
			return err
		}
		issue.Repaired = true
		issue.Note = "owner restored from cache"
	case rec.OwnerID != "" && snap.OwnerID == "":
		if err := s.cache.Write(ctx, s.queue, rec.ID, cache.Update{OwnerID: rec.OwnerID}, 0); err != nil {
			return fmt.Errorf("restore cache owner: %w", err)
		}
		// 永続ストア側は無傷なので修復済みには数えず、問題として残します。
		issue.Note = "durable owner intact; cache owner refreshed from durable"
	default:
		issue.Note = "conflicting owners; left for manual review"
	}
	return nil
}

// collect は終端から GCAfter 以上経過したジョブのキャッシュを削除します。
// 新しい順にページを辿り、読み切れなかった分は次回のスイープがカーソルの続きから処理します。
func (s *Service) collect(ctx context.Context, log *slog.Logger, report *Report) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	before := s.now().Add(-s.opts.GCAfter)
	for page := 0; page < gcMaxPages; page++ {
		if ctx.Err() != nil {
			return
		}
		records, err := s.repo.FindFinishedBefore(ctx, before, s.gcCursor, s.opts.BatchSize)
		if err != nil {
			log.Error("cache gc: query failed", "error", err)
			report.ItemErrors++
			return
		}
		s.collectBatch(ctx, log, report, records)
		if s.opts.BatchSize <= 0 || len(records) < s.opts.BatchSize {
			// 末尾まで読んだので次回は最新から
			s.gcCursor = nil
			return
		}
		s.gcCursor = store.CursorOf(records[len(records)-1])
	}
}

func (s *Service) collectBatch(ctx context.Context, log *slog.Logger, report *Report, records []*jobs.Record) {
	if len(records) == 0 {
		return
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	for _, q := range jobs.Queues {
		present, err := s.cache.BatchRead(ctx, q, ids)
		if err != nil {
			log.Warn("cache gc: read failed", "queue", q, "error", err)
			report.ItemErrors++
			continue
		}
		if len(present) == 0 {
			continue
		}
		stale := make([]string, 0, len(present))
		for id := range present {
			stale = append(stale, id)
		}
		if err := s.cache.Remove(ctx, q, stale...); err != nil {
			log.Warn("cache gc: remove failed", "queue", q, "error", err)
			report.ItemErrors++
			continue
		}
		report.Collected += len(stale)
	}
}

// scanOrphans は永続レコードが存在しないキャッシュエントリを削除します。
func (s *Service) scanOrphans(ctx context.Context, log *slog.Logger, report *Report) {
	if s.opts.OrphanScanLimit <= 0 {
		return
	}
	ids, err := s.cache.ScanJobIDs(ctx, s.queue, s.opts.OrphanScanLimit)
	if err != nil {
		log.Warn("orphan scan failed", "error", err)
		report.ItemErrors++
		return
	}
	for _, id := range ids {
		_, err := s.repo.FindByID(ctx, id)
		if err == nil {
			continue
		}
		if !jobs.IsNotFound(err) {
			report.ItemErrors++
			continue
		}
		issue := jobs.Issue{Kind: jobs.IssueOrphanedCacheEntry, JobID: id, Severity: jobs.SeverityLow}
		if err := s.cache.Remove(ctx, s.queue, id); err != nil {
			issue.Note = err.Error()
			report.ItemErrors++
		} else {
			issue.Repaired = true
		}
		report.Orphans++
		report.Issues = append(report.Issues, issue)
	}
}

// statusSeverity はキャッシュが完了を主張し永続ストアが処理中のままの場合を最も重く扱います。
func statusSeverity(durable, cached jobs.Status) jobs.Severity {
	switch {
	case cached == jobs.StatusCompleted && durable == jobs.StatusProcessing:
		return jobs.SeverityCritical
	case cached.IsTerminal() && !durable.IsTerminal():
		return jobs.SeverityHigh
	case durable.IsTerminal() && !cached.IsTerminal():
		return jobs.SeverityMedium
	default:
		return jobs.SeverityLow
	}
}

// ownerSeverity は owner の食い違いの深刻度を返します。食い違いが無ければ false です。
func ownerSeverity(durable, cached string) (jobs.Severity, bool) {
	switch {
	case durable == cached:
		return "", false
	case durable == "" || cached == "":
		return jobs.SeverityCritical, true
	default:
		return jobs.SeverityHigh, true
	}
}
