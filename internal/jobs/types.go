package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses は定義済みの全状態です。
var AllStatuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// ActiveStatuses はまだ終了していない状態です。
var ActiveStatuses = []Status{StatusQueued, StatusProcessing}

// IsTerminal は Completed / Failed のどちらかであれば true を返します。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid は既知の状態かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseStatus は文字列を Status に変換します。
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status: %q", raw)
	}
	return s, nil
}

// Record は永続ストアに保存されるジョブの正となるレコードです。
type Record struct {
	ID          string     `json:"jobId"`
	SubjectID   string     `json:"subjectId"`
	OwnerID     string     `json:"ownerId,omitempty"`
	Status      Status     `json:"status"`
	ArtifactURL string     `json:"artifactUrl,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Validate はレコードの不変条件を検証します。
// 違反時は ErrInvariant をラップしたエラーを返します。
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrInvariant)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: record id is empty", ErrInvariant)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: job %s has unknown status %q", ErrInvariant, r.ID, r.Status)
	}
	switch r.Status {
	case StatusCompleted:
		if r.ArtifactURL == "" {
			return fmt.Errorf("%w: job %s is completed without artifactUrl", ErrInvariant, r.ID)
		}
	case StatusFailed:
		if r.ErrorDetail == "" {
			return fmt.Errorf("%w: job %s is failed without errorDetail", ErrInvariant, r.ID)
		}
	case StatusProcessing:
		if r.StartedAt == nil {
			return fmt.Errorf("%w: job %s is processing without startedAt", ErrInvariant, r.ID)
		}
	}
	return nil
}

// Clone はレコードのコピーを返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}

// Snapshot はステータスキャッシュに保存される一時的な状態です。
type Snapshot struct {
	JobID       string          `json:"jobId"`
	Status      Status          `json:"status,omitempty"`
	ArtifactURL string          `json:"artifactUrl,omitempty"`
	ErrorDetail string          `json:"errorDetail,omitempty"`
	OwnerID     string          `json:"ownerId,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// IssueKind は整合性チェックで検出された問題の種別です。
type IssueKind string

const (
	IssueStatusMismatch     IssueKind = "status_mismatch"
	IssueOwnerMismatch      IssueKind = "owner_mismatch"
	IssueMissingCacheEntry  IssueKind = "missing_cache_entry"
	IssueOrphanedCacheEntry IssueKind = "orphaned_cache_entry"
)

// Severity は問題の深刻度です。
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue は永続ストアとキャッシュの食い違いを表します。
// 保存はされず、修復処理と運用レポートで消費されます。
type Issue struct {
	Kind         IssueKind `json:"kind"`
	JobID        string    `json:"jobId"`
	DurableValue string    `json:"durableValue"`
	CacheValue   string    `json:"cacheValue"`
	Severity     Severity  `json:"severity"`
	Repaired     bool      `json:"repaired"`
	Note         string    `json:"note,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr は time.Time のポインタを返します。
func TimePtr(t time.Time) *time.Time {
	return &t
}
