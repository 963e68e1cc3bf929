// Package status は照会時に永続ストア、キャッシュ、キューの 3 つの視点を統合します。
package status

import (
	"time"

	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/queue"
)

// Source は解決済み状態の出所です。
type Source string

const (
	SourceDurable Source = "durable"
	SourceCache   Source = "cache"
	SourceQueue   Source = "queue"
)

// rank は優先度です。queue > cache > durable。
func (s Source) rank() int {
	switch s {
	case SourceQueue:
		return 3
	case SourceCache:
		return 2
	case SourceDurable:
		return 1
	default:
		return 0
	}
}

// View はある視点から見たジョブの状態です。
type View struct {
	Status      jobs.Status
	ArtifactURL string
	ErrorDetail string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Source      Source
}

// MergeStatus は incoming が current より優先される場合にだけ状態を置き換えます。
// 終端状態を非終端状態で置き換えることはありません。2 つめの戻り値は状態が変わったかどうかです。
// 状態が一致する場合は、優先度が同等以上の incoming で空の詳細項目だけを補います。
func MergeStatus(current, incoming View) (View, bool) {
	if incoming.Status == "" {
		return current, false
	}
	if incoming.Status == current.Status {
		if incoming.Source.rank() >= current.Source.rank() {
			current = fillDetails(current, incoming)
		}
		return current, false
	}
	if incoming.Source.rank() < current.Source.rank() {
		return current, false
	}
	if current.Status.IsTerminal() && !incoming.Status.IsTerminal() {
		return current, false
	}

	merged := current
	merged.Status = incoming.Status
	merged.Source = incoming.Source
	if incoming.ArtifactURL != "" {
		merged.ArtifactURL = incoming.ArtifactURL
	}
	if incoming.ErrorDetail != "" {
		merged.ErrorDetail = incoming.ErrorDetail
	}
	if incoming.StartedAt != nil {
		merged.StartedAt = incoming.StartedAt
	}
	if incoming.CompletedAt != nil {
		merged.CompletedAt = incoming.CompletedAt
	}
	return merged, true
}

// fillDetails は current の空の項目を incoming で埋めます。
func fillDetails(current, incoming View) View {
	if current.ArtifactURL == "" {
		current.ArtifactURL = incoming.ArtifactURL
	}
	if current.ErrorDetail == "" {
		current.ErrorDetail = incoming.ErrorDetail
	}
	if current.StartedAt == nil {
		current.StartedAt = incoming.StartedAt
	}
	if current.CompletedAt == nil {
		current.CompletedAt = incoming.CompletedAt
	}
	return current
}

func viewFromRecord(r *jobs.Record) View {
	return View{
		Status:      r.Status,
		ArtifactURL: r.ArtifactURL,
		ErrorDetail: r.ErrorDetail,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Source:      SourceDurable,
	}
}

func viewFromSnapshot(s *jobs.Snapshot) View {
	if s == nil {
		return View{}
	}
	return View{
		Status:      s.Status,
		ArtifactURL: s.ArtifactURL,
		ErrorDetail: s.ErrorDetail,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Source:      SourceCache,
	}
}

func viewFromLive(l *queue.LiveStatus) View {
	if l == nil {
		return View{}
	}
	v := View{
		Status:      l.Status,
		ArtifactURL: l.ArtifactURL,
		Source:      SourceQueue,
	}
	if l.Status == jobs.StatusFailed {
		v.ErrorDetail = l.LastError
	}
	if !l.CompletedAt.IsZero() {
		v.CompletedAt = jobs.TimePtr(l.CompletedAt.UTC())
	}
	return v
}
