// Package metrics はプロセス単位の運用カウンタを集約します。
// コレクタは main で 1 つ作成し、各コンポーネントへ注入します。
package metrics

import (
	"sync"
	"time"
)

// QueueEvents はキューごとのライフサイクルイベント集計です。
type QueueEvents struct {
	Completed     int64     `json:"completedCount"`
	Failed        int64     `json:"failedCount"`
	LastEventTime time.Time `json:"lastEventTime,omitempty"`
}

// SweepSummary は直近の整合性スイープ結果の要約です。
type SweepSummary struct {
	RunID         string        `json:"runId"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
	Skipped       bool          `json:"skipped"`
	Checked       int           `json:"checked"`
	Issues        int           `json:"issues"`
	Critical      int           `json:"critical"`
	Repaired      int           `json:"repaired"`
	RepairSkipped int           `json:"repairSkipped"`
	Collected     int           `json:"collected"`
	Orphans       int           `json:"orphans"`
	ItemErrors    int           `json:"itemErrors"`
}

// Snapshot はある時点のカウンタのコピーです。
type Snapshot struct {
	Events         map[string]QueueEvents `json:"events"`
	RejectedWrites int64                  `json:"rejectedWrites"`
	ReadRepairs    int64                  `json:"readRepairs"`
	Anomalies      int64                  `json:"anomalies"`
	DegradedReads  int64                  `json:"degradedReads"`
	LastSweep      *SweepSummary          `json:"lastSweep,omitempty"`
	SweepsRun      int64                  `json:"sweepsRun"`
	SweepsSkipped  int64                  `json:"sweepsSkipped"`
	CollectedAt    time.Time              `json:"collectedAt"`
}

// Collector はスレッドセーフなカウンタ集合です。
type Collector struct {
	mu             sync.Mutex
	now            func() time.Time
	events         map[string]*QueueEvents
	rejectedWrites int64
	readRepairs    int64
	anomalies      int64
	degradedReads  int64
	lastSweep      *SweepSummary
	sweepsRun      int64
	sweepsSkipped  int64
}

// NewCollector は Collector を作成します。
func NewCollector() *Collector {
	return &Collector{
		now:    time.Now,
		events: make(map[string]*QueueEvents),
	}
}

func (c *Collector) queue(name string) *QueueEvents {
	q, ok := c.events[name]
	if !ok {
		q = &QueueEvents{}
		c.events[name] = q
	}
	return q
}

// RecordCompleted は completed イベントを 1 件記録します。
func (c *Collector) RecordCompleted(queue string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	q.Completed++
	if at.After(q.LastEventTime) {
		q.LastEventTime = at
	}
}

// RecordFailed は failed イベントを 1 件記録します。
func (c *Collector) RecordFailed(queue string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue(queue)
	q.Failed++
	if at.After(q.LastEventTime) {
		q.LastEventTime = at
	}
}

// RecordRejectedWrite は終端状態保護で拒否されたキャッシュ書き込みを記録します。
func (c *Collector) RecordRejectedWrite() {
	c.mu.Lock()
	c.rejectedWrites++
	c.mu.Unlock()
}

// RecordReadRepair は照会時の書き戻しを記録します。
func (c *Collector) RecordReadRepair() {
	c.mu.Lock()
	c.readRepairs++
	c.mu.Unlock()
}

// RecordAnomaly は永続化を見送った不整合を記録します。
func (c *Collector) RecordAnomaly() {
	c.mu.Lock()
	c.anomalies++
	c.mu.Unlock()
}

// RecordDegradedRead はキャッシュまたはキューに到達できなかった照会を記録します。
func (c *Collector) RecordDegradedRead() {
	c.mu.Lock()
	c.degradedReads++
	c.mu.Unlock()
}

// RecordSweep はスイープ結果を保存します。
func (c *Collector) RecordSweep(summary SweepSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if summary.Skipped {
		c.sweepsSkipped++
		return
	}
	c.sweepsRun++
	s := summary
	c.lastSweep = &s
}

// QueueEvents は指定キューの集計を返します。
func (c *Collector) QueueEvents(queue string) QueueEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.events[queue]; ok {
		return *q
	}
	return QueueEvents{}
}

// LastSweep は直近のスイープ要約を返します。未実行なら nil です。
func (c *Collector) LastSweep() *SweepSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSweep == nil {
		return nil
	}
	s := *c.lastSweep
	return &s
}

// Snapshot は全カウンタのコピーを返します。
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make(map[string]QueueEvents, len(c.events))
	for name, q := range c.events {
		events[name] = *q
	}
	snap := Snapshot{
		Events:         events,
		RejectedWrites: c.rejectedWrites,
		ReadRepairs:    c.readRepairs,
		Anomalies:      c.anomalies,
		DegradedReads:  c.degradedReads,
		SweepsRun:      c.sweepsRun,
		SweepsSkipped:  c.sweepsSkipped,
		CollectedAt:    c.now().UTC(),
	}
	if c.lastSweep != nil {
		s := *c.lastSweep
		snap.LastSweep = &s
	}
	return snap
}
