// Package queue は asynq 上のキューランタイムです。
// ジョブの投入、実行中状態の照会、ワーカーサーバー、ライフサイクルイベントの配送を扱います。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/epub-forge/internal/jobs"
)

const (
	taskTypeConvert = "epub:convert"
	taskTypeDeliver = "epub:deliver"
)

var taskTypes = map[string]string{
	jobs.QueueConvert: taskTypeConvert,
	jobs.QueueDeliver: taskTypeDeliver,
}

// Options はタスク投入時の既定値です。
type Options struct {
	MaxRetry  int
	Retention time.Duration
}

// LiveStatus はキューランタイムから見たジョブのその時点の状態です。
type LiveStatus struct {
	Status      jobs.Status
	ArtifactURL string
	LastError   string
	CompletedAt time.Time
	Payload     []byte
}

// Runtime は asynq のクライアントとインスペクタをまとめたものです。
type Runtime struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      Options
	logger    *slog.Logger
}

// NewRuntime は Redis URL から Runtime を作成します。
func NewRuntime(redisURL string, opts Options, logger *slog.Logger) (*Runtime, error) {
	conn, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRuntimeFromConn(conn, opts, logger), nil
}

// NewRuntimeFromConn は接続オプションから Runtime を作成します。
func NewRuntimeFromConn(conn asynq.RedisConnOpt, opts Options, logger *slog.Logger) *Runtime {
	return &Runtime{
		client:    asynq.NewClient(conn),
		inspector: asynq.NewInspector(conn),
		opts:      opts,
		logger:    logger,
	}
}

// Close はクライアントとインスペクタを閉じます。
func (r *Runtime) Close() error {
	return errors.Join(r.client.Close(), r.inspector.Close())
}

// Enqueue はペイロードをキューへ投入し、タスクIDを返します。
// 同じタスクIDが既に存在する場合は投入済みとして扱います。
func (r *Runtime) Enqueue(ctx context.Context, payload jobs.Payload, extra ...asynq.Option) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	typeName, ok := taskTypes[payload.QueueName()]
	if !ok {
		return "", fmt.Errorf("%w: unknown queue %q", jobs.ErrValidation, payload.QueueName())
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	options := []asynq.Option{
		asynq.TaskID(payload.TaskID()),
		asynq.Queue(payload.QueueName()),
		asynq.MaxRetry(r.opts.MaxRetry),
	}
	if r.opts.Retention > 0 {
		options = append(options, asynq.Retention(r.opts.Retention))
	}
	options = append(options, extra...)

	info, err := r.client.EnqueueContext(ctx, asynq.NewTask(typeName, body), options...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		r.logger.Info("task already enqueued", "queue", payload.QueueName(), "task_id", payload.TaskID())
		return payload.TaskID(), nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", payload.QueueName(), err)
	}
	return info.ID, nil
}

// LiveStatus はキュー上のタスク状態を返します。キューがタスクを知らない場合は nil, nil です。
// インスペクタは context を受け取らないため、ctx の期限で打ち切ります。
func (r *Runtime) LiveStatus(ctx context.Context, queue, jobID string) (*LiveStatus, error) {
	info, err := r.taskInfo(ctx, queue, jobID)
	if err != nil || info == nil {
		return nil, err
	}
	status, ok := mapTaskState(info.State)
	if !ok {
		return nil, fmt.Errorf("unknown task state %v for %s", info.State, jobID)
	}
	live := &LiveStatus{
		Status:      status,
		LastError:   info.LastErr,
		CompletedAt: info.CompletedAt,
		Payload:     info.Payload,
	}
	if status == jobs.StatusFailed && live.LastError == "" {
		live.LastError = "task archived by queue runtime"
	}
	if len(info.Result) > 0 {
		var res jobs.Result
		if err := json.Unmarshal(info.Result, &res); err == nil {
			live.ArtifactURL = res.ArtifactURL
		}
	}
	return live, nil
}

// JobData はキュー上のタスクからペイロードを復元します。存在しない場合は nil, nil です。
func (r *Runtime) JobData(ctx context.Context, queue, jobID string) (jobs.Payload, error) {
	info, err := r.taskInfo(ctx, queue, jobID)
	if err != nil || info == nil {
		return nil, err
	}
	return jobs.DecodePayload(queue, info.Payload)
}

func (r *Runtime) taskInfo(ctx context.Context, queue, jobID string) (*asynq.TaskInfo, error) {
	type lookup struct {
		info *asynq.TaskInfo
		err  error
	}
	done := make(chan lookup, 1)
	go func() {
		info, err := r.inspector.GetTaskInfo(queue, TaskIDFor(queue, jobID))
		done <- lookup{info: info, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if errors.Is(res.err, asynq.ErrTaskNotFound) || errors.Is(res.err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		if res.err != nil {
			return nil, fmt.Errorf("inspect %s/%s: %w", queue, jobID, res.err)
		}
		return res.info, nil
	}
}

// TaskIDFor はジョブIDからキューごとのタスクIDを導出します。
func TaskIDFor(queue, jobID string) string {
	if queue == jobs.QueueDeliver {
		return (&jobs.DeliverPayload{JobID: jobID}).TaskID()
	}
	return jobID
}

func mapTaskState(state asynq.TaskState) (jobs.Status, bool) {
	switch state {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		return jobs.StatusQueued, true
	case asynq.TaskStateActive:
		return jobs.StatusProcessing, true
	case asynq.TaskStateCompleted:
		return jobs.StatusCompleted, true
	case asynq.TaskStateArchived:
		return jobs.StatusFailed, true
	default:
		return "", false
	}
}
