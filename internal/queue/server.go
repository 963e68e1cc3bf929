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

// Handler はデコード済みペイロードを処理するワーカー関数です。
type Handler func(ctx context.Context, payload jobs.Payload) (*jobs.Result, error)

// EventPublisher はライフサイクルイベントの送信先です。
type EventPublisher interface {
	Publish(ctx context.Context, ev jobs.Event) error
}

// ServerOptions はワーカーサーバーの設定です。
type ServerOptions struct {
	Concurrency int
	Queues      map[string]int
}

// Server は asynq サーバーとルーティングを保持します。
type Server struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewServer は Server を作成します。Queues が空の場合は convert を優先する既定の重みを使います。
func NewServer(conn asynq.RedisConnOpt, opts ServerOptions, publisher EventPublisher, logger *slog.Logger) *Server {
	queues := opts.Queues
	if len(queues) == 0 {
		queues = map[string]int{jobs.QueueConvert: 3, jobs.QueueDeliver: 1}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	s := &Server{
		mux:       asynq.NewServeMux(),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	s.server = asynq.NewServer(conn, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		Logger:      NewAsynqLogger(logger),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn("task attempt failed", "type", task.Type(), "task_id", id, "retried", retried, "error", err)
		}),
	})
	return s
}

// Handle は queue のタスクを h で処理するよう登録します。
func (s *Server) Handle(queue string, h Handler) error {
	typeName, ok := taskTypes[queue]
	if !ok {
		return fmt.Errorf("unknown queue %q", queue)
	}
	s.mux.Handle(typeName, s.wrap(queue, h))
	return nil
}

// Start はワーカーをバックグラウンドで起動します。
func (s *Server) Start() error {
	return s.server.Start(s.mux)
}

// Shutdown は処理中のタスクを待ってサーバーを停止します。
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

// wrap はペイロードのデコード、結果の保存、イベント発行を Handler に被せます。
// completed は成功時、failed は最終試行の失敗時にだけ発行します。
func (s *Server) wrap(queue string, h Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		payload, err := jobs.DecodePayload(queue, task.Payload())
		if err != nil {
			s.logger.Error("discarding undecodable task", "queue", queue, "type", task.Type(), "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		jobID := jobIDOf(payload)

		result, runErr := h(ctx, payload)
		if runErr != nil {
			if IsFinalAttempt(ctx, runErr) {
				s.emit(ctx, jobs.Event{Queue: queue, Type: jobs.EventFailed, JobID: jobID, Reason: runErr.Error(), At: s.now().UTC()})
			}
			return runErr
		}

		if result != nil {
			if body, err := json.Marshal(result); err == nil {
				if w := task.ResultWriter(); w != nil {
					if _, err := w.Write(body); err != nil {
						s.logger.Warn("failed to store task result", "queue", queue, "job_id", jobID, "error", err)
					}
				}
			}
		}
		s.emit(ctx, jobs.Event{Queue: queue, Type: jobs.EventCompleted, JobID: jobID, Result: result, At: s.now().UTC()})
		return nil
	})
}

func (s *Server) emit(ctx context.Context, ev jobs.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish lifecycle event", "queue", ev.Queue, "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

// IsFinalAttempt は err の後にリトライが行われない場合に true を返します。
func IsFinalAttempt(ctx context.Context, err error) bool {
	if errors.Is(err, asynq.SkipRetry) {
		return true
	}
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return true
	}
	return retried >= maxRetry
}

func jobIDOf(p jobs.Payload) string {
	switch v := p.(type) {
	case *jobs.ConvertPayload:
		return v.JobID
	case *jobs.DeliverPayload:
		return v.JobID
	default:
		return p.TaskID()
	}
}
