package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/jobs"
)

const streamPrefix = "events:"

// StreamKey はキューのイベントストリーム名を返します。
func StreamKey(queue string) string {
	return streamPrefix + queue
}

// Publisher はライフサイクルイベントを Redis Streams に追記します。
type Publisher struct {
	client redis.UniversalClient
	maxLen int64
}

// NewPublisher は Publisher を作成します。maxLen が 0 の場合はストリームを切り詰めません。
func NewPublisher(client redis.UniversalClient, maxLen int64) *Publisher {
	return &Publisher{client: client, maxLen: maxLen}
}

// Publish はイベントを events:<queue> に追加します。
func (p *Publisher) Publish(ctx context.Context, ev jobs.Event) error {
	if ev.JobID == "" {
		return fmt.Errorf("event jobID is required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	values := map[string]any{
		"type":  string(ev.Type),
		"jobId": ev.JobID,
		"at":    ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Reason != "" {
		values["reason"] = ev.Reason
	}
	if ev.Result != nil {
		body, err := json.Marshal(ev.Result)
		if err != nil {
			return err
		}
		values["result"] = string(body)
	}
	args := &redis.XAddArgs{Stream: StreamKey(ev.Queue), Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s event for %s: %w", ev.Type, ev.JobID, err)
	}
	return nil
}

// StreamSource はコンシューマグループでイベントストリームを読み出します。
// ハンドラが成功したメッセージだけを ACK します。失敗したものは定期的な未 ACK 読み直しで再配送され、
// 停止したコンシューマが抱えたままのものは claimIdle 経過後に引き取ります。
type StreamSource struct {
	client        redis.UniversalClient
	group         string
	consumer      string
	block         time.Duration
	batch         int64
	retryInterval time.Duration
	claimIdle     time.Duration
	logger        *slog.Logger
}

// NewStreamSource は StreamSource を作成します。consumer 名はプロセスごとに一意になります。
func NewStreamSource(client redis.UniversalClient, group string, logger *slog.Logger) *StreamSource {
	return &StreamSource{
		client:        client,
		group:         group,
		consumer:      group + "-" + uuid.NewString()[:8],
		block:         2 * time.Second,
		batch:         50,
		retryInterval: 30 * time.Second,
		claimIdle:     time.Minute,
		logger:        logger,
	}
}

// WithBlock は XREADGROUP の待ち時間を変更します。
func (s *StreamSource) WithBlock(d time.Duration) *StreamSource {
	s.block = d
	return s
}

// Consume は ctx が終了するまで queues のイベントを handle に渡し続けます。
func (s *StreamSource) Consume(ctx context.Context, queues []string, handle func(context.Context, jobs.Event) error) error {
	if len(queues) == 0 {
		return fmt.Errorf("at least one queue is required")
	}
	for _, q := range queues {
		if err := s.ensureGroup(ctx, StreamKey(q)); err != nil {
			return err
		}
	}

	backlog := true
	var lastBacklog time.Time
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !backlog && time.Since(lastBacklog) >= s.retryInterval {
			backlog = true
		}
		if backlog {
			s.claimStale(ctx, queues)
			lastBacklog = time.Now()
		}
		_, err := s.poll(ctx, queues, backlog, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("event stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		backlog = false
	}
}

func (s *StreamSource) ensureGroup(ctx context.Context, stream string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", s.group, stream, err)
	}
	return nil
}

// claimStale は他のコンシューマが claimIdle 以上抱えている未 ACK メッセージを自分に移します。
func (s *StreamSource) claimStale(ctx context.Context, queues []string) {
	if s.claimIdle <= 0 {
		return
	}
	for _, q := range queues {
		msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   StreamKey(q),
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.claimIdle,
			Start:    "0-0",
			Count:    s.batch,
		}).Result()
		if err != nil {
			s.logger.Warn("failed to claim stale events", "queue", q, "error", err)
			continue
		}
		if len(msgs) > 0 {
			s.logger.Info("claimed stale events", "queue", q, "count", len(msgs))
		}
	}
}

// poll は 1 回分の読み出しを処理します。backlog では未 ACK の自分宛てメッセージを読みます。
func (s *StreamSource) poll(ctx context.Context, queues []string, backlog bool, handle func(context.Context, jobs.Event) error) (int, error) {
	start := ">"
	block := s.block
	if backlog {
		start = "0"
		block = -1
	}
	streams := make([]string, 0, len(queues)*2)
	for _, q := range queues {
		streams = append(streams, StreamKey(q))
	}
	for range queues {
		streams = append(streams, start)
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  streams,
		Count:    s.batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, stream := range res {
		queue := strings.TrimPrefix(stream.Stream, streamPrefix)
		for _, msg := range stream.Messages {
			handled++
			ev, err := decodeEvent(queue, msg)
			if err != nil {
				s.logger.Warn("dropping malformed event", "stream", stream.Stream, "id", msg.ID, "error", err)
				s.ack(ctx, stream.Stream, msg.ID)
				continue
			}
			if err := handle(ctx, ev); err != nil {
				s.logger.Error("event handler failed; leaving pending", "stream", stream.Stream, "id", msg.ID, "job_id", ev.JobID, "error", err)
				continue
			}
			s.ack(ctx, stream.Stream, msg.ID)
		}
	}
	return handled, nil
}

func (s *StreamSource) ack(ctx context.Context, stream, id string) {
	if err := s.client.XAck(ctx, stream, s.group, id).Err(); err != nil {
		s.logger.Warn("failed to ack event", "stream", stream, "id", id, "error", err)
	}
}

func decodeEvent(queue string, msg redis.XMessage) (jobs.Event, error) {
	ev := jobs.Event{ID: msg.ID, Queue: queue}
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}
	ev.Type = jobs.EventType(str("type"))
	ev.JobID = str("jobId")
	ev.Reason = str("reason")
	if ev.JobID == "" {
		return ev, fmt.Errorf("event %s has no jobId", msg.ID)
	}
	if raw := str("at"); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return ev, fmt.Errorf("event %s has invalid time: %w", msg.ID, err)
		}
		ev.At = at
	}
	if raw := str("result"); raw != "" {
		var res jobs.Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return ev, fmt.Errorf("event %s has invalid result: %w", msg.ID, err)
		}
		ev.Result = &res
	}
	return ev, nil
}
