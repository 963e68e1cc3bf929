package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/jobs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapTaskState(t *testing.T) {
	cases := map[asynq.TaskState]jobs.Status{
		asynq.TaskStatePending:     jobs.StatusQueued,
		asynq.TaskStateScheduled:   jobs.StatusQueued,
		asynq.TaskStateRetry:       jobs.StatusQueued,
		asynq.TaskStateAggregating: jobs.StatusQueued,
		asynq.TaskStateActive:      jobs.StatusProcessing,
		asynq.TaskStateCompleted:   jobs.StatusCompleted,
		asynq.TaskStateArchived:    jobs.StatusFailed,
	}
	for state, want := range cases {
		got, ok := mapTaskState(state)
		if !ok || got != want {
			t.Errorf("mapTaskState(%v) = %s, %v; want %s", state, got, ok, want)
		}
	}
}

func TestTaskIDFor(t *testing.T) {
	if got := TaskIDFor(jobs.QueueConvert, "j1"); got != "j1" {
		t.Fatalf("convert task id = %s", got)
	}
	if got := TaskIDFor(jobs.QueueDeliver, "j1"); got != "deliver-j1" {
		t.Fatalf("deliver task id = %s", got)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []jobs.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev jobs.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func newTask(t *testing.T, queue string, payload jobs.Payload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(taskTypes[queue], body)
}

func TestWrapPublishesCompletedWithResult(t *testing.T) {
	pub := &recordingPublisher{}
	s := &Server{publisher: pub, logger: discardLogger(), now: time.Now}
	h := s.wrap(jobs.QueueConvert, func(ctx context.Context, p jobs.Payload) (*jobs.Result, error) {
		return &jobs.Result{ArtifactURL: "https://example.com/" + p.TaskID() + ".epub"}, nil
	})

	err := h.ProcessTask(context.Background(), newTask(t, jobs.QueueConvert, &jobs.ConvertPayload{JobID: "j1", SubjectID: "doc"}))
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Type != jobs.EventCompleted || ev.JobID != "j1" || ev.Result == nil || ev.Result.ArtifactURL != "https://example.com/j1.epub" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestWrapPublishesFailedOnFinalAttempt(t *testing.T) {
	pub := &recordingPublisher{}
	s := &Server{publisher: pub, logger: discardLogger(), now: time.Now}
	h := s.wrap(jobs.QueueConvert, func(context.Context, jobs.Payload) (*jobs.Result, error) {
		return nil, fmt.Errorf("generator crashed: %w", asynq.SkipRetry)
	})

	err := h.ProcessTask(context.Background(), newTask(t, jobs.QueueConvert, &jobs.ConvertPayload{JobID: "j2", SubjectID: "doc"}))
	if err == nil {
		t.Fatal("handler error should propagate to asynq")
	}
	if len(pub.events) != 1 || pub.events[0].Type != jobs.EventFailed || pub.events[0].Reason == "" {
		t.Fatalf("unexpected events: %+v", pub.events)
	}
}

func TestWrapSkipsRetryForUndecodablePayload(t *testing.T) {
	pub := &recordingPublisher{}
	s := &Server{publisher: pub, logger: discardLogger(), now: time.Now}
	h := s.wrap(jobs.QueueConvert, func(context.Context, jobs.Payload) (*jobs.Result, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	err := h.ProcessTask(context.Background(), asynq.NewTask(taskTypeConvert, []byte(`{"jobId":""}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatal("no event should be published for a task without jobId")
	}
}

func newStreamClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublisherAndStreamSourceRoundTrip(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()
	pub := NewPublisher(client, 0)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := pub.Publish(ctx, jobs.Event{Queue: jobs.QueueConvert, Type: jobs.EventCompleted, JobID: "j1",
		Result: &jobs.Result{ArtifactURL: "https://example.com/j1.epub"}, At: at}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, jobs.Event{Queue: jobs.QueueDeliver, Type: jobs.EventFailed, JobID: "j2", Reason: "smtp down", At: at}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	src := NewStreamSource(client, "event-handler", discardLogger()).WithBlock(10 * time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var got []jobs.Event
	done := make(chan error, 1)
	go func() {
		done <- src.Consume(runCtx, jobs.Queues, func(_ context.Context, ev jobs.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
			if len(got) == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	byJob := map[string]jobs.Event{}
	for _, ev := range got {
		byJob[ev.JobID] = ev
	}
	if ev := byJob["j1"]; ev.Queue != jobs.QueueConvert || ev.Result == nil || ev.Result.ArtifactURL != "https://example.com/j1.epub" || !ev.At.Equal(at) {
		t.Fatalf("unexpected completed event: %+v", ev)
	}
	if ev := byJob["j2"]; ev.Queue != jobs.QueueDeliver || ev.Type != jobs.EventFailed || ev.Reason != "smtp down" {
		t.Fatalf("unexpected failed event: %+v", ev)
	}

	pending, err := client.XPending(ctx, StreamKey(jobs.QueueConvert), "event-handler").Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("handled events should be acked, pending=%d", pending.Count)
	}
}

func TestStreamSourceLeavesFailedEventsPending(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()
	_ = NewPublisher(client, 0).Publish(ctx, jobs.Event{Queue: jobs.QueueConvert, Type: jobs.EventCompleted, JobID: "j1"})

	src := NewStreamSource(client, "g", discardLogger()).WithBlock(10 * time.Millisecond)
	if err := src.ensureGroup(ctx, StreamKey(jobs.QueueConvert)); err != nil {
		t.Fatalf("ensureGroup: %v", err)
	}
	if err := src.ensureGroup(ctx, StreamKey(jobs.QueueConvert)); err != nil {
		t.Fatalf("ensureGroup must tolerate an existing group: %v", err)
	}

	n, err := src.poll(ctx, []string{jobs.QueueConvert}, false, func(context.Context, jobs.Event) error {
		return errors.New("cache unavailable")
	})
	if err != nil || n != 1 {
		t.Fatalf("poll = %d, %v", n, err)
	}

	var redelivered []string
	n, err = src.poll(ctx, []string{jobs.QueueConvert}, true, func(_ context.Context, ev jobs.Event) error {
		redelivered = append(redelivered, ev.JobID)
		return nil
	})
	if err != nil || n != 1 || len(redelivered) != 1 || redelivered[0] != "j1" {
		t.Fatalf("backlog poll = %d, %v, %v", n, err, redelivered)
	}
}

func TestStreamSourceClaimsEventsFromStalledConsumer(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()
	_ = NewPublisher(client, 0).Publish(ctx, jobs.Event{Queue: jobs.QueueConvert, Type: jobs.EventCompleted, JobID: "j1"})

	stalled := NewStreamSource(client, "g", discardLogger())
	if err := stalled.ensureGroup(ctx, StreamKey(jobs.QueueConvert)); err != nil {
		t.Fatalf("ensureGroup: %v", err)
	}
	if _, err := stalled.poll(ctx, []string{jobs.QueueConvert}, false, func(context.Context, jobs.Event) error {
		return errors.New("process died")
	}); err != nil {
		t.Fatalf("poll: %v", err)
	}

	rescuer := NewStreamSource(client, "g", discardLogger())
	rescuer.claimIdle = time.Millisecond
	time.Sleep(20 * time.Millisecond)
	rescuer.claimStale(ctx, []string{jobs.QueueConvert})

	var got []string
	n, err := rescuer.poll(ctx, []string{jobs.QueueConvert}, true, func(_ context.Context, ev jobs.Event) error {
		got = append(got, ev.JobID)
		return nil
	})
	if err != nil || n != 1 || len(got) != 1 || got[0] != "j1" {
		t.Fatalf("claimed poll = %d, %v, %v", n, err, got)
	}
}

func TestDecodeEventRejectsMissingJobID(t *testing.T) {
	_, err := decodeEvent(jobs.QueueConvert, redis.XMessage{ID: "1-0", Values: map[string]interface{}{"type": "completed"}})
	if err == nil {
		t.Fatal("expected error for event without jobId")
	}
}
