package conversion_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/cache"
	"github.com/yourusername/epub-forge/internal/conversion"
	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/events"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/kv"
	"github.com/yourusername/epub-forge/internal/metrics"
	"github.com/yourusername/epub-forge/internal/status"
	"github.com/yourusername/epub-forge/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []jobs.Payload
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, p jobs.Payload, _ ...asynq.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, p)
	return p.TaskID(), nil
}

type fakeConverter struct {
	result *jobs.Result
	err    error
}

func (f fakeConverter) Run(context.Context, string, string) (*jobs.Result, error) {
	return f.result, f.err
}

var _ convert.Notifier = (*recordingNotifier)(nil)

type recordingNotifier struct {
	owners []string
}

func (n *recordingNotifier) Notify(_ context.Context, ownerID, _, _ string) error {
	n.owners = append(n.owners, ownerID)
	return nil
}

type fixture struct {
	repo      *store.SQLStore
	cache     *cache.StatusCache
	queue     *fakeQueue
	collector *metrics.Collector
	manager   *conversion.Manager
	logger    *slog.Logger
}

func newFixture(t *testing.T, conv conversion.Converter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := store.Open(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	collector := metrics.NewCollector()
	c := cache.New(kv.NewRedisStore(client), collector, logger)
	q := &fakeQueue{}
	m, err := conversion.NewManager(repo, c, q, collector, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.WithWorker(conv, &recordingNotifier{})
	return &fixture{repo: repo, cache: c, queue: q, collector: collector, manager: m, logger: logger}
}

func TestSubmitValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.manager.Submit(context.Background(), "  ", "u1"); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.queue.payloads) != 0 {
		t.Fatal("invalid submission must not be enqueued")
	}
}

func TestSubmitPersistsCachesAndEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.manager.Submit(ctx, "n1", "u1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, err := f.repo.FindByID(ctx, id)
	if err != nil || rec.Status != jobs.StatusQueued || rec.OwnerID != "u1" {
		t.Fatalf("durable record = %+v, %v", rec, err)
	}
	snap, _ := f.cache.Read(ctx, jobs.QueueConvert, id)
	if snap == nil || snap.Status != jobs.StatusQueued || snap.OwnerID != "u1" {
		t.Fatalf("cache snapshot = %+v", snap)
	}
	if len(f.queue.payloads) != 1 {
		t.Fatalf("expected 1 enqueued payload, got %d", len(f.queue.payloads))
	}
	p := f.queue.payloads[0].(*jobs.ConvertPayload)
	if p.JobID != id || p.SubjectID != "n1" || p.OwnerID != "u1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestSubmitMarksJobFailedWhenEnqueueFails(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.err = errors.New("redis unavailable")
	ctx := context.Background()

	if _, err := f.manager.Submit(ctx, "n1", ""); err == nil {
		t.Fatal("expected enqueue error")
	}
	failed, err := f.repo.FindByStatus(ctx, []jobs.Status{jobs.StatusFailed}, 0)
	if err != nil || len(failed) != 1 || failed[0].ErrorDetail == "" {
		t.Fatalf("expected one failed record, got %v, %v", failed, err)
	}
}

func TestScenarioSubmitCompleteResolve(t *testing.T) {
	conv := fakeConverter{result: &jobs.Result{ArtifactURL: "https://example.com/n1.epub"}}
	f := newFixture(t, conv)
	ctx := context.Background()

	id, err := f.manager.Submit(ctx, "n1", "u1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result, err := f.manager.HandleConvert(ctx, f.queue.payloads[0])
	if err != nil {
		t.Fatalf("HandleConvert: %v", err)
	}

	handler := events.NewHandler(f.cache, f.collector, f.logger)
	if err := handler.Handle(ctx, jobs.Event{Queue: jobs.QueueConvert, Type: jobs.EventCompleted, JobID: id, Result: result}); err != nil {
		t.Fatalf("event Handle: %v", err)
	}

	resolver := status.NewResolver(f.repo, f.cache, nil, f.collector, f.logger)
	res, err := resolver.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Status != jobs.StatusCompleted || res.ArtifactURL != "https://example.com/n1.epub" || res.OwnerID != "u1" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	rec, _ := f.repo.FindByID(ctx, id)
	if rec.Status != jobs.StatusCompleted || rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Fatalf("durable not completed: %+v", rec)
	}

	if len(f.queue.payloads) != 2 {
		t.Fatalf("expected a delivery task to be enqueued, got %d payloads", len(f.queue.payloads))
	}
	if _, ok := f.queue.payloads[1].(*jobs.DeliverPayload); !ok {
		t.Fatalf("second payload = %T", f.queue.payloads[1])
	}
	if f.collector.QueueEvents(jobs.QueueConvert).Completed != 1 {
		t.Fatal("completed event not counted")
	}
}

func TestHandleConvertFailureMarksFailed(t *testing.T) {
	f := newFixture(t, fakeConverter{err: errors.New("source unreachable")})
	ctx := context.Background()
	id, _ := f.manager.Submit(ctx, "n1", "")

	if _, err := f.manager.HandleConvert(ctx, f.queue.payloads[0]); err == nil {
		t.Fatal("expected converter error")
	}
	rec, _ := f.repo.FindByID(ctx, id)
	if rec.Status != jobs.StatusFailed || rec.ErrorDetail != "source unreachable" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	snap, _ := f.cache.Read(ctx, jobs.QueueConvert, id)
	if snap.Status != jobs.StatusFailed {
		t.Fatalf("cache status = %s", snap.Status)
	}
}

func TestHandleConvertSkipsFinishedJobs(t *testing.T) {
	f := newFixture(t, fakeConverter{err: errors.New("must not run")})
	ctx := context.Background()
	id, _ := f.manager.Submit(ctx, "n1", "")
	rec, _ := f.repo.FindByID(ctx, id)
	rec.Status = jobs.StatusCompleted
	rec.ArtifactURL = "https://example.com/done.epub"
	if err := f.repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := f.manager.HandleConvert(ctx, f.queue.payloads[0])
	if err != nil || res.ArtifactURL != "https://example.com/done.epub" {
		t.Fatalf("redelivered task = %+v, %v", res, err)
	}
}

func TestHandleDeliverNotifiesOwner(t *testing.T) {
	f := newFixture(t, nil)
	n := &recordingNotifier{}
	f.manager.WithWorker(nil, n)
	_, err := f.manager.HandleDeliver(context.Background(), &jobs.DeliverPayload{JobID: "j", OwnerID: "u1", ArtifactURL: "u"})
	if err != nil {
		t.Fatalf("HandleDeliver: %v", err)
	}
	if len(n.owners) != 1 || n.owners[0] != "u1" {
		t.Fatalf("notified = %v", n.owners)
	}
}

func TestHandleDeliverWithPipelineNotifier(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.WithWorker(nil, convert.LogNotifier{Logger: f.logger})
	res, err := f.manager.HandleDeliver(context.Background(), &jobs.DeliverPayload{JobID: "j", OwnerID: "u1", ArtifactURL: "https://example.com/j.epub"})
	if err != nil || res.ArtifactURL != "https://example.com/j.epub" {
		t.Fatalf("HandleDeliver = %+v, %v", res, err)
	}
}

func TestHealthReportsChecksAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.collector.RecordAnomaly()
	f.manager.AddHealthCheck("durable", f.repo.Ping)
	f.manager.AddHealthCheck("queue", func(context.Context) error { return errors.New("down") })

	h := f.manager.Health(context.Background())
	if h.Status != "degraded" || h.Checks["durable"] != "ok" || h.Checks["queue"] != "down" {
		t.Fatalf("unexpected health: %+v", h)
	}
	if h.Metrics.Anomalies != 1 {
		t.Fatal("metrics snapshot missing anomalies")
	}
}
