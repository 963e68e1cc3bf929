package reconcile_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/cache"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/kv"
	"github.com/yourusername/epub-forge/internal/lock"
	"github.com/yourusername/epub-forge/internal/metrics"
	"github.com/yourusername/epub-forge/internal/queue"
	"github.com/yourusername/epub-forge/internal/reconcile"
	"github.com/yourusername/epub-forge/internal/store"
)

type knownTasks struct {
	mu  sync.Mutex
	ids map[string]jobs.Status
}

func (k *knownTasks) LiveStatus(_ context.Context, _, jobID string) (*queue.LiveStatus, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.ids[jobID]
	if !ok {
		return nil, nil
	}
	return &queue.LiveStatus{Status: st}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ = Describe("Reconciliation sweep", func() {
	var (
		ctx       context.Context
		mr        *miniredis.Miniredis
		client    *redis.Client
		repo      *store.SQLStore
		statuses  *cache.StatusCache
		locks     *lock.Provider
		live      *knownTasks
		collector *metrics.Collector
		svc       *reconcile.Service
	)

	save := func(rec *jobs.Record) {
		Expect(repo.Save(ctx, rec)).To(Succeed())
	}
	writeCache := func(jobID string, u cache.Update) {
		Expect(statuses.Write(ctx, jobs.QueueConvert, jobID, u, 0)).To(Succeed())
	}
	started := func() *time.Time { return jobs.TimePtr(time.Now().Add(-time.Minute).UTC()) }

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.NewMiniRedis()
		Expect(mr.Start()).To(Succeed())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		var err error
		repo, err = store.Open(ctx, ":memory:", testLogger())
		Expect(err).NotTo(HaveOccurred())

		collector = metrics.NewCollector()
		redisStore := kv.NewRedisStore(client)
		statuses = cache.New(redisStore, collector, testLogger())
		locks = lock.NewProvider(redisStore, testLogger())
		live = &knownTasks{ids: map[string]jobs.Status{}}
		svc = reconcile.NewService(repo, statuses, live, locks, collector, testLogger(), reconcile.DefaultOptions)
	})

	AfterEach(func() {
		_ = repo.Close()
		_ = client.Close()
		mr.Close()
	})

	Describe("status audit and repair", func() {
		Context("when the cache reports completion without an artifact", func() {
			It("flags a critical mismatch and skips the repair", func() {
				// Given: Durable=Processing, Cache=Completed without artifactUrl
				save(&jobs.Record{ID: "job-c", SubjectID: "n1", OwnerID: "u1", Status: jobs.StatusProcessing, StartedAt: started()})
				writeCache("job-c", cache.Update{Status: jobs.StatusCompleted, OwnerID: "u1"})
				live.ids["job-c"] = jobs.StatusProcessing

				// When
				report, err := svc.RunSweepOnce(ctx)

				// Then: the issue is reported, not repaired, and durable is untouched
				Expect(err).NotTo(HaveOccurred())
				issues := report.IssuesOf(jobs.IssueStatusMismatch)
				Expect(issues).To(HaveLen(1))
				Expect(issues[0].Severity).To(Equal(jobs.SeverityCritical))
				Expect(issues[0].Repaired).To(BeFalse())
				Expect(issues[0].Note).NotTo(BeEmpty())
				Expect(report.RepairSkipped).To(Equal(1))

				rec, err := repo.FindByID(ctx, "job-c")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Status).To(Equal(jobs.StatusProcessing))
				Expect(collector.Snapshot().Anomalies).To(Equal(int64(1)))
			})
		})

		Context("when the cache holds a valid completion", func() {
			It("writes the cache value to the durable store", func() {
				save(&jobs.Record{ID: "job-a", SubjectID: "n1", OwnerID: "u1", Status: jobs.StatusProcessing, StartedAt: started()})
				writeCache("job-a", cache.Update{Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/a.epub", OwnerID: "u1"})
				live.ids["job-a"] = jobs.StatusCompleted

				report, err := svc.RunSweepOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Repaired).To(Equal(1))

				rec, _ := repo.FindByID(ctx, "job-a")
				Expect(rec.Status).To(Equal(jobs.StatusCompleted))
				Expect(rec.ArtifactURL).To(Equal("https://example.com/a.epub"))
				Expect(rec.CompletedAt).NotTo(BeNil())
			})
		})

		Context("when the durable record is terminal but the cache lags", func() {
			It("refreshes the cache instead of regressing durable", func() {
				save(&jobs.Record{ID: "job-m", SubjectID: "n1", Status: jobs.StatusFailed, ErrorDetail: "boom", CompletedAt: started()})
				writeCache("job-m", cache.Update{Status: jobs.StatusProcessing})

				report, err := svc.RunSweepOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				issues := report.IssuesOf(jobs.IssueStatusMismatch)
				Expect(issues).To(HaveLen(1))
				Expect(issues[0].Severity).To(Equal(jobs.SeverityMedium))
				Expect(issues[0].Repaired).To(BeTrue())

				snap, _ := statuses.Read(ctx, jobs.QueueConvert, "job-m")
				Expect(snap.Status).To(Equal(jobs.StatusFailed))
				Expect(snap.ErrorDetail).To(Equal("boom"))
			})
		})
	})

	Describe("owner repair", func() {
		It("restores a lost durable owner from the cache", func() {
			save(&jobs.Record{ID: "job-o", SubjectID: "n1", Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/o.epub"})
			writeCache("job-o", cache.Update{Status: jobs.StatusCompleted, OwnerID: "u1"})

			report, err := svc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			issues := report.IssuesOf(jobs.IssueOwnerMismatch)
			Expect(issues).To(HaveLen(1))
			Expect(issues[0].Severity).To(Equal(jobs.SeverityCritical))
			Expect(issues[0].Repaired).To(BeTrue())

			rec, _ := repo.FindByID(ctx, "job-o")
			Expect(rec.OwnerID).To(Equal("u1"))
		})

		It("never adopts an empty owner from the cache", func() {
			save(&jobs.Record{ID: "job-e", SubjectID: "n1", OwnerID: "u1", Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/e.epub"})
			writeCache("job-e", cache.Update{Status: jobs.StatusCompleted})

			report, err := svc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			issues := report.IssuesOf(jobs.IssueOwnerMismatch)
			Expect(issues).To(HaveLen(1))
			Expect(issues[0].Severity).To(Equal(jobs.SeverityCritical))
			// キャッシュ側は直すが、問題としては残す
			Expect(issues[0].Repaired).To(BeFalse())
			Expect(issues[0].Note).To(ContainSubstring("cache owner refreshed"))
			Expect(report.Repaired).To(BeZero())

			rec, _ := repo.FindByID(ctx, "job-e")
			Expect(rec.OwnerID).To(Equal("u1"))
			snap, _ := statuses.Read(ctx, jobs.QueueConvert, "job-e")
			Expect(snap.OwnerID).To(Equal("u1"))
		})

		It("leaves conflicting owners flagged", func() {
			save(&jobs.Record{ID: "job-x", SubjectID: "n1", OwnerID: "u1", Status: jobs.StatusQueued})
			writeCache("job-x", cache.Update{Status: jobs.StatusQueued, OwnerID: "u2"})
			live.ids["job-x"] = jobs.StatusQueued

			report, err := svc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			issues := report.IssuesOf(jobs.IssueOwnerMismatch)
			Expect(issues).To(HaveLen(1))
			Expect(issues[0].Severity).To(Equal(jobs.SeverityHigh))
			Expect(issues[0].Repaired).To(BeFalse())

			rec, _ := repo.FindByID(ctx, "job-x")
			Expect(rec.OwnerID).To(Equal("u1"))
		})
	})

	Describe("queue audit", func() {
		It("flags queued jobs the runtime no longer knows", func() {
			save(&jobs.Record{ID: "job-q", SubjectID: "n1", Status: jobs.StatusQueued})
			save(&jobs.Record{ID: "job-p", SubjectID: "n1", Status: jobs.StatusProcessing, StartedAt: started()})

			report, err := svc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			issues := report.IssuesOf(jobs.IssueMissingCacheEntry)
			Expect(issues).To(HaveLen(2))
			bySeverity := map[string]jobs.Severity{}
			for _, is := range issues {
				bySeverity[is.JobID] = is.Severity
			}
			Expect(bySeverity["job-q"]).To(Equal(jobs.SeverityHigh))
			Expect(bySeverity["job-p"]).To(Equal(jobs.SeverityMedium))
		})
	})

	Describe("cache garbage collection and orphans", func() {
		It("removes stale terminal entries and orphaned entries", func() {
			old := jobs.TimePtr(time.Now().Add(-8 * 24 * time.Hour).UTC())
			save(&jobs.Record{ID: "job-old", SubjectID: "n1", Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/old.epub", CompletedAt: old})
			writeCache("job-old", cache.Update{Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/old.epub"})
			writeCache("ghost", cache.Update{Status: jobs.StatusQueued})

			report, err := svc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Collected).To(Equal(1))
			Expect(report.Orphans).To(Equal(1))
			Expect(report.IssuesOf(jobs.IssueOrphanedCacheEntry)[0].Severity).To(Equal(jobs.SeverityLow))

			Expect(statuses.Read(ctx, jobs.QueueConvert, "job-old")).To(BeNil())
			Expect(statuses.Read(ctx, jobs.QueueConvert, "ghost")).To(BeNil())
		})

		saveFinished := func(id string, age time.Duration) {
			at := jobs.TimePtr(time.Now().Add(-age).UTC())
			save(&jobs.Record{ID: id, SubjectID: "n1", Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/" + id + ".epub", CompletedAt: at})
		}
		withBatch := func(n int) *reconcile.Service {
			opts := reconcile.DefaultOptions
			opts.BatchSize = n
			return reconcile.NewService(repo, statuses, live, locks, collector, testLogger(), opts)
		}

		It("reaches a cached entry behind more stale rows than one batch", func() {
			// Given: 3 件が GC 対象で、キャッシュが残っているのは最も新しい 8 日前の 1 件だけ
			saveFinished("job-30d", 30*24*time.Hour)
			saveFinished("job-29d", 29*24*time.Hour)
			saveFinished("job-8d", 8*24*time.Hour)
			writeCache("job-8d", cache.Update{Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/job-8d.epub"})
			gc := withBatch(2)

			report, err := gc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Collected).To(Equal(1))
			Expect(statuses.Read(ctx, jobs.QueueConvert, "job-8d")).To(BeNil())
		})

		It("resumes from where the previous sweep stopped", func() {
			// Given: 1 回のスイープで読み切れない数の古いジョブがあり、最古の 1 件だけキャッシュに残っている
			for i := 0; i < 12; i++ {
				saveFinished(fmt.Sprintf("job-%02d", i), time.Duration(8+i)*24*time.Hour)
			}
			writeCache("job-11", cache.Update{Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/job-11.epub"})
			gc := withBatch(1)

			collected := 0
			for run := 0; run < 2; run++ {
				report, err := gc.RunSweepOnce(ctx)
				Expect(err).NotTo(HaveOccurred())
				collected += report.Collected
			}
			Expect(collected).To(Equal(1))
			Expect(statuses.Read(ctx, jobs.QueueConvert, "job-11")).To(BeNil())
		})
	})

	Describe("checked count", func() {
		It("counts a job seen by both audits once", func() {
			save(&jobs.Record{ID: "job-a1", SubjectID: "n1", OwnerID: "u1", Status: jobs.StatusQueued})
			writeCache("job-a1", cache.Update{Status: jobs.StatusQueued, OwnerID: "u1"})
			live.ids["job-a1"] = jobs.StatusQueued
			save(&jobs.Record{ID: "job-a2", SubjectID: "n1", OwnerID: "u1", Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/a2.epub"})

			report, err := svc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Issues).To(BeEmpty())
			Expect(report.Checked).To(Equal(2))
		})
	})

	Describe("single flight", func() {
		It("skips the run when another instance holds the lock", func() {
			// Given: instance A holds the sweep lock
			save(&jobs.Record{ID: "job-d", SubjectID: "n1", Status: jobs.StatusProcessing, StartedAt: started()})
			writeCache("job-d", cache.Update{Status: jobs.StatusCompleted, ArtifactURL: "https://example.com/d.epub"})
			held, err := locks.TryAcquire(ctx, reconcile.LockKey, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(held).NotTo(BeNil())

			// When: instance B runs the sweep
			report, err := svc.RunSweepOnce(ctx)

			// Then: B exits without error and repairs nothing
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Skipped).To(BeTrue())
			Expect(report.Repaired).To(BeZero())
			Expect(report.Issues).To(BeEmpty())
			rec, _ := repo.FindByID(ctx, "job-d")
			Expect(rec.Status).To(Equal(jobs.StatusProcessing))
			Expect(collector.Snapshot().SweepsSkipped).To(Equal(int64(1)))
		})

		It("releases the lock after a run", func() {
			report, err := svc.RunSweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Skipped).To(BeFalse())
			Expect(locks.IsLocked(ctx, reconcile.LockKey)).To(BeFalse())
			Expect(collector.LastSweep()).NotTo(BeNil())
			Expect(collector.LastSweep().RunID).To(Equal(report.RunID))
		})
	})
})

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) RunSweepOnce(context.Context) (*reconcile.Report, error) {
	c.calls.Add(1)
	return &reconcile.Report{}, nil
}

var _ = Describe("Scheduler", func() {
	It("invokes the sweep on every tick until stopped", func() {
		sweeper := &countingSweeper{}
		s := reconcile.NewScheduler(sweeper, time.Second, time.Minute, testLogger())
		Expect(s.Start(context.Background())).To(Succeed())

		Eventually(func() int32 { return sweeper.calls.Load() }, 3*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))
		s.Stop()

		after := sweeper.calls.Load()
		Consistently(func() int32 { return sweeper.calls.Load() }, 1500*time.Millisecond, 100*time.Millisecond).Should(Equal(after))
	})
})
