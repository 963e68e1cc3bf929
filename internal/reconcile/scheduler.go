package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper は 1 回分のスイープを実行します。
type Sweeper interface {
	RunSweepOnce(ctx context.Context) (*Report, error)
}

// Scheduler は cron でスイープを定期実行します。
// 前回の実行が終わっていない場合、その回は実行しません。
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler は interval ごとに sweeper を呼ぶ Scheduler を作成します。
func NewScheduler(sweeper Sweeper, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	cl := cronLogger{l: logger.With("component", "cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper:  sweeper,
		schedule: "@every " + interval.String(),
		timeout:  timeout,
		logger:   logger,
	}
}

// Start はスケジュールを登録して開始します。
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweep scheduler started", "schedule", s.schedule)
	return nil
}

// Stop は新しい実行を止め、実行中のスイープの終了を待ちます。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) run(parent context.Context) {
	ctx := parent
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.timeout)
		defer cancel()
	}
	if _, err := s.sweeper.RunSweepOnce(ctx); err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
	}
}

// cronLogger は cron.Logger を slog へ流します。
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
