// Package store はジョブの正となる永続レコードを扱います。
// PostgreSQL（pgx）と SQLite（modernc）を同じ SQL で扱います。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/yourusername/epub-forge/internal/jobs"
)

// Repository は永続ジョブストアの操作です。修復用クエリも含みます。
type Repository interface {
	FindByID(ctx context.Context, id string) (*jobs.Record, error)
	Save(ctx context.Context, record *jobs.Record) error
	FindByStatus(ctx context.Context, statuses []jobs.Status, limit int) ([]*jobs.Record, error)
	FindRecentActive(ctx context.Context, since time.Time) ([]*jobs.Record, error)
	FindUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*jobs.Record, error)
	FindByOwnerPaginated(ctx context.Context, ownerID string, page, limit int) ([]*jobs.Record, int, error)
	FindCompletedWithMissingOwner(ctx context.Context, since time.Time) ([]*jobs.Record, error)
	FindFinishedBefore(ctx context.Context, before time.Time, after *FinishedCursor, limit int) ([]*jobs.Record, error)
}

// FinishedCursor は FindFinishedBefore のページ位置です。直前ページの最後の行を指します。
type FinishedCursor struct {
	CompletedAt time.Time
	ID          string
}

// CursorOf は rec の直後から続きを読むカーソルを返します。
func CursorOf(rec *jobs.Record) *FinishedCursor {
	if rec == nil || rec.CompletedAt == nil {
		return nil
	}
	return &FinishedCursor{CompletedAt: *rec.CompletedAt, ID: rec.ID}
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore は database/sql 上の Repository 実装です。
type SQLStore struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

// Open は dsn に応じて PostgreSQL または SQLite を開き、スキーマを作成します。
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if isPostgresDSN(dsn) {
		return openPostgres(ctx, dsn, logger)
	}
	return openSQLite(ctx, dsn, logger)
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "epub-forge"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{
		db:      stdlib.OpenDBFromPool(pool),
		pool:    pool,
		dialect: dialectPostgres,
		logger:  logger,
		now:     time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("connected to durable job store", "driver", "pgx")
	return s, nil
}

func openSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &SQLStore{db: db, dialect: dialectSQLite, logger: logger, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("connected to durable job store", "driver", "sqlite", "path", path)
	return s, nil
}

// Close は接続を閉じます。
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Ping はヘルスチェック用に接続を確認します。
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversion_jobs (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		owner_id TEXT,
		status TEXT NOT NULL CHECK (status IN ('queued','processing','completed','failed')),
		artifact_url TEXT,
		error_detail TEXT,
		created_at BIGINT NOT NULL,
		started_at BIGINT,
		completed_at BIGINT,
		updated_at BIGINT NOT NULL,
		CHECK (status <> 'completed' OR artifact_url IS NOT NULL),
		CHECK (status <> 'failed' OR error_detail IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_status_updated ON conversion_jobs(status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_updated ON conversion_jobs(updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_owner_created ON conversion_jobs(owner_id, created_at)`,
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const selectColumns = `id, subject_id, owner_id, status, artifact_url, error_detail, created_at, started_at, completed_at, updated_at`

// FindByID は id のレコードを返します。存在しない場合は jobs.ErrNotFound です。
func (s *SQLStore) FindByID(ctx context.Context, id string) (*jobs.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM conversion_jobs WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Save はレコードを作成または更新します。
// 不変条件違反、終端状態からの逆行は jobs.ErrInvariant で拒否します。
// 空の owner や詳細項目で既存値を消すことはありません。
func (s *SQLStore) Save(ctx context.Context, record *jobs.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM conversion_jobs WHERE id = ?`), record.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if !jobs.CanTransition(jobs.Status(current), record.Status) {
			return fmt.Errorf("%w: job %s cannot move from %s to %s", jobs.ErrInvariant, record.ID, current, record.Status)
		}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO conversion_jobs (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = COALESCE(excluded.owner_id, conversion_jobs.owner_id),
			status = CASE WHEN conversion_jobs.status IN ('completed','failed') THEN conversion_jobs.status ELSE excluded.status END,
			artifact_url = COALESCE(excluded.artifact_url, conversion_jobs.artifact_url),
			error_detail = COALESCE(excluded.error_detail, conversion_jobs.error_detail),
			started_at = COALESCE(conversion_jobs.started_at, excluded.started_at),
			completed_at = COALESCE(conversion_jobs.completed_at, excluded.completed_at),
			updated_at = excluded.updated_at`),
		record.ID,
		record.SubjectID,
		nullString(record.OwnerID),
		string(record.Status),
		nullString(record.ArtifactURL),
		nullString(record.ErrorDetail),
		record.CreatedAt.UnixMilli(),
		nullTime(record.StartedAt),
		nullTime(record.CompletedAt),
		record.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", record.ID, err)
	}
	return tx.Commit()
}

// FindByStatus は指定状態のレコードを更新日時の新しい順に返します。
func (s *SQLStore) FindByStatus(ctx context.Context, statuses []jobs.Status, limit int) ([]*jobs.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := statusArgs(statuses)
	query := `SELECT ` + selectColumns + ` FROM conversion_jobs WHERE status IN (` + in + `) ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// FindRecentActive は since 以降に作成され、まだ終了していないレコードを返します。
func (s *SQLStore) FindRecentActive(ctx context.Context, since time.Time) ([]*jobs.Record, error) {
	in, args := statusArgs(jobs.ActiveStatuses)
	args = append(args, since.UnixMilli())
	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM conversion_jobs WHERE status IN (`+in+`) AND created_at >= ? ORDER BY created_at ASC`,
		args...)
}

// FindUpdatedSince は since 以降に更新されたレコードを新しい順に返します。
func (s *SQLStore) FindUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*jobs.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM conversion_jobs WHERE updated_at >= ? ORDER BY updated_at DESC`
	args := []any{since.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// FindByOwnerPaginated は ownerID のレコードを作成日時の新しい順で返します。page は 1 始まりです。
func (s *SQLStore) FindByOwnerPaginated(ctx context.Context, ownerID string, page, limit int) ([]*jobs.Record, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM conversion_jobs WHERE owner_id = ?`), ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	records, err := s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM conversion_jobs WHERE owner_id = ? ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		ownerID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// FindCompletedWithMissingOwner は owner が欠落した完了済みレコードを返します（owner 復旧用）。
func (s *SQLStore) FindCompletedWithMissingOwner(ctx context.Context, since time.Time) ([]*jobs.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM conversion_jobs WHERE status = ? AND owner_id IS NULL AND updated_at >= ? ORDER BY updated_at DESC`,
		string(jobs.StatusCompleted), since.UnixMilli())
}

// FindFinishedBefore は before より前に終端状態になったレコードを新しい順に返します（キャッシュ GC 用）。
// after を渡すとその行より古いものだけを返すので、呼び出し側はページを辿れます。
func (s *SQLStore) FindFinishedBefore(ctx context.Context, before time.Time, after *FinishedCursor, limit int) ([]*jobs.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM conversion_jobs WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{string(jobs.StatusCompleted), string(jobs.StatusFailed), before.UnixMilli()}
	if after != nil {
		at := after.CompletedAt.UnixMilli()
		query += ` AND (completed_at < ? OR (completed_at = ? AND id < ?))`
		args = append(args, at, at, after.ID)
	}
	query += ` ORDER BY completed_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*jobs.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*jobs.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*jobs.Record, error) {
	var (
		rec         jobs.Record
		ownerID     sql.NullString
		status      string
		artifactURL sql.NullString
		errorDetail sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		updatedAt   int64
	)
	if err := sc.Scan(&rec.ID, &rec.SubjectID, &ownerID, &status, &artifactURL, &errorDetail,
		&createdAt, &startedAt, &completedAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.OwnerID = ownerID.String
	rec.Status = jobs.Status(status)
	rec.ArtifactURL = artifactURL.String
	rec.ErrorDetail = errorDetail.String
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if startedAt.Valid {
		rec.StartedAt = jobs.TimePtr(time.UnixMilli(startedAt.Int64).UTC())
	}
	if completedAt.Valid {
		rec.CompletedAt = jobs.TimePtr(time.UnixMilli(completedAt.Int64).UTC())
	}
	return &rec, nil
}

// rebind は "?" プレースホルダを PostgreSQL の "$n" に置き換えます。
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func statusArgs(statuses []jobs.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
