package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/z-wentao/courseflow/pkg/apperrors"
)

// casRetries 乐观锁冲突时重新读取并重放修改的次数
const casRetries = 5

type dialect struct {
	name     string
	driver   string
	serialPK string // 自增主键列定义
	lockRows string // 领取子查询的行锁
}

var (
	dialectSQLite = dialect{
		name:     "sqlite",
		driver:   "sqlite",
		serialPK: "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	dialectPostgres = dialect{
		name:     "postgres",
		driver:   "postgres",
		serialPK: "seq BIGSERIAL PRIMARY KEY",
		lockRows: "FOR UPDATE SKIP LOCKED",
	}
)

// rebind 把 ? 占位符转换为 PostgreSQL 的 $n
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
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

// SQLStore 关系型数据库存储，支持 SQLite（modernc，纯 Go）和 PostgreSQL（lib/pq）
// 时间统一以 UTC 微秒整数存储，两种方言下排序和比较行为一致。
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// SQLOptions 连接池配置
type SQLOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// OpenSQLite 打开（必要时创建）SQLite 数据库并迁移表结构
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		// 避免并发访问时的 SQLITE_BUSY
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open(dialectSQLite.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	// SQLite 同一时间只允许一个写者，单连接让写操作在连接池排队而不是互相报 BUSY
	db.SetMaxOpenConns(1)

	return newSQLStore(db, dialectSQLite)
}

// OpenPostgres 连接 PostgreSQL 并迁移表结构
func OpenPostgres(dsn string, opts SQLOptions) (*SQLStore, error) {
	db, err := sql.Open(dialectPostgres.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
			` + s.d.serialPK + `,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			segment_id TEXT NOT NULL DEFAULT '',
			pipeline_id TEXT NOT NULL DEFAULT '',
			batch_id TEXT NOT NULL DEFAULT '',
			media_id TEXT NOT NULL DEFAULT '',
			course_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL,
			available_at BIGINT NOT NULL,
			reserved_at BIGINT,
			reservation_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items (queue, priority DESC, available_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_batch ON work_items (batch_id)`,

		`CREATE TABLE IF NOT EXISTS segment_pipelines (
			id TEXT PRIMARY KEY,
			segment_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			failed_from TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			retry_of TEXT,
			extraction_started_at BIGINT,
			extraction_completed_at BIGINT,
			transcription_started_at BIGINT,
			transcription_completed_at BIGINT,
			terminology_started_at BIGINT,
			terminology_completed_at BIGINT,
			audio_path TEXT NOT NULL DEFAULT '',
			audio_size BIGINT NOT NULL DEFAULT 0,
			audio_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			transcript_path TEXT NOT NULL DEFAULT '',
			transcript_text TEXT NOT NULL DEFAULT '',
			transcript_json TEXT,
			terminology_path TEXT NOT NULL DEFAULT '',
			terminology_json TEXT,
			term_count INTEGER NOT NULL DEFAULT 0,
			terminology_metadata TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pipelines_retry_of ON segment_pipelines (retry_of) WHERE retry_of IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_batch ON segment_pipelines (batch_id, segment_id, attempt)`,

		`CREATE TABLE IF NOT EXISTS processing_batches (
			id TEXT PRIMARY KEY,
			course_id TEXT NOT NULL,
			requested_by TEXT NOT NULL DEFAULT '',
			segment_ids TEXT NOT NULL,
			priority TEXT NOT NULL,
			concurrency INTEGER NOT NULL,
			total INTEGER NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			estimated_duration_ms BIGINT NOT NULL DEFAULT 0,
			actual_duration_ms BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS download_records (
			` + s.d.serialPK + `,
			id TEXT NOT NULL UNIQUE,
			media_id TEXT NOT NULL,
			course_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			queued_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			error_message TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		// 每个媒体最多一条进行中的记录
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_active ON download_records (media_id) WHERE status IN ('queued', 'processing')`,
		`CREATE INDEX IF NOT EXISTS idx_downloads_processing ON download_records (status, started_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema (%s): %w", s.d.name, err)
		}
	}
	return nil
}

// Close 关闭数据库连接
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// execer *sql.DB 和 *sql.Tx 的公共部分
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx 在事务中执行 fn，fn 返回错误时回滚
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// pgUniqueViolation PostgreSQL SQLSTATE unique_violation
const pgUniqueViolation pq.ErrorCode = "23505"

// isUniqueViolation SQLite 与 PostgreSQL 的唯一约束冲突（含主键）
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func conflict(op, msg string) error {
	return apperrors.E(op, apperrors.ErrConcurrencyConflict, msg, nil)
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micros(*t)
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// prefixed 给逗号分隔的列名加上表别名
func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = alias + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}
