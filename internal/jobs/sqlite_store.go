package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const jobColumns = `id, callback_url, status, original_filename, compressed_filename, original_size,
	compressed_size, compression_ratio, error_message, created_at, completed_at`

// SQLiteStore はジョブ状態を SQLite に保存します。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore は DSN を開いてスキーマを作成します。
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// :memory: は接続ごとに別 DB になるため 1 本に固定する
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore は既存の *sql.DB から SQLiteStore を作成します。
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS compression_jobs (
			id TEXT PRIMARY KEY,
			callback_url TEXT NOT NULL,
			status TEXT NOT NULL,
			original_filename TEXT NOT NULL,
			compressed_filename TEXT,
			original_size INTEGER NOT NULL,
			compressed_size INTEGER,
			compression_ratio REAL,
			error_message TEXT,
			created_at TEXT NOT NULL,
			completed_at TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Close はデータベース接続を閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create は processing 状態のジョブを新しい ID で作成します。
func (s *SQLiteStore) Create(ctx context.Context, params CreateParams) (*Job, error) {
	job := &Job{
		JobID:            uuid.NewString(),
		CallbackURL:      params.CallbackURL,
		Status:           StatusProcessing,
		OriginalFilename: params.OriginalFilename,
		OriginalSize:     params.OriginalSize,
		CreatedAt:        s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compression_jobs (id, callback_url, status, original_filename, original_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		job.JobID,
		job.CallbackURL,
		string(job.Status),
		job.OriginalFilename,
		job.OriginalSize,
		job.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get はジョブ情報を取得します。
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM compression_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return job, nil
}

// MarkCompleted はジョブを completed に遷移させます。
func (s *SQLiteStore) MarkCompleted(ctx context.Context, jobID string, completion Completion) (*Job, error) {
	return s.transition(ctx, jobID, `
		UPDATE compression_jobs
		SET status = ?, compressed_filename = ?, compressed_size = ?, compression_ratio = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`,
		string(StatusCompleted),
		completion.CompressedFilename,
		completion.CompressedSize,
		completion.CompressionRatio,
		s.now().Format(time.RFC3339Nano),
		jobID,
		string(StatusProcessing),
	)
}

// MarkFailed はジョブを failed に遷移させます。
func (s *SQLiteStore) MarkFailed(ctx context.Context, jobID string, message string) (*Job, error) {
	return s.transition(ctx, jobID, `
		UPDATE compression_jobs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`,
		string(StatusFailed),
		message,
		s.now().Format(time.RFC3339Nano),
		jobID,
		string(StatusProcessing),
	)
}

func (s *SQLiteStore) transition(ctx context.Context, jobID, query string, args ...any) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM compression_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, jobID, job.Status)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                Job
		status             string
		compressedFilename sql.NullString
		compressedSize     sql.NullInt64
		compressionRatio   sql.NullFloat64
		errorMessage       sql.NullString
		createdAt          string
		completedAt        sql.NullString
	)
	if err := row.Scan(
		&job.JobID,
		&job.CallbackURL,
		&status,
		&job.OriginalFilename,
		&compressedFilename,
		&job.OriginalSize,
		&compressedSize,
		&compressionRatio,
		&errorMessage,
		&createdAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.CompressedFilename = compressedFilename.String
	job.ErrorMessage = errorMessage.String
	if compressedSize.Valid {
		size := compressedSize.Int64
		job.CompressedSize = &size
	}
	if compressionRatio.Valid {
		ratio := compressionRatio.Float64
		job.CompressionRatio = &ratio
	}

	parsedCreatedAt, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = parsedCreatedAt
	if completedAt.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &parsed
	}
	return &job, nil
}
