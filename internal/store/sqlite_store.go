package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/subflow/subflow/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the durable job store. A single writer connection with WAL
// keeps transitions serialized without table locks blocking readers.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return Migrate(ctx, s.db, migrationFiles)
}

// Migrate runs every embedded migration whose version is not yet in
// schema_migrations, in filename order. The queue shares this bootstrap for
// its own database file.
func Migrate(ctx context.Context, db *sql.DB, files embed.FS) error {
	entries, err := files.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := files.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename
// (e.g. "001_jobs.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) Create(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, user_id, original_file_key, source_lang, target_lang, model_used, status, translated_file_key, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		job.ID,
		job.UserID,
		job.OriginalFileKey,
		job.SourceLang,
		job.TargetLang,
		job.ModelUsed,
		string(job.Status),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, original_file_key, source_lang, target_lang, model_used, status, translated_file_key, error_message, created_at, updated_at
		 FROM jobs
		 WHERE id = ?`,
		id,
	)

	var job jobs.Job
	var status string
	var translatedKey sql.NullString
	var errorMessage sql.NullString
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.OriginalFileKey,
		&job.SourceLang,
		&job.TargetLang,
		&job.ModelUsed,
		&status,
		&translatedKey,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	job.Status = jobs.Status(status)
	job.TranslatedFileKey = translatedKey.String
	job.ErrorMessage = errorMessage.String
	return &job, nil
}

// Transition moves a job from exactly `from` to `to`. The WHERE clause is the
// precondition: if the stored status has moved on, zero rows update and the
// caller gets ErrConflict.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to jobs.Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, jobs.ErrConflict)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to),
		time.Now().UTC(),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkProcessing claims a row for a delivery attempt. QUEUED is the normal
// path, PROCESSING tolerates redelivery after an expired lease, and FAILED is
// reclaimed when the queue redelivers for a retry. COMPLETED never re-enters.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(jobs.StatusProcessing),
		time.Now().UTC(),
		id,
		string(jobs.StatusQueued),
		string(jobs.StatusProcessing),
		string(jobs.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, resultKey string, sourceLang string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, translated_file_key = ?, error_message = NULL, source_lang = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(jobs.StatusCompleted),
		resultKey,
		sourceLang,
		time.Now().UTC(),
		id,
		string(jobs.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errorMessage string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, error_message = ?, translated_file_key = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(jobs.StatusFailed),
		errorMessage,
		time.Now().UTC(),
		id,
		string(jobs.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// checkAffected distinguishes a missing row from a precondition miss after a
// zero-row UPDATE.
func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if exists == 0 {
		return jobs.ErrNotFound
	}
	return jobs.ErrConflict
}
