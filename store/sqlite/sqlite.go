/*
Package sqlite provides a SQLite-backed implementation of the ledger storage.

PURPOSE:
  Implements credits.TxStore (buckets, the transaction log and the user
  directory) plus the scheduler's run history, using SQLite. The same SQL
  runs on PostgreSQL with minor dialect changes.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - Corrections are new transactions

KEY TABLES:
  buckets:      Credit grants with total/used/expired/remaining counters
  transactions: Immutable ledger of every bucket change
  users:        Identity fields for import validation and exports
  sweep_runs:   One row per scheduler job run

INDEXES:
  - idx_buckets_remaining_valid_until: Expiry sweep and notices (hot path)
  - idx_buckets_user:                  Per-user bucket queries
  - idx_transactions_operation:        Refund by operation id
  - idx_transactions_user_recorded:    Ledger listing

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so an open
  WithTx blocks every other writer. Buckets additionally carry a version
  column; UpdateBucket only matches the row when the version is unchanged.

TIMESTAMPS:
  Stored as INTEGER so range filters compare numerically: bucket dates in
  unix seconds, ledger and sweep times in unix nanoseconds.

MIGRATION:
  Versioned goose migrations are embedded and applied on New().

SEE ALSO:
  - credits/store.go: Interface definitions
  - credits/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect, base FS and logger in package globals.
var gooseMu sync.Mutex

// Store implements credits.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ credits.TxStore = (*Store)(nil)

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := runGoose(context.Background(), db, goose.NopLogger(), "up"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs a goose command ("up", "down", "status", "version", ...)
// against the embedded migrations, logging goose output through log.
func (s *Store) Migrate(ctx context.Context, log *logging.Logger, command string, args ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log == nil {
		log = logging.Nop()
	}
	return runGoose(ctx, s.db, gooseLogger{ctx: ctx, log: log}, command, args...)
}

func runGoose(ctx context.Context, db *sql.DB, logger goose.Logger, command string, args ...string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(logger)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, "migrations", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// gooseLogger forwards goose output to the structured logger.
type gooseLogger struct {
	ctx context.Context
	log *logging.Logger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Info(g.ctx, strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(g.ctx, "goose", fmt.Errorf(format, v...))
}

// =============================================================================
// QUERIES (shared by Store and txStore)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every ledger query against a querier.
type conn struct {
	q querier
}

const bucketColumns = `id, user_id, total, used, expired, remaining, created_at, valid_until, expiry_notice_stage, version`

func (c conn) CreateBucket(ctx context.Context, b credits.Bucket) (int64, error) {
	query := `
		INSERT INTO buckets
		(user_id, total, used, expired, remaining, created_at, valid_until, expiry_notice_stage, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`

	res, err := c.q.ExecContext(ctx, query,
		b.UserID, b.Total, b.Used, b.Expired, b.Remaining,
		b.CreatedAt.Unix(), b.ValidUntil.Unix(),
		nullInt(b.ExpiryNoticeStage),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create bucket: %w", err)
	}
	return res.LastInsertId()
}

func (c conn) GetBucket(ctx context.Context, id int64) (credits.Bucket, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+bucketColumns+" FROM buckets WHERE id = ?", id)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Bucket{}, credits.ErrBucketNotFound
	}
	if err != nil {
		return credits.Bucket{}, fmt.Errorf("failed to get bucket %d: %w", id, err)
	}
	return b, nil
}

func (c conn) UpdateBucket(ctx context.Context, b credits.Bucket) error {
	query := `
		UPDATE buckets SET
			total = ?, used = ?, expired = ?, remaining = ?,
			valid_until = ?, expiry_notice_stage = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	res, err := c.q.ExecContext(ctx, query,
		b.Total, b.Used, b.Expired, b.Remaining,
		b.ValidUntil.Unix(), nullInt(b.ExpiryNoticeStage),
		b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update bucket %d: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Either the row is gone or somebody else bumped the version.
	var exists int
	err = c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM buckets WHERE id = ?", b.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return credits.ErrBucketNotFound
	}
	return credits.ErrConcurrentModification
}

func (c conn) ListBuckets(ctx context.Context, userID int64) ([]credits.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets
		WHERE user_id = ?
		ORDER BY valid_until DESC, id ASC`
	return c.queryBuckets(ctx, query, userID)
}

func (c conn) AvailableBuckets(ctx context.Context, userID int64, asOf time.Time) ([]credits.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets
		WHERE user_id = ? AND remaining > 0 AND valid_until >= ?
		ORDER BY valid_until ASC, id ASC`
	return c.queryBuckets(ctx, query, userID, ceilSeconds(asOf))
}

func (c conn) UnavailableBuckets(ctx context.Context, userID int64, at time.Time) ([]credits.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets
		WHERE user_id = ? AND (remaining = 0 OR valid_until < ?)
		ORDER BY valid_until DESC, id ASC`
	return c.queryBuckets(ctx, query, userID, ceilSeconds(at))
}

func (c conn) RefundableBuckets(ctx context.Context, userID int64, after time.Time) ([]credits.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets
		WHERE user_id = ? AND used > 0 AND valid_until > ?
		ORDER BY valid_until DESC, id ASC`
	return c.queryBuckets(ctx, query, userID, after.Unix())
}

func (c conn) LapsedBuckets(ctx context.Context, userID *int64, now time.Time) ([]credits.Bucket, error) {
	if userID == nil {
		query := `SELECT ` + bucketColumns + ` FROM buckets
			WHERE remaining > 0 AND valid_until < ?
			ORDER BY valid_until ASC, id ASC`
		return c.queryBuckets(ctx, query, ceilSeconds(now))
	}
	query := `SELECT ` + bucketColumns + ` FROM buckets
		WHERE user_id = ? AND remaining > 0 AND valid_until < ?
		ORDER BY valid_until ASC, id ASC`
	return c.queryBuckets(ctx, query, *userID, ceilSeconds(now))
}

func (c conn) NoticeCandidates(ctx context.Context, from, until time.Time, stage int) ([]credits.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets
		WHERE remaining > 0 AND valid_until >= ? AND valid_until <= ?
		  AND (expiry_notice_stage IS NULL OR expiry_notice_stage > ?)
		ORDER BY valid_until ASC, id ASC`
	return c.queryBuckets(ctx, query, ceilSeconds(from), until.Unix(), stage)
}

func (c conn) SumAvailable(ctx context.Context, userID int64, at time.Time) (int64, error) {
	var sum int64
	err := c.q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(remaining), 0) FROM buckets WHERE user_id = ? AND valid_until >= ?",
		userID, ceilSeconds(at),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum available credits: %w", err)
	}
	return sum, nil
}

func (c conn) queryBuckets(ctx context.Context, query string, args ...any) ([]credits.Bucket, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []credits.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBucket(row scanner) (credits.Bucket, error) {
	var (
		b                     credits.Bucket
		createdAt, validUntil int64
		stage                 sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.UserID, &b.Total, &b.Used, &b.Expired, &b.Remaining,
		&createdAt, &validUntil, &stage, &b.Version)
	if err != nil {
		return b, err
	}
	b.CreatedAt = fromSeconds(createdAt)
	b.ValidUntil = fromSeconds(validUntil)
	if stage.Valid {
		v := int(stage.Int64)
		b.ExpiryNoticeStage = &v
	}
	return b, nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

const txColumns = `id, bucket_id, user_id, acting_user_id, amount, component, reason_code, reason_args,
	reason_description, public_note, private_note, recorded_at, operation_id`

func (c conn) AppendTransaction(ctx context.Context, tx credits.Transaction) (int64, error) {
	argsJSON, err := json.Marshal(tx.ReasonArgs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode reason args: %w", err)
	}

	query := `
		INSERT INTO transactions
		(bucket_id, user_id, acting_user_id, amount, component, reason_code, reason_args,
		 reason_description, public_note, private_note, recorded_at, operation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := c.q.ExecContext(ctx, query,
		tx.BucketID, tx.UserID, tx.ActingUserID, tx.Amount,
		tx.Component, tx.ReasonCode, string(argsJSON), tx.ReasonDescription,
		tx.PublicNote, tx.PrivateNote, tx.RecordedAt.UnixNano(),
		nullString(tx.OperationID),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return 0, credits.ErrBucketNotFound
		}
		return 0, fmt.Errorf("failed to append transaction: %w", err)
	}
	return res.LastInsertId()
}

func (c conn) Transactions(ctx context.Context, f credits.TransactionFilter) ([]credits.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.BucketID != 0 {
		where = append(where, "bucket_id = ?")
		args = append(args, f.BucketID)
	}
	if f.OperationID != "" {
		where = append(where, "operation_id = ?")
		args = append(args, f.OperationID)
	}

	query := "SELECT " + txColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at ASC, id ASC"

	return c.queryTransactions(ctx, query, args...)
}

func (c conn) AllTransactions(ctx context.Context) ([]credits.Transaction, error) {
	return c.queryTransactions(ctx, "SELECT "+txColumns+" FROM transactions ORDER BY id ASC")
}

func (c conn) queryTransactions(ctx context.Context, query string, args ...any) ([]credits.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []credits.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (credits.Transaction, error) {
	var (
		tx          credits.Transaction
		argsJSON    sql.NullString
		recordedAt  int64
		operationID sql.NullString
	)

	err := rows.Scan(
		&tx.ID, &tx.BucketID, &tx.UserID, &tx.ActingUserID, &tx.Amount,
		&tx.Component, &tx.ReasonCode, &argsJSON, &tx.ReasonDescription,
		&tx.PublicNote, &tx.PrivateNote, &recordedAt, &operationID,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.RecordedAt = fromUnix(recordedAt)
	tx.OperationID = operationID.String
	if argsJSON.Valid && argsJSON.String != "" && argsJSON.String != "null" {
		args, err := decodeArgs(argsJSON.String)
		if err != nil {
			return tx, fmt.Errorf("failed to decode reason args of tx %d: %w", tx.ID, err)
		}
		tx.ReasonArgs = args
	}
	return tx, nil
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

func (c conn) GetUser(ctx context.Context, id int64) (*credits.User, error) {
	var u credits.User
	err := c.q.QueryRowContext(ctx,
		"SELECT id, first_name, last_name, email FROM users WHERE id = ?",
		id,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// =============================================================================
// STORE (locked accessors)
// =============================================================================

func (s *Store) CreateBucket(ctx context.Context, b credits.Bucket) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{s.db}.CreateBucket(ctx, b)
}

func (s *Store) GetBucket(ctx context.Context, id int64) (credits.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.GetBucket(ctx, id)
}

func (s *Store) UpdateBucket(ctx context.Context, b credits.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{s.db}.UpdateBucket(ctx, b)
}

func (s *Store) ListBuckets(ctx context.Context, userID int64) ([]credits.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.ListBuckets(ctx, userID)
}

func (s *Store) AvailableBuckets(ctx context.Context, userID int64, asOf time.Time) ([]credits.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.AvailableBuckets(ctx, userID, asOf)
}

func (s *Store) UnavailableBuckets(ctx context.Context, userID int64, at time.Time) ([]credits.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.UnavailableBuckets(ctx, userID, at)
}

func (s *Store) RefundableBuckets(ctx context.Context, userID int64, after time.Time) ([]credits.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.RefundableBuckets(ctx, userID, after)
}

func (s *Store) LapsedBuckets(ctx context.Context, userID *int64, now time.Time) ([]credits.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.LapsedBuckets(ctx, userID, now)
}

func (s *Store) NoticeCandidates(ctx context.Context, from, until time.Time, stage int) ([]credits.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.NoticeCandidates(ctx, from, until, stage)
}

func (s *Store) SumAvailable(ctx context.Context, userID int64, at time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.SumAvailable(ctx, userID, at)
}

func (s *Store) AppendTransaction(ctx context.Context, tx credits.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{s.db}.AppendTransaction(ctx, tx)
}

func (s *Store) Transactions(ctx context.Context, filter credits.TransactionFilter) ([]credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.Transactions(ctx, filter)
}

func (s *Store) AllTransactions(ctx context.Context) ([]credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.AllTransactions(ctx)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*credits.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.GetUser(ctx, id)
}

// =============================================================================
// TRANSACTIONAL STORE (credits.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credits.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(txStore{conn{sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore reads and writes through the open sql.Tx only; the parent's
// locked accessors would deadlock on s.mu.
type txStore struct {
	conn
}

// =============================================================================
// USERS
// =============================================================================

// SaveUser adds or replaces a user.
func (s *Store) SaveUser(ctx context.Context, u credits.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO users (id, first_name, last_name, email, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email
	`

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.FirstName, u.LastName, u.Email,
		time.Now().UTC().UnixNano(),
	)
	return err
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]credits.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, first_name, last_name, email FROM users ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []credits.User
	for rows.Next() {
		var u credits.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// SWEEP RUNS STORE
// =============================================================================

// SweepRun records one execution of a scheduler job.
type SweepRun struct {
	ID         int64
	Job        string
	Status     string // succeeded, failed
	Processed  int
	Skipped    int
	Failed     int
	Credits    int64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// SaveSweepRun appends a run and returns its id.
func (s *Store) SaveSweepRun(ctx context.Context, r SweepRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sweep_runs (job, status, processed, skipped, failed, credits, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		r.Job, r.Status, r.Processed, r.Skipped, r.Failed, r.Credits,
		nullString(r.Error), r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save sweep run: %w", err)
	}
	return res.LastInsertId()
}

// SweepRuns returns the latest runs, newest first. An empty job selects all.
func (s *Store) SweepRuns(ctx context.Context, job string, limit int) ([]SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, job, status, processed, skipped, failed, credits, error, started_at, finished_at
		FROM sweep_runs
		WHERE (? = '' OR job = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, job, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var (
			r                     SweepRun
			runErr                sql.NullString
			startedAt, finishedAt int64
		)
		if err := rows.Scan(
			&r.ID, &r.Job, &r.Status, &r.Processed, &r.Skipped, &r.Failed,
			&r.Credits, &runErr, &startedAt, &finishedAt,
		); err != nil {
			return nil, err
		}
		r.Error = runErr.String
		r.StartedAt = fromUnix(startedAt)
		r.FinishedAt = fromUnix(finishedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "buckets", "users", "sweep_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Ledger and sweep timestamps are unix nanoseconds. Bucket dates are unix
// seconds, since a validity may lie past the year 2262.
func fromUnix(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// decodeArgs restores reason args with whole numbers as int64, the way the
// engine records them.
func decodeArgs(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	for k, v := range args {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			args[k] = i
		} else if f, err := n.Float64(); err == nil {
			args[k] = f
		}
	}
	return args, nil
}

func fromSeconds(s int64) time.Time {
	return time.Unix(s, 0).UTC()
}

// ceilSeconds rounds t up to a whole second so that "valid_until >= t" and
// "valid_until < t" keep their meaning against second-precision columns.
func ceilSeconds(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
