package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"pastebox/pkg/domain"
	"pastebox/pkg/expiry"
	"pastebox/svc/util"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

// sqliteDriver is go-sqlite3 with a Unicode-aware pb_lower() registered on
// every connection. The built-in lower() and LIKE only fold ASCII.
const sqliteDriver = "sqlite3_pastebox"

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("pb_lower", strings.ToLower, true)
		},
	})
}

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	cleanupBatchSize    = 100
)

const pasteColumns = `id, title, content, language, expires_in, expires_at, views, created_at`

// SQLite is the default paste store. Times are stored as unix milliseconds
// and a NULL expires_at means the paste never expires.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	policy        expiry.Policy
	memory        bool
	now           func() time.Time
}

func NewSQLite(path string, policy expiry.Policy) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout, policy)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration, policy expiry.Policy) (*SQLite, error) {
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	db, err := sql.Open(sqliteDriver, buildDSN(path, memory))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if memory {
		// every connection to :memory: is a separate database
		maxOpenConns, maxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
		policy:       policy,
		memory:       memory,
		now:          time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// buildDSN applies per-connection pragmas through the driver so that every
// pooled connection gets them, not just the one that ran the migration.
func buildDSN(path string, memory bool) string {
	if memory {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		util.Error().Int32("failures", failures).Msg("database circuit breaker opened")
	}
}
func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT 'Untitled',
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'plaintext',
		expires_in TEXT NOT NULL,
		expires_at INTEGER,
		views INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_pastes_created_at ON pastes(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		expiresAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &p.Language, &p.ExpiresIn, &expiresAt, &p.Views, &createdAt); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(createdAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		p.ExpiresAt = &t
	}
	return &p, nil
}

func (s *SQLite) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	p, err := newRecord(params, s.policy, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return s.Exists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}
	p.ID = id
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (` + pasteColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		p.ID, p.Title, p.Content, p.Language, p.ExpiresIn, nullMillis(p.ExpiresAt), p.Views, p.CreatedAt.UnixMilli(),
	)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db create")
	}
	return p, nil
}

// Get returns a live paste. Malformed, missing and expired ids are all
// reported as not found.
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrInvalidID
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + pasteColumns + ` FROM pastes
	WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id, s.now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

// IncrViewsAndGet bumps the view counter and reads the result in a single
// statement so concurrent readers never lose an update.
func (s *SQLite) IncrViewsAndGet(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrInvalidID
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET views = views + 1
	WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)
	RETURNING ` + pasteColumns
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id, s.now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "incr views and get")
	}
	return p, nil
}

func (s *SQLite) IncrViews(ctx context.Context, id string) error {
	if !util.ValidID(id) {
		return domain.ErrInvalidID
	}
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET views = views + 1 WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`
	res, err := s.db.ExecContext(queryCtx, q, id, s.now().UnixMilli())
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "incr views")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

// Delete reports whether a live paste was removed. Expired rows are left
// for the cleaner and count as absent.
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	if !util.ValidID(id) {
		return false, nil
	}
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `DELETE FROM pastes WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`
	res, err := s.db.ExecContext(queryCtx, q, id, s.now().UnixMilli())
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete rows affected")
	}
	return n > 0, nil
}

// Search matches query as a case-insensitive substring of title or content,
// newest first.
func (s *SQLite) Search(ctx context.Context, query string, limit int) ([]domain.PasteSummary, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	needle := strings.ToLower(query)
	q := `SELECT id, title, language, views, created_at, expires_at FROM pastes
	WHERE (expires_at IS NULL OR expires_at > ?)
	AND (instr(pb_lower(content), ?) > 0 OR instr(pb_lower(title), ?) > 0)
	ORDER BY created_at DESC, id
	LIMIT ?`
	rows, err := s.db.QueryContext(queryCtx, q, s.now().UnixMilli(), needle, needle, clampLimit(limit))
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "search pastes")
	}
	defer rows.Close()
	out := make([]domain.PasteSummary, 0)
	for rows.Next() {
		var (
			sum       domain.PasteSummary
			createdAt int64
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Language, &sum.Views, &createdAt, &expiresAt); err != nil {
			return nil, errors.Wrap(err, "scan summary")
		}
		sum.CreatedAt = fromMillis(createdAt)
		if expiresAt.Valid {
			t := fromMillis(expiresAt.Int64)
			sum.ExpiresAt = &t
		}
		out = append(out, sum)
	}
	return out, errors.Wrap(rows.Err(), "iterate summaries")
}

// CleanupExpired removes expired rows in batches and returns how many were
// deleted.
func (s *SQLite) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)
		`, s.now().UnixMilli(), cleanupBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < cleanupBatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if totalDeleted == maxIterations*cleanupBatchSize {
		return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
	}
	return totalDeleted, nil
}

// Exists reports whether id is taken, including by expired rows.
func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}
func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
