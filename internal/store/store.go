package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/p-arndt/labkasten/internal/lab"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("not found")

// isBusyLock reports whether err is SQLITE_BUSY, possibly wrapped by database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn, retrying up to three times while the database is locked.
func retryOnBusy(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isBusyLock(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(b, 3))
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS lab_sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	course_id      TEXT NOT NULL,
	state          TEXT NOT NULL,
	container_id   TEXT NOT NULL DEFAULT '',
	image_tag      TEXT NOT NULL DEFAULT '',
	image_hash     TEXT NOT NULL DEFAULT '',
	surfaces       TEXT NOT NULL DEFAULT '[]',
	cpu_limit      REAL NOT NULL DEFAULT 0,
	mem_limit      INTEGER NOT NULL DEFAULT 0,
	pids_limit     INTEGER NOT NULL DEFAULT 0,
	failure        TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	last_active_at DATETIME NOT NULL,
	paused_at      DATETIME,
	updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lab_sessions_key ON lab_sessions(user_id, course_id);
CREATE INDEX IF NOT EXISTS idx_lab_sessions_course ON lab_sessions(course_id);
CREATE INDEX IF NOT EXISTS idx_lab_sessions_state ON lab_sessions(state);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer; more conns improve read throughput.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
// An in-memory database is pinned to a single connection, since every
// connection would otherwise see its own empty database.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, user_id, course_id, state, container_id, image_tag, image_hash, surfaces,
	cpu_limit, mem_limit, pids_limit, failure, version, created_at, last_active_at, paused_at`

// SaveSession inserts or updates a session snapshot. A snapshot whose version
// is not newer than the stored row is ignored, so concurrent writers can never
// roll a row back.
func (s *Store) SaveSession(sess *lab.Session) error {
	surfaces, err := json.Marshal(sess.Surfaces)
	if err != nil {
		return fmt.Errorf("encoding surfaces: %w", err)
	}
	var pausedAt sql.NullTime
	if sess.PausedAt != nil {
		pausedAt = sql.NullTime{Time: sess.PausedAt.UTC(), Valid: true}
	}

	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO lab_sessions (`+sessionColumns+`, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				container_id = excluded.container_id,
				image_tag = excluded.image_tag,
				image_hash = excluded.image_hash,
				surfaces = excluded.surfaces,
				cpu_limit = excluded.cpu_limit,
				mem_limit = excluded.mem_limit,
				pids_limit = excluded.pids_limit,
				failure = excluded.failure,
				version = excluded.version,
				last_active_at = excluded.last_active_at,
				paused_at = excluded.paused_at,
				updated_at = excluded.updated_at
			 WHERE excluded.version > lab_sessions.version`,
			sess.ID, sess.UserID, sess.CourseID, string(sess.State), sess.RuntimeHandle,
			sess.ImageTag, sess.ImageHash, string(surfaces),
			sess.Limits.CPUs, sess.Limits.MemoryBytes, sess.Limits.PidsLimit, sess.Failure, sess.Version,
			sess.CreatedAt.UTC(), sess.LastActiveAt.UTC(), pausedAt, time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id, or nil if none exists.
func (s *Store) GetSession(id string) (*lab.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM lab_sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions() ([]*lab.Session, error) {
	return s.query(`SELECT `+sessionColumns+` FROM lab_sessions ORDER BY created_at DESC`)
}

// ListActiveSessions returns every row that must be reconciled after a
// restart: non-terminal sessions plus failed sessions still holding records.
func (s *Store) ListActiveSessions() ([]*lab.Session, error) {
	return s.query(
		`SELECT `+sessionColumns+` FROM lab_sessions WHERE state IN (?, ?, ?, ?, ?) ORDER BY created_at`,
		string(lab.StateCreating), string(lab.StateRunning), string(lab.StatePaused),
		string(lab.StateStopping), string(lab.StateFailed),
	)
}

func (s *Store) ListSessionsByCourse(courseID string) ([]*lab.Session, error) {
	return s.query(`SELECT `+sessionColumns+` FROM lab_sessions WHERE course_id = ? ORDER BY created_at DESC`, courseID)
}

func (s *Store) DeleteSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM lab_sessions WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result, id)
}

// PurgeFinished deletes stopped history rows last updated before cutoff and
// returns how many were removed.
func (s *Store) PurgeFinished(cutoff time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM lab_sessions WHERE state = ? AND updated_at < ?`,
			string(lab.StateStopped), cutoff.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) query(q string, args ...any) ([]*lab.Session, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*lab.Session, error) {
	var (
		sess     lab.Session
		state    string
		surfaces string
		pausedAt sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.CourseID, &state, &sess.RuntimeHandle,
		&sess.ImageTag, &sess.ImageHash, &surfaces,
		&sess.Limits.CPUs, &sess.Limits.MemoryBytes, &sess.Limits.PidsLimit, &sess.Failure, &sess.Version,
		&sess.CreatedAt, &sess.LastActiveAt, &pausedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if sess.State, err = lab.ParseState(state); err != nil {
		return nil, fmt.Errorf("scanning session %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(surfaces), &sess.Surfaces); err != nil {
		return nil, fmt.Errorf("decoding surfaces of %s: %w", sess.ID, err)
	}
	if pausedAt.Valid {
		t := pausedAt.Time
		sess.PausedAt = &t
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*lab.Session, error) {
	var sessions []*lab.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}
