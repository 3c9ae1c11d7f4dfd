package teesim

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// Session states
const (
	StatePending = "pending"
	StateOpen    = "open"
)

// ErrNoRow is returned when no session matches.
var ErrNoRow = errors.New("no such session")

// Row is one provisioned session as the TEE keeps it.
type Row struct {
	RowID      int64
	DevFileID  uint32
	SessionID  uint32
	UUID       [smc.UUIDLen]byte
	Challenge  uint32
	Crypto     auth.CryptoInfo
	Scrambling [auth.ScramblingNumber]uint32
	Identity   [auth.IdentityLen]byte
	Counter    uint64
	PID        uint32
	UID        uint32
	CAInfo     string
	Pended     bool
	State      string
	CreatedAt  time.Time
}

// Store keeps TEE session state in SQLite. The default DSN is an in-memory
// database that lives as long as the Store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens the store. An empty dsn selects ":memory:".
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// Every connection to :memory: is its own database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		dev_file_id INTEGER NOT NULL,
		session_id INTEGER NOT NULL DEFAULT 0,
		uuid BLOB NOT NULL,
		challenge INTEGER NOT NULL,
		key BLOB NOT NULL,
		iv BLOB NOT NULL,
		scr0 INTEGER NOT NULL,
		scr1 INTEGER NOT NULL,
		scr2 INTEGER NOT NULL,
		identity BLOB,
		counter INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0,
		uid INTEGER NOT NULL DEFAULT 0,
		ca_info TEXT NOT NULL DEFAULT '',
		pended INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL CHECK(state IN ('pending', 'open')),
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_pending ON sessions(dev_file_id, state) WHERE state = 'pending';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open ON sessions(dev_file_id, session_id, uuid) WHERE state = 'open';
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPending records a provisioned session that has not been opened yet.
func (s *Store) InsertPending(r *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO sessions (dev_file_id, uuid, challenge, key, iv, scr0, scr1, scr2, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DevFileID, r.UUID[:], r.Challenge, r.Crypto.Key[:], r.Crypto.IV[:],
		r.Scrambling[0], r.Scrambling[1], r.Scrambling[2],
		StatePending, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending session: %w", err)
	}
	r.RowID, err = res.LastInsertId()
	r.State = StatePending
	return err
}

const rowColumns = `row_id, dev_file_id, session_id, uuid, challenge, key, iv, scr0, scr1, scr2,
	identity, counter, pid, uid, ca_info, pended, state, created_at`

func scanRow(sc interface{ Scan(...any) error }) (*Row, error) {
	var (
		r                    Row
		uuid, key, iv, ident []byte
		counter, created     int64
		pended               int
	)
	err := sc.Scan(&r.RowID, &r.DevFileID, &r.SessionID, &uuid, &r.Challenge, &key, &iv,
		&r.Scrambling[0], &r.Scrambling[1], &r.Scrambling[2],
		&ident, &counter, &r.PID, &r.UID, &r.CAInfo, &pended, &r.State, &created)
	if err != nil {
		return nil, err
	}
	copy(r.UUID[:], uuid)
	copy(r.Crypto.Key[:], key)
	copy(r.Crypto.IV[:], iv)
	copy(r.Identity[:], ident)
	r.Counter = uint64(counter)
	r.Pended = pended != 0
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

// Pending returns the unopened sessions of a device file for one trusted
// application, newest first.
func (s *Store) Pending(devFileID uint32, uuid [smc.UUIDLen]byte) ([]*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+rowColumns+` FROM sessions
		WHERE dev_file_id = ? AND uuid = ? AND state = ?
		ORDER BY row_id DESC`, devFileID, uuid[:], StatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending sessions: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Open turns a pending row into an open session.
func (s *Store) Open(r *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sessions SET session_id = ?, identity = ?, counter = ?, pid = ?, uid = ?, ca_info = ?, state = ?
		WHERE row_id = ? AND state = ?`,
		r.SessionID, r.Identity[:], int64(r.Counter), r.PID, r.UID, r.CAInfo, StateOpen,
		r.RowID, StatePending,
	)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNoRow
	}
	r.State = StateOpen
	return nil
}

// Get returns an open session.
func (s *Store) Get(devFileID, sessionID uint32, uuid [smc.UUIDLen]byte) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+rowColumns+` FROM sessions
		WHERE dev_file_id = ? AND session_id = ? AND uuid = ? AND state = ?`,
		devFileID, sessionID, uuid[:], StateOpen)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return r, nil
}

// Advance stores an accepted timestamp.
func (s *Store) Advance(rowID int64, counter uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET counter = ? WHERE row_id = ?`, int64(counter), rowID)
	return err
}

// SetPended records that the session already answered a call with a pending
// result.
func (s *Store) SetPended(rowID int64, pended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := 0
	if pended {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE sessions SET pended = ? WHERE row_id = ?`, v, rowID)
	return err
}

// Delete removes a session.
func (s *Store) Delete(rowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM sessions WHERE row_id = ?`, rowID)
	return err
}

// PurgePending removes provisioned sessions that were never opened.
func (s *Store) PurgePending(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE state = ? AND created_at < ?`, StatePending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending sessions: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of sessions in a state.
func (s *Store) Count(state string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE state = ?`, state).Scan(&n)
	return n, err
}
