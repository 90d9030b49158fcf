// Package store provides the durable state of the gateway backed by an
// embedded SQLite database (modernc.org/sqlite, cgo-free). It exclusively
// owns all tables; every other component acquires state through it.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string -- never edit or reorder existing entries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 -- message board posts. Replicated posts carry a "[peer]!hex"
	// author; ids are gateway-local and never compared across gateways.
	`CREATE TABLE IF NOT EXISTS posts (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		ts       INTEGER NOT NULL,
		author   TEXT NOT NULL,
		body     TEXT NOT NULL,
		reply_to INTEGER
	)`,
	// v2 -- key/value store (notice, notice_ts, notice_expires_ts, name)
	`CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	)`,
	// v3 -- admin node ids
	`CREATE TABLE IF NOT EXISTS admins (
		id TEXT PRIMARY KEY
	)`,
	// v4 -- blacklisted node ids
	`CREATE TABLE IF NOT EXISTS blacklist (
		id TEXT PRIMARY KEY
	)`,
	// v5 -- replication peers
	`CREATE TABLE IF NOT EXISTS peers (
		id        TEXT PRIMARY KEY,
		last_seen INTEGER
	)`,
	// v6 -- peer-sync transfer uids we have started to receive
	`CREATE TABLE IF NOT EXISTS seen_uids (
		uid TEXT PRIMARY KEY,
		ts  INTEGER NOT NULL
	)`,
	// v7 -- peer-sync transfer uids already applied to posts (authoritative
	// dedup set)
	`CREATE TABLE IF NOT EXISTS applied_uids (
		uid TEXT PRIMARY KEY,
		ts  INTEGER NOT NULL
	)`,
	// v8 -- reassembly buffers, transient per transfer
	`CREATE TABLE IF NOT EXISTS rxparts (
		uid        TEXT PRIMARY KEY,
		total      INTEGER NOT NULL,
		got        INTEGER NOT NULL DEFAULT 0,
		data       TEXT NOT NULL DEFAULT '',
		from_id    TEXT NOT NULL,
		created_ts INTEGER NOT NULL
	)`,
	// v9 -- per-index chunk buffer so END can assemble in index order
	`CREATE TABLE IF NOT EXISTS rx_chunks (
		uid   TEXT NOT NULL,
		idx   INTEGER NOT NULL,
		chunk TEXT NOT NULL,
		PRIMARY KEY (uid, idx)
	)`,
	// v10 -- store-and-forward DM queue
	`CREATE TABLE IF NOT EXISTS dm_out (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		to_id        TEXT NOT NULL,
		from_id      TEXT,
		body         TEXT NOT NULL,
		created_ts   INTEGER NOT NULL,
		delivered_ts INTEGER
	)`,
	// v11 -- pending-DM lookup on sighting
	`CREATE INDEX IF NOT EXISTS idx_dm_out_to ON dm_out(to_id, delivered_ts)`,
	// v12 -- enable WAL mode so meshminictl can read concurrently
	`PRAGMA journal_mode=WAL`,
}

// Store wraps the SQLite database and exposes gateway state operations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer, a few readers. SQLite serializes writes anyway.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		logger.Warn("enable WAL mode", slog.String("error", err.Error()))
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		logger.Warn("set busy_timeout", slog.String("error", err.Error()))
	}

	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.logger.Debug("applied migration", slog.Int("version", v))
	}
	return nil
}

// -------------------------------------------------------------------------
// Posts
// -------------------------------------------------------------------------

// Post is one immutable message board entry. ReplyTo is 0 for top-level
// posts (ids start at 1).
type Post struct {
	ID      int64
	TS      int64
	Author  string
	Body    string
	ReplyTo int64
}

// CreatePost inserts a post and returns its id. replyTo 0 means top-level.
func (s *Store) CreatePost(ts int64, author, body string, replyTo int64) (int64, error) {
	var rt any
	if replyTo != 0 {
		rt = replyTo
	}
	res, err := s.db.Exec(
		`INSERT INTO posts(ts, author, body, reply_to) VALUES(?, ?, ?, ?)`,
		ts, author, body, rt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	return res.LastInsertId()
}

// GetPost returns the post with the given id, or ErrNotFound.
func (s *Store) GetPost(id int64) (Post, error) {
	var p Post
	var rt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, ts, author, body, reply_to FROM posts WHERE id = ?`, id,
	).Scan(&p.ID, &p.TS, &p.Author, &p.Body, &rt)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Post{}, err
	}
	p.ReplyTo = rt.Int64
	return p, nil
}

// HasPost reports whether a post with the given id exists.
func (s *Store) HasPost(id int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM posts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentPosts returns up to limit top-level posts, newest first.
func (s *Store) RecentPosts(limit int) ([]Post, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, author, body, reply_to FROM posts
		 WHERE reply_to IS NULL ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

// Replies returns the replies to post id, ordered by id ascending.
func (s *Store) Replies(id int64) ([]Post, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, author, body, reply_to FROM posts
		 WHERE reply_to = ? ORDER BY id ASC`, id,
	)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

// RecentPostIDs returns up to limit post ids (top-level and replies alike)
// in ascending order: the inventory window advertised to peers.
func (s *Store) RecentPostIDs(limit int) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT id FROM (SELECT id FROM posts ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPosts(rows *sql.Rows) ([]Post, error) {
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var rt sql.NullInt64
		if err := rows.Scan(&p.ID, &p.TS, &p.Author, &p.Body, &rt); err != nil {
			return nil, err
		}
		p.ReplyTo = rt.Int64
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// -------------------------------------------------------------------------
// KV
// -------------------------------------------------------------------------

// GetKV returns the value stored under k. The second return value is false
// when the key does not exist; an error is only returned for I/O failures.
func (s *Store) GetKV(k string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, k).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetKV upserts k -> v.
func (s *Store) SetKV(k, v string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv(k, v) VALUES(?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, k, v,
	)
	return err
}

// DeleteKV removes k. Deleting a missing key is not an error.
func (s *Store) DeleteKV(k string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, k)
	return err
}

// -------------------------------------------------------------------------
// ID sets -- admins, blacklist
// -------------------------------------------------------------------------

// AddAdmin adds a node id to the admin set (idempotent).
func (s *Store) AddAdmin(id string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO admins(id) VALUES(?)`, id)
	return err
}

// RemoveAdmin removes a node id from the admin set (idempotent).
func (s *Store) RemoveAdmin(id string) error {
	_, err := s.db.Exec(`DELETE FROM admins WHERE id = ?`, id)
	return err
}

// Admins returns the admin set sorted ascending.
func (s *Store) Admins() ([]string, error) {
	return s.idSet(`SELECT id FROM admins ORDER BY id`)
}

// IsAdmin reports membership in the admin set. The bootstrap-admin policy
// (empty set means everyone) lives in the gateway, not here.
func (s *Store) IsAdmin(id string) (bool, error) {
	return s.inSet(`SELECT 1 FROM admins WHERE id = ?`, id)
}

// AdminCount returns the number of configured admins.
func (s *Store) AdminCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM admins`).Scan(&n)
	return n, err
}

// AddBlacklist adds a node id to the blacklist (idempotent).
func (s *Store) AddBlacklist(id string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO blacklist(id) VALUES(?)`, id)
	return err
}

// RemoveBlacklist removes a node id from the blacklist (idempotent).
func (s *Store) RemoveBlacklist(id string) error {
	_, err := s.db.Exec(`DELETE FROM blacklist WHERE id = ?`, id)
	return err
}

// Blacklist returns the blacklist sorted ascending.
func (s *Store) Blacklist() ([]string, error) {
	return s.idSet(`SELECT id FROM blacklist ORDER BY id`)
}

// IsBlacklisted reports membership in the blacklist.
func (s *Store) IsBlacklisted(id string) (bool, error) {
	return s.inSet(`SELECT 1 FROM blacklist WHERE id = ?`, id)
}

func (s *Store) idSet(query string) ([]string, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) inSet(query, id string) (bool, error) {
	var one int
	err := s.db.QueryRow(query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// -------------------------------------------------------------------------
// Peers
// -------------------------------------------------------------------------

// Peer is one cooperating gateway.
type Peer struct {
	ID       string
	LastSeen int64 // epoch seconds, 0 when never seen
}

// AddPeer adds a peer node id (idempotent).
func (s *Store) AddPeer(id string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO peers(id) VALUES(?)`, id)
	return err
}

// RemovePeer removes a peer node id (idempotent).
func (s *Store) RemovePeer(id string) error {
	_, err := s.db.Exec(`DELETE FROM peers WHERE id = ?`, id)
	return err
}

// Peers returns all peers sorted by id.
func (s *Store) Peers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT id, COALESCE(last_seen, 0) FROM peers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.ID, &p.LastSeen); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// IsPeer reports whether id is a configured peer.
func (s *Store) IsPeer(id string) (bool, error) {
	return s.inSet(`SELECT 1 FROM peers WHERE id = ?`, id)
}

// TouchPeer updates a peer's last_seen timestamp. Unknown peers are ignored.
func (s *Store) TouchPeer(id string, ts int64) error {
	_, err := s.db.Exec(`UPDATE peers SET last_seen = ? WHERE id = ?`, ts, id)
	return err
}

// -------------------------------------------------------------------------
// Peer-sync UIDs and reassembly buffers
// -------------------------------------------------------------------------

// MarkSeenUID records that a transfer with this uid has started (idempotent).
func (s *Store) MarkSeenUID(uid string, ts int64) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO seen_uids(uid, ts) VALUES(?, ?)`, uid, ts)
	return err
}

// MarkAppliedUID records that the transfer's post has been applied
// (idempotent). Presence in this set gates application.
func (s *Store) MarkAppliedUID(uid string, ts int64) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO applied_uids(uid, ts) VALUES(?, ?)`, uid, ts)
	return err
}

// IsAppliedUID reports whether the uid's post has already been applied.
func (s *Store) IsAppliedUID(uid string) (bool, error) {
	return s.inSet(`SELECT 1 FROM applied_uids WHERE uid = ?`, uid)
}

// RxBuf is a transient reassembly buffer for one peer-sync transfer.
type RxBuf struct {
	UID       string
	Total     int
	Got       int
	Data      string // arrival-order concatenation, fallback body
	FromID    string
	CreatedTS int64
}

// CreateRxBuf creates the reassembly buffer for a transfer (idempotent).
func (s *Store) CreateRxBuf(uid string, total int, fromID string, ts int64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO rxparts(uid, total, got, data, from_id, created_ts)
		 VALUES(?, ?, 0, '', ?, ?)`, uid, total, fromID, ts,
	)
	return err
}

// GetRxBuf returns the reassembly buffer for uid, or ErrNotFound.
func (s *Store) GetRxBuf(uid string) (RxBuf, error) {
	var b RxBuf
	err := s.db.QueryRow(
		`SELECT uid, total, got, data, from_id, created_ts FROM rxparts WHERE uid = ?`, uid,
	).Scan(&b.UID, &b.Total, &b.Got, &b.Data, &b.FromID, &b.CreatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return RxBuf{}, fmt.Errorf("rxbuf %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return RxBuf{}, err
	}
	return b, nil
}

// AppendRxChunk records the idx-th chunk of a transfer. The arrival-order
// concatenation in rxparts.data is kept current as the fallback body, and
// total is refreshed so a lost header does not wedge the transfer.
// A duplicate index is idempotent and does not bump the got counter.
func (s *Store) AppendRxChunk(uid string, idx, total int, chunk string) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO rx_chunks(uid, idx, chunk) VALUES(?, ?, ?)`,
		uid, idx, chunk,
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // duplicate index
	}
	_, err = s.db.Exec(
		`UPDATE rxparts SET got = got + 1, total = ?, data = data || ? WHERE uid = ?`,
		total, chunk, uid,
	)
	return err
}

// AssembleRx returns the transfer body: index order when every index
// 1..total is present, otherwise the arrival-order fallback.
func (s *Store) AssembleRx(uid string) (string, error) {
	b, err := s.GetRxBuf(uid)
	if err != nil {
		return "", err
	}

	rows, err := s.db.Query(
		`SELECT idx, chunk FROM rx_chunks WHERE uid = ? ORDER BY idx ASC`, uid,
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var (
		body     string
		next     = 1
		complete = true
	)
	for rows.Next() {
		var idx int
		var chunk string
		if err := rows.Scan(&idx, &chunk); err != nil {
			return "", err
		}
		if idx != next {
			complete = false
		}
		next = idx + 1
		body += chunk
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if complete && b.Total > 0 && next == b.Total+1 {
		return body, nil
	}
	return b.Data, nil
}

// DeleteRxBuf removes the reassembly buffer and its chunks (idempotent).
func (s *Store) DeleteRxBuf(uid string) error {
	if _, err := s.db.Exec(`DELETE FROM rx_chunks WHERE uid = ?`, uid); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM rxparts WHERE uid = ?`, uid)
	return err
}

// PurgeStaleRxBufs garbage-collects buffers created before cutoff whose END
// never arrived. Returns the number of buffers removed.
func (s *Store) PurgeStaleRxBufs(cutoff int64) (int64, error) {
	if _, err := s.db.Exec(
		`DELETE FROM rx_chunks WHERE uid IN
		 (SELECT uid FROM rxparts WHERE created_ts < ?)`, cutoff,
	); err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`DELETE FROM rxparts WHERE created_ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// -------------------------------------------------------------------------
// DM queue
// -------------------------------------------------------------------------

// DM is one store-and-forward direct message. DeliveredTS non-zero means
// delivered; delivered rows are immutable and never redelivered.
type DM struct {
	ID          int64
	ToID        string
	FromID      string
	Body        string
	CreatedTS   int64
	DeliveredTS int64
}

// EnqueueDM queues a DM for toID and returns the queue id.
func (s *Store) EnqueueDM(toID, fromID, body string, ts int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO dm_out(to_id, from_id, body, created_ts) VALUES(?, ?, ?, ?)`,
		toID, fromID, body, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue dm: %w", err)
	}
	return res.LastInsertId()
}

// PendingDMs returns up to limit undelivered DMs for toID, oldest first.
func (s *Store) PendingDMs(toID string, limit int) ([]DM, error) {
	rows, err := s.db.Query(
		`SELECT id, to_id, COALESCE(from_id, ''), body, created_ts, COALESCE(delivered_ts, 0)
		 FROM dm_out WHERE to_id = ? AND delivered_ts IS NULL ORDER BY id ASC LIMIT ?`,
		toID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanDMs(rows)
}

// AllPendingDMs returns up to limit undelivered DMs across all recipients.
func (s *Store) AllPendingDMs(limit int) ([]DM, error) {
	rows, err := s.db.Query(
		`SELECT id, to_id, COALESCE(from_id, ''), body, created_ts, COALESCE(delivered_ts, 0)
		 FROM dm_out WHERE delivered_ts IS NULL ORDER BY id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanDMs(rows)
}

// OutboxFor returns up to limit undelivered DMs queued by fromID.
func (s *Store) OutboxFor(fromID string, limit int) ([]DM, error) {
	rows, err := s.db.Query(
		`SELECT id, to_id, COALESCE(from_id, ''), body, created_ts, COALESCE(delivered_ts, 0)
		 FROM dm_out WHERE from_id = ? AND delivered_ts IS NULL ORDER BY id ASC LIMIT ?`,
		fromID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanDMs(rows)
}

// MarkDMDelivered stamps a queued DM as delivered. Already-delivered rows
// are left untouched.
func (s *Store) MarkDMDelivered(id, ts int64) error {
	_, err := s.db.Exec(
		`UPDATE dm_out SET delivered_ts = ? WHERE id = ? AND delivered_ts IS NULL`,
		ts, id,
	)
	return err
}

// DeleteDM removes a queued DM by id (idempotent).
func (s *Store) DeleteDM(id int64) error {
	_, err := s.db.Exec(`DELETE FROM dm_out WHERE id = ?`, id)
	return err
}

// ExpireDMs deletes undelivered DMs created before cutoff. Returns the
// number of rows removed.
func (s *Store) ExpireDMs(cutoff int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM dm_out WHERE delivered_ts IS NULL AND created_ts < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanDMs(rows *sql.Rows) ([]DM, error) {
	defer rows.Close()

	var dms []DM
	for rows.Next() {
		var d DM
		if err := rows.Scan(&d.ID, &d.ToID, &d.FromID, &d.Body, &d.CreatedTS, &d.DeliveredTS); err != nil {
			return nil, err
		}
		dms = append(dms, d)
	}
	return dms, rows.Err()
}
