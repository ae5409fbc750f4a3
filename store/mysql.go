package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

// Schema, see Migrate:
//
//	rooms    (room_id PK, seq, inactive)
//	messages (room_id, seq) PK, id, uid, posted_at, text
//	presence (room_id, uid) PK, last_seen
//	typing   (room_id, uid) PK, typing
var schemaSQL = []string{
	"CREATE TABLE IF NOT EXISTS rooms (" +
		"room_id BIGINT NOT NULL PRIMARY KEY, " +
		"seq BIGINT NOT NULL DEFAULT 0, " +
		"inactive TINYINT NOT NULL DEFAULT 0)",
	"CREATE TABLE IF NOT EXISTS messages (" +
		"room_id BIGINT NOT NULL, " +
		"seq BIGINT NOT NULL, " +
		"id CHAR(26) NOT NULL, " +
		"uid INT NOT NULL, " +
		"posted_at DATETIME(6) NOT NULL, " +
		"text TEXT NOT NULL, " +
		"PRIMARY KEY (room_id, seq))",
	"CREATE TABLE IF NOT EXISTS presence (" +
		"room_id BIGINT NOT NULL, " +
		"uid INT NOT NULL, " +
		"last_seen DATETIME(6) NOT NULL, " +
		"PRIMARY KEY (room_id, uid), " +
		"KEY idx_last_seen (last_seen))",
	"CREATE TABLE IF NOT EXISTS typing (" +
		"room_id BIGINT NOT NULL, " +
		"uid INT NOT NULL, " +
		"typing TINYINT NOT NULL, " +
		"PRIMARY KEY (room_id, uid))",
}

const (
	lockSeqSQL      = "SELECT seq FROM rooms WHERE room_id=? FOR UPDATE"
	insertRoomSQL   = "INSERT INTO rooms (room_id, seq) VALUES (?, 0)"
	incSeqSQL       = "UPDATE rooms SET seq=seq+1 WHERE room_id=? AND seq=?"
	getSeqSQL       = "SELECT seq FROM rooms WHERE room_id=?"
	insertMsgSQL    = "INSERT INTO messages (room_id, seq, id, uid, posted_at, text) VALUES (?,?,?,?,?,?)"
	listMsgSQL      = "SELECT seq, id, uid, posted_at, text FROM messages WHERE room_id=? ORDER BY seq ASC"
	heartbeatSQL    = "INSERT INTO presence (room_id, uid, last_seen) VALUES (?,?,?) ON DUPLICATE KEY UPDATE last_seen=VALUES(last_seen)"
	recentSQL       = "SELECT uid, last_seen FROM presence WHERE room_id=? AND last_seen > ?"
	prunePresSQL    = "DELETE FROM presence WHERE last_seen <= ?"
	setTypingSQL    = "INSERT INTO typing (room_id, uid, typing) VALUES (?,?,?) ON DUPLICATE KEY UPDATE typing=VALUES(typing)"
	getTypingSQL    = "SELECT typing FROM typing WHERE room_id=? AND uid=?"
	getInactiveSQL  = "SELECT inactive FROM rooms WHERE room_id=?"
	setInactiveSQL  = "INSERT INTO rooms (room_id, seq, inactive) VALUES (?,0,?) ON DUPLICATE KEY UPDATE inactive=VALUES(inactive)"
	dupKeyErrNumber = 1062
)

// mysqlStore implements IRoomStore on MySQL. DSN must set parseTime=true.
type mysqlStore struct {
	*sql.DB
}

func NewMySQLStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

// Migrate creates missing tables.
func (s *mysqlStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaSQL {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func isDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == dupKeyErrNumber
	}
	return false
}

// incSeq locks the room row and bumps its message sequence. Concurrent appends to the
// same room serialize on the row lock; appends to different rooms do not contend.
func (s *mysqlStore) incSeq(ctx context.Context, tx *sql.Tx, room int64) (int64, error) {
	var seq int64
	found := true

	row := tx.QueryRowContext(ctx, lockSeqSQL, room)
	if err := row.Scan(&seq); err != nil {
		if err != sql.ErrNoRows {
			glog.Errorf("lock seq scan err: %v", err)
			return -1, err
		}
		found = false
	}

	if !found {
		if _, err := tx.ExecContext(ctx, insertRoomSQL, room); err != nil {
			if !isDupKeyError(err) {
				glog.Errorf("insert room err: %v", err)
				return -1, err
			}
			// created concurrently, select for update again.
			row := tx.QueryRowContext(ctx, lockSeqSQL, room)
			if err := row.Scan(&seq); err != nil {
				return -1, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, incSeqSQL, room, seq); err != nil {
		glog.Errorf("update seq exec err: %v", err)
		return -1, err
	}
	return seq + 1, nil
}

func (s *mysqlStore) Append(ctx context.Context, room int64, m *Message) (int64, error) {
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		seq, err := s.incSeq(ctx, tx, room)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertMsgSQL, room, seq, m.Id, m.Uid, m.PostedAt.UTC(), m.Text); err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		m.Seq = seq
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return 0, err
	}
	return m.Seq, nil
}

func (s *mysqlStore) List(ctx context.Context, room int64) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, listMsgSQL, room)
	if err != nil {
		glog.Errorf("list messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	out := []*Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.Id, &m.Uid, &m.PostedAt, &m.Text); err != nil {
			glog.Errorf("list messages scan err: %v", err)
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *mysqlStore) Count(ctx context.Context, room int64) (int, error) {
	var out sql.NullInt64
	if err := s.QueryRowContext(ctx, getSeqSQL, room).Scan(&out); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		glog.Errorf("get seq scan err: %v", err)
		return 0, err
	}
	return int(out.Int64), nil
}

func (s *mysqlStore) Heartbeat(ctx context.Context, room int64, uid int32, now time.Time) error {
	_, err := s.ExecContext(ctx, heartbeatSQL, room, uid, now.UTC())
	return err
}

func (s *mysqlStore) Recent(ctx context.Context, room int64, now time.Time, ttl time.Duration) (map[int32]time.Time, error) {
	rows, err := s.QueryContext(ctx, recentSQL, room, now.Add(-ttl).UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int32]time.Time)
	for rows.Next() {
		var uid int32
		var t time.Time
		if err := rows.Scan(&uid, &t); err != nil {
			return nil, err
		}
		out[uid] = t
	}
	return out, rows.Err()
}

func (s *mysqlStore) SetTyping(ctx context.Context, room int64, uid int32, typing bool) error {
	_, err := s.ExecContext(ctx, setTypingSQL, room, uid, typing)
	return err
}

func (s *mysqlStore) IsTyping(ctx context.Context, room int64, uid int32) (bool, error) {
	var typing bool
	if err := s.QueryRowContext(ctx, getTypingSQL, room, uid).Scan(&typing); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return typing, nil
}

func (s *mysqlStore) IsActive(ctx context.Context, room int64) (bool, error) {
	var inactive bool
	if err := s.QueryRowContext(ctx, getInactiveSQL, room).Scan(&inactive); err != nil {
		if err == sql.ErrNoRows {
			return true, nil
		}
		return false, err
	}
	return !inactive, nil
}

func (s *mysqlStore) SetActive(ctx context.Context, room int64, active bool) error {
	_, err := s.ExecContext(ctx, setInactiveSQL, room, !active)
	return err
}

func (s *mysqlStore) PrunePresence(ctx context.Context, before time.Time) (int, error) {
	res, err := s.ExecContext(ctx, prunePresSQL, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
