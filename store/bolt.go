package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	roomsBucket    = []byte("rooms")
	messagesBucket = []byte("messages")
	presenceBucket = []byte("presence")
	typingBucket   = []byte("typing")
	inactiveKey    = []byte("inactive")
)

// boltStore persists rooms in a single bbolt file:
//
//	rooms/<room id>/messages/<seq> -> json(Message)
//	rooms/<room id>/presence/<uid> -> unix nano
//	rooms/<room id>/typing/<uid>   -> 0|1
//	rooms/<room id>/inactive       -> 0|1
//
// bbolt allows one writer at a time, so appends are atomic without extra locking.
type boltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db `%s`: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt db: %w", err)
	}
	return &boltStore{db: db}, nil
}

// roomBucket returns the bucket of the room, nil if absent in a read tx.
func roomBucket(tx *bbolt.Tx, room int64) (*bbolt.Bucket, error) {
	rooms := tx.Bucket(roomsBucket)
	if !tx.Writable() {
		return rooms.Bucket(roomKey(room)), nil
	}
	return rooms.CreateBucketIfNotExists(roomKey(room))
}

// subBucket returns a child bucket of the room, nil if absent in a read tx.
func subBucket(tx *bbolt.Tx, room int64, name []byte) (*bbolt.Bucket, error) {
	rb, err := roomBucket(tx, room)
	if err != nil || rb == nil {
		return nil, err
	}
	if !tx.Writable() {
		return rb.Bucket(name), nil
	}
	return rb.CreateBucketIfNotExists(name)
}

func (s *boltStore) Append(ctx context.Context, room int64, m *Message) (int64, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := subBucket(tx, room, messagesBucket)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.Seq = int64(seq)
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		glog.Errorf("bolt: append to room %d err: %v", room, err)
		return 0, err
	}
	return m.Seq, nil
}

func (s *boltStore) List(ctx context.Context, room int64) ([]*Message, error) {
	out := []*Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, _ := subBucket(tx, room, messagesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %x: %w", k, err)
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count reads the bucket sequence: the log is append-only, so it equals the number of keys.
func (s *boltStore) Count(ctx context.Context, room int64) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b, _ := subBucket(tx, room, messagesBucket); b != nil {
			n = int(b.Sequence())
		}
		return nil
	})
	return n, err
}

func (s *boltStore) Heartbeat(ctx context.Context, room int64, uid int32, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := subBucket(tx, room, presenceBucket)
		if err != nil {
			return err
		}
		return b.Put(uidKey(uid), encodeTime(now))
	})
}

// Recent filters on read; stale entries stay until PrunePresence.
func (s *boltStore) Recent(ctx context.Context, room int64, now time.Time, ttl time.Duration) (map[int32]time.Time, error) {
	out := make(map[int32]time.Time)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, _ := subBucket(tx, room, presenceBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if t := decodeTime(v); now.Sub(t) < ttl {
				out[keyUid(k)] = t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) SetTyping(ctx context.Context, room int64, uid int32, typing bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := subBucket(tx, room, typingBucket)
		if err != nil {
			return err
		}
		return b.Put(uidKey(uid), boolByte(typing))
	})
}

func (s *boltStore) IsTyping(ctx context.Context, room int64, uid int32) (bool, error) {
	var typing bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b, _ := subBucket(tx, room, typingBucket); b != nil {
			v := b.Get(uidKey(uid))
			typing = len(v) == 1 && v[0] == 1
		}
		return nil
	})
	return typing, err
}

func (s *boltStore) IsActive(ctx context.Context, room int64) (bool, error) {
	active := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		if rb, _ := roomBucket(tx, room); rb != nil {
			v := rb.Get(inactiveKey)
			active = !(len(v) == 1 && v[0] == 1)
		}
		return nil
	})
	return active, err
}

func (s *boltStore) SetActive(ctx context.Context, room int64, active bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rb, err := roomBucket(tx, room)
		if err != nil {
			return err
		}
		return rb.Put(inactiveKey, boolByte(!active))
	})
}

func (s *boltStore) PrunePresence(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rooms := tx.Bucket(roomsBucket)
		var keys [][]byte
		if err := rooms.ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range keys {
			pb := rooms.Bucket(k).Bucket(presenceBucket)
			if pb == nil {
				continue
			}
			// Deleting while iterating skips keys, collect first.
			var stale [][]byte
			if err := pb.ForEach(func(uid, t []byte) error {
				if !decodeTime(t).After(before) {
					stale = append(stale, append([]byte(nil), uid...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, uid := range stale {
				if err := pb.Delete(uid); err != nil {
					return err
				}
			}
			n += len(stale)
		}
		return nil
	})
	return n, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
