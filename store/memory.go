package store

import (
	"context"
	"sync"
	"time"
)

type memRoom struct {
	sync.Mutex
	messages []*Message
	presence map[int32]time.Time
	typing   map[int32]bool
	inactive bool
}

// memoryStore keeps every room in process memory. State is lost on restart.
type memoryStore struct {
	sync.RWMutex
	rooms map[int64]*memRoom
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		rooms: make(map[int64]*memRoom),
	}
}

// get returns the room, creating it when `create` is set. Nil if absent and not created.
func (s *memoryStore) get(room int64, create bool) *memRoom {
	s.RLock()
	r := s.rooms[room]
	s.RUnlock()
	if r != nil || !create {
		return r
	}

	s.Lock()
	defer s.Unlock()
	if r = s.rooms[room]; r == nil {
		r = &memRoom{
			presence: make(map[int32]time.Time),
			typing:   make(map[int32]bool),
		}
		s.rooms[room] = r
	}
	return r
}

func (s *memoryStore) Append(ctx context.Context, room int64, m *Message) (int64, error) {
	r := s.get(room, true)
	r.Lock()
	defer r.Unlock()
	m.Seq = int64(len(r.messages)) + 1
	cp := *m
	r.messages = append(r.messages, &cp)
	return m.Seq, nil
}

func (s *memoryStore) List(ctx context.Context, room int64) ([]*Message, error) {
	r := s.get(room, false)
	if r == nil {
		return []*Message{}, nil
	}
	r.Lock()
	defer r.Unlock()
	out := make([]*Message, 0, len(r.messages))
	for _, m := range r.messages {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memoryStore) Count(ctx context.Context, room int64) (int, error) {
	r := s.get(room, false)
	if r == nil {
		return 0, nil
	}
	r.Lock()
	defer r.Unlock()
	return len(r.messages), nil
}

func (s *memoryStore) Heartbeat(ctx context.Context, room int64, uid int32, now time.Time) error {
	r := s.get(room, true)
	r.Lock()
	r.presence[uid] = now
	r.Unlock()
	return nil
}

// Recent drops stale entries from the map while building the result.
func (s *memoryStore) Recent(ctx context.Context, room int64, now time.Time, ttl time.Duration) (map[int32]time.Time, error) {
	out := make(map[int32]time.Time)
	r := s.get(room, false)
	if r == nil {
		return out, nil
	}
	r.Lock()
	defer r.Unlock()
	for uid, t := range r.presence {
		if now.Sub(t) < ttl {
			out[uid] = t
		} else {
			delete(r.presence, uid)
		}
	}
	return out, nil
}

func (s *memoryStore) SetTyping(ctx context.Context, room int64, uid int32, typing bool) error {
	r := s.get(room, true)
	r.Lock()
	r.typing[uid] = typing
	r.Unlock()
	return nil
}

func (s *memoryStore) IsTyping(ctx context.Context, room int64, uid int32) (bool, error) {
	r := s.get(room, false)
	if r == nil {
		return false, nil
	}
	r.Lock()
	defer r.Unlock()
	return r.typing[uid], nil
}

func (s *memoryStore) IsActive(ctx context.Context, room int64) (bool, error) {
	r := s.get(room, false)
	if r == nil {
		return true, nil
	}
	r.Lock()
	defer r.Unlock()
	return !r.inactive, nil
}

func (s *memoryStore) SetActive(ctx context.Context, room int64, active bool) error {
	r := s.get(room, true)
	r.Lock()
	r.inactive = !active
	r.Unlock()
	return nil
}

func (s *memoryStore) PrunePresence(ctx context.Context, before time.Time) (int, error) {
	s.RLock()
	rooms := make([]*memRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.RUnlock()

	var n int
	for _, r := range rooms {
		r.Lock()
		for uid, t := range r.presence {
			if !t.After(before) {
				delete(r.presence, uid)
				n++
			}
		}
		r.Unlock()
	}
	return n, nil
}

func (s *memoryStore) Close() error {
	return nil
}
