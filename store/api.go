package store

//go:generate mockgen -destination=mock/store.go -package=mock_store github.com/mqy/minichat/store IRoomStore

import (
	"context"
	"time"
)

// Message is one chat line in a room log. Immutable once appended.
type Message struct {
	Id       string    `json:"id"`   // ulid, assigned by caller
	Seq      int64     `json:"seq"`  // 1-based position in the room log, assigned by store
	Uid      int32     `json:"uid"`  // author
	PostedAt time.Time `json:"when"` // server time of append
	Text     string    `json:"text"` // already sanitized
}

// IRoomStore holds per-room state: message log, presence map, typing map and activity flag.
// Rooms are created implicitly on first write and never removed.
// Every method is atomic on its own; callers serialize multi-step sequences per room.
type IRoomStore interface {
	// Append stores m at the end of the room log, sets m.Seq and returns it.
	Append(ctx context.Context, room int64, m *Message) (int64, error)

	// List returns all messages of the room in append order.
	// Empty slice, never an error, for an unknown room.
	List(ctx context.Context, room int64) ([]*Message, error)

	// Count returns the number of messages in the room log.
	Count(ctx context.Context, room int64) (int, error)

	// Heartbeat records `now` as the last seen time of uid, last write wins.
	Heartbeat(ctx context.Context, room int64, uid int32, now time.Time) error

	// Recent returns users whose last heartbeat satisfies now - lastSeen < ttl.
	Recent(ctx context.Context, room int64, now time.Time, ttl time.Duration) (map[int32]time.Time, error)

	// SetTyping overwrites the typing flag of uid.
	SetTyping(ctx context.Context, room int64, uid int32, typing bool) error

	// IsTyping returns the typing flag of uid, false if never set.
	IsTyping(ctx context.Context, room int64, uid int32) (bool, error)

	// IsActive returns the room activity flag, true if never set.
	IsActive(ctx context.Context, room int64) (bool, error)

	// SetActive sets the room activity flag.
	SetActive(ctx context.Context, room int64, active bool) error

	// PrunePresence physically deletes presence entries last seen at or before `before`,
	// across all rooms. Returns the number of entries deleted.
	PrunePresence(ctx context.Context, before time.Time) (int, error)

	Close() error
}
