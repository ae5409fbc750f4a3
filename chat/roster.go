package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Directory resolves user ids to display names.
type Directory interface {
	DisplayName(ctx context.Context, uid int32) string
}

type RosterEntry struct {
	Uid    int32
	Name   string
	Typing bool
}

// Roster is the present users of a room, sorted by display name then uid.
// It encodes as a JSON object keyed by display name, in roster order. Users sharing
// a display name collapse to the last of them.
type Roster []RosterEntry

type rosterValue struct {
	Typing bool `json:"typing"`
}

func (r Roster) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for i, e := range r {
		if i+1 < len(r) && r[i+1].Name == e.Name {
			continue
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(rosterValue{Typing: e.Typing})
		if err != nil {
			return nil, err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// formatRoster resolves names and typing flags of recently seen users.
// Typing is only reported for users in `recent`.
func (s *Service) formatRoster(ctx context.Context, room int64, recent map[int32]time.Time) (Roster, error) {
	out := make(Roster, 0, len(recent))
	for uid := range recent {
		typing, err := s.store.IsTyping(ctx, room, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, RosterEntry{
			Uid:    uid,
			Name:   s.directory.DisplayName(ctx, uid),
			Typing: typing,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Uid < out[j].Uid
	})
	return out, nil
}
