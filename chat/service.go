package chat

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/mqy/minichat/journal"
	"github.com/mqy/minichat/store"
)

const (
	DefaultPollInterval       = 5 * time.Second
	DefaultPresenceMultiplier = 4
	DefaultTimeFormat         = "3:04 pm"

	lockStripes = 64
)

type ServiceCfg struct {
	Store     store.IRoomStore
	Directory Directory
	Journal   journal.IJournal // optional
	Metrics   *Metrics         // optional

	// PollInterval is the client poll period, also the presence recency window.
	PollInterval time.Duration
	// A user is present while now - lastSeen < PresenceMultiplier x PollInterval.
	PresenceMultiplier int
	// TimeFormat is a Go time layout applied to message times.
	TimeFormat string
}

// Service implements posting and polling over a room store.
// Post and poll on the same room are serialized; rooms are independent.
type Service struct {
	store     store.IRoomStore
	directory Directory
	journal   journal.IJournal
	metrics   *Metrics

	presenceTTL  time.Duration
	pollInterval time.Duration
	timeFormat   string

	// striped per-room locks: covers gate read, append, heartbeat, typing and count.
	locks [lockStripes]sync.Mutex

	idLock  sync.Mutex
	entropy *rand.Rand
}

func NewService(conf *ServiceCfg) *Service {
	s := &Service{
		store:        conf.Store,
		directory:    conf.Directory,
		journal:      conf.Journal,
		metrics:      conf.Metrics,
		pollInterval: conf.PollInterval,
		timeFormat:   conf.TimeFormat,
		entropy:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if s.journal == nil {
		s.journal = journal.Nop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.timeFormat == "" {
		s.timeFormat = DefaultTimeFormat
	}
	multiplier := conf.PresenceMultiplier
	if multiplier <= 0 {
		multiplier = DefaultPresenceMultiplier
	}
	s.presenceTTL = time.Duration(multiplier) * s.pollInterval
	return s
}

// PollInterval is the poll period clients should use.
func (s *Service) PollInterval() time.Duration {
	return s.pollInterval
}

// PresenceTTL is the staleness threshold of presence entries.
func (s *Service) PresenceTTL() time.Duration {
	return s.presenceTTL
}

func (s *Service) lockRoom(room int64) func() {
	mu := &s.locks[uint64(room)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) newId(now time.Time) string {
	s.idLock.Lock()
	defer s.idLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

// FormattedMessage is a message prepared for display.
type FormattedMessage struct {
	Id   string `json:"id"`
	Seq  int64  `json:"seq"`
	User string `json:"user"`
	When string `json:"when"`
	Text string `json:"text"`
}

func (s *Service) format(ctx context.Context, m *store.Message) *FormattedMessage {
	return &FormattedMessage{
		Id:   m.Id,
		Seq:  m.Seq,
		User: s.directory.DisplayName(ctx, m.Uid),
		When: m.PostedAt.Local().Format(s.timeFormat),
		Text: m.Text,
	}
}

func (s *Service) formatAll(ctx context.Context, list []*store.Message) []*FormattedMessage {
	out := make([]*FormattedMessage, 0, len(list))
	for _, m := range list {
		out = append(out, s.format(ctx, m))
	}
	return out
}

// checkActive returns nil if the room accepts writes and live polls.
func (s *Service) checkActive(ctx context.Context, room int64) error {
	active, err := s.store.IsActive(ctx, room)
	if err != nil {
		return internalError(err)
	}
	if !active {
		return NewError(RoomInactive)
	}
	return nil
}

// PostMessage appends text, already sanitized, to the room log as written by uid.
// Exactly one message is appended on success, none on failure.
func (s *Service) PostMessage(ctx context.Context, room int64, uid int32, text string, now time.Time) (*FormattedMessage, error) {
	out, err := s.postMessage(ctx, room, uid, text, now)
	if err != nil {
		s.metrics.observeError("post", err)
		if KindOf(err) == Internal {
			glog.Errorf("post: room %d uid %d: %v", room, uid, err)
		}
		return nil, err
	}
	s.metrics.posts.Inc()
	return out, nil
}

func (s *Service) postMessage(ctx context.Context, room int64, uid int32, text string, now time.Time) (*FormattedMessage, error) {
	m, err := s.appendMessage(ctx, room, uid, text, now)
	if err != nil {
		return nil, err
	}

	// Journaled outside the room lock. The journal is a side channel, a failure there
	// does not undo the append. Entries of one room may reach it out of order, consumers
	// order them by seq.
	if err := s.journal.Record(ctx, room, m); err != nil {
		glog.Errorf("post: journal room %d seq %d: %v", room, m.Seq, err)
	}

	return s.format(ctx, m), nil
}

func (s *Service) appendMessage(ctx context.Context, room int64, uid int32, text string, now time.Time) (*store.Message, error) {
	if room <= 0 {
		return nil, NewError(InvalidChatId)
	}

	unlock := s.lockRoom(room)
	defer unlock()

	if err := s.checkActive(ctx, room); err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, NewError(EmptyMessage)
	}

	m := &store.Message{
		Id:       s.newId(now),
		Uid:      uid,
		PostedAt: now,
		Text:     text,
	}
	if _, err := s.store.Append(ctx, room, m); err != nil {
		return nil, internalError(err)
	}
	glog.V(5).Infof("post: room %d seq %d uid %d", room, m.Seq, uid)
	return m, nil
}

type PollReq struct {
	Room       int64
	Uid        int32
	KnownCount int  // number of messages the client already has
	Typing     bool // client side typing hint
}

// PollResult is either unchanged or the full message list with the presence roster.
type PollResult struct {
	Messages []*FormattedMessage `json:"messages"`
	Presence Roster              `json:"presence"`

	unchanged bool
}

// IsUnchanged reports whether the room had exactly KnownCount messages.
// An unchanged result is not the same as an empty message list.
func (r *PollResult) IsUnchanged() bool {
	return r.unchanged
}

// MarshalJSON encodes an unchanged result as 0.
func (r *PollResult) MarshalJSON() ([]byte, error) {
	if r.unchanged {
		return []byte("0"), nil
	}
	type plain PollResult
	return json.Marshal((*plain)(r))
}

// Poll records presence and typing state of the caller, then reports whether the
// message count moved away from req.KnownCount.
func (s *Service) Poll(ctx context.Context, req *PollReq, now time.Time) (*PollResult, error) {
	out, err := s.poll(ctx, req, now)
	if err != nil {
		s.metrics.observeError("poll", err)
		if KindOf(err) == Internal {
			glog.Errorf("poll: room %d uid %d: %v", req.Room, req.Uid, err)
		}
		return nil, err
	}
	if out.IsUnchanged() {
		s.metrics.polls.WithLabelValues("unchanged").Inc()
	} else {
		s.metrics.polls.WithLabelValues("changed").Inc()
	}
	return out, nil
}

func (s *Service) poll(ctx context.Context, req *PollReq, now time.Time) (*PollResult, error) {
	if req.Room <= 0 {
		return nil, NewError(InvalidChatId)
	}

	unlock := s.lockRoom(req.Room)
	defer unlock()

	if err := s.checkActive(ctx, req.Room); err != nil {
		return nil, err
	}

	if err := s.store.Heartbeat(ctx, req.Room, req.Uid, now); err != nil {
		return nil, internalError(err)
	}
	if err := s.store.SetTyping(ctx, req.Room, req.Uid, req.Typing); err != nil {
		return nil, internalError(err)
	}

	count, err := s.store.Count(ctx, req.Room)
	if err != nil {
		return nil, internalError(err)
	}
	if count == req.KnownCount {
		return &PollResult{unchanged: true}, nil
	}

	list, err := s.store.List(ctx, req.Room)
	if err != nil {
		return nil, internalError(err)
	}
	recent, err := s.store.Recent(ctx, req.Room, now, s.presenceTTL)
	if err != nil {
		return nil, internalError(err)
	}
	roster, err := s.formatRoster(ctx, req.Room, recent)
	if err != nil {
		return nil, internalError(err)
	}

	glog.V(5).Infof("poll: room %d uid %d known %d count %d present %d", req.Room, req.Uid, req.KnownCount, count, len(roster))
	return &PollResult{
		Messages: s.formatAll(ctx, list),
		Presence: roster,
	}, nil
}

// Messages lists the room log for read-only display. Not affected by the activity gate.
func (s *Service) Messages(ctx context.Context, room int64) ([]*FormattedMessage, error) {
	if room <= 0 {
		return nil, NewError(InvalidChatId)
	}
	list, err := s.store.List(ctx, room)
	if err != nil {
		glog.Errorf("messages: room %d: %v", room, err)
		return nil, internalError(err)
	}
	return s.formatAll(ctx, list), nil
}

// SetActive opens or closes the room gate. Callers are authorized by the transport.
func (s *Service) SetActive(ctx context.Context, room int64, active bool) error {
	if room <= 0 {
		return NewError(InvalidChatId)
	}

	unlock := s.lockRoom(room)
	defer unlock()

	if err := s.store.SetActive(ctx, room, active); err != nil {
		glog.Errorf("set active: room %d: %v", room, err)
		return internalError(err)
	}
	glog.Infof("room %d active: %v", room, active)
	return nil
}
