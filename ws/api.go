package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
)

const DefaultMaxMessageBytes = 4096

// PostReq asks to append a message. Nil fields are missing arguments.
type PostReq struct {
	ChatId  *int64  `json:"chat_id"`
	Message *string `json:"message"`
	Token   *string `json:"token"`
}

// PollReq asks for messages newer than Count, and reports presence and typing.
type PollReq struct {
	ChatId *int64  `json:"chat_id"`
	Count  *int    `json:"count"`
	Typing bool    `json:"typing"`
	Token  *string `json:"token"`
}

// Envelope is the response shape of every request: data is the payload on success,
// the reason string on failure.
type Envelope struct {
	Id      int64       `json:"id,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type TokenResp struct {
	Token    string `json:"token"`
	Interval int    `json:"interval"` // poll interval, seconds
}

type ApiConf struct {
	MaxMessageBytes int
}

// Api validates transport requests and forwards them to the chat service.
// The caller is already authenticated; tokens and text sanitization are checked here.
type Api struct {
	svc        *chat.Service
	authClient auth.Client
	tokens     *auth.Tokens
	policy     *bluemonday.Policy
	conf       ApiConf
	now        func() time.Time
}

func NewApi(svc *chat.Service, authClient auth.Client, tokens *auth.Tokens, conf ApiConf) *Api {
	if conf.MaxMessageBytes <= 0 {
		conf.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return &Api{
		svc:        svc,
		authClient: authClient,
		tokens:     tokens,
		policy:     newTextPolicy(),
		conf:       conf,
		now:        time.Now,
	}
}

func (a *Api) verifyToken(uid int32, room int64, token string) error {
	if err := a.tokens.Verify(token, uid, room); err != nil {
		glog.V(5).Infof("token: uid %d room %d: %v", uid, room, err)
		return chat.NewError(chat.InvalidToken)
	}
	return nil
}

func (a *Api) Post(ctx context.Context, uid int32, req *PostReq) (*chat.FormattedMessage, error) {
	if req.ChatId == nil || req.Message == nil || req.Token == nil {
		return nil, chat.NewError(chat.MissingArguments)
	}
	room := *req.ChatId
	if room <= 0 {
		return nil, chat.NewError(chat.InvalidChatId)
	}
	if err := a.verifyToken(uid, room, *req.Token); err != nil {
		return nil, err
	}

	text := sanitize(a.policy, *req.Message)
	if len(text) > a.conf.MaxMessageBytes {
		return nil, chat.NewError(chat.MessageTooLong)
	}
	return a.svc.PostMessage(ctx, room, uid, text, a.now())
}

func (a *Api) Poll(ctx context.Context, uid int32, req *PollReq) (*chat.PollResult, error) {
	if req.ChatId == nil || req.Count == nil || req.Token == nil {
		return nil, chat.NewError(chat.MissingArguments)
	}
	room := *req.ChatId
	if room <= 0 {
		return nil, chat.NewError(chat.InvalidChatId)
	}
	if err := a.verifyToken(uid, room, *req.Token); err != nil {
		return nil, err
	}
	return a.svc.Poll(ctx, &chat.PollReq{
		Room:       room,
		Uid:        uid,
		KnownCount: *req.Count,
		Typing:     req.Typing,
	}, a.now())
}

func (a *Api) Token(uid int32, room int64) (*TokenResp, error) {
	if room <= 0 {
		return nil, chat.NewError(chat.InvalidChatId)
	}
	tok, err := a.tokens.Issue(uid, room)
	if err != nil {
		glog.Errorf("token: issue uid %d room %d: %v", uid, room, err)
		return nil, chat.NewInternalError(err)
	}
	return &TokenResp{
		Token:    tok,
		Interval: int(a.svc.PollInterval() / time.Second),
	}, nil
}

func (a *Api) SetActive(ctx context.Context, uid int32, room int64, active bool) error {
	if room <= 0 {
		return chat.NewError(chat.InvalidChatId)
	}
	if !a.authClient.CanManage(uid, room) {
		return chat.NewError(chat.Unauthorized)
	}
	return a.svc.SetActive(ctx, room, active)
}

// Register adds the HTTP endpoints to mux.
func (a *Api) Register(mux *http.ServeMux) {
	mux.HandleFunc("/chat/post", a.handlePost)
	mux.HandleFunc("/chat/poll", a.handlePoll)
	mux.HandleFunc("/chat/messages", a.handleMessages)
	mux.HandleFunc("/chat/token", a.handleToken)
	mux.HandleFunc("/chat/active", a.handleActive)
}

// authenticate writes the failure response itself and returns false on failure.
func (a *Api) authenticate(w http.ResponseWriter, r *http.Request, methods ...string) (int32, bool) {
	allowed := false
	for _, m := range methods {
		if r.Method == m {
			allowed = true
		}
	}
	if !allowed {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return 0, false
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, chat.NewError(chat.MissingArguments))
		return 0, false
	}
	uid, err := a.authClient.Auth(r)
	if err != nil {
		glog.V(5).Infof("%s: authenticate error: %v", r.URL.Path, err)
		writeError(w, chat.NewError(chat.Unauthorized))
		return 0, false
	}
	return uid, true
}

func (a *Api) handlePost(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.authenticate(w, r, http.MethodPost)
	if !ok {
		return
	}
	chatId, err := formChatId(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req := &PostReq{
		ChatId:  chatId,
		Message: formString(r, "message"),
		Token:   formString(r, "token"),
	}
	out, err := a.Post(r.Context(), uid, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (a *Api) handlePoll(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.authenticate(w, r, http.MethodPost)
	if !ok {
		return
	}
	chatId, err := formChatId(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := formInt64(r, "count")
	if err != nil {
		glog.V(5).Infof("%s: %v", r.URL.Path, err)
		writeError(w, chat.NewError(chat.MissingArguments))
		return
	}
	req := &PollReq{
		ChatId: chatId,
		Token:  formString(r, "token"),
		Typing: parseBool(r.Form.Get("typing")),
	}
	if count != nil {
		n := int(*count)
		req.Count = &n
	}
	out, err := a.Poll(r.Context(), uid, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

// handleMessages serves the read-only listing; the activity gate does not apply.
func (a *Api) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r, http.MethodGet); !ok {
		return
	}
	room, err := formChatId(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if room == nil {
		writeError(w, chat.NewError(chat.MissingArguments))
		return
	}
	out, err := a.svc.Messages(r.Context(), *room)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (a *Api) handleToken(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.authenticate(w, r, http.MethodGet)
	if !ok {
		return
	}
	room, err := formChatId(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if room == nil {
		writeError(w, chat.NewError(chat.MissingArguments))
		return
	}
	out, err := a.Token(uid, *room)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (a *Api) handleActive(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.authenticate(w, r, http.MethodPost)
	if !ok {
		return
	}
	room, err := formChatId(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if room == nil || r.Form.Get("active") == "" {
		writeError(w, chat.NewError(chat.MissingArguments))
		return
	}
	active := parseBool(r.Form.Get("active"))
	if err := a.SetActive(r.Context(), uid, *room, active); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]bool{"active": active})
}

// formInt64 returns nil if key is absent, and an error if the value is not an integer.
func formInt64(r *http.Request, key string) (*int64, error) {
	if _, ok := r.Form[key]; !ok {
		return nil, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(r.Form.Get(key)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("form value `%s`: %v", key, err)
	}
	return &v, nil
}

// formChatId reads chat_id. A present but unparsable id is an invalid id, never a missing one.
func formChatId(r *http.Request) (*int64, error) {
	v, err := formInt64(r, "chat_id")
	if err != nil {
		glog.V(5).Infof("%s: %v", r.URL.Path, err)
		return nil, chat.NewError(chat.InvalidChatId)
	}
	return v, nil
}

func formString(r *http.Request, key string) *string {
	if _, ok := r.Form[key]; !ok {
		return nil
	}
	v := r.Form.Get(key)
	return &v
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func statusOf(err error) int {
	switch chat.KindOf(err) {
	case chat.MissingArguments, chat.InvalidChatId, chat.EmptyMessage, chat.MessageTooLong:
		return http.StatusBadRequest
	case chat.Unauthorized:
		return http.StatusUnauthorized
	case chat.InvalidToken:
		return http.StatusForbidden
	case chat.RoomInactive:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, &Envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), &Envelope{Success: false, Data: chat.Reason(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("write response error: %v", err)
	}
}
