package ws

import (
	"sync"
)

// HandlerStore indexes local sessions by sid.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.session.Sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) size() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// close closes all sessions and empties the store.
func (hs *HandlerStore) close() {
	hs.Lock()
	handlers := hs.handlers
	hs.handlers = make(map[string]*Handler)
	hs.Unlock()

	for _, h := range handlers {
		h.close(ServerStop)
	}
}
