package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// MockClient reads identity from cookies `x-uid` and `x-name`, and remembers the last
// name seen per uid. For development only.
type MockClient struct {
	sync.RWMutex
	names  map[int32]string
	admins map[int32]bool
}

func NewMockClient(admins []int32) *MockClient {
	c := &MockClient{
		names:  make(map[int32]string),
		admins: make(map[int32]bool),
	}
	for _, uid := range admins {
		c.admins[uid] = true
	}
	return c
}

func (c *MockClient) Auth(r *http.Request) (int32, error) {
	var uidStr string

	if c, err := r.Cookie("x-uid"); err == nil {
		uidStr = c.Value
	}

	if uidStr == "" {
		return 0, fmt.Errorf("empty x-uid from cookie")
	}
	uid, err := strconv.ParseInt(uidStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("error parse x-uid as integer: %v", err)
	}
	if uid <= 0 {
		return 0, fmt.Errorf("x-uid should be positive integer")
	}

	if name, err := r.Cookie("x-name"); err == nil && name.Value != "" {
		c.Lock()
		c.names[int32(uid)] = name.Value
		c.Unlock()
	}
	return int32(uid), nil
}

func (c *MockClient) CanManage(uid int32, room int64) bool {
	c.RLock()
	defer c.RUnlock()
	return c.admins[uid]
}

func (c *MockClient) DisplayName(ctx context.Context, uid int32) string {
	c.RLock()
	name, ok := c.names[uid]
	c.RUnlock()
	if ok {
		return name
	}
	return fmt.Sprintf("user-%d", uid)
}
