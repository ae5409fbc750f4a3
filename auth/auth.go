package auth

import (
	"context"
	"net/http"
)

type Client interface {
	// Auth authenticate current user, return uid.
	Auth(r *http.Request) (int32, error)

	// CanManage reports whether uid may open or close the room.
	CanManage(uid int32, room int64) bool

	// DisplayName resolves uid to the name shown to other users.
	DisplayName(ctx context.Context, uid int32) string
}
