package collab

import "errors"

// 客户端可见的错误码：错误字符串即稳定错误码，传输层原样下发
var (
	ErrStaleBase        = errors.New("STALE_BASE")
	ErrRoomClosed       = errors.New("ROOM_CLOSED")
	ErrBackpressure     = errors.New("BACKPRESSURE")
	ErrStoreUnavailable = errors.New("STORE_UNAVAILABLE")
	ErrSessionNotFound  = errors.New("SESSION_NOT_FOUND")
	ErrInternal         = errors.New("INTERNAL")
)
