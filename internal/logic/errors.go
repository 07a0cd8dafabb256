package logic

import "errors"

// ErrNilRedisStore is returned when a Redis backed component has no client.
var ErrNilRedisStore = errors.New("redis store is nil")

// ErrCatalogUnavailable is returned when no catalog has been loaded yet.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// ErrHistoryUnavailable wraps failures reading delivery history.
var ErrHistoryUnavailable = errors.New("history unavailable")
