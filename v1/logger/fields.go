package logger

import (
	"time"

	"go.uber.org/zap"
)

// LockKey is the field used for lock keys.
func LockKey(v string) zap.Field { return zap.String("lock_key", v) }

// Family is the field used for cache family names.
func Family(v string) zap.Field { return zap.String("family", v) }

// Identity is the field used for rate limit identities.
func Identity(v string) zap.Field { return zap.String("identity", v) }

// RunID is the field used for coordinator run IDs.
func RunID(v string) zap.Field { return zap.String("run_id", v) }

// Channel is the field used for pub/sub channels.
func Channel(v string) zap.Field { return zap.String("channel", v) }

// TTL is the field used for lease and entry lifetimes.
func TTL(v time.Duration) zap.Field { return zap.Duration("ttl", v) }
