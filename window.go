package permit

import (
	"strconv"
	"time"
)

const (
	// DefaultBucketPrefix is the key prefix window counters are stored under.
	DefaultBucketPrefix = "rateLimit:bucket:"

	// DefaultSemaphoreKey is the key the permit counter is stored under.
	DefaultSemaphoreKey = "rateLimit:semaphore"
)

// windowKey returns the counter key for the one-second window containing t:
// prefix followed by the whole unix second.
func windowKey(prefix string, t time.Time) string {
	return prefix + strconv.FormatInt(t.Unix(), 10)
}
