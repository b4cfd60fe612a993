package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedChats caps the number of per-chat limiters to prevent memory
// exhaustion from rotating chat ids.
const maxTrackedChats = 4096

// SendLimiter rate-limits outbound sends per chat. Each chat gets a token
// bucket refilled at rpm per minute with a burst of rpm/4 (at least 1).
// A zero rpm disables limiting. Safe for concurrent use.
type SendLimiter struct {
	rpm int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSendLimiter(rpm int) *SendLimiter {
	return &SendLimiter{
		rpm:      rpm,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether one send to chat key is within the limit now.
func (l *SendLimiter) Allow(key string) bool {
	if l.rpm <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxTrackedChats {
			// Hard eviction; map iteration order serves as random victim pick.
			for k := range l.limiters {
				delete(l.limiters, k)
				break
			}
		}
		burst := l.rpm / 4
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
