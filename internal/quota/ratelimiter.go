package quota

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces each user's requests-per-minute limit with one
// token bucket per user. The bucket holds a full minute of requests.
type RateLimiter struct {
	mu    sync.Mutex
	users map[string]*userLimiter
	now   func() time.Time
}

type userLimiter struct {
	lim      *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// NewRateLimiter creates an empty per-user limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		users: make(map[string]*userLimiter),
		now:   time.Now,
	}
}

func perMinute(rpm int) rate.Limit {
	return rate.Limit(float64(rpm) / 60.0)
}

// limiter returns the bucket for userID, retuned to rpm when an admin has
// changed the quota since it was created. Callers hold mu.
func (rl *RateLimiter) limiter(userID string, rpm int, now time.Time) *userLimiter {
	u, ok := rl.users[userID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(perMinute(rpm), rpm), rpm: rpm}
		rl.users[userID] = u
	} else if u.rpm != rpm {
		u.lim.SetLimitAt(now, perMinute(rpm))
		u.lim.SetBurstAt(now, rpm)
		u.rpm = rpm
	}
	u.lastSeen = now
	return u
}

// Allow reports whether a request from userID fits its limit. rpm <= 0
// means unlimited.
func (rl *RateLimiter) Allow(userID string, rpm int) bool {
	if rpm <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.limiter(userID, rpm, now).lim.AllowN(now, 1)
}

// RetryAfter returns the whole seconds until userID can make another
// request, or 0 when it can do so now.
func (rl *RateLimiter) RetryAfter(userID string, rpm int) int {
	if rpm <= 0 {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	u, ok := rl.users[userID]
	if !ok {
		return 0
	}
	tokens := u.lim.TokensAt(rl.now())
	if tokens >= 1 {
		return 0
	}
	return int(math.Ceil((1 - tokens) / float64(u.lim.Limit())))
}

// Cleanup forgets users not seen within maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	for id, u := range rl.users {
		if u.lastSeen.Before(cutoff) {
			delete(rl.users, id)
		}
	}
}
