package api

import (
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
)

// ErrRateLimited is returned when an actor scans faster than allowed.
var ErrRateLimited = errors.New("rate limited")

// maxLimiters bounds the per-actor map; it is reset when exceeded.
const maxLimiters = 10000

// RateLimiter throttles requests per authenticated actor, falling back to
// the remote address. A nil *RateLimiter lets everything through.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

// NewRateLimiter allows perMinute requests per actor with the given burst.
// perMinute <= 0 returns nil.
func NewRateLimiter(perMinute, burst int, log *logger.Logger) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := string(ActorFrom(r.Context()).StaffID)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			rl.log.Warnw("rate limit exceeded", "key", key, "path", r.URL.Path)
			writeError(w, errors.WithHint(ErrRateLimited, "Too many scans, wait a moment"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor extends generic.HTTPStatus with API-level errors.
func statusFor(err error) (generic.ErrorKind, int) {
	if errors.Is(err, ErrRateLimited) {
		return "RateLimited", http.StatusTooManyRequests
	}
	return generic.KindOf(err), generic.HTTPStatus(err)
}
