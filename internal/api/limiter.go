package api

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// limiterIdleTTL drops the limiter of a sender that has been quiet this long.
const limiterIdleTTL = 5 * time.Minute

// senderLimiters hands out one token bucket per sending node.
type senderLimiters struct {
	limit rate.Limit
	burst int
	cache *ttlcache.Cache[string, *rate.Limiter]
}

func newSenderLimiters(limit float64, burst int) *senderLimiters {
	l := &senderLimiters{
		limit: rate.Limit(limit),
		burst: burst,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
		),
	}
	go l.cache.Start()
	return l
}

func (l *senderLimiters) get(sender string) *rate.Limiter {
	if item := l.cache.Get(sender); item != nil {
		return item.Value()
	}
	item, _ := l.cache.GetOrSet(sender, rate.NewLimiter(l.limit, l.burst))
	return item.Value()
}

func (l *senderLimiters) stop() {
	l.cache.Stop()
}

// middleware rejects requests beyond the sender's rate with 429. The sender
// is identified by its node id header, falling back to the remote address.
func (l *senderLimiters) middleware(onLimited func(sender string)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sender := senderKey(r)
			limiter := l.get(sender)

			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				if onLimited != nil {
					onLimited(sender)
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
				w.Header().Set("X-RateLimit-Burst", strconv.Itoa(limiter.Burst()))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func senderKey(r *http.Request) string {
	if id := r.Header.Get(nodeIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
