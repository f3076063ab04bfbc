package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter limits machine-driving requests per client address. Each
// client gets rate tokens per window; a drained bucket refills in full
// once the window has passed since its last refill.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    int
	window  time.Duration
	maxSize int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window and client.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		maxSize: 1024,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow takes one token for client.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[client]
	if !ok {
		if len(rl.clients) >= rl.maxSize {
			rl.expireLocked(now)
		}
		rl.clients[client] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return rl.rate > 0
	}
	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// expireLocked drops idle clients, then arbitrary ones if the table is
// still full.
func (rl *RateLimiter) expireLocked(now time.Time) {
	for client, b := range rl.clients {
		if now.Sub(b.lastRefill) > 2*rl.window {
			delete(rl.clients, client)
		}
	}
	for client := range rl.clients {
		if len(rl.clients) < rl.maxSize {
			break
		}
		delete(rl.clients, client)
	}
}

// Wrap rejects requests over the limit with 429.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", retryAfter(rl.window))
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// Close stops the background sweep.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for client, b := range rl.clients {
				if now.Sub(b.lastRefill) > 2*rl.window {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientAddr is the TCP peer address without port. Forwarding headers are
// ignored since clients can set them freely.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
