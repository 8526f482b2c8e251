package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	ipLimiterTTL    = 5 * time.Minute
	cleanupInterval = time.Minute
)

// ConnectionRateLimiter throttles connection attempts at two levels:
// per source IP and instance-wide. Both are token buckets, so short
// reconnect bursts pass while sustained floods do not.
type ConnectionRateLimiter struct {
	mu        sync.Mutex
	perIP     map[string]*ipEntry
	ipRate    float64
	ipBurst   int
	global    *rate.Limiter
	logger    zerolog.Logger
	stopClean chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionRateLimiter(ipPerSec float64, ipBurst int, globalPerSec float64, globalBurst int, logger zerolog.Logger) *ConnectionRateLimiter {
	l := &ConnectionRateLimiter{
		perIP:     make(map[string]*ipEntry),
		ipRate:    ipPerSec,
		ipBurst:   ipBurst,
		global:    rate.NewLimiter(rate.Limit(globalPerSec), globalBurst),
		logger:    logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopClean: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed.
// The global bucket is checked first so a distributed flood is cut
// off before the per-IP map grows.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}

	l.mu.Lock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopClean:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ipLimiterTTL)
			l.mu.Lock()
			for ip, entry := range l.perIP {
				if entry.lastSeen.Before(cutoff) {
					delete(l.perIP, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *ConnectionRateLimiter) Stop() {
	close(l.stopClean)
}
