// Package ratelimit enforces per-user quotas on mutating file operations.
// Each operation kind gets its own Limiter; a Limiter keeps one token
// bucket per user id.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user's bucket for an operation
// kind is exhausted. Callers must not perform the guarded mutation
// and should report the denial distinctly from other errors.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter enforces a per-user token bucket for one operation kind.
type Limiter struct {
	mu       sync.Mutex
	users    map[string]*userBucket
	interval time.Duration
	burst    int
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter that grants one token per interval with
// the given burst per user.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	return &Limiter{
		users:    make(map[string]*userBucket),
		interval: interval,
		burst:    burst,
	}
}

// Consume takes n tokens from userID's bucket. It returns ErrRateLimited
// when the bucket cannot cover the cost right now.
func (l *Limiter) Consume(userID string, n int) error {
	l.mu.Lock()
	bucket, ok := l.users[userID]
	if !ok {
		bucket = &userBucket{
			limiter: rate.NewLimiter(rate.Every(l.interval), l.burst),
		}
		l.users[userID] = bucket
	}
	bucket.lastSeen = time.Now()
	l.mu.Unlock()

	if !bucket.limiter.AllowN(time.Now(), n) {
		return ErrRateLimited
	}
	return nil
}

// Prune drops buckets idle for longer than maxIdle and returns how many
// were removed. Run it periodically so the per-user map stays bounded.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, bucket := range l.users {
		if bucket.lastSeen.Before(cutoff) {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

// Users returns the number of tracked user buckets.
func (l *Limiter) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// Limits bundles one limiter per mutating operation kind. The rates
// mirror the deployment's historical points/duration configuration:
// saves are the hottest path and get the tightest bucket.
type Limits struct {
	SaveFile     *Limiter
	CreateFile   *Limiter
	CreateFolder *Limiter
	RenameFile   *Limiter
	DeleteFile   *Limiter
}

// NewLimits creates the default per-operation limiter set.
func NewLimits() *Limits {
	return &Limits{
		SaveFile:     NewLimiter(time.Second, 5),
		CreateFile:   NewLimiter(time.Second, 10),
		CreateFolder: NewLimiter(time.Second, 10),
		RenameFile:   NewLimiter(time.Second, 10),
		DeleteFile:   NewLimiter(time.Second, 10),
	}
}

// PruneAll prunes idle user buckets in every limiter.
func (l *Limits) PruneAll(maxIdle time.Duration) {
	l.SaveFile.Prune(maxIdle)
	l.CreateFile.Prune(maxIdle)
	l.CreateFolder.Prune(maxIdle)
	l.RenameFile.Prune(maxIdle)
	l.DeleteFile.Prune(maxIdle)
}
