// Package ratelimit enforces per-(exchange, IP) request budgets with
// token buckets, 429 backoff doubling, and 418 IP bans with egress failover.
// Requests over budget queue until tokens refill; nothing is dropped here.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketprism/marketprism/errs"
)

const (
	basePenalty = time.Second
	maxPenalty  = 30 * time.Second
	// A bucket that has been quiet this long after its pause forgets its penalty.
	penaltyDecayAfter = time.Minute
)

// Budget mirrors the exchange-documented per-IP request budget.
type Budget struct {
	RequestsPerMinute int
	WeightPerMinute   int
	OrdersPerSecond   int
}

type bucket struct {
	requests *rate.Limiter
	weight   *rate.Limiter
	orders   *rate.Limiter

	penalty     time.Duration
	pauseUntil  time.Time
	bannedUntil time.Time
}

// Limiter owns the token buckets for one exchange across all configured
// egress IPs. The zero IP list degenerates to a single anonymous bucket.
type Limiter struct {
	exchange string
	now      func() time.Time
	onWait   func()

	mu      sync.Mutex
	ips     []string
	active  int
	buckets map[string]*bucket
}

// New builds a limiter for the exchange using the configured budget. The
// first IP is the primary egress; the rest are failover candidates.
func New(exchange string, ips []string, budget Budget) *Limiter {
	if len(ips) == 0 {
		ips = []string{""}
	}
	l := &Limiter{
		exchange: exchange,
		now:      time.Now,
		ips:      ips,
		buckets:  make(map[string]*bucket, len(ips)),
	}
	for _, ip := range ips {
		l.buckets[ip] = newBucket(budget)
	}
	return l
}

// ObserveWaits registers fn to run once per request that was delayed by a
// pause or an empty bucket. Set before the limiter is shared.
func (l *Limiter) ObserveWaits(fn func()) { l.onWait = fn }

func newBucket(budget Budget) *bucket {
	b := new(bucket)
	if budget.RequestsPerMinute > 0 {
		b.requests = rate.NewLimiter(rate.Limit(float64(budget.RequestsPerMinute)/60), budget.RequestsPerMinute/10+1)
	}
	if budget.WeightPerMinute > 0 {
		b.weight = rate.NewLimiter(rate.Limit(float64(budget.WeightPerMinute)/60), budget.WeightPerMinute/10+1)
	}
	if budget.OrdersPerSecond > 0 {
		b.orders = rate.NewLimiter(rate.Limit(budget.OrdersPerSecond), budget.OrdersPerSecond)
	}
	return b
}

// Wait blocks until the active IP's budget admits a request of the given
// weight, honouring any 429 pause, and returns the IP to use. All banned
// means an ip_banned error carrying the earliest lift time.
func (l *Limiter) Wait(ctx context.Context, weight int) (string, error) {
	ip, b, err := l.pick()
	if err != nil {
		return "", err
	}

	delayed := false
	l.mu.Lock()
	pause := b.pauseUntil
	l.mu.Unlock()
	if wait := pause.Sub(l.now()); wait > 0 {
		delayed = true
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if b.requests != nil && !b.requests.Allow() {
		delayed = true
		if err := b.requests.Wait(ctx); err != nil {
			return "", err
		}
	}
	if b.weight != nil && weight > 0 && !b.weight.AllowN(l.now(), weight) {
		delayed = true
		if err := b.weight.WaitN(ctx, weight); err != nil {
			return "", err
		}
	}
	if delayed && l.onWait != nil {
		l.onWait()
	}

	l.mu.Lock()
	if b.penalty > 0 && l.now().After(b.pauseUntil.Add(penaltyDecayAfter)) {
		b.penalty = 0
	}
	l.mu.Unlock()
	return ip, nil
}

// WaitOrder additionally draws from the orders/second bucket.
func (l *Limiter) WaitOrder(ctx context.Context) (string, error) {
	ip, err := l.Wait(ctx, 1)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	b := l.buckets[ip]
	l.mu.Unlock()
	if b != nil && b.orders != nil && !b.orders.Allow() {
		if l.onWait != nil {
			l.onWait()
		}
		if err := b.orders.Wait(ctx); err != nil {
			return "", err
		}
	}
	return ip, nil
}

func (l *Limiter) pick() (string, *bucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := len(l.ips)
	var earliest time.Time
	for i := 0; i < n; i++ {
		idx := (l.active + i) % n
		ip := l.ips[idx]
		b := l.buckets[ip]
		if b.bannedUntil.After(now) {
			if earliest.IsZero() || b.bannedUntil.Before(earliest) {
				earliest = b.bannedUntil
			}
			continue
		}
		l.active = idx
		return ip, b, nil
	}
	return "", nil, errs.New(l.exchange, errs.KindIPBanned,
		errs.WithMessage("all egress ips banned"),
		errs.WithRetryAfter(earliest))
}

// On429 records a rate-limit response for ip: the bucket's backoff doubles
// (capped) and no request leaves before retryAfter or the backoff, whichever
// is longer.
func (l *Limiter) On429(ip string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[ip]
	if b == nil {
		return
	}
	if b.penalty == 0 {
		b.penalty = basePenalty
	} else if b.penalty < maxPenalty {
		b.penalty *= 2
		if b.penalty > maxPenalty {
			b.penalty = maxPenalty
		}
	}
	pause := b.penalty
	if retryAfter > pause {
		pause = retryAfter
	}
	b.pauseUntil = l.now().Add(pause)
}

// On418 bans ip until retryAfter elapses and rotates to the next usable
// egress IP when one is configured.
func (l *Limiter) On418(ip string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[ip]
	if b == nil {
		return
	}
	b.bannedUntil = l.now().Add(retryAfter)
	now := l.now()
	for i := range l.ips {
		if !l.buckets[l.ips[i]].bannedUntil.After(now) {
			l.active = i
			return
		}
	}
}

// Banned reports whether ip is currently banned.
func (l *Limiter) Banned(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[ip]
	return b != nil && b.bannedUntil.After(l.now())
}
