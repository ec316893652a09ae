// Package throttle implements the per-IP token bucket rate limiting the
// serving frontend applies to tile requests and render-on-demand
// requests independently.
package throttle

import (
	"net"
	"sync"
	"time"
)

// bucket is a single token bucket: Tokens refills opportunistically on
// each Allow call based on elapsed time since LastRefill, rather than
// via a background ticker per IP.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time, ratePerSecond, capacity float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * ratePerSecond
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now
}

// ipBuckets is the pair of independent buckets spec §3/§4.5 require per
// client IP: one for plain tile fetches, one debited only when serving
// the request also triggers a render.
type ipBuckets struct {
	tile   bucket
	render bucket
}

// Config configures one Pool. The tile and render buckets are sized and
// refilled independently — per spec §9's open question, this repo treats
// `delaypool_tile_rate` and `delaypool_render_rate` as distinct rather
// than assuming the source's single shared rate was intentional.
type Config struct {
	// TileCapacity is the maximum number of tile-fetch tokens a bucket
	// can hold.
	TileCapacity float64
	// TileRefillPerSecond is how many tile tokens are added back per
	// second.
	TileRefillPerSecond float64
	// RenderCapacity is the maximum number of render-request tokens a
	// bucket can hold.
	RenderCapacity float64
	// RenderRefillPerSecond is how many render tokens are added back per
	// second.
	RenderRefillPerSecond float64
	// Whitelist lists CIDRs exempt from throttling entirely (localhost,
	// internal monitoring, etc).
	Whitelist []*net.IPNet
}

// DefaultConfig returns the conservative defaults mod_tile ships with: a
// generous burst of plain tile fetches, and a smaller, slower-refilling
// render allowance since a render is far more expensive than a cache hit.
func DefaultConfig() Config {
	return Config{
		TileCapacity:          16,
		TileRefillPerSecond:   4,
		RenderCapacity:        8,
		RenderRefillPerSecond: 1,
	}
}

// Pool tracks one pair of token buckets per client IP. It is safe for
// concurrent use by many request-handling goroutines.
type Pool struct {
	mu      sync.Mutex
	buckets map[string]*ipBuckets
	cfg     Config
	now     func() time.Time

	// locked marks the pool globally exhausted: once Lock is called,
	// every non-whitelisted caller is rejected until Unlock. The pool
	// never sets it on its own.
	locked bool
}

// NewPool builds a pool from cfg.
func NewPool(cfg Config) *Pool {
	return &Pool{
		buckets: make(map[string]*ipBuckets),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (p *Pool) whitelisted(ip net.IP) bool {
	for _, n := range p.cfg.Whitelist {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Allow reports whether a request from ip may proceed. It always debits
// one tile token; when needsRender is true it also debits one render
// token, rejecting the request if either bucket is empty. Whitelisted
// IPs always pass without consuming tokens.
func (p *Pool) Allow(ip net.IP, needsRender bool) bool {
	if p.whitelisted(ip) {
		return true
	}

	key := ip.String()
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locked {
		return false
	}

	b, ok := p.buckets[key]
	if !ok {
		b = &ipBuckets{
			tile:   bucket{tokens: p.cfg.TileCapacity, lastRefill: now},
			render: bucket{tokens: p.cfg.RenderCapacity, lastRefill: now},
		}
		p.buckets[key] = b
	} else {
		b.tile.refill(now, p.cfg.TileRefillPerSecond, p.cfg.TileCapacity)
		b.render.refill(now, p.cfg.RenderRefillPerSecond, p.cfg.RenderCapacity)
	}

	if b.tile.tokens < 1 {
		return false
	}
	b.tile.tokens--

	if needsRender {
		if b.render.tokens < 1 {
			return false
		}
		b.render.tokens--
	}
	return true
}

// Remaining reports the current tile and render token counts for ip, for
// status/metrics reporting, without consuming a token or triggering a
// refill.
func (p *Pool) Remaining(ip net.IP) (tiles, renders float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[ip.String()]
	if !ok {
		return p.cfg.TileCapacity, p.cfg.RenderCapacity
	}
	return b.tile.tokens, b.render.tokens
}

// Lock globally exhausts the pool: every non-whitelisted Allow call
// fails until Unlock is called.
func (p *Pool) Lock() {
	p.mu.Lock()
	p.locked = true
	p.mu.Unlock()
}

// Unlock clears a prior Lock.
func (p *Pool) Unlock() {
	p.mu.Lock()
	p.locked = false
	p.mu.Unlock()
}

// Locked reports whether the pool is currently globally exhausted.
func (p *Pool) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// StarvedFraction returns the fraction of known buckets currently below
// one token in either the tile or the render bucket. The pool reports
// it but does not act on it.
func (p *Pool) StarvedFraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buckets) == 0 {
		return 0
	}
	starved := 0
	for _, b := range p.buckets {
		if b.tile.tokens < 1 || b.render.tokens < 1 {
			starved++
		}
	}
	return float64(starved) / float64(len(p.buckets))
}

// Prune drops buckets untouched since before cutoff, bounding memory use
// under a long-running daemon serving many distinct client IPs.
func (p *Pool) Prune(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, b := range p.buckets {
		if b.tile.lastRefill.Before(cutoff) {
			delete(p.buckets, k)
		}
	}
}
