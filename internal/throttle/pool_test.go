package throttle

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowConsumesTileTokens(t *testing.T) {
	p := NewPool(Config{TileCapacity: 3, RenderCapacity: 3})
	ip := net.ParseIP("10.0.0.1")

	require.True(t, p.Allow(ip, false))
	require.True(t, p.Allow(ip, false))
	require.True(t, p.Allow(ip, false))
	require.False(t, p.Allow(ip, false), "fourth request should exceed the 3-token tile capacity")
}

func TestAllowDebitsRenderTokenOnlyWhenNeeded(t *testing.T) {
	p := NewPool(Config{TileCapacity: 10, RenderCapacity: 1})
	ip := net.ParseIP("10.0.0.1")

	// Plain cache hits never touch the render bucket.
	require.True(t, p.Allow(ip, false))
	require.True(t, p.Allow(ip, false))
	tiles, renders := p.Remaining(ip)
	require.InDelta(t, 8, tiles, 0.001)
	require.InDelta(t, 1, renders, 0.001)

	// The first render-triggering request spends the sole render token...
	require.True(t, p.Allow(ip, true))
	// ...and the second is rejected even though tile tokens remain.
	require.False(t, p.Allow(ip, true))
	tiles, _ = p.Remaining(ip)
	require.InDelta(t, 6, tiles, 0.001, "tile token is still debited even when the render bucket rejects")
}

func TestAllowRefillsOverTime(t *testing.T) {
	p := NewPool(Config{TileCapacity: 1, TileRefillPerSecond: 1000, RenderCapacity: 1, RenderRefillPerSecond: 1000})
	ip := net.ParseIP("10.0.0.2")

	require.True(t, p.Allow(ip, false))
	require.False(t, p.Allow(ip, false))

	time.Sleep(5 * time.Millisecond)
	require.True(t, p.Allow(ip, false), "bucket should have refilled within 5ms at 1000 tokens/sec")
}

func TestTokenGrantsBoundedByRateTimesElapsed(t *testing.T) {
	const (
		capacity = 4.0
		rate     = 2.0 // tokens per second
		seconds  = 10
	)
	p := NewPool(Config{TileCapacity: capacity, TileRefillPerSecond: rate, RenderCapacity: capacity, RenderRefillPerSecond: rate})
	ip := net.ParseIP("10.0.0.9")

	// Drive a simulated clock forward one second per step, hammering
	// Allow each step: total grants can never exceed the initial burst
	// plus rate * elapsed.
	base := time.Unix(1000000, 0)
	clock := base
	p.now = func() time.Time { return clock }

	granted := 0
	for s := 0; s <= seconds; s++ {
		clock = base.Add(time.Duration(s) * time.Second)
		for i := 0; i < 100; i++ {
			if p.Allow(ip, false) {
				granted++
			}
		}
	}

	bound := int(capacity + rate*seconds)
	require.LessOrEqual(t, granted, bound)
	require.Greater(t, granted, int(capacity), "refill must grant more than the initial burst over elapsed time")
}

func TestAllowTracksIndependentIPs(t *testing.T) {
	p := NewPool(Config{TileCapacity: 1, RenderCapacity: 1})
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	require.True(t, p.Allow(a, false))
	require.False(t, p.Allow(a, false))
	require.True(t, p.Allow(b, false), "a different IP must have its own bucket")
}

func TestWhitelistBypassesThrottle(t *testing.T) {
	_, cidr, err := net.ParseCIDR("127.0.0.0/8")
	require.NoError(t, err)

	p := NewPool(Config{TileCapacity: 1, RenderCapacity: 1, Whitelist: []*net.IPNet{cidr}})
	ip := net.ParseIP("127.0.0.1")

	for i := 0; i < 10; i++ {
		require.True(t, p.Allow(ip, true))
	}
}

func TestLockRejectsEveryone(t *testing.T) {
	p := NewPool(DefaultConfig())
	ip := net.ParseIP("10.0.0.3")

	require.True(t, p.Allow(ip, false))
	p.Lock()
	require.False(t, p.Allow(ip, false))
	p.Unlock()
	require.True(t, p.Allow(ip, false))
}

func TestStarvedFraction(t *testing.T) {
	p := NewPool(Config{TileCapacity: 1, RenderCapacity: 1})
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	p.Allow(a, false) // exhausts a's tile bucket
	p.Allow(b, false) // exhausts b's tile bucket

	require.InDelta(t, 1.0, p.StarvedFraction(), 0.001)
}

func TestPrune(t *testing.T) {
	p := NewPool(Config{TileCapacity: 1, RenderCapacity: 1})
	ip := net.ParseIP("10.0.0.1")
	p.Allow(ip, false)

	tiles, _ := p.Remaining(ip)
	require.Equal(t, float64(0), tiles)
	p.Prune(time.Now().Add(time.Hour))
	tiles, _ = p.Remaining(ip)
	require.Equal(t, float64(1), tiles, "pruned bucket should report a fresh capacity")
}
