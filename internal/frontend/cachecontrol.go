package frontend

import (
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"time"
)

// CacheConfig holds the knobs used to synthesize a
// Cache-Control header: a zoom-banded minimum, an age factor, a jitter
// range, and separate ceilings for fresh and stale responses.
type CacheConfig struct {
	// MinCacheTime maps a zoom level to its minimum cache duration; the
	// band in effect for a zoom is the entry at the largest key <= zoom.
	MinCacheTime map[uint32]time.Duration
	// AgeFactor scales how much of a tile's age since last render gets
	// added on top of the zoom-banded minimum.
	AgeFactor float64
	// Jitter is the maximum random duration added to every computed
	// max-age, to avoid synchronized revalidation storms.
	Jitter time.Duration
	// Max is the ceiling applied to a Current tile's max-age.
	Max time.Duration
	// Dirty is the (much shorter) base duration used for Old/VeryOld
	// tiles served stale while a re-render is in flight or queued.
	Dirty time.Duration
}

// DefaultCacheConfig mirrors mod_tile's stock renderd.conf defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MinCacheTime: map[uint32]time.Duration{
			0:  7 * 24 * time.Hour,
			8:  24 * time.Hour,
			12: 6 * time.Hour,
			16: time.Hour,
		},
		AgeFactor: 0.1,
		Jitter:    5 * time.Minute,
		Max:       7 * 24 * time.Hour,
		Dirty:     30 * time.Second,
	}
}

func (c CacheConfig) minForZoom(zoom uint32) time.Duration {
	if len(c.MinCacheTime) == 0 {
		return 0
	}
	bands := make([]uint32, 0, len(c.MinCacheTime))
	for z := range c.MinCacheTime {
		bands = append(bands, z)
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i] < bands[j] })

	best := bands[0]
	for _, z := range bands {
		if z <= zoom {
			best = z
		}
	}
	return c.MinCacheTime[best]
}

// MaxAge computes the Cache-Control max-age for a fresh (Current) tile of
// the given zoom and age since its last render, clamped to c.Max.
func (c CacheConfig) MaxAge(zoom uint32, ageSinceRender time.Duration) time.Duration {
	base := c.minForZoom(zoom) + time.Duration(float64(ageSinceRender)*c.AgeFactor)
	if c.Jitter > 0 {
		base += time.Duration(rand.Int63n(int64(c.Jitter) + 1))
	}
	if base > c.Max {
		base = c.Max
	}
	return base
}

// DirtyMaxAge computes the short max-age used for a stale Old/VeryOld
// tile served while a re-render is outstanding.
func (c CacheConfig) DirtyMaxAge() time.Duration {
	d := c.Dirty
	if c.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.Jitter) + 1))
	}
	return d
}

// SetHeaders writes Cache-Control and Expires for the given max-age.
func SetHeaders(h http.Header, maxAge time.Duration, at time.Time) {
	h.Set("Cache-Control", fmt.Sprintf("max-age=%d, public", int(maxAge.Seconds())))
	h.Set("Expires", at.Add(maxAge).UTC().Format(http.TimeFormat))
}
