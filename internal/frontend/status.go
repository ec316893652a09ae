package frontend

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// statsKey identifies one (layer, zoom, state) bucket; HTTP status codes
// are tracked separately by code alone.
type statsKey struct {
	layer string
	zoom  uint32
	state State
}

// Stats accumulates per-response counters: by HTTP status, by zoom, by
// layer, by cache-hit class. Updates are a single atomic increment on a
// sync.Map entry, the closest Go analogue to mod_tile's "shared memory
// + named mutex, losers drop the update" model without actually
// dropping anything under contention.
type Stats struct {
	byBucket sync.Map // statsKey -> *atomic.Int64
	byStatus sync.Map // int -> *atomic.Int64
}

// NewStats returns an empty counter set.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) bucket(key statsKey) *atomic.Int64 {
	v, _ := s.byBucket.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (s *Stats) status(code int) *atomic.Int64 {
	v, _ := s.byStatus.LoadOrStore(code, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Record accounts for one completed request.
func (s *Stats) Record(layer string, zoom uint32, state State, httpStatus int) {
	s.bucket(statsKey{layer: layer, zoom: zoom, state: state}).Add(1)
	s.status(httpStatus).Add(1)
}

// WriteDump writes the plain-text /mod_tile statistics table, in the
// same spirit as mod_tile.c's handle_render_stats: one row per
// (layer, zoom, state) with a running total, plus a status-code summary.
func (s *Stats) WriteDump(w io.Writer) {
	type row struct {
		key   statsKey
		count int64
	}
	var rows []row
	s.byBucket.Range(func(k, v any) bool {
		rows = append(rows, row{key: k.(statsKey), count: v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].key.layer != rows[j].key.layer {
			return rows[i].key.layer < rows[j].key.layer
		}
		if rows[i].key.zoom != rows[j].key.zoom {
			return rows[i].key.zoom < rows[j].key.zoom
		}
		return rows[i].key.state < rows[j].key.state
	})

	fmt.Fprintln(w, "layer\tzoom\tstate\trequests")
	var total int64
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.key.layer, r.key.zoom, r.key.state, humanize.Comma(r.count))
		total += r.count
	}
	fmt.Fprintf(w, "\ntotal requests: %s\n\n", humanize.Comma(total))

	fmt.Fprintln(w, "status\trequests")
	var codes []int
	s.byStatus.Range(func(k, v any) bool {
		codes = append(codes, k.(int))
		return true
	})
	sort.Ints(codes)
	for _, code := range codes {
		v, _ := s.byStatus.Load(code)
		fmt.Fprintf(w, "%d\t%s\n", code, humanize.Comma(v.(*atomic.Int64).Load()))
	}
}
