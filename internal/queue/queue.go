// Package queue implements the render daemon's priority request queue:
// five priority classes with fingerprint-based coalescing so that two
// requests for the same metatile share one render.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// Priority orders requests within the queue. Lower numeric value is
// served first; within a priority class requests are FIFO.
type Priority int

const (
	PriorityPrio Priority = iota
	PriorityNormal
	PriorityLow
	PriorityDirty
	PriorityBulk
)

func (p Priority) String() string {
	switch p {
	case PriorityPrio:
		return "prio"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityDirty:
		return "dirty"
	case PriorityBulk:
		return "bulk"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// numPriorities is the count of Priority values, used to size the
// queue's internal slice of lists.
const numPriorities = int(PriorityBulk) + 1

// Request identifies one metatile to render.
type Request struct {
	Style    string
	Options  string
	X, Y, Z  uint32
	Priority Priority
}

// Fingerprint computes the coalescing key for a request. x and y are
// aligned down to the metatile grid first: two requests for different
// tiles of the same metatile are the same render job regardless of
// priority, so they collapse onto one in-flight entry.
func Fingerprint(style, options string, x, y, z uint32) uint64 {
	xa, ya := metatile.Align(x, y)
	h := xxhash.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%d", style, options, xa, ya, z)
	return h.Sum64()
}

// Result is delivered to every waiter once a render completes.
type Result struct {
	Err error
}

// entry is one in-flight or queued job: the request, its position in
// the priority list (for O(1) removal on promotion), and every waiter
// blocked on its completion.
type entry struct {
	req      Request
	elem     *list.Element
	waiters  []chan Result
	dequeued bool // true once a worker has popped it off a priority list
}

// Queue is the daemon's single request queue. Callers Push a request
// and receive a channel that fires once the job completes (whether
// pushed fresh or coalesced onto an already-queued job); workers Pop
// the next job to render and call Done when finished.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	lists [numPriorities]*list.List
	byFP  map[uint64]*entry

	bulkBound  int
	prioRatio  int
	prioStreak int
	closed     bool
}

// defaultPrioRatio is how many consecutive Prio pops are allowed while
// Normal work waits before one Normal entry is interleaved, so a steady
// stream of priority requests cannot starve the normal queue.
const defaultPrioRatio = 4

// New builds an empty queue. bulkBound caps the number of outstanding
// PriorityBulk entries for bulk load-shedding; zero means unbounded.
func New(bulkBound int) *Queue {
	q := &Queue{
		byFP:      make(map[uint64]*entry),
		bulkBound: bulkBound,
		prioRatio: defaultPrioRatio,
	}
	for i := range q.lists {
		q.lists[i] = list.New()
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetPrioRatio overrides the Prio:Normal interleave ratio. n <= 0
// restores the default.
func (q *Queue) SetPrioRatio(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 {
		n = defaultPrioRatio
	}
	q.prioRatio = n
}

// Push enqueues req, or — if a request for the same fingerprint is
// already queued — coalesces onto it and promotes its priority to the
// better (numerically lower) of the two. It returns a channel that
// receives exactly one Result when the job completes.
func (q *Queue) Push(req Request) (<-chan Result, error) {
	fp := Fingerprint(req.Style, req.Options, req.X, req.Y, req.Z)
	ch := make(chan Result, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, renderror.New(renderror.KindConfig, "queue.Push", fmt.Errorf("queue closed"))
	}

	if e, ok := q.byFP[fp]; ok {
		e.waiters = append(e.waiters, ch)
		if !e.dequeued && req.Priority < e.req.Priority {
			q.promoteLocked(e, req.Priority)
		}
		return ch, nil
	}

	if req.Priority == PriorityBulk && q.bulkBound > 0 && q.lists[PriorityBulk].Len() >= q.bulkBound {
		return nil, renderror.New(renderror.KindQueueFull, "queue.Push", fmt.Errorf("bulk queue at bound %d", q.bulkBound))
	}

	e := &entry{req: req, waiters: []chan Result{ch}}
	e.elem = q.lists[req.Priority].PushBack(e)
	q.byFP[fp] = e
	q.cond.Signal()
	return ch, nil
}

// promoteLocked moves e from its current priority list to a higher one.
// Callers must hold q.mu.
func (q *Queue) promoteLocked(e *entry, to Priority) {
	q.lists[e.req.Priority].Remove(e.elem)
	e.req.Priority = to
	e.elem = q.lists[to].PushBack(e)
}

// Pop blocks until a request is available (highest priority first, FIFO
// within a class) or ctx is canceled. The returned request carries the
// fingerprint the caller must pass to Done.
func (q *Queue) Pop(ctx context.Context) (Request, uint64, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Request{}, 0, err
		}
		if e := q.popLocked(); e != nil {
			fp := Fingerprint(e.req.Style, e.req.Options, e.req.X, e.req.Y, e.req.Z)
			return e.req, fp, nil
		}
		if q.closed {
			return Request{}, 0, renderror.New(renderror.KindConfig, "queue.Pop", fmt.Errorf("queue closed"))
		}
		q.cond.Wait()
	}
}

// popLocked removes and returns the next entry, or nil when every list
// is empty. Prio normally wins over Normal, but after prioRatio
// consecutive Prio pops while Normal work was waiting, one Normal entry
// is taken instead so neither class starves the other. Callers must
// hold q.mu.
func (q *Queue) popLocked() *entry {
	prio, normal := q.lists[PriorityPrio], q.lists[PriorityNormal]
	if prio.Len() > 0 && normal.Len() > 0 && q.prioStreak >= q.prioRatio {
		q.prioStreak = 0
		return q.removeFrontLocked(normal)
	}

	for p := 0; p < numPriorities; p++ {
		l := q.lists[p]
		if l.Len() == 0 {
			continue
		}
		if Priority(p) == PriorityPrio && normal.Len() > 0 {
			q.prioStreak++
		} else {
			q.prioStreak = 0
		}
		return q.removeFrontLocked(l)
	}
	return nil
}

func (q *Queue) removeFrontLocked(l *list.List) *entry {
	front := l.Remove(l.Front()).(*entry)
	front.dequeued = true
	return front
}

// Done notifies every waiter coalesced onto fp and removes it from the
// in-flight table, making room for a future request at the same
// fingerprint to start a fresh render.
func (q *Queue) Done(fp uint64, err error) {
	q.mu.Lock()
	e, ok := q.byFP[fp]
	if ok {
		delete(q.byFP, fp)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	for _, ch := range e.waiters {
		ch <- Result{Err: err}
		close(ch)
	}
}

// Len reports the number of queued (not yet popped) requests across all
// priority classes, for metrics and status reporting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lists {
		n += l.Len()
	}
	return n
}

// LenByPriority reports the queued count for a single priority class.
func (q *Queue) LenByPriority(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lists[p].Len()
}

// Close wakes every blocked Pop with an error; no further Push succeeds.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
