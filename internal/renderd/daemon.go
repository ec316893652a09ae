// Package renderd implements the render daemon: it accepts wire-protocol
// connections, turns each request into a queue.Request,
// renders it through a Renderer, and persists the result through a
// storage.Backend, the same acceptor-plus-worker-pool split as mod_tile's
// own renderd.
package renderd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/engine"
	"github.com/MeKo-Tech/tilerenderd/internal/queue"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
	"github.com/MeKo-Tech/tilerenderd/internal/storage"
	"github.com/MeKo-Tech/tilerenderd/internal/throttle"
	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

// Config wires together everything one renderd pool needs.
type Config struct {
	Renderer   engine.Renderer
	Storage    map[string]storage.Backend // keyed by style name
	MaxZoom    map[string]uint32          // keyed by style name
	NumWorkers int
	BulkBound  int // 0 disables the bound
	PrioRatio  int // Prio:Normal interleave ratio; 0 keeps the queue default
	Throttle   *throttle.Pool             // nil disables throttling
	RenderWait time.Duration              // how long a connection waits for its own render; 0 means forever
	Slaves     *SlavePool                 // nil disables forwarding; everything renders locally
	Logger     *slog.Logger
}

// Daemon is one renderd worker pool: a request queue, a render engine and
// the storage backends requests get written to.
type Daemon struct {
	queue      *queue.Queue
	renderer   engine.Renderer
	storage    map[string]storage.Backend
	maxZoom    map[string]uint32
	numWorkers int
	throttle   *throttle.Pool
	renderWait time.Duration
	slaves     *SlavePool
	logger     *slog.Logger

	activeRenders atomic.Int64
	totalOK       atomic.Int64
	totalFailed   atomic.Int64
}

// New builds a Daemon from cfg. NumWorkers defaults to 1.
func New(cfg Config) *Daemon {
	workers := cfg.NumWorkers
	if workers <= 0 {
		workers = 1
	}
	q := queue.New(cfg.BulkBound)
	if cfg.PrioRatio > 0 {
		q.SetPrioRatio(cfg.PrioRatio)
	}
	return &Daemon{
		queue:      q,
		renderer:   cfg.Renderer,
		storage:    cfg.Storage,
		maxZoom:    cfg.MaxZoom,
		numWorkers: workers,
		throttle:   cfg.Throttle,
		renderWait: cfg.RenderWait,
		slaves:     cfg.Slaves,
		logger:     cfg.Logger,
	}
}

func (d *Daemon) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// Run starts the worker pool and the connection-accept loop. It blocks
// until ctx is cancelled or Accept returns an error.
func (d *Daemon) Run(ctx context.Context, ln net.Listener) error {
	for i := 0; i < d.numWorkers; i++ {
		go d.runWorker(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go d.handleConn(ctx, conn)
	}
}

// Stats is a snapshot of the daemon's counters, surfaced by the serving
// frontend's /status endpoint.
type Stats struct {
	ActiveRenders  int64
	TotalOK        int64
	TotalFailed    int64
	QueueLen       int
	QueueLenPrio   int
	QueueLenNormal int
	QueueLenLow    int
	QueueLenDirty  int
	QueueLenBulk   int
}

func (d *Daemon) Stats() Stats {
	return Stats{
		ActiveRenders:  d.activeRenders.Load(),
		TotalOK:        d.totalOK.Load(),
		TotalFailed:    d.totalFailed.Load(),
		QueueLen:       d.queue.Len(),
		QueueLenPrio:   d.queue.LenByPriority(queue.PriorityPrio),
		QueueLenNormal: d.queue.LenByPriority(queue.PriorityNormal),
		QueueLenLow:    d.queue.LenByPriority(queue.PriorityLow),
		QueueLenDirty:  d.queue.LenByPriority(queue.PriorityDirty),
		QueueLenBulk:   d.queue.LenByPriority(queue.PriorityBulk),
	}
}

// Close stops the daemon's queue, unblocking every worker's Pop call.
func (d *Daemon) Close() error {
	d.queue.Close()
	return nil
}

func priorityOf(cmd wire.Cmd) (queue.Priority, bool) {
	switch cmd {
	case wire.CmdRenderPrio:
		return queue.PriorityPrio, true
	case wire.CmdRender:
		return queue.PriorityNormal, true
	case wire.CmdRenderLow:
		return queue.PriorityLow, true
	case wire.CmdRenderBulk:
		return queue.PriorityBulk, true
	case wire.CmdDirty:
		return queue.PriorityDirty, true
	default:
		return 0, false
	}
}

func remoteIP(conn net.Conn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if ok {
		return addr.IP
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// enqueue validates and submits one render request, returning the
// channel the caller should wait on for its result.
func (d *Daemon) enqueue(style, options string, x, y, z uint32, prio queue.Priority) (<-chan queue.Result, error) {
	maxZoom, ok := d.maxZoom[style]
	if !ok {
		return nil, renderror.New(renderror.KindMalformed, "renderd.enqueue", errUnknownStyle(style))
	}
	if z > maxZoom {
		return nil, renderror.New(renderror.KindMalformed, "renderd.enqueue", errZoomTooHigh(z))
	}
	return d.queue.Push(queue.Request{Style: style, Options: options, X: x, Y: y, Z: z, Priority: prio})
}

type errUnknownStyle string

func (e errUnknownStyle) Error() string { return "renderd: unknown style " + string(e) }

type errZoomTooHigh uint32

func (e errZoomTooHigh) Error() string { return "renderd: zoom exceeds configured maximum" }

var errQueueClosed = errors.New("renderd: queue closed")
