package renderd

import (
	"context"
	"errors"

	"github.com/MeKo-Tech/tilerenderd/internal/queue"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// runWorker pops requests off the queue, renders them and writes the
// result to the style's storage backend, forever until ctx is cancelled
// or the queue is closed. Mirrors the channel-consumer half of the
// teacher's worker pool, adapted to pull from a priority queue instead
// of a fixed task slice.
func (d *Daemon) runWorker(ctx context.Context) {
	for {
		req, fp, err := d.queue.Pop(ctx)
		if err != nil {
			return
		}
		d.render(ctx, req, fp)
	}
}

// renderAttempts bounds how often a worker retries a failed render
// before giving up and reporting NotDone to every waiter.
const renderAttempts = 3

func (d *Daemon) render(ctx context.Context, req queue.Request, fp uint64) {
	d.activeRenders.Add(1)
	defer d.activeRenders.Add(-1)

	var blob []byte
	var err error
	for attempt := 1; attempt <= renderAttempts; attempt++ {
		blob, err = d.renderer.RenderMetatile(ctx, req.Style, req.Options, req.X, req.Y, req.Z)
		if err == nil {
			break
		}
		if ctx.Err() != nil || renderror.Is(err, renderror.KindMalformed) {
			break
		}
		d.log().Debug("render attempt failed", "style", req.Style, "x", req.X, "y", req.Y, "z", req.Z, "attempt", attempt, "error", err)
	}
	if err != nil {
		d.totalFailed.Add(1)
		d.log().Warn("render failed", "style", req.Style, "x", req.X, "y", req.Y, "z", req.Z, "error", err)
		d.queue.Done(fp, renderror.New(renderror.KindRenderFailed, "renderd.render", err))
		return
	}

	backend, ok := d.storage[req.Style]
	if !ok {
		err := renderror.New(renderror.KindConfig, "renderd.render", errors.New("no storage backend for style "+req.Style))
		d.totalFailed.Add(1)
		d.queue.Done(fp, err)
		return
	}

	if err := backend.WriteMetatile(ctx, req.Style, req.Options, req.X, req.Y, req.Z, blob); err != nil {
		d.totalFailed.Add(1)
		d.log().Warn("storage write failed", "style", req.Style, "x", req.X, "y", req.Y, "z", req.Z, "error", err)
		d.queue.Done(fp, err)
		return
	}

	d.totalOK.Add(1)
	d.queue.Done(fp, nil)
}
