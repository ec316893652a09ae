package renderd

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/queue"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

// handleConn services one client connection for its whole lifetime,
// reading one wire.Record at a time. CmdRender* variants block for the
// render result before replying; CmdDirty enqueues the render at
// PriorityDirty (after Low, ahead of Bulk) without attaching this
// connection as a waiter, then
// replies Done immediately to mean "accepted for later", per mod_tile's
// fire-and-forget dirty request.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn)
	for {
		req, err := wire.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.log().Debug("wire decode failed, closing connection", "error", err)
			}
			return
		}

		switch req.Cmd {
		case wire.CmdDirty:
			reply := d.handleDirty(ctx, req)
			if err := wire.Encode(conn, reply); err != nil {
				d.log().Debug("wire encode failed, closing connection", "error", err)
				return
			}
		case wire.CmdRender, wire.CmdRenderPrio, wire.CmdRenderBulk, wire.CmdRenderLow:
			reply := d.handleRender(ctx, req, ip)
			if err := wire.Encode(conn, reply); err != nil {
				d.log().Debug("wire encode failed, closing connection", "error", err)
				return
			}
		default:
			d.log().Debug("unhandled wire command, closing connection", "cmd", req.Cmd)
			return
		}
	}
}

func (d *Daemon) handleDirty(ctx context.Context, req wire.Record) wire.Record {
	reply := wire.Record{Version: req.Version, Cmd: wire.CmdDone, X: req.X, Y: req.Y, Z: req.Z, Style: req.Style}

	if d.slaves != nil {
		if _, forwarded, err := d.slaves.Forward(ctx, req, 0); forwarded {
			if err != nil {
				d.log().Debug("dirty forward to slave failed", "style", req.Style, "error", err)
			}
			return reply
		}
	}

	prio, _ := priorityOf(wire.CmdDirty)
	if _, err := d.enqueue(req.Style, req.Options, uint32(req.X), uint32(req.Y), uint32(req.Z), prio); err != nil {
		d.log().Debug("dirty enqueue failed", "style", req.Style, "error", err)
	}
	return reply
}

func (d *Daemon) handleRender(ctx context.Context, req wire.Record, ip net.IP) wire.Record {
	notDone := wire.Record{Version: req.Version, Cmd: wire.CmdNotDone, X: req.X, Y: req.Y, Z: req.Z, Style: req.Style}

	// Every request reaching handleRender is itself a render request, so
	// it always debits the render bucket alongside the tile bucket.
	if d.throttle != nil && ip != nil && !d.throttle.Allow(ip, true) {
		return notDone
	}

	if d.slaves != nil {
		if reply, forwarded, err := d.slaves.Forward(ctx, req, d.renderWait); forwarded {
			if err != nil {
				d.log().Debug("render forward to slave failed", "style", req.Style, "error", err)
				return notDone
			}
			return reply
		}
	}

	prio, ok := priorityOf(req.Cmd)
	if !ok {
		return notDone
	}

	resultCh, err := d.enqueue(req.Style, req.Options, uint32(req.X), uint32(req.Y), uint32(req.Z), prio)
	if err != nil {
		return notDone
	}

	result, err := d.awaitResult(ctx, resultCh)
	if err != nil || result.Err != nil {
		return notDone
	}

	return wire.Record{Version: req.Version, Cmd: wire.CmdDone, X: req.X, Y: req.Y, Z: req.Z, Style: req.Style}
}

func (d *Daemon) awaitResult(ctx context.Context, ch <-chan queue.Result) (queue.Result, error) {
	if d.renderWait <= 0 {
		select {
		case r, ok := <-ch:
			if !ok {
				return queue.Result{}, errQueueClosed
			}
			return r, nil
		case <-ctx.Done():
			return queue.Result{}, ctx.Err()
		}
	}

	timer := time.NewTimer(d.renderWait)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			return queue.Result{}, errQueueClosed
		}
		return r, nil
	case <-ctx.Done():
		return queue.Result{}, ctx.Err()
	case <-timer.C:
		return queue.Result{}, renderror.New(renderror.KindTimeout, "renderd.awaitResult", errors.New("render wait timed out"))
	}
}
