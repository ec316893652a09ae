package frontend

import (
	"context"
	"net"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

// RenderClient is how the serving frontend asks a render daemon for a
// metatile: a blocking connect, send, and poll-with-deadline against the
// daemon socket. It opens one connection per request, matching renderd's
// own stateless-per-connection protocol.
type RenderClient interface {
	// Render submits cmd (one of the wire.CmdRender* variants) and waits
	// up to timeout for a Done/NotDone reply. A zero timeout waits
	// forever for the connection-level response.
	Render(ctx context.Context, style, options string, x, y, z uint32, cmd wire.Cmd, timeout time.Duration) (bool, error)

	// Dirty submits a fire-and-forget CmdDirty request and does not wait
	// for a reply.
	Dirty(ctx context.Context, style, options string, x, y, z uint32) error
}

// Client is the default RenderClient, dialing network/address fresh for
// every call (e.g. "unix" + "/run/renderd/renderd.sock", or "tcp" +
// "127.0.0.1:7654").
type Client struct {
	Network string
	Address string
	Version wire.Version
}

// NewClient builds a Client speaking the given wire protocol version
// (defaults to v3, the richest layout) against network/address.
func NewClient(network, address string) *Client {
	return &Client{Network: network, Address: address, Version: wire.V3}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, c.Network, c.Address)
}

func (c *Client) Render(ctx context.Context, style, options string, x, y, z uint32, cmd wire.Cmd, timeout time.Duration) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	} else if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := wire.Record{
		Version: c.Version, Cmd: cmd,
		X: int32(x), Y: int32(y), Z: int32(z),
		Style: style, Options: options,
	}
	if err := wire.Encode(conn, req); err != nil {
		return false, err
	}

	reply, err := wire.Decode(conn)
	if err != nil {
		// A deadline expiry here means the frontend abandons its wait; the
		// daemon keeps rendering and the result is cached for the next
		// request regardless.
		return false, err
	}
	return reply.Cmd == wire.CmdDone, nil
}

func (c *Client) Dirty(ctx context.Context, style, options string, x, y, z uint32) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.Record{
		Version: c.Version, Cmd: wire.CmdDirty,
		X: int32(x), Y: int32(y), Z: int32(z),
		Style: style, Options: options,
	}
	return wire.Encode(conn, req)
}
