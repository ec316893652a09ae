package renderd

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/tilerenderd/internal/wire"
)

// SlaveConfig names one slave renderd endpoint a master forwards requests
// to, mirroring mod_tile's master/slave fanout. Styles restricts
// forwarding to a subset of configured styles; an empty Styles forwards
// every style this slave isn't otherwise excluded from.
type SlaveConfig struct {
	Network string
	Address string
	Styles  []string
}

type slave struct {
	network, address string
	styles           map[string]bool // nil means "every style"
}

func (s *slave) handles(style string) bool {
	if s.styles == nil {
		return true
	}
	return s.styles[style]
}

// SlavePool is a round-robin client pool over a set of slave renderd
// daemons, speaking the same wire protocol a frontend uses against a
// master. It is the Go analogue of mod_tile.c's render_config_fetch
// fd_mapping: the master proxies requests transparently and returns the
// slave's reply as its own.
type SlavePool struct {
	slaves []*slave
	next   atomic.Uint64
}

// NewSlavePool builds a pool from the configured slave endpoints. A nil or
// empty cfgs yields a pool that never has a match, so callers can always
// wire one in and let Forward report ok=false when there's nothing to do.
func NewSlavePool(cfgs []SlaveConfig) *SlavePool {
	p := &SlavePool{}
	for _, c := range cfgs {
		s := &slave{network: c.Network, address: c.Address}
		if len(c.Styles) > 0 {
			s.styles = make(map[string]bool, len(c.Styles))
			for _, name := range c.Styles {
				s.styles[name] = true
			}
		}
		p.slaves = append(p.slaves, s)
	}
	return p
}

// pick returns the next slave (round-robin among those configured to
// handle style), or ok=false if none is configured for it.
func (p *SlavePool) pick(style string) (*slave, bool) {
	var candidates []*slave
	for _, s := range p.slaves {
		if s.handles(style) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	i := p.next.Add(1) - 1
	return candidates[i%uint64(len(candidates))], true
}

// Forward proxies req to the next slave configured for its style and
// returns the slave's reply verbatim; for CmdDirty it does not wait for
// a reply and returns a zero Record. ok is false when no slave is
// configured for req.Style, in which case the caller should render
// locally instead.
func (p *SlavePool) Forward(ctx context.Context, req wire.Record, timeout time.Duration) (reply wire.Record, ok bool, err error) {
	s, found := p.pick(req.Style)
	if !found {
		return wire.Record{}, false, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, s.network, s.address)
	if err != nil {
		return wire.Record{}, true, err
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	} else if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.Encode(conn, req); err != nil {
		return wire.Record{}, true, err
	}
	if req.Cmd == wire.CmdDirty {
		return wire.Record{}, true, nil
	}

	reply, err = wire.Decode(conn)
	return reply, true, err
}
