package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/perflow/flowgate/internal/flow"
	"github.com/perflow/flowgate/internal/socks5"
)

const maxDatagramSize = 65535

// UDPAssociation pairs one datagram adapter with a SOCKS5 UDP relay socket,
// translating between raw datagrams and SOCKS5 envelopes. Its lifetime is
// bound to the control connection: if the proxy drops the control channel,
// the association tears down.
type UDPAssociation struct {
	id      flow.Identity
	adapter flow.DatagramConn
	control net.Conn
	data    *net.UDPConn
	relay   flow.Endpoint
	opts    Options

	closed atomic.Bool
}

// SetupUDP performs UDP ASSOCIATE through sess and binds a data socket to the
// relay endpoint from the reply. The returned association owns the control
// connection and the data socket.
func SetupUDP(ctx context.Context, sess *socks5.Session, id flow.Identity, adapter flow.DatagramConn, opts Options) (*UDPAssociation, error) {
	assoc, err := sess.AssociateUDP(ctx)
	if err != nil {
		return nil, fmt.Errorf("association failed: %w", err)
	}

	relayAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(assoc.RelayHost, strconv.Itoa(int(assoc.RelayPort))))
	if err != nil {
		_ = assoc.Control.Close()
		return nil, fmt.Errorf("resolve relay %s:%d: %w", assoc.RelayHost, assoc.RelayPort, err)
	}

	data, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		_ = assoc.Control.Close()
		return nil, fmt.Errorf("dial relay %s: %w", relayAddr, err)
	}

	return &UDPAssociation{
		id:      id,
		adapter: adapter,
		control: assoc.Control,
		data:    data,
		relay:   flow.Endpoint{Host: assoc.RelayHost, Port: assoc.RelayPort},
		opts:    opts,
	}, nil
}

// RelayEndpoint returns where datagrams are actually sent, after any
// unspecified-address substitution.
func (a *UDPAssociation) RelayEndpoint() flow.Endpoint {
	return a.relay
}

// SendDatagram wraps payload in a SOCKS5 envelope addressed to dst and
// transmits it on the data socket.
func (a *UDPAssociation) SendDatagram(payload []byte, dst flow.Endpoint) error {
	pkt, err := socks5.EncodeUDPEnvelope(dst.Host, dst.Port, payload)
	if err != nil {
		return err
	}
	if _, err := a.data.Write(pkt); err != nil {
		return err
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.BytesRelayed.WithLabelValues("udp", "out").Add(float64(len(payload)))
	}
	return nil
}

// ReceiveDatagram blocks for one inbound packet and unwraps its envelope,
// returning the payload and its origin.
func (a *UDPAssociation) ReceiveDatagram(buf []byte) (payload []byte, origin flow.Endpoint, err error) {
	n, err := a.data.Read(buf)
	if err != nil {
		return nil, flow.Endpoint{}, err
	}
	host, port, payload, err := socks5.DecodeUDPEnvelope(buf[:n])
	if err != nil {
		return nil, flow.Endpoint{}, err
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.BytesRelayed.WithLabelValues("udp", "in").Add(float64(len(payload)))
	}
	return payload, flow.Endpoint{Host: host, Port: port}, nil
}

// Run pumps datagrams in both directions until the adapter, the data socket,
// or the control connection goes away, then tears everything down.
func (a *UDPAssociation) Run() {
	var g errgroup.Group

	// Any pump exiting closes the association, which unblocks its siblings.
	// Datagram relays have no half-close to preserve.

	// Outbound: application datagrams become SOCKS5 envelopes.
	g.Go(func() error {
		defer a.Close()
		for {
			payload, dst, err := a.adapter.ReadDatagram()
			if err != nil {
				return err
			}
			if err := a.SendDatagram(payload, dst); err != nil {
				return err
			}
		}
	})

	// Inbound: envelopes from the relay are unwrapped and re-addressed to
	// the application. Malformed envelopes are dropped, not fatal.
	g.Go(func() error {
		defer a.Close()
		buf := datagramBuffers.Get()
			defer datagramBuffers.Put(buf)
		for {
			payload, origin, err := a.ReceiveDatagram(buf)
			if err != nil {
				if errors.Is(err, socks5.ErrInvalidDatagram) {
					if a.opts.Verbose {
						log.Printf("relay %s: dropping datagram: %v", a.id, err)
					}
					if a.opts.Metrics != nil {
						a.opts.Metrics.DatagramsDropped.Inc()
					}
					continue
				}
				return err
			}
			if err := a.adapter.WriteDatagram(payload, origin); err != nil {
				return err
			}
		}
	})

	// The proxy-side binding lives only as long as the control connection,
	// so a control close ends the association.
	g.Go(func() error {
		defer a.Close()
		one := make([]byte, 1)
		for {
			if _, err := a.control.Read(one); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	})

	if err := g.Wait(); err != nil && !a.closed.Load() && a.opts.Verbose {
		log.Printf("relay %s: %v", a.id, err)
	}

	a.Close()
	if a.opts.OnDone != nil {
		a.opts.OnDone(a.id)
	}
}

// Close cancels the control connection, the data socket, and the adapter.
// Idempotent; unblocks any pump waiting on those objects.
func (a *UDPAssociation) Close() {
	if a.closed.Swap(true) {
		return
	}
	_ = a.control.Close()
	_ = a.data.Close()
	_ = a.adapter.Close()
}
