package relay

import (
	"errors"
	"io"
	"log"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/perflow/flowgate/internal/flow"
	"github.com/perflow/flowgate/internal/metrics"
)

const copyBufSize = 32 * 1024

// Options configures a relay instance.
type Options struct {
	// OnDone is invoked exactly once after teardown, with the flow's
	// identity. The dispatcher uses it to drop the active-flow entry.
	OnDone func(flow.Identity)

	// Verbose enables per-flow error logging.
	Verbose bool

	Metrics *metrics.Metrics
}

// TCP pairs one stream adapter with one CONNECT-ed control connection and
// duplex-copies bytes between them. It exclusively owns both.
type TCP struct {
	id      flow.Identity
	stream  flow.Stream
	control net.Conn
	opts    Options
}

func NewTCP(id flow.Identity, stream flow.Stream, control net.Conn, opts Options) *TCP {
	return &TCP{id: id, stream: stream, control: control, opts: opts}
}

// Run pumps both directions until each has finished, then closes the control
// connection and reports completion. The two pumps terminate independently:
// half-close in one direction never stops the other, and an I/O error in one
// pump only closes that pump's origin read side.
func (r *TCP) Run() {
	var g errgroup.Group

	g.Go(func() error {
		return r.pump(r.stream, r.control, "out")
	})
	g.Go(func() error {
		return r.pump(r.control, r.stream, "in")
	})

	if err := g.Wait(); err != nil && r.opts.Verbose {
		log.Printf("relay %s: %v", r.id, err)
	}

	_ = r.control.Close()
	_ = r.stream.Close()
	if r.opts.OnDone != nil {
		r.opts.OnDone(r.id)
	}
}

// pump copies src to dst chunk by chunk. EOF from src half-closes dst's write
// side; a read or write error half-closes src's read side. Neither outcome
// touches the sibling pump.
func (r *TCP) pump(src io.Reader, dst io.Writer, direction string) error {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if r.opts.Metrics != nil {
				r.opts.Metrics.BytesRelayed.WithLabelValues("tcp", direction).Add(float64(n))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				closeRead(src)
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				closeWrite(dst)
				return nil
			}
			closeRead(src)
			return err
		}
	}
}

// closeWrite half-closes the write side when supported, falling back to a
// full close for transports without independent directions.
func closeWrite(v any) {
	if cw, ok := v.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

func closeRead(v any) {
	if cr, ok := v.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
		return
	}
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
