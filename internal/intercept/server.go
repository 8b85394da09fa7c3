package intercept

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/perflow/flowgate/internal/dispatch"
	"github.com/perflow/flowgate/internal/flow"
)

// FlowSink consumes intercepted flows. *dispatch.Dispatcher satisfies it;
// tests substitute their own.
type FlowSink interface {
	OnNewFlow(f *flow.Flow) dispatch.Verdict
}

// Config wires an interception listener to the dispatcher.
type Config struct {
	Dispatcher FlowSink

	// AppResolver derives the owning application's identity for an
	// accepted connection. Platform hosts plug in their ownership lookup;
	// when nil, every flow is attributed to "unknown".
	AppResolver func(conn net.Conn) string

	Verbose bool
}

// Server accepts redirected TCP connections from a transparent-proxy
// listener, wraps each as a flow, and hands it to the dispatcher. It is one
// concrete interception surface; the relay engine itself never depends on it.
type Server struct {
	ctx context.Context
	cfg Config
}

func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, cfg: cfg}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(c)
	}
}

func (s *Server) handle(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return
	}

	dst, ok := OriginalDst(conn)
	if !ok {
		if s.cfg.Verbose {
			log.Printf("intercept: original destination unavailable for %s", conn.RemoteAddr())
		}
		_ = conn.Close()
		return
	}

	app := "unknown"
	if s.cfg.AppResolver != nil {
		app = s.cfg.AppResolver(conn)
	}

	local, _ := flow.EndpointFromAddr(conn.RemoteAddr())
	f := &flow.Flow{
		App:    app,
		Proto:  flow.TCP,
		Local:  local,
		Remote: flow.Endpoint{Host: dst.IP.String(), Port: uint16(dst.Port)},
		Stream: tc,
	}

	// The reference host has no native delivery path for declined flows;
	// a real platform surface would release them to the OS instead.
	if s.cfg.Dispatcher.OnNewFlow(f) == dispatch.Declined {
		_ = tc.Close()
	}
}
