package socks5

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

// DefaultHandshakeTimeout bounds every handshake read and write. The
// steady-state relay deliberately has no inactivity timeout.
const DefaultHandshakeTimeout = 8 * time.Second

// Config configures a client Session.
type Config struct {
	ProxyHost string
	ProxyPort uint16

	// DialTimeout bounds the TCP connect to the proxy itself.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the greeting and command exchange.
	// DefaultHandshakeTimeout is used when zero.
	HandshakeTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}

// Session drives the client side of the SOCKS5 handshake over one control
// connection: greeting, method selection, then CONNECT or UDP ASSOCIATE.
// A Session performs no retries; a failed handshake is terminal for its flow.
type Session struct {
	cfg Config
}

func NewSession(cfg Config) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Session{cfg: cfg}
}

// Association is the result of a successful UDP ASSOCIATE. Control must stay
// open for the association's entire life; closing it invalidates the
// proxy-side binding.
type Association struct {
	Control   net.Conn
	RelayHost string
	RelayPort uint16
}

// ConnectTCP establishes a control connection and issues CONNECT for
// host:port. On success the returned connection is the live relay channel.
func (s *Session) ConnectTCP(ctx context.Context, host string, port uint16) (net.Conn, error) {
	req, err := EncodeConnectRequest(host, port)
	if err != nil {
		return nil, err
	}

	conn, rep, err := s.command(ctx, req)
	if err != nil {
		return nil, err
	}
	if !rep.Success {
		_ = conn.Close()
		return nil, fmt.Errorf("connect %s: %w", net.JoinHostPort(host, strconv.Itoa(int(port))), &ReplyError{Code: rep.Code})
	}
	return conn, nil
}

// AssociateUDP establishes a control connection and issues UDP ASSOCIATE,
// returning the relay endpoint datagrams must be sent to. An unspecified
// bound address in the reply is substituted with the configured proxy host.
func (s *Session) AssociateUDP(ctx context.Context) (*Association, error) {
	conn, rep, err := s.command(ctx, EncodeAssociateRequest())
	if err != nil {
		return nil, err
	}
	if !rep.Success {
		_ = conn.Close()
		return nil, fmt.Errorf("udp associate: %w", &ReplyError{Code: rep.Code})
	}

	return &Association{
		Control:   conn,
		RelayHost: EffectiveRelayHost(rep.BoundHost, s.cfg.ProxyHost),
		RelayPort: rep.BoundPort,
	}, nil
}

// command walks Init → GreetingSent → GreetingAcked → CommandSent →
// Established over a fresh control connection. Any failure closes the
// connection and is terminal.
func (s *Session) command(ctx context.Context, request []byte) (net.Conn, CommandReply, error) {
	proxyAddr := net.JoinHostPort(s.cfg.ProxyHost, strconv.Itoa(int(s.cfg.ProxyPort)))

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, CommandReply{}, fmt.Errorf("dial proxy %s: %w", proxyAddr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(s.cfg.KeepAlive)
	}

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	rep, err := s.handshake(conn, request)
	if err != nil {
		_ = conn.Close()
		return nil, CommandReply{}, err
	}

	// Established: the relay phase manages its own lifetime.
	_ = conn.SetDeadline(time.Time{})
	return conn, rep, nil
}

func (s *Session) handshake(conn net.Conn, request []byte) (CommandReply, error) {
	if _, err := conn.Write(EncodeGreeting()); err != nil {
		return CommandReply{}, timeoutOr(err, "write greeting")
	}

	var greeting [2]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return CommandReply{}, timeoutOr(err, "read greeting reply")
	}
	if err := DecodeGreetingReply(greeting[:]); err != nil {
		return CommandReply{}, err
	}

	if _, err := conn.Write(request); err != nil {
		return CommandReply{}, timeoutOr(err, "write command")
	}

	raw, err := readCommandReply(conn)
	if err != nil {
		return CommandReply{}, err
	}
	return DecodeCommandReply(raw)
}

// readCommandReply assembles the variable-length reply: a four-byte header,
// then ATYP-dependent address bytes and a two-byte port.
func readCommandReply(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 4, 4+net.IPv6len+2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, timeoutOr(err, "read reply header")
	}

	atyp := buf[3]
	if atyp == txsocks5.ATYPDomain {
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return nil, timeoutOr(err, "read reply domain length")
		}
		buf = append(buf, l[0])
	}

	n, err := ReplyAddressLen(atyp, buf[len(buf)-1])
	if err != nil {
		return nil, err
	}
	rest := make([]byte, n-(len(buf)-4))
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, timeoutOr(err, "read reply address")
	}
	return append(buf, rest...), nil
}

// timeoutOr maps deadline expiry to ErrHandshakeTimeout and wraps anything
// else as a plain handshake I/O failure.
func timeoutOr(err error, op string) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrHandshakeTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
