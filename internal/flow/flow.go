package flow

import (
	"fmt"
	"io"
	"net"
	"strconv"
)

// Protocol is the transport kind of a flow.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Endpoint is a host:port pair. Host may be an IP literal or a domain name;
// it is passed through to the proxy unmodified.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// IsZero reports whether the endpoint is unresolved.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// Identity uniquely keys a flow in the active-flow table: the owning
// application plus the transport tuple. At most one relay exists per
// Identity at any time.
type Identity struct {
	App    string
	Proto  Protocol
	Local  Endpoint
	Remote Endpoint
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s %s->%s", id.App, id.Proto, id.Local, id.Remote)
}

// Key returns the active-flow table key for this identity.
func (id Identity) Key() string {
	return id.App + "|" + id.Proto.String() + "|" + id.Local.String() + "|" + id.Remote.String()
}

// Stream is the adapter over one intercepted TCP flow. Read blocks until
// data or peer half-close (io.EOF); the two directions close independently.
// *net.TCPConn satisfies Stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseRead() error
	CloseWrite() error
}

var _ Stream = (*net.TCPConn)(nil)

// DatagramConn is the adapter over one intercepted UDP flow. ReadDatagram
// yields application-originated payloads with their destination;
// WriteDatagram delivers payloads back to the application tagged with their
// origin. Closing the adapter unblocks a pending ReadDatagram.
type DatagramConn interface {
	ReadDatagram() (payload []byte, addr Endpoint, err error)
	WriteDatagram(payload []byte, addr Endpoint) error
	Close() error
}

// Flow is one intercepted conversation handed to the dispatcher by the
// platform interception layer, together with its adapter. Exactly one of
// Stream or Datagrams is set, matching Proto.
type Flow struct {
	App    string
	Proto  Protocol
	Local  Endpoint
	Remote Endpoint

	Stream    Stream
	Datagrams DatagramConn
}

// Identity returns the table key fields of the flow.
func (f *Flow) Identity() Identity {
	return Identity{App: f.App, Proto: f.Proto, Local: f.Local, Remote: f.Remote}
}

// Close releases whichever adapter the flow carries. Safe on a flow whose
// relay never started.
func (f *Flow) Close() {
	if f.Stream != nil {
		_ = f.Stream.Close()
	}
	if f.Datagrams != nil {
		_ = f.Datagrams.Close()
	}
}

// EndpointFromAddr converts a net.Addr into an Endpoint, reporting failure
// instead of guessing when the address cannot be split.
func EndpointFromAddr(addr net.Addr) (Endpoint, bool) {
	if addr == nil {
		return Endpoint{}, false
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, false
	}
	return Endpoint{Host: host, Port: uint16(port)}, true
}
