package flow

import (
	"errors"
	"net"
	"sync"
)

// ErrNoPeer is returned when a reply arrives before the application has sent
// anything, so there is no address to deliver it to.
var ErrNoPeer = errors.New("flow: no application datagram received yet")

// DatagramSocket adapts one application-facing UDP socket to the DatagramConn
// capability. The flow's remote endpoint is fixed at interception time, so
// every payload read off the socket is addressed to it; replies go back to
// whichever application address most recently sent a datagram.
type DatagramSocket struct {
	conn   *net.UDPConn
	remote Endpoint

	mu  sync.Mutex
	app *net.UDPAddr
}

var _ DatagramConn = (*DatagramSocket)(nil)

func NewDatagramSocket(conn *net.UDPConn, remote Endpoint) *DatagramSocket {
	return &DatagramSocket{conn: conn, remote: remote}
}

func (s *DatagramSocket) ReadDatagram() ([]byte, Endpoint, error) {
	buf := make([]byte, 65535)
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, Endpoint{}, err
	}
	s.mu.Lock()
	s.app = from
	s.mu.Unlock()
	return buf[:n], s.remote, nil
}

// WriteDatagram delivers payload to the application. The origin argument is
// accepted for interface conformance; a single-destination socket has nothing
// to demultiplex.
func (s *DatagramSocket) WriteDatagram(payload []byte, _ Endpoint) error {
	s.mu.Lock()
	to := s.app
	s.mu.Unlock()
	if to == nil {
		return ErrNoPeer
	}
	_, err := s.conn.WriteToUDP(payload, to)
	return err
}

func (s *DatagramSocket) Close() error {
	return s.conn.Close()
}
