package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/perflow/flowgate/internal/flow"
	"github.com/perflow/flowgate/internal/socks5"
	"github.com/perflow/flowgate/internal/testutil"
)

type datagram struct {
	payload []byte
	addr    flow.Endpoint
}

// scriptedDatagrams is a flow.DatagramConn driven by the test: outbound
// datagrams come from a channel, inbound deliveries are recorded.
type scriptedDatagrams struct {
	out    chan datagram
	recv   chan datagram
	closed chan struct{}
	once   sync.Once
}

func newScriptedDatagrams() *scriptedDatagrams {
	return &scriptedDatagrams{
		out:    make(chan datagram, 16),
		recv:   make(chan datagram, 16),
		closed: make(chan struct{}),
	}
}

func (s *scriptedDatagrams) ReadDatagram() ([]byte, flow.Endpoint, error) {
	select {
	case d := <-s.out:
		return d.payload, d.addr, nil
	case <-s.closed:
		return nil, flow.Endpoint{}, net.ErrClosed
	}
}

func (s *scriptedDatagrams) WriteDatagram(payload []byte, addr flow.Endpoint) error {
	select {
	case s.recv <- datagram{payload: bytes.Clone(payload), addr: addr}:
	case <-s.closed:
	}
	return nil
}

func (s *scriptedDatagrams) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func sessionForProxy(t *testing.T, ln net.Listener) *socks5.Session {
	t.Helper()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return socks5.NewSession(socks5.Config{
		ProxyHost:   host,
		ProxyPort:   uint16(port),
		DialTimeout: 2 * time.Second,
	})
}

func TestSetupUDPSubstitutesRelayHost(t *testing.T) {
	proxyLn := testutil.StartSOCKS5Proxy(t, testutil.SOCKS5ProxyOptions{
		AssociateBoundHost: "0.0.0.0",
	})
	defer proxyLn.Close()

	adapter := newScriptedDatagrams()
	assoc, err := SetupUDP(context.Background(), sessionForProxy(t, proxyLn), testIdentity(flow.UDP), adapter, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer assoc.Close()

	if got := assoc.RelayEndpoint().Host; got != "127.0.0.1" {
		t.Fatalf("relay host = %q, want configured proxy host 127.0.0.1", got)
	}
}

func TestUDPAssociationEchoRoundTrip(t *testing.T) {
	proxyLn := testutil.StartSOCKS5Proxy(t, testutil.SOCKS5ProxyOptions{})
	defer proxyLn.Close()

	echo := testutil.StartEchoUDPServer(t)
	defer echo.Close()
	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	dest := flow.Endpoint{Host: echoAddr.IP.String(), Port: uint16(echoAddr.Port)}

	adapter := newScriptedDatagrams()
	assoc, err := SetupUDP(context.Background(), sessionForProxy(t, proxyLn), testIdentity(flow.UDP), adapter, Options{})
	if err != nil {
		t.Fatal(err)
	}

	runDone := make(chan struct{})
	go func() {
		assoc.Run()
		close(runDone)
	}()

	adapter.out <- datagram{payload: []byte("ping"), addr: dest}

	select {
	case d := <-adapter.recv:
		if string(d.payload) != "ping" {
			t.Fatalf("payload = %q, want %q", d.payload, "ping")
		}
		if d.addr != dest {
			t.Fatalf("origin = %v, want %v", d.addr, dest)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram came back")
	}

	// Closing the adapter unblocks the outbound pump and tears down the
	// association.
	_ = adapter.Close()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("association did not tear down after adapter close")
	}
}

func TestUDPAssociationDropsMalformedEnvelopes(t *testing.T) {
	// A fake relay the test controls lets us inject raw packets at the
	// association's data socket.
	relaySock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer relaySock.Close()
	relayAddr := relaySock.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 3)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		if _, err := c.Write([]byte{0x05, 0x00}); err != nil {
			return
		}
		req := make([]byte, 10)
		if _, err := io.ReadFull(c, req); err != nil {
			return
		}
		reply := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, byte(relayAddr.Port >> 8), byte(relayAddr.Port)}
		if _, err := c.Write(reply); err != nil {
			return
		}
		<-ctx.Done()
	})
	defer wait()

	adapter := newScriptedDatagrams()
	assoc, err := SetupUDP(context.Background(), sessionForProxy(t, ln), testIdentity(flow.UDP), adapter, Options{})
	if err != nil {
		t.Fatal(err)
	}
	go assoc.Run()
	defer assoc.Close()

	// Trigger one outbound datagram so the fake relay learns the data
	// socket's address.
	adapter.out <- datagram{payload: []byte("hi"), addr: flow.Endpoint{Host: "192.0.2.1", Port: 1}}

	buf := make([]byte, 65535)
	_, client, err := relaySock.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}

	// Fragmented envelope: must be dropped without killing the loop.
	bad, err := socks5.EncodeUDPEnvelope("192.0.2.1", 1, []byte("bad"))
	if err != nil {
		t.Fatal(err)
	}
	bad[2] = 1
	if _, err := relaySock.WriteToUDP(bad, client); err != nil {
		t.Fatal(err)
	}

	good, err := socks5.EncodeUDPEnvelope("192.0.2.1", 1, []byte("good"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := relaySock.WriteToUDP(good, client); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-adapter.recv:
		if string(d.payload) != "good" {
			t.Fatalf("payload = %q, want %q (malformed envelope not dropped)", d.payload, "good")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid datagram never delivered")
	}
}

func TestUDPAssociationControlCloseTearsDown(t *testing.T) {
	relaySock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer relaySock.Close()
	relayAddr := relaySock.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 3)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		if _, err := c.Write([]byte{0x05, 0x00}); err != nil {
			return
		}
		req := make([]byte, 10)
		if _, err := io.ReadFull(c, req); err != nil {
			return
		}
		reply := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, byte(relayAddr.Port >> 8), byte(relayAddr.Port)}
		_, _ = c.Write(reply)
		// Returning closes the control connection; the proxy-side
		// binding is gone and the association must notice.
	})
	defer wait()

	adapter := newScriptedDatagrams()
	assoc, err := SetupUDP(context.Background(), sessionForProxy(t, ln), testIdentity(flow.UDP), adapter, Options{})
	if err != nil {
		t.Fatal(err)
	}

	runDone := make(chan struct{})
	go func() {
		assoc.Run()
		close(runDone)
	}()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("association survived control-connection close")
	}

	select {
	case <-adapter.closed:
	default:
		t.Fatal("adapter not closed at teardown")
	}
}
