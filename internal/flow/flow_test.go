package flow

import (
	"net"
	"testing"
)

func TestIdentityKeyDistinguishesFields(t *testing.T) {
	base := Identity{
		App:    "browser",
		Proto:  TCP,
		Local:  Endpoint{Host: "10.0.0.2", Port: 52000},
		Remote: Endpoint{Host: "example.com", Port: 443},
	}

	variants := []Identity{
		{App: "mailer", Proto: base.Proto, Local: base.Local, Remote: base.Remote},
		{App: base.App, Proto: UDP, Local: base.Local, Remote: base.Remote},
		{App: base.App, Proto: base.Proto, Local: Endpoint{Host: "10.0.0.2", Port: 52001}, Remote: base.Remote},
		{App: base.App, Proto: base.Proto, Local: base.Local, Remote: Endpoint{Host: "example.org", Port: 443}},
	}

	for i, v := range variants {
		if v.Key() == base.Key() {
			t.Errorf("variant %d: key %q collides with base", i, v.Key())
		}
	}

	same := base
	if same.Key() != base.Key() {
		t.Errorf("identical identities produced different keys: %q vs %q", same.Key(), base.Key())
	}
}

func TestProtocolString(t *testing.T) {
	if got := TCP.String(); got != "tcp" {
		t.Errorf("TCP.String() = %q", got)
	}
	if got := UDP.String(); got != "udp" {
		t.Errorf("UDP.String() = %q", got)
	}
	if got := Protocol(9).String(); got != "protocol(9)" {
		t.Errorf("Protocol(9).String() = %q", got)
	}
}

func TestEndpointIsZero(t *testing.T) {
	if !(Endpoint{}).IsZero() {
		t.Error("empty endpoint not zero")
	}
	if (Endpoint{Host: "example.com", Port: 443}).IsZero() {
		t.Error("resolved endpoint reported zero")
	}
	// A port alone still identifies something.
	if (Endpoint{Port: 443}).IsZero() {
		t.Error("port-only endpoint reported zero")
	}
}

func TestEndpointFromAddr(t *testing.T) {
	ep, ok := EndpointFromAddr(&net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 8080})
	if !ok {
		t.Fatal("conversion failed")
	}
	if ep.Host != "192.0.2.1" || ep.Port != 8080 {
		t.Fatalf("endpoint = %v", ep)
	}

	ep, ok = EndpointFromAddr(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 53})
	if !ok {
		t.Fatal("conversion failed")
	}
	if ep.Host != "2001:db8::1" || ep.Port != 53 {
		t.Fatalf("endpoint = %v", ep)
	}

	if _, ok := EndpointFromAddr(nil); ok {
		t.Error("nil addr converted")
	}
}

func TestFlowCloseWithoutAdapters(t *testing.T) {
	f := &Flow{App: "browser", Proto: TCP}
	f.Close()
}

func TestDatagramSocket(t *testing.T) {
	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	remote := Endpoint{Host: "203.0.113.7", Port: 4242}
	adapter := NewDatagramSocket(sock, remote)
	defer adapter.Close()

	// Replies before any application datagram have no return address.
	if err := adapter.WriteDatagram([]byte("early"), remote); err != ErrNoPeer {
		t.Fatalf("WriteDatagram before peer = %v, want ErrNoPeer", err)
	}

	app, err := net.DialUDP("udp4", nil, sock.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	if _, err := app.Write([]byte("query")); err != nil {
		t.Fatal(err)
	}
	payload, dst, err := adapter.ReadDatagram()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "query" {
		t.Fatalf("payload = %q", payload)
	}
	if dst != remote {
		t.Fatalf("destination = %v, want %v", dst, remote)
	}

	if err := adapter.WriteDatagram([]byte("reply"), remote); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := app.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "reply" {
		t.Fatalf("reply = %q", buf[:n])
	}
}
