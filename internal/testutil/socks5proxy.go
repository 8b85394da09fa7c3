package testutil

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5ProxyOptions tweaks the in-process upstream proxy.
type SOCKS5ProxyOptions struct {
	// AssociateBoundHost overrides the bound address in UDP ASSOCIATE
	// replies. "0.0.0.0" exercises unspecified-address substitution.
	AssociateBoundHost string

	// ConnectReply, when nonzero, is sent as the CONNECT reply code
	// instead of success.
	ConnectReply byte
}

// StartSOCKS5Proxy runs a no-auth upstream SOCKS5 proxy serving CONNECT and
// UDP ASSOCIATE until the listener closes.
func StartSOCKS5Proxy(t *testing.T, opts SOCKS5ProxyOptions) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = serveSOCKS5(c, opts)
			}()
		}
	}()

	return ln
}

func serveSOCKS5(conn net.Conn, opts SOCKS5ProxyOptions) error {
	if _, err := txsocks5.NewNegotiationRequestFrom(conn); err != nil {
		return err
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return err
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return err
	}

	switch req.Cmd {
	case txsocks5.CmdConnect:
		return serveConnect(conn, req, opts)
	case txsocks5.CmdUDP:
		return serveAssociate(conn, opts)
	default:
		writeReply(conn, txsocks5.RepCommandNotSupported, net.IPv4zero, 0)
		return nil
	}
}

func serveConnect(conn net.Conn, req *txsocks5.Request, opts SOCKS5ProxyOptions) error {
	if opts.ConnectReply != txsocks5.RepSuccess {
		writeReply(conn, opts.ConnectReply, net.IPv4zero, 0)
		return nil
	}

	dst, err := net.Dial("tcp", req.Address())
	if err != nil {
		writeReply(conn, txsocks5.RepHostUnreachable, net.IPv4zero, 0)
		return nil
	}
	defer dst.Close()

	local := dst.LocalAddr().(*net.TCPAddr)
	writeReply(conn, txsocks5.RepSuccess, local.IP, uint16(local.Port))

	go func() {
		_, _ = io.Copy(dst, conn)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	_, _ = io.Copy(conn, dst)
	return nil
}

func serveAssociate(conn net.Conn, opts SOCKS5ProxyOptions) error {
	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		writeReply(conn, txsocks5.RepServerFailure, net.IPv4zero, 0)
		return err
	}
	defer relay.Close()

	bound := relay.LocalAddr().(*net.UDPAddr)
	bndIP := bound.IP
	if opts.AssociateBoundHost != "" {
		bndIP = net.ParseIP(opts.AssociateBoundHost)
	}
	writeReply(conn, txsocks5.RepSuccess, bndIP, uint16(bound.Port))

	go relayDatagrams(relay)

	// The association lives exactly as long as the control connection.
	_, _ = io.Copy(io.Discard, conn)
	return nil
}

// relayDatagrams unwraps client envelopes, forwards payloads to their
// destination, and wraps responses back to the client.
func relayDatagrams(relay *net.UDPConn) {
	var (
		mu     sync.Mutex
		client *net.UDPAddr
		outs   = make(map[string]*net.UDPConn)
	)

	buf := make([]byte, 65535)
	for {
		n, from, err := relay.ReadFromUDP(buf)
		if err != nil {
			mu.Lock()
			for _, o := range outs {
				_ = o.Close()
			}
			mu.Unlock()
			return
		}

		host, port, payload, ok := parseEnvelope(buf[:n])
		if !ok {
			continue
		}

		mu.Lock()
		if client == nil {
			client = from
		}
		key := net.JoinHostPort(host, strconv.Itoa(int(port)))
		out := outs[key]
		mu.Unlock()

		if out == nil {
			dstAddr, err := net.ResolveUDPAddr("udp", key)
			if err != nil {
				continue
			}
			out, err = net.DialUDP("udp", nil, dstAddr)
			if err != nil {
				continue
			}
			mu.Lock()
			outs[key] = out
			mu.Unlock()

			go func(out *net.UDPConn, host string, port uint16) {
				rbuf := make([]byte, 65535)
				for {
					rn, err := out.Read(rbuf)
					if err != nil {
						return
					}
					mu.Lock()
					to := client
					mu.Unlock()
					if to == nil {
						continue
					}
					_, _ = relay.WriteToUDP(buildEnvelope(host, port, rbuf[:rn]), to)
				}
			}(out, host, port)
		}

		_, _ = out.Write(payload)
	}
}

// parseEnvelope decodes RSV FRAG ATYP ADDR PORT DATA independently of the
// package under test.
func parseEnvelope(b []byte) (host string, port uint16, payload []byte, ok bool) {
	if len(b) < 4 || b[2] != 0 {
		return "", 0, nil, false
	}
	off := 4
	switch b[3] {
	case txsocks5.ATYPIPv4:
		if len(b) < off+4+2 {
			return "", 0, nil, false
		}
		host = net.IP(b[off : off+4]).String()
		off += 4
	case txsocks5.ATYPDomain:
		if len(b) < off+1 {
			return "", 0, nil, false
		}
		l := int(b[off])
		off++
		if len(b) < off+l+2 {
			return "", 0, nil, false
		}
		host = string(b[off : off+l])
		off += l
	case txsocks5.ATYPIPv6:
		if len(b) < off+16+2 {
			return "", 0, nil, false
		}
		host = net.IP(b[off : off+16]).String()
		off += 16
	default:
		return "", 0, nil, false
	}
	port = binary.BigEndian.Uint16(b[off:])
	return host, port, b[off+2:], true
}

func buildEnvelope(host string, port uint16, payload []byte) []byte {
	b := []byte{0, 0, 0}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		b = append(b, txsocks5.ATYPIPv4)
		b = append(b, ip.To4()...)
	} else {
		b = append(b, txsocks5.ATYPDomain, byte(len(host)))
		b = append(b, host...)
	}
	b = binary.BigEndian.AppendUint16(b, port)
	return append(b, payload...)
}

func writeReply(conn net.Conn, rep byte, ip net.IP, port uint16) {
	b := []byte{txsocks5.Ver, rep, 0x00}
	if ip4 := ip.To4(); ip4 != nil {
		b = append(b, txsocks5.ATYPIPv4)
		b = append(b, ip4...)
	} else {
		b = append(b, txsocks5.ATYPIPv6)
		b = append(b, ip.To16()...)
	}
	b = binary.BigEndian.AppendUint16(b, port)
	_, _ = conn.Write(b)
}
