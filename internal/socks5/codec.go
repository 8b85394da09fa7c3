package socks5

import (
	"encoding/binary"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Pure wire-format encoding and decoding. Nothing in this file performs I/O;
// Session owns the control connection and feeds these functions.

// EncodeGreeting returns the no-auth client greeting.
func EncodeGreeting() []byte {
	return []byte{txsocks5.Ver, 0x01, txsocks5.MethodNone}
}

// DecodeGreetingReply validates the two-byte method-selection reply. Anything
// other than version 5 with the no-auth method is a rejection.
func DecodeGreetingReply(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: greeting reply is %d bytes", ErrTruncatedReply, len(b))
	}
	if b[0] != txsocks5.Ver || b[1] != txsocks5.MethodNone {
		return fmt.Errorf("%w: ver=%#02x method=%#02x", ErrHandshakeRejected, b[0], b[1])
	}
	return nil
}

// EncodeConnectRequest builds a CONNECT request for host:port. Domain
// addressing is the baseline; IPv4/IPv6 literals are sent with their native
// address type.
func EncodeConnectRequest(host string, port uint16) ([]byte, error) {
	return encodeCommand(txsocks5.CmdConnect, host, port)
}

// EncodeAssociateRequest builds a UDP ASSOCIATE request with an all-zero
// address and port, asking the proxy to choose the relay endpoint.
func EncodeAssociateRequest() []byte {
	return []byte{txsocks5.Ver, txsocks5.CmdUDP, 0x00, txsocks5.ATYPIPv4, 0, 0, 0, 0, 0, 0}
}

func encodeCommand(cmd byte, host string, port uint16) ([]byte, error) {
	b := make([]byte, 3, 3+1+len(host)+3)
	b[0] = txsocks5.Ver
	b[1] = cmd
	b[2] = 0x00
	return appendAddress(b, host, port)
}

func appendAddress(b []byte, host string, port uint16) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, txsocks5.ATYPIPv4)
			b = append(b, ip4...)
		} else {
			b = append(b, txsocks5.ATYPIPv6)
			b = append(b, ip.To16()...)
		}
		return binary.BigEndian.AppendUint16(b, port), nil
	}

	if len(host) == 0 || len(host) > 255 {
		return nil, fmt.Errorf("socks5: host %q length %d not encodable as domain", host, len(host))
	}
	b = append(b, txsocks5.ATYPDomain, byte(len(host)))
	b = append(b, host...)
	return binary.BigEndian.AppendUint16(b, port), nil
}

// CommandReply is the decoded form of a CONNECT or UDP ASSOCIATE reply.
type CommandReply struct {
	Success   bool
	Code      byte
	BoundHost string
	BoundPort uint16
}

// DecodeCommandReply parses VER REP RSV ATYP BND.ADDR BND.PORT. A non-success
// reply code is data, not a decode error; callers map it to a failure.
func DecodeCommandReply(b []byte) (CommandReply, error) {
	if len(b) < 4 {
		return CommandReply{}, fmt.Errorf("%w: reply header is %d bytes", ErrTruncatedReply, len(b))
	}
	if b[0] != txsocks5.Ver {
		return CommandReply{}, fmt.Errorf("%w: reply version %#02x", ErrHandshakeRejected, b[0])
	}

	host, port, _, err := decodeAddress(b[3], b[4:])
	if err != nil {
		return CommandReply{}, fmt.Errorf("reply: %w", err)
	}

	return CommandReply{
		Success:   b[1] == txsocks5.RepSuccess,
		Code:      b[1],
		BoundHost: host,
		BoundPort: port,
	}, nil
}

// ReplyAddressLen returns how many bytes of address and port follow a
// four-byte reply header with the given address type.
func ReplyAddressLen(atyp, firstAddrByte byte) (int, error) {
	switch atyp {
	case txsocks5.ATYPIPv4:
		return net.IPv4len + 2, nil
	case txsocks5.ATYPIPv6:
		return net.IPv6len + 2, nil
	case txsocks5.ATYPDomain:
		return 1 + int(firstAddrByte) + 2, nil
	default:
		return 0, fmt.Errorf("%w: address type %#02x", ErrTruncatedReply, atyp)
	}
}

// EncodeUDPEnvelope wraps payload in the SOCKS5 UDP request header:
// RSV(2)=0 FRAG(1)=0 ATYP DST.ADDR DST.PORT DATA.
func EncodeUDPEnvelope(host string, port uint16, payload []byte) ([]byte, error) {
	b := make([]byte, 3, 3+1+len(host)+3+len(payload))
	b, err := appendAddress(b, host, port)
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// DecodeUDPEnvelope unwraps one SOCKS5 UDP envelope. Fragmented datagrams are
// not supported and fail with ErrInvalidDatagram, as do declared fields that
// exceed the buffer.
func DecodeUDPEnvelope(b []byte) (host string, port uint16, payload []byte, err error) {
	if len(b) < 4 {
		return "", 0, nil, fmt.Errorf("%w: %d bytes", ErrInvalidDatagram, len(b))
	}
	if b[0] != 0 || b[1] != 0 {
		return "", 0, nil, fmt.Errorf("%w: nonzero reserved field", ErrInvalidDatagram)
	}
	if b[2] != 0 {
		return "", 0, nil, fmt.Errorf("%w: fragment %d unsupported", ErrInvalidDatagram, b[2])
	}

	host, port, payload, err = decodeAddress(b[3], b[4:])
	if err != nil {
		return "", 0, nil, fmt.Errorf("%w: %v", ErrInvalidDatagram, err)
	}
	return host, port, payload, nil
}

// decodeAddress parses ATYP-dependent address bytes plus a two-byte port and
// returns whatever follows.
func decodeAddress(atyp byte, b []byte) (host string, port uint16, rest []byte, err error) {
	var n int
	switch atyp {
	case txsocks5.ATYPIPv4:
		n = net.IPv4len
		if len(b) < n+2 {
			return "", 0, nil, fmt.Errorf("%w: IPv4 address needs %d bytes, have %d", ErrTruncatedReply, n+2, len(b))
		}
		host = net.IP(b[:n]).String()
	case txsocks5.ATYPIPv6:
		n = net.IPv6len
		if len(b) < n+2 {
			return "", 0, nil, fmt.Errorf("%w: IPv6 address needs %d bytes, have %d", ErrTruncatedReply, n+2, len(b))
		}
		host = net.IP(b[:n]).String()
	case txsocks5.ATYPDomain:
		if len(b) < 1 {
			return "", 0, nil, fmt.Errorf("%w: missing domain length", ErrTruncatedReply)
		}
		n = 1 + int(b[0])
		if len(b) < n+2 {
			return "", 0, nil, fmt.Errorf("%w: domain needs %d bytes, have %d", ErrTruncatedReply, n+2, len(b))
		}
		host = string(b[1:n])
	default:
		return "", 0, nil, fmt.Errorf("%w: address type %#02x", ErrTruncatedReply, atyp)
	}

	port = binary.BigEndian.Uint16(b[n : n+2])
	return host, port, b[n+2:], nil
}

// EffectiveRelayHost resolves the address datagrams must actually be sent to.
// Proxies commonly answer UDP ASSOCIATE with an unspecified bound address
// (0.0.0.0 or ::), which means "same host you dialed".
func EffectiveRelayHost(boundHost, proxyHost string) string {
	if boundHost == "" {
		return proxyHost
	}
	if ip := net.ParseIP(boundHost); ip != nil && ip.IsUnspecified() {
		return proxyHost
	}
	return boundHost
}
