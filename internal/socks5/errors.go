package socks5

import (
	"errors"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrHandshakeRejected indicates the proxy refused the greeting or
	// answered with an unexpected version/method.
	ErrHandshakeRejected = errors.New("socks5: handshake rejected")

	// ErrHandshakeTimeout indicates a bounded handshake read or write
	// expired before the proxy answered.
	ErrHandshakeTimeout = errors.New("socks5: handshake timeout")

	// ErrTruncatedReply indicates a command reply declared more address
	// bytes than were present.
	ErrTruncatedReply = errors.New("socks5: truncated reply")

	// ErrInvalidDatagram indicates a UDP envelope with a nonzero fragment
	// field or declared fields exceeding the buffer.
	ErrInvalidDatagram = errors.New("socks5: invalid datagram")
)

// ReplyError is a terminal per-flow failure carrying the SOCKS5 reply code
// (byte 1 of the command reply). It is never auto-retried.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: %s (reply code %#02x)", replyCodeText(e.Code), e.Code)
}

func replyCodeText(code byte) string {
	switch code {
	case txsocks5.RepServerFailure:
		return "general server failure"
	case txsocks5.RepNotAllowed:
		return "connection not allowed by ruleset"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	default:
		return "unknown failure"
	}
}
