package socks5

// Package socks5 implements the client side of the SOCKS5 subset flowgate
// speaks to its upstream proxy: the no-auth greeting, CONNECT, UDP ASSOCIATE,
// and the UDP datagram envelope.
//
// The wire format lives in pure encode/decode functions with no I/O; Session
// drives them over a control connection with handshake-phase deadlines.
// Constants are shared with github.com/txthinking/socks5 rather than
// redeclared, keeping reply codes and address types in one place.
//
// This package is deliberately not a general-purpose SOCKS5 client: it
// supports no authentication method beyond no-auth and never retries a
// failed handshake.
