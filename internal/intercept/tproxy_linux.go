//go:build linux

package intercept

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsSupported is true where a transparent-proxy listener is available.
const IsSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT set so the socket
// accepts connections redirected by iptables/nftables TPROXY rules. Callers
// still need the matching redirect rules and CAP_NET_ADMIN.
func ListenTransparentTCP(addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAliveConfig: ka,
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen transparent %s: %w", addr, err)
	}
	return ln, nil
}

// OriginalDst recovers the pre-redirect destination of an intercepted TCP
// connection via SO_ORIGINAL_DST.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var addr *net.TCPAddr
	_ = rc.Control(func(fd uintptr) {
		// getsockopt(SO_ORIGINAL_DST) fills a sockaddr_in; IPv6Mreq has
		// the right size and layout for pulling out the raw bytes.
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			return
		}
		b := mreq.Multiaddr
		addr = &net.TCPAddr{
			IP:   net.IPv4(b[4], b[5], b[6], b[7]),
			Port: int(b[2])<<8 | int(b[3]),
		}
	})

	return addr, addr != nil
}
