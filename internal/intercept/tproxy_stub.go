//go:build !linux

package intercept

import (
	"errors"
	"net"
)

// IsSupported is true where a transparent-proxy listener is available.
const IsSupported = false

func ListenTransparentTCP(_ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, errors.New("transparent interception is only supported on linux")
}

func OriginalDst(_ net.Conn) (*net.TCPAddr, bool) {
	return nil, false
}
