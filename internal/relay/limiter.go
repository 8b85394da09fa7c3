package relay

import (
	"net"

	"github.com/juju/ratelimit"
)

// Limiter applies a shared bandwidth cap to every control connection it
// wraps. A nil Limiter wraps to the original connection.
type Limiter struct {
	bucket *ratelimit.Bucket
}

// NewLimiter returns a limiter enforcing bytesPerSec across all wrapped
// connections, or nil when bytesPerSec is not positive.
func NewLimiter(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return &Limiter{bucket: ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec)}
}

// Wrap returns conn with reads and writes throttled by the shared bucket.
func (l *Limiter) Wrap(conn net.Conn) net.Conn {
	if l == nil {
		return conn
	}
	return &limitedConn{Conn: conn, bucket: l.bucket}
}

type limitedConn struct {
	net.Conn
	bucket *ratelimit.Bucket
}

func (c *limitedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.bucket.Wait(int64(n))
	}
	return n, err
}

func (c *limitedConn) Write(p []byte) (int, error) {
	c.bucket.Wait(int64(len(p)))
	return c.Conn.Write(p)
}

// CloseRead and CloseWrite pass through so the relay's half-close semantics
// survive the wrapping.

func (c *limitedConn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return c.Conn.Close()
}

func (c *limitedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
