package n2k

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
)

// gatewayRefusalString is returned by some binary TCP gateways as the first
// bytes of a connection they refuse, instead of a TCP-level rejection.
const gatewayRefusalString = "Sorry,Limited"

const (
	tcpKeepAliveIdle     = 30 * time.Second
	tcpKeepAliveInterval = 10 * time.Second
	tcpKeepAliveCount    = 5

	gatewayRefusalBackoff = 30 * time.Second

	reconnectBackoffMin = 500 * time.Millisecond
	reconnectBackoffMax = 10 * time.Second
)

// GatewayClient is a reconnecting TCP client for binary NMEA 2000
// gateways: it dials, enables TCP keepalive, detects and backs off
// from "Sorry,Limited" refusals, and reconnects with exponential backoff on
// any read/write error. connect() is idempotent and safe to call
// concurrently from the receive and send paths: concurrent callers collapse
// into a single in-flight dial via singleflight.
type GatewayClient struct {
	addr string

	mu   sync.Mutex
	conn net.Conn

	group singleflight.Group
}

// NewGatewayClient creates a client for the given "host:port" TCP address.
// No connection is made until the first Read/Write/Connect call.
func NewGatewayClient(addr string) *GatewayClient {
	return &GatewayClient{addr: addr}
}

// Connect establishes a connection if one isn't already live, retrying with
// exponential backoff until ctx is done. Safe to call from multiple
// goroutines: only one dial attempt is ever in flight.
func (c *GatewayClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.group.Do("connect", func() (any, error) {
		return nil, c.dialWithBackoff(ctx)
	})
	return err
}

func (c *GatewayClient) dialWithBackoff(ctx context.Context) error {
	backoff := reconnectBackoffMin
	for {
		c.mu.Lock()
		alreadyConnected := c.conn != nil
		c.mu.Unlock()
		if alreadyConnected {
			return nil
		}

		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return nil
		}

		wait := backoff
		if errors.Is(err, errGatewayRefused) {
			wait = gatewayRefusalBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

var errGatewayRefused = errors.New("gateway refused connection: " + gatewayRefusalString)

func (c *GatewayClient) dialOnce(ctx context.Context) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("gateway dial: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := setTCPKeepAlive(tcpConn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	probe := make([]byte, len(gatewayRefusalString))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := readFull(conn, probe)
	conn.SetReadDeadline(time.Time{})
	if err == nil && n == len(probe) && bytes.Equal(probe, []byte(gatewayRefusalString)) {
		conn.Close()
		return nil, errGatewayRefused
	}
	// Not a refusal: these bytes are real application data, so prepend them
	// back for the first Read call to see.
	return &prefixedConn{Conn: conn, prefix: probe[:n]}, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// setTCPKeepAlive enables TCP keepalive with the idle/interval/count
// settings the gateway peers expect (30s/10s/5 probes), which Go's portable
// net.TCPConn.SetKeepAlive does not expose per-parameter control over.
func setTCPKeepAlive(conn *net.TCPConn) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("gateway keepalive: %w", err)
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("gateway keepalive: %w", err)
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(tcpKeepAliveIdle.Seconds())); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(tcpKeepAliveInterval.Seconds())); e != nil {
			sockErr = e
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, tcpKeepAliveCount)
	})
	if err != nil {
		return fmt.Errorf("gateway keepalive: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("gateway keepalive: %w", sockErr)
	}
	return nil
}

// prefixedConn replays prefix before reading fresh data from the
// underlying connection, used to put back bytes consumed while probing for
// a "Sorry,Limited" refusal.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// Read reads from the live connection. On error it drops the connection and
// returns the error without retrying; the next call reconnects.
func (c *GatewayClient) Read(ctx context.Context, b []byte) (int, error) {
	if err := c.Connect(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	n, err := conn.Read(b)
	if err != nil {
		c.handleConnError(conn)
		return n, err
	}
	return n, nil
}

// Write writes to the live connection, reconnecting on error so the next
// call can retry against a fresh connection.
func (c *GatewayClient) Write(ctx context.Context, b []byte) (int, error) {
	if err := c.Connect(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	n, err := conn.Write(b)
	if err != nil {
		c.handleConnError(conn)
		return n, err
	}
	return n, nil
}

// handleConnError drops the current connection if it's still the one that
// just failed, so the next Connect call dials a fresh one.
func (c *GatewayClient) handleConnError(failed net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == failed {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts the connection down permanently.
func (c *GatewayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
