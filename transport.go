// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/proxy"
)

// Transport is a connection to the server that can be upgraded to TLS in
// place.
// Reads and writes keep working across the upgrade.
type Transport struct {
	mu          sync.RWMutex
	conn        net.Conn
	secure      bool
	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps an existing connection.
func NewTransport(conn net.Conn) *Transport {
	_, secure := conn.(*tls.Conn)
	return &Transport{conn: conn, secure: secure}
}

// Dial connects to host and port.
// Hosts that are not IP addresses are converted to their ASCII form first.
// The connection attempt is bounded by the config's ConnectTimeout.
func Dial(ctx context.Context, host string, port int, config *Config) (*Transport, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg = cfg.withDefaults()

	if net.ParseIP(host) == nil {
		var err error
		host, err = idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid host: %w", ErrTransport, err)
		}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dial, err := dialFunc(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %w: dial %s: %w", ErrTransport, ErrTimeout, addr, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
	}
	return NewTransport(conn), nil
}

func dialFunc(cfg Config) (func(context.Context, string, string) (net.Conn, error), error) {
	if cfg.Dial != nil {
		return cfg.Dial, nil
	}
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	if cfg.Proxy == "" {
		return d.DialContext, nil
	}
	pd, err := proxy.SOCKS5("tcp", cfg.Proxy, nil, d)
	if err != nil {
		return nil, err
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return pd.Dial(network, addr)
	}, nil
}

func (t *Transport) current() net.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Read reads from the connection.
// If a read timeout is set the deadline is renewed before every read and an
// expired deadline is reported as ErrTimeout.
func (t *Transport) Read(p []byte) (int, error) {
	t.mu.RLock()
	conn, timeout := t.conn, t.readTimeout
	t.mu.RUnlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	n, err := conn.Read(p)
	switch {
	case err == nil, err == io.EOF:
	case isTimeout(err):
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return n, err
}

// Write writes to the connection.
func (t *Transport) Write(p []byte) (int, error) {
	n, err := t.current().Write(p)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return n, err
}

// StartTLS upgrades the connection to TLS and performs the handshake before
// returning.
// TCP keep-alive is enabled on the underlying socket.
func (t *Transport) StartTLS(ctx context.Context, config *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.secure {
		return fmt.Errorf("%w: connection is already secure", ErrTLSFailure)
	}
	if tcp, ok := t.conn.(*net.TCPConn); ok {
		// Not fatal, the upgrade still works without it.
		_ = tcp.SetKeepAlive(true)
	}
	if err := t.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	tlsConn := tls.Client(t.conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTLSFailure, err)
	}
	t.conn = tlsConn
	t.secure = true
	return nil
}

// Secure reports whether the connection has been upgraded to TLS.
func (t *Transport) Secure() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.secure
}

// ConnectionState returns the TLS state of the connection.
// The boolean is false if the connection is not secure.
func (t *Transport) ConnectionState() (tls.ConnectionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tlsConn, ok := t.conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// SetReadTimeout changes the deadline applied to future reads.
// Zero disables the deadline.
func (t *Transport) SetReadTimeout(d time.Duration) {
	t.mu.Lock()
	t.readTimeout = d
	t.mu.Unlock()
}

// LocalAddr returns the local network address.
func (t *Transport) LocalAddr() net.Addr {
	return t.current().LocalAddr()
}

// RemoteAddr returns the remote network address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.current().RemoteAddr()
}

// Close closes the connection.
// It is safe to call from multiple goroutines and only the first call closes
// the connection; later calls return the same error.
// Blocked reads return with an error.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.current().Close()
	})
	return t.closeErr
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
