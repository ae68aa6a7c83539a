// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"mellium.im/jabber/internal/xmpptest"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Error listening: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Error dialing: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("Error accepting connection")
	}
	return client, server
}

func tlsServer(conn net.Conn, cfg *tls.Config) error {
	return tls.Server(conn, cfg).Handshake()
}

func TestTransportReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := NewTransport(client)
	defer tr.Close()

	tr.SetReadTimeout(50 * time.Millisecond)
	_, err := tr.Read(make([]byte, 1))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout but got %v", err)
	}
}

func TestTransportReadWrite(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := NewTransport(client)
	defer tr.Close()

	go func() {
		buf := make([]byte, 4)
		n, _ := io.ReadFull(server, buf)
		_, _ = server.Write(buf[:n])
	}()
	if _, err := tr.Write([]byte("ping")); err != nil {
		t.Fatalf("Unexpected error writing: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(tr, buf); err != nil {
		t.Fatalf("Unexpected error reading: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Unexpected echo: want=ping, got=%s", buf)
	}
	if tr.Secure() {
		t.Errorf("Plain connection reported as secure")
	}
	if _, ok := tr.ConnectionState(); ok {
		t.Errorf("Plain connection returned a TLS state")
	}
}

func TestTransportCloseOnce(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := NewTransport(client)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.Close()
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Close %d returned error: %v", i, err)
		}
	}

	_, err := tr.Read(make([]byte, 1))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Expected read after close to fail with ErrTransport but got %v", err)
	}
	if _, err = tr.Write([]byte("x")); !errors.Is(err, ErrTransport) {
		t.Errorf("Expected write after close to fail with ErrTransport but got %v", err)
	}
}

func TestTransportCloseUnblocksRead(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := NewTransport(client)

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Read(make([]byte, 1))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	tr.Close()
	select {
	case err := <-errc:
		if err == nil {
			t.Errorf("Expected blocked read to fail after close")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after close")
	}
}

func TestTransportStartTLS(t *testing.T) {
	serverTLS, clientTLS := xmpptest.NewTLSConfigs()
	client, server := tcpPair(t)
	defer server.Close()
	tr := NewTransport(client)
	defer tr.Close()

	done := make(chan error, 1)
	go func() {
		done <- tlsServer(server, serverTLS)
	}()
	cfg := clientTLS.Clone()
	cfg.ServerName = xmpptest.Domain
	if err := tr.StartTLS(context.Background(), cfg); err != nil {
		t.Fatalf("Unexpected error upgrading connection: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Server handshake failed: %v", err)
	}
	if !tr.Secure() {
		t.Errorf("Expected connection to be secure after upgrade")
	}
	if _, ok := tr.ConnectionState(); !ok {
		t.Errorf("Expected a TLS connection state after upgrade")
	}
	if err := tr.StartTLS(context.Background(), cfg); !errors.Is(err, ErrTLSFailure) {
		t.Errorf("Expected second upgrade to fail with ErrTLSFailure but got %v", err)
	}
}

func TestTransportStartTLSBadCert(t *testing.T) {
	serverTLS, clientTLS := xmpptest.NewTLSConfigs()
	client, server := tcpPair(t)
	tr := NewTransport(client)
	defer tr.Close()

	go func() {
		_ = tlsServer(server, serverTLS)
		server.Close()
	}()
	cfg := clientTLS.Clone()
	cfg.ServerName = "example.net"
	if err := tr.StartTLS(context.Background(), cfg); !errors.Is(err, ErrTLSFailure) {
		t.Errorf("Expected ErrTLSFailure for a name mismatch but got %v", err)
	}
}

func TestDialInvalidHost(t *testing.T) {
	_, err := Dial(context.Background(), "exa mple..com", 5222, &Config{})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Expected ErrTransport but got %v", err)
	}
}
