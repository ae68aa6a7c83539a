// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides a scripted XMPP server for testing clients.
package xmpptest // import "mellium.im/jabber/internal/xmpptest"

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"testing"
)

// Server accepts TCP connections on the loopback interface and hands each one
// to a script.
type Server struct {
	t  testing.TB
	ln net.Listener
	wg sync.WaitGroup

	// TLS is presented by connections that call StartTLS.
	TLS *tls.Config

	// ClientTLS trusts the certificate in TLS.
	ClientTLS *tls.Config

	mu       sync.Mutex
	accepted int
	conns    []*Conn
}

// NewServer starts a server that runs script once for every accepted
// connection.
// The server and all of its connections are closed when the test ends.
func NewServer(t testing.TB, script func(*Conn)) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error listening: %v", err)
	}
	serverTLS, clientTLS := NewTLSConfigs()
	s := &Server{
		t:         t,
		ln:        ln,
		TLS:       serverTLS,
		ClientTLS: clientTLS,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			c := newConn(t, nc, serverTLS)
			s.mu.Lock()
			s.accepted++
			c.N = s.accepted
			s.conns = append(s.conns, c)
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer c.Close()
				script(c)
			}()
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the address of the listener.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Port returns the port of the listener.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// Dial connects to the server regardless of the address it is given.
// It can be used to let clients resolve arbitrary hosts to the server.
func (s *Server) Dial(ctx context.Context, network, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, s.Addr())
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropAll closes every connection accepted so far.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		/* #nosec */
		c.Close()
	}
}

// Close stops accepting connections, closes the open ones, and waits for all
// scripts to return.
func (s *Server) Close() {
	/* #nosec */
	s.ln.Close()
	s.DropAll()
	s.wg.Wait()
}
