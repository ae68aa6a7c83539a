// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package archive

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Server accepts transcripts from TCPSinks and appends them to files.
// The first line of every connection names the file, every following line is
// appended to <Dir>/<name>.log.
type Server struct {
	addr string
	dir  string
	log  zerolog.Logger

	ln      net.Listener
	running atomic.Bool
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// NewServer returns a server that listens on addr and writes into dir.
func NewServer(addr, dir string, log zerolog.Logger) *Server {
	return &Server{
		addr:  addr,
		dir:   dir,
		log:   log.With().Str("component", "transcriptd").Logger(),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and starts accepting connections in a goroutine.
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("archive: server already running")
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("archive: creating %s: %w", s.dir, err)
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Error().Err(err).Msg("server failed to start")
		return fmt.Errorf("archive: server failed to start: %w", err)
	}
	s.ln = ln
	s.running.Store(true)
	s.log.Info().Str("addr", ln.Addr().String()).Str("dir", s.dir).Msg("server started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the address the server is listening on.
// It is only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop closes the listener and all open connections and waits for their
// goroutines to exit.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	/* #nosec */
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		/* #nosec */
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info().Msg("server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.log.Error().Err(err).Msg("accept error")
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				/* #nosec */
				conn.Close()
			}()
			if err := s.handle(conn); err != nil {
				s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transcript not stored")
			}
		}()
	}
}

func (s *Server) handle(conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return errors.New("connection closed before transcript name")
	}
	name := SanitizeName(scanner.Text())
	if name == "" {
		return errors.New("empty transcript name")
	}
	path := filepath.Join(s.dir, name+".log")

	/* #nosec */
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var n int
	for scanner.Scan() {
		if _, err := w.WriteString(scanner.Text() + "\n"); err != nil {
			return err
		}
		n++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.log.Info().Str("file", path).Int("lines", n).Msg("transcript stored")
	return scanner.Err()
}

// SanitizeName maps a transcript name onto a safe file name.
// Characters other than letters, digits, '.', '-', '_', and '@' are replaced by
// '_' and leading dots are removed.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '@':
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
	return strings.TrimLeft(name, ".")
}
