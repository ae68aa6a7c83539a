// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package archive

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// TCPSink sends transcripts to a Server.
// The first line sent is the transcript name followed by one line per
// transcript line.
type TCPSink struct {
	// Addr is the address of the server.
	// If empty DefaultAddr is used.
	Addr string

	// Timeout bounds connecting and writing.
	// If zero the context deadline alone applies.
	Timeout time.Duration

	// Now returns the time used to name transcripts.
	// If nil time.Now is used.
	Now func() time.Time
}

// ArchiveTranscript satisfies Sink.
func (s TCPSink) ArchiveTranscript(ctx context.Context, label string, lines []string) error {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("archive: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	w := bufio.NewWriter(conn)
	if _, err := fmt.Fprintln(w, Name(label, now(s.Now))); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	for _, line := range lines {
		// Embedded newlines would split a line in two on the server.
		line = strings.ReplaceAll(line, "\n", " ")
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}
