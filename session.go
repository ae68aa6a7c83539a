// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"sync"

	"golang.org/x/text/language"

	"mellium.im/jabber/jid"
)

// SessionHandle is an established session produced by a Negotiator.
// Apart from I/O on the Transport it is read-only.
type SessionHandle struct {
	Transport *Transport

	// Parser is bound to the final stream of the negotiation.
	Parser *Parser

	StreamID  string
	Resource  string
	JID       jid.JID
	Lang      language.Tag
	Secure    bool
	Mechanism string

	// StreamOpens is the number of stream headers that were sent during
	// negotiation.
	StreamOpens int

	closeOnce sync.Once
	closeErr  error
}

// Close closes the transport.
// Only the first call has any effect; later calls return the same error.
func (h *SessionHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.Transport.Close()
	})
	return h.closeErr
}
