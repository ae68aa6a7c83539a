// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"mellium.im/jabber/roster"
)

// A Handler receives inbound stanzas from a Client.
// Handlers are called from the session's inbound goroutine and must not block
// for long.
type Handler interface {
	HandleMessage(Message)
	HandleRoster(roster.Roster)
	HandlePresence(Presence)
}

// HandlerFuncs is an adapter to allow the use of ordinary functions as a
// Handler.
// Nil functions are ignored.
type HandlerFuncs struct {
	Message  func(Message)
	Roster   func(roster.Roster)
	Presence func(Presence)
}

// HandleMessage calls f.Message(m) if it is set.
func (f HandlerFuncs) HandleMessage(m Message) {
	if f.Message != nil {
		f.Message(m)
	}
}

// HandleRoster calls f.Roster(r) if it is set.
func (f HandlerFuncs) HandleRoster(r roster.Roster) {
	if f.Roster != nil {
		f.Roster(r)
	}
}

// HandlePresence calls f.Presence(p) if it is set.
func (f HandlerFuncs) HandlePresence(p Presence) {
	if f.Presence != nil {
		f.Presence(p)
	}
}
