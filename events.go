// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"encoding/xml"

	"mellium.im/jabber/roster"
	"mellium.im/jabber/stream"
)

// Event is the semantic form of one top-level element read from the stream.
type Event interface {
	eventName() string
}

// StreamOpen is read when the server opens a new stream.
type StreamOpen struct {
	ID      string
	From    string
	Version string
}

// StreamEnd is read when the server closes the stream.
type StreamEnd struct{}

// Features lists the stream features offered by the server.
type Features struct {
	StartTLS    bool
	TLSRequired bool
	Mechanisms  []string
	Bind        bool
}

// Proceed is the server's permission to start the TLS handshake.
type Proceed struct{}

// AuthChallenge carries the base64 encoded payload of a SASL challenge.
type AuthChallenge struct {
	Data string
}

// AuthSuccess carries the base64 encoded additional data of a SASL success,
// if any.
type AuthSuccess struct {
	Data string
}

// Failure is a STARTTLS or SASL failure.
type Failure struct {
	Namespace string
	Condition string
	Text      string
}

// BindResult is the response to a resource binding request.
type BindResult struct {
	ID   string
	Type string
	JID  string
}

// Message is a message stanza.
type Message struct {
	ID      string
	From    string
	To      string
	Type    string
	Body    string
	Subject string
	Thread  string
}

// RosterItem is a single item of a roster query result or push.
type RosterItem struct {
	roster.Item
}

// RosterEnd follows the last RosterItem of a roster query result or push.
type RosterEnd struct {
	ID   string
	Type string
}

// Presence is a presence stanza.
type Presence struct {
	From   string
	Type   string
	Show   string
	Status string
}

// IQ is an IQ stanza that is not a bind result or a roster query.
// Payload is the name of its first child element, if any.
type IQ struct {
	ID      string
	Type    string
	From    string
	Payload xml.Name
}

// StreamError is a stream level error sent by the server.
// The stream is unusable after it is read.
type StreamError struct {
	Err stream.Error
}

// Unknown is any element not covered by another event.
type Unknown struct {
	Name xml.Name
}

func (StreamOpen) eventName() string    { return "stream" }
func (StreamEnd) eventName() string     { return "/stream" }
func (Features) eventName() string      { return "features" }
func (Proceed) eventName() string       { return "proceed" }
func (AuthChallenge) eventName() string { return "challenge" }
func (AuthSuccess) eventName() string   { return "success" }
func (Failure) eventName() string       { return "failure" }
func (BindResult) eventName() string    { return "bind" }
func (Message) eventName() string       { return "message" }
func (RosterItem) eventName() string    { return "item" }
func (RosterEnd) eventName() string     { return "/query" }
func (Presence) eventName() string      { return "presence" }
func (IQ) eventName() string            { return "iq" }
func (StreamError) eventName() string   { return "error" }
func (e Unknown) eventName() string     { return e.Name.Local }
