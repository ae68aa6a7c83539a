// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jabber implements the client side of an XMPP session.
//
// A session is established by a Negotiator which dials the server, upgrades
// the connection with STARTTLS, authenticates with SASL, and binds a resource
// (RFC 6120).
// The resulting SessionHandle is attached to a Client which dispatches inbound
// stanzas to a Handler and serializes outbound stanzas.
// When the connection is lost a Supervisor negotiates a new session with a
// randomized exponential backoff and attaches it to the same Client.
//
// Be advised: This API is still unstable and is subject to change.
package jabber // import "mellium.im/jabber"
