// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the subset of XMPP addresses (RFC 7622) needed by a
// client session: splitting full and bare addresses, checking the resource
// separator of server assigned addresses, and computing canonical keys for
// comparison.
package jid // import "mellium.im/jabber/jid"
