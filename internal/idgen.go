// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package internal provides helpers shared by the packages of this module.
package internal // import "mellium.im/jabber/internal"

import (
	"crypto/rand"
	"encoding/hex"
)

// IDLen is the length of identifiers used for stanzas and threads.
const IDLen = 16

// RandomID generates a new random hex identifier of the given length.
// If the OS's entropy pool cannot be read RandomID panics.
func RandomID(n int) string {
	b := make([]byte, (n/2)+(n&1))
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)[:n]
}
