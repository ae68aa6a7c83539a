// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

var _ Credentials = (*Identity)(nil)

func TestNewIdentity(t *testing.T) {
	for i, tc := range [...]struct {
		address string
		port    int
		err     error
	}{
		0: {address: "a@b.com", port: 5222},
		1: {address: "a@b.com", port: 1},
		2: {address: "a@b.com", port: 65535},
		3: {address: "ab.com", port: 5222, err: ErrInvalidAddress},
		4: {address: "a@@b.com", port: 5222, err: ErrInvalidAddress},
		5: {address: "a@b@c.com", port: 5222, err: ErrInvalidAddress},
		6: {address: "@b.com", port: 5222, err: ErrInvalidAddress},
		7: {address: "a@", port: 5222, err: ErrInvalidAddress},
		8: {address: "a@b.com", port: 0, err: ErrInvalidPort},
		9: {address: "a@b.com", port: 65536, err: ErrInvalidPort},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			id, err := NewIdentity(tc.address, "pass", "localhost", tc.port)
			if !errors.Is(err, tc.err) {
				t.Fatalf("Expected error %v but got %v", tc.err, err)
			}
			if err != nil {
				return
			}
			if id.Address() != tc.address {
				t.Errorf("Expected address %s but got %s", tc.address, id.Address())
			}
		})
	}
}

func TestIdentityParts(t *testing.T) {
	id, err := NewIdentity("a@b.com", "secret", "xmpp.b.com", 5222)
	if err != nil {
		t.Fatal(err)
	}
	if id.Username() != "a" || id.Domain() != "b.com" {
		t.Errorf("Unexpected parts %q and %q", id.Username(), id.Domain())
	}
	if id.Host() != "xmpp.b.com" || id.Port() != 5222 {
		t.Errorf("Unexpected server %s:%d", id.Host(), id.Port())
	}
	if id.Resource() != "" {
		t.Errorf("Expected no resource before binding but got %q", id.Resource())
	}
	if id.FullAddress() != "a@b.com" {
		t.Errorf("Expected bare full address but got %s", id.FullAddress())
	}
	id.setResource("laptop1")
	if id.FullAddress() != "a@b.com/laptop1" {
		t.Errorf("Expected full address with resource but got %s", id.FullAddress())
	}
	if strings.Contains(id.String(), "secret") {
		t.Errorf("String leaked the password: %s", id.String())
	}
}

func TestIdentityEqualityByAddress(t *testing.T) {
	a, _ := NewIdentity("a@b.com", "one", "h1", 5222)
	b, _ := NewIdentity("a@b.com", "two", "h2", 5223)
	c, _ := NewIdentity("c@b.com", "one", "h1", 5222)
	b.setResource("phone")
	if !a.Equal(b) {
		t.Error("Expected identities with the same address to be equal")
	}
	if a.Equal(c) {
		t.Error("Expected identities with different addresses to differ")
	}
	if a.Equal(nil) {
		t.Error("Expected identity not to equal nil")
	}
}
