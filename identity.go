// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Errors returned when validating an Identity.
var (
	ErrInvalidAddress = errors.New("jabber: address must be of the form local@domain")
	ErrInvalidPort    = errors.New("jabber: port must be in the range 1-65535")
)

// Credentials provides the secrets used during SASL authentication.
type Credentials interface {
	Username() string
	Password() string
}

// Identity is the account a session is negotiated for.
// Apart from the resource, which is assigned by the server on every successful
// bind, an Identity is immutable.
type Identity struct {
	address  string
	local    string
	domain   string
	password string
	host     string
	port     int

	mu       sync.RWMutex
	resource string
}

// NewIdentity validates its arguments and returns a new Identity.
// The address must contain exactly one '@' with a non-empty part on each side.
func NewIdentity(address, password, host string, port int) (*Identity, error) {
	if strings.Count(address, "@") != 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	local, domain, _ := strings.Cut(address, "@")
	if local == "" || domain == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return &Identity{
		address:  address,
		local:    local,
		domain:   domain,
		password: password,
		host:     host,
		port:     port,
	}, nil
}

// Address returns the bare address (local@domain).
func (i *Identity) Address() string { return i.address }

// Localpart returns the part of the address before the '@'.
func (i *Identity) Localpart() string { return i.local }

// Domain returns the part of the address after the '@'.
func (i *Identity) Domain() string { return i.domain }

// Host returns the server host to dial.
func (i *Identity) Host() string { return i.host }

// Port returns the server port to dial.
func (i *Identity) Port() int { return i.port }

// Username satisfies Credentials by returning the localpart.
func (i *Identity) Username() string { return i.local }

// Password satisfies Credentials.
func (i *Identity) Password() string { return i.password }

// Resource returns the resource assigned by the last successful bind, or the
// empty string if the identity has never been bound.
func (i *Identity) Resource() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.resource
}

// FullAddress returns the address with the bound resource appended.
// If no resource is bound it returns the bare address.
func (i *Identity) FullAddress() string {
	r := i.Resource()
	if r == "" {
		return i.address
	}
	return i.address + "/" + r
}

func (i *Identity) setResource(r string) {
	i.mu.Lock()
	i.resource = r
	i.mu.Unlock()
}

// Equal reports whether both identities refer to the same address.
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.address == other.address
}

// String returns the bare address.
// The password is never included.
func (i *Identity) String() string {
	return i.address
}
