// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned when splitting or parsing addresses.
var (
	ErrEmptyDomain   = errors.New("jid: the domainpart must be larger than 0 bytes")
	ErrEmptyLocal    = errors.New("jid: the localpart must be larger than 0 bytes")
	ErrEmptyResource = errors.New("jid: the resourcepart must be larger than 0 bytes")
	ErrNoResource    = errors.New("jid: address must contain exactly one resource separator")
	ErrInvalidUTF8   = errors.New("jid: address contains invalid UTF-8")
)

// JID is an XMPP address comprising an optional localpart, a domainpart, and an
// optional resourcepart.
// The parts are kept as they were received; use Key for comparisons.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse splits s into its parts.
//
// As required by RFC 7622 §3.1 the separators are matched before any other
// transformation: the resourcepart is everything after the first '/' and the
// localpart is everything before the first '@' that precedes it.
func Parse(s string) (JID, error) {
	if !utf8.ValidString(s) {
		return JID{}, ErrInvalidUTF8
	}
	var j JID
	if sep := strings.IndexByte(s, '/'); sep != -1 {
		if sep == len(s)-1 {
			return JID{}, ErrEmptyResource
		}
		j.resource = s[sep+1:]
		s = s[:sep]
	}
	if sep := strings.IndexByte(s, '@'); sep != -1 {
		if sep == 0 {
			return JID{}, ErrEmptyLocal
		}
		j.local = s[:sep]
		s = s[sep+1:]
	}
	if s == "" {
		return JID{}, ErrEmptyDomain
	}
	j.domain = strings.TrimSuffix(s, ".")
	return j, nil
}

// MustParse is like Parse but panics if the address cannot be parsed.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(`jid: Parse(` + strconv.Quote(s) + `): ` + err.Error())
	}
	return j
}

// SplitResource splits a server assigned full address into the bare address
// and the resource.
// Exactly one '/' must be present and neither side may be empty.
func SplitResource(full string) (bare, resource string, err error) {
	if strings.Count(full, "/") != 1 {
		return "", "", ErrNoResource
	}
	bare, resource, _ = strings.Cut(full, "/")
	switch {
	case bare == "":
		return "", "", ErrEmptyDomain
	case resource == "":
		return "", "", ErrEmptyResource
	}
	return bare, resource, nil
}

// Localpart returns the part before the '@', if any.
func (j JID) Localpart() string { return j.local }

// Domainpart returns the domain.
func (j JID) Domainpart() string { return j.domain }

// Resourcepart returns the part after the '/', if any.
func (j JID) Resourcepart() string { return j.resource }

// Bare returns a copy of the JID without a resourcepart.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// WithResource returns a copy of the JID with a new resourcepart.
func (j JID) WithResource(resource string) JID {
	j.resource = resource
	return j
}

// IsZero reports whether j is the zero JID.
func (j JID) IsZero() bool {
	return j.domain == ""
}

// String returns the string form of the address.
func (j JID) String() string {
	s := j.domain
	if j.local != "" {
		s = j.local + "@" + s
	}
	if j.resource != "" {
		s = s + "/" + j.resource
	}
	return s
}

// Key returns a canonical form of the address suitable for use as a map key.
//
// The localpart is enforced with the PRECIS UsernameCaseMapped profile, the
// domainpart is converted to its Unicode form and lowercased, and the
// resourcepart is enforced with the OpaqueString profile (RFC 7622 §3).
// Parts that fail enforcement are used as received.
func (j JID) Key() string {
	k := JID{local: j.local, domain: j.domain, resource: j.resource}
	if k.local != "" {
		if s, err := precis.UsernameCaseMapped.String(k.local); err == nil {
			k.local = s
		}
	}
	if s, err := idna.ToUnicode(k.domain); err == nil {
		k.domain = s
	}
	k.domain = strings.ToLower(k.domain)
	if k.resource != "" {
		if s, err := precis.OpaqueString.String(k.resource); err == nil {
			k.resource = s
		}
	}
	return k.String()
}

// Equal reports whether j and j2 have the same canonical key.
func (j JID) Equal(j2 JID) bool {
	return j.Key() == j2.Key()
}
