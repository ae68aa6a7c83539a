// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strings"

	"mellium.im/sasl"
)

var mechanisms = map[string]sasl.Mechanism{
	sasl.Plain.Name:           sasl.Plain,
	sasl.ScramSha1.Name:       sasl.ScramSha1,
	sasl.ScramSha1Plus.Name:   sasl.ScramSha1Plus,
	sasl.ScramSha256.Name:     sasl.ScramSha256,
	sasl.ScramSha256Plus.Name: sasl.ScramSha256Plus,
}

// LookupMechanism returns the SASL mechanism with the given name.
func LookupMechanism(name string) (sasl.Mechanism, bool) {
	m, ok := mechanisms[strings.ToUpper(name)]
	return m, ok
}

// Authenticator selects a SASL mechanism and drives the challenge/response
// rounds for a single authentication attempt.
type Authenticator struct {
	prefer   []sasl.Mechanism
	creds    Credentials
	tlsState *tls.ConnectionState

	selected sasl.Mechanism
	client   *sasl.Negotiator
	more     bool
}

// NewAuthenticator returns an Authenticator that prefers the named mechanisms
// in order.
// If tlsState is nil the channel binding (-PLUS) mechanisms are never
// selected.
func NewAuthenticator(names []string, creds Credentials, tlsState *tls.ConnectionState) (*Authenticator, error) {
	a := &Authenticator{creds: creds, tlsState: tlsState}
	for _, name := range names {
		m, ok := LookupMechanism(name)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported mechanism %q", ErrNoCompatibleMechanism, name)
		}
		if strings.HasSuffix(m.Name, "-PLUS") && tlsState == nil {
			continue
		}
		a.prefer = append(a.prefer, m)
	}
	return a, nil
}

// SelectMechanism picks the first locally preferred mechanism that the server
// offers and prepares a new SASL client for it.
func (a *Authenticator) SelectMechanism(offered []string) (string, error) {
	for _, m := range a.prefer {
		for _, name := range offered {
			if name != m.Name {
				continue
			}
			a.selected = m
			opts := []sasl.Option{
				sasl.Credentials(func() ([]byte, []byte, []byte) {
					return []byte(a.creds.Username()), []byte(a.creds.Password()), nil
				}),
				sasl.RemoteMechanisms(offered...),
			}
			if a.tlsState != nil {
				opts = append(opts, sasl.TLSState(*a.tlsState))
			}
			a.client = sasl.NewClient(m, opts...)
			return m.Name, nil
		}
	}
	return "", fmt.Errorf("%w: server offered %v", ErrNoCompatibleMechanism, offered)
}

// Mechanism returns the name of the selected mechanism, if any.
func (a *Authenticator) Mechanism() string {
	return a.selected.Name
}

// InitialResponse returns the payload to send with <auth/>.
// The boolean is false if the mechanism waits for a challenge instead.
func (a *Authenticator) InitialResponse() ([]byte, bool, error) {
	if a.client == nil {
		return nil, false, ErrNoCompatibleMechanism
	}
	more, resp, err := a.client.Step(nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	a.more = more
	return resp, true, nil
}

// Respond computes the response to a decoded server challenge.
func (a *Authenticator) Respond(challenge []byte) ([]byte, error) {
	if a.client == nil {
		return nil, ErrNoCompatibleMechanism
	}
	more, resp, err := a.client.Step(challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	a.more = more
	return resp, nil
}

// Verify checks additional data sent with <success/>.
// Mechanisms that do not expect a final server message ignore it.
func (a *Authenticator) Verify(additional []byte) error {
	if a.client == nil {
		return ErrNoCompatibleMechanism
	}
	if !a.more {
		return nil
	}
	if len(additional) == 0 {
		return fmt.Errorf("%w: missing server verification data", ErrAuthentication)
	}
	_, _, err := a.client.Step(additional)
	if err != nil {
		return fmt.Errorf("%w: server verification failed: %w", ErrAuthentication, err)
	}
	a.more = false
	return nil
}

// decodeSASL decodes a base64 SASL payload, treating "=" and the empty string
// as empty data.
func decodeSASL(s string) ([]byte, error) {
	if s == "" || s == "=" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return b, nil
}
