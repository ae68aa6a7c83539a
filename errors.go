// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"errors"
	"strings"
)

// Kinds of failure reported by negotiation and reconnection.
// Use errors.Is to check the kind of a returned error.
var (
	ErrTransport             = errors.New("transport failure")
	ErrTimeout               = errors.New("timed out")
	ErrTLSFailure            = errors.New("TLS negotiation failed")
	ErrAuthentication        = errors.New("authentication failed")
	ErrNoCompatibleMechanism = errors.New("no compatible SASL mechanism")
	ErrEncoding              = errors.New("invalid encoding")
	ErrProtocol              = errors.New("protocol violation")
	ErrUnknownFailure        = errors.New("unknown failure")
	ErrReconnectExhausted    = errors.New("reconnection attempts exhausted")
)

// NegotiationError is returned when a session could not be negotiated.
type NegotiationError struct {
	// State is the state the negotiation was in when it failed.
	State ConnectionState

	// Kind is one of the Err sentinels declared in this package.
	Kind error

	// Mechanism is the SASL mechanism in use, if any.
	Mechanism string

	// Namespace is the namespace of the failure element sent by the server, if
	// any.
	Namespace string

	// Err is the underlying cause.
	Err error
}

func (e *NegotiationError) Error() string {
	var b strings.Builder
	b.WriteString("jabber: ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("negotiation failed")
	}
	b.WriteString(" while ")
	b.WriteString(e.State.String())
	if e.Mechanism != "" {
		b.WriteString(" (mechanism ")
		b.WriteString(e.Mechanism)
		b.WriteString(")")
	}
	if e.Namespace != "" {
		b.WriteString(" (namespace ")
		b.WriteString(e.Namespace)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns both the kind and the cause so that errors.Is and errors.As
// match either.
func (e *NegotiationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
