// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

// ConnectionState is the progress of a single negotiation.
type ConnectionState uint8

// The states a negotiation moves through.
// Failed is terminal and the reason is carried by the returned error.
const (
	Disconnected ConnectionState = iota
	StreamOpened
	NegotiatingTLS
	Authenticating
	BindingResource
	Established
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case StreamOpened:
		return "stream opened"
	case NegotiatingTLS:
		return "negotiating TLS"
	case Authenticating:
		return "authenticating"
	case BindingResource:
		return "binding resource"
	case Established:
		return "established"
	case Failed:
		return "failed"
	}
	return "unknown state"
}
