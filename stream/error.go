// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"

	"mellium.im/xmlstream"
)

// A list of stream errors defined in RFC 6120 §4.9.3 that a client is likely to
// receive.
var (
	// BadFormat is used when the entity has sent XML that cannot be processed.
	BadFormat = Error{Err: "bad-format"}

	// Conflict is sent when the server is closing the existing stream for this
	// entity because a new stream has been initiated that conflicts with it.
	Conflict = Error{Err: "conflict"}

	// ConnectionTimeout results when one party is closing the stream because it
	// has reason to believe that the other party has permanently lost the ability
	// to communicate over the stream.
	ConnectionTimeout = Error{Err: "connection-timeout"}

	// HostUnknown is sent when the value of the 'to' attribute provided in the
	// initial stream header does not correspond to an FQDN that is serviced by
	// the receiving entity.
	HostUnknown = Error{Err: "host-unknown"}

	// InvalidNamespace may be sent when the stream namespace name is something
	// other than "http://etherx.jabber.org/streams" or the content namespace
	// declared as the default namespace is not supported.
	InvalidNamespace = Error{Err: "invalid-namespace"}

	// NotAuthorized may be sent when the entity has attempted to send XML stanzas
	// or other outbound data before the stream has been authenticated.
	NotAuthorized = Error{Err: "not-authorized"}

	// NotWellFormed may be sent when the initiating entity has sent XML that
	// violates the well-formedness rules.
	NotWellFormed = Error{Err: "not-well-formed"}

	// PolicyViolation is a generic error that may be sent when an entity has
	// violated some local service policy.
	PolicyViolation = Error{Err: "policy-violation"}

	// Reset is sent when the server is closing the stream because it has new
	// (typically security-critical) features to offer.
	Reset = Error{Err: "reset"}

	// SystemShutdown is sent when the server is being shut down and all active
	// streams are being closed.
	SystemShutdown = Error{Err: "system-shutdown"}

	// UndefinedCondition may be sent when the error condition is not one of those
	// defined by the other conditions in this list.
	UndefinedCondition = Error{Err: "undefined-condition"}

	// UnsupportedVersion is sent when the 'version' attribute provided by the
	// initiating entity in the stream header specifies a version of XMPP that is
	// not supported by the server.
	UnsupportedVersion = Error{Err: "unsupported-version"}
)

// A Error represents an unrecoverable stream-level error that may include
// character data or arbitrary inner XML.
type Error struct {
	Err  string
	Text string
}

// Error satisfies the builtin error interface and returns the name of the
// Error. For instance, given the error:
//
//     <stream:error>
//       <restricted-xml xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>
//     </stream:error>
//
// Error() would return "restricted-xml".
func (s Error) Error() string {
	if s.Text != "" {
		return s.Err + ": " + s.Text
	}
	return s.Err
}

// Is reports whether target is a stream error with the same condition.
func (s Error) Is(target error) bool {
	se, ok := target.(Error)
	return ok && se.Err == s.Err
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for Error.
func (s *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	se := struct {
		XMLName xml.Name
		Text    string `xml:"urn:ietf:params:xml:ns:xmpp-streams text"`
		Err     []struct {
			XMLName xml.Name
		} `xml:",any"`
	}{}
	err := d.DecodeElement(&se, &start)
	if err != nil {
		return err
	}
	s.Err = ""
	for _, e := range se.Err {
		if e.XMLName.Local != "text" {
			s.Err = e.XMLName.Local
			break
		}
	}
	s.Text = se.Text
	return nil
}

// TokenReader returns a new xml.TokenReader that returns an encoding of
// the error.
func (s Error) TokenReader() xml.TokenReader {
	inner := xmlstream.Wrap(
		xmlstream.MultiReader(),
		xml.StartElement{Name: xml.Name{Local: s.Err, Space: ErrorNS}},
	)
	if s.Text != "" {
		inner = xmlstream.MultiReader(
			inner,
			xmlstream.Wrap(
				xmlstream.Token(xml.CharData(s.Text)),
				xml.StartElement{Name: xml.Name{Local: "text", Space: ErrorNS}},
			),
		)
	}
	return xmlstream.Wrap(
		inner,
		xml.StartElement{
			Name: xml.Name{Local: "error", Space: NS},
		},
	)
}

// MarshalXML satisfies the xml.Marshaler interface for Error.
func (s Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := xmlstream.Copy(e, s.TokenReader())
	if err != nil {
		return err
	}
	return e.Flush()
}
