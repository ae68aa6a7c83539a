// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package saslerr provides error conditions for the XMPP profile of SASL as
// defined by RFC 6120 §6.5.
package saslerr // import "mellium.im/jabber/internal/saslerr"

import (
	"encoding/xml"

	"golang.org/x/text/language"
)

// Condition represents a SASL error condition that can be encapsulated by a
// <failure/> element.
type Condition string

// String returns the local name of the condition element.
func (c Condition) String() string {
	return string(c)
}

// Standard SASL error conditions.
const (
	None                 Condition = ""
	Aborted              Condition = "aborted"
	AccountDisabled      Condition = "account-disabled"
	CredentialsExpired   Condition = "credentials-expired"
	EncryptionRequired   Condition = "encryption-required"
	IncorrectEncoding    Condition = "incorrect-encoding"
	InvalidAuthzID       Condition = "invalid-authzid"
	InvalidMechanism     Condition = "invalid-mechanism"
	MalformedRequest     Condition = "malformed-request"
	MechanismTooWeak     Condition = "mechanism-too-weak"
	NotAuthorized        Condition = "not-authorized"
	TemporaryAuthFailure Condition = "temporary-auth-failure"
)

// Failure represents a <failure/> element sent by the server.
// The same shape is used for STARTTLS failures, which carry no condition.
type Failure struct {
	Condition Condition
	Lang      language.Tag
	Text      string
}

// Error satisfies the error interface for a Failure. It returns the text string
// if set, or the condition otherwise.
func (f Failure) Error() string {
	if f.Text != "" {
		return f.Text
	}
	return string(f.Condition)
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for a Failure.
// If multiple text elements are present the one whose xml:lang most closely
// matches f.Lang is selected.
func (f *Failure) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	decoded := struct {
		Condition []struct {
			XMLName xml.Name
		} `xml:",any"`
		Text []struct {
			Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
			Data string `xml:",chardata"`
		} `xml:"text"`
	}{}
	if err := d.DecodeElement(&decoded, &start); err != nil {
		return err
	}
	f.Condition = None
	for _, c := range decoded.Condition {
		if c.XMLName.Local != "text" {
			f.Condition = Condition(c.XMLName.Local)
			break
		}
	}

	f.Text = ""
	if len(decoded.Text) == 0 {
		return nil
	}
	tags := make([]language.Tag, 0, len(decoded.Text))
	data := make(map[language.Tag]string)
	for _, text := range decoded.Text {
		// Parse the language tag, skipping any that cannot be parsed.
		tag, err := language.Parse(text.Lang)
		if err != nil {
			tag = language.Und
		}
		if _, ok := data[tag]; ok {
			continue
		}
		tags = append(tags, tag)
		data[tag] = text.Data
	}
	_, idx, _ := language.NewMatcher(tags).Match(f.Lang)
	f.Lang = tags[idx]
	f.Text = data[tags[idx]]
	return nil
}
