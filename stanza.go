// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"

	"golang.org/x/text/language"
	"mellium.im/xmlstream"

	"mellium.im/jabber/internal/ns"
	"mellium.im/jabber/roster"
)

// Stanza and IQ types used by the client.
const (
	typeChat   = "chat"
	typeError  = "error"
	typeGet    = "get"
	typeResult = "result"
	typeSet    = "set"
)

// send serializes r completely and writes it with a single call to Write.
func send(w io.Writer, r xml.TokenReader) error {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func attrs(pairs ...string) []xml.Attr {
	var a []xml.Attr
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		a = append(a, xml.Attr{Name: xml.Name{Local: pairs[i]}, Value: pairs[i+1]})
	}
	return a
}

func langAttr(lang language.Tag) xml.Attr {
	return xml.Attr{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: lang.String()}
}

// textElement wraps character data in an element with no namespace of its own.
func textElement(local, text string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(text)),
		xml.StartElement{Name: xml.Name{Local: local}},
	)
}

// messageStanza builds a chat message:
//
//	<message from="…" to="…" type="chat" xml:lang="en"><body>…</body><thread>…</thread></message>
func messageStanza(id, from, to string, lang language.Tag, body, thread string) xml.TokenReader {
	start := xml.StartElement{
		Name: xml.Name{Local: "message"},
		Attr: append(attrs("id", id, "from", from, "to", to, "type", typeChat), langAttr(lang)),
	}
	inner := []xml.TokenReader{textElement("body", body)}
	if thread != "" {
		inner = append(inner, textElement("thread", thread))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

func presenceStanza() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "presence"}})
}

func iqStanza(id, typ, from, to string, payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, xml.StartElement{
		Name: xml.Name{Local: "iq"},
		Attr: attrs("id", id, "type", typ, "from", from, "to", to),
	})
}

func bindPayload(resource string) xml.TokenReader {
	var inner xml.TokenReader
	if resource != "" {
		inner = textElement("resource", resource)
	}
	return xmlstream.Wrap(inner, xml.StartElement{Name: xml.Name{Space: ns.Bind, Local: "bind"}})
}

func rosterRequest(id, from string) xml.TokenReader {
	return iqStanza(id, typeGet, from, "", roster.Query())
}

// serviceUnavailable is the payload of an IQ error reply to requests the
// client does not support (RFC 6120 §8.4).
func serviceUnavailable() xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: ns.Stanza, Local: "service-unavailable"}}),
		xml.StartElement{
			Name: xml.Name{Local: "error"},
			Attr: attrs("type", "cancel"),
		},
	)
}

func startTLS() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: ns.StartTLS, Local: "starttls"}})
}

// saslPayload encodes data as base64, or "=" if data is empty but present.
func saslPayload(data []byte) xml.TokenReader {
	if len(data) == 0 {
		return xmlstream.Token(xml.CharData("="))
	}
	return xmlstream.Token(xml.CharData(base64.StdEncoding.EncodeToString(data)))
}

func saslAuth(mechanism string, initial []byte, hasInitial bool) xml.TokenReader {
	var inner xml.TokenReader
	if hasInitial {
		inner = saslPayload(initial)
	}
	return xmlstream.Wrap(inner, xml.StartElement{
		Name: xml.Name{Space: ns.SASL, Local: "auth"},
		Attr: attrs("mechanism", mechanism),
	})
}

func saslResponse(data []byte) xml.TokenReader {
	return xmlstream.Wrap(saslPayload(data), xml.StartElement{Name: xml.Name{Space: ns.SASL, Local: "response"}})
}
