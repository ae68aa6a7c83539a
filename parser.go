// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"encoding/xml"
	"io"
	"strings"

	"mellium.im/jabber/internal/ns"
	"mellium.im/jabber/internal/saslerr"
	"mellium.im/jabber/roster"
	"mellium.im/jabber/stream"
)

// Parser reads Events from a stream.
// A new Parser must be created every time the stream is restarted.
type Parser struct {
	d       *xml.Decoder
	pending []Event
}

func newParser(r io.Reader) *Parser {
	return &Parser{d: xml.NewDecoder(r)}
}

// Next returns the next event.
// Whitespace, comments, and processing instructions between elements are
// skipped.
func (p *Parser) Next() (Event, error) {
	if len(p.pending) > 0 {
		ev := p.pending[0]
		p.pending = p.pending[1:]
		return ev, nil
	}
	for {
		tok, err := p.d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return p.start(t)
		case xml.EndElement:
			if t.Name.Local == "stream" && t.Name.Space == stream.NS {
				return StreamEnd{}, nil
			}
		}
	}
}

func (p *Parser) start(start xml.StartElement) (Event, error) {
	switch start.Name {
	case xml.Name{Space: stream.NS, Local: "stream"}:
		ev := StreamOpen{}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "id":
				ev.ID = attr.Value
			case "from":
				ev.From = attr.Value
			case "version":
				ev.Version = attr.Value
			}
		}
		return ev, nil
	case xml.Name{Space: stream.NS, Local: "features"}:
		return p.features(start)
	case xml.Name{Space: stream.NS, Local: "error"}:
		var se stream.Error
		if err := p.d.DecodeElement(&se, &start); err != nil {
			return nil, err
		}
		return StreamError{Err: se}, nil
	case xml.Name{Space: ns.StartTLS, Local: "proceed"}:
		return Proceed{}, p.d.Skip()
	case xml.Name{Space: ns.SASL, Local: "challenge"}:
		data, err := p.chardata(start)
		return AuthChallenge{Data: data}, err
	case xml.Name{Space: ns.SASL, Local: "success"}:
		data, err := p.chardata(start)
		return AuthSuccess{Data: data}, err
	}

	switch start.Name.Local {
	case "failure":
		var f saslerr.Failure
		if err := p.d.DecodeElement(&f, &start); err != nil {
			return nil, err
		}
		return Failure{
			Namespace: start.Name.Space,
			Condition: f.Condition.String(),
			Text:      f.Text,
		}, nil
	case "message":
		return p.message(start)
	case "presence":
		return p.presence(start)
	case "iq":
		return p.iq(start)
	}
	return Unknown{Name: start.Name}, p.d.Skip()
}

func (p *Parser) chardata(start xml.StartElement) (string, error) {
	var s string
	if err := p.d.DecodeElement(&s, &start); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func (p *Parser) features(start xml.StartElement) (Event, error) {
	var f struct {
		StartTLS *struct {
			Required *struct{} `xml:"required"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
		Mechanisms *struct {
			Mechanism []string `xml:"mechanism"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
		Bind *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	}
	if err := p.d.DecodeElement(&f, &start); err != nil {
		return nil, err
	}
	ev := Features{
		StartTLS: f.StartTLS != nil,
		Bind:     f.Bind != nil,
	}
	if f.StartTLS != nil {
		ev.TLSRequired = f.StartTLS.Required != nil
	}
	if f.Mechanisms != nil {
		ev.Mechanisms = make([]string, 0, len(f.Mechanisms.Mechanism))
		for _, m := range f.Mechanisms.Mechanism {
			if m = strings.TrimSpace(m); m != "" {
				ev.Mechanisms = append(ev.Mechanisms, m)
			}
		}
	}
	return ev, nil
}

func (p *Parser) message(start xml.StartElement) (Event, error) {
	var msg struct {
		ID      string `xml:"id,attr"`
		From    string `xml:"from,attr"`
		To      string `xml:"to,attr"`
		Type    string `xml:"type,attr"`
		Body    string `xml:"body"`
		Subject string `xml:"subject"`
		Thread  string `xml:"thread"`
	}
	if err := p.d.DecodeElement(&msg, &start); err != nil {
		return nil, err
	}
	return Message(msg), nil
}

func (p *Parser) presence(start xml.StartElement) (Event, error) {
	var pres struct {
		From   string `xml:"from,attr"`
		Type   string `xml:"type,attr"`
		Show   string `xml:"show"`
		Status string `xml:"status"`
	}
	if err := p.d.DecodeElement(&pres, &start); err != nil {
		return nil, err
	}
	return Presence(pres), nil
}

func (p *Parser) iq(start xml.StartElement) (Event, error) {
	var iq struct {
		ID   string `xml:"id,attr"`
		Type string `xml:"type,attr"`
		From string `xml:"from,attr"`
		Bind *struct {
			JID string `xml:"jid"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
		Query *struct {
			Items []roster.Item `xml:"item"`
		} `xml:"jabber:iq:roster query"`
		Other []struct {
			XMLName xml.Name
		} `xml:",any"`
	}
	if err := p.d.DecodeElement(&iq, &start); err != nil {
		return nil, err
	}
	switch {
	case iq.Bind != nil:
		return BindResult{ID: iq.ID, Type: iq.Type, JID: strings.TrimSpace(iq.Bind.JID)}, nil
	case iq.Query != nil:
		for _, item := range iq.Query.Items {
			p.pending = append(p.pending, RosterItem{Item: item})
		}
		p.pending = append(p.pending, RosterEnd{ID: iq.ID, Type: iq.Type})
		return p.Next()
	}
	ev := IQ{ID: iq.ID, Type: iq.Type, From: iq.From}
	if len(iq.Other) > 0 {
		ev.Payload = iq.Other[0].XMLName
	}
	return ev, nil
}
