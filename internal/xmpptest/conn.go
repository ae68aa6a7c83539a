// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpptest

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"testing"

	"mellium.im/sasl"
)

// Namespaces used in scripts.
const (
	NSBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	NSClient   = "jabber:client"
	NSSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSStartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	NSStream   = "http://etherx.jabber.org/streams"
)

// ErrStreamEnd is returned by Expect when the client closes the stream.
var ErrStreamEnd = errors.New("xmpptest: stream closed by client")

// Element is a top-level element read from the client.
type Element struct {
	XMLName xml.Name
	Attr    []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// Get returns the value of the attribute with the given local name.
func (e Element) Get(local string) string {
	for _, a := range e.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Conn is the server side of one client connection.
type Conn struct {
	// N is the one-based index of the connection on its server.
	N int

	t   testing.TB
	tls *tls.Config

	mu   sync.Mutex
	conn net.Conn
	d    *xml.Decoder

	closeOnce sync.Once
}

func newConn(t testing.TB, nc net.Conn, cfg *tls.Config) *Conn {
	return &Conn{t: t, tls: cfg, conn: nc, d: xml.NewDecoder(nc)}
}

// Send writes s to the client.
func (c *Conn) Send(s string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.t.Logf("S%d: %s", c.N, s)
	_, err := io.WriteString(conn, s)
	return err
}

// Sendf formats according to a format specifier and writes the result.
func (c *Conn) Sendf(format string, v ...interface{}) error {
	return c.Send(fmt.Sprintf(format, v...))
}

// ExpectStream reads until the client opens a new stream and returns the
// stream start element.
func (c *Conn) ExpectStream() (xml.StartElement, error) {
	for {
		tok, err := c.d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != "stream" || start.Name.Space != NSStream {
				return start, fmt.Errorf("xmpptest: expected stream but got %v", start.Name)
			}
			c.t.Logf("C%d: <stream:stream %v>", c.N, start.Attr)
			return start.Copy(), nil
		}
	}
}

// OpenStream replies to a stream header.
// If id is empty the id attribute is omitted.
func (c *Conn) OpenStream(id string) error {
	idAttr := ""
	if id != "" {
		idAttr = ` id="` + id + `"`
	}
	return c.Sendf(`<?xml version="1.0" encoding="UTF-8"?><stream:stream from="%s"%s version="1.0" xmlns="%s" xmlns:stream="%s">`,
		Domain, idAttr, NSClient, NSStream)
}

// Expect reads the next top-level element sent by the client.
// Whitespace between elements is skipped.
func (c *Conn) Expect() (Element, error) {
	for {
		tok, err := c.d.Token()
		if err != nil {
			return Element{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var el Element
			if err := c.d.DecodeElement(&el, &t); err != nil {
				return Element{}, err
			}
			c.t.Logf("C%d: <%s %v>%s", c.N, el.XMLName.Local, el.Attr, el.Inner)
			return el, nil
		case xml.EndElement:
			return Element{}, ErrStreamEnd
		}
	}
}

// ExpectName reads the next element and checks its local name.
func (c *Conn) ExpectName(local string) (Element, error) {
	el, err := c.Expect()
	if err != nil {
		return el, err
	}
	if el.XMLName.Local != local {
		return el, fmt.Errorf("xmpptest: expected %s but got %s", local, el.XMLName.Local)
	}
	return el, nil
}

// StartTLS performs the server side of the TLS handshake and resets the
// decoder.
func (c *Conn) StartTLS() error {
	c.mu.Lock()
	tlsConn := tls.Server(c.conn, c.tls)
	c.conn = tlsConn
	c.mu.Unlock()
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.d = xml.NewDecoder(tlsConn)
	return nil
}

// Restart resets the decoder after authentication.
func (c *Conn) Restart() {
	c.mu.Lock()
	c.d = xml.NewDecoder(c.conn)
	c.mu.Unlock()
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		err = conn.Close()
	})
	return err
}

// Options configures a standard negotiation.
type Options struct {
	// StreamID is sent on every stream header.
	StreamID string

	// StartTLS offers and performs STARTTLS before authentication.
	StartTLS bool

	// Mechanisms are offered after TLS. Defaults to PLAIN.
	Mechanisms []string

	// Username and Password are checked with the PLAIN mechanism.
	Username, Password string

	// Resource is returned in the bind result.
	// If empty the resource requested by the client is used, or "laptop1".
	Resource string
}

// Negotiate performs a complete negotiation with STARTTLS (if enabled), PLAIN
// authentication, and resource binding.
func (c *Conn) Negotiate(opts Options) error {
	if len(opts.Mechanisms) == 0 {
		opts.Mechanisms = []string{"PLAIN"}
	}
	if _, err := c.ExpectStream(); err != nil {
		return err
	}
	if err := c.OpenStream(opts.StreamID); err != nil {
		return err
	}

	if opts.StartTLS {
		if err := c.Send(`<stream:features><starttls xmlns="` + NSStartTLS + `"><required/></starttls></stream:features>`); err != nil {
			return err
		}
		if _, err := c.ExpectName("starttls"); err != nil {
			return err
		}
		if err := c.Send(`<proceed xmlns="` + NSStartTLS + `"/>`); err != nil {
			return err
		}
		if err := c.StartTLS(); err != nil {
			return err
		}
		if _, err := c.ExpectStream(); err != nil {
			return err
		}
		if err := c.OpenStream(opts.StreamID); err != nil {
			return err
		}
	}

	mechs := ""
	for _, m := range opts.Mechanisms {
		mechs += "<mechanism>" + m + "</mechanism>"
	}
	if err := c.Send(`<stream:features><mechanisms xmlns="` + NSSASL + `">` + mechs + `</mechanisms></stream:features>`); err != nil {
		return err
	}
	auth, err := c.ExpectName("auth")
	if err != nil {
		return err
	}
	if err := c.CheckPlain(auth, opts.Username, opts.Password); err != nil {
		/* #nosec */
		c.Send(`<failure xmlns="` + NSSASL + `"><not-authorized/></failure>`)
		return err
	}
	if err := c.Send(`<success xmlns="` + NSSASL + `"/>`); err != nil {
		return err
	}
	c.Restart()
	if _, err := c.ExpectStream(); err != nil {
		return err
	}
	if err := c.OpenStream(opts.StreamID); err != nil {
		return err
	}
	if err := c.Send(`<stream:features><bind xmlns="` + NSBind + `"/></stream:features>`); err != nil {
		return err
	}
	return c.Bind(opts.Resource, "")
}

// Bind answers a resource binding request.
// If jid is empty a full JID is built from the username of the stream and the
// resource.
func (c *Conn) Bind(resource, jid string) error {
	iq, err := c.ExpectName("iq")
	if err != nil {
		return err
	}
	var req struct {
		Resource string `xml:"bind>resource"`
	}
	if err := xml.Unmarshal([]byte("<iq>"+iq.Inner+"</iq>"), &req); err != nil {
		return err
	}
	if resource == "" {
		resource = req.Resource
	}
	if resource == "" {
		resource = "laptop1"
	}
	if jid == "" {
		jid = "a@" + Domain + "/" + resource
	}
	return c.Sendf(`<iq id="%s" type="result"><bind xmlns="%s"><jid>%s</jid></bind></iq>`, iq.Get("id"), NSBind, jid)
}

// CheckPlain verifies the initial response of a PLAIN <auth/> element.
// If username is empty any credentials are accepted.
func (c *Conn) CheckPlain(auth Element, username, password string) error {
	if m := auth.Get("mechanism"); m != "PLAIN" {
		return fmt.Errorf("xmpptest: expected PLAIN but got %s", m)
	}
	payload, err := base64.StdEncoding.DecodeString(auth.Inner)
	if err != nil {
		return err
	}
	if username == "" {
		return nil
	}
	server := sasl.NewServer(sasl.Plain, func(n *sasl.Negotiator) bool {
		user, pass, _ := n.Credentials()
		return string(user) == username && string(pass) == password
	})
	_, _, err = server.Step(payload)
	return err
}

// SCRAM performs the server side of the SCRAM exchange started by auth and
// sends <success/> carrying the server signature.
// Only mechanisms without channel binding are supported.
func (c *Conn) SCRAM(auth Element, m sasl.Mechanism, fn func() hash.Hash, username, password string) error {
	if name := auth.Get("mechanism"); name != m.Name {
		return fmt.Errorf("xmpptest: expected %s but got %s", m.Name, name)
	}
	salt := []byte("xmpptest-salt")
	const iter = 4096
	salted := sasl.SCRAMSaltPassword(fn, []byte(password), salt, iter)
	server := sasl.NewServer(m, nil, sasl.SaltedCredentials(func(user, _ []byte, _ string) ([]byte, []byte, int64, error) {
		if string(user) != username {
			return nil, nil, 0, errors.New("xmpptest: unknown user")
		}
		return salt, salted, iter, nil
	}))

	clientFirst, err := base64.StdEncoding.DecodeString(auth.Inner)
	if err != nil {
		return err
	}
	_, serverFirst, err := server.Step(clientFirst)
	if err != nil {
		return err
	}
	if err := c.Sendf(`<challenge xmlns="%s">%s</challenge>`, NSSASL, base64.StdEncoding.EncodeToString(serverFirst)); err != nil {
		return err
	}
	resp, err := c.ExpectName("response")
	if err != nil {
		return err
	}
	clientFinal, err := base64.StdEncoding.DecodeString(resp.Inner)
	if err != nil {
		return err
	}
	_, serverFinal, err := server.Step(clientFinal)
	if err != nil {
		/* #nosec */
		c.Sendf(`<failure xmlns="%s"><not-authorized/></failure>`, NSSASL)
		return err
	}
	return c.Sendf(`<success xmlns="%s">%s</success>`, NSSASL, base64.StdEncoding.EncodeToString(serverFinal))
}
