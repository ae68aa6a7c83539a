// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"

	"mellium.im/jabber/internal/ns"
	"mellium.im/jabber/internal/xmpptest"
	"mellium.im/jabber/jid"
	"mellium.im/jabber/roster"
	"mellium.im/jabber/stream"
)

const testTimeout = 5 * time.Second

// pipeHandle returns an established session over an in-memory connection and
// the server end of that connection.
func pipeHandle(t *testing.T) (*SessionHandle, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	tr := NewTransport(client)
	return &SessionHandle{
		Transport:   tr,
		Parser:      newParser(tr),
		StreamID:    "s1",
		Resource:    "laptop1",
		JID:         jid.MustParse("a@b.com/laptop1"),
		Lang:        language.English,
		Mechanism:   "PLAIN",
		StreamOpens: 2,
	}, server
}

func newPipeClient(t *testing.T, h Handler, cfg ClientConfig) (*Client, net.Conn) {
	t.Helper()
	id, err := NewIdentity("a@b.com", "pass", "b.com", 5222)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = -1
	}
	handle, server := pipeHandle(t)
	c := NewClient(id, h, cfg)
	if err := c.Attach(handle); err != nil {
		t.Fatalf("Unexpected error attaching session: %v", err)
	}
	t.Cleanup(func() {
		/* #nosec */
		server.Close()
		/* #nosec */
		c.Close()
	})
	return c, server
}

// peer decodes the elements written by the client.
type peer struct {
	t     *testing.T
	conn  net.Conn
	elems chan xmpptest.Element
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	p := &peer{t: t, conn: conn, elems: make(chan xmpptest.Element, 64)}
	go func() {
		defer close(p.elems)
		d := xml.NewDecoder(conn)
		for {
			tok, err := d.Token()
			if err != nil {
				return
			}
			start, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}
			var el xmpptest.Element
			if err := d.DecodeElement(&el, &start); err != nil {
				return
			}
			p.elems <- el
		}
	}()
	return p
}

func (p *peer) send(s string) {
	p.t.Helper()
	if _, err := io.WriteString(p.conn, s); err != nil {
		p.t.Fatalf("Error writing to client: %v", err)
	}
}

func (p *peer) expect(local string) xmpptest.Element {
	p.t.Helper()
	select {
	case el, ok := <-p.elems:
		if !ok {
			p.t.Fatalf("Connection closed while waiting for %s", local)
		}
		if el.XMLName.Local != local {
			p.t.Fatalf("Expected %s but got %s", local, el.XMLName.Local)
		}
		return el
	case <-time.After(testTimeout):
		p.t.Fatalf("Timed out waiting for %s", local)
	}
	return xmpptest.Element{}
}

type messageContent struct {
	Body   string `xml:"body"`
	Thread string `xml:"thread"`
	Error  *struct {
		Type               string    `xml:"type,attr"`
		ServiceUnavailable *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas service-unavailable"`
	} `xml:"error"`
}

func content(t *testing.T, el xmpptest.Element) messageContent {
	t.Helper()
	var m messageContent
	if err := xml.Unmarshal([]byte("<x>"+el.Inner+"</x>"), &m); err != nil {
		t.Fatalf("Error decoding %s payload: %v", el.XMLName.Local, err)
	}
	return m
}

func recv[T any](t *testing.T, c chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for handler")
	}
	var zero T
	return zero
}

func TestClientSendMessageNegotiated(t *testing.T) {
	got := make(chan xmpptest.Element, 1)
	srv := xmpptest.NewServer(t, func(c *xmpptest.Conn) {
		if err := c.Negotiate(xmpptest.Options{StreamID: "s1", Username: "a", Password: "pass"}); err != nil {
			t.Errorf("server: %v", err)
			return
		}
		el, err := c.ExpectName("message")
		if err != nil {
			t.Errorf("server: %v", err)
			return
		}
		got <- el
	})
	h, id, err := negotiate(t, srv, Config{})
	if err != nil {
		t.Fatalf("Unexpected error negotiating: %v", err)
	}
	c := NewClient(id, nil, ClientConfig{KeepAlive: -1})
	defer c.Close()
	if err := c.Attach(h); err != nil {
		t.Fatal(err)
	}
	if err := c.SendMessage("c@d.com", "hi"); err != nil {
		t.Fatalf("Unexpected error sending: %v", err)
	}

	el := recv(t, got)
	for attr, want := range map[string]string{
		"from": "a@b.com/laptop1",
		"to":   "c@d.com",
		"type": "chat",
		"lang": "en",
	} {
		if v := el.Get(attr); v != want {
			t.Errorf("Unexpected %s attribute: want=%q, got=%q", attr, want, v)
		}
	}
	m := content(t, el)
	if m.Body != "hi" {
		t.Errorf("Unexpected body: want=hi, got=%q", m.Body)
	}
	if m.Thread == "" {
		t.Errorf("Expected message to carry a thread id")
	}
}

func TestClientNotConnected(t *testing.T) {
	id, err := NewIdentity("a@b.com", "pass", "b.com", 5222)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(id, nil, ClientConfig{})
	if err := c.SendMessage("c@d.com", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage: expected ErrNotConnected but got %v", err)
	}
	if err := c.SendRosterRequest(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendRosterRequest: expected ErrNotConnected but got %v", err)
	}
	if err := c.SendKeepAlive(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendKeepAlive: expected ErrNotConnected but got %v", err)
	}
	if c.Session() != nil {
		t.Errorf("Expected no session")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Unexpected error closing unattached client: %v", err)
	}
}

func TestClientConcurrentSends(t *testing.T) {
	c, server := newPipeClient(t, nil, ClientConfig{})
	p := newPeer(t, server)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- c.SendMessage("c@d.com", fmt.Sprintf("message %02d", i))
		}(i)
	}

	var bodies []string
	for i := 0; i < n; i++ {
		bodies = append(bodies, content(t, p.expect("message")).Body)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Unexpected send error: %v", err)
		}
	}
	sort.Strings(bodies)
	for i, body := range bodies {
		if want := fmt.Sprintf("message %02d", i); body != want {
			t.Errorf("Unexpected body %d: want=%q, got=%q", i, want, body)
		}
	}
}

func TestClientReceiveMessages(t *testing.T) {
	msgs := make(chan Message, 10)
	_, server := newPipeClient(t, HandlerFuncs{
		Message: func(m Message) { msgs <- m },
	}, ClientConfig{})
	p := newPeer(t, server)

	p.send(`<message from="c@d.com/phone" to="a@b.com/laptop1" type="chat"><body>hello</body></message>`)
	p.send(`<message from="c@d.com/phone" type="error"><body>bounced</body></message>`)
	p.send(`<message from="e@f.com/tablet" to="a@b.com/laptop1" type="chat"><body>second</body><thread>t2</thread></message>`)

	first := recv(t, msgs)
	if first.From != "c@d.com/phone" || first.Body != "hello" {
		t.Errorf("Unexpected first message: %+v", first)
	}
	second := recv(t, msgs)
	if second.From != "e@f.com/tablet" || second.Body != "second" || second.Thread != "t2" {
		t.Errorf("Unexpected second message: %+v", second)
	}
	select {
	case m := <-msgs:
		t.Errorf("Unexpected extra message: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClientReplyUsesLockedResource(t *testing.T) {
	msgs := make(chan Message, 1)
	c, server := newPipeClient(t, HandlerFuncs{
		Message: func(m Message) { msgs <- m },
	}, ClientConfig{})
	p := newPeer(t, server)

	p.send(`<message from="c@d.com/phone" type="chat"><body>hello</body></message>`)
	recv(t, msgs)

	if err := c.SendMessage("c@d.com", "hi"); err != nil {
		t.Fatal(err)
	}
	if to := p.expect("message").Get("to"); to != "c@d.com/phone" {
		t.Errorf("Expected reply to locked resource but got %q", to)
	}
	if err := c.SendMessage("e@f.com", "hi"); err != nil {
		t.Fatal(err)
	}
	if to := p.expect("message").Get("to"); to != "e@f.com" {
		t.Errorf("Expected message to bare JID but got %q", to)
	}
}

func TestClientRoute(t *testing.T) {
	id, err := NewIdentity("a@b.com", "pass", "b.com", 5222)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(id, nil, ClientConfig{ResourceLockTTL: 50 * time.Millisecond})
	c.lockResource("c@d.com/phone")
	c.lockResource("e@f.com")
	c.lockResource("not a jid@@")

	for i, tc := range [...]struct {
		to  string
		out string
	}{
		0: {to: "c@d.com", out: "c@d.com/phone"},
		1: {to: "C@D.COM", out: "c@d.com/phone"},
		2: {to: "c@d.com/tablet", out: "c@d.com/tablet"},
		3: {to: "e@f.com", out: "e@f.com"},
		4: {to: "g@h.com", out: "g@h.com"},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if out := c.route(tc.to); out != tc.out {
				t.Errorf("Unexpected route: want=%q, got=%q", tc.out, out)
			}
		})
	}

	time.Sleep(100 * time.Millisecond)
	if out := c.route("c@d.com"); out != "c@d.com" {
		t.Errorf("Expected resource lock to expire but got %q", out)
	}
}

func TestClientRoster(t *testing.T) {
	rosters := make(chan roster.Roster, 10)
	c, server := newPipeClient(t, HandlerFuncs{
		Roster: func(r roster.Roster) { rosters <- r },
	}, ClientConfig{})
	p := newPeer(t, server)

	if err := c.SendRosterRequest(); err != nil {
		t.Fatal(err)
	}
	req := p.expect("iq")
	if req.Get("type") != "get" {
		t.Errorf("Expected roster request of type get but got %q", req.Get("type"))
	}
	p.send(fmt.Sprintf(`<iq id="%s" type="result"><query xmlns="jabber:iq:roster"><item jid="c@d.com" name="C"/><item jid="e@f.com"/></query></iq>`, req.Get("id")))

	r := recv(t, rosters)
	if jids := r.JIDs(); len(jids) != 2 || jids[0] != "c@d.com" || jids[1] != "e@f.com" {
		t.Errorf("Unexpected roster: %v", jids)
	}

	p.send(`<iq id="push1" type="set"><query xmlns="jabber:iq:roster"><item jid="g@h.com" subscription="both"/></query></iq>`)
	r = recv(t, rosters)
	if len(r) != 1 || r[0].JID != "g@h.com" || r[0].Subscription != "both" {
		t.Errorf("Unexpected roster push: %+v", r)
	}
	ack := p.expect("iq")
	if ack.Get("id") != "push1" || ack.Get("type") != "result" {
		t.Errorf("Unexpected roster push ack: %+v", ack.Attr)
	}

	select {
	case r := <-rosters:
		t.Errorf("Unexpected extra roster: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClientPresence(t *testing.T) {
	presences := make(chan Presence, 1)
	_, server := newPipeClient(t, HandlerFuncs{
		Presence: func(p Presence) { presences <- p },
	}, ClientConfig{})
	p := newPeer(t, server)

	p.send(`<presence from="c@d.com/phone"><show>away</show><status>lunch</status></presence>`)
	pres := recv(t, presences)
	if pres.From != "c@d.com/phone" || pres.Show != "away" || pres.Status != "lunch" {
		t.Errorf("Unexpected presence: %+v", pres)
	}
}

func TestClientSendPresence(t *testing.T) {
	c, server := newPipeClient(t, nil, ClientConfig{})
	p := newPeer(t, server)
	if err := c.SendPresence(); err != nil {
		t.Fatal(err)
	}
	p.expect("presence")
}

func TestClientInitialPresence(t *testing.T) {
	id, err := NewIdentity("a@b.com", "pass", "b.com", 5222)
	if err != nil {
		t.Fatal(err)
	}
	handle, server := pipeHandle(t)
	p := newPeer(t, server)
	c := NewClient(id, nil, ClientConfig{KeepAlive: -1, Presence: true})
	t.Cleanup(func() {
		/* #nosec */
		server.Close()
		/* #nosec */
		c.Close()
	})
	if err := c.Attach(handle); err != nil {
		t.Fatalf("Unexpected error attaching session: %v", err)
	}
	if el := p.expect("presence"); el.Get("type") != "" {
		t.Errorf("Expected available presence but got type %q", el.Get("type"))
	}
}

func TestClientIQReplies(t *testing.T) {
	_, server := newPipeClient(t, nil, ClientConfig{})
	p := newPeer(t, server)

	p.send(`<iq id="ping1" type="get" from="b.com"><ping xmlns="` + ns.Ping + `"/></iq>`)
	reply := p.expect("iq")
	if reply.Get("id") != "ping1" || reply.Get("type") != "result" || reply.Get("to") != "b.com" {
		t.Errorf("Unexpected ping reply: %+v", reply.Attr)
	}

	p.send(`<iq id="ver1" type="get" from="b.com"><query xmlns="jabber:iq:version"/></iq>`)
	reply = p.expect("iq")
	if reply.Get("id") != "ver1" || reply.Get("type") != "error" {
		t.Errorf("Unexpected error reply: %+v", reply.Attr)
	}
	m := content(t, reply)
	if m.Error == nil || m.Error.ServiceUnavailable == nil || m.Error.Type != "cancel" {
		t.Errorf("Expected service-unavailable error but got %s", reply.Inner)
	}

	// Results are never answered.
	p.send(`<iq id="r1" type="result" from="b.com"/>`)
	p.send(`<iq id="ping2" type="get" from="b.com"><ping xmlns="` + ns.Ping + `"/></iq>`)
	if id := p.expect("iq").Get("id"); id != "ping2" {
		t.Errorf("Expected reply to ping2 but got reply to %s", id)
	}
}

func TestClientConnectionLost(t *testing.T) {
	for i, tc := range [...]struct {
		send string
		err  error
	}{
		0: {err: io.EOF},
		1: {
			send: `<stream:error xmlns:stream="http://etherx.jabber.org/streams"><conflict xmlns="urn:ietf:params:xml:ns:xmpp-streams"/></stream:error>`,
			err:  stream.Conflict,
		},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			c, server := newPipeClient(t, nil, ClientConfig{})
			lost := make(chan error, 2)
			c.OnConnectionLost(func(err error) { lost <- err })

			if tc.send != "" {
				if _, err := io.WriteString(server, tc.send); err != nil {
					t.Fatal(err)
				}
			} else {
				server.Close()
			}
			if err := recv(t, lost); !errors.Is(err, tc.err) {
				t.Errorf("Unexpected loss cause: want=%v, got=%v", tc.err, err)
			}
			select {
			case err := <-lost:
				t.Errorf("Connection loss reported twice, second time with %v", err)
			case <-time.After(20 * time.Millisecond):
			}
		})
	}
}

func TestClientAttachReplacesSession(t *testing.T) {
	c, _ := newPipeClient(t, nil, ClientConfig{})
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })
	old := c.Session()

	h, server := pipeHandle(t)
	defer server.Close()
	if err := c.Attach(h); err != nil {
		t.Fatal(err)
	}
	if c.Session() != h {
		t.Errorf("Expected new session to be current")
	}
	if _, err := old.Transport.Write([]byte{' '}); err == nil {
		t.Errorf("Expected old session to be closed")
	}
	select {
	case err := <-lost:
		t.Errorf("Replacing a session reported a loss: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClientClose(t *testing.T) {
	c, server := newPipeClient(t, nil, ClientConfig{})
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })

	read := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(server)
		read <- b
	}()
	if err := c.Close(); err != nil {
		t.Fatalf("Unexpected error closing: %v", err)
	}
	if b := recv(t, read); string(b) != closeStream {
		t.Errorf("Expected stream close but got %q", b)
	}
	select {
	case err := <-lost:
		t.Errorf("Closing reported a connection loss: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := c.SendMessage("c@d.com", "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed but got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Unexpected error closing twice: %v", err)
	}
	h, other := pipeHandle(t)
	defer other.Close()
	if err := c.Attach(h); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected attach after close to fail with ErrClosed but got %v", err)
	}
	if _, err := h.Transport.Write([]byte{' '}); err == nil {
		t.Errorf("Expected rejected session to be closed")
	}
}

func TestClientKeepAlive(t *testing.T) {
	_, server := newPipeClient(t, nil, ClientConfig{KeepAlive: 10 * time.Millisecond})
	if err := server.SetReadDeadline(time.Now().Add(testTimeout)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	for i := 0; i < 2; i++ {
		if _, err := io.ReadFull(server, buf); err != nil {
			t.Fatalf("Error reading keep-alive %d: %v", i, err)
		}
		if buf[0] != ' ' {
			t.Errorf("Expected keep-alive to be a space but got %q", buf)
		}
	}
}

type recordingSink struct {
	label string
	lines []string
}

func (s *recordingSink) ArchiveTranscript(_ context.Context, label string, lines []string) error {
	s.label = label
	s.lines = lines
	return nil
}

func TestClientSendTranscript(t *testing.T) {
	id, err := NewIdentity("a@b.com", "pass", "b.com", 5222)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(id, nil, ClientConfig{})
	if err := c.SendTranscript(context.Background(), []string{"x"}); !errors.Is(err, ErrNoArchive) {
		t.Errorf("Expected ErrNoArchive but got %v", err)
	}

	sink := &recordingSink{}
	c = NewClient(id, nil, ClientConfig{Archive: sink})
	lines := []string{"me: hi", "c@d.com: hello"}
	if err := c.SendTranscript(context.Background(), lines); err != nil {
		t.Fatal(err)
	}
	if sink.label != "a@b.com" {
		t.Errorf("Unexpected label: want=a@b.com, got=%q", sink.label)
	}
	if len(sink.lines) != 2 || sink.lines[1] != "c@d.com: hello" {
		t.Errorf("Unexpected lines: %v", sink.lines)
	}
}
