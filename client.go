// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"mellium.im/jabber/archive"
	"mellium.im/jabber/internal"
	"mellium.im/jabber/internal/ns"
	"mellium.im/jabber/jid"
	"mellium.im/jabber/roster"
)

// Default values used when the corresponding ClientConfig field is zero.
const (
	DefaultKeepAlive       = 10 * time.Second
	DefaultResourceLockTTL = 5 * time.Minute
)

// Errors returned by the Client.
var (
	ErrNotConnected = errors.New("jabber: no session attached")
	ErrClosed       = errors.New("jabber: client closed")
	ErrNoArchive    = errors.New("jabber: no transcript archive configured")
)

var errStreamClosed = errors.New("stream closed by server")

// ClientConfig configures a Client.
type ClientConfig struct {
	// KeepAlive is the interval between whitespace keep-alives.
	// A negative value disables them.
	KeepAlive time.Duration

	// ResourceLockTTL is how long messages to a contact are addressed to the
	// full JID of the last message received from them (RFC 6121 §5.1).
	ResourceLockTTL time.Duration

	// Archive stores transcripts.
	Archive archive.Sink

	// Presence sends initial presence on every attached session, including
	// sessions attached after a reconnection.
	Presence bool

	Logger *zerolog.Logger
}

// Client sends and receives stanzas over an attached session.
// Sessions may be replaced at any time with Attach; sends during the switch go
// to whichever session is current.
type Client struct {
	id      *Identity
	cfg     ClientConfig
	handler Handler
	log     zerolog.Logger
	thread  string
	locks   *cache.Cache

	mu     sync.RWMutex
	sess   *clientSession
	closed bool
	onLoss func(error)

	// ctx is canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

type clientSession struct {
	h      *SessionHandle
	cancel context.CancelFunc
	once   sync.Once
}

// NewClient returns a Client for id that delivers inbound stanzas to h.
// If h is nil inbound stanzas are dropped.
func NewClient(id *Identity, h Handler, cfg ClientConfig) *Client {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ResourceLockTTL <= 0 {
		cfg.ResourceLockTTL = DefaultResourceLockTTL
	}
	if h == nil {
		h = HandlerFuncs{}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:     ctx,
		cancel:  cancel,
		id:      id,
		cfg:     cfg,
		handler: h,
		log:     log.With().Str("component", "client").Str("jid", id.Address()).Logger(),
		thread:  internal.RandomID(internal.IDLen),
		locks:   cache.New(cfg.ResourceLockTTL, 2*cfg.ResourceLockTTL),
	}
}

// OnConnectionLost registers f to be called once for every attached session
// that fails.
// It is not called for sessions that were replaced or closed deliberately.
func (c *Client) OnConnectionLost(f func(error)) {
	c.mu.Lock()
	c.onLoss = f
	c.mu.Unlock()
}

// Attach makes h the current session and starts its inbound and keep-alive
// goroutines.
// Any previous session is closed.
// If the client is closed h is closed and ErrClosed is returned.
func (c *Client) Attach(h *SessionHandle) error {
	ctx, cancel := context.WithCancel(context.Background())
	s := &clientSession{h: h, cancel: cancel}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		/* #nosec */
		h.Close()
		return ErrClosed
	}
	old := c.sess
	c.sess = s
	c.mu.Unlock()

	if old != nil {
		c.end(old, nil)
	}
	c.log.Debug().Str("resource", h.Resource).Msg("session attached")

	go c.receive(s)
	if c.cfg.KeepAlive > 0 {
		go c.keepAlive(ctx, s)
	}
	if c.cfg.Presence {
		// A failed write is reported as a connection loss.
		if err := c.writeTo(s, presenceStanza()); err != nil {
			c.log.Debug().Err(err).Msg("sending initial presence failed")
		}
	}
	return nil
}

// Session returns the current session, or nil if none is attached.
func (c *Client) Session() *SessionHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.h
}

// end tears down s exactly once.
// If err is not nil and s is still the current session the loss handler is
// notified.
func (c *Client) end(s *clientSession, err error) {
	s.once.Do(func() {
		s.cancel()
		/* #nosec */
		s.h.Close()

		if err == nil {
			return
		}
		c.mu.RLock()
		report := c.sess == s && !c.closed
		onLoss := c.onLoss
		c.mu.RUnlock()
		if !report {
			return
		}
		c.log.Warn().Err(err).Msg("connection lost")
		if onLoss != nil {
			onLoss(err)
		}
	})
}

func (c *Client) current() (*clientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.sess == nil:
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

// writeTo serializes r and writes it to s with a single write.
func (c *Client) writeTo(s *clientSession, r xml.TokenReader) error {
	c.writeMu.Lock()
	err := send(s.h.Transport, r)
	c.writeMu.Unlock()
	if err != nil {
		c.end(s, err)
	}
	return err
}

func (c *Client) write(r xml.TokenReader) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.writeTo(s, r)
}

// SendMessage sends a chat message with body to the bare JID to, or to the
// full JID from which the contact last wrote.
func (c *Client) SendMessage(to, body string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.writeTo(s, messageStanza(
		internal.RandomID(internal.IDLen),
		s.h.JID.String(),
		c.route(to),
		s.h.Lang,
		body,
		c.thread,
	))
}

// SendPresence announces availability.
func (c *Client) SendPresence() error {
	return c.write(presenceStanza())
}

// SendRosterRequest asks the server for the roster.
// The result is delivered to the handler's HandleRoster method.
func (c *Client) SendRosterRequest() error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.writeTo(s, rosterRequest(internal.RandomID(internal.IDLen), s.h.JID.String()))
}

// SendKeepAlive writes a single space.
func (c *Client) SendKeepAlive() error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.keepAliveOnce(s)
}

func (c *Client) keepAliveOnce(s *clientSession) error {
	c.writeMu.Lock()
	_, err := s.h.Transport.Write([]byte{' '})
	c.writeMu.Unlock()
	if err != nil {
		c.end(s, err)
	}
	return err
}

// SendTranscript archives lines under the client's address.
func (c *Client) SendTranscript(ctx context.Context, lines []string) error {
	if c.cfg.Archive == nil {
		return ErrNoArchive
	}
	return c.cfg.Archive.ArchiveTranscript(ctx, c.id.Address(), lines)
}

// Close ends the stream and closes the current session.
// After Close every send returns ErrClosed and no reconnection is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	c.mu.Unlock()
	c.cancel()

	if s == nil {
		return nil
	}
	c.writeMu.Lock()
	_, err := s.h.Transport.Write([]byte(closeStream))
	c.writeMu.Unlock()
	c.end(s, nil)
	c.log.Debug().Msg("closed")
	return err
}

func (c *Client) route(to string) string {
	j, err := jid.Parse(to)
	if err != nil || j.Resourcepart() != "" {
		return to
	}
	if full, ok := c.locks.Get(j.Key()); ok {
		return full.(string)
	}
	return to
}

func (c *Client) lockResource(from string) {
	j, err := jid.Parse(from)
	if err != nil || j.Resourcepart() == "" {
		return
	}
	c.locks.SetDefault(j.Bare().Key(), from)
}

func (c *Client) keepAlive(ctx context.Context, s *clientSession) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.keepAliveOnce(s); err != nil {
				return
			}
		}
	}
}

func (c *Client) receive(s *clientSession) {
	var items roster.Roster
	for {
		ev, err := s.h.Parser.Next()
		if err != nil {
			c.end(s, err)
			return
		}
		switch ev := ev.(type) {
		case Message:
			if ev.Type == typeError {
				c.log.Debug().Str("from", ev.From).Msg("dropping error message")
				continue
			}
			c.lockResource(ev.From)
			c.handler.HandleMessage(ev)
		case RosterItem:
			items = append(items, ev.Item)
		case RosterEnd:
			snapshot := items
			items = nil
			c.handler.HandleRoster(snapshot)
			if ev.Type == typeSet {
				// Roster pushes must be acknowledged (RFC 6121 §2.1.6).
				/* #nosec */
				c.writeTo(s, iqStanza(ev.ID, typeResult, "", "", nil))
			}
		case Presence:
			c.handler.HandlePresence(ev)
		case IQ:
			c.handleIQ(s, ev)
		case StreamError:
			c.end(s, ev.Err)
			return
		case StreamEnd:
			c.end(s, errStreamClosed)
			return
		default:
			c.log.Debug().Str("event", ev.eventName()).Msg("dropping unhandled element")
		}
	}
}

func (c *Client) handleIQ(s *clientSession, iq IQ) {
	if iq.Type != typeGet && iq.Type != typeSet {
		return
	}
	if iq.Payload == (xml.Name{Space: ns.Ping, Local: "ping"}) && iq.Type == typeGet {
		/* #nosec */
		c.writeTo(s, iqStanza(iq.ID, typeResult, "", iq.From, nil))
		return
	}
	/* #nosec */
	c.writeTo(s, iqStanza(iq.ID, typeError, "", iq.From, serviceUnavailable()))
}
