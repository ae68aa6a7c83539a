// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"mellium.im/jabber/internal"
	"mellium.im/jabber/internal/ns"
	"mellium.im/jabber/internal/saslerr"
	"mellium.im/jabber/jid"
)

// Negotiator establishes sessions.
// A single Negotiator may be used for any number of sequential or concurrent
// negotiations; all per-negotiation state is local to the call.
type Negotiator struct {
	cfg Config
	log zerolog.Logger
}

// NewNegotiator returns a Negotiator that uses cfg.
// Empty fields of cfg are replaced by their defaults.
func NewNegotiator(cfg Config) *Negotiator {
	cfg = cfg.withDefaults()
	return &Negotiator{
		cfg: cfg,
		log: cfg.logger().With().Str("component", "negotiator").Logger(),
	}
}

// negotiation is the state of one call to Negotiate.
type negotiation struct {
	cfg Config
	log zerolog.Logger
	id  *Identity
	t   *Transport
	p   *Parser

	state         ConnectionState
	streamID      string
	mechanisms    []string
	auth          *Authenticator
	mechanism     string
	bindID        string
	opens         int
	secure        bool
	authenticated bool
}

// Negotiate dials the server of id and negotiates a session.
// On success the resource assigned by the server is stored on id.
// Cancelling ctx closes the connection and causes Negotiate to return.
// Errors are of type *NegotiationError.
func (n *Negotiator) Negotiate(ctx context.Context, id *Identity) (*SessionHandle, error) {
	neg := &negotiation{
		cfg:   n.cfg,
		log:   n.log.With().Str("jid", id.Address()).Logger(),
		id:    id,
		state: Disconnected,
	}

	t, err := Dial(ctx, id.Host(), id.Port(), &n.cfg)
	if err != nil {
		kind := ErrTransport
		if errors.Is(err, ErrTimeout) {
			kind = ErrTimeout
		}
		return nil, neg.fail(kind, err)
	}
	neg.t = t
	neg.log.Debug().Str("addr", t.RemoteAddr().String()).Msg("connected")

	stop := context.AfterFunc(ctx, func() {
		/* #nosec */
		t.Close()
	})
	h, err := neg.run(ctx)
	if !stop() && err == nil {
		// ctx was cancelled after the last read and the transport is gone.
		err = neg.fail(ErrTransport, ctx.Err())
	}
	if err != nil {
		/* #nosec */
		t.Close()
		neg.log.Debug().Err(err).Msg("negotiation failed")
		return nil, err
	}
	neg.log.Info().
		Str("resource", h.Resource).
		Str("mechanism", h.Mechanism).
		Bool("secure", h.Secure).
		Msg("session established")
	return h, nil
}

func (neg *negotiation) fail(kind, err error) error {
	state := neg.state
	neg.state = Failed
	return &NegotiationError{
		State:     state,
		Kind:      kind,
		Mechanism: neg.mechanism,
		Err:       err,
	}
}

func (neg *negotiation) readErr(ctx context.Context, err error) error {
	var synErr *xml.SyntaxError
	switch {
	case ctx.Err() != nil:
		return neg.fail(ErrTransport, ctx.Err())
	case errors.Is(err, ErrTimeout):
		return neg.fail(ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, ErrTransport):
		return neg.fail(ErrTransport, err)
	case errors.As(err, &synErr) && synErr.Msg == "unexpected EOF":
		return neg.fail(ErrTransport, err)
	}
	return neg.fail(ErrProtocol, err)
}

// restart sends a new stream header and replaces the parser.
func (neg *negotiation) restart() error {
	if err := writeStreamHeader(neg.t, neg.id.Address(), neg.id.Domain(), neg.cfg.Lang); err != nil {
		return neg.fail(ErrTransport, err)
	}
	neg.opens++
	neg.p = newParser(neg.t)
	neg.state = StreamOpened
	neg.log.Debug().Int("opens", neg.opens).Msg("stream opened")
	return nil
}

func (neg *negotiation) send(r xml.TokenReader) error {
	if err := send(neg.t, r); err != nil {
		return neg.fail(ErrTransport, err)
	}
	return nil
}

func (neg *negotiation) run(ctx context.Context) (*SessionHandle, error) {
	neg.t.SetReadTimeout(neg.cfg.ReadTimeout)
	if err := neg.restart(); err != nil {
		return nil, err
	}

	for {
		ev, err := neg.p.Next()
		if err != nil {
			return nil, neg.readErr(ctx, err)
		}
		neg.log.Trace().Str("event", ev.eventName()).Stringer("state", neg.state).Msg("read")

		switch ev := ev.(type) {
		case StreamOpen:
			if ev.ID != "" {
				neg.streamID = ev.ID
			}
		case Features:
			if err := neg.features(ev); err != nil {
				return nil, err
			}
		case Proceed:
			if err := neg.startTLS(ctx); err != nil {
				return nil, err
			}
		case AuthChallenge:
			if err := neg.challenge(ev); err != nil {
				return nil, err
			}
		case AuthSuccess:
			if err := neg.success(ev); err != nil {
				return nil, err
			}
		case Failure:
			return nil, neg.failure(ev)
		case BindResult:
			return neg.bound(ev)
		case IQ:
			if neg.bindID != "" && ev.ID == neg.bindID && ev.Type == typeError {
				return nil, neg.fail(ErrProtocol, errors.New("resource binding rejected"))
			}
		case StreamError:
			return nil, neg.fail(ErrProtocol, ev.Err)
		case StreamEnd:
			return nil, neg.fail(ErrTransport, errors.New("stream closed by server"))
		}
	}
}

// features handles one <stream:features/> element.
// At most one feature is negotiated per element.
func (neg *negotiation) features(ev Features) error {
	if ev.Mechanisms != nil {
		neg.mechanisms = ev.Mechanisms
	}

	switch {
	case ev.StartTLS && !neg.secure:
		neg.state = NegotiatingTLS
		return neg.send(startTLS())
	case !neg.secure && (neg.cfg.RequireTLS || ev.TLSRequired):
		neg.state = NegotiatingTLS
		return neg.fail(ErrTLSFailure, errors.New("server does not offer STARTTLS"))
	case !neg.authenticated:
		neg.state = Authenticating
		return neg.authenticate()
	case ev.Bind:
		neg.state = BindingResource
		neg.bindID = neg.streamID
		if neg.bindID == "" {
			neg.bindID = internal.RandomID(internal.IDLen)
		}
		return neg.send(iqStanza(neg.bindID, typeSet, "", "", bindPayload(neg.cfg.Resource)))
	}
	return neg.fail(ErrProtocol, errors.New("server did not offer resource binding"))
}

func (neg *negotiation) startTLS(ctx context.Context) error {
	neg.state = NegotiatingTLS
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if neg.cfg.TLSConfig != nil {
		cfg = neg.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = neg.id.Domain()
	}

	ctx, cancel := context.WithTimeout(ctx, neg.cfg.ReadTimeout)
	defer cancel()
	if err := neg.t.StartTLS(ctx, cfg); err != nil {
		return neg.fail(ErrTLSFailure, err)
	}
	neg.secure = true
	neg.log.Debug().Msg("TLS established")
	return neg.restart()
}

func (neg *negotiation) authenticate() error {
	if len(neg.mechanisms) == 0 {
		return neg.fail(ErrNoCompatibleMechanism, errors.New("server offered no mechanisms"))
	}
	var tlsState *tls.ConnectionState
	if cs, ok := neg.t.ConnectionState(); ok {
		tlsState = &cs
	}
	auth, err := NewAuthenticator(neg.cfg.Mechanisms, neg.id, tlsState)
	if err != nil {
		return neg.fail(ErrNoCompatibleMechanism, err)
	}
	name, err := auth.SelectMechanism(neg.mechanisms)
	if err != nil {
		return neg.fail(ErrNoCompatibleMechanism, err)
	}
	neg.auth = auth
	neg.mechanism = name
	resp, ok, err := auth.InitialResponse()
	if err != nil {
		return neg.fail(ErrAuthentication, err)
	}
	neg.log.Debug().Str("mechanism", name).Msg("authenticating")
	return neg.send(saslAuth(name, resp, ok))
}

func (neg *negotiation) challenge(ev AuthChallenge) error {
	if neg.auth == nil {
		return neg.fail(ErrProtocol, errors.New("unexpected SASL challenge"))
	}
	data, err := decodeSASL(ev.Data)
	if err != nil {
		return neg.fail(ErrEncoding, err)
	}
	resp, err := neg.auth.Respond(data)
	if err != nil {
		return neg.fail(ErrAuthentication, err)
	}
	return neg.send(saslResponse(resp))
}

func (neg *negotiation) success(ev AuthSuccess) error {
	if neg.auth == nil {
		return neg.fail(ErrProtocol, errors.New("unexpected SASL success"))
	}
	data, err := decodeSASL(ev.Data)
	if err != nil {
		return neg.fail(ErrEncoding, err)
	}
	if err := neg.auth.Verify(data); err != nil {
		return neg.fail(ErrAuthentication, err)
	}
	neg.authenticated = true
	neg.auth = nil
	return neg.restart()
}

func (neg *negotiation) failure(ev Failure) error {
	var kind error
	switch ev.Namespace {
	case ns.SASL:
		kind = ErrAuthentication
	case ns.StartTLS:
		kind = ErrTLSFailure
	default:
		kind = ErrUnknownFailure
	}
	err := neg.fail(kind, saslerr.Failure{
		Condition: saslerr.Condition(ev.Condition),
		Text:      ev.Text,
	})
	err.(*NegotiationError).Namespace = ev.Namespace
	return err
}

func (neg *negotiation) bound(ev BindResult) (*SessionHandle, error) {
	if ev.Type == typeError {
		return nil, neg.fail(ErrProtocol, errors.New("resource binding rejected"))
	}
	_, resource, err := jid.SplitResource(ev.JID)
	if err != nil {
		return nil, neg.fail(ErrProtocol, fmt.Errorf("bad bind result %q: %w", ev.JID, err))
	}
	full, err := jid.Parse(ev.JID)
	if err != nil {
		return nil, neg.fail(ErrProtocol, fmt.Errorf("bad bind result %q: %w", ev.JID, err))
	}
	neg.id.setResource(resource)
	neg.t.SetReadTimeout(neg.cfg.IdleTimeout)
	neg.state = Established

	return &SessionHandle{
		Transport:   neg.t,
		Parser:      neg.p,
		StreamID:    neg.streamID,
		Resource:    resource,
		JID:         full,
		Lang:        neg.cfg.Lang,
		Secure:      neg.secure,
		Mechanism:   neg.mechanism,
		StreamOpens: neg.opens,
	}, nil
}
