// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
)

// Default values used when the corresponding Config field is left empty.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 30 * time.Second
)

// DefaultMechanisms is the order in which SASL mechanisms are preferred when
// Config.Mechanisms is empty.
// Channel binding variants are only selected on secure connections.
var DefaultMechanisms = []string{
	"SCRAM-SHA-256-PLUS",
	"SCRAM-SHA-1-PLUS",
	"SCRAM-SHA-256",
	"SCRAM-SHA-1",
	"PLAIN",
}

// Config represents the configuration of session negotiation.
type Config struct {
	// The default language for any streams constructed using this config.
	// Defaults to English.
	Lang language.Tag

	// TLSConfig is used for STARTTLS.
	// If ServerName is empty the domain of the identity is used.
	TLSConfig *tls.Config

	// RequireTLS fails negotiation if the server does not offer STARTTLS.
	RequireTLS bool

	// Mechanisms lists the SASL mechanisms to use in order of preference.
	Mechanisms []string

	// Resource is requested when binding.
	// If empty the server generates one.
	Resource string

	// ConnectTimeout bounds dialing the server.
	ConnectTimeout time.Duration

	// ReadTimeout bounds every read during negotiation.
	ReadTimeout time.Duration

	// IdleTimeout is the read deadline applied once the session is established.
	// Zero disables the deadline.
	IdleTimeout time.Duration

	// Proxy is the address of a SOCKS5 proxy to dial through, if any.
	Proxy string

	// Dial overrides how the TCP connection is made.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Logger receives negotiation and session events.
	// If nil nothing is logged.
	Logger *zerolog.Logger
}

func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

func (c Config) withDefaults() Config {
	if c.Lang == language.Und {
		c.Lang = language.English
	}
	if len(c.Mechanisms) == 0 {
		c.Mechanisms = DefaultMechanisms
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}
