// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The jabber command is a line oriented chat client.
//
// Usage:
//
//	jabber [-config file] jid password server port [jid password server port]...
//
// Every account is connected and kept connected, commands typed at the prompt
// act on the first one.
// For more information try running the command and typing "@help" at the
// prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mellium.im/jabber"
	"mellium.im/jabber/archive"
	"mellium.im/jabber/internal/config"
	"mellium.im/jabber/internal/logging"
)

var errUsage = errors.New("usage: jabber [-config file] jid password server port [jid password server port]...")

type account struct {
	id     *jabber.Identity
	client *jabber.Client
	sup    *jabber.Supervisor
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("jabber", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cfgPath := flags.String("config", "", "path to a TOML configuration file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ids, err := parseAccounts(flags.Args())
	if err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Logging, "jabber", stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	sink, err := newSink(cfg.Archive)
	if err != nil {
		return err
	}
	jcfg, err := cfg.Jabber(&logger)
	if err != nil {
		return err
	}
	negotiator := jabber.NewNegotiator(jcfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cons := newConsole(stdout, ids[0].Address())
	accounts := make([]account, 0, len(ids))
	for i, id := range ids {
		c := jabber.NewClient(id, cons.handler(id.Address(), i == 0), cfg.Client(sink, &logger))
		notify := func(p jabber.Progress) {
			cons.printf("%s", progressMessage(id.Address(), p))
		}
		accounts = append(accounts, account{
			id:     id,
			client: c,
			sup:    jabber.NewSupervisor(negotiator, id, c, cfg.Supervisor(notify, &logger)),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range accounts {
		g.Go(func() error {
			connect(gctx, a, cons, logger)
			return nil
		})
	}

	// Reading stdin cannot be interrupted, so an interrupt does not wait for
	// the command loop.
	replErr := make(chan error, 1)
	go func() {
		replErr <- repl(ctx, stdin, cons, accounts[0].client)
	}()
	select {
	case err = <-replErr:
	case <-ctx.Done():
	}
	stop()
	for _, a := range accounts {
		/* #nosec */
		a.sup.Close()
		/* #nosec */
		a.client.Close()
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	cons.printf("Exited. Hope you had fun!\n")
	return err
}

// connect establishes the first session of a, falling back to the
// reconnection loop if that fails.
func connect(ctx context.Context, a account, cons *console, logger zerolog.Logger) {
	err := a.sup.Connect(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("jid", a.id.Address()).Msg("connection failed")
		select {
		case err = <-a.sup.Reconnect(err):
		case <-ctx.Done():
			return
		}
	}
	if err != nil {
		if !errors.Is(err, jabber.ErrSupervisorClosed) && !errors.Is(err, jabber.ErrClosed) {
			cons.printf("Giving up on %s: %v\n", a.id.Address(), err)
		}
		return
	}
	cons.printf("\nWelcome %s !\n%s", a.id.FullAddress(), prompt)
}

// progressMessage describes a reconnection attempt for the user.
func progressMessage(addr string, p jabber.Progress) string {
	msg := fmt.Sprintf("Reconnecting %s (attempt %d) in %s\n", addr, p.Attempt+1, p.Wait)
	if p.Err != nil {
		msg = fmt.Sprintf("Reconnection of %s failed: %v\n", addr, p.Err) + msg
	}
	return msg
}

// parseAccounts converts groups of four arguments into identities.
func parseAccounts(args []string) ([]*jabber.Identity, error) {
	if len(args) < 4 || len(args)%4 != 0 {
		return nil, errUsage
	}
	ids := make([]*jabber.Identity, 0, len(args)/4)
	for i := 0; i < len(args); i += 4 {
		port, err := strconv.Atoi(args[i+3])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", args[i+3], jabber.ErrInvalidPort)
		}
		id, err := jabber.NewIdentity(args[i], args[i+1], args[i+2], port)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newSink(cfg config.ArchiveConfig) (archive.Sink, error) {
	switch cfg.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		return archive.NewRedisSink(client, cfg.RedisTTL), nil
	case config.BackendTCP:
		return archive.TCPSink{Addr: cfg.Addr}, nil
	}
	return nil, fmt.Errorf("%w: archive.backend %q", config.ErrInvalid, cfg.Backend)
}
