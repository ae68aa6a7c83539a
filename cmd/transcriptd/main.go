// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The transcriptd command stores chat transcripts sent by the jabber command.
//
// Usage:
//
//	transcriptd [-config file] [-listen addr] [-dir dir]
//
// Flags override the [archive] section of the configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"mellium.im/jabber/archive"
	"mellium.im/jabber/internal/config"
	"mellium.im/jabber/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves transcripts until ctx is done.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	flags := flag.NewFlagSet("transcriptd", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cfgPath := flags.String("config", "", "path to a TOML configuration file")
	listen := flags.String("listen", "", "address to listen on")
	dir := flags.String("dir", "", "directory transcripts are written to")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Archive.Listen = *listen
	}
	if *dir != "" {
		cfg.Archive.Dir = *dir
	}
	logger, closer, err := logging.New(cfg.Logging, "transcriptd", stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv := archive.NewServer(cfg.Archive.Listen, cfg.Archive.Dir, logger)
	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	srv.Stop()
	return nil
}
