// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Default values used when the corresponding SupervisorConfig field is zero.
const (
	DefaultBackoffBase = 5 * time.Second
	DefaultMaxAttempts = 10
)

// ErrSupervisorClosed is returned by reconnections that were stopped by Close.
var ErrSupervisorClosed = errors.New("jabber: supervisor closed")

// maxShift keeps 1<<attempt from overflowing.
const maxShift = 30

const reconnectKey = "reconnect"

// Backoff returns a random wait before reconnection attempt number attempt
// (counting from zero):
//
//	rand[0, min(2^attempt, maxAttempts)-1] * base
//
// A maxAttempts below 1 is treated as 1.
func Backoff(attempt, maxAttempts int, base time.Duration) time.Duration {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	ceiling := min(int64(1)<<attempt, int64(maxAttempts))
	return time.Duration(rand.Int64N(ceiling)) * base
}

// Progress describes one reconnection attempt.
type Progress struct {
	// Attempt counts from zero.
	Attempt int
	Wait    time.Duration

	// Cause is the error that started the reconnection.
	Cause error

	// Err is the result of the previous attempt, if any.
	Err error
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Base is multiplied by the random backoff factor.
	Base time.Duration

	// MaxAttempts caps the backoff factor and, unless Forever is set, the
	// number of attempts.
	MaxAttempts int

	// Forever keeps retrying after MaxAttempts with the backoff capped.
	Forever bool

	// Notify is called before every attempt.
	Notify func(Progress)

	Logger *zerolog.Logger
}

// Supervisor re-establishes the session of a Client when it is lost.
type Supervisor struct {
	n   *Negotiator
	id  *Identity
	c   *Client
	cfg SupervisorConfig
	log zerolog.Logger

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewSupervisor returns a Supervisor that negotiates sessions for id with n
// and attaches them to c.
// It registers itself as c's connection loss handler.
func NewSupervisor(n *Negotiator, id *Identity, c *Client, cfg SupervisorConfig) *Supervisor {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		n:      n,
		id:     id,
		c:      c,
		cfg:    cfg,
		log:    log.With().Str("component", "supervisor").Str("jid", id.Address()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.OnConnectionLost(func(err error) {
		s.Reconnect(err)
	})
	return s
}

// Connect negotiates the first session and attaches it.
// It does not retry; callers fall back to Reconnect on failure.
func (s *Supervisor) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	stopClient := context.AfterFunc(s.c.ctx, cancel)
	defer stopClient()

	h, err := s.n.Negotiate(ctx, s.id)
	if err != nil {
		return err
	}
	return s.attach(h)
}

// Reconnect starts a reconnection loop unless one is already running, in which
// case the returned channel receives the result of the running loop.
// The channel receives nil once a new session is attached.
// If the supervisor or the client is closed the channel receives
// ErrSupervisorClosed or ErrClosed.
func (s *Supervisor) Reconnect(cause error) <-chan error {
	out := make(chan error, 1)
	if err := s.stopped(); err != nil {
		out <- err
		close(out)
		return out
	}
	ch := s.group.DoChan(reconnectKey, func() (interface{}, error) {
		return nil, s.loop(cause)
	})
	go func() {
		res := <-ch
		out <- res.Err
		close(out)
	}()
	return out
}

// stopped returns the reason no session may be attached anymore, or nil.
func (s *Supervisor) stopped() error {
	switch {
	case s.ctx.Err() != nil:
		return ErrSupervisorClosed
	case s.c.ctx.Err() != nil:
		return ErrClosed
	}
	return nil
}

func (s *Supervisor) loop(cause error) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(s.c.ctx, cancel)
	defer stop()

	s.log.Warn().Err(cause).Msg("reconnecting")
	var last error
	for attempt := 0; ; attempt++ {
		if !s.cfg.Forever && attempt >= s.cfg.MaxAttempts {
			s.log.Error().Err(last).Int("attempts", attempt).Msg("giving up")
			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, last)
		}

		wait := Backoff(attempt, s.cfg.MaxAttempts, s.cfg.Base)
		s.log.Info().Int("attempt", attempt).Dur("wait", wait).Msg("waiting to reconnect")
		if s.cfg.Notify != nil {
			s.cfg.Notify(Progress{Attempt: attempt, Wait: wait, Cause: cause, Err: last})
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.stopped()
		case <-timer.C:
		}

		h, err := s.n.Negotiate(ctx, s.id)
		if err != nil {
			if ctx.Err() != nil {
				return s.stopped()
			}
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")
			last = err
			continue
		}
		// The new session may fail as soon as it is attached, so its loss must
		// start a new loop instead of joining this one.
		s.group.Forget(reconnectKey)
		if err := s.attach(h); err != nil {
			return err
		}
		s.log.Info().Int("attempt", attempt).Msg("reconnected")
		return nil
	}
}

func (s *Supervisor) attach(h *SessionHandle) error {
	if err := s.stopped(); err != nil {
		/* #nosec */
		h.Close()
		return err
	}
	return s.c.Attach(h)
}

// Close stops any running reconnection loop and prevents new ones.
// It does not close the Client.
func (s *Supervisor) Close() error {
	s.once.Do(s.cancel)
	return nil
}
