// Package storefront composes the profile lock, the browser session and the
// page drivers into the per-retailer workflows served over HTTP.
package storefront

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/config"
	"cartpilot/internal/profilelock"
)

// ErrInvalidRequest marks caller mistakes; the HTTP layer answers 400.
var ErrInvalidRequest = errors.New("invalid request")

// Opener starts a browser on a profile directory. *browser.Manager is the
// production implementation.
type Opener interface {
	Open(ctx context.Context, opts browser.OpenOptions) (*browser.Session, error)
}

type Deps struct {
	Config      *config.Config
	ProfileRoot string
	Locker      *profilelock.Locker
	Opener      Opener
	Logger      *zap.Logger
}

type sessionOptions struct {
	Headless bool
	KeepOpen bool
}

// sessions runs work against one retailer profile, one caller at a time.
type sessions struct {
	dir            string
	locker         *profilelock.Locker
	opener         Opener
	acquireTimeout time.Duration
	keepOpenFor    time.Duration
	logger         *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	lingers  sync.WaitGroup
}

func newSessions(deps Deps, retailer string) *sessions {
	return &sessions{
		dir:            config.ProfileDir(deps.ProfileRoot, retailer),
		locker:         deps.Locker,
		opener:         deps.Opener,
		acquireTimeout: deps.Config.Lock.AcquireTimeout(),
		keepOpenFor:    deps.Config.Browser.KeepOpen(),
		logger:         deps.Logger.Named("session").With(zap.String("retailer", retailer)),
		stop:           make(chan struct{}),
	}
}

// with locks the profile, opens a browser on it, runs fn and tears down in
// reverse order. Close errors are logged and never replace fn's error. With
// KeepOpen and a successful fn, the browser stays up (and the profile
// locked) for keepOpenFor after with returns.
func (s *sessions) with(ctx context.Context, opts sessionOptions, fn func(ctx context.Context, page browser.Page) error) error {
	acquireCtx := ctx
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}
	if err := s.locker.Acquire(acquireCtx, s.dir); err != nil {
		return err
	}

	handedOff := false
	defer func() {
		if !handedOff {
			s.locker.Release(s.dir)
		}
	}()

	sess, err := s.opener.Open(ctx, browser.OpenOptions{ProfileDir: s.dir, Headless: opts.Headless})
	if err != nil {
		return err
	}
	defer func() {
		if !handedOff {
			s.closeQuietly(sess)
		}
	}()

	if err := fn(ctx, sess.Page()); err != nil {
		return err
	}

	if opts.KeepOpen && s.keepOpenFor > 0 {
		handedOff = true
		s.lingers.Add(1)
		go s.linger(sess)
	}
	return nil
}

func (s *sessions) linger(sess *browser.Session) {
	defer s.lingers.Done()
	defer s.locker.Release(s.dir)
	defer s.closeQuietly(sess)

	s.logger.Info("Keeping browser open", zap.Duration("for", s.keepOpenFor))
	timer := time.NewTimer(s.keepOpenFor)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stop:
	}
}

func (s *sessions) closeQuietly(sess *browser.Session) {
	if err := sess.Close(); err != nil {
		s.logger.Warn("Browser close failed", zap.Error(err))
	}
}

// shutdown closes browsers kept open and waits for them.
func (s *sessions) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.lingers.Wait()
}

func headless(requested *bool, fallback bool) bool {
	if requested != nil {
		return *requested
	}
	return fallback
}
