package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cartpilot/internal/config"
)

// ErrProfileInUse means another Chrome process holds the profile directory.
var ErrProfileInUse = errors.New("browser profile is in use by another process")

// singletonArtifacts are the files Chromium uses to claim a profile. A crashed
// browser leaves them behind and the next launch refuses the directory.
var singletonArtifacts = []string{"SingletonLock", "SingletonSocket", "SingletonCookie", "lockfile"}

type OpenOptions struct {
	ProfileDir string
	Headless   bool
}

// Session is one browser bound to one on-disk profile.
type Session struct {
	page    Page
	closeFn func() error
	aliveFn func() bool

	closeOnce sync.Once
	closeErr  error
}

// NewSession assembles a session from its parts. closeFn and aliveFn may be
// nil.
func NewSession(page Page, closeFn func() error, aliveFn func() bool) *Session {
	return &Session{page: page, closeFn: closeFn, aliveFn: aliveFn}
}

func (s *Session) Page() Page {
	return s.page
}

// Close shuts the browser down. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

func (s *Session) Alive() bool {
	if s.aliveFn == nil {
		return true
	}
	return s.aliveFn()
}

type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger.Named("browser")}
}

// Open launches Chrome on opts.ProfileDir and returns a session with a single
// stealth page configured for the store locale.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	if opts.ProfileDir == "" {
		return nil, errors.New("profile dir is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.ProfileDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}

	removed, err := CleanStaleLocks(opts.ProfileDir)
	if err != nil {
		m.logger.Warn("Failed to clean stale profile locks", zap.String("profile", opts.ProfileDir), zap.Error(err))
	} else if len(removed) > 0 {
		m.logger.Info("Removed stale profile locks", zap.String("profile", opts.ProfileDir), zap.Strings("files", removed))
	}

	// Leakless deadlocks on Windows, see go-rod/rod#853.
	l := launcher.New().
		Leakless(runtime.GOOS != "windows").
		Headless(opts.Headless).
		UserDataDir(opts.ProfileDir).
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", fmt.Sprintf("%d,%d", m.cfg.ViewportWidth, m.cfg.ViewportHeight))
	if m.cfg.Locale != "" {
		l = l.Set("lang", m.cfg.Locale)
	}

	if m.cfg.BinPath != "" {
		l = l.Bin(m.cfg.BinPath)
	} else if path, ok := launcher.LookPath(); ok {
		l = l.Bin(path)
		m.logger.Debug("Using system Chrome", zap.String("bin", path))
	}

	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		if isProfileInUse(err) {
			return nil, fmt.Errorf("%w: %s", ErrProfileInUse, opts.ProfileDir)
		}
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if err := m.configurePage(page); err != nil {
		m.logger.Warn("Page configuration incomplete", zap.Error(err))
	}

	m.logger.Info("Browser session opened", zap.String("profile", opts.ProfileDir), zap.Bool("headless", opts.Headless))

	closeFn := func() error {
		// launcher.Cleanup is deliberately not used: it deletes the
		// user-data-dir, which is the persistent profile.
		err := multierr.Combine(page.Close(), b.Close())
		l.Kill()
		return err
	}
	aliveFn := func() bool {
		if _, err := b.Version(); err != nil {
			return false
		}
		_, err := page.Info()
		return err == nil
	}
	return NewSession(NewRodPage(page), closeFn, aliveFn), nil
}

func (m *Manager) configurePage(page *rod.Page) error {
	var errs error

	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		errs = multierr.Append(errs, page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             m.cfg.ViewportWidth,
			Height:            m.cfg.ViewportHeight,
			DeviceScaleFactor: 1,
		}))
	}
	if m.cfg.UserAgent != "" {
		errs = multierr.Append(errs, page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      m.cfg.UserAgent,
			AcceptLanguage: m.cfg.AcceptLanguage,
		}))
	}
	if m.cfg.AcceptLanguage != "" {
		_, err := page.SetExtraHeaders([]string{"Accept-Language", m.cfg.AcceptLanguage})
		errs = multierr.Append(errs, err)
	}
	if m.cfg.Timezone != "" {
		errs = multierr.Append(errs, proto.EmulationSetTimezoneOverride{TimezoneID: m.cfg.Timezone}.Call(page))
	}
	return errs
}

// CleanStaleLocks removes Chromium singleton files from dir and returns the
// names it deleted. Missing files are not an error.
func CleanStaleLocks(dir string) ([]string, error) {
	var removed []string
	var errs error
	for _, name := range singletonArtifacts {
		path := filepath.Join(dir, name)
		// SingletonLock is usually a dangling symlink, so Lstat rather than Stat.
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, errs
}

func isProfileInUse(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Opening in existing browser session") ||
		strings.Contains(msg, "ProcessSingleton") ||
		strings.Contains(msg, "SingletonLock") ||
		strings.Contains(msg, "profile appears to be in use")
}
