// Package auth drives a store login form.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/challenge"
	"cartpilot/internal/config"
)

var (
	ErrAuthFailed         = errors.New("authentication failed")
	ErrMissingCredentials = errors.New("username and password are required")
)

type State int

const (
	NotStarted State = iota
	AtLoginPage
	CredentialsFilled
	Submitted
	LoggedIn
	StillOnLoginPage
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case AtLoginPage:
		return "at_login_page"
	case CredentialsFilled:
		return "credentials_filled"
	case Submitted:
		return "submitted"
	case LoggedIn:
		return "logged_in"
	case StillOnLoginPage:
		return "still_on_login_page"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// Or fills missing fields from fallback.
func (c Credentials) Or(fallback Credentials) Credentials {
	if c.Username == "" {
		c.Username = fallback.Username
	}
	if c.Password == "" {
		c.Password = fallback.Password
	}
	return c
}

type Result struct {
	Success              bool   `json:"success"`
	State                string `json:"state"`
	Message              string `json:"message,omitempty"`
	FinalURL             string `json:"finalUrl"`
	AlreadyAuthenticated bool   `json:"alreadyAuthenticated,omitempty"`
}

type Driver struct {
	cfg    config.RetailerConfig
	guard  *challenge.Guard
	logger *zap.Logger

	fieldTimeout    time.Duration
	redirectTimeout time.Duration
	pollInterval    time.Duration
}

func NewDriver(cfg config.RetailerConfig, guard *challenge.Guard, logger *zap.Logger) *Driver {
	return &Driver{
		cfg:             cfg,
		guard:           guard,
		logger:          logger.Named("auth").With(zap.String("retailer", cfg.Name)),
		fieldTimeout:    5 * time.Second,
		redirectTimeout: cfg.StepTimeout(),
		pollInterval:    250 * time.Millisecond,
	}
}

// Login walks the login form. A form that is not there, or stops partway,
// is taken as an existing session, so calling Login twice is safe.
func (d *Driver) Login(ctx context.Context, page browser.Page, creds Credentials) (Result, error) {
	sel := d.cfg.Selectors
	who := Redact(creds.Username)
	state := NotStarted

	if err := d.navigate(ctx, page, d.cfg.LoginURL); err != nil {
		return d.result(ctx, page, state, false, err.Error()), fmt.Errorf("failed to open login page: %w", err)
	}
	state = AtLoginPage
	if d.guard != nil {
		d.guard.DismissConsent(ctx, page)
	}

	if err := page.WaitVisible(ctx, sel.LoginEmail, d.fieldTimeout); err != nil {
		return d.alreadyAuthenticated(ctx, page, "email field")
	}
	if creds.Empty() {
		return d.result(ctx, page, state, false, ErrMissingCredentials.Error()), ErrMissingCredentials
	}
	if err := page.Input(ctx, sel.LoginEmail, creds.Username); err != nil {
		return d.result(ctx, page, state, false, err.Error()), fmt.Errorf("failed to fill email: %w", err)
	}

	// Two-step forms ask for the email first.
	if sel.LoginContinue != "" && page.Visible(ctx, sel.LoginContinue) {
		if err := page.Click(ctx, sel.LoginContinue); err != nil {
			d.logger.Debug("Continue button click failed", zap.Error(err))
		}
	}

	if err := page.WaitVisible(ctx, sel.LoginPassword, d.fieldTimeout); err != nil {
		return d.alreadyAuthenticated(ctx, page, "password field")
	}
	if err := page.Input(ctx, sel.LoginPassword, creds.Password); err != nil {
		return d.result(ctx, page, state, false, err.Error()), fmt.Errorf("failed to fill password: %w", err)
	}
	state = CredentialsFilled

	if err := page.WaitVisible(ctx, sel.LoginSubmit, d.fieldTimeout); err != nil {
		return d.alreadyAuthenticated(ctx, page, "submit button")
	}
	if err := page.Click(ctx, sel.LoginSubmit); err != nil {
		return d.result(ctx, page, state, false, err.Error()), fmt.Errorf("failed to submit login form: %w", err)
	}
	state = Submitted
	d.logger.Info("Login submitted", zap.String("user", who))

	finalURL := d.waitForRedirect(ctx, page)
	if d.onLoginPage(finalURL) {
		state = StillOnLoginPage
		msg := fmt.Sprintf("login for %s did not leave the login page", who)
		d.logger.Warn("Login failed", zap.String("user", who), zap.String("url", finalURL))
		return Result{Success: false, State: state.String(), Message: msg, FinalURL: finalURL},
			fmt.Errorf("%w: %s", ErrAuthFailed, msg)
	}

	state = LoggedIn
	d.logger.Info("Logged in", zap.String("user", who), zap.String("url", finalURL))
	return Result{Success: true, State: state.String(), Message: "logged in", FinalURL: finalURL}, nil
}

func (d *Driver) navigate(ctx context.Context, page browser.Page, target string) error {
	if d.guard != nil {
		return d.guard.Navigate(ctx, page, target)
	}
	return page.Navigate(ctx, target)
}

func (d *Driver) alreadyAuthenticated(ctx context.Context, page browser.Page, missing string) (Result, error) {
	d.logger.Info("Login form incomplete, assuming existing session", zap.String("missing", missing))
	res := d.result(ctx, page, LoggedIn, true, "already logged in")
	res.AlreadyAuthenticated = true
	return res, nil
}

func (d *Driver) result(ctx context.Context, page browser.Page, state State, success bool, msg string) Result {
	current, _ := page.URL(ctx)
	return Result{Success: success, State: state.String(), Message: msg, FinalURL: current}
}

// waitForRedirect returns the URL once it leaves the login path, or the last
// URL seen when the wait runs out.
func (d *Driver) waitForRedirect(ctx context.Context, page browser.Page) string {
	ctx, cancel := context.WithTimeout(ctx, d.redirectTimeout)
	defer cancel()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	last := ""
	for {
		if current, err := page.URL(ctx); err == nil {
			last = current
			if !d.onLoginPage(current) {
				return current
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}

func (d *Driver) onLoginPage(rawURL string) bool {
	return d.cfg.LoginPath != "" && strings.Contains(rawURL, d.cfg.LoginPath)
}

// Redact keeps the first two characters of an identifier and its email
// domain: "juan.perez@mail.cl" becomes "ju*******@mail.cl". The mask has a
// fixed width so the length is not revealed either.
func Redact(identifier string) string {
	const mask = "*******"
	local, domain, isEmail := strings.Cut(identifier, "@")

	prefix := ""
	if r := []rune(local); len(r) > 2 {
		prefix = string(r[:2])
	}
	if isEmail {
		return prefix + mask + "@" + domain
	}
	return prefix + mask
}
