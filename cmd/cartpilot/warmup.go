package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cartpilot/internal/browser"
	"cartpilot/internal/config"
	"cartpilot/internal/locale"
)

var (
	errWarmupAborted = errors.New("warmup aborted")
	errBrowserClosed = errors.New("browser closed before the session was saved")
)

func newWarmupCmd(a *app) *cobra.Command {
	var retailer, url string
	cmd := &cobra.Command{
		Use:   "warmup",
		Short: "Open a retailer profile in a visible browser to log in or clear a bot check by hand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, ok := a.cfg.Retailer(retailer)
			if !ok {
				return fmt.Errorf("unknown retailer %q (want jumbo or lider)", retailer)
			}
			if url == "" {
				url = rc.BaseURL
			}
			root, err := config.ResolveProfileRoot(a.cfg.Browser.ProfileDir)
			if err != nil {
				return err
			}
			dir := config.ProfileDir(root, rc.Name)
			return warmup(cmd.Context(), browser.NewManager(a.cfg.Browser, a.logger), dir, url, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger)
		},
	}
	cmd.Flags().StringVarP(&retailer, "retailer", "r", "", "jumbo or lider")
	cmd.Flags().StringVar(&url, "url", "", "page to open, defaults to the retailer home page")
	_ = cmd.MarkFlagRequired("retailer")
	return cmd
}

type sessionOpener interface {
	Open(ctx context.Context, opts browser.OpenOptions) (*browser.Session, error)
}

func warmup(ctx context.Context, opener sessionOpener, dir, url string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	fmt.Fprintf(out, locale.T("warmup.opening")+"\n", url, dir)

	sess, err := opener.Open(ctx, browser.OpenOptions{ProfileDir: dir, Headless: false})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to close browser", zap.Error(err))
		}
	}()

	if err := sess.Page().Navigate(ctx, url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	fmt.Fprintln(out)
	fmt.Fprint(out, locale.T("warmup.prompt"))
	switch err := awaitConfirmation(ctx, in, sess.Alive, 2*time.Second); {
	case errors.Is(err, errWarmupAborted):
		fmt.Fprintln(out)
		fmt.Fprintln(out, locale.T("warmup.aborted"))
		return err
	case errors.Is(err, errBrowserClosed):
		fmt.Fprintln(out)
		fmt.Fprintln(out, locale.T("warmup.browser_closed"))
		return err
	case err != nil:
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, locale.T("warmup.saved")+"\n", dir)
	return nil
}

// awaitConfirmation blocks until the user presses Enter (nil) or ESC
// (errWarmupAborted), the browser goes away, or ctx ends.
func awaitConfirmation(ctx context.Context, in io.Reader, alive func() bool, interval time.Duration) error {
	answer := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(in)
		for {
			b, err := reader.ReadByte()
			if err != nil {
				answer <- fmt.Errorf("failed to read input: %w", err)
				return
			}
			switch b {
			case '\n', '\r':
				answer <- nil
				return
			case 27:
				answer <- errWarmupAborted
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-answer:
			return err
		case <-ticker.C:
			if !alive() {
				return errBrowserClosed
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
