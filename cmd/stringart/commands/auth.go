package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/stringart-drive/internal/app"
	"github.com/florianilch/stringart-drive/internal/identity"
	"github.com/florianilch/stringart-drive/internal/observability"
	"github.com/florianilch/stringart-drive/internal/session"
)

// identityWait bounds how long login waits for the profile before printing status.
const identityWait = 5 * time.Second

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in with Google",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "silent",
				Usage: "only renew with the stored grant, never show a consent page",
			},
			&cli.BoolFlag{
				Name:  "no-browser",
				Usage: "print the consent URL instead of opening a browser",
			},
		},
		Action: loginAction,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "sign out and revoke the token",
		Action: logoutAction,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "print the stored session as JSON",
		Action: statusAction,
	}
}

// withSession loads config, opens the session and runs fn with a restored manager.
func withSession(ctx context.Context, cmd *cli.Command, fn func(*session.Manager) error, opts ...identity.Option) error {
	cfg, err := loadConfig(commandSources(cmd))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shutdownObservability, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.LogExporter)
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() { _ = shutdownObservability(context.WithoutCancel(ctx)) }()

	auth, err := app.OpenAuth(cfg.Auth, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = auth.Close() }()

	if err := auth.Manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	return fn(auth.Manager)
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	opener := consentOpener(os.Stderr, !cmd.Bool("no-browser"))

	return withSession(ctx, cmd, func(m *session.Manager) error {
		if err := m.SignIn(ctx, !cmd.Bool("silent")); err != nil {
			return err
		}

		// Identity is fetched in the background after sign-in
		deadline := time.Now().Add(identityWait)
		for time.Now().Before(deadline) {
			if _, ok := m.CachedIdentity(); ok {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}

		if id, ok := m.CachedIdentity(); ok {
			_, _ = fmt.Fprintf(os.Stderr, "Signed in as %s (%s)\n", id.DisplayName, id.Email)
		}
		return printJSON(os.Stdout, m.Status())
	}, identity.WithOpener(opener))
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	return withSession(ctx, cmd, func(m *session.Manager) error {
		if err := m.SignOut(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(os.Stderr, "Signed out")
		return nil
	})
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	return withSession(ctx, cmd, func(m *session.Manager) error {
		return printJSON(os.Stdout, m.Status())
	})
}

// consentOpener prints the consent URL and, on an interactive terminal, tries
// to open it in the default browser.
func consentOpener(w io.Writer, launch bool) identity.Opener {
	return func(ctx context.Context, authURL string) error {
		_, _ = fmt.Fprintf(w, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)

		if !launch || !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil
		}
		if err := browserCommand(ctx, authURL).Start(); err != nil {
			_, _ = fmt.Fprintf(w, "Could not open a browser (%v), please open the URL manually.\n", err)
		}
		return nil
	}
}

func browserCommand(ctx context.Context, u string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "open", u)
	case "windows":
		return exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", u)
	default:
		return exec.CommandContext(ctx, "xdg-open", u)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
