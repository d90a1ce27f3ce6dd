package cli

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/coursecraft/services/learner/internal/app"
	"github.com/example/coursecraft/services/learner/internal/identity/local"
	"github.com/example/coursecraft/services/learner/internal/session"
)

func newSessionCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the signed-in session",
	}
	cmd.AddCommand(
		newSessionStatusCommand(c),
		newSessionLoginCommand(c),
		newSessionSignupCommand(c),
		newSessionLogoutCommand(c),
		newSessionRefreshCommand(c),
	)
	return cmd
}

func (c *commandContext) printSession(cmd *cobra.Command, s session.Snapshot) error {
	s = redact(s)
	human, err := c.human(cmd)
	if err != nil {
		return err
	}
	if !human {
		return writeJSON(cmd, s)
	}
	renderSession(cmd.OutOrStdout(), s, time.Now())
	return nil
}

func newSessionStatusCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			a.Start(cmd.Context())
			return c.printSession(cmd, a.Session.Snapshot())
		}),
	}
}

func newSessionLoginCommand(c *commandContext) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			email, password, err := credentials(email, password)
			if err != nil {
				return err
			}
			a.Start(cmd.Context())
			if err := a.Session.SignIn(cmd.Context(), email, password); err != nil {
				return err
			}
			return c.printSession(cmd, a.Session.Snapshot())
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	return cmd
}

// credentials resolves --password falling back to LEARNER_PASSWORD.
func credentials(email, password string) (string, string, error) {
	if password == "" {
		password = os.Getenv("LEARNER_PASSWORD")
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return "", "", errors.New("--email and --password (or LEARNER_PASSWORD) are required")
	}
	return email, password, nil
}

func newSessionSignupCommand(c *commandContext) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create a local account and sign in",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			p, ok := a.Auth.(*local.Provider)
			if !ok {
				return errors.New("signup is only available with the local auth provider")
			}
			email, password, err := credentials(email, password)
			if err != nil {
				return err
			}
			a.Start(cmd.Context())
			if _, err := p.SignUp(cmd.Context(), email, password); err != nil {
				return err
			}
			return c.printSession(cmd, a.Session.Snapshot())
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	return cmd
}

func newSessionLogoutCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			a.Start(cmd.Context())
			a.Session.SignOut(cmd.Context())
			return c.printSession(cmd, a.Session.Snapshot())
		}),
	}
}

func newSessionRefreshCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the access token now",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			a.Start(cmd.Context())
			if _, ok := a.Session.UserID(); !ok {
				return errNotSignedIn
			}
			a.Session.Refresh(cmd.Context())
			snap := a.Session.Snapshot()
			if err := c.printSession(cmd, snap); err != nil {
				return err
			}
			if snap.State != session.StateAuthenticated {
				return errors.New("session renewal failed; sign in again")
			}
			return nil
		}),
	}
}
