package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/mailpilot/internal/browser"
	"github.com/xkilldash9x/mailpilot/internal/console"
	"github.com/xkilldash9x/mailpilot/internal/observability"
	"github.com/xkilldash9x/mailpilot/internal/session"
)

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage saved mail client sign-ins",
	}
	sessionCmd.PersistentFlags().StringP("provider", "p", "", "mail client: gmail or outlook (overrides agent.provider)")

	sessionCmd.AddCommand(newSessionLoginCmd())
	sessionCmd.AddCommand(newSessionStatusCmd())
	sessionCmd.AddCommand(newSessionClearCmd())
	return sessionCmd
}

// newSessionLoginCmd opens a visible browser on the provider so the user can
// sign in by hand, then saves the resulting session for later runs.
func newSessionLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in interactively and save the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			provider := string(cfg.Agent.Provider)

			store := session.NewStore(cfg.Session.Dir, logger)
			env, err := browser.NewEnvironment(cfg.Browser, provider, store, logger)
			if err != nil {
				return err
			}

			con := console.New(cmd.InOrStdin(), cmd.OutOrStdout(), false)
			con.Info("Opening %s in a browser window. Sign in there.", env.Provider().URL)
			err = env.Login(ctx, func(ctx context.Context) error {
				return con.WaitForEnter(ctx, "After signing in, press Enter here to save the session...")
			})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			con.Info("Session saved to %s", store.Path(provider))
			return nil
		},
	}
}

func newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the saved session for a provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			provider := string(cfg.Agent.Provider)
			store := session.NewStore(cfg.Session.Dir, observability.GetLogger())

			state, err := store.Load(cmd.Context(), provider)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if state == nil {
				fmt.Fprintf(out, "No saved session for %s. Run 'mailpilot session login --provider %s'.\n", provider, provider)
				return nil
			}

			now := time.Now()
			expired := 0
			for _, c := range state.Cookies {
				if c.Expired(now) {
					expired++
				}
			}
			fmt.Fprintf(out, "Provider: %s\n", provider)
			fmt.Fprintf(out, "File:     %s\n", store.Path(provider))
			if !state.SavedAt.IsZero() {
				fmt.Fprintf(out, "Saved:    %s\n", state.SavedAt.Local().Format(time.RFC1123))
			}
			fmt.Fprintf(out, "Cookies:  %d (%d expired)\n", len(state.Cookies), expired)
			fmt.Fprintf(out, "Origins:  %d with local storage\n", len(state.LocalStorage))
			return nil
		},
	}
}

func newSessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the saved session for a provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			provider := string(cfg.Agent.Provider)
			store := session.NewStore(cfg.Session.Dir, observability.GetLogger())
			if err := store.Delete(provider); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared saved session for %s.\n", provider)
			return nil
		},
	}
}
