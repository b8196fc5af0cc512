package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/habitsync/internal/authfile"
)

// DefaultSessionTTL is the lifetime of tokens minted by login.
const DefaultSessionTTL = 24 * time.Hour

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	runtimeFlags
	Email string
	TTL   time.Duration
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login <uid>",
		Short: "Sign a session token and write it to the token file",
		Long: `Mint an HS256 session token for uid with the configured secret and
issuer, and atomically replace the token file. A running bootstrap that
watches the file sees the new identity.

Example:
  habitsync login u1 --email u1@example.com --token-file ./session.jwt`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TokenFile, "token-file", "", "session token file (overrides config)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email claim")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", DefaultSessionTTL, "token lifetime")

	return cmd
}

func runLogin(opts *LoginOptions, uid string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, opts.runtimeFlags)
	if err != nil {
		return err
	}
	if cfg.TokenFile == "" {
		return NewExitError(ExitCommandError, "no token file: set --token-file or token_file")
	}

	token, err := authfile.IssueToken(authfile.IssueConfig{
		Secret: []byte(cfg.TokenSecret),
		Issuer: cfg.TokenIssuer,
		UserID: uid,
		Email:  opts.Email,
		TTL:    opts.TTL,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to issue token", err)
	}
	if err := authfile.WriteTokenFile(cfg.TokenFile, token); err != nil {
		return WrapExitError(ExitCommandError, "failed to write token file", err)
	}

	result := map[string]any{"uid": uid, "tokenFile": cfg.TokenFile, "expiresIn": opts.TTL.String()}
	return newFormatter(cmd, opts.RootOptions).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Signed in as %s (token in %s, valid %s)\n", uid, cfg.TokenFile, opts.TTL)
	})
}

// LogoutOptions holds flags for the logout command.
type LogoutOptions struct {
	*RootOptions
	runtimeFlags
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogoutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "logout",
		Short:         "Flush pending writes, clear the stored credential and the token file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.TokenFile, "token-file", "", "session token file (overrides config)")

	return cmd
}

func runLogout(opts *LogoutOptions, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions, opts.runtimeFlags)
	if err != nil {
		return err
	}
	defer closeRuntime(context.WithoutCancel(ctx), rt)

	if err := rt.engine.Logout(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to clear stored credential", err)
	}
	if rt.cfg.TokenFile != "" {
		if err := authfile.RemoveTokenFile(rt.cfg.TokenFile); err != nil {
			return WrapExitError(ExitCommandError, "failed to remove token file", err)
		}
	}

	return newFormatter(cmd, opts.RootOptions).Success(map[string]any{"signedOut": true}, func(w io.Writer) {
		fmt.Fprintln(w, "Signed out")
	})
}
