package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/admin"
	"github.com/roach88/crmsync/internal/config"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	TTL     time.Duration
}

// TokenResult is the JSON output of the token command.
type TokenResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Long: `Issue an HS256 bearer token for the admin API, signed with admin.jwt_secret.

Example:
  crmsync token --subject ops --ttl 1h
  curl -H "Authorization: Bearer $(crmsync token)" localhost:8080/api/connections`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "crmsync", "token subject")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "--ttl must be positive")
	}

	now := time.Now()
	token, err := admin.IssueToken(cfg.Admin.JWTSecret, opts.Subject, opts.TTL, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to issue token", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(TokenResult{Token: token, Subject: opts.Subject, ExpiresAt: now.Add(opts.TTL).UTC()})
	}
	formatter.VerboseLog("Token for %s expires at %s", opts.Subject, now.Add(opts.TTL).UTC().Format(time.RFC3339))
	_, err = formatter.Writer.Write([]byte(token + "\n"))
	return err
}
