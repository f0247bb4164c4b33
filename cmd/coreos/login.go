package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreos-dash/coreos-client/internal/model"
)

type loginOptions struct {
	email      string
	password   string
	provider   string
	mfaCode    string
	totpSecret string
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	var opts loginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		Long: "Signs in with email and password, or with an OAuth provider configured under oauth.providers. " +
			"When the account requires a second factor, pass --mfa-code or --totp-secret. " +
			"Failed attempts are kept in the configured store, so repeated failures across runs " +
			"are refused with RATE_LIMITED (the memory driver forgets them on exit).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.password == "" {
				opts.password = os.Getenv("COREOS_PASSWORD")
			}
			if opts.totpSecret == "" {
				opts.totpSecret = os.Getenv("COREOS_TOTP_SECRET")
			}
			return runLogin(cmd, flags, opts)
		},
	}

	cmd.Flags().StringVar(&opts.email, "email", "", "account email")
	cmd.Flags().StringVar(&opts.password, "password", "", "account password (default $COREOS_PASSWORD)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "OAuth provider name instead of a password")
	cmd.Flags().StringVar(&opts.mfaCode, "mfa-code", "", "one-time second factor code")
	cmd.Flags().StringVar(&opts.totpSecret, "totp-secret", "", "base32 TOTP secret used to generate the code (default $COREOS_TOTP_SECRET)")
	cmd.MarkFlagsMutuallyExclusive("provider", "email")
	cmd.MarkFlagsMutuallyExclusive("mfa-code", "totp-secret")
	return cmd
}

func runLogin(cmd *cobra.Command, flags *globalFlags, opts loginOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	switch {
	case opts.provider != "":
		err = a.session.LoginWithOAuth(ctx, opts.provider)
	case opts.email != "" && opts.password != "":
		err = a.session.Login(ctx, model.Credentials{Email: opts.email, Password: opts.password})
	default:
		return errors.New("login: pass --email and --password, or --provider")
	}
	if err != nil {
		return err
	}

	snap := a.session.Snapshot()
	if snap.MFARequired && !snap.MFAVerified {
		switch {
		case opts.totpSecret != "":
			err = a.session.VerifyTOTP(ctx, opts.totpSecret)
		case opts.mfaCode != "":
			err = a.session.VerifyMFA(ctx, opts.mfaCode)
		default:
			return errors.New("second factor required: pass --mfa-code or --totp-secret")
		}
		if err != nil {
			return err
		}
		snap = a.session.Snapshot()
	}

	out := cmd.OutOrStdout()
	if snap.User != nil {
		fmt.Fprintf(out, "Signed in as %s <%s>\n", snap.User.Name, snap.User.Email)
	} else {
		fmt.Fprintln(out, "Signed in")
	}
	if !snap.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "Access token expires %s\n", snap.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func newLogoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := newApp(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.session.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}
