package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"storeorders/internal/session"
)

func newLoginCommand(app func() *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			if err := a.sessions.Login(cmd.Context(), email, password); err != nil {
				if errors.Is(err, session.ErrAuthenticationFailed) {
					return errors.New("login failed: check email and password")
				}
				return err
			}
			user, _ := a.sessions.Identity()
			fmt.Fprintf(a.out, "logged in as %s (%s)\n", user.Email, describeRole(user.Role, user.StoreID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prompted when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget it locally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			ctx := cmd.Context()
			if err := a.sessions.Bootstrap(ctx); err != nil {
				a.log.Warn().Err(err).Msg("could not restore session")
			}
			if token, ok := a.sessions.AccessToken(); ok {
				if err := a.client.Logout(ctx, token); err != nil {
					a.log.Warn().Err(err).Msg("server logout failed")
				}
			}
			if err := a.sessions.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "logged out")
			return nil
		},
	}
}

func newWhoamiCommand(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			if err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			user, _ := a.sessions.Identity()
			fmt.Fprintf(a.out, "%s\t%s\t%s\n", user.ID, user.Email, describeRole(user.Role, user.StoreID))
			return nil
		},
	}
}
