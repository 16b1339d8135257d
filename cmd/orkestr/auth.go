package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/orkestr"
)

func createAuthCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "API authentication helpers",
	}

	var password string
	hash := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a [[server.auth.users]] entry",
		Long: `Print a bcrypt hash for the password_hash field of a user.
The password is read from --value, or from the first line of stdin.

Examples:
  orkestr auth hash-password --value s3cret
  echo s3cret | orkestr auth hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw := password
			if pw == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no password given")
				}
				pw = strings.TrimRight(line, "\r\n")
			}
			if pw == "" {
				return errors.New("no password given")
			}
			h, err := orkestr.HashPassword(pw)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
	hash.Flags().StringVar(&password, "value", "", "password to hash (default: read stdin)")

	login := &cobra.Command{
		Use:   "login",
		Short: "Exchange --user/--password for a bearer token",
		Long: `Log in and print a bearer token. Export it as ORKESTR_TOKEN or pass
it with --token on later calls.

Example:
  export ORKESTR_TOKEN=$(orkestr auth login --user ops --password s3cret)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalFlags.User == "" {
				return errors.New("--user is required")
			}
			tok, err := newAPIClient(globalFlags).Login(cmd.Context(), globalFlags.User, globalFlags.Password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return err
		},
	}

	cmd.AddCommand(hash, login)
	return cmd
}
