package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginUsername string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and save the session identity",
	Long: `Log in against the auth API. The returned token and identity are saved in
the state directory so that "chatsync connect" can reuse them.

Examples:
  chatsync login --username alice --password secret
  echo secret | chatsync login --username alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginUsername == "" {
			return fmt.Errorf("--username is required")
		}
		password := loginPassword
		if password == "" {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		session, err := newSession()
		if err != nil {
			return err
		}
		defer session.Close()

		id, err := session.Login(cmd.Context(), loginUsername, password)
		if err != nil {
			printErr(cmd, "%v", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (id %s)\n", id.Username, id.UserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer session.Close()

		if _, err := session.Auth.Restore(cmd.Context()); err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
			return nil
		}
		if err := session.Logout(cmd.Context()); err != nil {
			printErr(cmd, "%v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username to log in with")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (read from stdin when omitted)")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
