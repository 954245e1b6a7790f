package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cached message history",
	Long: `Remove every cached message. Without --yes the command asks for
confirmation and does nothing unless the answer is "y" or "yes".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer session.Close()

		msgs, err := session.Cache.LoadMessages(cmd.Context())
		if err != nil {
			printErr(cmd, "%v", err)
			return err
		}
		session.State.Load(msgs)

		confirm := func() bool {
			if clearYes {
				return true
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Delete %d cached messages? [y/N] ", len(msgs))
			answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			switch strings.ToLower(strings.TrimSpace(answer)) {
			case "y", "yes":
				return true
			}
			return false
		}

		cleared, err := session.State.ClearAll(confirm)
		if err != nil {
			printErr(cmd, "%v", err)
			return err
		}
		if !cleared {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing deleted")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Message history cleared")
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(clearCmd)
}
