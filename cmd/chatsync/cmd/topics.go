package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/internal/topics"
)

var (
	topicsFormat    string
	topicsDirection string
)

// topicsCmd represents the topics command
var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the channels and destinations the client uses",
	Long: `List every channel the client subscribes to (inbound) and every destination
it publishes commands to (outbound).

Examples:
  chatsync topics                      # table of all topics
  chatsync topics --direction inbound  # only subscribed channels
  chatsync topics --format json        # machine-readable output`,
	// Skip config loading.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		list := topics.NewChatRegistry().List()

		if topicsDirection != "" {
			filtered := list[:0]
			for _, t := range list {
				if t.Direction().String() == strings.ToLower(topicsDirection) {
					filtered = append(filtered, t)
				}
			}
			list = filtered
		}

		switch topicsFormat {
		case "json":
			return outputTopicsJSON(cmd, list)
		case "table", "":
			outputTopicsTable(cmd, list)
			return nil
		default:
			fmt.Fprintf(os.Stderr, "Error: Invalid format '%s'. Valid formats: table, json\n", topicsFormat)
			return fmt.Errorf("invalid format %q", topicsFormat)
		}
	},
}

type topicJSON struct {
	Name        string `json:"name"`
	Direction   string `json:"direction"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

func outputTopicsJSON(cmd *cobra.Command, list []topics.Topic) error {
	out := make([]topicJSON, 0, len(list))
	for _, t := range list {
		out = append(out, topicJSON{
			Name:        t.Name(),
			Direction:   t.Direction().String(),
			Pattern:     t.Pattern(),
			Description: t.Description(),
		})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func outputTopicsTable(cmd *cobra.Command, list []topics.Topic) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIRECTION\tPATTERN\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name(), t.Direction(), t.Pattern(), t.Description())
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d topics\n", len(list))
}

func init() {
	topicsCmd.Flags().StringVar(&topicsFormat, "format", "table", "output format (table, json)")
	topicsCmd.Flags().StringVar(&topicsDirection, "direction", "", "filter by direction (inbound, outbound)")
	rootCmd.AddCommand(topicsCmd)
}
